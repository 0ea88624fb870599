package hw

import (
	"unsafe"
)

// Command is one 64-byte submission slot. Layout is fixed by the device:
//
//	u8  opcode;       u8  flags;        u16 command_id;
//	u32 nsid;         u32 cdw2;         u32 cdw3;
//	u64 metadata;     u64 prp1;         u64 prp2;
//	u32 cdw10..cdw15;
//
// Admin and I/O queues use the same 64-byte format; the per-queue slot
// shift (AdminSlotShift/IOSlotShift) positions slots within the ring.
type Command struct {
	Opcode    uint8
	Flags     uint8
	CommandID uint16
	NSID      uint32
	Cdw2      uint32
	Cdw3      uint32
	Metadata  uint64
	PRP1      uint64
	PRP2      uint64
	Cdw10     uint32
	Cdw11     uint32
	Cdw12     uint32
	Cdw13     uint32
	Cdw14     uint32
	Cdw15     uint32
}

// Compile-time size check - one ring slot
var _ [64]byte = [unsafe.Sizeof(Command{})]byte{}

// IsWrite reports whether the command moves data toward the device.
func (c *Command) IsWrite() bool {
	return c.Opcode == IOWrite
}

// Completion is one 16-byte completion ring entry.
type Completion struct {
	Result    uint32 // command-specific result
	Reserved  uint32
	SQHead    uint16
	SQID      uint16
	CommandID uint16
	Status    uint16 // bit 0 = phase, bits 15:1 = status code
}

// Compile-time size check
var _ [16]byte = [unsafe.Sizeof(Completion{})]byte{}

// Phase returns the entry's phase bit.
func (c *Completion) Phase() uint16 {
	return c.Status & 1
}

// StatusCode returns the status with the phase bit stripped.
func (c *Completion) StatusCode() uint16 {
	return c.Status >> 1
}

// IsError reports whether the command failed.
func (c *Completion) IsError() bool {
	return c.StatusCode() != StatusSuccess
}

// TCB is the 128-byte translation control block mirrored for every
// in-flight command. The coprocessor re-reads it to address-filter DMA,
// so a slot must be written before the doorbell and zeroed on completion.
//
//	u8  opcode;    u8  dma_flags;  u8  command_id;  u8  rsvd;
//	u32 length;
//	u64 rsvd[2];
//	u64 prp1;      u64 prp2;
//	u64 rsvd[2];
//	u8  aes_iv[8];
//	u8  aes_rsvd[64];
type TCB struct {
	Opcode    uint8
	DMAFlags  uint8
	CommandID uint8
	Rsvd0     uint8
	Length    uint32
	Rsvd1     [2]uint64
	PRP1      uint64
	PRP2      uint64
	Rsvd2     [2]uint64
	AESIV     [8]uint8
	AESRsvd   [64]uint8
}

// Compile-time size check - layout is load-bearing
var _ [128]byte = [unsafe.Sizeof(TCB{})]byte{}

// TCBSize is the per-tag stride of the translation control block table.
const TCBSize = 128

// FillTCB populates a TCB from a command. Direction flags derive from
// the opcode: everything that is not a write reads from the device.
func FillTCB(t *TCB, c *Command, length uint32) {
	*t = TCB{}
	t.Opcode = c.Opcode
	t.CommandID = uint8(c.CommandID)
	t.Length = length
	t.PRP1 = c.PRP1
	t.PRP2 = c.PRP2
	if c.IsWrite() {
		t.DMAFlags = TCBDMAToDevice
	} else {
		t.DMAFlags = TCBDMAFromDevice
	}
}

// IsZero reports whether the TCB slot is fully cleared.
func (t *TCB) IsZero() bool {
	z := TCB{}
	return *t == z
}

// IdentifyController is the subset of the 4096-byte identify payload the
// driver consumes.
type IdentifyController struct {
	VendorID         uint16
	SerialNumber     string
	ModelNumber      string
	FirmwareRev      string
	MaxTransferShift uint8 // MDTS, in CAP.MPSMIN pages, 0 = unlimited
}

// IdentifyNamespace is the subset of the namespace identify payload the
// driver consumes.
type IdentifyNamespace struct {
	SizeBlocks     uint64
	CapacityBlocks uint64
	LBAShift       uint8
}
