package hw

import (
	"encoding/binary"
	"strings"
)

// MarshalError describes a wire conversion failure.
type MarshalError string

func (e MarshalError) Error() string {
	return string(e)
}

const (
	ErrInsufficientData MarshalError = "insufficient data for unmarshaling"
	ErrShortBuffer      MarshalError = "destination buffer too small"
)

// PutCommand writes a command into a 64-byte ring slot.
func PutCommand(dst []byte, c *Command) error {
	if len(dst) < 64 {
		return ErrShortBuffer
	}

	dst[0] = c.Opcode
	dst[1] = c.Flags
	binary.LittleEndian.PutUint16(dst[2:4], c.CommandID)
	binary.LittleEndian.PutUint32(dst[4:8], c.NSID)
	binary.LittleEndian.PutUint32(dst[8:12], c.Cdw2)
	binary.LittleEndian.PutUint32(dst[12:16], c.Cdw3)
	binary.LittleEndian.PutUint64(dst[16:24], c.Metadata)
	binary.LittleEndian.PutUint64(dst[24:32], c.PRP1)
	binary.LittleEndian.PutUint64(dst[32:40], c.PRP2)
	binary.LittleEndian.PutUint32(dst[40:44], c.Cdw10)
	binary.LittleEndian.PutUint32(dst[44:48], c.Cdw11)
	binary.LittleEndian.PutUint32(dst[48:52], c.Cdw12)
	binary.LittleEndian.PutUint32(dst[52:56], c.Cdw13)
	binary.LittleEndian.PutUint32(dst[56:60], c.Cdw14)
	binary.LittleEndian.PutUint32(dst[60:64], c.Cdw15)

	return nil
}

// ParseCommand reads a command back out of a ring slot.
func ParseCommand(data []byte, c *Command) error {
	if len(data) < 64 {
		return ErrInsufficientData
	}

	c.Opcode = data[0]
	c.Flags = data[1]
	c.CommandID = binary.LittleEndian.Uint16(data[2:4])
	c.NSID = binary.LittleEndian.Uint32(data[4:8])
	c.Cdw2 = binary.LittleEndian.Uint32(data[8:12])
	c.Cdw3 = binary.LittleEndian.Uint32(data[12:16])
	c.Metadata = binary.LittleEndian.Uint64(data[16:24])
	c.PRP1 = binary.LittleEndian.Uint64(data[24:32])
	c.PRP2 = binary.LittleEndian.Uint64(data[32:40])
	c.Cdw10 = binary.LittleEndian.Uint32(data[40:44])
	c.Cdw11 = binary.LittleEndian.Uint32(data[44:48])
	c.Cdw12 = binary.LittleEndian.Uint32(data[48:52])
	c.Cdw13 = binary.LittleEndian.Uint32(data[52:56])
	c.Cdw14 = binary.LittleEndian.Uint32(data[56:60])
	c.Cdw15 = binary.LittleEndian.Uint32(data[60:64])

	return nil
}

// PutCompletion writes a completion entry. The phase bit must already be
// folded into Status.
func PutCompletion(dst []byte, c *Completion) error {
	if len(dst) < 16 {
		return ErrShortBuffer
	}

	binary.LittleEndian.PutUint32(dst[0:4], c.Result)
	binary.LittleEndian.PutUint32(dst[4:8], c.Reserved)
	binary.LittleEndian.PutUint16(dst[8:10], c.SQHead)
	binary.LittleEndian.PutUint16(dst[10:12], c.SQID)
	binary.LittleEndian.PutUint16(dst[12:14], c.CommandID)
	binary.LittleEndian.PutUint16(dst[14:16], c.Status)

	return nil
}

// ParseCompletion reads a completion entry.
func ParseCompletion(data []byte, c *Completion) error {
	if len(data) < 16 {
		return ErrInsufficientData
	}

	c.Result = binary.LittleEndian.Uint32(data[0:4])
	c.Reserved = binary.LittleEndian.Uint32(data[4:8])
	c.SQHead = binary.LittleEndian.Uint16(data[8:10])
	c.SQID = binary.LittleEndian.Uint16(data[10:12])
	c.CommandID = binary.LittleEndian.Uint16(data[12:14])
	c.Status = binary.LittleEndian.Uint16(data[14:16])

	return nil
}

// PeekPhase reads only the status word of a completion entry. Callers
// issue a load barrier between this and ParseCompletion.
func PeekPhase(data []byte) uint16 {
	return binary.LittleEndian.Uint16(data[14:16]) & 1
}

// PutTCB writes a translation control block into its table slot.
func PutTCB(dst []byte, t *TCB) error {
	if len(dst) < TCBSize {
		return ErrShortBuffer
	}

	dst[0] = t.Opcode
	dst[1] = t.DMAFlags
	dst[2] = t.CommandID
	dst[3] = t.Rsvd0
	binary.LittleEndian.PutUint32(dst[4:8], t.Length)
	binary.LittleEndian.PutUint64(dst[8:16], t.Rsvd1[0])
	binary.LittleEndian.PutUint64(dst[16:24], t.Rsvd1[1])
	binary.LittleEndian.PutUint64(dst[24:32], t.PRP1)
	binary.LittleEndian.PutUint64(dst[32:40], t.PRP2)
	binary.LittleEndian.PutUint64(dst[40:48], t.Rsvd2[0])
	binary.LittleEndian.PutUint64(dst[48:56], t.Rsvd2[1])
	copy(dst[56:64], t.AESIV[:])
	copy(dst[64:128], t.AESRsvd[:])

	return nil
}

// ParseTCB reads a translation control block out of its table slot.
func ParseTCB(data []byte, t *TCB) error {
	if len(data) < TCBSize {
		return ErrInsufficientData
	}

	t.Opcode = data[0]
	t.DMAFlags = data[1]
	t.CommandID = data[2]
	t.Rsvd0 = data[3]
	t.Length = binary.LittleEndian.Uint32(data[4:8])
	t.Rsvd1[0] = binary.LittleEndian.Uint64(data[8:16])
	t.Rsvd1[1] = binary.LittleEndian.Uint64(data[16:24])
	t.PRP1 = binary.LittleEndian.Uint64(data[24:32])
	t.PRP2 = binary.LittleEndian.Uint64(data[32:40])
	t.Rsvd2[0] = binary.LittleEndian.Uint64(data[40:48])
	t.Rsvd2[1] = binary.LittleEndian.Uint64(data[48:56])
	copy(t.AESIV[:], data[56:64])
	copy(t.AESRsvd[:], data[64:128])

	return nil
}

// ZeroTCB clears a table slot in place.
func ZeroTCB(dst []byte) {
	for i := 0; i < TCBSize && i < len(dst); i++ {
		dst[i] = 0
	}
}

// ParseIdentifyController decodes the fields the driver consumes from a
// 4096-byte identify controller payload.
func ParseIdentifyController(data []byte, id *IdentifyController) error {
	if len(data) < 512 {
		return ErrInsufficientData
	}

	id.VendorID = binary.LittleEndian.Uint16(data[0:2])
	id.SerialNumber = trimASCII(data[4:24])
	id.ModelNumber = trimASCII(data[24:64])
	id.FirmwareRev = trimASCII(data[64:72])
	id.MaxTransferShift = data[77]

	return nil
}

// PutIdentifyController encodes the same fields; the device model uses it
// to answer identify commands.
func PutIdentifyController(dst []byte, id *IdentifyController) error {
	if len(dst) < 512 {
		return ErrShortBuffer
	}

	binary.LittleEndian.PutUint16(dst[0:2], id.VendorID)
	putASCII(dst[4:24], id.SerialNumber)
	putASCII(dst[24:64], id.ModelNumber)
	putASCII(dst[64:72], id.FirmwareRev)
	dst[77] = id.MaxTransferShift

	return nil
}

// ParseIdentifyNamespace decodes the fields the driver consumes from a
// 4096-byte identify namespace payload.
func ParseIdentifyNamespace(data []byte, ns *IdentifyNamespace) error {
	if len(data) < 512 {
		return ErrInsufficientData
	}

	ns.SizeBlocks = binary.LittleEndian.Uint64(data[0:8])
	ns.CapacityBlocks = binary.LittleEndian.Uint64(data[8:16])

	// FLBAS low nibble selects the LBA format; LBADS lives in byte 2 of
	// the 4-byte format descriptor at 128 + 4*index.
	idx := data[26] & 0xf
	ns.LBAShift = data[128+4*int(idx)+2]

	return nil
}

// PutIdentifyNamespace encodes the same fields for the device model.
func PutIdentifyNamespace(dst []byte, ns *IdentifyNamespace) error {
	if len(dst) < 512 {
		return ErrShortBuffer
	}

	binary.LittleEndian.PutUint64(dst[0:8], ns.SizeBlocks)
	binary.LittleEndian.PutUint64(dst[8:16], ns.CapacityBlocks)
	dst[26] = 0
	dst[128+2] = ns.LBAShift

	return nil
}

// Identify strings are space-padded ASCII.
func trimASCII(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}

func putASCII(dst []byte, s string) {
	for i := range dst {
		dst[i] = ' '
	}
	copy(dst, s)
}
