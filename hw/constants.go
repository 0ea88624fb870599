// Package hw defines the hardware ABI of the coprocessor-fronted NVMe
// controller: register offsets, command/completion/TCB layouts, and the
// little-endian marshaling at the device boundary.
package hw

// Admin opcodes
const (
	AdminDeleteSQ   = 0x00
	AdminCreateSQ   = 0x01
	AdminGetLogPage = 0x02
	AdminDeleteCQ   = 0x04
	AdminCreateCQ   = 0x05
	AdminIdentify   = 0x06
	AdminAbort      = 0x08
	AdminAsyncEvent = 0x0c
)

// I/O opcodes
const (
	IOFlush = 0x00
	IOWrite = 0x01
	IORead  = 0x02
)

// Completion status codes (generic command set, status field bits 8:1)
const (
	StatusSuccess          = 0x00
	StatusInvalidOpcode    = 0x01
	StatusInvalidField     = 0x02
	StatusDataTransferErr  = 0x04
	StatusAbortedPowerLoss = 0x05
	StatusInternal         = 0x06
	StatusAbortRequested   = 0x07
	StatusAbortedSQDeleted = 0x08
	StatusLBAOutOfRange    = 0x80
	StatusCapacityExceeded = 0x81
	StatusNSNotReady       = 0x82
)

// Command-specific status codes for queue creation (status type 1)
const (
	StatusCQInvalid      = 0x100
	StatusQIDInvalid     = 0x101
	StatusQueueSizeBad   = 0x102
	StatusAbortLimit     = 0x103
)

// Queue creation flags (create CQ/SQ cdw11)
const (
	QueuePhysContig = 1 << 0
	CQIrqEnabled    = 1 << 1
)

// Identify CNS values
const (
	CNSNamespace  = 0x00
	CNSController = 0x01
)

// Log page identifiers
const (
	LogPageError  = 0x01
	LogPageSmart  = 0x02
	LogPageFwSlot = 0x03
)

// Queue geometry. The coprocessor requires command tags that are unique
// across both queues, so the admin queue owns the low tag range and I/O
// tags start where it ends. One I/O slot is never handed out so the ring
// cannot be completely full.
const (
	AdminQueueDepth = 32
	IOQueueDepth    = 64

	// AENTag is the admin slot reserved for the async event request. No
	// per-request object ever exists for it.
	AENTag = AdminQueueDepth - 1

	AdminTagCount = AdminQueueDepth - 1 // allocatable admin tags [0, 31)
	IOTagBase     = AdminQueueDepth     // first I/O tag
	IOTagCount    = IOQueueDepth - AdminQueueDepth - 1
)

// Slot-size shifts: ring slot for tag t lives at t << shift.
const (
	AdminSlotShift = 6
	IOSlotShift    = 6
)

// TCB DMA direction flags
const (
	TCBDMAFromDevice = 1 << 0 // device writes host memory (reads)
	TCBDMAToDevice   = 1 << 1 // device reads host memory (writes)
)

// Transfer limits
const (
	PageSize     = 4096
	BlockSize    = 4096
	MaxTransfer  = 4096 * 1024 // 4 MiB per command
	MaxSegments  = 127
	PRPEntrySize = 8

	// PRP lists with at most SmallPoolEntries pointers come from the
	// small pool; larger ones chain full pages.
	SmallPoolSize    = 256
	SmallPoolEntries = SmallPoolSize / PRPEntrySize
)

// AEN result word subfields (completion Result on the AEN tag)
const (
	AENTypeMask     = 0x07
	AENInfoShift    = 8
	AENInfoMask     = 0xff
	AENLogPageShift = 16
	AENLogPageMask  = 0xff
)

// AEN types
const (
	AENTypeError  = 0x0
	AENTypeSmart  = 0x1
	AENTypeNotice = 0x2
)
