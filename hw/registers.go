package hw

// NVMe core registers (byte offsets into the controller window)
const (
	RegCAP  = 0x0000 // capabilities, 64-bit
	RegVS   = 0x0008 // version
	RegCC   = 0x0014 // controller configuration
	RegCSTS = 0x001c // controller status
	RegAQA  = 0x0024 // admin queue attributes
	RegASQ  = 0x0028 // admin SQ base, 64-bit
	RegACQ  = 0x0030 // admin CQ base, 64-bit

	RegDoorbellBase = 0x1000
)

// Coprocessor-specific registers. The linear submission doorbells replace
// the standard SQ tail doorbells entirely; completion doorbells stay at
// the standard offsets.
const (
	RegMaxPendCommands = 0x1210 // admin and I/O in-flight limits, 16|16
	RegBootStatus      = 0x1300

	RegUnknownCtrl        = 0x24008
	RegLinearSQCtrl       = 0x24908
	RegLinearASQDoorbell  = 0x2490c
	RegLinearIOSQDoorbell = 0x24910

	RegTCBCount            = 0x28100
	RegTCBBaseASQ          = 0x28108 // 64-bit
	RegTCBBaseIOSQ         = 0x28110 // 64-bit
	RegTCBInvalidate       = 0x28118
	RegTCBInvalidateStatus = 0x28120
)

const (
	// BootStatusOK is the literal magic the coprocessor posts once its
	// firmware is ready to accept NVMe traffic.
	BootStatusOK = 0xde71ce55

	LinearSQEnable = 1 << 0  // RegLinearSQCtrl
	PRPNullCheck   = 1 << 11 // RegUnknownCtrl; must be cleared
)

// CC bits
const (
	CCEnable         = 1 << 0
	CCCSSNVM         = 0 << 4
	CCMPSShift       = 7
	CCAMSRR          = 0 << 11
	CCShutdownNone   = 0 << 14
	CCShutdownNormal = 1 << 14
	CCShutdownMask   = 3 << 14
	CCIOSQESShift    = 16
	CCIOCQESShift    = 20
)

// CSTS bits
const (
	CSTSReady            = 1 << 0
	CSTSFatal            = 1 << 1
	CSTSShutdownMask     = 3 << 2
	CSTSShutdownComplete = 2 << 2
)

// CAP field accessors

// CapMQES returns the maximum queue entries supported (0-based).
func CapMQES(cap uint64) uint16 {
	return uint16(cap & 0xffff)
}

// CapTimeoutUnits returns the worst-case enable/disable wait in 500ms units.
func CapTimeoutUnits(cap uint64) uint8 {
	return uint8((cap >> 24) & 0xff)
}

// CapStride returns the doorbell stride in bytes.
func CapStride(cap uint64) uint32 {
	return 4 << ((cap >> 32) & 0xf)
}

// CapMPSMin returns the minimum memory page size shift (12 + field).
func CapMPSMin(cap uint64) uint8 {
	return 12 + uint8((cap>>48)&0xf)
}

// CQDoorbell returns the completion-head doorbell offset for a queue.
func CQDoorbell(qid uint16, stride uint32) uint64 {
	return RegDoorbellBase + uint64(2*uint32(qid)+1)*uint64(stride)
}

// SQDoorbell returns the standard submission-tail doorbell offset for a
// queue. Unused on this controller (linear doorbells take its place) but
// kept for window checks.
func SQDoorbell(qid uint16, stride uint32) uint64 {
	return RegDoorbellBase + uint64(2*uint32(qid))*uint64(stride)
}

// AQAValue packs the admin queue attributes (0-based sizes, SQ low).
func AQAValue(depth uint32) uint32 {
	return (depth - 1) | (depth-1)<<16
}

// MaxPendValue packs the admin and I/O pending-command limits.
func MaxPendValue(admin, io uint32) uint32 {
	return admin | io<<16
}
