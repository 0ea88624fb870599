package rproc

// Well-known endpoints. Everything below EPAppBase belongs to the
// protocol itself; application endpoints are driver-defined.
const (
	EPManagement uint8 = 0
	EPCrashLog   uint8 = 1
	EPSyslog     uint8 = 2
	EPDebug      uint8 = 3
	EPIOReport   uint8 = 4
	EPAppBase    uint8 = 0x20
)

// Protocol versions this implementation speaks. The handshake picks
// min(MaxVersion, firmware max) and aborts when the windows do not
// overlap.
const (
	MinVersion = 11
	MaxVersion = 12
)

// Coprocessor control register, relative to the control window handed
// to New. Setting the run bit releases the coprocessor from reset; if
// the bit is already set the firmware is parked and wants a wakeup
// message instead.
const (
	RegCPUControl = 0x44
	CPUControlRun = 1 << 4
)

// Management message types, payload bits 59:52 on endpoint 0.
const (
	mgmtTypeShift = 52
	mgmtTypeMask  = uint64(0xff) << mgmtTypeShift

	mgmtHello      = 0x1
	mgmtHelloReply = 0x2
	mgmtStartEP    = 0x5
	mgmtBootDone   = 0x7
	mgmtEPMap      = 0x8
	mgmtEPMapReply = 0x8
	mgmtBootDone2  = 0xb
)

// MgmtWakeup is sent verbatim on the management endpoint to wake a
// parked coprocessor whose run bit is already set.
const MgmtWakeup uint64 = 0x0060000000000220

const (
	helloMinShift = 0
	helloMaxShift = 16
	helloVerMask  = 0xffff

	epmapLast      = uint64(1) << 51
	epmapBaseShift = 32
	epmapBaseMask  = uint64(0x7) << epmapBaseShift
	epmapBitmap    = uint64(0xffffffff)
	epmapMore      = uint64(1) << 0

	startEPShift = 32
	startEPFlag  = uint64(1) << 1

	bootDoneAck = uint64(0x20) // low 16 bits of the boot-done reply
)

// Shared-memory and system endpoint messages reuse the 59:52 type
// field. Type 1 is a buffer grant request on every system endpoint; on
// the crash log endpoint a second type-1 message after the grant means
// the coprocessor has crashed.
const (
	msgBufferRequest = 0x1

	bufSizeShift = 44 // bits 51:44, units of 4 KiB pages
	bufSizeMask  = uint64(0xff) << bufSizeShift
	bufAddrMask  = uint64(1)<<42 - 1

	syslogLog  = 0x5
	syslogInit = 0x8

	syslogEntriesMask = 0xff // init bits 7:0
	syslogMsgSizeShft = 24   // init bits 31:24
	syslogIdxMask     = uint64(0xff)

	// ioreport messages of unknown purpose that must be acked
	ioreportUnk1 = 0x8
	ioreportUnk2 = 0xc

	syslogEntryHeader = 0x20 // per-entry header preceding the text
	syslogContextOff  = 8
	syslogContextLen  = 24
)

// MgmtType extracts the management/system type field from a payload.
func MgmtType(payload uint64) uint8 {
	return uint8((payload & mgmtTypeMask) >> mgmtTypeShift)
}

func mgmtMsg(typ uint8, payload uint64) uint64 {
	payload &^= mgmtTypeMask
	return payload | uint64(typ)<<mgmtTypeShift
}

// HelloMessage builds the firmware's version advertisement.
func HelloMessage(minVer, maxVer int) uint64 {
	p := uint64(minVer&helloVerMask)<<helloMinShift |
		uint64(maxVer&helloVerMask)<<helloMaxShift
	return mgmtMsg(mgmtHello, p)
}

// HelloVersions extracts the version window from a hello or hello
// reply payload.
func HelloVersions(payload uint64) (minVer, maxVer int) {
	minVer = int(payload >> helloMinShift & helloVerMask)
	maxVer = int(payload >> helloMaxShift & helloVerMask)
	return minVer, maxVer
}

// EPMapMessage builds one segment of the firmware's endpoint bitmap.
// Each segment covers 32 endpoints starting at base*32.
func EPMapMessage(bitmap uint32, base uint32, last bool) uint64 {
	p := uint64(bitmap) | uint64(base)<<epmapBaseShift&epmapBaseMask
	if last {
		p |= epmapLast
	}
	return mgmtMsg(mgmtEPMap, p)
}

// EPMapFields extracts one endpoint map segment.
func EPMapFields(payload uint64) (bitmap uint32, base uint32, last bool) {
	bitmap = uint32(payload & epmapBitmap)
	base = uint32((payload & epmapBaseMask) >> epmapBaseShift)
	last = payload&epmapLast != 0
	return bitmap, base, last
}

// EPMapReplyFields extracts the host's acknowledgement of a map
// segment: the echoed base plus either the last marker or a request
// for the next segment.
func EPMapReplyFields(payload uint64) (base uint32, last, more bool) {
	base = uint32((payload & epmapBaseMask) >> epmapBaseShift)
	return base, payload&epmapLast != 0, payload&epmapMore != 0
}

// StartEPTarget extracts the endpoint a start request names.
func StartEPTarget(payload uint64) uint8 {
	return uint8(payload >> startEPShift)
}

// BootDoneMessage is the firmware's signal that endpoint discovery is
// complete; BootDone2Message is its signal that the started system
// endpoints are initialized.
func BootDoneMessage() uint64  { return mgmtMsg(mgmtBootDone, 0) }
func BootDone2Message() uint64 { return mgmtMsg(mgmtBootDone2, 0) }

// BufferRequestMessage builds a shared memory grant request (or, from
// the firmware side, an offer when addr is a device carveout address).
// Size is in bytes and must be page-granular.
func BufferRequestMessage(size int, addr uint64) uint64 {
	p := uint64(size>>12)<<bufSizeShift&bufSizeMask | addr&bufAddrMask
	return mgmtMsg(msgBufferRequest, p)
}

// BufferFields extracts the size in bytes and address of a buffer
// request or grant reply.
func BufferFields(payload uint64) (size int, addr uint64) {
	size = int((payload&bufSizeMask)>>bufSizeShift) << 12
	addr = payload & bufAddrMask
	return size, addr
}

// SyslogInitMessage announces the syslog ring geometry: entry count
// and per-entry message size.
func SyslogInitMessage(entries, msgSize int) uint64 {
	p := uint64(entries&syslogEntriesMask) |
		uint64(msgSize&0xff)<<syslogMsgSizeShft
	return mgmtMsg(syslogInit, p)
}

// SyslogLogMessage points at one entry of the syslog ring.
func SyslogLogMessage(idx int) uint64 {
	return mgmtMsg(syslogLog, uint64(idx)&syslogIdxMask)
}
