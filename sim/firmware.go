package sim

import (
	"github.com/behrlich/go-rnvme/hw"
	"github.com/behrlich/go-rnvme/rproc"
)

// fwState scripts the coprocessor side of the message protocol: hello,
// endpoint map, buffer negotiation, syslog init, and the boot-done pair.
// It advances strictly in response to host messages, so a host that
// stops answering leaves the boot parked exactly like real firmware.
type fwState struct {
	prof Profile

	started bool // handshake kicked off
	running bool // NVMe personality ready, boot magic posted
	version int

	chunks    []uint64 // precomputed endpoint map payloads
	nextChunk int

	epStarted   map[uint8]bool
	wantStart   map[uint8]bool // system endpoints that must start before boot-done
	wantBuffers map[uint8]bool // endpoints still waiting for a grant
	bootDone    bool

	syslogAddr   uint64
	syslogSize   int
	crashAddr    uint64
	crashSize    int
	ioreportAddr uint64
	ioreportSize int
}

func (f *fwState) init(prof Profile) {
	f.prof = prof
	f.epStarted = make(map[uint8]bool)
	f.wantStart = make(map[uint8]bool)
	f.wantBuffers = make(map[uint8]bool)

	bitmap := uint32(1)<<rproc.EPManagement |
		uint32(1)<<rproc.EPCrashLog |
		uint32(1)<<rproc.EPSyslog |
		uint32(1)<<rproc.EPDebug |
		uint32(1)<<rproc.EPIOReport
	if prof.UnknownEP {
		bitmap |= 1 << 5
	}
	for _, ep := range []uint8{rproc.EPCrashLog, rproc.EPSyslog, rproc.EPDebug, rproc.EPIOReport} {
		f.wantStart[ep] = true
	}
	f.wantBuffers[rproc.EPSyslog] = true
	f.wantBuffers[rproc.EPCrashLog] = true
	f.wantBuffers[rproc.EPIOReport] = true

	if prof.EPMapChunks == 2 {
		// The application endpoint lives in the second segment, so the
		// map needs a continuation.
		f.chunks = []uint64{
			rproc.EPMapMessage(bitmap, 0, false),
			rproc.EPMapMessage(1, 1, true), // endpoint 0x20
		}
	} else {
		f.chunks = []uint64{rproc.EPMapMessage(bitmap, 0, true)}
	}
}

func (f *fwState) syslogBufBytes() int {
	entry := 0x20 + f.prof.SyslogMsgSize
	size := f.prof.SyslogEntries * entry
	return (size + hw.PageSize - 1) &^ (hw.PageSize - 1)
}

// copRead32/copWrite32 back the coprocessor control window. Setting the
// run bit releases the firmware and starts the handshake.
func (d *Device) copRead32(off uint64) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gone {
		return ^uint32(0)
	}
	return d.cop.Read32(off)
}

func (d *Device) copWrite32(off uint64, v uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gone {
		return
	}
	old := d.cop.Read32(off)
	d.cop.Write32(off, v)
	if off == rproc.RegCPUControl &&
		v&rproc.CPUControlRun != 0 && old&rproc.CPUControlRun == 0 {
		d.fwKickLocked()
	}
}

// fwKickLocked begins the handshake: the firmware's first word is its
// protocol window.
func (d *Device) fwKickLocked() {
	if d.fw.started {
		return
	}
	d.fw.started = true
	d.push(rproc.EPManagement, rproc.HelloMessage(d.prof.ProtocolMin, d.prof.ProtocolMax))
}

// hostSend receives everything the driver writes to the mailbox.
func (d *Device) hostSend(msg rproc.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gone {
		return nil
	}

	switch msg.Endpoint {
	case rproc.EPManagement:
		d.fwManagementLocked(msg.Payload)
	case rproc.EPSyslog:
		d.fwSyslogLocked(msg.Payload)
	case rproc.EPCrashLog:
		d.fwBufferGrantLocked(rproc.EPCrashLog, &d.fw.crashAddr, &d.fw.crashSize, msg.Payload)
	case rproc.EPIOReport:
		d.fwBufferGrantLocked(rproc.EPIOReport, &d.fw.ioreportAddr, &d.fw.ioreportSize, msg.Payload)
	default:
		if msg.Endpoint >= rproc.EPAppBase {
			// Application payloads loop straight back so the dispatch
			// path above the mailbox can be exercised without real
			// firmware logic behind it.
			d.push(msg.Endpoint, msg.Payload)
		} else {
			d.log.Warnf("host message to unmodeled endpoint %d: %#x", msg.Endpoint, msg.Payload)
		}
	}
	return nil
}

func (d *Device) fwManagementLocked(p uint64) {
	switch rproc.MgmtType(p) {
	case 0x6: // wakeup of a parked coprocessor
		d.fwKickLocked()
	case 0x2: // hello reply
		want, _ := rproc.HelloVersions(p)
		if want < d.prof.ProtocolMin || want > d.prof.ProtocolMax {
			d.log.Warnf("host picked version %d outside firmware window", want)
			return
		}
		d.fw.version = want
		d.push(rproc.EPManagement, d.fw.chunks[0])
		d.fw.nextChunk = 1
	case 0x8: // endpoint map ack
		_, last, more := rproc.EPMapReplyFields(p)
		if more && d.fw.nextChunk < len(d.fw.chunks) {
			d.push(rproc.EPManagement, d.fw.chunks[d.fw.nextChunk])
			d.fw.nextChunk++
		} else if !last && !more {
			d.log.Warn("endpoint map ack with neither last nor more")
		}
	case 0x5: // start endpoint
		d.fwStartEPLocked(rproc.StartEPTarget(p))
	case 0xb: // boot-done acknowledgement
		d.fw.running = true
		d.push(rproc.EPManagement, rproc.BootDone2Message())
	default:
		d.log.Warnf("unknown host management message: %#x", p)
	}
}

func (d *Device) fwStartEPLocked(ep uint8) {
	if d.fw.epStarted[ep] {
		return
	}
	d.fw.epStarted[ep] = true
	delete(d.fw.wantStart, ep)

	switch ep {
	case rproc.EPSyslog:
		d.push(ep, rproc.BufferRequestMessage(d.fw.syslogBufBytes(), 0))
	case rproc.EPCrashLog:
		d.push(ep, rproc.BufferRequestMessage(d.prof.CrashBufBytes, 0))
	case rproc.EPIOReport:
		d.push(ep, rproc.BufferRequestMessage(hw.PageSize, 0))
	}
	d.fwMaybeBootDoneLocked()
}

// fwBufferGrantLocked records a host grant and verifies the region is
// actually reachable through the DMA filter, the check the coprocessor
// hardware performs on every access.
func (d *Device) fwBufferGrantLocked(ep uint8, addr *uint64, size *int, p uint64) {
	gsize, gaddr := rproc.BufferFields(p)
	if gaddr == 0 || gsize == 0 {
		d.log.Warnf("grant on endpoint %d without an address: %#x", ep, p)
		return
	}
	if !d.filterAllows(gaddr, gsize) {
		d.filterFaults++
		d.log.Warnf("granted buffer %#x+%#x is outside the DMA filter", gaddr, gsize)
	}
	*addr = gaddr
	*size = gsize
	delete(d.fw.wantBuffers, ep)

	if ep == rproc.EPSyslog {
		d.push(ep, rproc.SyslogInitMessage(d.prof.SyslogEntries, d.prof.SyslogMsgSize))
	}
	d.fwMaybeBootDoneLocked()
}

func (d *Device) fwSyslogLocked(p uint64) {
	switch rproc.MgmtType(p) {
	case 0x1:
		d.fwBufferGrantLocked(rproc.EPSyslog, &d.fw.syslogAddr, &d.fw.syslogSize, p)
	case 0x5:
		// log ack: the ring slot is free again
	default:
		d.log.Warnf("unknown host syslog message: %#x", p)
	}
}

// fwMaybeBootDoneLocked sends boot-done once every advertised system
// endpoint is started and every negotiated buffer is in place.
func (d *Device) fwMaybeBootDoneLocked() {
	if d.fw.bootDone || len(d.fw.wantStart) > 0 || len(d.fw.wantBuffers) > 0 {
		return
	}
	d.fw.bootDone = true
	d.push(rproc.EPManagement, rproc.BootDoneMessage())
}

// InjectSyslog writes a log entry into the negotiated ring and announces
// it. Returns false before the syslog buffer exists.
func (d *Device) InjectSyslog(idx int, context, text string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fw.syslogAddr == 0 {
		return false
	}
	entry := 0x20 + d.prof.SyslogMsgSize
	buf := d.alloc.Resolve(d.fw.syslogAddr+uint64(idx*entry), entry)
	if buf == nil {
		return false
	}
	for i := range buf {
		buf[i] = 0
	}
	copy(buf[8:8+24], context)
	copy(buf[8+24:], text)
	d.push(rproc.EPSyslog, rproc.SyslogLogMessage(idx))
	return true
}

// InjectCrash fills the crash buffer with a marker and reports the
// crash. Returns false before the crash buffer exists.
func (d *Device) InjectCrash(marker byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fw.crashAddr == 0 {
		return false
	}
	if buf := d.alloc.Resolve(d.fw.crashAddr, d.fw.crashSize); buf != nil {
		for i := range buf {
			buf[i] = marker
		}
	}
	d.push(rproc.EPCrashLog, rproc.BufferRequestMessage(d.fw.crashSize, d.fw.crashAddr))
	return true
}

// InjectAEN completes the parked async event request with the given
// result word. Returns false when no async event command is armed.
func (d *Device) InjectAEN(result uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.aenTag < 0 {
		return false
	}
	tag := uint16(d.aenTag)
	d.aenTag = -1
	d.postLocked(0, tag, hw.StatusSuccess, result)
	return true
}

// InjectAppMessage pushes a firmware-originated message on an
// application endpoint.
func (d *Device) InjectAppMessage(ep uint8, payload uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.push(ep, payload)
}

// FirmwareVersion returns the protocol version the firmware accepted,
// zero before the hello reply.
func (d *Device) FirmwareVersion() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fw.version
}

// BootDone reports whether the firmware finished its side of the
// handshake.
func (d *Device) BootDone() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fw.running
}
