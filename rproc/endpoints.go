package rproc

import (
	"bytes"

	"github.com/pkg/errors"
)

func (c *Channel) dispatch(msg Message) {
	switch {
	case msg.Endpoint == EPManagement:
		c.managementRx(msg.Payload)
	case msg.Endpoint == EPCrashLog:
		c.crashlogRx(msg.Payload)
	case msg.Endpoint == EPSyslog:
		c.syslogRx(msg.Payload)
	case msg.Endpoint == EPIOReport:
		c.ioreportRx(msg.Payload)
	case msg.Endpoint >= EPAppBase:
		if c.ops != nil {
			c.ops.RecvMessage(msg.Endpoint, msg.Payload)
		}
	default:
		c.log.WithEndpoint(msg.Endpoint).Warnf("message to unknown endpoint: %#x", msg.Payload)
	}
}

func (c *Channel) managementRx(p uint64) {
	switch MgmtType(p) {
	case mgmtHello:
		c.rxHello(p)
	case mgmtEPMap:
		c.rxEPMap(p)
	case mgmtBootDone:
		c.rxBootDone()
	case mgmtBootDone2:
		c.setRunning()
	default:
		c.log.Warnf("unknown management message: %#x", p)
	}
}

func (c *Channel) rxHello(p uint64) {
	minVer, maxVer := HelloVersions(p)
	c.log.Debug("firmware hello", "min", minVer, "max", maxVer)

	if minVer > MaxVersion {
		c.bootAbort(errors.Wrapf(ErrUnsupportedFirmware,
			"firmware min version %d is too new", minVer))
		return
	}
	if maxVer < MinVersion {
		c.bootAbort(errors.Wrapf(ErrUnsupportedFirmware,
			"firmware max version %d is too old", maxVer))
		return
	}

	want := MaxVersion
	if maxVer < want {
		want = maxVer
	}
	c.mu.Lock()
	c.version = want
	c.mu.Unlock()
	c.log.Info("initializing", "version", want)

	c.mgmtSend(mgmtHelloReply,
		uint64(want)<<helloMinShift|uint64(want)<<helloMaxShift)
}

func (c *Channel) rxEPMap(p uint64) {
	bitmap, base, last := EPMapFields(p)
	c.mu.Lock()
	c.endpoints[base&7] |= bitmap
	c.mu.Unlock()

	reply := uint64(base) << epmapBaseShift & epmapBaseMask
	if last {
		reply |= epmapLast
	} else {
		reply |= epmapMore
	}
	c.mgmtSend(mgmtEPMapReply, reply)

	if !last {
		return
	}
	// The firmware refuses to boot unless the system endpoints it
	// advertised are started. Application endpoints wait for the
	// driver.
	for ep := 0; ep < 256; ep++ {
		if !c.discovered(uint8(ep)) {
			continue
		}
		switch {
		case uint8(ep) == EPManagement:
			// started by default
		case uint8(ep) == EPCrashLog, uint8(ep) == EPSyslog,
			uint8(ep) == EPDebug, uint8(ep) == EPIOReport:
			c.startEndpoint(uint8(ep))
		case uint8(ep) >= EPAppBase:
			// driver-owned
		default:
			c.log.Warnf("unknown system endpoint: %d", ep)
		}
	}
}

func (c *Channel) rxBootDone() {
	c.mgmtSend(mgmtBootDone2, bootDoneAck)
}

// getBuffer answers a shared memory request. Host-owned channels
// allocate and reply with the address; carveout channels map the
// address the firmware supplied. Either failure aborts the boot since
// the firmware cannot make progress without its buffers.
func (c *Channel) getBuffer(buf *shmemRegion, ep uint8, p uint64) {
	size, addr := BufferFields(p)
	c.log.WithEndpoint(ep).Debug("buffer request", "size", size, "addr", addr)

	if c.mapper != nil {
		data, err := c.mapper.MapShmem(addr, size)
		if err != nil {
			c.bootAbort(errors.Wrapf(err, "rproc: mapping %#x bytes at %#x", size, addr))
			return
		}
		*buf = shmemRegion{data: data, addr: addr, size: size}
		return
	}

	if c.shmem == nil {
		c.bootAbort(errors.New("rproc: firmware requested a buffer but no allocator is configured"))
		return
	}
	b, err := c.shmem.ShmemAlloc(size)
	if err != nil {
		c.bootAbort(errors.Wrapf(err, "rproc: allocating %#x bytes", size))
		return
	}
	*buf = shmemRegion{buf: b, data: b.Data, addr: b.Addr, size: size, owned: true}

	if err := c.send(ep, BufferRequestMessage(size, b.Addr)); err != nil {
		c.bootAbort(errors.Wrap(err, "rproc: buffer grant"))
	}
}

func (c *Channel) syslogRx(p uint64) {
	switch MgmtType(p) {
	case msgBufferRequest:
		c.getBuffer(&c.syslogBuf, EPSyslog, p)
	case syslogInit:
		c.syslogRxInit(p)
	case syslogLog:
		c.syslogRxLog(p)
	default:
		c.log.Warnf("unknown syslog message: %#x", p)
	}
}

func (c *Channel) syslogRxInit(p uint64) {
	c.syslogEntries = int(p & syslogEntriesMask)
	c.syslogMsgSize = int(p >> syslogMsgSizeShft & 0xff)
	c.log.Debug("syslog initialized",
		"entries", c.syslogEntries, "msg_size", c.syslogMsgSize)
}

// syslogRxLog decodes one firmware log line. The message is always
// echoed back, even when the entry cannot be read, because the
// firmware recycles the ring slot only after the ack.
func (c *Channel) syslogRxLog(p uint64) {
	defer func() {
		if err := c.send(EPSyslog, p); err != nil {
			c.log.WithError(err).Warn("syslog ack failed")
		}
	}()

	idx := int(p & syslogIdxMask)
	if !c.syslogBuf.valid() || c.syslogBuf.data == nil {
		c.log.Warn("syslog message without a syslog buffer")
		return
	}
	if idx > c.syslogEntries {
		c.log.Warnf("syslog index %d out of range", idx)
		return
	}

	entrySize := syslogEntryHeader + c.syslogMsgSize
	off := idx*entrySize + syslogContextOff
	end := off + syslogContextLen + c.syslogMsgSize
	if end > len(c.syslogBuf.data) {
		c.log.Warnf("syslog entry %d beyond buffer", idx)
		return
	}

	context := cString(c.syslogBuf.data[off : off+syslogContextLen])
	text := cString(c.syslogBuf.data[off+syslogContextLen : end])
	c.log.Info("syslog message", "context", context, "text", text)
	if c.onSyslog != nil {
		c.onSyslog(context, text)
	}
}

// crashlogRx negotiates the crash buffer on first contact; a second
// crash message with the buffer in place means the coprocessor went
// down.
func (c *Channel) crashlogRx(p uint64) {
	if MgmtType(p) != msgBufferRequest {
		c.log.Warnf("unknown crashlog message: %#x", p)
		return
	}
	if !c.crashBuf.valid() {
		c.getBuffer(&c.crashBuf, EPCrashLog, p)
		return
	}

	c.log.Error("coprocessor has crashed")
	if c.onCrash != nil {
		var dump []byte
		if c.crashBuf.data != nil {
			dump = make([]byte, len(c.crashBuf.data))
			copy(dump, c.crashBuf.data)
		}
		c.onCrash(dump)
	}
}

func (c *Channel) ioreportRx(p uint64) {
	switch MgmtType(p) {
	case msgBufferRequest:
		c.getBuffer(&c.ioreportBuf, EPIOReport, p)
	case ioreportUnk1, ioreportUnk2:
		// unknown purpose, must be acked
		if err := c.send(EPIOReport, p); err != nil {
			c.log.WithError(err).Warn("ioreport ack failed")
		}
	default:
		c.log.Warnf("unknown ioreport message: %#x", p)
	}
}

// cString interprets b as NUL-terminated text.
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
