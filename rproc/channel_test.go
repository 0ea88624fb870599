package rproc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-rnvme/dma"
	"github.com/behrlich/go-rnvme/mmio"
)

// recordTransport captures outbound messages and hands them to the test
// through a channel.
type recordTransport struct {
	mu   sync.Mutex
	sent []Message
	ch   chan Message
}

func newRecordTransport() *recordTransport {
	return &recordTransport{ch: make(chan Message, 64)}
}

func (t *recordTransport) Send(m Message) error {
	t.mu.Lock()
	t.sent = append(t.sent, m)
	t.mu.Unlock()
	t.ch <- m
	return nil
}

func (t *recordTransport) await(tb testing.TB) Message {
	tb.Helper()
	select {
	case m := <-t.ch:
		return m
	case <-time.After(2 * time.Second):
		tb.Fatal("no outbound message")
		return Message{}
	}
}

func (t *recordTransport) awaitNone(tb testing.TB) {
	tb.Helper()
	select {
	case m := <-t.ch:
		tb.Fatalf("unexpected outbound message: ep %d payload %#x", m.Endpoint, m.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

// hostShmem adapts the host allocator to the channel's grant interface.
type hostShmem struct {
	alloc *dma.HostAllocator
}

func (h hostShmem) ShmemAlloc(size int) (dma.Buffer, error) { return h.alloc.Alloc(size) }
func (h hostShmem) ShmemFree(b dma.Buffer)                  { h.alloc.Free(b) }

type channelFixture struct {
	c     *Channel
	tr    *recordTransport
	regs  *mmio.MemWindow
	alloc *dma.HostAllocator

	syslogMu sync.Mutex
	syslogs  [][2]string
	crashes  [][]byte
}

func newChannelFixture(t *testing.T) *channelFixture {
	t.Helper()
	f := &channelFixture{
		tr:    newRecordTransport(),
		regs:  mmio.NewMemWindow(0x100),
		alloc: dma.NewHostAllocator(0),
	}
	c, err := New(Config{
		Transport: f.tr,
		Regs:      f.regs,
		Shmem:     hostShmem{f.alloc},
		OnSyslog: func(context, text string) {
			f.syslogMu.Lock()
			f.syslogs = append(f.syslogs, [2]string{context, text})
			f.syslogMu.Unlock()
		},
		OnCrash: func(dump []byte) {
			f.syslogMu.Lock()
			f.crashes = append(f.crashes, dump)
			f.syslogMu.Unlock()
		},
	})
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	f.c = c
	return f
}

func TestBootSetsRunBit(t *testing.T) {
	f := newChannelFixture(t)

	require.NoError(t, f.c.Boot())
	assert.NotZero(t, f.regs.Read32(RegCPUControl)&CPUControlRun)
	assert.Equal(t, StateBooting, f.c.State())
	f.tr.awaitNone(t)
}

func TestBootWakesParkedFirmware(t *testing.T) {
	f := newChannelFixture(t)
	f.regs.Write32(RegCPUControl, CPUControlRun)

	require.NoError(t, f.c.Boot())
	m := f.tr.await(t)
	assert.Equal(t, EPManagement, m.Endpoint)
	assert.Equal(t, MgmtWakeup, m.Payload)
}

func TestHelloNegotiation(t *testing.T) {
	tests := []struct {
		name     string
		fwMin    int
		fwMax    int
		want     int
		wantFail bool
	}{
		{"exact window", 11, 12, 12, false},
		{"firmware newer", 11, 20, 12, false},
		{"firmware trails by one", 10, 11, 11, false},
		{"firmware too old", 5, 8, 0, true},
		{"firmware too new", 13, 15, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newChannelFixture(t)
			require.NoError(t, f.c.Boot())

			f.c.Deliver(Message{EPManagement, HelloMessage(tt.fwMin, tt.fwMax)})

			if tt.wantFail {
				// The rejection must surface as a distinguishable boot
				// error, not a hang.
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				err := f.c.WaitBoot(ctx)
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrUnsupportedFirmware), "got %v", err)
				assert.Equal(t, StateBootFailed, f.c.State())
				f.tr.awaitNone(t)
				return
			}

			m := f.tr.await(t)
			require.Equal(t, EPManagement, m.Endpoint)
			assert.Equal(t, uint8(mgmtHelloReply), MgmtType(m.Payload))
			gotMin, gotMax := HelloVersions(m.Payload)
			assert.Equal(t, tt.want, gotMin)
			assert.Equal(t, tt.want, gotMax)
			assert.Equal(t, tt.want, f.c.Version())
		})
	}
}

func TestEPMapTwoChunks(t *testing.T) {
	f := newChannelFixture(t)
	require.NoError(t, f.c.Boot())

	// First segment: management + the four system endpoints, more to
	// come. The ack must ask for the next segment.
	f.c.Deliver(Message{EPManagement, EPMapMessage(0x1f, 0, false)})
	m := f.tr.await(t)
	require.Equal(t, uint8(mgmtEPMapReply), MgmtType(m.Payload))
	base, last, more := EPMapReplyFields(m.Payload)
	assert.Equal(t, uint32(0), base)
	assert.False(t, last)
	assert.True(t, more)

	// No endpoint may start before the map is complete.
	f.tr.awaitNone(t)

	// Second segment: one application endpoint at 0x20, final.
	f.c.Deliver(Message{EPManagement, EPMapMessage(0x1, 1, true)})
	m = f.tr.await(t)
	require.Equal(t, uint8(mgmtEPMapReply), MgmtType(m.Payload))
	base, last, more = EPMapReplyFields(m.Payload)
	assert.Equal(t, uint32(1), base)
	assert.True(t, last)
	assert.False(t, more)

	// After the final segment the mandatory system endpoints are
	// started exactly once each; the application endpoint is not.
	started := map[uint8]int{}
	for i := 0; i < 4; i++ {
		m = f.tr.await(t)
		require.Equal(t, EPManagement, m.Endpoint)
		require.Equal(t, uint8(mgmtStartEP), MgmtType(m.Payload))
		started[StartEPTarget(m.Payload)]++
	}
	f.tr.awaitNone(t)
	for _, ep := range []uint8{EPCrashLog, EPSyslog, EPDebug, EPIOReport} {
		assert.Equal(t, 1, started[ep], "endpoint %d", ep)
	}
	assert.Zero(t, started[EPAppBase])
}

// bootstrap walks the fixture through a full handshake.
func bootstrap(t *testing.T, f *channelFixture) {
	t.Helper()
	require.NoError(t, f.c.Boot())

	f.c.Deliver(Message{EPManagement, HelloMessage(11, 12)})
	f.tr.await(t) // hello reply
	f.c.Deliver(Message{EPManagement, EPMapMessage(0x1f, 0, false)})
	f.tr.await(t) // map ack, more
	f.c.Deliver(Message{EPManagement, EPMapMessage(0x1, 1, true)})
	f.tr.await(t) // map ack, last
	for i := 0; i < 4; i++ {
		f.tr.await(t) // start endpoint
	}

	f.c.Deliver(Message{EPManagement, BootDoneMessage()})
	m := f.tr.await(t)
	require.Equal(t, uint8(mgmtBootDone2), MgmtType(m.Payload))
	assert.Equal(t, bootDoneAck, m.Payload&0xffff)

	f.c.Deliver(Message{EPManagement, BootDone2Message()})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.c.WaitBoot(ctx))
	require.Equal(t, StateRunning, f.c.State())
}

func TestFullHandshake(t *testing.T) {
	f := newChannelFixture(t)
	bootstrap(t, f)
	assert.Equal(t, 12, f.c.Version())
	assert.Zero(t, f.c.Dropped())
}

func TestWaitBootHonorsContext(t *testing.T) {
	f := newChannelFixture(t)

	// Firmware silent: the caller's deadline must be the error, clearly
	// separable from a firmware rejection.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := f.c.WaitBoot(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.False(t, errors.Is(err, ErrUnsupportedFirmware))
}

func TestSendRequiresRunningForAppEndpoints(t *testing.T) {
	f := newChannelFixture(t)

	assert.Equal(t, ErrNotRunning, f.c.Send(EPAppBase, 0x1234))
	err := f.c.Start(EPAppBase)
	assert.True(t, errors.Is(err, ErrUnknownEndpoint), "got %v", err)

	bootstrap(t, f)

	require.NoError(t, f.c.Send(EPAppBase, 0x1234))
	m := f.tr.await(t)
	assert.Equal(t, EPAppBase, m.Endpoint)
	assert.Equal(t, uint64(0x1234), m.Payload)

	// The app endpoint was advertised in the map, so Start works now.
	require.NoError(t, f.c.Start(EPAppBase))
	m = f.tr.await(t)
	assert.Equal(t, uint8(mgmtStartEP), MgmtType(m.Payload))
	assert.Equal(t, EPAppBase, StartEPTarget(m.Payload))

	// An endpoint the firmware never advertised stays rejected.
	err = f.c.Start(EPAppBase + 1)
	assert.True(t, errors.Is(err, ErrUnknownEndpoint), "got %v", err)
}

func TestSyslogNegotiationAndDecode(t *testing.T) {
	f := newChannelFixture(t)
	bootstrap(t, f)

	const (
		entries = 4
		msgSize = 0x40
	)
	bufSize := (entries*(syslogEntryHeader+msgSize) + 4095) &^ 4095

	// The firmware asks for a buffer; the host grants one and echoes the
	// address back on the same endpoint.
	f.c.Deliver(Message{EPSyslog, BufferRequestMessage(bufSize, 0)})
	m := f.tr.await(t)
	require.Equal(t, EPSyslog, m.Endpoint)
	require.Equal(t, uint8(msgBufferRequest), MgmtType(m.Payload))
	grantSize, grantAddr := BufferFields(m.Payload)
	assert.Equal(t, bufSize, grantSize)
	ring := f.alloc.Resolve(grantAddr, bufSize)
	require.NotNil(t, ring, "granted address does not resolve")

	f.c.Deliver(Message{EPSyslog, SyslogInitMessage(entries, msgSize)})

	// Write entry 2 the way the firmware would and announce it.
	entry := ring[2*(syslogEntryHeader+msgSize):]
	copy(entry[syslogContextOff:], "ans2\x00")
	copy(entry[syslogContextOff+syslogContextLen:], "nvme up\n\x00")
	f.c.Deliver(Message{EPSyslog, SyslogLogMessage(2)})

	// The slot is recycled only after the ack, so the message must come
	// back verbatim.
	m = f.tr.await(t)
	assert.Equal(t, EPSyslog, m.Endpoint)
	assert.Equal(t, SyslogLogMessage(2), m.Payload)

	f.syslogMu.Lock()
	defer f.syslogMu.Unlock()
	require.Len(t, f.syslogs, 1)
	assert.Equal(t, "ans2", f.syslogs[0][0])
	assert.Equal(t, "nvme up\n", f.syslogs[0][1])
}

func TestSyslogAcksUnreadableEntries(t *testing.T) {
	f := newChannelFixture(t)
	bootstrap(t, f)

	// A log message before any buffer grant cannot be decoded but still
	// must be acked or the firmware wedges.
	f.c.Deliver(Message{EPSyslog, SyslogLogMessage(0)})
	m := f.tr.await(t)
	assert.Equal(t, EPSyslog, m.Endpoint)
	assert.Equal(t, SyslogLogMessage(0), m.Payload)

	f.syslogMu.Lock()
	defer f.syslogMu.Unlock()
	assert.Empty(t, f.syslogs)
}

func TestCrashNotification(t *testing.T) {
	f := newChannelFixture(t)
	bootstrap(t, f)

	// First crash-endpoint message negotiates the buffer.
	f.c.Deliver(Message{EPCrashLog, BufferRequestMessage(0x2000, 0)})
	m := f.tr.await(t)
	require.Equal(t, EPCrashLog, m.Endpoint)
	_, grantAddr := BufferFields(m.Payload)
	dump := f.alloc.Resolve(grantAddr, 0x2000)
	require.NotNil(t, dump)
	copy(dump, "PANIC: queue engine fault")

	// The second one means the coprocessor went down; the observer gets
	// a snapshot of the buffer.
	f.c.Deliver(Message{EPCrashLog, BufferRequestMessage(0x2000, 0)})
	require.Eventually(t, func() bool {
		f.syslogMu.Lock()
		defer f.syslogMu.Unlock()
		return len(f.crashes) == 1
	}, 2*time.Second, 5*time.Millisecond)

	f.syslogMu.Lock()
	defer f.syslogMu.Unlock()
	assert.Equal(t, "PANIC: queue engine fault", string(f.crashes[0][:25]))
	assert.Len(t, f.crashes[0], 0x2000)
}

func TestIOReportEcho(t *testing.T) {
	f := newChannelFixture(t)
	bootstrap(t, f)

	for _, typ := range []uint8{ioreportUnk1, ioreportUnk2} {
		payload := mgmtMsg(typ, 0xabcd)
		f.c.Deliver(Message{EPIOReport, payload})
		m := f.tr.await(t)
		assert.Equal(t, EPIOReport, m.Endpoint)
		assert.Equal(t, payload, m.Payload)
	}
}

func TestShutdownReleasesBuffers(t *testing.T) {
	f := newChannelFixture(t)
	bootstrap(t, f)

	f.c.Deliver(Message{EPSyslog, BufferRequestMessage(0x1000, 0)})
	f.tr.await(t)
	require.Equal(t, 1, f.alloc.Outstanding())

	f.c.Shutdown()
	assert.Equal(t, 0, f.alloc.Outstanding())
	assert.Equal(t, StateShutdown, f.c.State())

	// Delivery after shutdown is a no-op.
	f.c.Deliver(Message{EPManagement, HelloMessage(11, 12)})
	f.tr.awaitNone(t)
}

func TestAtomicReceiveBypassesWorker(t *testing.T) {
	tr := newRecordTransport()
	var got []uint64
	ops := opsFunc(func(ep uint8, payload uint64) {
		got = append(got, payload)
	})
	c, err := New(Config{
		Transport:     tr,
		Regs:          mmio.NewMemWindow(0x100),
		Ops:           ops,
		AtomicReceive: true,
	})
	require.NoError(t, err)
	defer c.Shutdown()

	// With atomic receive the callback runs on the Deliver goroutine,
	// so the effect is visible immediately and in order.
	c.Deliver(Message{EPAppBase, 1})
	c.Deliver(Message{EPAppBase + 1, 2})
	assert.Equal(t, []uint64{1, 2}, got)
}

type opsFunc func(ep uint8, payload uint64)

func (f opsFunc) RecvMessage(ep uint8, payload uint64) { f(ep, payload) }
