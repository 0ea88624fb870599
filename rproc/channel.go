package rproc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/xid"

	"github.com/behrlich/go-rnvme/dma"
	"github.com/behrlich/go-rnvme/internal/logging"
	"github.com/behrlich/go-rnvme/mmio"
)

// deliveryQueueDepth bounds the inbound message queue. The firmware
// never has more than a handful of messages in flight; overflow means
// the worker stalled and dropping is safer than blocking the interrupt
// path.
const deliveryQueueDepth = 64

// Config assembles a Channel.
type Config struct {
	// Transport carries outbound messages. Required.
	Transport Transport
	// Regs is the control window holding the CPU control register.
	// Required.
	Regs mmio.Window
	// Shmem grants host-owned buffers to the firmware. Channels
	// without an allocator abort the boot on the first buffer
	// request.
	Shmem ShmemAllocator
	// Mapper switches buffer negotiation to device-owned carveouts.
	Mapper ShmemMapper
	// Ops receives application endpoint messages. May be nil.
	Ops Ops
	// AtomicReceive delivers application messages directly on the
	// Deliver caller's goroutine instead of the worker.
	AtomicReceive bool
	// OnSyslog observes decoded firmware log lines.
	OnSyslog func(context, text string)
	// OnCrash observes a snapshot of the crash buffer when the
	// coprocessor reports a crash.
	OnCrash func(dump []byte)

	Log *logging.Logger
}

// shmemRegion is one firmware-negotiated shared memory region.
// Regions are touched only on the worker goroutine; Shutdown waits for
// the worker before releasing them.
type shmemRegion struct {
	buf   dma.Buffer
	data  []byte
	addr  uint64
	size  int
	owned bool
}

func (s *shmemRegion) valid() bool { return s.size != 0 }

// Channel is the host end of one coprocessor mailbox.
type Channel struct {
	tr         Transport
	regs       mmio.Window
	shmem      ShmemAllocator
	mapper     ShmemMapper
	ops        Ops
	atomicRecv bool
	onSyslog   func(string, string)
	onCrash    func([]byte)
	log        *logging.Logger
	id         string

	state atomic.Int32

	mu         sync.Mutex
	bootResult error
	version    int
	endpoints  [8]uint32 // discovered endpoints, one segment per 32

	// worker-goroutine state
	syslogBuf     shmemRegion
	crashBuf      shmemRegion
	ioreportBuf   shmemRegion
	syslogEntries int
	syslogMsgSize int

	queue    chan Message
	quit     chan struct{}
	workerWG sync.WaitGroup
	bootDone chan struct{}
	bootOnce sync.Once

	dropped atomic.Uint64
}

// New builds a Channel and starts its delivery worker. The channel is
// idle until Boot.
func New(cfg Config) (*Channel, error) {
	if cfg.Transport == nil {
		return nil, errors.New("rproc: transport required")
	}
	if cfg.Regs == nil {
		return nil, errors.New("rproc: control window required")
	}
	log := cfg.Log
	if log == nil {
		log = logging.Default()
	}
	c := &Channel{
		tr:         cfg.Transport,
		regs:       cfg.Regs,
		shmem:      cfg.Shmem,
		mapper:     cfg.Mapper,
		ops:        cfg.Ops,
		atomicRecv: cfg.AtomicReceive,
		onSyslog:   cfg.OnSyslog,
		onCrash:    cfg.OnCrash,
		id:         xid.New().String(),
		queue:      make(chan Message, deliveryQueueDepth),
		quit:       make(chan struct{}),
		bootDone:   make(chan struct{}),
	}
	c.log = log.WithComponent("rproc")
	c.state.Store(int32(StateInit))
	c.workerWG.Add(1)
	go c.worker()
	c.log.Debug("channel created", "id", c.id)
	return c, nil
}

// ID returns the channel's instance id.
func (c *Channel) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Channel) State() State { return State(c.state.Load()) }

// Version returns the negotiated protocol version, zero before the
// hello exchange.
func (c *Channel) Version() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Dropped returns the number of inbound messages discarded because the
// delivery queue was full.
func (c *Channel) Dropped() uint64 { return c.dropped.Load() }

// Boot releases the coprocessor. If the run bit is already set the
// firmware is parked and gets a wakeup message instead. Boot is a
// no-op outside the initial state.
func (c *Channel) Boot() error {
	if State(c.state.Load()) != StateInit {
		return nil
	}
	c.state.Store(int32(StateBooting))

	ctrl := c.regs.Read32(RegCPUControl)
	if ctrl&CPUControlRun != 0 {
		c.log.Debug("sending wakeup message")
		if err := c.send(EPManagement, MgmtWakeup); err != nil {
			err = errors.Wrap(err, "rproc: wakeup")
			c.bootAbort(err)
			return err
		}
	} else {
		c.log.Debug("starting coprocessor")
		c.regs.Write32(RegCPUControl, ctrl|CPUControlRun)
	}
	return nil
}

// WaitBoot boots the coprocessor if needed and blocks until the
// handshake finishes or ctx expires. A context error is returned
// as-is in the chain so callers can tell a timeout from a firmware
// rejection.
func (c *Channel) WaitBoot(ctx context.Context) error {
	switch State(c.state.Load()) {
	case StateRunning:
		return nil
	case StateInit, StateBooting:
	case StateBootFailed:
		return c.bootErr()
	default:
		return ErrInvalidState
	}

	if err := c.Boot(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "rproc: waiting for boot")
	case <-c.bootDone:
	}

	switch State(c.state.Load()) {
	case StateRunning:
		return nil
	case StateShutdown:
		return ErrInvalidState
	default:
		return c.bootErr()
	}
}

func (c *Channel) bootErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bootResult != nil {
		return c.bootResult
	}
	return ErrBootFailed
}

// Send routes a payload to an endpoint. Application endpoints require
// a running coprocessor.
func (c *Channel) Send(ep uint8, payload uint64) error {
	if ep >= EPAppBase && State(c.state.Load()) != StateRunning {
		return ErrNotRunning
	}
	return c.send(ep, payload)
}

// send is the raw path. The store barrier keeps shared buffer writes
// visible to the coprocessor before the message that references them.
func (c *Channel) send(ep uint8, payload uint64) error {
	mmio.Wmb()
	return c.tr.Send(Message{Endpoint: ep, Payload: payload})
}

func (c *Channel) mgmtSend(typ uint8, payload uint64) {
	if err := c.send(EPManagement, mgmtMsg(typ, payload)); err != nil {
		c.log.WithError(err).Error("management send failed")
		if State(c.state.Load()) == StateBooting {
			c.bootAbort(errors.Wrap(err, "rproc: management send"))
		}
	}
}

// Start asks the firmware to start an endpoint. The endpoint must have
// appeared in the firmware's endpoint map; application endpoints also
// require a running coprocessor.
func (c *Channel) Start(ep uint8) error {
	if !c.discovered(ep) {
		return errors.Wrapf(ErrUnknownEndpoint, "endpoint %#02x", ep)
	}
	if ep >= EPAppBase && State(c.state.Load()) != StateRunning {
		return ErrNotRunning
	}
	c.startEndpoint(ep)
	return nil
}

func (c *Channel) startEndpoint(ep uint8) {
	c.mgmtSend(mgmtStartEP, uint64(ep)<<startEPShift|startEPFlag)
}

func (c *Channel) discovered(ep uint8) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoints[ep/32]&(1<<(ep%32)) != 0
}

// Deliver feeds one inbound message into the channel. System traffic
// is handed to the worker; application traffic goes there too unless
// the channel was built with AtomicReceive. Deliver never blocks.
func (c *Channel) Deliver(msg Message) {
	if State(c.state.Load()) == StateShutdown {
		return
	}
	if c.atomicRecv && msg.Endpoint >= EPAppBase && c.ops != nil {
		c.ops.RecvMessage(msg.Endpoint, msg.Payload)
		return
	}
	select {
	case c.queue <- msg:
	default:
		c.dropped.Add(1)
		c.log.WithEndpoint(msg.Endpoint).Warnf("delivery queue full, dropping %#x", msg.Payload)
	}
}

func (c *Channel) worker() {
	defer c.workerWG.Done()
	for {
		select {
		case <-c.quit:
			return
		case msg := <-c.queue:
			c.dispatch(msg)
		}
	}
}

func (c *Channel) bootAbort(err error) {
	c.mu.Lock()
	if c.bootResult == nil {
		c.bootResult = err
	}
	c.mu.Unlock()
	if !c.state.CompareAndSwap(int32(StateBooting), int32(StateBootFailed)) {
		c.log.WithError(err).Warn("boot abort outside boot")
	}
	c.log.WithError(err).Error("boot aborted")
	c.signalBoot()
}

func (c *Channel) setRunning() {
	c.state.CompareAndSwap(int32(StateBooting), int32(StateRunning))
	c.log.Info("system endpoints initialized", "version", c.Version())
	c.signalBoot()
}

func (c *Channel) signalBoot() {
	c.bootOnce.Do(func() { close(c.bootDone) })
}

// Shutdown stops the worker and releases negotiated buffers. The
// channel cannot be reused afterwards.
func (c *Channel) Shutdown() {
	prev := State(c.state.Swap(int32(StateShutdown)))
	if prev == StateShutdown {
		return
	}
	close(c.quit)
	c.workerWG.Wait()
	c.signalBoot()
	c.freeBuffers()
	c.log.Debug("channel shut down", "id", c.id)
}

func (c *Channel) freeBuffers() {
	for _, b := range []*shmemRegion{&c.syslogBuf, &c.crashBuf, &c.ioreportBuf} {
		if b.owned && b.buf.Valid() && c.shmem != nil {
			c.shmem.ShmemFree(b.buf)
		}
		*b = shmemRegion{}
	}
}
