package rnvme

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/behrlich/go-rnvme/allowlist"
	"github.com/behrlich/go-rnvme/dma"
	"github.com/behrlich/go-rnvme/hw"
	"github.com/behrlich/go-rnvme/internal/logging"
	"github.com/behrlich/go-rnvme/internal/prp"
	"github.com/behrlich/go-rnvme/internal/queue"
	"github.com/behrlich/go-rnvme/internal/tags"
	"github.com/behrlich/go-rnvme/rproc"
)

// ControllerState tracks the controller lifecycle.
type ControllerState int32

const (
	StateNew ControllerState = iota
	StateConnecting
	StateLive
	StateResetting
	StateDeleting
	StateDead
)

func (s ControllerState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateResetting:
		return "resetting"
	case StateDeleting:
		return "deleting"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Info is a point-in-time description of a controller.
type Info struct {
	ID              string `json:"id"`
	State           string `json:"state"`
	Model           string `json:"model"`
	Serial          string `json:"serial"`
	Firmware        string `json:"firmware"`
	CapacityBytes   uint64 `json:"capacity_bytes"`
	BlockSize       uint32 `json:"block_size"`
	ProtocolVersion int    `json:"protocol_version"`
}

// Controller drives one coprocessor-fronted storage device: it owns the
// message channel that boots the firmware, the admin and I/O queue
// pairs, and the recovery machinery around them.
type Controller struct {
	dev  Device
	opts Options
	log  *logging.Logger
	id   string

	state atomic.Int32
	cc    atomic.Uint32 // last value written to the configuration register

	// shutdownMu serializes disable, enable, and queue creation against
	// concurrent reset attempts.
	shutdownMu sync.Mutex

	cop   *rproc.Channel
	shmem *shmemBridge

	adminq    *queue.Pair
	ioq       *queue.Pair
	ioqOnline atomic.Bool

	adminTags *tags.Set
	ioTags    *tags.Set
	mapper    *prp.Mapper

	reqMu sync.Mutex
	reqs  [hw.IOQueueDepth]*request

	abortBudget atomic.Int32

	dbStride   uint32
	capTimeout time.Duration

	lbaShift atomic.Uint32
	capacity atomic.Uint64
	maxXfer  atomic.Int64

	infoMu   sync.RWMutex
	model    string
	serial   string
	firmware string

	metrics  *Metrics
	observer Observer

	resetCh   chan struct{}
	quit      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds a controller over a device. The coprocessor is not booted
// until Connect.
func New(dev Device, opts Options) (*Controller, error) {
	if dev.Regs == nil || dev.Coproc == nil {
		return nil, NewError("new", ErrCodeInvalidParams, "device register windows are required")
	}
	if dev.Mailbox == nil || dev.Inbox == nil {
		return nil, NewError("new", ErrCodeInvalidParams, "device mailbox is required")
	}
	if dev.Alloc == nil || dev.Filter == nil {
		return nil, NewError("new", ErrCodeInvalidParams, "device allocator and filter are required")
	}
	opts.fill()

	c := &Controller{
		dev:      dev,
		opts:     opts,
		id:       xid.New().String(),
		metrics:  NewMetrics(),
		observer: opts.Observer,
		resetCh:  make(chan struct{}, 1),
		quit:     make(chan struct{}),
	}
	c.log = opts.Logger.WithController(c.id)
	c.state.Store(int32(StateNew))
	c.abortBudget.Store(int32(opts.AbortLimit))
	c.maxXfer.Store(MaxTransferSize)
	c.lbaShift.Store(12)
	c.shmem = newShmemBridge(dev.Alloc, dev.Filter, c.log)

	c.adminTags = tags.NewSet(0, hw.AdminTagCount)
	c.ioTags = tags.NewSet(hw.IOTagBase, hw.IOTagCount)

	mapper, err := prp.NewMapper(dev.Alloc, c.log)
	if err != nil {
		return nil, WrapError("new", err)
	}
	c.mapper = mapper

	cop, err := rproc.New(rproc.Config{
		Transport: dev.Mailbox,
		Regs:      dev.Coproc,
		Shmem:     c.shmem,
		OnSyslog:  opts.OnSyslog,
		OnCrash:   c.onCoprocCrash,
		Log:       opts.Logger,
	})
	if err != nil {
		mapper.Close()
		return nil, WrapError("new", err)
	}
	c.cop = cop

	c.wg.Add(2)
	go c.run()
	go c.resetLoop()

	c.log.Info("controller created")
	return c, nil
}

// ID returns the controller instance id.
func (c *Controller) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Controller) State() ControllerState {
	return ControllerState(c.state.Load())
}

// Metrics returns the live metrics instance.
func (c *Controller) Metrics() *Metrics { return c.metrics }

// MetricsSnapshot returns a consistent copy of the current metrics.
func (c *Controller) MetricsSnapshot() MetricsSnapshot {
	return c.metrics.Snapshot()
}

// Channel exposes the coprocessor message channel for introspection.
func (c *Controller) Channel() *rproc.Channel { return c.cop }

// Info returns a snapshot of controller identity and geometry.
func (c *Controller) Info() Info {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	return Info{
		ID:              c.id,
		State:           c.State().String(),
		Model:           c.model,
		Serial:          c.serial,
		Firmware:        c.firmware,
		CapacityBytes:   c.capacity.Load(),
		BlockSize:       BlockSize,
		ProtocolVersion: c.cop.Version(),
	}
}

// Connect boots the coprocessor and brings the controller to live. It
// may be called once; afterwards recovery happens through Reset.
func (c *Controller) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateNew), int32(StateResetting)) {
		return NewError("connect", ErrCodeInvalidParams, "controller already started")
	}

	if err := c.bootCoprocessor(ctx); err != nil {
		c.state.Store(int32(StateDead))
		return WrapError("connect", err)
	}
	if err := c.resetCycle(); err != nil {
		return WrapError("connect", err)
	}
	return nil
}

// bootCoprocessor runs the message-protocol handshake and waits for the
// storage firmware to post its ready magic, then performs the one-time
// queue-engine setup. Resets after this point never repeat it; the
// coprocessor stays up across controller resets.
func (c *Controller) bootCoprocessor(ctx context.Context) error {
	bctx, cancel := context.WithTimeout(ctx, c.opts.BootTimeout)
	defer cancel()
	if err := c.cop.WaitBoot(bctx); err != nil {
		return err
	}

	deadline := time.Now().Add(firmwareReadyTimeout)
	for c.dev.Regs.Read32(hw.RegBootStatus) != hw.BootStatusOK {
		if time.Now().After(deadline) {
			return NewError("boot", ErrCodeTimeout, "firmware never posted ready status")
		}
		select {
		case <-ctx.Done():
			return WrapError("boot", ctx.Err())
		case <-time.After(firmwareReadyPoll):
		}
	}

	regs := c.dev.Regs
	regs.Write32(hw.RegMaxPendCommands, hw.MaxPendValue(IOQueueDepth, IOQueueDepth))
	regs.Write32(hw.RegLinearSQCtrl, hw.LinearSQEnable)
	regs.Write32(hw.RegUnknownCtrl, regs.Read32(hw.RegUnknownCtrl)&^hw.PRPNullCheck)
	regs.Write32(hw.RegTCBCount, hw.IOQueueDepth-1)

	c.log.Info("firmware ready", "protocol_version", c.cop.Version())
	return nil
}

// Reset schedules an asynchronous controller reset. Outstanding
// commands fail with an aborted status and may be retried once the
// controller is live again.
func (c *Controller) Reset() error {
	if !c.scheduleReset() {
		return NewError("reset", ErrCodeInvalidParams, "controller not live")
	}
	return nil
}

func (c *Controller) scheduleReset() bool {
	if !c.state.CompareAndSwap(int32(StateLive), int32(StateResetting)) {
		return false
	}
	c.metrics.Resets.Add(1)
	select {
	case c.resetCh <- struct{}{}:
	default:
	}
	return true
}

func (c *Controller) resetLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.quit:
			return
		case <-c.resetCh:
			if err := c.resetCycle(); err != nil {
				c.log.Error("reset failed", "error", err)
			}
		}
	}
}

// resetCycle is the single path that takes a controller from resetting
// to live: disable if needed, enable, stand up the admin queue,
// identify, create the I/O queue, arm the async event slot. Any hard
// failure removes the controller from service.
func (c *Controller) resetCycle() (err error) {
	switch c.State() {
	case StateDeleting, StateDead:
		return nil
	case StateResetting:
	default:
		c.log.Warn("reset requested outside resetting state", "state", c.State().String())
		c.removeDead()
		return NewError("reset", ErrCodeInvalidParams, "controller not resetting")
	}

	defer func() {
		if err != nil {
			c.log.Warn("removing controller after bring-up failure", "error", err)
			c.removeDead()
		}
	}()

	// A live controller is shut down before being brought back up.
	if c.cc.Load()&hw.CCEnable != 0 {
		c.devDisable(false)
	}

	c.shutdownMu.Lock()
	if err = c.enable(); err != nil {
		c.shutdownMu.Unlock()
		return err
	}
	if err = c.configureAdminQueue(); err != nil {
		c.shutdownMu.Unlock()
		return err
	}
	c.shutdownMu.Unlock()

	if !c.state.CompareAndSwap(int32(StateResetting), int32(StateConnecting)) {
		return NewError("reset", ErrCodeBusy, "failed to mark controller connecting")
	}

	if err = c.identify(); err != nil {
		return err
	}

	// An I/O queue failure is not fatal: the admin queue stays up for
	// diagnostics and all I/O fails until the next reset.
	if qerr := c.setupIOQueue(); qerr != nil {
		c.log.Warn("io queue not created", "error", qerr)
	}

	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateLive)) {
		return NewError("reset", ErrCodeBusy, "failed to mark controller live")
	}
	c.armAEN()

	c.log.Info("controller live",
		"io_queue", c.ioqOnline.Load(), "capacity", c.capacity.Load())
	return nil
}

// enable verifies the device is present and caches capability-derived
// geometry. The controller itself is enabled by configureAdminQueue.
func (c *Controller) enable() error {
	if c.dev.Regs.Read32(hw.RegCSTS) == ^uint32(0) {
		return NewError("enable", ErrCodeOffline, "device gone")
	}
	caps := c.dev.Regs.Read64(hw.RegCAP)
	c.dbStride = hw.CapStride(caps)
	c.capTimeout = time.Duration(hw.CapTimeoutUnits(caps)+1) * 500 * time.Millisecond
	return nil
}

func (c *Controller) configureAdminQueue() error {
	if err := c.disableCtrl(); err != nil {
		return err
	}

	if c.adminq == nil {
		q, err := queue.New(queue.Config{
			QID:        queue.QIDAdmin,
			Depth:      hw.AdminQueueDepth,
			SlotShift:  hw.AdminSlotShift,
			Window:     c.dev.Regs,
			SubmitDB:   hw.RegLinearASQDoorbell,
			CompleteDB: hw.CQDoorbell(queue.QIDAdmin, c.dbStride),
			TCBBaseReg: hw.RegTCBBaseASQ,
			Alloc:      c.dev.Alloc,
			Log:        c.log,
		})
		if err != nil {
			return WrapError("admin-queue", err)
		}
		c.adminq = q
	}

	c.dev.Regs.Write32(hw.RegAQA, hw.AQAValue(hw.AdminQueueDepth))
	c.dev.Regs.Write64(hw.RegASQ, c.adminq.SQAddr())
	c.dev.Regs.Write64(hw.RegACQ, c.adminq.CQAddr())

	if err := c.enableCtrl(); err != nil {
		return err
	}
	c.adminq.Init()
	return nil
}

func (c *Controller) setupIOQueue() error {
	if c.ioq == nil {
		q, err := queue.New(queue.Config{
			QID:        queue.QIDIO,
			Depth:      hw.IOQueueDepth,
			SlotShift:  hw.IOSlotShift,
			Window:     c.dev.Regs,
			SubmitDB:   hw.RegLinearIOSQDoorbell,
			CompleteDB: hw.CQDoorbell(queue.QIDIO, c.dbStride),
			TCBBaseReg: hw.RegTCBBaseIOSQ,
			Alloc:      c.dev.Alloc,
			Log:        c.log,
		})
		if err != nil {
			return WrapError("io-queue", err)
		}
		c.ioq = q
	}

	_, err := c.submitAdmin(context.Background(), "create-cq", func(tag uint16) hw.Command {
		return hw.BuildCreateIOCQ(tag, queue.QIDIO, hw.IOQueueDepth, c.ioq.CQAddr(), 0)
	}, 0)
	if err != nil {
		return err
	}

	_, err = c.submitAdmin(context.Background(), "create-sq", func(tag uint16) hw.Command {
		return hw.BuildCreateIOSQ(tag, queue.QIDIO, queue.QIDIO, hw.IOQueueDepth, c.ioq.SQAddr())
	}, 0)
	if err != nil {
		// Unwind the CQ so the next attempt starts clean.
		if _, derr := c.submitAdmin(context.Background(), "delete-cq", func(tag uint16) hw.Command {
			return hw.BuildDeleteQueue(hw.AdminDeleteCQ, tag, queue.QIDIO)
		}, 0); derr != nil {
			c.log.Warn("cq cleanup failed", "error", derr)
		}
		return err
	}

	// A concurrent teardown wins: leave the queue suspended.
	if !c.shutdownMu.TryLock() {
		return NewError("io-queue", ErrCodeOffline, "controller shutting down")
	}
	defer c.shutdownMu.Unlock()
	if c.State() != StateConnecting {
		return NewError("io-queue", ErrCodeOffline, "controller left connecting state")
	}
	c.ioq.Init()
	c.ioqOnline.Store(true)
	return nil
}

func (c *Controller) identify() error {
	buf, err := c.dev.Alloc.Alloc(hw.PageSize)
	if err != nil {
		return WrapError("identify", err)
	}
	defer c.dev.Alloc.Free(buf)

	_, err = c.submitAdmin(context.Background(), "identify-controller", func(tag uint16) hw.Command {
		return hw.BuildIdentify(tag, hw.CNSController, 0, buf.Addr)
	}, hw.PageSize)
	if err != nil {
		return err
	}
	var idc hw.IdentifyController
	if err := hw.ParseIdentifyController(buf.Data, &idc); err != nil {
		return WrapError("identify", err)
	}

	_, err = c.submitAdmin(context.Background(), "identify-namespace", func(tag uint16) hw.Command {
		return hw.BuildIdentify(tag, hw.CNSNamespace, defaultNSID, buf.Addr)
	}, hw.PageSize)
	if err != nil {
		return err
	}
	var ns hw.IdentifyNamespace
	if err := hw.ParseIdentifyNamespace(buf.Data, &ns); err != nil {
		return WrapError("identify", err)
	}
	if ns.LBAShift == 0 {
		return NewError("identify", ErrCodeProtocol, "namespace reports no block size")
	}

	c.infoMu.Lock()
	c.model = idc.ModelNumber
	c.serial = idc.SerialNumber
	c.firmware = idc.FirmwareRev
	c.infoMu.Unlock()

	c.lbaShift.Store(uint32(ns.LBAShift))
	c.capacity.Store(ns.SizeBlocks << ns.LBAShift)
	maxXfer := int64(MaxTransferSize)
	if s := idc.MaxTransferShift; s > 0 && s < 20 {
		if limit := int64(hw.PageSize) << s; limit < maxXfer {
			maxXfer = limit
		}
	}
	c.maxXfer.Store(maxXfer)

	c.log.Info("controller identified",
		"model", idc.ModelNumber, "serial", idc.SerialNumber,
		"capacity", c.capacity.Load(), "max_transfer", maxXfer)
	return nil
}

// disableCtrl clears the enable bit and waits for the controller to
// acknowledge.
func (c *Controller) disableCtrl() error {
	cc := c.cc.Load() &^ (hw.CCShutdownMask | hw.CCEnable)
	c.cc.Store(cc)
	c.dev.Regs.Write32(hw.RegCC, cc)
	return c.waitReady("disable", false)
}

// enableCtrl programs the configuration register and waits for ready.
func (c *Controller) enableCtrl() error {
	cc := uint32(hw.CCCSSNVM | hw.CCAMSRR | hw.CCShutdownNone)
	cc |= 6 << hw.CCIOSQESShift
	cc |= 4 << hw.CCIOCQESShift
	cc |= hw.CCEnable
	c.cc.Store(cc)
	c.dev.Regs.Write32(hw.RegCC, cc)
	return c.waitReady("enable", true)
}

// shutdownCtrl runs the normal shutdown handshake and waits for the
// device to report shutdown complete.
func (c *Controller) shutdownCtrl() error {
	cc := c.cc.Load() &^ hw.CCShutdownMask
	cc |= hw.CCShutdownNormal
	c.cc.Store(cc)
	c.dev.Regs.Write32(hw.RegCC, cc)

	deadline := time.Now().Add(shutdownTimeout)
	for {
		csts := c.dev.Regs.Read32(hw.RegCSTS)
		if csts == ^uint32(0) {
			return NewError("shutdown", ErrCodeOffline, "device gone")
		}
		if csts&hw.CSTSShutdownMask == hw.CSTSShutdownComplete {
			return nil
		}
		if time.Now().After(deadline) {
			return NewError("shutdown", ErrCodeTimeout, "shutdown never completed")
		}
		time.Sleep(readyPoll)
	}
}

func (c *Controller) waitReady(op string, want bool) error {
	deadline := time.Now().Add(c.capTimeout)
	for {
		csts := c.dev.Regs.Read32(hw.RegCSTS)
		if csts == ^uint32(0) {
			return NewError(op, ErrCodeOffline, "device gone")
		}
		if csts&hw.CSTSFatal != 0 {
			return NewError(op, ErrCodeIOError, "controller fatal status")
		}
		if (csts&hw.CSTSReady != 0) == want {
			return nil
		}
		if time.Now().After(deadline) {
			return NewError(op, ErrCodeTimeout, "controller never became ready")
		}
		time.Sleep(readyPoll)
	}
}

// devDisable takes the controller out of service: delete the I/O queue
// if the device is still answering, run the disable or shutdown
// handshake, suspend submissions, drain what the device already posted,
// and cancel everything else.
func (c *Controller) devDisable(shutdown bool) {
	c.shutdownMu.Lock()
	defer c.shutdownMu.Unlock()

	csts := c.dev.Regs.Read32(hw.RegCSTS)
	dead := csts == ^uint32(0) ||
		csts&hw.CSTSFatal != 0 ||
		csts&hw.CSTSReady == 0

	if !dead {
		if c.ioqOnline.Load() {
			c.deleteIOQueue()
		}
		var err error
		if shutdown {
			err = c.shutdownCtrl()
		} else {
			err = c.disableCtrl()
		}
		if err != nil {
			c.log.Warn("controller disable incomplete", "error", err)
		}
	}
	c.ioqOnline.Store(false)

	if c.ioq != nil {
		c.ioq.Suspend()
	}
	if c.adminq != nil {
		c.adminq.Suspend()
	}

	// Completions the device posted before it stopped are still real.
	if c.ioq != nil {
		c.ioq.ProcessCompletions(c.completeIO)
	}
	if c.adminq != nil {
		c.adminq.ProcessCompletions(c.completeAdmin)
	}

	c.cancelOutstanding(shutdown)
}

// deleteIOQueue tears down the I/O submission and completion queues
// through admin commands. Failures are logged and the teardown
// continues; the disable that follows kills the queues anyway.
func (c *Controller) deleteIOQueue() {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.AdminTimeout)
	defer cancel()
	if _, err := c.submitAdmin(ctx, "delete-sq", func(tag uint16) hw.Command {
		return hw.BuildDeleteQueue(hw.AdminDeleteSQ, tag, queue.QIDIO)
	}, 0); err != nil {
		c.log.Warn("delete sq failed", "error", err)
		return
	}
	if _, err := c.submitAdmin(ctx, "delete-cq", func(tag uint16) hw.Command {
		return hw.BuildDeleteQueue(hw.AdminDeleteCQ, tag, queue.QIDIO)
	}, 0); err != nil {
		c.log.Warn("delete cq failed", "error", err)
	}
}

// cancelOutstanding fails every in-flight request. Requests whose
// submitter has already gone away release their resources here.
func (c *Controller) cancelOutstanding(shutdown bool) {
	var victims []*request
	c.reqMu.Lock()
	for i := range c.reqs {
		r := c.reqs[i]
		if r == nil {
			continue
		}
		c.reqs[i] = nil
		if r.err == nil {
			if shutdown {
				r.err = ErrClosed
			} else {
				r.err = ErrAborted
			}
		}
		victims = append(victims, r)
	}
	c.reqMu.Unlock()

	for _, r := range victims {
		r.timer.Stop()
		if r.orphaned {
			c.releaseRequest(r)
			continue
		}
		close(r.done)
	}
	if len(victims) > 0 {
		c.log.Warn("canceled outstanding commands", "count", len(victims))
	}
}

// removeDead takes a controller that failed bring-up out of service
// permanently.
func (c *Controller) removeDead() {
	c.state.Store(int32(StateDeleting))
	c.devDisable(false)
	c.state.Store(int32(StateDead))
	c.log.Error("controller removed from service")
}

// onCoprocCrash runs on the message channel's worker goroutine when the
// firmware reports a crash. The disable runs on its own goroutine so
// the channel can keep draining.
func (c *Controller) onCoprocCrash(dump []byte) {
	c.log.Error("coprocessor crashed; removing controller from service")
	c.state.Store(int32(StateDead))
	go c.devDisable(false)
	if c.opts.OnCrash != nil {
		c.opts.OnCrash(dump)
	}
}

// Close shuts the controller down and releases every resource. Safe to
// call more than once.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		prev := ControllerState(c.state.Swap(int32(StateDeleting)))
		if prev != StateDead {
			c.devDisable(true)
		}

		close(c.quit)
		c.wg.Wait()
		c.cop.Shutdown()

		if c.ioq != nil {
			c.ioq.Destroy()
			c.ioq = nil
		}
		if c.adminq != nil {
			c.adminq.Destroy()
			c.adminq = nil
		}
		c.mapper.Close()

		c.state.Store(int32(StateDead))
		c.metrics.Stop()
		c.log.Info("controller closed")
	})
	return nil
}

// run pumps inbound coprocessor messages and the interrupt stream.
func (c *Controller) run() {
	defer c.wg.Done()
	inbox := c.dev.Inbox
	irq := c.dev.IRQ
	for {
		select {
		case <-c.quit:
			return
		case msg, ok := <-inbox:
			if !ok {
				c.log.Warn("message channel closed")
				inbox = nil
				continue
			}
			c.cop.Deliver(msg)
		case _, ok := <-irq:
			if !ok {
				c.log.Warn("interrupt stream closed")
				irq = nil
				continue
			}
			c.drainQueues()
		}
	}
}

func (c *Controller) drainQueues() {
	if c.ioq != nil {
		c.ioq.ProcessCompletions(c.completeIO)
	}
	if c.adminq != nil {
		c.adminq.ProcessCompletions(c.completeAdmin)
	}
}

func (c *Controller) completeIO(cpl hw.Completion) {
	c.complete(c.ioq, cpl)
}

func (c *Controller) completeAdmin(cpl hw.Completion) {
	if cpl.CommandID == hw.AENTag {
		c.handleAEN(cpl)
		return
	}
	c.complete(c.adminq, cpl)
}

// complete routes one completion to its request. Completions for
// unknown or stale tags are counted and dropped; a late abort answer
// arriving after a reset lands here.
func (c *Controller) complete(q *queue.Pair, cpl hw.Completion) {
	tag := cpl.CommandID
	c.reqMu.Lock()
	var req *request
	if int(tag) < len(c.reqs) {
		req = c.reqs[tag]
	}
	if req == nil || req.gen != q.Generation() {
		c.reqMu.Unlock()
		c.metrics.StaleCompletions.Add(1)
		c.log.Warn("completion for unknown tag", "tag", tag, "qid", q.QID())
		return
	}
	c.reqs[tag] = nil
	orphaned := req.orphaned
	c.reqMu.Unlock()

	req.timer.Stop()
	req.cpl = cpl
	if orphaned {
		c.releaseRequest(req)
		return
	}
	close(req.done)
}

// handleAEN services a completion on the async event tag. There is no
// request object behind it; teardown drains the slot with an abort
// status and must not re-arm.
func (c *Controller) handleAEN(cpl hw.Completion) {
	if cpl.IsError() {
		c.log.Debug("async event slot drained", "status", cpl.StatusCode())
		return
	}
	c.metrics.AsyncEvents.Add(1)
	res := cpl.Result
	c.log.Info("async event",
		"type", res&hw.AENTypeMask,
		"info", (res>>hw.AENInfoShift)&hw.AENInfoMask,
		"page", (res>>hw.AENLogPageShift)&hw.AENLogPageMask)
	if c.State() == StateLive {
		c.armAEN()
	}
	if c.opts.OnAsyncEvent != nil {
		c.opts.OnAsyncEvent(res)
	}
}

// armAEN parks the async event command on its reserved tag.
func (c *Controller) armAEN() {
	cmd := hw.BuildAsyncEvent()
	if err := c.adminq.Submit(&cmd, 0); err != nil {
		c.log.Warn("async event slot not armed", "error", err)
		return
	}
	c.log.Debug("async event slot armed")
}

func (c *Controller) shouldReset(csts uint32) bool {
	switch c.State() {
	case StateResetting, StateConnecting:
		return false
	}
	return csts&hw.CSTSFatal != 0
}

func (c *Controller) queueFor(qid uint16) *queue.Pair {
	if qid == queue.QIDAdmin {
		return c.adminq
	}
	return c.ioq
}

func (c *Controller) handlerFor(q *queue.Pair) func(hw.Completion) {
	if q == c.adminq {
		return c.completeAdmin
	}
	return c.completeIO
}

// onTimeout is the escalation ladder, fired by a request's timer. Every
// rung either resolves the command, re-arms the timer, or takes the
// controller down for recovery.
func (c *Controller) onTimeout(req *request) {
	c.reqMu.Lock()
	if c.reqs[req.tag] != req {
		c.reqMu.Unlock()
		return
	}
	aborted := req.aborted
	c.reqMu.Unlock()

	c.metrics.Timeouts.Add(1)

	csts := c.dev.Regs.Read32(hw.RegCSTS)
	if c.shouldReset(csts) {
		c.log.Warnf("controller is down; will reset: status %#x", csts)
		c.devDisable(false)
		c.scheduleReset()
		return
	}

	// A missed interrupt is the common benign cause.
	q := c.queueFor(req.qid)
	q.ProcessCompletions(c.handlerFor(q))
	if c.completed(req) {
		c.log.Warn("command timeout, completion polled", "tag", req.tag, "qid", req.qid)
		c.metrics.PolledCompletions.Add(1)
		return
	}

	switch c.State() {
	case StateConnecting:
		c.state.Store(int32(StateDeleting))
		fallthrough
	case StateDeleting:
		// Bring-up is stuck. The disable cancels everything, including
		// this request, and the reset path sees the cancellation.
		c.log.Warn("command timeout, disabling controller", "tag", req.tag, "qid", req.qid)
		c.setRequestError(req, NewQueueError(req.op, c.id, int(req.qid), ErrCodeTimeout, "command timed out"))
		c.devDisable(true)
		return
	case StateResetting:
		req.timer.Reset(req.timeout)
		return
	}

	// Admin commands and commands that already survived one abort get
	// no second chance.
	if req.qid == queue.QIDAdmin || aborted {
		c.log.Warn("command timeout, resetting controller", "tag", req.tag, "qid", req.qid)
		c.setRequestError(req, NewQueueError(req.op, c.id, int(req.qid), ErrCodeTimeout, "command timed out"))
		c.devDisable(false)
		c.scheduleReset()
		return
	}

	if c.abortBudget.Add(-1) < 0 {
		c.abortBudget.Add(1)
		req.timer.Reset(req.timeout)
		return
	}
	c.reqMu.Lock()
	if c.reqs[req.tag] == req {
		req.aborted = true
	}
	c.reqMu.Unlock()

	c.log.Warn("command timeout, aborting", "tag", req.tag)
	if err := c.sendAbort(req.tag); err != nil {
		c.abortBudget.Add(1)
		c.log.Warn("abort not sent", "tag", req.tag, "error", err)
	}

	// The aborted command completes through the normal CQ path once the
	// abort lands; a second firing escalates to reset.
	req.timer.Reset(req.timeout)
}

func (c *Controller) completed(req *request) bool {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	return c.reqs[req.tag] != req
}

func (c *Controller) setRequestError(req *request, err error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	if c.reqs[req.tag] == req && req.err == nil {
		req.err = err
	}
}

// sendAbort issues an abort admin command for a stuck tag. The budget
// slot taken by the caller is refunded when the abort completes,
// whatever its status.
func (c *Controller) sendAbort(target uint16) error {
	tag, ok := c.adminTags.TryAcquire()
	if !ok {
		return NewQueueError("abort", c.id, 0, ErrCodeBusy, "no admin tag free")
	}
	req := c.newRequest("abort", tag, queue.QIDAdmin, c.opts.AdminTimeout)
	req.cmd = hw.BuildAbort(tag, target, queue.QIDIO)
	c.metrics.AbortsSent.Add(1)

	go func() {
		defer c.abortBudget.Add(1)
		cpl, owned, err := c.execute(context.Background(), req, c.adminq, 0)
		if owned {
			c.releaseRequest(req)
		}
		if err != nil {
			c.log.Warn("abort failed", "target", target, "error", err)
			return
		}
		c.log.Warnf("abort completed: target %d status %#x", target, cpl.StatusCode())
	}()
	return nil
}

// shmemBridge backs coprocessor buffer grants with allocator memory.
// Every grant is admitted through the DMA filter before it is offered
// and evicted again when freed, so a reload never inherits a stale
// window.
type shmemBridge struct {
	alloc  dma.Allocator
	filter allowlist.Filter
	log    *logging.Logger

	mu     sync.Mutex
	tokens map[uint64]allowlist.Token
}

var _ rproc.ShmemAllocator = (*shmemBridge)(nil)

func newShmemBridge(alloc dma.Allocator, filter allowlist.Filter, log *logging.Logger) *shmemBridge {
	return &shmemBridge{
		alloc:  alloc,
		filter: filter,
		log:    log.WithComponent("shmem"),
		tokens: make(map[uint64]allowlist.Token),
	}
}

func (b *shmemBridge) ShmemAlloc(size int) (dma.Buffer, error) {
	buf, err := b.alloc.Alloc(size)
	if err != nil {
		return dma.Buffer{}, err
	}
	tok, err := b.filter.Admit(buf.Addr, size)
	if err != nil {
		b.alloc.Free(buf)
		return dma.Buffer{}, err
	}
	b.mu.Lock()
	b.tokens[buf.Addr] = tok
	b.mu.Unlock()
	b.log.Debug("shared buffer granted", "addr", buf.Addr, "size", size)
	return buf, nil
}

func (b *shmemBridge) ShmemFree(buf dma.Buffer) {
	b.mu.Lock()
	tok, ok := b.tokens[buf.Addr]
	delete(b.tokens, buf.Addr)
	b.mu.Unlock()
	if ok {
		if err := b.filter.Evict(tok); err != nil {
			b.log.Warn("filter evict failed", "addr", buf.Addr, "error", err)
		}
	}
	b.alloc.Free(buf)
}
