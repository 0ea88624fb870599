package rnvme

import (
	"context"
	"errors"
	"time"

	"github.com/behrlich/go-rnvme/dma"
	"github.com/behrlich/go-rnvme/hw"
	"github.com/behrlich/go-rnvme/internal/prp"
	"github.com/behrlich/go-rnvme/internal/queue"
)

// The device exposes a single namespace.
const defaultNSID = 1

// request is the in-flight bookkeeping for one command: its tag, the
// mapped addresses it references, the deadline timer, and the channel
// its submitter waits on.
type request struct {
	op      string
	tag     uint16
	qid     uint16
	timeout time.Duration

	cmd  hw.Command
	desc *prp.Descriptor
	buf  dma.Buffer
	gen  uint64

	timer *time.Timer
	done  chan struct{}

	cpl hw.Completion
	err error

	// Guarded by the controller's request lock.
	aborted  bool
	orphaned bool
}

func (c *Controller) newRequest(op string, tag, qid uint16, timeout time.Duration) *request {
	return &request{
		op:      op,
		tag:     tag,
		qid:     qid,
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// execute installs a fully built request, arms its deadline, rings the
// doorbell, and waits for the completion. The returned flag reports
// whether the caller still owns the request's resources: when the
// context wins the race the request stays with the completion path,
// which releases everything once the device answers, and the caller
// must not touch it again.
func (c *Controller) execute(ctx context.Context, req *request, q *queue.Pair, length uint32) (hw.Completion, bool, error) {
	req.gen = q.Generation()
	req.timer = time.AfterFunc(req.timeout, func() { c.onTimeout(req) })

	c.reqMu.Lock()
	c.reqs[req.tag] = req
	c.reqMu.Unlock()

	if err := q.Submit(&req.cmd, length); err != nil {
		c.reqMu.Lock()
		if c.reqs[req.tag] == req {
			c.reqs[req.tag] = nil
		}
		c.reqMu.Unlock()
		req.timer.Stop()
		c.releaseRequest(req)
		if errors.Is(err, queue.ErrSuspended) {
			return hw.Completion{}, false, NewQueueError(req.op, c.id, int(req.qid), ErrCodeOffline, "queue suspended")
		}
		return hw.Completion{}, false, WrapError(req.op, err)
	}

	select {
	case <-req.done:
	case <-ctx.Done():
		c.reqMu.Lock()
		if c.reqs[req.tag] == req {
			req.orphaned = true
			c.reqMu.Unlock()
			return hw.Completion{}, false, WrapError(req.op, ctx.Err())
		}
		c.reqMu.Unlock()
		// The completion beat the context; take it.
		<-req.done
	}

	req.timer.Stop()
	if req.err != nil {
		return req.cpl, true, WrapError(req.op, req.err)
	}
	if req.cpl.IsError() {
		return req.cpl, true, StatusError(req.op, c.id, int(req.qid), req.cpl.StatusCode())
	}
	return req.cpl, true, nil
}

// releaseRequest returns everything a request holds: the PRP chain, the
// staging buffer, and finally the tag.
func (c *Controller) releaseRequest(req *request) {
	if req.desc != nil {
		c.mapper.Unmap(req.desc)
		req.desc = nil
	}
	if req.buf.Valid() {
		c.dev.Alloc.Free(req.buf)
		req.buf = dma.Buffer{}
	}
	if req.qid == queue.QIDAdmin {
		c.adminTags.Release(req.tag)
	} else {
		c.ioTags.Release(req.tag)
	}
}

// submitAdmin runs one admin command synchronously. The build callback
// receives the acquired tag so the command id always matches the ring
// slot.
func (c *Controller) submitAdmin(ctx context.Context, op string, build func(tag uint16) hw.Command, length uint32) (hw.Completion, error) {
	start := time.Now()
	tag, err := c.adminTags.Acquire(ctx)
	if err != nil {
		return hw.Completion{}, WrapError(op, err)
	}
	req := c.newRequest(op, tag, queue.QIDAdmin, c.opts.AdminTimeout)
	req.cmd = build(tag)

	cpl, owned, err := c.execute(ctx, req, c.adminq, length)
	if owned {
		c.releaseRequest(req)
	}
	lat := uint64(time.Since(start).Nanoseconds())
	c.metrics.RecordAdmin(lat, err == nil)
	c.observer.ObserveAdmin(lat, err == nil)
	return cpl, err
}

// ReadAt fills p from the device starting at byte offset off. Offset
// and length must be block-aligned. Transfers above the device limit
// are split into multiple commands.
func (c *Controller) ReadAt(ctx context.Context, p []byte, off int64) error {
	return c.transfer(ctx, p, off, false)
}

// WriteAt stores p at byte offset off. Offset and length must be
// block-aligned; completion does not imply durability, Flush does.
func (c *Controller) WriteAt(ctx context.Context, p []byte, off int64) error {
	return c.transfer(ctx, p, off, true)
}

func (c *Controller) transfer(ctx context.Context, p []byte, off int64, write bool) error {
	op := "read"
	if write {
		op = "write"
	}
	if err := c.checkIO(op, len(p), off); err != nil {
		return err
	}
	limit := int(c.maxXfer.Load())
	for len(p) > 0 {
		n := min(len(p), limit)
		if err := c.doIO(ctx, op, p[:n], off, write); err != nil {
			return err
		}
		p = p[n:]
		off += int64(n)
	}
	return nil
}

// Flush forces completed writes to stable media.
func (c *Controller) Flush(ctx context.Context) error {
	if err := c.checkIO("flush", 0, 0); err != nil {
		return err
	}
	start := time.Now()
	tag, err := c.ioTags.Acquire(ctx)
	if err != nil {
		return WrapError("flush", err)
	}
	req := c.newRequest("flush", tag, queue.QIDIO, c.opts.IOTimeout)
	req.cmd = hw.BuildFlush(tag, defaultNSID)

	_, owned, err := c.execute(ctx, req, c.ioq, 0)
	if owned {
		c.releaseRequest(req)
	}
	lat := uint64(time.Since(start).Nanoseconds())
	c.metrics.RecordFlush(lat, err == nil)
	c.observer.ObserveFlush(lat, err == nil)
	return err
}

// Capacity returns the device capacity in bytes, zero before the first
// successful identify.
func (c *Controller) Capacity() uint64 { return c.capacity.Load() }

func (c *Controller) checkIO(op string, n int, off int64) error {
	switch c.State() {
	case StateLive:
	case StateDeleting, StateDead:
		return WrapError(op, ErrClosed)
	default:
		return WrapError(op, ErrNotReady)
	}
	if !c.ioqOnline.Load() {
		return WrapError(op, ErrNotReady)
	}
	if off < 0 || off%BlockSize != 0 || n%BlockSize != 0 {
		return WrapError(op, ErrUnaligned)
	}
	if uint64(off)+uint64(n) > c.capacity.Load() {
		return WrapError(op, ErrOutOfRange)
	}
	return nil
}

// doIO runs one read or write command: stage the data in device-visible
// memory, map it, submit, wait. Reads copy out of the staging buffer
// only after a successful completion.
func (c *Controller) doIO(ctx context.Context, op string, p []byte, off int64, write bool) error {
	start := time.Now()

	tag, err := c.ioTags.Acquire(ctx)
	if err != nil {
		return WrapError(op, err)
	}
	req := c.newRequest(op, tag, queue.QIDIO, c.opts.IOTimeout)

	stage, err := c.dev.Alloc.Alloc(len(p))
	if err != nil {
		c.releaseRequest(req)
		return NewQueueError(op, c.id, int(queue.QIDIO), ErrCodeNoMemory, err.Error())
	}
	req.buf = stage
	if write {
		copy(stage.Data, p)
	}

	desc, err := c.mapper.Map(&prp.Request{
		Segments: []prp.Segment{{Addr: stage.Addr, Len: len(p)}},
	})
	if err != nil {
		c.releaseRequest(req)
		return NewQueueError(op, c.id, int(queue.QIDIO), ErrCodeNoMemory, err.Error())
	}
	req.desc = desc

	shift := uint(c.lbaShift.Load())
	lba := uint64(off) >> shift
	blocks := uint32(len(p) >> shift)
	if write {
		req.cmd = hw.BuildWrite(tag, defaultNSID, lba, blocks, desc.PRP1, desc.PRP2)
	} else {
		req.cmd = hw.BuildRead(tag, defaultNSID, lba, blocks, desc.PRP1, desc.PRP2)
	}

	depth := uint32(c.ioTags.Outstanding())
	c.metrics.RecordQueueDepth(depth)
	c.observer.ObserveQueueDepth(depth)

	_, owned, err := c.execute(ctx, req, c.ioq, uint32(len(p)))
	if owned {
		if err == nil && !write {
			copy(p, req.buf.Data[:len(p)])
		}
		c.releaseRequest(req)
	}

	lat := uint64(time.Since(start).Nanoseconds())
	bytes := uint64(len(p))
	if write {
		c.metrics.RecordWrite(bytes, lat, err == nil)
		c.observer.ObserveWrite(bytes, lat, err == nil)
	} else {
		c.metrics.RecordRead(bytes, lat, err == nil)
		c.observer.ObserveRead(bytes, lat, err == nil)
	}
	return err
}
