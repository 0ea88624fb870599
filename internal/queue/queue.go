// Package queue implements the submission/completion queue pair engine.
// Submission rings use linear doorbells (the doorbell value is the tag,
// not a tail pointer) and every command is mirrored into a translation
// control block table the coprocessor re-reads for address filtering.
package queue

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/behrlich/go-rnvme/dma"
	"github.com/behrlich/go-rnvme/hw"
	"github.com/behrlich/go-rnvme/internal/logging"
	"github.com/behrlich/go-rnvme/mmio"
)

// Queue ids. The device supports exactly one of each.
const (
	QIDAdmin uint16 = 0
	QIDIO    uint16 = 1
)

const cqeSize = 16

var (
	// ErrSuspended is returned when submitting to a suspended queue.
	ErrSuspended = errors.New("queue: suspended")
	// ErrBadTag is returned when a command's tag is outside the ring.
	ErrBadTag = errors.New("queue: tag out of range")
)

// Config describes one queue pair.
type Config struct {
	QID       uint16
	Depth     uint32
	SlotShift uint8

	Window     mmio.Window
	SubmitDB   uint64 // linear submission doorbell offset
	CompleteDB uint64 // completion head doorbell offset
	TCBBaseReg uint64 // register that receives the TCB table base

	Alloc dma.Allocator
	Log   *logging.Logger
}

// Pair owns a submission ring, a completion ring, and the TCB table for
// one queue. Submission and completion processing are each internally
// serialized and safe from any goroutine.
type Pair struct {
	qid       uint16
	depth     uint32
	slotShift uint8

	win      mmio.Window
	submitDB uint64
	cqDB     uint64

	sq  dma.Buffer
	cq  dma.Buffer
	tcb dma.Buffer

	cqHead  uint32
	cqPhase uint16
	gen     atomic.Uint64

	mu      sync.Mutex // serializes TCB+slot write and doorbell
	cqMu    sync.Mutex // serializes completion draining against pollers
	enabled atomic.Bool

	alloc dma.Allocator
	log   *logging.Logger
}

// New allocates ring and table memory for a queue pair and publishes the
// TCB table base to the device. The pair starts suspended; Init arms it.
func New(cfg Config) (*Pair, error) {
	q := &Pair{
		qid:       cfg.QID,
		depth:     cfg.Depth,
		slotShift: cfg.SlotShift,
		win:       cfg.Window,
		submitDB:  cfg.SubmitDB,
		cqDB:      cfg.CompleteDB,
		alloc:     cfg.Alloc,
		log:       cfg.Log.WithQueue(int(cfg.QID)),
	}

	var err error
	if q.sq, err = cfg.Alloc.Alloc(int(cfg.Depth) << cfg.SlotShift); err != nil {
		return nil, errors.Wrap(err, "queue: submission ring")
	}
	if q.cq, err = cfg.Alloc.Alloc(int(cfg.Depth) * cqeSize); err != nil {
		cfg.Alloc.Free(q.sq)
		return nil, errors.Wrap(err, "queue: completion ring")
	}
	if q.tcb, err = cfg.Alloc.Alloc(int(cfg.Depth) * hw.TCBSize); err != nil {
		cfg.Alloc.Free(q.sq)
		cfg.Alloc.Free(q.cq)
		return nil, errors.Wrap(err, "queue: tcb table")
	}

	q.win.Write64(cfg.TCBBaseReg, q.tcb.Addr)
	q.log.Debug("queue pair allocated",
		"depth", cfg.Depth, "sq", q.sq.Addr, "cq", q.cq.Addr, "tcb", q.tcb.Addr)

	return q, nil
}

// Init re-arms the pair for service: completion cursor to zero, phase to
// one, rings and TCB table cleared. Holds both the submission and
// completion locks, so an interrupt-path drain racing a reset sees
// either the old rings or the cleared ones, never a half-written mix.
func (q *Pair) Init() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cqMu.Lock()
	defer q.cqMu.Unlock()

	q.cqHead = 0
	q.cqPhase = 1
	for i := range q.cq.Data {
		q.cq.Data[i] = 0
	}
	for i := range q.tcb.Data {
		q.tcb.Data[i] = 0
	}
	q.gen.Add(1)
	mmio.Wmb()
	q.enabled.Store(true)
}

// Submit mirrors the command into the TCB table, writes the ring slot,
// and rings the linear doorbell with the tag. The doorbell write is the
// publication point; everything before it is fenced.
func (q *Pair) Submit(cmd *hw.Command, length uint32) error {
	tag := cmd.CommandID
	if uint32(tag) >= q.depth {
		return errors.Wrapf(ErrBadTag, "tag %d depth %d", tag, q.depth)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.enabled.Load() {
		return ErrSuspended
	}

	var t hw.TCB
	hw.FillTCB(&t, cmd, length)
	if err := hw.PutTCB(q.tcbSlot(tag), &t); err != nil {
		return err
	}
	if err := hw.PutCommand(q.slot(tag), cmd); err != nil {
		return err
	}

	mmio.Wmb()
	q.win.Write32(q.submitDB, uint32(tag))
	return nil
}

// ProcessCompletions drains every posted completion, invalidating the
// matching TCB before handing each entry to the handler, and rings the
// completion doorbell once at the end. Returns the number consumed.
// Safe to call from the interrupt path and a timeout poller at once.
func (q *Pair) ProcessCompletions(handle func(hw.Completion)) int {
	q.cqMu.Lock()
	defer q.cqMu.Unlock()

	found := 0
	for {
		entry := q.cq.Data[q.cqHead*cqeSize : (q.cqHead+1)*cqeSize]
		if hw.PeekPhase(entry) != q.cqPhase {
			break
		}
		// The phase bit is the producer/consumer synchronization point.
		mmio.Rmb()

		var c hw.Completion
		if err := hw.ParseCompletion(entry, &c); err != nil {
			q.log.Error("short completion entry", "head", q.cqHead)
			break
		}

		if uint32(c.CommandID) < q.depth {
			q.invalidateTCB(c.CommandID)
			handle(c)
		} else {
			q.log.Warn("completion for tag outside ring, dropped",
				"tag", c.CommandID, "status", c.Status)
		}

		found++
		q.cqHead++
		if q.cqHead == q.depth {
			q.cqHead = 0
			q.cqPhase ^= 1
		}
	}

	if found > 0 {
		q.win.Write32(q.cqDB, q.cqHead)
	}
	return found
}

// invalidateTCB zeroes the slot and tells the coprocessor to drop any
// cached copy. A populated TCB for a completed tag is a filtering hazard.
func (q *Pair) invalidateTCB(tag uint16) {
	hw.ZeroTCB(q.tcbSlot(tag))
	mmio.Wmb()
	q.win.Write32(hw.RegTCBInvalidate, uint32(tag))
	if st := q.win.Read32(hw.RegTCBInvalidateStatus); st != 0 {
		q.log.Warn("tcb invalidate not acknowledged", "tag", tag, "status", st)
	}
}

// Suspend blocks new submissions. In-flight commands still complete.
func (q *Pair) Suspend() {
	q.mu.Lock()
	q.enabled.Store(false)
	mmio.Mb()
	q.mu.Unlock()
}

// Enabled reports whether the queue accepts submissions.
func (q *Pair) Enabled() bool {
	return q.enabled.Load()
}

// Generation identifies the current create/init cycle. Completions
// carrying a stale generation belong to a torn-down incarnation.
func (q *Pair) Generation() uint64 {
	return q.gen.Load()
}

// Destroy releases ring and table memory. The pair must be suspended and
// the device quiesced first.
func (q *Pair) Destroy() {
	q.alloc.Free(q.sq)
	q.alloc.Free(q.cq)
	q.alloc.Free(q.tcb)
	q.sq, q.cq, q.tcb = dma.Buffer{}, dma.Buffer{}, dma.Buffer{}
	q.log.Debug("queue pair destroyed")
}

// QID returns the queue id.
func (q *Pair) QID() uint16 { return q.qid }

// Depth returns the ring depth.
func (q *Pair) Depth() uint32 { return q.depth }

// SQAddr returns the submission ring base address.
func (q *Pair) SQAddr() uint64 { return q.sq.Addr }

// CQAddr returns the completion ring base address.
func (q *Pair) CQAddr() uint64 { return q.cq.Addr }

// TCBAddr returns the TCB table base address.
func (q *Pair) TCBAddr() uint64 { return q.tcb.Addr }

// Head returns the completion cursor; tests use it.
func (q *Pair) Head() uint32 {
	q.cqMu.Lock()
	defer q.cqMu.Unlock()
	return q.cqHead
}

// Phase returns the current phase bit; tests use it.
func (q *Pair) Phase() uint16 {
	q.cqMu.Lock()
	defer q.cqMu.Unlock()
	return q.cqPhase
}

func (q *Pair) slot(tag uint16) []byte {
	off := int(tag) << q.slotShift
	return q.sq.Data[off : off+1<<q.slotShift]
}

func (q *Pair) tcbSlot(tag uint16) []byte {
	off := int(tag) * hw.TCBSize
	return q.tcb.Data[off : off+hw.TCBSize]
}
