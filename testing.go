package rnvme

import (
	"context"
	"sync"

	"github.com/behrlich/go-rnvme/allowlist"
	"github.com/behrlich/go-rnvme/internal/logging"
	"github.com/behrlich/go-rnvme/sim"
)

// BindSim wires a simulated device into the handle bundle New consumes.
// The returned table is owned by the caller; Close it after the
// controller.
func BindSim(dev *sim.Device, prof sim.Profile, log *logging.Logger) (Device, *allowlist.Table, error) {
	if log == nil {
		log = logging.Default()
	}
	filter, err := allowlist.New(dev.Filter(), allowlist.Version(prof.FilterVersion), log)
	if err != nil {
		return Device{}, nil, WrapError("bind", err)
	}
	return Device{
		Regs:    dev.Registers(),
		Coproc:  dev.Coproc(),
		Mailbox: dev.Mailbox(),
		Inbox:   dev.Inbox(),
		IRQ:     dev.IRQ(),
		Alloc:   dev.Allocator(),
		Filter:  filter,
	}, filter, nil
}

// StartSim builds a simulated device with the given profile, binds a
// controller to it, and connects. Callers Close the controller and then
// the filter when done. Intended for tests and examples.
func StartSim(ctx context.Context, prof sim.Profile, opts Options) (*Controller, *sim.Device, *allowlist.Table, error) {
	dev, err := sim.New(prof, opts.loggerOrDefault())
	if err != nil {
		return nil, nil, nil, WrapError("start-sim", err)
	}
	handle, filter, err := BindSim(dev, prof, opts.Logger)
	if err != nil {
		return nil, nil, nil, err
	}
	ctrl, err := New(handle, opts)
	if err != nil {
		filter.Close()
		return nil, nil, nil, err
	}
	if err := ctrl.Connect(ctx); err != nil {
		ctrl.Close()
		filter.Close()
		return nil, nil, nil, err
	}
	return ctrl, dev, filter, nil
}

func (o Options) loggerOrDefault() *logging.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return logging.Default()
}

// CountingObserver records how often each observer hook fired. Useful
// for verifying that an application's instrumentation is wired.
type CountingObserver struct {
	mu         sync.Mutex
	reads      int
	writes     int
	flushes    int
	admins     int
	depthCalls int
}

var _ Observer = (*CountingObserver)(nil)

func (o *CountingObserver) ObserveRead(uint64, uint64, bool) {
	o.mu.Lock()
	o.reads++
	o.mu.Unlock()
}

func (o *CountingObserver) ObserveWrite(uint64, uint64, bool) {
	o.mu.Lock()
	o.writes++
	o.mu.Unlock()
}

func (o *CountingObserver) ObserveFlush(uint64, bool) {
	o.mu.Lock()
	o.flushes++
	o.mu.Unlock()
}

func (o *CountingObserver) ObserveAdmin(uint64, bool) {
	o.mu.Lock()
	o.admins++
	o.mu.Unlock()
}

func (o *CountingObserver) ObserveQueueDepth(uint32) {
	o.mu.Lock()
	o.depthCalls++
	o.mu.Unlock()
}

// Counts returns the per-hook call counts.
func (o *CountingObserver) Counts() (reads, writes, flushes, admins, depth int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reads, o.writes, o.flushes, o.admins, o.depthCalls
}
