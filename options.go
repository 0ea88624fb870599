package rnvme

import (
	"time"

	"github.com/behrlich/go-rnvme/allowlist"
	"github.com/behrlich/go-rnvme/dma"
	"github.com/behrlich/go-rnvme/internal/logging"
	"github.com/behrlich/go-rnvme/mmio"
	"github.com/behrlich/go-rnvme/rproc"
)

// Device bundles every hardware-facing resource the controller drives.
// The sim package provides an in-memory implementation; a real backend
// would populate the same handles from mapped BARs and an IRQ fd.
type Device struct {
	// Regs is the NVMe register window: core registers, doorbells, the
	// linear-submission and TCB control blocks.
	Regs mmio.Window

	// Coproc is the coprocessor control window: CPU control and the
	// allow-list registers live here, not in the NVMe window.
	Coproc mmio.Window

	// Mailbox carries outbound coprocessor messages.
	Mailbox rproc.Transport

	// Inbox delivers inbound coprocessor messages. Closed by the device
	// when it goes away.
	Inbox <-chan rproc.Message

	// IRQ ticks once per completion interrupt. Coalescing is fine; a
	// tick means "drain the completion queues".
	IRQ <-chan struct{}

	// Alloc provides device-visible memory for rings, tables, list
	// pages, and staging buffers.
	Alloc dma.Allocator

	// Filter is the DMA allow-list guarding coprocessor accesses.
	// Shared-memory grants are admitted here before they are offered.
	Filter allowlist.Filter
}

// Options tunes a controller. The zero value is unusable; start from
// DefaultOptions.
type Options struct {
	// IOTimeout is the per-command deadline on the I/O queue.
	IOTimeout time.Duration

	// AdminTimeout is the per-command deadline on the admin queue.
	AdminTimeout time.Duration

	// BootTimeout bounds the coprocessor protocol handshake.
	BootTimeout time.Duration

	// AbortLimit bounds concurrently outstanding abort commands.
	AbortLimit int

	// Logger receives structured driver logs. Nil uses the package
	// default.
	Logger *logging.Logger

	// Observer receives latency and queue-depth callbacks. Nil installs
	// NoOpObserver.
	Observer Observer

	// OnAsyncEvent is called with the raw result dword of each async
	// event completion, after the slot is re-armed.
	OnAsyncEvent func(result uint32)

	// OnCrash receives a copy of the coprocessor crash dump.
	OnCrash func(dump []byte)

	// OnSyslog receives decoded firmware log lines.
	OnSyslog func(context, text string)
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		IOTimeout:    DefaultIOTimeout,
		AdminTimeout: DefaultAdminTimeout,
		BootTimeout:  DefaultBootTimeout,
		AbortLimit:   DefaultAbortLimit,
	}
}

func (o *Options) fill() {
	if o.IOTimeout <= 0 {
		o.IOTimeout = DefaultIOTimeout
	}
	if o.AdminTimeout <= 0 {
		o.AdminTimeout = DefaultAdminTimeout
	}
	if o.BootTimeout <= 0 {
		o.BootTimeout = DefaultBootTimeout
	}
	if o.AbortLimit <= 0 {
		o.AbortLimit = DefaultAbortLimit
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
	if o.Observer == nil {
		o.Observer = NoOpObserver{}
	}
}
