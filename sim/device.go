// Package sim is a software model of the coprocessor-fronted storage
// device: the NVMe register file with its linear doorbells and TCB
// table, the mailbox firmware with its management handshake, and the
// DMA filter window. The driver binds to it through the same window
// and transport interfaces it uses for mapped hardware, so everything
// above the register layer runs unmodified.
//
// The model is synchronous. A doorbell write executes the command and
// posts its completion before the write returns; the interrupt channel
// then carries a coalesced tick. Fault methods cover the paths a
// healthy device never takes.
package sim

import (
	"sync"

	"github.com/behrlich/go-rnvme/dma"
	"github.com/behrlich/go-rnvme/hw"
	"github.com/behrlich/go-rnvme/internal/logging"
	"github.com/behrlich/go-rnvme/mmio"
	"github.com/behrlich/go-rnvme/rproc"
)

// Window sizes. The register file is sparse; backing it with plain
// memory keeps unmodeled offsets readable as zero.
const (
	barSize    = 0x28200
	coprocSize = 0x100
	filterSize = 0x100
)

// filterEntries is the number of allow-list slots the filter window
// models, matching the hardware table.
const filterEntries = 16

type sqState struct {
	base  uint64
	tcb   uint64
	depth uint32
	live  bool
}

type cqState struct {
	base  uint64
	depth uint32
	tail  uint32
	phase uint16
	live  bool
}

// parkedCmd is a command whose completion was withheld by fault
// injection. An abort can still complete it.
type parkedCmd struct {
	cmd hw.Command
	qid uint16
}

// Device is one simulated device instance. All register, mailbox, and
// firmware state sits behind a single lock; the model does no work of
// its own and owns no goroutines.
type Device struct {
	prof Profile
	log  *logging.Logger

	alloc *dma.HostAllocator

	mu     sync.Mutex
	bar    *mmio.MemWindow
	cop    *mmio.MemWindow
	filter *mmio.MemWindow

	disk []byte

	inbox chan rproc.Message
	irq   chan struct{}

	// NVMe controller state.
	cc      uint32
	ready   bool
	fatal   bool
	shst    uint32
	adminSQ sqState
	adminCQ cqState
	ioSQ    sqState
	ioCQ    cqState
	parked  map[uint16]parkedCmd
	aenTag  int

	fw fwState

	// Fault knobs.
	dropNext   bool
	abortsNoop bool
	badBoot    bool
	gone       bool

	// Counters.
	commands     uint64
	tcbFaults    uint64
	mailboxDrops uint64
	filterFaults uint64
}

// New builds a device over a fresh bus address space. The driver must
// allocate through Allocator so the model can resolve the addresses it
// is handed back to host memory.
func New(prof Profile, log *logging.Logger) (*Device, error) {
	if err := prof.Validate(); err != nil {
		return nil, err
	}
	d := &Device{
		prof:   prof,
		log:    log.WithComponent("sim"),
		alloc:  dma.NewHostAllocator(prof.DMABudget),
		bar:    mmio.NewMemWindow(barSize),
		cop:    mmio.NewMemWindow(coprocSize),
		filter: mmio.NewMemWindow(filterSize),
		disk:   make([]byte, prof.DiskBytes),
		inbox:  make(chan rproc.Message, 256),
		irq:    make(chan struct{}, 1),
		parked: make(map[uint16]parkedCmd),
		aenTag: -1,
	}
	d.fw.init(prof)
	if prof.Parked {
		// Run bit already set: the boot goes through the wakeup
		// message instead of the reset release.
		d.cop.Write32(rproc.RegCPUControl, rproc.CPUControlRun)
	}
	d.seedFilter()
	return d, nil
}

// seedFilter claims entry 0 for the firmware's boot carveout. The
// driver's table must treat it as protected and never recycle it.
func (d *Device) seedFilter() {
	const pages = 16
	paddr := uint32(0x340000000 >> 12)
	d.filter.Write32(0x40, paddr)
	if d.prof.FilterVersion == 2 {
		d.filter.Write32(0x00, 0xff<<24|pages)
	} else {
		d.filter.Write32(0x00, 0xff<<24)
		d.filter.Write32(0x80, pages)
	}
}

// Registers returns the NVMe register window.
func (d *Device) Registers() mmio.Window { return nvmeWindow{d} }

// Coproc returns the coprocessor control window.
func (d *Device) Coproc() mmio.Window { return coprocWindow{d} }

// Filter returns the DMA filter register window.
func (d *Device) Filter() mmio.Window { return filterWindow{d} }

// Mailbox returns the host-to-firmware transport.
func (d *Device) Mailbox() rproc.Transport { return mailbox{d} }

// Inbox carries firmware-to-host messages.
func (d *Device) Inbox() <-chan rproc.Message { return d.inbox }

// IRQ carries completion ticks. Sends are coalesced; one tick may
// cover many completions.
func (d *Device) IRQ() <-chan struct{} { return d.irq }

// Allocator returns the bus address space the device resolves against.
func (d *Device) Allocator() *dma.HostAllocator { return d.alloc }

// Disk exposes the backing media for test verification.
func (d *Device) Disk() []byte { return d.disk }

// DropNextCompletion swallows the next completion the model would
// post. The command's effects still happen; only the answer vanishes,
// which is what a lost interrupt or a wedged firmware thread looks
// like from the host.
func (d *Device) DropNextCompletion() {
	d.mu.Lock()
	d.dropNext = true
	d.mu.Unlock()
}

// SetAbortsIneffective makes abort commands succeed without completing
// their target, forcing the host's escalation path.
func (d *Device) SetAbortsIneffective(v bool) {
	d.mu.Lock()
	d.abortsNoop = v
	d.mu.Unlock()
}

// SetBadBootStatus withholds the firmware-ready magic so boot status
// polls spin until they give up.
func (d *Device) SetBadBootStatus(v bool) {
	d.mu.Lock()
	d.badBoot = v
	d.mu.Unlock()
}

// SetFatal latches the fatal status bit.
func (d *Device) SetFatal() {
	d.mu.Lock()
	d.fatal = true
	d.mu.Unlock()
}

// Disappear makes every register read return all-ones, the signature
// of a device that fell off the bus.
func (d *Device) Disappear() {
	d.mu.Lock()
	d.gone = true
	d.mu.Unlock()
}

// Commands returns how many doorbell rings reached execution.
func (d *Device) Commands() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commands
}

// TCBFaults returns how many commands were rejected for a stale or
// mismatched translation control block.
func (d *Device) TCBFaults() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tcbFaults
}

// MailboxDrops returns how many firmware messages were lost to a full
// inbox.
func (d *Device) MailboxDrops() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mailboxDrops
}

// FilterViolations returns how many granted buffers fell outside the
// DMA filter's allowed windows.
func (d *Device) FilterViolations() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.filterFaults
}

// push queues a firmware message toward the host. Never blocks; the
// mailbox FIFO is finite and a slow host loses messages.
func (d *Device) push(ep uint8, payload uint64) {
	select {
	case d.inbox <- rproc.Message{Endpoint: ep, Payload: payload}:
	default:
		d.mailboxDrops++
		d.log.Warnf("mailbox full, dropping message on endpoint %d", ep)
	}
}

// tickIRQ coalesces an interrupt.
func (d *Device) tickIRQ() {
	select {
	case d.irq <- struct{}{}:
	default:
	}
}

// filterAllows reports whether [addr, addr+size) falls inside an
// enabled filter entry. The firmware checks every buffer the host
// grants; a real device would fault the DMA instead.
func (d *Device) filterAllows(addr uint64, size int) bool {
	for i := 0; i < filterEntries; i++ {
		off := uint64(4 * i)
		cfg := d.filter.Read32(0x00 + off)
		if cfg>>24 == 0 {
			continue
		}
		base := uint64(d.filter.Read32(0x40+off)) << 12
		var span uint64
		if d.prof.FilterVersion == 2 {
			span = uint64(cfg&0xffffff) << 12
		} else {
			span = uint64(d.filter.Read32(0x80+off)) << 12
		}
		if addr >= base && addr+uint64(size) <= base+span {
			return true
		}
	}
	return false
}

type nvmeWindow struct{ d *Device }

func (w nvmeWindow) Read32(off uint64) uint32     { return w.d.barRead32(off) }
func (w nvmeWindow) Write32(off uint64, v uint32) { w.d.barWrite32(off, v) }
func (w nvmeWindow) Read64(off uint64) uint64     { return w.d.barRead64(off) }
func (w nvmeWindow) Write64(off uint64, v uint64) { w.d.barWrite64(off, v) }

type coprocWindow struct{ d *Device }

func (w coprocWindow) Read32(off uint64) uint32     { return w.d.copRead32(off) }
func (w coprocWindow) Write32(off uint64, v uint32) { w.d.copWrite32(off, v) }

func (w coprocWindow) Read64(off uint64) uint64 {
	w.d.mu.Lock()
	defer w.d.mu.Unlock()
	return w.d.cop.Read64(off)
}

func (w coprocWindow) Write64(off uint64, v uint64) {
	w.d.mu.Lock()
	defer w.d.mu.Unlock()
	w.d.cop.Write64(off, v)
}

type filterWindow struct{ d *Device }

func (w filterWindow) Read32(off uint64) uint32 {
	w.d.mu.Lock()
	defer w.d.mu.Unlock()
	if w.d.gone {
		return ^uint32(0)
	}
	return w.d.filter.Read32(off)
}

func (w filterWindow) Write32(off uint64, v uint32) {
	w.d.mu.Lock()
	defer w.d.mu.Unlock()
	w.d.filter.Write32(off, v)
}

func (w filterWindow) Read64(off uint64) uint64 {
	w.d.mu.Lock()
	defer w.d.mu.Unlock()
	if w.d.gone {
		return ^uint64(0)
	}
	return w.d.filter.Read64(off)
}

func (w filterWindow) Write64(off uint64, v uint64) {
	w.d.mu.Lock()
	defer w.d.mu.Unlock()
	w.d.filter.Write64(off, v)
}

type mailbox struct{ d *Device }

func (m mailbox) Send(msg rproc.Message) error {
	return m.d.hostSend(msg)
}
