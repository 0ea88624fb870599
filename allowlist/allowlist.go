// Package allowlist drives the DMA address filter sitting between the
// coprocessor and host memory. The filter is a 16-entry table of
// physical regions; DMA outside an allowed region is rejected by the
// hardware. There is no remapping, so consumers admit each region
// before handing its address to the firmware and evict it afterwards.
//
// Admission returns a Token naming the exact entry written. Eviction
// takes the token back, so releasing a region can never clear an
// unrelated entry that happens to share an address.
package allowlist

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/pkg/errors"

	"github.com/behrlich/go-rnvme/internal/logging"
	"github.com/behrlich/go-rnvme/mmio"
)

// MaxEntries is the size of the filter table.
const MaxEntries = 16

// Regions must be page aligned in both address and size.
const (
	AlignShift = 12
	Align      = 1 << AlignShift
)

// Version selects the register layout.
type Version int

const (
	// V2 packs flags and size into one config register per entry.
	V2 Version = 2
	// V3 splits flags, size, and address into three registers.
	V3 Version = 3
)

// Register layout. Entry i's registers sit at base + 4*i.
const (
	regConfig = 0x00
	regPaddr  = 0x40
	regSize   = 0x80 // V3 only

	cfgFlagsShift = 24       // V2: flags in config bits 31:24
	cfgSizeMask   = 0xffffff // V2: size in config bits 23:0, pages

	// FlagAllow marks an entry live; zero flags mean free.
	FlagAllow uint8 = 0xff
)

var (
	// ErrMisaligned is returned for regions that are not page
	// granular.
	ErrMisaligned = errors.New("allowlist: region not page aligned")
	// ErrFull is returned when every non-protected entry is in use.
	ErrFull = errors.New("allowlist: no free entries")
	// ErrStaleToken is returned when evicting with a token that no
	// longer names a live entry.
	ErrStaleToken = errors.New("allowlist: stale token")
)

// Token names one admitted region. The zero Token is invalid.
type Token struct {
	index int
	gen   uint32
}

// Valid reports whether the token was produced by a successful Admit.
func (t Token) Valid() bool { return t.gen != 0 }

func (t Token) String() string {
	return fmt.Sprintf("entry %d gen %d", t.index, t.gen)
}

// Filter is the admission interface consumers program against.
type Filter interface {
	Admit(addr uint64, size int) (Token, error)
	Evict(tok Token) error
}

// Table drives one filter instance through its register window.
type Table struct {
	win mmio.Window
	ver Version
	log *logging.Logger

	mu        sync.Mutex
	protected uint16
	used      uint16
	gens      [MaxEntries]uint32
}

var _ Filter = (*Table)(nil)

// New scans the table and takes over. Entries already live were
// programmed by the boot firmware; they are recorded as protected and
// never touched again.
func New(win mmio.Window, ver Version, log *logging.Logger) (*Table, error) {
	if win == nil {
		return nil, errors.New("allowlist: register window required")
	}
	if ver != V2 && ver != V3 {
		return nil, errors.Errorf("allowlist: unknown version %d", ver)
	}
	if log == nil {
		log = logging.Default()
	}
	t := &Table{win: win, ver: ver}
	t.log = log.WithComponent("allowlist")

	for i := 0; i < MaxEntries; i++ {
		flags, addr, size := t.getEntry(i)
		if flags == 0 {
			continue
		}
		t.log.Debug("protected boot entry",
			"index", i, "flags", flags, "addr", addr, "size", size)
		t.protected |= 1 << i
	}
	return t, nil
}

// Admit adds [addr, addr+size) to the allow list and returns a token
// for the entry used.
func (t *Table) Admit(addr uint64, size int) (Token, error) {
	if size <= 0 || size&(Align-1) != 0 || addr&(Align-1) != 0 {
		return Token{}, errors.Wrapf(ErrMisaligned, "addr %#x size %#x", addr, size)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i < MaxEntries; i++ {
		bit := uint16(1) << i
		if t.protected&bit != 0 || t.used&bit != 0 {
			continue
		}
		t.used |= bit
		t.gens[i]++
		t.setEntry(i, FlagAllow, addr, size)
		t.log.Debug("admitted region", "index", i, "addr", addr, "size", size)
		return Token{index: i, gen: t.gens[i]}, nil
	}

	t.log.Warnf("no free entries for addr %#x size %#x", addr, size)
	return Token{}, ErrFull
}

// Evict clears the entry the token names. Tokens from before the last
// eviction of the same entry are rejected.
func (t *Table) Evict(tok Token) error {
	if !tok.Valid() || tok.index < 0 || tok.index >= MaxEntries {
		return ErrStaleToken
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	bit := uint16(1) << tok.index
	if t.used&bit == 0 || t.gens[tok.index] != tok.gen {
		return errors.Wrapf(ErrStaleToken, "%s", tok)
	}
	t.setEntry(tok.index, 0, 0, 0)
	t.used &^= bit
	t.log.Debug("evicted region", "index", tok.index)
	return nil
}

// Used returns the number of live non-protected entries.
func (t *Table) Used() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return bits.OnesCount16(t.used)
}

// ProtectedCount returns the number of entries owned by the boot
// firmware.
func (t *Table) ProtectedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return bits.OnesCount16(t.protected)
}

// Close clears every entry this table admitted. Protected entries
// survive so the firmware keeps its carveouts across a driver reload.
func (t *Table) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i < MaxEntries; i++ {
		bit := uint16(1) << i
		if t.protected&bit != 0 {
			continue
		}
		t.setEntry(i, 0, 0, 0)
		t.used &^= bit
	}
}

func (t *Table) getEntry(i int) (flags uint8, addr uint64, size int) {
	off := uint64(4 * i)
	switch t.ver {
	case V2:
		cfg := t.win.Read32(regConfig + off)
		flags = uint8(cfg >> cfgFlagsShift)
		size = int(cfg&cfgSizeMask) << AlignShift
	default:
		flags = uint8(t.win.Read32(regConfig + off))
		size = int(t.win.Read32(regSize+off)) << AlignShift
	}
	addr = uint64(t.win.Read32(regPaddr+off)) << AlignShift
	return flags, addr, size
}

// setEntry writes the address (and size) before the flags so the entry
// is never live with a stale address.
func (t *Table) setEntry(i int, flags uint8, addr uint64, size int) {
	off := uint64(4 * i)
	t.win.Write32(regPaddr+off, uint32(addr>>AlignShift))
	switch t.ver {
	case V2:
		cfg := uint32(flags)<<cfgFlagsShift | uint32(size>>AlignShift)&cfgSizeMask
		t.win.Write32(regConfig+off, cfg)
	default:
		t.win.Write32(regSize+off, uint32(size>>AlignShift))
		t.win.Write32(regConfig+off, uint32(flags))
	}
}
