// Package prp converts the memory segments of a block request into the
// two-pointer addressing the command format carries: either an inline
// pair for transfers within two pages, or a chained list of pages of
// 64-bit entries for everything larger.
package prp

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/behrlich/go-rnvme/dma"
	"github.com/behrlich/go-rnvme/hw"
	"github.com/behrlich/go-rnvme/internal/logging"
)

var (
	// ErrExhausted signals list-page allocation failure. Retryable.
	ErrExhausted = errors.New("prp: list page allocation failed")
	// ErrBadRequest signals segment geometry the device cannot address.
	ErrBadRequest = errors.New("prp: unmappable request")
)

// Segment is one device-visible span of a request.
type Segment struct {
	Addr uint64
	Len  int
}

// Request is the input to Map: data segments plus an optional integrity
// segment mapped independently.
type Request struct {
	Segments []Segment
	Meta     *Segment
}

// Descriptor is the mapped form handed to command construction. List
// pages are tracked so teardown walks exactly as far as setup got.
type Descriptor struct {
	PRP1    uint64
	PRP2    uint64
	MetaPRP uint64

	Length uint32

	pages []dma.Buffer
	small bool
}

// Pages returns the number of chained list pages; tests use it.
func (d *Descriptor) Pages() int {
	return len(d.pages)
}

// Mapper owns the list-page pools for one controller.
type Mapper struct {
	pagePool  *dma.Pool
	smallPool *dma.Pool
	log       *logging.Logger
}

// NewMapper builds the page and small pools over the given allocator.
func NewMapper(alloc dma.Allocator, log *logging.Logger) (*Mapper, error) {
	pages, err := dma.NewPool(alloc, hw.PageSize, 4)
	if err != nil {
		return nil, errors.Wrap(err, "prp: page pool")
	}
	small, err := dma.NewPool(alloc, hw.SmallPoolSize, 16)
	if err != nil {
		pages.Close()
		return nil, errors.Wrap(err, "prp: small pool")
	}
	return &Mapper{
		pagePool:  pages,
		smallPool: small,
		log:       log.WithComponent("mapper"),
	}, nil
}

// Close releases the pools.
func (m *Mapper) Close() {
	m.pagePool.Close()
	m.smallPool.Close()
}

// Map builds the PRP encoding for a request. On any failure everything
// already taken is returned before the error surfaces.
func (m *Mapper) Map(req *Request) (*Descriptor, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	d := &Descriptor{}
	total := 0
	for _, s := range req.Segments {
		total += s.Len
	}
	d.Length = uint32(total)
	d.PRP1 = req.Segments[0].Addr

	entries := pageEntries(req.Segments)
	switch len(entries) {
	case 0:
		d.PRP2 = 0
	case 1:
		// Fits in two consecutive mapping units: inline, no list.
		d.PRP2 = entries[0]
	default:
		if err := m.buildChain(d, entries); err != nil {
			m.release(d)
			return nil, err
		}
	}

	if req.Meta != nil {
		d.MetaPRP = req.Meta.Addr
	}
	return d, nil
}

// Unmap releases the data mapping. The metadata mapping is independent;
// UnmapMeta tears it down.
func (m *Mapper) Unmap(d *Descriptor) {
	m.release(d)
	d.PRP1, d.PRP2 = 0, 0
}

// UnmapMeta releases the metadata mapping.
func (m *Mapper) UnmapMeta(d *Descriptor) {
	d.MetaPRP = 0
}

// Outstanding returns list pages currently held by live descriptors.
func (m *Mapper) Outstanding() int {
	return m.pagePool.Outstanding() + m.smallPool.Outstanding()
}

// pageEntries flattens the segments into page-granular addresses,
// skipping what PRP1 already covers.
func pageEntries(segs []Segment) []uint64 {
	var entries []uint64
	first := true
	for _, s := range segs {
		addr, length := s.Addr, s.Len
		if first {
			skip := hw.PageSize - int(addr%hw.PageSize)
			if skip >= length {
				first = false
				continue
			}
			addr += uint64(skip)
			length -= skip
			first = false
		}
		for length > 0 {
			entries = append(entries, addr)
			addr += hw.PageSize
			length -= hw.PageSize
		}
	}
	return entries
}

// buildChain fills list pages with entries, linking full pages through
// their final slot.
func (m *Mapper) buildChain(d *Descriptor, entries []uint64) error {
	pool := m.pagePool
	slots := hw.PageSize / hw.PRPEntrySize
	if len(entries) <= hw.SmallPoolEntries {
		pool = m.smallPool
		slots = hw.SmallPoolEntries
		d.small = true
	}

	page, err := pool.Get()
	if err != nil {
		return errors.Wrap(ErrExhausted, err.Error())
	}
	d.pages = append(d.pages, page)
	d.PRP2 = page.Addr

	slot := 0
	for i, e := range entries {
		if slot == slots-1 && i < len(entries)-1 {
			// Last slot becomes the forward pointer.
			next, err := pool.Get()
			if err != nil {
				return errors.Wrap(ErrExhausted, err.Error())
			}
			binary.LittleEndian.PutUint64(page.Data[slot*hw.PRPEntrySize:], next.Addr)
			d.pages = append(d.pages, next)
			page = next
			slot = 0
		}
		binary.LittleEndian.PutUint64(page.Data[slot*hw.PRPEntrySize:], e)
		slot++
	}
	return nil
}

// release returns chain pages to their pool.
func (m *Mapper) release(d *Descriptor) {
	pool := m.pagePool
	if d.small {
		pool = m.smallPool
	}
	for _, p := range d.pages {
		pool.Put(p)
	}
	d.pages = nil
}

func validate(req *Request) error {
	if len(req.Segments) == 0 {
		return errors.Wrap(ErrBadRequest, "no segments")
	}
	if len(req.Segments) > hw.MaxSegments {
		return errors.Wrapf(ErrBadRequest, "%d segments", len(req.Segments))
	}

	total := 0
	for i, s := range req.Segments {
		if s.Len <= 0 {
			return errors.Wrapf(ErrBadRequest, "segment %d empty", i)
		}
		// Middle segments must honor the device's page boundary rules.
		if i > 0 && s.Addr%hw.PageSize != 0 {
			return errors.Wrapf(ErrBadRequest, "segment %d not page aligned", i)
		}
		if i < len(req.Segments)-1 && (s.Addr+uint64(s.Len))%hw.PageSize != 0 {
			return errors.Wrapf(ErrBadRequest, "segment %d ends mid-page", i)
		}
		total += s.Len
	}
	if total > hw.MaxTransfer {
		return errors.Wrapf(ErrBadRequest, "transfer %d exceeds limit", total)
	}
	if req.Meta != nil && req.Meta.Len > hw.PageSize {
		return errors.Wrap(ErrBadRequest, "metadata segment exceeds one page")
	}
	return nil
}
