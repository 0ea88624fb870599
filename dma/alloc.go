// Package dma provides device-visible buffer allocation. Addresses handed
// out here are what the controller writes into PRP entries and shared
// buffer descriptors; the device model resolves them back to memory.
package dma

import (
	"sync"

	"github.com/pkg/errors"
)

// Buffer is a device-visible allocation.
type Buffer struct {
	Addr uint64
	Data []byte
}

// Valid reports whether the buffer holds an allocation.
func (b Buffer) Valid() bool {
	return b.Data != nil
}

// Allocator hands out device-visible buffers. Implementations decide the
// address space; the driver only requires that distinct live buffers
// never overlap.
type Allocator interface {
	Alloc(size int) (Buffer, error)
	Free(Buffer)
}

// ErrExhausted is returned when the allocator cannot satisfy a request.
// Callers treat it as retryable.
var ErrExhausted = errors.New("dma: allocator exhausted")

// HostAllocator is an in-process Allocator backed by the Go heap. It
// assigns page-aligned fake bus addresses from a monotonically growing
// address space and keeps an address map so the device model can resolve
// them. A byte budget bounds total outstanding memory.
type HostAllocator struct {
	mu     sync.Mutex
	next   uint64
	budget int
	used   int
	bufs   map[uint64][]byte

	allocs uint64
	frees  uint64
}

const hostAllocBase = 0x8_0000_0000

// NewHostAllocator returns an allocator with the given byte budget;
// budget <= 0 means unbounded.
func NewHostAllocator(budget int) *HostAllocator {
	return &HostAllocator{
		next:   hostAllocBase,
		budget: budget,
		bufs:   make(map[uint64][]byte),
	}
}

func (a *HostAllocator) Alloc(size int) (Buffer, error) {
	if size <= 0 {
		return Buffer{}, errors.Errorf("dma: bad allocation size %d", size)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.budget > 0 && a.used+size > a.budget {
		return Buffer{}, ErrExhausted
	}

	// Keep every allocation page-aligned in the fake bus space.
	aligned := (size + 4095) &^ 4095
	addr := a.next
	a.next += uint64(aligned)

	data := make([]byte, size)
	a.bufs[addr] = data
	a.used += size
	a.allocs++

	return Buffer{Addr: addr, Data: data}, nil
}

func (a *HostAllocator) Free(b Buffer) {
	if !b.Valid() {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.bufs[b.Addr]; !ok {
		return
	}
	delete(a.bufs, b.Addr)
	a.used -= len(b.Data)
	a.frees++
}

// Resolve maps a device address range back to memory. Used by the device
// model to perform "DMA". Returns nil when the range is not inside a
// single live allocation.
func (a *HostAllocator) Resolve(addr uint64, size int) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	for base, data := range a.bufs {
		if addr >= base && addr+uint64(size) <= base+uint64(len(data)) {
			off := addr - base
			return data[off : off+uint64(size)]
		}
	}
	return nil
}

// Outstanding returns the number of live allocations.
func (a *HostAllocator) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.bufs)
}

// Counts returns lifetime allocation and free counts; tests use them for
// leak round-trips.
func (a *HostAllocator) Counts() (allocs, frees uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocs, a.frees
}
