package dma

import (
	"sync"
)

// Pool carves fixed-size blocks out of Allocator pages and recycles them
// through a free list. PRP list pages come from here: the hot path must
// not hit the allocator for every chained command.
//
// Blocks are zeroed on Get; a stale forward pointer in a recycled list
// page would send the device walking freed memory.
type Pool struct {
	alloc     Allocator
	blockSize int
	perPage   int

	mu    sync.Mutex
	free  []Buffer
	pages []Buffer
}

// NewPool builds a pool of blockSize blocks, preallocating prealloc
// blocks worth of backing pages. blockSize must divide the page size.
func NewPool(alloc Allocator, blockSize, prealloc int) (*Pool, error) {
	p := &Pool{
		alloc:     alloc,
		blockSize: blockSize,
		perPage:   pageSize / blockSize,
	}
	if p.perPage == 0 {
		p.perPage = 1
	}

	for have := 0; have < prealloc; have += p.perPage {
		if err := p.grow(); err != nil {
			p.Close()
			return nil, err
		}
	}
	return p, nil
}

const pageSize = 4096

// grow adds one backing page split into blocks. Caller holds no lock.
func (p *Pool) grow() error {
	page, err := p.alloc.Alloc(pageSize)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.pages = append(p.pages, page)
	for i := 0; i+p.blockSize <= len(page.Data); i += p.blockSize {
		p.free = append(p.free, Buffer{
			Addr: page.Addr + uint64(i),
			Data: page.Data[i : i+p.blockSize],
		})
	}
	p.mu.Unlock()
	return nil
}

// Get returns a zeroed block. Exhaustion grows the pool by one page; an
// allocator failure propagates so callers can roll back.
func (p *Pool) Get() (Buffer, error) {
	p.mu.Lock()
	if len(p.free) == 0 {
		p.mu.Unlock()
		if err := p.grow(); err != nil {
			return Buffer{}, err
		}
		p.mu.Lock()
	}
	b := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.mu.Unlock()

	for i := range b.Data {
		b.Data[i] = 0
	}
	return b, nil
}

// Put returns a block to the free list.
func (p *Pool) Put(b Buffer) {
	if !b.Valid() {
		return
	}
	p.mu.Lock()
	p.free = append(p.free, b)
	p.mu.Unlock()
}

// Outstanding returns blocks currently handed out.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pages)*p.perPage - len(p.free)
}

// Close returns every backing page to the allocator. Blocks still handed
// out become invalid.
func (p *Pool) Close() {
	p.mu.Lock()
	pages := p.pages
	p.pages = nil
	p.free = nil
	p.mu.Unlock()

	for _, page := range pages {
		p.alloc.Free(page)
	}
}
