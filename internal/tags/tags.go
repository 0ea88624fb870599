// Package tags allocates command tags. The coprocessor indexes its
// translation tables by tag and requires values unique across both
// queues, so the admin and I/O sets are built over disjoint ranges and
// never overlap.
package tags

import (
	"context"
	"sync/atomic"
)

// Set hands out tags from [Base, Base+Count). Acquire blocks until a tag
// frees; Release returns one. Safe for concurrent use.
type Set struct {
	base  uint16
	count uint16
	free  chan uint16
	inUse []atomic.Bool
}

// NewSet builds a set with every tag free.
func NewSet(base, count uint16) *Set {
	s := &Set{
		base:  base,
		count: count,
		free:  make(chan uint16, count),
		inUse: make([]atomic.Bool, count),
	}
	for t := base; t < base+count; t++ {
		s.free <- t
	}
	return s
}

// Acquire blocks until a tag is available or ctx is done.
func (s *Set) Acquire(ctx context.Context) (uint16, error) {
	select {
	case t := <-s.free:
		s.inUse[t-s.base].Store(true)
		return t, nil
	default:
	}
	select {
	case t := <-s.free:
		s.inUse[t-s.base].Store(true)
		return t, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// TryAcquire returns immediately.
func (s *Set) TryAcquire() (uint16, bool) {
	select {
	case t := <-s.free:
		s.inUse[t-s.base].Store(true)
		return t, true
	default:
		return 0, false
	}
}

// Release returns a tag to the set. Foreign or already-free tags are
// ignored; the completion path can see stale tags after a reset.
func (s *Set) Release(tag uint16) {
	if !s.Contains(tag) {
		return
	}
	if !s.inUse[tag-s.base].CompareAndSwap(true, false) {
		return
	}
	s.free <- tag
}

// Contains reports whether the tag belongs to this set.
func (s *Set) Contains(tag uint16) bool {
	return tag >= s.base && tag < s.base+s.count
}

// Held reports whether the tag is currently acquired.
func (s *Set) Held(tag uint16) bool {
	return s.Contains(tag) && s.inUse[tag-s.base].Load()
}

// Outstanding returns the number of acquired tags.
func (s *Set) Outstanding() int {
	return int(s.count) - len(s.free)
}

// Base returns the first tag of the set.
func (s *Set) Base() uint16 {
	return s.base
}

// Count returns the set size.
func (s *Set) Count() uint16 {
	return s.count
}
