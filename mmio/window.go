// Package mmio provides memory-mapped register windows and the memory
// barriers the queue and coprocessor protocols rely on.
package mmio

import (
	"encoding/binary"
	"fmt"
)

// Window is a little-endian register window. Offsets are in bytes and
// must be naturally aligned for the access width. Implementations must
// tolerate concurrent access to distinct offsets; callers serialize
// accesses to the same offset.
type Window interface {
	Read32(off uint64) uint32
	Write32(off uint64, v uint32)
	Read64(off uint64) uint64
	Write64(off uint64, v uint64)
}

// MemWindow is a Window over a plain byte slice. It backs the software
// device model and tests; mapped hardware windows use the same accessors
// over an mmap'd region.
type MemWindow struct {
	buf []byte
}

// NewMemWindow returns a zeroed window of the given size.
func NewMemWindow(size int) *MemWindow {
	return &MemWindow{buf: make([]byte, size)}
}

// WindowOver wraps an existing byte slice.
func WindowOver(buf []byte) *MemWindow {
	return &MemWindow{buf: buf}
}

func (w *MemWindow) Read32(off uint64) uint32 {
	return binary.LittleEndian.Uint32(w.buf[off : off+4])
}

func (w *MemWindow) Write32(off uint64, v uint32) {
	binary.LittleEndian.PutUint32(w.buf[off:off+4], v)
}

func (w *MemWindow) Read64(off uint64) uint64 {
	return binary.LittleEndian.Uint64(w.buf[off : off+8])
}

func (w *MemWindow) Write64(off uint64, v uint64) {
	binary.LittleEndian.PutUint64(w.buf[off:off+8], v)
}

// Bytes exposes the backing slice. The device model uses it to service
// ring memory shared with the driver.
func (w *MemWindow) Bytes() []byte {
	return w.buf
}

// CheckedWindow validates offsets against a window size before
// delegating. An out-of-range register access is a programming error,
// not a runtime condition, so it panics.
type CheckedWindow struct {
	W    Window
	Size uint64
}

func (c *CheckedWindow) check(off, width uint64) {
	if off+width > c.Size || off%width != 0 {
		panic(fmt.Sprintf("mmio: bad %d-byte access at %#x (window %#x)", width, off, c.Size))
	}
}

func (c *CheckedWindow) Read32(off uint64) uint32 {
	c.check(off, 4)
	return c.W.Read32(off)
}

func (c *CheckedWindow) Write32(off uint64, v uint32) {
	c.check(off, 4)
	c.W.Write32(off, v)
}

func (c *CheckedWindow) Read64(off uint64) uint64 {
	c.check(off, 8)
	return c.W.Read64(off)
}

func (c *CheckedWindow) Write64(off uint64, v uint64) {
	c.check(off, 8)
	c.W.Write64(off, v)
}
