package mmio

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// MappedWindow is a Window over an mmap'd register BAR exposed through a
// UIO-style device file.
type MappedWindow struct {
	MemWindow
	mapped []byte
}

// MapWindow maps size bytes of a device file at the given page-aligned
// offset. The returned window must be closed to release the mapping.
func MapWindow(f *os.File, offset int64, size int) (*MappedWindow, error) {
	if size <= 0 || offset%int64(os.Getpagesize()) != 0 {
		return nil, errors.Errorf("mmio: bad mapping offset=%#x size=%#x", offset, size)
	}

	buf, err := unix.Mmap(int(f.Fd()), offset, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "mmio: mmap %s", f.Name())
	}

	return &MappedWindow{
		MemWindow: MemWindow{buf: buf},
		mapped:    buf,
	}, nil
}

// Close releases the mapping. The window must not be used afterwards.
func (w *MappedWindow) Close() error {
	if w.mapped == nil {
		return nil
	}
	err := unix.Munmap(w.mapped)
	w.mapped = nil
	w.buf = nil
	return errors.Wrap(err, "mmio: munmap")
}

// IRQStream turns the blocking interrupt reads of a UIO device fd into a
// channel. Each element is the interrupt count reported by the kernel;
// the channel closes when the fd reports an error or Stop is called.
type IRQStream struct {
	f    *os.File
	ch   chan uint32
	stop chan struct{}
}

// NewIRQStream starts the reader goroutine on the given device file.
func NewIRQStream(f *os.File) *IRQStream {
	s := &IRQStream{
		f:    f,
		ch:   make(chan uint32, 1),
		stop: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *IRQStream) run() {
	defer close(s.ch)
	var buf [4]byte
	for {
		// Re-enable the interrupt, then block until the next one.
		if _, err := s.f.Write([]byte{1, 0, 0, 0}); err != nil {
			return
		}
		n, err := s.f.Read(buf[:])
		if err != nil || n != 4 {
			return
		}
		count := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
		select {
		case s.ch <- count:
		case <-s.stop:
			return
		}
	}
}

// C returns the interrupt channel.
func (s *IRQStream) C() <-chan uint32 {
	return s.ch
}

// Stop tears the stream down. The underlying fd is closed to unblock the
// reader.
func (s *IRQStream) Stop() {
	close(s.stop)
	s.f.Close()
}
