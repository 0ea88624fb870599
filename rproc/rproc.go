// Package rproc implements the host side of the message protocol spoken
// by the storage coprocessor. The coprocessor multiplexes up to 256
// endpoints over a single mailbox; endpoint 0 carries the management
// handshake and endpoints 1-4 carry system services (crash dumps,
// syslog, debug, io reporting). Application endpoints start at 0x20 and
// belong to the driver sitting on top of this package.
//
// A Channel owns the handshake state machine. Callers feed inbound
// mailbox messages through Deliver and the channel answers on the
// Transport it was built with. Boot kicks the coprocessor and WaitBoot
// blocks until the firmware reports its endpoints initialized.
package rproc

import (
	"github.com/pkg/errors"

	"github.com/behrlich/go-rnvme/dma"
)

// Message is one mailbox transfer: a 64-bit payload routed to an
// endpoint. The payload layout depends on the endpoint.
type Message struct {
	Endpoint uint8
	Payload  uint64
}

// Transport carries outbound messages to the coprocessor. Send may be
// called from the delivery goroutine and from callers of Send/Start, so
// implementations must tolerate concurrent use.
type Transport interface {
	Send(Message) error
}

// Ops receives messages addressed to application endpoints (>= 0x20).
type Ops interface {
	RecvMessage(ep uint8, payload uint64)
}

// ShmemAllocator grants shared memory to the firmware when it asks for
// a host-owned buffer. Buffers are returned on Shutdown.
type ShmemAllocator interface {
	ShmemAlloc(size int) (dma.Buffer, error)
	ShmemFree(buf dma.Buffer)
}

// ShmemMapper resolves a device-owned buffer address into host-visible
// bytes. Channels built without a mapper abort the boot when the
// firmware offers a carveout buffer instead of requesting one.
type ShmemMapper interface {
	MapShmem(addr uint64, size int) ([]byte, error)
}

// State is the lifecycle of a Channel.
type State int32

const (
	StateInit State = iota
	StateBooting
	StateRunning
	StateBootFailed
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateBooting:
		return "booting"
	case StateRunning:
		return "running"
	case StateBootFailed:
		return "boot-failed"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

var (
	// ErrUnsupportedFirmware is the boot result when the firmware's
	// advertised protocol window does not overlap ours.
	ErrUnsupportedFirmware = errors.New("rproc: unsupported firmware protocol version")
	// ErrBootFailed is the generic boot result when the firmware
	// aborted the handshake for a non-version reason.
	ErrBootFailed = errors.New("rproc: coprocessor boot failed")
	// ErrNotRunning is returned for application endpoint traffic
	// before the handshake completes.
	ErrNotRunning = errors.New("rproc: coprocessor not running")
	// ErrUnknownEndpoint is returned when starting an endpoint the
	// firmware never advertised.
	ErrUnknownEndpoint = errors.New("rproc: endpoint not advertised")
	// ErrInvalidState is returned by WaitBoot after a shutdown.
	ErrInvalidState = errors.New("rproc: invalid channel state")
)
