package rnvme

import "time"

// Public queue/transfer geometry. The controller's tag layout is fixed:
// one admin queue, one I/O queue, tags unique across both.
const (
	AdminQueueDepth = 32
	IOQueueDepth    = 64
	BlockSize       = 4096
	MaxTransferSize = 4096 * 1024
)

// Default timeouts and budgets. All overridable through Options.
const (
	// DefaultIOTimeout is the per-command deadline on the I/O queue
	// before the escalation ladder starts.
	DefaultIOTimeout = 30 * time.Second

	// DefaultAdminTimeout covers admin commands, which the firmware can
	// stall on for much longer than data-path traffic.
	DefaultAdminTimeout = 60 * time.Second

	// DefaultBootTimeout bounds the coprocessor handshake. The firmware
	// either answers the wakeup within a second or never will.
	DefaultBootTimeout = 1 * time.Second

	// DefaultAbortLimit bounds concurrently outstanding abort commands.
	// A slot is refunded when its abort completes.
	DefaultAbortLimit = 8
)

// Firmware-ready polling. After the coprocessor channel reports running,
// the NVMe personality still takes a moment to post its boot magic.
const (
	firmwareReadyTimeout = 10 * time.Second
	firmwareReadyPoll    = 100 * time.Microsecond
)

// Controller enable/disable polling.
const (
	readyPoll       = 100 * time.Millisecond
	shutdownTimeout = 5 * time.Second
)
