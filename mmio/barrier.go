package mmio

import "sync/atomic"

// barrierDummy is used for atomic operations that provide memory barrier
// semantics. On x86-64, atomic.AddInt64 compiles to LOCK XADD which has
// full fence semantics.
var barrierDummy int64

// Wmb issues a store fence. Every TCB/slot write must be visible before
// the doorbell write that publishes it.
func Wmb() {
	atomic.AddInt64(&barrierDummy, 0)
}

// Rmb issues a load fence. The phase bit of a completion entry must be
// read before the rest of the entry.
func Rmb() {
	atomic.AddInt64(&barrierDummy, 0)
}

// Mb issues a full memory fence.
func Mb() {
	atomic.AddInt64(&barrierDummy, 0)
}
