// Package sync provides synchronization primitive implementations for
// spinlocks used by the kernel core.
package sync

import (
	"runtime"
	"sync/atomic"
)

var (
	// yieldFn is invoked after attemptsBeforeYielding failed acquisition
	// attempts. On the simulated machine harts are goroutines so yielding
	// to the Go scheduler lets the lock holder make progress.
	yieldFn = runtime.Gosched
)

// attemptsBeforeYielding is the number of busy-wait iterations performed
// before the spinning task yields.
const attemptsBeforeYielding = 64

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. It is safe to take from trap context.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempt := uint32(1); ; attempt++ {
		if atomic.LoadUint32(&l.state) == 0 && atomic.CompareAndSwapUint32(&l.state, 0, 1) {
			return
		}

		if attempt%attemptsBeforeYielding == 0 {
			yieldFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// Lock implements sync.Locker.
func (l *Spinlock) Lock() { l.Acquire() }

// Unlock implements sync.Locker.
func (l *Spinlock) Unlock() { l.Release() }
