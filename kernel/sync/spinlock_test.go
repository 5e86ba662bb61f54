package sync

import (
	"sync"
	"testing"
	"time"
)

func TestSpinlock(t *testing.T) {
	var (
		sl         Spinlock
		wg         sync.WaitGroup
		numWorkers = 10
		counter    int
	)

	sl.Acquire()

	if sl.TryToAcquire() != false {
		t.Error("expected TryToAcquire to return false when lock is held")
	}

	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				sl.Lock()
				counter++
				sl.Unlock()
			}
		}(i)
	}

	<-time.After(50 * time.Millisecond)
	sl.Release()
	wg.Wait()

	if exp := numWorkers * 100; counter != exp {
		t.Fatalf("expected counter to be %d; got %d", exp, counter)
	}
}

func TestSpinlockYields(t *testing.T) {
	defer func(origYieldFn func()) { yieldFn = origYieldFn }(yieldFn)

	var (
		sl         Spinlock
		yieldCount int
	)

	sl.Acquire()
	yieldFn = func() {
		yieldCount++
		if yieldCount == 3 {
			sl.Release()
		}
	}

	sl.Acquire()
	if yieldCount != 3 {
		t.Fatalf("expected Acquire to yield 3 times before getting the lock; got %d", yieldCount)
	}
}
