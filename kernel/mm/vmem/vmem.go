// Package vmem implements a range allocator in the spirit of the vmem
// resource allocator. Arenas hand out contiguous ranges of integers (physical
// addresses, virtual addresses, thread ids) in multiples of a quantum.
package vmem

import (
	"math/bits"
	"sync"

	"github.com/google/btree"

	"gent/kernel"
	"gent/kernel/mm"
)

var (
	// ErrExhausted is returned when no free segment can satisfy a request.
	ErrExhausted = &kernel.Error{Module: "vmem", Message: "arena exhausted", Kind: kernel.KindExhausted}

	// ErrZeroSize is returned for zero-sized requests.
	ErrZeroSize = &kernel.Error{Module: "vmem", Message: "zero-sized range requested", Kind: kernel.KindMisuse}

	// ErrBadFree is returned when a freed range does not match an
	// outstanding allocation.
	ErrBadFree = &kernel.Error{Module: "vmem", Message: "freed range was not allocated", Kind: kernel.KindInvariant}

	// ErrSpanOverlap is returned when an added span overlaps a free or
	// allocated range of the arena.
	ErrSpanOverlap = &kernel.Error{Module: "vmem", Message: "span overlaps an existing span", Kind: kernel.KindMisuse}
)

// btreeDegree is the B-tree fan-out used for the free segment index.
const btreeDegree = 8

// segment is a free range [base, base+size).
type segment struct {
	base, size uintptr
}

func (s segment) end() uintptr { return s.base + s.size }

func segmentLess(a, b segment) bool { return a.base < b.base }

// Arena is a range allocator. All methods are safe for concurrent use.
type Arena struct {
	name    string
	quantum uintptr
	source  *Arena

	mu        sync.Mutex
	free      *btree.BTreeG[segment]
	allocated map[uintptr]uintptr
	cursor    uintptr
	total     uintptr
	inUse     uintptr
}

// New creates an empty arena. Every allocation is rounded up to a multiple of
// quantum. If source is not nil, the arena imports spans from it whenever it
// runs out of free space.
func New(name string, quantum uintptr, source *Arena) *Arena {
	if quantum == 0 {
		quantum = 1
	}
	return &Arena{
		name:      name,
		quantum:   quantum,
		source:    source,
		free:      btree.NewG[segment](btreeDegree, segmentLess),
		allocated: make(map[uintptr]uintptr),
	}
}

// Name returns the arena name.
func (a *Arena) Name() string { return a.name }

// Quantum returns the allocation granularity.
func (a *Arena) Quantum() uintptr { return a.quantum }

// Add donates the span [base, base+size) to the arena.
func (a *Arena) Add(base, size uintptr) error {
	size = a.roundUp(size)
	if size == 0 {
		return ErrZeroSize
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	overlaps := false
	a.free.DescendLessOrEqual(segment{base: base + size - 1}, func(s segment) bool {
		overlaps = s.end() > base
		return false
	})
	for allocBase, allocSize := range a.allocated {
		if allocBase < base+size && base < allocBase+allocSize {
			overlaps = true
			break
		}
	}
	if overlaps {
		return ErrSpanOverlap
	}

	a.total += size
	a.insertFree(segment{base, size})
	return nil
}

// Alloc implements mm.RangeAllocator. Requests whose rounded size is a power
// of two are naturally aligned so that huge pages land on huge-page
// boundaries.
func (a *Arena) Alloc(size uintptr, strategy mm.Strategy) (uintptr, error) {
	size = a.roundUp(size)
	if size == 0 {
		return 0, ErrZeroSize
	}

	align := a.quantum
	if bits.OnesCount64(uint64(size)) == 1 && size > align {
		align = size
	}

	for {
		a.mu.Lock()
		addr, ok := a.allocLocked(size, align, strategy)
		a.mu.Unlock()
		if ok {
			return addr, nil
		}

		if a.source == nil {
			return 0, ErrExhausted
		}

		// Import enough to satisfy an aligned request from the parent
		// arena and retry.
		importSize := size + align - a.quantum
		spanBase, err := a.source.Alloc(importSize, strategy)
		if err != nil {
			return 0, err
		}
		if err = a.Add(spanBase, importSize); err != nil {
			return 0, err
		}
	}
}

// AllocAt reserves the specific range [addr, addr+size). The range must lie
// entirely inside a single free segment.
func (a *Arena) AllocAt(addr, size uintptr) error {
	size = a.roundUp(size)
	if size == 0 {
		return ErrZeroSize
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		picked segment
		found  bool
	)
	a.free.DescendLessOrEqual(segment{base: addr}, func(s segment) bool {
		picked, found = s, addr+size <= s.end()
		return false
	})
	if !found {
		return ErrExhausted
	}

	a.free.Delete(picked)
	if addr > picked.base {
		a.free.ReplaceOrInsert(segment{picked.base, addr - picked.base})
	}
	if tail := picked.end() - (addr + size); tail > 0 {
		a.free.ReplaceOrInsert(segment{addr + size, tail})
	}

	a.allocated[addr] = size
	a.inUse += size
	return nil
}

// Free implements mm.RangeAllocator.
func (a *Arena) Free(addr, size uintptr) error {
	size = a.roundUp(size)

	a.mu.Lock()
	defer a.mu.Unlock()

	if allocSize, ok := a.allocated[addr]; !ok || allocSize != size {
		return ErrBadFree
	}

	delete(a.allocated, addr)
	a.inUse -= size
	a.insertFree(segment{addr, size})
	return nil
}

// FreeBytes returns the amount of free space currently held by the arena.
func (a *Arena) FreeBytes() uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total - a.inUse
}

// InUse returns the amount of allocated space.
func (a *Arena) InUse() uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// Total returns the size of all spans added to (or imported by) the arena.
func (a *Arena) Total() uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

func (a *Arena) roundUp(size uintptr) uintptr {
	return (size + a.quantum - 1) / a.quantum * a.quantum
}

// allocLocked carves an aligned range out of the segment picked by strategy.
func (a *Arena) allocLocked(size, align uintptr, strategy mm.Strategy) (uintptr, bool) {
	var (
		picked segment
		start  uintptr
		found  bool
	)

	fits := func(s segment) (uintptr, bool) {
		aligned := (s.base + align - 1) &^ (align - 1)
		return aligned, aligned >= s.base && aligned+size <= s.end()
	}

	switch strategy {
	case mm.BestFit:
		a.free.Ascend(func(s segment) bool {
			if at, ok := fits(s); ok && (!found || s.size < picked.size) {
				picked, start, found = s, at, true
			}
			return true
		})
	case mm.InstantFit:
		a.free.Ascend(func(s segment) bool {
			picked, found = s, false
			start, found = fits(s)
			return !found
		})
	default:
		visit := func(s segment) bool {
			picked = s
			start, found = fits(s)
			return !found
		}
		a.free.AscendGreaterOrEqual(segment{base: a.cursor}, visit)
		if !found {
			a.free.AscendLessThan(segment{base: a.cursor}, visit)
		}
	}

	if !found {
		return 0, false
	}

	a.free.Delete(picked)
	if start > picked.base {
		a.free.ReplaceOrInsert(segment{picked.base, start - picked.base})
	}
	if tail := picked.end() - (start + size); tail > 0 {
		a.free.ReplaceOrInsert(segment{start + size, tail})
	}

	a.allocated[start] = size
	a.inUse += size
	a.cursor = start + size
	return start, true
}

// insertFree adds s to the free index, coalescing with adjacent segments.
func (a *Arena) insertFree(s segment) {
	var prev, next segment
	var hasPrev, hasNext bool

	a.free.DescendLessOrEqual(segment{base: s.base}, func(p segment) bool {
		prev, hasPrev = p, p.end() == s.base
		return false
	})
	a.free.AscendGreaterOrEqual(segment{base: s.base}, func(n segment) bool {
		next, hasNext = n, n.base == s.end()
		return false
	})

	if hasPrev {
		a.free.Delete(prev)
		s = segment{prev.base, prev.size + s.size}
	}
	if hasNext {
		a.free.Delete(next)
		s.size += next.size
	}
	a.free.ReplaceOrInsert(s)
}
