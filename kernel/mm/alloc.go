package mm

// Strategy selects how a RangeAllocator places a request inside its free
// segments.
type Strategy uint8

const (
	// NextFit continues scanning from where the previous allocation ended.
	NextFit Strategy = iota

	// BestFit picks the smallest free segment that satisfies the request.
	BestFit

	// InstantFit picks the first free segment that satisfies the request.
	InstantFit
)

// String implements fmt.Stringer.
func (s Strategy) String() string {
	switch s {
	case NextFit:
		return "next-fit"
	case BestFit:
		return "best-fit"
	case InstantFit:
		return "instant-fit"
	default:
		return "unknown"
	}
}

// RangeAllocator hands out contiguous integer ranges (physical frames,
// virtual address ranges, thread ids, disk blocks). The kernel core only
// ever talks to allocators through this interface.
type RangeAllocator interface {
	// Alloc reserves size units and returns the start of the range.
	Alloc(size uintptr, strategy Strategy) (uintptr, error)

	// Free releases a range previously returned by Alloc.
	Free(addr, size uintptr) error
}
