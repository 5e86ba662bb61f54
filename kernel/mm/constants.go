package mm

import "fmt"

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uint64)). Page table
	// entries are (1 << PointerShift) bytes wide.
	PointerShift = uintptr(3)

	// PageShift is equal to log2(FrameSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// FrameSize defines the size in bytes of a physical frame and of the
	// smallest page (a kilopage).
	FrameSize = uintptr(1 << PageShift)

	// VPNBits is the width of each virtual page number field. Every page
	// table therefore holds 1 << VPNBits entries.
	VPNBits = uintptr(9)

	// EntriesPerTable is the number of entries in a single page table.
	EntriesPerTable = 1 << VPNBits

	// MaxLevels is the depth of the deepest supported paging mode (Sv57).
	MaxLevels = 5
)

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// String implements fmt.Stringer using the largest unit that divides the
// size exactly.
func (s Size) String() string {
	switch {
	case s >= Gb && s%Gb == 0:
		return fmt.Sprintf("%dGiB", s/Gb)
	case s >= Mb && s%Mb == 0:
		return fmt.Sprintf("%dMiB", s/Mb)
	case s >= Kb && s%Kb == 0:
		return fmt.Sprintf("%dKiB", s/Kb)
	default:
		return fmt.Sprintf("%dB", uint64(s))
	}
}
