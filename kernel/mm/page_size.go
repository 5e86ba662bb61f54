package mm

import (
	"fmt"

	"gent/kernel"
)

// PageSize enumerates the supported page granularities. The values are the
// page sizes in bytes so PageSizes compare in size order.
type PageSize uintptr

// The supported page sizes.
const (
	PageSizeNone PageSize = 0
	Kilopage     PageSize = 0x1000
	Megapage     PageSize = 0x20_0000
	Gigapage     PageSize = 0x4000_0000
	Terapage     PageSize = 0x80_0000_0000
	Petapage     PageSize = 0x1_0000_0000_0000
)

var (
	// ErrUnknownPageSize is returned when a byte count does not correspond
	// to any supported page size.
	ErrUnknownPageSize = &kernel.Error{Module: "mm", Message: "unknown page size", Kind: kernel.KindMisuse}

	pageSizeByLevel = [MaxLevels + 1]PageSize{PageSizeNone, Kilopage, Megapage, Gigapage, Terapage, Petapage}
)

// Level returns the page table level at which a leaf entry maps a page of
// this size. PageSizeNone has level 0.
func (s PageSize) Level() int {
	for level, size := range pageSizeByLevel {
		if size == s {
			return level
		}
	}
	panic(fmt.Sprintf("mm: invalid page size 0x%x", uintptr(s)))
}

// Bytes returns the page size in bytes.
func (s PageSize) Bytes() uintptr {
	return uintptr(s)
}

// String implements fmt.Stringer.
func (s PageSize) String() string {
	switch s {
	case PageSizeNone:
		return "none"
	case Kilopage:
		return "4KiB"
	case Megapage:
		return "2MiB"
	case Gigapage:
		return "1GiB"
	case Terapage:
		return "512GiB"
	case Petapage:
		return "256TiB"
	default:
		return fmt.Sprintf("PageSize(0x%x)", uintptr(s))
	}
}

// PageSizeFromLevel returns the page size mapped by a leaf at level.
func PageSizeFromLevel(level int) PageSize {
	if level < 0 || level > MaxLevels {
		panic(fmt.Sprintf("mm: invalid page level %d", level))
	}
	return pageSizeByLevel[level]
}

// PageSizeFromSize returns the page size that exactly matches size bytes.
func PageSizeFromSize(size uintptr) (PageSize, error) {
	for _, ps := range pageSizeByLevel {
		if uintptr(ps) == size {
			return ps, nil
		}
	}
	return PageSizeNone, ErrUnknownPageSize
}

// PageSizeCeil returns the smallest page size that can hold size bytes.
func PageSizeCeil(size uintptr) (PageSize, error) {
	if size == 0 {
		return PageSizeNone, nil
	}
	for _, ps := range pageSizeByLevel[1:] {
		if size <= uintptr(ps) {
			return ps, nil
		}
	}
	return PageSizeNone, ErrUnknownPageSize
}
