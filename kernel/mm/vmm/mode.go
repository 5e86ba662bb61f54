package vmm

import (
	"fmt"

	"gent/kernel"
	"gent/kernel/mm"
)

// ErrUnsupportedMode is returned for paging modes the kernel cannot use.
var ErrUnsupportedMode = &kernel.Error{Module: "vmm", Message: "unsupported paging mode", Kind: kernel.KindMisuse}

// Mode is a RISC-V paging mode. Its value is the satp MODE field encoding.
type Mode uint8

// The paging modes. Sv64 is defined by the privileged spec but has no
// implementation.
const (
	Bare Mode = 0
	Sv39 Mode = 8
	Sv48 Mode = 9
	Sv57 Mode = 10
	Sv64 Mode = 11
)

// ModeFromName parses a paging mode name ("sv39", "sv48", "sv57", "bare").
func ModeFromName(name string) (Mode, error) {
	for _, m := range []Mode{Bare, Sv39, Sv48, Sv57} {
		if m.String() == name {
			return m, nil
		}
	}
	return Bare, fmt.Errorf("%q: %w", name, ErrUnsupportedMode)
}

// ModeFromSatp decodes the MODE field of a satp value.
func ModeFromSatp(satp uint64) (Mode, error) {
	switch m := Mode(satp >> 60); m {
	case Bare, Sv39, Sv48, Sv57:
		return m, nil
	default:
		return Bare, ErrUnsupportedMode
	}
}

// Levels returns the number of page table levels walked by the mode.
func (m Mode) Levels() int {
	switch m {
	case Sv39:
		return 3
	case Sv48:
		return 4
	case Sv57:
		return 5
	default:
		return 0
	}
}

// MaxPageSize returns the largest leaf page the mode can map.
func (m Mode) MaxPageSize() mm.PageSize {
	return mm.PageSizeFromLevel(m.Levels())
}

// VABits returns the number of significant virtual address bits.
func (m Mode) VABits() uint {
	if m.Levels() == 0 {
		return 64
	}
	return uint(mm.PageShift) + uint(m.Levels())*uint(mm.VPNBits)
}

// HigherHalf returns the first address of the upper (kernel) half of the
// address space.
func (m Mode) HigherHalf() mm.VirtAddr {
	if m.Levels() == 0 {
		return mm.VirtAddr(1 << 63)
	}
	return mm.VirtAddr(^uintptr(0) << (m.VABits() - 1))
}

// Canonical sign-extends va from the top significant bit of the mode.
func (m Mode) Canonical(va mm.VirtAddr) mm.VirtAddr {
	if m.Levels() == 0 {
		return va
	}
	shift := 64 - m.VABits()
	return mm.VirtAddr(uintptr(int64(uint64(va)<<shift) >> shift))
}

// IsCanonical returns true if va is a valid address in this mode.
func (m Mode) IsCanonical(va mm.VirtAddr) bool {
	return m.Canonical(va) == va
}

// Satp encodes a satp value selecting this mode and the root table at pa.
func (m Mode) Satp(root mm.PhysAddr, asid uint16) uint64 {
	return uint64(m)<<60 | uint64(asid)<<44 | root.PPN()
}

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case Bare:
		return "bare"
	case Sv39:
		return "sv39"
	case Sv48:
		return "sv48"
	case Sv57:
		return "sv57"
	case Sv64:
		return "sv64"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}
