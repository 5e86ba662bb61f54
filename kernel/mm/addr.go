package mm

import "fmt"

// PhysAddr is an address in the physical address space. It is never
// dereferenced directly; use an HHDM to obtain the virtual alias.
type PhysAddr uintptr

// Add returns the physical address offset bytes past pa.
func (pa PhysAddr) Add(offset uintptr) PhysAddr {
	return pa + PhysAddr(offset)
}

// PPN returns the physical page number that contains pa.
func (pa PhysAddr) PPN() uint64 {
	return uint64(pa) >> PageShift
}

// IsAligned returns true if pa is a multiple of align. The alignment must be
// a power of 2.
func (pa PhysAddr) IsAligned(align uintptr) bool {
	return uintptr(pa)&(align-1) == 0
}

// String implements fmt.Stringer.
func (pa PhysAddr) String() string {
	return fmt.Sprintf("P:0x%x", uintptr(pa))
}

// PhysAddrFromPPN returns the physical address of the first byte in the
// supplied physical page.
func PhysAddrFromPPN(ppn uint64) PhysAddr {
	return PhysAddr(ppn << PageShift)
}

// VirtAddr is an address in a virtual address space.
type VirtAddr uintptr

// Add returns the virtual address offset bytes past va.
func (va VirtAddr) Add(offset uintptr) VirtAddr {
	return va + VirtAddr(offset)
}

// VPN returns the page table index for the supplied level. Level 1 selects
// the last (kilopage) table and each following level selects the next
// coarser one. Levels outside [1, MaxLevels] are a programming error.
func (va VirtAddr) VPN(level int) int {
	if level < 1 || level > MaxLevels {
		panic(fmt.Sprintf("mm: page table level %d out of range", level))
	}

	shift := PageShift + uintptr(level-1)*VPNBits
	return int((uintptr(va) >> shift) & (EntriesPerTable - 1))
}

// PageOffset returns the offset of va within its kilopage.
func (va VirtAddr) PageOffset() uintptr {
	return uintptr(va) & (FrameSize - 1)
}

// AlignDown rounds va down to the nearest multiple of align. The alignment
// must be a power of 2.
func (va VirtAddr) AlignDown(align uintptr) VirtAddr {
	return VirtAddr(uintptr(va) &^ (align - 1))
}

// IsAligned returns true if va is a multiple of align.
func (va VirtAddr) IsAligned(align uintptr) bool {
	return uintptr(va)&(align-1) == 0
}

// IsKernel returns true for higher-half (kernel) addresses, i.e. when the
// most significant bit is set.
func (va VirtAddr) IsKernel() bool {
	return uintptr(va)>>63 == 1
}

// String implements fmt.Stringer.
func (va VirtAddr) String() string {
	return fmt.Sprintf("V:0x%x", uintptr(va))
}
