// Package pmm owns the machine's physical memory and hands out frames.
package pmm

import (
	"sync/atomic"

	"gent/kernel"
	"gent/kernel/kfmt"
	"gent/kernel/mm"
)

var (
	// ErrOutOfRange is returned when a physical range falls outside RAM.
	ErrOutOfRange = &kernel.Error{Module: "pmm", Message: "physical range outside of RAM", Kind: kernel.KindMisuse}

	// ErrMisalignedRAM is returned when RAM base or size are not frame
	// aligned.
	ErrMisalignedRAM = &kernel.Error{Module: "pmm", Message: "RAM region must be frame aligned", Kind: kernel.KindMisuse}

	// ErrFixedAllocUnsupported is returned by ReserveFrames when the
	// frame allocator cannot place fixed ranges.
	ErrFixedAllocUnsupported = &kernel.Error{Module: "pmm", Message: "frame allocator does not support fixed reservations", Kind: kernel.KindMisuse}

	// mapRAMFn is used by tests to override the RAM backing store.
	mapRAMFn = mapRAM
)

// fixedAllocator is implemented by frame allocators that can reserve a
// specific range.
type fixedAllocator interface {
	AllocAt(addr, size uintptr) error
}

// Memory is the machine RAM located at a physical base address. Byte windows
// into RAM are only handed out once the direct map offset is established.
type Memory struct {
	base   mm.PhysAddr
	ram    []byte
	hhdm   *mm.HHDM
	frames mm.RangeAllocator
	unmap  func() error

	// allocated tracks the number of bytes handed out by AllocFrames.
	allocated atomic.Uintptr
}

// New reserves size bytes of RAM at base. Frames are drawn from the supplied
// allocator, which must cover physical addresses inside [base, base+size).
func New(base mm.PhysAddr, size uintptr, hhdm *mm.HHDM, frames mm.RangeAllocator) (*Memory, error) {
	if !base.IsAligned(mm.FrameSize) || size&(mm.FrameSize-1) != 0 || size == 0 {
		return nil, ErrMisalignedRAM
	}

	ram, unmap, err := mapRAMFn(size)
	if err != nil {
		return nil, err
	}

	kfmt.Log("pmm").WithField("base", base).WithField("size", mm.Size(size)).Debug("RAM mapped")

	return &Memory{
		base:   base,
		ram:    ram,
		hhdm:   hhdm,
		frames: frames,
		unmap:  unmap,
	}, nil
}

// Base returns the physical address of the first RAM byte.
func (m *Memory) Base() mm.PhysAddr { return m.base }

// Size returns the RAM size in bytes.
func (m *Memory) Size() uintptr { return uintptr(len(m.ram)) }

// HHDM returns the direct map used to reach RAM.
func (m *Memory) HHDM() *mm.HHDM { return m.hhdm }

// Contains returns true if [pa, pa+n) lies inside RAM.
func (m *Memory) Contains(pa mm.PhysAddr, n uintptr) bool {
	size := uintptr(len(m.ram))
	return pa >= m.base && n <= size && uintptr(pa-m.base) <= size-n
}

// Slice returns the RAM bytes backing [pa, pa+n).
func (m *Memory) Slice(pa mm.PhysAddr, n uintptr) ([]byte, error) {
	if !m.hhdm.Established() {
		return nil, mm.ErrHHDMNotEstablished
	}
	if !m.Contains(pa, n) {
		return nil, ErrOutOfRange
	}

	off := uintptr(pa - m.base)
	return m.ram[off : off+n : off+n], nil
}

// SliceVirt returns the RAM bytes backing [va, va+n) where va is a direct
// map address.
func (m *Memory) SliceVirt(va mm.VirtAddr, n uintptr) ([]byte, error) {
	pa, err := m.hhdm.ToPhys(va)
	if err != nil {
		return nil, err
	}
	return m.Slice(pa, n)
}

// AllocFrames reserves size bytes of physically contiguous, zeroed memory.
func (m *Memory) AllocFrames(size uintptr) (mm.PhysAddr, error) {
	addr, err := m.frames.Alloc(size, mm.NextFit)
	if err != nil {
		return 0, err
	}

	pa := mm.PhysAddr(addr)
	buf, err := m.Slice(pa, size)
	if err != nil {
		_ = m.frames.Free(addr, size)
		return 0, err
	}
	kernel.Memset(buf, 0)

	m.allocated.Add(size)
	return pa, nil
}

// ReserveFrames claims the specific physical range [pa, pa+size) so it can
// later be released with FreeFrames. The range is not cleared.
func (m *Memory) ReserveFrames(pa mm.PhysAddr, size uintptr) error {
	at, ok := m.frames.(fixedAllocator)
	if !ok {
		return ErrFixedAllocUnsupported
	}
	if !m.Contains(pa, size) {
		return ErrOutOfRange
	}
	if err := at.AllocAt(uintptr(pa), size); err != nil {
		return err
	}

	m.allocated.Add(size)
	return nil
}

// FreeFrames releases memory obtained from AllocFrames.
func (m *Memory) FreeFrames(pa mm.PhysAddr, size uintptr) error {
	if err := m.frames.Free(uintptr(pa), size); err != nil {
		return err
	}
	m.allocated.Add(^(size - 1))
	return nil
}

// Allocated returns the number of bytes currently held by AllocFrames
// callers.
func (m *Memory) Allocated() uintptr {
	return m.allocated.Load()
}

// Close releases the RAM backing store.
func (m *Memory) Close() error {
	m.ram = nil
	if m.unmap == nil {
		return nil
	}
	return m.unmap()
}
