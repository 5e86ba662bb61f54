// Package vmm manages multi-level RISC-V page tables.
package vmm

import (
	"errors"
	"fmt"

	"gent/kernel"
	"gent/kernel/kfmt"
	"gent/kernel/mm"
	"gent/kernel/mm/swap"
	"gent/kernel/sync"
)

var (
	// ErrInvalidSize is returned when the requested page size exceeds
	// what the paging mode supports.
	ErrInvalidSize = &kernel.Error{Module: "vmm", Message: "page size not supported by paging mode", Kind: kernel.KindMisuse}

	// ErrMisaligned is returned when an address is not aligned to the
	// requested page size.
	ErrMisaligned = &kernel.Error{Module: "vmm", Message: "address not aligned to page size", Kind: kernel.KindMisuse}

	// ErrNonCanonical is returned for virtual addresses that are not
	// sign-extended for the paging mode.
	ErrNonCanonical = &kernel.Error{Module: "vmm", Message: "non-canonical virtual address", Kind: kernel.KindMisuse}

	// ErrMappingExists is wrapped by MappingExistsError.
	ErrMappingExists = &kernel.Error{Module: "vmm", Message: "mapping already exists"}

	// ErrUnmapSizeMismatch is returned when a page is found at a level
	// other than the one requested.
	ErrUnmapSizeMismatch = &kernel.Error{Module: "vmm", Message: "unmapping size mismatch"}

	// ErrNoMapping is returned when the walk hits an invalid entry.
	ErrNoMapping = &kernel.Error{Module: "vmm", Message: "no mapping"}

	// ErrRecursiveUnmap is returned when unmapping would have to tear
	// down a populated page table.
	ErrRecursiveUnmap = &kernel.Error{Module: "vmm", Message: "unmapping a populated page table is not supported", Kind: kernel.KindMisuse}
)

// MappingExistsError is returned by Map when the target address is already
// covered by a mapping. It carries the conflicting entry.
type MappingExistsError struct {
	Addr  mm.VirtAddr
	Level int
	Entry PageTableEntry
}

// Error implements the error interface.
func (e *MappingExistsError) Error() string {
	return fmt.Sprintf("%s: %s at level %d (%s)", ErrMappingExists.Message, e.Addr, e.Level, e.Entry)
}

// Unwrap allows errors.Is(err, ErrMappingExists).
func (e *MappingExistsError) Unwrap() error {
	return ErrMappingExists
}

// Memory is the physical memory service used for page tables and frames.
type Memory interface {
	// Slice returns the bytes backing [pa, pa+n).
	Slice(pa mm.PhysAddr, n uintptr) ([]byte, error)

	// AllocFrames reserves size bytes of zeroed, naturally aligned
	// memory.
	AllocFrames(size uintptr) (mm.PhysAddr, error)

	// FreeFrames releases memory obtained from AllocFrames.
	FreeFrames(pa mm.PhysAddr, size uintptr) error
}

// Services are the collaborators shared by all root tables.
type Services struct {
	Mem  Memory
	Swap *swap.Manager

	// Fence invalidates cached translations for vaddr on every hart. A
	// nil Fence is a no-op.
	Fence func(vaddr mm.VirtAddr)
}

func (s *Services) fence(vaddr mm.VirtAddr) {
	if s.Fence != nil {
		s.Fence(vaddr)
	}
}

// RootTable is the top-level page table of an address space. All threads of
// a process share one RootTable by reference. A single spinlock serializes
// every walk that may mutate the tree.
type RootTable struct {
	sync.Spinlock

	root  mm.PhysAddr
	mode  Mode
	owner uint64
	svc   *Services
}

// NewRootTable allocates an empty root table for the process owner.
func NewRootTable(owner uint64, mode Mode, svc *Services) (*RootTable, error) {
	if mode.Levels() == 0 {
		return nil, ErrUnsupportedMode
	}

	root, err := svc.Mem.AllocFrames(mm.FrameSize)
	if err != nil {
		return nil, err
	}

	return &RootTable{root: root, mode: mode, owner: owner, svc: svc}, nil
}

// Addr returns the physical address of the root table.
func (rt *RootTable) Addr() mm.PhysAddr { return rt.root }

// Mode returns the paging mode of the table.
func (rt *RootTable) Mode() Mode { return rt.mode }

// Owner returns the id of the process owning the address space.
func (rt *RootTable) Owner() uint64 { return rt.owner }

// Satp returns the satp value that activates this table.
func (rt *RootTable) Satp() uint64 { return rt.mode.Satp(rt.root, 0) }

func (rt *RootTable) checkRequest(vaddr mm.VirtAddr, size mm.PageSize) error {
	if size > rt.mode.MaxPageSize() {
		return ErrInvalidSize
	}
	if !rt.mode.IsCanonical(vaddr) {
		return ErrNonCanonical
	}
	if !vaddr.IsAligned(size.Bytes()) {
		return ErrMisaligned
	}
	return nil
}

// Map installs a leaf mapping of the supplied size from vaddr to paddr.
// Missing intermediate tables are allocated on the way down. Existing
// mappings are never overwritten. Mapping PageSizeNone is a no-op.
func (rt *RootTable) Map(vaddr mm.VirtAddr, paddr mm.PhysAddr, perms Permissions, size mm.PageSize) error {
	if size == mm.PageSizeNone {
		return nil
	}
	if err := rt.checkRequest(vaddr, size); err != nil {
		return err
	}
	if !paddr.IsAligned(size.Bytes()) {
		return ErrMisaligned
	}

	flags, err := perms.flags()
	if err != nil {
		return err
	}

	rt.Lock()
	defer rt.Unlock()

	var walkErr error
	target := size.Level()
	err = rt.walk(vaddr, func(level int, pte *PageTableEntry) bool {
		entry := pte.Classify()

		// Evicted pages are still mappings even though they are
		// invalid as far as the MMU is concerned.
		if entry.Kind == EntryPage || pte.IsSwapped() || (level == target && entry.Kind == EntryTable) {
			walkErr = &MappingExistsError{Addr: vaddr, Level: level, Entry: *pte}
			return false
		}

		if level == target {
			*pte = flags | FlagValid
			pte.SetFrame(paddr)
			return false
		}

		// Next table does not yet exist; allocate a zeroed frame for
		// it and link it in.
		if entry.Kind == EntryInvalid {
			var tableAddr mm.PhysAddr
			if tableAddr, walkErr = rt.svc.Mem.AllocFrames(mm.FrameSize); walkErr != nil {
				return false
			}
			*pte = FlagValid
			pte.SetFrame(tableAddr)
		}
		return true
	})
	if err == nil {
		err = walkErr
	}
	if err != nil {
		return err
	}

	rt.svc.fence(vaddr)
	return nil
}

// Unmap removes the leaf mapping of the supplied size at vaddr. If the entry
// carries the dealloc flag its frame is released. Unmapping an evicted page
// discards its swap record and releases its swap blocks.
func (rt *RootTable) Unmap(vaddr mm.VirtAddr, size mm.PageSize) error {
	if size == mm.PageSizeNone {
		return nil
	}
	if err := rt.checkRequest(vaddr, size); err != nil {
		return err
	}

	rt.Lock()
	defer rt.Unlock()

	var walkErr error
	target := size.Level()
	err := rt.walk(vaddr, func(level int, pte *PageTableEntry) bool {
		entry := pte.Classify()

		if level != target {
			switch {
			case entry.Kind == EntryPage || pte.IsSwapped():
				walkErr = ErrUnmapSizeMismatch
			case entry.Kind == EntryInvalid:
				walkErr = ErrNoMapping
			}
			return walkErr == nil
		}

		switch {
		case entry.Kind == EntryTable:
			walkErr = ErrRecursiveUnmap
		case pte.IsSwapped():
			walkErr = rt.discardSwapped(vaddr)
		case entry.Kind == EntryInvalid:
			walkErr = ErrNoMapping
		case pte.HasFlags(FlagDealloc):
			walkErr = rt.svc.Mem.FreeFrames(pte.Frame(), size.Bytes())
		}

		if walkErr == nil {
			*pte = 0
		}
		return false
	})
	if err == nil {
		err = walkErr
	}
	if err != nil {
		return err
	}

	rt.svc.fence(vaddr)
	return nil
}

func (rt *RootTable) discardSwapped(vaddr mm.VirtAddr) error {
	key := swapKey(vaddr, rt.owner)
	loc, err := rt.svc.Swap.Take(key)
	if err != nil {
		return err
	}
	if err = rt.svc.Swap.Release(loc); err != nil {
		kfmt.Log("vmm").WithError(err).WithField("key", key).Warn("leaking swap blocks")
	}
	return nil
}

// GetEntry returns a handle to the first non-table entry on the path to
// vaddr together with its level. The caller must hold the root table lock
// for as long as the handle is used.
func (rt *RootTable) GetEntry(vaddr mm.VirtAddr) (*PageTableEntry, int, error) {
	if !rt.mode.IsCanonical(vaddr) {
		return nil, 0, ErrNonCanonical
	}

	var (
		found      *PageTableEntry
		foundLevel int
	)
	err := rt.walk(vaddr, func(level int, pte *PageTableEntry) bool {
		found, foundLevel = pte, level
		return pte.Classify().Kind == EntryTable
	})
	if err != nil {
		return nil, 0, err
	}
	return found, foundLevel, nil
}

// WithEntry runs fn on the entry returned by GetEntry while holding the
// root table lock. Structural changes must be followed by a fence, which
// WithEntry issues when fn returns true for changed.
func (rt *RootTable) WithEntry(vaddr mm.VirtAddr, fn func(pte *PageTableEntry, level int) (changed bool, err error)) error {
	rt.Lock()
	pte, level, err := rt.GetEntry(vaddr)
	if err != nil {
		rt.Unlock()
		return err
	}
	changed, err := fn(pte, level)
	rt.Unlock()

	if changed {
		rt.svc.fence(vaddr)
	}
	return err
}

// Read returns the classified entry for vaddr and the level it was found
// at without modifying the table.
func (rt *RootTable) Read(vaddr mm.VirtAddr) (Entry, int, error) {
	rt.Lock()
	defer rt.Unlock()

	pte, level, err := rt.GetEntry(vaddr)
	if err != nil {
		return Entry{}, 0, err
	}
	return pte.Classify(), level, nil
}

// Translate returns the physical address vaddr maps to.
func (rt *RootTable) Translate(vaddr mm.VirtAddr) (mm.PhysAddr, error) {
	entry, level, err := rt.Read(vaddr)
	if err != nil {
		return 0, err
	}
	if entry.Kind != EntryPage {
		return 0, ErrNoMapping
	}

	offset := uintptr(vaddr) & (mm.PageSizeFromLevel(level).Bytes() - 1)
	return entry.Frame().Add(offset), nil
}

// IsMappingExists returns true if err reports a conflicting mapping.
func IsMappingExists(err error) bool {
	return errors.Is(err, ErrMappingExists)
}
