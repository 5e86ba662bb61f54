package sim

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"gent/kernel/cpu"
	"gent/kernel/mm"
	"gent/kernel/mm/vmm"
	"gent/kernel/trap"
)

const satpPPNMask = 1<<44 - 1

var (
	pageFaultCause = map[mm.Access]uint64{
		mm.AccessLoad:  trap.ScauseLoadPageFault,
		mm.AccessStore: trap.ScauseStorePageFault,
		mm.AccessExec:  trap.ScauseInstrPageFault,
	}

	accessFaultCause = map[mm.Access]uint64{
		mm.AccessLoad:  trap.ScauseLoadAccess,
		mm.AccessStore: trap.ScauseStoreAccess,
		mm.AccessExec:  trap.ScauseInstrAccess,
	}

	misalignedCause = map[mm.Access]uint64{
		mm.AccessLoad:  trap.ScauseLoadMisaligned,
		mm.AccessStore: trap.ScauseStoreMisaligned,
		mm.AccessExec:  trap.ScauseInstrMisaligned,
	}
)

// tlbKey names a cached leaf by the base of the page it maps and its level.
type tlbKey struct {
	base  uint64
	level int
}

type tlbEntry struct {
	pte   vmm.PageTableEntry
	frame mm.PhysAddr
}

func (h *Hart) tlbLookup(vaddr uint64, levels int) (tlbEntry, uintptr, bool) {
	h.tlbMu.Lock()
	defer h.tlbMu.Unlock()

	for level := 1; level <= levels; level++ {
		size := uint64(mm.PageSizeFromLevel(level))
		if e, ok := h.tlb[tlbKey{vaddr &^ (size - 1), level}]; ok {
			return e, uintptr(vaddr & (size - 1)), true
		}
	}
	return tlbEntry{}, 0, false
}

func (h *Hart) tlbInsert(vaddr uint64, level int, e tlbEntry) {
	size := uint64(mm.PageSizeFromLevel(level))
	h.tlbMu.Lock()
	h.tlb[tlbKey{vaddr &^ (size - 1), level}] = e
	h.tlbMu.Unlock()
}

// Fence implements cpu.Hart. It drops every cached translation covering
// vaddr.
func (h *Hart) Fence(vaddr mm.VirtAddr) {
	h.tlbMu.Lock()
	defer h.tlbMu.Unlock()

	for level := 1; level <= mm.MaxLevels; level++ {
		size := uint64(mm.PageSizeFromLevel(level))
		delete(h.tlb, tlbKey{uint64(vaddr) &^ (size - 1), level})
	}
}

func (h *Hart) flushTLB() {
	h.tlbMu.Lock()
	clear(h.tlb)
	h.tlbMu.Unlock()
}

// TLBLen returns the number of cached translations.
func (h *Hart) TLBLen() int {
	h.tlbMu.Lock()
	defer h.tlbMu.Unlock()
	return len(h.tlb)
}

// permitted applies the leaf permission checks of the privileged spec for
// the current privilege mode.
func (h *Hart) permitted(pte vmm.PageTableEntry, access mm.Access) bool {
	if h.mode == cpu.User {
		if !pte.HasFlags(vmm.FlagUser) {
			return false
		}
	} else if pte.HasFlags(vmm.FlagUser) {
		if access == mm.AccessExec || h.sstatus&cpu.SstatusSUM == 0 {
			return false
		}
	}

	switch access {
	case mm.AccessLoad:
		return pte.IsRead() || (pte.IsExec() && h.sstatus&cpu.SstatusMXR != 0)
	case mm.AccessStore:
		return pte.IsWrite()
	default:
		return pte.IsExec()
	}
}

// translate resolves vaddr for the supplied access. Translation is the
// identity in Bare mode.
func (h *Hart) translate(vaddr uint64, access mm.Access) (mm.PhysAddr, bool) {
	mode, err := vmm.ModeFromSatp(h.satp)
	if err != nil {
		return 0, false
	}
	if mode == vmm.Bare {
		return mm.PhysAddr(vaddr), true
	}
	if !mode.IsCanonical(mm.VirtAddr(vaddr)) {
		return 0, false
	}

	if e, off, ok := h.tlbLookup(vaddr, mode.Levels()); ok && h.permitted(e.pte, access) {
		if access != mm.AccessStore || e.pte.HasFlags(vmm.FlagDirty) {
			return e.frame.Add(off), true
		}
	}

	return h.walk(mode, vaddr, access)
}

// walk performs a hardware page table walk and updates the accessed and
// dirty bits of the leaf.
func (h *Hart) walk(mode vmm.Mode, vaddr uint64, access mm.Access) (mm.PhysAddr, bool) {
	va := mm.VirtAddr(vaddr)
	tableAddr := mm.PhysAddrFromPPN(h.satp & satpPPNMask)

	for level := mode.Levels(); level > 0; level-- {
		slot, ok := h.pteSlot(tableAddr.Add(uintptr(va.VPN(level)) * 8))
		if !ok {
			return 0, false
		}

		pte := vmm.PageTableEntry(atomic.LoadUint64(slot))
		if !pte.HasFlags(vmm.FlagValid) || (pte.IsWrite() && !pte.IsRead()) {
			return 0, false
		}

		entry := pte.Classify()
		if entry.Kind == vmm.EntryTable {
			tableAddr = pte.Frame()
			continue
		}

		size := mm.PageSizeFromLevel(level)
		if !pte.Frame().IsAligned(size.Bytes()) || !h.permitted(pte, access) {
			return 0, false
		}

		want := vmm.FlagAccessed
		if access == mm.AccessStore {
			want |= vmm.FlagDirty
		}
		if !pte.HasFlags(want) {
			updated := pte | want
			if !atomic.CompareAndSwapUint64(slot, uint64(pte), uint64(updated)) {
				// The entry changed under us; start over.
				return h.walk(mode, vaddr, access)
			}
			pte = updated
		}

		off := uintptr(vaddr & (uint64(size) - 1))
		h.tlbInsert(vaddr, level, tlbEntry{pte: pte, frame: pte.Frame()})
		return pte.Frame().Add(off), true
	}
	return 0, false
}

func (h *Hart) pteSlot(pa mm.PhysAddr) (*uint64, bool) {
	buf, err := h.m.ram.Slice(pa, 8)
	if err != nil {
		return nil, false
	}
	return (*uint64)(unsafe.Pointer(&buf[0])), true
}

// access translates vaddr and returns the n bytes behind it. Faults are
// delivered to the trap handler and reported by returning false.
func (h *Hart) access(vaddr uint64, n uintptr, access mm.Access) ([]byte, bool) {
	if vaddr%uint64(n) != 0 {
		h.Trap(misalignedCause[access], vaddr)
		return nil, false
	}

	pa, ok := h.translate(vaddr, access)
	if !ok {
		h.stats.Faults++
		h.Trap(pageFaultCause[access], vaddr)
		return nil, false
	}

	buf, err := h.m.ram.Slice(pa, n)
	if err != nil {
		h.Trap(accessFaultCause[access], vaddr)
		return nil, false
	}
	return buf, true
}

// Load64 reads the doubleword at vaddr.
func (h *Hart) Load64(vaddr uint64) (uint64, bool) {
	buf, ok := h.access(vaddr, 8, mm.AccessLoad)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint64(buf), true
}

// Store64 writes the doubleword v to vaddr.
func (h *Hart) Store64(vaddr, v uint64) bool {
	buf, ok := h.access(vaddr, 8, mm.AccessStore)
	if !ok {
		return false
	}
	binary.LittleEndian.PutUint64(buf, v)
	return true
}

// Load8 reads the byte at vaddr.
func (h *Hart) Load8(vaddr uint64) (uint8, bool) {
	buf, ok := h.access(vaddr, 1, mm.AccessLoad)
	if !ok {
		return 0, false
	}
	return buf[0], true
}

// Store8 writes the byte v to vaddr.
func (h *Hart) Store8(vaddr uint64, v uint8) bool {
	buf, ok := h.access(vaddr, 1, mm.AccessStore)
	if !ok {
		return false
	}
	buf[0] = v
	return true
}
