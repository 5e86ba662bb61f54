package vmm

import "gent/kernel/mm"

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(level int, pte *PageTableEntry) bool

// walk performs a page table walk for the given virtual address. It calls the
// supplied walkFn with the page table entry that corresponds to each page
// table level, starting at the root. The walk descends only through Table
// entries and is bounded by the number of levels of the paging mode.
func (rt *RootTable) walk(vaddr mm.VirtAddr, walkFn pageTableWalker) error {
	tableAddr := rt.root
	for level := rt.mode.Levels(); level > 0; level-- {
		table, err := TableAt(rt.svc.Mem, tableAddr)
		if err != nil {
			return err
		}

		pte := &table[vaddr.VPN(level)]
		if !walkFn(level, pte) {
			return nil
		}

		if pte.Classify().Kind != EntryTable {
			return nil
		}
		tableAddr = pte.Frame()
	}
	return nil
}

// LeafVisitor is invoked by Walk for every leaf mapping. Returning false
// stops the enumeration.
type LeafVisitor func(vaddr mm.VirtAddr, pte PageTableEntry, size mm.PageSize) bool

// Walk enumerates every leaf mapping and every evicted page in ascending
// virtual address order. The root table lock is held for the duration of the
// walk so visitors must not call back into the root table.
func (rt *RootTable) Walk(visit LeafVisitor) error {
	rt.Lock()
	defer rt.Unlock()

	_, err := rt.walkTable(rt.root, rt.mode.Levels(), 0, visit)
	return err
}

func (rt *RootTable) walkTable(tableAddr mm.PhysAddr, level int, base uintptr, visit LeafVisitor) (bool, error) {
	table, err := TableAt(rt.svc.Mem, tableAddr)
	if err != nil {
		return false, err
	}

	size := mm.PageSizeFromLevel(level)
	for index, pte := range table {
		vaddr := rt.mode.Canonical(mm.VirtAddr(base + uintptr(index)*size.Bytes()))

		switch pte.Classify().Kind {
		case EntryTable:
			if level == 1 {
				continue
			}
			cont, err := rt.walkTable(pte.Frame(), level-1, uintptr(vaddr), visit)
			if err != nil || !cont {
				return cont, err
			}
		case EntryPage:
			if !visit(vaddr, pte, size) {
				return false, nil
			}
		default:
			if pte.IsSwapped() && !visit(vaddr, pte, size) {
				return false, nil
			}
		}
	}
	return true, nil
}
