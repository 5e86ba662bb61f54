package vmm

import (
	"fmt"

	"gent/kernel"
	"gent/kernel/kfmt"
	"gent/kernel/mm"
	"gent/kernel/mm/swap"
)

var (
	// ErrNotSwapped is returned when reloading a page that is resident.
	ErrNotSwapped = &kernel.Error{Module: "vmm", Message: "page is not swapped out"}

	// ErrSwapUnavailable is returned when no swap manager is configured.
	ErrSwapUnavailable = &kernel.Error{Module: "vmm", Message: "swap is not configured", Kind: kernel.KindMisuse}
)

// swapKey builds the swap table key for vaddr. Kernel pages are keyed by
// address only.
func swapKey(vaddr mm.VirtAddr, pid uint64) swap.Key {
	if vaddr.IsKernel() {
		return swap.Key{Addr: vaddr}
	}
	return swap.Key{Proc: pid, Addr: vaddr}
}

// Swap evicts the page containing vaddr if it is resident and reloads it if
// it is swapped out.
func (rt *RootTable) Swap(vaddr mm.VirtAddr, pid uint64) error {
	rt.Lock()
	defer rt.Unlock()

	pte, level, err := rt.GetEntry(vaddr)
	if err != nil {
		return err
	}
	if pte.IsSwapped() {
		return rt.swapInLocked(vaddr, pid, pte, level)
	}
	return rt.swapOutLocked(vaddr, pid, pte, level)
}

// SwapOut evicts the resident page containing vaddr to swap. The entry is
// invalidated before its contents are copied, and the frame is released
// afterwards if the entry carries the dealloc flag.
func (rt *RootTable) SwapOut(vaddr mm.VirtAddr, pid uint64) error {
	rt.Lock()
	defer rt.Unlock()

	pte, level, err := rt.GetEntry(vaddr)
	if err != nil {
		return err
	}
	return rt.swapOutLocked(vaddr, pid, pte, level)
}

// SwapIn reloads the evicted page containing vaddr into a fresh frame.
func (rt *RootTable) SwapIn(vaddr mm.VirtAddr, pid uint64) error {
	rt.Lock()
	defer rt.Unlock()

	pte, level, err := rt.GetEntry(vaddr)
	if err != nil {
		return err
	}
	return rt.swapInLocked(vaddr, pid, pte, level)
}

func (rt *RootTable) swapOutLocked(vaddr mm.VirtAddr, pid uint64, pte *PageTableEntry, level int) error {
	if rt.svc.Swap == nil {
		return ErrSwapUnavailable
	}

	size := mm.PageSizeFromLevel(level)
	pageAddr := vaddr.AlignDown(size.Bytes())
	key := swapKey(pageAddr, pid)

	if _, found := rt.svc.Swap.Lookup(key); found || pte.IsSwapped() {
		return fmt.Errorf("vmm: evict %s: %w", key, swap.ErrRecordExists)
	}
	if pte.Classify().Kind != EntryPage {
		return ErrNoMapping
	}

	// Stop new accesses before the contents are copied out.
	pte.ClearFlags(FlagValid)
	rt.svc.fence(pageAddr)

	restore := func(err error) error {
		pte.SetFlags(FlagValid)
		rt.svc.fence(pageAddr)
		return err
	}

	frame := pte.Frame()
	data, err := rt.svc.Mem.Slice(frame, size.Bytes())
	if err != nil {
		return restore(err)
	}

	loc, err := rt.svc.Swap.Place(size.Bytes())
	if err != nil {
		return restore(err)
	}

	if err = rt.svc.Swap.WritePage(loc, data); err == nil {
		err = rt.svc.Swap.Record(key, loc)
	}
	if err != nil {
		_ = rt.svc.Swap.Release(loc)
		return restore(err)
	}

	pte.SetFlags(FlagSwapped)
	if pte.HasFlags(FlagDealloc) {
		if err = rt.svc.Mem.FreeFrames(frame, size.Bytes()); err != nil {
			kfmt.Log("vmm").WithError(err).WithField("frame", frame).Warn("failed to release evicted frame")
		}
		pte.SetPPN(0)
	}
	rt.svc.fence(pageAddr)

	kfmt.Log("vmm").WithField("key", key).WithField("partition", loc.Partition).WithField("block", loc.Block).Debug("page evicted")
	return nil
}

func (rt *RootTable) swapInLocked(vaddr mm.VirtAddr, pid uint64, pte *PageTableEntry, level int) error {
	if rt.svc.Swap == nil {
		return ErrSwapUnavailable
	}
	if !pte.IsSwapped() {
		return ErrNotSwapped
	}

	size := mm.PageSizeFromLevel(level)
	pageAddr := vaddr.AlignDown(size.Bytes())
	key := swapKey(pageAddr, pid)

	loc, err := rt.svc.Swap.Take(key)
	if err != nil {
		return err
	}

	// Put the record back if the page cannot be reloaded so the swapped
	// flag and the swap tables keep agreeing.
	abort := func(err error) error {
		if rerr := rt.svc.Swap.Record(key, loc); rerr != nil {
			kfmt.Log("vmm").WithError(rerr).WithField("key", key).Error("lost swap record")
		}
		return err
	}

	frame, err := rt.svc.Mem.AllocFrames(size.Bytes())
	if err != nil {
		return abort(err)
	}

	buf, err := rt.svc.Mem.Slice(frame, size.Bytes())
	if err == nil {
		err = rt.svc.Swap.ReadPage(loc, buf)
	}
	if err != nil {
		_ = rt.svc.Mem.FreeFrames(frame, size.Bytes())
		return abort(err)
	}

	if err = rt.svc.Swap.Release(loc); err != nil {
		kfmt.Log("vmm").WithError(err).WithField("key", key).Warn("leaking swap blocks")
	}

	pte.ClearFlags(FlagSwapped)
	pte.SetFrame(frame)
	pte.SetFlags(FlagValid | FlagDealloc)
	rt.svc.fence(pageAddr)

	kfmt.Log("vmm").WithField("key", key).WithField("frame", frame).Debug("page reloaded")
	return nil
}
