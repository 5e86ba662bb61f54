package vmm

import (
	"io"

	"gent/kernel"
	"gent/kernel/kfmt"
	"gent/kernel/mm"
)

var (
	// ErrUnrecoverableFault is raised for faults on pages that are
	// neither resident nor swapped out.
	ErrUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "unrecoverable page fault"}

	// ErrPermissionMismatch is raised when the entry permissions
	// contradict the trapped access kind.
	ErrPermissionMismatch = &kernel.Error{Module: "vmm", Message: "page permissions do not match fault kind"}
)

// RegisterDumper prints a saved register frame.
type RegisterDumper interface {
	DumpTo(w io.Writer)
}

// HandlePageFault resolves a fault of the supplied kind at faultAddr inside
// the address space of process pid. Evicted pages are swapped back in. A
// resident entry that already allows the access was resolved by another hart
// after the trap was taken; its stale translation is fenced and the faulting
// instruction retries. Any other fault is unrecoverable and panics after
// printing diagnostics.
func HandlePageFault(rt *RootTable, kind mm.Access, faultAddr mm.VirtAddr, pid uint64, regs RegisterDumper) {
	var (
		cause    error
		done     bool
		resolved bool
	)

	rt.Lock()
	pte, level, err := rt.GetEntry(faultAddr)
	switch {
	case err != nil:
		cause = err
	case pte.Classify().Kind == EntryInvalid && !pte.IsSwapped():
		cause = ErrUnrecoverableFault
	case !pte.Allows(kind):
		// Metadata and trap classification disagree. Never consult
		// swap in this case.
		cause = ErrPermissionMismatch
	case pte.IsSwapped():
		if err = rt.swapInLocked(faultAddr, pid, pte, level); err != nil {
			cause = err
		} else {
			done = true
		}
	default:
		resolved = true
	}

	var entry PageTableEntry
	if pte != nil {
		entry = *pte
	}
	rt.Unlock()

	if resolved {
		rt.svc.fence(faultAddr)
		return
	}
	if done {
		return
	}
	nonRecoverablePageFault(kind, faultAddr, pid, entry, regs, cause)
}

func nonRecoverablePageFault(kind mm.Access, faultAddr mm.VirtAddr, pid uint64, entry PageTableEntry, regs RegisterDumper, err error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", uintptr(faultAddr))
	switch {
	case err == ErrPermissionMismatch:
		kfmt.Printf("%s fault on page without %s permission", kind, kind)
	case err == ErrUnrecoverableFault && !entry.HasFlags(FlagValid):
		kfmt.Printf("%s from non-present page", kind)
	default:
		kfmt.Printf("%s fault: %s", kind, err.Error())
	}
	kfmt.Printf("\nProcess: %d\nEntry: %s\n", pid, entry)

	if regs != nil {
		kfmt.Printf("\nRegisters:\n")
		regs.DumpTo(kfmt.GetOutputSink())
	}

	panic(err)
}
