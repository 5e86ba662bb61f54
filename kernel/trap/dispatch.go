// Package trap classifies supervisor traps and routes them to the scheduler
// and the page fault handler.
package trap

import (
	"fmt"

	"gent/kernel"
	"gent/kernel/cpu"
	"gent/kernel/kfmt"
	"gent/kernel/mm/vmm"
)

var (
	// ErrNoAddressSpace is raised when a page fault arrives on a hart
	// that has no address space installed.
	ErrNoAddressSpace = &kernel.Error{Module: "trap", Message: "page fault without an active address space"}

	// handlePageFaultFn is used by tests to override the page fault
	// handler.
	handlePageFaultFn = vmm.HandlePageFault

	// panicFn is invoked with anything that escapes a trap handler.
	panicFn = kfmt.Panic
)

// UnhandledTrapError describes a trap that the kernel does not handle.
type UnhandledTrapError struct {
	Cause  Cause
	Scause uint64
	Stval  uint64
	SEPC   uint64
}

// Error implements the error interface.
func (e *UnhandledTrapError) Error() string {
	return fmt.Sprintf("unhandled trap %s (scause 0x%x, stval 0x%x, sepc 0x%x)", e.Cause, e.Scause, e.Stval, e.SEPC)
}

// Scheduler is the part of the scheduler the dispatcher needs.
type Scheduler interface {
	// Tick performs a context switch on hart.
	Tick(hart cpu.Hart, frame *Frame)

	// AddressSpace returns the process id and root table of the thread
	// running on the supplied hart.
	AddressSpace(hartID int) (pid uint64, root *vmm.RootTable, ok bool)
}

// Dispatcher routes classified traps to their handlers.
type Dispatcher struct {
	Sched Scheduler
}

// Dispatch handles the trap described by hart's scause/stval. Unhandled
// causes panic with an *UnhandledTrapError.
func (d *Dispatcher) Dispatch(hart cpu.Hart, frame *Frame) {
	scause := hart.Cause()
	cause, err := Classify(scause)
	if err != nil {
		unhandledTrap(hart, frame, cause, scause, err)
		return
	}

	switch {
	case cause.Class == External && cause.Kind == KindTimer:
		hart.SetTimer(cpu.Never)
		d.Sched.Tick(hart, frame)
	case cause.Class == Internal && cause.Kind == KindPageFault:
		pid, root, ok := d.Sched.AddressSpace(hart.ID())
		if !ok {
			unhandledTrap(hart, frame, cause, scause, ErrNoAddressSpace)
			return
		}
		handlePageFaultFn(root, cause.Access, hart.FaultAddress(), pid, frame)
	default:
		unhandledTrap(hart, frame, cause, scause, nil)
	}
}

// Enter runs Dispatch and converts any panic that escapes it into a kernel
// panic which halts the machine.
func (d *Dispatcher) Enter(hart cpu.Hart, frame *Frame) {
	defer func() {
		if r := recover(); r != nil {
			panicFn(r)
		}
	}()
	d.Dispatch(hart, frame)
}

func unhandledTrap(hart cpu.Hart, frame *Frame, cause Cause, scause uint64, err error) {
	trapErr := &UnhandledTrapError{
		Cause:  cause,
		Scause: scause,
		Stval:  uint64(hart.FaultAddress()),
		SEPC:   frame.SEPC,
	}

	kfmt.Printf("\nUnhandled trap on hart %d: %s\n", hart.ID(), trapErr.Error())
	if err != nil {
		kfmt.Printf("Reason: %s\n", err.Error())
	}
	kfmt.Printf("\nRegisters:\n")
	frame.DumpTo(kfmt.GetOutputSink())

	if err == ErrNoAddressSpace {
		panic(err)
	}
	panic(trapErr)
}
