package sched

import (
	"fmt"
	"sync/atomic"

	"gent/kernel/cpu"
	"gent/kernel/mm"
	"gent/kernel/trap"
)

// ThreadID names a thread by its process and thread id.
type ThreadID struct {
	Proc   uint64
	Thread uint64
}

// IsIdle returns true for the synthetic idle thread.
func (id ThreadID) IsIdle() bool { return id.Proc == 0 && id.Thread == 0 }

// String implements fmt.Stringer.
func (id ThreadID) String() string {
	return fmt.Sprintf("%d:%d", id.Proc, id.Thread)
}

// Thread is a schedulable execution context. A thread is referenced either
// by the run queue or by exactly one hart's current slot; its frame is only
// touched by the hart that runs it.
type Thread struct {
	Proc *Proc
	ID   uint64
	Mode cpu.PrivilegeMode

	// Frame is the register state the thread resumes with.
	Frame trap.Frame

	Priority    int8
	PriorityMod int8

	// stack is the base of the thread's stack range; zero for the idle
	// thread, which runs on the hart's boot stack.
	stack  mm.VirtAddr
	exited atomic.Bool
}

// TID returns the process and thread id pair of t.
func (t *Thread) TID() ThreadID {
	return ThreadID{Proc: t.Proc.ID, Thread: t.ID}
}

func (t *Thread) isIdle() bool {
	return t.TID().IsIdle()
}

// Exited returns true once the thread has asked to terminate.
func (t *Thread) Exited() bool { return t.exited.Load() }

// save stores the interrupted register state of t. The entry shim only saves
// the FPU registers when they are dirty; if t did not touch them since it
// was last restored, the copy from the previous save is still current and is
// kept.
func (t *Thread) save(frame *trap.Frame) {
	prevFP := t.Frame
	t.Frame = *frame
	if !frame.FPSaved && prevFP.FPSaved {
		t.Frame.FRegs = prevFP.FRegs
		t.Frame.FCSR = prevFP.FCSR
		t.Frame.FPSaved = true
	}
}
