package kmain

import (
	"sync/atomic"

	"gent/kernel"
	"gent/kernel/config"
	"gent/kernel/cpu/sim"
	"gent/kernel/kfmt"
	"gent/kernel/sched"
)

var (
	// ErrPatternMismatch is raised by the pattern program when its stack
	// slot no longer holds the value it stored.
	ErrPatternMismatch = &kernel.Error{Module: "kmain", Message: "stack pattern corrupted"}

	// ErrFPMismatch is raised by the float program when its FPU register
	// was clobbered by another thread.
	ErrFPMismatch = &kernel.Error{Module: "kmain", Message: "floating point register corrupted"}
)

// Pattern is the value the pattern program keeps on its stack.
const Pattern = 0x7e7e_7e7e_7e7e_7e7e

// exitIterations is the number of loop iterations the exit program runs
// before it terminates.
const exitIterations = 64

// BootThread is a thread spawned from the configuration.
type BootThread struct {
	config.Thread
	Index int
	ID    sched.ThreadID

	// Progress counts the loop iterations the thread completed.
	Progress atomic.Uint64
}

// count is the instruction that reports loop progress.
func (bt *BootThread) count(*sim.Hart) bool {
	bt.Progress.Add(1)
	return true
}

// fail halts the machine with err.
func fail(err *kernel.Error) sim.Instr {
	return func(*sim.Hart) bool {
		kfmt.Panic(err)
		return false
	}
}

// at returns the address of instruction i of a program loaded at entry.
func at(entry uint64, i int) uint64 {
	return entry + uint64(i)*sim.InstrSize
}

// program builds the instructions of bt's program for the entry address.
// Every program keeps its state at the top of its stack so evicting the top
// stack page forces a reload on the next iteration.
func (k *Kernel) program(bt *BootThread, entry uint64) sim.Program {
	switch bt.Program {
	case config.ProgramPattern:
		return sim.Program{
			sim.Li(sim.T0, Pattern),
			sim.Sd(sim.T0, sim.SP, -16),
			sim.Ld(sim.T1, sim.SP, -16), // loop
			sim.Bne(sim.T0, sim.T1, at(entry, 6)),
			bt.count,
			sim.J(at(entry, 2)),
			fail(ErrPatternMismatch),
		}
	case config.ProgramFloat:
		return sim.Program{
			sim.Li(sim.T0, 0x4000_0000_0000_0000|uint64(bt.Index)),
			sim.FmvDX(1, sim.T0),
			sim.FmvXD(sim.T1, 1), // loop
			sim.Bne(sim.T0, sim.T1, at(entry, 6)),
			bt.count,
			sim.J(at(entry, 2)),
			fail(ErrFPMismatch),
		}
	case config.ProgramExit:
		return sim.Program{
			sim.Li(sim.T0, 0),
			sim.Li(sim.T1, exitIterations),
			sim.Addi(sim.T0, sim.T0, 1), // loop
			sim.Sd(sim.T0, sim.SP, -8),
			bt.count,
			sim.Bltu(sim.T0, sim.T1, at(entry, 2)),
			func(h *sim.Hart) bool {
				k.Sched.ExitThread(h)
				return true
			},
			sim.J(at(entry, 7)),
		}
	default:
		return sim.Program{
			sim.Li(sim.T0, 0),
			sim.Addi(sim.T0, sim.T0, 1), // loop
			sim.Sd(sim.T0, sim.SP, -8),
			bt.count,
			sim.J(at(entry, 1)),
		}
	}
}
