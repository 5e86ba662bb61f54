// Package cpu describes the interface between the portable kernel core and a
// RISC-V hart.
package cpu

import (
	"gent/kernel/mm"
)

// Never is the timer deadline that disarms the supervisor timer.
const Never = ^uint64(0)

// PrivilegeMode is the privilege level a hart returns to on sret.
type PrivilegeMode uint8

// The RISC-V privilege modes.
const (
	User       PrivilegeMode = 0
	Supervisor PrivilegeMode = 1
	Machine    PrivilegeMode = 3
)

// String implements fmt.Stringer.
func (m PrivilegeMode) String() string {
	switch m {
	case User:
		return "user"
	case Supervisor:
		return "supervisor"
	case Machine:
		return "machine"
	default:
		return "unknown"
	}
}

// Hart is a single RISC-V hardware thread as seen from supervisor mode.
type Hart interface {
	// ID returns the hart id.
	ID() int

	// Cause returns the scause value of the trap being handled.
	Cause() uint64

	// FaultAddress returns the stval value of the trap being handled.
	FaultAddress() mm.VirtAddr

	// Timer returns the current value of the time CSR.
	Timer() uint64

	// SetTimer arms the supervisor timer to fire at deadline. Passing
	// Never disarms it.
	SetTimer(deadline uint64)

	// LoadPageTable writes satp and invalidates all cached
	// translations.
	LoadPageTable(satp uint64)

	// SetPrivilegeMode selects the privilege mode sret returns to.
	SetPrivilegeMode(mode PrivilegeMode)

	// Fence invalidates cached translations for vaddr.
	Fence(vaddr mm.VirtAddr)

	// IdleEntry returns the program counter and stack pointer of the
	// hart's idle loop.
	IdleEntry() (pc, sp uint64)
}
