package sim

import (
	"sync"

	"gent/kernel/cpu"
	"gent/kernel/mm"
	"gent/kernel/trap"
)

// Stats counts the events seen by a hart.
type Stats struct {
	Instret uint64
	Traps   uint64
	Timers  uint64
	Faults  uint64
}

// Hart is a simulated RISC-V hart. Its architectural state is owned by the
// goroutine that steps it; only the TLB may be touched by other harts.
type Hart struct {
	m  *Machine
	id int

	idlePC, idleSP uint64

	x      [32]uint64
	f      [trap.NumFRegs]uint64
	fcsr   uint64
	pc     uint64
	jumped bool
	mode   cpu.PrivilegeMode

	time     uint64
	deadline uint64

	satp     uint64
	sstatus  cpu.Sstatus
	scause   uint64
	stval    uint64
	sepc     uint64
	kernelSP uint64

	tlbMu sync.Mutex
	tlb   map[tlbKey]tlbEntry

	stats Stats
}

func newHart(m *Machine, id int, idlePC, idleSP uint64) *Hart {
	h := &Hart{
		m:        m,
		id:       id,
		idlePC:   idlePC,
		idleSP:   idleSP,
		pc:       idlePC,
		mode:     cpu.Supervisor,
		deadline: cpu.Never,
		sstatus:  cpu.SstatusSIE | cpu.Sstatus(0).WithFS(cpu.FPInitial),
		kernelSP: idleSP,
		tlb:      make(map[tlbKey]tlbEntry),
	}
	h.x[2] = idleSP
	return h
}

var _ cpu.Hart = (*Hart)(nil)

// ID implements cpu.Hart.
func (h *Hart) ID() int { return h.id }

// Cause implements cpu.Hart.
func (h *Hart) Cause() uint64 { return h.scause }

// FaultAddress implements cpu.Hart.
func (h *Hart) FaultAddress() mm.VirtAddr { return mm.VirtAddr(h.stval) }

// Timer implements cpu.Hart.
func (h *Hart) Timer() uint64 { return h.time }

// SetTimer implements cpu.Hart.
func (h *Hart) SetTimer(deadline uint64) { h.deadline = deadline }

// Deadline returns the armed timer deadline.
func (h *Hart) Deadline() uint64 { return h.deadline }

// LoadPageTable implements cpu.Hart.
func (h *Hart) LoadPageTable(satp uint64) {
	h.satp = satp
	h.flushTLB()
}

// Satp returns the active satp value.
func (h *Hart) Satp() uint64 { return h.satp }

// SetPrivilegeMode implements cpu.Hart by selecting the mode sret returns
// to.
func (h *Hart) SetPrivilegeMode(mode cpu.PrivilegeMode) {
	h.sstatus = h.sstatus.WithSPP(mode)
}

// Mode returns the current privilege mode.
func (h *Hart) Mode() cpu.PrivilegeMode { return h.mode }

// IdleEntry implements cpu.Hart.
func (h *Hart) IdleEntry() (uint64, uint64) { return h.idlePC, h.idleSP }

// Sstatus returns the supervisor status register.
func (h *Hart) Sstatus() cpu.Sstatus { return h.sstatus }

// SetSstatus writes the supervisor status register.
func (h *Hart) SetSstatus(s cpu.Sstatus) { h.sstatus = s }

// PC returns the program counter.
func (h *Hart) PC() uint64 { return h.pc }

// Jump sets the program counter of the next instruction.
func (h *Hart) Jump(pc uint64) {
	h.pc = pc
	h.jumped = true
}

// Reg returns general purpose register xN.
func (h *Hart) Reg(n int) uint64 { return h.x[n] }

// SetReg writes general purpose register xN. Writes to x0 are ignored.
func (h *Hart) SetReg(n int, v uint64) {
	if n != 0 {
		h.x[n] = v
	}
}

// FReg returns floating point register fN.
func (h *Hart) FReg(n int) uint64 { return h.f[n] }

// SetFReg writes floating point register fN and marks the FPU state dirty.
func (h *Hart) SetFReg(n int, v uint64) {
	h.f[n] = v
	h.sstatus = h.sstatus.WithFS(cpu.FPDirty)
}

// Stats returns the event counters of the hart.
func (h *Hart) Stats() Stats { return h.stats }

// Step executes a single instruction or takes a pending timer interrupt.
func (h *Hart) Step() {
	if h.m.Halted() {
		return
	}

	h.time++
	if h.deadline != cpu.Never && h.time >= h.deadline && h.interruptsEnabled() {
		h.stats.Timers++
		h.Trap(trap.ScauseTimerInt, 0)
		return
	}

	if _, ok := h.translate(h.pc, mm.AccessExec); !ok {
		h.stats.Faults++
		h.Trap(trap.ScauseInstrPageFault, h.pc)
		return
	}

	instr, ok := h.m.fetch(h.pc)
	if !ok {
		h.Trap(trap.ScauseIllegalInstr, h.pc)
		return
	}

	h.jumped = false
	if !instr(h) {
		return
	}
	h.stats.Instret++
	if !h.jumped {
		h.pc += InstrSize
	}
}

func (h *Hart) interruptsEnabled() bool {
	return h.mode == cpu.User || h.sstatus&cpu.SstatusSIE != 0
}

// Trap runs the supervisor trap entry shim. The interrupted context is
// saved into a trap frame, the hart switches to its kernel stack and the
// trap handler runs. On return the (possibly different) context in the
// frame is restored with the stack pointer written last.
func (h *Hart) Trap(scause, stval uint64) {
	h.stats.Traps++
	h.scause, h.stval, h.sepc = scause, stval, h.pc

	var frame trap.Frame
	copy(frame.Regs[:], h.x[1:])
	frame.SEPC = h.sepc

	h.sstatus = h.sstatus.WithSPP(h.mode)
	h.mode = cpu.Supervisor
	h.x[2] = h.kernelSP

	if h.sstatus.FS() == cpu.FPDirty {
		frame.FRegs = h.f
		frame.FCSR = h.fcsr
		frame.FPSaved = true
		h.sstatus = h.sstatus.WithFS(cpu.FPClean)
	}

	handler := h.m.handler.Load()
	if handler == nil {
		h.m.Halt()
		return
	}
	(*handler)(h, &frame)
	if h.m.Halted() {
		return
	}

	if frame.FPSaved {
		h.f = frame.FRegs
		h.fcsr = frame.FCSR
	}
	for i := range frame.Regs {
		if i != trap.RegSP {
			h.x[i+1] = frame.Regs[i]
		}
	}
	h.pc = frame.SEPC
	h.mode = h.sstatus.SPP()
	h.x[2] = frame.Regs[trap.RegSP]
}
