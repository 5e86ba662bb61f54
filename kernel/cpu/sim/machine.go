// Package sim provides a software RISC-V platform: harts with supervisor
// CSRs, a timer, an MMU that walks Sv39/Sv48/Sv57 page tables held in
// simulated RAM, and a trap entry shim. Programs are sequences of Go
// functions registered at virtual addresses.
package sim

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"gent/kernel"
	"gent/kernel/cpu"
	"gent/kernel/mm"
	"gent/kernel/trap"
)

// InstrSize is the size of one simulated instruction.
const InstrSize = 4

var (
	// ErrTextOverlap is returned when a program is loaded over another.
	ErrTextOverlap = &kernel.Error{Module: "sim", Message: "program overlaps loaded text", Kind: kernel.KindMisuse}

	// ErrNoHandler is returned by Run when no trap handler is installed.
	ErrNoHandler = &kernel.Error{Module: "sim", Message: "no trap handler installed", Kind: kernel.KindMisuse}
)

// Instr executes a single instruction on h. It returns false if the
// instruction trapped and must be retried once the trap returns.
type Instr func(h *Hart) bool

// Program is a sequence of instructions laid out InstrSize bytes apart.
type Program []Instr

// TrapHandler is the supervisor trap vector.
type TrapHandler func(h cpu.Hart, frame *trap.Frame)

// RAM is the physical memory the harts access.
type RAM interface {
	Slice(pa mm.PhysAddr, n uintptr) ([]byte, error)
}

// Machine is a set of harts sharing RAM and program text.
type Machine struct {
	ram   RAM
	harts []*Hart

	textMu sync.RWMutex
	text   map[uint64]Instr

	handler atomic.Pointer[TrapHandler]
	halted  atomic.Bool
}

// NewMachine creates a machine with the supplied number of harts. The idle
// loop is loaded at idlePC and every hart uses the matching entry of
// idleStacks as its idle stack.
func NewMachine(ram RAM, harts int, idlePC uint64, idleStacks []uint64) (*Machine, error) {
	m := &Machine{
		ram:  ram,
		text: make(map[uint64]Instr),
	}

	if err := m.Load(idlePC, Program{Wfi}); err != nil {
		return nil, err
	}

	m.harts = make([]*Hart, harts)
	for id := range m.harts {
		var sp uint64
		if id < len(idleStacks) {
			sp = idleStacks[id]
		}
		m.harts[id] = newHart(m, id, idlePC, sp)
	}
	return m, nil
}

// Harts returns the harts of the machine.
func (m *Machine) Harts() []*Hart { return m.harts }

// Hart returns the hart with the supplied id.
func (m *Machine) Hart(id int) *Hart { return m.harts[id] }

// SetTrapHandler installs the supervisor trap vector.
func (m *Machine) SetTrapHandler(fn TrapHandler) {
	m.handler.Store(&fn)
}

// Load registers prog at the virtual address entry. The caller is
// responsible for mapping the text range executable.
func (m *Machine) Load(entry uint64, prog Program) error {
	m.textMu.Lock()
	defer m.textMu.Unlock()

	for i := range prog {
		if _, exists := m.text[entry+uint64(i)*InstrSize]; exists {
			return ErrTextOverlap
		}
	}
	for i, instr := range prog {
		m.text[entry+uint64(i)*InstrSize] = instr
	}
	return nil
}

func (m *Machine) fetch(pc uint64) (Instr, bool) {
	m.textMu.RLock()
	instr, ok := m.text[pc]
	m.textMu.RUnlock()
	return instr, ok
}

// Halt stops instruction execution on all harts.
func (m *Machine) Halt() {
	m.halted.Store(true)
}

// Halted returns true once Halt has been called.
func (m *Machine) Halted() bool {
	return m.halted.Load()
}

// FenceAll invalidates the translation of vaddr on every hart.
func (m *Machine) FenceAll(vaddr mm.VirtAddr) {
	for _, h := range m.harts {
		h.Fence(vaddr)
	}
}

// Run steps every hart concurrently until each has executed steps
// instructions, the machine halts or ctx is cancelled.
func (m *Machine) Run(ctx context.Context, steps int) error {
	if m.handler.Load() == nil {
		return ErrNoHandler
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, h := range m.harts {
		h := h
		g.Go(func() error {
			for i := 0; i < steps && !m.Halted(); i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				h.Step()
			}
			return nil
		})
	}
	return g.Wait()
}

// Wfi is the idle loop instruction. It waits for the next interrupt by
// advancing the clock to the timer deadline.
func Wfi(h *Hart) bool {
	if h.deadline != cpu.Never && h.time < h.deadline {
		h.time = h.deadline - 1
	}

	h.Jump(h.PC())
	return true
}
