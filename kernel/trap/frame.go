package trap

import (
	"io"

	"gent/kernel/kfmt"
)

// Indices into Frame.Regs. The frame stores x1..x31 so register xN lives at
// index N-1.
const (
	RegRA = iota
	RegSP
	RegGP
	RegTP
	RegT0
	RegT1
	RegT2
	RegS0
	RegS1
	RegA0
	RegA1
	RegA2
	RegA3
	RegA4
	RegA5
	RegA6
	RegA7

	// NumRegs is the number of saved general purpose registers.
	NumRegs = 31

	// NumFRegs is the number of saved floating point registers.
	NumFRegs = 32
)

var regNames = [NumRegs]string{
	"ra", "sp", "gp", "tp", "t0", "t1", "t2", "s0", "s1", "a0", "a1",
	"a2", "a3", "a4", "a5", "a6", "a7", "s2", "s3", "s4", "s5", "s6",
	"s7", "s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

// Frame is a snapshot of the register state of an interrupted context.
type Frame struct {
	// Regs holds x1..x31 in the order the entry shim saves them.
	Regs [NumRegs]uint64

	// SEPC is the program counter to resume at.
	SEPC uint64

	FRegs [NumFRegs]uint64
	FCSR  uint64

	// FPSaved is set when the entry shim saved the floating point
	// registers because the FPU state was dirty.
	FPSaved bool
}

// NewFrame returns a frame that starts executing at pc with the supplied
// stack pointer.
func NewFrame(pc, sp uint64) Frame {
	var f Frame
	f.SEPC = pc
	f.Regs[RegSP] = sp
	return f
}

// PC returns the saved program counter.
func (f *Frame) PC() uint64 { return f.SEPC }

// SP returns the saved stack pointer.
func (f *Frame) SP() uint64 { return f.Regs[RegSP] }

// DumpTo outputs the register contents to w.
func (f *Frame) DumpTo(w io.Writer) {
	for i := 0; i < NumRegs; i += 2 {
		if i+1 < NumRegs {
			kfmt.Fprintf(w, "%-3s = %16x %-3s = %16x\n", regNames[i], f.Regs[i], regNames[i+1], f.Regs[i+1])
			continue
		}
		kfmt.Fprintf(w, "%-3s = %16x\n", regNames[i], f.Regs[i])
	}
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "pc  = %16x\n", f.SEPC)
	if f.FPSaved {
		kfmt.Fprintf(w, "fp state saved (fcsr = %x)\n", f.FCSR)
	}
}
