package sim

// Integer register numbers.
const (
	Zero = 0
	RA   = 1
	SP   = 2
	GP   = 3
	TP   = 4
	T0   = 5
	T1   = 6
	T2   = 7
	S0   = 8
	S1   = 9
	A0   = 10
	A1   = 11
	A2   = 12
	A3   = 13
	A4   = 14
	A5   = 15
	A6   = 16
	A7   = 17
)

// Nop does nothing.
func Nop(*Hart) bool { return true }

// Li loads imm into rd.
func Li(rd int, imm uint64) Instr {
	return func(h *Hart) bool {
		h.SetReg(rd, imm)
		return true
	}
}

// Addi adds imm to rs and writes the result to rd.
func Addi(rd, rs int, imm int64) Instr {
	return func(h *Hart) bool {
		h.SetReg(rd, h.Reg(rs)+uint64(imm))
		return true
	}
}

// Add writes rs1+rs2 to rd.
func Add(rd, rs1, rs2 int) Instr {
	return func(h *Hart) bool {
		h.SetReg(rd, h.Reg(rs1)+h.Reg(rs2))
		return true
	}
}

// Ld loads the doubleword at base+off into rd.
func Ld(rd, base int, off int64) Instr {
	return func(h *Hart) bool {
		v, ok := h.Load64(h.Reg(base) + uint64(off))
		if ok {
			h.SetReg(rd, v)
		}
		return ok
	}
}

// Sd stores rs to the doubleword at base+off.
func Sd(rs, base int, off int64) Instr {
	return func(h *Hart) bool {
		return h.Store64(h.Reg(base)+uint64(off), h.Reg(rs))
	}
}

// Lbu loads the byte at base+off into rd.
func Lbu(rd, base int, off int64) Instr {
	return func(h *Hart) bool {
		v, ok := h.Load8(h.Reg(base) + uint64(off))
		if ok {
			h.SetReg(rd, uint64(v))
		}
		return ok
	}
}

// Sb stores the low byte of rs at base+off.
func Sb(rs, base int, off int64) Instr {
	return func(h *Hart) bool {
		return h.Store8(h.Reg(base)+uint64(off), uint8(h.Reg(rs)))
	}
}

// J jumps to target.
func J(target uint64) Instr {
	return func(h *Hart) bool {
		h.Jump(target)
		return true
	}
}

// Bltu jumps to target if rs1 < rs2 (unsigned).
func Bltu(rs1, rs2 int, target uint64) Instr {
	return func(h *Hart) bool {
		if h.Reg(rs1) < h.Reg(rs2) {
			h.Jump(target)
		}
		return true
	}
}

// Bne jumps to target if rs1 != rs2.
func Bne(rs1, rs2 int, target uint64) Instr {
	return func(h *Hart) bool {
		if h.Reg(rs1) != h.Reg(rs2) {
			h.Jump(target)
		}
		return true
	}
}

// FmvDX moves rs into floating point register fd.
func FmvDX(fd, rs int) Instr {
	return func(h *Hart) bool {
		h.SetFReg(fd, h.Reg(rs))
		return true
	}
}

// FmvXD moves floating point register fs into rd.
func FmvXD(rd, fs int) Instr {
	return func(h *Hart) bool {
		h.SetReg(rd, h.FReg(fs))
		return true
	}
}
