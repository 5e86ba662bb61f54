package cpu

// Sstatus is the supervisor status register.
type Sstatus uint64

// Sstatus fields.
const (
	SstatusSIE  Sstatus = 1 << 1
	SstatusSPIE Sstatus = 1 << 5
	SstatusSPP  Sstatus = 1 << 8
	SstatusSUM  Sstatus = 1 << 18
	SstatusMXR  Sstatus = 1 << 19

	sstatusFSShift = 13
	sstatusFSMask  = Sstatus(3) << sstatusFSShift
)

// FPState is the encoding of the sstatus.FS field.
type FPState uint8

// The floating point unit states.
const (
	FPOff FPState = iota
	FPInitial
	FPClean
	FPDirty
)

// String implements fmt.Stringer.
func (s FPState) String() string {
	switch s {
	case FPOff:
		return "off"
	case FPInitial:
		return "initial"
	case FPClean:
		return "clean"
	default:
		return "dirty"
	}
}

// FS returns the floating point unit state.
func (s Sstatus) FS() FPState {
	return FPState((s & sstatusFSMask) >> sstatusFSShift)
}

// WithFS returns s with the floating point unit state replaced.
func (s Sstatus) WithFS(state FPState) Sstatus {
	return (s &^ sstatusFSMask) | Sstatus(state)<<sstatusFSShift
}

// SPP returns the privilege mode sret returns to.
func (s Sstatus) SPP() PrivilegeMode {
	if s&SstatusSPP != 0 {
		return Supervisor
	}
	return User
}

// WithSPP returns s with the previous privilege mode replaced.
func (s Sstatus) WithSPP(mode PrivilegeMode) Sstatus {
	if mode == User {
		return s &^ SstatusSPP
	}
	return s | SstatusSPP
}
