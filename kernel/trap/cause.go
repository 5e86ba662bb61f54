package trap

import (
	"fmt"

	"gent/kernel"
	"gent/kernel/mm"
)

// ErrUnsupportedCause is returned by Classify for scause values outside the
// standard RISC-V encodings.
var ErrUnsupportedCause = &kernel.Error{Module: "trap", Message: "unsupported trap cause", Kind: kernel.KindMisuse}

// interruptBit is set in scause for asynchronous traps.
const interruptBit = uint64(1) << 63

// Standard scause encodings.
const (
	ScauseInstrMisaligned uint64 = 0
	ScauseInstrAccess     uint64 = 1
	ScauseIllegalInstr    uint64 = 2
	ScauseBreakpoint      uint64 = 3
	ScauseLoadMisaligned  uint64 = 4
	ScauseLoadAccess      uint64 = 5
	ScauseStoreMisaligned uint64 = 6
	ScauseStoreAccess     uint64 = 7
	ScauseEcallUser       uint64 = 8
	ScauseEcallSupervisor uint64 = 9
	ScauseInstrPageFault  uint64 = 12
	ScauseLoadPageFault   uint64 = 13
	ScauseStorePageFault  uint64 = 15

	ScauseSoftwareInt = interruptBit | 1
	ScauseTimerInt    = interruptBit | 5
	ScauseExternalInt = interruptBit | 9
)

// Class separates asynchronous (external) traps from synchronous (internal)
// ones.
type Class uint8

// The trap classes.
const (
	External Class = iota
	Internal
)

// Kind identifies the reason for a trap within its class.
type Kind uint8

// External trap kinds.
const (
	KindIPI Kind = iota
	KindTimer
	KindExternalDevice
)

// Internal trap kinds.
const (
	KindUnaligned Kind = iota + 16
	KindInvalidAccess
	KindPageFault
	KindUnknownInstruction
	KindBreakpoint
	KindSyscall
)

// KindUnknown is reported for scause values outside the standard encodings.
const KindUnknown Kind = 0xff

// Cause is the architecture-neutral description of a trap.
type Cause struct {
	Class Class
	Kind  Kind

	// Access is only meaningful for unaligned, invalid access and page
	// fault causes.
	Access mm.Access
}

// String implements fmt.Stringer.
func (c Cause) String() string {
	switch c.Kind {
	case KindIPI:
		return "external/ipi"
	case KindTimer:
		return "external/timer"
	case KindExternalDevice:
		return "external/device"
	case KindUnaligned:
		return fmt.Sprintf("internal/unaligned %s", c.Access)
	case KindInvalidAccess:
		return fmt.Sprintf("internal/invalid %s", c.Access)
	case KindPageFault:
		return fmt.Sprintf("internal/%s page fault", c.Access)
	case KindUnknownInstruction:
		return "internal/unknown instruction"
	case KindBreakpoint:
		return "internal/breakpoint"
	case KindSyscall:
		return "internal/syscall"
	case KindUnknown:
		if c.Class == External {
			return "external/unknown"
		}
		return "internal/unknown"
	default:
		return "unknown"
	}
}

var causes = map[uint64]Cause{
	ScauseInstrMisaligned: {Internal, KindUnaligned, mm.AccessExec},
	ScauseInstrAccess:     {Internal, KindInvalidAccess, mm.AccessExec},
	ScauseIllegalInstr:    {Class: Internal, Kind: KindUnknownInstruction},
	ScauseBreakpoint:      {Class: Internal, Kind: KindBreakpoint},
	ScauseLoadMisaligned:  {Internal, KindUnaligned, mm.AccessLoad},
	ScauseLoadAccess:      {Internal, KindInvalidAccess, mm.AccessLoad},
	ScauseStoreMisaligned: {Internal, KindUnaligned, mm.AccessStore},
	ScauseStoreAccess:     {Internal, KindInvalidAccess, mm.AccessStore},
	ScauseEcallUser:       {Class: Internal, Kind: KindSyscall},
	ScauseEcallSupervisor: {Class: Internal, Kind: KindSyscall},
	ScauseInstrPageFault:  {Internal, KindPageFault, mm.AccessExec},
	ScauseLoadPageFault:   {Internal, KindPageFault, mm.AccessLoad},
	ScauseStorePageFault:  {Internal, KindPageFault, mm.AccessStore},
	ScauseSoftwareInt:     {Class: External, Kind: KindIPI},
	ScauseTimerInt:        {Class: External, Kind: KindTimer},
	ScauseExternalInt:     {Class: External, Kind: KindExternalDevice},
}

// Classify maps a raw scause value into the trap taxonomy. Unsupported values
// are returned as a KindUnknown cause of the class encoded in scause.
func Classify(scause uint64) (Cause, error) {
	cause, ok := causes[scause]
	if !ok {
		unknown := Cause{Class: Internal, Kind: KindUnknown}
		if scause&interruptBit != 0 {
			unknown.Class = External
		}
		return unknown, fmt.Errorf("scause 0x%x: %w", scause, ErrUnsupportedCause)
	}
	return cause, nil
}

// PageFaultCause returns the scause value of a page fault for access.
func PageFaultCause(access mm.Access) uint64 {
	switch access {
	case mm.AccessStore:
		return ScauseStorePageFault
	case mm.AccessExec:
		return ScauseInstrPageFault
	default:
		return ScauseLoadPageFault
	}
}
