package kernel

import "errors"

// ErrorKind classifies a kernel error so callers can decide whether to
// recover, refuse the request or halt.
type ErrorKind uint8

const (
	// KindInvariant marks a broken invariant (permission/trap mismatch,
	// duplicate mapping, missing swap record). These halt the hart.
	KindInvariant ErrorKind = iota

	// KindExhausted marks an allocator that ran out of frames, address
	// ranges, thread ids or swap blocks.
	KindExhausted

	// KindMisuse marks a request the caller should not have made, e.g. a
	// page size the active paging mode does not support.
	KindMisuse
)

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	switch k {
	case KindInvariant:
		return "invariant"
	case KindExhausted:
		return "exhausted"
	case KindMisuse:
		return "misuse"
	default:
		return "unknown"
	}
}

// Error describes a kernel error. All kernel errors are defined as global
// variables that are pointers to the Error structure so they can be compared
// by identity (or with errors.Is once wrapped).
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// Kind classifies the failure.
	Kind ErrorKind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// KindOf reports the kind of the first *Error found in err's tree. Errors
// that do not originate from the kernel are treated as invariant violations.
func KindOf(err error) ErrorKind {
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr.Kind
	}
	return KindInvariant
}
