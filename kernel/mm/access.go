package mm

// Access is the kind of memory access that triggered a fault.
type Access uint8

// The supported access kinds.
const (
	AccessLoad Access = iota
	AccessStore
	AccessExec
)

// String implements fmt.Stringer.
func (a Access) String() string {
	switch a {
	case AccessLoad:
		return "load"
	case AccessStore:
		return "store"
	case AccessExec:
		return "exec"
	default:
		return "unknown"
	}
}
