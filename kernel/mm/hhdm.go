package mm

import (
	"sync/atomic"

	"gent/kernel"
)

var (
	// ErrHHDMNotEstablished is returned when a translation is attempted
	// before the boot code has recorded the direct-map offset.
	ErrHHDMNotEstablished = &kernel.Error{Module: "mm", Message: "higher-half direct map offset not established"}

	// ErrHHDMAlreadyEstablished is returned by a second Establish call.
	ErrHHDMAlreadyEstablished = &kernel.Error{Module: "mm", Message: "higher-half direct map offset already established"}
)

// HHDM records the fixed offset of the higher-half direct map: every
// physical address pa is also reachable at virtual address pa+offset. The
// offset is written exactly once at boot.
type HHDM struct {
	offset      atomic.Uintptr
	established atomic.Bool
}

// Establish records the direct-map offset.
func (h *HHDM) Establish(offset uintptr) error {
	if !h.established.CompareAndSwap(false, true) {
		return ErrHHDMAlreadyEstablished
	}
	h.offset.Store(offset)
	return nil
}

// Established returns true once Establish has succeeded.
func (h *HHDM) Established() bool {
	return h.established.Load()
}

// Offset returns the direct-map offset.
func (h *HHDM) Offset() (uintptr, error) {
	if !h.established.Load() {
		return 0, ErrHHDMNotEstablished
	}
	return h.offset.Load(), nil
}

// ToVirt returns the direct-map alias of pa.
func (h *HHDM) ToVirt(pa PhysAddr) (VirtAddr, error) {
	off, err := h.Offset()
	if err != nil {
		return 0, err
	}
	return VirtAddr(uintptr(pa) + off), nil
}

// ToPhys returns the physical address aliased by the direct-map address va.
func (h *HHDM) ToPhys(va VirtAddr) (PhysAddr, error) {
	off, err := h.Offset()
	if err != nil {
		return 0, err
	}
	return PhysAddr(uintptr(va) - off), nil
}
