package device

import (
	"io"
	"sync"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. If the driver init code
	// needs to log some output, it can use the supplied io.Writer in
	// conjunction with a call to kfmt.Fprintf.
	DriverInit(io.Writer) error
}

// ProbeFn is a function that scans for the presence of a particular
// piece of hardware and returns a driver for it.
type ProbeFn func() Driver

// DetectOrder specifies when a driver should be probed relative to the
// other registered drivers.
type DetectOrder int8

// The supported detection orders.
const (
	// DetectOrderEarly drivers are probed before anything else.
	DetectOrderEarly DetectOrder = iota - 128

	// DetectOrderBeforeStorage drivers are probed before block devices.
	DetectOrderBeforeStorage DetectOrder = -1

	// DetectOrderStorage is used by block devices.
	DetectOrderStorage DetectOrder = 0

	// DetectOrderLast drivers are probed after all other drivers.
	DetectOrderLast DetectOrder = 127
)

// DriverInfo is used by registered drivers to provide a probe function and
// their detection order.
type DriverInfo struct {
	// Order specifies at which stage of the device detection process
	// the driver should be probed.
	Order DetectOrder

	// Probe returns a driver for a detected device or nil.
	Probe ProbeFn
}

// DriverInfoList is a list of registered drivers that implements
// sort.Interface.
type DriverInfoList []*DriverInfo

// Len returns the length of the driver info list.
func (l DriverInfoList) Len() int { return len(l) }

// Swap exchanges 2 elements in the driver info list.
func (l DriverInfoList) Swap(i, j int) { l[i], l[j] = l[j], l[i] }

// Less compares 2 elements of the driver info list.
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }

var (
	driverMu          sync.Mutex
	registeredDrivers DriverInfoList
)

// RegisterDriver adds the supplied driver info to the list of registered
// drivers.
func RegisterDriver(info *DriverInfo) {
	driverMu.Lock()
	registeredDrivers = append(registeredDrivers, info)
	driverMu.Unlock()
}

// DriverList returns a copy of the list of registered drivers.
func DriverList() DriverInfoList {
	driverMu.Lock()
	defer driverMu.Unlock()
	return append(DriverInfoList(nil), registeredDrivers...)
}

// ResetDrivers clears the registered driver list.
func ResetDrivers() {
	driverMu.Lock()
	registeredDrivers = nil
	driverMu.Unlock()
}
