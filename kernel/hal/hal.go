// Package hal probes the registered device drivers and keeps track of the
// devices that initialized successfully.
package hal

import (
	"io"
	"sort"

	"gent/device"
	"gent/device/blockdev"
	"gent/kernel/kfmt"
)

// Devices contains the devices discovered by the HAL.
type Devices struct {
	// Disks lists the initialized block devices in probe order.
	Disks []blockdev.Disk

	// Drivers tracks all initialized device drivers.
	Drivers []device.Driver
}

// DetectHardware probes the globally registered drivers together with extra
// and initializes the appropriate drivers. Driver output is written to w,
// prefixed with the name and version of the driver.
func DetectHardware(w io.Writer, extra ...*device.DriverInfo) *Devices {
	// Get driver list and sort by detection priority
	drivers := append(device.DriverList(), extra...)
	sort.Stable(drivers)

	devs := new(Devices)
	devs.probe(w, drivers)
	return devs
}

// probe executes the probe function for each driver and invokes
// onDriverInit for each successfully initialized driver.
func (devs *Devices) probe(sink io.Writer, driverInfoList device.DriverInfoList) {
	w := kfmt.NewPrefixWriter(sink, "[hal] ")

	for _, info := range driverInfoList {
		drv := info.Probe()
		if drv == nil {
			continue
		}

		major, minor, patch := drv.DriverVersion()
		_ = w.SetPrefix("[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)

		err := drv.DriverInit(w)
		_ = w.Flush()
		if err != nil {
			kfmt.Fprintf(w, "init failed: %s\n", err.Error())
			kfmt.Log("hal").WithField("driver", drv.DriverName()).WithError(err).Warn("driver init failed")
			continue
		}

		kfmt.Fprintf(w, "initialized\n")
		devs.onDriverInit(drv)
		devs.Drivers = append(devs.Drivers, drv)
	}
}

// onDriverInit is invoked by probe() whenever a piece of hardware is detected
// and successfully initialized.
func (devs *Devices) onDriverInit(drv device.Driver) {
	switch drvImpl := drv.(type) {
	case blockdev.Disk:
		devs.Disks = append(devs.Disks, drvImpl)
	}
}

// Close releases every initialized driver that holds host resources.
func (devs *Devices) Close() error {
	var firstErr error
	for i := len(devs.Drivers) - 1; i >= 0; i-- {
		closer, ok := devs.Drivers[i].(io.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	devs.Drivers, devs.Disks = nil, nil
	return firstErr
}
