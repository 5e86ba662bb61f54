package hal

import (
	"bytes"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"gent/device"
	"gent/device/blockdev"
	"gent/kernel/kfmt"
)

type mockDriver struct {
	name    string
	output  string
	initErr error
	closed  bool
}

func (d *mockDriver) DriverName() string                      { return d.name }
func (d *mockDriver) DriverVersion() (uint16, uint16, uint16) { return 1, 2, 3 }
func (d *mockDriver) DriverInit(w io.Writer) error {
	kfmt.Fprintf(w, "%s", d.output)
	if d.initErr != nil {
		return d.initErr
	}
	kfmt.Fprintf(w, "ready\n")
	return nil
}
func (d *mockDriver) Close() error {
	d.closed = true
	return nil
}

func TestDetectHardware(t *testing.T) {
	defer device.ResetDrivers()

	good := &mockDriver{name: "good"}
	bad := &mockDriver{name: "bad", initErr: errors.New("no such device")}
	disk := blockdev.NewRAMDisk(4, 512)

	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderLast,
		Probe: func() device.Driver { return good },
	})
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderEarly,
		Probe: func() device.Driver { return nil },
	})

	var buf bytes.Buffer
	devs := DetectHardware(&buf,
		&device.DriverInfo{Order: device.DetectOrderStorage, Probe: func() device.Driver { return disk }},
		&device.DriverInfo{Order: device.DetectOrderBeforeStorage, Probe: func() device.Driver { return bad }},
	)

	exp := "[hal] bad(1.2.3): init failed: no such device\n" +
		"[hal] ramdisk(0.1.0): 4 blocks x 512 bytes (2KiB)\n" +
		"[hal] ramdisk(0.1.0): initialized\n" +
		"[hal] good(1.2.3): ready\n" +
		"[hal] good(1.2.3): initialized\n"
	if got := buf.String(); got != exp {
		t.Fatalf("expected output:\n%q\ngot:\n%q", exp, got)
	}

	if len(devs.Drivers) != 2 {
		t.Fatalf("expected 2 active drivers; got %d", len(devs.Drivers))
	}
	if len(devs.Disks) != 1 || devs.Disks[0] != disk {
		t.Fatalf("expected the ramdisk to be the only active disk; got %v", devs.Disks)
	}

	if err := devs.Close(); err != nil {
		t.Fatal(err)
	}
	if !good.closed {
		t.Fatal("expected Close to close the active drivers")
	}
	if bad.closed {
		t.Fatal("expected drivers that failed to initialize to be left alone")
	}
}

func TestDetectHardwarePrefixesEveryLine(t *testing.T) {
	partial := &mockDriver{name: "slow", output: "probing bus 0\nprobing bus", initErr: errors.New("timed out")}
	quiet := &mockDriver{name: "quiet"}

	var buf bytes.Buffer
	devs := DetectHardware(&buf,
		&device.DriverInfo{Probe: func() device.Driver { return partial }},
		&device.DriverInfo{Probe: func() device.Driver { return quiet }},
	)

	// The unterminated line of a failed driver is completed before the
	// failure is reported and never leaks into the next driver's prefix.
	exp := "[hal] slow(1.2.3): probing bus 0\n" +
		"[hal] slow(1.2.3): probing bus\n" +
		"[hal] slow(1.2.3): init failed: timed out\n" +
		"[hal] quiet(1.2.3): ready\n" +
		"[hal] quiet(1.2.3): initialized\n"
	if got := buf.String(); got != exp {
		t.Fatalf("expected output:\n%q\ngot:\n%q", exp, got)
	}
	if len(devs.Drivers) != 1 || devs.Drivers[0] != quiet {
		t.Fatalf("expected only the quiet driver to be active; got %v", devs.Drivers)
	}
}

func TestDetectHardwareLockedImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swap.img")
	first := blockdev.NewFileDisk(path, 8, 512)
	second := blockdev.NewFileDisk(path, 8, 512)

	var buf bytes.Buffer
	devs := DetectHardware(&buf,
		&device.DriverInfo{Probe: func() device.Driver { return first }},
		&device.DriverInfo{Probe: func() device.Driver { return second }},
	)
	defer func() { _ = devs.Close() }()

	if len(devs.Disks) != 1 || devs.Disks[0] != first {
		t.Fatalf("expected only the first image to be active; got %d disks", len(devs.Disks))
	}
	if !bytes.Contains(buf.Bytes(), []byte("init failed: "+blockdev.ErrDiskLocked.Error())) {
		t.Fatalf("expected a lock failure in the probe output:\n%s", buf.String())
	}
}
