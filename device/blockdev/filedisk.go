package blockdev

import (
	"fmt"
	"io"
	"os"

	"github.com/gofrs/flock"

	"gent/kernel"
	"gent/kernel/kfmt"
)

// ErrDiskLocked is returned when another process holds the disk image.
var ErrDiskLocked = &kernel.Error{Module: "blockdev", Message: "disk image is locked by another process", Kind: kernel.KindMisuse}

// FileDisk is a disk backed by a host image file. The image is guarded by an
// advisory lock on "<path>.lock" for as long as the disk is open.
type FileDisk struct {
	path      string
	blockSize uint64
	blocks    uint64

	file *os.File
	lock *flock.Flock
}

// NewFileDisk describes a disk image at path. The image is created (or
// resized) to blocks*blockSize bytes when the driver is initialized.
func NewFileDisk(path string, blocks, blockSize uint64) *FileDisk {
	if blocks == 0 {
		blocks = DefaultRAMDiskBlocks
	}
	if blockSize == 0 {
		blockSize = DefaultRAMDiskBlockSize
	}
	return &FileDisk{
		path:      path,
		blockSize: blockSize,
		blocks:    blocks,
		lock:      flock.New(path + ".lock"),
	}
}

// Path returns the image path.
func (d *FileDisk) Path() string { return d.path }

// BlockSize implements Disk.
func (d *FileDisk) BlockSize() uint64 { return d.blockSize }

// Blocks implements Disk.
func (d *FileDisk) Blocks() uint64 { return d.blocks }

// ReadBlocks implements Disk.
func (d *FileDisk) ReadBlocks(buf []byte, block uint64) error {
	if err := checkRange(d.blockSize, d.blocks, block, len(buf)); err != nil {
		return err
	}
	if d.file == nil {
		return ErrInvalidBlock
	}

	n, err := d.file.ReadAt(buf, int64(block*d.blockSize))
	if err == io.EOF && n == len(buf) {
		err = nil
	}
	if err != nil {
		return fmt.Errorf("blockdev: read %s block %d: %w", d.path, block, err)
	}
	return nil
}

// WriteBlocks implements Disk.
func (d *FileDisk) WriteBlocks(data []byte, block uint64) error {
	if err := checkRange(d.blockSize, d.blocks, block, len(data)); err != nil {
		return err
	}
	if d.file == nil {
		return ErrInvalidBlock
	}

	if _, err := d.file.WriteAt(data, int64(block*d.blockSize)); err != nil {
		return fmt.Errorf("blockdev: write %s block %d: %w", d.path, block, err)
	}
	return nil
}

// DriverName implements device.Driver.
func (d *FileDisk) DriverName() string {
	return "filedisk"
}

// DriverVersion implements device.Driver.
func (d *FileDisk) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit implements device.Driver. It locks and opens the image.
func (d *FileDisk) DriverInit(w io.Writer) error {
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("blockdev: lock %s: %w", d.path, err)
	}
	if !locked {
		return ErrDiskLocked
	}

	f, err := os.OpenFile(d.path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		_ = d.lock.Unlock()
		return fmt.Errorf("blockdev: open %s: %w", d.path, err)
	}
	if err = f.Truncate(int64(d.blocks * d.blockSize)); err != nil {
		_ = f.Close()
		_ = d.lock.Unlock()
		return fmt.Errorf("blockdev: size %s: %w", d.path, err)
	}

	d.file = f
	kfmt.Fprintf(w, "%s: %d blocks x %d bytes\n", d.path, d.blocks, d.blockSize)
	return nil
}

// Close closes the image and releases its lock.
func (d *FileDisk) Close() error {
	var err error
	if d.file != nil {
		err = d.file.Close()
		d.file = nil
	}
	if uerr := d.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}
