package blockdev

import (
	"io"
	"sync"

	"gent/kernel/kfmt"
	"gent/kernel/mm"
)

// Default ramdisk geometry.
const (
	DefaultRAMDiskBlocks    = 16
	DefaultRAMDiskBlockSize = 1024
)

// RAMDisk is a disk whose blocks live in host memory.
type RAMDisk struct {
	mu        sync.RWMutex
	blockSize uint64
	data      []byte
}

// NewRAMDisk allocates a zeroed ramdisk with the supplied geometry. Zero
// values select the defaults.
func NewRAMDisk(blocks, blockSize uint64) *RAMDisk {
	if blocks == 0 {
		blocks = DefaultRAMDiskBlocks
	}
	if blockSize == 0 {
		blockSize = DefaultRAMDiskBlockSize
	}
	return &RAMDisk{
		blockSize: blockSize,
		data:      make([]byte, blocks*blockSize),
	}
}

// BlockSize implements Disk.
func (d *RAMDisk) BlockSize() uint64 { return d.blockSize }

// Blocks implements Disk.
func (d *RAMDisk) Blocks() uint64 { return uint64(len(d.data)) / d.blockSize }

// ReadBlocks implements Disk.
func (d *RAMDisk) ReadBlocks(buf []byte, block uint64) error {
	if err := checkRange(d.blockSize, d.Blocks(), block, len(buf)); err != nil {
		return err
	}

	d.mu.RLock()
	copy(buf, d.data[block*d.blockSize:])
	d.mu.RUnlock()
	return nil
}

// WriteBlocks implements Disk.
func (d *RAMDisk) WriteBlocks(data []byte, block uint64) error {
	if err := checkRange(d.blockSize, d.Blocks(), block, len(data)); err != nil {
		return err
	}

	d.mu.Lock()
	copy(d.data[block*d.blockSize:], data)
	d.mu.Unlock()
	return nil
}

// DriverName implements device.Driver.
func (d *RAMDisk) DriverName() string {
	return "ramdisk"
}

// DriverVersion implements device.Driver.
func (d *RAMDisk) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit implements device.Driver.
func (d *RAMDisk) DriverInit(w io.Writer) error {
	kfmt.Fprintf(w, "%d blocks x %d bytes (%s)\n", d.Blocks(), d.blockSize, mm.Size(len(d.data)))
	return nil
}
