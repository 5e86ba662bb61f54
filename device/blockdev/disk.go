// Package blockdev provides the block storage used as swap backing.
package blockdev

import "gent/kernel"

var (
	// ErrInvalidBlock is returned when an access falls outside the disk.
	ErrInvalidBlock = &kernel.Error{Module: "blockdev", Message: "block number out of range", Kind: kernel.KindMisuse}

	// ErrPartitionRange is returned when an access or a partition
	// definition falls outside the partition bounds.
	ErrPartitionRange = &kernel.Error{Module: "blockdev", Message: "access outside of partition range", Kind: kernel.KindMisuse}

	// ErrNoFreeBlocks is returned when a partition cannot satisfy a block
	// allocation.
	ErrNoFreeBlocks = &kernel.Error{Module: "blockdev", Message: "no free blocks in partition", Kind: kernel.KindExhausted}

	// ErrBlocksNotAllocated is returned when freeing blocks that are not
	// allocated.
	ErrBlocksNotAllocated = &kernel.Error{Module: "blockdev", Message: "freed blocks were not allocated", Kind: kernel.KindInvariant}
)

// Disk is a block addressed storage device.
type Disk interface {
	// BlockSize returns the size of a block in bytes.
	BlockSize() uint64

	// Blocks returns the number of blocks on the disk.
	Blocks() uint64

	// ReadBlocks fills buf with the contents of the disk starting at
	// block. The length of buf need not be a multiple of the block size.
	ReadBlocks(buf []byte, block uint64) error

	// WriteBlocks writes data to the disk starting at block.
	WriteBlocks(data []byte, block uint64) error
}

// checkRange validates a byte range that starts at block against a disk of
// the supplied geometry.
func checkRange(blockSize, blocks, block uint64, n int) error {
	if block >= blocks {
		return ErrInvalidBlock
	}
	if uint64(n) > (blocks-block)*blockSize {
		return ErrInvalidBlock
	}
	return nil
}

// BlocksFor returns the number of blockSize blocks needed to hold size bytes.
func BlocksFor(size uintptr, blockSize uint64) uint64 {
	return (uint64(size) + blockSize - 1) / blockSize
}
