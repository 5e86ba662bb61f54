package blockdev

import (
	"sync"

	"gent/kernel/kfmt"
)

// Partition is a contiguous run of blocks on a disk. Partitions track which
// of their blocks are in use with a free bitmap so they can serve as swap
// backing.
type Partition struct {
	id    int
	disk  Disk
	first uint64
	count uint64

	mu sync.Mutex

	// freeCount tracks the number of free blocks so full partitions can
	// be skipped without scanning the bitmap.
	freeCount uint64

	// freeBitmap tracks used/free blocks. Bit (63 - i%64) of word i/64
	// is set when block i is in use.
	freeBitmap []uint64
}

// NewPartition defines a partition covering count blocks starting at first.
func NewPartition(id int, disk Disk, first, count uint64) (*Partition, error) {
	if count == 0 || first >= disk.Blocks() || count > disk.Blocks()-first {
		return nil, ErrPartitionRange
	}

	kfmt.Log("blockdev").WithField("partition", id).WithField("first", first).WithField("blocks", count).Debug("partition defined")

	return &Partition{
		id:         id,
		disk:       disk,
		first:      first,
		count:      count,
		freeCount:  count,
		freeBitmap: make([]uint64, (count+63)>>6),
	}, nil
}

// ID returns the partition identifier.
func (p *Partition) ID() int { return p.id }

// BlockSize returns the block size of the underlying disk.
func (p *Partition) BlockSize() uint64 { return p.disk.BlockSize() }

// Blocks returns the number of blocks in the partition.
func (p *Partition) Blocks() uint64 { return p.count }

// FreeCount returns the number of unallocated blocks.
func (p *Partition) FreeCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freeCount
}

// Read fills buf starting at the partition-relative block.
func (p *Partition) Read(buf []byte, block uint64) error {
	if err := checkRange(p.BlockSize(), p.count, block, len(buf)); err != nil {
		return ErrPartitionRange
	}
	return p.disk.ReadBlocks(buf, p.first+block)
}

// Write stores data starting at the partition-relative block.
func (p *Partition) Write(data []byte, block uint64) error {
	if err := checkRange(p.BlockSize(), p.count, block, len(data)); err != nil {
		return ErrPartitionRange
	}
	return p.disk.WriteBlocks(data, p.first+block)
}

// AllocBlocks reserves n contiguous blocks and returns the first one.
func (p *Partition) AllocBlocks(n uint64) (uint64, error) {
	if n == 0 {
		return 0, ErrPartitionRange
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.freeCount < n {
		return 0, ErrNoFreeBlocks
	}

	var run uint64
	for block := uint64(0); block < p.count; block++ {
		// Skip fully allocated bitmap words.
		if block&63 == 0 && p.freeBitmap[block>>6] == ^uint64(0) && block+64 <= p.count {
			run = 0
			block += 63
			continue
		}

		if p.isUsed(block) {
			run = 0
			continue
		}

		run++
		if run == n {
			start := block + 1 - n
			p.markBlocks(start, n, true)
			return start, nil
		}
	}

	return 0, ErrNoFreeBlocks
}

// FreeBlocks releases n blocks starting at block.
func (p *Partition) FreeBlocks(block, n uint64) error {
	if n == 0 || block >= p.count || n > p.count-block {
		return ErrPartitionRange
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i := block; i < block+n; i++ {
		if !p.isUsed(i) {
			return ErrBlocksNotAllocated
		}
	}

	p.markBlocks(block, n, false)
	return nil
}

func (p *Partition) isUsed(block uint64) bool {
	return p.freeBitmap[block>>6]&(1<<(63-(block&63))) != 0
}

func (p *Partition) markBlocks(block, n uint64, used bool) {
	for i := block; i < block+n; i++ {
		mask := uint64(1 << (63 - (i & 63)))
		if used {
			p.freeBitmap[i>>6] |= mask
		} else {
			p.freeBitmap[i>>6] &^= mask
		}
	}

	if used {
		p.freeCount -= n
	} else {
		p.freeCount += n
	}
}
