package blockdev

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"gent/kernel"
)

func TestRAMDiskDefaults(t *testing.T) {
	d := NewRAMDisk(0, 0)
	if d.Blocks() != DefaultRAMDiskBlocks || d.BlockSize() != DefaultRAMDiskBlockSize {
		t.Fatalf("expected default geometry; got %d x %d", d.Blocks(), d.BlockSize())
	}

	var buf bytes.Buffer
	if err := d.DriverInit(&buf); err != nil {
		t.Fatal(err)
	}
	if exp, got := "16 blocks x 1024 bytes (16KiB)\n", buf.String(); got != exp {
		t.Fatalf("expected init output %q; got %q", exp, got)
	}
}

func TestRAMDiskReadWrite(t *testing.T) {
	d := NewRAMDisk(4, 512)

	data := bytes.Repeat([]byte{0x7e}, 700)
	if err := d.WriteBlocks(data, 2); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 700)
	if err := d.ReadBlocks(got, 2); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("read back data does not match written data")
	}

	specs := []struct {
		block uint64
		n     int
	}{
		{4, 1},
		{3, 513},
		{100, 0},
	}
	for specIndex, spec := range specs {
		if err := d.WriteBlocks(make([]byte, spec.n), spec.block); err != ErrInvalidBlock {
			t.Errorf("[spec %d] expected ErrInvalidBlock; got %v", specIndex, err)
		}
	}
}

func TestPartitionBounds(t *testing.T) {
	d := NewRAMDisk(16, 1024)

	if _, err := NewPartition(0, d, 10, 7); err != ErrPartitionRange {
		t.Fatalf("expected ErrPartitionRange; got %v", err)
	}

	p, err := NewPartition(1, d, 8, 8)
	if err != nil {
		t.Fatal(err)
	}

	if err = p.Write(make([]byte, 1024), 8); err != ErrPartitionRange {
		t.Errorf("expected ErrPartitionRange; got %v", err)
	}

	// Partition-relative block 0 is disk block 8.
	if err = p.Write([]byte{0xaa}, 0); err != nil {
		t.Fatal(err)
	}
	raw := make([]byte, 1)
	if err = d.ReadBlocks(raw, 8); err != nil || raw[0] != 0xaa {
		t.Fatalf("expected partition write to land on disk block 8; got %v %v", raw, err)
	}
}

func TestPartitionBlockAllocation(t *testing.T) {
	p, err := NewPartition(0, NewRAMDisk(130, 512), 0, 130)
	if err != nil {
		t.Fatal(err)
	}

	first, err := p.AllocBlocks(64)
	if err != nil || first != 0 {
		t.Fatalf("expected blocks [0, 64); got %d, %v", first, err)
	}
	second, err := p.AllocBlocks(8)
	if err != nil || second != 64 {
		t.Fatalf("expected blocks [64, 72); got %d, %v", second, err)
	}

	if err = p.FreeBlocks(0, 4); err != nil {
		t.Fatal(err)
	}
	if err = p.FreeBlocks(0, 4); err != ErrBlocksNotAllocated {
		t.Fatalf("expected ErrBlocksNotAllocated; got %v", err)
	}

	// The freed hole is too small; the allocation comes from the tail.
	third, err := p.AllocBlocks(5)
	if err != nil || third != 72 {
		t.Fatalf("expected blocks [72, 77); got %d, %v", third, err)
	}

	if exp, got := uint64(130-64-8-5+4), p.FreeCount(); got != exp {
		t.Fatalf("expected %d free blocks; got %d", exp, got)
	}

	_, err = p.AllocBlocks(100)
	if !errors.Is(err, ErrNoFreeBlocks) || kernel.KindOf(err) != kernel.KindExhausted {
		t.Fatalf("expected exhaustion error; got %v", err)
	}
}

func TestFileDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swap.img")

	d := NewFileDisk(path, 8, 512)
	var out bytes.Buffer
	if err := d.DriverInit(&out); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = d.Close() }()

	if err := d.WriteBlocks([]byte("swapped page"), 3); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 12)
	if err := d.ReadBlocks(buf, 3); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "swapped page" {
		t.Fatalf("unexpected read back %q", buf)
	}

	// A second disk on the same image must not acquire the lock.
	other := NewFileDisk(path, 8, 512)
	if err := other.DriverInit(&out); err != ErrDiskLocked {
		t.Fatalf("expected ErrDiskLocked; got %v", err)
	}
}
