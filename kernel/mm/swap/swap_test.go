package swap

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"gent/device/blockdev"
	"gent/kernel/mm"
)

func newPartition(t *testing.T, id int, blocks uint64) *blockdev.Partition {
	t.Helper()
	p, err := blockdev.NewPartition(id, blockdev.NewRAMDisk(blocks, 1024), 0, blocks)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRecordTake(t *testing.T) {
	m := NewManager()

	userKey := Key{Proc: 3, Addr: 0x4000}
	kernelKey := Key{Proc: 3, Addr: 0xffff_ffc0_0000_4000}
	loc := Location{Partition: 0, Block: 4, Blocks: 4}

	if err := m.Record(userKey, loc); err != nil {
		t.Fatal(err)
	}
	if err := m.Record(Key{Proc: 4, Addr: 0x4000}, loc); err != nil {
		t.Fatalf("expected same address in another process to be independent; got %v", err)
	}
	if err := m.Record(kernelKey, loc); err != nil {
		t.Fatal(err)
	}

	// Kernel keys ignore the process id.
	if _, found := m.Lookup(Key{Proc: 0, Addr: kernelKey.Addr}); !found {
		t.Fatal("expected kernel record to be found regardless of process id")
	}

	if err := m.Record(userKey, loc); !errors.Is(err, ErrRecordExists) {
		t.Fatalf("expected ErrRecordExists; got %v", err)
	}
	if err := m.Record(Key{Proc: 9, Addr: kernelKey.Addr}, loc); !errors.Is(err, ErrRecordExists) {
		t.Fatalf("expected ErrRecordExists for kernel key; got %v", err)
	}

	got, err := m.Take(userKey)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(loc, got); diff != "" {
		t.Fatalf("location mismatch (-want +got):\n%s", diff)
	}

	if _, err = m.Take(userKey); !errors.Is(err, ErrNoRecord) {
		t.Fatalf("expected ErrNoRecord; got %v", err)
	}

	if exp, got := 2, m.Len(); got != exp {
		t.Fatalf("expected %d records; got %d", exp, got)
	}
}

func TestPlacementFallsThrough(t *testing.T) {
	m := NewManager()

	// Partition 1 only fits a single 4KiB page.
	if err := m.RegisterPartition(2, newPartition(t, 2, 16)); err != nil {
		t.Fatal(err)
	}
	if err := m.RegisterPartition(1, newPartition(t, 1, 4)); err != nil {
		t.Fatal(err)
	}
	if err := m.RegisterPartition(1, newPartition(t, 1, 4)); err != ErrPartitionExists {
		t.Fatalf("expected ErrPartitionExists; got %v", err)
	}

	if diff := cmp.Diff([]int{1, 2}, m.Partitions()); diff != "" {
		t.Fatalf("partition order mismatch (-want +got):\n%s", diff)
	}

	specs := []Location{
		{Partition: 1, Block: 0, Blocks: 4},
		{Partition: 2, Block: 0, Blocks: 4},
		{Partition: 2, Block: 4, Blocks: 4},
		{Partition: 2, Block: 8, Blocks: 4},
		{Partition: 2, Block: 12, Blocks: 4},
	}
	for specIndex, exp := range specs {
		got, err := m.Place(uintptr(mm.Kilopage))
		if err != nil {
			t.Fatalf("[spec %d] %v", specIndex, err)
		}
		if diff := cmp.Diff(exp, got); diff != "" {
			t.Errorf("[spec %d] placement mismatch (-want +got):\n%s", specIndex, diff)
		}
	}

	if _, err := m.Place(uintptr(mm.Kilopage)); err != ErrNoSwapSpace {
		t.Fatalf("expected ErrNoSwapSpace; got %v", err)
	}

	if err := m.Release(specs[0]); err != nil {
		t.Fatal(err)
	}
	got, err := m.Place(uintptr(mm.Kilopage))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(specs[0], got); diff != "" {
		t.Errorf("expected released blocks to be reused (-want +got):\n%s", diff)
	}
}

func TestPageIO(t *testing.T) {
	m := NewManager()
	_ = m.RegisterPartition(0, newPartition(t, 0, 16))

	loc, err := m.Place(uintptr(mm.Kilopage))
	if err != nil {
		t.Fatal(err)
	}

	page := make([]byte, mm.Kilopage)
	for i := range page {
		page[i] = byte(i)
	}
	if err = m.WritePage(loc, page); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, mm.Kilopage)
	if err = m.ReadPage(loc, got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(page, got); diff != "" {
		t.Fatalf("page contents mismatch (-want +got):\n%s", diff)
	}

	if err = m.ReadPage(Location{Partition: 7}, got); err != ErrUnknownPartition {
		t.Fatalf("expected ErrUnknownPartition; got %v", err)
	}
}
