package vmm

import (
	"testing"

	"gent/kernel/mm"
)

func TestPageTableEntryClassify(t *testing.T) {
	specs := []struct {
		pte     PageTableEntry
		expKind EntryKind
	}{
		{0, EntryInvalid},
		{FlagRead | FlagWrite, EntryInvalid},
		{FlagSwapped | FlagRead, EntryInvalid},
		{FlagValid, EntryTable},
		{FlagValid | FlagUser | FlagAccessed, EntryTable},
		{FlagValid | FlagRead, EntryPage},
		{FlagValid | FlagExec, EntryPage},
		{FlagValid | FlagRead | FlagWrite | FlagDealloc, EntryPage},
	}

	for specIndex, spec := range specs {
		if got := spec.pte.Classify().Kind; got != spec.expKind {
			t.Errorf("[spec %d] expected entry %s to be classified as %s; got %s", specIndex, spec.pte, spec.expKind, got)
		}
	}
}

func TestPageTableEntryFrame(t *testing.T) {
	var pte PageTableEntry
	pte.SetFlags(FlagValid | FlagRead | FlagDealloc)
	pte.SetFrame(0x8020_3000)

	if exp, got := mm.PhysAddr(0x8020_3000), pte.Frame(); got != exp {
		t.Fatalf("expected frame %s; got %s", exp, got)
	}
	if !pte.HasFlags(FlagValid | FlagRead | FlagDealloc) {
		t.Fatal("expected SetFrame to preserve flags")
	}

	pte.SetPPN(0x42)
	if exp, got := uint64(0x42), pte.Classify().PPN; got != exp {
		t.Fatalf("expected PPN 0x%x; got 0x%x", exp, got)
	}

	pte.ClearFlags(FlagRead)
	if pte.IsRead() || pte.HasAnyFlag(FlagRead|FlagWrite) {
		t.Fatal("expected read flag to be cleared")
	}

	if exp, got := "VR------ dealloc ppn=0x42", (pte | FlagRead).String(); got != exp {
		t.Fatalf("expected %q; got %q", exp, got)
	}
}

func TestPageTableEntryAllows(t *testing.T) {
	pte := FlagValid | FlagRead | FlagExec
	specs := []struct {
		access mm.Access
		exp    bool
	}{
		{mm.AccessLoad, true},
		{mm.AccessStore, false},
		{mm.AccessExec, true},
	}

	for _, spec := range specs {
		if got := pte.Allows(spec.access); got != spec.exp {
			t.Errorf("[%s] expected Allows to return %t", spec.access, spec.exp)
		}
	}
}

func TestPermissions(t *testing.T) {
	if _, err := (Permissions{}).flags(); err != ErrInvalidPermissions {
		t.Errorf("expected ErrInvalidPermissions for empty permissions; got %v", err)
	}
	if _, err := (Permissions{Write: true}).flags(); err != ErrInvalidPermissions {
		t.Errorf("expected ErrInvalidPermissions for write-only permissions; got %v", err)
	}

	flags, err := UserRW.flags()
	if err != nil {
		t.Fatal(err)
	}
	if exp := FlagRead | FlagWrite | FlagUser | FlagDealloc; flags != exp {
		t.Fatalf("expected flags %s; got %s", exp, flags)
	}
	if got := PermissionsOf(flags | FlagValid); got != UserRW {
		t.Fatalf("expected %+v; got %+v", UserRW, got)
	}
}

func TestMode(t *testing.T) {
	specs := []struct {
		mode       Mode
		levels     int
		maxSize    mm.PageSize
		higherHalf mm.VirtAddr
	}{
		{Sv39, 3, mm.Gigapage, 0xffff_ffc0_0000_0000},
		{Sv48, 4, mm.Terapage, 0xffff_8000_0000_0000},
		{Sv57, 5, mm.Petapage, 0xff00_0000_0000_0000},
	}

	for _, spec := range specs {
		if got := spec.mode.Levels(); got != spec.levels {
			t.Errorf("[%s] expected %d levels; got %d", spec.mode, spec.levels, got)
		}
		if got := spec.mode.MaxPageSize(); got != spec.maxSize {
			t.Errorf("[%s] expected max page size %s; got %s", spec.mode, spec.maxSize, got)
		}
		if got := spec.mode.HigherHalf(); got != spec.higherHalf {
			t.Errorf("[%s] expected higher half at %s; got %s", spec.mode, spec.higherHalf, got)
		}
		if !spec.mode.IsCanonical(spec.higherHalf) || spec.mode.IsCanonical(spec.higherHalf-1) {
			t.Errorf("[%s] canonical address check failed", spec.mode)
		}

		mode, err := ModeFromSatp(spec.mode.Satp(0x8000_0000, 0))
		if err != nil || mode != spec.mode {
			t.Errorf("[%s] satp round trip returned %s, %v", spec.mode, mode, err)
		}

		if mode, err = ModeFromName(spec.mode.String()); err != nil || mode != spec.mode {
			t.Errorf("[%s] name round trip returned %s, %v", spec.mode, mode, err)
		}
	}

	if _, err := ModeFromSatp(uint64(Sv64) << 60); err != ErrUnsupportedMode {
		t.Errorf("expected Sv64 to be rejected; got %v", err)
	}
	if _, err := ModeFromName("sv64"); err == nil {
		t.Error("expected sv64 name to be rejected")
	}
}
