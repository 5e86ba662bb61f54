package cpu

import "testing"

func TestSstatusFields(t *testing.T) {
	var s Sstatus

	for _, state := range []FPState{FPOff, FPInitial, FPClean, FPDirty} {
		s = s.WithFS(state)
		if got := s.FS(); got != state {
			t.Errorf("expected FS %s; got %s", state, got)
		}
	}
	if s != Sstatus(3)<<13 {
		t.Fatalf("expected FS to occupy bits 13-14; got 0x%x", uint64(s))
	}

	s = s.WithSPP(Supervisor)
	if s.SPP() != Supervisor || s.FS() != FPDirty {
		t.Fatalf("expected supervisor SPP with dirty FS; got %s/%s", s.SPP(), s.FS())
	}
	if s = s.WithSPP(User); s.SPP() != User {
		t.Fatalf("expected user SPP; got %s", s.SPP())
	}
}

func TestFrequency(t *testing.T) {
	var f Frequency

	if f.TicksFromMs(10) != 0 {
		t.Fatal("expected zero ticks before the frequency is set")
	}
	if err := f.Set(0); err != ErrFrequencySet {
		t.Fatalf("expected ErrFrequencySet for zero frequency; got %v", err)
	}
	if err := f.Set(10_000_000); err != nil {
		t.Fatal(err)
	}
	if err := f.Set(1); err != ErrFrequencySet {
		t.Fatalf("expected ErrFrequencySet; got %v", err)
	}

	specs := []struct {
		ms, exp uint64
	}{
		{0, 0},
		{8, 80_000},
		{16, 160_000},
	}
	for _, spec := range specs {
		if got := f.TicksFromMs(spec.ms); got != spec.exp {
			t.Errorf("expected %dms to be %d ticks; got %d", spec.ms, spec.exp, got)
		}
	}
}
