package pmm

import (
	"testing"

	"gent/kernel/mm"
	"gent/kernel/mm/vmem"
)

func newTestMemory(t *testing.T, establish bool) (*Memory, *vmem.Arena) {
	t.Helper()

	const (
		base = mm.PhysAddr(0x8000_0000)
		size = 16 * mm.FrameSize
	)

	frames := vmem.New("phys", mm.FrameSize, nil)
	if err := frames.Add(uintptr(base), size); err != nil {
		t.Fatal(err)
	}

	hhdm := new(mm.HHDM)
	if establish {
		if err := hhdm.Establish(0xffff_ffc0_0000_0000); err != nil {
			t.Fatal(err)
		}
	}

	m, err := New(base, size, hhdm, frames)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m, frames
}

func TestMemoryRequiresHHDM(t *testing.T) {
	m, _ := newTestMemory(t, false)

	if _, err := m.Slice(m.Base(), mm.FrameSize); err != mm.ErrHHDMNotEstablished {
		t.Fatalf("expected ErrHHDMNotEstablished; got %v", err)
	}
}

func TestMemorySliceBounds(t *testing.T) {
	m, _ := newTestMemory(t, true)

	specs := []struct {
		pa     mm.PhysAddr
		n      uintptr
		expErr error
	}{
		{m.Base(), mm.FrameSize, nil},
		{m.Base().Add(15 * mm.FrameSize), mm.FrameSize, nil},
		{m.Base().Add(15 * mm.FrameSize), mm.FrameSize + 1, ErrOutOfRange},
		{m.Base() - 1, 1, ErrOutOfRange},
		{0, 1, ErrOutOfRange},
	}

	for specIndex, spec := range specs {
		buf, err := m.Slice(spec.pa, spec.n)
		if err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
			continue
		}
		if err == nil && uintptr(len(buf)) != spec.n {
			t.Errorf("[spec %d] expected %d bytes; got %d", specIndex, spec.n, len(buf))
		}
	}
}

func TestMemorySliceVirt(t *testing.T) {
	m, _ := newTestMemory(t, true)

	buf, _ := m.Slice(m.Base().Add(mm.FrameSize), 4)
	copy(buf, []byte{1, 2, 3, 4})

	va, _ := m.HHDM().ToVirt(m.Base().Add(mm.FrameSize))
	alias, err := m.SliceVirt(va, 4)
	if err != nil {
		t.Fatal(err)
	}
	if alias[3] != 4 {
		t.Fatalf("expected direct map alias to observe writes; got %v", alias)
	}
}

func TestMemoryAllocFramesZeroes(t *testing.T) {
	m, frames := newTestMemory(t, true)

	pa, err := m.AllocFrames(mm.FrameSize)
	if err != nil {
		t.Fatal(err)
	}
	buf, _ := m.Slice(pa, mm.FrameSize)
	buf[100] = 0xff

	if err = m.FreeFrames(pa, mm.FrameSize); err != nil {
		t.Fatal(err)
	}
	if got := m.Allocated(); got != 0 {
		t.Fatalf("expected no allocated bytes; got %d", got)
	}

	// Force reuse of the same frame and make sure it comes back zeroed.
	for {
		again, err := m.AllocFrames(mm.FrameSize)
		if err != nil {
			t.Fatal(err)
		}
		if again == pa {
			break
		}
	}
	if buf[100] != 0 {
		t.Fatal("expected reallocated frame to be zeroed")
	}

	if frames.FreeBytes() == frames.Total() {
		t.Fatal("expected frames to be in use")
	}
}

func TestNewRejectsMisalignedRAM(t *testing.T) {
	if _, err := New(0x1001, mm.FrameSize, new(mm.HHDM), vmem.New("phys", mm.FrameSize, nil)); err != ErrMisalignedRAM {
		t.Fatalf("expected ErrMisalignedRAM; got %v", err)
	}
}

func TestMemoryHeapBacked(t *testing.T) {
	defer func(orig func(uintptr) ([]byte, func() error, error)) {
		mapRAMFn = orig
	}(mapRAMFn)
	mapRAMFn = heapRAM

	m, err := New(0, 2*mm.FrameSize, new(mm.HHDM), vmem.New("phys", mm.FrameSize, nil))
	if err != nil {
		t.Fatal(err)
	}
	if m.Size() != 2*mm.FrameSize {
		t.Fatalf("expected RAM size 0x%x; got 0x%x", 2*mm.FrameSize, m.Size())
	}
	if err = m.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryReserveFrames(t *testing.T) {
	m, _ := newTestMemory(t, true)

	pa := m.Base().Add(2 * mm.FrameSize)
	if err := m.ReserveFrames(pa, mm.FrameSize); err != nil {
		t.Fatal(err)
	}
	if err := m.ReserveFrames(pa, mm.FrameSize); err != vmem.ErrExhausted {
		t.Fatalf("expected vmem.ErrExhausted; got %v", err)
	}
	if err := m.ReserveFrames(0, mm.FrameSize); err != ErrOutOfRange {
		t.Fatalf("expected ErrOutOfRange; got %v", err)
	}
	if err := m.FreeFrames(pa, mm.FrameSize); err != nil {
		t.Fatal(err)
	}
	if got := m.Allocated(); got != 0 {
		t.Fatalf("expected no allocated bytes; got %d", got)
	}
}
