package vmm

import (
	"testing"

	"gent/device/blockdev"
	"gent/kernel/mm"
	"gent/kernel/mm/pmm"
	"gent/kernel/mm/swap"
	"gent/kernel/mm/vmem"
)

const (
	testRAMSize    = 8 << 20
	testHHDMOffset = 0xffff_ffc0_0000_0000
)

type testEnv struct {
	mem    *pmm.Memory
	frames *vmem.Arena
	swap   *swap.Manager
	svc    *Services
	fences []mm.VirtAddr
}

// newTestEnv sets up 8MiB of RAM at physical address 0 together with a swap
// manager backed by a single 64KiB ramdisk partition.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		frames: vmem.New("phys", mm.FrameSize, nil),
		swap:   swap.NewManager(),
	}
	if err := env.frames.Add(0, testRAMSize); err != nil {
		t.Fatal(err)
	}

	hhdm := new(mm.HHDM)
	if err := hhdm.Establish(testHHDMOffset); err != nil {
		t.Fatal(err)
	}

	var err error
	if env.mem, err = pmm.New(0, testRAMSize, hhdm, env.frames); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = env.mem.Close() })

	part, err := blockdev.NewPartition(0, blockdev.NewRAMDisk(64, 1024), 0, 64)
	if err != nil {
		t.Fatal(err)
	}
	if err = env.swap.RegisterPartition(0, part); err != nil {
		t.Fatal(err)
	}

	env.svc = &Services{
		Mem:   env.mem,
		Swap:  env.swap,
		Fence: func(va mm.VirtAddr) { env.fences = append(env.fences, va) },
	}
	return env
}

func (env *testEnv) newRoot(t *testing.T, pid uint64, mode Mode) *RootTable {
	t.Helper()
	rt, err := NewRootTable(pid, mode, env.svc)
	if err != nil {
		t.Fatal(err)
	}
	return rt
}

// mapFreshPage backs vaddr with a newly allocated auto-free frame.
func (env *testEnv) mapFreshPage(t *testing.T, rt *RootTable, vaddr mm.VirtAddr, perms Permissions) mm.PhysAddr {
	t.Helper()
	pa, err := env.mem.AllocFrames(mm.FrameSize)
	if err != nil {
		t.Fatal(err)
	}
	if err = rt.Map(vaddr, pa, perms, mm.Kilopage); err != nil {
		t.Fatal(err)
	}
	return pa
}

// page returns the bytes of the frame currently backing vaddr.
func (env *testEnv) page(t *testing.T, rt *RootTable, vaddr mm.VirtAddr) []byte {
	t.Helper()
	pa, err := rt.Translate(vaddr)
	if err != nil {
		t.Fatal(err)
	}
	buf, err := env.mem.Slice(pa, mm.FrameSize)
	if err != nil {
		t.Fatal(err)
	}
	return buf
}
