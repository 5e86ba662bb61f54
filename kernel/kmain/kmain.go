// Package kmain boots the kernel on the simulated machine described by a
// configuration.
package kmain

import (
	"context"
	"fmt"
	"io"

	"gent/device"
	"gent/device/blockdev"
	"gent/kernel"
	"gent/kernel/config"
	"gent/kernel/cpu"
	"gent/kernel/cpu/sim"
	"gent/kernel/hal"
	"gent/kernel/kfmt"
	"gent/kernel/mm"
	"gent/kernel/mm/pmm"
	"gent/kernel/mm/swap"
	"gent/kernel/mm/vmem"
	"gent/kernel/mm/vmm"
	"gent/kernel/sched"
	"gent/kernel/trap"
)

var (
	// ErrNoSwapDisks is returned when none of the configured swap disks
	// could be initialized.
	ErrNoSwapDisks = &kernel.Error{Module: "kmain", Message: "no swap disk initialized", Kind: kernel.KindMisuse}

	// ErrUnknownThread is returned for a thread id that has no stack.
	ErrUnknownThread = &kernel.Error{Module: "kmain", Message: "unknown thread", Kind: kernel.KindMisuse}
)

// userTextBase is where the text of user programs is mapped in their
// process.
const userTextBase = 0x1_0000

// Kernel is a booted kernel instance.
type Kernel struct {
	Config *config.Config
	Mode   vmm.Mode

	HHDM   *mm.HHDM
	Frames *vmem.Arena
	Mem    *pmm.Memory
	Virt   *vmem.Arena

	Swap     *swap.Manager
	Devices  *hal.Devices
	Services *vmm.Services
	Root     *vmm.RootTable

	Freq       *cpu.Frequency
	Sched      *sched.Scheduler
	Machine    *sim.Machine
	Dispatcher *trap.Dispatcher

	// Threads lists the threads spawned from the configuration.
	Threads []*BootThread
}

// Boot brings up a kernel for cfg. Console output and log lines are written
// to console.
func Boot(cfg *config.Config, console io.Writer) (k *Kernel, err error) {
	if err = cfg.Validate(); err != nil {
		return nil, err
	}

	kfmt.SetOutputSink(console)
	level, _ := cfg.Level()
	kfmt.SetLogLevel(level)

	k = &Kernel{Config: cfg}
	k.Mode, _ = cfg.PagingMode()

	defer func() {
		if err != nil {
			_ = k.Close()
			k = nil
		}
	}()

	if err = k.initMemory(); err != nil {
		return k, err
	}
	if err = k.initSwap(console); err != nil {
		return k, err
	}
	if err = k.initMachine(); err != nil {
		return k, err
	}
	if err = k.spawnThreads(); err != nil {
		return k, err
	}

	kfmt.Log("kmain").WithField("mode", k.Mode.String()).WithField("harts", cfg.Harts).
		WithField("ram", mm.Size(cfg.Memory.Size).String()).Info("kernel booted")
	return k, nil
}

// initMemory sets up the direct map, the frame allocator, the kernel virtual
// arena and the kernel root table.
func (k *Kernel) initMemory() error {
	mem := k.Config.Memory

	k.HHDM = new(mm.HHDM)
	if err := k.HHDM.Establish(uintptr(mem.HHDM)); err != nil {
		return err
	}

	k.Frames = vmem.New("frames", mm.FrameSize, nil)
	if err := k.Frames.Add(uintptr(mem.Base), uintptr(mem.Size)); err != nil {
		return err
	}

	var err error
	if k.Mem, err = pmm.New(mm.PhysAddr(mem.Base), uintptr(mem.Size), k.HHDM, k.Frames); err != nil {
		return err
	}

	k.Virt = vmem.New("kernel_virt", mm.FrameSize, nil)
	if err = k.Virt.Add(uintptr(mem.VirtBase), uintptr(mem.VirtSize)); err != nil {
		return err
	}

	k.Swap = swap.NewManager()
	k.Services = &vmm.Services{Mem: k.Mem, Swap: k.Swap}
	k.Root, err = vmm.NewRootTable(0, k.Mode, k.Services)
	return err
}

// swapDriver returns the probe entry for a configured swap disk.
func swapDriver(d config.Disk) *device.DriverInfo {
	return &device.DriverInfo{
		Order: device.DetectOrderStorage,
		Probe: func() device.Driver {
			if d.Kind == config.DiskFile {
				return blockdev.NewFileDisk(d.Path, d.Blocks, d.BlockSize)
			}
			return blockdev.NewRAMDisk(d.Blocks, d.BlockSize)
		},
	}
}

// initSwap probes the swap disks and registers one partition spanning each
// disk that initialized.
func (k *Kernel) initSwap(console io.Writer) error {
	if len(k.Config.Swap) == 0 {
		return nil
	}

	extra := make([]*device.DriverInfo, len(k.Config.Swap))
	for i, d := range k.Config.Swap {
		extra[i] = swapDriver(d)
	}
	k.Devices = hal.DetectHardware(console, extra...)
	if len(k.Devices.Disks) == 0 {
		return ErrNoSwapDisks
	}

	for id, disk := range k.Devices.Disks {
		part, err := blockdev.NewPartition(id, disk, 0, disk.Blocks())
		if err != nil {
			return err
		}
		if err = k.Swap.RegisterPartition(id, part); err != nil {
			return err
		}
	}
	return nil
}

// mapKernelPage backs the kernel page at va with a fresh frame.
func (k *Kernel) mapKernelPage(va mm.VirtAddr, perms vmm.Permissions) error {
	frame, err := k.Mem.AllocFrames(mm.FrameSize)
	if err != nil {
		return err
	}
	if err = k.Root.Map(va, frame, perms, mm.Kilopage); err != nil {
		_ = k.Mem.FreeFrames(frame, mm.FrameSize)
		return err
	}
	return nil
}

// programEntry returns the kernel text address of boot thread i. The idle
// loop occupies the first text page.
func (k *Kernel) programEntry(i int) uint64 {
	return uint64(k.Config.Memory.TextBase) + uint64(i+1)*uint64(mm.FrameSize)
}

// initMachine maps the idle loop and the per-hart idle stacks, creates the
// scheduler and the harts and installs the trap vector.
func (k *Kernel) initMachine() error {
	cfg := k.Config
	idlePC := uint64(cfg.Memory.TextBase)
	if err := k.mapKernelPage(mm.VirtAddr(idlePC), vmm.KernelRX); err != nil {
		return err
	}

	idleStacks := make([]uint64, cfg.Harts)
	for i := range idleStacks {
		base, err := k.Virt.Alloc(mm.FrameSize, mm.NextFit)
		if err != nil {
			return err
		}
		if err = k.mapKernelPage(mm.VirtAddr(base), vmm.KernelRW); err != nil {
			return err
		}
		idleStacks[i] = uint64(base) + uint64(mm.FrameSize)
	}

	k.Freq = new(cpu.Frequency)
	if err := k.Freq.Set(cfg.TimerHz); err != nil {
		return err
	}

	var err error
	k.Sched, err = sched.New(sched.Config{
		Harts:      cfg.Harts,
		Freq:       k.Freq,
		Services:   k.Services,
		KernelRoot: k.Root,
		Virt:       k.Virt,
		UserBase:   uintptr(cfg.Memory.UserBase),
		UserSize:   uintptr(cfg.Memory.UserSize),
	})
	if err != nil {
		return err
	}
	if err = k.Sched.Init(); err != nil {
		return err
	}

	if k.Machine, err = sim.NewMachine(k.Mem, cfg.Harts, idlePC, idleStacks); err != nil {
		return err
	}
	k.Services.Fence = k.Machine.FenceAll

	k.Dispatcher = &trap.Dispatcher{Sched: k.Sched}
	k.Machine.SetTrapHandler(k.Dispatcher.Enter)
	kfmt.SetHaltFunc(k.Machine.Halt)

	// The first timer interrupt moves every hart off its idle loop.
	for _, h := range k.Machine.Harts() {
		h.LoadPageTable(k.Root.Satp())
		h.SetTimer(1)
	}
	return nil
}

// spawnThreads loads the configured programs and spawns a thread for each.
// User threads get a process of their own.
func (k *Kernel) spawnThreads() error {
	for i, th := range k.Config.Threads {
		bt := &BootThread{Thread: th, Index: i}
		k.Threads = append(k.Threads, bt)

		var err error
		if th.User {
			err = k.spawnUser(bt)
		} else {
			entry := k.programEntry(i)
			if err = k.mapKernelPage(mm.VirtAddr(entry), vmm.KernelRX); err == nil {
				if err = k.Machine.Load(entry, k.program(bt, entry)); err == nil {
					bt.ID, err = k.Sched.SpawnKernelThread(entry, th.Priority)
				}
			}
		}
		if err != nil {
			return fmt.Errorf("kmain: spawning thread %q: %w", th.Name, err)
		}
	}
	return nil
}

func (k *Kernel) spawnUser(bt *BootThread) error {
	proc, err := k.Sched.CreateProc()
	if err != nil {
		return err
	}

	entry := uint64(userTextBase) + uint64(bt.Index)*uint64(mm.FrameSize)
	frame, err := k.Mem.AllocFrames(mm.FrameSize)
	if err != nil {
		return err
	}
	if err = proc.Root.Map(mm.VirtAddr(entry), frame, vmm.UserRX, mm.Kilopage); err != nil {
		_ = k.Mem.FreeFrames(frame, mm.FrameSize)
		return err
	}
	if err = k.Machine.Load(entry, k.program(bt, entry)); err != nil {
		return err
	}

	bt.ID, err = proc.SpawnThread(cpu.User, bt.Priority, entry)
	return err
}

// Run steps every hart for the supplied number of instructions.
func (k *Kernel) Run(ctx context.Context, steps int) error {
	return k.Machine.Run(ctx, steps)
}

// Halted returns true once the kernel panicked.
func (k *Kernel) Halted() bool {
	return k.Machine.Halted()
}

// StackTop returns the address of the topmost stack page of thread id.
func (k *Kernel) StackTop(id sched.ThreadID) (*sched.Proc, mm.VirtAddr, error) {
	proc, ok := k.Sched.Proc(id.Proc)
	if !ok {
		return nil, 0, ErrUnknownThread
	}
	base, ok := proc.StackBase(id.Thread)
	if !ok {
		return nil, 0, ErrUnknownThread
	}
	return proc, base.Add(sched.StackSize - mm.FrameSize), nil
}

// EvictStack swaps out the topmost stack page of thread id. The page is
// reloaded by the page fault handler the next time the thread touches it.
func (k *Kernel) EvictStack(id sched.ThreadID) error {
	proc, top, err := k.StackTop(id)
	if err != nil {
		return err
	}
	return proc.Root.SwapOut(top, proc.ID)
}

// Close releases the swap disks and the machine RAM.
func (k *Kernel) Close() error {
	var firstErr error
	if k.Machine != nil {
		k.Machine.Halt()
		kfmt.SetHaltFunc(nil)
	}
	if k.Devices != nil {
		firstErr = k.Devices.Close()
	}
	if k.Mem != nil {
		if err := k.Mem.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
