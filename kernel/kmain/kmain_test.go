package kmain

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"gent/device/blockdev"
	"gent/kernel/config"
	"gent/kernel/mm"
	"gent/kernel/mm/swap"
	"gent/kernel/sched"
)

func testConfig(harts int, threads ...config.Thread) *config.Config {
	cfg := config.Default()
	cfg.Harts = harts
	cfg.TimerHz = 1000
	cfg.LogLevel = "warning"
	cfg.Memory.Size = config.Size(16 * mm.Mb)
	cfg.Swap = []config.Disk{{Kind: config.DiskRAM, Blocks: 64, BlockSize: 1024}}
	cfg.Threads = threads
	return cfg
}

func boot(t *testing.T, cfg *config.Config) (*Kernel, *bytes.Buffer) {
	t.Helper()

	var console bytes.Buffer
	k, err := Boot(cfg, &console)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = k.Close() })
	return k, &console
}

func run(t *testing.T, k *Kernel, steps int) {
	t.Helper()
	if err := k.Run(context.Background(), steps); err != nil {
		t.Fatal(err)
	}
	if k.Halted() {
		t.Fatal("kernel halted")
	}
}

func TestBootRunsThreads(t *testing.T) {
	k, console := boot(t, testConfig(1,
		config.Thread{Name: "low", Program: config.ProgramCounter, Priority: 1},
		config.Thread{Name: "high", Program: config.ProgramCounter, Priority: 10},
	))

	if !strings.Contains(console.String(), "[hal] ramdisk(0.1.0): initialized") {
		t.Fatalf("expected the swap disk probe in the console output:\n%s", console.String())
	}
	if got := k.Swap.Partitions(); len(got) != 1 {
		t.Fatalf("expected 1 swap partition; got %v", got)
	}

	run(t, k, 20000)

	low, high := k.Threads[0].Progress.Load(), k.Threads[1].Progress.Load()
	if low == 0 || high == 0 {
		t.Fatalf("expected both threads to run; got low %d high %d", low, high)
	}
	if high <= low {
		t.Fatalf("expected the high priority thread to make more progress; got low %d high %d", low, high)
	}
}

func TestEvictedStackIsReloaded(t *testing.T) {
	k, _ := boot(t, testConfig(1,
		config.Thread{Name: "pattern", Program: config.ProgramPattern, Priority: 1},
		config.Thread{Name: "counter", Program: config.ProgramCounter, Priority: 1},
	))

	run(t, k, 500)

	for round := 0; round < 3; round++ {
		before := k.Mem.Allocated()
		for _, bt := range k.Threads {
			if err := k.EvictStack(bt.ID); err != nil {
				t.Fatalf("[round %d] evicting %s: %v", round, bt.Name, err)
			}
		}

		if got := k.Swap.Len(); got != 2 {
			t.Fatalf("[round %d] expected 2 swap records; got %d", round, got)
		}
		if exp, got := before-2*uintptr(mm.FrameSize), k.Mem.Allocated(); got != exp {
			t.Fatalf("[round %d] expected evicted frames to be released; allocated %d, want %d", round, got, exp)
		}

		progress := k.Threads[0].Progress.Load()
		run(t, k, 500)

		if got := k.Swap.Len(); got != 0 {
			t.Fatalf("[round %d] expected all pages to be reloaded; %d records left", round, got)
		}
		if k.Threads[0].Progress.Load() <= progress {
			t.Fatalf("[round %d] expected the pattern thread to keep running", round)
		}
	}
}

func TestEvictedStackIsReloadedOnAnotherHart(t *testing.T) {
	k, _ := boot(t, testConfig(2,
		config.Thread{Name: "a", Program: config.ProgramPattern, Priority: 3},
		config.Thread{Name: "b", Program: config.ProgramPattern, Priority: 3},
		config.Thread{Name: "c", Program: config.ProgramPattern, Priority: 3},
	))

	run(t, k, 300)
	for _, bt := range k.Threads {
		if err := k.EvictStack(bt.ID); err != nil {
			t.Fatal(err)
		}
	}
	run(t, k, 2000)

	if got := k.Swap.Len(); got != 0 {
		t.Fatalf("expected all pages to be reloaded; %d records left", got)
	}
}

func TestFloatThreadsKeepFPState(t *testing.T) {
	k, _ := boot(t, testConfig(2,
		config.Thread{Name: "f0", Program: config.ProgramFloat, Priority: 1},
		config.Thread{Name: "f1", Program: config.ProgramFloat, Priority: 1},
		config.Thread{Name: "f2", Program: config.ProgramFloat, Priority: 5},
		config.Thread{Name: "busy", Program: config.ProgramCounter, Priority: 1},
	))

	run(t, k, 10000)

	for _, bt := range k.Threads {
		if bt.Progress.Load() == 0 {
			t.Errorf("expected thread %s to make progress", bt.Name)
		}
	}
}

func TestExitedThreadIsReaped(t *testing.T) {
	k, _ := boot(t, testConfig(1,
		config.Thread{Name: "exit", Program: config.ProgramExit, Priority: 1},
		config.Thread{Name: "counter", Program: config.ProgramCounter, Priority: 1},
	))

	before := k.Mem.Allocated()
	run(t, k, 5000)

	exitThread := k.Threads[0]
	if got := exitThread.Progress.Load(); got != exitIterations {
		t.Fatalf("expected the exit thread to run %d iterations; got %d", exitIterations, got)
	}
	if _, _, err := k.StackTop(exitThread.ID); !errors.Is(err, ErrUnknownThread) {
		t.Fatalf("expected the exited thread to be gone; got %v", err)
	}
	if got := before - k.Mem.Allocated(); got != sched.StackSize {
		t.Fatalf("expected the stack of the exited thread to be released; freed %d bytes", got)
	}

	kernelProc, _ := k.Sched.Proc(0)
	if got := kernelProc.Threads(); len(got) != 1 || got[0] != k.Threads[1].ID.Thread {
		t.Fatalf("expected only the counter thread to remain; got %v", got)
	}
}

func TestUserThread(t *testing.T) {
	k, _ := boot(t, testConfig(1,
		config.Thread{Name: "user", Program: config.ProgramPattern, Priority: 2, User: true},
		config.Thread{Name: "kernel", Program: config.ProgramCounter, Priority: 2},
	))

	user := k.Threads[0]
	if user.ID.Proc == 0 {
		t.Fatal("expected the user thread to get its own process")
	}

	proc, top, err := k.StackTop(user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if top.IsKernel() {
		t.Fatalf("expected a lower half user stack; got %s", top)
	}
	if _, err = k.Root.Translate(top); err == nil {
		t.Fatal("expected the user stack to be absent from the kernel address space")
	}

	run(t, k, 1000)
	if err = k.EvictStack(user.ID); err != nil {
		t.Fatal(err)
	}
	if _, found := k.Swap.Lookup(swap.Key{Proc: proc.ID, Addr: top}); !found {
		t.Fatal("expected a swap record keyed by the user process")
	}

	progress := user.Progress.Load()
	run(t, k, 1000)
	if user.Progress.Load() <= progress || k.Swap.Len() != 0 {
		t.Fatalf("expected the user stack to be reloaded; progress %d -> %d, %d records", progress, user.Progress.Load(), k.Swap.Len())
	}
}

func TestBootErrors(t *testing.T) {
	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig(0)
		if _, err := Boot(cfg, new(bytes.Buffer)); !errors.Is(err, config.ErrInvalid) {
			t.Fatalf("expected config.ErrInvalid; got %v", err)
		}
	})

	t.Run("locked swap image", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "swap.img")
		holder := blockdev.NewFileDisk(path, 16, 1024)
		if err := holder.DriverInit(new(bytes.Buffer)); err != nil {
			t.Fatal(err)
		}
		defer func() { _ = holder.Close() }()

		cfg := testConfig(1)
		cfg.Swap = []config.Disk{{Kind: config.DiskFile, Path: path, Blocks: 16, BlockSize: 1024}}

		var console bytes.Buffer
		if _, err := Boot(cfg, &console); !errors.Is(err, ErrNoSwapDisks) {
			t.Fatalf("expected ErrNoSwapDisks; got %v", err)
		}
		if !strings.Contains(console.String(), "init failed") {
			t.Fatalf("expected the probe failure on the console:\n%s", console.String())
		}
	})

	t.Run("out of memory", func(t *testing.T) {
		cfg := testConfig(1,
			config.Thread{Name: "a", Program: config.ProgramCounter},
			config.Thread{Name: "b", Program: config.ProgramCounter},
			config.Thread{Name: "c", Program: config.ProgramCounter},
		)
		cfg.Memory.Size = config.Size(2 * mm.Mb)
		if _, err := Boot(cfg, new(bytes.Buffer)); err == nil || !strings.Contains(err.Error(), "spawning thread") {
			t.Fatalf("expected a spawn failure; got %v", err)
		}
	})
}
