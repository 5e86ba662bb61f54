package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/google/subcommands"

	"gent/kernel/kmain"
	"gent/kernel/mm"
	"gent/kernel/mm/vmm"
)

// Dump implements subcommands.Command for the "dump" command.
type Dump struct {
	path  string
	steps int
	evict bool
}

// Name implements subcommands.Command.Name.
func (*Dump) Name() string {
	return "dump"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Dump) Synopsis() string {
	return "Print the page table mappings of every process."
}

// Usage implements subcommands.Command.Usage.
func (*Dump) Usage() string {
	return `dump [-config <path>] [-steps <n>] [-evict] - Boot the kernel and print
the leaf mappings and evicted pages of every process.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Dump) SetFlags(f *flag.FlagSet) {
	f.StringVar(&d.path, "config", "", "TOML configuration file; the built-in configuration is used if empty.")
	f.IntVar(&d.steps, "steps", 0, "Number of instructions each hart executes before the dump.")
	f.BoolVar(&d.evict, "evict", false, "Evict the top stack page of every thread before the dump.")
}

// Execute implements subcommands.Command.Execute.
func (d *Dump) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	cfg, err := loadConfig(d.path)
	if err != nil {
		return fatalf("loading configuration: %v", err)
	}

	k, err := kmain.Boot(cfg, os.Stdout)
	if err != nil {
		return fatalf("boot failed: %v", err)
	}
	defer func() { _ = k.Close() }()

	if d.steps > 0 {
		if err = k.Run(ctx, d.steps); err != nil {
			return fatalf("run failed: %v", err)
		}
	}
	if d.evict {
		for _, bt := range k.Threads {
			if err = k.EvictStack(bt.ID); err != nil {
				return fatalf("evicting %s: %v", bt.Name, err)
			}
		}
	}

	if err = dumpMappings(os.Stdout, k); err != nil {
		return fatalf("dump failed: %v", err)
	}
	return subcommands.ExitSuccess
}

// dumpMappings prints the mappings of the kernel process followed by those
// of every user process that runs a boot thread. Runs of pages with equal
// flags and contiguous frames are merged into one line.
func dumpMappings(w io.Writer, k *kmain.Kernel) error {
	pids := []uint64{0}
	seen := map[uint64]bool{0: true}
	for _, bt := range k.Threads {
		if !seen[bt.ID.Proc] {
			seen[bt.ID.Proc] = true
			pids = append(pids, bt.ID.Proc)
		}
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	defer func() { _ = tw.Flush() }()

	for _, pid := range pids {
		proc, ok := k.Sched.Proc(pid)
		if !ok {
			continue
		}
		fmt.Fprintf(tw, "proc %d (%s, satp 0x%x)\n", pid, proc.Root.Mode(), proc.Root.Satp())
		fmt.Fprintln(tw, "VADDR\tSIZE\tPAGES\tENTRY")

		var run mappingRun
		err := proc.Root.Walk(func(vaddr mm.VirtAddr, pte vmm.PageTableEntry, size mm.PageSize) bool {
			if !run.extend(vaddr, pte, size) {
				run.print(tw)
				run = mappingRun{start: vaddr, first: pte, last: pte, size: size, pages: 1}
			}
			return true
		})
		if err != nil {
			return err
		}
		run.print(tw)
	}
	return nil
}

// mappingRun is a sequence of adjacent pages with the same size and flags.
type mappingRun struct {
	start       mm.VirtAddr
	first, last vmm.PageTableEntry
	size        mm.PageSize
	pages       int
}

const flagMask = vmm.PageTableEntry(1<<10 - 1)

func (r *mappingRun) extend(vaddr mm.VirtAddr, pte vmm.PageTableEntry, size mm.PageSize) bool {
	if r.pages == 0 || size != r.size || pte&flagMask != r.first&flagMask {
		return false
	}
	if vaddr != r.start.Add(uintptr(r.pages)*size.Bytes()) {
		return false
	}
	if !pte.IsSwapped() && pte.PPN() != r.last.PPN()+uint64(size.Bytes()/mm.FrameSize) {
		return false
	}
	r.last = pte
	r.pages++
	return true
}

func (r *mappingRun) print(w io.Writer) {
	if r.pages == 0 {
		return
	}
	fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", r.start, r.size, r.pages, r.first)
}
