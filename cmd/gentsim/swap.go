package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"gent/kernel/kmain"
)

// Swap implements subcommands.Command for the "swap" command.
type Swap struct {
	path   string
	steps  int
	rounds int
}

// Name implements subcommands.Command.Name.
func (*Swap) Name() string {
	return "swap"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Swap) Synopsis() string {
	return "Evict thread stacks to swap and let the page fault handler reload them."
}

// Usage implements subcommands.Command.Usage.
func (*Swap) Usage() string {
	return `swap [-config <path>] [-steps <n>] [-rounds <n>] - Boot the kernel and
repeatedly evict the top stack page of every thread while it runs.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Swap) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.path, "config", "", "TOML configuration file; the built-in configuration is used if empty.")
	f.IntVar(&s.steps, "steps", 500_000, "Number of instructions each hart executes between evictions.")
	f.IntVar(&s.rounds, "rounds", 4, "Number of eviction rounds.")
}

// Execute implements subcommands.Command.Execute.
func (s *Swap) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	cfg, err := loadConfig(s.path)
	if err != nil {
		return fatalf("loading configuration: %v", err)
	}
	if len(cfg.Swap) == 0 {
		return fatalf("the configuration has no swap disks")
	}

	k, err := kmain.Boot(cfg, os.Stdout)
	if err != nil {
		return fatalf("boot failed: %v", err)
	}
	defer func() { _ = k.Close() }()

	for round := 1; round <= s.rounds; round++ {
		if err = k.Run(ctx, s.steps); err != nil {
			return fatalf("run failed: %v", err)
		}
		if k.Halted() {
			return subcommands.ExitFailure
		}

		evicted := 0
		for _, bt := range k.Threads {
			if err = k.EvictStack(bt.ID); err != nil {
				fmt.Printf("round %d: %s (%s): %v\n", round, bt.Name, bt.ID, err)
				continue
			}
			evicted++
		}
		fmt.Printf("round %d: evicted %d pages, %d swap records, %d bytes of RAM in use\n",
			round, evicted, k.Swap.Len(), k.Mem.Allocated())
	}

	if err = k.Run(ctx, s.steps); err != nil {
		return fatalf("run failed: %v", err)
	}
	fmt.Printf("final: %d swap records left\n", k.Swap.Len())
	printProgress(os.Stdout, k)
	if k.Halted() {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
