package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"

	"gent/kernel/kmain"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	path  string
	steps int
	harts int
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "Boot the kernel and run the configured threads."
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [-config <path>] [-steps <n>] - Boot the kernel, run every hart for n
instructions and print the progress each thread made.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.path, "config", "", "TOML configuration file; the built-in configuration is used if empty.")
	f.IntVar(&b.steps, "steps", 2_000_000, "Number of instructions each hart executes.")
	f.IntVar(&b.harts, "harts", 0, "Override the number of harts.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	cfg, err := loadConfig(b.path)
	if err != nil {
		return fatalf("loading configuration: %v", err)
	}
	if b.harts > 0 {
		cfg.Harts = b.harts
	}

	k, err := kmain.Boot(cfg, os.Stdout)
	if err != nil {
		return fatalf("boot failed: %v", err)
	}
	defer func() { _ = k.Close() }()

	if err = k.Run(ctx, b.steps); err != nil {
		return fatalf("run failed: %v", err)
	}

	printProgress(os.Stdout, k)
	if k.Halted() {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// printProgress writes a table with the loop iterations each boot thread
// completed and its share of the total.
func printProgress(w io.Writer, k *kmain.Kernel) {
	var total uint64
	for _, bt := range k.Threads {
		total += bt.Progress.Load()
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "THREAD\tID\tPROGRAM\tPRIORITY\tITERATIONS\tSHARE")
	for _, bt := range k.Threads {
		n := bt.Progress.Load()
		share := 0.0
		if total != 0 {
			share = 100 * float64(n) / float64(total)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%.1f%%\n", bt.Name, bt.ID, bt.Program, bt.Priority, n, share)
	}
	_ = tw.Flush()
}
