package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

// Config implements subcommands.Command for the "config" command.
type Config struct {
	path string
}

// Name implements subcommands.Command.Name.
func (*Config) Name() string {
	return "config"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Config) Synopsis() string {
	return "Print the effective configuration."
}

// Usage implements subcommands.Command.Usage.
func (*Config) Usage() string {
	return `config [-config <path>] - Print the configuration the kernel would boot with.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Config) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.path, "config", "", "TOML configuration file; the built-in configuration is used if empty.")
}

// Execute implements subcommands.Command.Execute.
func (c *Config) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	cfg, err := loadConfig(c.path)
	if err != nil {
		return fatalf("loading configuration: %v", err)
	}
	if err = cfg.Encode(os.Stdout); err != nil {
		return fatalf("encoding configuration: %v", err)
	}
	return subcommands.ExitSuccess
}
