// Command gentsim boots the kernel on the simulated RISC-V machine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"gent/kernel/config"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(Boot), "")
	subcommands.Register(new(Swap), "")
	subcommands.Register(new(Config), "")
	subcommands.Register(new(Dump), "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

// loadConfig returns the configuration stored at path or the built-in one
// if path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

// fatalf prints an error and returns the failure exit status.
func fatalf(format string, args ...interface{}) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	return subcommands.ExitFailure
}
