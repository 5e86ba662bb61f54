package kfmt

import (
	"fmt"
	"sync/atomic"

	"gent/kernel"
)

var (
	// cpuHaltFn is invoked by Panic after the diagnostics have been printed.
	// The machine that hosts the kernel installs its own implementation via
	// SetHaltFunc; tests mock it.
	cpuHaltFn = func() {}

	// halted is set once Panic has run.
	halted atomic.Bool

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// SetHaltFunc registers the function that stops instruction execution on
// all harts. Passing nil restores the default no-op implementation.
func SetHaltFunc(fn func()) {
	if fn == nil {
		fn = func() {}
	}
	cpuHaltFn = fn
}

// Halted returns true if Panic has been invoked.
func Halted() bool {
	return halted.Load()
}

// Panic outputs the supplied error (if not nil) to the console and halts the
// system. Panic is the target for panics that escape a trap handler.
func Panic(e interface{}) {
	var (
		module  string
		message string
	)

	switch t := e.(type) {
	case nil:
	case *kernel.Error:
		module, message = t.Module, t.Message
	case error:
		module, message = errRuntimePanic.Module, t.Error()
	case string:
		module, message = errRuntimePanic.Module, t
	default:
		module, message = errRuntimePanic.Module, fmt.Sprint(t)
	}

	Printf("\n-----------------------------------\n")
	if message != "" {
		Printf("[%s] unrecoverable error: %s\n", module, message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	halted.Store(true)
	cpuHaltFn()
}
