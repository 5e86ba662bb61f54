package kfmt

import (
	"fmt"
	"io"
	"sync"
)

var (
	// earlyPrintBuffer stores console output produced before a sink is
	// attached.
	earlyPrintBuffer earlyBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer

	// sinkMu serializes console writes coming from concurrently running
	// harts so lines are never interleaved mid-write.
	sinkMu sync.Mutex
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	sinkMu.Lock()
	defer sinkMu.Unlock()

	outputSink = w
	if w != nil {
		_, _ = earlyPrintBuffer.WriteTo(w)
	}
	logger.SetOutput(consoleWriter{})
}

// GetOutputSink returns the currently active output sink or a writer that
// targets the early print buffer if no sink has been attached yet.
func GetOutputSink() io.Writer {
	return consoleWriter{}
}

// Printf formats according to a format specifier and writes to the kernel
// console. Output produced before a console sink is attached is buffered and
// replayed by SetOutputSink.
func Printf(format string, args ...interface{}) {
	Fprintf(consoleWriter{}, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(w, format, args...)
}

// consoleWriter routes writes to the active sink or, if none is attached, to
// the early print buffer.
type consoleWriter struct{}

// Write implements io.Writer.
func (consoleWriter) Write(p []byte) (int, error) {
	sinkMu.Lock()
	defer sinkMu.Unlock()

	if outputSink == nil {
		return earlyPrintBuffer.Write(p)
	}
	return outputSink.Write(p)
}
