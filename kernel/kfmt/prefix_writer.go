package kfmt

import (
	"bytes"
	"fmt"
	"io"
)

// PrefixWriter is an io.Writer that injects a prefix at the beginning of each
// line written to Sink. Every prefixed line reaches Sink with a single Write
// so driver output never interleaves with log lines coming from other harts.
// A trailing partial line is held back until it is completed or Flush is
// called.
type PrefixWriter struct {
	// A writer where all writes get sent to.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	line []byte
}

// NewPrefixWriter returns a PrefixWriter for sink whose prefix is built from
// format and args.
func NewPrefixWriter(sink io.Writer, format string, args ...interface{}) *PrefixWriter {
	return &PrefixWriter{Sink: sink, Prefix: []byte(fmt.Sprintf(format, args...))}
}

// SetPrefix changes the prefix for subsequent lines. Any pending partial line
// is flushed with the old prefix first.
func (w *PrefixWriter) SetPrefix(format string, args ...interface{}) error {
	err := w.Flush()
	w.Prefix = fmt.Appendf(w.Prefix[:0], format, args...)
	return err
}

// Write implements io.Writer. The injected prefix is not included in the
// returned byte count.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written int
	for len(p) > 0 {
		eol := bytes.IndexByte(p, '\n')
		if eol < 0 {
			w.line = append(w.line, p...)
			return written + len(p), nil
		}

		w.line = append(w.line, p[:eol+1]...)
		if err := w.emit(); err != nil {
			return written, err
		}
		written += eol + 1
		p = p[eol+1:]
	}
	return written, nil
}

// Flush terminates and writes out a pending partial line.
func (w *PrefixWriter) Flush() error {
	if len(w.line) == 0 {
		return nil
	}
	w.line = append(w.line, '\n')
	return w.emit()
}

func (w *PrefixWriter) emit() error {
	out := make([]byte, 0, len(w.Prefix)+len(w.line))
	out = append(append(out, w.Prefix...), w.line...)
	w.line = w.line[:0]

	_, err := w.Sink.Write(out)
	return err
}
