package cpu

import (
	"sync/atomic"

	"gent/kernel"
)

// ErrFrequencySet is returned when the timer frequency is written twice.
var ErrFrequencySet = &kernel.Error{Module: "cpu", Message: "timer frequency already set", Kind: kernel.KindMisuse}

// Frequency is the timer frequency discovered from platform firmware. It is
// written once during bring-up and read-only afterwards.
type Frequency struct {
	hz atomic.Uint64
}

// Set records the timer frequency in Hz.
func (f *Frequency) Set(hz uint64) error {
	if hz == 0 || !f.hz.CompareAndSwap(0, hz) {
		return ErrFrequencySet
	}
	return nil
}

// Hz returns the timer frequency. It is zero before Set is called.
func (f *Frequency) Hz() uint64 {
	return f.hz.Load()
}

// TicksFromMs converts a duration in milliseconds into timer ticks.
func (f *Frequency) TicksFromMs(ms uint64) uint64 {
	return f.hz.Load() * ms / 1000
}
