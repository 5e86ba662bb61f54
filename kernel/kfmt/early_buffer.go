package kfmt

import (
	"fmt"
	"io"
)

// earlyBufferSize is the number of bytes of console output kept while no sink
// is attached.
const earlyBufferSize = 4096

// earlyBuffer holds console output produced before the machine attaches a
// console. When full, the oldest complete lines are discarded so a replay
// never starts in the middle of a line. Callers serialize access through
// sinkMu.
type earlyBuffer struct {
	data  [earlyBufferSize]byte
	start int
	n     int

	// dropped counts the bytes discarded since the last replay.
	dropped int
}

// at returns the i-th oldest buffered byte.
func (b *earlyBuffer) at(i int) byte {
	return b.data[(b.start+i)%earlyBufferSize]
}

// discard drops at least count of the oldest bytes, extending the cut up to
// the end of the line it falls in.
func (b *earlyBuffer) discard(count int) {
	for count < b.n && b.at(count-1) != '\n' {
		count++
	}
	b.start = (b.start + count) % earlyBufferSize
	b.n -= count
	b.dropped += count
}

// Write implements io.Writer. It never fails.
func (b *earlyBuffer) Write(p []byte) (int, error) {
	written := len(p)

	// Only the tail of an oversized write fits.
	if len(p) > earlyBufferSize {
		b.dropped += b.n + len(p) - earlyBufferSize
		b.start, b.n = 0, 0
		p = p[len(p)-earlyBufferSize:]
	}
	if over := b.n + len(p) - earlyBufferSize; over > 0 {
		b.discard(over)
	}

	for _, c := range p {
		b.data[(b.start+b.n)%earlyBufferSize] = c
		b.n++
	}
	return written, nil
}

// WriteTo replays the buffered output to w and empties the buffer. If output
// was lost the replay starts with a line reporting how much.
func (b *earlyBuffer) WriteTo(w io.Writer) (int64, error) {
	var total int64
	if b.dropped != 0 {
		n, err := fmt.Fprintf(w, "[kfmt] %d bytes of early output dropped\n", b.dropped)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}

	end := b.start + b.n
	chunks := [][]byte{b.data[b.start:min(end, earlyBufferSize)]}
	if end > earlyBufferSize {
		chunks = append(chunks, b.data[:end-earlyBufferSize])
	}

	b.start, b.n, b.dropped = 0, 0, 0
	for _, chunk := range chunks {
		n, err := w.Write(chunk)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
