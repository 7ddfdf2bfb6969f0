// Package frame splits compressed payloads into bounded chunks and
// reassembles them between TRANSFER-BEGIN and TRANSFER-END.
package frame

import (
	"errors"
	"fmt"
)

// DefaultMaxChunk is the default upper bound on one data frame payload.
const DefaultMaxChunk = 65535

var ErrChunkSize = errors.New("frame: chunk size must be positive")

// Split cuts payload into consecutive chunks of at most size bytes.
// An empty payload yields zero chunks. Chunks alias payload.
func Split(payload []byte, size int) ([][]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrChunkSize, size)
	}
	chunks := make([][]byte, 0, ChunkCount(len(payload), size))
	for off := 0; off < len(payload); off += size {
		end := min(off+size, len(payload))
		chunks = append(chunks, payload[off:end:end])
	}
	return chunks, nil
}

// ChunkCount returns ceil(length / size).
func ChunkCount(length, size int) int {
	if length <= 0 || size <= 0 {
		return 0
	}
	return (length + size - 1) / size
}

// Assembler is the pending transfer of one receive cycle. The zero value is ready to use.
type Assembler struct {
	active bool
	chunks int
	buf    []byte
	limit  int
}

// NewAssembler returns an Assembler refusing transfers larger than limit bytes (0 = unlimited).
func NewAssembler(limit int) *Assembler {
	return &Assembler{limit: limit}
}

// ErrOverflow is returned by Append when the transfer exceeds the assembler's limit.
var ErrOverflow = errors.New("frame: transfer exceeds limit")

// Begin discards any partial transfer and starts a new one.
func (a *Assembler) Begin() {
	a.Reset()
	a.active = true
}

// Active reports whether a transfer is in progress.
func (a *Assembler) Active() bool { return a.active }

// Chunks returns the number of chunks appended to the current transfer.
func (a *Assembler) Chunks() int { return a.chunks }

// Append adds the next chunk in arrival order. It does not check Active;
// receivers drop data frames that arrive outside a transfer before calling it.
func (a *Assembler) Append(chunk []byte) error {
	if a.limit > 0 && len(a.buf)+len(chunk) > a.limit {
		a.Reset()
		return fmt.Errorf("%w: %d bytes", ErrOverflow, a.limit)
	}
	a.buf = append(a.buf, chunk...)
	a.chunks++
	return nil
}

// End closes the transfer and returns the concatenated chunks. It always
// resets the assembler, whether or not Begin was called.
func (a *Assembler) End() []byte {
	out := a.buf
	if out == nil {
		out = []byte{}
	}
	a.buf = nil
	a.active = false
	a.chunks = 0
	return out
}

// Reset drops any partial transfer.
func (a *Assembler) Reset() {
	a.buf = nil
	a.active = false
	a.chunks = 0
}
