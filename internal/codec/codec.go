// Package codec implements the reversible payload transform applied to every
// outbound message before it is chunked, and undone after reassembly.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
)

const (
	DefaultLevel  = 6
	DefaultPasses = 1
	MaxPasses     = 2 // the legacy double pass

	// DefaultMaxOutput caps a single decompression pass.
	DefaultMaxOutput = 64 << 20
)

var (
	ErrCorrupt  = errors.New("codec: corrupt compressed data")
	ErrTooLarge = errors.New("codec: decompressed payload too large")
)

// Codec compresses with zlib a fixed number of passes. Safe for concurrent use.
type Codec struct {
	level     int
	passes    int
	maxOutput int

	writers sync.Pool
}

// New returns a Codec applying passes rounds of zlib at the given level.
func New(passes, level int) (*Codec, error) {
	if passes < 1 || passes > MaxPasses {
		return nil, fmt.Errorf("codec: passes must be 1..%d, got %d", MaxPasses, passes)
	}
	if level < zlib.HuffmanOnly || level > zlib.BestCompression {
		return nil, fmt.Errorf("codec: invalid zlib level %d", level)
	}
	c := &Codec{level: level, passes: passes, maxOutput: DefaultMaxOutput}
	c.writers.New = func() any {
		w, _ := zlib.NewWriterLevel(nil, c.level)
		return w
	}
	return c, nil
}

// Default returns a single-pass codec at DefaultLevel.
func Default() *Codec {
	c, _ := New(DefaultPasses, DefaultLevel)
	return c
}

// Passes reports how many rounds the codec applies.
func (c *Codec) Passes() int { return c.passes }

// SetMaxOutput changes the per-pass decompression limit. n <= 0 restores the default.
func (c *Codec) SetMaxOutput(n int) {
	if n <= 0 {
		n = DefaultMaxOutput
	}
	c.maxOutput = n
}

// Compress returns the transformed payload. The output is deterministic for a
// given input, level and pass count.
func (c *Codec) Compress(p []byte) ([]byte, error) {
	out := p
	for range c.passes {
		var err error
		if out, err = c.deflate(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Decompress reverses Compress. Malformed input yields an error wrapping ErrCorrupt.
func (c *Codec) Decompress(p []byte) ([]byte, error) {
	out := p
	for range c.passes {
		var err error
		if out, err = c.inflate(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *Codec) deflate(p []byte) ([]byte, error) {
	w := c.writers.Get().(*zlib.Writer)
	defer c.writers.Put(w)

	var buf bytes.Buffer
	w.Reset(&buf)
	if _, err := w.Write(p); err != nil {
		return nil, fmt.Errorf("codec: deflate: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("codec: deflate close: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Codec) inflate(p []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, int64(c.maxOutput)+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if len(out) > c.maxOutput {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, c.maxOutput)
	}
	return out, nil
}
