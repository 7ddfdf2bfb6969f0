package frame

import (
	"bytes"
	"errors"
	"testing"
)

func TestSplitChunkCount(t *testing.T) {
	tests := []struct {
		length, max, want int
	}{
		{0, 10, 0},
		{1, 10, 1},
		{10, 10, 1},
		{11, 10, 2},
		{100000, 65535, 2},
		{131070, 65535, 2},
		{131071, 65535, 3},
		{7, 1, 7},
	}
	for _, tt := range tests {
		payload := make([]byte, tt.length)
		for i := range payload {
			payload[i] = byte(i)
		}
		chunks, err := Split(payload, tt.max)
		if err != nil {
			t.Fatalf("Split(%d, %d): %v", tt.length, tt.max, err)
		}
		if len(chunks) != tt.want {
			t.Errorf("Split(%d, %d): got %d chunks, want %d", tt.length, tt.max, len(chunks), tt.want)
		}
		if ChunkCount(tt.length, tt.max) != tt.want {
			t.Errorf("ChunkCount(%d, %d): got %d, want %d", tt.length, tt.max, ChunkCount(tt.length, tt.max), tt.want)
		}
		var joined []byte
		for i, c := range chunks {
			if len(c) > tt.max {
				t.Errorf("chunk %d: %d bytes exceeds max %d", i, len(c), tt.max)
			}
			joined = append(joined, c...)
		}
		if !bytes.Equal(joined, payload) {
			t.Errorf("Split(%d, %d): concatenation differs from input", tt.length, tt.max)
		}
	}
}

func TestSplitChunksDoNotShareCapacity(t *testing.T) {
	payload := []byte("abcdef")
	chunks, err := Split(payload, 4)
	if err != nil {
		t.Fatal(err)
	}
	_ = append(chunks[0], 'X')
	if payload[4] != 'e' {
		t.Fatal("appending to a chunk overwrote the next chunk")
	}
}

func TestSplitBadSize(t *testing.T) {
	if _, err := Split([]byte("x"), 0); !errors.Is(err, ErrChunkSize) {
		t.Fatalf("expected ErrChunkSize, got %v", err)
	}
}

func TestAssemblerTransfer(t *testing.T) {
	var a Assembler
	a.Begin()
	if !a.Active() {
		t.Fatal("expected active transfer after Begin")
	}
	for _, c := range []string{"hel", "lo", ""} {
		if err := a.Append([]byte(c)); err != nil {
			t.Fatal(err)
		}
	}
	if a.Chunks() != 3 {
		t.Fatalf("chunks: got %d, want 3", a.Chunks())
	}
	if got := a.End(); string(got) != "hello" {
		t.Fatalf("End: got %q", got)
	}
	if a.Active() || a.Chunks() != 0 {
		t.Fatal("End should reset the assembler")
	}
}

func TestAssemblerEmptyTransfer(t *testing.T) {
	var a Assembler
	a.Begin()
	got := a.End()
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil payload, got %v", got)
	}
}

func TestAssemblerEndWithoutBegin(t *testing.T) {
	var a Assembler
	if err := a.Append([]byte("stray")); err != nil {
		t.Fatal(err)
	}
	if got := a.End(); string(got) != "stray" {
		t.Fatalf("End: got %q", got)
	}
	if a.Active() {
		t.Fatal("End must always terminate reassembly")
	}
}

func TestAssemblerBeginDiscardsPartial(t *testing.T) {
	var a Assembler
	a.Begin()
	_ = a.Append([]byte("old"))
	a.Begin()
	_ = a.Append([]byte("new"))
	if got := a.End(); string(got) != "new" {
		t.Fatalf("End: got %q", got)
	}
}

func TestAssemblerLimit(t *testing.T) {
	a := NewAssembler(4)
	a.Begin()
	if err := a.Append([]byte("abc")); err != nil {
		t.Fatal(err)
	}
	if err := a.Append([]byte("de")); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	if a.Active() {
		t.Fatal("overflow should drop the transfer")
	}
}
