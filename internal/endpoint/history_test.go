package endpoint

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"framesock/pkg/wire"
)

func TestMessageRecord(t *testing.T) {
	m := Message{
		ID:      uuid.New(),
		From:    wire.Address{Host: "192.0.2.7", Port: 5000},
		Payload: []byte("payload"),
		At:      time.Unix(0, 1700000000123456789),
	}
	b := encodeMessage(m)
	// Unknown trailing fields are skipped.
	b = protowire.AppendTag(b, 99, protowire.VarintType)
	b = protowire.AppendVarint(b, 7)

	got, err := decodeMessage(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != m.ID || got.From != m.From || !bytes.Equal(got.Payload, m.Payload) || !got.At.Equal(m.At) {
		t.Fatalf("decoded %+v, want %+v", got, m)
	}
}

func TestMessageRecordMalformed(t *testing.T) {
	valid := encodeMessage(Message{ID: uuid.New(), Payload: []byte("x")})
	tests := map[string][]byte{
		"truncated":  valid[:len(valid)-1],
		"missing id": protowire.AppendVarint(protowire.AppendTag(nil, fieldPort, protowire.VarintType), 1),
		"short id":   protowire.AppendBytes(protowire.AppendTag(nil, fieldID, protowire.BytesType), []byte{1, 2, 3}),
	}
	for name, b := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := decodeMessage(b); !errors.Is(err, errBadRecord) {
				t.Fatalf("err = %v, want errBadRecord", err)
			}
		})
	}
}

func TestQueueDropsOldest(t *testing.T) {
	q := newQueue(2)
	for _, s := range []string{"a", "b", "c"} {
		q.push(Message{Payload: []byte(s)})
	}
	got := q.drain()
	if len(got) != 2 || string(got[0].Payload) != "b" || string(got[1].Payload) != "c" {
		t.Fatalf("queue = %v", got)
	}
	if q.dropped != 1 {
		t.Fatalf("dropped = %d", q.dropped)
	}
	select {
	case <-q.ready:
	default:
		t.Fatal("ready not signalled")
	}
}
