package endpoint

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"framesock/internal/store"
	"framesock/pkg/wire"
)

var historyBucket = []byte("history")

// Message is one payload received by an endpoint.
type Message struct {
	ID      uuid.UUID
	From    wire.Address
	Payload []byte
	At      time.Time
}

// Message records are stored in protobuf wire format:
//
//	message MessageRecord {
//	  bytes  id          = 1; // 16-byte UUID
//	  string host        = 2;
//	  uint32 port        = 3;
//	  bytes  payload     = 4;
//	  int64  received_at = 5; // unix nanoseconds
//	}
const (
	fieldID         protowire.Number = 1
	fieldHost       protowire.Number = 2
	fieldPort       protowire.Number = 3
	fieldPayload    protowire.Number = 4
	fieldReceivedAt protowire.Number = 5
)

var errBadRecord = errors.New("endpoint: malformed message record")

func encodeMessage(m Message) []byte {
	b := make([]byte, 0, len(m.Payload)+len(m.From.Host)+40)
	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendBytes(b, m.ID[:])
	b = protowire.AppendTag(b, fieldHost, protowire.BytesType)
	b = protowire.AppendString(b, m.From.Host)
	b = protowire.AppendTag(b, fieldPort, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.From.Port))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Payload)
	b = protowire.AppendTag(b, fieldReceivedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.At.UnixNano()))
	return b
}

func decodeMessage(b []byte) (Message, error) {
	var m Message
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, fmt.Errorf("%w: %v", errBadRecord, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case typ == protowire.BytesType && (num == fieldID || num == fieldHost || num == fieldPayload):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return m, fmt.Errorf("%w: field %d: %v", errBadRecord, num, protowire.ParseError(n))
			}
			switch num {
			case fieldID:
				id, err := uuid.FromBytes(v)
				if err != nil {
					return m, fmt.Errorf("%w: id: %v", errBadRecord, err)
				}
				m.ID = id
			case fieldHost:
				m.From.Host = string(v)
			case fieldPayload:
				m.Payload = append([]byte{}, v...)
			}
			b = b[n:]
		case typ == protowire.VarintType && (num == fieldPort || num == fieldReceivedAt):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("%w: field %d: %v", errBadRecord, num, protowire.ParseError(n))
			}
			if num == fieldPort {
				m.From.Port = int(v)
			} else {
				m.At = time.Unix(0, int64(v))
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, fmt.Errorf("%w: field %d: %v", errBadRecord, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if m.ID == uuid.Nil {
		return m, fmt.Errorf("%w: missing id", errBadRecord)
	}
	return m, nil
}

// history is the bounded log of received messages, mirrored to a store when
// one is configured.
type history struct {
	limit int
	st    store.Store

	mu   sync.Mutex
	msgs []Message
}

func openHistory(st store.Store, limit int) (*history, error) {
	h := &history{limit: limit, st: st}
	if st == nil {
		return h, nil
	}
	err := st.ForEach(historyBucket, func(_, v []byte) error {
		m, err := decodeMessage(v)
		if err != nil {
			elog.Warn("skipping history record", "err", err)
			return nil
		}
		h.msgs = append(h.msgs, m)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	if over := len(h.msgs) - limit; over > 0 {
		h.msgs = h.msgs[over:]
	}
	return h, nil
}

func (h *history) add(m Message) {
	h.mu.Lock()
	h.msgs = append(h.msgs, m)
	if over := len(h.msgs) - h.limit; over > 0 {
		h.msgs = append(h.msgs[:0:0], h.msgs[over:]...)
	}
	h.mu.Unlock()

	if h.st == nil {
		return
	}
	if _, err := h.st.Append(historyBucket, encodeMessage(m)); err != nil {
		elog.Warn("persisting message", "id", m.ID.String(), "err", err)
		return
	}
	if err := h.st.Trim(historyBucket, h.limit); err != nil {
		elog.Warn("trimming history", "err", err)
	}
}

// last returns up to n most recent messages, oldest first. n <= 0 returns all.
func (h *history) last(n int) []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	start := 0
	if n > 0 && n < len(h.msgs) {
		start = len(h.msgs) - n
	}
	return append([]Message(nil), h.msgs[start:]...)
}

func (h *history) clear() error {
	h.mu.Lock()
	h.msgs = nil
	h.mu.Unlock()
	if h.st == nil {
		return nil
	}
	return h.st.Clear(historyBucket)
}
