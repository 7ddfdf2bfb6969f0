package registry

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Block records are stored in protobuf wire format:
//
//	message BlockRecord {
//	  string host       = 1;
//	  int64  blocked_at = 2; // unix nanoseconds
//	}
const (
	fieldHost      protowire.Number = 1
	fieldBlockedAt protowire.Number = 2
)

var errBadRecord = errors.New("registry: malformed block record")

type blockRecord struct {
	host string
	at   time.Time
}

func encodeBlockRecord(rec blockRecord) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldHost, protowire.BytesType)
	b = protowire.AppendString(b, rec.host)
	b = protowire.AppendTag(b, fieldBlockedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(rec.at.UnixNano()))
	return b
}

func decodeBlockRecord(b []byte) (blockRecord, error) {
	var rec blockRecord
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return rec, fmt.Errorf("%w: %v", errBadRecord, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldHost && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return rec, fmt.Errorf("%w: host: %v", errBadRecord, protowire.ParseError(n))
			}
			rec.host = v
			b = b[n:]
		case num == fieldBlockedAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return rec, fmt.Errorf("%w: blocked_at: %v", errBadRecord, protowire.ParseError(n))
			}
			rec.at = time.Unix(0, int64(v))
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return rec, fmt.Errorf("%w: field %d: %v", errBadRecord, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if rec.host == "" {
		return rec, fmt.Errorf("%w: missing host", errBadRecord)
	}
	return rec, nil
}
