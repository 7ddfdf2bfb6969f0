package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Magic      = 0x4653 // "FS"
	Version    = 0x01
	HeaderSize = 8        // 2 (magic) + 1 (version) + 1 (kind) + 4 (length)
	MaxPayload = 16 << 20 // 16 MB
)

var (
	ErrBadMagic   = errors.New("wire: invalid magic")
	ErrBadVersion = errors.New("wire: unsupported protocol version")
	ErrBadKind    = errors.New("wire: unknown frame kind")
	ErrTooLarge   = errors.New("wire: payload too large")
	ErrTruncated  = errors.New("wire: truncated frame")
	ErrNotControl = errors.New("wire: not a control frame")
	ErrBadToken   = errors.New("wire: unknown control token")
	errTrailing   = errors.New("wire: trailing bytes after frame")
)

// Kind distinguishes address, control and data frames.
type Kind uint8

const (
	KindAddress Kind = 1
	KindControl Kind = 2
	KindData    Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindAddress:
		return "address"
	case KindControl:
		return "control"
	case KindData:
		return "data"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k Kind) valid() bool {
	return k >= KindAddress && k <= KindData
}

// Frame is one decoded transport unit.
type Frame struct {
	Kind    Kind
	Payload []byte
}

// Token returns the control token carried by a control frame.
func (f Frame) Token() (Token, error) {
	if f.Kind != KindControl {
		return 0, fmt.Errorf("%w: got %s", ErrNotControl, f.Kind)
	}
	if len(f.Payload) != 1 || !Token(f.Payload[0]).Valid() {
		return 0, fmt.Errorf("%w: % x", ErrBadToken, f.Payload)
	}
	return Token(f.Payload[0]), nil
}

// Address decodes the payload of an address frame.
func (f Frame) Address() (Address, error) {
	if f.Kind != KindAddress {
		return Address{}, fmt.Errorf("%w: %s frame", ErrBadAddress, f.Kind)
	}
	return ParseAddress(string(f.Payload))
}

// AppendFrame appends the encoded frame [2B magic][1B version][1B kind][4B length][payload] to dst.
func AppendFrame(dst []byte, kind Kind, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return dst, fmt.Errorf("%w: %d > %d", ErrTooLarge, len(payload), MaxPayload)
	}
	var hdr [HeaderSize]byte
	putHeader(hdr[:], kind, len(payload))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...), nil
}

// EncodeFrame returns a freshly allocated encoded frame.
func EncodeFrame(kind Kind, payload []byte) ([]byte, error) {
	return AppendFrame(make([]byte, 0, HeaderSize+len(payload)), kind, payload)
}

// AddressFrame encodes a's wire form as an address frame.
func AddressFrame(a Address) []byte {
	b, _ := EncodeFrame(KindAddress, []byte(a.String()))
	return b
}

// ControlFrame encodes t as a control frame.
func ControlFrame(t Token) []byte {
	b, _ := EncodeFrame(KindControl, []byte{byte(t)})
	return b
}

// DecodeFrame parses exactly one frame occupying all of b, as received in a datagram.
// The returned payload aliases b.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: %d header bytes", ErrTruncated, len(b))
	}
	kind, length, err := parseHeader(b[:HeaderSize])
	if err != nil {
		return Frame{}, err
	}
	body := b[HeaderSize:]
	switch {
	case len(body) < length:
		return Frame{}, fmt.Errorf("%w: have %d of %d payload bytes", ErrTruncated, len(body), length)
	case len(body) > length:
		return Frame{}, fmt.Errorf("%w: %d", errTrailing, len(body)-length)
	}
	return Frame{Kind: kind, Payload: body}, nil
}

// WriteFrame writes one frame to a stream in a single Write call.
func WriteFrame(w io.Writer, kind Kind, payload []byte) error {
	buf, err := EncodeFrame(kind, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one frame from a stream, validating magic, version, kind and length.
func ReadFrame(r io.Reader) (Frame, error) {
	raw, err := ReadRawFrame(r)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Kind: Kind(raw[3]), Payload: raw[HeaderSize:]}, nil
}

// ReadRawFrame reads one frame from a stream and returns it still encoded,
// header included, so it can be handed on as if it were a datagram.
func ReadRawFrame(r io.Reader) ([]byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("reading frame header: %w", err)
	}
	_, length, err := parseHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	raw := make([]byte, HeaderSize+length)
	copy(raw, hdr[:])
	if _, err := io.ReadFull(r, raw[HeaderSize:]); err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	return raw, nil
}

func putHeader(hdr []byte, kind Kind, length int) {
	binary.BigEndian.PutUint16(hdr[0:2], Magic)
	hdr[2] = Version
	hdr[3] = byte(kind)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(length))
}

func parseHeader(hdr []byte) (Kind, int, error) {
	if magic := binary.BigEndian.Uint16(hdr[0:2]); magic != Magic {
		return 0, 0, fmt.Errorf("%w: 0x%04X", ErrBadMagic, magic)
	}
	if hdr[2] != Version {
		return 0, 0, fmt.Errorf("%w: %d", ErrBadVersion, hdr[2])
	}
	kind := Kind(hdr[3])
	if !kind.valid() {
		return 0, 0, fmt.Errorf("%w: %d", ErrBadKind, hdr[3])
	}
	length := binary.BigEndian.Uint32(hdr[4:8])
	if length > MaxPayload {
		return 0, 0, fmt.Errorf("%w: %d > %d", ErrTooLarge, length, MaxPayload)
	}
	return kind, int(length), nil
}
