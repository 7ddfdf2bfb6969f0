package wire

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ErrBadAddress is returned when an address token or host:port string cannot be parsed.
var ErrBadAddress = errors.New("wire: bad address")

// Address identifies a local or remote endpoint. Two addresses are equal iff
// host and port match exactly; no resolution or normalization is applied.
type Address struct {
	Host string
	Port int
}

// String returns the wire form "<host>,<port>" carried in address frames.
func (a Address) String() string {
	return a.Host + "," + strconv.Itoa(a.Port)
}

// HostPort returns the address in net.Dial form.
func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// IsZero reports whether a is the zero Address.
func (a Address) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

// ParseAddress decodes the "<host>,<port>" wire form. Whitespace around
// either part is ignored.
func ParseAddress(s string) (Address, error) {
	i := strings.LastIndexByte(s, ',')
	if i < 0 {
		return Address{}, fmt.Errorf("%w: %q has no port", ErrBadAddress, s)
	}
	return parseParts(s[:i], s[i+1:], s)
}

// ParseHostPort decodes a "host:port" string as used in configuration and flags.
func ParseHostPort(s string) (Address, error) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrBadAddress, err)
	}
	return parseParts(host, port, s)
}

// FromNetAddr converts a UDP or TCP net.Addr into an Address.
func FromNetAddr(na net.Addr) (Address, error) {
	switch v := na.(type) {
	case *net.UDPAddr:
		return Address{Host: v.IP.String(), Port: v.Port}, nil
	case *net.TCPAddr:
		return Address{Host: v.IP.String(), Port: v.Port}, nil
	case nil:
		return Address{}, fmt.Errorf("%w: nil net.Addr", ErrBadAddress)
	}
	return ParseHostPort(na.String())
}

func parseParts(host, port, raw string) (Address, error) {
	host = strings.TrimSpace(host)
	p, err := strconv.Atoi(strings.TrimSpace(port))
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q: invalid port", ErrBadAddress, raw)
	}
	if p < 0 || p > 65535 {
		return Address{}, fmt.Errorf("%w: %q: port out of range", ErrBadAddress, raw)
	}
	return Address{Host: host, Port: p}, nil
}
