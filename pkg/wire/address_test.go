package wire

import (
	"errors"
	"net"
	"testing"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    Address
		wantErr bool
	}{
		{"127.0.0.1,8000", Address{"127.0.0.1", 8000}, false},
		{"0.0.0.0, 0", Address{"0.0.0.0", 0}, false},
		{"::1,9000", Address{"::1", 9000}, false},
		{"example.com ,  443 ", Address{"example.com", 443}, false},
		{"127.0.0.1", Address{}, true},
		{"127.0.0.1,port", Address{}, true},
		{"127.0.0.1,70000", Address{}, true},
		{"", Address{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAddress(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrBadAddress) {
					t.Fatalf("expected ErrBadAddress, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestAddressStringRoundTrip(t *testing.T) {
	a := Address{Host: "10.1.2.3", Port: 12345}
	if a.String() != "10.1.2.3,12345" {
		t.Fatalf("String: got %q", a.String())
	}
	got, err := ParseAddress(a.String())
	if err != nil || got != a {
		t.Fatalf("round trip: got %+v, %v", got, err)
	}
}

func TestParseHostPort(t *testing.T) {
	got, err := ParseHostPort(" [::1]:8000 ")
	if err != nil {
		t.Fatal(err)
	}
	if got != (Address{Host: "::1", Port: 8000}) {
		t.Fatalf("got %+v", got)
	}
	if got.HostPort() != "[::1]:8000" {
		t.Fatalf("HostPort: got %q", got.HostPort())
	}
	if _, err := ParseHostPort("no-port"); err == nil {
		t.Fatal("expected error for missing port")
	}
}

func TestFromNetAddr(t *testing.T) {
	udp := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000}
	got, err := FromNetAddr(udp)
	if err != nil || got != (Address{"127.0.0.1", 4000}) {
		t.Fatalf("udp: got %+v, %v", got, err)
	}
	tcp := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5000}
	got, err = FromNetAddr(tcp)
	if err != nil || got != (Address{"10.0.0.2", 5000}) {
		t.Fatalf("tcp: got %+v, %v", got, err)
	}
	if _, err := FromNetAddr(nil); err == nil {
		t.Fatal("expected error for nil addr")
	}
}
