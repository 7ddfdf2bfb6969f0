// Package udp is the datagram primitive backed by an unconnected UDP socket.
package udp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"framesock/internal/transport"
	"framesock/pkg/wire"
)

// MaxDatagram is the largest UDP payload over IPv4.
const MaxDatagram = 65507

// Conn implements transport.Primitive. Connect records a default destination
// and opens an ephemeral socket if needed; the socket itself stays
// unconnected so replies from any peer arrive.
type Conn struct {
	mu    sync.Mutex
	conn  *net.UDPConn
	local wire.Address
	peer  *net.UDPAddr
	bound bool
}

// New creates an unbound socket.
func New() *Conn {
	return &Conn{}
}

// Factory is a transport.Factory for UDP sockets.
func Factory() (transport.Primitive, error) {
	return New(), nil
}

func (c *Conn) Bind(addr wire.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return fmt.Errorf("socket already open: %w", syscall.EINVAL)
	}
	ua, err := net.ResolveUDPAddr("udp", addr.HostPort())
	if err != nil {
		return fmt.Errorf("resolving %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", ua)
	if err != nil {
		return err
	}
	c.conn = conn
	c.bound = true
	c.local = localAddress(addr.Host, conn)
	return nil
}

// open lazily creates an ephemeral socket for an endpoint that sends before
// it binds.
func (c *Conn) open() (*net.UDPConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.local = localAddress("", conn)
	return conn, nil
}

func localAddress(host string, conn *net.UDPConn) wire.Address {
	a, _ := wire.FromNetAddr(conn.LocalAddr())
	if host != "" {
		a.Host = host
	} else if ip := net.ParseIP(a.Host); ip == nil || ip.IsUnspecified() {
		a.Host = "0.0.0.0"
	}
	return a
}

func (c *Conn) Connect(ctx context.Context, addr wire.Address) error {
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, addr.Host)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", addr.Host, err)
	}
	if len(ips) == 0 {
		return fmt.Errorf("resolving %s: no addresses", addr.Host)
	}
	ua := &net.UDPAddr{IP: ips[0].IP, Port: addr.Port, Zone: ips[0].Zone}
	for _, ip := range ips {
		if ip4 := ip.IP.To4(); ip4 != nil {
			ua = &net.UDPAddr{IP: ip4, Port: addr.Port}
			break
		}
	}
	if _, err := c.open(); err != nil {
		return err
	}
	c.mu.Lock()
	c.peer = ua
	c.mu.Unlock()
	return nil
}

func (c *Conn) Send(data []byte, dest *wire.Address) error {
	var to *net.UDPAddr
	if dest != nil {
		ua, err := net.ResolveUDPAddr("udp", dest.HostPort())
		if err != nil {
			return fmt.Errorf("resolving %s: %w", dest, err)
		}
		to = ua
	} else {
		c.mu.Lock()
		to = c.peer
		c.mu.Unlock()
	}
	if to == nil {
		return fmt.Errorf("no destination: %w", syscall.EDESTADDRREQ)
	}
	conn, err := c.open()
	if err != nil {
		return err
	}
	_, err = conn.WriteToUDP(data, to)
	return err
}

func (c *Conn) Receive(ctx context.Context, timeout time.Duration) (transport.Packet, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return transport.Packet{}, fmt.Errorf("receive on unbound socket: %w", syscall.EINVAL)
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return transport.Packet{}, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, MaxDatagram)
	n, from, err := conn.ReadFromUDP(buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return transport.Packet{}, ctxErr
		}
		return transport.Packet{}, err
	}
	src, _ := wire.FromNetAddr(from)
	data := append([]byte(nil), buf[:n]...)
	return transport.Packet{Data: data, From: from.String(), Source: src}, nil
}

func (c *Conn) LocalAddr() (wire.Address, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local, c.conn != nil
}

func (c *Conn) MaxPayload() int {
	return MaxDatagram
}

func (c *Conn) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.bound = false
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
