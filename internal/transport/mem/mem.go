// Package mem is an in-process datagram network. Endpoints on the same
// Network exchange packets through channels, which makes session and
// broadcast behaviour testable without real sockets.
package mem

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"framesock/internal/transport"
	"framesock/pkg/wire"
)

const (
	// DefaultMaxPayload mirrors the largest UDP datagram.
	DefaultMaxPayload = 65507
	inboxSize         = 4096
	firstEphemeral    = 40000
)

// Network is a set of addressable in-process sockets.
type Network struct {
	mu         sync.Mutex
	nodes      map[string]*Conn
	failures   map[string]error
	recvFails  map[string]error
	nextPort   int
	maxPayload int
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		nodes:      make(map[string]*Conn),
		failures:   make(map[string]error),
		recvFails:  make(map[string]error),
		nextPort:   firstEphemeral,
		maxPayload: DefaultMaxPayload,
	}
}

// SetMaxPayload changes the datagram limit for every socket on the network.
func (n *Network) SetMaxPayload(size int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.maxPayload = size
}

// FailSendsTo makes every send to addr return err. A nil err clears the
// injected failure.
func (n *Network) FailSendsTo(addr wire.Address, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil {
		delete(n.failures, addr.String())
		return
	}
	n.failures[addr.String()] = err
}

// FailReceivesAt makes every receive on the socket bound to addr return err.
// A nil err clears the injected failure.
func (n *Network) FailReceivesAt(addr wire.Address, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil {
		delete(n.recvFails, addr.String())
		return
	}
	n.recvFails[addr.String()] = err
}

func (n *Network) receiveFailure(addr wire.Address) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.recvFails[addr.String()]
}

// Factory returns a transport.Factory producing sockets on this network.
func (n *Network) Factory() transport.Factory {
	return func() (transport.Primitive, error) {
		return n.New(), nil
	}
}

// New creates an unbound socket.
func (n *Network) New() *Conn {
	return &Conn{net: n, inbox: make(chan transport.Packet, inboxSize), done: make(chan struct{})}
}

func (n *Network) register(c *Conn, addr wire.Address) (wire.Address, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if addr.Host == "" {
		addr.Host = "0.0.0.0"
	}
	if addr.Port == 0 {
		addr.Port = n.allocPortLocked(addr.Host)
	}
	if _, taken := n.nodes[addr.String()]; taken {
		return wire.Address{}, fmt.Errorf("bind %s: %w", addr, syscall.EADDRINUSE)
	}
	n.nodes[addr.String()] = c
	return addr, nil
}

func (n *Network) allocPortLocked(host string) int {
	for {
		port := n.nextPort
		n.nextPort++
		if _, taken := n.nodes[wire.Address{Host: host, Port: port}.String()]; !taken {
			return port
		}
	}
}

func (n *Network) unregister(c *Conn, addr wire.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.nodes[addr.String()] == c {
		delete(n.nodes, addr.String())
	}
}

func (n *Network) lookup(addr wire.Address) (*Conn, int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.failures[addr.String()]; err != nil {
		return nil, 0, err
	}
	c, ok := n.nodes[addr.String()]
	if !ok && addr.Host != "0.0.0.0" {
		c, ok = n.nodes[wire.Address{Host: "0.0.0.0", Port: addr.Port}.String()]
	}
	if !ok {
		return nil, 0, fmt.Errorf("send to %s: %w", addr, syscall.ECONNREFUSED)
	}
	return c, n.maxPayload, nil
}

// Conn is one socket on a Network.
type Conn struct {
	net   *Network
	inbox chan transport.Packet

	mu     sync.Mutex
	local  wire.Address
	bound  bool
	peer   *wire.Address
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

func (c *Conn) Bind(addr wire.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	if c.bound {
		return fmt.Errorf("already bound to %s: %w", c.local, syscall.EINVAL)
	}
	local, err := c.net.register(c, addr)
	if err != nil {
		return err
	}
	c.local = local
	c.bound = true
	return nil
}

func (c *Conn) Connect(_ context.Context, addr wire.Address) error {
	if _, err := c.source(); err != nil {
		return err
	}
	c.mu.Lock()
	c.peer = &addr
	c.mu.Unlock()
	return nil
}

// source binds an unbound socket to an ephemeral address, as the kernel does
// on the first send from an unbound UDP socket.
func (c *Conn) source() (wire.Address, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return wire.Address{}, net.ErrClosed
	}
	if !c.bound {
		local, err := c.net.register(c, wire.Address{})
		if err != nil {
			return wire.Address{}, err
		}
		c.local = local
		c.bound = true
	}
	return c.local, nil
}

func (c *Conn) Send(data []byte, dest *wire.Address) error {
	c.mu.Lock()
	if dest == nil {
		dest = c.peer
	}
	c.mu.Unlock()
	if dest == nil {
		return fmt.Errorf("no destination: %w", syscall.EDESTADDRREQ)
	}
	from, err := c.source()
	if err != nil {
		return err
	}
	dst, limit, err := c.net.lookup(*dest)
	if err != nil {
		return err
	}
	if len(data) > limit {
		return fmt.Errorf("datagram of %d bytes: %w", len(data), syscall.EMSGSIZE)
	}

	pkt := transport.Packet{Data: append([]byte(nil), data...), From: from.String(), Source: from}
	select {
	case dst.inbox <- pkt:
	case <-dst.done:
		return fmt.Errorf("send to %s: %w", dest, syscall.ECONNREFUSED)
	default:
		// Full receive buffer: the datagram is lost, as with a real socket.
	}
	return nil
}

func (c *Conn) Receive(ctx context.Context, timeout time.Duration) (transport.Packet, error) {
	c.mu.Lock()
	bound, closed, local := c.bound, c.closed, c.local
	c.mu.Unlock()
	if closed {
		return transport.Packet{}, net.ErrClosed
	}
	if !bound {
		return transport.Packet{}, fmt.Errorf("receive on unbound socket: %w", syscall.EINVAL)
	}
	if err := c.net.receiveFailure(local); err != nil {
		return transport.Packet{}, err
	}

	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}
	select {
	case pkt := <-c.inbox:
		return pkt, nil
	case <-expire:
		return transport.Packet{}, os.ErrDeadlineExceeded
	case <-ctx.Done():
		return transport.Packet{}, ctx.Err()
	case <-c.done:
		return transport.Packet{}, net.ErrClosed
	}
}

func (c *Conn) LocalAddr() (wire.Address, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local, c.bound
}

func (c *Conn) MaxPayload() int {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return c.net.maxPayload
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		local, bound := c.local, c.bound
		c.mu.Unlock()
		if bound {
			c.net.unregister(c, local)
		}
		close(c.done)
	})
	return nil
}
