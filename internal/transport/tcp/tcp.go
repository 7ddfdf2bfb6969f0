// Package tcp is the stream primitive. Each endpoint listens; sends lazily
// dial the destination's listener and reuse the connection. Frames are
// delimited on the stream by their header, and every frame read is delivered
// to the adapter as if it were a datagram.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"framesock/internal/logging"
	"framesock/internal/transport"
	"framesock/pkg/wire"
)

var tcplog = logging.For("tcp")

const (
	inboxSize           = 1024
	defaultDialTimeout  = 5 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

type stream struct {
	conn    net.Conn
	key     string
	remote  wire.Address
	writeMu sync.Mutex
}

func (s *stream) write(data []byte, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	_, err := s.conn.Write(data)
	return err
}

// Conn implements transport.Primitive and transport.AcceptGate.
type Conn struct {
	dialTimeout  time.Duration
	writeTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	local    wire.Address
	peer     *wire.Address
	outbound map[string]*stream // destination host:port → dialed stream
	streams  map[*stream]struct{}
	accept   func(wire.Address) bool

	inbox     chan transport.Packet
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates an unbound stream primitive.
func New() *Conn {
	return &Conn{
		dialTimeout:  defaultDialTimeout,
		writeTimeout: defaultWriteTimeout,
		outbound:     make(map[string]*stream),
		streams:      make(map[*stream]struct{}),
		inbox:        make(chan transport.Packet, inboxSize),
		done:         make(chan struct{}),
	}
}

// Factory is a transport.Factory for TCP.
func Factory() (transport.Primitive, error) {
	return New(), nil
}

// SetAcceptFunc installs a gate consulted for every inbound connection. A
// false result closes the connection before anything is read from it.
func (c *Conn) SetAcceptFunc(fn func(remote wire.Address) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accept = fn
}

func (c *Conn) closing() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) Bind(addr wire.Address) error {
	c.mu.Lock()
	if c.closing() {
		c.mu.Unlock()
		return net.ErrClosed
	}
	if c.listener != nil {
		c.mu.Unlock()
		return fmt.Errorf("already listening on %s: %w", c.local, syscall.EINVAL)
	}
	ln, err := net.Listen("tcp", addr.HostPort())
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.listener = ln
	c.local, _ = wire.FromNetAddr(ln.Addr())
	if addr.Host != "" {
		c.local.Host = addr.Host
	}
	c.wg.Add(1)
	go c.listenLoop(ln)
	c.mu.Unlock()

	tcplog.Debug("listening", "addr", ln.Addr().String())
	return nil
}

func (c *Conn) listenLoop(ln net.Listener) {
	defer c.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if c.closing() || errors.Is(err, net.ErrClosed) {
				return
			}
			tcplog.Warn("accept error", "err", err)
			continue
		}
		c.handleInbound(conn)
	}
}

func (c *Conn) handleInbound(conn net.Conn) {
	remote, _ := wire.FromNetAddr(conn.RemoteAddr())
	c.mu.Lock()
	gate := c.accept
	c.mu.Unlock()
	if gate != nil && !gate(remote) {
		tcplog.Info("refusing inbound connection", "remote", conn.RemoteAddr().String())
		conn.Close()
		return
	}
	s := &stream{conn: conn, remote: remote}
	if !c.track(s) {
		conn.Close()
		return
	}
	tcplog.Debug("accepted", "remote", conn.RemoteAddr().String())
}

// track registers s and starts its reader. It reports false once the
// primitive is closing.
func (c *Conn) track(s *stream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing() {
		return false
	}
	c.streams[s] = struct{}{}
	if s.key != "" {
		c.outbound[s.key] = s
	}
	c.wg.Add(1)
	go c.readLoop(s)
	return true
}

func (c *Conn) drop(s *stream) {
	c.mu.Lock()
	delete(c.streams, s)
	if s.key != "" && c.outbound[s.key] == s {
		delete(c.outbound, s.key)
	}
	c.mu.Unlock()
	s.conn.Close()
}

func (c *Conn) readLoop(s *stream) {
	defer c.wg.Done()
	defer c.drop(s)

	from := s.conn.RemoteAddr().String()
	for {
		raw, err := wire.ReadRawFrame(s.conn)
		if err != nil {
			switch {
			case c.closing(), errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				tcplog.Debug("stream closed", "remote", from)
			default:
				tcplog.Warn("dropping stream", "remote", from, "err", err)
			}
			return
		}
		select {
		case c.inbox <- transport.Packet{Data: raw, From: from, Source: s.remote}:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) Connect(ctx context.Context, addr wire.Address) error {
	if _, err := c.dial(ctx, addr); err != nil {
		return err
	}
	c.mu.Lock()
	c.peer = &addr
	c.mu.Unlock()
	return nil
}

// dial returns the cached stream to addr, dialing it if needed.
func (c *Conn) dial(ctx context.Context, addr wire.Address) (*stream, error) {
	key := addr.HostPort()
	c.mu.Lock()
	if s, ok := c.outbound[key]; ok {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", key)
	if err != nil {
		return nil, err
	}
	s := &stream{conn: conn, key: key, remote: addr}

	c.mu.Lock()
	if existing, ok := c.outbound[key]; ok {
		c.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	if c.listener == nil && c.local.IsZero() {
		// Without a listener the dialed socket's address is the best we have.
		c.local, _ = wire.FromNetAddr(conn.LocalAddr())
	}
	c.mu.Unlock()
	if !c.track(s) {
		conn.Close()
		return nil, net.ErrClosed
	}
	tcplog.Debug("dialed", "remote", key)
	return s, nil
}

func (c *Conn) Send(data []byte, dest *wire.Address) error {
	if c.closing() {
		return net.ErrClosed
	}
	if dest == nil {
		c.mu.Lock()
		dest = c.peer
		c.mu.Unlock()
	}
	if dest == nil {
		return fmt.Errorf("no destination: %w", syscall.ENOTCONN)
	}
	s, err := c.dial(context.Background(), *dest)
	if err != nil {
		return err
	}
	if err := s.write(data, c.writeTimeout); err != nil {
		c.drop(s)
		return err
	}
	return nil
}

func (c *Conn) Receive(ctx context.Context, timeout time.Duration) (transport.Packet, error) {
	if c.closing() {
		return transport.Packet{}, net.ErrClosed
	}
	c.mu.Lock()
	idle := c.listener == nil && len(c.streams) == 0
	c.mu.Unlock()
	if idle {
		return transport.Packet{}, fmt.Errorf("receive without listener or streams: %w", syscall.EINVAL)
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
	return c.local, !c.local.IsZero()
}

func (c *Conn) MaxPayload() int {
	return wire.HeaderSize + wire.MaxPayload
}

// Close stops the listener, closes every stream and waits for the reader
// goroutines to exit.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.listener != nil {
			c.listener.Close()
		}
		for s := range c.streams {
			s.conn.Close()
		}
		c.mu.Unlock()
		c.wg.Wait()
	})
	return nil
}
