// Package endpoint is the public face of framesock: a bound or connected
// socket that sends arbitrarily large payloads as compressed, chunked frame
// sequences and tracks the peers that have connected to it.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"framesock/internal/codec"
	"framesock/internal/control"
	"framesock/internal/frame"
	"framesock/internal/logging"
	"framesock/internal/ratelimit"
	"framesock/internal/registry"
	"framesock/internal/transport"
	"framesock/pkg/wire"
)

var elog = logging.For("endpoint")

var (
	ErrNotBound     = transport.ErrNotBound
	ErrNotConnected = transport.ErrNotConnected
	ErrClosed       = errors.New("endpoint: closed")
	ErrPolling      = errors.New("endpoint: already polling")
)

// Role describes how an endpoint is being used.
type Role int

const (
	RoleUnbound Role = iota
	RoleServer
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleUnbound:
		return "unbound"
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// Endpoint owns one transport adapter and the session state built on it.
type Endpoint struct {
	opts    Options
	tr      *transport.Adapter
	reg     *registry.Registry
	machine *control.Machine
	codec   *codec.Codec
	hist    *history

	sendMu sync.Mutex // frames of one logical send must not interleave
	recvMu sync.Mutex // one receive cycle at a time

	pendingHooks []func() // raised by the current receive cycle

	mu     sync.Mutex
	server *wire.Address
	closed bool

	pollMu sync.Mutex
	poll   *poller
	queue  *queue
}

// New creates an unbound endpoint.
func New(opts Options) (*Endpoint, error) {
	opts = opts.withDefaults()

	reg := registry.New()
	if opts.Store != nil {
		var err error
		if reg, err = registry.Open(opts.Store); err != nil {
			return nil, err
		}
	}
	for _, host := range opts.Blocked {
		if err := reg.Block(host); err != nil {
			return nil, fmt.Errorf("blocking %s: %w", host, err)
		}
	}

	hist, err := openHistory(opts.Store, opts.HistoryLimit)
	if err != nil {
		return nil, err
	}

	tr, err := transport.NewAdapter(opts.Factory, opts.Timeout)
	if err != nil {
		return nil, err
	}

	e := &Endpoint{
		opts:  opts,
		tr:    tr,
		reg:   reg,
		codec: opts.Codec,
		hist:  hist,
		queue: newQueue(opts.QueueSize),
	}
	e.machine = control.NewMachine(reg, e.deferHooks(opts.Hooks), e.connected)
	if opts.ConnectRate > 0 {
		e.machine.SetThrottle(ratelimit.New(opts.ConnectRate))
	}
	tr.SetAcceptFunc(e.accept)
	return e, nil
}

// accept runs on the stream accept goroutine.
func (e *Endpoint) accept(remote wire.Address) bool {
	if e.reg.IsBlocked(remote.Host) {
		return false
	}
	e.opts.Hooks.Accept(remote)
	return true
}

func (e *Endpoint) connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.server != nil
}

func (e *Endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Bind re-creates the transport and binds it to addr. Any client connection
// is dropped.
func (e *Endpoint) Bind(addr wire.Address) error {
	if e.isClosed() {
		return ErrClosed
	}
	if err := e.tr.Bind(addr); err != nil {
		return err
	}
	e.mu.Lock()
	e.server = nil
	e.mu.Unlock()
	local, _ := e.tr.LocalAddr()
	elog.Info("endpoint bound", "addr", local.String())
	return nil
}

// Connect associates the endpoint with a server and announces it with a
// CONNECT token.
func (e *Endpoint) Connect(ctx context.Context, addr wire.Address) error {
	if e.isClosed() {
		return ErrClosed
	}
	if err := e.tr.Connect(ctx, addr); err != nil {
		return err
	}
	e.mu.Lock()
	e.server = &addr
	e.mu.Unlock()

	if err := e.sendToken(wire.TokenConnect, nil); err != nil && !transport.IsBenign(err) {
		return fmt.Errorf("announcing to %s: %w", addr, err)
	}
	elog.Info("connected", "server", addr.String())
	return nil
}

// Server returns the address passed to Connect.
func (e *Endpoint) Server() (wire.Address, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.server == nil {
		return wire.Address{}, false
	}
	return *e.server, true
}

// Role reports whether the endpoint is unbound, serving or connected.
func (e *Endpoint) Role() Role {
	if e.connected() {
		return RoleClient
	}
	if e.tr.IsBound() {
		return RoleServer
	}
	return RoleUnbound
}

// Send transmits payload to the connected server and returns its length.
func (e *Endpoint) Send(payload []byte) (int, error) {
	if !e.connected() {
		return 0, fmt.Errorf("%w: send without connect", ErrNotConnected)
	}
	return e.send(payload, nil)
}

// SendTo transmits payload to addr and returns its length.
func (e *Endpoint) SendTo(payload []byte, addr wire.Address) (int, error) {
	return e.send(payload, &addr)
}

func (e *Endpoint) send(payload []byte, dest *wire.Address) (int, error) {
	if e.isClosed() {
		return 0, ErrClosed
	}
	packed, err := e.codec.Compress(payload)
	if err != nil {
		return 0, err
	}
	chunks, err := frame.Split(packed, e.chunkSize())
	if err != nil {
		return 0, err
	}

	frames := make([][]byte, 0, len(chunks)+3)
	frames = append(frames, wire.AddressFrame(e.selfAddr()), wire.ControlFrame(wire.TokenTransferBegin))
	for _, c := range chunks {
		f, err := wire.EncodeFrame(wire.KindData, c)
		if err != nil {
			return 0, err
		}
		frames = append(frames, f)
	}
	frames = append(frames, wire.ControlFrame(wire.TokenTransferEnd))

	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	for _, f := range frames {
		if err := e.tr.Send(f, dest); err != nil {
			return 0, err
		}
	}
	return len(payload), nil
}

func (e *Endpoint) sendToken(tok wire.Token, dest *wire.Address) error {
	if e.isClosed() {
		return ErrClosed
	}
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if err := e.tr.Send(wire.AddressFrame(e.selfAddr()), dest); err != nil {
		return err
	}
	return e.tr.Send(wire.ControlFrame(tok), dest)
}

// selfAddr is the address announced at the head of every message. Zero when
// the primitive has no local address yet; receivers then use the transport
// source.
func (e *Endpoint) selfAddr() wire.Address {
	a, _ := e.tr.LocalAddr()
	return a
}

// chunkSize is the configured maximum clamped to what one primitive send can
// carry after the frame header.
func (e *Endpoint) chunkSize() int {
	return max(1, min(e.opts.MaxChunk, e.tr.MaxPayload()-wire.HeaderSize))
}

// Broadcast sends payload to every registered session. A failing peer does
// not stop the others and is not an error: unreachable peers are logged, and
// peers whose send failed for any other reason are returned.
func (e *Endpoint) Broadcast(payload []byte) (failed []wire.Address) {
	return e.fanout(payload, nil)
}

func (e *Endpoint) fanout(payload []byte, skip *wire.Address) (failed []wire.Address) {
	for _, peer := range e.reg.List() {
		if skip != nil && peer == *skip {
			continue
		}
		if _, err := e.SendTo(payload, peer); err != nil {
			if transport.IsBenign(err) {
				elog.Debug("peer unreachable", "peer", peer.String(), "err", err)
				continue
			}
			elog.Warn("broadcast send failed", "peer", peer.String(), "err", err)
			failed = append(failed, peer)
		}
	}
	return failed
}

// DisconnectAll clears the registry and sends a forced DISCONNECT to every
// session it held.
func (e *Endpoint) DisconnectAll() error {
	dropped := e.reg.Clear()
	var errs []error
	for _, peer := range dropped {
		if err := e.sendToken(wire.TokenDisconnect, &peer); err != nil && !transport.IsBenign(err) {
			elog.Warn("disconnect send failed", "peer", peer.String(), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", peer, err))
		}
		e.opts.Hooks.Disconnect(peer)
	}
	elog.Info("disconnected all sessions", "count", len(dropped))
	return errors.Join(errs...)
}

// DisconnectClient sends a forced DISCONNECT to one session and removes it.
func (e *Endpoint) DisconnectClient(addr wire.Address) error {
	err := e.sendToken(wire.TokenDisconnect, &addr)
	if e.reg.Remove(addr) {
		e.opts.Hooks.Disconnect(addr)
	}
	if err != nil && !transport.IsBenign(err) {
		return err
	}
	return nil
}

// Leave tells the server this client is going away, then resets the
// connection.
func (e *Endpoint) Leave() error {
	if !e.connected() {
		return fmt.Errorf("%w: leave without connect", ErrNotConnected)
	}
	err := e.sendToken(wire.TokenDisconnectGraceful, nil)
	if rerr := e.reset(); rerr != nil {
		return errors.Join(err, rerr)
	}
	if err != nil && !transport.IsBenign(err) {
		return err
	}
	return nil
}

// reset drops the client connection and re-creates the transport, re-binding
// the previous local address if there was one.
func (e *Endpoint) reset() error {
	e.mu.Lock()
	e.server = nil
	e.mu.Unlock()
	return e.tr.Reset()
}

// Block adds host to the block list. Existing sessions are kept.
func (e *Endpoint) Block(host string) error {
	return e.reg.Block(host)
}

// Unblock removes host from the block list.
func (e *Endpoint) Unblock(host string) error {
	return e.reg.Unblock(host)
}

// Clients returns the registered sessions in connection order.
func (e *Endpoint) Clients() []wire.Address {
	return e.reg.List()
}

// Client finds a registered session by host and, unless port is 0, port.
func (e *Endpoint) Client(host string, port int) (wire.Address, bool) {
	return e.reg.Find(host, port)
}

// Registry exposes the session registry.
func (e *Endpoint) Registry() *registry.Registry {
	return e.reg
}

// History returns up to n of the most recently received messages, oldest
// first. n <= 0 returns everything retained.
func (e *Endpoint) History(n int) []Message {
	return e.hist.last(n)
}

// ClearHistory forgets every retained message.
func (e *Endpoint) ClearHistory() error {
	return e.hist.clear()
}

func (e *Endpoint) LocalAddr() (wire.Address, bool) {
	return e.tr.LocalAddr()
}

func (e *Endpoint) IsBound() bool {
	return e.tr.IsBound()
}

// Timeout returns the receive timeout. Zero means receives block.
func (e *Endpoint) Timeout() time.Duration {
	return e.tr.Timeout()
}

func (e *Endpoint) SetTimeout(d time.Duration) {
	e.tr.SetTimeout(max(d, 0))
}

// Unbind releases the local address and drops any client connection.
func (e *Endpoint) Unbind() error {
	e.mu.Lock()
	e.server = nil
	e.mu.Unlock()
	return e.tr.Unbind()
}

// Close stops polling, forgets every session and releases the transport.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.server = nil
	e.mu.Unlock()

	e.StopPolling()
	e.reg.Clear()
	err := e.tr.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}
