// Package transport wraps a datagram or stream primitive behind a uniform
// adapter: idempotent re-binding, a configurable receive timeout, per-source
// reads and a fixed error taxonomy.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"framesock/internal/logging"
	"framesock/pkg/wire"
)

var tlog = logging.For("transport")

// DefaultBacklog bounds how many packets from other sources are held while a
// read is pinned to one sender.
const DefaultBacklog = 1024

// Packet is one datagram, or one frame read off a stream.
type Packet struct {
	Data []byte
	// From identifies the transport-level source. Every frame of a single
	// logical send carries the same value.
	From string
	// Source is the sender's network address as seen by the primitive.
	Source wire.Address
}

// Primitive is the underlying socket. Implementations must allow Send to run
// concurrently with a blocked Receive.
type Primitive interface {
	Bind(addr wire.Address) error
	Connect(ctx context.Context, addr wire.Address) error
	// Send transmits one frame. A nil dest targets the connected peer.
	Send(data []byte, dest *wire.Address) error
	// Receive waits up to timeout for one packet. A non-positive timeout
	// waits until ctx is done.
	Receive(ctx context.Context, timeout time.Duration) (Packet, error)
	LocalAddr() (wire.Address, bool)
	// MaxPayload is the largest frame, header included, one Send can carry.
	MaxPayload() int
	Close() error
}

// Factory creates a fresh, unbound primitive.
type Factory func() (Primitive, error)

// AcceptGate is implemented by connection-oriented primitives that can turn
// peers away before any frame is read from them.
type AcceptGate interface {
	SetAcceptFunc(fn func(remote wire.Address) bool)
}

// Adapter owns the current primitive and replaces it on Bind and Reset.
type Adapter struct {
	factory Factory

	mu         sync.Mutex
	prim       Primitive
	timeout    time.Duration
	bound      bool
	local      wire.Address
	gate       func(wire.Address) bool
	backlog    []Packet
	backlogMax int
	closed     bool
}

// NewAdapter creates an adapter with a fresh unbound primitive.
func NewAdapter(factory Factory, timeout time.Duration) (*Adapter, error) {
	if factory == nil {
		return nil, fmt.Errorf("transport: nil factory")
	}
	a := &Adapter{factory: factory, timeout: timeout, backlogMax: DefaultBacklog}
	p, err := a.newPrimitive()
	if err != nil {
		return nil, err
	}
	a.prim = p
	return a, nil
}

// SetAcceptFunc installs an accept gate on the current and all future
// primitives that support one.
func (a *Adapter) SetAcceptFunc(fn func(remote wire.Address) bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gate = fn
	if g, ok := a.prim.(AcceptGate); ok {
		g.SetAcceptFunc(fn)
	}
}

// newPrimitive must be called with a.mu held, or before a is shared.
func (a *Adapter) newPrimitive() (Primitive, error) {
	p, err := a.factory()
	if err != nil {
		return nil, Classify(fmt.Errorf("creating primitive: %w", err))
	}
	if g, ok := p.(AcceptGate); ok && a.gate != nil {
		g.SetAcceptFunc(a.gate)
	}
	return p, nil
}

// Bind discards the current primitive and binds a fresh one to addr, so it
// may be called any number of times.
func (a *Adapter) Bind(addr wire.Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.renewLocked(); err != nil {
		return err
	}
	if err := a.prim.Bind(addr); err != nil {
		return Classify(fmt.Errorf("bind %s: %w", addr, err))
	}
	a.bound = true
	a.local, _ = a.prim.LocalAddr()
	tlog.Debug("bound", "addr", a.local.String())
	return nil
}

// Reset re-creates the primitive and, if it was bound, re-binds it to the
// same local address.
func (a *Adapter) Reset() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	wasBound, local := a.bound, a.local
	if err := a.renewLocked(); err != nil {
		return err
	}
	if !wasBound {
		return nil
	}
	if err := a.prim.Bind(local); err != nil {
		return Classify(fmt.Errorf("rebind %s: %w", local, err))
	}
	a.bound = true
	a.local, _ = a.prim.LocalAddr()
	tlog.Info("transport reset", "addr", a.local.String())
	return nil
}

// Unbind replaces the primitive with a fresh unbound one.
func (a *Adapter) Unbind() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.renewLocked()
}

func (a *Adapter) renewLocked() error {
	if a.closed {
		return fmt.Errorf("%w: adapter closed", ErrNotBound)
	}
	if a.prim != nil {
		if err := a.prim.Close(); err != nil {
			tlog.Debug("closing primitive", "err", err)
		}
	}
	a.prim = nil
	a.bound = false
	a.local = wire.Address{}
	a.backlog = nil

	p, err := a.newPrimitive()
	if err != nil {
		return err
	}
	a.prim = p
	return nil
}

func (a *Adapter) current() (Primitive, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.prim == nil {
		return nil, fmt.Errorf("%w: adapter closed", ErrNotBound)
	}
	return a.prim, nil
}

// Connect sets the default destination for Send.
func (a *Adapter) Connect(ctx context.Context, addr wire.Address) error {
	p, err := a.current()
	if err != nil {
		return err
	}
	if err := p.Connect(ctx, addr); err != nil {
		return Classify(fmt.Errorf("connect %s: %w", addr, err))
	}
	return nil
}

// Send transmits one frame to dest, or to the connected peer when dest is nil.
func (a *Adapter) Send(data []byte, dest *wire.Address) error {
	p, err := a.current()
	if err != nil {
		return err
	}
	if err := p.Send(data, dest); err != nil {
		if dest != nil {
			return Classify(fmt.Errorf("send to %s: %w", dest, err))
		}
		return Classify(fmt.Errorf("send: %w", err))
	}
	return nil
}

// Next returns the next packet. When source is non-empty only packets from
// that source are returned; others are held in the backlog for later reads.
// The whole call is bounded by the adapter timeout.
func (a *Adapter) Next(ctx context.Context, source string) (Packet, error) {
	a.mu.Lock()
	if pkt, ok := a.takeLocked(source); ok {
		a.mu.Unlock()
		return pkt, nil
	}
	timeout := a.timeout
	a.mu.Unlock()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if err := ctx.Err(); err != nil {
			return Packet{}, err
		}
		wait := timeout
		if !deadline.IsZero() {
			wait = time.Until(deadline)
			if wait <= 0 {
				return Packet{}, fmt.Errorf("%w: no packet within %s", ErrTimeout, timeout)
			}
		}

		p, err := a.current()
		if err != nil {
			return Packet{}, err
		}
		pkt, err := p.Receive(ctx, wait)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Packet{}, ctxErr
			}
			if a.replaced(p) {
				return Packet{}, fmt.Errorf("%w: primitive replaced during read", ErrTimeout)
			}
			return Packet{}, Classify(fmt.Errorf("receive: %w", err))
		}
		if source == "" || pkt.From == source {
			return pkt, nil
		}
		a.stash(pkt)
	}
}

func (a *Adapter) replaced(p Primitive) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.prim != p
}

func (a *Adapter) takeLocked(source string) (Packet, bool) {
	for i, pkt := range a.backlog {
		if source == "" || pkt.From == source {
			a.backlog = append(a.backlog[:i], a.backlog[i+1:]...)
			return pkt, true
		}
	}
	return Packet{}, false
}

func (a *Adapter) stash(pkt Packet) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.backlog) >= a.backlogMax {
		tlog.Warn("backlog full, dropping oldest packet", "from", a.backlog[0].From)
		a.backlog = a.backlog[1:]
	}
	a.backlog = append(a.backlog, pkt)
}

// Pending returns the number of packets held in the backlog.
func (a *Adapter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.backlog)
}

// Timeout returns the receive timeout. Zero means reads block.
func (a *Adapter) Timeout() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timeout
}

// SetTimeout changes the receive timeout for subsequent reads.
func (a *Adapter) SetTimeout(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.timeout = d
}

// LocalAddr returns the bound address. For an unbound primitive that has
// sent traffic it may report an ephemeral address.
func (a *Adapter) LocalAddr() (wire.Address, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bound {
		return a.local, true
	}
	if a.prim == nil {
		return wire.Address{}, false
	}
	return a.prim.LocalAddr()
}

// IsBound reports whether Bind succeeded on the current primitive.
func (a *Adapter) IsBound() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bound
}

// MaxPayload returns the frame size limit of the current primitive.
func (a *Adapter) MaxPayload() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.prim == nil {
		return wire.MaxPayload + wire.HeaderSize
	}
	return a.prim.MaxPayload()
}

// Close releases the primitive. The adapter cannot be reused.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.bound = false
	a.backlog = nil
	if a.prim == nil {
		return nil
	}
	err := a.prim.Close()
	a.prim = nil
	return err
}
