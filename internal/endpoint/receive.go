package endpoint

import (
	"context"
	"net"
	"time"

	"github.com/google/uuid"

	"framesock/internal/codec"
	"framesock/internal/control"
	"framesock/internal/frame"
	"framesock/internal/transport"
	"framesock/pkg/wire"
)

// Receive runs one receive cycle and returns the payload, or nil when the
// cycle produced no data (timeout, a control message, or a dropped transfer).
func (e *Endpoint) Receive(ctx context.Context) ([]byte, error) {
	m, ok, err := e.ReceiveFrom(ctx)
	if err != nil || !ok {
		return nil, err
	}
	return m.Payload, nil
}

// ReceiveFrom runs one receive cycle. ok is false when the cycle produced no
// data. Errors are reserved for an unusable transport or a cancelled ctx.
func (e *Endpoint) ReceiveFrom(ctx context.Context) (Message, bool, error) {
	if e.isClosed() {
		return Message{}, false, ErrClosed
	}
	e.recvMu.Lock()
	m, ok, err := e.receiveLocked(ctx)
	hooks := e.pendingHooks
	e.pendingHooks = nil
	e.recvMu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	return m, ok, err
}

func (e *Endpoint) receiveLocked(ctx context.Context) (Message, bool, error) {
	pkt, err := e.tr.Next(ctx, "")
	if err != nil {
		return Message{}, false, e.quiet(err)
	}

	f, err := wire.DecodeFrame(pkt.Data)
	if err != nil {
		// Peers that do not frame their traffic still get their bytes through.
		elog.Debug("raw datagram", "from", pkt.Source.String(), "len", len(pkt.Data), "err", err)
		return e.deliver(pkt.Source, pkt.Data), true, nil
	}

	c := cycle{e: e, src: pkt.From, from: pkt.Source, fallback: pkt.Source, asm: frame.NewAssembler(codec.DefaultMaxOutput)}
	for {
		payload, done := c.step(f)
		if done {
			if payload == nil {
				return Message{}, false, nil
			}
			return e.deliver(c.from, payload), true, nil
		}

		pkt, err = e.tr.Next(ctx, c.src)
		if err != nil {
			if c.asm.Active() {
				elog.Warn("transfer interrupted", "peer", c.from.String(), "chunks", c.asm.Chunks(), "err", err)
			}
			return Message{}, false, e.quiet(err)
		}
		if f, err = wire.DecodeFrame(pkt.Data); err != nil {
			elog.Warn("undecodable frame mid-message", "peer", c.from.String(), "err", err)
			return Message{}, false, nil
		}
	}
}

// deferHooks wraps the session hooks so that those raised inside a receive
// cycle run after recvMu is released. Guarded by recvMu.
func (e *Endpoint) deferHooks(h control.Hooks) control.Hooks {
	queue := func(fn func(wire.Address)) func(wire.Address) {
		if fn == nil {
			return nil
		}
		return func(a wire.Address) {
			e.pendingHooks = append(e.pendingHooks, func() { fn(a) })
		}
	}
	return control.Hooks{
		OnConnect:    queue(h.OnConnect),
		OnDisconnect: queue(h.OnDisconnect),
		OnAccept:     h.OnAccept,
	}
}

// quiet turns benign transport outcomes into "no data".
func (e *Endpoint) quiet(err error) error {
	if transport.IsBenign(err) {
		return nil
	}
	if e.isClosed() {
		return ErrClosed
	}
	return err
}

func (e *Endpoint) deliver(from wire.Address, payload []byte) Message {
	m := Message{
		ID:      uuid.New(),
		From:    from,
		Payload: append([]byte{}, payload...),
		At:      time.Now(),
	}
	e.hist.add(m)
	elog.Debug("message received", "from", from.String(), "len", len(payload), "id", m.ID.String())
	return m
}

// cycle is the state of one in-progress receive.
type cycle struct {
	e        *Endpoint
	src      string       // transport source the cycle is pinned to
	from     wire.Address // announced sender
	fallback wire.Address // transport-level sender
	asm      *frame.Assembler
}

// step consumes one frame. done reports that the cycle is over; payload is
// nil when it ended without data.
func (c *cycle) step(f wire.Frame) (payload []byte, done bool) {
	switch f.Kind {
	case wire.KindAddress:
		a, err := f.Address()
		if err != nil {
			elog.Warn("bad address frame", "source", c.fallback.String(), "err", err)
			return nil, true
		}
		c.from = c.resolve(a)
		return nil, false

	case wire.KindControl:
		tok, err := f.Token()
		if err != nil {
			elog.Warn("bad control frame", "peer", c.from.String(), "err", err)
			return nil, true
		}
		tr := c.e.machine.Apply(tok, c.from, c.asm)
		switch tr.Action {
		case control.ActionBegin:
			return nil, false
		case control.ActionEnd:
			return c.unpack(tr.Payload), true
		case control.ActionReset:
			if err := c.e.reset(); err != nil {
				elog.Error("resetting after forced disconnect", "err", err)
			}
		}
		return nil, true

	case wire.KindData:
		if !c.asm.Active() {
			elog.Warn("data frame outside transfer", "peer", c.from.String(), "len", len(f.Payload))
			return nil, true
		}
		if err := c.asm.Append(f.Payload); err != nil {
			elog.Warn("dropping transfer", "peer", c.from.String(), "err", err)
			return nil, true
		}
		return nil, false
	}
	return nil, true
}

// resolve fills in what an announced address cannot know: an unbound sender
// announces the zero address, a wildcard listener an unspecified host.
func (c *cycle) resolve(a wire.Address) wire.Address {
	if a.IsZero() {
		return c.fallback
	}
	if ip := net.ParseIP(a.Host); a.Host == "" || (ip != nil && ip.IsUnspecified()) {
		if c.fallback.Host != "" {
			a.Host = c.fallback.Host
		}
	}
	return a
}

func (c *cycle) unpack(packed []byte) []byte {
	if len(packed) == 0 {
		return nil
	}
	payload, err := c.e.codec.Decompress(packed)
	if err != nil {
		elog.Warn("dropping undecodable payload", "peer", c.from.String(), "err", err)
		return nil
	}
	if payload == nil {
		payload = []byte{}
	}
	return payload
}
