// Package control interprets control tokens observed in the inbound stream
// and applies their effect to the session registry and the pending transfer.
package control

import (
	"fmt"
	"time"

	"framesock/internal/frame"
	"framesock/internal/logging"
	"framesock/internal/ratelimit"
	"framesock/internal/registry"
	"framesock/pkg/wire"
)

var clog = logging.For("control")

// State is the lifecycle of one peer session as seen by the local endpoint.
type State int

const (
	StateUnknown State = iota
	StateConnected
	StateDisconnected // terminal for the session; a later CONNECT starts a new one
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Action is what the caller must do, or what was done, for a token.
type Action int

const (
	ActionNone     Action = iota
	ActionAdmitted        // sender added to the registry
	ActionRefused         // sender's host is blocked
	ActionRemoved         // sender removed from the registry
	ActionReset           // caller must reset its client connection
	ActionBegin           // pending transfer started
	ActionEnd             // pending transfer closed; Transition.Payload is set
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionAdmitted:
		return "admitted"
	case ActionRefused:
		return "refused"
	case ActionRemoved:
		return "removed"
	case ActionReset:
		return "reset"
	case ActionBegin:
		return "begin"
	case ActionEnd:
		return "end"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Hooks are invoked synchronously on session transitions, never under a
// registry lock. An endpoint runs OnConnect and OnDisconnect after the receive
// cycle that raised them, so a hook may call back into the endpoint. Nil
// fields are skipped.
type Hooks struct {
	OnConnect    func(addr wire.Address)
	OnDisconnect func(addr wire.Address)
	OnAccept     func(addr wire.Address) // stream transports, at accept time
}

// Connect fires OnConnect if set.
func (h Hooks) Connect(a wire.Address) {
	if h.OnConnect != nil {
		h.OnConnect(a)
	}
}

// Disconnect fires OnDisconnect if set.
func (h Hooks) Disconnect(a wire.Address) {
	if h.OnDisconnect != nil {
		h.OnDisconnect(a)
	}
}

// Accept fires OnAccept if set.
func (h Hooks) Accept(a wire.Address) {
	if h.OnAccept != nil {
		h.OnAccept(a)
	}
}

// Transition describes the effect of one token.
type Transition struct {
	Token   wire.Token
	From    wire.Address
	Before  State
	After   State
	Action  Action
	Payload []byte // assembled bytes, only for ActionEnd
}

const (
	throttleSweepEvery = time.Minute
	throttleIdle       = 5 * time.Minute
)

// Machine applies tokens for one endpoint.
type Machine struct {
	reg             *registry.Registry
	hooks           Hooks
	clientConnected func() bool

	throttle  *ratelimit.Limiter
	lastSweep time.Time
}

// NewMachine returns a Machine mutating reg. clientConnected reports whether
// the local endpoint currently holds a client connection; nil means never.
func NewMachine(reg *registry.Registry, hooks Hooks, clientConnected func() bool) *Machine {
	if clientConnected == nil {
		clientConnected = func() bool { return false }
	}
	return &Machine{reg: reg, hooks: hooks, clientConnected: clientConnected}
}

// SetThrottle limits how often a host may open a new session. Repeated
// CONNECTs from an admitted address are not counted.
func (m *Machine) SetThrottle(l *ratelimit.Limiter) {
	m.throttle = l
}

// throttled reports whether a new session from addr must be refused.
func (m *Machine) throttled(addr wire.Address) bool {
	if m.throttle == nil || m.reg.Contains(addr) {
		return false
	}
	if now := time.Now(); now.Sub(m.lastSweep) > throttleSweepEvery {
		m.throttle.Sweep(throttleIdle)
		m.lastSweep = now
	}
	return !m.throttle.Allow(addr.Host)
}

// State returns the session state of addr.
func (m *Machine) State(addr wire.Address) State {
	if m.reg.Contains(addr) {
		return StateConnected
	}
	return StateUnknown
}

// Apply interprets tok sent by from. asm is the pending transfer of the
// current receive cycle.
func (m *Machine) Apply(tok wire.Token, from wire.Address, asm *frame.Assembler) Transition {
	tr := Transition{Token: tok, From: from, Before: m.State(from), Action: ActionNone}
	tr.After = tr.Before

	switch tok {
	case wire.TokenConnect:
		if m.throttled(from) {
			tr.Action = ActionRefused
			clog.Warn("throttling connects", "peer", from.String())
			break
		}
		switch m.reg.Admit(from) {
		case registry.Admitted:
			tr.Action, tr.After = ActionAdmitted, StateConnected
			clog.Info("session connected", "peer", from.String())
			m.hooks.Connect(from)
		case registry.Refused:
			tr.Action = ActionRefused
			clog.Info("refusing blocked peer", "peer", from.String())
		case registry.Present:
			clog.Debug("duplicate connect", "peer", from.String())
		}

	case wire.TokenDisconnectGraceful:
		if m.reg.Remove(from) {
			tr.Action, tr.After = ActionRemoved, StateDisconnected
			clog.Info("session disconnected", "peer", from.String())
			m.hooks.Disconnect(from)
		}

	case wire.TokenDisconnect:
		if m.clientConnected() {
			tr.Action = ActionReset
			clog.Info("forced disconnect", "by", from.String())
		}

	case wire.TokenTransferBegin:
		if asm.Active() {
			clog.Warn("transfer restarted before end", "peer", from.String(), "dropped_chunks", asm.Chunks())
		}
		asm.Begin()
		tr.Action = ActionBegin

	case wire.TokenTransferEnd:
		if !asm.Active() {
			clog.Debug("transfer end without begin", "peer", from.String())
		}
		tr.Payload = asm.End()
		tr.Action = ActionEnd

	default:
		clog.Warn("unknown control token", "peer", from.String(), "token", tok.String())
	}
	return tr
}
