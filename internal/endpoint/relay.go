package endpoint

import (
	"context"
	"errors"
	"time"
)

// RelayOnce receives one message and re-sends it to every session except its
// sender. handled is false when the cycle produced no data. Peers that could
// not be reached are logged by the fan-out and do not make it fail.
func (e *Endpoint) RelayOnce(ctx context.Context) (handled bool, err error) {
	m, ok, err := e.ReceiveFrom(ctx)
	if err != nil || !ok {
		return false, err
	}
	elog.Info("relaying", "from", m.From.String(), "len", len(m.Payload))
	if failed := e.fanout(m.Payload, &m.From); len(failed) > 0 {
		elog.Debug("relay incomplete", "from", m.From.String(), "failed", len(failed))
	}
	return true, nil
}

// Relay serves as a chat hub until ctx is done: every received message is
// forwarded to the other sessions. Only an unusable transport ends the loop
// early; other receive errors are logged and retried after the poll interval.
func (e *Endpoint) Relay(ctx context.Context) error {
	for {
		_, err := e.RelayOnce(ctx)
		if ctx.Err() != nil || errors.Is(err, ErrClosed) {
			return nil
		}
		if errors.Is(err, ErrNotBound) {
			return err
		}
		if err == nil {
			continue
		}
		elog.Warn("relay receive failed", "err", err)
		t := time.NewTimer(e.opts.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}
