package endpoint

import (
	"context"
	"errors"
	"sync"
	"time"
)

// queue is a bounded FIFO of received messages. When full the oldest message
// is dropped.
type queue struct {
	size  int
	ready chan struct{}

	mu      sync.Mutex
	msgs    []Message
	dropped int
}

func newQueue(size int) *queue {
	return &queue{size: size, ready: make(chan struct{}, 1)}
}

func (q *queue) push(m Message) {
	q.mu.Lock()
	if len(q.msgs) >= q.size {
		q.msgs = q.msgs[1:]
		q.dropped++
		elog.Warn("poll queue full, dropping oldest", "dropped_total", q.dropped)
	}
	q.msgs = append(q.msgs, m)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *queue) drain() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.msgs
	q.msgs = nil
	return out
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

type poller struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StartPolling runs receive cycles in a background goroutine until ctx is
// done or StopPolling is called. Received messages are queued for Drain.
// After a cycle that yields nothing the poller waits the poll interval.
func (e *Endpoint) StartPolling(ctx context.Context) error {
	if e.isClosed() {
		return ErrClosed
	}
	e.pollMu.Lock()
	defer e.pollMu.Unlock()
	if e.poll != nil {
		return ErrPolling
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &poller{cancel: cancel, done: make(chan struct{})}
	e.poll = p
	go e.pollLoop(ctx, p)
	elog.Debug("polling started", "interval", e.opts.PollInterval)
	return nil
}

func (e *Endpoint) pollLoop(ctx context.Context, p *poller) {
	defer func() {
		p.cancel()
		e.pollMu.Lock()
		if e.poll == p {
			e.poll = nil
		}
		e.pollMu.Unlock()
		close(p.done)
	}()

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		m, ok, err := e.ReceiveFrom(ctx)
		if ctx.Err() != nil {
			return
		}
		switch {
		case errors.Is(err, ErrClosed):
			return
		case err != nil:
			elog.Warn("poll receive failed", "err", err)
		case ok:
			e.queue.push(m)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// StopPolling cancels the poller and waits for the in-flight cycle to finish.
// It is a no-op when not polling.
func (e *Endpoint) StopPolling() {
	e.pollMu.Lock()
	p := e.poll
	e.poll = nil
	e.pollMu.Unlock()
	if p == nil {
		return
	}
	p.cancel()
	<-p.done
	elog.Debug("polling stopped")
}

// Polling reports whether a poller is running.
func (e *Endpoint) Polling() bool {
	e.pollMu.Lock()
	defer e.pollMu.Unlock()
	return e.poll != nil
}

// Drain removes and returns every queued message, oldest first.
func (e *Endpoint) Drain() []Message {
	return e.queue.drain()
}

// Queued returns the number of messages waiting to be drained.
func (e *Endpoint) Queued() int {
	return e.queue.len()
}

// Ready is signalled after a message is queued. It carries no count; callers
// should Drain after each signal.
func (e *Endpoint) Ready() <-chan struct{} {
	return e.queue.ready
}
