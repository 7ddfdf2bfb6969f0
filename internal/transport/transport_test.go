package transport_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"framesock/internal/transport"
	"framesock/internal/transport/mem"
	"framesock/pkg/wire"
)

func newAdapter(t *testing.T, n *mem.Network, timeout time.Duration) *transport.Adapter {
	t.Helper()
	a, err := transport.NewAdapter(n.Factory(), timeout)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func addr(host string, port int) wire.Address {
	return wire.Address{Host: host, Port: port}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), transport.ErrConnectionRefused},
		{"closed", net.ErrClosed, transport.ErrNotBound},
		{"einval", syscall.EINVAL, transport.ErrNotBound},
		{"unsupported", syscall.EOPNOTSUPP, transport.ErrUnsupported},
		{"notconn", syscall.ENOTCONN, transport.ErrNotConnected},
		{"deadline", os.ErrDeadlineExceeded, transport.ErrTimeout},
		{"other", errors.New("boom"), transport.ErrUnknown},
		{"already classified", transport.ErrNotConnected, transport.ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := transport.Classify(tt.err)
			if !errors.Is(got, tt.want) {
				t.Fatalf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
			if !errors.Is(got, tt.err) {
				t.Fatalf("Classify(%v) lost the original error", tt.err)
			}
		})
	}
	if transport.Classify(nil) != nil {
		t.Fatal("Classify(nil) should be nil")
	}
}

func TestIsBenign(t *testing.T) {
	if !transport.IsBenign(transport.Classify(syscall.ECONNREFUSED)) {
		t.Fatal("refused should be benign")
	}
	if !transport.IsBenign(transport.Classify(os.ErrDeadlineExceeded)) {
		t.Fatal("timeout should be benign")
	}
	if transport.IsBenign(transport.Classify(syscall.ENOTCONN)) {
		t.Fatal("not connected should not be benign")
	}
}

func TestBindIsIdempotent(t *testing.T) {
	n := mem.NewNetwork()
	a := newAdapter(t, n, 50*time.Millisecond)

	for i := 0; i < 3; i++ {
		if err := a.Bind(addr("127.0.0.1", 7000)); err != nil {
			t.Fatalf("bind #%d: %v", i, err)
		}
	}
	if !a.IsBound() {
		t.Fatal("expected bound")
	}
	local, ok := a.LocalAddr()
	if !ok || local != addr("127.0.0.1", 7000) {
		t.Fatalf("local = %v %v", local, ok)
	}

	if err := a.Bind(addr("127.0.0.1", 7001)); err != nil {
		t.Fatal(err)
	}
	other := newAdapter(t, n, 50*time.Millisecond)
	if err := other.Bind(addr("127.0.0.1", 7000)); err != nil {
		t.Fatalf("old address should be released after rebind: %v", err)
	}
}

func TestBindConflictIsUnknown(t *testing.T) {
	n := mem.NewNetwork()
	a := newAdapter(t, n, 50*time.Millisecond)
	b := newAdapter(t, n, 50*time.Millisecond)
	if err := a.Bind(addr("127.0.0.1", 7000)); err != nil {
		t.Fatal(err)
	}
	err := b.Bind(addr("127.0.0.1", 7000))
	if !errors.Is(err, transport.ErrUnknown) {
		t.Fatalf("err = %v, want ErrUnknown", err)
	}
	if b.IsBound() {
		t.Fatal("failed bind should leave adapter unbound")
	}
}

func TestResetRebindsSameAddress(t *testing.T) {
	n := mem.NewNetwork()
	a := newAdapter(t, n, 50*time.Millisecond)
	if err := a.Bind(addr("127.0.0.1", 0)); err != nil {
		t.Fatal(err)
	}
	before, _ := a.LocalAddr()
	if err := a.Reset(); err != nil {
		t.Fatal(err)
	}
	after, ok := a.LocalAddr()
	if !ok || after != before {
		t.Fatalf("after reset local = %v, want %v", after, before)
	}

	sender := newAdapter(t, n, 50*time.Millisecond)
	if err := sender.Send([]byte("x"), &after); err != nil {
		t.Fatal(err)
	}
	pkt, err := a.Next(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if string(pkt.Data) != "x" {
		t.Fatalf("data = %q", pkt.Data)
	}
}

func TestResetUnboundStaysUnbound(t *testing.T) {
	n := mem.NewNetwork()
	a := newAdapter(t, n, 50*time.Millisecond)
	if err := a.Reset(); err != nil {
		t.Fatal(err)
	}
	if a.IsBound() {
		t.Fatal("reset should not bind")
	}
}

func TestNextTimesOut(t *testing.T) {
	n := mem.NewNetwork()
	a := newAdapter(t, n, 20*time.Millisecond)
	if err := a.Bind(addr("127.0.0.1", 7000)); err != nil {
		t.Fatal(err)
	}
	_, err := a.Next(context.Background(), "")
	if !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestNextOnUnboundIsNotBound(t *testing.T) {
	n := mem.NewNetwork()
	a := newAdapter(t, n, 20*time.Millisecond)
	_, err := a.Next(context.Background(), "")
	if !errors.Is(err, transport.ErrNotBound) {
		t.Fatalf("err = %v, want ErrNotBound", err)
	}
}

func TestNextHonoursContext(t *testing.T) {
	n := mem.NewNetwork()
	a := newAdapter(t, n, 0)
	if err := a.Bind(addr("127.0.0.1", 7000)); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Next(ctx, "")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context deadline", err)
	}
}

func TestNextPinsSource(t *testing.T) {
	n := mem.NewNetwork()
	a := newAdapter(t, n, 50*time.Millisecond)
	if err := a.Bind(addr("127.0.0.1", 7000)); err != nil {
		t.Fatal(err)
	}
	dst := addr("127.0.0.1", 7000)

	s1 := newAdapter(t, n, 50*time.Millisecond)
	s2 := newAdapter(t, n, 50*time.Millisecond)
	if err := s1.Bind(addr("127.0.0.1", 7001)); err != nil {
		t.Fatal(err)
	}
	if err := s2.Bind(addr("127.0.0.1", 7002)); err != nil {
		t.Fatal(err)
	}

	for _, step := range []struct {
		a    *transport.Adapter
		data string
	}{{s1, "a1"}, {s2, "b1"}, {s2, "b2"}, {s1, "a2"}} {
		if err := step.a.Send([]byte(step.data), &dst); err != nil {
			t.Fatal(err)
		}
	}

	first, err := a.Next(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if string(first.Data) != "a1" {
		t.Fatalf("first = %q", first.Data)
	}
	second, err := a.Next(context.Background(), first.From)
	if err != nil {
		t.Fatal(err)
	}
	if string(second.Data) != "a2" {
		t.Fatalf("pinned read = %q, want a2", second.Data)
	}
	if a.Pending() != 2 {
		t.Fatalf("pending = %d, want 2", a.Pending())
	}

	for _, want := range []string{"b1", "b2"} {
		pkt, err := a.Next(context.Background(), "")
		if err != nil {
			t.Fatal(err)
		}
		if string(pkt.Data) != want {
			t.Fatalf("backlog order: got %q, want %q", pkt.Data, want)
		}
		if pkt.Source != addr("127.0.0.1", 7002) {
			t.Fatalf("source = %v", pkt.Source)
		}
	}
}

func TestSendToUnboundIsRefused(t *testing.T) {
	n := mem.NewNetwork()
	a := newAdapter(t, n, 50*time.Millisecond)
	dst := addr("127.0.0.1", 7999)
	err := a.Send([]byte("x"), &dst)
	if !errors.Is(err, transport.ErrConnectionRefused) {
		t.Fatalf("err = %v, want ErrConnectionRefused", err)
	}
	if !transport.IsBenign(err) {
		t.Fatal("refused send should be benign")
	}
}

func TestSendWithoutDestination(t *testing.T) {
	n := mem.NewNetwork()
	a := newAdapter(t, n, 50*time.Millisecond)
	err := a.Send([]byte("x"), nil)
	if !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestConnectSetsDefaultDestination(t *testing.T) {
	n := mem.NewNetwork()
	srv := newAdapter(t, n, 50*time.Millisecond)
	if err := srv.Bind(addr("127.0.0.1", 7000)); err != nil {
		t.Fatal(err)
	}
	cli := newAdapter(t, n, 50*time.Millisecond)
	if err := cli.Connect(context.Background(), addr("127.0.0.1", 7000)); err != nil {
		t.Fatal(err)
	}
	if err := cli.Send([]byte("hi"), nil); err != nil {
		t.Fatal(err)
	}
	pkt, err := srv.Next(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if string(pkt.Data) != "hi" {
		t.Fatalf("data = %q", pkt.Data)
	}
	local, ok := cli.LocalAddr()
	if !ok || pkt.Source != local {
		t.Fatalf("source %v, client local %v (%v)", pkt.Source, local, ok)
	}
}

func TestClosedAdapter(t *testing.T) {
	n := mem.NewNetwork()
	a := newAdapter(t, n, 50*time.Millisecond)
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if err := a.Bind(addr("127.0.0.1", 7000)); !errors.Is(err, transport.ErrNotBound) {
		t.Fatalf("bind after close = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestSetTimeout(t *testing.T) {
	n := mem.NewNetwork()
	a := newAdapter(t, n, time.Second)
	a.SetTimeout(10 * time.Millisecond)
	if a.Timeout() != 10*time.Millisecond {
		t.Fatalf("timeout = %v", a.Timeout())
	}
	if err := a.Bind(addr("127.0.0.1", 7000)); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if _, err := a.Next(context.Background(), ""); !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("err = %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("read ignored the new timeout")
	}
}
