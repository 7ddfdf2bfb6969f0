package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"framesock/internal/endpoint"
	"framesock/internal/transport/mem"
	"framesock/pkg/wire"
)

func newPair(t *testing.T) (srv, cli *endpoint.Endpoint) {
	t.Helper()
	n := mem.NewNetwork()
	mk := func(addr wire.Address) *endpoint.Endpoint {
		e, err := endpoint.New(endpoint.Options{
			Factory:      n.Factory(),
			Timeout:      200 * time.Millisecond,
			PollInterval: 20 * time.Millisecond,
		})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { e.Close() })
		if err := e.Bind(addr); err != nil {
			t.Fatal(err)
		}
		return e
	}
	return mk(wire.Address{Host: "10.0.0.1", Port: 7000}), mk(wire.Address{Host: "10.0.0.2", Port: 7001})
}

func TestDispatch(t *testing.T) {
	_, cli := newPair(t)
	var out bytes.Buffer

	if dispatch(cli, &out, "/help") {
		t.Fatal("/help ended the session")
	}
	for _, name := range chatOrder {
		if !strings.Contains(out.String(), name) {
			t.Errorf("help output missing %s: %q", name, out.String())
		}
	}

	out.Reset()
	if dispatch(cli, &out, "/nope") || !strings.Contains(out.String(), "Unknown command") {
		t.Fatalf("unknown command output %q", out.String())
	}

	out.Reset()
	if dispatch(cli, &out, "/history x") || !strings.Contains(out.String(), "bad count") {
		t.Fatalf("bad history count output %q", out.String())
	}

	if !dispatch(cli, &out, "/quit") {
		t.Fatal("/quit did not end the session")
	}
	if dispatch(cli, &out, "   ") {
		t.Fatal("blank line ended the session")
	}
}

func TestHistoryCommand(t *testing.T) {
	srv, cli := newPair(t)
	if err := cli.Connect(context.Background(), wire.Address{Host: "10.0.0.1", Port: 7000}); err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Receive(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, line := range []string{"first", "second"} {
		if _, err := cli.Send([]byte(line)); err != nil {
			t.Fatal(err)
		}
		if _, err := srv.Receive(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	var out bytes.Buffer
	dispatch(srv, &out, "/history 1")
	got := out.String()
	if !strings.Contains(got, "second") || strings.Contains(got, "first") {
		t.Fatalf("/history 1 = %q", got)
	}
	if !strings.Contains(got, "[10.0.0.2,7001]") {
		t.Fatalf("/history missing sender: %q", got)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestFollow(t *testing.T) {
	for _, poll := range []bool{false, true} {
		t.Run(map[bool]string{false: "foreground", true: "polling"}[poll], func(t *testing.T) {
			srv, cli := newPair(t)
			var out syncBuffer
			stop, err := follow(context.Background(), cli, &out, poll)
			if err != nil {
				t.Fatal(err)
			}
			defer stop()
			if cli.Polling() != poll {
				t.Fatalf("Polling() = %v, want %v", cli.Polling(), poll)
			}

			if _, err := srv.SendTo([]byte("ping"), wire.Address{Host: "10.0.0.2", Port: 7001}); err != nil {
				t.Fatal(err)
			}
			deadline := time.Now().Add(2 * time.Second)
			for !strings.Contains(out.String(), "[10.0.0.1,7000] ping") {
				if time.Now().After(deadline) {
					t.Fatalf("output = %q", out.String())
				}
				time.Sleep(10 * time.Millisecond)
			}

			stop()
			stop()
			if cli.Polling() {
				t.Fatal("still polling after stop")
			}
		})
	}
}
