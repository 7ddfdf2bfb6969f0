package endpoint_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"framesock/internal/endpoint"
	"framesock/internal/transport"
	"framesock/internal/transport/tcp"
	"framesock/internal/transport/udp"
	"framesock/pkg/wire"
)

var loopbackAny = wire.Address{Host: "127.0.0.1", Port: 0}

func loopbackEndpoint(t *testing.T, factory transport.Factory, mod func(*endpoint.Options)) *endpoint.Endpoint {
	t.Helper()
	opts := endpoint.Options{Factory: factory, Timeout: 2 * time.Second}
	if mod != nil {
		mod(&opts)
	}
	e, err := endpoint.New(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })
	if err := e.Bind(loopbackAny); err != nil {
		t.Fatal(err)
	}
	return e
}

func exerciseLoopback(t *testing.T, factory transport.Factory) {
	srv := loopbackEndpoint(t, factory, nil)
	cli := loopbackEndpoint(t, factory, nil)
	srvLocal, _ := srv.LocalAddr()
	cliLocal, _ := cli.LocalAddr()

	if err := cli.Connect(context.Background(), srvLocal); err != nil {
		t.Fatal(err)
	}
	expectNoData(t, srv)
	if got := srv.Clients(); len(got) != 1 || got[0] != cliLocal {
		t.Fatalf("clients = %v, want [%v]", got, cliLocal)
	}

	n, err := cli.Send([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("Send returned %d, want 5", n)
	}
	m := receive(t, srv)
	if string(m.Payload) != "hello" {
		t.Fatalf("payload = %q", m.Payload)
	}

	big := bytes.Repeat([]byte("framesock "), 10000)
	if failed := srv.Broadcast(big); len(failed) != 0 {
		t.Fatalf("broadcast failed for %v", failed)
	}
	reply := receive(t, cli)
	if !bytes.Equal(reply.Payload, big) {
		t.Fatalf("broadcast payload differs: %d bytes", len(reply.Payload))
	}
	if reply.From != srvLocal {
		t.Fatalf("from = %v, want %v", reply.From, srvLocal)
	}
}

func TestUDPLoopback(t *testing.T) {
	exerciseLoopback(t, udp.Factory)
}

func TestTCPLoopback(t *testing.T) {
	exerciseLoopback(t, tcp.Factory)
}

func TestTCPRefusesBlockedHostAtAccept(t *testing.T) {
	var ev events
	srv := loopbackEndpoint(t, tcp.Factory, func(o *endpoint.Options) {
		o.Timeout = 100 * time.Millisecond
		o.Blocked = []string{"127.0.0.1"}
		o.Hooks = ev.hooks()
	})
	cli := loopbackEndpoint(t, tcp.Factory, nil)
	srvLocal, _ := srv.LocalAddr()

	// The dial succeeds but the server closes the stream before reading.
	_, _ = cli.SendTo([]byte("let me in"), srvLocal)
	expectNoData(t, srv)
	if len(srv.Clients()) != 0 {
		t.Fatal("blocked host admitted")
	}
	if got := ev.list(); len(got) != 0 {
		t.Fatalf("hooks fired for a refused connection: %v", got)
	}
}

func TestTCPAcceptHook(t *testing.T) {
	var ev events
	srv := loopbackEndpoint(t, tcp.Factory, func(o *endpoint.Options) { o.Hooks = ev.hooks() })
	cli := loopbackEndpoint(t, tcp.Factory, nil)
	srvLocal, _ := srv.LocalAddr()

	if err := cli.Connect(context.Background(), srvLocal); err != nil {
		t.Fatal(err)
	}
	expectNoData(t, srv)
	got := ev.list()
	if len(got) != 2 || got[0][:len("accept ")] != "accept " || got[1][:len("connect ")] != "connect " {
		t.Fatalf("hook events = %v", got)
	}
}
