package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/term"

	"framesock/internal/config"
	"framesock/internal/endpoint"
	"framesock/pkg/wire"
)

// console is a line-oriented terminal: x/term when stdin is a TTY, a plain
// scanner otherwise.
type console interface {
	io.Writer
	ReadLine() (string, error)
}

type readWriter struct {
	io.Reader
	io.Writer
}

type plainConsole struct {
	sc *bufio.Scanner
	w  io.Writer
}

func (p *plainConsole) ReadLine() (string, error) {
	if p.sc.Scan() {
		return p.sc.Text(), nil
	}
	if err := p.sc.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (p *plainConsole) Write(b []byte) (int, error) { return p.w.Write(b) }

func openConsole() (console, func(), error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return &plainConsole{sc: bufio.NewScanner(os.Stdin), w: os.Stdout}, func() {}, nil
	}
	old, err := term.MakeRaw(fd)
	if err != nil {
		return nil, nil, fmt.Errorf("raw terminal: %w", err)
	}
	t := term.NewTerminal(readWriter{os.Stdin, os.Stdout}, "> ")
	return t, func() { _ = term.Restore(fd, old) }, nil
}

type chatCommand struct {
	usage string
	help  string
	// run returns true when the session should end.
	run func(ep *endpoint.Endpoint, out io.Writer, args []string) bool
}

var chatOrder = []string{"/help", "/history", "/quit"}

var chatCommands map[string]chatCommand

func init() {
	chatCommands = map[string]chatCommand{
		"/help": {help: "list commands", run: func(_ *endpoint.Endpoint, out io.Writer, _ []string) bool {
			_, _ = fmt.Fprintln(out, "Commands:")
			for _, name := range chatOrder {
				cmd := chatCommands[name]
				display := name
				if cmd.usage != "" {
					display = cmd.usage
				}
				_, _ = fmt.Fprintf(out, "  %-14s %s\n", display, cmd.help)
			}
			return false
		}},
		"/history": {usage: "/history [n]", help: "show received messages", run: func(ep *endpoint.Endpoint, out io.Writer, args []string) bool {
			n := 0
			if len(args) > 0 {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					_, _ = fmt.Fprintf(out, "bad count %q\n", args[0])
					return false
				}
				n = v
			}
			for _, m := range ep.History(n) {
				_, _ = fmt.Fprintf(out, "%s [%s] %s\n", m.At.Format("15:04:05"), m.From, m.Payload)
			}
			return false
		}},
		"/quit": {help: "leave the server", run: func(*endpoint.Endpoint, io.Writer, []string) bool {
			return true
		}},
	}
}

func dispatch(ep *endpoint.Endpoint, out io.Writer, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd, ok := chatCommands[parts[0]]
	if !ok {
		_, _ = fmt.Fprintf(out, "Unknown command: %s (try /help)\n", parts[0])
		return false
	}
	return cmd.run(ep, out, parts[1:])
}

// chat connects to a relay and exchanges lines with the other sessions.
func chat(ctx context.Context, cfg *config.Config, opts endpoint.Options) error {
	if cfg.Endpoint.Connect == "" {
		return errors.New("chat needs -connect or endpoint.connect")
	}
	server, err := wire.ParseHostPort(cfg.Endpoint.Connect)
	if err != nil {
		return err
	}
	local := wire.Address{Host: "0.0.0.0"}
	if cfg.Endpoint.Listen != "" {
		if local, err = wire.ParseHostPort(cfg.Endpoint.Listen); err != nil {
			return err
		}
	}

	ep, err := endpoint.New(opts)
	if err != nil {
		return err
	}
	defer ep.Close()

	if err := ep.Bind(local); err != nil {
		return err
	}
	if err := ep.Connect(ctx, server); err != nil {
		return err
	}

	con, restore, err := openConsole()
	if err != nil {
		return err
	}
	defer restore()
	_, _ = fmt.Fprintf(con, "Connected to %s. Type /help for commands.\n", server)

	stop, err := follow(ctx, ep, con, cfg.Poll.Enabled)
	if err != nil {
		return err
	}
	defer stop()

	lines := make(chan error, 1)
	go func() {
		for {
			line, err := con.ReadLine()
			if err != nil {
				lines <- err
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "/") {
				if dispatch(ep, con, line) {
					lines <- nil
					return
				}
				continue
			}
			if _, err := ep.Send([]byte(line)); err != nil {
				_, _ = fmt.Fprintf(con, "send failed: %v\n", err)
			}
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-lines:
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
	}
	stop()
	return ep.Leave()
}

// follow prints incoming messages to out until stop is called. With poll set
// the endpoint's poller fills its queue and follow drains it; otherwise
// receive cycles run in a loop of their own.
func follow(ctx context.Context, ep *endpoint.Endpoint, out io.Writer, poll bool) (stop func(), err error) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	show := func(m endpoint.Message) {
		_, _ = fmt.Fprintf(out, "[%s] %s\n", m.From, m.Payload)
	}

	if poll {
		if err := ep.StartPolling(ctx); err != nil {
			cancel()
			return nil, err
		}
		go func() {
			defer close(done)
			for {
				select {
				case <-ctx.Done():
					return
				case <-ep.Ready():
					for _, m := range ep.Drain() {
						show(m)
					}
				}
			}
		}()
	} else {
		go func() {
			defer close(done)
			for ctx.Err() == nil {
				m, ok, err := ep.ReceiveFrom(ctx)
				switch {
				case ctx.Err() != nil, errors.Is(err, endpoint.ErrClosed):
					return
				case err != nil:
					_, _ = fmt.Fprintf(out, "receive failed: %v\n", err)
					return
				case ok:
					show(m)
				}
			}
		}()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
			ep.StopPolling()
		})
	}, nil
}
