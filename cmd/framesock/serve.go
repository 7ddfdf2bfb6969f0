package main

import (
	"context"
	"fmt"
	"log"

	"framesock/internal/config"
	"framesock/internal/control"
	"framesock/internal/endpoint"
	"framesock/pkg/wire"
)

// serve runs a relay hub: every message is forwarded to the other sessions.
func serve(ctx context.Context, cfg *config.Config, opts endpoint.Options) error {
	if cfg.Endpoint.Listen == "" {
		return fmt.Errorf("serve needs -listen or endpoint.listen")
	}
	addr, err := wire.ParseHostPort(cfg.Endpoint.Listen)
	if err != nil {
		return err
	}

	opts.Hooks = control.Hooks{
		OnConnect:    func(a wire.Address) { log.Printf("%s joined", a) },
		OnDisconnect: func(a wire.Address) { log.Printf("%s left", a) },
	}
	ep, err := endpoint.New(opts)
	if err != nil {
		return err
	}
	defer ep.Close()

	if err := ep.Bind(addr); err != nil {
		return err
	}
	local, _ := ep.LocalAddr()
	log.Printf("Relay listening on %s (%s)", local.HostPort(), cfg.Endpoint.Network)

	err = ep.Relay(ctx)

	log.Println("Shutting down...")
	if derr := ep.DisconnectAll(); derr != nil {
		log.Printf("disconnect: %v", derr)
	}
	return err
}
