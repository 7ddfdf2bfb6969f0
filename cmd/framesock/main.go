package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"framesock/internal/config"
	"framesock/internal/endpoint"
	"framesock/internal/logging"
	"framesock/internal/store"
	boltstore "framesock/internal/store/bolt"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] serve|chat\n\nflags:\n", filepath.Base(os.Args[0]))
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	network := flag.String("network", "", "udp or tcp (overrides config)")
	listen := flag.String("listen", "", "local host:port (overrides config)")
	connect := flag.String("connect", "", "server host:port for chat (overrides config)")
	dataDir := flag.String("data-dir", "", "directory for the block list and history (overrides config)")
	timeout := flag.Duration("timeout", 0, "receive timeout (overrides config)")
	logLevel := flag.String("log-level", "", "debug, info, warn or error (overrides config)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	mode := flag.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// CLI flags override config file values
	if *network != "" {
		cfg.Endpoint.Network = *network
	}
	if *listen != "" {
		cfg.Endpoint.Listen = *listen
	}
	if *connect != "" {
		cfg.Endpoint.Connect = *connect
	}
	if *dataDir != "" {
		cfg.Store.DataDir = *dataDir
	}
	if *timeout != 0 {
		cfg.Endpoint.Timeout = config.Duration{Duration: *timeout}
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logging.Init(cfg.Logging.Level, cfg.Logging.Format)

	var st store.Store
	if cfg.Store.DataDir != "" {
		dir := config.ExpandHome(cfg.Store.DataDir)
		if err := os.MkdirAll(dir, 0700); err != nil {
			log.Fatalf("creating data dir: %v", err)
		}
		db, err := boltstore.Open(filepath.Join(dir, "framesock.db"))
		if err != nil {
			log.Fatalf("store: %v", err)
		}
		defer db.Close()
		st = db
	}

	opts, err := endpoint.OptionsFromConfig(cfg, st)
	if err != nil {
		log.Fatalf("endpoint: %v", err)
	}

	// Graceful shutdown on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch mode {
	case "serve":
		err = serve(ctx, cfg, opts)
	case "chat":
		err = chat(ctx, cfg, opts)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Printf("%s: %v", mode, err)
		os.Exit(1)
	}
}
