package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"eventflow/internal/config"
	"eventflow/internal/logger"
	"eventflow/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, logLevel, addr, sinkType string

	flagSet := pflag.NewFlagSet("eventflow", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	flagSet.StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	flagSet.StringVar(&addr, "addr", "", "override HTTP listen address")
	flagSet.StringVar(&sinkType, "sink", "", "override sink type (log, kafka, http)")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if sinkType != "" {
		cfg.Sink.Type = sinkType
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger.Init(cfg.Log.Level)
	log := logger.WithComponent("main")

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	// wait for termination signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("addr", cfg.Server.Addr).
		Str("sink", cfg.Sink.Type).
		Bool("batching", cfg.Collector.EnableBatching).
		Bool("signing", cfg.Signing.SecretKey != "").
		Msg("eventflow starting")

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server exited: %w", err)
	}
	log.Info().Msg("exited")
	return nil
}
