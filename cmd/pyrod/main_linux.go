//go:build linux

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/pyro-sandbox/pyro/internal/guest"
	"github.com/pyro-sandbox/pyro/internal/runner"
)

func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:           log.InfoLevel,
		Prefix:          "pyrod",
		ReportTimestamp: true,
	})
	if err := run(context.Background(), os.Getenv, logger); err != nil {
		logger.Error("guest agent failed", "error", err)
		os.Exit(1)
	}
}

var bootstrap = func() error {
	return guest.Bootstrap(guest.DefaultFilesystem())
}

func run(ctx context.Context, getenv func(string) string, logger *log.Logger) error {
	cfg, err := parseConfig(getenv)
	if err != nil {
		return err
	}
	logger.SetLevel(cfg.LogLevel)

	if cfg.SkipInit {
		logger.Warn("skipping guest bootstrap")
	} else if err := bootstrap(); err != nil {
		return err
	}

	// Outside a VM the agent usually cannot switch users.
	identity := runner.SandboxIdentity()
	if cfg.SkipInit && os.Geteuid() != 0 {
		identity = nil
	}

	ln, err := guest.Listen(cfg.Listen, cfg.Port)
	if err != nil {
		return err
	}
	logger.Info("waiting for host", "listen", ln.Addr(), "port", cfg.Port)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	agent := &guest.Agent{
		Executor: &runner.Executor{Identity: identity, Logger: logger},
		Logger:   logger,
	}
	return agent.Serve(ctx, ln)
}
