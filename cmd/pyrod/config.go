package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/pyro-sandbox/pyro/internal/vsockexec"
)

// agentConfig is read from the environment. Inside a VM nothing is set and
// the defaults apply.
type agentConfig struct {
	Listen   string
	Port     uint32
	SkipInit bool
	LogLevel log.Level
}

func parseConfig(getenv func(string) string) (agentConfig, error) {
	cfg := agentConfig{
		Listen:   strings.TrimSpace(getenv("PYROD_LISTEN")),
		Port:     vsockexec.DefaultPort,
		LogLevel: log.InfoLevel,
	}
	if raw := strings.TrimSpace(getenv("PYROD_PORT")); raw != "" {
		port, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return agentConfig{}, fmt.Errorf("invalid PYROD_PORT %q: %w", raw, err)
		}
		cfg.Port = uint32(port)
	}
	if raw := strings.TrimSpace(getenv("PYROD_SKIP_INIT")); raw != "" {
		skip, err := strconv.ParseBool(raw)
		if err != nil {
			return agentConfig{}, fmt.Errorf("invalid PYROD_SKIP_INIT %q: %w", raw, err)
		}
		cfg.SkipInit = skip
	}
	if raw := strings.TrimSpace(getenv("PYROD_LOG_LEVEL")); raw != "" {
		level, err := log.ParseLevel(strings.ToLower(raw))
		if err != nil {
			return agentConfig{}, fmt.Errorf("invalid PYROD_LOG_LEVEL %q: %w", raw, err)
		}
		cfg.LogLevel = level
	}
	return cfg, nil
}
