package main

import (
	"testing"

	"github.com/charmbracelet/log"
	"github.com/pyro-sandbox/pyro/internal/vsockexec"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestParseConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := parseConfig(envMap(nil))
	if err != nil {
		t.Fatalf("parseConfig returned error: %v", err)
	}
	if cfg.Listen != "" || cfg.SkipInit {
		t.Fatalf("unexpected dev settings in defaults: %+v", cfg)
	}
	if cfg.Port != vsockexec.DefaultPort {
		t.Fatalf("unexpected port: got %d want %d", cfg.Port, vsockexec.DefaultPort)
	}
	if cfg.LogLevel != log.InfoLevel {
		t.Fatalf("unexpected log level: %v", cfg.LogLevel)
	}
}

func TestParseConfigDevMode(t *testing.T) {
	t.Parallel()

	cfg, err := parseConfig(envMap(map[string]string{
		"PYROD_LISTEN":    "unix:///tmp/pyrod.sock",
		"PYROD_SKIP_INIT": "1",
		"PYROD_PORT":      "10000",
		"PYROD_LOG_LEVEL": "DEBUG",
	}))
	if err != nil {
		t.Fatalf("parseConfig returned error: %v", err)
	}
	if cfg.Listen != "unix:///tmp/pyrod.sock" || !cfg.SkipInit || cfg.Port != 10000 || cfg.LogLevel != log.DebugLevel {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestParseConfigRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	for _, env := range []map[string]string{
		{"PYROD_PORT": "vsock"},
		{"PYROD_PORT": "4294967296"},
		{"PYROD_SKIP_INIT": "maybe"},
		{"PYROD_LOG_LEVEL": "chatty"},
	} {
		if _, err := parseConfig(envMap(env)); err == nil {
			t.Fatalf("expected %v to be rejected", env)
		}
	}
}
