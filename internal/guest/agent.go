package guest

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/charmbracelet/log"
	"github.com/pyro-sandbox/pyro/internal/vsockexec"
)

// Agent serves the single control connection of a VM.
type Agent struct {
	Executor vsockexec.Executor
	Logger   *log.Logger
}

// Serve accepts one connection from ln, closes ln, and serves RPC on that
// connection until the host disconnects or ctx is done. Connections that fail
// the handshake are dropped and the agent keeps waiting.
func (a *Agent) Serve(ctx context.Context, ln net.Listener) error {
	logger := a.Logger
	if logger == nil {
		logger = log.Default()
	}

	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	conn, err := acceptOne(ln, logger)
	_ = ln.Close()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("accept control connection: %w", err)
	}
	defer conn.Close()
	logger.Info("control connection established", "remote", conn.RemoteAddr())

	server := vsockexec.NewServer(logger)
	vsockexec.RegisterAgent(server, a.Executor)
	if err := server.ServeConn(ctx, conn); err != nil {
		return fmt.Errorf("serve control connection: %w", err)
	}
	logger.Info("control connection closed")
	return nil
}

func acceptOne(ln net.Listener, logger *log.Logger) (net.Conn, error) {
	for {
		conn, err := ln.Accept()
		if err == nil {
			return conn, nil
		}
		if errors.Is(err, vsockexec.ErrProtocol) {
			logger.Warn("rejected control connection", "error", err)
			continue
		}
		return nil, err
	}
}
