package firecracker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pyro-sandbox/pyro/internal/vsockexec"
)

// ErrHypervisorExited is returned while waiting on a VM whose hypervisor
// process has already gone away.
var ErrHypervisorExited = errors.New("firecracker exited before the guest agent became ready")

var (
	socketPollInterval = 100 * time.Millisecond
	dialRetryInterval  = 200 * time.Millisecond
)

// WaitForSocket blocks until path exists. It watches the parent directory for
// the create event and also polls, so a missed or unsupported notification
// only costs one poll interval. exited aborts the wait.
func WaitForSocket(ctx context.Context, path string, exited <-chan struct{}) error {
	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(path)); err == nil {
			events = watcher.Events
			watchErrs = watcher.Errors
		}
	}

	ticker := time.NewTicker(socketPollInterval)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}

		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == filepath.Clean(path) && ev.Has(fsnotify.Create) {
				return nil
			}
		case _, ok := <-watchErrs:
			// Fall back to polling alone.
			if !ok {
				watchErrs = nil
			}
			events = nil
		case <-ticker.C:
		case <-exited:
			return ErrHypervisorExited
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for control socket %s: %w", path, ctx.Err())
		}
	}
}

// dialUntilReady retries the handshake until the guest agent accepts it. The
// proxy socket appears as soon as firecracker starts, well before the guest
// is listening.
func dialUntilReady(ctx context.Context, exited <-chan struct{}, path string, port uint32) (net.Conn, error) {
	ticker := time.NewTicker(dialRetryInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		conn, err := vsockexec.Dial(ctx, path, port)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		select {
		case <-exited:
			return nil, ErrHypervisorExited
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for guest agent (%s): %w (last error: %v)", path, ctx.Err(), lastErr)
		case <-ticker.C:
		}
	}
}
