package guest

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/mdlayher/vsock"
	"github.com/pyro-sandbox/pyro/internal/vsockexec"
)

// Listen opens the control listener. An empty address listens on the vsock
// device; unix:///path listens on a Unix socket that speaks the same
// handshake as the Firecracker vsock proxy, for running the agent outside a VM.
func Listen(address string, port uint32) (net.Listener, error) {
	address = strings.TrimSpace(address)
	if address == "" || address == "vsock" {
		return vsock.Listen(port, nil)
	}
	path, ok := strings.CutPrefix(address, "unix://")
	if !ok || path == "" {
		return nil, fmt.Errorf("unsupported listen address %q (expected vsock or unix:///path)", address)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	return vsockexec.NewListener(ln, port), nil
}
