package endpoint

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Endpoint struct {
	Scheme  string
	Address string
	BaseURL string

	TSNetHostname string
	TSNetPort     int
	TSServiceName string
	TSServicePort int
}

const (
	DefaultSystemSocketPath = "/var/run/pyro/pyro.sock"

	defaultTSNetHostname = "pyro"
	defaultTailnetPort   = 7777
)

var endpointStat = os.Stat
var endpointGeteuid = os.Geteuid

func defaultListenEndpoint() Endpoint {
	runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if runtimeDir == "" {
		runtimeDir = filepath.Join(os.TempDir(), "pyro")
	}
	sock := filepath.Join(runtimeDir, "pyro", "pyro.sock")
	return Endpoint{
		Scheme:  "unix",
		Address: sock,
		BaseURL: "http://unix",
	}
}

func defaultClientEndpoint() Endpoint {
	if endpointGeteuid() == 0 {
		if st, err := endpointStat(DefaultSystemSocketPath); err == nil && !st.IsDir() && st.Mode()&os.ModeSocket != 0 {
			return Endpoint{
				Scheme:  "unix",
				Address: DefaultSystemSocketPath,
				BaseURL: "http://unix",
			}
		}
	}
	return defaultListenEndpoint()
}

func Default() Endpoint {
	return defaultListenEndpoint()
}

// ResolveListen resolves an endpoint for server-side listening.
func ResolveListen(raw string) (Endpoint, error) {
	return resolve(raw, true)
}

func Resolve(raw string) (Endpoint, error) {
	return resolve(raw, false)
}

func resolve(raw string, listen bool) (Endpoint, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		value = strings.TrimSpace(os.Getenv("PYRO_HOST"))
	}
	if value == "" {
		if listen {
			return defaultListenEndpoint(), nil
		}
		return defaultClientEndpoint(), nil
	}

	switch {
	case strings.HasPrefix(value, "unix://"):
		path := strings.TrimPrefix(value, "unix://")
		if path == "" {
			return Endpoint{}, fmt.Errorf("invalid unix endpoint %q", value)
		}
		return Endpoint{Scheme: "unix", Address: path, BaseURL: "http://unix"}, nil
	case strings.HasPrefix(value, "http://"):
		return Endpoint{Scheme: "http", Address: value, BaseURL: value}, nil
	case strings.HasPrefix(value, "https://"):
		if listen {
			return Endpoint{}, fmt.Errorf("https endpoint %q cannot be used with serve --listen (terminate TLS with tssvc:// or a proxy)", value)
		}
		return Endpoint{Scheme: "https", Address: value, BaseURL: value}, nil
	case strings.HasPrefix(value, "tsnet://"):
		if !listen {
			return Endpoint{}, fmt.Errorf("tsnet endpoint %q is only valid for serve --listen; dial http://<host>:<port> on the tailnet instead", value)
		}
		return resolveTSNet(value)
	case strings.HasPrefix(value, "tssvc://"):
		if !listen {
			return Endpoint{}, fmt.Errorf("tssvc endpoint %q is only valid for serve --listen; dial https://<service>.<tailnet>.ts.net instead", value)
		}
		return resolveTSService(value)
	case strings.HasPrefix(value, "/"):
		return Endpoint{Scheme: "unix", Address: value, BaseURL: "http://unix"}, nil
	default:
		expected := "unix://, http://, https://, tsnet://, tssvc://, or absolute unix socket path"
		return Endpoint{}, fmt.Errorf("unsupported endpoint %q (expected %s)", value, expected)
	}
}

func resolveTSNet(value string) (Endpoint, error) {
	host, port, err := splitTailnetAuthority(value, "tsnet://", defaultTSNetHostname)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{
		Scheme:        "tsnet",
		Address:       fmt.Sprintf(":%d", port),
		BaseURL:       fmt.Sprintf("http://%s:%d", host, port),
		TSNetHostname: host,
		TSNetPort:     port,
	}, nil
}

// resolveTSService listens on loopback and publishes the listener as a
// tailscale service through the local tailscaled.
func resolveTSService(value string) (Endpoint, error) {
	name, port, err := splitTailnetAuthority(value, "tssvc://", defaultTSNetHostname)
	if err != nil {
		return Endpoint{}, err
	}
	name = strings.TrimPrefix(name, "svc:")
	return Endpoint{
		Scheme:        "tssvc",
		Address:       net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		BaseURL:       "https://" + name,
		TSServiceName: "svc:" + name,
		TSServicePort: port,
	}, nil
}

func splitTailnetAuthority(value, prefix, defaultHost string) (string, int, error) {
	authority := strings.TrimPrefix(value, prefix)
	if strings.Contains(authority, "/") {
		return "", 0, fmt.Errorf("invalid endpoint %q: paths are not supported", value)
	}
	host, portText := authority, ""
	if i := strings.LastIndex(authority, ":"); i >= 0 {
		host, portText = authority[:i], authority[i+1:]
	}
	if host == "" {
		host = defaultHost
	}
	port := defaultTailnetPort
	if portText != "" {
		n, err := strconv.Atoi(portText)
		if err != nil || n < 1 || n > 65535 {
			return "", 0, fmt.Errorf("invalid endpoint %q: port must be 1-65535", value)
		}
		port = n
	}
	return host, port, nil
}
