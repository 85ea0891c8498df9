package controlserver

import (
	"context"
	"fmt"
	"net"
	"reflect"
	"slices"
	"strings"

	"github.com/pyro-sandbox/pyro/internal/endpoint"
	"tailscale.com/client/tailscale"
	"tailscale.com/ipn"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tailcfg"
)

type tailscaleLocalClient interface {
	StatusWithoutPeers(ctx context.Context) (*ipnstate.Status, error)
	GetServeConfig(ctx context.Context) (*ipn.ServeConfig, error)
	SetServeConfig(ctx context.Context, config *ipn.ServeConfig) error
	GetPrefs(ctx context.Context) (*ipn.Prefs, error)
	EditPrefs(ctx context.Context, prefs *ipn.MaskedPrefs) (*ipn.Prefs, error)
}

var newTailscaleLocalClient = func() tailscaleLocalClient {
	return &tailscale.LocalClient{}
}

// configureTailscaleService publishes the loopback listener at localAddr as
// https://<service>.<tailnet> through the local tailscaled, then advertises
// the service from this node.
func configureTailscaleService(ctx context.Context, ep endpoint.Endpoint, localAddr string) error {
	name := tailcfg.ServiceName(strings.TrimSpace(ep.TSServiceName))
	if err := name.Validate(); err != nil {
		return fmt.Errorf("invalid tailscale service name %q: %w", ep.TSServiceName, err)
	}
	if strings.TrimSpace(localAddr) == "" {
		return fmt.Errorf("empty local listen address for service %q", name)
	}

	lc := newTailscaleLocalClient()
	status, err := lc.StatusWithoutPeers(ctx)
	if err != nil {
		return fmt.Errorf("get tailscale status: %w", err)
	}
	suffix := magicDNSSuffix(status)
	if suffix == "" {
		return fmt.Errorf("tailscale status missing tailnet MagicDNS suffix")
	}

	if err := ensureServeConfig(ctx, lc, name, suffix, localAddr); err != nil {
		return err
	}
	return ensureAdvertised(ctx, lc, name)
}

func magicDNSSuffix(status *ipnstate.Status) string {
	if status == nil {
		return ""
	}
	if status.CurrentTailnet != nil {
		if suffix := strings.TrimSpace(status.CurrentTailnet.MagicDNSSuffix); suffix != "" {
			return suffix
		}
	}
	return strings.TrimSpace(status.MagicDNSSuffix)
}

// serviceProxyConfig terminates TLS on 443 and proxies everything to the
// execution API.
func serviceProxyConfig(name tailcfg.ServiceName, suffix, localAddr string) *ipn.ServiceConfig {
	host := fmt.Sprintf("%s.%s", name.WithoutPrefix(), suffix)
	return &ipn.ServiceConfig{
		TCP: map[uint16]*ipn.TCPPortHandler{
			443: {HTTPS: true},
		},
		Web: map[ipn.HostPort]*ipn.WebServerConfig{
			ipn.HostPort(net.JoinHostPort(host, "443")): {
				Handlers: map[string]*ipn.HTTPHandler{
					"/": {Proxy: "http://" + localAddr},
				},
			},
		},
	}
}

func ensureServeConfig(ctx context.Context, lc tailscaleLocalClient, name tailcfg.ServiceName, suffix, localAddr string) error {
	current, err := lc.GetServeConfig(ctx)
	if err != nil {
		return fmt.Errorf("get tailscale serve config: %w", err)
	}
	if current == nil {
		current = &ipn.ServeConfig{}
	}

	want := serviceProxyConfig(name, suffix, localAddr)
	if reflect.DeepEqual(current.Services[name], want) {
		return nil
	}
	if current.Services == nil {
		current.Services = map[tailcfg.ServiceName]*ipn.ServiceConfig{}
	}
	current.Services[name] = want
	if err := lc.SetServeConfig(ctx, current); err != nil {
		return fmt.Errorf("set tailscale serve config for %q: %w", name, err)
	}
	return nil
}

func ensureAdvertised(ctx context.Context, lc tailscaleLocalClient, name tailcfg.ServiceName) error {
	prefs, err := lc.GetPrefs(ctx)
	if err != nil {
		return fmt.Errorf("get tailscale prefs: %w", err)
	}
	var advertised []string
	if prefs != nil {
		advertised = slices.Clone(prefs.AdvertiseServices)
	}
	if slices.Contains(advertised, name.String()) {
		return nil
	}

	if _, err := lc.EditPrefs(ctx, &ipn.MaskedPrefs{
		AdvertiseServicesSet: true,
		Prefs: ipn.Prefs{
			AdvertiseServices: append(advertised, name.String()),
		},
	}); err != nil {
		return fmt.Errorf("advertise tailscale service %q: %w", name, err)
	}
	return nil
}
