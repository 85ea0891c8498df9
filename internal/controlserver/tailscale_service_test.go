package controlserver

import (
	"context"
	"testing"

	"github.com/pyro-sandbox/pyro/internal/endpoint"
	"tailscale.com/ipn"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tailcfg"
)

type fakeLocalClient struct {
	serve      *ipn.ServeConfig
	prefs      *ipn.Prefs
	setCalls   int
	editCalls  int
	lastEdited *ipn.MaskedPrefs
}

func (f *fakeLocalClient) StatusWithoutPeers(context.Context) (*ipnstate.Status, error) {
	return &ipnstate.Status{CurrentTailnet: &ipnstate.TailnetStatus{MagicDNSSuffix: "example.ts.net"}}, nil
}

func (f *fakeLocalClient) GetServeConfig(context.Context) (*ipn.ServeConfig, error) {
	return f.serve, nil
}

func (f *fakeLocalClient) SetServeConfig(_ context.Context, cfg *ipn.ServeConfig) error {
	f.setCalls++
	f.serve = cfg
	return nil
}

func (f *fakeLocalClient) GetPrefs(context.Context) (*ipn.Prefs, error) {
	return f.prefs, nil
}

func (f *fakeLocalClient) EditPrefs(_ context.Context, prefs *ipn.MaskedPrefs) (*ipn.Prefs, error) {
	f.editCalls++
	f.lastEdited = prefs
	f.prefs = &prefs.Prefs
	return f.prefs, nil
}

func TestConfigureTailscaleServiceIsIdempotent(t *testing.T) {
	fake := &fakeLocalClient{prefs: &ipn.Prefs{}}
	original := newTailscaleLocalClient
	newTailscaleLocalClient = func() tailscaleLocalClient { return fake }
	t.Cleanup(func() { newTailscaleLocalClient = original })

	ep, err := endpoint.ResolveListen("tssvc://pyro")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := configureTailscaleService(context.Background(), ep, "127.0.0.1:7777"); err != nil {
			t.Fatalf("configureTailscaleService returned error: %v", err)
		}
	}
	if fake.setCalls != 1 || fake.editCalls != 1 {
		t.Fatalf("expected one serve config write and one prefs edit, got %d and %d", fake.setCalls, fake.editCalls)
	}

	svc := fake.serve.Services[tailcfg.ServiceName("svc:pyro")]
	if svc == nil {
		t.Fatal("expected service config for svc:pyro")
	}
	web := svc.Web[ipn.HostPort("pyro.example.ts.net:443")]
	if web == nil || web.Handlers["/"].Proxy != "http://127.0.0.1:7777" {
		t.Fatalf("unexpected web handler: %+v", svc.Web)
	}
	if got := fake.lastEdited.Prefs.AdvertiseServices; len(got) != 1 || got[0] != "svc:pyro" {
		t.Fatalf("unexpected advertised services: %q", got)
	}
}
