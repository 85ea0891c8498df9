package controlclient

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"strings"

	"connectrpc.com/connect"
	"github.com/pyro-sandbox/pyro/internal/controlapi"
	"github.com/pyro-sandbox/pyro/internal/endpoint"
	"github.com/pyro-sandbox/pyro/internal/tlsconfig"
	"golang.org/x/net/http2"
)

type Client struct {
	httpClient     *http.Client
	baseURL        string
	runCode        *connect.Client[controlapi.RunCodeRequest, controlapi.RunCodeResponse]
	listExecutions *connect.Client[controlapi.ListExecutionsRequest, controlapi.ListExecutionsResponse]
}

func New(ep endpoint.Endpoint) (*Client, error) {
	baseURL := strings.TrimRight(ep.BaseURL, "/")
	transport, err := buildTransport(ep, baseURL)
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{Transport: transport}
	codec := connect.WithCodec(controlapi.JSONCodec{})
	return &Client{
		httpClient:     httpClient,
		baseURL:        baseURL,
		runCode:        connect.NewClient[controlapi.RunCodeRequest, controlapi.RunCodeResponse](httpClient, baseURL+controlapi.RunCodeProcedure, codec),
		listExecutions: connect.NewClient[controlapi.ListExecutionsRequest, controlapi.ListExecutionsResponse](httpClient, baseURL+controlapi.ListExecutionsProcedure, codec),
	}, nil
}

func buildTransport(ep endpoint.Endpoint, baseURL string) (http.RoundTripper, error) {
	dialer := &net.Dialer{}

	if ep.Scheme == "https" {
		tlsCfg, err := tlsconfig.ResolveClient(tlsconfig.OptionsFromEnv())
		if err != nil {
			return nil, err
		}
		return &http.Transport{
			Proxy:             http.ProxyFromEnvironment,
			TLSClientConfig:   tlsCfg,
			ForceAttemptHTTP2: true,
		}, nil
	}

	if ep.Scheme == "unix" {
		return &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
				return dialer.DialContext(ctx, "unix", ep.Address)
			},
		}, nil
	}

	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" {
		return &http.Transport{}, nil
	}
	host := parsed.Host
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", host)
		},
	}, nil
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) RunCode(ctx context.Context, req *controlapi.RunCodeRequest) (*controlapi.RunCodeResponse, error) {
	resp, err := c.runCode.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) ListExecutions(ctx context.Context, req *controlapi.ListExecutionsRequest) (*controlapi.ListExecutionsResponse, error) {
	resp, err := c.listExecutions.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}
