package client

import (
	"context"
	"errors"

	"github.com/pyro-sandbox/pyro/internal/controlclient"
	"github.com/pyro-sandbox/pyro/internal/endpoint"
)

// Client is the public Go client for the pyro execution API.
type Client struct {
	inner *controlclient.Client
}

// New creates a client for the provided endpoint.
//
// Supported endpoint formats match the CLI:
// - unix:///path/to/pyro.sock
// - absolute unix socket path
// - http://host:port
// - https://host:port
//
// If host is empty, PYRO_HOST is used, then the default unix socket path.
func New(host string) (*Client, error) {
	ep, err := endpoint.Resolve(host)
	if err != nil {
		return nil, err
	}
	inner, err := controlclient.New(ep)
	if err != nil {
		return nil, err
	}
	return &Client{inner: inner}, nil
}

func (c *Client) RunCode(ctx context.Context, req *RunCodeRequest) (*RunCodeResponse, error) {
	if c == nil || c.inner == nil {
		return nil, errors.New("nil client")
	}
	return c.inner.RunCode(ctx, req)
}

func (c *Client) ListExecutions(ctx context.Context, req *ListExecutionsRequest) (*ListExecutionsResponse, error) {
	if c == nil || c.inner == nil {
		return nil, errors.New("nil client")
	}
	return c.inner.ListExecutions(ctx, req)
}
