// Package tlsconfig loads the client TLS settings used to reach a pyro server
// behind an https endpoint.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
)

// CAPathEnv names a PEM bundle that replaces the system roots.
const CAPathEnv = "PYRO_TLS_CA"

type Options struct {
	CAPath string
}

// OptionsFromEnv reads the CA path from PYRO_TLS_CA.
func OptionsFromEnv() Options {
	return Options{CAPath: strings.TrimSpace(os.Getenv(CAPathEnv))}
}

// ResolveClient returns the client tls.Config. Without a CA path the system
// roots are used.
func ResolveClient(opts Options) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	if opts.CAPath == "" {
		return tlsCfg, nil
	}
	pool, err := loadCAPool(opts.CAPath)
	if err != nil {
		return nil, err
	}
	tlsCfg.RootCAs = pool
	return tlsCfg, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no valid certificates found in CA file %s", path)
	}
	return pool, nil
}
