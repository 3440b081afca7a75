package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// BuildTLSConfig turns a TLSMaterial block into a *tls.Config usable for
// both server and client transports.
func BuildTLSConfig(m *TLSMaterial) (*tls.Config, error) {
	if m == nil {
		return nil, nil
	}

	cfg := &tls.Config{
		InsecureSkipVerify: m.InsecureSkipVerify,
		ServerName:         m.ServerName,
	}

	if m.CertFile != "" && m.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(m.CertFile, m.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("config: load keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if m.CAFile != "" {
		pem, err := os.ReadFile(m.CAFile)
		if err != nil {
			return nil, fmt.Errorf("config: read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("config: no certificates parsed from %s", m.CAFile)
		}
		cfg.RootCAs = pool
		cfg.ClientCAs = pool
	}

	return cfg, nil
}
