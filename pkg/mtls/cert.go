package mtls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// ClientConfig creates the TLS configuration an agent uses toward a backend.
// caCertPath is optional; when empty the system roots are used, which is the
// normal case for a hosted observability backend. Client cert and key are
// both optional and must be set together.
func ClientConfig(caCertPath, clientCertPath, clientKeyPath, serverName string) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}

	if caCertPath != "" {
		caCert, err := os.ReadFile(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates found in %s", caCertPath)
		}
		cfg.RootCAs = pool
	}

	switch {
	case clientCertPath == "" && clientKeyPath == "":
		// Bearer-token-only authentication, no client certificate.
	case clientCertPath != "" && clientKeyPath != "":
		cert, err := tls.LoadX509KeyPair(clientCertPath, clientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	default:
		return nil, fmt.Errorf("client certificate and key must be provided together")
	}

	return cfg, nil
}

// ServerConfig creates the TLS configuration for the ingest sink. When
// requireClientCert is set, certificates are verified at the TLS layer if
// presented; the middleware enforces their presence per endpoint.
func ServerConfig(caCertPath, serverCertPath, serverKeyPath string, requireClientCert bool) (*tls.Config, error) {
	serverCert, err := tls.LoadX509KeyPair(serverCertPath, serverKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		MinVersion:   tls.VersionTLS12,
	}

	if requireClientCert {
		caCert, err := os.ReadFile(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates found in %s", caCertPath)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}

	return cfg, nil
}
