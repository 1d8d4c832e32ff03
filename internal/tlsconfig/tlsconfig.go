// Package tlsconfig builds the mutual TLS configuration shared by udpjobd and
// udpjobctl.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"google.golang.org/grpc/credentials"
)

type Config struct {
	CertPath   string
	KeyPath    string
	CACertPath string
	// ServerName is checked against the server certificate. Client only.
	ServerName string
	Server     bool
}

// SetupTLS loads the key pair and CA of config. Servers require and verify
// client certificates; clients verify the server against the CA.
func SetupTLS(config *Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(config.CertPath, config.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}

	caCert, err := os.ReadFile(config.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("failed to parse CA certificate")
	}

	tlsConfig := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
	}

	if config.Server {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConfig.ClientCAs = caCertPool
	} else {
		tlsConfig.RootCAs = caCertPool
		tlsConfig.ServerName = config.ServerName
	}

	return tlsConfig, nil
}

// Credentials returns gRPC transport credentials for config.
func Credentials(config *Config) (credentials.TransportCredentials, error) {
	tlsConfig, err := SetupTLS(config)
	if err != nil {
		return nil, err
	}

	return credentials.NewTLS(tlsConfig), nil
}
