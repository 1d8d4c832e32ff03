package certs_test

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"

	"github.com/nixpig/udpjobs/certs"
)

func TestGenerate(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "certs")

	if err := certs.Generate(dir, "jobs.example.com", "10.0.0.5"); err != nil {
		t.Fatalf("expected generate not to return error: got '%v'", err)
	}

	caPEM, err := os.ReadFile(filepath.Join(dir, certs.CACert))
	if err != nil {
		t.Fatalf("read CA: %v", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		t.Fatalf("expected CA to parse")
	}

	scenarios := map[string]struct {
		cert  string
		key   string
		usage x509.ExtKeyUsage
		ou    string
		host  string
	}{
		"Test server certificate": {
			cert:  certs.ServerCert,
			key:   certs.ServerKey,
			usage: x509.ExtKeyUsageServerAuth,
			host:  "jobs.example.com",
		},
		"Test operator certificate": {
			cert:  certs.OperatorCert,
			key:   certs.OperatorKey,
			usage: x509.ExtKeyUsageClientAuth,
			ou:    "operator",
		},
		"Test viewer certificate": {
			cert:  certs.ViewerCert,
			key:   certs.ViewerKey,
			usage: x509.ExtKeyUsageClientAuth,
			ou:    "viewer",
		},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			pair, err := tls.LoadX509KeyPair(
				filepath.Join(dir, config.cert),
				filepath.Join(dir, config.key),
			)
			if err != nil {
				t.Fatalf("expected key pair to load: got '%v'", err)
			}

			leaf, err := x509.ParseCertificate(pair.Certificate[0])
			if err != nil {
				t.Fatalf("parse certificate: %v", err)
			}

			if _, err := leaf.Verify(x509.VerifyOptions{
				Roots:     pool,
				KeyUsages: []x509.ExtKeyUsage{config.usage},
				DNSName:   config.host,
			}); err != nil {
				t.Errorf("expected certificate to verify against CA: got '%v'", err)
			}

			if config.ou != "" {
				if got := leaf.Subject.OrganizationalUnit; len(got) != 1 || got[0] != config.ou {
					t.Errorf("expected OU: got '%v', want '%s'", got, config.ou)
				}
			}
		})
	}
}
