// Package certs generates the certificates of a udpjobd deployment: a CA, a
// server certificate and one client certificate per role.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const validity = 365 * 24 * time.Hour

// Files written by Generate.
const (
	CACert         = "ca.crt"
	ServerCert     = "server.crt"
	ServerKey      = "server.key"
	OperatorCert   = "client-operator.crt"
	OperatorKey    = "client-operator.key"
	ViewerCert     = "client-viewer.crt"
	ViewerKey      = "client-viewer.key"
	caKey          = "ca.key"
	organisation   = "udpjobs"
	defaultSANHost = "localhost"
)

type keyPair struct {
	cert *x509.Certificate
	der  []byte
	key  *ecdsa.PrivateKey
}

// Generate writes a fresh CA and certificates signed by it into dir. The
// server certificate is valid for localhost, 127.0.0.1 and hosts. Client
// certificates carry their role as organisational unit.
func Generate(dir string, hosts ...string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cert dir: %w", err)
	}

	ca, err := newCA()
	if err != nil {
		return err
	}

	if err := write(dir, CACert, caKey, ca); err != nil {
		return err
	}

	server, err := newLeaf(ca, &x509.Certificate{
		Subject:     pkix.Name{CommonName: "udpjobd", Organization: []string{organisation}},
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:    append([]string{defaultSANHost}, hostNames(hosts)...),
		IPAddresses: append([]net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}, hostIPs(hosts)...),
	})
	if err != nil {
		return err
	}

	if err := write(dir, ServerCert, ServerKey, server); err != nil {
		return err
	}

	clients := []struct{ cn, role, cert, key string }{
		{"operator", "operator", OperatorCert, OperatorKey},
		{"viewer", "viewer", ViewerCert, ViewerKey},
	}

	for _, c := range clients {
		leaf, err := newLeaf(ca, &x509.Certificate{
			Subject: pkix.Name{
				CommonName:         c.cn,
				Organization:       []string{organisation},
				OrganizationalUnit: []string{c.role},
			},
			ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		})
		if err != nil {
			return err
		}

		if err := write(dir, c.cert, c.key, leaf); err != nil {
			return err
		}
	}

	return nil
}

func newCA() (*keyPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}

	tmpl := &x509.Certificate{
		Subject:               pkix.Name{CommonName: "udpjobs CA", Organization: []string{organisation}},
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}

	if err := stamp(tmpl); err != nil {
		return nil, err
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create CA certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}

	return &keyPair{cert: cert, der: der, key: key}, nil
}

func newLeaf(ca *keyPair, tmpl *x509.Certificate) (*keyPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key for %s: %w", tmpl.Subject.CommonName, err)
	}

	tmpl.KeyUsage = x509.KeyUsageDigitalSignature
	if err := stamp(tmpl); err != nil {
		return nil, err
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, fmt.Errorf("create certificate for %s: %w", tmpl.Subject.CommonName, err)
	}

	return &keyPair{der: der, key: key}, nil
}

// stamp sets the serial number and validity window of tmpl.
func stamp(tmpl *x509.Certificate) error {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return fmt.Errorf("generate serial number: %w", err)
	}

	tmpl.SerialNumber = serial
	tmpl.NotBefore = time.Now().Add(-time.Minute)
	tmpl.NotAfter = tmpl.NotBefore.Add(validity)

	return nil
}

func write(dir, certName, keyName string, kp *keyPair) error {
	keyDER, err := x509.MarshalPKCS8PrivateKey(kp.key)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", keyName, err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: kp.der})
	if err := os.WriteFile(filepath.Join(dir, certName), certPEM, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", certName, err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(filepath.Join(dir, keyName), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", keyName, err)
	}

	return nil
}

func hostNames(hosts []string) []string {
	var names []string
	for _, h := range hosts {
		if net.ParseIP(h) == nil {
			names = append(names, h)
		}
	}

	return names
}

func hostIPs(hosts []string) []net.IP {
	var ips []net.IP
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			ips = append(ips, ip)
		}
	}

	return ips
}
