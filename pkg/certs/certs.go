// Package certs generates the CA and server certificate that bumper's
// TLS listeners present to robots and apps. Devices pin the vendor
// hostnames, so the server certificate carries the whole vendor domain
// set plus the announce address.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	organization   = "Bumper"
	caCommonName   = "Bumper CA"
	caValidity     = 10 * 365 * 24 * time.Hour
	serverValidity = 2 * 365 * 24 * time.Hour
)

// vendorDNSNames are the cloud hostnames devices expect to reach. DNS
// for these is pointed at bumper, so the certificate has to cover them.
func vendorDNSNames() []string {
	return []string{
		"localhost",
		"ecouser.net",
		"*.ecouser.net",
		"*.ww.ecouser.net",
		"*.dc.ww.ecouser.net",
		"ecorobot.net",
		"*.ecorobot.net",
		"*.ecovacs.com",
		"*.ecovacs.net",
	}
}

// Keypair is a certificate with its private key, in both parsed and
// PEM form.
type Keypair struct {
	Certificate *x509.Certificate
	Key         *ecdsa.PrivateKey
	CertPEM     []byte
	KeyPEM      []byte
}

func newKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

func newSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}

func buildKeypair(der []byte, key *ecdsa.PrivateKey) (*Keypair, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	return &Keypair{
		Certificate: cert,
		Key:         key,
		CertPEM:     pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:      pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

// NewCA generates a self-signed certificate authority.
func NewCA() (*Keypair, error) {
	key, err := newKey()
	if err != nil {
		return nil, err
	}
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{organization},
			CommonName:   caCommonName,
		},
		NotBefore:             now,
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create ca certificate: %w", err)
	}
	return buildKeypair(der, key)
}

// NewServer generates a server certificate signed by ca. The announce
// address is added to the vendor hostnames so local clients that
// connect by IP verify too.
func NewServer(ca *Keypair, announce string) (*Keypair, error) {
	if ca == nil || ca.Certificate == nil || ca.Key == nil {
		return nil, errors.New("ca keypair is incomplete")
	}

	key, err := newKey()
	if err != nil {
		return nil, err
	}
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}

	dnsNames := vendorDNSNames()
	ips := []net.IP{net.ParseIP("127.0.0.1")}
	if announce != "" {
		if ip := net.ParseIP(announce); ip != nil {
			ips = append(ips, ip)
		} else {
			dnsNames = append(dnsNames, announce)
		}
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{organization},
			CommonName:   "ecouser.net",
		},
		NotBefore:             now,
		NotAfter:              now.Add(serverValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
		IPAddresses:           ips,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.Certificate, &key.PublicKey, ca.Key)
	if err != nil {
		return nil, fmt.Errorf("create server certificate: %w", err)
	}
	return buildKeypair(der, key)
}

// WriteFiles writes the certificate and key as PEM files, creating the
// parent directories if needed. The key gets restricted permissions.
func (kp *Keypair) WriteFiles(certPath, keyPath string) error {
	if err := os.MkdirAll(filepath.Dir(certPath), 0o755); err != nil {
		return fmt.Errorf("create certificate directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o755); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(certPath, kp.CertPEM, 0o644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, kp.KeyPEM, 0o600); err != nil {
		_ = os.Remove(certPath)
		return fmt.Errorf("write key: %w", err)
	}
	return nil
}

// caKeyPath derives the CA key filename from the CA cert filename
// (ca.crt becomes ca.key).
func caKeyPath(caFile string) string {
	ext := filepath.Ext(caFile)
	return strings.TrimSuffix(caFile, ext) + ".key"
}

// Ensure generates a CA and server certificate at the given paths if
// none exist yet. It reports whether new files were created. A partial
// set is an error rather than something to silently overwrite.
func Ensure(caFile, certFile, keyFile, announce string) (bool, error) {
	var missing, present []string
	for _, f := range []string{caFile, certFile, keyFile} {
		if _, err := os.Stat(f); err != nil {
			missing = append(missing, f)
		} else {
			present = append(present, f)
		}
	}
	if len(missing) == 0 {
		return false, nil
	}
	if len(present) > 0 {
		return false, fmt.Errorf("partial certificate set: %s exists but %s is missing",
			strings.Join(present, ", "), strings.Join(missing, ", "))
	}

	ca, err := NewCA()
	if err != nil {
		return false, err
	}
	server, err := NewServer(ca, announce)
	if err != nil {
		return false, err
	}

	if err := ca.WriteFiles(caFile, caKeyPath(caFile)); err != nil {
		return false, err
	}
	if err := server.WriteFiles(certFile, keyFile); err != nil {
		return false, err
	}
	return true, nil
}
