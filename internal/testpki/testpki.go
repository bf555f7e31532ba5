// Package testpki builds throwaway certificate hierarchies for tests.
package testpki

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	pkicrypto "github.com/remiblancher/qsign/internal/crypto"
)

// CA is a self-signed issuing authority.
type CA struct {
	Cert   *x509.Certificate
	Signer *pkicrypto.SoftwareSigner
}

// Template tweaks the certificate being issued.
type Template func(*x509.Certificate)

// WithCommonName sets the subject CN.
func WithCommonName(cn string) Template {
	return func(c *x509.Certificate) { c.Subject.CommonName = cn }
}

// WithExtKeyUsage replaces the extended key usages.
func WithExtKeyUsage(eku ...x509.ExtKeyUsage) Template {
	return func(c *x509.Certificate) { c.ExtKeyUsage = eku }
}

// WithKeyUsage replaces the key usage bits.
func WithKeyUsage(ku x509.KeyUsage) Template {
	return func(c *x509.Certificate) { c.KeyUsage = ku }
}

// WithValidity sets the validity window.
func WithValidity(notBefore, notAfter time.Time) Template {
	return func(c *x509.Certificate) {
		c.NotBefore = notBefore
		c.NotAfter = notAfter
	}
}

// WithOCSPServer sets the AIA OCSP URL.
func WithOCSPServer(url string) Template {
	return func(c *x509.Certificate) { c.OCSPServer = []string{url} }
}

// AsCA marks the certificate as a CA.
func AsCA() Template {
	return func(c *x509.Certificate) {
		c.IsCA = true
		c.BasicConstraintsValid = true
		c.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
	}
}

// NewCA creates a root CA with an ECDSA P-256 key.
func NewCA(t testing.TB) *CA {
	t.Helper()
	signer := NewSigner(t, pkicrypto.AlgECDSAP256)

	tmpl := &x509.Certificate{
		SerialNumber:          serial(t),
		Subject:               pkix.Name{CommonName: "Test Root CA", Organization: []string{"Test Org"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            2,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, signer.Public(), signer)
	if err != nil {
		t.Fatalf("Failed to create CA certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("Failed to parse CA certificate: %v", err)
	}
	return &CA{Cert: cert, Signer: signer}
}

// NewSigner generates a software signer.
func NewSigner(t testing.TB, alg pkicrypto.AlgorithmID) *pkicrypto.SoftwareSigner {
	t.Helper()
	signer, err := pkicrypto.GenerateSoftwareSigner(alg)
	if err != nil {
		t.Fatalf("Failed to generate %s key: %v", alg, err)
	}
	return signer
}

// Issue signs a certificate for pub. Defaults are a one-day end-entity
// document signing certificate.
func (ca *CA) Issue(t testing.TB, pub crypto.PublicKey, opts ...Template) *x509.Certificate {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber:          serial(t),
		Subject:               pkix.Name{CommonName: "Test Signer", Organization: []string{"Test Org"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection},
		BasicConstraintsValid: true,
	}
	for _, o := range opts {
		o(tmpl)
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.Cert, pub, ca.Signer)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}
	return cert
}

// IssueSigner generates a key of alg and certifies it.
func (ca *CA) IssueSigner(t testing.TB, alg pkicrypto.AlgorithmID, opts ...Template) (*pkicrypto.SoftwareSigner, *x509.Certificate) {
	t.Helper()
	signer := NewSigner(t, alg)
	return signer, ca.Issue(t, signer.Public(), opts...)
}

// SubCA issues an intermediate CA below ca.
func (ca *CA) SubCA(t testing.TB, cn string) *CA {
	t.Helper()
	signer := NewSigner(t, pkicrypto.AlgECDSAP256)
	cert := ca.Issue(t, signer.Public(), WithCommonName(cn), AsCA(), WithExtKeyUsage())
	return &CA{Cert: cert, Signer: signer}
}

// Pool returns a pool holding the CA certificate.
func (ca *CA) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ca.Cert)
	return pool
}

// WriteKey writes signer (and certs) as a PEM bundle into dir.
func WriteKey(t testing.TB, dir, name string, signer *pkicrypto.SoftwareSigner, passphrase []byte, certs ...*x509.Certificate) string {
	t.Helper()
	data, err := signer.MarshalPrivateKeyPEM(passphrase)
	if err != nil {
		t.Fatalf("Failed to encode key: %v", err)
	}
	data = append(data, EncodeCerts(certs...)...)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("Failed to write key: %v", err)
	}
	return path
}

// WriteCerts writes certs as PEM into dir.
func WriteCerts(t testing.TB, dir, name string, certs ...*x509.Certificate) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, EncodeCerts(certs...), 0644); err != nil {
		t.Fatalf("Failed to write certificates: %v", err)
	}
	return path
}

// EncodeCerts PEM-encodes certs.
func EncodeCerts(certs ...*x509.Certificate) []byte {
	var out []byte
	for _, c := range certs {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})...)
	}
	return out
}

func serial(t testing.TB) *big.Int {
	t.Helper()
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("Failed to generate serial number: %v", err)
	}
	return n
}
