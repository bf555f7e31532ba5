package credential

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	pkicrypto "github.com/remiblancher/qsign/internal/crypto"
	"github.com/remiblancher/qsign/pkg/status"
)

// SoftwareKey is a Source backed by an in-memory private key.
type SoftwareKey struct {
	signer *pkicrypto.SoftwareSigner
	chain  *Chain
}

var (
	_ Source    = (*SoftwareKey)(nil)
	_ PSSSigner = (*SoftwareKey)(nil)
)

// NewSoftwareKey pairs a signer with its certificates. The certificate whose
// public key matches the signer becomes the signing certificate.
func NewSoftwareKey(signer *pkicrypto.SoftwareSigner, certs []*x509.Certificate) (*SoftwareKey, error) {
	if signer == nil {
		return nil, unavailable("open", fmt.Errorf("no private key"))
	}
	bundled, _ := signer.Certificates()
	chain, err := buildChain(signer.Public(), append(append([]*x509.Certificate(nil), certs...), bundled...))
	if err != nil {
		return nil, unavailable("open", err)
	}
	return &SoftwareKey{signer: signer, chain: chain}, nil
}

// SoftwareOptions locates a software credential on disk.
type SoftwareOptions struct {
	// KeyPath is a PEM private key (optionally followed by certificates) or
	// a PKCS#12 bundle (.p12/.pfx).
	KeyPath string
	// CertPath is a PEM file with the signing certificate and intermediates.
	// Optional when KeyPath bundles them.
	CertPath string
	// Passphrase is the key password, or "env:VAR" to read it from the
	// environment.
	Passphrase string
}

// OpenSoftwareKey loads a software credential.
func OpenSoftwareKey(opts SoftwareOptions) (*SoftwareKey, error) {
	const op = "open"

	passphrase, err := ResolveSecret(opts.Passphrase)
	if err != nil {
		return nil, unavailable(op, err)
	}

	data, err := os.ReadFile(opts.KeyPath)
	if err != nil {
		return nil, unavailable(op, fmt.Errorf("failed to read key file: %w", err))
	}

	var signer *pkicrypto.SoftwareSigner
	if isPKCS12(opts.KeyPath, data) {
		signer, err = pkicrypto.LoadPKCS12(data, passphrase)
	} else {
		signer, err = pkicrypto.ParsePrivateKeyPEM(data, []byte(passphrase))
	}
	if err != nil {
		return nil, unavailable(op, err)
	}

	var certs []*x509.Certificate
	if opts.CertPath != "" {
		certs, err = LoadCertificates(opts.CertPath)
		if err != nil {
			return nil, unavailable(op, err)
		}
	}
	return NewSoftwareKey(signer, certs)
}

func isPKCS12(path string, data []byte) bool {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".p12") || strings.HasSuffix(lower, ".pfx") {
		return true
	}
	return !bytes.Contains(data, []byte("-----BEGIN"))
}

// ResolveSecret expands "env:VAR" references. Other values are returned as is.
func ResolveSecret(ref string) (string, error) {
	name, ok := strings.CutPrefix(ref, "env:")
	if !ok {
		return ref, nil
	}
	v, set := os.LookupEnv(name)
	if !set {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return v, nil
}

// LoadCertificates reads all certificates of a PEM file.
func LoadCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}
	return ParseCertificatesPEM(data)
}

// ParseCertificatesPEM parses every CERTIFICATE block of data. DER input
// holding a single certificate is accepted too.
func ParseCertificatesPEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		cert, err := x509.ParseCertificate(data)
		if err != nil {
			return nil, fmt.Errorf("no certificates found")
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// Certificates returns the credential certificates.
func (k *SoftwareKey) Certificates(ctx context.Context) (*Chain, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return k.chain, nil
}

// SignDigest signs with the in-memory key.
func (k *SoftwareKey) SignDigest(ctx context.Context, digest []byte, hash crypto.Hash) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sig, err := k.signer.Sign(rand.Reader, digest, pkicrypto.SignerOpts(k.signer.Algorithm(), hash))
	if err != nil {
		return nil, fmt.Errorf("software signing failed: %w", err)
	}
	return sig, nil
}

// SignDigestPSS signs with RSASSA-PSS.
func (k *SoftwareKey) SignDigestPSS(ctx context.Context, digest []byte, hash crypto.Hash) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !k.signer.Algorithm().IsRSA() {
		return nil, status.New(status.KindInvalidRequest, "sign", "PSS padding needs an RSA key, credential holds %s", k.signer.Algorithm())
	}
	sig, err := k.signer.Sign(rand.Reader, digest, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: hash})
	if err != nil {
		return nil, fmt.Errorf("software signing failed: %w", err)
	}
	return sig, nil
}

// Algorithm returns the key algorithm.
func (k *SoftwareKey) Algorithm() pkicrypto.AlgorithmID { return k.signer.Algorithm() }

// Public returns the public key.
func (k *SoftwareKey) Public() crypto.PublicKey { return k.signer.Public() }

// Decrypter returns the key as a crypto.Decrypter when it supports
// decryption (RSA), or the private key itself for ECDH recipients.
func (k *SoftwareKey) Decrypter() crypto.PrivateKey { return k.signer.PrivateKey() }

// Close is a no-op for software keys.
func (k *SoftwareKey) Close() error { return nil }
