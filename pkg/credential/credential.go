// Package credential provides access to signing keys and their certificates.
//
// A Source is either a software key (PEM or PKCS#12 file) or a hardware
// token reached over PKCS#11. Private keys never leave a Source; callers get
// certificates and signatures only.
package credential

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"io"

	pkicrypto "github.com/remiblancher/qsign/internal/crypto"
	"github.com/remiblancher/qsign/pkg/status"
)

// Chain groups the certificates of a credential.
type Chain struct {
	Signing        *x509.Certificate
	Authentication *x509.Certificate
	Encryption     *x509.Certificate
	Intermediates  []*x509.Certificate
}

// All returns the signing certificate followed by the other distinct
// certificates of the chain.
func (c *Chain) All() []*x509.Certificate {
	var out []*x509.Certificate
	add := func(cert *x509.Certificate) {
		if cert == nil {
			return
		}
		for _, have := range out {
			if have.Equal(cert) {
				return
			}
		}
		out = append(out, cert)
	}
	add(c.Signing)
	add(c.Authentication)
	add(c.Encryption)
	for _, ic := range c.Intermediates {
		add(ic)
	}
	return out
}

// EncodedSize returns the total DER size of All().
func (c *Chain) EncodedSize() int {
	n := 0
	for _, cert := range c.All() {
		n += len(cert.Raw)
	}
	return n
}

// Source is a signing credential.
type Source interface {
	// Certificates returns the credential certificates.
	Certificates(ctx context.Context) (*Chain, error)

	// SignDigest signs digest computed with hash. For message-signing
	// algorithms (EdDSA, ML-DSA) digest is the full message and hash is
	// ignored.
	SignDigest(ctx context.Context, digest []byte, hash crypto.Hash) ([]byte, error)

	// Algorithm returns the key algorithm.
	Algorithm() pkicrypto.AlgorithmID

	// Public returns the public key.
	Public() crypto.PublicKey

	Close() error
}

// PSSSigner is implemented by sources that can sign with RSASSA-PSS, using a
// salt as long as the digest.
type PSSSigner interface {
	SignDigestPSS(ctx context.Context, digest []byte, hash crypto.Hash) ([]byte, error)
}

// ErrPSSUnsupported is returned when PSS padding is asked of a source that
// cannot produce it.
var ErrPSSUnsupported = errors.New("credential does not support RSA-PSS")

// SignPSS signs digest with RSASSA-PSS when src supports it.
func SignPSS(ctx context.Context, src Source, digest []byte, hash crypto.Hash) ([]byte, error) {
	p, ok := src.(PSSSigner)
	if !ok {
		return nil, status.Wrap(status.KindInvalidRequest, "sign", ErrPSSUnsupported)
	}
	return p.SignDigestPSS(ctx, digest, hash)
}

// Prompter asks the card holder for a PIN. Implementations block until the
// user answers and must return promptly when ctx is done.
type Prompter interface {
	PromptPIN(ctx context.Context, token string) (string, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, token string) (string, error)

// PromptPIN calls f.
func (f PrompterFunc) PromptPIN(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// StaticPIN returns a Prompter that always answers pin.
func StaticPIN(pin string) Prompter {
	return PrompterFunc(func(context.Context, string) (string, error) { return pin, nil })
}

// ErrCancelled is returned by prompters when the user declines.
var ErrCancelled = errors.New("cancelled by user")

// AsSigner exposes src as a crypto.Signer bound to ctx, for libraries that
// take a crypto.Signer.
func AsSigner(ctx context.Context, src Source) pkicrypto.Signer {
	return &ctxSigner{ctx: ctx, src: src}
}

type ctxSigner struct {
	ctx context.Context
	src Source
}

func (s *ctxSigner) Public() crypto.PublicKey { return s.src.Public() }

func (s *ctxSigner) Algorithm() pkicrypto.AlgorithmID { return s.src.Algorithm() }

func (s *ctxSigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if pss, ok := opts.(*rsa.PSSOptions); ok {
		return SignPSS(s.ctx, s.src, digest, pss.Hash)
	}
	var hash crypto.Hash
	if opts != nil {
		hash = opts.HashFunc()
	}
	return s.src.SignDigest(s.ctx, digest, hash)
}

// buildChain sorts certs into a Chain for the key pub. The signing
// certificate is the first one whose public key matches pub.
func buildChain(pub crypto.PublicKey, certs []*x509.Certificate) (*Chain, error) {
	chain := &Chain{}
	for _, cert := range certs {
		certPub, err := pkicrypto.PublicKeyFromCertificate(cert)
		if err == nil && pkicrypto.PublicKeysEqual(certPub, pub) {
			if chain.Signing == nil {
				chain.Signing = cert
			}
			if chain.Authentication == nil && hasExtKeyUsage(cert, x509.ExtKeyUsageClientAuth) {
				chain.Authentication = cert
			}
			if chain.Encryption == nil && cert.KeyUsage&(x509.KeyUsageKeyEncipherment|x509.KeyUsageKeyAgreement) != 0 {
				chain.Encryption = cert
			}
			continue
		}
		if cert.IsCA {
			chain.Intermediates = append(chain.Intermediates, cert)
		}
	}
	if chain.Signing == nil {
		return nil, fmt.Errorf("no certificate matches the private key")
	}
	if chain.Authentication == nil {
		chain.Authentication = chain.Signing
	}
	if chain.Encryption == nil {
		chain.Encryption = chain.Signing
	}
	return chain, nil
}

func hasExtKeyUsage(cert *x509.Certificate, eku x509.ExtKeyUsage) bool {
	for _, u := range cert.ExtKeyUsage {
		if u == eku {
			return true
		}
	}
	return false
}

func unavailable(op string, err error) error {
	return status.Wrap(status.KindCredentialUnavailable, op, err)
}
