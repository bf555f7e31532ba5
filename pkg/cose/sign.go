package cose

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"fmt"

	gocose "github.com/veraison/go-cose"

	pkicrypto "github.com/remiblancher/qsign/internal/crypto"
)

// SignConfig contains options for creating a COSE_Sign1 message.
type SignConfig struct {
	Signer      pkicrypto.Signer
	Certificate *x509.Certificate
	// Chain holds intermediates appended to x5chain after Certificate.
	Chain []*x509.Certificate
	// Hash selects the digest for ECDSA and RSA keys (default: key default).
	Hash crypto.Hash
	// ContentType is the content type header, e.g. "application/pdf".
	ContentType string
	// Detached leaves the payload out of the message.
	Detached bool
	// ExternalAAD is bound into the signature but not carried.
	ExternalAAD []byte
	// PSS signs RSA keys with PS256/384/512 instead of RS256/384/512.
	PSS bool
}

// Sign1 creates a tagged COSE_Sign1 message over payload.
func Sign1(ctx context.Context, payload []byte, config *SignConfig) ([]byte, error) {
	if config == nil || config.Signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	newSigner := NewSigner
	if config.PSS {
		newSigner = NewPSSSigner
	}
	coseSigner, err := newSigner(config.Signer, config.Hash)
	if err != nil {
		return nil, fmt.Errorf("failed to create COSE signer: %w", err)
	}

	protected := gocose.ProtectedHeader{
		gocose.HeaderLabelAlgorithm: coseSigner.Algorithm(),
	}
	if config.ContentType != "" {
		protected[gocose.HeaderLabelContentType] = config.ContentType
	}
	if cert := config.Certificate; cert != nil {
		protected[gocose.HeaderLabelKeyID] = CertificateFingerprint(cert)
		chain := [][]byte{cert.Raw}
		for _, c := range config.Chain {
			chain = append(chain, c.Raw)
		}
		protected[HeaderX5Chain] = chain
	}

	msg := gocose.NewSign1Message()
	msg.Headers = gocose.Headers{Protected: protected}
	msg.Payload = payload
	if err := msg.Sign(rand.Reader, config.ExternalAAD, coseSigner); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	if config.Detached {
		msg.Payload = nil
	}
	return msg.MarshalCBOR()
}

// CertificateFingerprint returns the SHA-256 of the certificate, used as
// the key identifier.
func CertificateFingerprint(cert *x509.Certificate) []byte {
	if cert == nil {
		return nil
	}
	h := sha256.Sum256(cert.Raw)
	return h[:]
}
