package cose

import (
	"bytes"
	"crypto/x509"
	"fmt"
	"time"

	pkicrypto "github.com/remiblancher/qsign/internal/crypto"
)

// VerifyConfig contains options for verifying a COSE_Sign1 message.
type VerifyConfig struct {
	// Roots is the pool of trusted roots. Chain validation is skipped when
	// nil.
	Roots         *x509.CertPool
	Intermediates *x509.CertPool
	CurrentTime   time.Time
	// Payload is the content of a detached message.
	Payload     []byte
	ExternalAAD []byte
	// Certificate is used when the message carries no x5chain.
	Certificate *x509.Certificate
}

// VerifyResult contains the result of message verification.
type VerifyResult struct {
	Message     *Message
	Certificate *x509.Certificate
	Chains      [][]*x509.Certificate
	// Payload is the verified content, attached or supplied.
	Payload []byte
}

// Verify checks a COSE_Sign1 signature and, when roots are configured, the
// signer chain.
func Verify(data []byte, config *VerifyConfig) (*VerifyResult, error) {
	if config == nil {
		config = &VerifyConfig{}
	}
	msg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	payload := msg.Payload
	if payload == nil {
		if config.Payload == nil {
			return nil, ErrMissingPayload
		}
		payload = config.Payload
	} else if config.Payload != nil && !bytes.Equal(config.Payload, payload) {
		return nil, fmt.Errorf("%w: attached payload differs from supplied content", ErrInvalidSignature)
	}

	cert := config.Certificate
	if len(msg.Certificates) > 0 {
		cert = msg.Certificates[0]
	}
	if cert == nil {
		return nil, ErrNoCertificate
	}
	if msg.KeyID != nil && !bytes.Equal(msg.KeyID, CertificateFingerprint(cert)) {
		return nil, fmt.Errorf("%w: kid does not match certificate", ErrNoCertificate)
	}

	pub, err := pkicrypto.PublicKeyFromCertificate(cert)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, err)
	}
	verifier, err := NewVerifier(pub, msg.Algorithm)
	if err != nil {
		return nil, err
	}
	sign1 := *msg.sign1
	sign1.Payload = payload
	if err := sign1.Verify(config.ExternalAAD, verifier); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	result := &VerifyResult{Message: msg, Certificate: cert, Payload: payload}
	if config.Roots != nil {
		intermediates := x509.NewCertPool()
		if config.Intermediates != nil {
			intermediates = config.Intermediates.Clone()
		}
		for _, c := range msg.Certificates[min(1, len(msg.Certificates)):] {
			intermediates.AddCert(c)
		}
		chains, err := cert.Verify(x509.VerifyOptions{
			Roots:         config.Roots,
			Intermediates: intermediates,
			CurrentTime:   config.CurrentTime,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		})
		if err != nil {
			return result, fmt.Errorf("%w: %v", ErrUntrusted, err)
		}
		result.Chains = chains
	}
	return result, nil
}
