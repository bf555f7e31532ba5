package tsa

import (
	"bytes"
	"crypto/x509"
	"fmt"
	"math/big"
	"time"

	pkicrypto "github.com/remiblancher/qsign/internal/crypto"
	"github.com/remiblancher/qsign/pkg/cms"
)

// VerifyConfig contains options for verifying a timestamp token.
type VerifyConfig struct {
	// Roots is the pool of trusted TSA roots. Chain validation is skipped
	// when nil.
	Roots         *x509.CertPool
	Intermediates *x509.CertPool
	// Certificates locate the TSA certificate when the token omits it.
	Certificates []*x509.Certificate
	// CurrentTime is the time to use for chain validation (default: now).
	CurrentTime time.Time
	// Data is the timestamped data; Digest may be given instead.
	Data   []byte
	Digest []byte
	// Nonce, when set, must match the token nonce.
	Nonce *big.Int
}

// VerifyResult contains the result of token verification.
type VerifyResult struct {
	Token      *Token
	SignerCert *x509.Certificate
	Chains     [][]*x509.Certificate
	GenTime    time.Time
}

// Verify checks a timestamp token signature, the TSA certificate and, when
// data or a digest is supplied, the message imprint.
func Verify(tokenData []byte, config *VerifyConfig) (*VerifyResult, error) {
	if config == nil {
		config = &VerifyConfig{}
	}
	token, err := ParseToken(tokenData)
	if err != nil {
		return nil, NewTSAError("verify", err)
	}

	res, err := cms.Verify(tokenData, &cms.VerifyConfig{
		Roots:         config.Roots,
		Intermediates: config.Intermediates,
		CurrentTime:   config.CurrentTime,
		Certificates:  config.Certificates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
	})
	if err != nil {
		return nil, NewTSAError("verify", fmt.Errorf("%w: %v", ErrVerificationFailed, err))
	}
	if len(res.Signers) != 1 {
		return nil, NewTSAError("verify", fmt.Errorf("%w: %d signers", ErrInvalidToken, len(res.Signers)))
	}
	signer := res.Signers[0]
	if !hasTimeStamping(signer.Certificate) {
		return nil, NewTSAError("verify", fmt.Errorf("%w: TSA certificate lacks id-kp-timeStamping", ErrVerificationFailed))
	}

	if err := checkImprint(token, config); err != nil {
		return nil, NewTSAError("verify", err)
	}
	if config.Nonce != nil && (token.Info.Nonce == nil || token.Info.Nonce.Cmp(config.Nonce) != 0) {
		return nil, NewTSAError("verify", ErrNonceMismatch)
	}

	return &VerifyResult{
		Token:      token,
		SignerCert: signer.Certificate,
		Chains:     signer.Chains,
		GenTime:    token.GenTime(),
	}, nil
}

func hasTimeStamping(cert *x509.Certificate) bool {
	for _, eku := range cert.ExtKeyUsage {
		if eku == x509.ExtKeyUsageTimeStamping {
			return true
		}
	}
	return false
}

func checkImprint(token *Token, config *VerifyConfig) error {
	if config.Data == nil && config.Digest == nil {
		return nil
	}
	h, err := token.HashAlgorithm()
	if err != nil {
		return err
	}
	digest := config.Digest
	if config.Data != nil {
		if digest, err = pkicrypto.Digest(h, config.Data); err != nil {
			return fmt.Errorf("%w: %v", ErrUnsupportedHashAlgorithm, err)
		}
	}
	if !bytes.Equal(digest, token.Info.MessageImprint.HashedMessage) {
		return ErrHashMismatch
	}
	return nil
}
