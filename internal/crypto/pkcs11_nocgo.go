//go:build !cgo

package crypto

import (
	"crypto"
	"crypto/x509"
	"io"
)

// PKCS11Signer is unavailable without cgo.
type PKCS11Signer struct{}

// NewPKCS11Signer returns ErrPKCS11Unavailable.
func NewPKCS11Signer(_ PKCS11Config) (*PKCS11Signer, error) {
	return nil, ErrPKCS11Unavailable
}

func (s *PKCS11Signer) Algorithm() AlgorithmID  { return AlgUnknown }
func (s *PKCS11Signer) Public() crypto.PublicKey { return nil }
func (s *PKCS11Signer) NeedsLogin() bool         { return false }
func (s *PKCS11Signer) Login(_ string) error     { return ErrPKCS11Unavailable }
func (s *PKCS11Signer) Close() error             { return nil }

func (s *PKCS11Signer) Sign(_ io.Reader, _ []byte, _ crypto.SignerOpts) ([]byte, error) {
	return nil, ErrPKCS11Unavailable
}

func (s *PKCS11Signer) Certificates() ([]*x509.Certificate, error) {
	return nil, ErrPKCS11Unavailable
}

func (s *PKCS11Signer) ChangePIN(_, _ string) error { return ErrPKCS11Unavailable }

func (s *PKCS11Signer) TokenInfo() (TokenInfo, error) {
	return TokenInfo{}, ErrPKCS11Unavailable
}

// ListHSMSlots returns ErrPKCS11Unavailable.
func ListHSMSlots(_ string) ([]SlotInfo, error) {
	return nil, ErrPKCS11Unavailable
}

// CloseAllPools is a no-op without cgo.
func CloseAllPools() {}
