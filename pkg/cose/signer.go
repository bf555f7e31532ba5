package cose

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"
	"io"

	gocose "github.com/veraison/go-cose"

	pkicrypto "github.com/remiblancher/qsign/internal/crypto"
)

// Signer adapts a pkicrypto.Signer to gocose.Signer. Digest-based
// algorithms receive the hash of the Sig_structure; EdDSA and ML-DSA sign it
// directly.
type Signer struct {
	signer    pkicrypto.Signer
	algorithm gocose.Algorithm
}

// NewSigner creates a COSE signer using hash for digest-based keys (0 picks
// the key default).
func NewSigner(s pkicrypto.Signer, hash crypto.Hash) (*Signer, error) {
	if hash == 0 && !s.Algorithm().SignsMessage() {
		hash = pkicrypto.DefaultHash(s.Algorithm())
	}
	alg, err := AlgorithmFor(s.Algorithm(), hash)
	if err != nil {
		return nil, err
	}
	return &Signer{signer: s, algorithm: alg}, nil
}

// NewPSSSigner is NewSigner for RSA keys signing with RSASSA-PSS.
func NewPSSSigner(s pkicrypto.Signer, hash crypto.Hash) (*Signer, error) {
	alg, err := PSSAlgorithmFor(s.Algorithm(), hash)
	if err != nil {
		return nil, err
	}
	return &Signer{signer: s, algorithm: alg}, nil
}

// Algorithm returns the COSE algorithm identifier.
func (s *Signer) Algorithm() gocose.Algorithm {
	return s.algorithm
}

// Sign signs the Sig_structure bytes.
func (s *Signer) Sign(random io.Reader, toBeSigned []byte) ([]byte, error) {
	hash, err := hashFor(s.algorithm)
	if err != nil {
		return nil, err
	}
	if hash == 0 {
		return s.signer.Sign(random, toBeSigned, crypto.Hash(0))
	}
	digest, err := pkicrypto.Digest(hash, toBeSigned)
	if err != nil {
		return nil, err
	}
	var opts crypto.SignerOpts = hash
	if isPSS(s.algorithm) {
		opts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: hash}
	}
	sig, err := s.signer.Sign(random, digest, opts)
	if err != nil {
		return nil, fmt.Errorf("signing failed: %w", err)
	}
	// COSE carries ECDSA signatures as fixed-width r||s.
	if pub, ok := s.signer.Public().(*ecdsa.PublicKey); ok {
		return pkicrypto.ECDSADERToRaw(sig, pub.Curve.Params().BitSize)
	}
	return sig, nil
}

// Verifier adapts a public key to gocose.Verifier.
type Verifier struct {
	publicKey crypto.PublicKey
	algorithm gocose.Algorithm
}

// NewVerifier creates a verifier for alg, which comes from the message
// protected header.
func NewVerifier(pub crypto.PublicKey, alg gocose.Algorithm) (*Verifier, error) {
	if _, err := hashFor(alg); err != nil {
		return nil, err
	}
	return &Verifier{publicKey: pub, algorithm: alg}, nil
}

// Algorithm returns the COSE algorithm identifier.
func (v *Verifier) Algorithm() gocose.Algorithm {
	return v.algorithm
}

// Verify checks signature over the Sig_structure bytes.
func (v *Verifier) Verify(toBeSigned, signature []byte) error {
	hash, err := hashFor(v.algorithm)
	if err != nil {
		return err
	}
	if _, ok := v.publicKey.(*ecdsa.PublicKey); ok {
		if signature, err = pkicrypto.ECDSARawToDER(signature); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
	}
	if err := pkicrypto.VerifyMessage(v.publicKey, hash, toBeSigned, signature, isPSS(v.algorithm)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}
