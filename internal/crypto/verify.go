package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"

	"github.com/cloudflare/circl/sign/ed448"
	"github.com/cloudflare/circl/sign/mldsa/mldsa44"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"
)

// ErrVerification is returned when a signature does not verify.
var ErrVerification = errors.New("signature verification failed")

// VerifyMessage verifies signature over message. Digest-based algorithms
// hash the message with hash first; EdDSA and ML-DSA verify it directly.
// RSA signatures are PKCS#1 v1.5 unless pss is set.
func VerifyMessage(pub crypto.PublicKey, hash crypto.Hash, message, signature []byte, pss bool) error {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		digest, err := Digest(hash, message)
		if err != nil {
			return err
		}
		if !ecdsa.VerifyASN1(k, digest, signature) {
			return fmt.Errorf("ECDSA: %w", ErrVerification)
		}
		return nil

	case *rsa.PublicKey:
		digest, err := Digest(hash, message)
		if err != nil {
			return err
		}
		if pss {
			err = rsa.VerifyPSS(k, hash, digest, signature, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto})
		} else {
			err = rsa.VerifyPKCS1v15(k, hash, digest, signature)
		}
		if err != nil {
			return fmt.Errorf("RSA: %w", ErrVerification)
		}
		return nil

	case ed25519.PublicKey:
		if !ed25519.Verify(k, message, signature) {
			return fmt.Errorf("Ed25519: %w", ErrVerification)
		}
		return nil

	case ed448.PublicKey:
		if !ed448.Verify(k, message, signature, "") {
			return fmt.Errorf("Ed448: %w", ErrVerification)
		}
		return nil

	case *mldsa44.PublicKey:
		if !mldsa44.Verify(k, message, nil, signature) {
			return fmt.Errorf("ML-DSA-44: %w", ErrVerification)
		}
		return nil
	case *mldsa65.PublicKey:
		if !mldsa65.Verify(k, message, nil, signature) {
			return fmt.Errorf("ML-DSA-65: %w", ErrVerification)
		}
		return nil
	case *mldsa87.PublicKey:
		if !mldsa87.Verify(k, message, nil, signature) {
			return fmt.Errorf("ML-DSA-87: %w", ErrVerification)
		}
		return nil

	default:
		return fmt.Errorf("unsupported public key type for verification: %T", pub)
	}
}

type subjectPublicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

// PublicKeyFromCertificate returns the certificate public key, decoding
// Ed448 and ML-DSA keys that crypto/x509 leaves unparsed.
func PublicKeyFromCertificate(cert *x509.Certificate) (crypto.PublicKey, error) {
	if cert.PublicKey != nil {
		return cert.PublicKey, nil
	}
	return ParsePublicKeyInfo(cert.RawSubjectPublicKeyInfo)
}

// ParsePublicKeyInfo parses a DER SubjectPublicKeyInfo.
func ParsePublicKeyInfo(der []byte) (crypto.PublicKey, error) {
	if pub, err := x509.ParsePKIXPublicKey(der); err == nil {
		return pub, nil
	}

	var spki subjectPublicKeyInfo
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, fmt.Errorf("failed to parse SubjectPublicKeyInfo: %w", err)
	}
	raw := spki.PublicKey.RightAlign()

	switch AlgorithmFromOID(spki.Algorithm.Algorithm) {
	case AlgEd448:
		if len(raw) != ed448.PublicKeySize {
			return nil, fmt.Errorf("invalid Ed448 public key size %d", len(raw))
		}
		return ed448.PublicKey(raw), nil
	case AlgMLDSA44:
		var pk mldsa44.PublicKey
		if err := pk.UnmarshalBinary(raw); err != nil {
			return nil, fmt.Errorf("failed to parse ML-DSA-44 public key: %w", err)
		}
		return &pk, nil
	case AlgMLDSA65:
		var pk mldsa65.PublicKey
		if err := pk.UnmarshalBinary(raw); err != nil {
			return nil, fmt.Errorf("failed to parse ML-DSA-65 public key: %w", err)
		}
		return &pk, nil
	case AlgMLDSA87:
		var pk mldsa87.PublicKey
		if err := pk.UnmarshalBinary(raw); err != nil {
			return nil, fmt.Errorf("failed to parse ML-DSA-87 public key: %w", err)
		}
		return &pk, nil
	}
	return nil, fmt.Errorf("unsupported public key algorithm %v", spki.Algorithm.Algorithm)
}

// PublicKeysEqual compares two public keys of any supported type.
func PublicKeysEqual(a, b crypto.PublicKey) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	if ea, ok := a.(equaler); ok {
		return ea.Equal(b)
	}
	return false
}

// ECDSARawToDER converts an IEEE P1363 r||s signature to ASN.1 DER.
func ECDSARawToDER(raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%2 != 0 {
		return nil, fmt.Errorf("invalid ECDSA signature length %d", len(raw))
	}
	n := len(raw) / 2
	return asn1.Marshal(struct{ R, S *big.Int }{
		new(big.Int).SetBytes(raw[:n]),
		new(big.Int).SetBytes(raw[n:]),
	})
}

// ECDSADERToRaw converts an ASN.1 DER ECDSA signature to fixed-width r||s
// for a curve of the given bit size.
func ECDSADERToRaw(der []byte, curveBits int) ([]byte, error) {
	var sig struct{ R, S *big.Int }
	rest, err := asn1.Unmarshal(der, &sig)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ECDSA signature: %w", err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("trailing data after ECDSA signature")
	}
	size := (curveBits + 7) / 8
	if sig.R == nil || sig.S == nil || sig.R.Sign() < 0 || sig.S.Sign() < 0 ||
		sig.R.BitLen() > size*8 || sig.S.BitLen() > size*8 {
		return nil, fmt.Errorf("ECDSA signature does not fit curve size")
	}
	out := make([]byte, 2*size)
	sig.R.FillBytes(out[:size])
	sig.S.FillBytes(out[size:])
	return out, nil
}
