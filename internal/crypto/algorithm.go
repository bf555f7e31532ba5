// Package crypto provides the key material primitives behind the credential
// sources: algorithm identification, software keys, digests, signature
// verification and PKCS#11 token access.
// Classical algorithms (ECDSA, Ed25519, RSA) come from the standard library;
// Ed448 and ML-DSA come from cloudflare/circl.
package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/asn1"
	"fmt"

	"github.com/cloudflare/circl/sign/ed448"
	"github.com/cloudflare/circl/sign/mldsa/mldsa44"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"
)

// AlgorithmID identifies a signature algorithm.
type AlgorithmID string

const (
	AlgUnknown AlgorithmID = ""

	AlgECDSAP256 AlgorithmID = "ecdsa-p256"
	AlgECDSAP384 AlgorithmID = "ecdsa-p384"
	AlgECDSAP521 AlgorithmID = "ecdsa-p521"
	AlgEd25519   AlgorithmID = "ed25519"
	AlgEd448     AlgorithmID = "ed448"
	AlgRSA2048   AlgorithmID = "rsa-2048"
	AlgRSA3072   AlgorithmID = "rsa-3072"
	AlgRSA4096   AlgorithmID = "rsa-4096"

	// FIPS 204
	AlgMLDSA44 AlgorithmID = "ml-dsa-44"
	AlgMLDSA65 AlgorithmID = "ml-dsa-65"
	AlgMLDSA87 AlgorithmID = "ml-dsa-87"
)

// AlgorithmType categorizes algorithms.
type AlgorithmType int

const (
	TypeUnknown AlgorithmType = iota
	TypeClassicalSignature
	TypePQCSignature
)

type algorithmInfo struct {
	Type AlgorithmType
	// OID is the signature algorithm identifier for algorithms that sign the
	// message directly (EdDSA, ML-DSA). Digest-based algorithms leave it nil
	// since their identifier depends on the hash.
	OID         asn1.ObjectIdentifier
	Description string
}

var algorithms = map[AlgorithmID]algorithmInfo{
	AlgECDSAP256: {TypeClassicalSignature, nil, "ECDSA with P-256 curve"},
	AlgECDSAP384: {TypeClassicalSignature, nil, "ECDSA with P-384 curve"},
	AlgECDSAP521: {TypeClassicalSignature, nil, "ECDSA with P-521 curve"},
	AlgEd25519:   {TypeClassicalSignature, asn1.ObjectIdentifier{1, 3, 101, 112}, "Ed25519"},
	AlgEd448:     {TypeClassicalSignature, asn1.ObjectIdentifier{1, 3, 101, 113}, "Ed448"},
	AlgRSA2048:   {TypeClassicalSignature, nil, "RSA 2048-bit"},
	AlgRSA3072:   {TypeClassicalSignature, nil, "RSA 3072-bit"},
	AlgRSA4096:   {TypeClassicalSignature, nil, "RSA 4096-bit"},
	AlgMLDSA44:   {TypePQCSignature, asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 3, 17}, "ML-DSA-44 (NIST Level 1)"},
	AlgMLDSA65:   {TypePQCSignature, asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 3, 18}, "ML-DSA-65 (NIST Level 3)"},
	AlgMLDSA87:   {TypePQCSignature, asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 3, 19}, "ML-DSA-87 (NIST Level 5)"},
}

// IsValid returns true if the algorithm is recognized.
func (a AlgorithmID) IsValid() bool {
	_, ok := algorithms[a]
	return ok
}

// Type returns the algorithm type.
func (a AlgorithmID) Type() AlgorithmType {
	if info, ok := algorithms[a]; ok {
		return info.Type
	}
	return TypeUnknown
}

// IsPQC returns true for post-quantum algorithms.
func (a AlgorithmID) IsPQC() bool {
	return a.Type() == TypePQCSignature
}

// SignsMessage reports whether the algorithm signs the full message rather
// than a precomputed digest.
func (a AlgorithmID) SignsMessage() bool {
	switch a {
	case AlgEd25519, AlgEd448, AlgMLDSA44, AlgMLDSA65, AlgMLDSA87:
		return true
	}
	return false
}

// IsECDSA reports whether a is an ECDSA curve.
func (a AlgorithmID) IsECDSA() bool {
	return a == AlgECDSAP256 || a == AlgECDSAP384 || a == AlgECDSAP521
}

// IsRSA reports whether a is an RSA key size.
func (a AlgorithmID) IsRSA() bool {
	return a == AlgRSA2048 || a == AlgRSA3072 || a == AlgRSA4096
}

// OID returns the signature algorithm OID for message-signing algorithms.
func (a AlgorithmID) OID() asn1.ObjectIdentifier {
	if info, ok := algorithms[a]; ok {
		return info.OID
	}
	return nil
}

// Description returns a human-readable description of the algorithm.
func (a AlgorithmID) Description() string {
	if info, ok := algorithms[a]; ok {
		return info.Description
	}
	return "Unknown algorithm"
}

func (a AlgorithmID) String() string {
	return string(a)
}

// ParseAlgorithm parses a string into an AlgorithmID.
func ParseAlgorithm(s string) (AlgorithmID, error) {
	alg := AlgorithmID(s)
	if !alg.IsValid() {
		return "", fmt.Errorf("unknown algorithm: %s", s)
	}
	return alg, nil
}

// AlgorithmFromOID maps a message-signing algorithm OID back to its ID.
func AlgorithmFromOID(oid asn1.ObjectIdentifier) AlgorithmID {
	for id, info := range algorithms {
		if info.OID != nil && info.OID.Equal(oid) {
			return id
		}
	}
	return AlgUnknown
}

// AlgorithmFromPublicKey infers the algorithm from a public key type.
func AlgorithmFromPublicKey(pub crypto.PublicKey) AlgorithmID {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		switch k.Curve.Params().BitSize {
		case 256:
			return AlgECDSAP256
		case 384:
			return AlgECDSAP384
		case 521:
			return AlgECDSAP521
		}
	case ed25519.PublicKey:
		return AlgEd25519
	case ed448.PublicKey:
		return AlgEd448
	case *rsa.PublicKey:
		switch bits := k.N.BitLen(); {
		case bits <= 2048:
			return AlgRSA2048
		case bits <= 3072:
			return AlgRSA3072
		default:
			return AlgRSA4096
		}
	case *mldsa44.PublicKey:
		return AlgMLDSA44
	case *mldsa65.PublicKey:
		return AlgMLDSA65
	case *mldsa87.PublicKey:
		return AlgMLDSA87
	}
	return AlgUnknown
}

// DefaultHash returns the digest algorithm used with alg when the caller does
// not ask for one.
func DefaultHash(alg AlgorithmID) crypto.Hash {
	switch alg {
	case AlgECDSAP384:
		return crypto.SHA384
	case AlgECDSAP521, AlgEd448:
		return crypto.SHA512
	default:
		return crypto.SHA256
	}
}
