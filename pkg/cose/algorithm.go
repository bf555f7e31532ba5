// Package cose produces and verifies COSE_Sign1 (RFC 9052) signatures over
// documents, attached or detached, with the signer chain in an x5chain
// header (RFC 9360). Classical and ML-DSA keys are supported.
package cose

import (
	"crypto"
	"fmt"

	gocose "github.com/veraison/go-cose"

	pkicrypto "github.com/remiblancher/qsign/internal/crypto"
)

// COSE algorithm identifiers (IANA COSE Algorithms registry; ML-DSA per
// draft-ietf-cose-dilithium).
const (
	AlgES256 gocose.Algorithm = -7
	AlgES384 gocose.Algorithm = -35
	AlgES512 gocose.Algorithm = -36
	AlgEdDSA gocose.Algorithm = -8
	AlgPS256 gocose.Algorithm = -37
	AlgPS384 gocose.Algorithm = -38
	AlgPS512 gocose.Algorithm = -39
	AlgRS256 gocose.Algorithm = -257
	AlgRS384 gocose.Algorithm = -258
	AlgRS512 gocose.Algorithm = -259

	AlgMLDSA44 gocose.Algorithm = -48
	AlgMLDSA65 gocose.Algorithm = -49
	AlgMLDSA87 gocose.Algorithm = -50
)

// HeaderX5Chain is the x5chain header label (RFC 9360).
const HeaderX5Chain int64 = 33

// AlgorithmFor selects the COSE algorithm for a key algorithm and digest.
// RSA uses PKCS#1 v1.5 (RS*); see PSSAlgorithmFor.
func AlgorithmFor(alg pkicrypto.AlgorithmID, hash crypto.Hash) (gocose.Algorithm, error) {
	switch {
	case alg == pkicrypto.AlgECDSAP256:
		return AlgES256, nil
	case alg == pkicrypto.AlgECDSAP384:
		return AlgES384, nil
	case alg == pkicrypto.AlgECDSAP521:
		return AlgES512, nil
	case alg == pkicrypto.AlgEd25519 || alg == pkicrypto.AlgEd448:
		return AlgEdDSA, nil
	case alg.IsRSA():
		switch hash {
		case crypto.SHA384:
			return AlgRS384, nil
		case crypto.SHA512:
			return AlgRS512, nil
		case 0, crypto.SHA256:
			return AlgRS256, nil
		}
		return 0, fmt.Errorf("%w: RSA with %v", ErrUnsupportedAlgorithm, hash)
	case alg == pkicrypto.AlgMLDSA44:
		return AlgMLDSA44, nil
	case alg == pkicrypto.AlgMLDSA65:
		return AlgMLDSA65, nil
	case alg == pkicrypto.AlgMLDSA87:
		return AlgMLDSA87, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
}

// PSSAlgorithmFor selects the RSASSA-PSS algorithm (PS*) for an RSA key.
func PSSAlgorithmFor(alg pkicrypto.AlgorithmID, hash crypto.Hash) (gocose.Algorithm, error) {
	if !alg.IsRSA() {
		return 0, fmt.Errorf("%w: PSS with %s", ErrUnsupportedAlgorithm, alg)
	}
	switch hash {
	case crypto.SHA384:
		return AlgPS384, nil
	case crypto.SHA512:
		return AlgPS512, nil
	case 0, crypto.SHA256:
		return AlgPS256, nil
	}
	return 0, fmt.Errorf("%w: RSA-PSS with %v", ErrUnsupportedAlgorithm, hash)
}

// hashFor returns the digest an algorithm signs, or 0 when the algorithm
// signs the Sig_structure itself.
func hashFor(alg gocose.Algorithm) (crypto.Hash, error) {
	switch alg {
	case AlgES256, AlgPS256, AlgRS256:
		return crypto.SHA256, nil
	case AlgES384, AlgPS384, AlgRS384:
		return crypto.SHA384, nil
	case AlgES512, AlgPS512, AlgRS512:
		return crypto.SHA512, nil
	case AlgEdDSA, AlgMLDSA44, AlgMLDSA65, AlgMLDSA87:
		return 0, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrUnsupportedAlgorithm, alg)
}

func isPSS(alg gocose.Algorithm) bool {
	return alg == AlgPS256 || alg == AlgPS384 || alg == AlgPS512
}

// AlgorithmName returns the registry name of alg.
func AlgorithmName(alg gocose.Algorithm) string {
	switch alg {
	case AlgES256:
		return "ES256"
	case AlgES384:
		return "ES384"
	case AlgES512:
		return "ES512"
	case AlgEdDSA:
		return "EdDSA"
	case AlgPS256:
		return "PS256"
	case AlgPS384:
		return "PS384"
	case AlgPS512:
		return "PS512"
	case AlgRS256:
		return "RS256"
	case AlgRS384:
		return "RS384"
	case AlgRS512:
		return "RS512"
	case AlgMLDSA44:
		return "ML-DSA-44"
	case AlgMLDSA65:
		return "ML-DSA-65"
	case AlgMLDSA87:
		return "ML-DSA-87"
	default:
		return fmt.Sprintf("Unknown(%d)", alg)
	}
}
