package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"io"

	"github.com/cloudflare/circl/sign/ed448"
	"github.com/cloudflare/circl/sign/mldsa/mldsa44"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"
)

// GenerateSoftwareSigner generates a new key pair for alg.
//
// Example:
//
//	signer, err := crypto.GenerateSoftwareSigner(crypto.AlgECDSAP256)
//	if err != nil {
//	    log.Fatal(err)
//	}
func GenerateSoftwareSigner(alg AlgorithmID) (*SoftwareSigner, error) {
	return GenerateSoftwareSignerWithRand(rand.Reader, alg)
}

// GenerateSoftwareSignerWithRand generates a key pair from the given random source.
func GenerateSoftwareSignerWithRand(random io.Reader, alg AlgorithmID) (*SoftwareSigner, error) {
	var (
		priv crypto.PrivateKey
		err  error
	)

	switch alg {
	case AlgECDSAP256:
		priv, err = ecdsa.GenerateKey(elliptic.P256(), random)
	case AlgECDSAP384:
		priv, err = ecdsa.GenerateKey(elliptic.P384(), random)
	case AlgECDSAP521:
		priv, err = ecdsa.GenerateKey(elliptic.P521(), random)
	case AlgEd25519:
		_, priv, err = ed25519.GenerateKey(random)
	case AlgEd448:
		_, priv, err = ed448.GenerateKey(random)
	case AlgRSA2048:
		priv, err = rsa.GenerateKey(random, 2048)
	case AlgRSA3072:
		priv, err = rsa.GenerateKey(random, 3072)
	case AlgRSA4096:
		priv, err = rsa.GenerateKey(random, 4096)
	case AlgMLDSA44:
		_, priv, err = mldsa44.GenerateKey(random)
	case AlgMLDSA65:
		_, priv, err = mldsa65.GenerateKey(random)
	case AlgMLDSA87:
		_, priv, err = mldsa87.GenerateKey(random)
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", alg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to generate %s key: %w", alg, err)
	}
	return NewSoftwareSigner(priv)
}
