package crypto

import (
	"crypto"
	"crypto/x509"
)

// Signer extends crypto.Signer with algorithm metadata.
//
// For digest-based algorithms (ECDSA, RSA) Sign receives a digest computed
// with opts.HashFunc(). For message-signing algorithms (EdDSA, ML-DSA) it
// receives the full message and opts.HashFunc() must be zero.
type Signer interface {
	crypto.Signer

	// Algorithm returns the algorithm identifier for this signer.
	Algorithm() AlgorithmID
}

// CertificateHolder is implemented by signers whose key store also holds
// the matching certificates (PKCS#12 bundles, PKCS#11 tokens).
type CertificateHolder interface {
	Certificates() ([]*x509.Certificate, error)
}

// SignerOpts returns the crypto.SignerOpts to use with alg for the given
// digest algorithm.
func SignerOpts(alg AlgorithmID, hash crypto.Hash) crypto.SignerOpts {
	if alg.SignsMessage() {
		return crypto.Hash(0)
	}
	return hash
}
