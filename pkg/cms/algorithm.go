package cms

import (
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"

	pkicrypto "github.com/remiblancher/qsign/internal/crypto"
)

var hashOIDs = []struct {
	hash crypto.Hash
	oid  asn1.ObjectIdentifier
}{
	{crypto.SHA256, OIDSHA256},
	{crypto.SHA384, OIDSHA384},
	{crypto.SHA512, OIDSHA512},
	{crypto.SHA3_256, OIDSHA3_256},
	{crypto.SHA3_384, OIDSHA3_384},
	{crypto.SHA3_512, OIDSHA3_512},
}

func digestAlgorithmID(h crypto.Hash) (pkix.AlgorithmIdentifier, error) {
	for _, e := range hashOIDs {
		if e.hash == h {
			return pkix.AlgorithmIdentifier{Algorithm: e.oid}, nil
		}
	}
	return pkix.AlgorithmIdentifier{}, fmt.Errorf("%w: digest %v", ErrUnsupportedAlgorithm, h)
}

// oidToHash converts a hash algorithm OID to crypto.Hash.
func oidToHash(oid asn1.ObjectIdentifier) (crypto.Hash, error) {
	for _, e := range hashOIDs {
		if oid.Equal(e.oid) {
			return e.hash, nil
		}
	}
	return 0, fmt.Errorf("%w: digest %v", ErrUnsupportedAlgorithm, oid)
}

// HashOID returns the OID of h, or nil when unsupported.
func HashOID(h crypto.Hash) asn1.ObjectIdentifier {
	id, err := digestAlgorithmID(h)
	if err != nil {
		return nil
	}
	return id.Algorithm
}

// HashFromOID returns the hash identified by oid.
func HashFromOID(oid asn1.ObjectIdentifier) (crypto.Hash, error) { return oidToHash(oid) }

// DefaultDigest picks the digest for alg when the caller did not choose
// one: RFC 8419 for EdDSA, RFC 9882 for ML-DSA, otherwise the key default.
func DefaultDigest(alg pkicrypto.AlgorithmID) crypto.Hash {
	switch alg {
	case pkicrypto.AlgEd25519, pkicrypto.AlgEd448, pkicrypto.AlgMLDSA87:
		return crypto.SHA512
	case pkicrypto.AlgMLDSA65:
		return crypto.SHA384
	default:
		return pkicrypto.DefaultHash(alg)
	}
}

// SignatureAlgorithmID returns the SignerInfo signatureAlgorithm for a key
// of alg signing with digest h.
func SignatureAlgorithmID(alg pkicrypto.AlgorithmID, h crypto.Hash) (pkix.AlgorithmIdentifier, error) {
	if alg.SignsMessage() {
		return pkix.AlgorithmIdentifier{Algorithm: alg.OID()}, nil
	}

	var table map[crypto.Hash]asn1.ObjectIdentifier
	switch {
	case alg.IsECDSA():
		table = map[crypto.Hash]asn1.ObjectIdentifier{
			crypto.SHA256:   OIDECDSAWithSHA256,
			crypto.SHA384:   OIDECDSAWithSHA384,
			crypto.SHA512:   OIDECDSAWithSHA512,
			crypto.SHA3_256: OIDECDSAWithSHA3_256,
			crypto.SHA3_384: OIDECDSAWithSHA3_384,
			crypto.SHA3_512: OIDECDSAWithSHA3_512,
		}
	case alg.IsRSA():
		table = map[crypto.Hash]asn1.ObjectIdentifier{
			crypto.SHA256:   OIDSHA256WithRSA,
			crypto.SHA384:   OIDSHA384WithRSA,
			crypto.SHA512:   OIDSHA512WithRSA,
			crypto.SHA3_256: OIDSHA3_256WithRSA,
			crypto.SHA3_384: OIDSHA3_384WithRSA,
			crypto.SHA3_512: OIDSHA3_512WithRSA,
		}
	default:
		return pkix.AlgorithmIdentifier{}, fmt.Errorf("%w: key %s", ErrUnsupportedAlgorithm, alg)
	}

	oid, ok := table[h]
	if !ok {
		return pkix.AlgorithmIdentifier{}, fmt.Errorf("%w: %s with %v", ErrUnsupportedAlgorithm, alg, h)
	}
	id := pkix.AlgorithmIdentifier{Algorithm: oid}
	if alg.IsRSA() {
		id.Parameters = asn1.NullRawValue
	}
	return id, nil
}

// isPSS reports whether a signatureAlgorithm is RSASSA-PSS.
func isPSS(id pkix.AlgorithmIdentifier) bool {
	return id.Algorithm.Equal(OIDRSASSAPSS)
}

// checkSignatureAlgorithm rejects a SignerInfo signatureAlgorithm that is
// unknown, bound to another digest than the SignerInfo digestAlgorithm, or
// meant for another key type than pub.
func checkSignatureAlgorithm(id pkix.AlgorithmIdentifier, pub crypto.PublicKey, digest crypto.Hash) error {
	alg := pkicrypto.AlgorithmFromPublicKey(pub)
	oid := id.Algorithm
	switch {
	case oid.Equal(OIDRSAEncryption), oid.Equal(OIDRSASSAPSS):
		if !alg.IsRSA() {
			return fmt.Errorf("%w: %v with %s key", ErrInvalidSignature, oid, alg)
		}
		if oid.Equal(OIDRSASSAPSS) {
			if h, ok := pssHash(id); !ok || h != digest {
				return fmt.Errorf("%w: PSS parameters do not use digest %v", ErrInvalidSignature, digest)
			}
		}
		return nil
	case oid.Equal(OIDECPublicKey):
		if !alg.IsECDSA() {
			return fmt.Errorf("%w: %v with %s key", ErrInvalidSignature, oid, alg)
		}
		return nil
	}
	h, err := SignatureHash(id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if h == 0 {
		if pkicrypto.AlgorithmFromOID(oid) != alg {
			return fmt.Errorf("%w: %v with %s key", ErrInvalidSignature, oid, alg)
		}
		return nil
	}
	if h != digest {
		return fmt.Errorf("%w: signature algorithm %v does not use digest %v", ErrInvalidSignature, oid, digest)
	}
	want, err := SignatureAlgorithmID(alg, h)
	if err != nil || !want.Algorithm.Equal(oid) {
		return fmt.Errorf("%w: %v with %s key", ErrInvalidSignature, oid, alg)
	}
	return nil
}

// SignatureHash returns the digest bound to a signatureAlgorithm. It is
// zero for algorithms that sign the message directly.
func SignatureHash(id pkix.AlgorithmIdentifier) (crypto.Hash, error) {
	oid := id.Algorithm
	for _, e := range []struct {
		hash crypto.Hash
		oids []asn1.ObjectIdentifier
	}{
		{crypto.SHA256, []asn1.ObjectIdentifier{OIDECDSAWithSHA256, OIDSHA256WithRSA}},
		{crypto.SHA384, []asn1.ObjectIdentifier{OIDECDSAWithSHA384, OIDSHA384WithRSA}},
		{crypto.SHA512, []asn1.ObjectIdentifier{OIDECDSAWithSHA512, OIDSHA512WithRSA}},
		{crypto.SHA3_256, []asn1.ObjectIdentifier{OIDECDSAWithSHA3_256, OIDSHA3_256WithRSA}},
		{crypto.SHA3_384, []asn1.ObjectIdentifier{OIDECDSAWithSHA3_384, OIDSHA3_384WithRSA}},
		{crypto.SHA3_512, []asn1.ObjectIdentifier{OIDECDSAWithSHA3_512, OIDSHA3_512WithRSA}},
	} {
		for _, o := range e.oids {
			if oid.Equal(o) {
				return e.hash, nil
			}
		}
	}
	if pkicrypto.AlgorithmFromOID(oid).SignsMessage() {
		return 0, nil
	}
	return 0, fmt.Errorf("%w: signature %v", ErrUnsupportedAlgorithm, oid)
}

// SignData signs data with signer using the key's default digest and
// returns the signature with its AlgorithmIdentifier.
func SignData(signer crypto.Signer, data []byte) ([]byte, pkix.AlgorithmIdentifier, error) {
	alg := pkicrypto.AlgorithmFromPublicKey(signer.Public())
	if !alg.IsValid() {
		return nil, pkix.AlgorithmIdentifier{}, fmt.Errorf("%w: key %T", ErrUnsupportedAlgorithm, signer.Public())
	}
	h := pkicrypto.DefaultHash(alg)
	sigAlg, err := SignatureAlgorithmID(alg, h)
	if err != nil {
		return nil, pkix.AlgorithmIdentifier{}, err
	}
	sig, err := signBytes(signer, alg, h, data, false)
	if err != nil {
		return nil, pkix.AlgorithmIdentifier{}, err
	}
	return sig, sigAlg, nil
}

// VerifyData checks sig over data with the certificate key.
func VerifyData(cert *x509.Certificate, sigAlg pkix.AlgorithmIdentifier, data, sig []byte) error {
	h, err := SignatureHash(sigAlg)
	if err != nil {
		return err
	}
	pub, err := pkicrypto.PublicKeyFromCertificate(cert)
	if err != nil {
		return err
	}
	if err := pkicrypto.VerifyMessage(pub, h, data, sig, isPSS(sigAlg)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}
