// Package xmldsig produces and verifies enveloped XML signatures (XML-DSig
// 1.1) with exclusive canonicalization and XPath Filter 2.0 transforms.
//
// XPath expressions are evaluated with the etree path engine, which covers
// the common location-path subset (child and descendant steps, attribute
// and position predicates). Prefixes in expressions are resolved through
// the namespace mappings supplied with each filter.
package xmldsig

import (
	"crypto"
	"errors"
	"fmt"

	pkicrypto "github.com/remiblancher/qsign/internal/crypto"
)

// Namespaces and algorithm URIs.
const (
	NamespaceDSig    = "http://www.w3.org/2000/09/xmldsig#"
	NamespaceFilter2 = "http://www.w3.org/2002/06/xmldsig-filter2"
	NamespaceExcC14N = "http://www.w3.org/2001/10/xml-exc-c14n#"

	AlgExcC14N     = "http://www.w3.org/2001/10/xml-exc-c14n#"
	AlgEnveloped   = "http://www.w3.org/2000/09/xmldsig#enveloped-signature"
	AlgXPathFilter = "http://www.w3.org/2002/06/xmldsig-filter2"
)

var (
	// ErrMalformed indicates the document or signature cannot be parsed.
	ErrMalformed = errors.New("malformed XML signature")

	// ErrNoSignature indicates the document carries no Signature element.
	ErrNoSignature = errors.New("no XML signature present")

	// ErrDigestMismatch indicates the signed content changed.
	ErrDigestMismatch = errors.New("reference digest mismatch")

	// ErrInvalidSignature indicates the SignatureValue does not verify.
	ErrInvalidSignature = errors.New("XML signature verification failed")

	// ErrUnsupportedAlgorithm indicates an unknown algorithm URI.
	ErrUnsupportedAlgorithm = errors.New("unsupported XML signature algorithm")

	// ErrNoCertificate indicates no key is available to check the signature.
	ErrNoCertificate = errors.New("no signer certificate")

	// ErrUntrusted indicates the signer chain does not reach a trusted root.
	ErrUntrusted = errors.New("signer certificate not trusted")

	// ErrInvalidOptions indicates a node path or filter that cannot be used.
	ErrInvalidOptions = errors.New("invalid XML signature options")
)

var digestURIs = map[crypto.Hash]string{
	crypto.SHA256:   "http://www.w3.org/2001/04/xmlenc#sha256",
	crypto.SHA384:   "http://www.w3.org/2001/04/xmldsig-more#sha384",
	crypto.SHA512:   "http://www.w3.org/2001/04/xmlenc#sha512",
	crypto.SHA3_256: "http://www.w3.org/2007/05/xmldsig-more#sha3-256",
	crypto.SHA3_512: "http://www.w3.org/2007/05/xmldsig-more#sha3-512",
}

// signatureMethod describes a SignatureMethod URI.
type signatureMethod struct {
	// hash is zero for algorithms that sign SignedInfo directly.
	hash  crypto.Hash
	ecdsa bool
}

var signatureMethods = map[string]signatureMethod{
	"http://www.w3.org/2001/04/xmldsig-more#rsa-sha256":   {hash: crypto.SHA256},
	"http://www.w3.org/2001/04/xmldsig-more#rsa-sha384":   {hash: crypto.SHA384},
	"http://www.w3.org/2001/04/xmldsig-more#rsa-sha512":   {hash: crypto.SHA512},
	"http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha256": {hash: crypto.SHA256, ecdsa: true},
	"http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha384": {hash: crypto.SHA384, ecdsa: true},
	"http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha512": {hash: crypto.SHA512, ecdsa: true},
	"http://www.w3.org/2021/04/xmldsig-more#eddsa-ed25519": {},
	"http://www.w3.org/2021/04/xmldsig-more#eddsa-ed448":   {},
	// ML-DSA has no registered URI yet; the urn:oid form of the FIPS 204 OID is used.
	"urn:oid:2.16.840.1.101.3.4.3.17": {},
	"urn:oid:2.16.840.1.101.3.4.3.18": {},
	"urn:oid:2.16.840.1.101.3.4.3.19": {},
}

func digestURI(h crypto.Hash) (string, error) {
	uri, ok := digestURIs[h]
	if !ok {
		return "", fmt.Errorf("%w: digest %v", ErrUnsupportedAlgorithm, h)
	}
	return uri, nil
}

func hashFromURI(uri string) (crypto.Hash, error) {
	for h, u := range digestURIs {
		if u == uri {
			return h, nil
		}
	}
	return 0, fmt.Errorf("%w: digest %s", ErrUnsupportedAlgorithm, uri)
}

// signatureMethodURI picks the SignatureMethod for a key algorithm.
func signatureMethodURI(alg pkicrypto.AlgorithmID, hash crypto.Hash) (string, error) {
	bits := map[crypto.Hash]string{crypto.SHA256: "256", crypto.SHA384: "384", crypto.SHA512: "512"}
	switch {
	case alg.IsECDSA():
		if b, ok := bits[hash]; ok {
			return "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha" + b, nil
		}
	case alg.IsRSA():
		if b, ok := bits[hash]; ok {
			return "http://www.w3.org/2001/04/xmldsig-more#rsa-sha" + b, nil
		}
	case alg == pkicrypto.AlgEd25519:
		return "http://www.w3.org/2021/04/xmldsig-more#eddsa-ed25519", nil
	case alg == pkicrypto.AlgEd448:
		return "http://www.w3.org/2021/04/xmldsig-more#eddsa-ed448", nil
	case alg.IsPQC():
		return "urn:oid:" + alg.OID().String(), nil
	}
	return "", fmt.Errorf("%w: %s with %v", ErrUnsupportedAlgorithm, alg, hash)
}
