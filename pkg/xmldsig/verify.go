package xmldsig

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"

	pkicrypto "github.com/remiblancher/qsign/internal/crypto"
)

// VerifyConfig contains options for verifying an enveloped signature.
type VerifyConfig struct {
	// Roots is the pool of trusted roots. Chain validation is skipped when
	// nil.
	Roots         *x509.CertPool
	Intermediates *x509.CertPool
	CurrentTime   time.Time
	// SignatureID selects a Signature by its Id attribute (default: first).
	SignatureID string
	// Certificate is used when the signature carries no KeyInfo.
	Certificate *x509.Certificate
	// PublicKey is used when neither KeyInfo nor Certificate is available.
	PublicKey crypto.PublicKey
}

// VerifyResult contains the result of signature verification.
type VerifyResult struct {
	SignatureID     string
	SignatureMethod string
	DigestHash      crypto.Hash
	// Reference is the URI of the signed reference ("" for the document).
	Reference    string
	Filters      []Filter
	Certificate  *x509.Certificate
	Certificates []*x509.Certificate
	Chains       [][]*x509.Certificate
}

// Verify checks the reference digest and SignatureValue of an enveloped
// signature and, when roots are configured, the signer chain.
func Verify(data []byte, config *VerifyConfig) (*VerifyResult, error) {
	if config == nil {
		config = &VerifyConfig{}
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("%w: empty document", ErrMalformed)
	}
	sig := findSignature(root, config.SignatureID)
	if sig == nil {
		return nil, ErrNoSignature
	}

	signedInfo := dsChild(sig, "SignedInfo")
	if signedInfo == nil {
		return nil, fmt.Errorf("%w: missing SignedInfo", ErrMalformed)
	}
	if m := dsChild(signedInfo, "CanonicalizationMethod"); m == nil || m.SelectAttrValue("Algorithm", "") != AlgExcC14N {
		return nil, fmt.Errorf("%w: canonicalization must be exclusive C14N", ErrUnsupportedAlgorithm)
	}
	methodEl := dsChild(signedInfo, "SignatureMethod")
	if methodEl == nil {
		return nil, fmt.Errorf("%w: missing SignatureMethod", ErrMalformed)
	}
	methodURI := methodEl.SelectAttrValue("Algorithm", "")
	method, ok := signatureMethods[methodURI]
	if !ok {
		return nil, fmt.Errorf("%w: signature method %s", ErrUnsupportedAlgorithm, methodURI)
	}
	ref := dsChild(signedInfo, "Reference")
	if ref == nil {
		return nil, fmt.Errorf("%w: missing Reference", ErrMalformed)
	}

	result := &VerifyResult{
		SignatureID:     sig.SelectAttrValue("Id", ""),
		SignatureMethod: methodURI,
		Reference:       ref.SelectAttrValue("URI", ""),
	}

	target, err := referenceTarget(root, result.Reference)
	if err != nil {
		return nil, err
	}
	filters, prefixList, err := readTransforms(ref)
	if err != nil {
		return nil, err
	}
	result.Filters = filters

	digestMethod := dsChild(ref, "DigestMethod")
	if digestMethod == nil {
		return nil, fmt.Errorf("%w: missing DigestMethod", ErrMalformed)
	}
	if result.DigestHash, err = hashFromURI(digestMethod.SelectAttrValue("Algorithm", "")); err != nil {
		return nil, err
	}
	want, err := decodeBase64(dsChild(ref, "DigestValue"))
	if err != nil {
		return nil, err
	}

	set, err := referenceSet(doc, target, sig, filters)
	if err != nil {
		return nil, err
	}
	c14n, err := canonicalize(target, set, prefixList)
	if err != nil {
		return nil, err
	}
	got, err := pkicrypto.Digest(result.DigestHash, c14n)
	if err != nil {
		return nil, err
	}
	if string(got) != string(want) {
		return nil, ErrDigestMismatch
	}

	certs, err := keyInfoCertificates(sig)
	if err != nil {
		return nil, err
	}
	result.Certificates = certs
	var pub crypto.PublicKey
	switch {
	case len(certs) > 0:
		result.Certificate = certs[0]
	case config.Certificate != nil:
		result.Certificate = config.Certificate
	case config.PublicKey != nil:
		pub = config.PublicKey
	default:
		return nil, ErrNoCertificate
	}
	if result.Certificate != nil {
		if pub, err = pkicrypto.PublicKeyFromCertificate(result.Certificate); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, err)
		}
	}

	value, err := decodeBase64(dsChild(sig, "SignatureValue"))
	if err != nil {
		return nil, err
	}
	signed, err := canonicalize(signedInfo, nil, signedInfoPrefixList(signedInfo))
	if err != nil {
		return nil, err
	}
	if method.ecdsa {
		if _, ok := pub.(*ecdsa.PublicKey); !ok {
			return nil, fmt.Errorf("%w: ECDSA method with %T key", ErrInvalidSignature, pub)
		}
		if value, err = pkicrypto.ECDSARawToDER(value); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
	}
	if err := pkicrypto.VerifyMessage(pub, method.hash, signed, value, false); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if config.Roots != nil && result.Certificate != nil {
		intermediates := x509.NewCertPool()
		if config.Intermediates != nil {
			intermediates = config.Intermediates.Clone()
		}
		for _, c := range certs[min(1, len(certs)):] {
			intermediates.AddCert(c)
		}
		chains, err := result.Certificate.Verify(x509.VerifyOptions{
			Roots:         config.Roots,
			Intermediates: intermediates,
			CurrentTime:   config.CurrentTime,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		})
		if err != nil {
			return result, fmt.Errorf("%w: %v", ErrUntrusted, err)
		}
		result.Chains = chains
	}
	return result, nil
}

// HasSignature reports whether data is an XML document carrying at least
// one Signature element.
func HasSignature(data []byte) bool {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil || doc.Root() == nil {
		return false
	}
	return findSignature(doc.Root(), "") != nil
}

func findSignature(el *etree.Element, id string) *etree.Element {
	if el.Tag == "Signature" && el.NamespaceURI() == NamespaceDSig {
		if id == "" || el.SelectAttrValue("Id", "") == id {
			return el
		}
	}
	for _, c := range el.ChildElements() {
		if s := findSignature(c, id); s != nil {
			return s
		}
	}
	return nil
}

// dsChild returns the first child of el in the XML-DSig namespace named
// local.
func dsChild(el *etree.Element, local string) *etree.Element {
	for _, c := range el.ChildElements() {
		if c.Tag == local && c.NamespaceURI() == NamespaceDSig {
			return c
		}
	}
	return nil
}

// referenceTarget resolves "" to the document element and "#id" to the
// element whose ID, Id or id attribute matches.
func referenceTarget(root *etree.Element, uri string) (*etree.Element, error) {
	if uri == "" {
		return root, nil
	}
	id, ok := strings.CutPrefix(uri, "#")
	if !ok || id == "" {
		return nil, fmt.Errorf("%w: reference URI %q", ErrUnsupportedAlgorithm, uri)
	}
	var find func(*etree.Element) *etree.Element
	find = func(el *etree.Element) *etree.Element {
		for _, name := range []string{"ID", "Id", "id"} {
			if el.SelectAttrValue(name, "") == id {
				return el
			}
		}
		for _, c := range el.ChildElements() {
			if m := find(c); m != nil {
				return m
			}
		}
		return nil
	}
	if el := find(root); el != nil {
		return el, nil
	}
	return nil, fmt.Errorf("%w: reference %q not found", ErrMalformed, uri)
}

// readTransforms checks the transform chain and returns its XPath filters
// and the exclusive C14N inclusive prefix list.
func readTransforms(ref *etree.Element) ([]Filter, string, error) {
	transforms := dsChild(ref, "Transforms")
	if transforms == nil {
		return nil, "", nil
	}
	var filters []Filter
	var prefixList string
	for _, t := range transforms.ChildElements() {
		if t.Tag != "Transform" {
			continue
		}
		switch alg := t.SelectAttrValue("Algorithm", ""); alg {
		case AlgEnveloped:
		case AlgExcC14N:
			prefixList = inclusivePrefixes(t)
		case AlgXPathFilter:
			for _, xp := range t.ChildElements() {
				if xp.Tag != "XPath" || xp.NamespaceURI() != NamespaceFilter2 {
					continue
				}
				f := Filter{
					Kind:       FilterKind(xp.SelectAttrValue("Filter", "")),
					Expr:       strings.TrimSpace(xp.Text()),
					Namespaces: inScopeNamespaces(xp),
				}
				if err := f.Validate(); err != nil {
					return nil, "", fmt.Errorf("%w: %v", ErrMalformed, err)
				}
				filters = append(filters, f)
			}
		default:
			return nil, "", fmt.Errorf("%w: transform %s", ErrUnsupportedAlgorithm, alg)
		}
	}
	return filters, prefixList, nil
}

func inclusivePrefixes(el *etree.Element) string {
	for _, c := range el.ChildElements() {
		if c.Tag == "InclusiveNamespaces" && c.NamespaceURI() == NamespaceExcC14N {
			return c.SelectAttrValue("PrefixList", "")
		}
	}
	return ""
}

func signedInfoPrefixList(signedInfo *etree.Element) string {
	if m := dsChild(signedInfo, "CanonicalizationMethod"); m != nil {
		return inclusivePrefixes(m)
	}
	return ""
}

// inScopeNamespaces collects the prefix bindings visible at el, nearest
// declaration first.
func inScopeNamespaces(el *etree.Element) map[string]string {
	ns := map[string]string{}
	for e := el; e != nil; e = e.Parent() {
		for _, a := range e.Attr {
			if a.Space != "xmlns" {
				continue
			}
			if _, ok := ns[a.Key]; !ok {
				ns[a.Key] = a.Value
			}
		}
	}
	return ns
}

func keyInfoCertificates(sig *etree.Element) ([]*x509.Certificate, error) {
	keyInfo := dsChild(sig, "KeyInfo")
	if keyInfo == nil {
		return nil, nil
	}
	var certs []*x509.Certificate
	for _, data := range keyInfo.ChildElements() {
		if data.Tag != "X509Data" {
			continue
		}
		for _, c := range data.ChildElements() {
			if c.Tag != "X509Certificate" {
				continue
			}
			der, err := decodeBase64(c)
			if err != nil {
				return nil, err
			}
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				return nil, fmt.Errorf("%w: X509Certificate: %v", ErrMalformed, err)
			}
			certs = append(certs, cert)
		}
	}
	return certs, nil
}

func decodeBase64(el *etree.Element) ([]byte, error) {
	if el == nil {
		return nil, fmt.Errorf("%w: missing base64 value", ErrMalformed)
	}
	text := strings.Join(strings.Fields(el.Text()), "")
	b, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, el.Tag, err)
	}
	return b, nil
}
