package xmldsig

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"fmt"

	"github.com/beevik/etree"

	pkicrypto "github.com/remiblancher/qsign/internal/crypto"
)

// SignConfig contains options for creating an enveloped signature.
type SignConfig struct {
	Signer      pkicrypto.Signer
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
	// Hash is the reference and signature digest (default: key default).
	Hash crypto.Hash

	// SignatureID sets the Id attribute of the Signature element.
	SignatureID string
	// NodePath selects the element receiving the Signature (default: root).
	NodePath string
	// NodeNamespaces maps the prefixes used in NodePath to namespace URIs.
	NodeNamespaces map[string]string
	// Filters are applied in order to the whole document.
	Filters []Filter
	// Prefix is the XML-DSig namespace prefix (default "ds"; "-" for none).
	Prefix string
}

// Sign inserts an enveloped Signature into doc and returns the signed
// document.
func Sign(ctx context.Context, data []byte, config *SignConfig) ([]byte, error) {
	if config == nil || config.Signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, f := range config.Filters {
		if err := f.Validate(); err != nil {
			return nil, err
		}
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("%w: empty document", ErrMalformed)
	}
	parent := root
	if config.NodePath != "" {
		expr, err := resolvePrefixes(doc, nil, config.NodePath, config.NodeNamespaces)
		if err != nil {
			return nil, err
		}
		path, err := etree.CompilePath(expr)
		if err != nil {
			return nil, fmt.Errorf("%w: node path %q: %v", ErrInvalidOptions, config.NodePath, err)
		}
		if parent = doc.FindElementPath(path); parent == nil {
			return nil, fmt.Errorf("%w: node path %q matches nothing", ErrInvalidOptions, config.NodePath)
		}
	}

	alg := config.Signer.Algorithm()
	hash := config.Hash
	if hash == 0 {
		hash = pkicrypto.DefaultHash(alg)
	}
	digestAlg, err := digestURI(hash)
	if err != nil {
		return nil, err
	}
	sigMethod, err := signatureMethodURI(alg, hash)
	if err != nil {
		return nil, err
	}

	b := newBuilder(config.Prefix)
	sig := b.element("Signature")
	if b.prefix == "" {
		sig.CreateAttr("xmlns", NamespaceDSig)
	} else {
		sig.CreateAttr("xmlns:"+b.prefix, NamespaceDSig)
	}
	if config.SignatureID != "" {
		sig.CreateAttr("Id", config.SignatureID)
	}
	signedInfo := b.child(sig, "SignedInfo")
	b.child(signedInfo, "CanonicalizationMethod").CreateAttr("Algorithm", AlgExcC14N)
	b.child(signedInfo, "SignatureMethod").CreateAttr("Algorithm", sigMethod)
	ref := b.child(signedInfo, "Reference")
	ref.CreateAttr("URI", "")
	transforms := b.child(ref, "Transforms")
	b.child(transforms, "Transform").CreateAttr("Algorithm", AlgEnveloped)
	if len(config.Filters) > 0 {
		t := b.child(transforms, "Transform")
		t.CreateAttr("Algorithm", AlgXPathFilter)
		for _, f := range config.Filters {
			xp := t.CreateElement("dsig-xpath:XPath")
			xp.CreateAttr("xmlns:dsig-xpath", NamespaceFilter2)
			for prefix, uri := range f.Namespaces {
				xp.CreateAttr("xmlns:"+prefix, uri)
			}
			xp.CreateAttr("Filter", string(f.Kind))
			xp.SetText(f.Expr)
		}
	}
	b.child(transforms, "Transform").CreateAttr("Algorithm", AlgExcC14N)
	b.child(ref, "DigestMethod").CreateAttr("Algorithm", digestAlg)
	digestValue := b.child(ref, "DigestValue")
	sigValue := b.child(sig, "SignatureValue")
	if config.Certificate != nil {
		x509Data := b.child(b.child(sig, "KeyInfo"), "X509Data")
		for _, c := range append([]*x509.Certificate{config.Certificate}, config.Chain...) {
			b.child(x509Data, "X509Certificate").SetText(base64.StdEncoding.EncodeToString(c.Raw))
		}
	}

	// The reference is computed with the signature in place so the
	// enveloped transform has something to remove, as on verification.
	parent.AddChild(sig)
	set, err := referenceSet(doc, root, sig, config.Filters)
	if err != nil {
		return nil, err
	}
	c14n, err := canonicalize(root, set, "")
	if err != nil {
		return nil, err
	}
	digest, err := pkicrypto.Digest(hash, c14n)
	if err != nil {
		return nil, err
	}
	digestValue.SetText(base64.StdEncoding.EncodeToString(digest))

	signed, err := canonicalize(signedInfo, nil, "")
	if err != nil {
		return nil, err
	}
	value, err := signSignedInfo(config.Signer, hash, signed)
	if err != nil {
		return nil, err
	}
	sigValue.SetText(base64.StdEncoding.EncodeToString(value))

	return doc.WriteToBytes()
}

func signSignedInfo(signer pkicrypto.Signer, hash crypto.Hash, signedInfo []byte) ([]byte, error) {
	if signer.Algorithm().SignsMessage() {
		return signer.Sign(rand.Reader, signedInfo, crypto.Hash(0))
	}
	digest, err := pkicrypto.Digest(hash, signedInfo)
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(rand.Reader, digest, hash)
	if err != nil {
		return nil, fmt.Errorf("signing failed: %w", err)
	}
	// XML-DSig 1.1 carries ECDSA values as r||s.
	if pub, ok := signer.Public().(*ecdsa.PublicKey); ok {
		return pkicrypto.ECDSADERToRaw(sig, pub.Curve.Params().BitSize)
	}
	return sig, nil
}

// builder creates elements in the XML-DSig namespace under one prefix.
type builder struct{ prefix string }

func newBuilder(prefix string) builder {
	switch prefix {
	case "":
		return builder{prefix: "ds"}
	case "-":
		return builder{}
	}
	return builder{prefix: prefix}
}

func (b builder) name(local string) string {
	if b.prefix == "" {
		return local
	}
	return b.prefix + ":" + local
}

func (b builder) element(local string) *etree.Element {
	return etree.NewElement(b.name(local))
}

func (b builder) child(parent *etree.Element, local string) *etree.Element {
	return parent.CreateElement(b.name(local))
}
