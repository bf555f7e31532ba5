package xmldsig

import (
	"bytes"
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	pkicrypto "github.com/remiblancher/qsign/internal/crypto"
	"github.com/remiblancher/qsign/internal/testpki"
)

const invoice = `<Invoice xmlns="urn:example:invoice" ID="inv1"><Header>100</Header><Notes>draft</Notes><Signatures/></Invoice>`

const prefixedInvoice = `<inv:Invoice xmlns:inv="urn:example:invoice"><inv:Header>100</inv:Header><inv:Notes>draft</inv:Notes></inv:Invoice>`

func mutate(t *testing.T, data []byte, fn func(doc *etree.Document)) []byte {
	t.Helper()
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		t.Fatalf("ReadFromBytes failed: %v", err)
	}
	fn(doc)
	out, err := doc.WriteToBytes()
	if err != nil {
		t.Fatalf("WriteToBytes failed: %v", err)
	}
	return out
}

// =============================================================================
// Functional Tests: Sign / Verify
// =============================================================================

func TestF_Sign_Verify(t *testing.T) {
	ca := testpki.NewCA(t)

	tests := []struct {
		name       string
		alg        pkicrypto.AlgorithmID
		hash       crypto.Hash
		wantMethod string
	}{
		{"[Unit] ECDSA P-256", pkicrypto.AlgECDSAP256, 0, "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha256"},
		{"[Unit] ECDSA P-384", pkicrypto.AlgECDSAP384, 0, "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha384"},
		{"[Unit] Ed25519", pkicrypto.AlgEd25519, 0, "http://www.w3.org/2021/04/xmldsig-more#eddsa-ed25519"},
		{"[Unit] RSA-2048 SHA-256", pkicrypto.AlgRSA2048, 0, "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"},
		{"[Unit] RSA-2048 SHA-512", pkicrypto.AlgRSA2048, crypto.SHA512, "http://www.w3.org/2001/04/xmldsig-more#rsa-sha512"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signer, cert := ca.IssueSigner(t, tt.alg)
			signed, err := Sign(context.Background(), []byte(invoice), &SignConfig{
				Signer:      signer,
				Certificate: cert,
				Chain:       []*x509.Certificate{ca.Cert},
				Hash:        tt.hash,
				SignatureID: "sig-1",
			})
			if err != nil {
				t.Fatalf("Sign failed: %v", err)
			}
			if !HasSignature(signed) {
				t.Fatal("HasSignature() = false")
			}

			res, err := Verify(signed, &VerifyConfig{Roots: ca.Pool()})
			if err != nil {
				t.Fatalf("Verify failed: %v", err)
			}
			if res.SignatureMethod != tt.wantMethod {
				t.Errorf("SignatureMethod = %s, want %s", res.SignatureMethod, tt.wantMethod)
			}
			if res.SignatureID != "sig-1" {
				t.Errorf("SignatureID = %q", res.SignatureID)
			}
			if !res.Certificate.Equal(cert) || len(res.Certificates) != 2 {
				t.Error("KeyInfo certificates not preserved")
			}
			if len(res.Chains) == 0 {
				t.Error("no verified chains")
			}
		})
	}
}

func TestF_Sign_Verify_MLDSA(t *testing.T) {
	for _, alg := range []pkicrypto.AlgorithmID{pkicrypto.AlgMLDSA44, pkicrypto.AlgMLDSA65, pkicrypto.AlgMLDSA87} {
		t.Run("[Unit] "+alg.String(), func(t *testing.T) {
			signer := testpki.NewSigner(t, alg)
			signed, err := Sign(context.Background(), []byte(invoice), &SignConfig{Signer: signer})
			if err != nil {
				t.Fatalf("Sign failed: %v", err)
			}
			res, err := Verify(signed, &VerifyConfig{PublicKey: signer.Public()})
			if err != nil {
				t.Fatalf("Verify failed: %v", err)
			}
			if res.SignatureMethod != "urn:oid:"+alg.OID().String() {
				t.Errorf("SignatureMethod = %s", res.SignatureMethod)
			}
			if _, err := Verify(signed, nil); !errors.Is(err, ErrNoCertificate) {
				t.Errorf("Verify() without key err = %v, want ErrNoCertificate", err)
			}
		})
	}
}

// =============================================================================
// Functional Tests: XPath filters and placement
// =============================================================================

func TestF_Sign_Filters(t *testing.T) {
	ca := testpki.NewCA(t)
	signer, cert := ca.IssueSigner(t, pkicrypto.AlgECDSAP256)
	ns := map[string]string{"i": "urn:example:invoice"}

	tests := []struct {
		name    string
		doc     string
		filters []Filter
		header  [2]string
		notes   [2]string
	}{
		{
			name:    "[Unit] subtract notes",
			doc:     invoice,
			filters: []Filter{{Kind: FilterSubtract, Expr: "//i:Notes", Namespaces: ns}},
			header:  [2]string{"<Header>100</Header>", "<Header>999</Header>"},
			notes:   [2]string{"<Notes>draft</Notes>", "<Notes>final</Notes>"},
		},
		{
			name:    "[Unit] intersect header",
			doc:     invoice,
			filters: []Filter{{Kind: FilterIntersect, Expr: "//i:Header", Namespaces: ns}},
			header:  [2]string{"<Header>100</Header>", "<Header>999</Header>"},
			notes:   [2]string{"<Notes>draft</Notes>", "<Notes>final</Notes>"},
		},
		{
			name:    "[Unit] subtract with document prefix",
			doc:     prefixedInvoice,
			filters: []Filter{{Kind: FilterSubtract, Expr: "//i:Notes", Namespaces: ns}},
			header:  [2]string{"<inv:Header>100</inv:Header>", "<inv:Header>999</inv:Header>"},
			notes:   [2]string{"<inv:Notes>draft</inv:Notes>", "<inv:Notes>final</inv:Notes>"},
		},
		{
			name: "[Unit] subtract then union",
			doc:  invoice,
			filters: []Filter{
				{Kind: FilterSubtract, Expr: "//i:Header", Namespaces: ns},
				{Kind: FilterSubtract, Expr: "//i:Notes", Namespaces: ns},
				{Kind: FilterUnion, Expr: "//i:Header", Namespaces: ns},
			},
			header: [2]string{"<Header>100</Header>", "<Header>999</Header>"},
			notes:  [2]string{"<Notes>draft</Notes>", "<Notes>final</Notes>"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signed, err := Sign(context.Background(), []byte(tt.doc), &SignConfig{
				Signer:      signer,
				Certificate: cert,
				Filters:     tt.filters,
			})
			if err != nil {
				t.Fatalf("Sign failed: %v", err)
			}
			res, err := Verify(signed, nil)
			if err != nil {
				t.Fatalf("Verify failed: %v", err)
			}
			if len(res.Filters) != len(tt.filters) {
				t.Errorf("Filters = %d, want %d", len(res.Filters), len(tt.filters))
			}

			editedNotes := bytes.Replace(signed, []byte(tt.notes[0]), []byte(tt.notes[1]), 1)
			if bytes.Equal(editedNotes, signed) {
				t.Fatal("notes not found in signed output")
			}
			if _, err := Verify(editedNotes, nil); err != nil {
				t.Errorf("Verify() after editing unsigned notes failed: %v", err)
			}

			editedHeader := bytes.Replace(signed, []byte(tt.header[0]), []byte(tt.header[1]), 1)
			if _, err := Verify(editedHeader, nil); !errors.Is(err, ErrDigestMismatch) {
				t.Errorf("Verify() after editing header err = %v, want ErrDigestMismatch", err)
			}
		})
	}
}

func TestF_Sign_Placement(t *testing.T) {
	ca := testpki.NewCA(t)
	signer, cert := ca.IssueSigner(t, pkicrypto.AlgEd25519)

	t.Run("[Unit] node path", func(t *testing.T) {
		signed, err := Sign(context.Background(), []byte(invoice), &SignConfig{
			Signer:      signer,
			Certificate: cert,
			NodePath:    "/Invoice/Signatures",
		})
		if err != nil {
			t.Fatalf("Sign failed: %v", err)
		}
		doc := etree.NewDocument()
		if err := doc.ReadFromBytes(signed); err != nil {
			t.Fatal(err)
		}
		sig := findSignature(doc.Root(), "")
		if sig == nil || sig.Parent().Tag != "Signatures" {
			t.Fatal("Signature not placed under Signatures")
		}
		if _, err := Verify(signed, nil); err != nil {
			t.Errorf("Verify failed: %v", err)
		}
	})

	t.Run("[Unit] no prefix", func(t *testing.T) {
		signed, err := Sign(context.Background(), []byte(invoice), &SignConfig{
			Signer:      signer,
			Certificate: cert,
			Prefix:      "-",
		})
		if err != nil {
			t.Fatalf("Sign failed: %v", err)
		}
		if bytes.Contains(signed, []byte("ds:Signature")) {
			t.Error("signature should not use a prefix")
		}
		if _, err := Verify(signed, nil); err != nil {
			t.Errorf("Verify failed: %v", err)
		}
	})

	t.Run("[Unit] unmatched node path", func(t *testing.T) {
		_, err := Sign(context.Background(), []byte(invoice), &SignConfig{
			Signer:   signer,
			NodePath: "/Invoice/Missing",
		})
		if !errors.Is(err, ErrInvalidOptions) {
			t.Errorf("Sign() err = %v, want ErrInvalidOptions", err)
		}
	})

	t.Run("[Unit] invalid filter", func(t *testing.T) {
		_, err := Sign(context.Background(), []byte(invoice), &SignConfig{
			Signer:  signer,
			Filters: []Filter{{Kind: "replace", Expr: "//Notes"}},
		})
		if !errors.Is(err, ErrInvalidOptions) {
			t.Errorf("Sign() err = %v, want ErrInvalidOptions", err)
		}
	})

	t.Run("[Unit] unbound filter namespace", func(t *testing.T) {
		_, err := Sign(context.Background(), []byte(invoice), &SignConfig{
			Signer:  signer,
			Filters: []Filter{{Kind: FilterSubtract, Expr: "//x:Notes", Namespaces: map[string]string{"x": "urn:other"}}},
		})
		if !errors.Is(err, ErrInvalidOptions) {
			t.Errorf("Sign() err = %v, want ErrInvalidOptions", err)
		}
	})
}

// =============================================================================
// Unit Tests: Failures
// =============================================================================

func TestU_Verify_Failures(t *testing.T) {
	ca := testpki.NewCA(t)
	signer, cert := ca.IssueSigner(t, pkicrypto.AlgECDSAP256)
	signed, err := Sign(context.Background(), []byte(invoice), &SignConfig{Signer: signer, Certificate: cert})
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	badValue := mutate(t, signed, func(doc *etree.Document) {
		v := dsChild(findSignature(doc.Root(), ""), "SignatureValue")
		raw, _ := base64.StdEncoding.DecodeString(v.Text())
		raw[len(raw)-1] ^= 0xff
		v.SetText(base64.StdEncoding.EncodeToString(raw))
	})
	badMethod := mutate(t, signed, func(doc *etree.Document) {
		si := dsChild(findSignature(doc.Root(), ""), "SignedInfo")
		dsChild(si, "SignatureMethod").CreateAttr("Algorithm", "http://www.w3.org/2000/09/xmldsig#dsa-sha1")
	})
	// Content changed with the DigestValue recomputed by another key
	// over the altered document.
	forger, _ := testpki.NewCA(t).IssueSigner(t, pkicrypto.AlgECDSAP256)
	altered := bytes.Replace([]byte(invoice), []byte("100"), []byte("9999"), 1)
	forged, err := Sign(context.Background(), altered, &SignConfig{Signer: forger})
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	forgedDigest := func(data []byte) string {
		doc := etree.NewDocument()
		if err := doc.ReadFromBytes(data); err != nil {
			t.Fatal(err)
		}
		si := dsChild(findSignature(doc.Root(), ""), "SignedInfo")
		return dsChild(dsChild(si, "Reference"), "DigestValue").Text()
	}(forged)
	rewritten := mutate(t, bytes.Replace(signed, []byte("100"), []byte("9999"), 1), func(doc *etree.Document) {
		si := dsChild(findSignature(doc.Root(), ""), "SignedInfo")
		dsChild(dsChild(si, "Reference"), "DigestValue").SetText(forgedDigest)
	})
	badTransform := mutate(t, signed, func(doc *etree.Document) {
		si := dsChild(findSignature(doc.Root(), ""), "SignedInfo")
		tr := dsChild(dsChild(si, "Reference"), "Transforms")
		tr.CreateElement("ds:Transform").CreateAttr("Algorithm", "http://www.w3.org/TR/1999/REC-xslt-19991116")
	})

	tests := []struct {
		name string
		data []byte
		cfg  *VerifyConfig
		want error
	}{
		{"[Unit] content changed", bytes.Replace(signed, []byte("100"), []byte("101"), 1), nil, ErrDigestMismatch},
		{"[Unit] signature value changed", badValue, nil, ErrInvalidSignature},
		{"[Unit] digest value rewritten", rewritten, &VerifyConfig{Roots: ca.Pool()}, ErrInvalidSignature},
		{"[Unit] unsupported method", badMethod, nil, ErrUnsupportedAlgorithm},
		{"[Unit] unsupported transform", badTransform, nil, ErrUnsupportedAlgorithm},
		{"[Unit] untrusted root", signed, &VerifyConfig{Roots: testpki.NewCA(t).Pool()}, ErrUntrusted},
		{"[Unit] unknown signature id", signed, &VerifyConfig{SignatureID: "other"}, ErrNoSignature},
		{"[Unit] unsigned document", []byte(invoice), nil, ErrNoSignature},
		{"[Unit] not XML", []byte("%PDF-1.7"), nil, ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Verify(tt.data, tt.cfg); !errors.Is(err, tt.want) {
				t.Errorf("Verify() err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestU_Canonicalize_WholeSubtree(t *testing.T) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(`<Root xmlns="urn:r"><Item>pay 10</Item></Root>`); err != nil {
		t.Fatal(err)
	}
	out, err := canonicalize(doc.Root(), nil, "")
	if err != nil {
		t.Fatalf("canonicalize() error = %v", err)
	}
	if want := `<Root xmlns="urn:r"><Item>pay 10</Item></Root>`; string(out) != want {
		t.Errorf("canonicalize() = %q, want %q", out, want)
	}
}

// =============================================================================
// Functional Tests: goxmldsig interoperability
// =============================================================================

func TestF_Interop_Goxmldsig(t *testing.T) {
	ca := testpki.NewCA(t)
	signer, cert := ca.IssueSigner(t, pkicrypto.AlgRSA2048)
	keyStore := dsig.TLSCertKeyStore(tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  signer.PrivateKey(),
	})

	t.Run("[Unit] verify goxmldsig signature", func(t *testing.T) {
		doc := etree.NewDocument()
		if err := doc.ReadFromString(`<Root ID="doc1"><Item>value</Item></Root>`); err != nil {
			t.Fatal(err)
		}
		ctx := dsig.NewDefaultSigningContext(keyStore)
		ctx.Canonicalizer = dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("")
		signedRoot, err := ctx.SignEnveloped(doc.Root())
		if err != nil {
			t.Fatalf("SignEnveloped failed: %v", err)
		}
		doc.SetRoot(signedRoot)
		signed, err := doc.WriteToBytes()
		if err != nil {
			t.Fatal(err)
		}

		res, err := Verify(signed, &VerifyConfig{Roots: ca.Pool()})
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if res.Reference != "#doc1" {
			t.Errorf("Reference = %q, want #doc1", res.Reference)
		}
	})

	t.Run("[Unit] goxmldsig validates our signature", func(t *testing.T) {
		signed, err := Sign(context.Background(), []byte(`<Root><Item>value</Item></Root>`), &SignConfig{
			Signer:      signer,
			Certificate: cert,
		})
		if err != nil {
			t.Fatalf("Sign failed: %v", err)
		}
		doc := etree.NewDocument()
		if err := doc.ReadFromBytes(signed); err != nil {
			t.Fatal(err)
		}
		ctx := dsig.NewDefaultValidationContext(&dsig.MemoryX509CertificateStore{Roots: []*x509.Certificate{cert}})
		if _, err := ctx.Validate(doc.Root()); err != nil {
			t.Errorf("goxmldsig Validate failed: %v", err)
		}
	})
}

func FuzzVerify(f *testing.F) {
	f.Add([]byte(invoice))
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = Verify(data, nil)
	})
}
