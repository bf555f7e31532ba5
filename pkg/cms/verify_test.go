package cms

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"testing"
	"time"

	pkicrypto "github.com/remiblancher/qsign/internal/crypto"
	"github.com/remiblancher/qsign/internal/testpki"
)

func signFixture(t *testing.T, detached bool) (*testpki.CA, []byte, []byte) {
	t.Helper()
	ca := testpki.NewCA(t)
	signer, cert := ca.IssueSigner(t, pkicrypto.AlgECDSAP256)
	content := []byte("hello world")
	der, err := Sign(context.Background(), content, &SignerConfig{
		Signer:      signer,
		Certificate: cert,
		Detached:    detached,
	})
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	return ca, content, der
}

// =============================================================================
// Unit Tests: Tampering
// =============================================================================

func TestU_Verify_ModifiedContent(t *testing.T) {
	ca, content, der := signFixture(t, true)

	tampered := append([]byte(nil), content...)
	tampered[0] ^= 0x01

	_, err := Verify(der, &VerifyConfig{Roots: ca.Pool(), Data: tampered})
	if !errors.Is(err, ErrDigestMismatch) {
		t.Errorf("Verify() error = %v, want ErrDigestMismatch", err)
	}
}

func TestU_Verify_ModifiedSignatureValue(t *testing.T) {
	ca, content, der := signFixture(t, true)

	sd, err := ParseSignedData(der)
	if err != nil {
		t.Fatal(err)
	}
	sig := sd.SignerInfos[0].Signature
	idx := bytes.Index(der, sig)
	if idx < 0 {
		t.Fatal("signature value not found in encoding")
	}

	// Every byte of the signature value, DER framing included.
	for i := 0; i < len(sig); i++ {
		tampered := append([]byte(nil), der...)
		tampered[idx+i] ^= 0x01
		_, err := Verify(tampered, &VerifyConfig{Roots: ca.Pool(), Data: content})
		if err == nil {
			t.Fatalf("byte %d: tampered signature verified", i)
		}
		if errors.Is(err, ErrDigestMismatch) {
			t.Fatalf("byte %d: error = %v, want a signature error", i, err)
		}
	}
}

func TestU_Verify_ModifiedSignedAttribute(t *testing.T) {
	ca, content, der := signFixture(t, true)

	sd, err := ParseSignedData(der)
	if err != nil {
		t.Fatal(err)
	}
	md, ok := findAttr(sd.SignerInfos[0].SignedAttrs, OIDMessageDigest)
	if !ok {
		t.Fatal("message-digest attribute missing")
	}
	idx := bytes.Index(der, md.FullBytes)
	tampered := append([]byte(nil), der...)
	tampered[idx+len(md.FullBytes)-1] ^= 0x01

	_, err = Verify(tampered, &VerifyConfig{Roots: ca.Pool(), Data: content})
	if !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Verify() error = %v, want ErrInvalidSignature", err)
	}
}

func TestU_Verify_SignatureAlgorithmMismatch(t *testing.T) {
	_, content, der := signFixture(t, true)

	tests := []struct {
		name string
		oid  []int
	}{
		{"[Unit] other digest", OIDECDSAWithSHA384},
		{"[Unit] other key type", OIDSHA256WithRSA},
		{"[Unit] message-signing algorithm", OIDEd25519},
		{"[Unit] unknown", []int{1, 2, 3, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sd, err := ParseSignedData(der)
			if err != nil {
				t.Fatal(err)
			}
			sd.SignerInfos[0].SignatureAlgorithm.Algorithm = tt.oid
			swapped, err := sd.Marshal()
			if err != nil {
				t.Fatal(err)
			}
			if _, err := Verify(swapped, &VerifyConfig{Data: content}); !errors.Is(err, ErrInvalidSignature) {
				t.Errorf("Verify() error = %v, want ErrInvalidSignature", err)
			}
		})
	}
}

func TestU_Verify_MalformedCertificateSet(t *testing.T) {
	_, content, der := signFixture(t, true)
	sd, err := ParseSignedData(der)
	if err != nil {
		t.Fatal(err)
	}
	// A second entry that is not a certificate.
	var set asn1.RawValue
	if _, err := asn1.Unmarshal(sd.Certificates.Raw, &set); err != nil {
		t.Fatal(err)
	}
	extra, _ := asn1.Marshal(asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 3, IsCompound: true})
	sd.Certificates.Raw, _ = asn1.Marshal(asn1.RawValue{
		Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true,
		Bytes: append(append([]byte(nil), set.Bytes...), extra...),
	})
	modified, err := sd.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Verify(modified, &VerifyConfig{Data: content}); !errors.Is(err, ErrInvalidContent) {
		t.Errorf("Verify() error = %v, want ErrInvalidContent", err)
	}
}

func TestU_Verify_Errors(t *testing.T) {
	ca, content, detached := signFixture(t, true)
	_, _, embedded := signFixture(t, false)
	other := testpki.NewCA(t)

	tests := []struct {
		name string
		data []byte
		cfg  *VerifyConfig
		want error
	}{
		{"[Unit] garbage", []byte("not a signature"), &VerifyConfig{}, ErrInvalidContent},
		{"[Unit] trailing data", append(append([]byte(nil), detached...), 0x01), &VerifyConfig{Data: content}, ErrInvalidContent},
		{"[Unit] detached without data", detached, &VerifyConfig{}, ErrNoContent},
		{"[Unit] embedded with other data", embedded, &VerifyConfig{Data: []byte("other")}, ErrDigestMismatch},
		{"[Unit] untrusted root", detached, &VerifyConfig{Roots: other.Pool(), Data: content}, ErrUntrusted},
		{"[Unit] expired at verification time", detached, &VerifyConfig{Roots: ca.Pool(), Data: content, CurrentTime: time.Now().Add(48 * time.Hour)}, ErrUntrusted},
		{"[Unit] wrong EKU", detached, &VerifyConfig{Roots: ca.Pool(), Data: content, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping}}, ErrUntrusted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Verify(tt.data, tt.cfg)
			if !errors.Is(err, tt.want) {
				t.Errorf("Verify() error = %v, want %v", err, tt.want)
			}
			var cmsErr *CMSError
			if !errors.As(err, &cmsErr) || cmsErr.Op != "verify" {
				t.Errorf("error %v is not a verify CMSError", err)
			}
		})
	}
}

func TestU_Verify_OmittedCertificates(t *testing.T) {
	ca := testpki.NewCA(t)
	signer, cert := ca.IssueSigner(t, pkicrypto.AlgECDSAP256)

	der, err := Sign(context.Background(), []byte("bare"), &SignerConfig{
		Signer:           signer,
		Certificate:      cert,
		OmitCertificates: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Verify(der, &VerifyConfig{Roots: ca.Pool()}); !errors.Is(err, ErrNoCertificate) {
		t.Errorf("Verify() error = %v, want ErrNoCertificate", err)
	}
	if _, err := Verify(der, &VerifyConfig{Roots: ca.Pool(), Certificates: []*x509.Certificate{cert}}); err != nil {
		t.Errorf("Verify() with supplied certificate failed: %v", err)
	}
}

func TestU_Verify_SkipCertVerify(t *testing.T) {
	_, content, der := signFixture(t, true)
	other := testpki.NewCA(t)

	result, err := Verify(der, &VerifyConfig{Roots: other.Pool(), Data: content, SkipCertVerify: true})
	if err != nil {
		t.Fatalf("Verify() failed: %v", err)
	}
	if len(result.Signers[0].Chains) != 0 {
		t.Error("no chains expected when chain verification is skipped")
	}
}

// =============================================================================
// Fuzz
// =============================================================================

func FuzzVerify(f *testing.F) {
	f.Add([]byte{0x30, 0x00})
	f.Add([]byte{0x30, 0x03, 0x02, 0x01, 0x03})
	f.Add([]byte{0x30, 0x80})
	f.Add([]byte{0xa0, 0x00})
	f.Add([]byte{0xff, 0xff, 0xff, 0xff})

	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = Verify(data, &VerifyConfig{Data: []byte("x")})
	})
}

func FuzzDecrypt(f *testing.F) {
	f.Add([]byte{0x30, 0x00})
	f.Add([]byte{0x30, 0x03, 0x02, 0x01, 0x02})
	f.Add([]byte{0xa1, 0x00})

	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = Decrypt(data, &DecryptOptions{PrivateKey: struct{}{}})
	})
}
