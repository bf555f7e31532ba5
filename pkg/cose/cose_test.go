package cose

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"testing"

	gocose "github.com/veraison/go-cose"

	pkicrypto "github.com/remiblancher/qsign/internal/crypto"
	"github.com/remiblancher/qsign/internal/testpki"
)

// =============================================================================
// Functional Tests: Sign1 round trip
// =============================================================================

func TestF_Sign1_RoundTrip(t *testing.T) {
	ca := testpki.NewCA(t)
	payload := []byte("hello world")

	tests := []struct {
		name    string
		alg     pkicrypto.AlgorithmID
		hash    crypto.Hash
		wantAlg gocose.Algorithm
	}{
		{"[Unit] ECDSA P-256", pkicrypto.AlgECDSAP256, 0, AlgES256},
		{"[Unit] ECDSA P-384", pkicrypto.AlgECDSAP384, 0, AlgES384},
		{"[Unit] ECDSA P-521", pkicrypto.AlgECDSAP521, 0, AlgES512},
		{"[Unit] Ed25519", pkicrypto.AlgEd25519, 0, AlgEdDSA},
		{"[Unit] RSA-2048 SHA-256", pkicrypto.AlgRSA2048, 0, AlgRS256},
		{"[Unit] RSA-2048 SHA-512", pkicrypto.AlgRSA2048, crypto.SHA512, AlgRS512},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signer, cert := ca.IssueSigner(t, tt.alg)
			for _, detached := range []bool{false, true} {
				data, err := Sign1(context.Background(), payload, &SignConfig{
					Signer:      signer,
					Certificate: cert,
					Chain:       []*x509.Certificate{ca.Cert},
					Hash:        tt.hash,
					ContentType: "text/plain",
					Detached:    detached,
				})
				if err != nil {
					t.Fatalf("Sign1(detached=%v) failed: %v", detached, err)
				}
				if !IsSign1(data) {
					t.Fatal("IsSign1() = false")
				}

				cfg := &VerifyConfig{Roots: ca.Pool()}
				if detached {
					cfg.Payload = payload
				}
				res, err := Verify(data, cfg)
				if err != nil {
					t.Fatalf("Verify(detached=%v) failed: %v", detached, err)
				}
				if res.Message.Algorithm != tt.wantAlg {
					t.Errorf("Algorithm = %s, want %s", AlgorithmName(res.Message.Algorithm), AlgorithmName(tt.wantAlg))
				}
				if res.Message.Detached() != detached {
					t.Errorf("Detached() = %v, want %v", res.Message.Detached(), detached)
				}
				if res.Message.ContentType != "text/plain" {
					t.Errorf("ContentType = %q", res.Message.ContentType)
				}
				if len(res.Message.Certificates) != 2 || !res.Certificate.Equal(cert) {
					t.Errorf("x5chain not preserved")
				}
				if len(res.Chains) == 0 {
					t.Error("no verified chains")
				}
			}
		})
	}
}

func TestU_SignerVerifier_MLDSA(t *testing.T) {
	for _, alg := range []pkicrypto.AlgorithmID{pkicrypto.AlgMLDSA44, pkicrypto.AlgMLDSA65, pkicrypto.AlgMLDSA87} {
		t.Run("[Unit] "+alg.String(), func(t *testing.T) {
			key := testpki.NewSigner(t, alg)
			signer, err := NewSigner(key, 0)
			if err != nil {
				t.Fatalf("NewSigner failed: %v", err)
			}
			msg := gocose.NewSign1Message()
			msg.Headers.Protected[gocose.HeaderLabelAlgorithm] = signer.Algorithm()
			msg.Payload = []byte("post-quantum payload")
			if err := msg.Sign(rand.Reader, nil, signer); err != nil {
				t.Fatalf("Sign failed: %v", err)
			}
			verifier, err := NewVerifier(key.Public(), signer.Algorithm())
			if err != nil {
				t.Fatalf("NewVerifier failed: %v", err)
			}
			if err := msg.Verify(nil, verifier); err != nil {
				t.Errorf("Verify failed: %v", err)
			}
			msg.Payload = []byte("tampered")
			if err := msg.Verify(nil, verifier); err == nil {
				t.Error("Verify of tampered payload should fail")
			}
		})
	}
}

// =============================================================================
// Unit Tests: Failures
// =============================================================================

func TestU_Verify_Failures(t *testing.T) {
	ca := testpki.NewCA(t)
	signer, cert := ca.IssueSigner(t, pkicrypto.AlgECDSAP256)
	payload := []byte("document")

	attached, err := Sign1(context.Background(), payload, &SignConfig{Signer: signer, Certificate: cert})
	if err != nil {
		t.Fatalf("Sign1 failed: %v", err)
	}
	detached, err := Sign1(context.Background(), payload, &SignConfig{Signer: signer, Certificate: cert, Detached: true})
	if err != nil {
		t.Fatalf("Sign1 failed: %v", err)
	}
	noCert, err := Sign1(context.Background(), payload, &SignConfig{Signer: signer})
	if err != nil {
		t.Fatalf("Sign1 failed: %v", err)
	}
	withAAD, err := Sign1(context.Background(), payload, &SignConfig{Signer: signer, Certificate: cert, ExternalAAD: []byte("aad")})
	if err != nil {
		t.Fatalf("Sign1 failed: %v", err)
	}
	flipped := append([]byte{}, attached...)
	flipped[len(flipped)-1] ^= 0xff

	tests := []struct {
		name string
		data []byte
		cfg  *VerifyConfig
		want error
	}{
		{"[Unit] detached without payload", detached, nil, ErrMissingPayload},
		{"[Unit] detached with other payload", detached, &VerifyConfig{Payload: []byte("other")}, ErrInvalidSignature},
		{"[Unit] attached with other payload", attached, &VerifyConfig{Payload: []byte("other")}, ErrInvalidSignature},
		{"[Unit] flipped signature", flipped, nil, ErrInvalidSignature},
		{"[Unit] no certificate", noCert, nil, ErrNoCertificate},
		{"[Unit] untrusted root", attached, &VerifyConfig{Roots: testpki.NewCA(t).Pool()}, ErrUntrusted},
		{"[Unit] missing external AAD", withAAD, nil, ErrInvalidSignature},
		{"[Unit] not COSE", []byte{0x30, 0x03, 0x02, 0x01, 0x01}, nil, ErrMalformed},
		{"[Unit] empty", nil, nil, ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Verify(tt.data, tt.cfg); !errors.Is(err, tt.want) {
				t.Errorf("Verify() err = %v, want %v", err, tt.want)
			}
		})
	}

	t.Run("[Unit] no x5chain with supplied certificate", func(t *testing.T) {
		if _, err := Verify(noCert, &VerifyConfig{Certificate: cert}); err != nil {
			t.Errorf("Verify failed: %v", err)
		}
	})
	t.Run("[Unit] supplied AAD", func(t *testing.T) {
		if _, err := Verify(withAAD, &VerifyConfig{ExternalAAD: []byte("aad")}); err != nil {
			t.Errorf("Verify failed: %v", err)
		}
	})
}

func TestU_AlgorithmFor(t *testing.T) {
	tests := []struct {
		alg     pkicrypto.AlgorithmID
		hash    crypto.Hash
		want    gocose.Algorithm
		wantErr bool
	}{
		{pkicrypto.AlgECDSAP256, crypto.SHA256, AlgES256, false},
		{pkicrypto.AlgEd448, 0, AlgEdDSA, false},
		{pkicrypto.AlgRSA4096, crypto.SHA384, AlgRS384, false},
		{pkicrypto.AlgRSA3072, crypto.SHA3_256, 0, true},
		{pkicrypto.AlgMLDSA65, 0, AlgMLDSA65, false},
		{pkicrypto.AlgUnknown, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run("[Unit] "+tt.alg.String(), func(t *testing.T) {
			got, err := AlgorithmFor(tt.alg, tt.hash)
			if (err != nil) != tt.wantErr {
				t.Fatalf("AlgorithmFor() err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("AlgorithmFor() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestF_Sign1_RSAPSS(t *testing.T) {
	ca := testpki.NewCA(t)
	signer, cert := ca.IssueSigner(t, pkicrypto.AlgRSA2048)
	payload := []byte("document")

	msg, err := Sign1(context.Background(), payload, &SignConfig{Signer: signer, Certificate: cert, Hash: crypto.SHA384, PSS: true})
	if err != nil {
		t.Fatalf("Sign1 failed: %v", err)
	}
	res, err := Verify(msg, &VerifyConfig{Roots: ca.Pool()})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if res.Message.Algorithm != AlgPS384 {
		t.Errorf("algorithm = %s, want PS384", AlgorithmName(res.Message.Algorithm))
	}

	t.Run("[Unit] ECDSA key", func(t *testing.T) {
		ecSigner, ecCert := ca.IssueSigner(t, pkicrypto.AlgECDSAP256)
		if _, err := Sign1(context.Background(), payload, &SignConfig{Signer: ecSigner, Certificate: ecCert, PSS: true}); !errors.Is(err, ErrUnsupportedAlgorithm) {
			t.Errorf("Sign1() error = %v, want ErrUnsupportedAlgorithm", err)
		}
	})
}

func FuzzParse(f *testing.F) {
	f.Add([]byte{0xd2, 0x84, 0x40, 0xa0, 0xf6, 0x40})
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = Parse(data)
	})
}
