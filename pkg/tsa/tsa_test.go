package tsa

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	pkicrypto "github.com/remiblancher/qsign/internal/crypto"
	"github.com/remiblancher/qsign/internal/testpki"
)

var testPolicy = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 99999, 1, 1}

type tsaFixture struct {
	ca   *testpki.CA
	cert *x509.Certificate
	cfg  *TokenConfig
}

func newTSA(t *testing.T, alg pkicrypto.AlgorithmID) *tsaFixture {
	t.Helper()
	ca := testpki.NewCA(t)
	signer, cert := ca.IssueSigner(t, alg,
		testpki.WithCommonName("Test TSA"),
		testpki.WithExtKeyUsage(x509.ExtKeyUsageTimeStamping))
	return &tsaFixture{
		ca:   ca,
		cert: cert,
		cfg: &TokenConfig{
			Certificate: cert,
			Signer:      signer,
			Policy:      testPolicy,
			Accuracy:    Accuracy{Seconds: 1},
			IncludeTSA:  true,
		},
	}
}

// =============================================================================
// Unit Tests: Requests
// =============================================================================

func TestU_CreateRequest_RoundTrip(t *testing.T) {
	nonce := big.NewInt(123456789)
	for _, h := range []crypto.Hash{crypto.SHA256, crypto.SHA384, crypto.SHA512, crypto.SHA3_256} {
		req, err := CreateRequest([]byte("data"), h, nonce, true)
		if err != nil {
			t.Fatalf("CreateRequest(%v) failed: %v", h, err)
		}
		der, err := req.Marshal()
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		parsed, err := ParseRequest(der)
		if err != nil {
			t.Fatalf("ParseRequest(%v) failed: %v", h, err)
		}
		got, _ := parsed.HashAlgorithm()
		if got != h {
			t.Errorf("HashAlgorithm() = %v, want %v", got, h)
		}
		if parsed.Nonce.Cmp(nonce) != 0 || !parsed.CertReq {
			t.Errorf("nonce/certReq not preserved: %v %v", parsed.Nonce, parsed.CertReq)
		}
	}
}

func TestU_ParseRequest_Invalid(t *testing.T) {
	badLen, _ := asn1.Marshal(TimeStampReq{
		Version: 1,
		MessageImprint: MessageImprint{
			HashAlgorithm: mustImprint(t).HashAlgorithm,
			HashedMessage: []byte{1, 2, 3},
		},
	})
	badVersion, _ := asn1.Marshal(TimeStampReq{Version: 2, MessageImprint: mustImprint(t)})

	for name, data := range map[string][]byte{
		"[Unit] garbage":     []byte("junk"),
		"[Unit] bad length":  badLen,
		"[Unit] bad version": badVersion,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseRequest(data); !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("ParseRequest() error = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func mustImprint(t *testing.T) MessageImprint {
	t.Helper()
	mi, err := NewMessageImprint(crypto.SHA256, make([]byte, 32))
	if err != nil {
		t.Fatal(err)
	}
	return mi
}

// =============================================================================
// Functional Tests: Tokens
// =============================================================================

func TestF_Token_CreateVerify(t *testing.T) {
	for _, alg := range []pkicrypto.AlgorithmID{pkicrypto.AlgECDSAP256, pkicrypto.AlgECDSAP384, pkicrypto.AlgRSA2048, pkicrypto.AlgEd25519} {
		t.Run("[Unit] "+string(alg), func(t *testing.T) {
			f := newTSA(t, alg)
			data := []byte("signature value")
			nonce := big.NewInt(42)
			req, _ := CreateRequest(data, crypto.SHA256, nonce, true)

			token, err := CreateToken(context.Background(), req, f.cfg, NewCounterSerialGenerator(1))
			if err != nil {
				t.Fatalf("CreateToken failed: %v", err)
			}
			result, err := Verify(token.Raw, &VerifyConfig{Roots: f.ca.Pool(), Data: data, Nonce: nonce})
			if err != nil {
				t.Fatalf("Verify failed: %v", err)
			}
			if !result.SignerCert.Equal(f.cert) {
				t.Error("SignerCert is not the TSA certificate")
			}
			if time.Since(result.GenTime) > time.Minute {
				t.Errorf("GenTime = %v", result.GenTime)
			}
			if result.Token.SerialNumber().Int64() != 1 {
				t.Errorf("serial = %v, want 1", result.Token.SerialNumber())
			}
			if !result.Token.HasTSAName() {
				t.Error("TSA name missing")
			}
			if result.Token.Info.Accuracy.Duration() != time.Second {
				t.Errorf("accuracy = %v", result.Token.Info.Accuracy.Duration())
			}
		})
	}
}

func TestU_Token_GenTimeIsGeneralized(t *testing.T) {
	f := newTSA(t, pkicrypto.AlgECDSAP256)
	f.cfg.Clock = func() time.Time { return time.Date(2051, 3, 4, 5, 6, 7, 0, time.UTC) }
	req, _ := CreateRequest([]byte("x"), crypto.SHA256, nil, false)
	token, err := CreateToken(context.Background(), req, f.cfg, RandomSerialGenerator{})
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParseToken(token.Raw)
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.GenTime().Equal(f.cfg.Clock()) {
		t.Errorf("GenTime = %v", parsed.GenTime())
	}
	if !bytes.Contains(token.Raw, []byte("20510304050607Z")) {
		t.Error("genTime is not a GeneralizedTime")
	}
}

func TestU_Verify_Failures(t *testing.T) {
	f := newTSA(t, pkicrypto.AlgECDSAP256)
	data := []byte("payload")
	req, _ := CreateRequest(data, crypto.SHA256, big.NewInt(7), true)
	token, err := CreateToken(context.Background(), req, f.cfg, RandomSerialGenerator{})
	if err != nil {
		t.Fatal(err)
	}

	noCertReq, _ := CreateRequest(data, crypto.SHA256, nil, false)
	bare, err := CreateToken(context.Background(), noCertReq, f.cfg, RandomSerialGenerator{})
	if err != nil {
		t.Fatal(err)
	}

	signer, plain := f.ca.IssueSigner(t, pkicrypto.AlgECDSAP256)
	badCfg := *f.cfg
	badCfg.Certificate, badCfg.Signer = plain, signer
	wrongEKU, err := CreateToken(context.Background(), req, &badCfg, RandomSerialGenerator{})
	if err != nil {
		t.Fatal(err)
	}

	other := testpki.NewCA(t)
	tests := []struct {
		name  string
		token []byte
		cfg   *VerifyConfig
		want  error
	}{
		{"[Unit] other data", token.Raw, &VerifyConfig{Roots: f.ca.Pool(), Data: []byte("other")}, ErrHashMismatch},
		{"[Unit] other digest", token.Raw, &VerifyConfig{Roots: f.ca.Pool(), Digest: make([]byte, 32)}, ErrHashMismatch},
		{"[Unit] nonce mismatch", token.Raw, &VerifyConfig{Roots: f.ca.Pool(), Nonce: big.NewInt(8)}, ErrNonceMismatch},
		{"[Unit] untrusted root", token.Raw, &VerifyConfig{Roots: other.Pool()}, ErrVerificationFailed},
		{"[Unit] missing timeStamping EKU", wrongEKU.Raw, &VerifyConfig{}, ErrVerificationFailed},
		{"[Unit] certificate not embedded", bare.Raw, &VerifyConfig{Roots: f.ca.Pool()}, ErrVerificationFailed},
		{"[Unit] not a token", []byte("junk"), &VerifyConfig{}, ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Verify(tt.token, tt.cfg)
			if !errors.Is(err, tt.want) {
				t.Errorf("Verify() error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := Verify(bare.Raw, &VerifyConfig{Roots: f.ca.Pool(), Certificates: []*x509.Certificate{f.cert}}); err != nil {
		t.Errorf("Verify() with supplied TSA certificate failed: %v", err)
	}
}

func TestU_CreateToken_Errors(t *testing.T) {
	f := newTSA(t, pkicrypto.AlgECDSAP256)
	req, _ := CreateRequest([]byte("x"), crypto.SHA256, nil, false)

	req.ReqPolicy = asn1.ObjectIdentifier{1, 2, 3}
	if _, err := CreateToken(context.Background(), req, f.cfg, RandomSerialGenerator{}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("unsupported policy: error = %v, want ErrInvalidRequest", err)
	}
	req.ReqPolicy = nil

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := CreateToken(ctx, req, f.cfg, RandomSerialGenerator{}); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled: error = %v, want context.Canceled", err)
	}

	if _, err := CreateToken(context.Background(), req, &TokenConfig{}, RandomSerialGenerator{}); err == nil {
		t.Error("empty config should fail")
	}
}

// =============================================================================
// Unit Tests: Responses
// =============================================================================

func TestU_Response_Rejection(t *testing.T) {
	der, err := NewRejectionResponse(FailUnacceptedPolicy, "nope").Marshal()
	if err != nil {
		t.Fatal(err)
	}
	resp, err := ParseResponse(der)
	if err != nil {
		t.Fatalf("ParseResponse failed: %v", err)
	}
	if resp.IsGranted() {
		t.Error("rejection reported as granted")
	}
	if got := resp.FailureString(); got != "requested policy not supported" {
		t.Errorf("FailureString() = %q", got)
	}
	if resp.StatusString() != "rejection" {
		t.Errorf("StatusString() = %q", resp.StatusString())
	}
}

// =============================================================================
// Functional Tests: Client and Authority
// =============================================================================

func TestF_Client_AgainstAuthority(t *testing.T) {
	f := newTSA(t, pkicrypto.AlgECDSAP256)
	authority, err := NewAuthority(f.cfg, nil)
	if err != nil {
		t.Fatalf("NewAuthority failed: %v", err)
	}
	srv := httptest.NewServer(authority)
	defer srv.Close()

	data := []byte("signature bytes")
	client := &Client{URL: srv.URL}
	token, err := client.Timestamp(context.Background(), data)
	if err != nil {
		t.Fatalf("Timestamp failed: %v", err)
	}
	if _, err := Verify(token.Raw, &VerifyConfig{Roots: f.ca.Pool(), Data: data}); err != nil {
		t.Errorf("Verify failed: %v", err)
	}
}

func TestU_Authority_RejectsBadRequests(t *testing.T) {
	f := newTSA(t, pkicrypto.AlgECDSAP256)
	authority, err := NewAuthority(f.cfg, nil)
	if err != nil {
		t.Fatal(err)
	}

	der, err := authority.Respond(context.Background(), []byte("junk"))
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	resp, err := ParseResponse(der)
	if err != nil {
		t.Fatal(err)
	}
	if resp.IsGranted() || resp.FailureString() != "data submitted has wrong format" {
		t.Errorf("status %s / %s", resp.StatusString(), resp.FailureString())
	}

	rec := httptest.NewRecorder()
	authority.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tsa", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}

	srv := httptest.NewServer(authority)
	defer srv.Close()
	bad := &Client{URL: srv.URL, Hash: crypto.MD5}
	if _, err := bad.Timestamp(context.Background(), []byte("x")); !errors.Is(err, ErrUnsupportedHashAlgorithm) {
		t.Errorf("MD5 client error = %v, want ErrUnsupportedHashAlgorithm", err)
	}
}

func TestU_Client_NoURL(t *testing.T) {
	if _, err := (&Client{}).Timestamp(context.Background(), []byte("x")); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("error = %v, want ErrInvalidRequest", err)
	}
}

func FuzzParseResponse(f *testing.F) {
	f.Add([]byte{0x30, 0x03, 0x30, 0x01, 0x02})
	f.Add([]byte{0x30, 0x00})
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = ParseResponse(data)
	})
}
