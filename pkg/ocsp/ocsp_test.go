package ocsp

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xocsp "golang.org/x/crypto/ocsp"

	pkicrypto "github.com/remiblancher/qsign/internal/crypto"
	"github.com/remiblancher/qsign/internal/testpki"
)

type fixture struct {
	ca   *testpki.CA
	cert *x509.Certificate
	id   *CertID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ca := testpki.NewCA(t)
	_, cert := ca.IssueSigner(t, pkicrypto.AlgECDSAP256)
	id, err := NewCertID(crypto.SHA256, ca.Cert, cert)
	if err != nil {
		t.Fatalf("NewCertID failed: %v", err)
	}
	return &fixture{ca: ca, cert: cert, id: id}
}

func (f *fixture) config() *VerifyConfig {
	return &VerifyConfig{IssuerCert: f.ca.Cert, Certificate: f.cert}
}

// =============================================================================
// Unit Tests: Requests
// =============================================================================

func TestU_CreateRequest_RoundTrip(t *testing.T) {
	f := newFixture(t)
	nonce := []byte("0123456789abcdef")

	req, err := CreateRequest(f.ca.Cert, f.cert, crypto.SHA256, nonce)
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	der, err := req.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	parsed, err := ParseRequest(der)
	if err != nil {
		t.Fatalf("ParseRequest failed: %v", err)
	}
	if !bytes.Equal(parsed.Nonce(), nonce) {
		t.Errorf("Nonce() = %x, want %x", parsed.Nonce(), nonce)
	}
	if !parsed.TBSRequest.RequestList[0].ReqCert.Matches(f.ca.Cert, f.cert.SerialNumber) {
		t.Error("parsed CertID does not match the certificate")
	}

	other := testpki.NewCA(t)
	if parsed.TBSRequest.RequestList[0].ReqCert.MatchesIssuer(other.Cert) {
		t.Error("CertID matches an unrelated issuer")
	}
}

func TestU_ParseRequest_GoxCryptoRequest(t *testing.T) {
	f := newFixture(t)
	for _, h := range []crypto.Hash{crypto.SHA1, crypto.SHA256} {
		der, err := xocsp.CreateRequest(f.cert, f.ca.Cert, &xocsp.RequestOptions{Hash: h})
		if err != nil {
			t.Fatalf("x/crypto CreateRequest failed: %v", err)
		}
		req, err := ParseRequest(der)
		if err != nil {
			t.Fatalf("ParseRequest(%v) failed: %v", h, err)
		}
		if !req.TBSRequest.RequestList[0].ReqCert.Matches(f.ca.Cert, f.cert.SerialNumber) {
			t.Errorf("%v CertID does not match", h)
		}
	}
}

func TestU_ParseRequest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"[Unit] empty", nil},
		{"[Unit] garbage", []byte("not ocsp")},
		{"[Unit] empty sequence", []byte{0x30, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseRequest(tt.data); !errors.Is(err, ErrMalformed) {
				t.Errorf("ParseRequest() error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestU_ParseRequestFromHTTP_GET(t *testing.T) {
	f := newFixture(t)
	req, _ := CreateRequest(f.ca.Cert, f.cert, crypto.SHA256, nil)
	der, _ := req.Marshal()

	httpReq := httptest.NewRequest(http.MethodGet, "/ocsp/"+base64.URLEncoding.EncodeToString(der), nil)
	parsed, err := ParseRequestFromHTTP(httpReq)
	if err != nil {
		t.Fatalf("ParseRequestFromHTTP failed: %v", err)
	}
	if parsed.TBSRequest.RequestList[0].ReqCert.SerialNumber.Cmp(f.cert.SerialNumber) != 0 {
		t.Error("serial mismatch")
	}

	put := httptest.NewRequest(http.MethodPut, "/ocsp", bytes.NewReader(der))
	if _, err := ParseRequestFromHTTP(put); !errors.Is(err, ErrMalformed) {
		t.Errorf("PUT error = %v, want ErrMalformed", err)
	}
}

// =============================================================================
// Unit Tests: Verify
// =============================================================================

func TestU_Verify_Statuses(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	revokedAt := now.Add(-24 * time.Hour).UTC().Truncate(time.Second)

	tests := []struct {
		name   string
		add    func(b *ResponseBuilder)
		status CertStatus
	}{
		{"[Unit] good", func(b *ResponseBuilder) { b.AddGood(f.id, now, now.Add(time.Hour)) }, CertStatusGood},
		{"[Unit] revoked", func(b *ResponseBuilder) {
			b.AddRevoked(f.id, now, now.Add(time.Hour), revokedAt, ReasonKeyCompromise)
		}, CertStatusRevoked},
		{"[Unit] unknown", func(b *ResponseBuilder) { b.AddUnknown(f.id, now, time.Time{}) }, CertStatusUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewResponseBuilder(f.ca.Cert, f.ca.Signer)
			tt.add(b)
			data, err := b.Build()
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}
			result, err := Verify(data, f.config())
			if err != nil {
				t.Fatalf("Verify failed: %v", err)
			}
			if result.CertStatus != tt.status {
				t.Errorf("CertStatus = %v, want %v", result.CertStatus, tt.status)
			}
			if tt.status == CertStatusRevoked {
				if !result.RevocationTime.Equal(revokedAt) {
					t.Errorf("RevocationTime = %v, want %v", result.RevocationTime, revokedAt)
				}
				if result.RevocationReason != ReasonKeyCompromise {
					t.Errorf("RevocationReason = %v, want keyCompromise", result.RevocationReason)
				}
			}
			if !bytes.Equal(result.Raw, data) {
				t.Error("Raw does not carry the verified response")
			}
		})
	}
}

func TestU_Verify_DelegatedResponder(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	other := testpki.NewCA(t)

	delegateKey, delegate := f.ca.IssueSigner(t, pkicrypto.AlgECDSAP256, testpki.WithExtKeyUsage(x509.ExtKeyUsageOCSPSigning))
	plainKey, plain := f.ca.IssueSigner(t, pkicrypto.AlgECDSAP256)
	foreignKey, foreign := other.IssueSigner(t, pkicrypto.AlgECDSAP256, testpki.WithExtKeyUsage(x509.ExtKeyUsageOCSPSigning))

	tests := []struct {
		name    string
		cert    *x509.Certificate
		key     crypto.Signer
		include bool
		wantErr error
	}{
		{"[Unit] delegated with OCSPSigning", delegate, delegateKey, true, nil},
		{"[Unit] delegated certificate omitted", delegate, delegateKey, false, ErrUnauthorizedResponder},
		{"[Unit] missing OCSPSigning EKU", plain, plainKey, true, ErrUnauthorizedResponder},
		{"[Unit] delegate of another CA", foreign, foreignKey, true, ErrUnauthorizedResponder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := NewResponseBuilder(tt.cert, tt.key).
				IncludeCerts(tt.include).
				AddGood(f.id, now, now.Add(time.Hour)).
				Build()
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}
			result, err := Verify(data, f.config())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Verify() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Verify failed: %v", err)
			}
			if !result.ResponderCert.Equal(tt.cert) {
				t.Error("ResponderCert is not the delegated responder")
			}
		})
	}
}

func TestU_Verify_Failures(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	_, otherCert := f.ca.IssueSigner(t, pkicrypto.AlgECDSAP256)

	build := func(add func(b *ResponseBuilder)) []byte {
		b := NewResponseBuilder(f.ca.Cert, f.ca.Signer).IncludeCerts(false)
		add(b)
		data, err := b.Build()
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		return data
	}
	good := build(func(b *ResponseBuilder) { b.AddGood(f.id, now, now.Add(time.Hour)) })
	tampered := append([]byte(nil), good...)
	tampered[len(tampered)-1] ^= 0x01
	errResp, _ := NewErrorResponse(StatusTryLater)

	tests := []struct {
		name string
		data []byte
		cfg  *VerifyConfig
		want error
	}{
		{"[Unit] tampered signature", tampered, f.config(), ErrSignature},
		{"[Unit] expired", build(func(b *ResponseBuilder) {
			b.AddGood(f.id, now.Add(-3*time.Hour), now.Add(-2*time.Hour))
		}), f.config(), ErrStale},
		{"[Unit] not yet valid", build(func(b *ResponseBuilder) {
			b.AddGood(f.id, now.Add(time.Hour), now.Add(2*time.Hour))
		}), f.config(), ErrStale},
		{"[Unit] other certificate", good, &VerifyConfig{IssuerCert: f.ca.Cert, Certificate: otherCert}, ErrNoMatchingResponse},
		{"[Unit] nonce mismatch", build(func(b *ResponseBuilder) {
			b.AddGood(f.id, now, now.Add(time.Hour)).AddNonce([]byte("response nonce"))
		}), &VerifyConfig{IssuerCert: f.ca.Cert, Certificate: f.cert, Nonce: []byte("request nonce")}, ErrNonceMismatch},
		{"[Unit] error status", errResp, f.config(), ErrResponseStatus},
		{"[Unit] garbage", []byte("garbage"), f.config(), ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Verify(tt.data, tt.cfg); !errors.Is(err, tt.want) {
				t.Errorf("Verify() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestU_Verify_ClockSkew(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	data, err := NewResponseBuilder(f.ca.Cert, f.ca.Signer).
		AddGood(f.id, now.Add(2*time.Minute), now.Add(time.Hour)).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Verify(data, f.config()); err != nil {
		t.Errorf("thisUpdate within skew rejected: %v", err)
	}
	cfg := f.config()
	cfg.ClockSkew = time.Second
	if _, err := Verify(data, cfg); !errors.Is(err, ErrStale) {
		t.Errorf("Verify() error = %v, want ErrStale with a tight skew", err)
	}
}

// =============================================================================
// Unit Tests: Interoperability with golang.org/x/crypto/ocsp
// =============================================================================

func TestU_Response_ParsedByGoxCrypto(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	revokedAt := now.Add(-time.Hour)

	data, err := NewResponseBuilder(f.ca.Cert, f.ca.Signer).
		IncludeCerts(false).
		AddRevoked(f.id, now, now.Add(time.Hour), revokedAt, ReasonSuperseded).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	resp, err := xocsp.ParseResponseForCert(data, f.cert, f.ca.Cert)
	if err != nil {
		t.Fatalf("x/crypto ParseResponseForCert failed: %v", err)
	}
	if resp.Status != xocsp.Revoked {
		t.Errorf("Status = %d, want Revoked", resp.Status)
	}
	if resp.RevocationReason != xocsp.Superseded {
		t.Errorf("RevocationReason = %d, want Superseded", resp.RevocationReason)
	}
}

func TestU_Verify_GoxCryptoResponse(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC().Truncate(time.Second)

	data, err := xocsp.CreateResponse(f.ca.Cert, f.ca.Cert, xocsp.Response{
		Status:       xocsp.Good,
		SerialNumber: f.cert.SerialNumber,
		ThisUpdate:   now,
		NextUpdate:   now.Add(time.Hour),
	}, f.ca.Signer)
	if err != nil {
		t.Fatalf("x/crypto CreateResponse failed: %v", err)
	}
	result, err := Verify(data, f.config())
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.CertStatus != CertStatusGood {
		t.Errorf("CertStatus = %v, want good", result.CertStatus)
	}
}

// =============================================================================
// Functional Tests: Client and Responder
// =============================================================================

func TestF_Client_AgainstResponder(t *testing.T) {
	ca := testpki.NewCA(t)
	store := NewMemoryStore(true)
	responder, err := NewResponder(&ResponderConfig{
		Signer: ca.Signer,
		CACert: ca.Cert,
		Store:  store,
	})
	if err != nil {
		t.Fatalf("NewResponder failed: %v", err)
	}
	srv := httptest.NewServer(responder)
	defer srv.Close()

	_, good := ca.IssueSigner(t, pkicrypto.AlgECDSAP256, testpki.WithOCSPServer(srv.URL))
	_, revoked := ca.IssueSigner(t, pkicrypto.AlgECDSAP256, testpki.WithOCSPServer(srv.URL))
	store.Revoke(revoked.SerialNumber, time.Now().Add(-time.Hour), ReasonKeyCompromise)

	client := &Client{Timeout: 5 * time.Second}
	ctx := context.Background()

	result, err := client.Check(ctx, good, ca.Cert)
	if err != nil {
		t.Fatalf("Check(good) failed: %v", err)
	}
	if result.CertStatus != CertStatusGood {
		t.Errorf("good: CertStatus = %v", result.CertStatus)
	}

	result, err = client.Check(ctx, revoked, ca.Cert)
	if err != nil {
		t.Fatalf("Check(revoked) failed: %v", err)
	}
	if result.CertStatus != CertStatusRevoked || result.RevocationReason != ReasonKeyCompromise {
		t.Errorf("revoked: CertStatus = %v, reason = %v", result.CertStatus, result.RevocationReason)
	}
}

func TestU_Client_Errors(t *testing.T) {
	ca := testpki.NewCA(t)
	_, cert := ca.IssueSigner(t, pkicrypto.AlgECDSAP256)

	if _, err := (&Client{}).Check(context.Background(), cert, ca.Cert); !errors.Is(err, ErrNoServer) {
		t.Errorf("Check() error = %v, want ErrNoServer", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	if _, err := (&Client{URL: srv.URL}).Check(context.Background(), cert, ca.Cert); err == nil {
		t.Error("Check() against a failing server should fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (&Client{URL: srv.URL}).Check(ctx, cert, ca.Cert); !errors.Is(err, context.Canceled) {
		t.Errorf("Check(cancelled) error = %v, want context.Canceled", err)
	}
}

func TestU_Responder_UnknownIssuerAndMalformed(t *testing.T) {
	ca := testpki.NewCA(t)
	other := testpki.NewCA(t)
	_, foreign := other.IssueSigner(t, pkicrypto.AlgECDSAP256)

	responder, err := NewResponder(&ResponderConfig{Signer: ca.Signer, CACert: ca.Cert, Store: NewMemoryStore(true)})
	if err != nil {
		t.Fatal(err)
	}
	req, _ := CreateRequest(other.Cert, foreign, crypto.SHA256, nil)
	data, err := responder.Respond(context.Background(), req)
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	basic, err := ParseBasicResponse(data)
	if err != nil {
		t.Fatal(err)
	}
	status, _, _, _ := parseCertStatus(basic.TBSResponseData.Responses[0].CertStatus)
	if status != CertStatusUnknown {
		t.Errorf("foreign issuer status = %v, want unknown", status)
	}

	rec := httptest.NewRecorder()
	responder.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ocsp", bytes.NewReader([]byte("junk"))))
	resp, err := ParseResponse(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("ParseResponse failed: %v", err)
	}
	if ResponseStatus(resp.Status) != StatusMalformedRequest {
		t.Errorf("status = %v, want malformedRequest", ResponseStatus(resp.Status))
	}
}

func TestU_MemoryStore_Defaults(t *testing.T) {
	serial := big.NewInt(42)
	strict := NewMemoryStore(false)
	info, _ := strict.Status(context.Background(), serial)
	if info.Status != CertStatusUnknown {
		t.Errorf("strict default = %v, want unknown", info.Status)
	}
	strict.MarkGood(serial)
	info, _ = strict.Status(context.Background(), serial)
	if info.Status != CertStatusGood {
		t.Errorf("after MarkGood = %v, want good", info.Status)
	}
}

func FuzzParseResponse(f *testing.F) {
	f.Add([]byte{0x30, 0x03, 0x0a, 0x01, 0x00})
	f.Add([]byte{0x30, 0x00})
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = ParseBasicResponse(data)
	})
}
