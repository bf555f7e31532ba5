package engine

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkicrypto "github.com/remiblancher/qsign/internal/crypto"
	"github.com/remiblancher/qsign/internal/testpki"
	"github.com/remiblancher/qsign/pkg/document"
	"github.com/remiblancher/qsign/pkg/ers"
	"github.com/remiblancher/qsign/pkg/ocsp"
	"github.com/remiblancher/qsign/pkg/report"
	"github.com/remiblancher/qsign/pkg/status"
	"github.com/remiblancher/qsign/pkg/tsa"
)

var tsaPolicy = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 99999, 2, 1}

func newTSA(t *testing.T, ca *testpki.CA) *tsa.Authority {
	t.Helper()
	signer, cert := ca.IssueSigner(t, pkicrypto.AlgECDSAP256,
		testpki.WithCommonName("Engine TSA"),
		testpki.WithExtKeyUsage(x509.ExtKeyUsageTimeStamping))
	authority, err := tsa.NewAuthority(&tsa.TokenConfig{Certificate: cert, Signer: signer, Policy: tsaPolicy}, nil)
	require.NoError(t, err)
	return authority
}

// ocspServer answers for certificates issued by ca.
func ocspServer(t *testing.T, ca *testpki.CA, store *ocsp.MemoryStore) *httptest.Server {
	t.Helper()
	responder, err := ocsp.NewResponder(&ocsp.ResponderConfig{CACert: ca.Cert, Signer: ca.Signer, Store: store})
	require.NoError(t, err)
	srv := httptest.NewServer(responder)
	t.Cleanup(srv.Close)
	return srv
}

func findings(rep *report.Report, check string) []report.Finding {
	var out []report.Finding
	for _, f := range rep.Findings {
		if f.Check == check {
			out = append(out, f)
		}
	}
	return out
}

// =============================================================================
// Functional Tests: Trust
// =============================================================================

func TestF_Verify_Trust(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	res := signOne(t, f.engine, detached(textDoc("a.txt", "trust")))
	req := document.VerificationRequest{Document: []byte("trust"), Signature: res.Signature}

	t.Run("[Unit] unknown anchor", func(t *testing.T) {
		other := testpki.NewCA(t)
		vr, err := f.engine.Verify(ctx, req, []*x509.Certificate{other.Cert}, VerifyOptions{})
		requireKind(t, err, status.KindCertificateUntrusted)
		assert.NotEmpty(t, findings(vr.Report, "chain"))
	})

	t.Run("[Unit] no anchors configured", func(t *testing.T) {
		e := New(Config{})
		require.NoError(t, e.Init(ctx, nil))
		defer e.Close()
		_, err := e.Verify(ctx, req, nil, VerifyOptions{})
		requireKind(t, err, status.KindCertificateUntrusted)
	})

	t.Run("[Unit] expired at validation time", func(t *testing.T) {
		_, err := f.engine.Verify(ctx, req, nil, VerifyOptions{CurrentTime: time.Now().Add(48 * time.Hour)})
		requireKind(t, err, status.KindCertificateUntrusted)
	})

	t.Run("[Unit] intermediate supplied by caller", func(t *testing.T) {
		sub := f.ca.SubCA(t, "Issuing CA")
		signer, cert := sub.IssueSigner(t, pkicrypto.AlgECDSAP256)
		src := newSource(t, signer, cert)
		e := New(Config{TrustAnchors: []*x509.Certificate{f.ca.Cert}})
		require.NoError(t, e.Init(ctx, src))
		defer e.Close()

		res := signOne(t, e, detached(textDoc("a.txt", "chain")))
		vreq := document.VerificationRequest{Document: []byte("chain"), Signature: res.Signature}
		_, err := e.Verify(ctx, vreq, nil, VerifyOptions{})
		requireKind(t, err, status.KindCertificateUntrusted)

		vr, err := e.Verify(ctx, vreq, nil, VerifyOptions{Intermediates: []*x509.Certificate{sub.Cert}})
		require.NoError(t, err)
		assert.True(t, vr.Valid())
	})
}

// =============================================================================
// Functional Tests: Revocation
// =============================================================================

func TestF_Verify_OCSP(t *testing.T) {
	ctx := context.Background()

	t.Run("[Unit] fetched good", func(t *testing.T) {
		ca := testpki.NewCA(t)
		srv := ocspServer(t, ca, ocsp.NewMemoryStore(true))
		e, res := signWithIssuer(t, ca, Config{}, testpki.WithOCSPServer(srv.URL))

		vr, err := e.Verify(ctx, document.VerificationRequest{Document: []byte("revocation"), Signature: res.Signature}, nil, VerifyOptions{})
		require.NoError(t, err)
		assert.NotEmpty(t, vr.OCSPResponse)
		got := findings(vr.Report, "ocsp")
		require.Len(t, got, 1)
		assert.Equal(t, report.SeverityInfo, got[0].Severity)
		assert.Contains(t, got[0].Message, "responder")

		// The fetched response can be supplied on the next run.
		e2 := New(Config{TrustAnchors: []*x509.Certificate{ca.Cert}, DisableOCSPFetch: true})
		require.NoError(t, e2.Init(ctx, nil))
		defer e2.Close()
		vr2, err := e2.Verify(ctx, document.VerificationRequest{
			Document:      []byte("revocation"),
			Signature:     res.Signature,
			OCSPResponse:  vr.OCSPResponse,
			OCSPMandatory: true,
		}, nil, VerifyOptions{})
		require.NoError(t, err)
		assert.Contains(t, findings(vr2.Report, "ocsp")[0].Message, "supplied")
	})

	t.Run("[Unit] revoked", func(t *testing.T) {
		ca := testpki.NewCA(t)
		store := ocsp.NewMemoryStore(true)
		srv := ocspServer(t, ca, store)
		e, res := signWithIssuer(t, ca, Config{}, testpki.WithOCSPServer(srv.URL))
		chain, err := e.Certificates(ctx, 0)
		require.NoError(t, err)
		store.Revoke(chain.Signing.SerialNumber, time.Now().Add(-time.Minute), 1)

		_, err = e.Verify(ctx, document.VerificationRequest{Document: []byte("revocation"), Signature: res.Signature}, nil, VerifyOptions{})
		requireKind(t, err, status.KindRevocationCheckFailed)
	})

	t.Run("[Unit] embedded at signing", func(t *testing.T) {
		ca := testpki.NewCA(t)
		srv := ocspServer(t, ca, ocsp.NewMemoryStore(true))
		e, _ := signWithIssuer(t, ca, Config{DisableOCSPFetch: true}, testpki.WithOCSPServer(srv.URL))
		chain, err := e.Certificates(ctx, 0)
		require.NoError(t, err)
		check, err := (&ocsp.Client{}).Check(ctx, chain.Signing, ca.Cert)
		require.NoError(t, err)

		req := detached(textDoc("a.txt", "embedded ocsp"))
		req.OCSPResponse = check.Raw
		res := signOne(t, e, req)

		vr, err := e.Verify(ctx, document.VerificationRequest{Document: []byte("embedded ocsp"), Signature: res.Signature, OCSPMandatory: true}, nil, VerifyOptions{})
		require.NoError(t, err)
		assert.Contains(t, findings(vr.Report, "ocsp")[0].Message, "embedded")
	})

	t.Run("[Unit] unavailable", func(t *testing.T) {
		ca := testpki.NewCA(t)
		e, res := signWithIssuer(t, ca, Config{})
		req := document.VerificationRequest{Document: []byte("revocation"), Signature: res.Signature}

		vr, err := e.Verify(ctx, req, nil, VerifyOptions{})
		require.NoError(t, err)
		assert.Equal(t, 1, vr.Report.Count(report.SeverityWarning))

		req.OCSPMandatory = true
		_, err = e.Verify(ctx, req, nil, VerifyOptions{})
		requireKind(t, err, status.KindRevocationCheckFailed)
	})

	t.Run("[Unit] responder down", func(t *testing.T) {
		ca := testpki.NewCA(t)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down", http.StatusServiceUnavailable)
		}))
		defer srv.Close()
		e, res := signWithIssuer(t, ca, Config{}, testpki.WithOCSPServer(srv.URL))

		_, err := e.Verify(ctx, document.VerificationRequest{Document: []byte("revocation"), Signature: res.Signature, OCSPMandatory: true}, nil, VerifyOptions{})
		requireKind(t, err, status.KindRevocationCheckFailed)
	})
}

// signWithIssuer creates an engine with a credential issued by ca and signs
// "revocation" with it.
func signWithIssuer(t *testing.T, ca *testpki.CA, cfg Config, opts ...testpki.Template) (*Context, SignatureResult) {
	t.Helper()
	signer, cert := ca.IssueSigner(t, pkicrypto.AlgECDSAP256, opts...)
	cfg.TrustAnchors = []*x509.Certificate{ca.Cert}
	e := New(cfg)
	require.NoError(t, e.Init(context.Background(), newSource(t, signer, cert)))
	t.Cleanup(func() { _ = e.Close() })
	return e, signOne(t, e, detached(textDoc("a.txt", "revocation")))
}

// =============================================================================
// Functional Tests: Timestamps
// =============================================================================

func TestF_Sign_Timestamp(t *testing.T) {
	ctx := context.Background()
	tsaCA := testpki.NewCA(t)
	f := newFixture(t, Config{TSA: newTSA(t, tsaCA), TSARoots: tsaCA.Pool()})

	t.Run("[Unit] cms", func(t *testing.T) {
		req := detached(textDoc("a.txt", "timestamped"))
		req.Timestamp = true
		res := signOne(t, f.engine, req)
		require.NotEmpty(t, res.TimestampToken)

		vr, err := f.engine.Verify(ctx, document.VerificationRequest{Document: []byte("timestamped"), Signature: res.Signature}, nil,
			VerifyOptions{RequireTimestamp: true})
		require.NoError(t, err)
		assert.False(t, vr.TimestampTime.IsZero())
		assert.Equal(t, report.SeverityInfo, findings(vr.Report, "timestamp")[0].Severity)
	})

	t.Run("[Unit] pdf", func(t *testing.T) {
		res := signOne(t, f.engine, document.SignatureRequest{
			Document:  document.Document{Name: "a.pdf", Data: minimalPDF(), Kind: document.KindPDF},
			Format:    document.FormatPDF,
			Timestamp: true,
		})
		require.NotEmpty(t, res.TimestampToken)
		vr, err := f.engine.Verify(ctx, document.VerificationRequest{Signature: res.Signature}, nil, VerifyOptions{RequireTimestamp: true})
		require.NoError(t, err)
		assert.False(t, vr.TimestampTime.IsZero())
	})

	t.Run("[Unit] required but missing", func(t *testing.T) {
		res := signOne(t, f.engine, detached(textDoc("a.txt", "plain")))
		req := document.VerificationRequest{Document: []byte("plain"), Signature: res.Signature}
		_, err := f.engine.Verify(ctx, req, nil, VerifyOptions{})
		require.NoError(t, err)
		_, err = f.engine.Verify(ctx, req, nil, VerifyOptions{RequireTimestamp: true})
		requireKind(t, err, status.KindSignatureInvalid)
	})

	t.Run("[Unit] untrusted TSA is a warning", func(t *testing.T) {
		other := testpki.NewCA(t)
		e := New(Config{TrustAnchors: []*x509.Certificate{f.ca.Cert}, TSARoots: other.Pool()})
		require.NoError(t, e.Init(ctx, nil))
		defer e.Close()

		req := detached(textDoc("a.txt", "timestamped"))
		req.Timestamp = true
		res := signOne(t, f.engine, req)
		vr, err := e.Verify(ctx, document.VerificationRequest{Document: []byte("timestamped"), Signature: res.Signature}, nil, VerifyOptions{})
		require.NoError(t, err)
		assert.Equal(t, report.SeverityWarning, findings(vr.Report, "timestamp")[0].Severity)
	})
}

func TestF_Verify_EvidenceRecord(t *testing.T) {
	ctx := context.Background()
	tsaCA := testpki.NewCA(t)
	authority := newTSA(t, tsaCA)
	f := newFixture(t, Config{TSARoots: tsaCA.Pool()})

	res := signOne(t, f.engine, detached(textDoc("a.txt", "archived")))
	er, err := ers.New(ctx, authority, crypto.SHA256, res.Signature)
	require.NoError(t, err)
	der, err := er.Marshal()
	require.NoError(t, err)

	vr, err := f.engine.Verify(ctx, document.VerificationRequest{
		Document:        []byte("archived"),
		Signature:       res.Signature,
		EvidenceRecords: [][]byte{der, []byte("junk")},
	}, nil, VerifyOptions{})
	require.NoError(t, err)
	got := findings(vr.Report, "evidence")
	require.Len(t, got, 2)
	assert.Equal(t, report.SeverityInfo, got[0].Severity)
	assert.Equal(t, report.SeverityWarning, got[1].Severity)
}

// =============================================================================
// Functional Tests: PDF revisions
// =============================================================================

func TestF_Verify_PDFUpdatedAfterSigning(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	res := signOne(t, f.engine, document.SignatureRequest{
		Document: document.Document{Name: "a.pdf", Data: minimalPDF(), Kind: document.KindPDF},
		Format:   document.FormatPDF,
	})
	// An incremental update that is not a signature.
	updated := append(bytes.Clone(res.Signature), []byte("\n% appended comment\n")...)

	_, err := f.engine.Verify(ctx, document.VerificationRequest{Signature: updated}, nil, VerifyOptions{})
	requireKind(t, err, status.KindDocumentMismatch)

	vr, err := f.engine.Verify(ctx, document.VerificationRequest{Signature: updated, AllowResign: true}, nil, VerifyOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, vr.Report.Count(report.SeverityWarning))
}

func TestF_Verify_PDFSignedTwice(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	first := signOne(t, f.engine, document.SignatureRequest{
		Document: document.Document{Name: "a.pdf", Data: minimalPDF(), Kind: document.KindPDF},
		Format:   document.FormatPDF,
	})
	second := signOne(t, f.engine, document.SignatureRequest{
		Document: document.Document{Name: "a.pdf", Data: first.Signature, Kind: document.KindPDF},
		Format:   document.FormatPDF,
	})

	vr, err := f.engine.Verify(ctx, document.VerificationRequest{Signature: second.Signature}, nil, VerifyOptions{})
	require.NoError(t, err)
	assert.Len(t, vr.Signers, 2)
	assert.Len(t, vr.Report.Signers, 2)
}

// =============================================================================
// Unit Tests: Outputs
// =============================================================================

func TestU_Verify_ReportAndCapacity(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	res := signOne(t, f.engine, detached(textDoc("a.txt", "report content")))
	req := document.VerificationRequest{Document: []byte("report content"), Signature: res.Signature, Report: true}

	vr, err := f.engine.Verify(ctx, req, nil, VerifyOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, vr.ReportHTML)
	assert.Contains(t, string(vr.ReportHTML), "VALID")
	assert.Contains(t, string(vr.ReportHTML), "Alice Signer")
	assert.Contains(t, vr.Report.Text(), "cms-detached")

	req.Capacity = 10
	_, err = f.engine.Verify(ctx, req, nil, VerifyOptions{})
	requireKind(t, err, status.KindBufferTooSmall)
	required, ok := RequiredSize(err)
	require.True(t, ok)
	assert.Equal(t, len(vr.ReportHTML), required)

	req = document.VerificationRequest{Document: []byte("report content"), Signature: res.Signature, ExtractContent: true, Capacity: 3}
	_, err = f.engine.Verify(ctx, req, nil, VerifyOptions{})
	requireKind(t, err, status.KindBufferTooSmall)
	required, _ = RequiredSize(err)
	assert.Equal(t, len("report content"), required)
}

func TestU_Verify_ExplicitFormatMismatch(t *testing.T) {
	f := newFixture(t, Config{})
	res := signOne(t, f.engine, detached(textDoc("a.txt", "cms")))
	_, err := f.engine.Verify(context.Background(), document.VerificationRequest{
		Document:  []byte("cms"),
		Signature: res.Signature,
		Format:    document.FormatCOSESign1,
	}, nil, VerifyOptions{})
	requireKind(t, err, status.KindSignatureInvalid)
}
