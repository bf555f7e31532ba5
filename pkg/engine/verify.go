package engine

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/remiblancher/qsign/internal/audit"
	"github.com/remiblancher/qsign/pkg/cms"
	"github.com/remiblancher/qsign/pkg/cose"
	"github.com/remiblancher/qsign/pkg/document"
	"github.com/remiblancher/qsign/pkg/ers"
	"github.com/remiblancher/qsign/pkg/ocsp"
	"github.com/remiblancher/qsign/pkg/pdfsig"
	"github.com/remiblancher/qsign/pkg/report"
	"github.com/remiblancher/qsign/pkg/status"
	"github.com/remiblancher/qsign/pkg/tsa"
	"github.com/remiblancher/qsign/pkg/xmldsig"
)

// VerifyOptions tunes one verification.
type VerifyOptions struct {
	// Intermediates complete the chains in addition to the certificates
	// carried by the signature.
	Intermediates []*x509.Certificate
	// CurrentTime is the validation time (default: now).
	CurrentTime time.Time
	// RequireTimestamp fails signatures without a valid timestamp, in
	// addition to Config.RequireTimestamp.
	RequireTimestamp bool
}

// VerificationResult is the outcome of a verification.
type VerificationResult struct {
	ID     uuid.UUID
	Format document.Format
	// Status is nil when the signature is valid.
	Status *status.Error
	// OCSPResponse is the response the revocation check relied on.
	OCSPResponse []byte
	Report       *report.Report
	// ReportHTML is set when the request asked for the report.
	ReportHTML []byte
	// Content is the signed content when extraction was requested.
	Content       []byte
	Signers       []*x509.Certificate
	SigningTime   time.Time
	TimestampTime time.Time
}

// Valid reports whether the signature verified.
func (r *VerificationResult) Valid() bool { return r.Status == nil }

// signed is one signature found in the container.
type signed struct {
	label       string
	cert        *x509.Certificate
	certs       []*x509.Certificate
	signingTime time.Time
	// value is the signature value a timestamp token covers.
	value     []byte
	timestamp []byte
	ocsp      [][]byte
}

type verification struct {
	c    *Context
	ctx  context.Context
	req  *document.VerificationRequest
	opts VerifyOptions
	at   time.Time

	anchors []*x509.Certificate
	rep     *report.Report
	res     *VerificationResult
	content []byte
}

// Verify checks the signature of req against trustAnchors (the configured
// anchors when empty). The result is returned for completed verifications
// even when the signature is not valid; the error is then res.Status.
func (c *Context) Verify(ctx context.Context, req document.VerificationRequest, trustAnchors []*x509.Certificate, opts VerifyOptions) (*VerificationResult, error) {
	const op = "verify"
	_, done, err := c.begin(op)
	if err != nil {
		return nil, err
	}
	defer done()
	if err := req.Validate(); err != nil {
		return nil, c.fail(op, err)
	}
	start := c.cfg.Now()

	format := req.Format
	if format == document.FormatAuto {
		format = document.DetectFormat(req.Signature)
	}
	if format == document.FormatAuto {
		return nil, c.fail(op, status.New(status.KindSignatureInvalid, op, "unrecognized signature format"))
	}

	at := opts.CurrentTime
	if at.IsZero() {
		at = start
	}
	if len(trustAnchors) == 0 {
		trustAnchors = c.cfg.TrustAnchors
	}
	opts.RequireTimestamp = opts.RequireTimestamp || c.cfg.RequireTimestamp

	rep := report.New("Signature verification", start)
	rep.Format = format.String()
	res := &VerificationResult{ID: uuid.New(), Format: format, Report: rep}
	v := &verification{c: c, ctx: ctx, req: &req, opts: opts, at: at, anchors: trustAnchors, rep: rep, res: res}
	v.run(format)

	if err := v.finish(); err != nil {
		return nil, c.fail(op, err)
	}
	if !rep.Valid() {
		res.Status = status.New(rep.Status, op, "%s", firstError(rep))
	}

	c.metrics.RecordVerify(format.String(), rep.Status, time.Since(start))
	digest := sha256.Sum256(req.Signature)
	result := audit.ResultSuccess
	if res.Status != nil {
		result = audit.ResultFailure
	}
	event := audit.NewEvent(audit.EventVerify, result).
		WithObject(audit.Object{Type: "signature", Digest: hex.EncodeToString(digest[:])}).
		WithDetails(audit.Details{Format: format.String(), RequestID: res.ID.String()})
	if len(res.Signers) > 0 {
		event.Object.Signer = res.Signers[0].Subject.String()
		event.Object.Serial = fmt.Sprintf("%X", res.Signers[0].SerialNumber)
	}
	if res.Status != nil {
		event.Details.Status = res.Status.Kind.String()
	}
	c.record(event)
	c.log.Info("signature verified",
		zap.String("id", res.ID.String()),
		zap.Stringer("format", format),
		zap.String("status", rep.StatusText()),
		zap.Int("warnings", rep.Count(report.SeverityWarning)))

	if res.Status != nil {
		return res, c.fail(op, res.Status)
	}
	return res, nil
}

func firstError(rep *report.Report) string {
	for _, f := range rep.Findings {
		if f.Severity == report.SeverityError {
			return f.Check + ": " + f.Message
		}
	}
	return rep.StatusText()
}

func (v *verification) run(format document.Format) {
	var sigs []*signed
	var err error
	switch format {
	case document.FormatCMSDetached, document.FormatCMSEmbedded:
		sigs, err = v.parseCMS()
	case document.FormatPDF:
		sigs, err = v.parsePDF()
	case document.FormatXMLDSig:
		sigs, err = v.parseXML()
	case document.FormatCOSESign1:
		sigs, err = v.parseCOSE()
	}
	if err != nil {
		e := verifyError("verify", err)
		v.rep.Fail(e.Kind, "signature", "%v", err)
		return
	}

	for i, s := range sigs {
		v.res.Signers = append(v.res.Signers, s.cert)
		v.rep.Signers = append(v.rep.Signers, report.SignerFrom(s.cert, s.signingTime))
		if i == 0 {
			v.res.SigningTime = s.signingTime
		}
		v.rep.Info("signature", "%s: signature value is valid", s.label)

		chain := v.checkChain(s)
		if chain != nil {
			v.checkRevocation(s, chain)
		}
		v.checkTimestamp(s)
	}
	v.checkEvidence()
}

func (v *verification) parseCMS() ([]*signed, error) {
	res, err := cms.Verify(v.req.Signature, &cms.VerifyConfig{Data: nonEmpty(v.req.Document), SkipCertVerify: true})
	if err != nil {
		return nil, err
	}
	v.content = res.Content
	return fromCMS(res, ""), nil
}

func fromCMS(res *cms.VerifyResult, prefix string) []*signed {
	var out []*signed
	for _, s := range res.Signers {
		out = append(out, &signed{
			label:       fmt.Sprintf("%ssigner %d", prefix, s.Index+1),
			cert:        s.Certificate,
			certs:       res.Certificates,
			signingTime: s.SigningTime,
			value:       s.Signature,
			timestamp:   s.TimestampToken,
			ocsp:        res.OCSPResponses,
		})
	}
	return out
}

func (v *verification) parsePDF() ([]*signed, error) {
	sigs, err := pdfsig.Signatures(v.req.Signature)
	if err != nil {
		return nil, err
	}
	var out []*signed
	for i, s := range sigs {
		res, err := cms.Verify(s.Contents, &cms.VerifyConfig{Data: s.Content, SkipCertVerify: true})
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", s.FieldName, err)
		}
		if !s.CoversDocument {
			switch {
			case i < len(sigs)-1:
				v.rep.Info("document", "field %q: followed by a later revision", s.FieldName)
			case v.req.AllowResign:
				v.rep.Warn("document", "field %q: document was updated after signing", s.FieldName)
			default:
				v.rep.Fail(status.KindDocumentMismatch, "document", "field %q: document was modified after signing", s.FieldName)
			}
		}
		found := fromCMS(res, fmt.Sprintf("field %q ", s.FieldName))
		for _, f := range found {
			if f.signingTime.IsZero() {
				f.signingTime = s.SigningTime
			}
		}
		out = append(out, found...)
	}
	v.content = v.req.Signature
	return out, nil
}

func (v *verification) parseXML() ([]*signed, error) {
	res, err := xmldsig.Verify(v.req.Signature, &xmldsig.VerifyConfig{})
	if err != nil {
		return nil, err
	}
	v.content = v.req.Signature
	label := "signature"
	if res.SignatureID != "" {
		label = fmt.Sprintf("signature %q", res.SignatureID)
	}
	return []*signed{{label: label, cert: res.Certificate, certs: res.Certificates}}, nil
}

func (v *verification) parseCOSE() ([]*signed, error) {
	res, err := cose.Verify(v.req.Signature, &cose.VerifyConfig{Payload: nonEmpty(v.req.Document)})
	if err != nil {
		return nil, err
	}
	v.content = res.Payload
	return []*signed{{label: "signer 1", cert: res.Certificate, certs: res.Message.Certificates}}, nil
}

func nonEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

// checkChain validates the signer certificate and returns the verified
// chain, nil on failure.
func (v *verification) checkChain(s *signed) []*x509.Certificate {
	if len(v.anchors) == 0 {
		v.rep.Fail(status.KindCertificateUntrusted, "chain", "%s: no trust anchors configured", s.label)
		return nil
	}
	roots := x509.NewCertPool()
	for _, a := range v.anchors {
		roots.AddCert(a)
	}
	inter := x509.NewCertPool()
	for _, cert := range append(append([]*x509.Certificate(nil), s.certs...), v.opts.Intermediates...) {
		if !cert.Equal(s.cert) {
			inter.AddCert(cert)
		}
	}
	chains, err := s.cert.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: inter,
		CurrentTime:   v.at,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		v.rep.Fail(status.KindCertificateUntrusted, "chain", "%s: %v", s.label, err)
		return nil
	}
	chain := chains[0]
	v.rep.Info("chain", "%s: chain of %d certificates to %q", s.label, len(chain), chain[len(chain)-1].Subject.CommonName)
	v.checkEmbedded(s, chain, roots, inter)
	return chain
}

// checkEmbedded requires every other certificate the signature carries to
// be a trust anchor or to chain to one. The certificate set is not covered
// by the signature value, so this is what detects a tampered copy.
func (v *verification) checkEmbedded(s *signed, chain []*x509.Certificate, roots, inter *x509.CertPool) {
	for _, cert := range s.certs {
		if containsCert(chain, cert) || containsCert(v.anchors, cert) {
			continue
		}
		_, err := cert.Verify(x509.VerifyOptions{
			Roots:         roots,
			Intermediates: inter,
			CurrentTime:   v.at,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		})
		if err != nil {
			v.rep.Fail(status.KindSignatureInvalid, "certificates", "%s: embedded certificate %q does not verify: %v",
				s.label, cert.Subject.CommonName, err)
		}
	}
}

func containsCert(certs []*x509.Certificate, cert *x509.Certificate) bool {
	for _, c := range certs {
		if c.Equal(cert) {
			return true
		}
	}
	return false
}

// checkRevocation uses the supplied OCSP response, then the embedded ones,
// then asks the responder.
func (v *verification) checkRevocation(s *signed, chain []*x509.Certificate) {
	if len(chain) < 2 {
		v.rep.Info("ocsp", "%s: certificate is a trust anchor, revocation not checked", s.label)
		return
	}
	cert, issuer := chain[0], chain[1]
	cfg := &ocsp.VerifyConfig{IssuerCert: issuer, Certificate: cert, CurrentTime: v.at}

	var (
		result *ocsp.VerifyResult
		source string
	)
	if len(v.req.OCSPResponse) > 0 {
		r, err := ocsp.Verify(v.req.OCSPResponse, cfg)
		if err != nil {
			v.rep.Warn("ocsp", "%s: supplied response rejected: %v", s.label, err)
		} else {
			result, source = r, "supplied"
		}
	}
	for _, raw := range s.ocsp {
		if result != nil {
			break
		}
		if r, err := ocsp.Verify(raw, cfg); err == nil {
			result, source = r, "embedded"
		}
	}
	var fetchErr error
	if result == nil && !v.c.cfg.DisableOCSPFetch && (v.c.ocsp.URL != "" || len(cert.OCSPServer) > 0) {
		if result, fetchErr = v.c.ocsp.Check(v.ctx, cert, issuer); fetchErr == nil {
			source = "responder"
		}
	}

	if result == nil {
		reason := "no OCSP response available"
		if fetchErr != nil {
			reason = fmt.Sprintf("OCSP request failed: %v", fetchErr)
		}
		v.indeterminate(s, reason)
		return
	}
	if v.res.OCSPResponse == nil {
		v.res.OCSPResponse = result.Raw
	}
	switch result.CertStatus {
	case ocsp.CertStatusGood:
		v.rep.Info("ocsp", "%s: good (%s response produced %s)", s.label, source, result.ProducedAt.UTC().Format(time.RFC3339))
	case ocsp.CertStatusRevoked:
		v.rep.Fail(status.KindRevocationCheckFailed, "ocsp", "%s: revoked at %s", s.label, result.RevocationTime.UTC().Format(time.RFC3339))
	default:
		v.indeterminate(s, "responder does not know the certificate")
	}
}

func (v *verification) indeterminate(s *signed, reason string) {
	if v.req.OCSPMandatory {
		v.rep.Fail(status.KindRevocationCheckFailed, "ocsp", "%s: %s", s.label, reason)
		return
	}
	v.rep.Warn("ocsp", "%s: %s", s.label, reason)
}

func (v *verification) checkTimestamp(s *signed) {
	if len(s.timestamp) == 0 {
		if v.opts.RequireTimestamp {
			v.rep.Fail(status.KindSignatureInvalid, "timestamp", "%s: no timestamp", s.label)
		}
		return
	}
	r, err := tsa.Verify(s.timestamp, &tsa.VerifyConfig{Roots: v.c.cfg.TSARoots, Data: s.value, CurrentTime: v.at})
	if err != nil {
		if v.opts.RequireTimestamp {
			v.rep.Fail(status.KindSignatureInvalid, "timestamp", "%s: %v", s.label, err)
		} else {
			v.rep.Warn("timestamp", "%s: %v", s.label, err)
		}
		return
	}
	if v.res.TimestampTime.IsZero() {
		v.res.TimestampTime = r.GenTime
	}
	note := ""
	if v.c.cfg.TSARoots == nil {
		note = " (TSA chain not validated)"
	}
	v.rep.Info("timestamp", "%s: timestamped at %s%s", s.label, r.GenTime.UTC().Format(time.RFC3339), note)
}

func (v *verification) checkEvidence() {
	for i, raw := range v.req.EvidenceRecords {
		er, err := ers.Parse(raw)
		if err != nil {
			v.rep.Warn("evidence", "record %d: %v", i+1, err)
			continue
		}
		r, err := ers.Verify(er, v.req.Signature, &ers.VerifyConfig{Roots: v.c.cfg.TSARoots, CurrentTime: v.at})
		if err != nil {
			v.rep.Warn("evidence", "record %d: %v", i+1, err)
			continue
		}
		v.rep.Info("evidence", "record %d: existence proven since %s by %d archive timestamps",
			i+1, r.ProofTime.UTC().Format(time.RFC3339), len(r.Timestamps))
	}
}

// finish applies content extraction, report rendering and capacity.
func (v *verification) finish() error {
	const op = "verify"
	capacity := v.req.Capacity
	if v.req.ExtractContent {
		if capacity > 0 && len(v.content) > capacity {
			return status.TooSmall(op, len(v.content), capacity)
		}
		v.res.Content = v.content
	}
	if v.req.Report {
		html, err := v.rep.HTML()
		if err != nil {
			return status.Wrap(status.KindEngineFailure, op, err)
		}
		if capacity > 0 && len(html) > capacity {
			return status.TooSmall(op, len(html), capacity)
		}
		v.res.ReportHTML = html
	}
	return nil
}
