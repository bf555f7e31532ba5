// Package service provides business logic for the REST API.
package service

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	apierrors "github.com/remiblancher/qsign/internal/api/errors"
	"github.com/remiblancher/qsign/internal/api/dto"
	"github.com/remiblancher/qsign/pkg/credential"
	"github.com/remiblancher/qsign/pkg/document"
	"github.com/remiblancher/qsign/pkg/engine"
	"github.com/remiblancher/qsign/pkg/status"
)

// EngineService exposes a signature engine context to the REST API.
type EngineService struct {
	engine *engine.Context
}

// NewEngineService creates a new EngineService.
func NewEngineService(e *engine.Context) *EngineService {
	return &EngineService{engine: e}
}

func invalid(op, what string, err error) error {
	return status.New(status.KindInvalidRequest, op, "invalid %s: %v", what, err)
}

func decodeOptional(b *dto.BinaryData) ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	return b.Decode()
}

// decodeCertificates accepts PEM bundles or base64 DER per entry.
func decodeCertificates(items []dto.BinaryData) ([]*x509.Certificate, error) {
	var out []*x509.Certificate
	for i := range items {
		data, err := items[i].Decode()
		if err != nil {
			return nil, err
		}
		certs, err := credential.ParseCertificatesPEM(data)
		if err != nil {
			return nil, fmt.Errorf("certificate %d: %w", i, err)
		}
		out = append(out, certs...)
	}
	return out, nil
}

// Sign signs a batch of documents.
func (s *EngineService) Sign(ctx context.Context, req *dto.SignRequest) (*dto.SignResponse, error) {
	const op = "sign"
	reqs := make([]document.SignatureRequest, len(req.Documents))
	for i := range req.Documents {
		r, err := signatureRequest(&req.Documents[i])
		if err != nil {
			return nil, invalid(op, fmt.Sprintf("document %d", i), err)
		}
		reqs[i] = r
	}
	recipients, err := decodeCertificates(req.Recipients)
	if err != nil {
		return nil, invalid(op, "recipients", err)
	}

	results, err := s.engine.Sign(ctx, reqs, recipients)
	if err != nil {
		return nil, err
	}
	resp := &dto.SignResponse{Results: make([]dto.SignResult, len(results))}
	for i, r := range results {
		out := dto.SignResult{
			ID:                 r.ID.String(),
			Name:               r.DocumentName,
			Format:             r.Format.String(),
			Signature:          dto.NewBinaryData(r.Signature),
			EncryptedSignature: dto.NewBinaryData(r.EncryptedSignature),
			TimestampToken:     dto.NewBinaryData(r.TimestampToken),
		}
		if r.Err != nil {
			out.Error = apierrors.Describe(r.Err)
		}
		resp.Results[i] = out
	}
	return resp, nil
}

func signatureRequest(d *dto.SignDocument) (document.SignatureRequest, error) {
	data, err := d.Data.Decode()
	if err != nil {
		return document.SignatureRequest{}, err
	}
	doc := document.Document{Name: d.Name, Data: data, MIMEType: d.MIMEType}
	if d.Kind != "" {
		if doc.Kind, err = document.ParseKind(d.Kind); err != nil {
			return document.SignatureRequest{}, err
		}
	} else {
		doc.Kind = document.KindFromName(d.Name, data)
	}

	req := document.SignatureRequest{Document: doc, Hash: document.HashAlgorithm(d.Hash), Timestamp: d.Timestamp, PSS: d.PSS}
	if d.Format != "" {
		if req.Format, err = document.ParseFormat(d.Format); err != nil {
			return req, err
		}
	}
	if req.PriorSignature, err = decodeOptional(d.PriorSignature); err != nil {
		return req, err
	}
	if req.OCSPResponse, err = decodeOptional(d.OCSPResponse); err != nil {
		return req, err
	}

	if a := d.Annotation; a != nil {
		req.Annotation = &document.PDFAnnotation{
			Display:       a.Display,
			Reason:        a.Reason,
			Location:      a.Location,
			ContactInfo:   a.ContactInfo,
			Position:      document.Position(a.Position),
			Width:         a.Width,
			Height:        a.Height,
			ShowDate:      a.ShowDate,
			Transparent:   a.Transparent,
			FormFieldName: a.FormField,
			OutlineName:   a.Outline,
			Labels: document.AnnotationLabels{
				Reason:   a.ReasonLabel,
				Location: a.LocationLabel,
				Date:     a.DateLabel,
			},
		}
	}
	if x := d.XML; x != nil {
		opts := &document.XMLOptions{
			SignatureID:    x.SignatureID,
			NodePath:       x.NodePath,
			NodeNamespaces: x.NodeNamespaces,
			Prefix:         x.Prefix,
		}
		for _, f := range x.Filters {
			kind, err := document.ParseFilterKind(f.Kind)
			if err != nil {
				return req, err
			}
			opts.Filters = append(opts.Filters, document.Filter{Kind: kind, Expr: f.Expr, Namespaces: f.Namespaces})
		}
		req.XML = opts
	}
	return req, nil
}

// Verify verifies one signature. Invalid signatures produce a response,
// not an error.
func (s *EngineService) Verify(ctx context.Context, req *dto.VerifyRequest) (*dto.VerifyResponse, error) {
	const op = "verify"
	sig, err := req.Signature.Decode()
	if err != nil {
		return nil, invalid(op, "signature", err)
	}
	vreq := document.VerificationRequest{
		Signature:      sig,
		OCSPMandatory:  req.OCSPMandatory,
		AllowResign:    req.AllowResign,
		ExtractContent: req.ExtractContent,
		Report:         req.Report,
	}
	if vreq.Document, err = decodeOptional(req.Data); err != nil {
		return nil, invalid(op, "data", err)
	}
	if vreq.OCSPResponse, err = decodeOptional(req.OCSPResponse); err != nil {
		return nil, invalid(op, "ocsp_response", err)
	}
	for i := range req.EvidenceRecords {
		er, err := req.EvidenceRecords[i].Decode()
		if err != nil {
			return nil, invalid(op, "evidence_records", err)
		}
		vreq.EvidenceRecords = append(vreq.EvidenceRecords, er)
	}
	if req.Format != "" {
		if vreq.Format, err = document.ParseFormat(req.Format); err != nil {
			return nil, invalid(op, "format", err)
		}
	}
	anchors, err := decodeCertificates(req.TrustAnchors)
	if err != nil {
		return nil, invalid(op, "trust_anchors", err)
	}
	intermediates, err := decodeCertificates(req.Intermediates)
	if err != nil {
		return nil, invalid(op, "intermediates", err)
	}

	res, err := s.engine.Verify(ctx, vreq, anchors, engine.VerifyOptions{
		Intermediates:    intermediates,
		RequireTimestamp: req.RequireTimestamp,
	})
	if res == nil {
		return nil, err
	}

	resp := &dto.VerifyResponse{
		ID:           res.ID.String(),
		Valid:        res.Valid(),
		Format:       res.Format.String(),
		Status:       res.Report.StatusText(),
		OCSPResponse: dto.NewBinaryData(res.OCSPResponse),
		Content:      dto.NewBinaryData(res.Content),
		ReportHTML:   string(res.ReportHTML),
	}
	if res.Status != nil {
		resp.Error = apierrors.Describe(res.Status)
	}
	for _, cert := range res.Signers {
		resp.Signers = append(resp.Signers, certificateInfo(cert))
	}
	for _, f := range res.Report.Findings {
		resp.Findings = append(resp.Findings, dto.Finding{Severity: f.Severity.String(), Check: f.Check, Message: f.Message})
	}
	if !res.SigningTime.IsZero() {
		resp.SigningTime = res.SigningTime.UTC().Format(time.RFC3339)
	}
	if !res.TimestampTime.IsZero() {
		resp.TimestampTime = res.TimestampTime.UTC().Format(time.RFC3339)
	}
	return resp, nil
}

// Encrypt envelopes data for the recipients.
func (s *EngineService) Encrypt(ctx context.Context, req *dto.EncryptRequest) (*dto.EncryptResponse, error) {
	const op = "encrypt"
	data, err := req.Data.Decode()
	if err != nil {
		return nil, invalid(op, "data", err)
	}
	recipients, err := decodeCertificates(req.Recipients)
	if err != nil {
		return nil, invalid(op, "recipients", err)
	}
	env, err := s.engine.EncryptOnly(ctx, data, recipients)
	if err != nil {
		return nil, err
	}
	return &dto.EncryptResponse{EncryptedData: *dto.NewBinaryData(env), RecipientCount: len(recipients)}, nil
}

// Decrypt opens an envelope with the server credential.
func (s *EngineService) Decrypt(ctx context.Context, req *dto.DecryptRequest) (*dto.DecryptResponse, error) {
	env, err := req.EncryptedData.Decode()
	if err != nil {
		return nil, invalid("decrypt", "encrypted_data", err)
	}
	data, err := s.engine.Decrypt(ctx, env, 0)
	if err != nil {
		return nil, err
	}
	return &dto.DecryptResponse{Data: *dto.NewBinaryData(data)}, nil
}

// Certificates returns the credential certificates.
func (s *EngineService) Certificates(ctx context.Context) (*dto.CertificatesResponse, error) {
	chain, err := s.engine.Certificates(ctx, 0)
	if err != nil {
		return nil, err
	}
	resp := &dto.CertificatesResponse{Signing: certificateInfo(chain.Signing)}
	if chain.Authentication != nil && !chain.Authentication.Equal(chain.Signing) {
		info := certificateInfo(chain.Authentication)
		resp.Authentication = &info
	}
	if chain.Encryption != nil && !chain.Encryption.Equal(chain.Signing) {
		info := certificateInfo(chain.Encryption)
		resp.Encryption = &info
	}
	for _, c := range chain.Intermediates {
		resp.Intermediates = append(resp.Intermediates, certificateInfo(c))
	}
	return resp, nil
}

// Version describes the engine.
func (s *EngineService) Version() *dto.VersionResponse {
	return &dto.VersionResponse{Version: s.engine.Version(), SignatureLimit: s.engine.SignatureLimit()}
}

func certificateInfo(cert *x509.Certificate) dto.CertificateInfo {
	return dto.CertificateInfo{
		Subject:     cert.Subject.String(),
		Issuer:      cert.Issuer.String(),
		Serial:      fmt.Sprintf("%X", cert.SerialNumber),
		NotBefore:   cert.NotBefore.UTC().Format(time.RFC3339),
		NotAfter:    cert.NotAfter.UTC().Format(time.RFC3339),
		Certificate: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})),
	}
}
