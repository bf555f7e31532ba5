package engine

import (
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/remiblancher/qsign/internal/audit"
	pkicrypto "github.com/remiblancher/qsign/internal/crypto"
	"github.com/remiblancher/qsign/pkg/cms"
	"github.com/remiblancher/qsign/pkg/cose"
	"github.com/remiblancher/qsign/pkg/credential"
	"github.com/remiblancher/qsign/pkg/document"
	"github.com/remiblancher/qsign/pkg/pdfsig"
	"github.com/remiblancher/qsign/pkg/status"
	"github.com/remiblancher/qsign/pkg/xmldsig"
)

// SignatureResult is the outcome of signing one document.
type SignatureResult struct {
	ID           uuid.UUID
	DocumentName string
	Format       document.Format
	// Signature is the CMS or COSE signature, or the signed PDF or XML
	// document.
	Signature []byte
	// EncryptedSignature is Signature enveloped for the recipients.
	EncryptedSignature []byte
	// TimestampToken is the RFC 3161 token over the signature value.
	TimestampToken []byte
	// Err is nil on success.
	Err *status.Error
}

// Sign signs every request with the credential of the context. Requests are
// signed concurrently and independently: a failing document sets Err in its
// result and does not affect the others. The returned error covers failures
// of the whole call (not initialized, empty or oversized batch).
//
// With recipients, each signature is also encrypted as CMS EnvelopedData.
// A request without a format is signed in the default format of its
// document kind.
func (c *Context) Sign(ctx context.Context, reqs []document.SignatureRequest, recipients []*x509.Certificate) ([]SignatureResult, error) {
	const op = "sign"
	src, done, err := c.source(op)
	if err != nil {
		return nil, err
	}
	defer done()
	switch {
	case len(reqs) == 0:
		return nil, c.fail(op, status.New(status.KindInvalidRequest, op, "no documents to sign"))
	case len(reqs) > c.cfg.SignatureLimit:
		return nil, c.fail(op, status.New(status.KindInvalidRequest, op,
			"%d documents exceed the signature limit of %d", len(reqs), c.cfg.SignatureLimit))
	}
	if err := ctx.Err(); err != nil {
		return nil, c.fail(op, err)
	}
	c.metrics.RecordBatch(len(reqs))

	chain, err := src.Certificates(ctx)
	if err != nil {
		return nil, c.fail(op, err)
	}

	results := make([]SignatureResult, len(reqs))
	var g errgroup.Group
	g.SetLimit(c.cfg.Parallelism)
	for i := range reqs {
		req := reqs[i]
		if req.Format == document.FormatAuto {
			req.Format = req.Document.Kind.DefaultFormat()
		}
		g.Go(func() error {
			results[i] = c.signOne(ctx, src, chain, &req, recipients)
			return nil
		})
	}
	_ = g.Wait()

	for i := range results {
		if results[i].Err != nil {
			c.fail(op, results[i].Err)
		}
	}
	return results, nil
}

func (c *Context) signOne(ctx context.Context, src credential.Source, chain *credential.Chain, req *document.SignatureRequest, recipients []*x509.Certificate) SignatureResult {
	const op = "sign"
	start := c.cfg.Now()
	res := SignatureResult{ID: uuid.New(), DocumentName: req.Document.Name, Format: req.Format}
	log := c.log.With(zap.String("id", res.ID.String()), zap.String("document", req.Document.Name), zap.Stringer("format", req.Format))

	err := c.sign(ctx, src, chain, req, recipients, &res)
	res.Err = classify(op, err)
	kind := status.KindOf(err)
	c.metrics.RecordSign(req.Format.String(), kind, time.Since(start))

	digest := sha256.Sum256(req.Document.Data)
	event := audit.NewEvent(audit.EventSign, audit.ResultOf(err)).
		WithObject(audit.Object{
			Type:   "document",
			Name:   req.Document.Name,
			Digest: hex.EncodeToString(digest[:]),
			Signer: chain.Signing.Subject.String(),
			Serial: fmt.Sprintf("%X", chain.Signing.SerialNumber),
		}).
		WithDetails(audit.Details{
			Format:    req.Format.String(),
			Algorithm: src.Algorithm().String(),
			Count:     len(recipients),
			RequestID: res.ID.String(),
		})
	if err != nil {
		event.Details.Status = kind.String()
		log.Warn("signing failed", zap.Error(err))
	} else {
		log.Info("document signed", zap.Int("size", len(res.Signature)), zap.Bool("timestamp", res.TimestampToken != nil))
	}
	c.record(event)
	return res
}

func (c *Context) sign(ctx context.Context, src credential.Source, chain *credential.Chain, req *document.SignatureRequest, recipients []*x509.Certificate, res *SignatureResult) error {
	const op = "sign"
	if err := req.Validate(); err != nil {
		return err
	}
	if req.Timestamp && c.cfg.TSA == nil {
		return status.New(status.KindInvalidRequest, op, "timestamp requested but no TSA is configured")
	}
	if req.PSS && !src.Algorithm().IsRSA() {
		return status.New(status.KindInvalidRequest, op, "PSS padding needs an RSA credential, got %s", src.Algorithm())
	}
	hash := c.hashFor(req.Hash, src.Algorithm())
	signer := credential.AsSigner(ctx, src)
	data := req.Document.Data

	var (
		sig []byte
		err error
	)
	switch req.Format {
	case document.FormatCMSDetached, document.FormatCMSEmbedded:
		sig, res.TimestampToken, err = c.signCMS(ctx, signer, chain, hash, req, data)
	case document.FormatPDF:
		sig, res.TimestampToken, err = c.signPDF(ctx, signer, chain, hash, req)
	case document.FormatXMLDSig:
		sig, err = xmldsig.Sign(ctx, data, xmlConfig(signer, chain, hash, req.XML))
	case document.FormatCOSESign1:
		sig, err = cose.Sign1(ctx, data, &cose.SignConfig{
			Signer:      signer,
			Certificate: chain.Signing,
			Chain:       chain.Intermediates,
			Hash:        hash,
			ContentType: req.Document.MIMEType,
			Detached:    true,
			PSS:         req.PSS,
		})
	}
	if err != nil {
		return formatError(op, err)
	}
	if req.Capacity > 0 && len(sig) > req.Capacity {
		return status.TooSmall(op, len(sig), req.Capacity)
	}
	res.Signature = sig

	if len(recipients) > 0 {
		env, err := cms.Encrypt(sig, &cms.EncryptOptions{Recipients: recipients})
		if err != nil {
			return status.Wrap(status.KindInvalidRequest, op, fmt.Errorf("failed to encrypt signature: %w", err))
		}
		res.EncryptedSignature = env
	}
	return nil
}

// hashFor resolves the digest of a request. Unset means the credential
// default.
func (c *Context) hashFor(h document.HashAlgorithm, alg pkicrypto.AlgorithmID) crypto.Hash {
	if h == document.HashDefault {
		return cms.DefaultDigest(alg)
	}
	hash, _ := h.Hash()
	return hash
}

func (c *Context) cmsConfig(signer crypto.Signer, chain *credential.Chain, hash crypto.Hash, detached bool, req *document.SignatureRequest) *cms.SignerConfig {
	cfg := &cms.SignerConfig{
		Signer:      signer,
		Certificate: chain.Signing,
		Chain:       chain.Intermediates,
		Hash:        hash,
		SigningTime: c.cfg.Now(),
		Detached:    detached,
		PSS:         req.PSS,
	}
	if len(req.OCSPResponse) > 0 {
		cfg.OCSPResponses = [][]byte{req.OCSPResponse}
	}
	return cfg
}

func (c *Context) signCMS(ctx context.Context, signer crypto.Signer, chain *credential.Chain, hash crypto.Hash, req *document.SignatureRequest, data []byte) ([]byte, []byte, error) {
	cfg := c.cmsConfig(signer, chain, hash, req.Format == document.FormatCMSDetached, req)
	var (
		sig []byte
		err error
	)
	if len(req.PriorSignature) > 0 {
		sig, err = cms.CoSign(ctx, req.PriorSignature, data, cfg)
	} else {
		sig, err = cms.Sign(ctx, data, cfg)
	}
	if err != nil || !req.Timestamp {
		return sig, nil, err
	}
	return c.timestampLastSigner(ctx, sig, hash)
}

// timestampLastSigner attaches a timestamp over the signature value of the
// newest SignerInfo.
func (c *Context) timestampLastSigner(ctx context.Context, sig []byte, hash crypto.Hash) ([]byte, []byte, error) {
	sd, err := cms.ParseSignedData(sig)
	if err != nil {
		return nil, nil, err
	}
	idx := len(sd.SignerInfos) - 1
	digest, err := pkicrypto.Digest(hash, sd.SignerInfos[idx].Signature)
	if err != nil {
		return nil, nil, err
	}
	token, err := c.cfg.TSA.TimestampDigest(ctx, hash, digest)
	if err != nil {
		return nil, nil, fmt.Errorf("timestamp request failed: %w", err)
	}
	out, err := cms.AddTimestamp(sig, idx, token.Raw)
	if err != nil {
		return nil, nil, err
	}
	return out, token.Raw, nil
}

func (c *Context) signPDF(ctx context.Context, signer crypto.Signer, chain *credential.Chain, hash crypto.Hash, req *document.SignatureRequest) ([]byte, []byte, error) {
	var token []byte
	cfg := &pdfsig.SignConfig{
		Sign: func(ctx context.Context, content []byte) ([]byte, error) {
			sig, err := cms.Sign(ctx, content, c.cmsConfig(signer, chain, hash, true, req))
			if err != nil || !req.Timestamp {
				return sig, err
			}
			sig, token, err = c.timestampLastSigner(ctx, sig, hash)
			return sig, err
		},
		SignerName:  chain.Signing.Subject.CommonName,
		SigningTime: c.cfg.Now(),
	}
	if a := req.Annotation; a != nil {
		cfg.Reason = a.Reason
		cfg.Location = a.Location
		cfg.ContactInfo = a.ContactInfo
		cfg.FieldName = a.FormFieldName
		cfg.OutlineName = a.OutlineName
		cfg.Appearance = pdfsig.Appearance{
			Visible:     a.Display,
			Position:    int(a.Position),
			Width:       a.Width,
			Height:      a.Height,
			ShowDate:    a.ShowDate,
			Labels:      pdfsig.Labels(a.Labels),
			Transparent: a.Transparent,
		}
	}
	sig, err := pdfsig.Sign(ctx, req.Document.Data, cfg)
	return sig, token, err
}

func xmlConfig(signer pkicrypto.Signer, chain *credential.Chain, hash crypto.Hash, opts *document.XMLOptions) *xmldsig.SignConfig {
	cfg := &xmldsig.SignConfig{
		Signer:      signer,
		Certificate: chain.Signing,
		Chain:       chain.Intermediates,
		Hash:        hash,
	}
	if opts == nil {
		return cfg
	}
	cfg.SignatureID = opts.SignatureID
	cfg.NodePath = opts.NodePath
	cfg.NodeNamespaces = opts.NodeNamespaces
	cfg.Prefix = opts.Prefix
	for _, f := range opts.Filters {
		cfg.Filters = append(cfg.Filters, xmldsig.Filter{
			Kind:       xmldsig.FilterKind(f.Kind.String()),
			Expr:       f.Expr,
			Namespaces: f.Namespaces,
		})
	}
	return cfg
}
