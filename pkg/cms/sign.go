package cms

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"time"

	pkicrypto "github.com/remiblancher/qsign/internal/crypto"
)

// SignerConfig contains options for signing.
type SignerConfig struct {
	Signer      crypto.Signer
	Certificate *x509.Certificate
	// Chain holds intermediates embedded next to the signer certificate.
	Chain []*x509.Certificate
	// Hash is the digest algorithm; zero selects DefaultDigest.
	Hash        crypto.Hash
	SigningTime time.Time
	ContentType asn1.ObjectIdentifier
	// Detached leaves the content out of the SignedData.
	Detached bool
	// OmitCertificates leaves the certificate set empty.
	OmitCertificates bool
	// OCSPResponses are DER OCSPResponse values embedded as
	// RevocationInfoChoice other (RFC 5940).
	OCSPResponses [][]byte
	// PSS signs with RSASSA-PSS instead of PKCS#1 v1.5. RSA keys only.
	PSS bool
}

func (c *SignerConfig) algorithm() pkicrypto.AlgorithmID {
	if s, ok := c.Signer.(pkicrypto.Signer); ok {
		return s.Algorithm()
	}
	return pkicrypto.AlgorithmFromPublicKey(c.Signer.Public())
}

func (c *SignerConfig) validate() error {
	if c == nil || c.Signer == nil {
		return fmt.Errorf("signer is required")
	}
	if c.Certificate == nil {
		return fmt.Errorf("certificate is required")
	}
	return nil
}

// Sign creates a ContentInfo holding a SignedData over content with one
// SignerInfo.
func Sign(ctx context.Context, content []byte, config *SignerConfig) ([]byte, error) {
	if err := config.validate(); err != nil {
		return nil, NewCMSError("sign", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, NewCMSError("sign", err)
	}

	contentType := config.ContentType
	if len(contentType) == 0 {
		contentType = OIDData
	}

	si, digestAlg, err := newSignerInfo(content, contentType, config)
	if err != nil {
		return nil, NewCMSError("sign", err)
	}

	sd := &SignedData{
		DigestAlgorithms: []pkix.AlgorithmIdentifier{digestAlg},
		EncapContentInfo: EncapsulatedContentInfo{EContentType: contentType},
		SignerInfos:      []SignerInfo{si},
	}
	if !config.Detached {
		if err := sd.setContent(content); err != nil {
			return nil, NewCMSError("sign", err)
		}
	}
	if !config.OmitCertificates {
		sd.addCertificates(append([]*x509.Certificate{config.Certificate}, config.Chain...))
	}
	for _, resp := range config.OCSPResponses {
		if err := sd.AddOCSPResponse(resp); err != nil {
			return nil, NewCMSError("sign", err)
		}
	}
	return sd.Marshal()
}

// CoSign appends a SignerInfo to an existing SignedData. content is the
// signed data for detached signatures and may be nil when prior embeds it.
// The new signature must cover the same content.
func CoSign(ctx context.Context, prior, content []byte, config *SignerConfig) ([]byte, error) {
	if err := config.validate(); err != nil {
		return nil, NewCMSError("cosign", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, NewCMSError("cosign", err)
	}

	sd, err := ParseSignedData(prior)
	if err != nil {
		return nil, NewCMSError("cosign", err)
	}
	if _, err := sd.ParsedCertificates(); err != nil {
		return nil, NewCMSError("cosign", err)
	}

	embedded, hasContent := sd.Content()
	switch {
	case hasContent && content != nil && string(embedded) != string(content):
		return nil, NewCMSError("cosign", fmt.Errorf("%w: content differs from the embedded content", ErrDigestMismatch))
	case hasContent:
		content = embedded
	case content == nil:
		return nil, NewCMSError("cosign", ErrNoContent)
	}

	// Existing signers must already cover this content.
	for i := range sd.SignerInfos {
		if err := checkMessageDigest(&sd.SignerInfos[i], content); err != nil {
			return nil, NewCMSError("cosign", err)
		}
	}

	si, digestAlg, err := newSignerInfo(content, sd.EncapContentInfo.EContentType, config)
	if err != nil {
		return nil, NewCMSError("cosign", err)
	}
	sd.SignerInfos = append(sd.SignerInfos, si)
	sd.addDigestAlgorithm(digestAlg)
	if !config.OmitCertificates {
		sd.addCertificates(append([]*x509.Certificate{config.Certificate}, config.Chain...))
	}
	for _, resp := range config.OCSPResponses {
		if err := sd.AddOCSPResponse(resp); err != nil {
			return nil, NewCMSError("cosign", err)
		}
	}
	return sd.Marshal()
}

// AddTimestamp attaches an RFC 3161 token to the SignerInfo at index.
func AddTimestamp(signedData []byte, index int, token []byte) ([]byte, error) {
	sd, err := ParseSignedData(signedData)
	if err != nil {
		return nil, NewCMSError("timestamp", err)
	}
	if index < 0 || index >= len(sd.SignerInfos) {
		return nil, NewCMSError("timestamp", fmt.Errorf("%w: signer %d", ErrNoSigner, index))
	}
	attr, err := NewTimeStampTokenAttr(token)
	if err != nil {
		return nil, NewCMSError("timestamp", err)
	}
	si := &sd.SignerInfos[index]
	si.UnsignedAttrs = append(si.UnsignedAttrs, attr)
	return sd.Marshal()
}

// newSignerInfo computes the digest, builds the signed attributes and signs
// them.
func newSignerInfo(content []byte, contentType asn1.ObjectIdentifier, config *SignerConfig) (SignerInfo, pkix.AlgorithmIdentifier, error) {
	alg := config.algorithm()
	if alg == pkicrypto.AlgUnknown {
		return SignerInfo{}, pkix.AlgorithmIdentifier{}, fmt.Errorf("%w: public key %T", ErrUnsupportedAlgorithm, config.Signer.Public())
	}
	hash := config.Hash
	if hash == 0 {
		hash = DefaultDigest(alg)
	}
	digestAlg, err := digestAlgorithmID(hash)
	if err != nil {
		return SignerInfo{}, pkix.AlgorithmIdentifier{}, err
	}
	var sigAlg pkix.AlgorithmIdentifier
	if config.PSS {
		if !alg.IsRSA() {
			return SignerInfo{}, pkix.AlgorithmIdentifier{}, fmt.Errorf("%w: PSS with %s key", ErrUnsupportedAlgorithm, alg)
		}
		sigAlg, err = pssAlgorithmID(hash)
	} else {
		sigAlg, err = SignatureAlgorithmID(alg, hash)
	}
	if err != nil {
		return SignerInfo{}, pkix.AlgorithmIdentifier{}, err
	}

	digest, err := pkicrypto.Digest(hash, content)
	if err != nil {
		return SignerInfo{}, pkix.AlgorithmIdentifier{}, fmt.Errorf("failed to compute digest: %w", err)
	}

	signingTime := config.SigningTime
	if signingTime.IsZero() {
		signingTime = time.Now()
	}
	attrs, err := buildSignedAttrs(contentType, digest, signingTime, config.Certificate)
	if err != nil {
		return SignerInfo{}, pkix.AlgorithmIdentifier{}, fmt.Errorf("failed to build signed attributes: %w", err)
	}
	signedAttrsDER, err := MarshalSignedAttrs(attrs)
	if err != nil {
		return SignerInfo{}, pkix.AlgorithmIdentifier{}, fmt.Errorf("failed to marshal signed attributes: %w", err)
	}

	signature, err := signBytes(config.Signer, alg, hash, signedAttrsDER, config.PSS)
	if err != nil {
		return SignerInfo{}, pkix.AlgorithmIdentifier{}, fmt.Errorf("failed to sign: %w", err)
	}

	sid, err := issuerAndSerial(config.Certificate)
	if err != nil {
		return SignerInfo{}, pkix.AlgorithmIdentifier{}, err
	}
	return SignerInfo{
		Version:            1,
		SID:                sid,
		DigestAlgorithm:    digestAlg,
		SignedAttrs:        attrs,
		SignatureAlgorithm: sigAlg,
		Signature:          signature,
	}, digestAlg, nil
}

func buildSignedAttrs(contentType asn1.ObjectIdentifier, digest []byte, signingTime time.Time, cert *x509.Certificate) ([]Attribute, error) {
	ctAttr, err := NewContentTypeAttr(contentType)
	if err != nil {
		return nil, err
	}
	mdAttr, err := NewMessageDigestAttr(digest)
	if err != nil {
		return nil, err
	}
	stAttr, err := NewSigningTimeAttr(signingTime)
	if err != nil {
		return nil, err
	}
	scAttr, err := NewSigningCertificateV2Attr(cert)
	if err != nil {
		return nil, fmt.Errorf("failed to create signing-certificate-v2 attr: %w", err)
	}
	// Stored in DER order so the encoded [0] matches the signed SET OF.
	return sortAttributes([]Attribute{ctAttr, mdAttr, stAttr, scAttr})
}

// signBytes signs data, hashing it first for digest-based algorithms.
func signBytes(signer crypto.Signer, alg pkicrypto.AlgorithmID, hash crypto.Hash, data []byte, pss bool) ([]byte, error) {
	if alg.SignsMessage() {
		return signer.Sign(rand.Reader, data, crypto.Hash(0))
	}
	digest, err := pkicrypto.Digest(hash, data)
	if err != nil {
		return nil, err
	}
	var opts crypto.SignerOpts = hash
	if pss {
		opts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: hash}
	}
	return signer.Sign(rand.Reader, digest, opts)
}
