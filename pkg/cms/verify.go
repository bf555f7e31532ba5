package cms

import (
	"bytes"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"time"

	pkicrypto "github.com/remiblancher/qsign/internal/crypto"
)

// VerifyConfig contains options for verifying a CMS signature.
type VerifyConfig struct {
	// Roots is the pool of trusted CA certificates. Chain validation is
	// skipped when nil.
	Roots *x509.CertPool
	// Intermediates adds to the certificates found in the SignedData.
	Intermediates *x509.CertPool
	// CurrentTime is the time to use for chain validation (default: now).
	CurrentTime time.Time
	// Data is the original content for detached signatures.
	Data []byte
	// Certificates are extra candidates for locating signer certificates.
	Certificates []*x509.Certificate
	// KeyUsages constrains the signer EKU; empty means any.
	KeyUsages []x509.ExtKeyUsage
	// SkipCertVerify skips certificate chain verification.
	SkipCertVerify bool
}

// SignerResult describes one verified SignerInfo.
type SignerResult struct {
	Index          int
	Certificate    *x509.Certificate
	Chains         [][]*x509.Certificate
	Hash           crypto.Hash
	SigningTime    time.Time
	Signature      []byte
	TimestampToken []byte
}

// VerifyResult contains the result of signature verification.
type VerifyResult struct {
	Signers []SignerResult
	// Content is the signed content (the supplied data for detached signatures).
	Content     []byte
	Detached    bool
	ContentType asn1.ObjectIdentifier
	// Certificates are all certificates embedded in the SignedData.
	Certificates  []*x509.Certificate
	OCSPResponses [][]byte
}

// SignerCert returns the first signer certificate.
func (r *VerifyResult) SignerCert() *x509.Certificate {
	if len(r.Signers) == 0 {
		return nil
	}
	return r.Signers[0].Certificate
}

// Verify verifies every SignerInfo of a CMS SignedData.
//
// The signature over the signed attributes is checked before the message
// digest, so a modified signature yields ErrInvalidSignature while modified
// content with an intact signature yields ErrDigestMismatch.
func Verify(signedDataDER []byte, config *VerifyConfig) (*VerifyResult, error) {
	if config == nil {
		config = &VerifyConfig{}
	}
	sd, err := ParseSignedData(signedDataDER)
	if err != nil {
		return nil, NewCMSError("verify", err)
	}
	if err := checkStructure(sd); err != nil {
		return nil, NewCMSError("verify", err)
	}

	certs, err := sd.ParsedCertificates()
	if err != nil {
		return nil, NewCMSError("verify", fmt.Errorf("%w: %v", ErrInvalidContent, err))
	}

	result := &VerifyResult{
		ContentType:   sd.EncapContentInfo.EContentType,
		Certificates:  certs,
		OCSPResponses: sd.OCSPResponses(),
	}
	embedded, hasContent := sd.Content()
	switch {
	case hasContent:
		result.Content = embedded
		if len(config.Data) > 0 && !bytes.Equal(config.Data, embedded) {
			return nil, NewCMSError("verify", fmt.Errorf("%w: supplied data differs from embedded content", ErrDigestMismatch))
		}
	case config.Data != nil:
		result.Content = config.Data
		result.Detached = true
	default:
		return nil, NewCMSError("verify", ErrNoContent)
	}

	candidates := append(append([]*x509.Certificate(nil), certs...), config.Certificates...)
	for i := range sd.SignerInfos {
		si := &sd.SignerInfos[i]
		sr, err := verifySignerInfo(sd, si, candidates, result.Content, config)
		if err != nil {
			return nil, NewCMSError("verify", fmt.Errorf("signer %d: %w", i, err))
		}
		sr.Index = i
		result.Signers = append(result.Signers, *sr)
	}
	return result, nil
}

func checkStructure(sd *SignedData) error {
	switch sd.Version {
	case 1, 3, 4, 5:
	default:
		return fmt.Errorf("%w: SignedData version %d", ErrInvalidContent, sd.Version)
	}
	if len(sd.SignerInfos) == 0 {
		return ErrNoSigner
	}
	for _, si := range sd.SignerInfos {
		found := false
		for _, da := range sd.DigestAlgorithms {
			if da.Algorithm.Equal(si.DigestAlgorithm.Algorithm) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: signer digest algorithm not listed in SignedData", ErrInvalidContent)
		}
	}
	return nil
}

func verifySignerInfo(sd *SignedData, si *SignerInfo, candidates []*x509.Certificate, content []byte, config *VerifyConfig) (*SignerResult, error) {
	cert := findSignerCert(si, candidates)
	if cert == nil {
		return nil, ErrNoCertificate
	}
	hash, err := oidToHash(si.DigestAlgorithm.Algorithm)
	if err != nil {
		return nil, err
	}
	pub, err := pkicrypto.PublicKeyFromCertificate(cert)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, err)
	}
	if err := checkSignatureAlgorithm(si.SignatureAlgorithm, pub, hash); err != nil {
		return nil, err
	}

	sr := &SignerResult{
		Certificate: cert,
		Hash:        hash,
		Signature:   si.Signature,
	}
	if tok, ok := si.TimestampToken(); ok {
		sr.TimestampToken = tok
	}

	if len(si.SignedAttrs) == 0 {
		if err := pkicrypto.VerifyMessage(pub, hash, content, si.Signature, isPSS(si.SignatureAlgorithm)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
	} else {
		signedAttrsDER, err := MarshalSignedAttrs(si.SignedAttrs)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
		}
		if err := pkicrypto.VerifyMessage(pub, hash, signedAttrsDER, si.Signature, isPSS(si.SignatureAlgorithm)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		if err := checkContentType(si, sd.EncapContentInfo.EContentType); err != nil {
			return nil, err
		}
		if err := checkSigningCertificate(si, cert); err != nil {
			return nil, err
		}
		if err := checkMessageDigest(si, content); err != nil {
			return nil, err
		}
		sr.SigningTime = extractSigningTime(si.SignedAttrs)
	}

	if !config.SkipCertVerify && config.Roots != nil {
		chains, err := verifyCertChain(cert, candidates, config)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUntrusted, err)
		}
		sr.Chains = chains
	}
	return sr, nil
}

func findSignerCert(si *SignerInfo, candidates []*x509.Certificate) *x509.Certificate {
	for _, cert := range candidates {
		if matchesIdentifier(si.SID, cert) {
			return cert
		}
	}
	return nil
}

// checkMessageDigest compares the message-digest attribute with content.
func checkMessageDigest(si *SignerInfo, content []byte) error {
	if len(si.SignedAttrs) == 0 {
		return nil
	}
	v, ok := findAttr(si.SignedAttrs, OIDMessageDigest)
	if !ok {
		return fmt.Errorf("%w: message-digest", ErrMissingAttribute)
	}
	var md []byte
	if _, err := asn1.Unmarshal(v.FullBytes, &md); err != nil {
		return fmt.Errorf("%w: failed to parse message digest: %v", ErrInvalidContent, err)
	}
	hash, err := oidToHash(si.DigestAlgorithm.Algorithm)
	if err != nil {
		return err
	}
	digest, err := pkicrypto.Digest(hash, content)
	if err != nil {
		return err
	}
	if !bytes.Equal(md, digest) {
		return ErrDigestMismatch
	}
	return nil
}

func checkContentType(si *SignerInfo, eContentType asn1.ObjectIdentifier) error {
	v, ok := findAttr(si.SignedAttrs, OIDContentType)
	if !ok {
		return fmt.Errorf("%w: content-type", ErrMissingAttribute)
	}
	var ct asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(v.FullBytes, &ct); err != nil || !ct.Equal(eContentType) {
		return fmt.Errorf("%w: content-type attribute does not match", ErrInvalidSignature)
	}
	return nil
}

// checkSigningCertificate enforces signing-certificate-v2 when present.
func checkSigningCertificate(si *SignerInfo, cert *x509.Certificate) error {
	v, ok := findAttr(si.SignedAttrs, OIDSigningCertificateV2)
	if !ok {
		return nil
	}
	var sc SigningCertificateV2
	if _, err := asn1.Unmarshal(v.FullBytes, &sc); err != nil {
		return fmt.Errorf("%w: signing-certificate-v2: %v", ErrInvalidContent, err)
	}
	for _, id := range sc.Certs {
		h := crypto.SHA256
		if len(id.HashAlgorithm.Algorithm) > 0 {
			var err error
			if h, err = oidToHash(id.HashAlgorithm.Algorithm); err != nil {
				continue
			}
		}
		var sum []byte
		if h == crypto.SHA256 {
			s := sha256.Sum256(cert.Raw)
			sum = s[:]
		} else if sum, _ = pkicrypto.Digest(h, cert.Raw); sum == nil {
			continue
		}
		if bytes.Equal(sum, id.CertHash) {
			return nil
		}
	}
	return fmt.Errorf("%w: signing certificate does not match signing-certificate-v2", ErrInvalidSignature)
}

func verifyCertChain(cert *x509.Certificate, candidates []*x509.Certificate, config *VerifyConfig) ([][]*x509.Certificate, error) {
	intermediates := x509.NewCertPool()
	if config.Intermediates != nil {
		intermediates = config.Intermediates.Clone()
	}
	for _, c := range candidates {
		if c != cert {
			intermediates.AddCert(c)
		}
	}
	usages := config.KeyUsages
	if len(usages) == 0 {
		usages = []x509.ExtKeyUsage{x509.ExtKeyUsageAny}
	}
	return cert.Verify(x509.VerifyOptions{
		Roots:         config.Roots,
		Intermediates: intermediates,
		CurrentTime:   config.CurrentTime,
		KeyUsages:     usages,
	})
}

// extractSigningTime extracts the signing time from signed attributes.
func extractSigningTime(attrs []Attribute) time.Time {
	v, ok := findAttr(attrs, OIDSigningTime)
	if !ok {
		return time.Time{}
	}
	var t time.Time
	if _, err := asn1.Unmarshal(v.FullBytes, &t); err != nil {
		return time.Time{}
	}
	return t
}
