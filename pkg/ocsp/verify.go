package ocsp

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"

	"github.com/remiblancher/qsign/pkg/cms"
)

// DefaultClockSkew is tolerated on thisUpdate and nextUpdate.
const DefaultClockSkew = 5 * time.Minute

// VerifyConfig contains options for OCSP response verification.
type VerifyConfig struct {
	// IssuerCert is the CA that issued Certificate. Required.
	IssuerCert *x509.Certificate

	// Certificate is the certificate whose status is checked. Required.
	Certificate *x509.Certificate

	// Nonce, when set, must be echoed by the response.
	Nonce []byte

	// CurrentTime is the time to evaluate freshness (default: now).
	CurrentTime time.Time

	// ClockSkew overrides DefaultClockSkew.
	ClockSkew time.Duration
}

// VerifyResult contains the result of OCSP response verification.
type VerifyResult struct {
	CertStatus       CertStatus
	RevocationTime   time.Time
	RevocationReason RevocationReason
	ProducedAt       time.Time
	ThisUpdate       time.Time
	NextUpdate       time.Time
	ResponderCert    *x509.Certificate
	SerialNumber     *big.Int

	// Raw is the verified DER response.
	Raw []byte
}

// ParseResponse parses a DER-encoded OCSP response.
func ParseResponse(data []byte) (*OCSPResponse, error) {
	var resp OCSPResponse
	rest, err := asn1.Unmarshal(data, &resp)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse OCSP response: %v", ErrMalformed, err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: trailing data after OCSP response", ErrMalformed)
	}
	return &resp, nil
}

// ParseBasicResponse parses the BasicOCSPResponse carried by a successful
// response.
func ParseBasicResponse(data []byte) (*BasicOCSPResponse, error) {
	resp, err := ParseResponse(data)
	if err != nil {
		return nil, err
	}
	if status := ResponseStatus(resp.Status); status != StatusSuccessful {
		return nil, fmt.Errorf("%w: %s", ErrResponseStatus, status)
	}
	if !resp.ResponseBytes.ResponseType.Equal(OIDOcspBasic) {
		return nil, fmt.Errorf("%w: unsupported response type %v", ErrMalformed, resp.ResponseBytes.ResponseType)
	}
	var basic BasicOCSPResponse
	rest, err := asn1.Unmarshal(resp.ResponseBytes.Response, &basic)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse BasicOCSPResponse: %v", ErrMalformed, err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: trailing data after BasicOCSPResponse", ErrMalformed)
	}
	return &basic, nil
}

// Verify verifies an OCSP response for config.Certificate: responder
// authorization, signature, CertID match, freshness and nonce.
func Verify(data []byte, config *VerifyConfig) (*VerifyResult, error) {
	if config == nil || config.IssuerCert == nil || config.Certificate == nil {
		return nil, fmt.Errorf("issuer and certificate are required")
	}
	now := config.CurrentTime
	if now.IsZero() {
		now = time.Now()
	}
	skew := config.ClockSkew
	if skew == 0 {
		skew = DefaultClockSkew
	}

	basic, err := ParseBasicResponse(data)
	if err != nil {
		return nil, err
	}

	responder, err := findResponder(basic, config.IssuerCert, now)
	if err != nil {
		return nil, err
	}
	tbs := basic.TBSResponseData
	if err := cms.VerifyData(responder, basic.SignatureAlgorithm, tbs.Raw, basic.Signature.RightAlign()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignature, err)
	}

	var single *SingleResponse
	for i := range tbs.Responses {
		if tbs.Responses[i].CertID.Matches(config.IssuerCert, config.Certificate.SerialNumber) {
			single = &tbs.Responses[i]
			break
		}
	}
	if single == nil {
		return nil, ErrNoMatchingResponse
	}

	if now.Add(skew).Before(single.ThisUpdate) {
		return nil, fmt.Errorf("%w: thisUpdate %s is in the future", ErrStale, single.ThisUpdate.Format(time.RFC3339))
	}
	if !single.NextUpdate.IsZero() && now.Add(-skew).After(single.NextUpdate) {
		return nil, fmt.Errorf("%w: nextUpdate %s has passed", ErrStale, single.NextUpdate.Format(time.RFC3339))
	}

	if len(config.Nonce) > 0 {
		if got := nonceFrom(tbs.ResponseExtensions); got != nil && !bytes.Equal(got, config.Nonce) {
			return nil, ErrNonceMismatch
		}
	}

	certStatus, revTime, reason, err := parseCertStatus(single.CertStatus)
	if err != nil {
		return nil, err
	}
	return &VerifyResult{
		CertStatus:       certStatus,
		RevocationTime:   revTime,
		RevocationReason: reason,
		ProducedAt:       tbs.ProducedAt,
		ThisUpdate:       single.ThisUpdate,
		NextUpdate:       single.NextUpdate,
		ResponderCert:    responder,
		SerialNumber:     single.CertID.SerialNumber,
		Raw:              data,
	}, nil
}

// findResponder returns the certificate that signed the response: the
// issuer itself, or a delegated responder issued by it with id-kp-OCSPSigning.
func findResponder(basic *BasicOCSPResponse, issuer *x509.Certificate, now time.Time) (*x509.Certificate, error) {
	id := basic.TBSResponseData.ResponderID
	if matchesResponderID(id, issuer) {
		return issuer, nil
	}
	for _, raw := range basic.Certs {
		cert, err := x509.ParseCertificate(raw.FullBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: responder certificate: %v", ErrMalformed, err)
		}
		if !matchesResponderID(id, cert) {
			continue
		}
		if err := authorizeDelegate(cert, issuer, now); err != nil {
			return nil, err
		}
		return cert, nil
	}
	return nil, fmt.Errorf("%w: responder certificate not found", ErrUnauthorizedResponder)
}

func matchesResponderID(id asn1.RawValue, cert *x509.Certificate) bool {
	if id.Class != asn1.ClassContextSpecific {
		return false
	}
	switch id.Tag {
	case 1: // byName [1] EXPLICIT Name
		return bytes.Equal(id.Bytes, cert.RawSubject)
	case 2: // byKey [2] EXPLICIT KeyHash
		var keyHash []byte
		if _, err := asn1.Unmarshal(id.Bytes, &keyHash); err != nil {
			return false
		}
		want, err := responderKeyHash(cert)
		return err == nil && bytes.Equal(keyHash, want)
	}
	return false
}

func authorizeDelegate(cert, issuer *x509.Certificate, now time.Time) error {
	if err := cert.CheckSignatureFrom(issuer); err != nil {
		return fmt.Errorf("%w: delegated responder not issued by the CA: %v", ErrUnauthorizedResponder, err)
	}
	if !hasOCSPSigning(cert) {
		return fmt.Errorf("%w: responder certificate does not have id-kp-OCSPSigning EKU", ErrUnauthorizedResponder)
	}
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return fmt.Errorf("%w: responder certificate expired or not yet valid", ErrUnauthorizedResponder)
	}
	return nil
}

func hasOCSPSigning(cert *x509.Certificate) bool {
	for _, eku := range cert.ExtKeyUsage {
		if eku == x509.ExtKeyUsageOCSPSigning {
			return true
		}
	}
	return false
}

func parseCertStatus(raw asn1.RawValue) (CertStatus, time.Time, RevocationReason, error) {
	if raw.Class != asn1.ClassContextSpecific {
		return 0, time.Time{}, 0, fmt.Errorf("%w: cert status class %d", ErrMalformed, raw.Class)
	}
	switch raw.Tag {
	case 0:
		return CertStatusGood, time.Time{}, 0, nil
	case 1:
		// IMPLICIT RevokedInfo: re-wrap the contents as a SEQUENCE.
		der, err := asn1.Marshal(asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagSequence, IsCompound: true, Bytes: raw.Bytes})
		if err != nil {
			return 0, time.Time{}, 0, err
		}
		var info RevokedInfo
		if _, err := asn1.Unmarshal(der, &info); err != nil {
			return 0, time.Time{}, 0, fmt.Errorf("%w: failed to parse RevokedInfo: %v", ErrMalformed, err)
		}
		return CertStatusRevoked, info.RevocationTime, RevocationReason(info.RevocationReason), nil
	case 2:
		return CertStatusUnknown, time.Time{}, 0, nil
	}
	return 0, time.Time{}, 0, fmt.Errorf("%w: unknown cert status tag %d", ErrMalformed, raw.Tag)
}
