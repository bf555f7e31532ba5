package ocsp

import (
	"crypto"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"time"

	"github.com/remiblancher/qsign/pkg/cms"
)

// ResponseStatus represents the status of an OCSP response.
type ResponseStatus int

const (
	StatusSuccessful       ResponseStatus = 0
	StatusMalformedRequest ResponseStatus = 1
	StatusInternalError    ResponseStatus = 2
	StatusTryLater         ResponseStatus = 3
	// 4 is not used
	StatusSigRequired  ResponseStatus = 5
	StatusUnauthorized ResponseStatus = 6
)

// String returns a human-readable status string.
func (s ResponseStatus) String() string {
	switch s {
	case StatusSuccessful:
		return "successful"
	case StatusMalformedRequest:
		return "malformedRequest"
	case StatusInternalError:
		return "internalError"
	case StatusTryLater:
		return "tryLater"
	case StatusSigRequired:
		return "sigRequired"
	case StatusUnauthorized:
		return "unauthorized"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// CertStatus represents the revocation status of a certificate.
type CertStatus int

const (
	CertStatusGood    CertStatus = 0
	CertStatusRevoked CertStatus = 1
	CertStatusUnknown CertStatus = 2
)

// String returns a human-readable status string.
func (s CertStatus) String() string {
	switch s {
	case CertStatusGood:
		return "good"
	case CertStatusRevoked:
		return "revoked"
	case CertStatusUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// RevocationReason per RFC 5280 §5.3.1
type RevocationReason int

const (
	ReasonUnspecified          RevocationReason = 0
	ReasonKeyCompromise        RevocationReason = 1
	ReasonCACompromise         RevocationReason = 2
	ReasonAffiliationChanged   RevocationReason = 3
	ReasonSuperseded           RevocationReason = 4
	ReasonCessationOfOperation RevocationReason = 5
	ReasonCertificateHold      RevocationReason = 6
	// 7 is not used
	ReasonRemoveFromCRL      RevocationReason = 8
	ReasonPrivilegeWithdrawn RevocationReason = 9
	ReasonAACompromise       RevocationReason = 10
)

// OCSPResponse represents an OCSP response (RFC 6960 §4.2.1).
type OCSPResponse struct {
	Status        asn1.Enumerated
	ResponseBytes responseBytes `asn1:"optional,explicit,tag:0"`
}

type responseBytes struct {
	ResponseType asn1.ObjectIdentifier
	Response     []byte
}

// BasicOCSPResponse is the standard response type.
type BasicOCSPResponse struct {
	TBSResponseData    ResponseData
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          asn1.BitString
	Certs              []asn1.RawValue `asn1:"optional,explicit,tag:0"`
}

// ResponseData contains the signed part of a basic response. Raw keeps the
// received encoding for signature verification.
type ResponseData struct {
	Raw                asn1.RawContent
	Version            int              `asn1:"optional,explicit,tag:0,default:0"`
	ResponderID        asn1.RawValue    // CHOICE: byName [1] or byKey [2]
	ProducedAt         time.Time        `asn1:"generalized"`
	Responses          []SingleResponse `asn1:"sequence"`
	ResponseExtensions []pkix.Extension `asn1:"optional,explicit,tag:1"`
}

// SingleResponse contains status for a single certificate.
type SingleResponse struct {
	CertID           CertID
	CertStatus       asn1.RawValue
	ThisUpdate       time.Time        `asn1:"generalized"`
	NextUpdate       time.Time        `asn1:"optional,explicit,tag:0,generalized"`
	SingleExtensions []pkix.Extension `asn1:"optional,explicit,tag:1"`
}

// RevokedInfo contains revocation details.
type RevokedInfo struct {
	RevocationTime   time.Time       `asn1:"generalized"`
	RevocationReason asn1.Enumerated `asn1:"optional,explicit,tag:0"`
}

// ResponseBuilder helps construct OCSP responses.
type ResponseBuilder struct {
	responderCert *x509.Certificate
	signer        crypto.Signer
	producedAt    time.Time
	responses     []SingleResponse
	extensions    []pkix.Extension
	includeCerts  bool
}

// NewResponseBuilder creates a new response builder.
func NewResponseBuilder(responderCert *x509.Certificate, signer crypto.Signer) *ResponseBuilder {
	return &ResponseBuilder{
		responderCert: responderCert,
		signer:        signer,
		producedAt:    time.Now().UTC(),
		includeCerts:  true,
	}
}

// SetProducedAt sets the producedAt time.
func (b *ResponseBuilder) SetProducedAt(t time.Time) *ResponseBuilder {
	b.producedAt = t.UTC()
	return b
}

// IncludeCerts sets whether to include the responder certificate.
func (b *ResponseBuilder) IncludeCerts(include bool) *ResponseBuilder {
	b.includeCerts = include
	return b
}

func (b *ResponseBuilder) add(certID *CertID, status asn1.RawValue, thisUpdate, nextUpdate time.Time) *ResponseBuilder {
	resp := SingleResponse{
		CertID:     *certID,
		CertStatus: status,
		ThisUpdate: thisUpdate.UTC().Truncate(time.Second),
	}
	if !nextUpdate.IsZero() {
		resp.NextUpdate = nextUpdate.UTC().Truncate(time.Second)
	}
	b.responses = append(b.responses, resp)
	return b
}

// AddGood adds a "good" status for a certificate.
func (b *ResponseBuilder) AddGood(certID *CertID, thisUpdate, nextUpdate time.Time) *ResponseBuilder {
	// good [0] IMPLICIT NULL
	return b.add(certID, asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0}, thisUpdate, nextUpdate)
}

// AddRevoked adds a "revoked" status for a certificate.
func (b *ResponseBuilder) AddRevoked(certID *CertID, thisUpdate, nextUpdate, revocationTime time.Time, reason RevocationReason) *ResponseBuilder {
	// revoked [1] IMPLICIT RevokedInfo: the SEQUENCE contents under tag [1].
	info, _ := asn1.Marshal(RevokedInfo{
		RevocationTime:   revocationTime.UTC().Truncate(time.Second),
		RevocationReason: asn1.Enumerated(reason),
	})
	var seq asn1.RawValue
	_, _ = asn1.Unmarshal(info, &seq)
	status := asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 1, IsCompound: true, Bytes: seq.Bytes}
	return b.add(certID, status, thisUpdate, nextUpdate)
}

// AddUnknown adds an "unknown" status for a certificate.
func (b *ResponseBuilder) AddUnknown(certID *CertID, thisUpdate, nextUpdate time.Time) *ResponseBuilder {
	// unknown [2] IMPLICIT NULL
	return b.add(certID, asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 2}, thisUpdate, nextUpdate)
}

// AddNonce adds a nonce extension to the response.
func (b *ResponseBuilder) AddNonce(nonce []byte) *ResponseBuilder {
	if len(nonce) > 0 {
		value, _ := asn1.Marshal(nonce)
		b.extensions = append(b.extensions, pkix.Extension{Id: OIDOcspNonce, Value: value})
	}
	return b
}

// responderKeyHash is the SHA-1 of the subjectPublicKey BIT STRING value.
func responderKeyHash(cert *x509.Certificate) ([]byte, error) {
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(cert.RawSubjectPublicKeyInfo, &spki); err != nil {
		return nil, fmt.Errorf("failed to parse SubjectPublicKeyInfo: %w", err)
	}
	sum := sha1.Sum(spki.PublicKey.Bytes)
	return sum[:], nil
}

// Build creates and signs the OCSP response.
func (b *ResponseBuilder) Build() ([]byte, error) {
	if len(b.responses) == 0 {
		return nil, fmt.Errorf("no responses added")
	}

	keyHash, err := responderKeyHash(b.responderCert)
	if err != nil {
		return nil, err
	}
	octets, err := asn1.Marshal(keyHash)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key hash: %w", err)
	}
	// byKey [2] EXPLICIT KeyHash
	responderID := asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 2, IsCompound: true, Bytes: octets}

	data := ResponseData{
		ResponderID:        responderID,
		ProducedAt:         b.producedAt.Truncate(time.Second),
		Responses:          b.responses,
		ResponseExtensions: b.extensions,
	}
	tbs, err := asn1.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response data: %w", err)
	}
	// Raw must hold the full TLV for the outer marshal to reuse it.
	data.Raw = tbs

	signature, sigAlg, err := cms.SignData(b.signer, tbs)
	if err != nil {
		return nil, fmt.Errorf("failed to sign response: %w", err)
	}

	basic := BasicOCSPResponse{
		TBSResponseData:    data,
		SignatureAlgorithm: sigAlg,
		Signature:          asn1.BitString{Bytes: signature, BitLength: len(signature) * 8},
	}
	if b.includeCerts {
		basic.Certs = []asn1.RawValue{{FullBytes: b.responderCert.Raw}}
	}
	basicDER, err := asn1.Marshal(basic)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal basic response: %w", err)
	}

	return asn1.Marshal(OCSPResponse{
		Status: asn1.Enumerated(StatusSuccessful),
		ResponseBytes: responseBytes{
			ResponseType: OIDOcspBasic,
			Response:     basicDER,
		},
	})
}

// NewErrorResponse creates an unsigned OCSP response carrying only status.
func NewErrorResponse(status ResponseStatus) ([]byte, error) {
	if status == StatusSuccessful {
		return nil, fmt.Errorf("error response cannot have successful status")
	}
	return asn1.Marshal(struct{ Status asn1.Enumerated }{asn1.Enumerated(status)})
}
