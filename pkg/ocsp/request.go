package ocsp

import (
	"bytes"
	"crypto"
	_ "crypto/sha1" // CertID hashes
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"

	pkicrypto "github.com/remiblancher/qsign/internal/crypto"
	"github.com/remiblancher/qsign/pkg/cms"
)

// maxRequestSize bounds request bodies accepted by the responder.
const maxRequestSize = 64 << 10

// OCSPRequest represents an OCSP request (RFC 6960 §4.1.1).
type OCSPRequest struct {
	TBSRequest        TBSRequest
	OptionalSignature asn1.RawValue `asn1:"optional,explicit,tag:0"`
}

// TBSRequest is the to-be-signed part of an OCSP request.
type TBSRequest struct {
	Version           int              `asn1:"optional,explicit,tag:0,default:0"`
	RequestorName     asn1.RawValue    `asn1:"optional,explicit,tag:1"`
	RequestList       []Request        `asn1:"sequence"`
	RequestExtensions []pkix.Extension `asn1:"optional,explicit,tag:2"`
}

// Request represents a single certificate status request.
type Request struct {
	ReqCert                 CertID
	SingleRequestExtensions []pkix.Extension `asn1:"optional,explicit,tag:0"`
}

// CertID identifies a certificate for which status is requested.
type CertID struct {
	HashAlgorithm  pkix.AlgorithmIdentifier
	IssuerNameHash []byte
	IssuerKeyHash  []byte
	SerialNumber   *big.Int
}

func certIDHash(oid asn1.ObjectIdentifier) (crypto.Hash, error) {
	if oid.Equal(OIDSHA1) {
		return crypto.SHA1, nil
	}
	return cms.HashFromOID(oid)
}

func certIDHashOID(h crypto.Hash) (asn1.ObjectIdentifier, error) {
	if h == crypto.SHA1 {
		return OIDSHA1, nil
	}
	if oid := cms.HashOID(h); oid != nil {
		return oid, nil
	}
	return nil, fmt.Errorf("unsupported hash algorithm: %v", h)
}

// NewCertID creates a CertID for a certificate issued by the given issuer.
func NewCertID(hashAlg crypto.Hash, issuer, cert *x509.Certificate) (*CertID, error) {
	return NewCertIDFromSerial(hashAlg, issuer, cert.SerialNumber)
}

// NewCertIDFromSerial creates a CertID for a serial number from the given
// issuer. issuerKeyHash covers the subjectPublicKey BIT STRING value.
func NewCertIDFromSerial(hashAlg crypto.Hash, issuer *x509.Certificate, serial *big.Int) (*CertID, error) {
	oid, err := certIDHashOID(hashAlg)
	if err != nil {
		return nil, err
	}
	nameHash, err := pkicrypto.Digest(hashAlg, issuer.RawSubject)
	if err != nil {
		return nil, err
	}
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(issuer.RawSubjectPublicKeyInfo, &spki); err != nil {
		return nil, fmt.Errorf("failed to parse issuer SubjectPublicKeyInfo: %w", err)
	}
	keyHash, err := pkicrypto.Digest(hashAlg, spki.PublicKey.Bytes)
	if err != nil {
		return nil, err
	}
	return &CertID{
		HashAlgorithm:  pkix.AlgorithmIdentifier{Algorithm: oid, Parameters: asn1.NullRawValue},
		IssuerNameHash: nameHash,
		IssuerKeyHash:  keyHash,
		SerialNumber:   serial,
	}, nil
}

// MatchesIssuer reports whether the CertID issuer hashes designate issuer.
func (id *CertID) MatchesIssuer(issuer *x509.Certificate) bool {
	h, err := certIDHash(id.HashAlgorithm.Algorithm)
	if err != nil {
		return false
	}
	expected, err := NewCertIDFromSerial(h, issuer, big.NewInt(0))
	if err != nil {
		return false
	}
	return bytes.Equal(id.IssuerNameHash, expected.IssuerNameHash) &&
		bytes.Equal(id.IssuerKeyHash, expected.IssuerKeyHash)
}

// Matches reports whether the CertID designates serial under issuer.
func (id *CertID) Matches(issuer *x509.Certificate, serial *big.Int) bool {
	return id.SerialNumber != nil && serial != nil &&
		id.SerialNumber.Cmp(serial) == 0 && id.MatchesIssuer(issuer)
}

// CreateRequest creates an OCSP request for cert. A non-empty nonce is
// carried in the id-pkix-ocsp-nonce extension.
func CreateRequest(issuer, cert *x509.Certificate, hashAlg crypto.Hash, nonce []byte) (*OCSPRequest, error) {
	certID, err := NewCertID(hashAlg, issuer, cert)
	if err != nil {
		return nil, fmt.Errorf("failed to create CertID: %w", err)
	}
	req := &OCSPRequest{TBSRequest: TBSRequest{RequestList: []Request{{ReqCert: *certID}}}}
	if len(nonce) > 0 {
		value, err := asn1.Marshal(nonce)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal nonce: %w", err)
		}
		req.TBSRequest.RequestExtensions = []pkix.Extension{{Id: OIDOcspNonce, Value: value}}
	}
	return req, nil
}

// Marshal encodes the OCSP request to DER format.
func (req *OCSPRequest) Marshal() ([]byte, error) {
	return asn1.Marshal(*req)
}

// Nonce extracts the nonce extension from the request, if present.
func (req *OCSPRequest) Nonce() []byte {
	return nonceFrom(req.TBSRequest.RequestExtensions)
}

func nonceFrom(exts []pkix.Extension) []byte {
	for _, ext := range exts {
		if ext.Id.Equal(OIDOcspNonce) {
			var nonce []byte
			if _, err := asn1.Unmarshal(ext.Value, &nonce); err == nil {
				return nonce
			}
			return ext.Value
		}
	}
	return nil
}

// ParseRequest parses a DER-encoded OCSP request.
func ParseRequest(data []byte) (*OCSPRequest, error) {
	var req OCSPRequest
	rest, err := asn1.Unmarshal(data, &req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse OCSP request: %v", ErrMalformed, err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: trailing data after OCSP request", ErrMalformed)
	}
	if req.TBSRequest.Version != 0 {
		return nil, fmt.Errorf("%w: unsupported OCSP request version: %d", ErrMalformed, req.TBSRequest.Version)
	}
	if len(req.TBSRequest.RequestList) == 0 {
		return nil, fmt.Errorf("%w: OCSP request contains no certificate requests", ErrMalformed)
	}
	return &req, nil
}

// ParseRequestFromHTTP parses an OCSP request from an HTTP request.
// GET carries the base64 request in the last path segment, POST in the body.
func ParseRequestFromHTTP(r *http.Request) (*OCSPRequest, error) {
	switch r.Method {
	case http.MethodGet:
		path := r.URL.EscapedPath()
		segment := path[strings.LastIndex(path, "/")+1:]
		if segment == "" {
			return nil, fmt.Errorf("%w: empty OCSP request in GET path", ErrMalformed)
		}
		decoded, err := url.PathUnescape(segment)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to URL-decode OCSP request: %v", ErrMalformed, err)
		}
		var data []byte
		for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
			if data, err = enc.DecodeString(decoded); err == nil {
				break
			}
		}
		if err != nil {
			return nil, fmt.Errorf("%w: failed to base64-decode OCSP request: %v", ErrMalformed, err)
		}
		return ParseRequest(data)

	case http.MethodPost:
		if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/") {
			return nil, fmt.Errorf("%w: invalid content type: %s", ErrMalformed, ct)
		}
		data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("%w: empty OCSP request body", ErrMalformed)
		}
		return ParseRequest(data)

	default:
		return nil, fmt.Errorf("%w: unsupported HTTP method: %s", ErrMalformed, r.Method)
	}
}
