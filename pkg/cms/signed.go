package cms

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"sort"
	"time"
)

// ContentInfo represents the top-level CMS structure (RFC 5652 Section 3).
type ContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,tag:0"`
}

// SignedData represents CMS SignedData (RFC 5652 Section 5).
type SignedData struct {
	Version          int
	DigestAlgorithms []pkix.AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo EncapsulatedContentInfo
	Certificates     rawCertificates `asn1:"optional,tag:0"`
	RevocationInfo   []asn1.RawValue `asn1:"optional,set,tag:1"`
	SignerInfos      []SignerInfo    `asn1:"set"`
}

// rawCertificates carries the IMPLICIT [0] CertificateSet. Raw holds a
// complete TLV whose content is the concatenated certificates.
type rawCertificates struct {
	Raw asn1.RawContent
}

// EncapsulatedContentInfo represents the content being signed (RFC 5652 Section 5.2).
// EContent is [0] EXPLICIT OCTET STRING; the tagging is done on the RawValue.
type EncapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"optional"`
}

// SignerInfo contains the signature and related info (RFC 5652 Section 5.3).
// SID is kept raw because SignerIdentifier is a CHOICE.
type SignerInfo struct {
	Version            int
	SID                asn1.RawValue
	DigestAlgorithm    pkix.AlgorithmIdentifier
	SignedAttrs        []Attribute `asn1:"optional,tag:0"`
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      []Attribute `asn1:"optional,tag:1"`
}

// IssuerAndSerialNumber identifies a certificate by issuer and serial.
type IssuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

// Attribute represents a CMS attribute (RFC 5652 Section 5.3).
type Attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// otherRevocationInfo is the [1] branch of RevocationInfoChoice.
type otherRevocationInfo struct {
	Format asn1.ObjectIdentifier
	Info   asn1.RawValue
}

// NewAttribute creates a new attribute with a single value.
func NewAttribute(oid asn1.ObjectIdentifier, value interface{}) (Attribute, error) {
	encoded, err := asn1.Marshal(value)
	if err != nil {
		return Attribute{}, err
	}
	return Attribute{
		Type:   oid,
		Values: []asn1.RawValue{{FullBytes: encoded}},
	}, nil
}

// NewContentTypeAttr creates a content-type attribute.
func NewContentTypeAttr(contentType asn1.ObjectIdentifier) (Attribute, error) {
	return NewAttribute(OIDContentType, contentType)
}

// NewMessageDigestAttr creates a message-digest attribute.
func NewMessageDigestAttr(digest []byte) (Attribute, error) {
	return NewAttribute(OIDMessageDigest, digest)
}

// NewSigningTimeAttr creates a signing-time attribute.
func NewSigningTimeAttr(t time.Time) (Attribute, error) {
	return NewAttribute(OIDSigningTime, t.UTC())
}

// NewTimeStampTokenAttr wraps an RFC 3161 token (a ContentInfo) as the
// id-aa-timeStampToken unsigned attribute.
func NewTimeStampTokenAttr(token []byte) (Attribute, error) {
	var rv asn1.RawValue
	if _, err := asn1.Unmarshal(token, &rv); err != nil {
		return Attribute{}, fmt.Errorf("invalid timestamp token: %w", err)
	}
	return Attribute{
		Type:   OIDTimeStampToken,
		Values: []asn1.RawValue{{FullBytes: token}},
	}, nil
}

// ESSCertIDv2 represents the ESSCertIDv2 structure (RFC 5035).
type ESSCertIDv2 struct {
	HashAlgorithm pkix.AlgorithmIdentifier `asn1:"optional"`
	CertHash      []byte
	IssuerSerial  ESSIssuerSerial `asn1:"optional"`
}

// ESSIssuerSerial identifies a certificate by issuer and serial for ESSCertIDv2.
type ESSIssuerSerial struct {
	Issuer       asn1.RawValue // GeneralNames
	SerialNumber *big.Int
}

// SigningCertificateV2 represents the SigningCertificateV2 attribute value (RFC 5035).
type SigningCertificateV2 struct {
	Certs []ESSCertIDv2
}

// NewSigningCertificateV2Attr creates a signing-certificate-v2 attribute
// binding cert to the signature. The hash is SHA-256 (the RFC 5035 default,
// so the algorithm is omitted).
func NewSigningCertificateV2Attr(cert *x509.Certificate) (Attribute, error) {
	h := sha256.Sum256(cert.Raw)

	// GeneralNames ::= SEQUENCE OF GeneralName; directoryName [4] Name
	directoryName, err := asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        4,
		IsCompound: true,
		Bytes:      cert.RawIssuer,
	})
	if err != nil {
		return Attribute{}, err
	}
	generalNames, err := asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassUniversal,
		Tag:        asn1.TagSequence,
		IsCompound: true,
		Bytes:      directoryName,
	})
	if err != nil {
		return Attribute{}, err
	}

	return NewAttribute(OIDSigningCertificateV2, SigningCertificateV2{
		Certs: []ESSCertIDv2{{
			CertHash: h[:],
			IssuerSerial: ESSIssuerSerial{
				Issuer:       asn1.RawValue{FullBytes: generalNames},
				SerialNumber: cert.SerialNumber,
			},
		}},
	})
}

// MarshalSignedAttrs encodes signed attributes as the DER SET OF that is
// actually signed (RFC 5652 Section 5.4). Elements are sorted by encoding.
func MarshalSignedAttrs(attrs []Attribute) ([]byte, error) {
	encoded := make([][]byte, len(attrs))
	total := 0
	for i, attr := range attrs {
		enc, err := asn1.Marshal(attr)
		if err != nil {
			return nil, err
		}
		encoded[i] = enc
		total += len(enc)
	}
	sort.Slice(encoded, func(i, j int) bool {
		return bytes.Compare(encoded[i], encoded[j]) < 0
	})

	content := make([]byte, 0, total)
	for _, enc := range encoded {
		content = append(content, enc...)
	}
	return asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassUniversal,
		Tag:        asn1.TagSet,
		IsCompound: true,
		Bytes:      content,
	})
}

// sortAttributes sorts attributes by their DER encoding for SET OF compliance.
func sortAttributes(attrs []Attribute) ([]Attribute, error) {
	type item struct {
		attr    Attribute
		encoded []byte
	}
	items := make([]item, len(attrs))
	for i, attr := range attrs {
		enc, err := asn1.Marshal(attr)
		if err != nil {
			return nil, err
		}
		items[i] = item{attr: attr, encoded: enc}
	}
	sort.Slice(items, func(i, j int) bool {
		return bytes.Compare(items[i].encoded, items[j].encoded) < 0
	})
	out := make([]Attribute, len(items))
	for i, it := range items {
		out[i] = it.attr
	}
	return out, nil
}

// findAttr returns the first value of the attribute oid.
func findAttr(attrs []Attribute, oid asn1.ObjectIdentifier) (asn1.RawValue, bool) {
	for _, attr := range attrs {
		if attr.Type.Equal(oid) && len(attr.Values) > 0 {
			return attr.Values[0], true
		}
	}
	return asn1.RawValue{}, false
}

// issuerAndSerial encodes the SignerIdentifier / RecipientIdentifier of cert.
func issuerAndSerial(cert *x509.Certificate) (asn1.RawValue, error) {
	der, err := asn1.Marshal(IssuerAndSerialNumber{
		Issuer:       asn1.RawValue{FullBytes: cert.RawIssuer},
		SerialNumber: cert.SerialNumber,
	})
	if err != nil {
		return asn1.RawValue{}, err
	}
	return asn1.RawValue{FullBytes: der}, nil
}

// matchesIdentifier reports whether a raw SignerIdentifier or
// RecipientIdentifier designates cert.
func matchesIdentifier(id asn1.RawValue, cert *x509.Certificate) bool {
	if id.Class == asn1.ClassContextSpecific && id.Tag == 0 {
		// subjectKeyIdentifier [0]
		return len(cert.SubjectKeyId) > 0 && bytes.Equal(id.Bytes, cert.SubjectKeyId)
	}
	var ias IssuerAndSerialNumber
	if _, err := asn1.Unmarshal(id.FullBytes, &ias); err != nil {
		return false
	}
	return ias.SerialNumber != nil &&
		cert.SerialNumber.Cmp(ias.SerialNumber) == 0 &&
		bytes.Equal(cert.RawIssuer, ias.Issuer.FullBytes)
}
