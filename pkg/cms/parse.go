package cms

import (
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
)

// ParseContentInfo parses a CMS ContentInfo structure.
func ParseContentInfo(data []byte) (*ContentInfo, error) {
	var ci ContentInfo
	rest, err := asn1.Unmarshal(data, &ci)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse ContentInfo: %v", ErrInvalidContent, err)
	}
	if len(bytes.TrimRight(rest, "\x00")) > 0 {
		return nil, fmt.Errorf("%w: trailing data after ContentInfo", ErrInvalidContent)
	}
	return &ci, nil
}

// IsSignedData reports whether data starts with a SignedData ContentInfo.
func IsSignedData(data []byte) bool {
	ci, err := ParseContentInfo(data)
	return err == nil && ci.ContentType.Equal(OIDSignedData)
}

// IsEnvelopedData reports whether data starts with an EnvelopedData ContentInfo.
func IsEnvelopedData(data []byte) bool {
	ci, err := ParseContentInfo(data)
	return err == nil && ci.ContentType.Equal(OIDEnvelopedData)
}

// ParseSignedData parses a ContentInfo holding SignedData.
func ParseSignedData(data []byte) (*SignedData, error) {
	ci, err := ParseContentInfo(data)
	if err != nil {
		return nil, err
	}
	if !ci.ContentType.Equal(OIDSignedData) {
		return nil, fmt.Errorf("%w: not a SignedData structure, got OID %v", ErrInvalidContent, ci.ContentType)
	}
	var sd SignedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("%w: failed to parse SignedData: %v", ErrInvalidContent, err)
	}
	return &sd, nil
}

// Marshal encodes sd wrapped in a ContentInfo.
func (sd *SignedData) Marshal() ([]byte, error) {
	sd.Version = sd.version()
	inner, err := asn1.Marshal(*sd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal SignedData: %w", err)
	}
	return asn1.Marshal(ContentInfo{
		ContentType: OIDSignedData,
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: inner},
	})
}

// version follows RFC 5652 Section 5.1.
func (sd *SignedData) version() int {
	if len(sd.RevocationInfo) > 0 {
		for _, ri := range sd.RevocationInfo {
			if ri.Class == asn1.ClassContextSpecific && ri.Tag == 1 {
				return 5
			}
		}
	}
	if !sd.EncapContentInfo.EContentType.Equal(OIDData) {
		return 3
	}
	for _, si := range sd.SignerInfos {
		if si.Version == 3 {
			return 3
		}
	}
	return 1
}

// Content returns the encapsulated content, if any.
func (sd *SignedData) Content() ([]byte, bool) {
	ec := sd.EncapContentInfo.EContent
	if len(ec.Bytes) == 0 {
		return nil, false
	}
	var octets []byte
	if _, err := asn1.Unmarshal(ec.Bytes, &octets); err == nil {
		return octets, true
	}
	return ec.Bytes, true
}

func (sd *SignedData) setContent(content []byte) error {
	octets, err := asn1.Marshal(content)
	if err != nil {
		return fmt.Errorf("failed to encode content: %w", err)
	}
	sd.EncapContentInfo.EContent = asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        0,
		IsCompound: true,
		Bytes:      octets,
	}
	return nil
}

// certificateDERs returns the DER of each X.509 certificate in the set.
// Malformed entries and CertificateChoices other than a certificate are
// errors.
func (sd *SignedData) certificateDERs() ([][]byte, error) {
	if len(sd.Certificates.Raw) == 0 {
		return nil, nil
	}
	var set asn1.RawValue
	if _, err := asn1.Unmarshal(sd.Certificates.Raw, &set); err != nil {
		return nil, fmt.Errorf("%w: certificate set: %v", ErrInvalidContent, err)
	}
	var out [][]byte
	rest := set.Bytes
	for len(rest) > 0 {
		var elem asn1.RawValue
		var err error
		rest, err = asn1.Unmarshal(rest, &elem)
		if err != nil {
			return nil, fmt.Errorf("%w: certificate set: %v", ErrInvalidContent, err)
		}
		if elem.Class != asn1.ClassUniversal || elem.Tag != asn1.TagSequence {
			return nil, fmt.Errorf("%w: unsupported certificate choice [%d]", ErrInvalidContent, elem.Tag)
		}
		out = append(out, elem.FullBytes)
	}
	return out, nil
}

// ParsedCertificates returns the certificates embedded in sd.
func (sd *SignedData) ParsedCertificates() ([]*x509.Certificate, error) {
	ders, err := sd.certificateDERs()
	if err != nil {
		return nil, err
	}
	var certs []*x509.Certificate
	for _, der := range ders {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse embedded certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// addCertificates merges certs into the certificate set, skipping duplicates.
func (sd *SignedData) addCertificates(certs []*x509.Certificate) {
	ders, _ := sd.certificateDERs()
	for _, cert := range certs {
		if cert == nil {
			continue
		}
		dup := false
		for _, der := range ders {
			if bytes.Equal(der, cert.Raw) {
				dup = true
				break
			}
		}
		if !dup {
			ders = append(ders, cert.Raw)
		}
	}
	if len(ders) == 0 {
		return
	}
	raw, err := asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        0,
		IsCompound: true,
		Bytes:      bytes.Join(ders, nil),
	})
	if err == nil {
		sd.Certificates.Raw = raw
	}
}

func (sd *SignedData) addDigestAlgorithm(id pkix.AlgorithmIdentifier) {
	for _, have := range sd.DigestAlgorithms {
		if have.Algorithm.Equal(id.Algorithm) {
			return
		}
	}
	sd.DigestAlgorithms = append(sd.DigestAlgorithms, id)
}

// AddOCSPResponse embeds a DER OCSPResponse as RevocationInfoChoice other.
func (sd *SignedData) AddOCSPResponse(resp []byte) error {
	var check asn1.RawValue
	if _, err := asn1.Unmarshal(resp, &check); err != nil {
		return fmt.Errorf("invalid OCSP response: %w", err)
	}
	for _, have := range sd.OCSPResponses() {
		if bytes.Equal(have, resp) {
			return nil
		}
	}
	inner, err := asn1.Marshal(otherRevocationInfo{
		Format: OIDRevInfoOCSP,
		Info:   asn1.RawValue{FullBytes: resp},
	})
	if err != nil {
		return err
	}
	// [1] IMPLICIT OtherRevocationInfoFormat: re-tag the SEQUENCE.
	var seq asn1.RawValue
	if _, err := asn1.Unmarshal(inner, &seq); err != nil {
		return err
	}
	tagged, err := asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        1,
		IsCompound: true,
		Bytes:      seq.Bytes,
	})
	if err != nil {
		return err
	}
	sd.RevocationInfo = append(sd.RevocationInfo, asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        1,
		IsCompound: true,
		Bytes:      seq.Bytes,
		FullBytes:  tagged,
	})
	return nil
}

// OCSPResponses returns the embedded DER OCSP responses.
func (sd *SignedData) OCSPResponses() [][]byte {
	var out [][]byte
	for _, ri := range sd.RevocationInfo {
		full := ri.FullBytes
		var rv asn1.RawValue
		if _, err := asn1.Unmarshal(full, &rv); err != nil {
			continue
		}
		if rv.Class != asn1.ClassContextSpecific || rv.Tag != 1 {
			continue
		}
		var oid asn1.ObjectIdentifier
		rest, err := asn1.Unmarshal(rv.Bytes, &oid)
		if err != nil || !oid.Equal(OIDRevInfoOCSP) {
			continue
		}
		var info asn1.RawValue
		if _, err := asn1.Unmarshal(rest, &info); err != nil {
			continue
		}
		out = append(out, info.FullBytes)
	}
	return out
}

// TimestampToken returns the id-aa-timeStampToken of the SignerInfo, if any.
func (si *SignerInfo) TimestampToken() ([]byte, bool) {
	v, ok := findAttr(si.UnsignedAttrs, OIDTimeStampToken)
	if !ok {
		return nil, false
	}
	return v.FullBytes, true
}
