package cms

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
)

// EnvelopedData represents CMS EnvelopedData (RFC 5652 Section 6).
// RecipientInfos stay raw because RecipientInfo is a CHOICE.
type EnvelopedData struct {
	Version              int
	RecipientInfos       []asn1.RawValue `asn1:"set"`
	EncryptedContentInfo EncryptedContentInfo
}

// EncryptedContentInfo contains the encrypted content (RFC 5652 Section 6.1).
type EncryptedContentInfo struct {
	ContentType                asn1.ObjectIdentifier
	ContentEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedContent           []byte `asn1:"optional,tag:0"`
}

// keyTransRecipientInfo is the ktri branch (RFC 5652 Section 6.2.1).
type keyTransRecipientInfo struct {
	Version                int
	RID                    asn1.RawValue
	KeyEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedKey           []byte
}

// keyAgreeRecipientInfo is the [1] IMPLICIT kari branch (RFC 5652 Section 6.2.2).
// Originator holds the complete [0] EXPLICIT OriginatorIdentifierOrKey.
type keyAgreeRecipientInfo struct {
	Version                int
	Originator             asn1.RawValue
	UKM                    []byte `asn1:"optional,explicit,tag:1"`
	KeyEncryptionAlgorithm pkix.AlgorithmIdentifier
	RecipientEncryptedKeys []recipientEncryptedKey
}

type recipientEncryptedKey struct {
	RID          asn1.RawValue
	EncryptedKey []byte
}

// originatorPublicKey is the [1] IMPLICIT originatorKey branch.
type originatorPublicKey struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

// rsaOAEPParams is RSAES-OAEP-params (RFC 4055). The empty label default is
// used, so pSourceFunc is omitted.
type rsaOAEPParams struct {
	HashAlgorithm    pkix.AlgorithmIdentifier `asn1:"explicit,tag:0"`
	MaskGenAlgorithm pkix.AlgorithmIdentifier `asn1:"explicit,tag:1"`
}

// gcmParameters is GCMParameters (RFC 5084).
type gcmParameters struct {
	Nonce  []byte
	ICVLen int `asn1:"default:12"`
}

// eccCMSSharedInfo is ECC-CMS-SharedInfo (RFC 5753 Section 7.2).
type eccCMSSharedInfo struct {
	KeyInfo     pkix.AlgorithmIdentifier
	EntityUInfo []byte `asn1:"optional,explicit,tag:0"`
	SuppPubInfo []byte `asn1:"explicit,tag:2"`
}

// retag re-encodes the outer tag of a constructed DER element.
func retag(der []byte, class, tag int) ([]byte, error) {
	var rv asn1.RawValue
	if _, err := asn1.Unmarshal(der, &rv); err != nil {
		return nil, err
	}
	return asn1.Marshal(asn1.RawValue{Class: class, Tag: tag, IsCompound: true, Bytes: rv.Bytes})
}

// ParseEnvelopedData parses a ContentInfo holding EnvelopedData. An
// originatorInfo [0] or unprotectedAttrs [1] field is skipped.
func ParseEnvelopedData(data []byte) (*EnvelopedData, error) {
	ci, err := ParseContentInfo(data)
	if err != nil {
		return nil, err
	}
	if !ci.ContentType.Equal(OIDEnvelopedData) {
		return nil, fmt.Errorf("%w: not an EnvelopedData structure, got OID %v", ErrInvalidContent, ci.ContentType)
	}

	var seq asn1.RawValue
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &seq); err != nil {
		return nil, fmt.Errorf("%w: failed to parse EnvelopedData: %v", ErrInvalidContent, err)
	}
	var fields []asn1.RawValue
	for rest := seq.Bytes; len(rest) > 0; {
		var f asn1.RawValue
		if rest, err = asn1.Unmarshal(rest, &f); err != nil {
			return nil, fmt.Errorf("%w: failed to parse EnvelopedData: %v", ErrInvalidContent, err)
		}
		if f.Class == asn1.ClassContextSpecific {
			continue
		}
		fields = append(fields, f)
	}
	if len(fields) != 3 {
		return nil, fmt.Errorf("%w: EnvelopedData has %d fields", ErrInvalidContent, len(fields))
	}

	var env EnvelopedData
	if _, err := asn1.Unmarshal(fields[0].FullBytes, &env.Version); err != nil {
		return nil, fmt.Errorf("%w: version: %v", ErrInvalidContent, err)
	}
	for rest := fields[1].Bytes; len(rest) > 0; {
		var ri asn1.RawValue
		if rest, err = asn1.Unmarshal(rest, &ri); err != nil {
			return nil, fmt.Errorf("%w: recipientInfos: %v", ErrInvalidContent, err)
		}
		env.RecipientInfos = append(env.RecipientInfos, ri)
	}
	if _, err := asn1.Unmarshal(fields[2].FullBytes, &env.EncryptedContentInfo); err != nil {
		return nil, fmt.Errorf("%w: encryptedContentInfo: %v", ErrInvalidContent, err)
	}
	return &env, nil
}

// Marshal encodes env wrapped in a ContentInfo.
func (env *EnvelopedData) Marshal() ([]byte, error) {
	inner, err := asn1.Marshal(*env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal EnvelopedData: %w", err)
	}
	return asn1.Marshal(ContentInfo{
		ContentType: OIDEnvelopedData,
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: inner},
	})
}
