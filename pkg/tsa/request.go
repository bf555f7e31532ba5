package tsa

import (
	"crypto"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"

	pkicrypto "github.com/remiblancher/qsign/internal/crypto"
	"github.com/remiblancher/qsign/pkg/cms"
)

// TimeStampReq represents a timestamp request (RFC 3161 Section 2.4.1).
type TimeStampReq struct {
	Version        int
	MessageImprint MessageImprint
	ReqPolicy      asn1.ObjectIdentifier `asn1:"optional"`
	Nonce          *big.Int              `asn1:"optional"`
	CertReq        bool                  `asn1:"optional,default:false"`
	Extensions     []pkix.Extension      `asn1:"optional,tag:0"`
}

// MessageImprint contains the hash of the data to be timestamped.
type MessageImprint struct {
	HashAlgorithm pkix.AlgorithmIdentifier
	HashedMessage []byte
}

// ParseRequest parses a DER-encoded TimeStampReq.
func ParseRequest(data []byte) (*TimeStampReq, error) {
	var req TimeStampReq
	rest, err := asn1.Unmarshal(data, &req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: trailing data after TimeStampReq", ErrInvalidRequest)
	}
	if req.Version != 1 {
		return nil, fmt.Errorf("%w: unsupported TSP version %d", ErrInvalidRequest, req.Version)
	}
	h, err := req.HashAlgorithm()
	if err != nil {
		return nil, err
	}
	if len(req.MessageImprint.HashedMessage) != h.Size() {
		return nil, fmt.Errorf("%w: hash length %d, expected %d", ErrInvalidRequest,
			len(req.MessageImprint.HashedMessage), h.Size())
	}
	return &req, nil
}

// HashAlgorithm returns the crypto.Hash for the message imprint.
func (r *TimeStampReq) HashAlgorithm() (crypto.Hash, error) {
	return imprintHash(r.MessageImprint)
}

func imprintHash(mi MessageImprint) (crypto.Hash, error) {
	h, err := cms.HashFromOID(mi.HashAlgorithm.Algorithm)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnsupportedHashAlgorithm, mi.HashAlgorithm.Algorithm)
	}
	return h, nil
}

// NewMessageImprint creates a MessageImprint from a digest.
func NewMessageImprint(hash crypto.Hash, digest []byte) (MessageImprint, error) {
	oid := cms.HashOID(hash)
	if oid == nil {
		return MessageImprint{}, fmt.Errorf("%w: %v", ErrUnsupportedHashAlgorithm, hash)
	}
	return MessageImprint{
		HashAlgorithm: pkix.AlgorithmIdentifier{Algorithm: oid},
		HashedMessage: digest,
	}, nil
}

// CreateRequest creates a TimeStampReq over data.
func CreateRequest(data []byte, hashAlg crypto.Hash, nonce *big.Int, certReq bool) (*TimeStampReq, error) {
	digest, err := pkicrypto.Digest(hashAlg, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedHashAlgorithm, err)
	}
	mi, err := NewMessageImprint(hashAlg, digest)
	if err != nil {
		return nil, err
	}
	return &TimeStampReq{
		Version:        1,
		MessageImprint: mi,
		Nonce:          nonce,
		CertReq:        certReq,
	}, nil
}

// Marshal encodes the TimeStampReq as DER.
func (r *TimeStampReq) Marshal() ([]byte, error) {
	return asn1.Marshal(*r)
}
