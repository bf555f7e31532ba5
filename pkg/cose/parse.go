package cose

import (
	"crypto/x509"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	gocose "github.com/veraison/go-cose"
)

// CBORTagSign1 is the COSE_Sign1_Tagged tag.
const CBORTagSign1 = 18

// Message is a parsed COSE_Sign1 message.
type Message struct {
	Algorithm    gocose.Algorithm
	KeyID        []byte
	ContentType  string
	Certificates []*x509.Certificate
	// Payload is nil for detached messages.
	Payload   []byte
	Signature []byte

	sign1 *gocose.Sign1Message
}

// Detached reports whether the payload was left out of the message.
func (m *Message) Detached() bool { return m.Payload == nil }

// IsSign1 reports whether data starts with a COSE_Sign1 tag.
func IsSign1(data []byte) bool {
	var tag cbor.RawTag
	if err := cbor.Unmarshal(data, &tag); err != nil {
		return false
	}
	return tag.Number == CBORTagSign1
}

// Parse decodes a tagged COSE_Sign1 message.
func Parse(data []byte) (*Message, error) {
	if !IsSign1(data) {
		return nil, fmt.Errorf("%w: missing tag %d", ErrMalformed, CBORTagSign1)
	}
	var sign1 gocose.Sign1Message
	if err := cbor.Unmarshal(data, &sign1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	alg, err := sign1.Headers.Protected.Algorithm()
	if err != nil {
		return nil, fmt.Errorf("%w: algorithm header: %v", ErrMalformed, err)
	}
	msg := &Message{
		Algorithm: alg,
		Payload:   sign1.Payload,
		Signature: sign1.Signature,
		sign1:     &sign1,
	}
	if kid, ok := sign1.Headers.Protected[gocose.HeaderLabelKeyID].([]byte); ok {
		msg.KeyID = kid
	}
	if ct, ok := sign1.Headers.Protected[gocose.HeaderLabelContentType].(string); ok {
		msg.ContentType = ct
	}
	if x5chain, ok := sign1.Headers.Protected[HeaderX5Chain]; ok {
		if msg.Certificates, err = parseX5Chain(x5chain); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// parseX5Chain accepts a single bstr or an array of bstr.
func parseX5Chain(v any) ([]*x509.Certificate, error) {
	var raws [][]byte
	switch x := v.(type) {
	case []byte:
		raws = [][]byte{x}
	case [][]byte:
		raws = x
	case []any:
		for _, e := range x {
			b, ok := e.([]byte)
			if !ok {
				return nil, fmt.Errorf("%w: x5chain element is %T", ErrMalformed, e)
			}
			raws = append(raws, b)
		}
	default:
		return nil, fmt.Errorf("%w: x5chain is %T", ErrMalformed, v)
	}
	certs := make([]*x509.Certificate, 0, len(raws))
	for _, raw := range raws {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: x5chain certificate: %v", ErrMalformed, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}
