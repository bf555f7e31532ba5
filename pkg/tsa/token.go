package tsa

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/remiblancher/qsign/pkg/cms"
)

// TSTInfo is the timestamp token content (RFC 3161 Section 2.4.2).
// Extensions are not modelled; TSA is only kept when it carries the [0] tag.
type TSTInfo struct {
	Version        int
	Policy         asn1.ObjectIdentifier
	MessageImprint MessageImprint
	SerialNumber   *big.Int
	GenTime        time.Time     `asn1:"generalized"`
	Accuracy       Accuracy      `asn1:"optional"`
	Ordering       bool          `asn1:"optional,default:false"`
	Nonce          *big.Int      `asn1:"optional"`
	TSA            asn1.RawValue `asn1:"optional"`
}

// Accuracy represents the time deviation around GenTime.
type Accuracy struct {
	Seconds int `asn1:"optional"`
	Millis  int `asn1:"optional,tag:0"`
	Micros  int `asn1:"optional,tag:1"`
}

// IsZero reports whether no accuracy is set.
func (a Accuracy) IsZero() bool {
	return a.Seconds == 0 && a.Millis == 0 && a.Micros == 0
}

// Duration returns the accuracy as a time.Duration.
func (a Accuracy) Duration() time.Duration {
	return time.Duration(a.Seconds)*time.Second +
		time.Duration(a.Millis)*time.Millisecond +
		time.Duration(a.Micros)*time.Microsecond
}

// TokenConfig contains configuration for token generation.
type TokenConfig struct {
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
	Signer      crypto.Signer
	Policy      asn1.ObjectIdentifier
	Accuracy    Accuracy
	Ordering    bool
	IncludeTSA  bool
	// Clock overrides time.Now for genTime.
	Clock func() time.Time
}

// SerialGenerator generates unique serial numbers for tokens.
type SerialGenerator interface {
	Next() (*big.Int, error)
}

// RandomSerialGenerator generates random 128-bit serial numbers.
type RandomSerialGenerator struct{}

// Next returns a random serial number.
func (RandomSerialGenerator) Next() (*big.Int, error) {
	max := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, max)
}

// CounterSerialGenerator issues increasing serial numbers from Start.
type CounterSerialGenerator struct {
	mu   sync.Mutex
	next int64
}

// NewCounterSerialGenerator starts counting at start.
func NewCounterSerialGenerator(start int64) *CounterSerialGenerator {
	return &CounterSerialGenerator{next: start}
}

// Next returns the next serial number.
func (g *CounterSerialGenerator) Next() (*big.Int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := big.NewInt(g.next)
	g.next++
	return n, nil
}

// Token represents a timestamp token.
type Token struct {
	Info *TSTInfo
	// Raw is the DER ContentInfo wrapping the SignedData.
	Raw []byte
}

// CreateToken signs a TSTInfo answering req.
func CreateToken(ctx context.Context, req *TimeStampReq, config *TokenConfig, serials SerialGenerator) (*Token, error) {
	if config.Certificate == nil {
		return nil, fmt.Errorf("certificate is required")
	}
	if config.Signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if len(config.Policy) == 0 {
		return nil, fmt.Errorf("policy OID is required")
	}
	if len(req.ReqPolicy) > 0 && !req.ReqPolicy.Equal(config.Policy) {
		return nil, fmt.Errorf("%w: policy %v not supported", ErrInvalidRequest, req.ReqPolicy)
	}

	serial, err := serials.Next()
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}
	now := time.Now
	if config.Clock != nil {
		now = config.Clock
	}

	info := TSTInfo{
		Version:        1,
		Policy:         config.Policy,
		MessageImprint: req.MessageImprint,
		SerialNumber:   serial,
		GenTime:        now().UTC().Truncate(time.Second),
		Accuracy:       config.Accuracy,
		Ordering:       config.Ordering,
		Nonce:          req.Nonce,
	}
	if config.IncludeTSA {
		name, err := tsaGeneralName(config.Certificate)
		if err != nil {
			return nil, err
		}
		info.TSA = name
	}

	infoDER, err := asn1.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal TSTInfo: %w", err)
	}

	signerConfig := &cms.SignerConfig{
		Signer:           config.Signer,
		Certificate:      config.Certificate,
		SigningTime:      info.GenTime,
		ContentType:      cms.OIDTSTInfo,
		OmitCertificates: !req.CertReq,
	}
	if req.CertReq {
		signerConfig.Chain = config.Chain
	}
	raw, err := cms.Sign(ctx, infoDER, signerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create SignedData: %w", err)
	}
	return &Token{Info: &info, Raw: raw}, nil
}

// tsaGeneralName encodes [0] EXPLICIT GeneralName directoryName.
func tsaGeneralName(cert *x509.Certificate) (asn1.RawValue, error) {
	dirName, err := asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        4,
		IsCompound: true,
		Bytes:      cert.RawSubject,
	})
	if err != nil {
		return asn1.RawValue{}, fmt.Errorf("failed to marshal TSA name: %w", err)
	}
	full, err := asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        0,
		IsCompound: true,
		Bytes:      dirName,
	})
	if err != nil {
		return asn1.RawValue{}, fmt.Errorf("failed to marshal TSA name: %w", err)
	}
	return asn1.RawValue{FullBytes: full}, nil
}

// ParseToken parses a DER timestamp token.
func ParseToken(data []byte) (*Token, error) {
	sd, err := cms.ParseSignedData(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !sd.EncapContentInfo.EContentType.Equal(cms.OIDTSTInfo) {
		return nil, fmt.Errorf("%w: unexpected content type %v", ErrInvalidToken, sd.EncapContentInfo.EContentType)
	}
	content, ok := sd.Content()
	if !ok {
		return nil, fmt.Errorf("%w: TSTInfo missing", ErrInvalidToken)
	}
	var info TSTInfo
	if _, err := asn1.Unmarshal(content, &info); err != nil {
		return nil, fmt.Errorf("%w: failed to parse TSTInfo: %v", ErrInvalidToken, err)
	}
	if info.Version != 1 {
		return nil, fmt.Errorf("%w: TSTInfo version %d", ErrInvalidToken, info.Version)
	}
	return &Token{Info: &info, Raw: data}, nil
}

// GenTime returns the generation time.
func (t *Token) GenTime() time.Time {
	if t.Info == nil {
		return time.Time{}
	}
	return t.Info.GenTime
}

// SerialNumber returns the token serial number.
func (t *Token) SerialNumber() *big.Int {
	if t.Info == nil {
		return nil
	}
	return t.Info.SerialNumber
}

// HashAlgorithm returns the hash algorithm of the message imprint.
func (t *Token) HashAlgorithm() (crypto.Hash, error) {
	if t.Info == nil {
		return 0, fmt.Errorf("no TSTInfo")
	}
	return imprintHash(t.Info.MessageImprint)
}

// HasTSAName reports whether the token names its TSA.
func (t *Token) HasTSAName() bool {
	return t.Info != nil && t.Info.TSA.Class == asn1.ClassContextSpecific && t.Info.TSA.Tag == 0
}
