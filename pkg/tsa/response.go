package tsa

import (
	"encoding/asn1"
	"fmt"
)

// PKIStatus values (RFC 3161 Section 2.4.2).
const (
	StatusGranted                = 0
	StatusGrantedWithMods        = 1
	StatusRejection              = 2
	StatusWaiting                = 3
	StatusRevocationWarning      = 4
	StatusRevocationNotification = 5
)

// PKIFailureInfo bits.
const (
	FailBadAlg              = 0
	FailBadRequest          = 2
	FailBadDataFormat       = 5
	FailTimeNotAvailable    = 14
	FailUnacceptedPolicy    = 15
	FailUnacceptedExtension = 16
	FailAddInfoNotAvailable = 17
	FailSystemFailure       = 25
)

// TimeStampResp is the DER response structure.
type TimeStampResp struct {
	Status         PKIStatusInfo
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

// PKIStatusInfo carries the status of a response.
type PKIStatusInfo struct {
	Status       int
	StatusString []string       `asn1:"optional"`
	FailInfo     asn1.BitString `asn1:"optional"`
}

// Response is a parsed timestamp response.
type Response struct {
	Status PKIStatusInfo
	Token  *Token
}

// NewGrantedResponse wraps a token in a granted response.
func NewGrantedResponse(token *Token) *Response {
	return &Response{Status: PKIStatusInfo{Status: StatusGranted}, Token: token}
}

// NewRejectionResponse creates a rejection with one failure bit.
func NewRejectionResponse(failInfo int, message string) *Response {
	status := PKIStatusInfo{Status: StatusRejection, FailInfo: failInfoBitString(failInfo)}
	if message != "" {
		status.StatusString = []string{message}
	}
	return &Response{Status: status}
}

func failInfoBitString(bit int) asn1.BitString {
	b := make([]byte, bit/8+1)
	b[bit/8] = 0x80 >> uint(bit%8)
	return asn1.BitString{Bytes: b, BitLength: bit + 1}
}

// Marshal encodes the response as DER.
func (r *Response) Marshal() ([]byte, error) {
	resp := TimeStampResp{Status: r.Status}
	if r.Token != nil && r.IsGranted() {
		resp.TimeStampToken = asn1.RawValue{FullBytes: r.Token.Raw}
	}
	return asn1.Marshal(resp)
}

// ParseResponse parses a DER TimeStampResp.
func ParseResponse(data []byte) (*Response, error) {
	var resp TimeStampResp
	rest, err := asn1.Unmarshal(data, &resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: trailing data after TimeStampResp", ErrInvalidResponse)
	}

	response := &Response{Status: resp.Status}
	if len(resp.TimeStampToken.FullBytes) > 0 {
		token, err := ParseToken(resp.TimeStampToken.FullBytes)
		if err != nil {
			return nil, err
		}
		response.Token = token
	}
	if response.IsGranted() && response.Token == nil {
		return nil, fmt.Errorf("%w: granted response without token", ErrInvalidResponse)
	}
	return response, nil
}

// IsGranted reports whether a token was issued.
func (r *Response) IsGranted() bool {
	return r.Status.Status == StatusGranted || r.Status.Status == StatusGrantedWithMods
}

// StatusString returns a human-readable status string.
func (r *Response) StatusString() string {
	switch r.Status.Status {
	case StatusGranted:
		return "granted"
	case StatusGrantedWithMods:
		return "granted with modifications"
	case StatusRejection:
		return "rejection"
	case StatusWaiting:
		return "waiting"
	case StatusRevocationWarning:
		return "revocation warning"
	case StatusRevocationNotification:
		return "revocation notification"
	default:
		return fmt.Sprintf("unknown status %d", r.Status.Status)
	}
}

// FailureString returns a human-readable failure reason.
func (r *Response) FailureString() string {
	fi := r.Status.FailInfo
	for i := 0; i < fi.BitLength; i++ {
		if fi.At(i) == 1 {
			return failureInfoString(i)
		}
	}
	if len(r.Status.StatusString) > 0 {
		return r.Status.StatusString[0]
	}
	return ""
}

func failureInfoString(bit int) string {
	switch bit {
	case FailBadAlg:
		return "unrecognized or unsupported algorithm"
	case FailBadRequest:
		return "transaction not permitted or supported"
	case FailBadDataFormat:
		return "data submitted has wrong format"
	case FailTimeNotAvailable:
		return "time source not available"
	case FailUnacceptedPolicy:
		return "requested policy not supported"
	case FailUnacceptedExtension:
		return "requested extension not supported"
	case FailAddInfoNotAvailable:
		return "additional information not available"
	case FailSystemFailure:
		return "system failure"
	default:
		return fmt.Sprintf("failure bit %d", bit)
	}
}
