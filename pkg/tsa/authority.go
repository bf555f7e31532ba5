package tsa

import (
	"context"
	"crypto"
	"errors"
	"io"
	"net/http"
)

// Authority issues timestamp tokens.
type Authority struct {
	config  TokenConfig
	serials SerialGenerator
}

// NewAuthority creates an authority. serials defaults to random serials.
func NewAuthority(config *TokenConfig, serials SerialGenerator) (*Authority, error) {
	if config == nil || config.Signer == nil || config.Certificate == nil {
		return nil, errors.New("TSA certificate and signer are required")
	}
	if len(config.Policy) == 0 {
		return nil, errors.New("TSA policy OID is required")
	}
	if serials == nil {
		serials = RandomSerialGenerator{}
	}
	return &Authority{config: *config, serials: serials}, nil
}

// Respond answers a DER TimeStampReq with a DER TimeStampResp. Request
// problems produce rejection responses, not errors.
func (a *Authority) Respond(ctx context.Context, reqDER []byte) ([]byte, error) {
	req, err := ParseRequest(reqDER)
	if err != nil {
		fail := FailBadDataFormat
		if errors.Is(err, ErrUnsupportedHashAlgorithm) {
			fail = FailBadAlg
		}
		return NewRejectionResponse(fail, err.Error()).Marshal()
	}
	token, err := CreateToken(ctx, req, &a.config, a.serials)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			return NewRejectionResponse(FailUnacceptedPolicy, err.Error()).Marshal()
		}
		return NewRejectionResponse(FailSystemFailure, "token generation failed").Marshal()
	}
	return NewGrantedResponse(token).Marshal()
}

// TimestampDigest issues a token over digest without a network round trip.
func (a *Authority) TimestampDigest(ctx context.Context, hash crypto.Hash, digest []byte) (*Token, error) {
	mi, err := NewMessageImprint(hash, digest)
	if err != nil {
		return nil, NewTSAError("sign", err)
	}
	token, err := CreateToken(ctx, &TimeStampReq{Version: 1, MessageImprint: mi, CertReq: true}, &a.config, a.serials)
	if err != nil {
		return nil, NewTSAError("sign", err)
	}
	return token, nil
}

// ServeHTTP implements the RFC 3161 HTTP transport.
func (a *Authority) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		http.Error(w, "failed to read request", http.StatusBadRequest)
		return
	}
	resp, err := a.Respond(r.Context(), body)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", replyContentType)
	_, _ = w.Write(resp)
}
