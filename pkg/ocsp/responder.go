package ocsp

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// StatusInfo holds the revocation state of one serial number.
type StatusInfo struct {
	Status           CertStatus
	RevocationTime   time.Time
	RevocationReason RevocationReason
}

// StatusStore answers revocation queries for certificates of one CA.
type StatusStore interface {
	Status(ctx context.Context, serial *big.Int) (*StatusInfo, error)
}

// MemoryStore is an in-memory StatusStore. Serials never issued or revoked
// report Good when DefaultGood is set, Unknown otherwise.
type MemoryStore struct {
	DefaultGood bool

	mu      sync.RWMutex
	entries map[string]StatusInfo
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(defaultGood bool) *MemoryStore {
	return &MemoryStore{DefaultGood: defaultGood, entries: make(map[string]StatusInfo)}
}

// MarkGood records serial as valid.
func (s *MemoryStore) MarkGood(serial *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[serial.Text(16)] = StatusInfo{Status: CertStatusGood}
}

// Revoke records serial as revoked at t.
func (s *MemoryStore) Revoke(serial *big.Int, t time.Time, reason RevocationReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[serial.Text(16)] = StatusInfo{Status: CertStatusRevoked, RevocationTime: t, RevocationReason: reason}
}

// Status implements StatusStore.
func (s *MemoryStore) Status(_ context.Context, serial *big.Int) (*StatusInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if info, ok := s.entries[serial.Text(16)]; ok {
		return &info, nil
	}
	if s.DefaultGood {
		return &StatusInfo{Status: CertStatusGood}, nil
	}
	return &StatusInfo{Status: CertStatusUnknown}, nil
}

// ResponderConfig holds configuration for the OCSP responder.
type ResponderConfig struct {
	// ResponderCert signs responses (default: CACert).
	ResponderCert *x509.Certificate

	// Signer is the private key matching ResponderCert.
	Signer crypto.Signer

	// CACert is the issuer whose certificates are answered for.
	CACert *x509.Certificate

	// Store provides revocation state.
	Store StatusStore

	// Validity sets nextUpdate after thisUpdate (default 1h).
	Validity time.Duration

	// IncludeCerts adds the responder certificate to each response.
	IncludeCerts bool
}

// Responder answers OCSP requests for one CA.
type Responder struct {
	config ResponderConfig
}

// NewResponder creates a responder.
func NewResponder(config *ResponderConfig) (*Responder, error) {
	if config == nil || config.Signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if config.CACert == nil {
		return nil, fmt.Errorf("CA certificate is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("status store is required")
	}
	c := *config
	if c.ResponderCert == nil {
		c.ResponderCert = c.CACert
	}
	if c.Validity == 0 {
		c.Validity = time.Hour
	}
	return &Responder{config: c}, nil
}

// Respond builds a signed response for every certificate in req. The
// request nonce is echoed.
func (r *Responder) Respond(ctx context.Context, req *OCSPRequest) ([]byte, error) {
	builder := NewResponseBuilder(r.config.ResponderCert, r.config.Signer).
		IncludeCerts(r.config.IncludeCerts)

	now := time.Now().UTC()
	nextUpdate := now.Add(r.config.Validity)

	for i := range req.TBSRequest.RequestList {
		certID := &req.TBSRequest.RequestList[i].ReqCert
		if !certID.MatchesIssuer(r.config.CACert) {
			builder.AddUnknown(certID, now, nextUpdate)
			continue
		}
		info, err := r.config.Store.Status(ctx, certID.SerialNumber)
		if err != nil {
			return nil, fmt.Errorf("failed to read status: %w", err)
		}
		switch info.Status {
		case CertStatusGood:
			builder.AddGood(certID, now, nextUpdate)
		case CertStatusRevoked:
			builder.AddRevoked(certID, now, nextUpdate, info.RevocationTime, info.RevocationReason)
		default:
			builder.AddUnknown(certID, now, nextUpdate)
		}
	}
	builder.AddNonce(req.Nonce())
	return builder.Build()
}

// ServeHTTP implements the RFC 6960 Appendix A HTTP binding.
func (r *Responder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var (
		resp []byte
		err  error
	)
	ocspReq, parseErr := ParseRequestFromHTTP(req)
	switch {
	case parseErr != nil && errors.Is(parseErr, ErrMalformed):
		resp, err = NewErrorResponse(StatusMalformedRequest)
	case parseErr != nil:
		resp, err = NewErrorResponse(StatusInternalError)
	default:
		resp, err = r.Respond(req.Context(), ocspReq)
		if err != nil {
			resp, err = NewErrorResponse(StatusInternalError)
		}
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", responseContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}
