// Package tsa implements the RFC 3161 Time-Stamp Protocol: requests,
// tokens, responses, token verification, an HTTP client and an authority
// for test PKIs.
package tsa

import (
	"errors"
	"fmt"
)

// TSAError represents a Time-Stamp Authority operation error with structured context.
type TSAError struct {
	Op  string // "request", "response", "verify", "sign", "parse"
	Err error
}

// Error implements the error interface.
func (e *TSAError) Error() string {
	return fmt.Sprintf("tsa %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *TSAError) Unwrap() error { return e.Err }

// NewTSAError creates a new TSAError with the given operation and error.
func NewTSAError(op string, err error) *TSAError {
	return &TSAError{Op: op, Err: err}
}

var (
	// ErrInvalidRequest indicates the timestamp request is malformed.
	ErrInvalidRequest = errors.New("invalid timestamp request")

	// ErrInvalidResponse indicates the timestamp response is malformed.
	ErrInvalidResponse = errors.New("invalid timestamp response")

	// ErrRejected indicates the authority did not grant the request.
	ErrRejected = errors.New("timestamp request rejected")

	// ErrVerificationFailed indicates the token signature or chain is invalid.
	ErrVerificationFailed = errors.New("timestamp verification failed")

	// ErrHashMismatch indicates the message imprint does not match the data.
	ErrHashMismatch = errors.New("message imprint mismatch")

	// ErrNonceMismatch indicates the nonce in the token does not match the request.
	ErrNonceMismatch = errors.New("nonce mismatch")

	// ErrUnsupportedHashAlgorithm indicates the hash algorithm is not supported.
	ErrUnsupportedHashAlgorithm = errors.New("unsupported hash algorithm")

	// ErrInvalidToken indicates the timestamp token is invalid.
	ErrInvalidToken = errors.New("invalid timestamp token")
)
