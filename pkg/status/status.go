// Package status defines the outcome kinds returned by the signature engine.
//
// Every engine operation either succeeds or fails with a *Error carrying one
// of the Kind values below plus a diagnostic message. Callers test kinds with
// errors.Is against the sentinel values (ErrDocumentMismatch, ...) or extract
// the full error with errors.As.
package status

import (
	"errors"
	"fmt"
)

// Kind classifies a failed operation.
type Kind int

const (
	// KindNone is the zero value and never appears in a returned error.
	KindNone Kind = iota
	KindInvalidRequest
	KindCredentialUnavailable
	KindUserCancelled
	KindBufferTooSmall
	KindDocumentMismatch
	KindSignatureInvalid
	KindNoSignaturePresent
	KindCertificateUntrusted
	KindRevocationCheckFailed
	KindNotInitialized
	KindEngineFailure
)

var kindNames = map[Kind]string{
	KindNone:                  "None",
	KindInvalidRequest:        "InvalidRequest",
	KindCredentialUnavailable: "CredentialUnavailable",
	KindUserCancelled:         "UserCancelled",
	KindBufferTooSmall:        "BufferTooSmall",
	KindDocumentMismatch:      "DocumentMismatch",
	KindSignatureInvalid:      "SignatureInvalid",
	KindNoSignaturePresent:    "NoSignaturePresent",
	KindCertificateUntrusted:  "CertificateUntrusted",
	KindRevocationCheckFailed: "RevocationCheckFailed",
	KindNotInitialized:        "NotInitialized",
	KindEngineFailure:         "EngineFailure",
}

// String returns the kind name.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Code returns the numeric status code used by the legacy engine interface.
// Zero means success; values are negative for failures.
func (k Kind) Code() int {
	switch k {
	case KindNone:
		return 0
	case KindSignatureInvalid:
		return -1
	case KindBufferTooSmall:
		return -2
	case KindEngineFailure:
		return -3
	case KindNotInitialized:
		return -6
	case KindInvalidRequest:
		return -8
	case KindDocumentMismatch:
		return -11
	case KindUserCancelled:
		return -12
	case KindCredentialUnavailable:
		return -27
	case KindNoSignaturePresent:
		return -29
	case KindCertificateUntrusted:
		return -30
	case KindRevocationCheckFailed:
		return -31
	default:
		return -3
	}
}

// ParseKind resolves a kind from its name. Unknown names map to KindEngineFailure.
func ParseKind(name string) Kind {
	for k, n := range kindNames {
		if n == name {
			return k
		}
	}
	return KindEngineFailure
}

// Error is the discriminated failure returned by engine operations.
type Error struct {
	Kind    Kind
	Op      string // Operation: "sign", "verify", "certificates", "init", ...
	Message string // Diagnostic for the end user
	// Required is the artifact size in bytes when Kind is KindBufferTooSmall.
	Required int
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Kind, msg)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a sentinel of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// New creates an Error of the given kind with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around err.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// TooSmall creates a KindBufferTooSmall error reporting the required size.
func TooSmall(op string, required, capacity int) *Error {
	return &Error{
		Kind:     KindBufferTooSmall,
		Op:       op,
		Message:  fmt.Sprintf("output of %d bytes exceeds capacity of %d bytes", required, capacity),
		Required: required,
	}
}

// Sentinel values for errors.Is comparisons.
var (
	ErrInvalidRequest        = &Error{Kind: KindInvalidRequest}
	ErrCredentialUnavailable = &Error{Kind: KindCredentialUnavailable}
	ErrUserCancelled         = &Error{Kind: KindUserCancelled}
	ErrBufferTooSmall        = &Error{Kind: KindBufferTooSmall}
	ErrDocumentMismatch      = &Error{Kind: KindDocumentMismatch}
	ErrSignatureInvalid      = &Error{Kind: KindSignatureInvalid}
	ErrNoSignaturePresent    = &Error{Kind: KindNoSignaturePresent}
	ErrCertificateUntrusted  = &Error{Kind: KindCertificateUntrusted}
	ErrRevocationCheckFailed = &Error{Kind: KindRevocationCheckFailed}
	ErrNotInitialized        = &Error{Kind: KindNotInitialized}
	ErrEngineFailure         = &Error{Kind: KindEngineFailure}
)

// KindOf returns the kind of err. A nil error yields KindNone and errors
// that carry no kind yield KindEngineFailure.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindEngineFailure
}

// Classify returns err as a *Error, wrapping foreign errors with the given
// fallback kind and operation.
func Classify(err error, op string, fallback Kind) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(fallback, op, err)
}
