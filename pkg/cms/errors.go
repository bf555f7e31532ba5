// Package cms implements the parts of the Cryptographic Message Syntax
// (RFC 5652) used for document signatures: SignedData (detached or
// embedded, co-signing, embedded OCSP responses and timestamp tokens) and
// EnvelopedData for encrypting signatures to recipients.
package cms

import (
	"errors"
	"fmt"
)

// CMSError represents a CMS operation error with structured context.
type CMSError struct {
	Op  string // "sign", "cosign", "verify", "encrypt", "decrypt", "parse"
	Err error
}

// Error implements the error interface.
func (e *CMSError) Error() string {
	return fmt.Sprintf("cms %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *CMSError) Unwrap() error { return e.Err }

// NewCMSError creates a new CMSError with the given operation and error.
func NewCMSError(op string, err error) *CMSError {
	return &CMSError{Op: op, Err: err}
}

// Sentinel errors for CMS operations.
var (
	// ErrInvalidSignature indicates signature verification failed.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrDigestMismatch indicates the content does not match the
	// message-digest attribute.
	ErrDigestMismatch = errors.New("message digest mismatch")

	// ErrNoContent indicates a detached signature was verified without data.
	ErrNoContent = errors.New("detached signature requires content")

	// ErrNoCertificate indicates the signer certificate could not be found.
	ErrNoCertificate = errors.New("no certificate found")

	// ErrUntrusted indicates the signer chain does not reach a trust anchor.
	ErrUntrusted = errors.New("certificate not trusted")

	// ErrInvalidContent indicates the CMS content is malformed.
	ErrInvalidContent = errors.New("invalid CMS content")

	// ErrNoSigner indicates no signer information was found.
	ErrNoSigner = errors.New("no signer information")

	// ErrUnsupportedAlgorithm indicates an unsupported cryptographic algorithm.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

	// ErrMissingAttribute indicates a required signed attribute is missing.
	ErrMissingAttribute = errors.New("missing signed attribute")

	// ErrNoRecipient indicates no matching recipient was found for decryption.
	ErrNoRecipient = errors.New("no matching recipient")

	// ErrDecryptFailed indicates decryption of the CMS content failed.
	ErrDecryptFailed = errors.New("decryption failed")
)
