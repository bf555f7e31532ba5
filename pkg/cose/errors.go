package cose

import "errors"

var (
	// ErrMalformed indicates the input is not a COSE_Sign1 message.
	ErrMalformed = errors.New("malformed COSE_Sign1 message")

	// ErrUnsupportedAlgorithm indicates a key or COSE algorithm that cannot
	// be used.
	ErrUnsupportedAlgorithm = errors.New("unsupported COSE algorithm")

	// ErrMissingPayload indicates a detached message verified without content.
	ErrMissingPayload = errors.New("detached payload not supplied")

	// ErrInvalidSignature indicates the signature does not verify.
	ErrInvalidSignature = errors.New("COSE signature verification failed")

	// ErrNoCertificate indicates no signer certificate could be found.
	ErrNoCertificate = errors.New("signer certificate not found")

	// ErrUntrusted indicates the signer chain does not reach a trusted root.
	ErrUntrusted = errors.New("signer certificate not trusted")
)
