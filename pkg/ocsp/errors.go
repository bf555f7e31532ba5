// Package ocsp implements RFC 6960 requests, signed responses, response
// verification, a fetching client and a responder for test PKIs.
package ocsp

import "errors"

var (
	// ErrMalformed indicates an OCSP request or response could not be parsed.
	ErrMalformed = errors.New("malformed OCSP message")

	// ErrResponseStatus indicates the responder returned a non-successful status.
	ErrResponseStatus = errors.New("unsuccessful OCSP response status")

	// ErrUnauthorizedResponder indicates the response was not signed by the
	// issuer or by a responder delegated by it.
	ErrUnauthorizedResponder = errors.New("unauthorized OCSP responder")

	// ErrSignature indicates the response signature does not verify.
	ErrSignature = errors.New("OCSP response signature invalid")

	// ErrStale indicates the response is outside its validity window.
	ErrStale = errors.New("OCSP response not current")

	// ErrNoMatchingResponse indicates no SingleResponse matches the certificate.
	ErrNoMatchingResponse = errors.New("no OCSP response for certificate")

	// ErrNonceMismatch indicates the response nonce differs from the request.
	ErrNonceMismatch = errors.New("OCSP nonce mismatch")

	// ErrNoServer indicates the certificate names no OCSP responder.
	ErrNoServer = errors.New("no OCSP responder URL")
)
