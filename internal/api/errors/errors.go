// Package errors provides error handling and HTTP status code mapping.
package errors

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/remiblancher/qsign/internal/api/dto"
	"github.com/remiblancher/qsign/pkg/status"
)

// Error codes for API responses.
const (
	CodeInvalidRequest        = "INVALID_REQUEST"
	CodeCredentialUnavailable = "CREDENTIAL_UNAVAILABLE"
	CodeUserCancelled         = "USER_CANCELLED"
	CodeBufferTooSmall        = "BUFFER_TOO_SMALL"
	CodeDocumentMismatch      = "DOCUMENT_MISMATCH"
	CodeSignatureInvalid      = "SIGNATURE_INVALID"
	CodeNoSignature           = "NO_SIGNATURE_PRESENT"
	CodeCertUntrusted         = "CERTIFICATE_UNTRUSTED"
	CodeRevocationFailed      = "REVOCATION_CHECK_FAILED"
	CodeNotInitialized        = "NOT_INITIALIZED"
	CodeInternal              = "INTERNAL_ERROR"
)

var codes = map[status.Kind]struct {
	http int
	code string
}{
	status.KindInvalidRequest:        {http.StatusBadRequest, CodeInvalidRequest},
	status.KindCredentialUnavailable: {http.StatusServiceUnavailable, CodeCredentialUnavailable},
	status.KindUserCancelled:         {499, CodeUserCancelled},
	status.KindBufferTooSmall:        {http.StatusRequestEntityTooLarge, CodeBufferTooSmall},
	status.KindDocumentMismatch:      {http.StatusUnprocessableEntity, CodeDocumentMismatch},
	status.KindSignatureInvalid:      {http.StatusUnprocessableEntity, CodeSignatureInvalid},
	status.KindNoSignaturePresent:    {http.StatusUnprocessableEntity, CodeNoSignature},
	status.KindCertificateUntrusted:  {http.StatusUnprocessableEntity, CodeCertUntrusted},
	status.KindRevocationCheckFailed: {http.StatusUnprocessableEntity, CodeRevocationFailed},
	status.KindNotInitialized:        {http.StatusPreconditionFailed, CodeNotInitialized},
}

// MapError maps an engine error to an HTTP status code and APIError.
func MapError(err error) (int, *dto.APIError) {
	if err == nil {
		return http.StatusOK, nil
	}

	var e *status.Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError, &dto.APIError{
			Code:    CodeInternal,
			Status:  status.KindEngineFailure.Code(),
			Message: "An internal error occurred",
		}
	}
	apiErr := &dto.APIError{Status: e.Kind.Code(), Message: e.Error(), Details: map[string]string{}}
	if e.Op != "" {
		apiErr.Details["operation"] = e.Op
	}
	if c, ok := codes[e.Kind]; ok {
		apiErr.Code = c.code
		if e.Kind == status.KindBufferTooSmall {
			apiErr.Details["required"] = strconv.Itoa(e.Required)
		}
		return c.http, apiErr
	}
	apiErr.Code = CodeInternal
	return http.StatusInternalServerError, apiErr
}

// Describe returns the APIError of err without an HTTP status, for results
// embedded in a successful response.
func Describe(err error) *dto.APIError {
	if err == nil {
		return nil
	}
	_, apiErr := MapError(err)
	return apiErr
}

// NewBadRequest creates a bad request error.
func NewBadRequest(message string) *dto.APIError {
	return &dto.APIError{
		Code:    CodeInvalidRequest,
		Status:  status.KindInvalidRequest.Code(),
		Message: message,
	}
}
