package engine

import (
	"context"
	"errors"

	"github.com/remiblancher/qsign/pkg/cms"
	"github.com/remiblancher/qsign/pkg/cose"
	"github.com/remiblancher/qsign/pkg/credential"
	"github.com/remiblancher/qsign/pkg/pdfsig"
	"github.com/remiblancher/qsign/pkg/status"
	"github.com/remiblancher/qsign/pkg/xmldsig"
)

// formatError classifies an error of a format package on the sign path.
func formatError(op string, err error) error {
	var e *status.Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, credential.ErrCancelled):
		return status.Wrap(status.KindUserCancelled, op, err)
	case errors.Is(err, cms.ErrDigestMismatch):
		return status.Wrap(status.KindDocumentMismatch, op, err)
	case errors.Is(err, cms.ErrNoContent),
		errors.Is(err, cms.ErrInvalidContent),
		errors.Is(err, pdfsig.ErrMalformed),
		errors.Is(err, pdfsig.ErrEncrypted),
		errors.Is(err, pdfsig.ErrFieldNotFound),
		errors.Is(err, pdfsig.ErrFieldSigned),
		errors.Is(err, xmldsig.ErrMalformed),
		errors.Is(err, xmldsig.ErrInvalidOptions):
		return status.Wrap(status.KindInvalidRequest, op, err)
	}
	return status.Wrap(status.KindEngineFailure, op, err)
}

// verifyError classifies a signature check failure.
func verifyError(op string, err error) *status.Error {
	var e *status.Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.Wrap(status.KindUserCancelled, op, err)
	case errors.Is(err, cms.ErrDigestMismatch),
		errors.Is(err, xmldsig.ErrDigestMismatch):
		return status.Wrap(status.KindDocumentMismatch, op, err)
	case errors.Is(err, cms.ErrNoSigner),
		errors.Is(err, pdfsig.ErrNoSignature),
		errors.Is(err, xmldsig.ErrNoSignature):
		return status.Wrap(status.KindNoSignaturePresent, op, err)
	case errors.Is(err, cms.ErrNoContent), errors.Is(err, cose.ErrMissingPayload):
		return status.Wrap(status.KindInvalidRequest, op, err)
	case errors.Is(err, cms.ErrUntrusted),
		errors.Is(err, xmldsig.ErrUntrusted),
		errors.Is(err, cose.ErrUntrusted):
		return status.Wrap(status.KindCertificateUntrusted, op, err)
	}
	return status.Wrap(status.KindSignatureInvalid, op, err)
}
