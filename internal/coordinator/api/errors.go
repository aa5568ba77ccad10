package api

import (
	"errors"
	"net/http"

	taskmesherrors "github.com/taskmesh/taskmesh-backend/pkg/errors"
)

// statusForError maps the coordinator's typed errors onto HTTP codes.
// Anything unrecognized is a 500.
func statusForError(err error) int {
	var (
		validation   *taskmesherrors.ValidationError
		badSignature *taskmesherrors.InvalidSignatureError
		notFound     *taskmesherrors.NotFoundError
		unqualified  *taskmesherrors.UnqualifiedValidatorError
		insufficient *taskmesherrors.InsufficientValidatorsError
		restricted   *taskmesherrors.BootstrapRestrictedError
		redoLimit    *taskmesherrors.RedoLimitExceededError
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &badSignature):
		return http.StatusBadRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &unqualified):
		return http.StatusForbidden
	case errors.As(err, &insufficient), errors.As(err, &restricted):
		return http.StatusConflict
	case errors.As(err, &redoLimit):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
