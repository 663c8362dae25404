package httpserver

import (
	"errors"

	"github.com/pscheid92/configserver/internal/domain"
	apperrors "github.com/pscheid92/configserver/internal/platform/errors"
)

// classifyDomainError maps the domain's sentinel and typed errors onto the
// structured error categories.
func classifyDomainError(err error) *apperrors.Error {
	if incomplete, ok := errors.AsType[*domain.DeleteIncompleteError](err); ok {
		return apperrors.TimeoutError(incomplete.Error(), err).
			WithContext("application", incomplete.Application.String()).
			WithContext("session_id", int64(incomplete.SessionID))
	}
	if invalid, ok := errors.AsType[*domain.InvalidPackageError](err); ok {
		return apperrors.ValidationError("invalid application package", err).
			WithContext("problems", invalid.Problems)
	}

	switch {
	case errors.Is(err, domain.ErrUnknownTenant),
		errors.Is(err, domain.ErrUnknownApplication),
		errors.Is(err, domain.ErrUnknownSession),
		errors.Is(err, domain.ErrNodeNotFound):
		return apperrors.NotFoundError(err.Error(), err)
	case errors.Is(err, domain.ErrHostNotInApplication),
		errors.Is(err, domain.ErrInvalidPath),
		errors.Is(err, domain.ErrSystemTenant):
		return apperrors.ValidationError(err.Error(), err)
	case errors.Is(err, domain.ErrActivationConflict),
		errors.Is(err, domain.ErrInvalidSessionState),
		errors.Is(err, domain.ErrCheckFailed),
		errors.Is(err, domain.ErrNodeExists):
		return apperrors.ConflictError(err.Error(), err)
	case errors.Is(err, domain.ErrTimeout):
		return apperrors.TimeoutError(err.Error(), err)
	case errors.Is(err, domain.ErrProvisionFailed):
		return apperrors.ExternalError(err.Error(), err)
	}
	return nil
}
