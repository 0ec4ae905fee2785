package graphql

import (
	"context"
	stderrors "errors"

	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/c360/fedmeter/errors"
)

// wrapError converts an engine error into a GraphQL error with a stable
// machine-readable code in extensions. Sentinel errors map to their own
// codes; everything else falls back to its error class.
func wrapError(err error, operation string) *gqlerror.Error {
	if err == nil {
		return nil
	}

	code := classifyCode(err)
	return &gqlerror.Error{
		Message: err.Error(),
		Extensions: map[string]interface{}{
			"code":      code,
			"operation": operation,
			"retryable": code == "SERVICE_UNAVAILABLE" || code == "TIMEOUT",
		},
	}
}

func classifyCode(err error) string {
	switch {
	case stderrors.Is(err, errors.ErrUnknownDomain):
		return "UNKNOWN_DOMAIN"
	case stderrors.Is(err, errors.ErrInvalidReason):
		return "INVALID_REASON"
	case stderrors.Is(err, errors.ErrDomainBlocked):
		return "DOMAIN_BLOCKED"
	case stderrors.Is(err, errors.ErrSeveranceNotFound):
		return "SEVERANCE_NOT_FOUND"
	case stderrors.Is(err, errors.ErrNotReversible):
		return "NOT_REVERSIBLE"
	case stderrors.Is(err, context.DeadlineExceeded):
		return "TIMEOUT"
	case errors.IsInvalid(err):
		return "BAD_USER_INPUT"
	case errors.IsTransient(err):
		return "SERVICE_UNAVAILABLE"
	default:
		return "INTERNAL_ERROR"
	}
}
