package billing

import (
	"errors"
	"fmt"

	"smallbiznis-licensing/pkg/errutil"
	"smallbiznis-licensing/services/license"
)

// ErrInvalidPayload marks events that can never succeed; they are not retried.
var ErrInvalidPayload = errors.New("invalid billing event payload")

func invalidPayload(eventType string, err error) error {
	if err == nil {
		return errutil.BadRequest(fmt.Sprintf("invalid %s payload", eventType), ErrInvalidPayload)
	}
	return errutil.BadRequest(fmt.Sprintf("invalid %s payload", eventType), fmt.Errorf("%w: %w", ErrInvalidPayload, err))
}

// notFound wraps license.ErrNotFound so callers match a single sentinel.
func notFound(msg string) error {
	return errutil.NotFound(msg, license.ErrNotFound)
}

func persistence(msg string, err error) error {
	return errutil.Internal(msg, fmt.Errorf("%w: %w", license.ErrPersistence, err))
}
