package license

import (
	"errors"
	"fmt"

	"smallbiznis-licensing/pkg/errutil"
)

var (
	ErrConfiguration    = errors.New("configuration error")
	ErrNotFound         = errors.New("not found")
	ErrPersistence      = errors.New("persistence error")
	ErrSigning          = errors.New("signing error")
	ErrAlreadyProcessed = errors.New("event already processed")
	ErrConflict         = errors.New("concurrent update")
)

func configurationError(msg string) error {
	return errutil.Internal(msg, ErrConfiguration)
}

func notFoundError(msg string) error {
	return errutil.NotFound(msg, ErrNotFound)
}

func conflictError(msg string) error {
	return errutil.Conflict(msg, ErrConflict)
}

func persistenceError(msg string, err error) error {
	return errutil.Internal(msg, fmt.Errorf("%w: %w", ErrPersistence, err))
}

func signingError(msg string, err error) error {
	if err == nil {
		return errutil.Internal(msg, ErrSigning)
	}
	return errutil.Internal(msg, fmt.Errorf("%w: %w", ErrSigning, err))
}
