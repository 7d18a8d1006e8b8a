package shared

import (
	"errors"
	"fmt"

	"github.com/metrocal/metrocal/internal/platform/httpx"
)

var (
	// ErrMissingActor occurs when a request carries no caller identity.
	ErrMissingActor = fmt.Errorf("%w: caller identity missing", httpx.ErrUnauthorized)
	// ErrIdempotencyConflict indicates a duplicate key.
	ErrIdempotencyConflict = fmt.Errorf("%w: idempotent request already processed", httpx.ErrDuplicate)
	// ErrInvalidIdempotencyKey indicates a key that is not a UUID.
	ErrInvalidIdempotencyKey = fmt.Errorf("%w: idempotency key must be a UUID", httpx.ErrValidation)

	errNilStore = errors.New("store not initialised")
)
