package workorders

import (
	"errors"

	"github.com/metrocal/metrocal/internal/platform/httpx"
)

type domainError struct {
	msg   string
	title string
	kind  error
}

func (e *domainError) Error() string        { return e.msg }
func (e *domainError) Unwrap() error        { return e.kind }
func (e *domainError) ProblemTitle() string { return e.title }

var (
	ErrNotFound          = &domainError{msg: "not found", title: "Not Found", kind: httpx.ErrNotFound}
	ErrValidation        = &domainError{msg: "validation failed", title: "Validation Failed", kind: httpx.ErrValidation}
	ErrInvalidTransition = &domainError{msg: "invalid transition", title: "Invalid Transition", kind: httpx.ErrConflict}
	ErrAlreadyFinalized  = &domainError{msg: "work order already finalized", title: "Already Finalized", kind: httpx.ErrConflict}
	// ErrStaleOrder is returned when a transition targets an outdated snapshot.
	ErrStaleOrder = &domainError{msg: "work order changed concurrently", title: "Stale Order", kind: ErrInvalidTransition}

	// ErrKeyspaceExhausted means no free access key was found within the
	// configured attempts.
	ErrKeyspaceExhausted = errors.New("access key space exhausted")

	errAccessKeyTaken = errors.New("access key already in use")
)
