// Package chaterr defines the error taxonomy shared by the chat engine.
//
// These are sentinel errors checked with errors.Is. The split matters for
// propagation policy:
//
//   - Validation / state-machine violations (ErrForbidden,
//     ErrConversationClosed, ErrAlreadyRated) go straight back to the
//     caller as typed rejections. No retry.
//   - ErrAgentUnavailable is not fatal: the conversation stays queued and
//     assignment is retried on the next presence event or sweep.
//   - ErrConnectionNotFound is an expected race (client disconnected
//     between lookup and write). Logged, never surfaced.
//   - ErrPersistenceFailure wraps infrastructure errors; callers retry a
//     bounded number of times with backoff before surfacing it.
package chaterr

import (
	"errors"
	"fmt"
)

var (
	ErrForbidden          = errors.New("sender is not a participant of this conversation")
	ErrConversationClosed = errors.New("conversation is closed")
	ErrAlreadyRated       = errors.New("conversation already rated")
	ErrAgentUnavailable   = errors.New("no agent available")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrPersistenceFailure = errors.New("persistence failure")
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransition  = errors.New("invalid status transition")
)

// Persistence wraps a store error so callers can both errors.Is it
// against ErrPersistenceFailure and still unwrap the cause.
func Persistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistenceFailure, op, err)
}

// Rejection reports whether err is a caller mistake (4xx-class) as
// opposed to an infrastructure failure.
func Rejection(err error) bool {
	return errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrConversationClosed) ||
		errors.Is(err, ErrAlreadyRated) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrNotFound)
}
