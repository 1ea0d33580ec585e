package domain

import (
	"errors"
	"fmt"
)

// Kind roots. Every engine error wraps exactly one of them so callers can
// classify with errors.Is.
var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrClosed     = errors.New("closed")
	ErrValidation = errors.New("validation failed")
	ErrInternal   = errors.New("internal error")
)

var (
	ErrCampaignNotFound = fmt.Errorf("campaign %w", ErrNotFound)
	ErrSessionNotFound  = fmt.Errorf("session %w", ErrNotFound)

	ErrAlreadyActive     = fmt.Errorf("%w: initiator already has an active session", ErrConflict)
	ErrDuplicateHelper   = fmt.Errorf("%w: helper already cut this session", ErrConflict)
	ErrSelfCutNotAllowed = fmt.Errorf("%w: initiator may not cut own session", ErrConflict)
	ErrNotInitiator      = fmt.Errorf("%w: only the initiator may cancel", ErrConflict)

	ErrCampaignEnded = fmt.Errorf("campaign %w", ErrClosed)
	ErrSessionClosed = fmt.Errorf("session %w", ErrClosed)

	ErrInvalidCampaign = fmt.Errorf("campaign %w", ErrValidation)

	// ErrVersionConflict is returned by stores when a conditional write lost
	// its precondition. It never escapes the bargain package.
	ErrVersionConflict = errors.New("version conflict")
	ErrLockHeld        = errors.New("lock already held")
	ErrLockTimeout     = fmt.Errorf("%w: session lock wait exceeded", ErrInternal)
)

// Kind is the coarse error category surfaced to transports.
type Kind string

const (
	KindNone       Kind = ""
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindClosed     Kind = "closed"
	KindValidation Kind = "validation"
	KindInternal   Kind = "internal"
)

// KindOf classifies err. Unclassified non-nil errors are internal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrClosed):
		return KindClosed
	case errors.Is(err, ErrValidation):
		return KindValidation
	default:
		return KindInternal
	}
}

// IsTerminal reports whether err is a caller-facing outcome that must not be
// retried by the engine.
func IsTerminal(err error) bool {
	switch KindOf(err) {
	case KindNotFound, KindConflict, KindClosed, KindValidation:
		return true
	}
	return false
}
