// Package errors provides common domain error types for the captrail application.
//
// This package defines sentinel errors for the capture subsystem's failure
// taxonomy (missing anchors, malformed mutations, recovery timeouts) plus the
// generic store conditions. Using typed errors enables consistent error
// handling patterns with errors.Is() checks.
//
// Usage:
//
//	import cterrors "github.com/captrail/captrail/pkg/errors"
//
//	// Return a domain error
//	return nil, cterrors.ErrAnchorNotFound
//
//	// Check for domain errors
//	if cterrors.IsAnchorNotFound(err) {
//	    // degrade to a user notice, skip capture
//	}
package errors

import "errors"

// Domain errors - common sentinel errors for capture and store conditions.
var (
	// ErrAnchorNotFound indicates a required DOM anchor element never appeared.
	// Capture degrades to a user notice for the meeting; it is never fatal.
	ErrAnchorNotFound = errors.New("anchor element not found")

	// ErrMalformedMutation indicates a mutation batch from which no
	// (speaker, text) pair could be extracted.
	ErrMalformedMutation = errors.New("malformed mutation")

	// ErrRecoveryTimeout indicates recovery of a prior meeting exceeded its bound.
	ErrRecoveryTimeout = errors.New("recovery timed out")

	// ErrObserverClosed indicates an operation on a disconnected observer or
	// a document whose session has ended.
	ErrObserverClosed = errors.New("observer disconnected")

	// ErrNotFound indicates the requested resource was not found.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyFinalized indicates the meeting already has an end timestamp.
	ErrAlreadyFinalized = errors.New("meeting already finalized")

	// ErrInvalidState indicates the operation is not valid for the current state.
	ErrInvalidState = errors.New("invalid state")

	// ErrValidation indicates invalid input or validation failure.
	ErrValidation = errors.New("validation error")
)

// IsAnchorNotFound reports whether any error in err's chain is ErrAnchorNotFound.
func IsAnchorNotFound(err error) bool {
	return errors.Is(err, ErrAnchorNotFound)
}

// IsMalformedMutation reports whether any error in err's chain is ErrMalformedMutation.
func IsMalformedMutation(err error) bool {
	return errors.Is(err, ErrMalformedMutation)
}

// IsRecoveryTimeout reports whether any error in err's chain is ErrRecoveryTimeout.
func IsRecoveryTimeout(err error) bool {
	return errors.Is(err, ErrRecoveryTimeout)
}

// IsObserverClosed reports whether any error in err's chain is ErrObserverClosed.
func IsObserverClosed(err error) bool {
	return errors.Is(err, ErrObserverClosed)
}

// IsNotFound reports whether any error in err's chain is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyFinalized reports whether any error in err's chain is ErrAlreadyFinalized.
func IsAlreadyFinalized(err error) bool {
	return errors.Is(err, ErrAlreadyFinalized)
}

// IsInvalidState reports whether any error in err's chain is ErrInvalidState.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsValidation reports whether any error in err's chain is ErrValidation.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
