package dispatch

import "errors"

var (
	// ErrDuplicate guards against re-delivery of a ride id already in the
	// active set.
	ErrDuplicate = errors.New("duplicate ride id")

	// ErrAlreadyConfirmed is returned to a driver that lost the acceptance
	// race.
	ErrAlreadyConfirmed = errors.New("ride already confirmed")

	// ErrUnknownRide is returned for operations on ride ids the engine has
	// never seen or has already retired.
	ErrUnknownRide = errors.New("unknown ride")

	// ErrNotRequester rejects a cancellation from anyone but the ride's
	// originating client.
	ErrNotRequester = errors.New("ride belongs to another requester")
)
