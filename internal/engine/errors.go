package engine

import "github.com/pkg/errors"

var (
	// ErrFetchInFlight is returned when a fetch for the same follow is already running.
	ErrFetchInFlight = errors.New("fetch already in flight")
	// ErrDuplicateFollow is returned when a new subscription resolves to a follow that exists.
	ErrDuplicateFollow = errors.New("is already a subscription of yours")
	ErrFollowNotFound  = errors.New("follow not found")
	ErrUnknownFormat   = errors.New("unknown format")
)
