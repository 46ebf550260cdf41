package actor

import "errors"

var (
	// ErrEmptyMessage is returned for a blank user message.
	ErrEmptyMessage = errors.New("empty message")

	// ErrRateLimited is returned when a source exceeds its message rate.
	ErrRateLimited = errors.New("rate limited")

	// ErrNotStarted is returned when an actor is used before Start.
	ErrNotStarted = errors.New("actor not started")
)
