package cache

import "errors"

var (
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("cache client closed")

	// ErrUnavailable is returned by operations that have no in-process
	// equivalent (Publish) while the networked store is unreachable.
	ErrUnavailable = errors.New("cache store unavailable")
)
