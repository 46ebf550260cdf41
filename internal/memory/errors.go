package memory

import "errors"

var (
	// ErrNotFound is returned by Update, Delete and Get for an unknown id.
	ErrNotFound = errors.New("memory record not found")

	// ErrEmptyContent is returned when storing blank content.
	ErrEmptyContent = errors.New("memory content is empty")

	// ErrMalformedCollection marks a persisted collection that is not a JSON array.
	ErrMalformedCollection = errors.New("malformed memory collection")

	// ErrPersistence wraps failures to load or rewrite a collection.
	ErrPersistence = errors.New("memory persistence failed")
)
