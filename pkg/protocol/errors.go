package protocol

import "errors"

var (
	// ErrMalformed is returned by Decode when the payload is not a JSON object.
	ErrMalformed = errors.New("malformed message")

	// ErrUnknownKind is returned by Decode for a "type" outside the closed set.
	ErrUnknownKind = errors.New("unknown message type")

	// ErrMissingField is returned by Decode when a required payload field is empty.
	ErrMissingField = errors.New("missing required field")
)

// Error codes carried in error replies.
const (
	CodeInvalidMessage = "INVALID_MESSAGE"
	CodeUnknownType    = "UNKNOWN_TYPE"
	CodeUnsupported    = "UNSUPPORTED"
	CodeUnavailable    = "UNAVAILABLE"
	CodeRateLimited    = "RATE_LIMITED"
	CodeInternal       = "INTERNAL"
)

// Reply texts for error replies.
const (
	TextUnknownType    = "unknown message type"
	TextInvalidMessage = "invalid message format"
)
