// Package protocol defines the message vocabulary exchanged between the
// conversation and memory actors over broadcast groups.
//
// Every payload on the wire is a JSON object with a discriminant "type"
// field. The set of kinds is closed: Decode rejects anything it does not
// know, and Dispatch routes each decoded message to exactly one Handler
// method, so adding a kind means extending Handler and every actor.
package protocol

// ProtocolVersion is bumped on incompatible envelope changes.
const ProtocolVersion = 1

// Kind is the discriminant carried in the "type" field.
type Kind string

const (
	KindRetrieveMemory   Kind = "retrieve_memory"
	KindMemoryReady      Kind = "memory_ready"
	KindSaveConversation Kind = "save_conversation"
	KindSystemMessage    Kind = "system_message"
	KindHeartbeat        Kind = "heartbeat"
	KindPong             Kind = "pong"
	KindError            Kind = "error"
)

// Kinds lists every known kind in declaration order.
var Kinds = []Kind{
	KindRetrieveMemory,
	KindMemoryReady,
	KindSaveConversation,
	KindSystemMessage,
	KindHeartbeat,
	KindPong,
	KindError,
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Broadcast group names.
const (
	GroupConversation = "llm_group"
	GroupMemory       = "memory_group"
)

// Notification levels carried by system_message.
const (
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelError   = "error"
)
