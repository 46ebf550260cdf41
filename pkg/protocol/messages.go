package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is implemented only by the payload types in this package.
type Message interface {
	Kind() Kind
	sealed()
}

// RetrieveMemory asks the memory group to compose context for a user message.
type RetrieveMemory struct {
	MessageID   string `json:"message_id"`
	UserMessage string `json:"user_message"`
}

// MemoryReady announces that memory:{message_id} has been written.
type MemoryReady struct {
	MessageID    string `json:"message_id"`
	FinalContext string `json:"final_context"`
}

// SaveConversation hands a finished turn back to the memory group.
type SaveConversation struct {
	MessageID         string `json:"message_id"`
	UserMessage       string `json:"user_message"`
	AssistantResponse string `json:"assistant_response"`
	FinalContext      string `json:"final_context"`
}

// SystemMessage carries operator-facing notices such as cache degradation.
type SystemMessage struct {
	Message string `json:"message"`
	Level   string `json:"level"`
}

// Heartbeat is a liveness probe; actors answer with Pong.
type Heartbeat struct{}

// Pong answers Heartbeat.
type Pong struct{}

// ErrorReply is sent back to the originating group when a message cannot be handled.
type ErrorReply struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (RetrieveMemory) Kind() Kind   { return KindRetrieveMemory }
func (MemoryReady) Kind() Kind      { return KindMemoryReady }
func (SaveConversation) Kind() Kind { return KindSaveConversation }
func (SystemMessage) Kind() Kind    { return KindSystemMessage }
func (Heartbeat) Kind() Kind        { return KindHeartbeat }
func (Pong) Kind() Kind             { return KindPong }
func (ErrorReply) Kind() Kind       { return KindError }

func (RetrieveMemory) sealed()   {}
func (MemoryReady) sealed()      {}
func (SaveConversation) sealed() {}
func (SystemMessage) sealed()    {}
func (Heartbeat) sealed()        {}
func (Pong) sealed()             {}
func (ErrorReply) sealed()       {}

// Meta is routing information that travels beside the payload.
type Meta struct {
	ReplyTo string    // group that should receive replies
	SentAt  time.Time // sender clock
}

// envelope is the flat wire shape: "type" plus the payload fields.
type envelope struct {
	Type              Kind   `json:"type"`
	ReplyTo           string `json:"reply_to,omitempty"`
	SentAt            int64  `json:"sent_at,omitempty"` // unix millis
	MessageID         string `json:"message_id,omitempty"`
	UserMessage       string `json:"user_message,omitempty"`
	AssistantResponse string `json:"assistant_response,omitempty"`
	FinalContext      string `json:"final_context,omitempty"`
	Message           string `json:"message,omitempty"`
	Level             string `json:"level,omitempty"`
	Code              string `json:"code,omitempty"`
}

// NewMessageID returns a time-ordered unique id for one conversation turn.
func NewMessageID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Encode serializes msg with its routing metadata.
func Encode(msg Message, meta Meta) ([]byte, error) {
	env := envelope{Type: msg.Kind(), ReplyTo: meta.ReplyTo}
	if !meta.SentAt.IsZero() {
		env.SentAt = meta.SentAt.UnixMilli()
	}
	switch m := msg.(type) {
	case RetrieveMemory:
		env.MessageID, env.UserMessage = m.MessageID, m.UserMessage
	case MemoryReady:
		env.MessageID, env.FinalContext = m.MessageID, m.FinalContext
	case SaveConversation:
		env.MessageID, env.UserMessage = m.MessageID, m.UserMessage
		env.AssistantResponse, env.FinalContext = m.AssistantResponse, m.FinalContext
	case SystemMessage:
		env.Message, env.Level = m.Message, m.Level
	case Heartbeat, Pong:
	case ErrorReply:
		env.Message, env.Code = m.Message, m.Code
	}
	return json.Marshal(env)
}

// Decode parses a wire payload into its typed message.
// The returned Meta is populated even when the kind is unknown, so callers
// can still address an error reply.
func Decode(data []byte) (Message, Meta, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, Meta{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	meta := Meta{ReplyTo: env.ReplyTo}
	if env.SentAt > 0 {
		meta.SentAt = time.UnixMilli(env.SentAt)
	}

	switch env.Type {
	case KindRetrieveMemory:
		if env.MessageID == "" {
			return nil, meta, fmt.Errorf("%w: message_id", ErrMissingField)
		}
		return RetrieveMemory{MessageID: env.MessageID, UserMessage: env.UserMessage}, meta, nil
	case KindMemoryReady:
		if env.MessageID == "" {
			return nil, meta, fmt.Errorf("%w: message_id", ErrMissingField)
		}
		return MemoryReady{MessageID: env.MessageID, FinalContext: env.FinalContext}, meta, nil
	case KindSaveConversation:
		if env.MessageID == "" {
			return nil, meta, fmt.Errorf("%w: message_id", ErrMissingField)
		}
		return SaveConversation{
			MessageID:         env.MessageID,
			UserMessage:       env.UserMessage,
			AssistantResponse: env.AssistantResponse,
			FinalContext:      env.FinalContext,
		}, meta, nil
	case KindSystemMessage:
		level := env.Level
		if level == "" {
			level = LevelInfo
		}
		return SystemMessage{Message: env.Message, Level: level}, meta, nil
	case KindHeartbeat:
		return Heartbeat{}, meta, nil
	case KindPong:
		return Pong{}, meta, nil
	case KindError:
		return ErrorReply{Message: env.Message, Code: env.Code}, meta, nil
	}
	return nil, meta, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
}

// Handler has one method per kind. Implementations must handle every kind;
// kinds an actor does not serve are answered with an ErrorReply.
type Handler interface {
	OnRetrieveMemory(ctx context.Context, msg RetrieveMemory, meta Meta)
	OnMemoryReady(ctx context.Context, msg MemoryReady, meta Meta)
	OnSaveConversation(ctx context.Context, msg SaveConversation, meta Meta)
	OnSystemMessage(ctx context.Context, msg SystemMessage, meta Meta)
	OnHeartbeat(ctx context.Context, msg Heartbeat, meta Meta)
	OnPong(ctx context.Context, msg Pong, meta Meta)
	OnError(ctx context.Context, msg ErrorReply, meta Meta)
}

// Dispatch routes msg to the matching Handler method.
func Dispatch(ctx context.Context, h Handler, msg Message, meta Meta) {
	switch m := msg.(type) {
	case RetrieveMemory:
		h.OnRetrieveMemory(ctx, m, meta)
	case MemoryReady:
		h.OnMemoryReady(ctx, m, meta)
	case SaveConversation:
		h.OnSaveConversation(ctx, m, meta)
	case SystemMessage:
		h.OnSystemMessage(ctx, m, meta)
	case Heartbeat:
		h.OnHeartbeat(ctx, m, meta)
	case Pong:
		h.OnPong(ctx, m, meta)
	case ErrorReply:
		h.OnError(ctx, m, meta)
	}
}
