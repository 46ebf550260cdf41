// Package actor implements the two message-driven roles of the memory
// system. The Conversation actor talks to the user and asks for memory;
// the Memory actor classifies, stores and composes. They never call each
// other: requests travel over bus groups and results come back through the
// correlation store.
package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/memclaw/internal/bus"
	"github.com/nextlevelbuilder/memclaw/pkg/protocol"
)

// endpoint is what both actors share: their own group, the peer group that
// replies default to, and the decode-and-dispatch entry point.
type endpoint struct {
	name  string
	bus   bus.Bus
	group string
	peer  string
}

// receive decodes one payload and dispatches it to h. Payloads that cannot
// be decoded are answered with an error reply.
func (e *endpoint) receive(ctx context.Context, data []byte, h protocol.Handler) {
	msg, meta, err := protocol.Decode(data)
	if err == nil {
		protocol.Dispatch(ctx, h, msg, meta)
		return
	}

	reply := protocol.ErrorReply{Message: protocol.TextInvalidMessage, Code: protocol.CodeInvalidMessage}
	if errors.Is(err, protocol.ErrUnknownKind) {
		reply = protocol.ErrorReply{Message: protocol.TextUnknownType, Code: protocol.CodeUnknownType}
	}
	slog.Warn(e.name+": rejected message", "error", err)
	e.reply(ctx, meta, reply)
}

// replyGroup is the sender's reply_to, or the peer group when unset.
func (e *endpoint) replyGroup(meta protocol.Meta) string {
	if meta.ReplyTo != "" {
		return meta.ReplyTo
	}
	return e.peer
}

func (e *endpoint) reply(ctx context.Context, meta protocol.Meta, msg protocol.Message) {
	if err := bus.Send(ctx, e.bus, e.replyGroup(meta), msg, e.group); err != nil {
		slog.Warn(e.name+": reply failed", "kind", msg.Kind(), "error", err)
	}
}

// unsupported answers a known kind this actor does not serve.
func (e *endpoint) unsupported(ctx context.Context, kind protocol.Kind, meta protocol.Meta) {
	slog.Warn(e.name+": unsupported message", "kind", kind)
	e.reply(ctx, meta, protocol.ErrorReply{
		Message: fmt.Sprintf("unsupported message type: %s", kind),
		Code:    protocol.CodeUnsupported,
	})
}

func (e *endpoint) OnHeartbeat(ctx context.Context, _ protocol.Heartbeat, meta protocol.Meta) {
	e.reply(ctx, meta, protocol.Pong{})
}

func (e *endpoint) OnError(_ context.Context, msg protocol.ErrorReply, meta protocol.Meta) {
	slog.Warn(e.name+": peer reported error", "message", msg.Message, "code", msg.Code, "from", meta.ReplyTo)
}
