package actor

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/memclaw/internal/bus"
	"github.com/nextlevelbuilder/memclaw/internal/correlation"
	"github.com/nextlevelbuilder/memclaw/internal/llm"
	"github.com/nextlevelbuilder/memclaw/internal/tracing"
	"github.com/nextlevelbuilder/memclaw/pkg/protocol"
)

// GenerationFailedReply is shown to the user when generation fails.
const GenerationFailedReply = "抱歉，我现在有点走神，请稍后再和我说一次。"

// ConversationConfig tunes the conversation actor.
type ConversationConfig struct {
	SystemPrompt string
	WaitTimeout  time.Duration // 0 = correlation store default
	// OnNotice receives system_message notices (cache degraded/recovered).
	OnNotice func(msg protocol.SystemMessage)
	// OnPong is called for every pong received.
	OnPong func()
}

// Reply is the result of one user turn.
type Reply struct {
	MessageID   string
	Text        string
	Context     string // memory context used for generation
	MemoryFound bool   // false when the wait timed out
	Generation  llm.Result
}

// ConversationActor serves the conversation group and handles user turns.
type ConversationActor struct {
	endpoint
	corr    *correlation.Store
	gen     llm.Generator
	limiter *RateLimiter
	cfg     ConversationConfig
	unsub   func()
	started atomic.Bool
}

// NewConversationActor wires a conversation actor. limiter may be nil.
func NewConversationActor(b bus.Bus, corr *correlation.Store, gen llm.Generator, limiter *RateLimiter, cfg ConversationConfig) *ConversationActor {
	if limiter == nil {
		limiter = NewRateLimiter(0, 0)
	}
	return &ConversationActor{
		endpoint: endpoint{name: "conversation actor", bus: b, group: protocol.GroupConversation, peer: protocol.GroupMemory},
		corr:     corr,
		gen:      gen,
		limiter:  limiter,
		cfg:      cfg,
	}
}

// Start subscribes to the conversation group.
func (a *ConversationActor) Start() error {
	unsub, err := a.bus.Subscribe(a.group, func(ctx context.Context, data []byte) {
		a.receive(ctx, data, a)
	})
	if err != nil {
		return err
	}
	a.unsub = unsub
	a.started.Store(true)
	slog.Info("conversation actor: started", "group", a.group)
	return nil
}

// Stop unsubscribes.
func (a *ConversationActor) Stop() {
	a.started.Store(false)
	if a.unsub != nil {
		a.unsub()
		a.unsub = nil
	}
}

// HandleUserMessage runs one turn: request memory, wait for it (degrading
// to a placeholder on timeout), generate, and hand the turn back to the
// memory group. Only blank input and rate limiting return an error.
func (a *ConversationActor) HandleUserMessage(ctx context.Context, sourceID, text string) (Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{}, ErrEmptyMessage
	}
	if !a.started.Load() {
		return Reply{}, ErrNotStarted
	}
	if !a.limiter.Allow(sourceID) {
		return Reply{}, ErrRateLimited
	}

	id := protocol.NewMessageID()
	ctx, span := tracing.Start(tracing.WithMessage(ctx, id), "conversation_actor.turn",
		attribute.String("message_id", id))
	defer span.End()

	a.corr.PutUserMessage(ctx, id, text)

	var memCtx string
	found := false
	if err := bus.Send(ctx, a.bus, a.peer, protocol.RetrieveMemory{MessageID: id, UserMessage: text}, a.group); err != nil {
		slog.Error("conversation actor: requesting memory failed", "message_id", id, "error", err)
		memCtx = correlation.TimeoutPlaceholder
	} else {
		memCtx, found = a.corr.Wait(ctx, id, a.cfg.WaitTimeout)
	}
	span.SetAttributes(attribute.Bool("memory_found", found))

	res := a.gen.Generate(ctx, BuildPrompt(a.cfg.SystemPrompt, memCtx, text))
	reply := Reply{MessageID: id, Context: memCtx, MemoryFound: found, Generation: res}
	if !res.OK() {
		slog.Warn("conversation actor: generation failed", "message_id", id, "error", res.Error())
		tracing.End(span, res.Error())
		reply.Text = GenerationFailedReply
		return reply, nil
	}
	reply.Text = CleanReply(res.Content)

	save := protocol.SaveConversation{
		MessageID:         id,
		UserMessage:       text,
		AssistantResponse: reply.Text,
		FinalContext:      memCtx,
	}
	if err := bus.Send(ctx, a.bus, a.peer, save, a.group); err != nil {
		slog.Error("conversation actor: save_conversation failed", "message_id", id, "error", err)
	}
	return reply, nil
}

// OnMemoryReady records the context locally when the shared cache does not
// have it yet, then wakes the waiter.
func (a *ConversationActor) OnMemoryReady(ctx context.Context, msg protocol.MemoryReady, _ protocol.Meta) {
	if !a.corr.HasContext(ctx, msg.MessageID) {
		a.corr.PutContext(ctx, msg.MessageID, msg.FinalContext)
		return
	}
	a.corr.Signal(msg.MessageID)
}

func (a *ConversationActor) OnSystemMessage(_ context.Context, msg protocol.SystemMessage, _ protocol.Meta) {
	slog.Info("conversation actor: system message", "level", msg.Level, "message", msg.Message)
	if a.cfg.OnNotice != nil {
		a.cfg.OnNotice(msg)
	}
}

func (a *ConversationActor) OnPong(context.Context, protocol.Pong, protocol.Meta) {
	if a.cfg.OnPong != nil {
		a.cfg.OnPong()
	}
}

func (a *ConversationActor) OnRetrieveMemory(ctx context.Context, msg protocol.RetrieveMemory, meta protocol.Meta) {
	a.unsupported(ctx, msg.Kind(), meta)
}

func (a *ConversationActor) OnSaveConversation(ctx context.Context, msg protocol.SaveConversation, meta protocol.Meta) {
	a.unsupported(ctx, msg.Kind(), meta)
}
