package actor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/memclaw/internal/bus"
	"github.com/nextlevelbuilder/memclaw/internal/correlation"
	"github.com/nextlevelbuilder/memclaw/internal/executive"
	"github.com/nextlevelbuilder/memclaw/internal/retry"
	"github.com/nextlevelbuilder/memclaw/internal/tracing"
	"github.com/nextlevelbuilder/memclaw/pkg/protocol"
)

// UnavailablePlaceholder is published when composition keeps failing.
const UnavailablePlaceholder = "系统记忆暂时不可用，将仅使用当前对话响应。"

// Processor runs the classify-and-dispatch pipeline.
type Processor interface {
	Process(ctx context.Context, utt executive.Utterance, reply string) executive.Outcome
}

// Composer builds the memory context for a message.
type Composer interface {
	Compose(ctx context.Context, message string) executive.Composed
}

// MemoryConfig tunes the memory actor.
type MemoryConfig struct {
	ComposeRetries int           // extra attempts after a failed composition (default 2)
	RetryDelay     time.Duration // linear backoff unit (default 500ms)
	DedupeWindow   time.Duration // ignore repeated retrieve_memory ids (default 20m)
}

// DefaultMemoryConfig returns 2 retries at 0.5s × attempt and a 20 minute dedupe window.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{ComposeRetries: 2, RetryDelay: 500 * time.Millisecond, DedupeWindow: 20 * time.Minute}
}

// MemoryActor serves the memory group.
type MemoryActor struct {
	endpoint
	corr      *correlation.Store
	processor Processor
	composer  Composer
	dedupe    *bus.DedupeCache
	cfg       MemoryConfig

	// mu sequences retrieval and classification within this instance so a
	// correlation key is never composed twice concurrently.
	mu    sync.Mutex
	unsub func()
}

// NewMemoryActor wires a memory actor.
func NewMemoryActor(b bus.Bus, corr *correlation.Store, p Processor, c Composer, cfg MemoryConfig) *MemoryActor {
	d := DefaultMemoryConfig()
	if cfg.ComposeRetries < 0 {
		cfg.ComposeRetries = 0
	} else if cfg.ComposeRetries == 0 {
		cfg.ComposeRetries = d.ComposeRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = d.RetryDelay
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = d.DedupeWindow
	}
	return &MemoryActor{
		endpoint:  endpoint{name: "memory actor", bus: b, group: protocol.GroupMemory, peer: protocol.GroupConversation},
		corr:      corr,
		processor: p,
		composer:  c,
		dedupe:    bus.NewDedupeCache(cfg.DedupeWindow, 0),
		cfg:       cfg,
	}
}

// Start subscribes to the memory group.
func (a *MemoryActor) Start() error {
	unsub, err := a.bus.Subscribe(a.group, func(ctx context.Context, data []byte) {
		a.receive(ctx, data, a)
	})
	if err != nil {
		return err
	}
	a.unsub = unsub
	slog.Info("memory actor: started", "group", a.group)
	return nil
}

// Stop unsubscribes.
func (a *MemoryActor) Stop() {
	if a.unsub != nil {
		a.unsub()
		a.unsub = nil
	}
}

func (a *MemoryActor) OnRetrieveMemory(ctx context.Context, msg protocol.RetrieveMemory, meta protocol.Meta) {
	if a.dedupe.Seen(msg.MessageID) {
		slog.Debug("memory actor: duplicate retrieve ignored", "message_id", msg.MessageID)
		return
	}
	ctx, span := tracing.Start(tracing.WithMessage(ctx, msg.MessageID), "memory_actor.retrieve",
		attribute.String("message_id", msg.MessageID))
	defer span.End()

	a.mu.Lock()
	defer a.mu.Unlock()

	if cached, ok := a.corr.Context(ctx, msg.MessageID); ok {
		slog.Info("memory actor: using cached context", "message_id", msg.MessageID)
		a.ready(ctx, meta, msg.MessageID, cached)
		return
	}

	a.corr.PutUserMessage(ctx, msg.MessageID, msg.UserMessage)
	text := a.compose(ctx, msg.UserMessage)
	a.corr.PutContext(ctx, msg.MessageID, text)
	span.SetAttributes(attribute.Int("context_length", len(text)))
	a.ready(ctx, meta, msg.MessageID, text)
}

// compose retries failed compositions and falls back to the placeholder.
func (a *MemoryActor) compose(ctx context.Context, message string) string {
	policy := retry.Config{MaxAttempts: 1 + a.cfg.ComposeRetries, BaseDelay: a.cfg.RetryDelay, Backoff: retry.Linear}
	text, attempts, err := retry.DoValue(ctx, policy, func(attempt int) (string, error) {
		out := a.composer.Compose(ctx, message)
		if out.Diagnostic != "" {
			slog.Warn("memory actor: composition failed", "attempt", attempt, "diagnostic", out.Diagnostic)
			return "", errors.New(out.Diagnostic)
		}
		return out.Text, nil
	})
	if err != nil {
		slog.Error("memory actor: composition unavailable", "attempts", attempts, "error", err)
		return UnavailablePlaceholder
	}
	return text
}

func (a *MemoryActor) ready(ctx context.Context, meta protocol.Meta, id, text string) {
	msg := protocol.MemoryReady{MessageID: id, FinalContext: text}
	if err := bus.Send(ctx, a.bus, a.replyGroup(meta), msg, a.group); err != nil {
		slog.Error("memory actor: publishing memory_ready failed", "message_id", id, "error", err)
	}
}

func (a *MemoryActor) OnSaveConversation(ctx context.Context, msg protocol.SaveConversation, meta protocol.Meta) {
	ctx, span := tracing.Start(tracing.WithMessage(ctx, msg.MessageID), "memory_actor.save",
		attribute.String("message_id", msg.MessageID))
	defer span.End()

	a.mu.Lock()
	defer a.mu.Unlock()

	out := a.processor.Process(ctx, executive.Utterance{
		Text:      msg.UserMessage,
		Timestamp: meta.SentAt,
	}, msg.AssistantResponse)
	span.SetAttributes(attribute.String("stage", string(out.Stage)))
	if !out.OK() {
		slog.Warn("memory actor: save completed with failure", "message_id", msg.MessageID,
			"stage", out.Stage, "failure", out.Failure.Kind, "detail", out.Failure.Detail)
		return
	}
	slog.Info("memory actor: conversation saved", "message_id", msg.MessageID, "stage", out.Stage)
}

func (a *MemoryActor) OnMemoryReady(ctx context.Context, msg protocol.MemoryReady, meta protocol.Meta) {
	a.unsupported(ctx, msg.Kind(), meta)
}

func (a *MemoryActor) OnSystemMessage(_ context.Context, msg protocol.SystemMessage, _ protocol.Meta) {
	slog.Debug("memory actor: system message", "level", msg.Level, "message", msg.Message)
}

func (a *MemoryActor) OnPong(context.Context, protocol.Pong, protocol.Meta) {}
