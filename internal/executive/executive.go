// Package executive routes utterances into memory tiers and composes the
// stored memory into a context block for generation.
//
// Rule and long-term utterances are compared against the most similar
// record of the same tier and either merged into it, replace it, or become
// a new record. Working utterances are appended as conversation turns.
package executive

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/memclaw/internal/memory"
	"github.com/nextlevelbuilder/memclaw/internal/tracing"
)

// Store is one category's record store. *memory.Adapter implements it.
type Store interface {
	Store(ctx context.Context, content string, meta memory.Metadata) (memory.Record, error)
	Similar(ctx context.Context, text string, topK int) ([]memory.Match, error)
	Update(ctx context.Context, id, content string, patch memory.Metadata) (memory.Record, error)
	Retrieve(ctx context.Context, query string, topK int) ([]memory.Record, error)
	Recent(ctx context.Context, n int) ([]memory.Record, error)
	All(ctx context.Context) ([]memory.Record, error)
}

// Stores groups the three tiers.
type Stores struct {
	Rules    Store
	LongTerm Store
	Working  Store
}

// Thresholds are the similarity cut-offs for merge-or-create decisions.
type Thresholds struct {
	RuleMerge  float64 `json:"rule_merge"`  // at or above: append to the existing rule
	RuleUpdate float64 `json:"rule_update"` // at or above (below RuleMerge): replace it
	LongTerm   float64 `json:"long_term"`   // above: merge into the existing record
}

// DefaultThresholds returns 0.9 / 0.6 / 0.7.
func DefaultThresholds() Thresholds {
	return Thresholds{RuleMerge: 0.9, RuleUpdate: 0.6, LongTerm: 0.7}
}

// Separators used when merging content.
const (
	RuleSeparator     = "\n---\n"
	LongTermSeparator = "；"
)

// Executive classifies utterances and dispatches them to the tier stores.
type Executive struct {
	stores     Stores
	classifier Classifier
	guard      *InputGuard

	mu         sync.RWMutex
	thresholds Thresholds
}

// New creates an executive. A nil classifier means HeuristicClassifier.
func New(stores Stores, classifier Classifier, th Thresholds) *Executive {
	if classifier == nil {
		classifier = HeuristicClassifier{}
	}
	return &Executive{stores: stores, classifier: classifier, guard: NewInputGuard(GuardWarn), thresholds: th}
}

// WithGuard replaces the injection guard. Call before processing starts.
func (e *Executive) WithGuard(g *InputGuard) *Executive {
	if g != nil {
		e.guard = g
	}
	return e
}

// SetThresholds replaces the thresholds; safe during processing.
func (e *Executive) SetThresholds(th Thresholds) {
	e.mu.Lock()
	e.thresholds = th
	e.mu.Unlock()
}

// Thresholds returns the current thresholds.
func (e *Executive) Thresholds() Thresholds {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.thresholds
}

// Process classifies utt and runs the matching pipeline. reply is the
// assistant response paired with it, if any; it is only recorded for
// working-tier utterances. Process never returns an error: failures are
// reported in the Outcome.
func (e *Executive) Process(ctx context.Context, utt Utterance, reply string) Outcome {
	text := strings.TrimSpace(memory.ScrubCredentials(utt.Text))
	if text == "" {
		return Outcome{Stage: StageInputEmpty, Reason: "input_empty"}
	}

	ctx, span := tracing.Start(ctx, "executive.process", attribute.String("input", tracing.Preview(text)))
	defer span.End()

	cls, err := e.classifier.Classify(ctx, text)
	fallback := err != nil
	if fallback {
		slog.Warn("executive: classification failed, defaulting to working", "error", err)
		cls = Classification{Category: memory.CategoryWorking, Priority: WorkingPriority}
	}
	if utt.Priority != nil {
		cls.Priority = *utt.Priority
	}

	meta := memory.Metadata{Priority: cls.Priority, Emotion: utt.Emotion, Source: utt.SourceID}
	if !utt.Timestamp.IsZero() {
		meta.CreatedAt = utt.Timestamp
	}

	var flags []string
	guarded := false
	if cls.Category != memory.CategoryWorking {
		flags, guarded = e.guard.check(text)
		if guarded {
			cls.Category = memory.CategoryWorking
		}
	}

	var out Outcome
	switch cls.Category {
	case memory.CategoryRule:
		out = e.rule(ctx, text, meta)
	case memory.CategoryLongTerm:
		out = e.longTerm(ctx, text, meta)
	default:
		out = e.working(ctx, text, reply, meta)
	}
	out.Category = cls.Category
	out.ClassificationFallback = fallback
	out.GuardFlags = flags
	if guarded && out.Reason == "" {
		out.Reason = ReasonGuarded
	}

	span.SetAttributes(attribute.String("stage", string(out.Stage)), attribute.String("category", string(cls.Category)))
	if out.Failure != nil {
		tracing.End(span, out.Failure)
	}
	slog.Info("executive: processed", "stage", out.Stage, "category", cls.Category, "priority", cls.Priority)
	return out
}

func (e *Executive) rule(ctx context.Context, text string, meta memory.Metadata) Outcome {
	th := e.Thresholds()
	errOutcome := func(err error) Outcome {
		slog.Error("executive: rule pipeline failed", "error", err)
		return Outcome{Stage: StageRuleError, Reason: err.Error(), Failure: failureOf(err)}
	}

	matches, err := e.stores.Rules.Similar(ctx, text, 1)
	if err != nil {
		return errOutcome(err)
	}

	if len(matches) == 0 || matches[0].Score < th.RuleUpdate {
		rec, err := e.stores.Rules.Store(ctx, text, meta)
		if err != nil {
			return errOutcome(err)
		}
		return Outcome{Stage: StageRuleCreated, Record: &rec}
	}

	top := matches[0]
	stage, content := StageRuleUpdated, text
	if top.Score >= th.RuleMerge {
		stage, content = StageRuleMerged, top.Record.Content+RuleSeparator+text
	}
	patch := memory.Metadata{Priority: max(meta.Priority, top.Record.Metadata.Priority), Emotion: meta.Emotion}
	rec, err := e.stores.Rules.Update(ctx, top.Record.ID, content, patch)
	if err != nil {
		return errOutcome(err)
	}
	slog.Debug("executive: rule matched", "id", rec.ID, "score", top.Score, "stage", stage)
	return Outcome{Stage: stage, Record: &rec}
}

func (e *Executive) longTerm(ctx context.Context, text string, meta memory.Metadata) Outcome {
	th := e.Thresholds()
	errOutcome := func(err error) Outcome {
		slog.Error("executive: long-term pipeline failed", "error", err)
		return Outcome{Stage: StageLongTermError, Reason: err.Error(), Failure: failureOf(err)}
	}

	matches, err := e.stores.LongTerm.Similar(ctx, text, 1)
	if err != nil {
		return errOutcome(err)
	}

	if len(matches) == 0 || matches[0].Score <= th.LongTerm {
		rec, err := e.stores.LongTerm.Store(ctx, text, meta)
		if err != nil {
			return errOutcome(err)
		}
		return Outcome{Stage: StageLongTermCreated, Record: &rec}
	}

	top := matches[0].Record
	if strings.TrimSpace(top.Content) == text {
		return Outcome{Stage: StageLongTermSkipped, Record: &top, Reason: ReasonDuplicated}
	}
	rec, err := e.stores.LongTerm.Update(ctx, top.ID, top.Content+LongTermSeparator+text,
		memory.Metadata{Priority: max(meta.Priority, top.Metadata.Priority), Emotion: meta.Emotion})
	if err != nil {
		return errOutcome(err)
	}
	return Outcome{Stage: StageLongTermUpdated, Record: &rec}
}

// working appends the user turn and, when present, the assistant reply.
// A failed write is flagged on the outcome; the stage stays working_stored.
func (e *Executive) working(ctx context.Context, text, reply string, meta memory.Metadata) Outcome {
	meta.Role = memory.RoleUser
	rec, err := e.stores.Working.Store(ctx, text, meta)
	if err != nil {
		slog.Error("executive: storing user turn failed", "error", err)
		return Outcome{Stage: StageWorkingStored, Reason: err.Error(), Failure: failureOf(err)}
	}
	out := Outcome{Stage: StageWorkingStored, Record: &rec}

	if reply = strings.TrimSpace(reply); reply != "" {
		_, err := e.stores.Working.Store(ctx, reply, memory.Metadata{
			Priority: meta.Priority, Role: memory.RoleAssistant, Source: "assistant",
		})
		if err != nil {
			slog.Error("executive: storing assistant turn failed", "error", err)
			out.Reason = err.Error()
			out.Failure = failureOf(err)
		}
	}
	return out
}
