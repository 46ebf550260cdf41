package executive

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/memclaw/internal/memory"
	"github.com/nextlevelbuilder/memclaw/internal/tracing"
)

// Section headers, in emission order.
const (
	SectionInterests = "【兴趣归纳】"
	SectionRules     = "【规则列表】"
	SectionEvents    = "【历史事件】"
	SectionConflicts = "【冲突检测】"
	SectionRelated   = "【相关记忆】"
	SectionRecent    = "【最近对话】"
	SectionCurrent   = "【当前消息】"
)

// ComposerConfig bounds how much of each tier goes into the context.
type ComposerConfig struct {
	RuleLimit    int // default 10
	RelatedLimit int // default 5
	RecentTurns  int // default 5; a turn is a user line plus its reply
}

// DefaultComposerConfig returns 10 rules, 5 related memories, 5 recent turns.
func DefaultComposerConfig() ComposerConfig {
	return ComposerConfig{RuleLimit: 10, RelatedLimit: 5, RecentTurns: 5}
}

// Composed is a composition result. Text is empty and Diagnostic set when
// composition failed.
type Composed struct {
	Text       string `json:"text"`
	Diagnostic string `json:"diagnostic,omitempty"`
}

// Composer assembles stored memory into a sectioned context block.
type Composer struct {
	stores Stores
	cfg    ComposerConfig
	mu     sync.Mutex
}

// NewComposer creates a composer over stores.
func NewComposer(stores Stores, cfg ComposerConfig) *Composer {
	d := DefaultComposerConfig()
	if cfg.RuleLimit <= 0 {
		cfg.RuleLimit = d.RuleLimit
	}
	if cfg.RelatedLimit <= 0 {
		cfg.RelatedLimit = d.RelatedLimit
	}
	if cfg.RecentTurns <= 0 {
		cfg.RecentTurns = d.RecentTurns
	}
	return &Composer{stores: stores, cfg: cfg}
}

// Compose builds the context for message. Calls on one Composer are
// serialized. It never returns an error; see Composed.Diagnostic.
func (c *Composer) Compose(ctx context.Context, message string) Composed {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, span := tracing.Start(ctx, "executive.compose")
	defer span.End()

	var (
		rules, longTerm, related, recent []memory.Record
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		rules, err = c.stores.Rules.Retrieve(gctx, "", c.cfg.RuleLimit)
		return wrap("rules", err)
	})
	g.Go(func() (err error) {
		longTerm, err = c.stores.LongTerm.All(gctx)
		return wrap("long-term", err)
	})
	g.Go(func() (err error) {
		related, err = c.stores.LongTerm.Retrieve(gctx, message, c.cfg.RelatedLimit)
		return wrap("related", err)
	})
	g.Go(func() (err error) {
		recent, err = c.stores.Working.All(gctx)
		recent = memory.LastTurns(recent, c.cfg.RecentTurns)
		return wrap("recent", err)
	})
	if err := g.Wait(); err != nil {
		slog.Warn("composer: retrieval failed", "error", err)
		tracing.End(span, err)
		return Composed{Diagnostic: err.Error()}
	}

	var interests, events []string
	for _, r := range longTerm {
		interests = appendUnique(interests, r.Metadata.Interests...)
		events = appendUnique(events, r.Metadata.Events...)
	}
	ruleLines := make([]string, 0, len(rules))
	for _, r := range rules {
		ruleLines = append(ruleLines, r.Content)
	}
	relatedLines := make([]string, 0, len(related))
	for _, r := range related {
		relatedLines = append(relatedLines, r.Content)
	}
	recentLines := make([]string, 0, len(recent))
	for _, r := range recent {
		speaker := "用户"
		if r.Metadata.Role == memory.RoleAssistant {
			speaker = "助手"
		}
		recentLines = append(recentLines, speaker+"："+r.Content)
	}

	var sections []string
	sections = appendSection(sections, SectionInterests, interests)
	sections = appendSection(sections, SectionRules, ruleLines)
	sections = appendSection(sections, SectionEvents, events)
	sections = appendSection(sections, SectionConflicts, Conflicts(longTerm))
	sections = appendSection(sections, SectionRelated, relatedLines)
	sections = appendSection(sections, SectionRecent, recentLines)
	if msg := strings.TrimSpace(message); msg != "" {
		sections = append(sections, SectionCurrent+"\n"+msg)
	}

	text := strings.Join(sections, "\n\n")
	span.SetAttributes(attribute.Int("sections", len(sections)), attribute.Int("length", len(text)))
	return Composed{Text: text}
}

// Conflicts returns objects the records both like and dislike, in first
// seen order.
func Conflicts(recs []memory.Record) []string {
	liked := map[string]bool{}
	disliked := map[string]bool{}
	var order []string
	for _, r := range recs {
		for _, rel := range r.Metadata.Relations {
			switch memory.Sentiment(rel.Predicate) {
			case memory.TagLiked:
				liked[rel.Object] = true
			case memory.TagDisliked:
				disliked[rel.Object] = true
			default:
				continue
			}
			order = appendUnique(order, rel.Object)
		}
	}
	var out []string
	for _, obj := range order {
		if liked[obj] && disliked[obj] {
			out = append(out, fmt.Sprintf("%s：既喜欢又讨厌", obj))
		}
	}
	return out
}

func appendSection(sections []string, header string, lines []string) []string {
	if len(lines) == 0 {
		return sections
	}
	var b strings.Builder
	b.WriteString(header)
	for _, l := range lines {
		b.WriteString("\n- ")
		b.WriteString(l)
	}
	return append(sections, b.String())
}

func appendUnique(dst []string, items ...string) []string {
	for _, it := range items {
		if it == "" {
			continue
		}
		dup := false
		for _, d := range dst {
			if d == it {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, it)
		}
	}
	return dst
}

func wrap(what string, err error) error {
	if err != nil {
		return fmt.Errorf("retrieve %s: %w", what, err)
	}
	return nil
}
