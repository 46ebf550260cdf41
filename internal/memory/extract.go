package memory

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Extraction is the structured enrichment of one piece of text.
type Extraction struct {
	Entities  []string   `json:"entities"`
	Relations []Relation `json:"relations"`
	Tags      []string   `json:"tags"`
	Interests []string   `json:"interests"`
	Events    []string   `json:"events"`
}

// Empty reports whether nothing was extracted.
func (e Extraction) Empty() bool {
	return len(e.Entities) == 0 && len(e.Relations) == 0 && len(e.Tags) == 0 &&
		len(e.Interests) == 0 && len(e.Events) == 0
}

func (e Extraction) merge(o Extraction) Extraction {
	return Extraction{
		Entities:  union(e.Entities, o.Entities),
		Relations: unionRelations(e.Relations, o.Relations),
		Tags:      union(e.Tags, o.Tags),
		Interests: union(e.Interests, o.Interests),
		Events:    union(e.Events, o.Events),
	}
}

// Extractor derives entities, relations, tags, interests and events from text.
type Extractor interface {
	Extract(ctx context.Context, text string) (Extraction, error)
}

// Sentiment tags written by the heuristic extractor.
const (
	TagLiked    = "liked"
	TagDisliked = "disliked"
)

// DefaultSubject is used when a statement has no explicit subject.
const DefaultSubject = "用户"

var (
	statementRe = regexp.MustCompile(`(我|你|他|她|小明|小红)?(不喜欢|喜欢|讨厌|爱|需要|拥有|必须|应该|禁止|优先|避免|可以|建议|提醒|允许|吃|喝|去|看|玩|学|买|用)(.+)`)
	clauseSplit = regexp.MustCompile(`[，,。；;！!？?\n]+`)
)

var (
	likedVerbs    = map[string]bool{"喜欢": true, "爱": true}
	dislikedVerbs = map[string]bool{"不喜欢": true, "讨厌": true}
	eventVerbs    = map[string]bool{"吃": true, "喝": true, "去": true, "看": true, "玩": true, "学": true, "买": true}
)

// Sentiment maps a relation predicate to TagLiked, TagDisliked or "".
func Sentiment(predicate string) string {
	switch {
	case likedVerbs[predicate]:
		return TagLiked
	case dislikedVerbs[predicate]:
		return TagDisliked
	}
	return ""
}

// HeuristicExtractor parses subject–predicate–object statements over a
// fixed verb vocabulary. It never fails.
type HeuristicExtractor struct{}

func (HeuristicExtractor) Extract(_ context.Context, text string) (Extraction, error) {
	var out Extraction
	for _, clause := range clauseSplit.Split(text, -1) {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		m := statementRe.FindStringSubmatch(clause)
		if m == nil {
			continue
		}
		subject, predicate := m[1], m[2]
		object := strings.Trim(strings.TrimSpace(m[3]), "~～…. ")
		if object == "" {
			continue
		}
		if subject == "" {
			subject = DefaultSubject
		}

		ex := Extraction{
			Entities:  []string{subject, object},
			Relations: []Relation{{Subject: subject, Predicate: predicate, Object: object}},
			Tags:      []string{predicate},
		}
		switch {
		case likedVerbs[predicate]:
			ex.Tags = append(ex.Tags, TagLiked)
			ex.Interests = []string{object}
		case dislikedVerbs[predicate]:
			ex.Tags = append(ex.Tags, TagDisliked)
		case eventVerbs[predicate]:
			ex.Events = []string{predicate + object}
		}
		out = out.merge(ex)
	}
	return out, nil
}

// FallbackExtractor tries Primary and uses Fallback when it fails.
type FallbackExtractor struct {
	Primary  Extractor
	Fallback Extractor
}

func (f FallbackExtractor) Extract(ctx context.Context, text string) (Extraction, error) {
	ex, err := f.Primary.Extract(ctx, text)
	if err == nil {
		return ex, nil
	}
	slog.Debug("memory: primary extractor failed, using fallback", "error", err)
	return f.Fallback.Extract(ctx, text)
}

// CachedExtractor memoizes successful extractions by content hash.
type CachedExtractor struct {
	inner Extractor
	cache *lru.Cache[string, Extraction]
}

// NewCachedExtractor wraps inner with an LRU of the given size.
func NewCachedExtractor(inner Extractor, size int) (*CachedExtractor, error) {
	if size <= 0 {
		size = 512
	}
	c, err := lru.New[string, Extraction](size)
	if err != nil {
		return nil, err
	}
	return &CachedExtractor{inner: inner, cache: c}, nil
}

func (c *CachedExtractor) Extract(ctx context.Context, text string) (Extraction, error) {
	key := ContentHash(text)
	if ex, ok := c.cache.Get(key); ok {
		return ex, nil
	}
	ex, err := c.inner.Extract(ctx, text)
	if err != nil {
		return Extraction{}, err
	}
	c.cache.Add(key, ex)
	return ex, nil
}
