// Package memory holds the canonical memory record and the per-category
// adapters that persist it.
//
// An Adapter owns one durable collection. Every mutation loads the whole
// collection, applies the change in memory and rewrites it with the version
// it loaded; a concurrent writer causes a reload and reapply. Retrieval
// orders by priority, then reference count, then last reference time, all
// descending.
package memory

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/memclaw/internal/retry"
	"github.com/nextlevelbuilder/memclaw/internal/store"
)

// AdapterConfig wires one category adapter.
type AdapterConfig struct {
	Category   Category
	Collection store.Collection
	Backup     store.Collection // optional; written by Clear before emptying
	Extractor  Extractor        // nil means HeuristicExtractor
	Scorer     Scorer           // nil means TextScorer
	MaxRecords int              // 0 = unbounded; oldest records are dropped past the cap
	Conflict   retry.Config     // reload-and-reapply policy on version conflicts
	// TrackReferences bumps reference_count and last_reference_time on Retrieve.
	TrackReferences bool
}

// Adapter stores, retrieves, updates and deletes records of one category.
type Adapter struct {
	cfg       AdapterConfig
	extractor Extractor
	scorer    Scorer
	now       func() time.Time
	mu        sync.Mutex
}

// Match is a record with its similarity to a probe text.
type Match struct {
	Record Record
	Score  float64
}

// NewAdapter creates an adapter for cfg.Category.
func NewAdapter(cfg AdapterConfig) *Adapter {
	if cfg.Conflict.MaxAttempts <= 0 {
		cfg.Conflict = retry.Config{MaxAttempts: 5, BaseDelay: 20 * time.Millisecond, Backoff: retry.Linear, Jitter: true}
	}
	a := &Adapter{cfg: cfg, extractor: cfg.Extractor, scorer: cfg.Scorer, now: time.Now}
	if a.extractor == nil {
		a.extractor = HeuristicExtractor{}
	}
	if a.scorer == nil {
		a.scorer = TextScorer{}
	}
	return a
}

// Category returns the tier this adapter serves.
func (a *Adapter) Category() Category { return a.cfg.Category }

// Enrich runs the extractor, falling back to the heuristic parse when it
// fails. It never returns an error.
func (a *Adapter) Enrich(ctx context.Context, text string) Extraction {
	ex, err := a.extractor.Extract(ctx, text)
	if err == nil {
		return ex
	}
	slog.Warn("memory: extractor failed, using heuristic", "category", a.cfg.Category, "error", err)
	ex, _ = HeuristicExtractor{}.Extract(ctx, text)
	return ex
}

// Store creates a new record with a fresh id.
func (a *Adapter) Store(ctx context.Context, content string, meta Metadata) (Record, error) {
	content = strings.TrimSpace(ScrubCredentials(content))
	if content == "" {
		return Record{}, ErrEmptyContent
	}

	now := a.now()
	rec := Record{ID: NewID(a.cfg.Category), Category: a.cfg.Category, Content: content, Metadata: meta}
	md := &rec.Metadata
	if md.Priority <= 0 {
		md.Priority = DefaultPriority
	}
	if md.Source == "" {
		md.Source = "user"
	}
	if md.CreatedAt.IsZero() {
		md.CreatedAt = now
	}
	md.UpdatedAt = now
	md.ReferenceCount = 0
	md.LastReferenceTime = time.Time{}
	applyExtraction(md, a.Enrich(ctx, content), true)

	err := a.mutate(ctx, func(recs []Record) ([]Record, error) {
		recs = append(recs, rec)
		if a.cfg.MaxRecords > 0 && len(recs) > a.cfg.MaxRecords {
			recs = recs[len(recs)-a.cfg.MaxRecords:]
		}
		return recs, nil
	})
	if err != nil {
		return rec, err
	}
	slog.Debug("memory: stored", "category", a.cfg.Category, "id", rec.ID)
	return rec, nil
}

// Retrieve returns up to topK records matching query, most relevant first.
// An empty query matches everything.
func (a *Adapter) Retrieve(ctx context.Context, query string, topK int) ([]Record, error) {
	recs, err := a.load(ctx)
	if err != nil {
		return nil, err
	}

	query = strings.TrimSpace(query)
	matched := recs[:0:0]
	for _, r := range recs {
		if matches(r, query) {
			matched = append(matched, r)
		}
	}
	SortByRelevance(matched)
	if topK > 0 && len(matched) > topK {
		matched = matched[:topK]
	}

	if a.cfg.TrackReferences && len(matched) > 0 {
		a.touch(ctx, matched)
	}
	return matched, nil
}

// Similar scores every record against text and returns the best topK.
func (a *Adapter) Similar(ctx context.Context, text string, topK int) ([]Match, error) {
	recs, err := a.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Match, 0, len(recs))
	for _, r := range recs {
		score, err := a.scorer.Score(ctx, text, r.Content)
		if err != nil {
			return nil, fmt.Errorf("score %s: %w", r.ID, err)
		}
		out = append(out, Match{Record: r, Score: score})
	}
	slices.SortStableFunc(out, func(x, y Match) int {
		if c := cmp.Compare(y.Score, x.Score); c != 0 {
			return c
		}
		return cmp.Compare(y.Record.Metadata.Priority, x.Record.Metadata.Priority)
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// Update replaces the content of record id, keeping its id and creation time.
// Empty content keeps the old content. Non-zero fields of patch override
// priority, emotion and source.
func (a *Adapter) Update(ctx context.Context, id, content string, patch Metadata) (Record, error) {
	content = strings.TrimSpace(ScrubCredentials(content))
	var ex Extraction
	if content != "" {
		ex = a.Enrich(ctx, content)
	}

	var updated Record
	err := a.mutate(ctx, func(recs []Record) ([]Record, error) {
		i := slices.IndexFunc(recs, func(r Record) bool { return r.ID == id })
		if i < 0 {
			return nil, ErrNotFound
		}
		r := recs[i]
		if content != "" && content != r.Content {
			// A merge keeps the old text, so keep what was derived from it.
			keep := strings.Contains(content, r.Content)
			r.Content = content
			applyExtraction(&r.Metadata, ex, !keep)
		}
		if patch.Priority > 0 {
			r.Metadata.Priority = patch.Priority
		}
		if patch.Emotion != "" {
			r.Metadata.Emotion = patch.Emotion
		}
		if patch.Source != "" {
			r.Metadata.Source = patch.Source
		}
		r.Metadata.Tags = union(r.Metadata.Tags, patch.Tags)
		r.Metadata.UpdatedAt = a.now()
		recs[i] = r
		updated = r
		return recs, nil
	})
	if err != nil {
		return Record{}, err
	}
	return updated, nil
}

// Delete removes record id.
func (a *Adapter) Delete(ctx context.Context, id string) error {
	return a.mutate(ctx, func(recs []Record) ([]Record, error) {
		i := slices.IndexFunc(recs, func(r Record) bool { return r.ID == id })
		if i < 0 {
			return nil, ErrNotFound
		}
		return slices.Delete(recs, i, i+1), nil
	})
}

// Get returns record id.
func (a *Adapter) Get(ctx context.Context, id string) (Record, error) {
	recs, err := a.load(ctx)
	if err != nil {
		return Record{}, err
	}
	for _, r := range recs {
		if r.ID == id {
			return r, nil
		}
	}
	return Record{}, ErrNotFound
}

// All returns every record in stored (insertion) order.
func (a *Adapter) All(ctx context.Context) ([]Record, error) {
	return a.load(ctx)
}

// Count returns the number of records.
func (a *Adapter) Count(ctx context.Context) (int, error) {
	recs, err := a.load(ctx)
	return len(recs), err
}

// Recent returns the last n records in chronological order.
func (a *Adapter) Recent(ctx context.Context, n int) ([]Record, error) {
	recs, err := a.load(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(recs) > n {
		recs = recs[len(recs)-n:]
	}
	return recs, nil
}

// Clear empties the collection, first copying it to the backup collection.
func (a *Adapter) Clear(ctx context.Context) error {
	if a.cfg.Backup != nil {
		snap, err := a.cfg.Collection.Load(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		if len(snap.Body) > 0 {
			prev, err := a.cfg.Backup.Load(ctx)
			if err != nil {
				return fmt.Errorf("%w: load backup: %v", ErrPersistence, err)
			}
			if _, err := a.cfg.Backup.Save(ctx, snap.Body, prev.Version); err != nil {
				return fmt.Errorf("%w: write backup: %v", ErrPersistence, err)
			}
		}
	}
	return a.mutate(ctx, func([]Record) ([]Record, error) { return []Record{}, nil })
}

// LastTurns returns the records of the last n turns of a chronological
// working history. A turn opens at each user record; an assistant reply
// belongs to the turn before it.
func LastTurns(recs []Record, n int) []Record {
	if n <= 0 {
		return recs
	}
	turns := 0
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Metadata.Role == RoleAssistant {
			continue
		}
		if turns++; turns == n {
			return recs[i:]
		}
	}
	return recs
}

// Summary describes the working history in one line.
func (a *Adapter) Summary(ctx context.Context) (string, error) {
	recs, err := a.load(ctx)
	if err != nil {
		return "", err
	}
	turns := 0
	for _, r := range recs {
		if r.Metadata.Role != RoleAssistant {
			turns++
		}
	}
	return fmt.Sprintf("对话历史包含 %d 个回合", turns), nil
}

// SortByRelevance orders by priority, reference count, then last reference
// time, all descending. The sort is stable.
func SortByRelevance(recs []Record) {
	slices.SortStableFunc(recs, func(x, y Record) int {
		if c := cmp.Compare(y.Metadata.Priority, x.Metadata.Priority); c != 0 {
			return c
		}
		if c := cmp.Compare(y.Metadata.ReferenceCount, x.Metadata.ReferenceCount); c != 0 {
			return c
		}
		return y.Metadata.LastReferenceTime.Compare(x.Metadata.LastReferenceTime)
	})
}

// matches is a containment test in either direction, plus entity and tag hits.
func matches(r Record, query string) bool {
	if query == "" {
		return true
	}
	if strings.Contains(r.Content, query) || strings.Contains(query, r.Content) {
		return true
	}
	for _, list := range [][]string{r.Metadata.Entities, r.Metadata.Tags, r.Metadata.Interests} {
		for _, s := range list {
			if len([]rune(s)) > 1 && s != DefaultSubject && s != "我" && strings.Contains(query, s) {
				return true
			}
		}
	}
	return false
}

// applyExtraction writes ex into md, replacing or unioning derived fields.
func applyExtraction(md *Metadata, ex Extraction, replace bool) {
	if replace {
		md.Entities = union(nil, ex.Entities)
		md.Relations = unionRelations(nil, ex.Relations)
		md.Tags = union(md.Tags, ex.Tags)
		md.Interests = union(nil, ex.Interests)
		md.Events = union(nil, ex.Events)
		return
	}
	md.Entities = union(md.Entities, ex.Entities)
	md.Relations = unionRelations(md.Relations, ex.Relations)
	md.Tags = union(md.Tags, ex.Tags)
	md.Interests = union(md.Interests, ex.Interests)
	md.Events = union(md.Events, ex.Events)
}

// touch records a reference on each returned record. Failure only loses
// the counters, so it is logged rather than returned.
func (a *Adapter) touch(ctx context.Context, matched []Record) {
	now := a.now()
	ids := make(map[string]bool, len(matched))
	for i := range matched {
		ids[matched[i].ID] = true
		matched[i].Metadata.ReferenceCount++
		matched[i].Metadata.LastReferenceTime = now
	}
	err := a.mutate(ctx, func(recs []Record) ([]Record, error) {
		for i := range recs {
			if ids[recs[i].ID] {
				recs[i].Metadata.ReferenceCount++
				recs[i].Metadata.LastReferenceTime = now
			}
		}
		return recs, nil
	})
	if err != nil {
		slog.Warn("memory: reference tracking failed", "category", a.cfg.Category, "error", err)
	}
}

func (a *Adapter) load(ctx context.Context) ([]Record, error) {
	recs, _, err := a.loadSnapshot(ctx)
	return recs, err
}

// loadSnapshot reads and decodes the collection. A malformed body is
// treated as an empty collection.
func (a *Adapter) loadSnapshot(ctx context.Context) ([]Record, store.Version, error) {
	snap, err := a.cfg.Collection.Load(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	recs, err := decodeRecords(snap.Body, a.cfg.Category)
	if err != nil {
		slog.Warn("memory: collection unreadable, treating as empty",
			"category", a.cfg.Category, "collection", a.cfg.Collection.Name(), "error", err)
		return nil, snap.Version, nil
	}
	return recs, snap.Version, nil
}

// mutate applies fn to a fresh load and saves with the loaded version,
// reloading on conflict.
func (a *Adapter) mutate(ctx context.Context, fn func([]Record) ([]Record, error)) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	attempts := max(a.cfg.Conflict.MaxAttempts, 1)
	for attempt := 1; ; attempt++ {
		recs, version, err := a.loadSnapshot(ctx)
		if err != nil {
			return err
		}
		out, err := fn(recs)
		if err != nil {
			return err
		}
		if out == nil {
			out = []Record{}
		}
		body, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("%w: encode: %v", ErrPersistence, err)
		}

		_, err = a.cfg.Collection.Save(ctx, body, version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		if attempt >= attempts {
			return fmt.Errorf("%w: %v after %d attempts", ErrPersistence, err, attempt)
		}
		slog.Debug("memory: version conflict, reloading", "category", a.cfg.Category, "attempt", attempt)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrPersistence, ctx.Err())
		case <-time.After(a.cfg.Conflict.Delay(attempt)):
		}
	}
}
