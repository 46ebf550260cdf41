package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/memclaw/internal/store"
	"github.com/nextlevelbuilder/memclaw/internal/store/file"
)

func newTestAdapter(t *testing.T, category Category) (*Adapter, string) {
	t.Helper()
	dir := t.TempDir()
	b, err := file.NewBackend(dir)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	coll, _ := b.Collection(string(category))
	backup, _ := b.Collection(string(category) + "_backup")
	return NewAdapter(AdapterConfig{Category: category, Collection: coll, Backup: backup}), dir
}

func TestAdapter_StoreAssignsIDAndEnriches(t *testing.T) {
	a, _ := newTestAdapter(t, CategoryLongTerm)
	ctx := context.Background()

	rec, err := a.Store(ctx, "  我喜欢咖啡  ", Metadata{})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if !strings.HasPrefix(rec.ID, "mem_") {
		t.Errorf("id = %q, want mem_ prefix", rec.ID)
	}
	if rec.Content != "我喜欢咖啡" {
		t.Errorf("content not trimmed: %q", rec.Content)
	}
	if rec.Metadata.Priority != DefaultPriority || rec.Metadata.Source != "user" {
		t.Errorf("defaults not applied: %+v", rec.Metadata)
	}
	if len(rec.Metadata.Interests) != 1 || rec.Metadata.Interests[0] != "咖啡" {
		t.Errorf("interests = %v", rec.Metadata.Interests)
	}

	if _, err := a.Store(ctx, "   ", Metadata{}); !errors.Is(err, ErrEmptyContent) {
		t.Errorf("blank content: got %v, want ErrEmptyContent", err)
	}
}

func TestAdapter_RetrieveOrdering(t *testing.T) {
	a, _ := newTestAdapter(t, CategoryRule)
	ctx := context.Background()

	low, _ := a.Store(ctx, "可以用英文回答", Metadata{Priority: 0.3})
	high, _ := a.Store(ctx, "必须用中文回答", Metadata{Priority: 0.9})
	mid, _ := a.Store(ctx, "避免长篇大论", Metadata{Priority: 0.6})

	got, err := a.Retrieve(ctx, "", 10)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	want := []string{high.ID, mid.ID, low.ID}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d: got %s, want %s", i, got[i].ID, id)
		}
	}

	top, _ := a.Retrieve(ctx, "", 1)
	if len(top) != 1 || top[0].ID != high.ID {
		t.Errorf("topK=1 returned %v", top)
	}
}

func TestSortByRelevance_TieBreaks(t *testing.T) {
	t0 := time.Unix(1000, 0)
	recs := []Record{
		{ID: "a", Metadata: Metadata{Priority: 0.5, ReferenceCount: 1, LastReferenceTime: t0}},
		{ID: "b", Metadata: Metadata{Priority: 0.5, ReferenceCount: 3, LastReferenceTime: t0}},
		{ID: "c", Metadata: Metadata{Priority: 0.5, ReferenceCount: 1, LastReferenceTime: t0.Add(time.Hour)}},
		{ID: "d", Metadata: Metadata{Priority: 0.8}},
	}
	SortByRelevance(recs)
	got := ""
	for _, r := range recs {
		got += r.ID
	}
	if got != "dbca" {
		t.Errorf("order = %s, want dbca", got)
	}
}

func TestAdapter_RetrieveQueryAndReferenceTracking(t *testing.T) {
	a, _ := newTestAdapter(t, CategoryLongTerm)
	a.cfg.TrackReferences = true
	ctx := context.Background()

	coffee, _ := a.Store(ctx, "我喜欢咖啡", Metadata{})
	a.Store(ctx, "我讨厌下雨天", Metadata{})

	got, err := a.Retrieve(ctx, "推荐一家咖啡店", 5)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 1 || got[0].ID != coffee.ID {
		t.Fatalf("Retrieve by entity = %v", got)
	}
	if got[0].Metadata.ReferenceCount != 1 {
		t.Errorf("returned copy reference_count = %d", got[0].Metadata.ReferenceCount)
	}

	stored, _ := a.Get(ctx, coffee.ID)
	if stored.Metadata.ReferenceCount != 1 || stored.Metadata.LastReferenceTime.IsZero() {
		t.Errorf("reference not persisted: %+v", stored.Metadata)
	}
}

func TestAdapter_UpdatePreservesID(t *testing.T) {
	a, _ := newTestAdapter(t, CategoryRule)
	ctx := context.Background()

	rec, _ := a.Store(ctx, "必须用中文回答", Metadata{Priority: 0.7})
	updated, err := a.Update(ctx, rec.ID, "必须用简体中文回答", Metadata{Priority: 0.8})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.ID != rec.ID || updated.Category != CategoryRule {
		t.Errorf("identity changed: %+v", updated)
	}
	if updated.Content != "必须用简体中文回答" || updated.Metadata.Priority != 0.8 {
		t.Errorf("update not applied: %+v", updated)
	}
	if !updated.Metadata.CreatedAt.Equal(rec.Metadata.CreatedAt) {
		t.Error("created_at changed")
	}
	if n, _ := a.Count(ctx); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}

	if _, err := a.Update(ctx, "rule_missing", "x", Metadata{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing id: got %v, want ErrNotFound", err)
	}
}

func TestAdapter_Delete(t *testing.T) {
	a, _ := newTestAdapter(t, CategoryRule)
	ctx := context.Background()

	rec, _ := a.Store(ctx, "禁止说脏话", Metadata{})
	if err := a.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := a.Delete(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: got %v, want ErrNotFound", err)
	}
}

func TestAdapter_SimilarRanksByScore(t *testing.T) {
	a, _ := newTestAdapter(t, CategoryLongTerm)
	ctx := context.Background()

	a.Store(ctx, "我讨厌下雨天", Metadata{})
	coffee, _ := a.Store(ctx, "我喜欢咖啡", Metadata{})

	matches, err := a.Similar(ctx, "我喜欢咖啡。", 1)
	if err != nil {
		t.Fatalf("Similar: %v", err)
	}
	if len(matches) != 1 || matches[0].Record.ID != coffee.ID || matches[0].Score != 1 {
		t.Errorf("Similar = %+v", matches)
	}
}

func TestAdapter_MalformedFileIsEmpty(t *testing.T) {
	a, dir := newTestAdapter(t, CategoryLongTerm)
	os.WriteFile(filepath.Join(dir, "longterm.json"), []byte("{not json"), 0o600)
	ctx := context.Background()

	recs, err := a.All(ctx)
	if err != nil || len(recs) != 0 {
		t.Fatalf("All = %v, %v; want empty, nil", recs, err)
	}
	if _, err := a.Store(ctx, "我喜欢茶", Metadata{}); err != nil {
		t.Fatalf("Store over malformed file: %v", err)
	}
	if n, _ := a.Count(ctx); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestAdapter_WorkingCapAndClear(t *testing.T) {
	a, dir := newTestAdapter(t, CategoryWorking)
	a.cfg.MaxRecords = 3
	ctx := context.Background()

	for _, s := range []string{"一", "二", "三", "四"} {
		a.Store(ctx, s, Metadata{Role: RoleUser})
	}
	recent, _ := a.Recent(ctx, 10)
	if len(recent) != 3 || recent[0].Content != "二" || recent[2].Content != "四" {
		t.Fatalf("Recent = %v", recent)
	}
	if s, _ := a.Summary(ctx); s != "对话历史包含 3 个回合" {
		t.Errorf("Summary = %q", s)
	}

	if err := a.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n, _ := a.Count(ctx); n != 0 {
		t.Errorf("count after clear = %d", n)
	}
	backup, err := os.ReadFile(filepath.Join(dir, "working_backup.json"))
	if err != nil || !strings.Contains(string(backup), "四") {
		t.Errorf("backup missing or incomplete: %v", err)
	}
}

// racingCollection makes the first Save fail with a conflict, as if another
// process had written in between.
type racingCollection struct {
	store.Collection
	conflicts int
}

func (r *racingCollection) Save(ctx context.Context, body []byte, expect store.Version) (store.Version, error) {
	if r.conflicts > 0 {
		r.conflicts--
		return "", store.ErrConflict
	}
	return r.Collection.Save(ctx, body, expect)
}

func TestAdapter_ReappliesOnConflict(t *testing.T) {
	b, _ := file.NewBackend(t.TempDir())
	coll, _ := b.Collection("rules")
	racing := &racingCollection{Collection: coll, conflicts: 2}
	a := NewAdapter(AdapterConfig{Category: CategoryRule, Collection: racing})

	if _, err := a.Store(context.Background(), "必须准时", Metadata{}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if n, _ := a.Count(context.Background()); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

type failingExtractor struct{}

func (failingExtractor) Extract(context.Context, string) (Extraction, error) {
	return Extraction{}, errors.New("model offline")
}

func TestAdapter_EnrichFallsBackToHeuristic(t *testing.T) {
	a, _ := newTestAdapter(t, CategoryLongTerm)
	a.extractor = failingExtractor{}

	rec, err := a.Store(context.Background(), "小明喜欢足球", Metadata{})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if len(rec.Metadata.Relations) != 1 || rec.Metadata.Relations[0].Subject != "小明" {
		t.Errorf("relations = %+v", rec.Metadata.Relations)
	}
}

func TestAdapter_IDLessRecordsKeepStableIDs(t *testing.T) {
	a, dir := newTestAdapter(t, CategoryRule)
	ctx := context.Background()
	body := `[{"text":"请记住我喜欢安静的环境","priority":0.9},{"text":"回答要简短"}]`
	if err := os.WriteFile(filepath.Join(dir, "rule.json"), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	first, err := a.All(ctx)
	if err != nil || len(first) != 2 {
		t.Fatalf("All = %v, %v", first, err)
	}
	second, _ := a.All(ctx)
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("id changed between loads: %s -> %s", first[i].ID, second[i].ID)
		}
	}
	if first[0].ID == first[1].ID || !strings.HasPrefix(first[0].ID, "rule_") {
		t.Fatalf("ids = %s, %s", first[0].ID, first[1].ID)
	}

	if _, err := a.Update(ctx, first[0].ID, "请记住我喜欢安静的环境，不要放音乐", Metadata{}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := a.Delete(ctx, first[1].ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	recs, _ := a.All(ctx)
	if len(recs) != 1 || recs[0].ID != first[0].ID {
		t.Errorf("after update+delete: %+v", recs)
	}
}

func TestLastTurns(t *testing.T) {
	rec := func(role, content string) Record {
		return Record{Content: content, Metadata: Metadata{Role: role}}
	}
	history := []Record{
		rec(RoleUser, "u1"), rec(RoleAssistant, "a1"),
		rec(RoleUser, "u2"), rec(RoleAssistant, "a2"),
		rec(RoleUser, "u3"),
	}
	tests := []struct {
		n         int
		wantFirst string
		wantLen   int
	}{
		{1, "u3", 1},
		{2, "u2", 3},
		{3, "u1", 5},
		{10, "u1", 5},
		{0, "u1", 5},
	}
	for _, tt := range tests {
		got := LastTurns(history, tt.n)
		if len(got) != tt.wantLen || got[0].Content != tt.wantFirst {
			t.Errorf("LastTurns(%d) = %v", tt.n, got)
		}
	}
	if got := LastTurns(nil, 3); len(got) != 0 {
		t.Errorf("LastTurns(nil) = %v", got)
	}
}
