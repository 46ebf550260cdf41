package memory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Category is one memory tier. A record's category never changes.
type Category string

const (
	CategoryRule     Category = "rule"
	CategoryWorking  Category = "working"
	CategoryLongTerm Category = "longterm"
)

// Categories lists every tier.
var Categories = []Category{CategoryRule, CategoryWorking, CategoryLongTerm}

// ParseCategory accepts the canonical names plus common aliases.
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rule", "rules":
		return CategoryRule, nil
	case "working", "work", "conversation":
		return CategoryWorking, nil
	case "longterm", "long_term", "long-term", "memory", "memories":
		return CategoryLongTerm, nil
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// idPrefix is the id namespace per category, so ids never collide across tiers.
func (c Category) idPrefix() string {
	switch c {
	case CategoryRule:
		return "rule_"
	case CategoryWorking:
		return "turn_"
	default:
		return "mem_"
	}
}

// NewID allocates a fresh record id for category c.
func NewID(c Category) string {
	return c.idPrefix() + uuid.Must(uuid.NewV7()).String()
}

// legacyIDSpace namespaces ids derived for stored records that carry none.
var legacyIDSpace = uuid.MustParse("6f1c2b9e-3a47-5d0e-9b8a-4c2f7e1d5a90")

// legacyID derives a stable id from a record's position and content, so an
// id-less record keeps the same id across loads until it is rewritten.
func legacyID(c Category, index int, content string) string {
	key := string(c) + "\x00" + strconv.Itoa(index) + "\x00" + content
	return c.idPrefix() + uuid.NewSHA1(legacyIDSpace, []byte(key)).String()
}

// Relation is one subject–predicate–object triple.
type Relation struct {
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    string `json:"object"`
}

// Metadata is the structured part of a record.
type Metadata struct {
	Priority          float64    `json:"priority"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	ReferenceCount    int        `json:"reference_count"`
	LastReferenceTime time.Time  `json:"last_reference_time"`
	Entities          []string   `json:"entities"`
	Relations         []Relation `json:"relations"`
	Tags              []string   `json:"tags"`
	Interests         []string   `json:"interests"`
	Events            []string   `json:"events"`

	Role    string `json:"role,omitempty"`    // working turns: user or assistant
	Source  string `json:"source,omitempty"`  // who asserted it (default "user")
	Emotion string `json:"emotion,omitempty"` // optional affect label from the utterance
}

// Record is the canonical persisted unit of memory.
type Record struct {
	ID       string   `json:"id"`
	Category Category `json:"category"`
	Content  string   `json:"content"`
	Metadata Metadata `json:"metadata"`
}

// Roles for working-memory turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultPriority is used when a record is stored without one.
const DefaultPriority = 0.5

// decodeRecords parses a persisted collection. Each element may be a
// canonical record or one of the older shapes ({text|content|value,
// metadata{...}} with float timestamps). A body that is not a JSON array
// yields ErrMalformedCollection.
func decodeRecords(body []byte, category Category) ([]Record, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCollection, err)
	}

	out := make([]Record, 0, len(raws))
	for i, raw := range raws {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			slog.Warn("memory: skipping unreadable record", "category", category, "index", i, "error", err)
			continue
		}
		r := recordFromMap(m, category)
		if r.ID == "" {
			r.ID = legacyID(category, i, r.Content)
		}
		out = append(out, r)
	}
	return out, nil
}

// recordFromMap adapts any known record shape into a canonical Record.
func recordFromMap(m map[string]any, category Category) Record {
	meta, _ := m["metadata"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	// Flat legacy fields live beside content rather than inside metadata.
	lookup := func(key string) any {
		if v, ok := meta[key]; ok && v != nil {
			return v
		}
		return m[key]
	}

	r := Record{
		ID:       asString(m["id"]),
		Category: category,
		Content:  firstString(m, "content", "text", "value"),
	}

	md := &r.Metadata
	md.Priority = DefaultPriority
	if p, ok := asFloat(lookup("priority")); ok {
		md.Priority = p
	}
	md.CreatedAt = asTime(lookup("created_at"))
	if md.CreatedAt.IsZero() {
		md.CreatedAt = asTime(lookup("timestamp"))
	}
	md.UpdatedAt = asTime(lookup("updated_at"))
	if md.UpdatedAt.IsZero() {
		md.UpdatedAt = md.CreatedAt
	}
	if n, ok := asFloat(lookup("reference_count")); ok {
		md.ReferenceCount = int(n)
	}
	md.LastReferenceTime = asTime(lookup("last_reference_time"))
	md.Entities = asStrings(lookup("entities"))
	md.Relations = asRelations(lookup("relations"))
	md.Tags = asStrings(lookup("tags"))
	md.Interests = asStrings(lookup("interests"))
	md.Events = asStrings(lookup("events"))
	md.Role = asString(lookup("role"))
	md.Source = asString(lookup("source"))
	md.Emotion = asString(lookup("emotion"))
	return r
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			if s := asString(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

// asTime accepts RFC 3339, naive ISO timestamps and unix seconds.
func asTime(v any) time.Time {
	switch x := v.(type) {
	case float64:
		if x <= 0 {
			return time.Time{}
		}
		sec := int64(x)
		return time.Unix(sec, int64((x-float64(sec))*1e9)).UTC()
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return asTime(f)
		}
	}
	return time.Time{}
}

func asStrings(v any) []string {
	list, ok := v.([]any)
	if !ok {
		if s, ok := v.(string); ok && s != "" {
			return []string{s}
		}
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s := asString(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func asRelations(v any) []Relation {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]Relation, 0, len(list))
	for _, item := range list {
		switch x := item.(type) {
		case map[string]any:
			out = append(out, Relation{
				Subject:   asString(x["subject"]),
				Predicate: asString(x["predicate"]),
				Object:    asString(x["object"]),
			})
		case []any:
			if len(x) == 3 {
				out = append(out, Relation{Subject: asString(x[0]), Predicate: asString(x[1]), Object: asString(x[2])})
			}
		}
	}
	return out
}

// union appends the elements of b missing from a, keeping order.
func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func unionRelations(a, b []Relation) []Relation {
	seen := make(map[Relation]bool, len(a)+len(b))
	out := make([]Relation, 0, len(a)+len(b))
	for _, list := range [][]Relation{a, b} {
		for _, r := range list {
			if seen[r] {
				continue
			}
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}
