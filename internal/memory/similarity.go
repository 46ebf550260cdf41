package memory

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"strings"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Scorer returns a similarity in [0, 1] between two texts.
type Scorer interface {
	Score(ctx context.Context, a, b string) (float64, error)
}

// Normalize folds width, case and compatibility forms and drops everything
// but letters and digits, so punctuation and spacing never affect similarity.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// TextScorer is the Sørensen–Dice coefficient over character bigrams of
// the normalized texts. Identical normalized texts score 1.
type TextScorer struct{}

func (TextScorer) Score(_ context.Context, a, b string) (float64, error) {
	return TextSimilarity(a, b), nil
}

// TextSimilarity is TextScorer without the interface.
func TextSimilarity(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	ga, gb := bigrams(na), bigrams(nb)
	total := 0
	for _, n := range ga {
		total += n
	}
	for _, n := range gb {
		total += n
	}
	shared := 0
	for g, n := range ga {
		shared += min(n, gb[g])
	}
	return 2 * float64(shared) / float64(total)
}

// bigrams counts adjacent rune pairs; a single rune counts as itself.
func bigrams(s string) map[string]int {
	runes := []rune(s)
	out := make(map[string]int, len(runes))
	if len(runes) == 1 {
		out[s] = 1
		return out
	}
	for i := 0; i+1 < len(runes); i++ {
		out[string(runes[i:i+2])]++
	}
	return out
}

// Embedder turns texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbeddingScorer compares texts by cosine similarity of their embeddings.
// Vectors are cached by content hash.
type EmbeddingScorer struct {
	embedder Embedder
	vectors  *lru.Cache[string, []float32]
}

// NewEmbeddingScorer creates a scorer caching up to size vectors.
func NewEmbeddingScorer(e Embedder, size int) (*EmbeddingScorer, error) {
	if size <= 0 {
		size = 2048
	}
	c, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &EmbeddingScorer{embedder: e, vectors: c}, nil
}

func (s *EmbeddingScorer) Score(ctx context.Context, a, b string) (float64, error) {
	if Normalize(a) == Normalize(b) {
		return 1, nil
	}
	va, err := s.vector(ctx, a)
	if err != nil {
		return 0, err
	}
	vb, err := s.vector(ctx, b)
	if err != nil {
		return 0, err
	}
	return math.Max(0, CosineSimilarity(va, vb)), nil
}

func (s *EmbeddingScorer) vector(ctx context.Context, text string) ([]float32, error) {
	key := ContentHash(text)
	if v, ok := s.vectors.Get(key); ok {
		return v, nil
	}
	vecs, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embed: empty response")
	}
	s.vectors.Add(key, vecs[0])
	return vecs[0], nil
}

// FallbackScorer uses Primary and falls back to Fallback on error.
type FallbackScorer struct {
	Primary  Scorer
	Fallback Scorer
}

func (f FallbackScorer) Score(ctx context.Context, a, b string) (float64, error) {
	if s, err := f.Primary.Score(ctx, a, b); err == nil {
		return s, nil
	}
	return f.Fallback.Score(ctx, a, b)
}

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// ContentHash returns a short SHA-256 hex digest of text.
func ContentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%x", h[:16])
}
