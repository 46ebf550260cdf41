package tracing

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

func TestSpanIDFor_UsesLastEightBytes(t *testing.T) {
	id := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	sid := SpanIDFor(id)
	for i := 0; i < 8; i++ {
		if sid[i] != id[8+i] {
			t.Errorf("byte %d: expected %02x, got %02x", i, id[8+i], sid[i])
		}
	}
	if TraceIDFor(id) == (trace.TraceID{}) {
		t.Error("expected non-zero trace ID")
	}
}

func TestWithMessage(t *testing.T) {
	id := uuid.Must(uuid.NewV7())
	sc := trace.SpanContextFromContext(WithMessage(context.Background(), id.String()))
	if !sc.IsValid() || !sc.IsRemote() {
		t.Fatalf("span context not set: %+v", sc)
	}
	if sc.TraceID() != TraceIDFor(id) {
		t.Errorf("trace id = %s", sc.TraceID())
	}

	ctx := context.Background()
	if got := WithMessage(ctx, "not-a-uuid"); got != ctx {
		t.Error("non-uuid id should leave ctx unchanged")
	}
}

func TestPreview(t *testing.T) {
	if got := Preview("short"); got != "short" {
		t.Errorf("Preview(short) = %q", got)
	}
	long := strings.Repeat("记忆", 100)
	got := Preview(long)
	if !strings.HasSuffix(got, "...") || !utf8.ValidString(got) {
		t.Errorf("Preview split a rune or lost suffix: %q", got)
	}
	if len(got) > previewMaxLen+3 {
		t.Errorf("len = %d", len(got))
	}
}

func TestStartEnd_NoProvider(t *testing.T) {
	_, span := Start(context.Background(), "test")
	End(span, errors.New("boom"))
}
