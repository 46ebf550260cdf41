// Package tracing wraps the OpenTelemetry API for memclaw's spans.
//
// Without an installed provider (see otelexport) every span is a no-op,
// so callers trace unconditionally.
package tracing

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentation = "github.com/nextlevelbuilder/memclaw"
	previewMaxLen   = 200
)

// Start opens a span on the global tracer.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err (if any) and ends span.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// WithMessage parents ctx under a remote span derived from a bus message id,
// so both actors' spans for one turn land in the same trace. Ids that are
// not UUIDs leave ctx unchanged.
func WithMessage(ctx context.Context, messageID string) context.Context {
	id, err := uuid.Parse(messageID)
	if err != nil {
		return ctx
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    TraceIDFor(id),
		SpanID:     SpanIDFor(id),
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return trace.ContextWithRemoteSpanContext(ctx, sc)
}

// TraceIDFor maps a UUID onto a TraceID (both 16 bytes).
func TraceIDFor(id uuid.UUID) trace.TraceID {
	return trace.TraceID(id)
}

// SpanIDFor uses the last 8 bytes of id.
func SpanIDFor(id uuid.UUID) trace.SpanID {
	var sid trace.SpanID
	copy(sid[:], id[8:16])
	return sid
}

// Preview sanitizes s and truncates it to a span-attribute friendly length
// without splitting a rune.
func Preview(s string) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= previewMaxLen {
		return s
	}
	n := previewMaxLen
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
