// Licensed to Andrew Kroh under one or more agreements.
// Andrew Kroh licenses this file to you under the Apache 2.0 License.
// See the LICENSE file in the project root for more information.

package otelsetup

import (
	"context"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel/trace"
)

// redacted replaces the value of sensitive attributes.
const redacted = "[REDACTED]"

// sensitiveKeys are OAuth secrets that must never reach the log output.
var sensitiveKeys = []string{
	"access_token",
	"client_secret",
	"code",
	"code_verifier",
	"state",
	"token",
}

// TraceHandler wraps a slog.Handler. It adds trace context attributes and
// redacts OAuth secrets.
type TraceHandler struct {
	inner slog.Handler
}

// NewTraceHandler creates a new TraceHandler wrapping the given inner handler.
func NewTraceHandler(inner slog.Handler) *TraceHandler {
	return &TraceHandler{inner: inner}
}

// Enabled delegates to the inner handler.
func (h *TraceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle adds trace.id and span.id when ctx carries an active span.
func (h *TraceHandler) Handle(ctx context.Context, record slog.Record) error {
	out := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	record.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redact(a))
		return true
	})

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		out.AddAttrs(
			slog.String("trace.id", sc.TraceID().String()),
			slog.String("span.id", sc.SpanID().String()),
		)
	}
	return h.inner.Handle(ctx, out)
}

// WithAttrs returns a new TraceHandler wrapping the inner handler's WithAttrs result.
func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = redact(a)
	}
	return NewTraceHandler(h.inner.WithAttrs(clean))
}

// WithGroup returns a new TraceHandler wrapping the inner handler's WithGroup result.
func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return NewTraceHandler(h.inner.WithGroup(name))
}

func redact(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		clean := make([]slog.Attr, len(group))
		for i, ga := range group {
			clean[i] = redact(ga)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(clean...)}
	}
	if slices.Contains(sensitiveKeys, a.Key) {
		return slog.String(a.Key, redacted)
	}
	return a
}
