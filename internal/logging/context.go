package logging

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

type contextKey string

const fieldsKey contextKey = "log_fields"

// Fields are attached to every record logged with a context carrying them.
type Fields struct {
	WorkItemID string
	JobID      string
	Type       string
	Host       string
	Component  string
}

// WithFields enriches ctx with log fields. Non-empty values in f replace
// values already on the context.
func WithFields(ctx context.Context, f Fields) context.Context {
	cur := FieldsFromContext(ctx)
	if f.WorkItemID != "" {
		cur.WorkItemID = f.WorkItemID
	}
	if f.JobID != "" {
		cur.JobID = f.JobID
	}
	if f.Type != "" {
		cur.Type = f.Type
	}
	if f.Host != "" {
		cur.Host = f.Host
	}
	if f.Component != "" {
		cur.Component = f.Component
	}
	return context.WithValue(ctx, fieldsKey, cur)
}

// FieldsFromContext returns the fields on ctx, or the zero value.
func FieldsFromContext(ctx context.Context) Fields {
	if f, ok := ctx.Value(fieldsKey).(Fields); ok {
		return f
	}
	return Fields{}
}

// ContextHandler adds trace ids and Fields from the record's context.
type ContextHandler struct {
	slog.Handler
}

// NewContextHandler wraps h.
func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}

	f := FieldsFromContext(ctx)
	if f.WorkItemID != "" {
		r.AddAttrs(slog.String("work_item_id", f.WorkItemID))
	}
	if f.JobID != "" {
		r.AddAttrs(slog.String("job_id", f.JobID))
	}
	if f.Type != "" {
		r.AddAttrs(slog.String("type", f.Type))
	}
	if f.Host != "" {
		r.AddAttrs(slog.String("host", f.Host))
	}
	if f.Component != "" {
		r.AddAttrs(slog.String("component", f.Component))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}
