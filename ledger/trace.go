package ledger

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// stampTrace copies the active OTel span's identifiers into md so a ledger
// row can be joined with its distributed trace. No-op without an active span.
func stampTrace(ctx context.Context, md map[string]string) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return
	}
	md["trace_id"] = sc.TraceID().String()
	md["span_id"] = sc.SpanID().String()
}

// TraceHandler is a slog.Handler decorating every record with the trace and
// span ids of the active OpenTelemetry span, so library logs correlate with
// ledger rows and distributed traces.
type TraceHandler struct {
	slog.Handler
}

func NewTraceHandler(h slog.Handler) *TraceHandler {
	return &TraceHandler{Handler: h}
}

func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		r.AddAttrs(slog.String("trace_id", sc.TraceID().String()))
	}
	if sc.HasSpanID() {
		r.AddAttrs(slog.String("span_id", sc.SpanID().String()))
	}
	return h.Handler.Handle(ctx, r)
}
