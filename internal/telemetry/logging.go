package telemetry

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Logger is the process-wide structured logger.
var Logger = slog.Default()

// spanHandler stamps each record with the ids of the span in its context,
// so log lines can be joined to traces.
type spanHandler struct {
	next slog.Handler
}

func (h spanHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h spanHandler) Handle(ctx context.Context, record slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		record.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			record.AddAttrs(slog.Bool("sampled", true))
		}
	}
	return h.next.Handle(ctx, record)
}

func (h spanHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return spanHandler{next: h.next.WithAttrs(attrs)}
}

func (h spanHandler) WithGroup(name string) slog.Handler {
	return spanHandler{next: h.next.WithGroup(name)}
}

// LogConfig selects the level, encoding and sink of a logger.
type LogConfig struct {
	Service string
	Level   string
	Format  string // "text" or anything else for JSON
}

// ParseLevel maps debug, info, warn and error to slog levels. Anything else
// is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds a span-aware logger writing to w.
func NewLogger(w io.Writer, c LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	var base slog.Handler
	if strings.EqualFold(c.Format, "text") {
		base = slog.NewTextHandler(w, opts)
	} else {
		base = slog.NewJSONHandler(w, opts)
	}
	logger := slog.New(spanHandler{next: base})
	if c.Service != "" {
		logger = logger.With(slog.String("service", c.Service))
	}
	return logger
}

// InitLogger installs NewLogger(w, c) as Logger and as the slog default.
func InitLogger(w io.Writer, c LogConfig) {
	Logger = NewLogger(w, c)
	slog.SetDefault(Logger)
}
