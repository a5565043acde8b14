// Package gatewaylog wires zerolog the way internal/observability does in
// the source repo: a single process-wide sink configured once at startup,
// plus per-request loggers enriched with trace/span correlation and
// gateway-specific fields (tenant_id, request_id, session_id).
package gatewaylog

import (
	"context"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// Init initializes zerolog with sane defaults. If logPath is non-empty,
// logs are written to that file (append mode) instead of stdout.
func Init(logPath string, level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	var w io.Writer = os.Stdout
	if logPath != "" {
		if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			w = f
		} else {
			_, _ = fmt.Fprintf(os.Stderr, "failed to open log file %q: %v\n", logPath, err)
		}
	}
	log.Logger = log.Output(w).With().Timestamp().Logger()

	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	lvl := zerolog.InfoLevel
	if level != "" {
		if l, err := zerolog.ParseLevel(level); err == nil {
			lvl = l
		}
	}
	zerolog.SetGlobalLevel(lvl)

	stdlog.SetFlags(0)
	stdlog.SetOutput(log.Logger)
}

// FromContext returns a logger enriched with the active span's trace/span
// ids, when a recording span is present on ctx.
func FromContext(ctx context.Context) zerolog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	l := log.Logger
	if sc.IsValid() {
		l = l.With().
			Str("trace_id", sc.TraceID().String()).
			Str("span_id", sc.SpanID().String()).
			Logger()
	}
	return l
}

// ctxKey is the context key type for request-scoped logging fields.
type ctxKey struct{}

// Fields carried through a single request's lifetime for log enrichment.
type Fields struct {
	TenantID  string
	RequestID string
	SessionID string
}

// WithFields attaches request-scoped fields to ctx for later retrieval by
// FromContext-derived loggers via WithRequest.
func WithFields(ctx context.Context, f Fields) context.Context {
	return context.WithValue(ctx, ctxKey{}, f)
}

// WithRequest returns a logger enriched with both trace correlation and any
// request-scoped fields previously attached via WithFields.
func WithRequest(ctx context.Context) zerolog.Logger {
	l := FromContext(ctx)
	if f, ok := ctx.Value(ctxKey{}).(Fields); ok {
		lc := l.With()
		if f.TenantID != "" {
			lc = lc.Str("tenant_id", f.TenantID)
		}
		if f.RequestID != "" {
			lc = lc.Str("request_id", f.RequestID)
		}
		if f.SessionID != "" {
			lc = lc.Str("session_id", f.SessionID)
		}
		l = lc.Logger()
	}
	return l
}
