package middleware

import (
	"context"
	"net/http"

	"github.com/Niiaks/Lodge/internal/logger"
	"github.com/Niiaks/Lodge/internal/server"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/rs/zerolog"
)

const LoggerKey contextKey = "logger"

// IdempotencyHeader is the client-supplied key for safe retries of create
// requests.
const IdempotencyHeader = "Idempotency-Key"

type ContextEnhancer struct {
	Server *server.Server
}

func NewContextEnhancer(srv *server.Server) *ContextEnhancer {
	return &ContextEnhancer{Server: srv}
}

// EnhanceContext derives the request-scoped logger from the server logger.
// RequireAuth later adds user_id to it.
func (ce *ContextEnhancer) EnhanceContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lc := ce.Server.Logger.With().
			Str(RequestIDKey, GetRequestID(r)).
			Str("ip", clientIP(r)).
			Str("method", r.Method).
			Str("path", r.URL.Path)
		if key := r.Header.Get(IdempotencyHeader); key != "" {
			lc = lc.Str("idempotency_key", key)
		}
		contextLogger := lc.Logger()

		if txn := newrelic.FromContext(r.Context()); txn != nil {
			contextLogger = logger.WithTraceContext(contextLogger, txn)
		}

		next.ServeHTTP(w, r.WithContext(WithLogger(r.Context(), &contextLogger)))
	})
}

// WithLogger stores l as the request-scoped logger.
func WithLogger(ctx context.Context, l *zerolog.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey, l)
}

// GetLogger returns the request-scoped logger, or a no-op logger.
func GetLogger(ctx context.Context) *zerolog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*zerolog.Logger); ok {
		return l
	}
	nop := zerolog.Nop()
	return &nop
}

// LoggerOr returns the request-scoped logger, or fallback outside a request.
func LoggerOr(ctx context.Context, fallback *zerolog.Logger) *zerolog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*zerolog.Logger); ok {
		return l
	}
	return fallback
}
