package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const (
	RequestIDHeader = "X-Request-ID"
	RequestIDKey    = "request_id"

	maxRequestIDLength = 128
)

type contextKey string

const requestIDContextKey contextKey = RequestIDKey

// RequestID middleware extracts or generates a request ID and stores it in context.
// Client-supplied ids that are too long or contain non-printable bytes are
// replaced; they end up in logs and outbound gateway headers.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if !validRequestID(requestID) {
			requestID = uuid.New().String()
		}

		w.Header().Set(RequestIDHeader, requestID)
		ctx := context.WithValue(r.Context(), requestIDContextKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the id assigned by RequestID, or the raw header when
// the middleware did not run.
func GetRequestID(r *http.Request) string {
	if requestID := GetRequestIDFromContext(r.Context()); requestID != "" {
		return requestID
	}
	return r.Header.Get(RequestIDHeader)
}

// GetRequestIDFromContext is used by outbound clients to propagate the id.
func GetRequestIDFromContext(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDContextKey).(string); ok {
		return requestID
	}
	return ""
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
