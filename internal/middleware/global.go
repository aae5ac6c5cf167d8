package middleware

import (
	"net/http"
	"time"

	"github.com/Niiaks/Lodge/internal/server"
	"github.com/rs/zerolog"
)

type Global struct {
	s *server.Server
}

func NewGlobal(s *server.Server) *Global {
	return &Global{s: s}
}

// RequestLogger writes one line per request on the request-scoped logger,
// which already carries the request id, method and path. Health checks are
// logged at debug.
func (g *Global) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		l := LoggerOr(r.Context(), g.s.Logger)
		var event *zerolog.Event
		switch {
		case rw.status >= 500:
			event = l.Error()
		case rw.status >= 400:
			event = l.Warn()
		case r.URL.Path == "/health":
			event = l.Debug()
		default:
			event = l.Info()
		}

		if pattern := routePattern(r); pattern != "" {
			event = event.Str("route", pattern)
		}
		event.
			Int("status", rw.status).
			Int("bytes", rw.bytes).
			Dur("duration", time.Since(start)).
			Msg("Request completed")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}
