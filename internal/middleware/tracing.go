package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/newrelic/go-agent/v3/newrelic"
)

type Tracing struct {
	nrApp *newrelic.Application
}

func NewTracing(nrApp *newrelic.Application) *Tracing {
	return &Tracing{nrApp: nrApp}
}

// NewRelicMiddleware starts a web transaction per request, named after the
// matched chi route pattern once routing has finished. Without an application
// it is a pass-through.
func (t *Tracing) NewRelicMiddleware() func(http.Handler) http.Handler {
	if t.nrApp == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			txn := t.nrApp.StartTransaction(r.Method + " " + r.URL.Path)
			defer txn.End()

			txn.SetWebRequestHTTP(r)
			w = txn.SetWebResponse(w)
			r = newrelic.RequestWithTransactionContext(r, txn)

			next.ServeHTTP(w, r)

			if pattern := routePattern(r); pattern != "" {
				txn.SetName(r.Method + " " + pattern)
			}
		})
	}
}

// EnhanceTracing tags the transaction with the request id, the caller's IP and
// whether the client sent an idempotency key. The reservation id is added once
// the route has matched.
func (t *Tracing) EnhanceTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		txn := newrelic.FromContext(r.Context())
		if txn == nil {
			next.ServeHTTP(w, r)
			return
		}

		txn.AddAttribute("request.id", GetRequestID(r))
		txn.AddAttribute("http.client_ip", clientIP(r))
		txn.AddAttribute("http.user_agent", r.UserAgent())
		txn.AddAttribute("request.idempotent", r.Header.Get(IdempotencyHeader) != "")

		next.ServeHTTP(w, r)

		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if id := rctx.URLParam("id"); id != "" {
				txn.AddAttribute("reservation.id", id)
			}
		}
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}
