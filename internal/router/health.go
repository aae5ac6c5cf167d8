package router

import (
	"context"
	"net/http"
	"time"

	"github.com/Niiaks/Lodge/internal/middleware"
	"github.com/Niiaks/Lodge/internal/server"
)

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Health reports database and redis reachability. Any failing check turns the
// response into a 503.
func Health(s *server.Server) http.HandlerFunc {
	timeout := 5 * time.Second
	if s.Config.Observability != nil && s.Config.Observability.HealthChecks.Timeout > 0 {
		timeout = s.Config.Observability.HealthChecks.Timeout
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		resp := healthResponse{Status: "ok", Checks: map[string]string{}}
		check := func(name string, ping func(context.Context) error) {
			if err := ping(ctx); err != nil {
				middleware.GetLogger(r.Context()).Error().Err(err).Str("check", name).Msg("Health check failed")
				resp.Status = "degraded"
				resp.Checks[name] = "down"
				return
			}
			resp.Checks[name] = "up"
		}

		if s.Db != nil {
			check("database", s.Db.Ping)
		}
		if s.Redis != nil {
			check("redis", s.Redis.Ping)
		}

		status := http.StatusOK
		if resp.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		middleware.WriteJSON(w, status, resp)
	}
}
