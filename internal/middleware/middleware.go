package middleware

import (
	"github.com/Niiaks/Lodge/internal/server"
	"github.com/newrelic/go-agent/v3/newrelic"
)

type Middlewares struct {
	Global          *Global
	ContextEnhancer *ContextEnhancer
	Tracing         *Tracing
	Auth            *Auth
	RateLimit       *RateLimit
}

func NewMiddlewares(s *server.Server) *Middlewares {

	var nrApp *newrelic.Application

	if s.LoggerService != nil {
		nrApp = s.LoggerService.GetApplication()
	}

	var limiter Limiter
	if s.Redis != nil {
		limiter = s.Redis
	}

	return &Middlewares{
		Global:          NewGlobal(s),
		ContextEnhancer: NewContextEnhancer(s),
		Tracing:         NewTracing(nrApp),
		Auth:            NewAuth(&s.Config.Auth),
		RateLimit:       NewRateLimit(limiter, s.Config.Server.RateLimit, s.Config.Server.RateLimitWindow),
	}
}
