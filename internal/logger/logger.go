package logger

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Niiaks/Lodge/internal/config"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/newrelic/go-agent/v3/integrations/logcontext-v2/nrzerolog"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

const timeFormat = "2006-01-02 15:04:05"

type LoggerService struct {
	nrApp *newrelic.Application
}

func New(c *config.ObservabilityConfig) *LoggerService {
	service := &LoggerService{}

	if !c.NewRelicEnabled() {
		return service
	}

	configurations := []newrelic.ConfigOption{
		newrelic.ConfigAppName(c.ServiceName),
		newrelic.ConfigLicense(c.NewRelic.LicenseKey),
		newrelic.ConfigAppLogForwardingEnabled(c.NewRelic.AppLogForwardingEnabled),
		newrelic.ConfigDistributedTracerEnabled(c.NewRelic.DistributedTracingEnabled),
	}

	if c.NewRelic.DebugLogging {
		configurations = append(configurations, newrelic.ConfigDebugLogger(os.Stdout))
	}

	app, err := newrelic.NewApplication(configurations...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize New Relic: %v\n", err)
		return service
	}

	service.nrApp = app
	return service
}

// GetApplication returns the New Relic application instance, nil when disabled.
func (ls *LoggerService) GetApplication() *newrelic.Application {
	if ls == nil {
		return nil
	}
	return ls.nrApp
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLoggerWithService creates the process logger. Production with the json
// format writes JSON to stdout and forwards to New Relic; everything else gets
// the console writer.
func NewLoggerWithService(cfg *config.ObservabilityConfig, loggerService *LoggerService) zerolog.Logger {
	zerolog.TimeFieldFormat = timeFormat
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	var baseLogger zerolog.Logger
	if cfg.IsProduction() && cfg.Logging.Format == "json" {
		baseLogger = zerolog.New(os.Stdout)
	} else {
		baseLogger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: timeFormat})
	}

	if cfg.IsProduction() && loggerService.GetApplication() != nil {
		baseLogger = baseLogger.Hook(nrzerolog.NewRelicHook{App: loggerService.nrApp})
	}

	logger := baseLogger.
		Level(parseLevel(cfg.GetLogLevel())).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("environment", cfg.Environment).
		Logger()

	// Include stack traces for errors in development
	if !cfg.IsProduction() {
		logger = logger.With().Stack().Logger()
	}

	return logger
}

// WithTraceContext adds New Relic transaction context to logger
func WithTraceContext(logger zerolog.Logger, txn *newrelic.Transaction) zerolog.Logger {
	if txn == nil {
		return logger
	}

	metadata := txn.GetTraceMetadata()

	return logger.With().
		Str("trace.id", metadata.TraceID).
		Str("span.id", metadata.SpanID).
		Logger()
}

// GetPgxTraceLogLevel converts zerolog level to pgx tracelog level
func GetPgxTraceLogLevel(level zerolog.Level) tracelog.LogLevel {
	switch level {
	case zerolog.DebugLevel:
		return tracelog.LogLevelTrace
	case zerolog.InfoLevel:
		return tracelog.LogLevelInfo
	case zerolog.WarnLevel:
		return tracelog.LogLevelWarn
	case zerolog.ErrorLevel:
		return tracelog.LogLevelError
	default:
		return tracelog.LogLevelNone
	}
}

// NewPgxTracer adapts a zerolog logger to pgx's tracelog. Queries slower than
// slow are promoted to warn regardless of their pgx level.
func NewPgxTracer(log *zerolog.Logger, slow time.Duration) *tracelog.TraceLog {
	dbLog := log.With().Str("component", "database").Logger()

	return &tracelog.TraceLog{
		LogLevel: GetPgxTraceLogLevel(log.GetLevel()),
		Logger: tracelog.LoggerFunc(func(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
			event := pgxEvent(&dbLog, level)
			if d, ok := data["time"].(time.Duration); ok && slow > 0 && d >= slow {
				event = dbLog.Warn().Bool("slow_query", true)
			}
			if sql, ok := data["sql"].(string); ok && len(sql) > 200 {
				data["sql"] = sql[:200] + "..."
			}
			event.Fields(data).Msg(msg)
		}),
	}
}

func pgxEvent(log *zerolog.Logger, level tracelog.LogLevel) *zerolog.Event {
	switch level {
	case tracelog.LogLevelTrace, tracelog.LogLevelDebug:
		return log.Debug()
	case tracelog.LogLevelInfo:
		return log.Info()
	case tracelog.LogLevelWarn:
		return log.Warn()
	default:
		return log.Error()
	}
}

func (ls *LoggerService) Shutdown() {
	if ls.nrApp != nil {
		ls.nrApp.Shutdown(10 * time.Second)
	}
}
