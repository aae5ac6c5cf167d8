package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Niiaks/Lodge/internal/config"
	"github.com/Niiaks/Lodge/internal/database"
	"github.com/Niiaks/Lodge/internal/ledger"
	"github.com/Niiaks/Lodge/internal/logger"
	"github.com/Niiaks/Lodge/internal/notify"
	"github.com/Niiaks/Lodge/internal/redis"
	"github.com/Niiaks/Lodge/internal/reservation"
	"github.com/rs/zerolog"
)

const lockKey = "worker:completer"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	loggerService := logger.New(cfg.Observability)
	defer loggerService.Shutdown()
	log := logger.NewLoggerWithService(cfg.Observability, loggerService)

	log.Info().Dur("interval", cfg.Booking.CompletionInterval).Msg("Starting Completion Worker...")

	db, err := database.New(cfg, &log, loggerService)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer db.Close()

	rdb, err := redis.New(&log, &cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize redis")
	}
	defer rdb.Close()

	svc := reservation.NewService(
		ledger.NewPostgresStore(db.Pool),
		reservation.NoGateway{},
		notify.NewOutboxNotifier(db.Pool, &log),
		&log,
		reservation.Options{DefaultPolicy: cfg.Booking.DefaultPolicy},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ticker := time.NewTicker(cfg.Booking.CompletionInterval)
		defer ticker.Stop()

		for {
			runOnce(ctx, svc, rdb, cfg.Redis.LockTTL, &log)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down Completion Worker...")
	cancel()

	log.Info().Msg("Completion Worker shutdown complete")
}

// runOnce completes checked-out reservations while holding the cluster-wide
// lock; another instance holding it means this tick is skipped.
func runOnce(ctx context.Context, svc *reservation.Service, rdb *redis.Client, ttl time.Duration, log *zerolog.Logger) {
	lock, err := rdb.AcquireLock(ctx, lockKey, ttl)
	if errors.Is(err, redis.ErrLockHeld) {
		log.Debug().Msg("Completion already running elsewhere")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to acquire completer lock")
		return
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("Failed to release completer lock")
		}
	}()

	n, err := svc.AutoComplete(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Auto-complete run failed")
		return
	}
	log.Debug().Int("completed", n).Msg("Auto-complete run finished")
}
