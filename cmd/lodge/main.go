package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Niiaks/Lodge/internal/config"
	"github.com/Niiaks/Lodge/internal/database"
	"github.com/Niiaks/Lodge/internal/ledger"
	"github.com/Niiaks/Lodge/internal/logger"
	"github.com/Niiaks/Lodge/internal/notify"
	"github.com/Niiaks/Lodge/internal/psp"
	"github.com/Niiaks/Lodge/internal/redis"
	"github.com/Niiaks/Lodge/internal/reservation"
	"github.com/Niiaks/Lodge/internal/router"
	"github.com/Niiaks/Lodge/internal/server"
	"github.com/Niiaks/Lodge/internal/webhook"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	loggerService := logger.New(cfg.Observability)
	defer loggerService.Shutdown()

	log := logger.NewLoggerWithService(cfg.Observability, loggerService)

	db, err := database.New(cfg, &log, loggerService)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}

	rdb, err := redis.New(&log, &cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize redis client")
	}
	srv := server.NewServer(cfg, &log, loggerService, db, rdb)

	store := ledger.NewPostgresStore(db.Pool)
	gateway := psp.NewClient(&cfg.Gateway, &log)
	notifier := notify.NewOutboxNotifier(db.Pool, &log)

	reservationService := reservation.NewService(store, gateway, notifier, &log, reservation.Options{
		Currency:      cfg.Gateway.Currency,
		DefaultPolicy: cfg.Booking.DefaultPolicy,
	})
	reconciler := webhook.NewReconciler(store, reservationService, rdb, &log)

	handlers := &router.Handlers{
		Reservation: reservation.NewReservationHandler(reservationService, rdb, cfg.Booking.IdempotencyTTL),
		Webhook:     webhook.NewWebhookHandler(gateway, reconciler),
	}

	r := router.NewRouter(srv, handlers)

	srv.SetupHTTPServer(r)

	go func() {
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	// Give outstanding requests 10 seconds to complete
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}

	log.Info().Msg("server stopped")
}
