package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Niiaks/Lodge/internal/config"
	"github.com/Niiaks/Lodge/internal/kafka"
	"github.com/Niiaks/Lodge/internal/logger"
	"github.com/Niiaks/Lodge/internal/notify"
	"github.com/Niiaks/Lodge/internal/redis"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	loggerService := logger.New(cfg.Observability)
	defer loggerService.Shutdown()
	log := logger.NewLoggerWithService(cfg.Observability, loggerService)

	log.Info().Msg("Starting Notification Worker...")

	rdb, err := redis.New(&log, &cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize redis")
	}
	defer rdb.Close()

	var dispatcher notify.Dispatcher = notify.NewLogDispatcher(&log)
	if cfg.Notify.DispatchURL != "" {
		dispatcher = notify.NewHTTPDispatcher(cfg.Notify.DispatchURL, cfg.Notify.DispatchTimeout)
	} else {
		log.Warn().Msg("LODGE_NOTIFY_DISPATCH_URL not set, notifications will only be logged")
	}

	kcfg := kafka.NewConfig(&cfg.Kafka)
	producer, err := kafka.NewProducer(kcfg, &log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize kafka producer")
	}
	defer producer.Close()

	consumer, err := kafka.NewConsumer(kcfg, kafka.GroupNotificationWorker, kafka.TopicNotifications, &log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize kafka consumer")
	}
	defer consumer.Close()
	consumer.OnDeadLetter(producer.DeadLetter)

	worker := notify.NewWorker(dispatcher, rdb, &log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := consumer.Run(ctx, worker.Handle); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Notification consumer stopped with error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down Notification Worker...")
	cancel()

	log.Info().Msg("Notification Worker shutdown complete")
}
