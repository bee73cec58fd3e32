package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"pix-notification-service/internal/config"
	"pix-notification-service/internal/db"
	"pix-notification-service/internal/logging"
	"pix-notification-service/internal/logsink"
	"pix-notification-service/internal/metrics"
	"pix-notification-service/internal/notification"
	"pix-notification-service/internal/rabbit"
)

func main() {
	godotenv.Load()

	cfg := config.MustLoadConfig(config.GetEnv("CONFIG_PATH", "."))

	logger := logging.GetLogger(cfg.Logs)
	slog.SetDefault(logger)

	metrics.Setup(cfg.Metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connStr := db.ConnStr(cfg.Database)

	if err := db.RunMigrations(connStr, "migrations"); err != nil {
		log.Fatal(err)
	}

	pool, err := db.GetPool(connStr)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	sink, err := logsink.New(cfg.LogStore.Path)
	if err != nil {
		log.Fatal(err)
	}
	defer sink.Close()

	broker := rabbit.NewClient(cfg.Rabbit.URL, cfg.Rabbit.Prefetch, logger)
	if err := broker.Connect(ctx); err != nil {
		log.Fatal(err)
	}
	defer func() {
		if err := broker.Close(); err != nil {
			logger.Error("Error closing RabbitMQ client", "error", err)
		}
	}()

	repo := db.NewChargeRepository(pool)
	processor := notification.NewProcessor(repo, sink, logger)

	consumer := notification.NewConsumer(broker, processor, logger)
	if err := consumer.Start(ctx); err != nil {
		log.Fatal(err)
	}

	dlqProcessor := notification.NewDLQProcessor(broker, sink, logger)
	if err := dlqProcessor.Start(ctx); err != nil {
		log.Fatal(err)
	}

	publisher := notification.NewPublisher(broker, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /liveness", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	// Thin entry point for the external HTTP layer: enqueue a payment
	// notification for a charge.
	mux.HandleFunc("POST /charges/{id}/notifications", func(w http.ResponseWriter, r *http.Request) {
		if err := publisher.Publish(r.Context(), r.PathValue("id")); err != nil {
			http.Error(w, "failed to publish notification", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down")
		server.Shutdown(context.Background())
	}()

	logger.Info("Server listening", "port", cfg.Server.Port)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
