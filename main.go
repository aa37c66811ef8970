package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"payment-service/internal/api"
	"payment-service/internal/checkout"
	"payment-service/internal/config"
	"payment-service/internal/db"
	"payment-service/internal/gateway"
	"payment-service/internal/hub"
	"payment-service/internal/logging"
	"payment-service/internal/metrics"
	"payment-service/internal/processor"
	"payment-service/internal/queue"
	"payment-service/internal/webhook"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg := config.MustLoadConfig(".")
	logger := logging.GetLogger(cfg.Logs)
	metrics.Setup(cfg.Metrics)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connStr := db.ConnStr(cfg.Database)
	if err := db.RunMigrations(connStr, "migrations"); err != nil {
		log.Fatal(err)
	}

	dbpool, err := db.GetPool(connStr)
	if err != nil {
		log.Fatal(err)
	}
	defer dbpool.Close()

	payments := db.NewPaymentRepository(dbpool)
	processedEvents := db.NewDedupRepository(dbpool)

	// the queue topology must exist before the receiver or consumers run
	provisioner := queue.NewProvisioner(queue.NewTopicCreator(cfg.Kafka.Broker.URL), logger,
		cfg.Kafka.Topic.Webhooks, cfg.Kafka.Topic.DeadLetter)
	if err := provisioner.EnsureReady(ctx); err != nil {
		log.Fatal(err)
	}

	webhookWriter := queue.NewWriter(cfg.Kafka, cfg.Kafka.Topic.Webhooks)
	defer webhookWriter.Close()

	deadLetterWriter := queue.NewWriter(cfg.Kafka, cfg.Kafka.Topic.DeadLetter)
	defer deadLetterWriter.Close()

	notifications := hub.New(logger)

	proc := processor.New(payments, notifications,
		time.Duration(cfg.Processor.ProcessingTimeoutMs)*time.Millisecond, logger)

	for i := 0; i < cfg.Processor.Parallelism; i++ {
		reader := queue.NewReader(cfg.Kafka.Broker.URL, cfg.Kafka.Topic.Webhooks, cfg.Kafka.Reader.GroupID)
		defer reader.Close()

		consumer := queue.NewConsumer(reader, webhookWriter, deadLetterWriter, cfg.Processor.MaxDeliveryAttempts,
			time.Duration(cfg.Processor.RescheduleDelayMs)*time.Millisecond, logger)
		go consumer.Run(ctx, proc.Handle)
	}

	gatewayClient := gateway.NewClient(cfg.Gateway, logger)
	checkoutService := checkout.NewService(gatewayClient, payments, cfg.Gateway.Currency, logger)
	handler := api.NewHandler(checkoutService, logger)
	receiver := webhook.NewReceiver(processedEvents, queue.NewPublisher(webhookWriter), logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /liveness", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /webhooks/payment", receiver.Handle)
	mux.HandleFunc("POST /payments/preferences", handler.CreatePreference)
	mux.HandleFunc("GET /payments/{externalReference}", handler.GetPayment)
	mux.HandleFunc("GET /ws/payments", hub.Handler(notifications, logger))

	logger.InfoContext(ctx, "Starting server", "port", cfg.Server.Port)
	log.Fatal(http.ListenAndServe(":"+cfg.Server.Port, mux))
}
