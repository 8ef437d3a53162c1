// cmd/server/main.go
package main

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mailkite/mailkite-backend/internal/config"
	"github.com/mailkite/mailkite-backend/internal/controller"
	"github.com/mailkite/mailkite-backend/internal/db"
	"github.com/mailkite/mailkite-backend/internal/handler"
	"github.com/mailkite/mailkite-backend/internal/logger"
	"github.com/mailkite/mailkite-backend/internal/queue"
	"github.com/mailkite/mailkite-backend/internal/repository"
	"github.com/mailkite/mailkite-backend/internal/service"
)

func main() {
	// Load .env
	dotenvErr := godotenv.Load()
	cfg := config.Load()
	log := logger.New(cfg.AppEnv)
	if dotenvErr != nil {
		log.Debug().Msg("no .env file found, relying on OS environment variables")
	}

	conn, err := db.Open(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer conn.Close()

	campaignRepo := &repository.CampaignRepository{DB: conn}
	subscriberRepo := &repository.SubscriberRepository{DB: conn}
	suppressionRepo := &repository.SuppressionRepository{DB: conn}
	deliveryRepo := &repository.DeliveryRepository{DB: conn}

	suppressions := &service.SuppressionIndex{Repo: suppressionRepo}
	selector := &service.RecipientSelector{Subscribers: subscriberRepo, Suppressions: suppressions}
	ledger := service.NewDeliveryLedger(deliveryRepo, log, cfg.PendingEventTTL)

	var q queue.Queue
	amqpQueue, err := queue.NewAMQPQueue(cfg.AMQPURL, cfg.QueueName)
	if err != nil {
		if cfg.AppEnv != "development" && cfg.AppEnv != "dev" {
			log.Fatal().Err(err).Msg("failed to connect to queue broker")
		}
		// Dev fallback: in-memory queue with an in-process worker pool so
		// the full loop works without RabbitMQ.
		log.Warn().Err(err).Msg("queue broker unavailable, using in-memory queue")
		q = queue.NewInMemoryQueue(1024, 0)
	} else {
		defer amqpQueue.Close()
		q = amqpQueue
	}

	campaignService := service.NewCampaignService(campaignRepo, selector, ledger, q, log)
	reconciler := &service.NotificationReconciler{
		Ledger:       ledger,
		Suppressions: suppressions,
		Subscribers:  subscriberRepo,
		Log:          log,
	}

	if _, ok := q.(*queue.InMemoryQueue); ok {
		pool := &service.WorkerPool{
			Queue:       q,
			Ledger:      ledger,
			Sender:      service.NewSMTPSender(cfg),
			Workers:     cfg.WorkerCount,
			MaxAttempts: cfg.MaxSendAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			Log:         log,
		}
		pool.Start(context.Background())
	}

	campaignController := &controller.CampaignController{CampaignService: campaignService}
	suppressionController := &controller.SuppressionController{Index: suppressions}
	eventsHandler := &handler.EventsHandler{Reconciler: reconciler, Log: log}

	r := chi.NewRouter()

	// Campaign routes
	r.Post("/campaigns", campaignController.CreateCampaign)
	r.Get("/campaigns", campaignController.ListCampaigns)
	r.Post("/campaigns/{id}/dispatch", campaignController.Dispatch)
	r.Post("/campaigns/{id}/schedule", campaignController.Schedule)
	r.Post("/campaigns/{id}/unschedule", campaignController.Unschedule)
	r.Post("/campaigns/{id}/cancel", campaignController.Cancel)
	r.Delete("/campaigns/{id}", campaignController.Delete)
	r.Get("/campaigns/{id}/status", campaignController.Status)
	r.Get("/campaigns/{id}/deliveries", campaignController.DeliveryLog)
	r.Get("/campaigns/{id}/deliveries/{recordID}/events", campaignController.DeliveryEvents)

	// Suppression routes
	r.Post("/suppressions", suppressionController.Add)
	r.Delete("/suppressions", suppressionController.Remove)
	r.Get("/suppressions", suppressionController.List)

	// Provider notification webhook
	r.Post("/events/sns", eventsHandler.HandleNotification)

	r.Handle("/metrics", promhttp.Handler())

	log.Info().Str("port", cfg.Port).Msg("server listening")
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
