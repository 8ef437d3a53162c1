// cmd/worker/main.go
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mailkite/mailkite-backend/internal/config"
	"github.com/mailkite/mailkite-backend/internal/db"
	"github.com/mailkite/mailkite-backend/internal/logger"
	"github.com/mailkite/mailkite-backend/internal/platform/sendlimit"
	"github.com/mailkite/mailkite-backend/internal/queue"
	"github.com/mailkite/mailkite-backend/internal/repository"
	"github.com/mailkite/mailkite-backend/internal/service"
)

func main() {
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

	q, err := queue.NewAMQPQueue(cfg.AMQPURL, cfg.QueueName)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to queue broker")
	}
	defer q.Close()

	// Wires ledger.OnChange so completions fire from worker writes too.
	campaignService := service.NewCampaignService(campaignRepo, selector, ledger, q, log)

	limiter := sendlimit.NewRedisLimiter(cfg.RedisAddr, cfg.RedisDB, cfg.SendRatePerMinute, time.Minute)

	pool := &service.WorkerPool{
		Queue:       q,
		Ledger:      ledger,
		Sender:      service.NewSMTPSender(cfg),
		Limiter:     limiter,
		Workers:     cfg.WorkerCount,
		MaxAttempts: cfg.MaxSendAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		Log:         log,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool.Start(ctx)
	go campaignService.RunScheduler(ctx, 30*time.Second)

	log.Info().Int("workers", cfg.WorkerCount).Msg("worker running, waiting for jobs")
	pool.Wait()
	log.Info().Msg("worker shut down")
}
