// internal/service/worker.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appErrors "github.com/mailkite/mailkite-backend/internal/errors"
	"github.com/mailkite/mailkite-backend/internal/metrics"
	"github.com/mailkite/mailkite-backend/internal/model"
	"github.com/mailkite/mailkite-backend/internal/queue"
)

// RateLimiter gates per-tenant send throughput. Allow reports whether the
// send may proceed and, when it may not, how long to wait.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

// Namespace for deterministic idempotency tokens. Fixed so every worker in
// the fleet derives the same token for the same (campaign, recipient).
var tokenNamespace = uuid.MustParse("9c5d47a6-3f0e-4c11-9b67-2a7c1f08d3e4")

// IdempotencyToken derives the token passed to the send capability from
// stable job attributes, so a redelivered job repeats the same token.
func IdempotencyToken(campaignID int, email string) string {
	name := fmt.Sprintf("%d:%s", campaignID, NormalizeAddress(email))
	return uuid.NewSHA1(tokenNamespace, []byte(name)).String()
}

// WorkerPool consumes dispatch jobs with a fixed number of independent
// goroutines. Workers share no state beyond the queue and the ledger; all
// ledger writes are conditional upserts, so duplicate delivery of a job is
// harmless.
type WorkerPool struct {
	Queue       queue.Queue
	Ledger      *DeliveryLedger
	Sender      Sender
	Limiter     RateLimiter // optional
	Workers     int
	MaxAttempts int
	BaseDelay   time.Duration
	Log         zerolog.Logger

	wg sync.WaitGroup
}

// Start launches the workers. They exit when ctx is cancelled.
func (p *WorkerPool) Start(ctx context.Context) {
	workers := p.Workers
	if workers < 1 {
		workers = 1
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	for i := 1; i <= workers; i++ {
		p.wg.Add(1)
		go func(n int) {
			defer p.wg.Done()
			p.Log.Info().Int("worker", n).Msg("worker started")
			for {
				d, err := p.Queue.Dequeue(ctx)
				if err != nil {
					p.Log.Info().Int("worker", n).Msg("worker stopping")
					return
				}
				p.process(ctx, d)
			}
		}(i)
	}
}

// Wait blocks until every worker has exited.
func (p *WorkerPool) Wait() { p.wg.Wait() }

func (p *WorkerPool) process(ctx context.Context, d *queue.Delivery) {
	job := d.Job
	log := p.Log.With().
		Int("campaign_id", job.CampaignID).
		Str("recipient", job.Recipient.Email).
		Int("attempt", job.AttemptCount).
		Logger()

	rec, err := p.Ledger.RecordFor(job.CampaignID, job.Recipient.Email)
	if err != nil {
		log.Error().Err(err).Msg("failed to load delivery record")
		d.Nack(p.backoff(job.AttemptCount))
		return
	}
	if rec == nil {
		if rec, err = p.Ledger.RecordQueued(job.CampaignID, job.TenantID, job.Recipient.Email); err != nil {
			log.Error().Err(err).Msg("failed to create delivery record")
			d.Nack(p.backoff(job.AttemptCount))
			return
		}
	}
	if rec.Status != model.DeliveryQueued {
		// Cancelled campaign (skipped) or a duplicate delivery of a job
		// that already reached a terminal write. Job boundaries are where
		// cancellation is checked.
		log.Debug().Str("status", rec.Status).Msg("record not queued, dropping job")
		d.Ack()
		return
	}

	if p.Limiter != nil {
		allowed, retryAfter, err := p.Limiter.Allow(ctx, fmt.Sprintf("tenant:%d", job.TenantID))
		if err != nil {
			log.Warn().Err(err).Msg("rate limiter unavailable, proceeding")
		} else if !allowed {
			metrics.IncSendRateLimited()
			if retryAfter <= 0 {
				retryAfter = time.Second
			}
			d.Nack(retryAfter)
			return
		}
	}

	token := IdempotencyToken(job.CampaignID, job.Recipient.Email)
	messageID, err := p.Sender.Send(ctx, job.Recipient.Email, job.Subject, job.Body, token)
	if err == nil {
		if err := p.Ledger.RecordSent(job.CampaignID, job.Recipient.Email, messageID); err != nil {
			log.Error().Err(err).Msg("send succeeded but ledger write failed")
			// Redelivery is safe: the idempotency token repeats and
			// MarkSent from queued is conditional.
			d.Nack(p.backoff(job.AttemptCount))
			return
		}
		metrics.IncEmailsSent()
		log.Info().Str("provider_message_id", messageID).Msg("email sent")
		d.Ack()
		return
	}

	var permanent *appErrors.ErrPermanentDelivery
	if errors.As(err, &permanent) {
		if lerr := p.Ledger.RecordFailed(job.CampaignID, job.Recipient.Email, err.Error()); lerr != nil {
			log.Error().Err(lerr).Msg("failed to record permanent failure")
		}
		metrics.IncEmailsFailed("permanent")
		log.Warn().Err(err).Msg("permanent delivery failure, not retrying")
		d.Ack()
		return
	}

	if job.AttemptCount+1 >= p.MaxAttempts {
		if lerr := p.Ledger.RecordFailed(job.CampaignID, job.Recipient.Email, err.Error()); lerr != nil {
			log.Error().Err(lerr).Msg("failed to record exhausted retries")
		}
		metrics.IncEmailsFailed("transient")
		log.Warn().Err(err).Int("max_attempts", p.MaxAttempts).Msg("retries exhausted")
		d.Ack()
		return
	}

	log.Info().Err(err).Msg("transient delivery failure, requeueing")
	d.Nack(p.backoff(job.AttemptCount))
}

// backoff grows exponentially with the attempt count.
func (p *WorkerPool) backoff(attempt int) time.Duration {
	if attempt > 10 {
		attempt = 10
	}
	return p.BaseDelay * time.Duration(1<<uint(attempt))
}
