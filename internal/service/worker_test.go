package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/mailkite/mailkite-backend/internal/errors"
	"github.com/mailkite/mailkite-backend/internal/logger"
	"github.com/mailkite/mailkite-backend/internal/model"
	"github.com/mailkite/mailkite-backend/internal/queue"
	"github.com/mailkite/mailkite-backend/internal/service"
)

func newWorkerPool(q queue.Queue, ledger *service.DeliveryLedger, sender service.Sender) *service.WorkerPool {
	return &service.WorkerPool{
		Queue:       q,
		Ledger:      ledger,
		Sender:      sender,
		Workers:     1,
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Log:         logger.Nop(),
	}
}

func enqueueJob(t *testing.T, q queue.Queue, campaignID int, email string) {
	t.Helper()
	err := q.Enqueue(context.Background(), model.DispatchJob{
		CampaignID: campaignID,
		TenantID:   1,
		Recipient:  model.RecipientSnapshot{SubscriberID: 1, Email: email},
		Subject:    "Hello",
		Body:       "Body",
	})
	require.NoError(t, err)
}

// waitFor polls until the condition holds or the deadline elapses.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestWorkerSendsAndRecordsSent(t *testing.T) {
	ledger, _ := newLedger(time.Minute)
	q := queue.NewInMemoryQueue(16, time.Second)
	defer q.Close()
	sender := &fakeSender{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := newWorkerPool(q, ledger, sender)
	pool.Start(ctx)

	enqueueJob(t, q, 1, "a@x.com")

	waitFor(t, func() bool {
		rec, _ := ledger.RecordFor(1, "a@x.com")
		return rec != nil && rec.Status == model.DeliverySent
	})

	rec, err := ledger.RecordFor(1, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, "msg-1", rec.ProviderMessageID)
	assert.Equal(t, 1, sender.callCount())

	cancel()
	pool.Wait()
}

func TestWorkerPermanentFailureDoesNotRetry(t *testing.T) {
	ledger, _ := newLedger(time.Minute)
	q := queue.NewInMemoryQueue(16, time.Second)
	defer q.Close()
	sender := &fakeSender{send: func(to, token string, attempt int) (string, error) {
		return "", appErrors.NewPermanentDelivery(to, errors.New("550 mailbox unavailable"))
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := newWorkerPool(q, ledger, sender)
	pool.Start(ctx)

	enqueueJob(t, q, 1, "a@x.com")

	waitFor(t, func() bool {
		rec, _ := ledger.RecordFor(1, "a@x.com")
		return rec != nil && rec.Status == model.DeliveryFailed
	})

	// Give any stray redelivery a moment to show up, then confirm it did not.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sender.callCount())

	cancel()
	pool.Wait()
}

func TestWorkerTransientFailureRetriesUntilExhausted(t *testing.T) {
	ledger, _ := newLedger(time.Minute)
	q := queue.NewInMemoryQueue(16, 10*time.Second)
	defer q.Close()
	sender := &fakeSender{send: func(to, token string, attempt int) (string, error) {
		return "", appErrors.NewTransientDelivery(to, errors.New("connection reset"))
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := newWorkerPool(q, ledger, sender)
	pool.Start(ctx)

	enqueueJob(t, q, 1, "a@x.com")

	waitFor(t, func() bool {
		rec, _ := ledger.RecordFor(1, "a@x.com")
		return rec != nil && rec.Status == model.DeliveryFailed
	})
	assert.Equal(t, 3, sender.callCount())

	cancel()
	pool.Wait()
}

func TestWorkerTransientThenSuccessRepeatsToken(t *testing.T) {
	ledger, _ := newLedger(time.Minute)
	q := queue.NewInMemoryQueue(16, 10*time.Second)
	defer q.Close()
	sender := &fakeSender{send: func(to, token string, attempt int) (string, error) {
		if attempt == 1 {
			return "", appErrors.NewTransientDelivery(to, errors.New("greylisted"))
		}
		return "msg-ok", nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := newWorkerPool(q, ledger, sender)
	pool.Start(ctx)

	enqueueJob(t, q, 1, "a@x.com")

	waitFor(t, func() bool {
		rec, _ := ledger.RecordFor(1, "a@x.com")
		return rec != nil && rec.Status == model.DeliverySent
	})

	require.Equal(t, 2, sender.callCount())
	// The redelivered attempt must present the same idempotency token.
	assert.Equal(t, sender.calls[0].Token, sender.calls[1].Token)
	assert.Equal(t, service.IdempotencyToken(1, "a@x.com"), sender.calls[0].Token)

	cancel()
	pool.Wait()
}

func TestWorkerDropsJobForSkippedRecord(t *testing.T) {
	ledger, _ := newLedger(time.Minute)
	q := queue.NewInMemoryQueue(16, time.Second)
	defer q.Close()
	sender := &fakeSender{}

	// Cancellation already marked the record skipped.
	_, err := ledger.RecordQueued(1, 1, "a@x.com")
	require.NoError(t, err)
	_, err = ledger.SkipRemaining(1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := newWorkerPool(q, ledger, sender)
	pool.Start(ctx)

	enqueueJob(t, q, 1, "a@x.com")
	enqueueJob(t, q, 2, "b@x.com")

	// The second job proves the first was acked and dropped, not stuck.
	waitFor(t, func() bool {
		rec, _ := ledger.RecordFor(2, "b@x.com")
		return rec != nil && rec.Status == model.DeliverySent
	})
	assert.Equal(t, 1, sender.callCount())
	assert.Equal(t, "b@x.com", sender.calls[0].To)

	rec, err := ledger.RecordFor(1, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySkipped, rec.Status)

	cancel()
	pool.Wait()
}

// deniedOnceLimiter refuses the first call and admits the rest.
type deniedOnceLimiter struct {
	calls int
}

func (l *deniedOnceLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	l.calls++
	if l.calls == 1 {
		return false, time.Millisecond, nil
	}
	return true, 0, nil
}

func TestWorkerRateLimitedJobIsRequeued(t *testing.T) {
	ledger, _ := newLedger(time.Minute)
	q := queue.NewInMemoryQueue(16, 10*time.Second)
	defer q.Close()
	sender := &fakeSender{}
	limiter := &deniedOnceLimiter{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := newWorkerPool(q, ledger, sender)
	pool.Limiter = limiter
	pool.Start(ctx)

	enqueueJob(t, q, 1, "a@x.com")

	waitFor(t, func() bool {
		rec, _ := ledger.RecordFor(1, "a@x.com")
		return rec != nil && rec.Status == model.DeliverySent
	})

	// Denied once, admitted on redelivery, exactly one send.
	assert.GreaterOrEqual(t, limiter.calls, 2)
	assert.Equal(t, 1, sender.callCount())

	cancel()
	pool.Wait()
}

func TestIdempotencyTokenIsDeterministic(t *testing.T) {
	a := service.IdempotencyToken(7, "alice@Example.COM")
	b := service.IdempotencyToken(7, "alice@example.com")
	assert.Equal(t, a, b, "domain case must not change the token")

	c := service.IdempotencyToken(8, "alice@example.com")
	assert.NotEqual(t, a, c, "campaign id is part of the token")
}
