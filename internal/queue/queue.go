package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mailkite/mailkite-backend/internal/model"
)

// Queue is an at-least-once work queue for dispatch jobs. A dequeued job
// stays owned by the queue until Ack; a consumer crash triggers redelivery
// after the visibility timeout.
type Queue interface {
	Enqueue(ctx context.Context, job model.DispatchJob) error
	// Dequeue blocks until a job is available or ctx is cancelled.
	Dequeue(ctx context.Context) (*Delivery, error)
	// DrainCampaign discards jobs still queued for the campaign. Jobs a
	// worker already holds run to completion.
	DrainCampaign(campaignID int)
}

type acker interface {
	ack(d *Delivery) error
	nack(d *Delivery, delay time.Duration) error
}

// Delivery wraps a dequeued job with its ack handle.
type Delivery struct {
	Job model.DispatchJob

	src acker
	tag interface{}
}

// Ack removes the job from the queue.
func (d *Delivery) Ack() error { return d.src.ack(d) }

// Nack returns the job for redelivery after the given delay, with its
// attempt count incremented.
func (d *Delivery) Nack(delay time.Duration) error { return d.src.nack(d, delay) }

// InMemoryQueue is a visibility-timeout queue used in development and
// tests. Jobs dequeued but not acked within the timeout are redelivered.
type InMemoryQueue struct {
	mu         sync.Mutex
	jobs       chan *memEntry
	inflight   map[*memEntry]time.Time
	drained    map[int]bool
	visibility time.Duration
	done       chan struct{}
	closeOnce  sync.Once
}

type memEntry struct {
	job model.DispatchJob
}

// NewInMemoryQueue creates a queue with the given capacity and visibility
// timeout, and starts the redelivery janitor.
func NewInMemoryQueue(capacity int, visibility time.Duration) *InMemoryQueue {
	if capacity < 1 {
		capacity = 1024
	}
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	q := &InMemoryQueue{
		jobs:       make(chan *memEntry, capacity),
		inflight:   make(map[*memEntry]time.Time),
		drained:    make(map[int]bool),
		visibility: visibility,
		done:       make(chan struct{}),
	}
	go q.redeliverLoop()
	return q
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, job model.DispatchJob) error {
	select {
	case q.jobs <- &memEntry{job: job}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("queue full, cannot enqueue job for campaign %d", job.CampaignID)
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case e := <-q.jobs:
			q.mu.Lock()
			if q.drained[e.job.CampaignID] {
				q.mu.Unlock()
				continue
			}
			q.inflight[e] = time.Now().Add(q.visibility)
			q.mu.Unlock()
			return &Delivery{Job: e.job, src: q, tag: e}, nil
		}
	}
}

func (q *InMemoryQueue) DrainCampaign(campaignID int) {
	q.mu.Lock()
	q.drained[campaignID] = true
	q.mu.Unlock()
}

// Close stops the redelivery janitor.
func (q *InMemoryQueue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

func (q *InMemoryQueue) ack(d *Delivery) error {
	e, ok := d.tag.(*memEntry)
	if !ok {
		return fmt.Errorf("ack on foreign delivery")
	}
	q.mu.Lock()
	delete(q.inflight, e)
	q.mu.Unlock()
	return nil
}

func (q *InMemoryQueue) nack(d *Delivery, delay time.Duration) error {
	e, ok := d.tag.(*memEntry)
	if !ok {
		return fmt.Errorf("nack on foreign delivery")
	}
	q.mu.Lock()
	delete(q.inflight, e)
	q.mu.Unlock()

	requeued := &memEntry{job: e.job}
	requeued.job.AttemptCount++
	if delay <= 0 {
		q.push(requeued)
		return nil
	}
	time.AfterFunc(delay, func() { q.push(requeued) })
	return nil
}

func (q *InMemoryQueue) push(e *memEntry) {
	select {
	case q.jobs <- e:
	case <-q.done:
	}
}

// redeliverLoop requeues jobs whose visibility timeout elapsed without an
// ack, which is what makes worker crashes recoverable.
func (q *InMemoryQueue) redeliverLoop() {
	interval := q.visibility / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			now := time.Now()
			expired := []*memEntry{}
			q.mu.Lock()
			for e, deadline := range q.inflight {
				if now.After(deadline) {
					delete(q.inflight, e)
					expired = append(expired, e)
				}
			}
			q.mu.Unlock()
			for _, e := range expired {
				requeued := &memEntry{job: e.job}
				requeued.job.AttemptCount++
				q.push(requeued)
			}
		}
	}
}

var _ Queue = (*InMemoryQueue)(nil)
