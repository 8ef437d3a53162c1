package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/mailkite/mailkite-backend/internal/model"
)

// AMQPQueue carries dispatch jobs over a durable RabbitMQ queue with manual
// acks. Attempt counts travel in the x-attempt-count header.
type AMQPQueue struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	name       string
	deliveries <-chan amqp.Delivery

	mu      sync.Mutex
	drained map[int]bool
}

func NewAMQPQueue(url, name string) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	return &AMQPQueue{conn: conn, ch: ch, name: name, drained: map[int]bool{}}, nil
}

func (q *AMQPQueue) Enqueue(ctx context.Context, job model.DispatchJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.ch.Publish(
		"",
		q.name,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Headers:      amqp.Table{"x-attempt-count": int32(job.AttemptCount)},
			Body:         body,
		},
	)
}

func (q *AMQPQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	if q.deliveries == nil {
		msgs, err := q.ch.Consume(
			q.name,
			"",
			false, // autoAck off: the broker redelivers on consumer crash
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			return nil, err
		}
		q.deliveries = msgs
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case d, ok := <-q.deliveries:
			if !ok {
				return nil, fmt.Errorf("consumer channel closed")
			}
			var job model.DispatchJob
			if err := json.Unmarshal(d.Body, &job); err != nil {
				// Poison payload, drop it.
				d.Ack(false)
				continue
			}
			if n, ok := d.Headers["x-attempt-count"].(int32); ok && int(n) > job.AttemptCount {
				job.AttemptCount = int(n)
			}
			q.mu.Lock()
			skip := q.drained[job.CampaignID]
			q.mu.Unlock()
			if skip {
				d.Ack(false)
				continue
			}
			tag := d
			return &Delivery{Job: job, src: q, tag: &tag}, nil
		}
	}
}

// DrainCampaign only filters this consumer; workers in other processes drop
// the campaign's jobs through the skipped-record check instead.
func (q *AMQPQueue) DrainCampaign(campaignID int) {
	q.mu.Lock()
	q.drained[campaignID] = true
	q.mu.Unlock()
}

func (q *AMQPQueue) Close() error {
	q.ch.Close()
	return q.conn.Close()
}

func (q *AMQPQueue) ack(d *Delivery) error {
	raw, ok := d.tag.(*amqp.Delivery)
	if !ok {
		return fmt.Errorf("ack on foreign delivery")
	}
	return raw.Ack(false)
}

// nack republishes the job with an incremented attempt count and acks the
// original only once the republish succeeded, so the job is never lost.
// The broker has no native per-message delay; a delayed redelivery keeps
// the original unacked and republishes from a timer, so the worker is free
// to pick up other jobs in the meantime.
func (q *AMQPQueue) nack(d *Delivery, delay time.Duration) error {
	raw, ok := d.tag.(*amqp.Delivery)
	if !ok {
		return fmt.Errorf("nack on foreign delivery")
	}
	job := d.Job
	job.AttemptCount++
	republish := func() error {
		if err := q.Enqueue(context.Background(), job); err != nil {
			return raw.Nack(false, true)
		}
		return raw.Ack(false)
	}
	if delay <= 0 {
		return republish()
	}
	time.AfterFunc(delay, func() {
		// Broker trouble here leaves the original unacked; the broker
		// redelivers it on reconnect.
		_ = republish()
	})
	return nil
}

var _ Queue = (*AMQPQueue)(nil)
