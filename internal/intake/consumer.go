// Package intake consumes enqueue requests published to a RabbitMQ queue
// and turns them into delivery tasks.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"MailRota/internal/models"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, req models.EnqueueRequest) (string, error)
}

type Consumer struct {
	url      string
	queue    string
	prefetch int
	tasks    Enqueuer
	log      *zap.Logger
}

func NewConsumer(url, queue string, prefetch int, tasks Enqueuer, logger *zap.Logger) *Consumer {
	if prefetch <= 0 {
		prefetch = 10
	}
	return &Consumer{url: url, queue: queue, prefetch: prefetch, tasks: tasks, log: logger}
}

// Run consumes until ctx is cancelled, reconnecting with exponential
// backoff whenever the broker connection drops.
func (c *Consumer) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0

	return backoff.RetryNotify(func() error {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			err = errors.New("delivery channel closed")
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		c.log.Warn("amqp consumer disconnected, retrying",
			zap.Error(err),
			zap.Duration("wait", wait),
		)
	})
}

func (c *Consumer) consume(ctx context.Context) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(c.queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", c.queue, err)
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("amqp qos: %w", err)
	}

	msgs, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}
	c.log.Info("amqp consumer started", zap.String("queue", q.Name))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return nil
			}
			c.Handle(ctx, d)
		}
	}
}

// Handle enqueues one delivery. Malformed or invalid requests are acked and
// dropped; storage failures are requeued.
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) {
	var req models.EnqueueRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		c.log.Warn("dropping malformed enqueue message",
			zap.Uint64("delivery_tag", d.DeliveryTag),
			zap.Error(err),
		)
		c.ack(d)
		return
	}

	id, err := c.tasks.Enqueue(ctx, req)
	var verrs validator.ValidationErrors
	switch {
	case err == nil:
		c.log.Debug("task enqueued from amqp",
			zap.String("task_id", id),
			zap.Int64("campaign_id", req.CampaignID),
		)
		c.ack(d)
	case errors.As(err, &verrs):
		c.log.Warn("dropping invalid enqueue message",
			zap.Any("fields", models.ValidationFields(verrs)),
		)
		c.ack(d)
	default:
		c.log.Error("enqueue failed, requeueing", zap.Error(err))
		if nerr := d.Nack(false, true); nerr != nil {
			c.log.Error("amqp nack failed", zap.Error(nerr))
		}
	}
}

func (c *Consumer) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		c.log.Error("amqp ack failed", zap.Error(err))
	}
}
