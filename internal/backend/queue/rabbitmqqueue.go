package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

var errDeliveriesClosed = errors.New("delivery channel closed")

// RabbitMQQueue publishes persistent messages to a durable queue and consumes
// them with manual acknowledgement.
type RabbitMQQueue struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	confirms chan amqp.Confirmation
	options  Options
	logger   *slog.Logger

	publishMu sync.Mutex
}

func NewRabbitMQQueue(url string, options Options, logger *slog.Logger) (*RabbitMQQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	options = options.withDefaults()

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	// Enable publish confirmations
	if err := channel.Confirm(false); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable publish confirmations: %w", err)
	}

	_, err = channel.QueueDeclare(
		options.Name, // name
		true,         // durable
		false,        // delete when unused
		false,        // exclusive
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", options.Name, err)
	}

	return &RabbitMQQueue{
		conn:     conn,
		channel:  channel,
		confirms: channel.NotifyPublish(make(chan amqp.Confirmation, 1)),
		options:  options,
		logger:   logger,
	}, nil
}

func (q *RabbitMQQueue) Enqueue(ctx context.Context, imageID string) error {
	body, err := encodeJob(imageID)
	if err != nil {
		return err
	}

	// Confirmations arrive in publish order, one publish at a time keeps them paired.
	q.publishMu.Lock()
	defer q.publishMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = q.channel.PublishWithContext(
		ctx,
		"",             // exchange
		q.options.Name, // routing key
		false,          // mandatory
		false,          // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish image %s: %w", imageID, err)
	}

	select {
	case confirmed, ok := <-q.confirms:
		if !ok || !confirmed.Ack {
			return fmt.Errorf("failed to receive publish confirmation for image %s", imageID)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for publish confirmation for image %s: %w", imageID, ctx.Err())
	}
}

func (q *RabbitMQQueue) Consume(ctx context.Context, handler HandlerFunc) error {
	// Prefetch one message per worker
	if err := q.channel.Qos(q.options.Workers, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := q.channel.ConsumeWithContext(
		ctx,
		q.options.Name, // queue
		"",             // consumer
		false,          // auto-ack
		false,          // exclusive
		false,          // no-local
		false,          // no-wait
		nil,            // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	q.logger.Info("consuming rabbitmq queue", "queue", q.options.Name, "workers", q.options.Workers)
	return consumeDeliveries(ctx, deliveries, q.options.Workers, handler, q.logger)
}

// consumeDeliveries fans deliveries out to workers. Malformed messages are
// rejected without requeue, everything else is acked after the handler returns.
func consumeDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery, workers int, handler HandlerFunc, logger *slog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)
	for worker := 0; worker < workers; worker++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case delivery, ok := <-deliveries:
					if !ok {
						if ctx.Err() != nil {
							return nil
						}
						return errDeliveriesClosed
					}
					handleDelivery(ctx, delivery, handler, logger)
				}
			}
		})
	}
	return g.Wait()
}

func handleDelivery(ctx context.Context, delivery amqp.Delivery, handler HandlerFunc, logger *slog.Logger) {
	job, err := decodeJob(delivery.Body)
	if err != nil {
		logger.Warn("rejecting malformed job", "error", err)
		if rejectErr := delivery.Reject(false); rejectErr != nil {
			logger.Error("failed to reject message", "error", rejectErr)
		}
		return
	}

	// Cancellation stops new deliveries; the job in hand is finished before the ack.
	handler(context.WithoutCancel(ctx), job.ImageID)

	if err := delivery.Ack(false); err != nil {
		logger.Error("failed to ack message", "image_id", job.ImageID, "error", err)
	}
}

func (q *RabbitMQQueue) Close() error {
	var errs []error
	if q.channel != nil {
		errs = append(errs, q.channel.Close())
	}
	if q.conn != nil {
		errs = append(errs, q.conn.Close())
	}
	return errors.Join(errs...)
}
