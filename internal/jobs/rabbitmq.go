package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	// DefaultQueueName is the default queue name
	DefaultQueueName = "todosync_jobs"
	// DefaultExchangeName is the default exchange name
	DefaultExchangeName = "todosync"
	// routingKey routes sync jobs to the queue
	routingKey = "sync"
)

// RabbitMQQueue implements Queue using RabbitMQ. Jobs are published as
// persistent JSON messages. The runner waits for NotBefore itself, so no
// delayed-message plugin is needed.
type RabbitMQQueue struct {
	conn         *amqp.Connection
	channel      *amqp.Channel
	queueName    string
	exchangeName string
	logger       *zap.Logger

	// latest is the highest generation enqueued or delivered. Deliveries
	// below it have been superseded.
	latest atomic.Int64

	mu sync.Mutex // guards channel for publishing
}

// NewRabbitMQQueue connects to amqpURL and declares the exchange and queue.
func NewRabbitMQQueue(amqpURL string, logger *zap.Logger) (*RabbitMQQueue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	q := &RabbitMQQueue{
		conn:         conn,
		channel:      ch,
		queueName:    DefaultQueueName,
		exchangeName: DefaultExchangeName,
		logger:       logger,
	}
	if err := q.setup(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to setup queues: %w", err)
	}
	return q, nil
}

// setup configures the exchange and queue
func (q *RabbitMQQueue) setup() error {
	err := q.channel.ExchangeDeclare(
		q.exchangeName,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	_, err = q.channel.QueueDeclare(
		q.queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	err = q.channel.QueueBind(q.queueName, routingKey, q.exchangeName, false, nil)
	if err != nil {
		return fmt.Errorf("failed to bind queue to exchange: %w", err)
	}
	return nil
}

// Enqueue publishes job and marks every earlier job superseded.
func (q *RabbitMQQueue) Enqueue(ctx context.Context, job *Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	q.observe(job.Generation)

	q.mu.Lock()
	defer q.mu.Unlock()
	err = q.channel.PublishWithContext(ctx,
		q.exchangeName,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			MessageId:    job.ID.String(),
			Timestamp:    job.CreatedAt,
		})
	if err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}
	return nil
}

// observe raises latest to gen.
func (q *RabbitMQQueue) observe(gen int64) {
	for {
		cur := q.latest.Load()
		if gen <= cur || q.latest.CompareAndSwap(cur, gen) {
			return
		}
	}
}

// accept reports whether job is still current and records it as seen.
func (q *RabbitMQQueue) accept(job *Job) bool {
	if job.Generation < q.latest.Load() {
		return false
	}
	q.observe(job.Generation)
	return true
}

// Consume delivers current jobs. Every delivery is acknowledged on receipt:
// the runner keeps the job in memory until it runs.
func (q *RabbitMQQueue) Consume(ctx context.Context) (<-chan *Job, error) {
	consumeCh, err := q.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer channel: %w", err)
	}
	if err := consumeCh.Qos(1, 0, false); err != nil {
		_ = consumeCh.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := consumeCh.Consume(
		q.queueName,
		"",    // consumer tag (empty = auto-generate)
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = consumeCh.Close()
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	out := make(chan *Job)
	go func() {
		defer close(out)
		defer func() { _ = consumeCh.Close() }()

		for {
			select {
			case <-ctx.Done():
				return
			case delivery, ok := <-deliveries:
				if !ok {
					q.logger.Warn("job_delivery_channel_closed")
					return
				}

				var job Job
				if err := json.Unmarshal(delivery.Body, &job); err != nil {
					q.logger.Warn("invalid_job_message", zap.String("message_id", delivery.MessageId), zap.Error(err))
					_ = delivery.Nack(false, false)
					continue
				}
				_ = delivery.Ack(false)

				if !q.accept(&job) {
					q.logger.Debug("job_superseded", zap.String("job_id", job.ID.String()), zap.String("kind", string(job.Kind)))
					continue
				}

				select {
				case out <- &job:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the queue connection
func (q *RabbitMQQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.channel != nil {
		_ = q.channel.Close()
	}
	if q.conn != nil && !q.conn.IsClosed() {
		return q.conn.Close()
	}
	return nil
}
