// Package rpc implements request/reply over RabbitMQ using a correlation id
// and a temporary exclusive reply queue per call.
package rpc

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const defaultTimeout = 30 * time.Second

// Channel is the subset of *amqp.Channel used by the invoker.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ChannelOpener returns a fresh channel owned by the caller.
type ChannelOpener func() (Channel, error)

// Reply is the correlated response to one call.
type Reply struct {
	CorrelationID string
	ContentType   string
	Body          []byte
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithTimeout bounds how long Invoke waits for a reply when the caller's
// context carries no earlier deadline.
func WithTimeout(d time.Duration) Option {
	return func(i *Invoker) {
		if d > 0 {
			i.timeout = d
		}
	}
}

// WithIDGenerator overrides correlation id generation.
func WithIDGenerator(fn func() string) Option {
	return func(i *Invoker) {
		if fn != nil {
			i.newID = fn
		}
	}
}

// Invoker publishes requests and waits for their correlated replies.
// Each call owns its channel and reply queue, so concurrent calls never see
// each other's replies.
type Invoker struct {
	open    ChannelOpener
	logger  *zap.Logger
	timeout time.Duration
	newID   func() string
}

// NewInvoker returns an invoker that opens a channel per call.
func NewInvoker(open ChannelOpener, logger *zap.Logger, opts ...Option) *Invoker {
	if open == nil {
		panic("rpc: nil ChannelOpener")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	i := &Invoker{
		open:    open,
		logger:  logger,
		timeout: defaultTimeout,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Invoke publishes payload to targetQueue and waits for the reply carrying
// the same correlation id.
func (i *Invoker) Invoke(ctx context.Context, targetQueue string, payload []byte) (*Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	ch, err := i.open()
	if err != nil {
		return nil, &ConnectionError{Op: "open channel", Err: err}
	}
	defer ch.Close()

	replyQueue, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, &ConnectionError{Op: "declare reply queue", Err: err}
	}

	replies, err := ch.Consume(
		replyQueue.Name,
		"",
		true, // auto-ack
		true, // exclusive
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, &ConnectionError{Op: "consume reply queue", Err: err}
	}

	correlationID := i.newID()
	log := i.logger.With(
		zap.String("queue", targetQueue),
		zap.String("correlation_id", correlationID),
		zap.String("reply_to", replyQueue.Name),
	)

	started := time.Now()
	err = ch.PublishWithContext(ctx,
		"", // default exchange
		targetQueue,
		false,
		false,
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			CorrelationId: correlationID,
			ReplyTo:       replyQueue.Name,
			Timestamp:     time.Now(),
			Body:          payload,
		},
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, waitError(ctx, targetQueue, correlationID, time.Since(started))
		}
		return nil, &ConnectionError{Op: "publish request", Err: err}
	}
	log.Debug("Published RPC request")

	for {
		select {
		case <-ctx.Done():
			log.Warn("RPC reply not received", zap.Duration("waited", time.Since(started)))
			return nil, waitError(ctx, targetQueue, correlationID, time.Since(started))
		case msg, ok := <-replies:
			if !ok {
				return nil, &ConnectionError{Op: "await reply", Err: errors.New("reply channel closed")}
			}
			if msg.CorrelationId != correlationID {
				log.Debug("Discarding reply with foreign correlation id",
					zap.String("got_correlation_id", msg.CorrelationId),
				)
				continue
			}
			log.Debug("Received RPC reply", zap.Duration("latency", time.Since(started)))
			return &Reply{
				CorrelationID: msg.CorrelationId,
				ContentType:   msg.ContentType,
				Body:          msg.Body,
			}, nil
		}
	}
}

func waitError(ctx context.Context, queue, correlationID string, waited time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Queue: queue, CorrelationID: correlationID, After: waited}
	}
	return ctx.Err()
}
