package consumer

import (
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ErrPermanent marks failures that redelivery cannot fix, such as a
// malformed body.
var ErrPermanent = errors.New("permanent message failure")

// Permanent wraps err so that ProcessMessage rejects the message without requeue
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// EventHandler is the interface that consumers must implement
// to handle message bodies
type EventHandler interface {
	HandleEvent(body []byte) error
}

// Outcome is what ProcessMessage did with a delivery
type Outcome string

const (
	Acked    Outcome = "acked"
	Requeued Outcome = "requeued"
	Rejected Outcome = "rejected"
)

// ProcessMessage processes a RabbitMQ message following the abstract consumer pattern:
// 1. Calls the handler's HandleEvent method with the raw body
// 2. ACKs on success
// 3. NACKs without requeue on permanent failures, with requeue otherwise
func ProcessMessage(
	logger *zap.Logger,
	queue string,
	msg amqp.Delivery,
	handler EventHandler,
) Outcome {
	log := logger.With(
		zap.String("queue", queue),
		zap.Uint64("delivery_tag", msg.DeliveryTag),
	)
	log.Debug("Received message from queue", zap.Bool("redelivered", msg.Redelivered))

	if err := handler.HandleEvent(msg.Body); err != nil {
		requeue := !errors.Is(err, ErrPermanent)
		log.Error("Failed to process message from queue",
			zap.ByteString("body", msg.Body),
			zap.Bool("requeue", requeue),
			zap.Error(err),
		)
		nackMessage(log, msg, requeue)
		if requeue {
			return Requeued
		}
		return Rejected
	}

	if err := msg.Ack(false); err != nil {
		// The broker redelivers unacked messages once the channel closes
		log.Error("Failed to ack message from queue", zap.Error(err))
		return Requeued
	}

	log.Debug("Message from queue processed successfully")
	return Acked
}

func nackMessage(log *zap.Logger, msg amqp.Delivery, requeue bool) {
	if err := msg.Nack(false, requeue); err != nil {
		log.Error("Failed to nack a message",
			zap.Bool("requeue", requeue),
			zap.Error(err),
		)
	}
}
