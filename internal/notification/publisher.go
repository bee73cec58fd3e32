package notification

import (
	"context"
	"log/slog"

	"github.com/VictoriaMetrics/metrics"
	amqp "github.com/rabbitmq/amqp091-go"

	"pix-notification-service/internal/message"
	"pix-notification-service/internal/rabbit"
)

// Broker is the slice of the transport client the pipeline components use.
// Implemented by *rabbit.Client.
type Broker interface {
	Publish(ctx context.Context, queue string, publishing amqp.Publishing) error
	Consume(ctx context.Context, queue, consumerTag string) (<-chan amqp.Delivery, error)
}

var (
	publishSuccessCounter = metrics.GetOrCreateCounter(`notification_publisher_total{result="success"}`)
	publishErrorCounter   = metrics.GetOrCreateCounter(`notification_publisher_total{result="publish_error"}`)
	encodeErrorCounter    = metrics.GetOrCreateCounter(`notification_publisher_total{result="encode_error"}`)
)

// Publisher is the single entry point the rest of the system calls to enqueue
// a payment notification for a charge.
type Publisher struct {
	broker Broker
	logger *slog.Logger
}

func NewPublisher(broker Broker, logger *slog.Logger) *Publisher {
	return &Publisher{broker: broker, logger: logger}
}

// Publish builds an envelope for the charge and enqueues it on the primary
// queue with persistent delivery. Transport failures propagate to the caller;
// retrying is the caller's decision.
func (p *Publisher) Publish(ctx context.Context, chargeID string) error {
	env := message.NewEnvelope(chargeID)

	body, err := env.Encode()
	if err != nil {
		encodeErrorCounter.Inc()
		return err
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.MessageID,
		Body:         body,
	}

	if err := p.broker.Publish(ctx, rabbit.QueuePayments, publishing); err != nil {
		p.logger.ErrorContext(ctx, "Error publishing payment notification",
			"chargeId", chargeID, "error", err)
		publishErrorCounter.Inc()
		return err
	}

	p.logger.InfoContext(ctx, "Payment notification published",
		"chargeId", chargeID, "messageId", env.MessageID)
	publishSuccessCounter.Inc()

	return nil
}
