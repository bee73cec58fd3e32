package notification

import (
	"context"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	amqp "github.com/rabbitmq/amqp091-go"

	"pix-notification-service/internal/logcontext"
	"pix-notification-service/internal/message"
	"pix-notification-service/internal/rabbit"
)

// FailureReasonProcessing is the static reason recorded on messages
// redirected to the dead-letter queue.
const FailureReasonProcessing = "error processing original message"

var (
	consumeDecodeErrorCounter  = metrics.GetOrCreateCounter(`notification_consumer_total{result="decode_error"}`)
	consumeProcessErrorCounter = metrics.GetOrCreateCounter(`notification_consumer_total{result="process_error"}`)
	consumePaidCounter         = metrics.GetOrCreateCounter(`notification_consumer_total{result="paid"}`)
	consumeAlreadyPaidCounter  = metrics.GetOrCreateCounter(`notification_consumer_total{result="already_paid"}`)
	consumeNotFoundCounter     = metrics.GetOrCreateCounter(`notification_consumer_total{result="not_found"}`)

	deadLetteredCounter      = metrics.GetOrCreateCounter(`notification_dead_letter_total{result="redirected"}`)
	deadLetterFailureCounter = metrics.GetOrCreateCounter(`notification_dead_letter_total{result="redirect_failed"}`)
)

// Consumer subscribes to the primary queue and drives each delivery through
// the processor, acknowledging or dead-lettering it. Every message is handled
// in its own goroutine so one slow store call never blocks the delivery loop;
// the channel prefetch bounds how many are in flight.
type Consumer struct {
	broker    Broker
	processor *Processor
	logger    *slog.Logger
}

func NewConsumer(broker Broker, processor *Processor, logger *slog.Logger) *Consumer {
	return &Consumer{broker: broker, processor: processor, logger: logger}
}

// Start subscribes and launches the delivery loop. It returns a transport
// error when the subscription itself cannot be established; after that,
// failures are per-message and never stop the loop.
func (c *Consumer) Start(ctx context.Context) error {
	deliveries, err := c.broker.Consume(ctx, rabbit.QueuePayments, "payment-consumer")
	if err != nil {
		return err
	}

	c.logger.InfoContext(ctx, "Payment notification consumer started", "queue", rabbit.QueuePayments)

	go c.run(ctx, deliveries)
	return nil
}

func (c *Consumer) run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			c.logger.InfoContext(ctx, "Context done, stopping consumer")
			return
		case d, ok := <-deliveries:
			if !ok {
				c.logger.WarnContext(ctx, "Delivery channel closed, stopping consumer")
				return
			}
			go c.handle(ctx, d)
		}
	}
}

// handle processes one delivery to completion: ack on success and on the
// terminal not-found/already-paid conditions, dead-letter on any processing
// failure. The message leaves the primary queue either way.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	ctx = logcontext.AppendCtx(ctx, slog.String("messageId", d.MessageId))

	env, err := message.Decode(d.Body)
	if err != nil {
		c.logger.ErrorContext(ctx, "Error decoding envelope", "error", err)
		consumeDecodeErrorCounter.Inc()
		c.deadLetter(ctx, d)
		return
	}

	outcome, err := c.processor.Process(ctx, env)
	if err != nil {
		c.logger.ErrorContext(ctx, "Error processing notification", "chargeId", env.ChargeID, "error", err)
		consumeProcessErrorCounter.Inc()
		c.deadLetter(ctx, d)
		return
	}

	switch outcome {
	case OutcomePaid:
		consumePaidCounter.Inc()
	case OutcomeAlreadyPaid:
		consumeAlreadyPaidCounter.Inc()
	case OutcomeNotFound:
		consumeNotFoundCounter.Inc()
	}

	c.ack(ctx, d)
}

// deadLetter republishes the message to the failed queue with failure
// forensics attached, then acknowledges the original so a poison message
// never blocks the primary queue. Only when the redirect itself fails is the
// message rejected as a last resort: requeued when the failure came from a
// cancelled context (shutdown), dropped otherwise.
func (c *Consumer) deadLetter(ctx context.Context, d amqp.Delivery) {
	// Best-effort decode: an unparseable body still gets dead-lettered,
	// carrying whatever identity the broker properties provide.
	env, _ := message.Decode(d.Body)
	if env.MessageID == "" {
		env.MessageID = d.MessageId
	}

	failedAt := time.Now().UTC().Format(time.RFC3339Nano)

	dl := message.DeadLetterEnvelope{
		Envelope:        env,
		FailedAt:        failedAt,
		FailureReason:   FailureReasonProcessing,
		OriginalHeaders: map[string]any(d.Headers),
	}

	body, err := dl.Encode()
	if err != nil {
		c.logger.ErrorContext(ctx, "Error encoding dead-letter envelope", "error", err)
		deadLetterFailureCounter.Inc()
		c.reject(ctx, d, ctx.Err() != nil)
		return
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    message.NewFailedMessageID(),
		Headers: amqp.Table{
			"original_message_id": d.MessageId,
			"failed_at":           failedAt,
		},
		Body: body,
	}

	if err := c.broker.Publish(ctx, rabbit.QueuePaymentsFailed, publishing); err != nil {
		c.logger.ErrorContext(ctx, "Error redirecting message to dead-letter queue", "error", err)
		deadLetterFailureCounter.Inc()
		// On a cancelled context the redirect failed because of shutdown,
		// not because of the message: hand it back for redelivery instead
		// of dropping it.
		c.reject(ctx, d, ctx.Err() != nil)
		return
	}

	c.logger.WarnContext(ctx, "Message redirected to dead-letter queue",
		"chargeId", env.ChargeID, "queue", rabbit.QueuePaymentsFailed)
	deadLetteredCounter.Inc()

	c.ack(ctx, d)
}

func (c *Consumer) ack(ctx context.Context, d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		c.logger.ErrorContext(ctx, "Error acknowledging message", "error", err)
	}
}

func (c *Consumer) reject(ctx context.Context, d amqp.Delivery, requeue bool) {
	if err := d.Nack(false, requeue); err != nil {
		c.logger.ErrorContext(ctx, "Error rejecting message", "error", err)
	}
}
