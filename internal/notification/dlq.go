package notification

import (
	"context"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	amqp "github.com/rabbitmq/amqp091-go"

	"pix-notification-service/internal/logcontext"
	"pix-notification-service/internal/logsink"
	"pix-notification-service/internal/message"
	"pix-notification-service/internal/rabbit"
)

const (
	// PreviousStatusFailed marks forensic log entries for dead-lettered messages.
	PreviousStatusFailed = "FAILED"
	// NewStatusDLQProcessed marks a dead-lettered message as inspected and logged.
	NewStatusDLQProcessed = "DLQ_PROCESSED"
	// FailureReasonDLQ is recorded when the dead-letter envelope carries no reason.
	FailureReasonDLQ = "message processed from dead letter queue"
)

var (
	dlqProcessedCounter = metrics.GetOrCreateCounter(`notification_dlq_processor_total{result="processed"}`)
	dlqLogErrorCounter  = metrics.GetOrCreateCounter(`notification_dlq_processor_total{result="log_error"}`)
)

// DLQProcessor drains the dead-letter queue purely for forensic logging.
// It never mutates charge state and never republishes to the primary queue:
// automatic retries of a poison message would loop forever. Logging failures
// are swallowed for the same reason, so this path never raises.
type DLQProcessor struct {
	broker   Broker
	sink     LogSink
	logger   *slog.Logger
	workerID string
}

func NewDLQProcessor(broker Broker, sink LogSink, logger *slog.Logger) *DLQProcessor {
	return &DLQProcessor{
		broker:   broker,
		sink:     sink,
		logger:   logger,
		workerID: workerID(),
	}
}

// Start subscribes to the dead-letter queue and launches the drain loop.
func (p *DLQProcessor) Start(ctx context.Context) error {
	deliveries, err := p.broker.Consume(ctx, rabbit.QueuePaymentsFailed, "dlq-processor")
	if err != nil {
		return err
	}

	p.logger.InfoContext(ctx, "Dead-letter processor started", "queue", rabbit.QueuePaymentsFailed)

	go p.run(ctx, deliveries)
	return nil
}

func (p *DLQProcessor) run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "Context done, stopping dead-letter processor")
			return
		case d, ok := <-deliveries:
			if !ok {
				p.logger.WarnContext(ctx, "Delivery channel closed, stopping dead-letter processor")
				return
			}
			p.handle(ctx, d)
		}
	}
}

// handle records one forensic log entry and always acknowledges. A malformed
// payload still produces an entry carrying the raw body in its metadata.
func (p *DLQProcessor) handle(ctx context.Context, d amqp.Delivery) {
	ctx = logcontext.AppendCtx(ctx, slog.String("messageId", d.MessageId))

	env, decodeErr := message.DecodeDeadLetter(d.Body)

	messageID := env.MessageID
	if messageID == "" {
		messageID = d.MessageId
	}

	failureReason := env.FailureReason
	if failureReason == "" {
		failureReason = FailureReasonDLQ
	}

	metadata := map[string]any{
		"processed_at":   time.Now().UTC(),
		"worker_id":      p.workerID,
		"dlq_processed":  true,
		"failure_reason": failureReason,
	}
	if len(env.OriginalHeaders) > 0 {
		metadata["original_headers"] = env.OriginalHeaders
	}
	if len(d.Headers) > 0 {
		metadata["headers"] = map[string]any(d.Headers)
	}
	if decodeErr != nil {
		metadata["raw_message"] = string(d.Body)
	}

	entry := logsink.Entry{
		ChargeID:       env.ChargeID,
		ReceivedAt:     env.ReceivedAt(),
		PreviousStatus: PreviousStatusFailed,
		NewStatus:      NewStatusDLQProcessed,
		MessageID:      messageID,
		Metadata:       metadata,
	}

	if err := p.sink.Append(ctx, entry); err != nil {
		// Swallowed: escalating here would start a redelivery loop on the
		// dead-letter queue itself.
		p.logger.ErrorContext(ctx, "Error logging dead-lettered message", "error", err)
		dlqLogErrorCounter.Inc()
	} else {
		p.logger.InfoContext(ctx, "Dead-lettered message logged", "chargeId", env.ChargeID)
		dlqProcessedCounter.Inc()
	}

	if err := d.Ack(false); err != nil {
		p.logger.ErrorContext(ctx, "Error acknowledging dead-lettered message", "error", err)
	}
}
