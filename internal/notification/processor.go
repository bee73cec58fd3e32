// Package notification implements the payment notification pipeline: the
// publisher feeding the primary queue, the consumer applying the idempotent
// charge state transition, and the dead-letter processor recording forensic
// log entries for failed messages.
package notification

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/pkg/errors"

	"pix-notification-service/internal/db"
	"pix-notification-service/internal/logsink"
	"pix-notification-service/internal/message"
	"pix-notification-service/internal/model"
)

// ChargeStore is the narrow contract the pipeline consumes from the
// relational charge record.
type ChargeStore interface {
	FindByID(ctx context.Context, id string) (*model.Charge, error)
	Save(ctx context.Context, charge *model.Charge) (*model.Charge, error)
}

// LogSink is the append-only contract for notification log entries.
type LogSink interface {
	Append(ctx context.Context, entry logsink.Entry) error
}

// Outcome classifies how a decoded notification was resolved. Anything that
// is not one of these outcomes is an error and gets dead-lettered.
type Outcome int

const (
	// OutcomePaid means the charge transitioned to paid and one log entry
	// was appended.
	OutcomePaid Outcome = iota
	// OutcomeAlreadyPaid means the charge was paid before: no save, no
	// log append. This no-op is what makes at-least-once delivery safe.
	OutcomeAlreadyPaid
	// OutcomeNotFound means no charge exists for the id. Not retryable:
	// the charge will never exist, so the message is acknowledged.
	OutcomeNotFound
)

func (o Outcome) String() string {
	switch o {
	case OutcomePaid:
		return "paid"
	case OutcomeAlreadyPaid:
		return "already_paid"
	case OutcomeNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Processor applies the charge state transition for one decoded envelope.
type Processor struct {
	store    ChargeStore
	sink     LogSink
	logger   *slog.Logger
	workerID string
}

func NewProcessor(store ChargeStore, sink LogSink, logger *slog.Logger) *Processor {
	return &Processor{
		store:    store,
		sink:     sink,
		logger:   logger,
		workerID: workerID(),
	}
}

// Process looks up the charge, transitions pending (or any non-paid status)
// to paid and appends exactly one log entry. Replaying the same envelope
// against an already-paid charge is a no-op.
//
// The find-mutate-save sequence is not atomic: two concurrent deliveries for
// the same charge can both observe a non-paid status. The duplicate log
// entries that produces are tolerated.
func (p *Processor) Process(ctx context.Context, env message.Envelope) (Outcome, error) {
	p.logger.InfoContext(ctx, "Processing payment notification", "chargeId", env.ChargeID)

	charge, err := p.store.FindByID(ctx, env.ChargeID)
	if errors.Is(err, db.ErrChargeNotFound) {
		p.logger.WarnContext(ctx, "Charge not found, acknowledging without action", "chargeId", env.ChargeID)
		return OutcomeNotFound, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "finding charge")
	}

	if charge.Status == model.StatusPaid {
		p.logger.InfoContext(ctx, "Charge already paid, skipping", "chargeId", charge.ID)
		return OutcomeAlreadyPaid, nil
	}

	// Payment confirmations win over expiry and cancellation: the money
	// moved, so the record follows. Flag the late arrival for operators.
	if charge.Status.Terminal() {
		p.logger.WarnContext(ctx, "Charge in terminal status, recording payment anyway",
			"chargeId", charge.ID, "status", string(charge.Status))
	}

	previousStatus := charge.Status
	charge.Status = model.StatusPaid

	if _, err := p.store.Save(ctx, charge); err != nil {
		return 0, errors.Wrap(err, "saving charge")
	}

	entry := logsink.Entry{
		ChargeID:       charge.ID,
		ReceivedAt:     env.ReceivedAt(),
		PreviousStatus: string(previousStatus),
		NewStatus:      string(model.StatusPaid),
		MessageID:      env.MessageID,
		Metadata: map[string]any{
			"processed_at":     time.Now().UTC(),
			"worker_id":        p.workerID,
			"original_message": env,
		},
	}

	if err := p.sink.Append(ctx, entry); err != nil {
		return 0, errors.Wrap(err, "appending notification log")
	}

	p.logger.InfoContext(ctx, "Charge updated to paid",
		"chargeId", charge.ID,
		"previousStatus", string(previousStatus),
	)

	return OutcomePaid, nil
}

func workerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}
