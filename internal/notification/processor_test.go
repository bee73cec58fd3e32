package notification

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"pix-notification-service/internal/db"
	"pix-notification-service/internal/logsink"
	"pix-notification-service/internal/message"
	"pix-notification-service/internal/model"
)

type fakeChargeStore struct {
	charges   map[string]*model.Charge
	findErr   error
	saveErr   error
	saveCalls int
}

func newFakeChargeStore(charges ...*model.Charge) *fakeChargeStore {
	s := &fakeChargeStore{charges: make(map[string]*model.Charge)}
	for _, c := range charges {
		s.charges[c.ID] = c
	}
	return s
}

func (s *fakeChargeStore) FindByID(ctx context.Context, id string) (*model.Charge, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	charge, ok := s.charges[id]
	if !ok {
		return nil, db.ErrChargeNotFound
	}
	c := *charge
	return &c, nil
}

func (s *fakeChargeStore) Save(ctx context.Context, charge *model.Charge) (*model.Charge, error) {
	s.saveCalls++
	if s.saveErr != nil {
		return nil, s.saveErr
	}
	c := *charge
	s.charges[charge.ID] = &c
	return charge, nil
}

type fakeLogSink struct {
	entries   []logsink.Entry
	appendErr error
}

func (s *fakeLogSink) Append(ctx context.Context, entry logsink.Entry) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	s.entries = append(s.entries, entry)
	return nil
}

func pendingCharge(id string) *model.Charge {
	charge := model.NewCharge("Joao Silva", "12345678901", 15000, "test charge")
	charge.ID = id
	return charge
}

func TestProcessor_Process_PendingToPaid(t *testing.T) {
	store := newFakeChargeStore(pendingCharge("c1"))
	sink := &fakeLogSink{}
	sut := NewProcessor(store, sink, slog.Default())

	env := message.Envelope{ChargeID: "c1", Timestamp: "2024-01-01T10:00:00Z", MessageID: "msg-1"}

	outcome, err := sut.Process(context.Background(), env)
	assert.NoError(t, err)
	assert.Equal(t, OutcomePaid, outcome)

	assert.Equal(t, model.StatusPaid, store.charges["c1"].Status)
	assert.Equal(t, 1, store.saveCalls)

	assert.Len(t, sink.entries, 1)
	entry := sink.entries[0]
	assert.Equal(t, "c1", entry.ChargeID)
	assert.Equal(t, "pending", entry.PreviousStatus)
	assert.Equal(t, "paid", entry.NewStatus)
	assert.Equal(t, "msg-1", entry.MessageID)
	assert.Equal(t, env.ReceivedAt(), entry.ReceivedAt)
	assert.NotEmpty(t, entry.Metadata["worker_id"])
	assert.NotNil(t, entry.Metadata["processed_at"])
}

func TestProcessor_Process_AlreadyPaid(t *testing.T) {
	charge := pendingCharge("c2")
	charge.Status = model.StatusPaid
	store := newFakeChargeStore(charge)
	sink := &fakeLogSink{}
	sut := NewProcessor(store, sink, slog.Default())

	outcome, err := sut.Process(context.Background(), message.Envelope{ChargeID: "c2", MessageID: "msg-2"})
	assert.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyPaid, outcome)

	assert.Zero(t, store.saveCalls)
	assert.Empty(t, sink.entries)
}

func TestProcessor_Process_NotFound(t *testing.T) {
	store := newFakeChargeStore()
	sink := &fakeLogSink{}
	sut := NewProcessor(store, sink, slog.Default())

	outcome, err := sut.Process(context.Background(), message.Envelope{ChargeID: "missing", MessageID: "msg-3"})
	assert.NoError(t, err)
	assert.Equal(t, OutcomeNotFound, outcome)

	assert.Zero(t, store.saveCalls)
	assert.Empty(t, sink.entries)
}

func TestProcessor_Process_ExpiredChargeStillTransitions(t *testing.T) {
	charge := pendingCharge("c4")
	charge.Status = model.StatusExpired
	store := newFakeChargeStore(charge)
	sink := &fakeLogSink{}
	sut := NewProcessor(store, sink, slog.Default())

	outcome, err := sut.Process(context.Background(), message.Envelope{ChargeID: "c4", MessageID: "msg-4"})
	assert.NoError(t, err)
	assert.Equal(t, OutcomePaid, outcome)
	assert.Equal(t, "expired", sink.entries[0].PreviousStatus)
}

func TestProcessor_Process_TerminalStatusWarnsButTransitions(t *testing.T) {
	charge := pendingCharge("c7")
	charge.Status = model.StatusCancelled
	store := newFakeChargeStore(charge)
	sink := &fakeLogSink{}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	sut := NewProcessor(store, sink, logger)

	outcome, err := sut.Process(context.Background(), message.Envelope{ChargeID: "c7", MessageID: "msg-7"})
	assert.NoError(t, err)
	assert.Equal(t, OutcomePaid, outcome)

	assert.Equal(t, model.StatusPaid, store.charges["c7"].Status)
	assert.Equal(t, "cancelled", sink.entries[0].PreviousStatus)
	assert.Contains(t, buf.String(), "terminal status")
}

func TestProcessor_Process_StoreErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(store *fakeChargeStore, sink *fakeLogSink)
	}{
		{
			name: "find fails",
			setup: func(store *fakeChargeStore, sink *fakeLogSink) {
				store.findErr = errors.New("connection reset")
			},
		},
		{
			name: "save fails",
			setup: func(store *fakeChargeStore, sink *fakeLogSink) {
				store.saveErr = errors.New("constraint violation")
			},
		},
		{
			name: "log append fails",
			setup: func(store *fakeChargeStore, sink *fakeLogSink) {
				sink.appendErr = errors.New("disk full")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeChargeStore(pendingCharge("c5"))
			sink := &fakeLogSink{}
			tt.setup(store, sink)
			sut := NewProcessor(store, sink, slog.Default())

			_, err := sut.Process(context.Background(), message.Envelope{ChargeID: "c5", MessageID: "msg-5"})
			assert.Error(t, err)
		})
	}
}

func TestProcessor_Process_ReplayIsIdempotent(t *testing.T) {
	store := newFakeChargeStore(pendingCharge("c6"))
	sink := &fakeLogSink{}
	sut := NewProcessor(store, sink, slog.Default())

	env := message.Envelope{ChargeID: "c6", Timestamp: "2024-01-01T10:00:00Z", MessageID: "msg-6"}

	outcome, err := sut.Process(context.Background(), env)
	assert.NoError(t, err)
	assert.Equal(t, OutcomePaid, outcome)

	// Same message delivered again: no second save, no second log entry.
	outcome, err = sut.Process(context.Background(), env)
	assert.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyPaid, outcome)

	assert.Equal(t, 1, store.saveCalls)
	assert.Len(t, sink.entries, 1)
}
