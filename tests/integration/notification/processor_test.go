package notification

import (
	"context"
	"log"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"pix-notification-service/internal/db"
	"pix-notification-service/internal/logsink"
	"pix-notification-service/internal/message"
	"pix-notification-service/internal/model"
	"pix-notification-service/internal/notification"
	"pix-notification-service/tests/testhelpers"
)

type ProcessorTestSuite struct {
	suite.Suite
	pgContainer *testhelpers.PostgresContainer
	pool        *pgxpool.Pool
	repo        *db.ChargeRepository
	sink        *logsink.Store
	sut         *notification.Processor
	ctx         context.Context
}

func (s *ProcessorTestSuite) SetupSuite() {
	time.Local = time.UTC

	s.ctx = context.Background()
	pgContainer, err := testhelpers.CreatePostgresContainer(s.ctx)
	if err != nil {
		log.Fatal(err)
	}
	s.pgContainer = pgContainer

	if err := db.RunMigrations(pgContainer.ConnectionString, "../../../migrations"); err != nil {
		log.Fatal(err)
	}

	pool, err := db.GetPool(pgContainer.ConnectionString)
	if err != nil {
		log.Fatal(err)
	}
	s.pool = pool
	s.repo = db.NewChargeRepository(pool)
}

func (s *ProcessorTestSuite) TearDownSuite() {
	s.pool.Close()

	if err := s.pgContainer.Terminate(s.ctx); err != nil {
		log.Fatalf("error terminating postgres container: %s", err)
	}
}

func (s *ProcessorTestSuite) SetupTest() {
	_, err := s.pool.Exec(s.ctx, "DELETE FROM charges")
	if err != nil {
		log.Fatalf("error truncating charges table: %s", err)
	}

	sink, err := logsink.New(filepath.Join(s.T().TempDir(), "logs.db"))
	if err != nil {
		log.Fatalf("error opening log sink: %s", err)
	}
	s.T().Cleanup(func() { sink.Close() })

	s.sink = sink
	s.sut = notification.NewProcessor(s.repo, sink, slog.Default())
}

func (s *ProcessorTestSuite) TestProcess_PendingChargeBecomesPaid() {
	t := s.T()

	charge := model.NewCharge("Joao Silva", "12345678901", 15000, "lunch")
	_, err := s.repo.Create(s.ctx, charge)
	assert.NoError(t, err)

	env := message.NewEnvelope(charge.ID)

	outcome, err := s.sut.Process(s.ctx, env)
	assert.NoError(t, err)
	assert.Equal(t, notification.OutcomePaid, outcome)

	found, err := s.repo.FindByID(s.ctx, charge.ID)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusPaid, found.Status)

	entries, err := s.sink.Recent(10)
	assert.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, charge.ID, entries[0].ChargeID)
	assert.Equal(t, "pending", entries[0].PreviousStatus)
	assert.Equal(t, "paid", entries[0].NewStatus)
	assert.Equal(t, env.MessageID, entries[0].MessageID)
}

func (s *ProcessorTestSuite) TestProcess_ReplayIsNoOp() {
	t := s.T()

	charge := model.NewCharge("Joao Silva", "12345678901", 15000, "")
	_, err := s.repo.Create(s.ctx, charge)
	assert.NoError(t, err)

	env := message.NewEnvelope(charge.ID)

	outcome, err := s.sut.Process(s.ctx, env)
	assert.NoError(t, err)
	assert.Equal(t, notification.OutcomePaid, outcome)

	outcome, err = s.sut.Process(s.ctx, env)
	assert.NoError(t, err)
	assert.Equal(t, notification.OutcomeAlreadyPaid, outcome)

	entries, err := s.sink.Recent(10)
	assert.NoError(t, err)
	assert.Len(t, entries, 1)
}

func (s *ProcessorTestSuite) TestProcess_UnknownCharge() {
	t := s.T()

	outcome, err := s.sut.Process(s.ctx, message.NewEnvelope("does-not-exist"))
	assert.NoError(t, err)
	assert.Equal(t, notification.OutcomeNotFound, outcome)

	entries, err := s.sink.Recent(10)
	assert.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProcessorTestSuite(t *testing.T) {
	suite.Run(t, new(ProcessorTestSuite))
}
