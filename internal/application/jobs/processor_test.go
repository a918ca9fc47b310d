package jobs

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g-caf/receipt-match-backend/internal/application/matching"
	"github.com/g-caf/receipt-match-backend/internal/domain/candidates"
	"github.com/g-caf/receipt-match-backend/internal/domain/merchant"
	"github.com/g-caf/receipt-match-backend/internal/domain/model"
	"github.com/g-caf/receipt-match-backend/internal/domain/scoring"
	"github.com/g-caf/receipt-match-backend/internal/infrastructure/config"
	"github.com/g-caf/receipt-match-backend/internal/infrastructure/storage"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func newTestProcessor(workers, maxAttempts int) (*Processor, *storage.MockRepository) {
	repo := storage.NewMockRepository()
	return newProcessorOver(repo, workers, maxAttempts), repo
}

func newProcessorOver(repo *storage.MockRepository, workers, maxAttempts int) *Processor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	comparer := merchant.NewComparer(repo)
	engine := scoring.NewEngine(comparer)
	generator := candidates.NewGenerator(repo, engine, logger)
	orchestrator := matching.NewOrchestrator(repo, logger)
	configs := matching.NewConfigCache(repo, config.MatchingDefaults{})
	matcher := matching.NewService(repo, generator, orchestrator, configs, logger)
	return NewProcessor(repo, matcher, workers, maxAttempts, logger)
}

func seedPair(t *testing.T, repo *storage.MockRepository, orgID uuid.UUID, amount string) (*model.Transaction, *model.Receipt) {
	t.Helper()
	day := time.Now().UTC().AddDate(0, 0, -2).Truncate(24 * time.Hour)
	txn := &model.Transaction{
		ID:              uuid.New(),
		OrganizationID:  orgID,
		Amount:          decimal.RequireFromString("-" + amount),
		Currency:        "USD",
		TransactionDate: day,
		MerchantName:    "Whole Foods Market",
		Status:          model.TransactionUnmatched,
	}
	receipt := &model.Receipt{
		ID:             uuid.New(),
		OrganizationID: orgID,
		TotalAmount:    decimal.RequireFromString(amount),
		Currency:       "USD",
		ReceiptDate:    day,
		MerchantName:   "Whole Foods Market",
		Status:         model.ReceiptProcessed,
	}
	require.NoError(t, repo.SaveTransaction(txn))
	require.NoError(t, repo.SaveReceipt(receipt))
	return txn, receipt
}

func jobStatus(t *testing.T, repo *storage.MockRepository, id uuid.UUID) storage.JobStatus {
	t.Helper()
	job, err := repo.GetJob(id)
	require.NoError(t, err)
	return job.Status
}

func TestProcessor_Submit_Validation(t *testing.T) {
	p, _ := newTestProcessor(1, 1)
	orgID := uuid.New()

	tests := []struct {
		name  string
		kind  storage.JobKind
		scope storage.JobScope
	}{
		{"single without item", storage.JobSingle, storage.JobScope{ItemType: "transaction"}},
		{"single with bad item type", storage.JobSingle, storage.JobScope{ItemID: uuid.New(), ItemType: "invoice"}},
		{"bulk with negative range", storage.JobBulk, storage.JobScope{DaysBack: -1}},
		{"unknown kind", storage.JobKind("export"), storage.JobScope{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Submit(orgID, tt.kind, tt.scope)
			assert.ErrorIs(t, err, model.ErrValidation)
		})
	}

	t.Run("valid job is persisted pending", func(t *testing.T) {
		p, repo := newTestProcessor(1, 1) // not started, so nothing dequeues
		job, err := p.Submit(orgID, storage.JobBulk, storage.JobScope{DaysBack: 30})
		require.NoError(t, err)
		assert.Equal(t, storage.JobPending, jobStatus(t, repo, job.ID))
	})
}

func TestProcessor_SingleJob(t *testing.T) {
	p, repo := newTestProcessor(2, 3)
	orgID := uuid.New()
	txn, receipt := seedPair(t, repo, orgID, "54.30")

	p.Start(context.Background())
	defer p.Stop()

	job, err := p.Submit(orgID, storage.JobSingle, storage.JobScope{
		ItemID:   txn.ID,
		ItemType: "transaction",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return jobStatus(t, repo, job.ID) == storage.JobCompleted
	}, waitFor, tick)

	done, err := repo.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, done.Total)
	assert.Equal(t, 1, done.Processed)
	assert.Equal(t, 1, done.AutoMatched)
	assert.Empty(t, done.LastError)
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.CompletedAt)

	active, err := repo.ActiveMatchForTransaction(txn.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, receipt.ID, active.ReceiptID)
}

func TestProcessor_BulkJob(t *testing.T) {
	p, repo := newTestProcessor(2, 3)
	orgID := uuid.New()
	var txns []*model.Transaction
	for _, amount := range []string{"10.00", "25.50", "99.99"} {
		txn, _ := seedPair(t, repo, orgID, amount)
		txns = append(txns, txn)
	}

	p.Start(context.Background())
	defer p.Stop()

	job, err := p.Submit(orgID, storage.JobBulk, storage.JobScope{DaysBack: 30})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return jobStatus(t, repo, job.ID) == storage.JobCompleted
	}, waitFor, tick)

	done, err := repo.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, done.Total)
	assert.Equal(t, 3, done.Processed)
	assert.Equal(t, 3, done.AutoMatched)

	for _, txn := range txns {
		active, err := repo.ActiveMatchForTransaction(txn.ID)
		require.NoError(t, err)
		assert.NotNil(t, active)
	}
}

func TestProcessor_ReprocessSkipsExistingMatches(t *testing.T) {
	p, repo := newTestProcessor(1, 1)
	orgID := uuid.New()
	txn, receipt := seedPair(t, repo, orgID, "40.00")
	require.NoError(t, repo.ActivateMatch(&model.Match{
		ID:            uuid.New(),
		TransactionID: txn.ID,
		ReceiptID:     receipt.ID,
		Type:          model.MatchAuto,
		Confidence:    0.95,
	}, uuid.Nil))
	unmatched, _ := seedPair(t, repo, orgID, "15.00")

	p.Start(context.Background())
	defer p.Stop()

	job, err := p.Submit(orgID, storage.JobReprocess, storage.JobScope{DaysBack: 30})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return jobStatus(t, repo, job.ID) == storage.JobCompleted
	}, waitFor, tick)

	done, err := repo.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, done.Total, "already-matched transactions are not revisited")
	assert.Equal(t, 1, done.AutoMatched)

	active, err := repo.ActiveMatchForTransaction(unmatched.ID)
	require.NoError(t, err)
	assert.NotNil(t, active)
}

func TestProcessor_FailedJobKeepsLastError(t *testing.T) {
	p, repo := newTestProcessor(1, 1) // one attempt, no backoff sleep
	orgID := uuid.New()

	p.Start(context.Background())
	defer p.Stop()

	job, err := p.Submit(orgID, storage.JobSingle, storage.JobScope{
		ItemID:   uuid.New(), // unknown transaction
		ItemType: "transaction",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return jobStatus(t, repo, job.ID) == storage.JobFailed
	}, waitFor, tick)

	done, err := repo.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, done.Attempts)
	assert.Contains(t, done.LastError, "not found")
}

func TestProcessor_Cancel(t *testing.T) {
	t.Run("pending job is cancelled before it runs", func(t *testing.T) {
		p, repo := newTestProcessor(1, 1) // never started
		orgID := uuid.New()

		job, err := p.Submit(orgID, storage.JobBulk, storage.JobScope{DaysBack: 30})
		require.NoError(t, err)

		require.NoError(t, p.Cancel(job.ID))
		assert.Equal(t, storage.JobCancelled, jobStatus(t, repo, job.ID))
	})

	t.Run("terminal jobs cannot be cancelled", func(t *testing.T) {
		p, _ := newTestProcessor(1, 1)
		orgID := uuid.New()

		job, err := p.Submit(orgID, storage.JobBulk, storage.JobScope{DaysBack: 30})
		require.NoError(t, err)
		require.NoError(t, p.Cancel(job.ID))

		err = p.Cancel(job.ID)
		assert.ErrorIs(t, err, model.ErrValidation)
	})

	t.Run("unknown job is not found", func(t *testing.T) {
		p, _ := newTestProcessor(1, 1)
		assert.ErrorIs(t, p.Cancel(uuid.New()), model.ErrNotFound)
	})
}

func TestProcessor_SweepStale(t *testing.T) {
	p, repo := newTestProcessor(1, 1)
	orgID := uuid.New()

	started := time.Now().UTC().Add(-3 * time.Hour)
	hung := &storage.MatchJob{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Kind:           storage.JobBulk,
		Status:         storage.JobRunning,
		StartedAt:      &started,
	}
	require.NoError(t, repo.CreateJob(hung))

	fresh, err := p.Submit(orgID, storage.JobBulk, storage.JobScope{DaysBack: 30})
	require.NoError(t, err)

	p.SweepStale()

	swept, err := repo.GetJob(hung.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobFailed, swept.Status)
	assert.Contains(t, swept.LastError, "stalled")
	assert.NotNil(t, swept.CompletedAt)

	assert.Equal(t, storage.JobPending, jobStatus(t, repo, fresh.ID), "pending jobs are left alone")
}

func TestProcessor_RecoversPendingAfterRestart(t *testing.T) {
	first, repo := newTestProcessor(1, 1)
	orgID := uuid.New()
	txn, receipt := seedPair(t, repo, orgID, "33.10")

	// Queued in the first instance's channel only; that instance never
	// starts, so the job survives purely as a pending row.
	job, err := first.Submit(orgID, storage.JobBulk, storage.JobScope{DaysBack: 30})
	require.NoError(t, err)
	require.Equal(t, storage.JobPending, jobStatus(t, repo, job.ID))

	second := newProcessorOver(repo, 1, 1)
	second.Start(context.Background())
	defer second.Stop()

	require.Eventually(t, func() bool {
		return jobStatus(t, repo, job.ID) == storage.JobCompleted
	}, waitFor, tick)

	done, err := repo.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, done.AutoMatched)

	active, err := repo.ActiveMatchForTransaction(txn.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, receipt.ID, active.ReceiptID)
}
