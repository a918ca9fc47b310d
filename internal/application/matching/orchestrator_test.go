package matching

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

	"github.com/g-caf/receipt-match-backend/internal/domain/model"
	"github.com/g-caf/receipt-match-backend/internal/infrastructure/storage"
)

func newTestOrchestrator() (*Orchestrator, *storage.MockRepository) {
	repo := storage.NewMockRepository()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewOrchestrator(repo, logger), repo
}

func seedPair(t *testing.T, repo *storage.MockRepository, orgID uuid.UUID) (*model.Transaction, *model.Receipt) {
	t.Helper()
	txn := &model.Transaction{
		ID:              uuid.New(),
		OrganizationID:  orgID,
		Amount:          decimal.RequireFromString("-42.50"),
		Currency:        "USD",
		TransactionDate: time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC),
		MerchantName:    "Blue Bottle Coffee",
		Status:          model.TransactionUnmatched,
	}
	receipt := &model.Receipt{
		ID:             uuid.New(),
		OrganizationID: orgID,
		TotalAmount:    decimal.RequireFromString("42.50"),
		Currency:       "USD",
		ReceiptDate:    time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC),
		MerchantName:   "Blue Bottle Coffee",
		Status:         model.ReceiptProcessed,
	}
	require.NoError(t, repo.SaveTransaction(txn))
	require.NoError(t, repo.SaveReceipt(receipt))
	return txn, receipt
}

func candidateFor(txn *model.Transaction, receipt *model.Receipt, confidence float64) *model.MatchCandidate {
	return &model.MatchCandidate{
		TransactionID: txn.ID,
		ReceiptID:     receipt.ID,
		Confidence:    confidence,
		Criteria: model.MatchCriteria{
			Amount:   model.CriterionResult{Matched: true, Score: 1},
			Date:     model.CriterionResult{Matched: true, Score: 1},
			Merchant: model.CriterionResult{Matched: true, Score: confidence},
			Currency: model.CriterionResult{Matched: true, Score: 1},
		},
	}
}

func TestOrchestrator_Decide(t *testing.T) {
	orgID := uuid.New()
	cfg := model.DefaultMatchingConfig(orgID)

	t.Run("auto matches above the auto threshold", func(t *testing.T) {
		orch, repo := newTestOrchestrator()
		txn, receipt := seedPair(t, repo, orgID)

		outcome, err := orch.Decide(candidateFor(txn, receipt, 0.95), cfg)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAuto, outcome)
		assert.Equal(t, 1, repo.ActivateMatchCalls)

		active, err := repo.ActiveMatchForTransaction(txn.ID)
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, receipt.ID, active.ReceiptID)
		assert.Equal(t, model.MatchAuto, active.Type)
		assert.True(t, active.Active)

		gotTxn, err := repo.GetTransaction(txn.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TransactionMatched, gotTxn.Status)
		gotReceipt, err := repo.GetReceipt(receipt.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ReceiptMatched, gotReceipt.Status)

		entries := repo.AuditEntries()
		require.Len(t, entries, 1)
		assert.Equal(t, model.AuditActivated, entries[0].Action)
		assert.Nil(t, entries[0].PrevReceiptID)
		require.NotNil(t, entries[0].NewReceiptID)
		assert.Equal(t, receipt.ID, *entries[0].NewReceiptID)
	})

	t.Run("suggests in the review band", func(t *testing.T) {
		orch, repo := newTestOrchestrator()
		txn, receipt := seedPair(t, repo, orgID)

		outcome, err := orch.Decide(candidateFor(txn, receipt, 0.72), cfg)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSuggested, outcome)
		assert.Zero(t, repo.ActivateMatchCalls)

		active, err := repo.ActiveMatchForTransaction(txn.ID)
		require.NoError(t, err)
		assert.Nil(t, active, "suggestions must never be active")

		suggestions, err := repo.SuggestionsForTransaction(txn.ID)
		require.NoError(t, err)
		require.Len(t, suggestions, 1)
		assert.Equal(t, model.MatchSuggested, suggestions[0].Type)

		gotTxn, err := repo.GetTransaction(txn.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TransactionSuggested, gotTxn.Status)
	})

	t.Run("currency mismatch blocks auto even at high confidence", func(t *testing.T) {
		orch, repo := newTestOrchestrator()
		txn, receipt := seedPair(t, repo, orgID)

		cand := candidateFor(txn, receipt, 0.95)
		cand.Criteria.Currency = model.CriterionResult{Matched: false, Score: 0}

		outcome, err := orch.Decide(cand, cfg)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSuggested, outcome)
		assert.Zero(t, repo.ActivateMatchCalls)
	})

	t.Run("creates nothing below the suggest threshold", func(t *testing.T) {
		orch, repo := newTestOrchestrator()
		txn, receipt := seedPair(t, repo, orgID)

		outcome, err := orch.Decide(candidateFor(txn, receipt, 0.40), cfg)
		require.NoError(t, err)
		assert.Equal(t, OutcomeNone, outcome)

		existing, err := repo.MatchForPair(txn.ID, receipt.ID)
		require.NoError(t, err)
		assert.Nil(t, existing)
		assert.Empty(t, repo.AuditEntries())
	})

	t.Run("skips a rejected pair", func(t *testing.T) {
		orch, repo := newTestOrchestrator()
		txn, receipt := seedPair(t, repo, orgID)
		require.NoError(t, repo.SaveRejection(&model.MatchRejection{
			ID:             uuid.New(),
			OrganizationID: orgID,
			TransactionID:  txn.ID,
			ReceiptID:      receipt.ID,
		}))

		outcome, err := orch.Decide(candidateFor(txn, receipt, 0.95), cfg)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSkipped, outcome)
		assert.Zero(t, repo.ActivateMatchCalls)
	})

	t.Run("skips a pair that already has a match", func(t *testing.T) {
		orch, repo := newTestOrchestrator()
		txn, receipt := seedPair(t, repo, orgID)

		first, err := orch.Decide(candidateFor(txn, receipt, 0.72), cfg)
		require.NoError(t, err)
		require.Equal(t, OutcomeSuggested, first)

		second, err := orch.Decide(candidateFor(txn, receipt, 0.95), cfg)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSkipped, second, "reprocessing the same pair is idempotent")

		suggestions, err := repo.SuggestionsForTransaction(txn.ID)
		require.NoError(t, err)
		assert.Len(t, suggestions, 1)
	})

	t.Run("reassignment deactivates the previous active match", func(t *testing.T) {
		orch, repo := newTestOrchestrator()
		txn, receiptA := seedPair(t, repo, orgID)
		receiptB := &model.Receipt{
			ID:             uuid.New(),
			OrganizationID: orgID,
			TotalAmount:    decimal.RequireFromString("42.50"),
			Currency:       "USD",
			ReceiptDate:    txn.TransactionDate,
			MerchantName:   "Blue Bottle Coffee",
			Status:         model.ReceiptProcessed,
		}
		require.NoError(t, repo.SaveReceipt(receiptB))

		_, err := orch.Decide(candidateFor(txn, receiptA, 0.95), cfg)
		require.NoError(t, err)
		prev, err := repo.ActiveMatchForTransaction(txn.ID)
		require.NoError(t, err)
		require.NotNil(t, prev)

		outcome, err := orch.Decide(candidateFor(txn, receiptB, 0.97), cfg)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAuto, outcome)

		active, err := repo.ActiveMatchForTransaction(txn.ID)
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, receiptB.ID, active.ReceiptID)

		stale, err := repo.GetMatch(prev.ID)
		require.NoError(t, err)
		assert.False(t, stale.Active)

		entries := repo.AuditEntries()
		last := entries[len(entries)-1]
		assert.Equal(t, model.AuditActivated, last.Action)
		require.NotNil(t, last.PrevReceiptID)
		assert.Equal(t, receiptA.ID, *last.PrevReceiptID)
	})
}

func TestOrchestrator_Decide_ConflictDowngradesToSuggestion(t *testing.T) {
	orgID := uuid.New()
	cfg := model.DefaultMatchingConfig(orgID)
	orch, repo := newTestOrchestrator()
	txn, receipt := seedPair(t, repo, orgID)

	// Every activation loses the race; after the retry the pair must
	// surface for review instead of erroring out.
	repo.ActivateMatchErr = model.ErrConcurrencyConflict

	outcome, err := orch.Decide(candidateFor(txn, receipt, 0.95), cfg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuggested, outcome)
	assert.Equal(t, 2, repo.ActivateMatchCalls, "one retry and no more")

	suggestions, err := repo.SuggestionsForTransaction(txn.ID)
	require.NoError(t, err)
	assert.Len(t, suggestions, 1)
}

func TestOrchestrator_Decide_RepositoryError(t *testing.T) {
	orgID := uuid.New()
	cfg := model.DefaultMatchingConfig(orgID)
	orch, repo := newTestOrchestrator()
	txn, receipt := seedPair(t, repo, orgID)

	repo.ActivateMatchErr = assert.AnError

	outcome, err := orch.Decide(candidateFor(txn, receipt, 0.95), cfg)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, OutcomeNone, outcome)
}

func TestOrchestrator_ProcessBatch(t *testing.T) {
	orgID := uuid.New()
	cfg := model.DefaultMatchingConfig(orgID)

	t.Run("one receipt goes to the highest-confidence transaction", func(t *testing.T) {
		orch, repo := newTestOrchestrator()
		txnA, receipt := seedPair(t, repo, orgID)
		txnB, _ := seedPair(t, repo, orgID)

		cands := []*model.MatchCandidate{
			candidateFor(txnB, receipt, 0.92),
			candidateFor(txnA, receipt, 0.97),
		}

		stats, err := orch.ProcessBatch(context.Background(), cands, cfg)
		require.NoError(t, err)
		assert.Equal(t, BatchStats{Evaluated: 2, AutoMatched: 1, Skipped: 1}, stats)

		active, err := repo.ActiveMatchForTransaction(txnA.ID)
		require.NoError(t, err)
		require.NotNil(t, active, "the stronger candidate wins the receipt")
		assert.Equal(t, receipt.ID, active.ReceiptID)

		loser, err := repo.ActiveMatchForTransaction(txnB.ID)
		require.NoError(t, err)
		assert.Nil(t, loser)
	})

	t.Run("counts every outcome kind", func(t *testing.T) {
		orch, repo := newTestOrchestrator()
		autoTxn, autoReceipt := seedPair(t, repo, orgID)
		suggTxn, suggReceipt := seedPair(t, repo, orgID)
		weakTxn, weakReceipt := seedPair(t, repo, orgID)
		rejTxn, rejReceipt := seedPair(t, repo, orgID)
		require.NoError(t, repo.SaveRejection(&model.MatchRejection{
			ID:             uuid.New(),
			OrganizationID: orgID,
			TransactionID:  rejTxn.ID,
			ReceiptID:      rejReceipt.ID,
		}))

		cands := []*model.MatchCandidate{
			candidateFor(autoTxn, autoReceipt, 0.95),
			candidateFor(suggTxn, suggReceipt, 0.70),
			candidateFor(weakTxn, weakReceipt, 0.35),
			candidateFor(rejTxn, rejReceipt, 0.95),
		}

		stats, err := orch.ProcessBatch(context.Background(), cands, cfg)
		require.NoError(t, err)
		assert.Equal(t, BatchStats{Evaluated: 4, AutoMatched: 1, Suggested: 1, Skipped: 1}, stats)
	})

	t.Run("counts repository failures without aborting the batch", func(t *testing.T) {
		orch, repo := newTestOrchestrator()
		txnA, receiptA := seedPair(t, repo, orgID)
		txnB, receiptB := seedPair(t, repo, orgID)

		repo.ActivateMatchErr = assert.AnError

		cands := []*model.MatchCandidate{
			candidateFor(txnA, receiptA, 0.95),
			candidateFor(txnB, receiptB, 0.70),
		}

		stats, err := orch.ProcessBatch(context.Background(), cands, cfg)
		require.NoError(t, err)
		assert.Equal(t, BatchStats{Evaluated: 2, Suggested: 1, Errored: 1}, stats)
	})

	t.Run("stops between pairs when cancelled", func(t *testing.T) {
		orch, repo := newTestOrchestrator()
		txn, receipt := seedPair(t, repo, orgID)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		stats, err := orch.ProcessBatch(ctx, []*model.MatchCandidate{candidateFor(txn, receipt, 0.95)}, cfg)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, stats.Evaluated)
		assert.Zero(t, repo.ActivateMatchCalls)
	})
}
