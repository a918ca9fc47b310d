// Package matching turns scored candidates into persisted match state.
//
// The orchestrator owns the decision thresholds and the system's most
// safety-critical invariant: a transaction never carries two simultaneously
// active matches. Activation is a compare-and-swap against the stored
// active match; a losing writer retries its decision once and then
// downgrades to a suggestion rather than failing the batch.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/g-caf/receipt-match-backend/internal/domain/model"
	"github.com/g-caf/receipt-match-backend/internal/infrastructure/storage"
)

// Outcome is the orchestrator's verdict on one candidate.
type Outcome string

const (
	OutcomeAuto      Outcome = "auto"
	OutcomeSuggested Outcome = "suggested"
	OutcomeNone      Outcome = "none"
	OutcomeSkipped   Outcome = "skipped"
)

// BatchStats summarizes one orchestration pass.
type BatchStats struct {
	Evaluated   int `json:"evaluated"`
	AutoMatched int `json:"auto_matched"`
	Suggested   int `json:"suggested"`
	Skipped     int `json:"skipped"`
	Errored     int `json:"errored"`
}

// Orchestrator applies thresholds and persists match state transitions.
type Orchestrator struct {
	repo   storage.Repository
	logger *slog.Logger
}

// NewOrchestrator creates an Orchestrator. logger may be nil.
func NewOrchestrator(repo storage.Repository, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{repo: repo, logger: logger}
}

// Decide commits one candidate:
//   - confidence at or above the auto threshold with matching currency
//     creates an active auto match,
//   - between suggest and auto (or auto blocked by the currency hard rule)
//     creates an inactive suggestion,
//   - below suggest creates nothing.
//
// Pairs with an existing non-rejected match or an explicit rejection are
// skipped, which is what makes reprocessing idempotent.
func (o *Orchestrator) Decide(cand *model.MatchCandidate, cfg *model.MatchingConfig) (Outcome, error) {
	rejected, err := o.repo.HasRejection(cand.TransactionID, cand.ReceiptID)
	if err != nil {
		return OutcomeNone, err
	}
	if rejected {
		return OutcomeSkipped, nil
	}

	existing, err := o.repo.MatchForPair(cand.TransactionID, cand.ReceiptID)
	if err != nil {
		return OutcomeNone, err
	}
	if existing != nil {
		return OutcomeSkipped, nil
	}

	switch {
	case cand.AutoEligible(cfg.AutoMatchThreshold):
		return o.commitAuto(cand)
	case cand.Confidence >= cfg.SuggestThreshold:
		// Includes auto-confidence candidates blocked by the currency
		// hard rule; they surface as suggestions at best.
		return o.commitSuggestion(cand)
	default:
		return OutcomeNone, nil
	}
}

// commitAuto activates an auto match with one retry on conflict. The second
// conflict downgrades the outcome to a suggestion.
func (o *Orchestrator) commitAuto(cand *model.MatchCandidate) (Outcome, error) {
	for attempt := 0; attempt < 2; attempt++ {
		current, err := o.repo.ActiveMatchForTransaction(cand.TransactionID)
		if err != nil {
			return OutcomeNone, err
		}
		if current != nil && current.ReceiptID == cand.ReceiptID {
			return OutcomeSkipped, nil
		}

		expected := uuid.Nil
		var prevReceipt *uuid.UUID
		if current != nil {
			expected = current.ID
			id := current.ReceiptID
			prevReceipt = &id
		}

		m := &model.Match{
			ID:            uuid.New(),
			TransactionID: cand.TransactionID,
			ReceiptID:     cand.ReceiptID,
			Type:          model.MatchAuto,
			Confidence:    cand.Confidence,
			Criteria:      cand.Criteria,
		}
		err = o.repo.ActivateMatch(m, expected)
		if errors.Is(err, model.ErrConcurrencyConflict) {
			o.logger.Warn("lost activation race, retrying decision",
				"transaction_id", cand.TransactionID, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return OutcomeNone, err
		}

		o.recordActivation(m, prevReceipt, "auto match")
		return OutcomeAuto, nil
	}

	// Two conflicts in a row: another writer owns this transaction right
	// now. Surface the pair for review instead of fighting over it.
	o.logger.Warn("activation conflicted twice, downgrading to suggestion",
		"transaction_id", cand.TransactionID, "receipt_id", cand.ReceiptID)
	return o.commitSuggestion(cand)
}

func (o *Orchestrator) commitSuggestion(cand *model.MatchCandidate) (Outcome, error) {
	m := &model.Match{
		ID:            uuid.New(),
		TransactionID: cand.TransactionID,
		ReceiptID:     cand.ReceiptID,
		Type:          model.MatchSuggested,
		Confidence:    cand.Confidence,
		Criteria:      cand.Criteria,
	}
	if err := o.repo.CreateSuggestion(m); err != nil {
		return OutcomeNone, err
	}
	receiptID := cand.ReceiptID
	if err := o.repo.AppendAudit(&model.MatchAuditEntry{
		TransactionID: cand.TransactionID,
		Action:        model.AuditSuggested,
		NewReceiptID:  &receiptID,
		Reason:        fmt.Sprintf("confidence %.2f", cand.Confidence),
	}); err != nil {
		o.logger.Warn("failed to append audit entry", "match_id", m.ID, "error", err)
	}
	if err := o.repo.UpdateTransactionStatus(cand.TransactionID, model.TransactionSuggested); err != nil {
		o.logger.Warn("failed to flag transaction as suggested", "transaction_id", cand.TransactionID, "error", err)
	}
	return OutcomeSuggested, nil
}

// ProcessBatch runs the greedy conflict policy over a whole batch of
// candidates: highest confidence first across the batch, with each receipt
// and transaction consumed by at most one auto match in the run. Ordering
// ties break on transaction then receipt ID so a fixed candidate set always
// produces the same outcome.
func (o *Orchestrator) ProcessBatch(ctx context.Context, cands []*model.MatchCandidate, cfg *model.MatchingConfig) (BatchStats, error) {
	ordered := make([]*model.MatchCandidate, len(cands))
	copy(ordered, cands)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Confidence != ordered[j].Confidence {
			return ordered[i].Confidence > ordered[j].Confidence
		}
		if ordered[i].TransactionID != ordered[j].TransactionID {
			return ordered[i].TransactionID.String() < ordered[j].TransactionID.String()
		}
		return ordered[i].ReceiptID.String() < ordered[j].ReceiptID.String()
	})

	stats := BatchStats{}
	usedReceipts := make(map[uuid.UUID]bool)
	usedTransactions := make(map[uuid.UUID]bool)

	for _, cand := range ordered {
		// Cancellation takes effect between pairs, never mid-pair.
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Evaluated++

		if usedReceipts[cand.ReceiptID] || usedTransactions[cand.TransactionID] {
			stats.Skipped++
			continue
		}

		outcome, err := o.Decide(cand, cfg)
		if err != nil {
			stats.Errored++
			o.logger.Error("candidate decision failed",
				"transaction_id", cand.TransactionID,
				"receipt_id", cand.ReceiptID,
				"error", err)
			continue
		}

		switch outcome {
		case OutcomeAuto:
			stats.AutoMatched++
			usedReceipts[cand.ReceiptID] = true
			usedTransactions[cand.TransactionID] = true
		case OutcomeSuggested:
			stats.Suggested++
		case OutcomeSkipped:
			stats.Skipped++
		}
	}

	return stats, nil
}

func (o *Orchestrator) recordActivation(m *model.Match, prevReceipt *uuid.UUID, reason string) {
	receiptID := m.ReceiptID
	if err := o.repo.AppendAudit(&model.MatchAuditEntry{
		TransactionID: m.TransactionID,
		Action:        model.AuditActivated,
		PrevReceiptID: prevReceipt,
		NewReceiptID:  &receiptID,
		PerformedBy:   m.MatchedBy,
		Reason:        reason,
	}); err != nil {
		o.logger.Warn("failed to append audit entry", "match_id", m.ID, "error", err)
	}
	if err := o.repo.UpdateTransactionStatus(m.TransactionID, model.TransactionMatched); err != nil {
		o.logger.Warn("failed to update transaction status", "transaction_id", m.TransactionID, "error", err)
	}
	if err := o.repo.UpdateReceiptStatus(m.ReceiptID, model.ReceiptMatched); err != nil {
		o.logger.Warn("failed to update receipt status", "receipt_id", m.ReceiptID, "error", err)
	}
}
