package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/g-caf/receipt-match-backend/internal/domain/candidates"
	"github.com/g-caf/receipt-match-backend/internal/domain/model"
	"github.com/g-caf/receipt-match-backend/internal/infrastructure/storage"
)

// Service implements the matching operations exposed to collaborators:
// auto-match runs, suggestions, confirm/reject, unmatched listings,
// metrics, and config updates.
type Service struct {
	repo         storage.Repository
	generator    *candidates.Generator
	orchestrator *Orchestrator
	configs      *ConfigCache
	logger       *slog.Logger
}

// NewService wires the matching pipeline together.
func NewService(repo storage.Repository, generator *candidates.Generator, orchestrator *Orchestrator, configs *ConfigCache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:         repo,
		generator:    generator,
		orchestrator: orchestrator,
		configs:      configs,
		logger:       logger,
	}
}

// AutoMatchResult is the outcome of one immediate auto-match run.
type AutoMatchResult struct {
	Candidates []*model.MatchCandidate `json:"candidates"`
	Stats      BatchStats              `json:"stats"`
}

// RunAutoMatch generates candidates for every given transaction (or, when
// none are passed, the organization's unmatched backlog bounded by
// daysBack) and commits them under the greedy batch policy.
func (s *Service) RunAutoMatch(ctx context.Context, orgID uuid.UUID, txns []*model.Transaction, daysBack int) (*AutoMatchResult, error) {
	cfg, err := s.configs.Get(orgID)
	if err != nil {
		return nil, err
	}

	if len(txns) == 0 {
		txns, err = s.repo.UnmatchedTransactions(orgID, storage.UnmatchedFilters{DaysBack: daysBack, Limit: 1000})
		if err != nil {
			return nil, err
		}
	}

	var all []*model.MatchCandidate
	for _, txn := range txns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cands, err := s.generator.ForTransaction(ctx, txn, cfg)
		if err != nil {
			if errors.Is(err, model.ErrValidation) {
				s.logger.Warn("skipping invalid transaction", "transaction_id", txn.ID, "error", err)
				continue
			}
			return nil, err
		}
		all = append(all, cands...)
	}

	stats, err := s.orchestrator.ProcessBatch(ctx, all, cfg)
	if err != nil {
		return nil, err
	}

	s.logger.Info("auto-match run complete",
		"org_id", orgID,
		"transactions", len(txns),
		"candidates", len(all),
		"auto_matched", stats.AutoMatched,
		"suggested", stats.Suggested,
	)
	return &AutoMatchResult{Candidates: all, Stats: stats}, nil
}

// RunForItem generates and commits candidates for a single transaction or
// receipt.
func (s *Service) RunForItem(ctx context.Context, orgID, itemID uuid.UUID, itemType string) (*AutoMatchResult, error) {
	cfg, err := s.configs.Get(orgID)
	if err != nil {
		return nil, err
	}

	var cands []*model.MatchCandidate
	switch itemType {
	case "transaction":
		txn, err := s.repo.GetTransaction(itemID)
		if err != nil {
			return nil, err
		}
		if cands, err = s.generator.ForTransaction(ctx, txn, cfg); err != nil {
			return nil, err
		}
	case "receipt":
		receipt, err := s.repo.GetReceipt(itemID)
		if err != nil {
			return nil, err
		}
		if cands, err = s.generator.ForReceipt(ctx, receipt, cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: item type %q", model.ErrValidation, itemType)
	}

	stats, err := s.orchestrator.ProcessBatch(ctx, cands, cfg)
	if err != nil {
		return nil, err
	}
	return &AutoMatchResult{Candidates: cands, Stats: stats}, nil
}

// GetSuggestions returns ranked candidates for one unmatched item without
// committing anything.
func (s *Service) GetSuggestions(ctx context.Context, orgID, itemID uuid.UUID, itemType string) ([]*model.MatchCandidate, error) {
	cfg, err := s.configs.Get(orgID)
	if err != nil {
		return nil, err
	}

	switch itemType {
	case "transaction":
		txn, err := s.repo.GetTransaction(itemID)
		if err != nil {
			return nil, err
		}
		return s.generator.ForTransaction(ctx, txn, cfg)
	case "receipt":
		receipt, err := s.repo.GetReceipt(itemID)
		if err != nil {
			return nil, err
		}
		return s.generator.ForReceipt(ctx, receipt, cfg)
	default:
		return nil, fmt.Errorf("%w: item type %q", model.ErrValidation, itemType)
	}
}

// ConfirmMatch turns a suggestion into the transaction's active match, or
// re-affirms an auto match as reviewed. The activation is the same CAS used
// by auto matching, so confirming can never produce a second active match.
func (s *Service) ConfirmMatch(matchID, userID uuid.UUID) (*model.Match, error) {
	m, err := s.repo.GetMatch(matchID)
	if err != nil {
		return nil, err
	}

	if m.Active {
		// Already active: just record the review.
		m.Type = model.MatchReviewed
		m.MatchedBy = userID
		if err := s.repo.UpdateMatch(m); err != nil {
			return nil, err
		}
		if err := s.repo.AppendAudit(&model.MatchAuditEntry{
			TransactionID: m.TransactionID,
			Action:        model.AuditConfirmed,
			NewReceiptID:  &m.ReceiptID,
			PerformedBy:   userID,
		}); err != nil {
			s.logger.Warn("failed to append audit entry", "match_id", m.ID, "error", err)
		}
		return m, nil
	}

	current, err := s.repo.ActiveMatchForTransaction(m.TransactionID)
	if err != nil {
		return nil, err
	}
	expected := uuid.Nil
	var prevReceipt *uuid.UUID
	if current != nil {
		expected = current.ID
		id := current.ReceiptID
		prevReceipt = &id
	}

	confirmed := &model.Match{
		ID:            uuid.New(),
		TransactionID: m.TransactionID,
		ReceiptID:     m.ReceiptID,
		Type:          model.MatchReviewed,
		Confidence:    m.Confidence,
		Criteria:      m.Criteria,
		MatchedBy:     userID,
	}
	if err := s.repo.ActivateMatch(confirmed, expected); err != nil {
		return nil, err
	}

	// Retire the suggestion record now that a confirmed match exists.
	m.Type = model.MatchReviewed
	m.MatchedBy = userID
	if err := s.repo.UpdateMatch(m); err != nil && !errors.Is(err, model.ErrConcurrencyConflict) {
		s.logger.Warn("failed to retire suggestion", "match_id", m.ID, "error", err)
	}

	if err := s.repo.AppendAudit(&model.MatchAuditEntry{
		TransactionID: confirmed.TransactionID,
		Action:        model.AuditConfirmed,
		PrevReceiptID: prevReceipt,
		NewReceiptID:  &confirmed.ReceiptID,
		PerformedBy:   userID,
	}); err != nil {
		s.logger.Warn("failed to append audit entry", "match_id", confirmed.ID, "error", err)
	}
	if err := s.repo.UpdateTransactionStatus(confirmed.TransactionID, model.TransactionMatched); err != nil {
		s.logger.Warn("failed to update transaction status", "transaction_id", confirmed.TransactionID, "error", err)
	}
	if err := s.repo.UpdateReceiptStatus(confirmed.ReceiptID, model.ReceiptMatched); err != nil {
		s.logger.Warn("failed to update receipt status", "receipt_id", confirmed.ReceiptID, "error", err)
	}
	return confirmed, nil
}

// RejectMatch marks a match rejected, records the rejection so the pair is
// never re-suggested, and optionally promotes a user-supplied correction to
// a manual match.
func (s *Service) RejectMatch(matchID, userID uuid.UUID, reason string, correction *model.FeedbackCorrection) error {
	m, err := s.repo.GetMatch(matchID)
	if err != nil {
		return err
	}
	txn, err := s.repo.GetTransaction(m.TransactionID)
	if err != nil {
		return err
	}

	wasActive := m.Active
	m.Type = model.MatchRejected
	m.Active = false
	m.MatchedBy = userID
	if err := s.repo.UpdateMatch(m); err != nil {
		return err
	}

	var correctedReceipt *uuid.UUID
	if correction != nil {
		id := correction.ReceiptID
		correctedReceipt = &id
	}
	if err := s.repo.SaveRejection(&model.MatchRejection{
		ID:                 uuid.New(),
		OrganizationID:     txn.OrganizationID,
		TransactionID:      m.TransactionID,
		ReceiptID:          m.ReceiptID,
		OriginalConfidence: m.Confidence,
		Reason:             reason,
		CorrectedReceiptID: correctedReceipt,
		RejectedBy:         userID,
	}); err != nil {
		return err
	}

	if err := s.repo.AppendAudit(&model.MatchAuditEntry{
		TransactionID: m.TransactionID,
		Action:        model.AuditRejected,
		PrevReceiptID: &m.ReceiptID,
		PerformedBy:   userID,
		Reason:        reason,
	}); err != nil {
		s.logger.Warn("failed to append audit entry", "match_id", m.ID, "error", err)
	}

	if wasActive {
		if err := s.repo.UpdateTransactionStatus(m.TransactionID, model.TransactionUnmatched); err != nil {
			s.logger.Warn("failed to reset transaction status", "transaction_id", m.TransactionID, "error", err)
		}
		if err := s.repo.UpdateReceiptStatus(m.ReceiptID, model.ReceiptProcessed); err != nil {
			s.logger.Warn("failed to reset receipt status", "receipt_id", m.ReceiptID, "error", err)
		}
	}

	if correction != nil {
		if err := s.promoteCorrection(correction, userID); err != nil {
			s.logger.Warn("failed to promote correction", "match_id", matchID, "error", err)
		}
	}
	return nil
}

// promoteCorrection creates a manual match for the user-identified correct
// pair.
func (s *Service) promoteCorrection(correction *model.FeedbackCorrection, userID uuid.UUID) error {
	current, err := s.repo.ActiveMatchForTransaction(correction.TransactionID)
	if err != nil {
		return err
	}
	expected := uuid.Nil
	if current != nil {
		if current.ReceiptID == correction.ReceiptID {
			return nil // already matched to the corrected receipt
		}
		expected = current.ID
	}
	m := &model.Match{
		ID:            uuid.New(),
		TransactionID: correction.TransactionID,
		ReceiptID:     correction.ReceiptID,
		Type:          model.MatchManual,
		Confidence:    1.0,
		MatchedBy:     userID,
	}
	if err := s.repo.ActivateMatch(m, expected); err != nil {
		return err
	}
	if err := s.repo.AppendAudit(&model.MatchAuditEntry{
		TransactionID: m.TransactionID,
		Action:        model.AuditActivated,
		NewReceiptID:  &m.ReceiptID,
		PerformedBy:   userID,
		Reason:        "user correction",
	}); err != nil {
		s.logger.Warn("failed to append audit entry", "match_id", m.ID, "error", err)
	}
	return nil
}

// UnmatchedItems is the ListUnmatched result.
type UnmatchedItems struct {
	Transactions []*model.Transaction `json:"transactions"`
	Receipts     []*model.Receipt     `json:"receipts"`
}

// ListUnmatched returns items with no active match.
func (s *Service) ListUnmatched(orgID uuid.UUID, filters storage.UnmatchedFilters) (*UnmatchedItems, error) {
	txns, err := s.repo.UnmatchedTransactions(orgID, filters)
	if err != nil {
		return nil, err
	}
	receipts, err := s.repo.UnmatchedReceipts(orgID, filters)
	if err != nil {
		return nil, err
	}
	return &UnmatchedItems{Transactions: txns, Receipts: receipts}, nil
}

// Metrics returns aggregate outcomes for the trailing period.
func (s *Service) Metrics(orgID uuid.UUID, days int) (*model.MatchingMetrics, error) {
	if days <= 0 {
		days = 30
	}
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -days)
	return s.repo.MetricsForPeriod(orgID, from, to)
}

// GetConfig returns the organization's current config, seeding defaults on
// first touch.
func (s *Service) GetConfig(orgID uuid.UUID) (*model.MatchingConfig, error) {
	return s.configs.Get(orgID)
}

// ConfigPatch carries a partial config update; nil fields keep their
// current value.
type ConfigPatch struct {
	AmountTolerancePercent *float64
	AmountToleranceFixed   *float64
	DateWindowDays         *int
	MerchantSimilarityMin  *float64
	LocationRadiusKM       *float64
	AutoMatchThreshold     *float64
	SuggestThreshold       *float64
	Weights                *model.ConfidenceWeights
	MaxCandidates          *int
	LearningEnabled        *bool
}

// UpdateConfig applies a partial update, validates the result, and
// publishes a new immutable snapshot. An invalid patch leaves the prior
// config in place and returns the specific violation.
func (s *Service) UpdateConfig(orgID uuid.UUID, patch ConfigPatch) (*model.MatchingConfig, error) {
	current, err := s.configs.Get(orgID)
	if err != nil {
		return nil, err
	}

	next := *current // copy; never mutate the published snapshot
	if patch.AmountTolerancePercent != nil {
		next.AmountTolerancePercent = *patch.AmountTolerancePercent
	}
	if patch.AmountToleranceFixed != nil {
		next.AmountToleranceFixed = decimal.NewFromFloat(*patch.AmountToleranceFixed)
	}
	if patch.DateWindowDays != nil {
		next.DateWindowDays = *patch.DateWindowDays
	}
	if patch.MerchantSimilarityMin != nil {
		next.MerchantSimilarityMin = *patch.MerchantSimilarityMin
	}
	if patch.LocationRadiusKM != nil {
		next.LocationRadiusKM = *patch.LocationRadiusKM
	}
	if patch.AutoMatchThreshold != nil {
		next.AutoMatchThreshold = *patch.AutoMatchThreshold
	}
	if patch.SuggestThreshold != nil {
		next.SuggestThreshold = *patch.SuggestThreshold
	}
	if patch.Weights != nil {
		next.Weights = *patch.Weights
	}
	if patch.MaxCandidates != nil {
		next.MaxCandidates = *patch.MaxCandidates
	}
	if patch.LearningEnabled != nil {
		next.LearningEnabled = *patch.LearningEnabled
	}
	next.Version = current.Version + 1

	if err := s.configs.Publish(&next); err != nil {
		return nil, err
	}
	s.logger.Info("matching config updated", "org_id", orgID, "version", next.Version)
	return &next, nil
}
