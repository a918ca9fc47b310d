package handlers

import (
	"time"

	"github.com/google/uuid"

	"github.com/g-caf/receipt-match-backend/internal/api/dto"
	"github.com/g-caf/receipt-match-backend/internal/application/matching"
	"github.com/g-caf/receipt-match-backend/internal/domain/model"
	"github.com/g-caf/receipt-match-backend/internal/infrastructure/storage"
)

func toCriterionResponse(c model.CriterionResult) dto.CriterionResponse {
	return dto.CriterionResponse{
		Matched:    c.Matched,
		Difference: c.Difference,
		Score:      c.Score,
	}
}

func toCriteriaResponse(c model.MatchCriteria) dto.CriteriaResponse {
	return dto.CriteriaResponse{
		Amount:   toCriterionResponse(c.Amount),
		Date:     toCriterionResponse(c.Date),
		Merchant: toCriterionResponse(c.Merchant),
		Location: toCriterionResponse(c.Location),
		User:     toCriterionResponse(c.User),
		Currency: toCriterionResponse(c.Currency),
	}
}

func toCandidateResponse(c *model.MatchCandidate) dto.CandidateResponse {
	return dto.CandidateResponse{
		TransactionID: c.TransactionID.String(),
		ReceiptID:     c.ReceiptID.String(),
		Confidence:    c.Confidence,
		Criteria:      toCriteriaResponse(c.Criteria),
		Reasons:       c.Reasons,
		Warnings:      c.Warnings,
	}
}

func toCandidateResponses(cands []*model.MatchCandidate) []dto.CandidateResponse {
	out := make([]dto.CandidateResponse, 0, len(cands))
	for _, c := range cands {
		out = append(out, toCandidateResponse(c))
	}
	return out
}

func toMatchResponse(m *model.Match) dto.MatchResponse {
	resp := dto.MatchResponse{
		ID:            m.ID.String(),
		TransactionID: m.TransactionID.String(),
		ReceiptID:     m.ReceiptID.String(),
		Type:          string(m.Type),
		Confidence:    m.Confidence,
		Criteria:      toCriteriaResponse(m.Criteria),
		Active:        m.Active,
		CreatedAt:     m.CreatedAt.UTC().Format(time.RFC3339),
	}
	if m.MatchedBy != uuid.Nil {
		resp.MatchedBy = m.MatchedBy.String()
	}
	return resp
}

func toStatsResponse(s matching.BatchStats) dto.BatchStatsResponse {
	return dto.BatchStatsResponse{
		Evaluated:   s.Evaluated,
		AutoMatched: s.AutoMatched,
		Suggested:   s.Suggested,
		Skipped:     s.Skipped,
		Errored:     s.Errored,
	}
}

func toTransactionResponse(t *model.Transaction) dto.TransactionResponse {
	return dto.TransactionResponse{
		ID:           t.ID.String(),
		Amount:       t.Amount.String(),
		Currency:     t.Currency,
		Date:         t.TransactionDate.UTC().Format(time.RFC3339),
		Description:  t.Description,
		MerchantName: t.MerchantName,
		Status:       string(t.Status),
	}
}

func toReceiptResponse(r *model.Receipt) dto.ReceiptResponse {
	return dto.ReceiptResponse{
		ID:           r.ID.String(),
		MerchantName: r.MerchantName,
		TotalAmount:  r.TotalAmount.String(),
		Currency:     r.Currency,
		Date:         r.ReceiptDate.UTC().Format(time.RFC3339),
		Status:       string(r.Status),
	}
}

func toJobResponse(j *storage.MatchJob) dto.JobResponse {
	resp := dto.JobResponse{
		ID:          j.ID.String(),
		Kind:        string(j.Kind),
		Status:      string(j.Status),
		Attempts:    j.Attempts,
		Total:       j.Total,
		Processed:   j.Processed,
		AutoMatched: j.AutoMatched,
		Suggested:   j.Suggested,
		Skipped:     j.Skipped,
		Errored:     j.Errored,
		LastError:   j.LastError,
		CreatedAt:   j.CreatedAt.UTC().Format(time.RFC3339),
	}
	if j.StartedAt != nil {
		resp.StartedAt = j.StartedAt.UTC().Format(time.RFC3339)
	}
	if j.CompletedAt != nil {
		resp.CompletedAt = j.CompletedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func toMetricsResponse(m *model.MatchingMetrics) dto.MetricsResponse {
	return dto.MetricsResponse{
		PeriodStart:     m.PeriodStart.UTC().Format(time.RFC3339),
		PeriodEnd:       m.PeriodEnd.UTC().Format(time.RFC3339),
		AutoMatches:     m.AutoMatches,
		Suggestions:     m.Suggestions,
		ManualMatches:   m.ManualMatches,
		Rejections:      m.Rejections,
		AvgConfidence:   m.AvgConfidence,
		UnmatchedTxns:   m.UnmatchedTxns,
		UnmatchedAmount: m.UnmatchedAmount.String(),
		UnmatchedRcpts:  m.UnmatchedRcpts,
	}
}

func toConfigResponse(cfg *model.MatchingConfig) dto.ConfigResponse {
	return dto.ConfigResponse{
		OrganizationID:         cfg.OrganizationID.String(),
		AmountTolerancePercent: cfg.AmountTolerancePercent,
		AmountToleranceFixed:   cfg.AmountToleranceFixed.String(),
		DateWindowDays:         cfg.DateWindowDays,
		MerchantSimilarityMin:  cfg.MerchantSimilarityMin,
		LocationRadiusKM:       cfg.LocationRadiusKM,
		AutoMatchThreshold:     cfg.AutoMatchThreshold,
		SuggestThreshold:       cfg.SuggestThreshold,
		Weights: dto.WeightsPayload{
			Amount:   cfg.Weights.Amount,
			Date:     cfg.Weights.Date,
			Merchant: cfg.Weights.Merchant,
			Location: cfg.Weights.Location,
			User:     cfg.Weights.User,
			Currency: cfg.Weights.Currency,
		},
		MaxCandidates:   cfg.MaxCandidates,
		LearningEnabled: cfg.LearningEnabled,
		Version:         cfg.Version,
	}
}
