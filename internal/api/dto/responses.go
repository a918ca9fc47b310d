package dto

import "time"

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// NewHealthResponse creates a healthy response with the current time.
func NewHealthResponse() HealthResponse {
	return HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// CriterionResponse is one criterion's contribution to a score.
type CriterionResponse struct {
	Matched    bool    `json:"matched"`
	Difference float64 `json:"difference,omitempty"`
	Score      float64 `json:"score"`
}

// CriteriaResponse breaks a confidence score down per criterion.
type CriteriaResponse struct {
	Amount   CriterionResponse `json:"amount"`
	Date     CriterionResponse `json:"date"`
	Merchant CriterionResponse `json:"merchant"`
	Location CriterionResponse `json:"location"`
	User     CriterionResponse `json:"user"`
	Currency CriterionResponse `json:"currency"`
}

// CandidateResponse is one scored transaction/receipt pairing.
type CandidateResponse struct {
	TransactionID string           `json:"transaction_id"`
	ReceiptID     string           `json:"receipt_id"`
	Confidence    float64          `json:"confidence"`
	Criteria      CriteriaResponse `json:"criteria"`
	Reasons       []string         `json:"reasons,omitempty"`
	Warnings      []string         `json:"warnings,omitempty"`
}

// MatchResponse is one persisted match.
type MatchResponse struct {
	ID            string           `json:"id"`
	TransactionID string           `json:"transaction_id"`
	ReceiptID     string           `json:"receipt_id"`
	Type          string           `json:"type"`
	Confidence    float64          `json:"confidence"`
	Criteria      CriteriaResponse `json:"criteria"`
	Active        bool             `json:"active"`
	MatchedBy     string           `json:"matched_by,omitempty"`
	CreatedAt     string           `json:"created_at"`
}

// BatchStatsResponse summarizes one auto-match run.
type BatchStatsResponse struct {
	Evaluated   int `json:"evaluated"`
	AutoMatched int `json:"auto_matched"`
	Suggested   int `json:"suggested"`
	Skipped     int `json:"skipped"`
	Errored     int `json:"errored"`
}

// AutoMatchResponse is returned from an immediate auto-match run.
type AutoMatchResponse struct {
	Candidates []CandidateResponse `json:"candidates"`
	Stats      BatchStatsResponse  `json:"stats"`
}

// SuggestionsResponse lists ranked candidates for one item.
type SuggestionsResponse struct {
	ItemID      string              `json:"item_id"`
	ItemType    string              `json:"item_type"`
	Suggestions []CandidateResponse `json:"suggestions"`
	Count       int                 `json:"count"`
}

// TransactionResponse represents a transaction in API responses.
type TransactionResponse struct {
	ID           string  `json:"id"`
	Amount       string  `json:"amount"`
	Currency     string  `json:"currency"`
	Date         string  `json:"date"`
	Description  string  `json:"description,omitempty"`
	MerchantName string  `json:"merchant_name,omitempty"`
	Status       string  `json:"status"`
}

// ReceiptResponse represents a receipt in API responses.
type ReceiptResponse struct {
	ID           string `json:"id"`
	MerchantName string `json:"merchant_name,omitempty"`
	TotalAmount  string `json:"total_amount"`
	Currency     string `json:"currency"`
	Date         string `json:"date"`
	Status       string `json:"status"`
}

// UnmatchedResponse lists items with no active match.
type UnmatchedResponse struct {
	Transactions []TransactionResponse `json:"transactions"`
	Receipts     []ReceiptResponse     `json:"receipts"`
}

// JobResponse represents a matching job.
type JobResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	Total       int    `json:"total"`
	Processed   int    `json:"processed"`
	AutoMatched int    `json:"auto_matched"`
	Suggested   int    `json:"suggested"`
	Skipped     int    `json:"skipped"`
	Errored     int    `json:"errored"`
	LastError   string `json:"last_error,omitempty"`
	CreatedAt   string `json:"created_at"`
	StartedAt   string `json:"started_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// JobListResponse lists jobs.
type JobListResponse struct {
	Jobs  []JobResponse `json:"jobs"`
	Count int           `json:"count"`
}

// MetricsResponse summarizes matching outcomes over a period.
type MetricsResponse struct {
	PeriodStart     string  `json:"period_start"`
	PeriodEnd       string  `json:"period_end"`
	AutoMatches     int     `json:"auto_matches"`
	Suggestions     int     `json:"suggestions"`
	ManualMatches   int     `json:"manual_matches"`
	Rejections      int     `json:"rejections"`
	AvgConfidence   float64 `json:"avg_confidence"`
	UnmatchedTxns   int     `json:"unmatched_transactions"`
	UnmatchedAmount string  `json:"unmatched_amount"`
	UnmatchedRcpts  int     `json:"unmatched_receipts"`
}

// ConfigResponse is the organization's matching configuration.
type ConfigResponse struct {
	OrganizationID         string         `json:"organization_id"`
	AmountTolerancePercent float64        `json:"amount_tolerance_percent"`
	AmountToleranceFixed   string         `json:"amount_tolerance_fixed"`
	DateWindowDays         int            `json:"date_window_days"`
	MerchantSimilarityMin  float64        `json:"merchant_similarity_min"`
	LocationRadiusKM       float64        `json:"location_radius_km"`
	AutoMatchThreshold     float64        `json:"auto_match_threshold"`
	SuggestThreshold       float64        `json:"suggest_threshold"`
	Weights                WeightsPayload `json:"weights"`
	MaxCandidates          int            `json:"max_candidates"`
	LearningEnabled        bool           `json:"learning_enabled"`
	Version                int64          `json:"version"`
}
