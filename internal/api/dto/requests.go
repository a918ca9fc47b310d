package dto

// RunAutoMatchRequest starts an immediate auto-match pass.
type RunAutoMatchRequest struct {
	OrganizationID string   `json:"organization_id"`
	TransactionIDs []string `json:"transaction_ids,omitempty"`
	DaysBack       int      `json:"days_back,omitempty"`
}

// ConfirmMatchRequest confirms a suggested match.
type ConfirmMatchRequest struct {
	UserID string `json:"user_id"`
}

// RejectMatchRequest rejects a match, optionally naming the correct pair.
type RejectMatchRequest struct {
	UserID     string             `json:"user_id"`
	Reason     string             `json:"reason,omitempty"`
	Correction *CorrectionRequest `json:"correction,omitempty"`
}

// CorrectionRequest identifies the actual correct pairing.
type CorrectionRequest struct {
	TransactionID string `json:"transaction_id"`
	ReceiptID     string `json:"receipt_id"`
}

// SubmitFeedbackRequest records a user verdict on a match.
type SubmitFeedbackRequest struct {
	MatchID    string             `json:"match_id"`
	WasCorrect bool               `json:"was_correct"`
	Correction *CorrectionRequest `json:"correction,omitempty"`
	UserID     string             `json:"user_id"`
	Notes      string             `json:"notes,omitempty"`
}

// SubmitJobRequest queues a matching job.
type SubmitJobRequest struct {
	OrganizationID string `json:"organization_id"`
	Kind           string `json:"kind"` // "single", "bulk", "reprocess"
	ItemID         string `json:"item_id,omitempty"`
	ItemType       string `json:"item_type,omitempty"`
	DaysBack       int    `json:"days_back,omitempty"`
}

// UpdateConfigRequest is a partial config update; omitted fields keep
// their current value.
type UpdateConfigRequest struct {
	AmountTolerancePercent *float64        `json:"amount_tolerance_percent,omitempty"`
	AmountToleranceFixed   *float64        `json:"amount_tolerance_fixed,omitempty"`
	DateWindowDays         *int            `json:"date_window_days,omitempty"`
	MerchantSimilarityMin  *float64        `json:"merchant_similarity_min,omitempty"`
	LocationRadiusKM       *float64        `json:"location_radius_km,omitempty"`
	AutoMatchThreshold     *float64        `json:"auto_match_threshold,omitempty"`
	SuggestThreshold       *float64        `json:"suggest_threshold,omitempty"`
	Weights                *WeightsPayload `json:"weights,omitempty"`
	MaxCandidates          *int            `json:"max_candidates,omitempty"`
	LearningEnabled        *bool           `json:"learning_enabled,omitempty"`
}

// WeightsPayload carries the six criterion weights.
type WeightsPayload struct {
	Amount   float64 `json:"amount"`
	Date     float64 `json:"date"`
	Merchant float64 `json:"merchant"`
	Location float64 `json:"location"`
	User     float64 `json:"user"`
	Currency float64 `json:"currency"`
}
