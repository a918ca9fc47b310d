package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MatchType classifies how a match came to exist.
type MatchType string

const (
	// MatchAuto was committed without human review.
	MatchAuto MatchType = "auto"
	// MatchSuggested is surfaced for manual review; never active on its own.
	MatchSuggested MatchType = "suggested"
	// MatchManual was created or confirmed directly by a user.
	MatchManual MatchType = "manual"
	// MatchReviewed is a confirmed suggestion.
	MatchReviewed MatchType = "reviewed"
	// MatchRejected records an explicit "these do not match" decision.
	MatchRejected MatchType = "rejected"
)

// CriterionResult is one criterion's outcome for a candidate pair.
type CriterionResult struct {
	Matched    bool
	Difference float64 // raw difference in the criterion's own unit
	Score      float64 // derived sub-score in [0,1]
}

// MatchCriteria holds the per-criterion sub-results for one evaluation.
// Recomputed per evaluation; persisted only inside a Match's audit trail.
type MatchCriteria struct {
	Amount   CriterionResult
	Date     CriterionResult
	Merchant CriterionResult
	Location CriterionResult
	User     CriterionResult
	Currency CriterionResult
}

// MatchCandidate is a scored, not-yet-committed pairing of one transaction
// and one receipt. Many candidates may exist before one is chosen.
type MatchCandidate struct {
	TransactionID uuid.UUID
	ReceiptID     uuid.UUID
	Confidence    float64 // in [0,1]
	Criteria      MatchCriteria
	Reasons       []string
	Warnings      []string
}

// AutoEligible reports whether the candidate may be committed without
// review. Currency mismatch is a hard block regardless of confidence.
func (c *MatchCandidate) AutoEligible(autoThreshold float64) bool {
	return c.Confidence >= autoThreshold && c.Criteria.Currency.Score >= 1.0
}

// Match is the persisted outcome of a matching decision. For a given
// transaction at most one Match has Active == true; reassignment
// deactivates the prior active match in the same atomic step.
type Match struct {
	ID            uuid.UUID
	TransactionID uuid.UUID
	ReceiptID     uuid.UUID
	Type          MatchType
	Confidence    float64
	Criteria      MatchCriteria
	Active        bool
	MatchedBy     uuid.UUID // nil UUID for system-created matches
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Version       int64 // optimistic concurrency token for activation
}

// MatchRejection records a "these do not match" decision with the original
// confidence and, optionally, the corrected pair. Consulted to avoid
// re-suggesting the same wrong pairing.
type MatchRejection struct {
	ID                 uuid.UUID
	OrganizationID     uuid.UUID
	TransactionID      uuid.UUID
	ReceiptID          uuid.UUID
	OriginalConfidence float64
	Reason             string
	CorrectedReceiptID *uuid.UUID
	RejectedBy         uuid.UUID
	CreatedAt          time.Time
}

// AuditAction enumerates the audited match state transitions.
type AuditAction string

const (
	AuditActivated   AuditAction = "activated"
	AuditDeactivated AuditAction = "deactivated"
	AuditSuggested   AuditAction = "suggested"
	AuditConfirmed   AuditAction = "confirmed"
	AuditRejected    AuditAction = "rejected"
)

// MatchAuditEntry is one row of the match audit trail.
type MatchAuditEntry struct {
	ID            uuid.UUID
	TransactionID uuid.UUID
	Action        AuditAction
	PrevReceiptID *uuid.UUID
	NewReceiptID  *uuid.UUID
	PerformedBy   uuid.UUID
	Reason        string
	CreatedAt     time.Time
}

// MatchingMetrics aggregates per-organization outcomes over a period.
type MatchingMetrics struct {
	OrganizationID  uuid.UUID
	PeriodStart     time.Time
	PeriodEnd       time.Time
	AutoMatches     int
	Suggestions     int
	ManualMatches   int
	Rejections      int
	AvgConfidence   float64
	FeedbackTotal   int
	FeedbackCorrect int
	UnmatchedTxns   int
	UnmatchedAmount decimal.Decimal
	UnmatchedRcpts  int
}
