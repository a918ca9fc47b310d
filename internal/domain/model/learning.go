package model

import (
	"time"

	"github.com/google/uuid"
)

// MerchantMapping links raw merchant string variants to an
// organization-chosen canonical name. Grows via learning feedback and is
// consulted before and after the similarity pass.
type MerchantMapping struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Variants       []string // raw names, stored normalized
	CanonicalName  string
	Category       string
	Confidence     float64
	Verified       bool
	UsageCount     int
	LastUsedAt     time.Time
	CreatedAt      time.Time
}

// HasVariant reports whether the mapping already covers the given
// normalized raw name.
func (m *MerchantMapping) HasVariant(normalized string) bool {
	for _, v := range m.Variants {
		if v == normalized {
			return true
		}
	}
	return false
}

// FeedbackCorrection identifies the actually-correct pair supplied with
// negative feedback.
type FeedbackCorrection struct {
	TransactionID uuid.UUID
	ReceiptID     uuid.UUID
}

// LearningFeedback is a write-once audit record of one user verdict on a
// match. Never mutated after creation.
type LearningFeedback struct {
	ID          uuid.UUID
	MatchID     uuid.UUID
	WasCorrect  bool
	Correction  *FeedbackCorrection
	SubmittedBy uuid.UUID
	Notes       string
	CreatedAt   time.Time
}
