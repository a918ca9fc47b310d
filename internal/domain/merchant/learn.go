package merchant

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/g-caf/receipt-match-backend/internal/domain/model"
)

// MappingStore extends MappingLookup with writes. Implemented by the
// storage layer.
type MappingStore interface {
	MappingLookup
	SaveMapping(mapping *model.MerchantMapping) error
	DeleteMapping(id uuid.UUID) error
}

const (
	initialMappingConfidence = 0.70
	reinforceStep            = 0.05
	maxMappingConfidence     = 0.99
)

// Learner grows organization-scoped merchant mappings from feedback.
type Learner struct {
	store MappingStore
	now   func() time.Time
}

// NewLearner creates a Learner backed by the given store.
func NewLearner(store MappingStore) *Learner {
	return &Learner{store: store, now: time.Now}
}

// Learn records that two raw merchant names refer (or do not refer) to the
// same merchant. On positive feedback both names are merged into one
// mapping under canonicalName, increasing its usage count. Negative
// feedback never deletes mappings: a single bad label must not discard
// accumulated training data.
func (l *Learner) Learn(orgID uuid.UUID, rawName1, rawName2 string, shouldMatch bool, canonicalName string) error {
	if !shouldMatch {
		return nil
	}

	n1 := Normalize(rawName1)
	n2 := Normalize(rawName2)
	if n1 == "" || n2 == "" {
		return fmt.Errorf("%w: merchant names normalize to empty", model.ErrValidation)
	}

	first, err := l.store.FindMappingByVariant(orgID, n1)
	if err != nil {
		return err
	}
	second, err := l.store.FindMappingByVariant(orgID, n2)
	if err != nil {
		return err
	}

	// When the two names already live in different mappings this feedback
	// says they are the same merchant: the second mapping is absorbed
	// into the first rather than losing a variant to INSERT OR REPLACE.
	var existing, absorbed *model.MerchantMapping
	switch {
	case first == nil:
		existing = second
	case second == nil || second.ID == first.ID:
		existing = first
	default:
		existing, absorbed = first, second
	}

	now := l.now()
	if existing == nil {
		canonical := canonicalName
		if canonical == "" {
			// Receipt-side names are usually the cleaner spelling;
			// default to the shorter normalized form.
			canonical = n1
			if len(n2) < len(n1) {
				canonical = n2
			}
		}
		existing = &model.MerchantMapping{
			ID:             uuid.New(),
			OrganizationID: orgID,
			CanonicalName:  canonical,
			Confidence:     initialMappingConfidence,
			UsageCount:     0,
			CreatedAt:      now,
		}
	}

	if canonicalName != "" {
		existing.CanonicalName = canonicalName
	}
	if absorbed != nil {
		for _, v := range absorbed.Variants {
			if !existing.HasVariant(v) {
				existing.Variants = append(existing.Variants, v)
			}
		}
		existing.UsageCount += absorbed.UsageCount
		if absorbed.Confidence > existing.Confidence {
			existing.Confidence = absorbed.Confidence
		}
		existing.Verified = existing.Verified || absorbed.Verified
	}
	for _, n := range []string{n1, n2} {
		if !existing.HasVariant(n) {
			existing.Variants = append(existing.Variants, n)
		}
	}
	existing.UsageCount++
	existing.LastUsedAt = now
	existing.Confidence += reinforceStep
	if existing.Confidence > maxMappingConfidence {
		existing.Confidence = maxMappingConfidence
	}

	if err := l.store.SaveMapping(existing); err != nil {
		return err
	}
	if absorbed != nil {
		return l.store.DeleteMapping(absorbed.ID)
	}
	return nil
}
