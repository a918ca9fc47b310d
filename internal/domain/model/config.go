package model

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ConfidenceWeights are the per-criterion coefficients of the final score.
// They must sum to 1.0; Validate enforces this at config-write time.
type ConfidenceWeights struct {
	Amount   float64 `yaml:"amount" json:"amount"`
	Date     float64 `yaml:"date" json:"date"`
	Merchant float64 `yaml:"merchant" json:"merchant"`
	Location float64 `yaml:"location" json:"location"`
	User     float64 `yaml:"user" json:"user"`
	Currency float64 `yaml:"currency" json:"currency"`
}

// Sum returns the weight total.
func (w ConfidenceWeights) Sum() float64 {
	return w.Amount + w.Date + w.Merchant + w.Location + w.User + w.Currency
}

// Normalize scales the weights so they sum to exactly 1.0.
func (w ConfidenceWeights) Normalize() ConfidenceWeights {
	sum := w.Sum()
	if sum <= 0 {
		return DefaultWeights()
	}
	return ConfidenceWeights{
		Amount:   w.Amount / sum,
		Date:     w.Date / sum,
		Merchant: w.Merchant / sum,
		Location: w.Location / sum,
		User:     w.User / sum,
		Currency: w.Currency / sum,
	}
}

// DefaultWeights returns the out-of-the-box criterion weights.
func DefaultWeights() ConfidenceWeights {
	return ConfidenceWeights{
		Amount:   0.30,
		Date:     0.20,
		Merchant: 0.25,
		Location: 0.10,
		User:     0.05,
		Currency: 0.10,
	}
}

// MatchingConfig holds the per-organization matching tunables. Created with
// defaults on first touch, mutated by admin action or the learning pass,
// never deleted; a new version supersedes the old one.
type MatchingConfig struct {
	OrganizationID            uuid.UUID
	AmountTolerancePercent    float64         // e.g. 0.02 for 2%
	AmountToleranceFixed      decimal.Decimal // absolute floor, e.g. 0.05
	DateWindowDays            int
	MerchantSimilarityMin     float64 // merchant sub-score gate
	LocationRadiusKM          float64
	AutoMatchThreshold        float64
	SuggestThreshold          float64
	Weights                   ConfidenceWeights
	MaxCandidates             int
	LearningEnabled           bool
	Version                   int64
	UpdatedAt                 time.Time
}

const weightSumEpsilon = 1e-9

// Validate checks the invariants enforced at config-write time. Returns
// an error wrapping ErrConfigInvalid naming the offending field.
func (c *MatchingConfig) Validate() error {
	if math.Abs(c.Weights.Sum()-1.0) > weightSumEpsilon {
		return fmt.Errorf("%w: confidence weights sum to %.6f, want 1.0", ErrConfigInvalid, c.Weights.Sum())
	}
	if c.SuggestThreshold > c.AutoMatchThreshold {
		return fmt.Errorf("%w: suggest_threshold %.2f exceeds auto_match_threshold %.2f",
			ErrConfigInvalid, c.SuggestThreshold, c.AutoMatchThreshold)
	}
	if c.AutoMatchThreshold <= 0 || c.AutoMatchThreshold > 1 {
		return fmt.Errorf("%w: auto_match_threshold %.2f out of (0,1]", ErrConfigInvalid, c.AutoMatchThreshold)
	}
	if c.SuggestThreshold <= 0 {
		return fmt.Errorf("%w: suggest_threshold must be positive", ErrConfigInvalid)
	}
	if c.AmountTolerancePercent < 0 {
		return fmt.Errorf("%w: amount_tolerance_percent must be non-negative", ErrConfigInvalid)
	}
	if c.AmountToleranceFixed.IsNegative() {
		return fmt.Errorf("%w: amount_tolerance_fixed must be non-negative", ErrConfigInvalid)
	}
	if c.DateWindowDays <= 0 {
		return fmt.Errorf("%w: date_window_days must be positive", ErrConfigInvalid)
	}
	if c.MerchantSimilarityMin < 0 || c.MerchantSimilarityMin > 1 {
		return fmt.Errorf("%w: merchant_similarity_min out of [0,1]", ErrConfigInvalid)
	}
	if c.LocationRadiusKM <= 0 {
		return fmt.Errorf("%w: location_radius_km must be positive", ErrConfigInvalid)
	}
	if c.MaxCandidates < 1 {
		return fmt.Errorf("%w: max_candidates must be at least 1", ErrConfigInvalid)
	}
	return nil
}

// CandidateFloor is the minimum confidence kept when generating candidates.
func (c *MatchingConfig) CandidateFloor() float64 {
	return c.SuggestThreshold / 2
}

// AmountTolerance returns the tolerance band for the given amount: the
// larger of the fixed floor and the percentage of the amount.
func (c *MatchingConfig) AmountTolerance(amount decimal.Decimal) decimal.Decimal {
	pct := amount.Abs().Mul(decimal.NewFromFloat(c.AmountTolerancePercent))
	if pct.GreaterThan(c.AmountToleranceFixed) {
		return pct
	}
	return c.AmountToleranceFixed
}

// DefaultMatchingConfig returns the config seeded on organization onboarding.
func DefaultMatchingConfig(orgID uuid.UUID) *MatchingConfig {
	return &MatchingConfig{
		OrganizationID:         orgID,
		AmountTolerancePercent: 0.02,
		AmountToleranceFixed:   decimal.NewFromFloat(0.05),
		DateWindowDays:         7,
		MerchantSimilarityMin:  0.30,
		LocationRadiusKM:       1.0,
		AutoMatchThreshold:     0.90,
		SuggestThreshold:       0.60,
		Weights:                DefaultWeights(),
		MaxCandidates:          10,
		LearningEnabled:        true,
		Version:                1,
	}
}
