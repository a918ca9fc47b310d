// Package scoring combines per-criterion sub-scores for one
// transaction/receipt pair into a single confidence value with
// human-readable reasoning.
//
// Six criteria contribute: amount, date, merchant, location, user, and
// currency. Criteria with missing optional data (location without
// coordinates or address, unknown user) are excluded and the remaining
// weights renormalized, so a pair is never penalized for data a collaborator
// failed to supply.
package scoring

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/g-caf/receipt-match-backend/internal/domain/location"
	"github.com/g-caf/receipt-match-backend/internal/domain/merchant"
	"github.com/g-caf/receipt-match-backend/internal/domain/model"
)

// Engine scores candidate pairs. Scoring is pure computation and never
// blocks; all I/O happens in the layers around it.
type Engine struct {
	merchants *merchant.Comparer
}

// NewEngine creates a scoring engine using the given merchant comparer.
func NewEngine(merchants *merchant.Comparer) *Engine {
	return &Engine{merchants: merchants}
}

// Score evaluates one transaction against one receipt under the given
// config and returns a MatchCandidate with confidence in [0,1].
func (e *Engine) Score(txn *model.Transaction, receipt *model.Receipt, cfg *model.MatchingConfig) *model.MatchCandidate {
	cand := &model.MatchCandidate{
		TransactionID: txn.ID,
		ReceiptID:     receipt.ID,
	}

	amount := e.scoreAmount(txn, receipt, cfg, cand)
	date := e.scoreDate(txn, receipt, cfg, cand)
	merchantScore := e.scoreMerchant(txn, receipt, cfg, cand)
	loc, locApplicable := e.scoreLocation(txn, receipt, cfg, cand)
	user, userApplicable := e.scoreUser(txn, receipt, cand)
	currency := e.scoreCurrency(txn, receipt, cand)

	w := cfg.Weights
	total := w.Amount*amount + w.Date*date + w.Merchant*merchantScore + w.Currency*currency
	weightSum := w.Amount + w.Date + w.Merchant + w.Currency
	if locApplicable {
		total += w.Location * loc
		weightSum += w.Location
	}
	if userApplicable {
		total += w.User * user
		weightSum += w.User
	}

	confidence := 0.0
	if weightSum > 0 {
		confidence = total / weightSum
	}
	cand.Confidence = clamp01(confidence)
	return cand
}

func (e *Engine) scoreAmount(txn *model.Transaction, receipt *model.Receipt, cfg *model.MatchingConfig, cand *model.MatchCandidate) float64 {
	txnAmount := txn.AbsAmount()
	diff := txnAmount.Sub(receipt.TotalAmount.Abs()).Abs()
	diffF, _ := diff.Float64()

	score := 0.0
	switch {
	case diff.IsZero():
		score = 1.0
		cand.Reasons = append(cand.Reasons, "exact amount match")
	default:
		tolerance := cfg.AmountTolerance(txnAmount)
		if !tolerance.IsZero() && diff.LessThanOrEqual(tolerance) {
			// Linear decay from 1.0 at zero difference to 0 at the
			// tolerance boundary.
			ratio, _ := diff.Div(tolerance).Float64()
			score = math.Max(0, 1.0-ratio)
			cand.Reasons = append(cand.Reasons,
				fmt.Sprintf("amount within tolerance (diff %s)", diff.StringFixed(2)))
		} else {
			cand.Warnings = append(cand.Warnings,
				fmt.Sprintf("amount difference %s exceeds tolerance", diff.StringFixed(2)))
		}
	}

	cand.Criteria.Amount = model.CriterionResult{
		Matched:    score > 0,
		Difference: diffF,
		Score:      score,
	}
	return score
}

func (e *Engine) scoreDate(txn *model.Transaction, receipt *model.Receipt, cfg *model.MatchingConfig, cand *model.MatchCandidate) float64 {
	dayDiff := math.Abs(dayOf(txn.TransactionDate).Sub(dayOf(receipt.ReceiptDate)).Hours() / 24)
	window := float64(cfg.DateWindowDays)

	score := 0.0
	switch {
	case dayDiff == 0:
		score = 1.0
		cand.Reasons = append(cand.Reasons, "same date")
	case dayDiff <= window:
		score = 1.0 - dayDiff/window
		cand.Reasons = append(cand.Reasons, fmt.Sprintf("date within %d days", int(dayDiff)))
	default:
		// Outside the window the date contributes nothing, but the
		// candidate is still considered on its other criteria.
		cand.Warnings = append(cand.Warnings,
			fmt.Sprintf("dates %d days apart, outside %d-day window", int(dayDiff), cfg.DateWindowDays))
	}

	cand.Criteria.Date = model.CriterionResult{
		Matched:    score > 0,
		Difference: dayDiff,
		Score:      score,
	}
	return score
}

func (e *Engine) scoreMerchant(txn *model.Transaction, receipt *model.Receipt, cfg *model.MatchingConfig, cand *model.MatchCandidate) float64 {
	res := e.merchants.Compare(txn.MerchantText(), receipt.MerchantName, txn.OrganizationID)

	score := 0.0
	if res.Similarity >= cfg.MerchantSimilarityMin {
		score = res.Similarity
		switch {
		case res.CanonicalName != "":
			cand.Reasons = append(cand.Reasons,
				fmt.Sprintf("merchant matches learned mapping %q", res.CanonicalName))
		case res.Similarity >= 1.0:
			cand.Reasons = append(cand.Reasons, "exact merchant match")
		default:
			cand.Reasons = append(cand.Reasons,
				fmt.Sprintf("merchant similarity %.2f", res.Similarity))
		}
	}

	cand.Criteria.Merchant = model.CriterionResult{
		Matched:    score > 0,
		Difference: 1.0 - res.Similarity,
		Score:      score,
	}
	return score
}

// scoreLocation returns (score, applicable). Location is an optional
// criterion: when either side has no usable location data it is excluded
// from the weighted sum entirely.
func (e *Engine) scoreLocation(txn *model.Transaction, receipt *model.Receipt, cfg *model.MatchingConfig, cand *model.MatchCandidate) (float64, bool) {
	tl, rl := txn.Location, receipt.Location
	haveCoords := tl.CoordinatesValid() && rl.CoordinatesValid()
	haveAddrs := tl != nil && rl != nil && tl.Address != "" && rl.Address != ""
	if !haveCoords && !haveAddrs {
		return 0, false
	}

	if haveAddrs && location.AddressesMatch(tl.Address, rl.Address) {
		cand.Reasons = append(cand.Reasons, "same address")
		cand.Criteria.Location = model.CriterionResult{Matched: true, Score: 1.0}
		return 1.0, true
	}

	if haveCoords {
		dist := location.Distance(tl, rl)
		switch {
		case dist <= cfg.LocationRadiusKM:
			cand.Reasons = append(cand.Reasons, fmt.Sprintf("within %.1f km", dist))
			cand.Criteria.Location = model.CriterionResult{Matched: true, Difference: dist, Score: 1.0}
			return 1.0, true
		default:
			// Decays to 0 as distance grows past the radius.
			score := clamp01(1.0 - (dist-cfg.LocationRadiusKM)/(cfg.LocationRadiusKM*4))
			if score == 0 {
				cand.Warnings = append(cand.Warnings, fmt.Sprintf("locations %.1f km apart", dist))
			}
			cand.Criteria.Location = model.CriterionResult{Matched: false, Difference: dist, Score: score}
			return score, true
		}
	}

	cand.Criteria.Location = model.CriterionResult{Matched: false, Score: 0}
	return 0, true
}

// scoreUser returns (score, applicable). Unknown on either side is a data
// gap, not a mismatch.
func (e *Engine) scoreUser(txn *model.Transaction, receipt *model.Receipt, cand *model.MatchCandidate) (float64, bool) {
	if txn.UserID == uuid.Nil || receipt.UploaderID == uuid.Nil {
		return 0, false
	}
	score := 0.0
	if txn.UserID == receipt.UploaderID {
		score = 1.0
		cand.Reasons = append(cand.Reasons, "uploaded by transaction owner")
	}
	cand.Criteria.User = model.CriterionResult{Matched: score > 0, Score: score}
	return score, true
}

func (e *Engine) scoreCurrency(txn *model.Transaction, receipt *model.Receipt, cand *model.MatchCandidate) float64 {
	score := 0.0
	if txn.Currency == receipt.Currency {
		score = 1.0
	} else {
		// Cross-currency pairs are never auto-matched.
		cand.Warnings = append(cand.Warnings,
			fmt.Sprintf("currency mismatch %s/%s, auto-match suppressed", txn.Currency, receipt.Currency))
	}
	cand.Criteria.Currency = model.CriterionResult{Matched: score > 0, Score: score}
	return score
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
