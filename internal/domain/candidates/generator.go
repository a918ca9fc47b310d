// Package candidates bounds the matching search space and produces ranked
// candidate lists for unmatched items.
//
// The search window keeps per-item cost proportional to recent activity:
// only receipts (or transactions) dated within the configured date window
// and amount-tolerance band of the anchor item are scored at all.
package candidates

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/g-caf/receipt-match-backend/internal/domain/model"
	"github.com/g-caf/receipt-match-backend/internal/domain/scoring"
)

// Pool supplies the windowed candidate queries. Implemented by the storage
// layer; amounts are compared on absolute value.
type Pool interface {
	ReceiptsInWindow(orgID uuid.UUID, from, to time.Time, minAmount, maxAmount decimal.Decimal) ([]*model.Receipt, error)
	TransactionsInWindow(orgID uuid.UUID, from, to time.Time, minAmount, maxAmount decimal.Decimal) ([]*model.Transaction, error)
}

// DefaultScoreTimeout bounds a single candidate evaluation. Scoring is pure
// computation, so hitting this indicates pathological input; the candidate
// is skipped with a warning rather than stalling the job.
const DefaultScoreTimeout = 2 * time.Second

// Generator produces at most MaxCandidates ranked candidates per anchor
// item. Candidates are generated independently per anchor; conflict
// resolution between anchors is the orchestrator's concern.
type Generator struct {
	pool         Pool
	engine       *scoring.Engine
	logger       *slog.Logger
	scoreTimeout time.Duration
}

// NewGenerator creates a Generator. logger may be nil.
func NewGenerator(pool Pool, engine *scoring.Engine, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		pool:         pool,
		engine:       engine,
		logger:       logger,
		scoreTimeout: DefaultScoreTimeout,
	}
}

// ForTransaction returns ranked candidates for an unmatched transaction.
// Cancellation takes effect between pairs, never mid-pair.
func (g *Generator) ForTransaction(ctx context.Context, txn *model.Transaction, cfg *model.MatchingConfig) ([]*model.MatchCandidate, error) {
	if err := txn.Validate(); err != nil {
		return nil, err
	}

	from, to := dateWindow(txn.TransactionDate, cfg.DateWindowDays)
	minAmt, maxAmt := amountBand(txn.AbsAmount(), cfg)

	receipts, err := g.pool.ReceiptsInWindow(txn.OrganizationID, from, to, minAmt, maxAmt)
	if err != nil {
		return nil, err
	}

	out := make([]*model.MatchCandidate, 0, len(receipts))
	for _, r := range receipts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if cand := g.scoreOne(txn, r, cfg); cand != nil {
			out = append(out, cand)
		}
	}

	return g.rank(out, cfg), nil
}

// ForReceipt returns ranked candidates for an unmatched receipt.
func (g *Generator) ForReceipt(ctx context.Context, receipt *model.Receipt, cfg *model.MatchingConfig) ([]*model.MatchCandidate, error) {
	if err := receipt.Validate(); err != nil {
		return nil, err
	}

	from, to := dateWindow(receipt.ReceiptDate, cfg.DateWindowDays)
	minAmt, maxAmt := amountBand(receipt.TotalAmount.Abs(), cfg)

	txns, err := g.pool.TransactionsInWindow(receipt.OrganizationID, from, to, minAmt, maxAmt)
	if err != nil {
		return nil, err
	}

	out := make([]*model.MatchCandidate, 0, len(txns))
	for _, t := range txns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if cand := g.scoreOne(t, receipt, cfg); cand != nil {
			out = append(out, cand)
		}
	}

	return g.rank(out, cfg), nil
}

// scoreOne evaluates a single pair, enforcing the per-candidate scoring
// timeout. Returns nil when the candidate is discarded.
func (g *Generator) scoreOne(txn *model.Transaction, receipt *model.Receipt, cfg *model.MatchingConfig) *model.MatchCandidate {
	start := time.Now()
	cand := g.engine.Score(txn, receipt, cfg)
	if elapsed := time.Since(start); elapsed > g.scoreTimeout {
		g.logger.Warn("candidate scoring exceeded timeout, skipping",
			"transaction_id", txn.ID,
			"receipt_id", receipt.ID,
			"elapsed", elapsed,
		)
		return nil
	}
	// Floor at half the suggest threshold to bound output size.
	if cand.Confidence < cfg.CandidateFloor() {
		return nil
	}
	return cand
}

// rank sorts by confidence descending with deterministic tie-breaks and
// truncates to the configured maximum.
func (g *Generator) rank(cands []*model.MatchCandidate, cfg *model.MatchingConfig) []*model.MatchCandidate {
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Confidence != cands[j].Confidence {
			return cands[i].Confidence > cands[j].Confidence
		}
		if cands[i].TransactionID != cands[j].TransactionID {
			return cands[i].TransactionID.String() < cands[j].TransactionID.String()
		}
		return cands[i].ReceiptID.String() < cands[j].ReceiptID.String()
	})
	if len(cands) > cfg.MaxCandidates {
		cands = cands[:cfg.MaxCandidates]
	}
	return cands
}

func dateWindow(anchor time.Time, days int) (time.Time, time.Time) {
	return anchor.AddDate(0, 0, -days), anchor.AddDate(0, 0, days)
}

func amountBand(amount decimal.Decimal, cfg *model.MatchingConfig) (decimal.Decimal, decimal.Decimal) {
	tol := cfg.AmountTolerance(amount)
	min := amount.Sub(tol)
	if min.IsNegative() {
		min = decimal.Zero
	}
	return min, amount.Add(tol)
}
