package candidates

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g-caf/receipt-match-backend/internal/domain/merchant"
	"github.com/g-caf/receipt-match-backend/internal/domain/model"
	"github.com/g-caf/receipt-match-backend/internal/domain/scoring"
)

var anchor = time.Date(2026, 5, 12, 0, 0, 0, 0, time.UTC)

// stubPool returns canned windowed results and records the query bounds.
type stubPool struct {
	receipts []*model.Receipt
	txns     []*model.Transaction
	err      error

	lastFrom, lastTo time.Time
	lastMin, lastMax decimal.Decimal
}

func (p *stubPool) ReceiptsInWindow(_ uuid.UUID, from, to time.Time, minAmt, maxAmt decimal.Decimal) ([]*model.Receipt, error) {
	p.lastFrom, p.lastTo, p.lastMin, p.lastMax = from, to, minAmt, maxAmt
	return p.receipts, p.err
}

func (p *stubPool) TransactionsInWindow(_ uuid.UUID, from, to time.Time, minAmt, maxAmt decimal.Decimal) ([]*model.Transaction, error) {
	p.lastFrom, p.lastTo, p.lastMin, p.lastMax = from, to, minAmt, maxAmt
	return p.txns, p.err
}

func makeTxn(orgID uuid.UUID, amount string, merchantName string) *model.Transaction {
	return &model.Transaction{
		ID:              uuid.New(),
		OrganizationID:  orgID,
		Amount:          decimal.RequireFromString(amount),
		Currency:        "USD",
		TransactionDate: anchor,
		MerchantName:    merchantName,
		Status:          model.TransactionUnmatched,
	}
}

func makeReceipt(orgID uuid.UUID, amount string, merchantName string) *model.Receipt {
	return &model.Receipt{
		ID:             uuid.New(),
		OrganizationID: orgID,
		TotalAmount:    decimal.RequireFromString(amount),
		Currency:       "USD",
		ReceiptDate:    anchor,
		MerchantName:   merchantName,
		Status:         model.ReceiptProcessed,
	}
}

func newTestGenerator(pool Pool) *Generator {
	return NewGenerator(pool, scoring.NewEngine(merchant.NewComparer(nil)), nil)
}

func TestGenerator_ForTransaction(t *testing.T) {
	orgID := uuid.New()

	t.Run("queries the configured window and amount band", func(t *testing.T) {
		pool := &stubPool{}
		g := newTestGenerator(pool)
		cfg := model.DefaultMatchingConfig(orgID)
		txn := makeTxn(orgID, "-100.00", "Target")

		_, err := g.ForTransaction(context.Background(), txn, cfg)
		require.NoError(t, err)

		assert.Equal(t, anchor.AddDate(0, 0, -7), pool.lastFrom)
		assert.Equal(t, anchor.AddDate(0, 0, 7), pool.lastTo)
		// 2% of 100.00.
		assert.True(t, pool.lastMin.Equal(decimal.RequireFromString("98")), "min %s", pool.lastMin)
		assert.True(t, pool.lastMax.Equal(decimal.RequireFromString("102")), "max %s", pool.lastMax)
	})

	t.Run("amount band floors at zero", func(t *testing.T) {
		pool := &stubPool{}
		g := newTestGenerator(pool)
		cfg := model.DefaultMatchingConfig(orgID)
		txn := makeTxn(orgID, "-0.03", "Target")

		_, err := g.ForTransaction(context.Background(), txn, cfg)
		require.NoError(t, err)
		assert.False(t, pool.lastMin.IsNegative())
	})

	t.Run("ranks by confidence descending", func(t *testing.T) {
		exact := makeReceipt(orgID, "100.00", "Target")
		near := makeReceipt(orgID, "101.00", "Target")
		weak := makeReceipt(orgID, "101.50", "Targt Store")
		pool := &stubPool{receipts: []*model.Receipt{weak, exact, near}}
		g := newTestGenerator(pool)
		cfg := model.DefaultMatchingConfig(orgID)

		cands, err := g.ForTransaction(context.Background(), makeTxn(orgID, "-100.00", "Target"), cfg)
		require.NoError(t, err)
		require.NotEmpty(t, cands)

		assert.Equal(t, exact.ID, cands[0].ReceiptID)
		for i := 1; i < len(cands); i++ {
			assert.GreaterOrEqual(t, cands[i-1].Confidence, cands[i].Confidence)
		}
	})

	t.Run("truncates to max candidates", func(t *testing.T) {
		var receipts []*model.Receipt
		for i := 0; i < 20; i++ {
			receipts = append(receipts, makeReceipt(orgID, "100.00", fmt.Sprintf("Target %d", i)))
		}
		pool := &stubPool{receipts: receipts}
		g := newTestGenerator(pool)
		cfg := model.DefaultMatchingConfig(orgID)
		cfg.MaxCandidates = 5

		cands, err := g.ForTransaction(context.Background(), makeTxn(orgID, "-100.00", "Target"), cfg)
		require.NoError(t, err)
		assert.Len(t, cands, 5)
	})

	t.Run("drops candidates below the floor", func(t *testing.T) {
		unrelated := makeReceipt(orgID, "101.90", "Completely Different Shop")
		unrelated.Currency = "EUR"
		unrelated.ReceiptDate = anchor.AddDate(0, 0, 6)
		pool := &stubPool{receipts: []*model.Receipt{unrelated}}
		g := newTestGenerator(pool)
		cfg := model.DefaultMatchingConfig(orgID)

		cands, err := g.ForTransaction(context.Background(), makeTxn(orgID, "-100.00", "Target"), cfg)
		require.NoError(t, err)
		assert.Empty(t, cands)
	})

	t.Run("rejects invalid anchor", func(t *testing.T) {
		g := newTestGenerator(&stubPool{})
		cfg := model.DefaultMatchingConfig(orgID)
		txn := makeTxn(orgID, "-100.00", "Target")
		txn.Currency = "X"

		_, err := g.ForTransaction(context.Background(), txn, cfg)
		assert.ErrorIs(t, err, model.ErrValidation)
	})

	t.Run("honors cancellation between pairs", func(t *testing.T) {
		pool := &stubPool{receipts: []*model.Receipt{makeReceipt(orgID, "100.00", "Target")}}
		g := newTestGenerator(pool)
		cfg := model.DefaultMatchingConfig(orgID)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := g.ForTransaction(ctx, makeTxn(orgID, "-100.00", "Target"), cfg)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("propagates pool errors", func(t *testing.T) {
		pool := &stubPool{err: assert.AnError}
		g := newTestGenerator(pool)
		cfg := model.DefaultMatchingConfig(orgID)

		_, err := g.ForTransaction(context.Background(), makeTxn(orgID, "-100.00", "Target"), cfg)
		assert.ErrorIs(t, err, assert.AnError)
	})
}

func TestGenerator_ForReceipt(t *testing.T) {
	orgID := uuid.New()

	t.Run("scores transactions against the receipt", func(t *testing.T) {
		txn := makeTxn(orgID, "-42.50", "Starbucks")
		pool := &stubPool{txns: []*model.Transaction{txn}}
		g := newTestGenerator(pool)
		cfg := model.DefaultMatchingConfig(orgID)

		receipt := makeReceipt(orgID, "42.50", "Starbucks")
		cands, err := g.ForReceipt(context.Background(), receipt, cfg)
		require.NoError(t, err)
		require.Len(t, cands, 1)
		assert.Equal(t, txn.ID, cands[0].TransactionID)
		assert.Equal(t, receipt.ID, cands[0].ReceiptID)
		assert.Equal(t, 1.0, cands[0].Confidence)
	})

	t.Run("rejects invalid receipt", func(t *testing.T) {
		g := newTestGenerator(&stubPool{})
		cfg := model.DefaultMatchingConfig(orgID)
		receipt := makeReceipt(orgID, "-5.00", "Starbucks")

		_, err := g.ForReceipt(context.Background(), receipt, cfg)
		assert.ErrorIs(t, err, model.ErrValidation)
	})
}
