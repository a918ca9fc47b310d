package learning

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/g-caf/receipt-match-backend/internal/domain/merchant"
	"github.com/g-caf/receipt-match-backend/internal/domain/model"
	"github.com/g-caf/receipt-match-backend/internal/infrastructure/storage"
)

// merchantLearnMin is the similarity floor below which positive feedback is
// treated as a coincidental pairing rather than evidence of a merchant
// alias worth learning.
const merchantLearnMin = 0.30

// Store accepts user feedback on matches and feeds it into the merchant
// mapping table. Feedback records are write-once; learning only ever grows
// mappings, never deletes them.
type Store struct {
	repo     storage.Repository
	learner  *merchant.Learner
	comparer *merchant.Comparer
	logger   *slog.Logger
}

func NewStore(repo storage.Repository, learner *merchant.Learner, comparer *merchant.Comparer, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{repo: repo, learner: learner, comparer: comparer, logger: logger}
}

// SubmitFeedback records one user verdict on a match and, when the verdict
// supports it, grows the organization's merchant mappings.
func (s *Store) SubmitFeedback(fb *model.LearningFeedback) error {
	if fb.MatchID == uuid.Nil {
		return fmt.Errorf("%w: match ID required", model.ErrValidation)
	}
	m, err := s.repo.GetMatch(fb.MatchID)
	if err != nil {
		return err
	}
	txn, err := s.repo.GetTransaction(m.TransactionID)
	if err != nil {
		return err
	}

	if fb.ID == uuid.Nil {
		fb.ID = uuid.New()
	}
	if err := s.repo.SaveFeedback(fb); err != nil {
		return err
	}

	if fb.WasCorrect {
		s.learnPair(txn.OrganizationID, txn, m.ReceiptID)
		return nil
	}
	if fb.Correction != nil {
		// The corrected pair is an implicit positive: the merchant names
		// actually belong together.
		corrTxn, err := s.repo.GetTransaction(fb.Correction.TransactionID)
		if err != nil {
			s.logger.Warn("correction references unknown transaction", "transaction_id", fb.Correction.TransactionID, "error", err)
			return nil
		}
		s.learnPair(corrTxn.OrganizationID, corrTxn, fb.Correction.ReceiptID)
	}
	return nil
}

// learnPair records that a transaction's merchant text and a receipt's
// merchant name refer to the same merchant, provided the names already bear
// some resemblance.
func (s *Store) learnPair(orgID uuid.UUID, txn *model.Transaction, receiptID uuid.UUID) {
	receipt, err := s.repo.GetReceipt(receiptID)
	if err != nil {
		s.logger.Warn("cannot learn from missing receipt", "receipt_id", receiptID, "error", err)
		return
	}
	txnName := txn.MerchantText()
	if txnName == "" || receipt.MerchantName == "" {
		return
	}
	result := s.comparer.Compare(txnName, receipt.MerchantName, orgID)
	if result.Similarity < merchantLearnMin {
		return
	}
	if err := s.learner.Learn(orgID, txnName, receipt.MerchantName, true, ""); err != nil {
		s.logger.Warn("merchant learning failed", "org_id", orgID, "error", err)
		return
	}
	s.logger.Debug("merchant pair learned",
		"org_id", orgID,
		"transaction_name", txnName,
		"receipt_name", receipt.MerchantName,
		"similarity", result.Similarity,
	)
}
