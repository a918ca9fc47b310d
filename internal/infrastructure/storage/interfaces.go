package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/g-caf/receipt-match-backend/internal/domain/model"
)

// Repository defines the complete storage interface. This allows swapping
// implementations (SQLite, PostgreSQL, ...) and makes testing with the
// in-memory mock straightforward.
type Repository interface {
	TransactionRepository
	ReceiptRepository
	MatchRepository
	ConfigRepository
	MappingRepository
	FeedbackRepository
	JobRepository
	MetricsRepository
	Close() error
}

// TransactionRepository handles bank-feed transaction records.
type TransactionRepository interface {
	// SaveTransaction inserts or updates a transaction.
	SaveTransaction(txn *model.Transaction) error

	// GetTransaction retrieves a transaction by ID. Returns
	// model.ErrNotFound when absent.
	GetTransaction(id uuid.UUID) (*model.Transaction, error)

	// UpdateTransactionStatus sets only the matching-owned status field.
	UpdateTransactionStatus(id uuid.UUID, status model.TransactionStatus) error

	// TransactionsInWindow returns transactions without an active match
	// whose date and absolute amount fall inside the given band.
	TransactionsInWindow(orgID uuid.UUID, from, to time.Time, minAmount, maxAmount decimal.Decimal) ([]*model.Transaction, error)

	// UnmatchedTransactions lists transactions with no active match.
	UnmatchedTransactions(orgID uuid.UUID, filters UnmatchedFilters) ([]*model.Transaction, error)
}

// ReceiptRepository handles OCR-pipeline receipt records.
type ReceiptRepository interface {
	SaveReceipt(receipt *model.Receipt) error
	GetReceipt(id uuid.UUID) (*model.Receipt, error)
	UpdateReceiptStatus(id uuid.UUID, status model.ReceiptStatus) error
	ReceiptsInWindow(orgID uuid.UUID, from, to time.Time, minAmount, maxAmount decimal.Decimal) ([]*model.Receipt, error)
	UnmatchedReceipts(orgID uuid.UUID, filters UnmatchedFilters) ([]*model.Receipt, error)
}

// UnmatchedFilters bounds unmatched listings.
type UnmatchedFilters struct {
	DaysBack int // 0 = all time
	Limit    int // 0 = default 50
	Offset   int
}

// MatchRepository handles persisted match state. ActivateMatch is the
// safety-critical operation: it must deactivate the transaction's current
// active match and activate the new one in a single atomic step.
type MatchRepository interface {
	// GetMatch retrieves a match by ID. Returns model.ErrNotFound when
	// absent.
	GetMatch(id uuid.UUID) (*model.Match, error)

	// ActiveMatchForTransaction returns the single active match for a
	// transaction, or nil when there is none.
	ActiveMatchForTransaction(txnID uuid.UUID) (*model.Match, error)

	// ActivateMatch persists m with Active=true, deactivating the
	// transaction's current active match in the same transaction.
	// expectedCurrent is the ID of the active match the caller observed
	// (uuid.Nil for "none"); if the stored state no longer agrees the
	// write is rejected with model.ErrConcurrencyConflict.
	ActivateMatch(m *model.Match, expectedCurrent uuid.UUID) error

	// CreateSuggestion persists a non-active match record.
	CreateSuggestion(m *model.Match) error

	// UpdateMatch persists type/active changes to an existing match.
	UpdateMatch(m *model.Match) error

	// DeactivateMatch clears the active flag on a match.
	DeactivateMatch(id uuid.UUID) error

	// MatchForPair returns the most recent non-rejected match for the
	// pair, or nil.
	MatchForPair(txnID, receiptID uuid.UUID) (*model.Match, error)

	// SuggestionsForTransaction lists non-rejected suggestion records.
	SuggestionsForTransaction(txnID uuid.UUID) ([]*model.Match, error)

	// SaveRejection records an explicit negative decision.
	SaveRejection(r *model.MatchRejection) error

	// HasRejection reports whether the pair was explicitly rejected
	// before, so it is never re-suggested.
	HasRejection(txnID, receiptID uuid.UUID) (bool, error)

	// AppendAudit writes one audit-trail row.
	AppendAudit(entry *model.MatchAuditEntry) error
}

// ConfigRepository handles per-organization matching configuration.
type ConfigRepository interface {
	// GetConfig returns the organization's config, or nil when the
	// organization has never been configured.
	GetConfig(orgID uuid.UUID) (*model.MatchingConfig, error)

	// SaveConfig validates and persists a config. The stored row is
	// replaced wholesale; Version must increase monotonically.
	SaveConfig(cfg *model.MatchingConfig) error

	// ConfiguredOrganizations lists every organization with a stored
	// config, for the scheduled learning pass.
	ConfiguredOrganizations() ([]uuid.UUID, error)
}

// MappingRepository handles learned merchant mappings.
type MappingRepository interface {
	FindMappingByVariant(orgID uuid.UUID, normalizedVariant string) (*model.MerchantMapping, error)
	SaveMapping(mapping *model.MerchantMapping) error

	// DeleteMapping removes a mapping whose variants have been absorbed
	// into another mapping.
	DeleteMapping(id uuid.UUID) error

	ListMappings(orgID uuid.UUID) ([]*model.MerchantMapping, error)
}

// FeedbackRepository handles write-once learning feedback.
type FeedbackRepository interface {
	SaveFeedback(fb *model.LearningFeedback) error
	ListFeedbackSince(orgID uuid.UUID, since time.Time) ([]*model.LearningFeedback, error)
}

// JobRepository tracks bulk-matching jobs.
type JobRepository interface {
	CreateJob(job *MatchJob) error
	GetJob(id uuid.UUID) (*MatchJob, error)
	UpdateJob(job *MatchJob) error
	ListJobs(orgID uuid.UUID, limit int) ([]*MatchJob, error)

	// PendingJobs returns all jobs still waiting to run, oldest first.
	// Used to recover queued work after a restart.
	PendingJobs() ([]*MatchJob, error)

	// StaleRunningJobs returns running jobs whose last progress update is
	// older than the threshold.
	StaleRunningJobs(progressStale, maxAge time.Duration) ([]*MatchJob, error)
}

// MetricsRepository computes aggregate matching outcomes.
type MetricsRepository interface {
	MetricsForPeriod(orgID uuid.UUID, from, to time.Time) (*model.MatchingMetrics, error)
}
