package storage

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/g-caf/receipt-match-backend/internal/domain/model"
)

// MockRepository is an in-memory implementation of Repository for testing.
// It stores all data in maps, making tests fast and isolated. All methods
// are safe for concurrent use so orchestration races can be exercised.
type MockRepository struct {
	mu sync.Mutex

	transactions map[uuid.UUID]*model.Transaction
	receipts     map[uuid.UUID]*model.Receipt
	matches      map[uuid.UUID]*model.Match
	configs      map[uuid.UUID]*model.MatchingConfig
	mappings     map[uuid.UUID]*model.MerchantMapping
	variants     map[uuid.UUID]map[string]uuid.UUID // orgID -> variant -> mappingID
	feedback     []*model.LearningFeedback
	rejections   map[string]*model.MatchRejection // txnID|receiptID
	audit        []*model.MatchAuditEntry
	jobs         map[uuid.UUID]*MatchJob

	// Hooks for test assertions
	ActivateMatchCalls int
	SaveFeedbackCalled bool
	LastSavedMapping   *model.MerchantMapping

	// Error injection for testing error paths
	ActivateMatchErr error
	SaveFeedbackErr  error
	SaveMappingErr   error
	GetConfigErr     error
	WindowErr        error
	AppendAuditErr   error
}

// Compile-time check that MockRepository implements Repository
var _ Repository = (*MockRepository)(nil)

// NewMockRepository creates an empty mock repository.
func NewMockRepository() *MockRepository {
	return &MockRepository{
		transactions: make(map[uuid.UUID]*model.Transaction),
		receipts:     make(map[uuid.UUID]*model.Receipt),
		matches:      make(map[uuid.UUID]*model.Match),
		configs:      make(map[uuid.UUID]*model.MatchingConfig),
		mappings:     make(map[uuid.UUID]*model.MerchantMapping),
		variants:     make(map[uuid.UUID]map[string]uuid.UUID),
		rejections:   make(map[string]*model.MatchRejection),
		jobs:         make(map[uuid.UUID]*MatchJob),
	}
}

// Close is a no-op for the mock.
func (m *MockRepository) Close() error { return nil }

func (m *MockRepository) SaveTransaction(txn *model.Transaction) error {
	if err := txn.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *txn
	m.transactions[txn.ID] = &cp
	return nil
}

func (m *MockRepository) GetTransaction(id uuid.UUID) (*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.transactions[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, model.ErrNotFound)
	}
	cp := *txn
	return &cp, nil
}

func (m *MockRepository) UpdateTransactionStatus(id uuid.UUID, status model.TransactionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.transactions[id]
	if !ok {
		return fmt.Errorf("transaction %s: %w", id, model.ErrNotFound)
	}
	txn.Status = status
	return nil
}

func (m *MockRepository) TransactionsInWindow(orgID uuid.UUID, from, to time.Time, minAmount, maxAmount decimal.Decimal) ([]*model.Transaction, error) {
	if m.WindowErr != nil {
		return nil, m.WindowErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Transaction
	for _, txn := range m.transactions {
		if txn.OrganizationID != orgID {
			continue
		}
		if txn.TransactionDate.Before(from) || txn.TransactionDate.After(to) {
			continue
		}
		abs := txn.AbsAmount()
		if abs.LessThan(minAmount) || abs.GreaterThan(maxAmount) {
			continue
		}
		if m.activeMatchForTxnLocked(txn.ID) != nil {
			continue
		}
		cp := *txn
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransactionDate.Before(out[j].TransactionDate) })
	return out, nil
}

func (m *MockRepository) UnmatchedTransactions(orgID uuid.UUID, filters UnmatchedFilters) ([]*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Transaction
	since := time.Time{}
	if filters.DaysBack > 0 {
		since = time.Now().UTC().AddDate(0, 0, -filters.DaysBack)
	}
	for _, txn := range m.transactions {
		if txn.OrganizationID != orgID || txn.TransactionDate.Before(since) {
			continue
		}
		if m.activeMatchForTxnLocked(txn.ID) != nil {
			continue
		}
		cp := *txn
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransactionDate.After(out[j].TransactionDate) })
	return paginate(out, filters), nil
}

func (m *MockRepository) SaveReceipt(receipt *model.Receipt) error {
	if err := receipt.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *receipt
	m.receipts[receipt.ID] = &cp
	return nil
}

func (m *MockRepository) GetReceipt(id uuid.UUID) (*model.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[id]
	if !ok {
		return nil, fmt.Errorf("receipt %s: %w", id, model.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *MockRepository) UpdateReceiptStatus(id uuid.UUID, status model.ReceiptStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[id]
	if !ok {
		return fmt.Errorf("receipt %s: %w", id, model.ErrNotFound)
	}
	r.Status = status
	return nil
}

func (m *MockRepository) ReceiptsInWindow(orgID uuid.UUID, from, to time.Time, minAmount, maxAmount decimal.Decimal) ([]*model.Receipt, error) {
	if m.WindowErr != nil {
		return nil, m.WindowErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Receipt
	for _, r := range m.receipts {
		if r.OrganizationID != orgID {
			continue
		}
		if r.ReceiptDate.Before(from) || r.ReceiptDate.After(to) {
			continue
		}
		abs := r.TotalAmount.Abs()
		if abs.LessThan(minAmount) || abs.GreaterThan(maxAmount) {
			continue
		}
		if m.activeMatchForReceiptLocked(r.ID) != nil {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceiptDate.Before(out[j].ReceiptDate) })
	return out, nil
}

func (m *MockRepository) UnmatchedReceipts(orgID uuid.UUID, filters UnmatchedFilters) ([]*model.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Receipt
	since := time.Time{}
	if filters.DaysBack > 0 {
		since = time.Now().UTC().AddDate(0, 0, -filters.DaysBack)
	}
	for _, r := range m.receipts {
		if r.OrganizationID != orgID || r.ReceiptDate.Before(since) {
			continue
		}
		if m.activeMatchForReceiptLocked(r.ID) != nil {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceiptDate.After(out[j].ReceiptDate) })
	return paginate(out, filters), nil
}

func (m *MockRepository) GetMatch(id uuid.UUID) (*model.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	match, ok := m.matches[id]
	if !ok {
		return nil, fmt.Errorf("match %s: %w", id, model.ErrNotFound)
	}
	cp := *match
	return &cp, nil
}

func (m *MockRepository) ActiveMatchForTransaction(txnID uuid.UUID) (*model.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if match := m.activeMatchForTxnLocked(txnID); match != nil {
		cp := *match
		return &cp, nil
	}
	return nil, nil
}

func (m *MockRepository) ActivateMatch(match *model.Match, expectedCurrent uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ActivateMatchCalls++
	if m.ActivateMatchErr != nil {
		return m.ActivateMatchErr
	}

	current := m.activeMatchForTxnLocked(match.TransactionID)
	switch {
	case current == nil && expectedCurrent != uuid.Nil:
		return fmt.Errorf("active match disappeared: %w", model.ErrConcurrencyConflict)
	case current != nil && current.ID != expectedCurrent:
		return fmt.Errorf("different active match: %w", model.ErrConcurrencyConflict)
	case current != nil:
		current.Active = false
		current.Version++
	}

	cp := *match
	cp.Active = true
	cp.Version = 1
	cp.CreatedAt = time.Now().UTC()
	m.matches[match.ID] = &cp
	match.Active = true
	return nil
}

func (m *MockRepository) CreateSuggestion(match *model.Match) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *match
	cp.Active = false
	cp.Version = 1
	cp.CreatedAt = time.Now().UTC()
	m.matches[match.ID] = &cp
	return nil
}

func (m *MockRepository) UpdateMatch(match *model.Match) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.matches[match.ID]
	if !ok {
		return fmt.Errorf("match %s: %w", match.ID, model.ErrNotFound)
	}
	if stored.Version != match.Version {
		return fmt.Errorf("match %s version %d: %w", match.ID, match.Version, model.ErrConcurrencyConflict)
	}
	cp := *match
	cp.Version++
	m.matches[match.ID] = &cp
	match.Version = cp.Version
	return nil
}

func (m *MockRepository) DeactivateMatch(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.matches[id]
	if !ok {
		return fmt.Errorf("match %s: %w", id, model.ErrNotFound)
	}
	stored.Active = false
	stored.Version++
	return nil
}

func (m *MockRepository) MatchForPair(txnID, receiptID uuid.UUID) (*model.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var newest *model.Match
	for _, match := range m.matches {
		if match.TransactionID != txnID || match.ReceiptID != receiptID || match.Type == model.MatchRejected {
			continue
		}
		if newest == nil || match.CreatedAt.After(newest.CreatedAt) {
			newest = match
		}
	}
	if newest == nil {
		return nil, nil
	}
	cp := *newest
	return &cp, nil
}

func (m *MockRepository) SuggestionsForTransaction(txnID uuid.UUID) ([]*model.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Match
	for _, match := range m.matches {
		if match.TransactionID == txnID && match.Type == model.MatchSuggested && !match.Active {
			cp := *match
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out, nil
}

func (m *MockRepository) SaveRejection(r *model.MatchRejection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rejections[pairKey(r.TransactionID, r.ReceiptID)] = &cp
	return nil
}

func (m *MockRepository) HasRejection(txnID, receiptID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rejections[pairKey(txnID, receiptID)]
	return ok, nil
}

func (m *MockRepository) AppendAudit(entry *model.MatchAuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AppendAuditErr != nil {
		return m.AppendAuditErr
	}
	cp := *entry
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	cp.CreatedAt = time.Now().UTC()
	m.audit = append(m.audit, &cp)
	return nil
}

// AuditEntries returns a copy of the audit trail for assertions.
func (m *MockRepository) AuditEntries() []*model.MatchAuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.MatchAuditEntry, len(m.audit))
	copy(out, m.audit)
	return out
}

func (m *MockRepository) GetConfig(orgID uuid.UUID) (*model.MatchingConfig, error) {
	if m.GetConfigErr != nil {
		return nil, m.GetConfigErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[orgID]
	if !ok {
		return nil, nil
	}
	cp := *cfg
	return &cp, nil
}

func (m *MockRepository) SaveConfig(cfg *model.MatchingConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cfg
	m.configs[cfg.OrganizationID] = &cp
	return nil
}

func (m *MockRepository) ConfiguredOrganizations() ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uuid.UUID, 0, len(m.configs))
	for orgID := range m.configs {
		out = append(out, orgID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (m *MockRepository) FindMappingByVariant(orgID uuid.UUID, normalizedVariant string) (*model.MerchantMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byVariant, ok := m.variants[orgID]
	if !ok {
		return nil, nil
	}
	mappingID, ok := byVariant[normalizedVariant]
	if !ok {
		return nil, nil
	}
	cp := *m.mappings[mappingID]
	return &cp, nil
}

func (m *MockRepository) SaveMapping(mapping *model.MerchantMapping) error {
	if m.SaveMappingErr != nil {
		return m.SaveMappingErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *mapping
	cp.Variants = append([]string{}, mapping.Variants...)
	m.mappings[mapping.ID] = &cp
	m.LastSavedMapping = &cp
	if m.variants[mapping.OrganizationID] == nil {
		m.variants[mapping.OrganizationID] = make(map[string]uuid.UUID)
	}
	for _, v := range mapping.Variants {
		m.variants[mapping.OrganizationID][v] = mapping.ID
	}
	return nil
}

func (m *MockRepository) DeleteMapping(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mapping, ok := m.mappings[id]
	if !ok {
		return fmt.Errorf("mapping %s: %w", id, model.ErrNotFound)
	}
	for v, owner := range m.variants[mapping.OrganizationID] {
		if owner == id {
			delete(m.variants[mapping.OrganizationID], v)
		}
	}
	delete(m.mappings, id)
	return nil
}

func (m *MockRepository) ListMappings(orgID uuid.UUID) ([]*model.MerchantMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.MerchantMapping
	for _, mapping := range m.mappings {
		if mapping.OrganizationID == orgID {
			cp := *mapping
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UsageCount > out[j].UsageCount })
	return out, nil
}

func (m *MockRepository) SaveFeedback(fb *model.LearningFeedback) error {
	m.SaveFeedbackCalled = true
	if m.SaveFeedbackErr != nil {
		return m.SaveFeedbackErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.matches[fb.MatchID]; !ok {
		return fmt.Errorf("match %s: %w", fb.MatchID, model.ErrNotFound)
	}
	cp := *fb
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.feedback = append(m.feedback, &cp)
	return nil
}

func (m *MockRepository) ListFeedbackSince(orgID uuid.UUID, since time.Time) ([]*model.LearningFeedback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.LearningFeedback
	for _, fb := range m.feedback {
		match, ok := m.matches[fb.MatchID]
		if !ok {
			continue
		}
		txn, ok := m.transactions[match.TransactionID]
		if !ok || txn.OrganizationID != orgID {
			continue
		}
		if fb.CreatedAt.Before(since) {
			continue
		}
		cp := *fb
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MockRepository) CreateJob(job *MatchJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.ProgressAt = time.Now().UTC()
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MockRepository) GetJob(id uuid.UUID) (*MatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	cp := *job
	return &cp, nil
}

func (m *MockRepository) UpdateJob(job *MatchJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return fmt.Errorf("job %s: %w", job.ID, model.ErrNotFound)
	}
	cp := *job
	cp.ProgressAt = time.Now().UTC()
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MockRepository) ListJobs(orgID uuid.UUID, limit int) ([]*MatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*MatchJob
	for _, job := range m.jobs {
		if job.OrganizationID == orgID {
			cp := *job
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockRepository) PendingJobs() ([]*MatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*MatchJob
	for _, job := range m.jobs {
		if job.Status == JobPending {
			cp := *job
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MockRepository) StaleRunningJobs(progressStale, maxAge time.Duration) ([]*MatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var out []*MatchJob
	for _, job := range m.jobs {
		if job.Status != JobRunning {
			continue
		}
		tooQuiet := job.ProgressAt.Before(now.Add(-progressStale))
		tooOld := job.StartedAt != nil && job.StartedAt.Before(now.Add(-maxAge))
		if tooQuiet || tooOld {
			cp := *job
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockRepository) MetricsForPeriod(orgID uuid.UUID, from, to time.Time) (*model.MatchingMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	metrics := &model.MatchingMetrics{
		OrganizationID:  orgID,
		PeriodStart:     from,
		PeriodEnd:       to,
		UnmatchedAmount: decimal.Zero,
	}
	var confidenceSum float64
	var scored int
	for _, match := range m.matches {
		txn, ok := m.transactions[match.TransactionID]
		if !ok || txn.OrganizationID != orgID {
			continue
		}
		if match.CreatedAt.Before(from) || match.CreatedAt.After(to) {
			continue
		}
		switch match.Type {
		case model.MatchAuto:
			metrics.AutoMatches++
		case model.MatchSuggested:
			metrics.Suggestions++
		case model.MatchManual, model.MatchReviewed:
			metrics.ManualMatches++
		case model.MatchRejected:
			metrics.Rejections++
		}
		if match.Type != model.MatchRejected {
			confidenceSum += match.Confidence
			scored++
		}
	}
	if scored > 0 {
		metrics.AvgConfidence = confidenceSum / float64(scored)
	}
	for _, fb := range m.feedback {
		if fb.CreatedAt.Before(from) || fb.CreatedAt.After(to) {
			continue
		}
		metrics.FeedbackTotal++
		if fb.WasCorrect {
			metrics.FeedbackCorrect++
		}
	}
	for _, txn := range m.transactions {
		if txn.OrganizationID != orgID {
			continue
		}
		if txn.TransactionDate.Before(from) || txn.TransactionDate.After(to) {
			continue
		}
		if m.activeMatchForTxnLocked(txn.ID) == nil {
			metrics.UnmatchedTxns++
			metrics.UnmatchedAmount = metrics.UnmatchedAmount.Add(txn.AbsAmount())
		}
	}
	for _, r := range m.receipts {
		if r.OrganizationID != orgID {
			continue
		}
		if r.ReceiptDate.Before(from) || r.ReceiptDate.After(to) {
			continue
		}
		if m.activeMatchForReceiptLocked(r.ID) == nil {
			metrics.UnmatchedRcpts++
		}
	}
	return metrics, nil
}

func (m *MockRepository) activeMatchForTxnLocked(txnID uuid.UUID) *model.Match {
	for _, match := range m.matches {
		if match.TransactionID == txnID && match.Active {
			return match
		}
	}
	return nil
}

func (m *MockRepository) activeMatchForReceiptLocked(receiptID uuid.UUID) *model.Match {
	for _, match := range m.matches {
		if match.ReceiptID == receiptID && match.Active {
			return match
		}
	}
	return nil
}

func pairKey(a, b uuid.UUID) string {
	return a.String() + "|" + b.String()
}

func paginate[T any](items []T, filters UnmatchedFilters) []T {
	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}
	if filters.Offset >= len(items) {
		return nil
	}
	items = items[filters.Offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}
