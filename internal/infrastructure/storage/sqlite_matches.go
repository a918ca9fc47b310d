package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/g-caf/receipt-match-backend/internal/domain/model"
)

// GetMatch retrieves a match by ID.
func (s *Storage) GetMatch(id uuid.UUID) (*model.Match, error) {
	row := s.db.QueryRow(matchSelect+" WHERE id = ?", id.String())
	m, err := scanMatch(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("match %s: %w", id, model.ErrNotFound)
	}
	return m, err
}

// ActiveMatchForTransaction returns the single active match, or nil.
func (s *Storage) ActiveMatchForTransaction(txnID uuid.UUID) (*model.Match, error) {
	row := s.db.QueryRow(matchSelect+" WHERE transaction_id = ? AND active = 1", txnID.String())
	m, err := scanMatch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// ActivateMatch activates m for its transaction, deactivating the current
// active match in the same database transaction. The caller states which
// active match it observed (uuid.Nil for none); if the stored state has
// moved on, nothing is written and model.ErrConcurrencyConflict is
// returned so the caller can re-read and retry its decision.
func (s *Storage) ActivateMatch(m *model.Match, expectedCurrent uuid.UUID) error {
	criteriaJSON, err := json.Marshal(m.Criteria)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Observe the current active match under the write transaction.
	var currentID string
	err = tx.QueryRow(
		"SELECT id FROM matches WHERE transaction_id = ? AND active = 1",
		m.TransactionID.String(),
	).Scan(&currentID)
	switch {
	case err == sql.ErrNoRows:
		if expectedCurrent != uuid.Nil {
			return fmt.Errorf("active match for transaction %s disappeared: %w",
				m.TransactionID, model.ErrConcurrencyConflict)
		}
	case err != nil:
		return err
	default:
		if expectedCurrent == uuid.Nil || currentID != expectedCurrent.String() {
			return fmt.Errorf("transaction %s has a different active match: %w",
				m.TransactionID, model.ErrConcurrencyConflict)
		}
		if _, err := tx.Exec(
			"UPDATE matches SET active = 0, updated_at = CURRENT_TIMESTAMP, version = version + 1 WHERE id = ?",
			currentID,
		); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`
	INSERT INTO matches
	(id, transaction_id, receipt_id, type, confidence, criteria_json, active, matched_by, version)
	VALUES (?, ?, ?, ?, ?, ?, 1, ?, 1)`,
		m.ID.String(),
		m.TransactionID.String(),
		m.ReceiptID.String(),
		string(m.Type),
		m.Confidence,
		string(criteriaJSON),
		m.MatchedBy.String(),
	); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	m.Active = true
	return nil
}

// CreateSuggestion persists a non-active match record.
func (s *Storage) CreateSuggestion(m *model.Match) error {
	criteriaJSON, err := json.Marshal(m.Criteria)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
	INSERT INTO matches
	(id, transaction_id, receipt_id, type, confidence, criteria_json, active, matched_by, version)
	VALUES (?, ?, ?, ?, ?, ?, 0, ?, 1)`,
		m.ID.String(),
		m.TransactionID.String(),
		m.ReceiptID.String(),
		string(m.Type),
		m.Confidence,
		string(criteriaJSON),
		m.MatchedBy.String(),
	)
	return err
}

// UpdateMatch persists type/active/confidence changes to an existing match,
// guarded by the optimistic version token.
func (s *Storage) UpdateMatch(m *model.Match) error {
	res, err := s.db.Exec(`
	UPDATE matches
	SET type = ?, confidence = ?, active = ?, matched_by = ?,
	    updated_at = CURRENT_TIMESTAMP, version = version + 1
	WHERE id = ? AND version = ?`,
		string(m.Type), m.Confidence, boolToInt(m.Active), m.MatchedBy.String(),
		m.ID.String(), m.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("match %s version %d: %w", m.ID, m.Version, model.ErrConcurrencyConflict)
	}
	m.Version++
	return nil
}

// DeactivateMatch clears the active flag on a match.
func (s *Storage) DeactivateMatch(id uuid.UUID) error {
	res, err := s.db.Exec(
		"UPDATE matches SET active = 0, updated_at = CURRENT_TIMESTAMP, version = version + 1 WHERE id = ?",
		id.String(),
	)
	if err != nil {
		return err
	}
	return requireRow(res, "match", id)
}

// MatchForPair returns the most recent non-rejected match for the pair.
func (s *Storage) MatchForPair(txnID, receiptID uuid.UUID) (*model.Match, error) {
	row := s.db.QueryRow(matchSelect+`
	 WHERE transaction_id = ? AND receipt_id = ? AND type != 'rejected'
	 ORDER BY created_at DESC LIMIT 1`, txnID.String(), receiptID.String())
	m, err := scanMatch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// SuggestionsForTransaction lists pending suggestion records.
func (s *Storage) SuggestionsForTransaction(txnID uuid.UUID) ([]*model.Match, error) {
	rows, err := s.db.Query(matchSelect+`
	 WHERE transaction_id = ? AND type = 'suggested' AND active = 0
	 ORDER BY confidence DESC`, txnID.String())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveRejection records an explicit negative decision. Duplicate rejections
// of the same pair are collapsed.
func (s *Storage) SaveRejection(r *model.MatchRejection) error {
	_, err := s.db.Exec(`
	INSERT OR REPLACE INTO match_rejections
	(id, org_id, transaction_id, receipt_id, original_confidence, reason,
	 corrected_receipt_id, rejected_by, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))`,
		r.ID.String(),
		r.OrganizationID.String(),
		r.TransactionID.String(),
		r.ReceiptID.String(),
		r.OriginalConfidence,
		r.Reason,
		nullableUUID(r.CorrectedReceiptID),
		r.RejectedBy.String(),
		nullableTime(r.CreatedAt),
	)
	return err
}

// HasRejection reports whether the pair was explicitly rejected before.
func (s *Storage) HasRejection(txnID, receiptID uuid.UUID) (bool, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(1) FROM match_rejections WHERE transaction_id = ? AND receipt_id = ?",
		txnID.String(), receiptID.String(),
	).Scan(&n)
	return n > 0, err
}

// AppendAudit writes one audit-trail row.
func (s *Storage) AppendAudit(entry *model.MatchAuditEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	_, err := s.db.Exec(`
	INSERT INTO match_audit_log
	(id, transaction_id, action, prev_receipt_id, new_receipt_id, performed_by, reason)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID.String(),
		entry.TransactionID.String(),
		string(entry.Action),
		nullableUUID(entry.PrevReceiptID),
		nullableUUID(entry.NewReceiptID),
		entry.PerformedBy.String(),
		entry.Reason,
	)
	return err
}

const matchSelect = `
	SELECT id, transaction_id, receipt_id, type, confidence, criteria_json,
	       active, matched_by, created_at, updated_at, version
	FROM matches`

func scanMatch(row rowScanner) (*model.Match, error) {
	var (
		m                  model.Match
		id, txnID, rcptID  string
		matchType          string
		criteriaJSON       string
		active             int
		matchedBy          string
		createdAt, updated time.Time
	)
	err := row.Scan(&id, &txnID, &rcptID, &matchType, &m.Confidence,
		&criteriaJSON, &active, &matchedBy, &createdAt, &updated, &m.Version)
	if err != nil {
		return nil, err
	}
	if m.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if m.TransactionID, err = uuid.Parse(txnID); err != nil {
		return nil, err
	}
	if m.ReceiptID, err = uuid.Parse(rcptID); err != nil {
		return nil, err
	}
	m.Type = model.MatchType(matchType)
	m.Active = active == 1
	m.MatchedBy = parseUUIDOrNil(matchedBy)
	m.CreatedAt = createdAt
	m.UpdatedAt = updated
	if criteriaJSON != "" {
		if err := json.Unmarshal([]byte(criteriaJSON), &m.Criteria); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
