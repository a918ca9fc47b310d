package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/g-caf/receipt-match-backend/internal/domain/model"
)

// GetConfig returns the organization's matching config, or nil when the
// organization was never configured.
func (s *Storage) GetConfig(orgID uuid.UUID) (*model.MatchingConfig, error) {
	var (
		cfg             model.MatchingConfig
		fixed, weights  string
		learningEnabled int
	)
	err := s.db.QueryRow(`
	SELECT amount_tolerance_percent, amount_tolerance_fixed, date_window_days,
	       merchant_similarity_min, location_radius_km, auto_match_threshold,
	       suggest_threshold, weights_json, max_candidates, learning_enabled,
	       version, updated_at
	FROM matching_configs WHERE org_id = ?`, orgID.String()).Scan(
		&cfg.AmountTolerancePercent, &fixed, &cfg.DateWindowDays,
		&cfg.MerchantSimilarityMin, &cfg.LocationRadiusKM, &cfg.AutoMatchThreshold,
		&cfg.SuggestThreshold, &weights, &cfg.MaxCandidates, &learningEnabled,
		&cfg.Version, &cfg.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	cfg.OrganizationID = orgID
	cfg.LearningEnabled = learningEnabled == 1
	if cfg.AmountToleranceFixed, err = decimal.NewFromString(fixed); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(weights), &cfg.Weights); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveConfig validates and persists a config, superseding the stored row.
func (s *Storage) SaveConfig(cfg *model.MatchingConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	weightsJSON, err := json.Marshal(cfg.Weights)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
	INSERT OR REPLACE INTO matching_configs
	(org_id, amount_tolerance_percent, amount_tolerance_fixed, date_window_days,
	 merchant_similarity_min, location_radius_km, auto_match_threshold,
	 suggest_threshold, weights_json, max_candidates, learning_enabled, version, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		cfg.OrganizationID.String(),
		cfg.AmountTolerancePercent,
		cfg.AmountToleranceFixed.String(),
		cfg.DateWindowDays,
		cfg.MerchantSimilarityMin,
		cfg.LocationRadiusKM,
		cfg.AutoMatchThreshold,
		cfg.SuggestThreshold,
		string(weightsJSON),
		cfg.MaxCandidates,
		boolToInt(cfg.LearningEnabled),
		cfg.Version,
	)
	return err
}

// ConfiguredOrganizations lists every organization with a stored config.
func (s *Storage) ConfiguredOrganizations() ([]uuid.UUID, error) {
	rows, err := s.db.Query("SELECT org_id FROM matching_configs ORDER BY org_id")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// FindMappingByVariant looks up the mapping covering a normalized raw name.
// Returns nil when no mapping covers it.
func (s *Storage) FindMappingByVariant(orgID uuid.UUID, normalizedVariant string) (*model.MerchantMapping, error) {
	var mappingID string
	err := s.db.QueryRow(
		"SELECT mapping_id FROM mapping_variants WHERE org_id = ? AND variant = ?",
		orgID.String(), normalizedVariant,
	).Scan(&mappingID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.getMapping(mappingID)
}

// SaveMapping upserts a mapping and its variant rows.
func (s *Storage) SaveMapping(mapping *model.MerchantMapping) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
	INSERT OR REPLACE INTO merchant_mappings
	(id, org_id, canonical_name, category, confidence, verified, usage_count, last_used_at, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))`,
		mapping.ID.String(),
		mapping.OrganizationID.String(),
		mapping.CanonicalName,
		mapping.Category,
		mapping.Confidence,
		boolToInt(mapping.Verified),
		mapping.UsageCount,
		nullableTime(mapping.LastUsedAt),
		nullableTime(mapping.CreatedAt),
	); err != nil {
		return err
	}

	for _, v := range mapping.Variants {
		if _, err := tx.Exec(`
		INSERT OR REPLACE INTO mapping_variants (mapping_id, org_id, variant)
		VALUES (?, ?, ?)`,
			mapping.ID.String(), mapping.OrganizationID.String(), v,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// DeleteMapping removes a mapping row and any variant rows still pointing
// at it. Variants already reassigned to a surviving mapping are untouched.
func (s *Storage) DeleteMapping(id uuid.UUID) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM mapping_variants WHERE mapping_id = ?", id.String()); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM merchant_mappings WHERE id = ?", id.String()); err != nil {
		return err
	}
	return tx.Commit()
}

// ListMappings returns all of an organization's learned mappings.
func (s *Storage) ListMappings(orgID uuid.UUID) ([]*model.MerchantMapping, error) {
	rows, err := s.db.Query(
		"SELECT id FROM merchant_mappings WHERE org_id = ? ORDER BY usage_count DESC",
		orgID.String(),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*model.MerchantMapping, 0, len(ids))
	for _, id := range ids {
		m, err := s.getMapping(id)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Storage) getMapping(id string) (*model.MerchantMapping, error) {
	var (
		m          model.MerchantMapping
		orgID      string
		verified   int
		lastUsed   sql.NullTime
	)
	err := s.db.QueryRow(`
	SELECT id, org_id, canonical_name, category, confidence, verified,
	       usage_count, last_used_at, created_at
	FROM merchant_mappings WHERE id = ?`, id).Scan(
		&id, &orgID, &m.CanonicalName, &m.Category, &m.Confidence,
		&verified, &m.UsageCount, &lastUsed, &m.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("merchant mapping %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if m.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if m.OrganizationID, err = uuid.Parse(orgID); err != nil {
		return nil, err
	}
	m.Verified = verified == 1
	if lastUsed.Valid {
		m.LastUsedAt = lastUsed.Time
	}

	rows, err := s.db.Query("SELECT variant FROM mapping_variants WHERE mapping_id = ?", id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		m.Variants = append(m.Variants, v)
	}
	return &m, rows.Err()
}

// SaveFeedback appends a write-once feedback record.
func (s *Storage) SaveFeedback(fb *model.LearningFeedback) error {
	var correctionTxn, correctionRcpt any
	if fb.Correction != nil {
		correctionTxn = fb.Correction.TransactionID.String()
		correctionRcpt = fb.Correction.ReceiptID.String()
	}

	// The org is derived from the match's transaction so feedback can be
	// windowed per organization without a join at read time.
	var orgID string
	err := s.db.QueryRow(`
	SELECT t.org_id FROM matches m JOIN transactions t ON t.id = m.transaction_id
	WHERE m.id = ?`, fb.MatchID.String()).Scan(&orgID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("match %s: %w", fb.MatchID, model.ErrNotFound)
	}
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
	INSERT INTO learning_feedback
	(id, org_id, match_id, was_correct, correction_transaction_id,
	 correction_receipt_id, submitted_by, notes, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))`,
		fb.ID.String(),
		orgID,
		fb.MatchID.String(),
		boolToInt(fb.WasCorrect),
		correctionTxn,
		correctionRcpt,
		fb.SubmittedBy.String(),
		fb.Notes,
		nullableTime(fb.CreatedAt),
	)
	return err
}

// ListFeedbackSince returns feedback in the rolling learning window.
func (s *Storage) ListFeedbackSince(orgID uuid.UUID, since time.Time) ([]*model.LearningFeedback, error) {
	rows, err := s.db.Query(`
	SELECT id, match_id, was_correct, correction_transaction_id,
	       correction_receipt_id, submitted_by, notes, created_at
	FROM learning_feedback
	WHERE org_id = ? AND created_at >= ?
	ORDER BY created_at`, orgID.String(), since.UTC())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.LearningFeedback
	for rows.Next() {
		var (
			fb                      model.LearningFeedback
			id, matchID, submitted  string
			wasCorrect              int
			corrTxn, corrRcpt       sql.NullString
		)
		if err := rows.Scan(&id, &matchID, &wasCorrect, &corrTxn, &corrRcpt,
			&submitted, &fb.Notes, &fb.CreatedAt); err != nil {
			return nil, err
		}
		if fb.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if fb.MatchID, err = uuid.Parse(matchID); err != nil {
			return nil, err
		}
		fb.WasCorrect = wasCorrect == 1
		fb.SubmittedBy = parseUUIDOrNil(submitted)
		if corrTxn.Valid && corrRcpt.Valid {
			fb.Correction = &model.FeedbackCorrection{
				TransactionID: parseUUIDOrNil(corrTxn.String),
				ReceiptID:     parseUUIDOrNil(corrRcpt.String),
			}
		}
		out = append(out, &fb)
	}
	return out, rows.Err()
}
