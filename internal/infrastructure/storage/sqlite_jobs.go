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

// CreateJob persists a new matching job.
func (s *Storage) CreateJob(job *MatchJob) error {
	scopeJSON, err := json.Marshal(job.Scope)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
	INSERT INTO match_jobs
	(id, org_id, kind, scope_json, priority, status, attempts, total, processed,
	 auto_matched, suggested, skipped, errored, last_error, created_at, progress_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
		job.ID.String(),
		job.OrganizationID.String(),
		string(job.Kind),
		string(scopeJSON),
		job.Priority,
		string(job.Status),
		job.Attempts,
		job.Total,
		job.Processed,
		job.AutoMatched,
		job.Suggested,
		job.Skipped,
		job.Errored,
		job.LastError,
	)
	return err
}

// GetJob retrieves a job by ID.
func (s *Storage) GetJob(id uuid.UUID) (*MatchJob, error) {
	row := s.db.QueryRow(jobSelect+" WHERE id = ?", id.String())
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	return job, err
}

// UpdateJob persists job status and progress counters.
func (s *Storage) UpdateJob(job *MatchJob) error {
	res, err := s.db.Exec(`
	UPDATE match_jobs
	SET status = ?, attempts = ?, total = ?, processed = ?, auto_matched = ?,
	    suggested = ?, skipped = ?, errored = ?, last_error = ?,
	    started_at = ?, completed_at = ?, progress_at = CURRENT_TIMESTAMP
	WHERE id = ?`,
		string(job.Status),
		job.Attempts,
		job.Total,
		job.Processed,
		job.AutoMatched,
		job.Suggested,
		job.Skipped,
		job.Errored,
		job.LastError,
		nullableTimePtr(job.StartedAt),
		nullableTimePtr(job.CompletedAt),
		job.ID.String(),
	)
	if err != nil {
		return err
	}
	return requireRow(res, "job", job.ID)
}

// ListJobs returns an organization's recent jobs, newest first.
func (s *Storage) ListJobs(orgID uuid.UUID, limit int) ([]*MatchJob, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(jobSelect+`
	 WHERE org_id = ? ORDER BY created_at DESC LIMIT ?`, orgID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*MatchJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// PendingJobs returns all jobs still waiting to run, oldest first.
func (s *Storage) PendingJobs() ([]*MatchJob, error) {
	rows, err := s.db.Query(jobSelect + `
	 WHERE status = 'pending' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*MatchJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// StaleRunningJobs returns running jobs without a recent progress heartbeat
// or running longer than maxAge.
func (s *Storage) StaleRunningJobs(progressStale, maxAge time.Duration) ([]*MatchJob, error) {
	now := time.Now().UTC()
	rows, err := s.db.Query(jobSelect+`
	 WHERE status = 'running' AND (progress_at < ? OR started_at < ?)`,
		now.Add(-progressStale), now.Add(-maxAge))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*MatchJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// MetricsForPeriod computes aggregate matching outcomes for one
// organization over [from, to].
func (s *Storage) MetricsForPeriod(orgID uuid.UUID, from, to time.Time) (*model.MatchingMetrics, error) {
	metrics := &model.MatchingMetrics{
		OrganizationID:  orgID,
		PeriodStart:     from,
		PeriodEnd:       to,
		UnmatchedAmount: decimal.Zero,
	}

	var avg sql.NullFloat64
	err := s.db.QueryRow(`
	SELECT
	  COUNT(CASE WHEN m.type = 'auto' THEN 1 END),
	  COUNT(CASE WHEN m.type = 'suggested' THEN 1 END),
	  COUNT(CASE WHEN m.type IN ('manual', 'reviewed') THEN 1 END),
	  COUNT(CASE WHEN m.type = 'rejected' THEN 1 END),
	  AVG(CASE WHEN m.type != 'rejected' THEN m.confidence END)
	FROM matches m
	JOIN transactions t ON t.id = m.transaction_id
	WHERE t.org_id = ? AND m.created_at BETWEEN ? AND ?`,
		orgID.String(), from.UTC(), to.UTC(),
	).Scan(&metrics.AutoMatches, &metrics.Suggestions, &metrics.ManualMatches,
		&metrics.Rejections, &avg)
	if err != nil {
		return nil, err
	}
	if avg.Valid {
		metrics.AvgConfidence = avg.Float64
	}

	err = s.db.QueryRow(`
	SELECT COUNT(1), COUNT(CASE WHEN was_correct = 1 THEN 1 END)
	FROM learning_feedback
	WHERE org_id = ? AND created_at BETWEEN ? AND ?`,
		orgID.String(), from.UTC(), to.UTC(),
	).Scan(&metrics.FeedbackTotal, &metrics.FeedbackCorrect)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
	SELECT amount FROM transactions t
	WHERE t.org_id = ? AND t.transaction_date BETWEEN ? AND ?
	  AND NOT EXISTS (
	      SELECT 1 FROM matches m WHERE m.transaction_id = t.id AND m.active = 1
	  )`, orgID.String(), from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, err
		}
		metrics.UnmatchedTxns++
		metrics.UnmatchedAmount = metrics.UnmatchedAmount.Add(amount.Abs())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRow(`
	SELECT COUNT(1) FROM receipts r
	WHERE r.org_id = ? AND r.receipt_date BETWEEN ? AND ?
	  AND NOT EXISTS (
	      SELECT 1 FROM matches m WHERE m.receipt_id = r.id AND m.active = 1
	  )`, orgID.String(), from.UTC(), to.UTC()).Scan(&metrics.UnmatchedRcpts)
	if err != nil {
		return nil, err
	}

	return metrics, nil
}

const jobSelect = `
	SELECT id, org_id, kind, scope_json, priority, status, attempts, total,
	       processed, auto_matched, suggested, skipped, errored, last_error,
	       created_at, started_at, completed_at, progress_at
	FROM match_jobs`

func scanJob(row rowScanner) (*MatchJob, error) {
	var (
		job                  MatchJob
		id, orgID            string
		kind, status         string
		scopeJSON            string
		startedAt, completed sql.NullTime
		progressAt           sql.NullTime
	)
	err := row.Scan(&id, &orgID, &kind, &scopeJSON, &job.Priority, &status,
		&job.Attempts, &job.Total, &job.Processed, &job.AutoMatched,
		&job.Suggested, &job.Skipped, &job.Errored, &job.LastError,
		&job.CreatedAt, &startedAt, &completed, &progressAt)
	if err != nil {
		return nil, err
	}
	if job.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if job.OrganizationID, err = uuid.Parse(orgID); err != nil {
		return nil, err
	}
	job.Kind = JobKind(kind)
	job.Status = JobStatus(status)
	if scopeJSON != "" {
		if err := json.Unmarshal([]byte(scopeJSON), &job.Scope); err != nil {
			return nil, err
		}
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completed.Valid {
		job.CompletedAt = &completed.Time
	}
	if progressAt.Valid {
		job.ProgressAt = progressAt.Time
	}
	return &job, nil
}

func nullableTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
