package storage

import (
	"time"

	"github.com/google/uuid"
)

// JobKind selects the scope of a matching job.
type JobKind string

const (
	// JobSingle matches one item (transaction or receipt).
	JobSingle JobKind = "single"
	// JobBulk matches everything unmatched in a date range.
	JobBulk JobKind = "bulk"
	// JobReprocess re-runs matching over a range, skipping pairs that
	// already carry an active match.
	JobReprocess JobKind = "reprocess"
)

// JobStatus tracks a job through its lifecycle.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// JobScope bounds what a job processes.
type JobScope struct {
	ItemID   uuid.UUID `json:"item_id,omitempty"`   // for single jobs
	ItemType string    `json:"item_type,omitempty"` // "transaction" or "receipt"
	DaysBack int       `json:"days_back,omitempty"` // for bulk/reprocess jobs
}

// MatchJob is one queued or executed matching run. Jobs are explicit data
// consumed by a fixed worker pool; retries increment Attempts up to the
// configured cap.
type MatchJob struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Kind           JobKind
	Scope          JobScope
	Priority       int
	Status         JobStatus
	Attempts       int
	Total          int
	Processed      int
	AutoMatched    int
	Suggested      int
	Skipped        int
	Errored        int
	LastError      string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ProgressAt     time.Time // last progress heartbeat
}
