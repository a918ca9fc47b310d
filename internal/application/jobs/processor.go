package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/g-caf/receipt-match-backend/internal/application/matching"
	"github.com/g-caf/receipt-match-backend/internal/domain/model"
	"github.com/g-caf/receipt-match-backend/internal/infrastructure/storage"
)

// Staleness thresholds. A running job that stops heartbeating for
// StaleProgressThreshold, or runs longer than MaxJobDuration, is assumed
// hung and failed by the sweep.
const (
	StaleProgressThreshold = 30 * time.Minute
	MaxJobDuration         = 2 * time.Hour

	// bulkChunkSize bounds how many transactions one candidate batch
	// covers, so progress moves and cancellation is honored between
	// chunks.
	bulkChunkSize = 25

	retryBaseDelay = 2 * time.Second
	queueDepth     = 256
)

// Processor runs matching jobs on a fixed worker pool. Jobs are persisted
// before queueing, so a restart can observe (and fail) anything that was
// mid-flight.
type Processor struct {
	repo    storage.Repository
	matcher *matching.Service
	logger  *slog.Logger

	workers     int
	maxAttempts int

	queue  chan uuid.UUID
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu      sync.Mutex
	active  map[uuid.UUID]context.CancelFunc
	started bool
}

// NewProcessor builds a processor with the given pool size and retry cap.
func NewProcessor(repo storage.Repository, matcher *matching.Service, workers, maxAttempts int, logger *slog.Logger) *Processor {
	if workers <= 0 {
		workers = 3
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		repo:        repo,
		matcher:     matcher,
		logger:      logger,
		workers:     workers,
		maxAttempts: maxAttempts,
		queue:       make(chan uuid.UUID, queueDepth),
		active:      make(map[uuid.UUID]context.CancelFunc),
	}
}

// Start launches the worker pool and the stale-job sweep.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.wg.Add(1)
	go p.sweepLoop(ctx)
	p.recoverPending()
	p.logger.Info("job processor started", "workers", p.workers)
}

// recoverPending re-enqueues jobs persisted as pending. A queued job lives
// only in the channel, so anything submitted before a restart would
// otherwise wait forever. Jobs that no longer fit the queue are failed
// with the saturation recorded.
func (p *Processor) recoverPending() {
	pending, err := p.repo.PendingJobs()
	if err != nil {
		p.logger.Error("failed to recover pending jobs", "error", err)
		return
	}
	for _, job := range pending {
		select {
		case p.queue <- job.ID:
			p.logger.Info("pending job recovered", "job_id", job.ID, "kind", job.Kind)
		default:
			now := time.Now().UTC()
			job.Status = storage.JobFailed
			job.LastError = "job queue saturated during recovery"
			job.CompletedAt = &now
			if err := p.repo.UpdateJob(job); err != nil {
				p.logger.Error("failed to fail unrecoverable job", "job_id", job.ID, "error", err)
			}
		}
	}
}

// Stop cancels in-flight jobs and waits for the workers to drain.
func (p *Processor) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// Submit persists a new job and queues it for execution.
func (p *Processor) Submit(orgID uuid.UUID, kind storage.JobKind, scope storage.JobScope) (*storage.MatchJob, error) {
	if err := validateScope(kind, scope); err != nil {
		return nil, err
	}
	job := &storage.MatchJob{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Kind:           kind,
		Scope:          scope,
		Status:         storage.JobPending,
		ProgressAt:     time.Now().UTC(),
	}
	if err := p.repo.CreateJob(job); err != nil {
		return nil, err
	}

	select {
	case p.queue <- job.ID:
	default:
		// Queue full: leave the job pending; the sweep will not touch it
		// and a later Submit drain or restart can pick it up. Surface the
		// saturation to the caller.
		job.Status = storage.JobFailed
		job.LastError = "job queue saturated"
		if err := p.repo.UpdateJob(job); err != nil {
			p.logger.Warn("failed to record queue saturation", "job_id", job.ID, "error", err)
		}
		return nil, fmt.Errorf("job queue saturated (%d pending)", queueDepth)
	}
	p.logger.Info("job queued", "job_id", job.ID, "kind", kind, "org_id", orgID)
	return job, nil
}

// Cancel requests cancellation of a running or pending job.
func (p *Processor) Cancel(jobID uuid.UUID) error {
	job, err := p.repo.GetJob(jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case storage.JobCompleted, storage.JobFailed, storage.JobCancelled:
		return fmt.Errorf("%w: job %s already %s", model.ErrValidation, jobID, job.Status)
	}

	p.mu.Lock()
	cancel, running := p.active[jobID]
	p.mu.Unlock()
	if running {
		cancel()
		return nil
	}

	// Pending: mark cancelled so the worker skips it when dequeued.
	now := time.Now().UTC()
	job.Status = storage.JobCancelled
	job.CompletedAt = &now
	return p.repo.UpdateJob(job)
}

func validateScope(kind storage.JobKind, scope storage.JobScope) error {
	switch kind {
	case storage.JobSingle:
		if scope.ItemID == uuid.Nil {
			return fmt.Errorf("%w: single job requires item_id", model.ErrValidation)
		}
		if scope.ItemType != "transaction" && scope.ItemType != "receipt" {
			return fmt.Errorf("%w: single job requires item_type transaction or receipt", model.ErrValidation)
		}
	case storage.JobBulk, storage.JobReprocess:
		if scope.DaysBack < 0 {
			return fmt.Errorf("%w: days_back must be >= 0", model.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown job kind %q", model.ErrValidation, kind)
	}
	return nil
}

func (p *Processor) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-p.queue:
			p.runJob(ctx, jobID)
		}
	}
}

// runJob executes one job with retries. Transient failures back off
// exponentially; once attempts reach the cap the job fails with the last
// error preserved.
func (p *Processor) runJob(ctx context.Context, jobID uuid.UUID) {
	job, err := p.repo.GetJob(jobID)
	if err != nil {
		p.logger.Error("dequeued unknown job", "job_id", jobID, "error", err)
		return
	}
	if job.Status != storage.JobPending {
		return
	}

	// The same ID can sit in the queue twice when recovery re-enqueues a
	// job that was already queued. The first worker to register wins.
	jobCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	if _, dup := p.active[jobID]; dup {
		p.mu.Unlock()
		cancel()
		return
	}
	p.active[jobID] = cancel
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		delete(p.active, jobID)
		p.mu.Unlock()
	}()

	now := time.Now().UTC()
	job.Status = storage.JobRunning
	job.StartedAt = &now
	job.ProgressAt = now
	if err := p.repo.UpdateJob(job); err != nil {
		p.logger.Error("failed to mark job running", "job_id", jobID, "error", err)
		return
	}

	for job.Attempts < p.maxAttempts {
		job.Attempts++
		err := p.execute(jobCtx, job)
		if err == nil {
			p.complete(job)
			return
		}
		if jobCtx.Err() != nil {
			p.markCancelled(job)
			return
		}
		job.LastError = err.Error()
		p.logger.Warn("job attempt failed",
			"job_id", job.ID,
			"attempt", job.Attempts,
			"max_attempts", p.maxAttempts,
			"error", err,
		)
		if job.Attempts >= p.maxAttempts {
			break
		}
		delay := retryBaseDelay << (job.Attempts - 1)
		select {
		case <-jobCtx.Done():
			p.markCancelled(job)
			return
		case <-time.After(delay):
		}
	}
	p.fail(job)
}

// execute runs the job's scope. Idempotency lives in the orchestrator
// (existing matches and rejections are skipped), so a retried or
// reprocessed job never duplicates work.
func (p *Processor) execute(ctx context.Context, job *storage.MatchJob) error {
	switch job.Kind {
	case storage.JobSingle:
		result, err := p.matcher.RunForItem(ctx, job.OrganizationID, job.Scope.ItemID, job.Scope.ItemType)
		if err != nil {
			return err
		}
		job.Total = 1
		job.Processed = 1
		p.accumulate(job, result.Stats)
		return p.heartbeat(job)
	case storage.JobBulk, storage.JobReprocess:
		return p.executeBulk(ctx, job)
	default:
		return fmt.Errorf("%w: unknown job kind %q", model.ErrValidation, job.Kind)
	}
}

func (p *Processor) executeBulk(ctx context.Context, job *storage.MatchJob) error {
	txns, err := p.repo.UnmatchedTransactions(job.OrganizationID, storage.UnmatchedFilters{
		DaysBack: job.Scope.DaysBack,
		Limit:    10000,
	})
	if err != nil {
		return err
	}
	job.Total = len(txns)
	if err := p.heartbeat(job); err != nil {
		return err
	}

	for start := 0; start < len(txns); start += bulkChunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + bulkChunkSize
		if end > len(txns) {
			end = len(txns)
		}
		result, err := p.matcher.RunAutoMatch(ctx, job.OrganizationID, txns[start:end], 0)
		if err != nil {
			return err
		}
		job.Processed = end
		p.accumulate(job, result.Stats)
		if err := p.heartbeat(job); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) accumulate(job *storage.MatchJob, stats matching.BatchStats) {
	job.AutoMatched += stats.AutoMatched
	job.Suggested += stats.Suggested
	job.Skipped += stats.Skipped
	job.Errored += stats.Errored
}

func (p *Processor) heartbeat(job *storage.MatchJob) error {
	job.ProgressAt = time.Now().UTC()
	return p.repo.UpdateJob(job)
}

func (p *Processor) complete(job *storage.MatchJob) {
	now := time.Now().UTC()
	job.Status = storage.JobCompleted
	job.CompletedAt = &now
	job.ProgressAt = now
	job.LastError = ""
	if err := p.repo.UpdateJob(job); err != nil {
		p.logger.Error("failed to mark job completed", "job_id", job.ID, "error", err)
		return
	}
	p.logger.Info("job completed",
		"job_id", job.ID,
		"total", job.Total,
		"auto_matched", job.AutoMatched,
		"suggested", job.Suggested,
		"skipped", job.Skipped,
		"errors", job.Errored,
	)
}

func (p *Processor) fail(job *storage.MatchJob) {
	now := time.Now().UTC()
	job.Status = storage.JobFailed
	job.CompletedAt = &now
	if err := p.repo.UpdateJob(job); err != nil {
		p.logger.Error("failed to mark job failed", "job_id", job.ID, "error", err)
		return
	}
	p.logger.Error("job failed", "job_id", job.ID, "attempts", job.Attempts, "error", job.LastError)
}

func (p *Processor) markCancelled(job *storage.MatchJob) {
	now := time.Now().UTC()
	job.Status = storage.JobCancelled
	job.CompletedAt = &now
	if err := p.repo.UpdateJob(job); err != nil {
		p.logger.Error("failed to mark job cancelled", "job_id", job.ID, "error", err)
		return
	}
	p.logger.Info("job cancelled", "job_id", job.ID, "processed", job.Processed)
}

// sweepLoop periodically fails running jobs whose heartbeat has gone
// silent or that have exceeded the maximum duration.
func (p *Processor) sweepLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.SweepStale()
		}
	}
}

// SweepStale fails hung jobs. Exported so operators can trigger it on
// demand after a crash.
func (p *Processor) SweepStale() {
	stale, err := p.repo.StaleRunningJobs(StaleProgressThreshold, MaxJobDuration)
	if err != nil {
		p.logger.Error("stale-job sweep failed", "error", err)
		return
	}
	for _, job := range stale {
		now := time.Now().UTC()
		job.Status = storage.JobFailed
		job.LastError = "job stalled: no progress within threshold"
		job.CompletedAt = &now
		if err := p.repo.UpdateJob(job); err != nil {
			p.logger.Error("failed to fail stale job", "job_id", job.ID, "error", err)
			continue
		}
		p.logger.Warn("stale job failed by sweep", "job_id", job.ID, "progress_at", job.ProgressAt)
	}
}
