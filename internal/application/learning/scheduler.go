package learning

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/g-caf/receipt-match-backend/internal/infrastructure/storage"
)

// Scheduler runs the adaptation pass on a cron schedule across every
// configured organization.
type Scheduler struct {
	adapter *Adapter
	repo    storage.ConfigRepository
	logger  *slog.Logger
	cron    *cron.Cron
}

func NewScheduler(adapter *Adapter, repo storage.ConfigRepository, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{adapter: adapter, repo: repo, logger: logger}
}

// Start validates the schedule and begins running the pass. The schedule is
// a standard 5-field cron expression (minute hour day-of-month month
// day-of-week), e.g. "0 3 * * *" for daily at 03:00.
func (s *Scheduler) Start(schedule string) error {
	if !s.adapter.cfg.Enabled {
		s.logger.Info("learning adaptation disabled")
		return nil
	}
	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
	)))
	if _, err := c.AddFunc(schedule, s.runAll); err != nil {
		return fmt.Errorf("invalid learning schedule %q: %w", schedule, err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("learning adaptation scheduled", "schedule", schedule)
	return nil
}

// Stop halts the schedule and waits for an in-flight pass to finish.
func (s *Scheduler) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}
	done := s.cron.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("learning pass did not finish before shutdown")
	}
}

// RunOnce executes the pass immediately for every configured organization.
func (s *Scheduler) RunOnce() {
	s.runAll()
}

func (s *Scheduler) runAll() {
	started := time.Now()
	orgs, err := s.repo.ConfiguredOrganizations()
	if err != nil {
		s.logger.Error("cannot list organizations for learning pass", "error", err)
		return
	}
	adapted := 0
	for _, orgID := range orgs {
		next, err := s.adapter.RunForOrg(orgID)
		if err != nil {
			s.logger.Error("learning pass failed", "org_id", orgID, "error", err)
			continue
		}
		if next != nil {
			adapted++
		}
	}
	s.logger.Info("learning pass complete",
		"organizations", len(orgs),
		"adapted", adapted,
		"duration", time.Since(started).Round(time.Millisecond),
	)
}
