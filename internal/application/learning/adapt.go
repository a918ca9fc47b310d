package learning

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/g-caf/receipt-match-backend/internal/application/matching"
	"github.com/g-caf/receipt-match-backend/internal/domain/model"
	"github.com/g-caf/receipt-match-backend/internal/infrastructure/config"
	"github.com/g-caf/receipt-match-backend/internal/infrastructure/storage"
)

// Threshold bounds. Adaptation never moves thresholds outside these no
// matter how one-sided the feedback is.
const (
	autoThresholdMin    = 0.5
	autoThresholdMax    = 0.99
	suggestThresholdMin = 0.3
	minFeedbackForStep  = 10
)

// Adapter runs the periodic feedback-driven tuning pass: it reads the
// rolling feedback window, nudges thresholds and criterion weights by a
// bounded step, and publishes a new config version.
type Adapter struct {
	repo    storage.Repository
	configs *matching.ConfigCache
	cfg     config.LearningConfig
	logger  *slog.Logger
	now     func() time.Time
}

func NewAdapter(repo storage.Repository, configs *matching.ConfigCache, cfg config.LearningConfig, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{repo: repo, configs: configs, cfg: cfg, logger: logger, now: time.Now}
}

// RunForOrg executes one adaptation pass for a single organization.
// Returns the published config, or nil when nothing changed.
func (a *Adapter) RunForOrg(orgID uuid.UUID) (*model.MatchingConfig, error) {
	current, err := a.configs.Get(orgID)
	if err != nil {
		return nil, err
	}
	if !current.LearningEnabled {
		return nil, nil
	}

	since := a.now().AddDate(0, 0, -a.cfg.WindowDays)
	feedback, err := a.repo.ListFeedbackSince(orgID, since)
	if err != nil {
		return nil, err
	}
	if len(feedback) < minFeedbackForStep {
		a.logger.Debug("insufficient feedback for adaptation", "org_id", orgID, "feedback", len(feedback))
		return nil, nil
	}

	sample, err := a.collect(feedback)
	if err != nil {
		return nil, err
	}
	next := a.adjust(current, sample)
	if next == nil {
		return nil, nil
	}
	if err := a.configs.Publish(next); err != nil {
		return nil, err
	}
	a.logger.Info("matching config adapted",
		"org_id", orgID,
		"version", next.Version,
		"feedback", len(feedback),
		"auto_threshold", next.AutoMatchThreshold,
		"suggest_threshold", next.SuggestThreshold,
	)
	return next, nil
}

// feedbackSample is the windowed feedback joined back to the scored
// matches it judged.
type feedbackSample struct {
	correct   []*model.Match
	incorrect []*model.Match
}

func (a *Adapter) collect(feedback []*model.LearningFeedback) (*feedbackSample, error) {
	sample := &feedbackSample{}
	for _, fb := range feedback {
		m, err := a.repo.GetMatch(fb.MatchID)
		if err != nil {
			a.logger.Warn("feedback references missing match", "match_id", fb.MatchID, "error", err)
			continue
		}
		if fb.WasCorrect {
			sample.correct = append(sample.correct, m)
		} else {
			sample.incorrect = append(sample.incorrect, m)
		}
	}
	return sample, nil
}

// adjust derives the next config from the sample. Every movement is capped
// at MaxStepPerRun per run so a burst of unusual feedback cannot swing the
// engine; weights are renormalized to sum to 1 after nudging.
func (a *Adapter) adjust(current *model.MatchingConfig, sample *feedbackSample) *model.MatchingConfig {
	total := len(sample.correct) + len(sample.incorrect)
	if total == 0 {
		return nil
	}
	errRate := float64(len(sample.incorrect)) / float64(total)

	next := *current
	step := a.cfg.MaxStepPerRun

	// False positives raise the auto threshold; a clean window lowers it
	// back toward admitting more automatic matches.
	switch {
	case errRate > 0.10:
		next.AutoMatchThreshold = clamp(current.AutoMatchThreshold+step, autoThresholdMin, autoThresholdMax)
	case errRate < 0.02:
		next.AutoMatchThreshold = clamp(current.AutoMatchThreshold-step, autoThresholdMin, autoThresholdMax)
	}
	next.SuggestThreshold = clamp(current.SuggestThreshold, suggestThresholdMin, next.AutoMatchThreshold)

	next.Weights = a.adjustWeights(current.Weights, sample, step)

	if next.AutoMatchThreshold == current.AutoMatchThreshold &&
		next.SuggestThreshold == current.SuggestThreshold &&
		next.Weights == current.Weights {
		return nil
	}
	next.Version = current.Version + 1
	return &next
}

// adjustWeights shifts weight toward criteria that discriminate between
// confirmed-correct and confirmed-incorrect matches.
func (a *Adapter) adjustWeights(w model.ConfidenceWeights, sample *feedbackSample, step float64) model.ConfidenceWeights {
	if len(sample.correct) == 0 || len(sample.incorrect) == 0 {
		return w
	}
	good := averageScores(sample.correct)
	bad := averageScores(sample.incorrect)

	// Positive gap: the criterion separates good matches from bad ones.
	nudge := func(current, goodAvg, badAvg float64) float64 {
		gap := goodAvg - badAvg
		switch {
		case gap > 0.2:
			return current + step
		case gap < -0.2:
			return maxFloat(current-step, 0.01)
		default:
			return current
		}
	}
	w.Amount = nudge(w.Amount, good.Amount, bad.Amount)
	w.Date = nudge(w.Date, good.Date, bad.Date)
	w.Merchant = nudge(w.Merchant, good.Merchant, bad.Merchant)
	w.Location = nudge(w.Location, good.Location, bad.Location)
	w.User = nudge(w.User, good.User, bad.User)
	w.Currency = nudge(w.Currency, good.Currency, bad.Currency)
	return w.Normalize()
}

// criterionAverages holds the mean sub-score per criterion over a set of
// matches.
type criterionAverages struct {
	Amount, Date, Merchant, Location, User, Currency float64
}

func averageScores(matches []*model.Match) criterionAverages {
	var sum criterionAverages
	for _, m := range matches {
		sum.Amount += m.Criteria.Amount.Score
		sum.Date += m.Criteria.Date.Score
		sum.Merchant += m.Criteria.Merchant.Score
		sum.Location += m.Criteria.Location.Score
		sum.User += m.Criteria.User.Score
		sum.Currency += m.Criteria.Currency.Score
	}
	n := float64(len(matches))
	sum.Amount /= n
	sum.Date /= n
	sum.Merchant /= n
	sum.Location /= n
	sum.User /= n
	sum.Currency /= n
	return sum
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
