package matching

import (
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/g-caf/receipt-match-backend/internal/domain/model"
	"github.com/g-caf/receipt-match-backend/internal/infrastructure/config"
	"github.com/g-caf/receipt-match-backend/internal/infrastructure/storage"
)

// ConfigCache holds organization-scoped matching configs as immutable
// snapshots. Readers always see a complete config; writers (admin updates
// and the learning pass) publish a whole new value rather than mutating
// fields in place.
type ConfigCache struct {
	repo     storage.ConfigRepository
	defaults config.MatchingDefaults

	mu        sync.RWMutex
	snapshots map[uuid.UUID]*model.MatchingConfig
}

// NewConfigCache creates a cache backed by the given repository. defaults
// seed organizations that have never been configured.
func NewConfigCache(repo storage.ConfigRepository, defaults config.MatchingDefaults) *ConfigCache {
	return &ConfigCache{
		repo:      repo,
		defaults:  defaults,
		snapshots: make(map[uuid.UUID]*model.MatchingConfig),
	}
}

// Get returns the organization's current config snapshot, seeding and
// persisting a default one on first touch. The returned value must be
// treated as read-only.
func (c *ConfigCache) Get(orgID uuid.UUID) (*model.MatchingConfig, error) {
	c.mu.RLock()
	snap, ok := c.snapshots[orgID]
	c.mu.RUnlock()
	if ok {
		return snap, nil
	}

	cfg, err := c.repo.GetConfig(orgID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = c.seeded(orgID)
		if err := c.repo.SaveConfig(cfg); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another goroutine may have loaded it meanwhile; keep whichever
	// snapshot is newer.
	if existing, ok := c.snapshots[orgID]; ok && existing.Version >= cfg.Version {
		return existing, nil
	}
	c.snapshots[orgID] = cfg
	return cfg, nil
}

// Publish validates, persists, and atomically swaps in a new config
// snapshot. On validation failure the prior snapshot is retained.
func (c *ConfigCache) Publish(cfg *model.MatchingConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := c.repo.SaveConfig(cfg); err != nil {
		return err
	}
	c.mu.Lock()
	c.snapshots[cfg.OrganizationID] = cfg
	c.mu.Unlock()
	return nil
}

func (c *ConfigCache) seeded(orgID uuid.UUID) *model.MatchingConfig {
	cfg := model.DefaultMatchingConfig(orgID)
	d := c.defaults
	if d.AmountTolerancePercent > 0 {
		cfg.AmountTolerancePercent = d.AmountTolerancePercent
	}
	if d.AmountToleranceFixed > 0 {
		cfg.AmountToleranceFixed = decimal.NewFromFloat(d.AmountToleranceFixed)
	}
	if d.DateWindowDays > 0 {
		cfg.DateWindowDays = d.DateWindowDays
	}
	if d.MerchantSimilarityMin > 0 {
		cfg.MerchantSimilarityMin = d.MerchantSimilarityMin
	}
	if d.LocationRadiusKM > 0 {
		cfg.LocationRadiusKM = d.LocationRadiusKM
	}
	if d.AutoMatchThreshold > 0 {
		cfg.AutoMatchThreshold = d.AutoMatchThreshold
	}
	if d.SuggestThreshold > 0 {
		cfg.SuggestThreshold = d.SuggestThreshold
	}
	if d.MaxCandidates > 0 {
		cfg.MaxCandidates = d.MaxCandidates
	}
	return cfg
}
