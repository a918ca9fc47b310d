package merchant

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g-caf/receipt-match-backend/internal/domain/model"
)

func TestLearner_Learn(t *testing.T) {
	orgID := uuid.New()

	t.Run("creates a mapping on first positive feedback", func(t *testing.T) {
		store := newStubMappings()
		l := NewLearner(store)

		err := l.Learn(orgID, "SBUX Coffee #4521", "Starbucks", true, "")
		require.NoError(t, err)
		require.Len(t, store.saved, 1)

		m := store.saved[0]
		assert.Equal(t, orgID, m.OrganizationID)
		assert.ElementsMatch(t, []string{"sbux coffee", "starbucks"}, m.Variants)
		assert.Equal(t, "starbucks", m.CanonicalName) // shorter normalized form
		assert.InDelta(t, 0.75, m.Confidence, 1e-9)   // initial plus one reinforcement
		assert.Equal(t, 1, m.UsageCount)
	})

	t.Run("explicit canonical name wins", func(t *testing.T) {
		store := newStubMappings()
		l := NewLearner(store)

		err := l.Learn(orgID, "SBUX Coffee #4521", "Starbucks Coffee 99", true, "Starbucks")
		require.NoError(t, err)
		require.Len(t, store.saved, 1)
		assert.Equal(t, "Starbucks", store.saved[0].CanonicalName)
	})

	t.Run("repeated feedback reinforces the same mapping", func(t *testing.T) {
		store := newStubMappings()
		l := NewLearner(store)

		require.NoError(t, l.Learn(orgID, "SBUX Coffee #4521", "Starbucks", true, ""))
		require.NoError(t, l.Learn(orgID, "SBUX Coffee #4521", "Starbucks Store 7788", true, ""))

		m := store.byVariant["sbux coffee"]
		require.NotNil(t, m)
		assert.Equal(t, 2, m.UsageCount)
		assert.Contains(t, m.Variants, "starbucks store")
		assert.InDelta(t, 0.80, m.Confidence, 1e-9)
	})

	t.Run("confidence is capped", func(t *testing.T) {
		store := newStubMappings()
		l := NewLearner(store)

		for i := 0; i < 20; i++ {
			require.NoError(t, l.Learn(orgID, "SBUX Coffee #4521", "Starbucks", true, ""))
		}
		assert.InDelta(t, 0.99, store.byVariant["starbucks"].Confidence, 1e-9)
	})

	t.Run("feedback joining two mappings merges them", func(t *testing.T) {
		store := newStubMappings()
		l := NewLearner(store)

		// Two independently learned mappings for the same merchant.
		require.NoError(t, l.Learn(orgID, "SBUX Coffee", "SBUX Coffee WA", true, ""))
		require.NoError(t, l.Learn(orgID, "Starbucks", "Starbucks Coffee", true, ""))
		first := store.byVariant["sbux coffee"]
		second := store.byVariant["starbucks"]
		require.NotEqual(t, first.ID, second.ID)

		// Feedback naming one variant from each joins them.
		require.NoError(t, l.Learn(orgID, "SBUX Coffee", "Starbucks", true, ""))

		merged := store.byVariant["starbucks coffee"]
		require.NotNil(t, merged, "absorbed mapping's variants survive the merge")
		assert.Equal(t, first.ID, merged.ID)
		assert.ElementsMatch(t,
			[]string{"sbux coffee", "sbux coffee wa", "starbucks", "starbucks coffee"},
			merged.Variants)
		assert.Equal(t, 3, merged.UsageCount, "usage counts are combined")
		assert.Equal(t, []uuid.UUID{second.ID}, store.deleted)
	})

	t.Run("negative feedback never deletes", func(t *testing.T) {
		store := newStubMappings()
		l := NewLearner(store)

		require.NoError(t, l.Learn(orgID, "SBUX Coffee #4521", "Starbucks", true, ""))
		before := len(store.saved)

		require.NoError(t, l.Learn(orgID, "SBUX Coffee #4521", "Starbucks", false, ""))
		assert.Len(t, store.saved, before)
		assert.NotNil(t, store.byVariant["sbux coffee"])
	})

	t.Run("rejects names that normalize to empty", func(t *testing.T) {
		store := newStubMappings()
		l := NewLearner(store)

		err := l.Learn(orgID, "SQ *", "Starbucks", true, "")
		assert.ErrorIs(t, err, model.ErrValidation)
	})

	t.Run("stamps usage time", func(t *testing.T) {
		store := newStubMappings()
		l := NewLearner(store)
		fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		l.now = func() time.Time { return fixed }

		require.NoError(t, l.Learn(orgID, "SBUX Coffee #4521", "Starbucks", true, ""))
		assert.Equal(t, fixed, store.saved[0].LastUsedAt)
	})
}
