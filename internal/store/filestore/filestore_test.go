package filestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortpilot/shortpilot/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	fs, err := New(t.TempDir())
	require.NoError(t, err)
	return fs.Repos()
}

func TestFingerprintRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	fp := store.Fingerprint{
		Kind:      store.KindQuestion,
		Hash:      "abc123",
		Shingles:  []string{"what is the", "is the capital"},
		CreatedAt: now,
	}
	require.NoError(t, st.Fingerprints.Insert(ctx, fp))

	got, err := st.Fingerprints.ListSince(ctx, store.KindQuestion, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, fp.Hash, got[0].Hash)
	assert.Equal(t, fp.Shingles, got[0].Shingles)

	// Other kinds and later cutoffs see nothing.
	got, err = st.Fingerprints.ListSince(ctx, store.KindMusic, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)
	got, err = st.Fingerprints.ListSince(ctx, store.KindQuestion, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)

	removed, err := st.Fingerprints.DeleteOlderThan(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestPublishRecordLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	rec := store.PublishRecord{
		SlotID:      "2026-08-20-01",
		ScheduledAt: now,
		AttemptedAt: now.Add(5 * time.Minute),
		Template:    "multiple_choice",
		Category:    "geography",
		Voice:       "alloy",
		Hour:        12,
		Outcome:     store.OutcomePublished,
		ContentID:   "vid_123",
	}
	require.NoError(t, st.Publishes.Insert(ctx, rec))

	perf := store.Performance{Impressions: 5000, CompletionRate: 0.7, MaturedAt: now.Add(48 * time.Hour)}
	require.NoError(t, st.Publishes.AttachPerformance(ctx, rec.SlotID, perf))

	got, err := st.Publishes.ListSince(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Performance)
	assert.Equal(t, int64(5000), got[0].Performance.Impressions)

	// Performance is attached exactly once.
	err = st.Publishes.AttachPerformance(ctx, rec.SlotID, perf)
	assert.Error(t, err)

	err = st.Publishes.AttachPerformance(ctx, "no-such-slot", perf)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListRecentOrdersNewestFirst(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, st.Publishes.Insert(ctx, store.PublishRecord{
			SlotID:      time.Duration(i).String(),
			AttemptedAt: now.Add(time.Duration(i) * time.Hour),
			Outcome:     store.OutcomePublished,
		}))
	}

	got, err := st.Publishes.ListRecent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[0].AttemptedAt.After(got[1].AttemptedAt))
	assert.True(t, got[1].AttemptedAt.After(got[2].AttemptedAt))
}

func TestStrategyVersionConflict(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	_, err := st.Strategy.Load(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)

	doc := store.StrategyDoc{
		SchemaVersion: 1,
		Weights:       map[string]map[string]float64{"category": {"geography": 1}},
	}
	require.NoError(t, st.Strategy.Save(ctx, &doc))
	assert.Equal(t, int64(1), doc.Version, "save bumps the caller's version")

	loaded, err := st.Strategy.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, st.Strategy.Save(ctx, loaded))

	// The first copy is now stale; its save must be rejected.
	stale := doc
	err = st.Strategy.Save(ctx, &stale)
	assert.ErrorIs(t, err, store.ErrVersionConflict)
}

func TestRiskVersionConflict(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	doc := store.RiskDoc{Mode: store.RiskNormal}
	require.NoError(t, st.Risk.Save(ctx, &doc))

	stale := store.RiskDoc{Mode: store.RiskPaused, Version: doc.Version - 1}
	err := st.Risk.Save(ctx, &stale)
	assert.ErrorIs(t, err, store.ErrVersionConflict)

	loaded, err := st.Risk.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.RiskNormal, loaded.Mode)
}

func TestHealthUpsert(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	_, err := st.Health.Get(ctx, "content", "anthropic")
	assert.ErrorIs(t, err, store.ErrNotFound)

	h := store.ProviderHealth{
		Capability:     "content",
		Provider:       "anthropic",
		State:          store.CircuitClosed,
		LastTransition: now,
	}
	require.NoError(t, st.Health.Upsert(ctx, h))

	h.ConsecutiveFailures = 2
	require.NoError(t, st.Health.Upsert(ctx, h))

	got, err := st.Health.Get(ctx, "content", "anthropic")
	require.NoError(t, err)
	assert.Equal(t, 2, got.ConsecutiveFailures)

	all, err := st.Health.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1, "upsert must not duplicate records")
}
