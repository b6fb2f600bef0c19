package analytics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortpilot/shortpilot/internal/fallback"
	"github.com/shortpilot/shortpilot/internal/health"
	"github.com/shortpilot/shortpilot/internal/provider"
	"github.com/shortpilot/shortpilot/internal/store"
	"github.com/shortpilot/shortpilot/internal/store/filestore"
)

type fakeAnalytics struct {
	name    string
	calls   int
	err     error
	results map[string]provider.AnalyticsResult
}

func (f *fakeAnalytics) Name() string { return f.name }

func (f *fakeAnalytics) Call(_ context.Context, req provider.AnalyticsRequest) (provider.AnalyticsResult, error) {
	f.calls++
	if f.err != nil {
		return provider.AnalyticsResult{}, f.err
	}
	res, ok := f.results[req.ContentID]
	if !ok {
		return provider.AnalyticsResult{}, fmt.Errorf("unknown content id %s", req.ContentID)
	}
	return res, nil
}

func newTestPoller(t *testing.T, chain []fallback.Provider[provider.AnalyticsRequest, provider.AnalyticsResult], cfg Config) (*Poller, store.Store) {
	t.Helper()
	fs, err := filestore.New(t.TempDir())
	require.NoError(t, err)
	st := fs.Repos()

	tracker := health.NewTracker(st.Health, health.Config{}, zerolog.Nop())
	coord := fallback.NewCoordinator(tracker, fallback.Config{Retries: -1, RatePerSec: 1000, Burst: 100}, zerolog.Nop())
	return NewPoller(st.Publishes, coord, chain, cfg, zerolog.Nop()), st
}

func publishedAt(slotID, contentID string, at time.Time) store.PublishRecord {
	return store.PublishRecord{
		SlotID:      slotID,
		AttemptedAt: at,
		Outcome:     store.OutcomePublished,
		ContentID:   contentID,
	}
}

func TestCollectAttachesMaturedOnly(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	api := &fakeAnalytics{
		name: "platform",
		results: map[string]provider.AnalyticsResult{
			"vid_old": {Impressions: 4200, CompletionRate: 0.61, CTR: 0.04, EngagementRate: 0.09},
		},
	}
	p, st := newTestPoller(t, []fallback.Provider[provider.AnalyticsRequest, provider.AnalyticsResult]{api}, Config{})

	require.NoError(t, st.Publishes.Insert(ctx, publishedAt("s1", "vid_old", now.Add(-72*time.Hour))))
	require.NoError(t, st.Publishes.Insert(ctx, publishedAt("s2", "vid_fresh", now.Add(-1*time.Hour))))
	require.NoError(t, st.Publishes.Insert(ctx, store.PublishRecord{
		SlotID: "s3", AttemptedAt: now.Add(-72 * time.Hour), Outcome: store.OutcomeFailed,
	}))

	attached, err := p.Collect(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, attached)
	assert.Equal(t, 1, api.calls, "fresh and failed records must not be fetched")

	records, err := st.Publishes.ListSince(ctx, now.Add(-100*time.Hour))
	require.NoError(t, err)
	for _, rec := range records {
		if rec.SlotID == "s1" {
			require.NotNil(t, rec.Performance)
			assert.Equal(t, int64(4200), rec.Performance.Impressions)
			assert.Equal(t, now, rec.Performance.MaturedAt)
		} else {
			assert.Nil(t, rec.Performance)
		}
	}
}

func TestCollectIsIdempotent(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	api := &fakeAnalytics{
		name:    "platform",
		results: map[string]provider.AnalyticsResult{"vid_1": {Impressions: 100}},
	}
	p, st := newTestPoller(t, []fallback.Provider[provider.AnalyticsRequest, provider.AnalyticsResult]{api}, Config{})
	require.NoError(t, st.Publishes.Insert(ctx, publishedAt("s1", "vid_1", now.Add(-72*time.Hour))))

	attached, err := p.Collect(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, attached)

	attached, err = p.Collect(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, attached, "already matured records are not re-fetched")
	assert.Equal(t, 1, api.calls)
}

func TestCollectStopsWhenProvidersExhausted(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	api := &fakeAnalytics{name: "platform", err: errors.New("api down")}
	p, st := newTestPoller(t, []fallback.Provider[provider.AnalyticsRequest, provider.AnalyticsResult]{api}, Config{})

	for i := 0; i < 5; i++ {
		require.NoError(t, st.Publishes.Insert(ctx,
			publishedAt(fmt.Sprintf("s%d", i), fmt.Sprintf("vid_%d", i), now.Add(-72*time.Hour))))
	}

	attached, err := p.Collect(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, attached)
	assert.Equal(t, 1, api.calls, "exhaustion stops the backfill instead of hammering")
}

func TestCollectHonorsPerCycleCap(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	results := make(map[string]provider.AnalyticsResult)
	for i := 0; i < 6; i++ {
		results[fmt.Sprintf("vid_%d", i)] = provider.AnalyticsResult{Impressions: int64(i)}
	}
	api := &fakeAnalytics{name: "platform", results: results}
	p, st := newTestPoller(t, []fallback.Provider[provider.AnalyticsRequest, provider.AnalyticsResult]{api}, Config{MaxPerCycle: 4})

	for i := 0; i < 6; i++ {
		require.NoError(t, st.Publishes.Insert(ctx,
			publishedAt(fmt.Sprintf("s%d", i), fmt.Sprintf("vid_%d", i), now.Add(-72*time.Hour))))
	}

	attached, err := p.Collect(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 4, attached)
}
