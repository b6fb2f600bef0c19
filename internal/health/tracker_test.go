package health

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortpilot/shortpilot/internal/store"
)

type memHealthRepo struct {
	records map[string]store.ProviderHealth
}

func newMemHealthRepo() *memHealthRepo {
	return &memHealthRepo{records: make(map[string]store.ProviderHealth)}
}

func (m *memHealthRepo) key(capability, provider string) string { return capability + "/" + provider }

func (m *memHealthRepo) Upsert(_ context.Context, h store.ProviderHealth) error {
	m.records[m.key(h.Capability, h.Provider)] = h
	return nil
}

func (m *memHealthRepo) Get(_ context.Context, capability, provider string) (*store.ProviderHealth, error) {
	h, ok := m.records[m.key(capability, provider)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &h, nil
}

func (m *memHealthRepo) ListAll(_ context.Context) ([]store.ProviderHealth, error) {
	var out []store.ProviderHealth
	for _, h := range m.records {
		out = append(out, h)
	}
	return out, nil
}

func TestCircuitOpensAtThreshold(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	repo := newMemHealthRepo()
	tr := NewTracker(repo, Config{FailureThreshold: 3, Cooldown: 10 * time.Minute}, zerolog.Nop())

	for i := 0; i < 2; i++ {
		require.NoError(t, tr.RecordFailure(ctx, "narration", "tts_a", now))
		st, err := tr.State(ctx, "narration", "tts_a", now)
		require.NoError(t, err)
		assert.Equal(t, store.CircuitClosed, st, "still closed after %d failures", i+1)
	}

	require.NoError(t, tr.RecordFailure(ctx, "narration", "tts_a", now))
	st, err := tr.State(ctx, "narration", "tts_a", now)
	require.NoError(t, err)
	assert.Equal(t, store.CircuitOpen, st)

	allowed, err := tr.Allow(ctx, "narration", "tts_a", now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, allowed, "open circuit must block inside cooldown")
}

func TestHalfOpenAdmitsSingleTrial(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	repo := newMemHealthRepo()
	tr := NewTracker(repo, Config{FailureThreshold: 3, Cooldown: 10 * time.Minute}, zerolog.Nop())

	for i := 0; i < 3; i++ {
		require.NoError(t, tr.RecordFailure(ctx, "upload", "platform", now))
	}

	after := now.Add(11 * time.Minute)
	allowed, err := tr.Allow(ctx, "upload", "platform", after)
	require.NoError(t, err)
	assert.True(t, allowed, "cooldown elapsed, one trial admitted")

	allowed, err = tr.Allow(ctx, "upload", "platform", after)
	require.NoError(t, err)
	assert.False(t, allowed, "only one trial while half-open")
}

func TestTrialSuccessCloses(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	repo := newMemHealthRepo()
	tr := NewTracker(repo, Config{FailureThreshold: 3, Cooldown: 10 * time.Minute}, zerolog.Nop())

	for i := 0; i < 3; i++ {
		require.NoError(t, tr.RecordFailure(ctx, "render", "renderer", now))
	}
	after := now.Add(11 * time.Minute)
	_, err := tr.Allow(ctx, "render", "renderer", after)
	require.NoError(t, err)

	require.NoError(t, tr.RecordSuccess(ctx, "render", "renderer", after))
	st, err := tr.State(ctx, "render", "renderer", after)
	require.NoError(t, err)
	assert.Equal(t, store.CircuitClosed, st)

	h, err := repo.Get(ctx, "render", "renderer")
	require.NoError(t, err)
	assert.Zero(t, h.ConsecutiveFailures)
}

func TestTrialFailureReopens(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	repo := newMemHealthRepo()
	tr := NewTracker(repo, Config{FailureThreshold: 3, Cooldown: 10 * time.Minute}, zerolog.Nop())

	for i := 0; i < 3; i++ {
		require.NoError(t, tr.RecordFailure(ctx, "content", "anthropic", now))
	}
	after := now.Add(11 * time.Minute)
	_, err := tr.Allow(ctx, "content", "anthropic", after)
	require.NoError(t, err)

	require.NoError(t, tr.RecordFailure(ctx, "content", "anthropic", after))
	st, err := tr.State(ctx, "content", "anthropic", after)
	require.NoError(t, err)
	assert.Equal(t, store.CircuitOpen, st)

	allowed, err := tr.Allow(ctx, "content", "anthropic", after.Add(5*time.Minute))
	require.NoError(t, err)
	assert.False(t, allowed, "reopened circuit restarts the cooldown")
}

func TestSuccessResetsStreak(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	repo := newMemHealthRepo()
	tr := NewTracker(repo, Config{}, zerolog.Nop())

	require.NoError(t, tr.RecordFailure(ctx, "assets", "svc", now))
	require.NoError(t, tr.RecordFailure(ctx, "assets", "svc", now))
	require.NoError(t, tr.RecordSuccess(ctx, "assets", "svc", now))
	require.NoError(t, tr.RecordFailure(ctx, "assets", "svc", now))
	require.NoError(t, tr.RecordFailure(ctx, "assets", "svc", now))

	st, err := tr.State(ctx, "assets", "svc", now)
	require.NoError(t, err)
	assert.Equal(t, store.CircuitClosed, st, "interleaved success must reset the streak")
}
