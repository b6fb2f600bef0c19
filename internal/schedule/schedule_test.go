package schedule

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortpilot/shortpilot/internal/store"
	"github.com/shortpilot/shortpilot/internal/strategy"
)

func testDoc() store.StrategyDoc {
	return strategy.DefaultDoc(map[string][]string{
		strategy.DimTemplate: {"multiple_choice", "true_false"},
		strategy.DimCategory: {"geography", "history", "science", "movies"},
		strategy.DimVoice:    {"alloy", "echo"},
		strategy.DimHour:     {"9", "12", "17", "20"},
	}, time.Now())
}

func TestBuildPlanNormalMode(t *testing.T) {
	p := NewPlanner(Config{}, zerolog.Nop(), 42)
	day := time.Date(2026, 8, 20, 6, 0, 0, 0, time.UTC)

	plan, err := p.BuildPlan(testDoc(), store.RiskNormal, day)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, len(plan.Slots), 3, "4 per day with +/-1 jitter")
	assert.LessOrEqual(t, len(plan.Slots), 5)

	for i, s := range plan.Slots {
		assert.NotEmpty(t, s.Template)
		assert.NotEmpty(t, s.Category)
		assert.NotEmpty(t, s.Voice)
		assert.Equal(t, day.Day(), s.At.Day())
		if i > 0 {
			gap := s.At.Sub(plan.Slots[i-1].At)
			assert.GreaterOrEqual(t, gap, 45*time.Minute, "slots %d and %d too close", i-1, i)
		}
	}
}

func TestBuildPlanThrottledHalvesTarget(t *testing.T) {
	p := NewPlanner(Config{}, zerolog.Nop(), 42)
	day := time.Date(2026, 8, 20, 6, 0, 0, 0, time.UTC)

	plan, err := p.BuildPlan(testDoc(), store.RiskThrottled, day)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(plan.Slots), 1)
	assert.LessOrEqual(t, len(plan.Slots), 3)
}

func TestBuildPlanPausedIsEmpty(t *testing.T) {
	p := NewPlanner(Config{}, zerolog.Nop(), 42)
	day := time.Date(2026, 8, 20, 6, 0, 0, 0, time.UTC)

	plan, err := p.BuildPlan(testDoc(), store.RiskPaused, day)
	require.NoError(t, err)
	assert.Empty(t, plan.Slots)
}

func TestBuildPlanDeterministicWithinDay(t *testing.T) {
	p := NewPlanner(Config{}, zerolog.Nop(), 42)
	morning := time.Date(2026, 8, 20, 1, 0, 0, 0, time.UTC)
	evening := time.Date(2026, 8, 20, 22, 0, 0, 0, time.UTC)

	a, err := p.BuildPlan(testDoc(), store.RiskNormal, morning)
	require.NoError(t, err)
	b, err := p.BuildPlan(testDoc(), store.RiskNormal, evening)
	require.NoError(t, err)

	require.Equal(t, len(a.Slots), len(b.Slots), "same day must rebuild the same plan")
	for i := range a.Slots {
		assert.Equal(t, a.Slots[i], b.Slots[i])
	}
}

func TestBuildPlanSlotIDsAreStable(t *testing.T) {
	p := NewPlanner(Config{}, zerolog.Nop(), 42)
	day := time.Date(2026, 8, 20, 6, 0, 0, 0, time.UTC)

	plan, err := p.BuildPlan(testDoc(), store.RiskNormal, day)
	require.NoError(t, err)
	require.NotEmpty(t, plan.Slots)
	assert.Equal(t, "2026-08-20-01", plan.Slots[0].ID)
}

func TestBuildPlanLateSlotsStayInDay(t *testing.T) {
	// One hour option near midnight forces min-gap shifts that would
	// otherwise run past the day boundary.
	doc := strategy.DefaultDoc(map[string][]string{
		strategy.DimTemplate: {"multiple_choice"},
		strategy.DimCategory: {"geography", "history", "science"},
		strategy.DimVoice:    {"alloy"},
		strategy.DimHour:     {"23"},
	}, time.Now())
	p := NewPlanner(Config{DailyTarget: 3, CountJitter: 0}, zerolog.Nop(), 42)
	day := time.Date(2026, 8, 20, 6, 0, 0, 0, time.UTC)

	plan, err := p.BuildPlan(doc, store.RiskNormal, day)
	require.NoError(t, err)
	require.Len(t, plan.Slots, 3)

	for i, s := range plan.Slots {
		assert.Equal(t, day.Day(), s.At.Day(), "slot %d pushed into the next day", i)
		if i > 0 {
			assert.GreaterOrEqual(t, s.At.Sub(plan.Slots[i-1].At), 45*time.Minute)
		}
	}
}

func TestBuildPlanVariesAcrossDays(t *testing.T) {
	p := NewPlanner(Config{}, zerolog.Nop(), 42)
	a, err := p.BuildPlan(testDoc(), store.RiskNormal, time.Date(2026, 8, 20, 6, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	b, err := p.BuildPlan(testDoc(), store.RiskNormal, time.Date(2026, 8, 21, 6, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	same := len(a.Slots) == len(b.Slots)
	if same {
		for i := range a.Slots {
			if !a.Slots[i].At.Add(24 * time.Hour).Equal(b.Slots[i].At) {
				same = false
				break
			}
		}
	}
	assert.False(t, same, "consecutive days should not share identical slot times")
}

func TestDue(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	plan := Plan{Slots: []Slot{
		{ID: "a", At: now.Add(-5 * time.Hour)},  // stale
		{ID: "b", At: now.Add(-30 * time.Minute)},
		{ID: "c", At: now},
		{ID: "d", At: now.Add(time.Hour)}, // future
	}}

	due := Due(plan, now, 3*time.Hour)
	require.Len(t, due, 2)
	assert.Equal(t, "b", due[0].ID)
	assert.Equal(t, "c", due[1].ID)
}
