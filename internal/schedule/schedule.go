// Package schedule builds the day's publish plan: how many slots, at
// what times, and which template/category/voice each slot runs with.
// Slot count follows the risk mode, times follow the learned hour
// weights with jitter so the channel never posts on a metronome.
package schedule

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/shortpilot/shortpilot/internal/risk"
	"github.com/shortpilot/shortpilot/internal/store"
	"github.com/shortpilot/shortpilot/internal/strategy"
)

// Slot is one planned publish attempt.
type Slot struct {
	ID       string    `json:"id"`
	At       time.Time `json:"at"`
	Hour     int       `json:"hour"` // the weight-table hour the slot was drawn for
	Template string    `json:"template"`
	Category string    `json:"category"`
	Voice    string    `json:"voice"`
}

// Plan is a full day of slots.
type Plan struct {
	Day   time.Time      `json:"day"`
	Mode  store.RiskMode `json:"mode"`
	Slots []Slot         `json:"slots"`
}

// Config bounds plan shape.
type Config struct {
	DailyTarget int           // slots per day at NORMAL, default 4
	CountJitter int           // +/- applied to the target, default 1
	TimeJitter  time.Duration // +/- around the chosen hour, default 30m
	MinGap      time.Duration // minimum spacing between slots, default 45m
}

func (c Config) withDefaults() Config {
	if c.DailyTarget <= 0 {
		c.DailyTarget = 4
	}
	if c.CountJitter < 0 {
		c.CountJitter = 1
	}
	if c.TimeJitter <= 0 {
		c.TimeJitter = 30 * time.Minute
	}
	if c.MinGap <= 0 {
		c.MinGap = 45 * time.Minute
	}
	return c
}

// Planner builds plans from the strategy weights.
type Planner struct {
	cfg  Config
	log  zerolog.Logger
	seed int64
	rng  *rand.Rand // current plan's generator, reseeded per day
}

// NewPlanner builds a planner. The seed fixes the day-to-plan mapping.
func NewPlanner(cfg Config, log zerolog.Logger, seed int64) *Planner {
	return &Planner{
		cfg:  cfg.withDefaults(),
		log:  log,
		seed: seed,
	}
}

// BuildPlan produces the slots for the calendar day containing day.
// The plan is deterministic for a given day and seed, so repeated cycle
// runs within the same day reconstruct identical slots and slot ids.
// A PAUSED channel gets an empty plan.
func (p *Planner) BuildPlan(doc store.StrategyDoc, mode store.RiskMode, day time.Time) (Plan, error) {
	midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	plan := Plan{Day: midnight, Mode: mode}
	p.rng = rand.New(rand.NewSource(p.seed ^ midnight.Unix()))

	count := p.slotCount(mode)
	if count == 0 {
		p.log.Info().Str("mode", string(mode)).Msg("empty plan, channel paused or fully throttled")
		return plan, nil
	}

	times, hours, err := p.slotTimes(doc, day, count)
	if err != nil {
		return Plan{}, err
	}

	usedCategories := make(map[string]bool)
	prevTemplate := ""
	for i := 0; i < count; i++ {
		template, err := strategy.Sample(p.rng, doc, strategy.DimTemplate, map[string]bool{prevTemplate: true})
		if err != nil {
			return Plan{}, err
		}
		category, err := strategy.Sample(p.rng, doc, strategy.DimCategory, usedCategories)
		if err != nil {
			return Plan{}, err
		}
		voice, err := strategy.Sample(p.rng, doc, strategy.DimVoice, nil)
		if err != nil {
			return Plan{}, err
		}
		prevTemplate = template
		usedCategories[category] = true

		plan.Slots = append(plan.Slots, Slot{
			ID:       fmt.Sprintf("%s-%02d", midnight.Format("2006-01-02"), i+1),
			At:       times[i],
			Hour:     hours[i],
			Template: template,
			Category: category,
			Voice:    voice,
		})
	}

	p.log.Info().
		Int("slots", len(plan.Slots)).
		Str("mode", string(mode)).
		Time("day", plan.Day).
		Msg("publish plan built")
	return plan, nil
}

// slotCount applies the mode factor and the +/- jitter.
func (p *Planner) slotCount(mode store.RiskMode) int {
	base := float64(p.cfg.DailyTarget) * risk.ModeFactor(mode)
	count := int(base + 0.5)
	if count == 0 {
		return 0
	}
	if p.cfg.CountJitter > 0 {
		count += p.rng.Intn(2*p.cfg.CountJitter+1) - p.cfg.CountJitter
	}
	if count < 1 {
		count = 1
	}
	return count
}

// slotTimes draws distinct posting hours from the weight table, jitters
// the minutes and spaces slots at least MinGap apart.
func (p *Planner) slotTimes(doc store.StrategyDoc, day time.Time, count int) ([]time.Time, []int, error) {
	picked := make(map[string]bool)
	hours := make([]int, 0, count)
	for len(hours) < count {
		h, err := strategy.SampleHour(p.rng, doc, picked)
		if err != nil {
			return nil, nil, fmt.Errorf("sample hour: %w", err)
		}
		picked[fmt.Sprintf("%d", h)] = true
		hours = append(hours, h)
		// Fewer hour options than slots: allow reuse from here on.
		if len(picked) >= len(doc.Weights[strategy.DimHour]) {
			picked = make(map[string]bool)
		}
	}
	sort.Ints(hours)

	midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	jitterRange := int(p.cfg.TimeJitter / time.Minute)
	type slotTime struct {
		at   time.Time
		hour int
	}
	slots := make([]slotTime, count)
	for i, h := range hours {
		jitter := time.Duration(p.rng.Intn(2*jitterRange+1)-jitterRange) * time.Minute
		slots[i] = slotTime{at: midnight.Add(time.Duration(h)*time.Hour + jitter), hour: h}
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].at.Before(slots[j].at) })

	times := make([]time.Time, count)
	for i, s := range slots {
		if i > 0 && s.at.Sub(times[i-1]) < p.cfg.MinGap {
			s.at = times[i-1].Add(p.cfg.MinGap)
		}
		times[i] = s.at
		hours[i] = s.hour
	}

	// A pile-up near midnight can shift the tail into the next calendar
	// day; pull it back inside, re-spacing earlier slots backwards. Slot
	// ids are derived from the plan day, so every slot must stay in it.
	dayEnd := midnight.Add(24*time.Hour - time.Minute)
	for i := count - 1; i >= 0; i-- {
		limit := dayEnd
		if i < count-1 {
			limit = times[i+1].Add(-p.cfg.MinGap)
		}
		if times[i].After(limit) {
			times[i] = limit
		}
		if times[i].Before(midnight) {
			times[i] = midnight
		}
	}
	return times, hours, nil
}

// Due returns the slots whose time has arrived but is not more than
// grace behind now. Stale slots are the caller's to record as skipped.
func Due(plan Plan, now time.Time, grace time.Duration) []Slot {
	var due []Slot
	for _, s := range plan.Slots {
		if !s.At.After(now) && now.Sub(s.At) <= grace {
			due = append(due, s)
		}
	}
	return due
}
