// Package risk runs the channel safety state machine. The channel sits
// in NORMAL, THROTTLED or PAUSED; failure streaks and impression
// collapse escalate it, and de-escalation waits out a cooldown so one
// good data point cannot flap the channel back to full cadence.
package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/shortpilot/shortpilot/internal/store"
)

// Config bounds the evaluation rules.
type Config struct {
	Window               int           // recent attempts considered, default 10
	ThrottleFailureRate  float64       // default 0.30
	PauseFailureRate     float64       // default 0.50
	ImpressionFloor      float64       // recent/baseline ratio, default 0.40
	PauseImpressionFloor float64       // severe-drop ratio, default 0.20
	ThrottleCooldown     time.Duration // time in THROTTLED before NORMAL, default 24h
	PauseCooldown        time.Duration // time in PAUSED before THROTTLED, default 48h
	BaselineLookback     time.Duration // default 30 days
	MinMaturedSamples    int           // matured records before the impression rule applies, default 5
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 10
	}
	if c.ThrottleFailureRate <= 0 {
		c.ThrottleFailureRate = 0.30
	}
	if c.PauseFailureRate <= 0 {
		c.PauseFailureRate = 0.50
	}
	if c.ImpressionFloor <= 0 {
		c.ImpressionFloor = 0.40
	}
	if c.PauseImpressionFloor <= 0 || c.PauseImpressionFloor >= c.ImpressionFloor {
		c.PauseImpressionFloor = 0.20
	}
	if c.ThrottleCooldown <= 0 {
		c.ThrottleCooldown = 24 * time.Hour
	}
	if c.PauseCooldown <= 0 {
		c.PauseCooldown = 48 * time.Hour
	}
	if c.BaselineLookback <= 0 {
		c.BaselineLookback = 30 * 24 * time.Hour
	}
	if c.MinMaturedSamples <= 0 {
		c.MinMaturedSamples = 5
	}
	return c
}

// ModeFactor scales the daily publish target for a mode.
func ModeFactor(mode store.RiskMode) float64 {
	switch mode {
	case store.RiskThrottled:
		return 0.5
	case store.RiskPaused:
		return 0
	default:
		return 1.0
	}
}

func severity(mode store.RiskMode) int {
	switch mode {
	case store.RiskPaused:
		return 2
	case store.RiskThrottled:
		return 1
	default:
		return 0
	}
}

// Engine evaluates and persists the risk document.
type Engine struct {
	repo store.RiskRepo
	pubs store.PublishRepo
	cfg  Config
	log  zerolog.Logger
}

// NewEngine wires an engine over the risk and publish repositories.
func NewEngine(repo store.RiskRepo, pubs store.PublishRepo, cfg Config, log zerolog.Logger) *Engine {
	return &Engine{repo: repo, pubs: pubs, cfg: cfg.withDefaults(), log: log}
}

// Load returns the persisted risk document, defaulting to NORMAL.
func (e *Engine) Load(ctx context.Context) (store.RiskDoc, error) {
	doc, err := e.repo.Load(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.RiskDoc{Mode: store.RiskNormal}, nil
		}
		return store.RiskDoc{}, fmt.Errorf("load risk state: %w", err)
	}
	return *doc, nil
}

// Evaluate recomputes the signals, applies the transition rules and
// persists the result. The returned document is what the scheduler
// should plan against.
func (e *Engine) Evaluate(ctx context.Context, now time.Time) (store.RiskDoc, error) {
	doc, err := e.Load(ctx)
	if err != nil {
		return store.RiskDoc{}, err
	}

	failureRate, err := e.failureRate(ctx)
	if err != nil {
		return store.RiskDoc{}, err
	}
	impressionRatio, matured, err := e.impressionRatio(ctx, now)
	if err != nil {
		return store.RiskDoc{}, err
	}
	doc.FailureRate = failureRate
	doc.ImpressionRatio = impressionRatio

	desired := store.RiskNormal
	switch {
	case failureRate > e.cfg.PauseFailureRate:
		desired = store.RiskPaused
	case matured >= e.cfg.MinMaturedSamples && impressionRatio < e.cfg.PauseImpressionFloor:
		desired = store.RiskPaused
	case failureRate > e.cfg.ThrottleFailureRate:
		desired = store.RiskThrottled
	case matured >= e.cfg.MinMaturedSamples && impressionRatio < e.cfg.ImpressionFloor:
		desired = store.RiskThrottled
	}

	if doc.OperatorOverride != "" {
		desired = store.RiskMode(doc.OperatorOverride)
	}

	next := e.applyTransition(doc, desired, now)
	if next.Mode != doc.Mode {
		e.log.Warn().
			Str("from", string(doc.Mode)).
			Str("to", string(next.Mode)).
			Float64("failure_rate", failureRate).
			Float64("impression_ratio", impressionRatio).
			Str("override", doc.OperatorOverride).
			Msg("risk mode transition")
	}

	if err := e.repo.Save(ctx, &next); err != nil {
		return store.RiskDoc{}, fmt.Errorf("save risk state: %w", err)
	}
	return next, nil
}

// applyTransition escalates immediately. De-escalation waits out the
// current mode's cooldown and recovers one step at a time: a paused
// channel re-enters THROTTLED first and must hold its metrics through
// another cooldown before NORMAL. Operator overrides bypass both rules.
func (e *Engine) applyTransition(doc store.RiskDoc, desired store.RiskMode, now time.Time) store.RiskDoc {
	next := doc
	next.UpdatedAt = now

	if desired == doc.Mode {
		return next
	}
	if doc.OperatorOverride == "" && severity(desired) < severity(doc.Mode) {
		cooldown := e.cfg.ThrottleCooldown
		if doc.Mode == store.RiskPaused {
			cooldown = e.cfg.PauseCooldown
		}
		if now.Sub(doc.EnteredAt) < cooldown {
			return next
		}
		if down := stepDown(doc.Mode); severity(desired) < severity(down) {
			desired = down
		}
	}
	next.Mode = desired
	next.EnteredAt = now
	return next
}

// stepDown is the next rung on the recovery ladder.
func stepDown(mode store.RiskMode) store.RiskMode {
	if mode == store.RiskPaused {
		return store.RiskThrottled
	}
	return store.RiskNormal
}

// SetOverride pins the mode until cleared. An empty mode clears it.
func (e *Engine) SetOverride(ctx context.Context, mode store.RiskMode, now time.Time) error {
	doc, err := e.Load(ctx)
	if err != nil {
		return err
	}
	doc.OperatorOverride = string(mode)
	doc.UpdatedAt = now
	if mode != "" && mode != doc.Mode {
		e.log.Warn().
			Str("from", string(doc.Mode)).
			Str("to", string(mode)).
			Msg("risk mode forced by operator")
		doc.Mode = mode
		doc.EnteredAt = now
	}
	if err := e.repo.Save(ctx, &doc); err != nil {
		return fmt.Errorf("save risk override: %w", err)
	}
	return nil
}

// failureRate is the failed share of the last Window non-skipped
// attempts. Skips are scheduling outcomes, not publish failures.
func (e *Engine) failureRate(ctx context.Context) (float64, error) {
	recent, err := e.pubs.ListRecent(ctx, e.cfg.Window*2)
	if err != nil {
		return 0, fmt.Errorf("list recent publishes: %w", err)
	}
	attempts, failures := 0, 0
	for _, rec := range recent {
		if rec.Outcome == store.OutcomeSkipped {
			continue
		}
		attempts++
		if rec.Outcome == store.OutcomeFailed {
			failures++
		}
		if attempts == e.cfg.Window {
			break
		}
	}
	if attempts == 0 {
		return 0, nil
	}
	return float64(failures) / float64(attempts), nil
}

// impressionRatio compares mean impressions of the last Window matured
// records against the mean over the whole baseline lookback. Returns
// ratio 1 when there is no baseline yet.
func (e *Engine) impressionRatio(ctx context.Context, now time.Time) (float64, int, error) {
	records, err := e.pubs.ListSince(ctx, now.Add(-e.cfg.BaselineLookback))
	if err != nil {
		return 0, 0, fmt.Errorf("list publishes for baseline: %w", err)
	}

	var matured []store.PublishRecord
	for _, rec := range records {
		if rec.Outcome == store.OutcomePublished && rec.Performance != nil {
			matured = append(matured, rec)
		}
	}
	if len(matured) == 0 {
		return 1, 0, nil
	}

	var baseline float64
	for _, rec := range matured {
		baseline += float64(rec.Performance.Impressions)
	}
	baseline /= float64(len(matured))

	n := e.cfg.Window
	if n > len(matured) {
		n = len(matured)
	}
	var recent float64
	for _, rec := range matured[len(matured)-n:] {
		recent += float64(rec.Performance.Impressions)
	}
	recent /= float64(n)

	if baseline <= 0 {
		return 1, len(matured), nil
	}
	return recent / baseline, len(matured), nil
}
