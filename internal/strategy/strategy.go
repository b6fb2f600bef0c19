// Package strategy maintains the per-dimension weight tables that steer
// content decisions (template, category, voice, posting hour) and the
// periodic recompute that shifts weight toward what performs.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/shortpilot/shortpilot/internal/store"
)

// Decision dimensions.
const (
	DimTemplate = "template"
	DimCategory = "category"
	DimVoice    = "voice"
	DimHour     = "hour"
)

const schemaVersion = 1

// Config bounds the optimizer.
type Config struct {
	MinSamples       int           // matured records before an option's weight moves, default 5
	EpsilonFloor     float64       // minimum normalized weight, default 0.05
	Blend            float64       // share of the old weight kept, default 0.5
	TopMultiplier    float64       // applied to the top quartile, default 1.5
	BottomMultiplier float64       // applied to the bottom quartile, default 0.5
	RecomputeEvery   time.Duration // default 7 days
	Lookback         time.Duration // performance window, default 30 days
}

func (c Config) withDefaults() Config {
	if c.MinSamples <= 0 {
		c.MinSamples = 5
	}
	if c.EpsilonFloor <= 0 {
		c.EpsilonFloor = 0.05
	}
	if c.Blend <= 0 || c.Blend >= 1 {
		c.Blend = 0.5
	}
	if c.TopMultiplier <= 1 {
		c.TopMultiplier = 1.5
	}
	if c.BottomMultiplier <= 0 || c.BottomMultiplier >= 1 {
		c.BottomMultiplier = 0.5
	}
	if c.RecomputeEvery <= 0 {
		c.RecomputeEvery = 7 * 24 * time.Hour
	}
	if c.Lookback <= 0 {
		c.Lookback = 30 * 24 * time.Hour
	}
	return c
}

// Score collapses a performance snapshot into one comparable number.
// Completion dominates because the platform's ranking rewards it most.
func Score(p store.Performance) float64 {
	return p.CompletionRate*0.5 + p.CTR*0.2 + p.EngagementRate*0.3
}

// DefaultDoc returns a uniform weight table over the given options.
func DefaultDoc(options map[string][]string, now time.Time) store.StrategyDoc {
	weights := make(map[string]map[string]float64, len(options))
	for dim, opts := range options {
		if len(opts) == 0 {
			continue
		}
		w := make(map[string]float64, len(opts))
		for _, opt := range opts {
			w[opt] = 1.0 / float64(len(opts))
		}
		weights[dim] = w
	}
	return store.StrategyDoc{
		SchemaVersion: schemaVersion,
		UpdatedAt:     now,
		Weights:       weights,
	}
}

// Engine loads, samples and recomputes the strategy document.
type Engine struct {
	repo store.StrategyRepo
	pubs store.PublishRepo
	cfg  Config
	log  zerolog.Logger
}

// NewEngine wires an engine over the strategy and publish repositories.
func NewEngine(repo store.StrategyRepo, pubs store.PublishRepo, cfg Config, log zerolog.Logger) *Engine {
	return &Engine{
		repo: repo,
		pubs: pubs,
		cfg:  cfg.withDefaults(),
		log:  log,
	}
}

// Load returns the persisted document, or defaults seeded from options
// when none exists yet.
func (e *Engine) Load(ctx context.Context, options map[string][]string, now time.Time) (store.StrategyDoc, error) {
	doc, err := e.repo.Load(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return DefaultDoc(options, now), nil
		}
		return store.StrategyDoc{}, fmt.Errorf("load strategy: %w", err)
	}
	return *doc, nil
}

// Sample draws one option for the dimension, proportionally to weight,
// skipping excluded options. With everything excluded the exclusion is
// ignored rather than failing the draw. The caller owns the generator
// so plans can be reproduced from a seed.
func Sample(rng *rand.Rand, doc store.StrategyDoc, dim string, exclude map[string]bool) (string, error) {
	w := doc.Weights[dim]
	if len(w) == 0 {
		return "", fmt.Errorf("strategy: no options for dimension %q", dim)
	}
	keys := sortedKeys(w)

	total := 0.0
	for _, k := range keys {
		if exclude[k] {
			continue
		}
		total += w[k]
	}
	if total <= 0 {
		exclude = nil
		for _, k := range keys {
			total += w[k]
		}
	}

	r := rng.Float64() * total
	for _, k := range keys {
		if exclude[k] {
			continue
		}
		r -= w[k]
		if r < 0 {
			return k, nil
		}
	}
	return keys[len(keys)-1], nil
}

// SampleHour draws a posting hour from the hour dimension.
func SampleHour(rng *rand.Rand, doc store.StrategyDoc, exclude map[string]bool) (int, error) {
	opt, err := Sample(rng, doc, DimHour, exclude)
	if err != nil {
		return 0, err
	}
	hour, err := strconv.Atoi(opt)
	if err != nil {
		return 0, fmt.Errorf("strategy: bad hour option %q: %w", opt, err)
	}
	return hour, nil
}

// MaybeRecompute runs the weight recompute if the period has elapsed.
// It reports whether a recompute happened.
func (e *Engine) MaybeRecompute(ctx context.Context, options map[string][]string, now time.Time) (bool, error) {
	doc, err := e.Load(ctx, options, now)
	if err != nil {
		return false, err
	}
	if !doc.LastRecompute.IsZero() && now.Sub(doc.LastRecompute) < e.cfg.RecomputeEvery {
		return false, nil
	}

	records, err := e.pubs.ListSince(ctx, now.Add(-e.cfg.Lookback))
	if err != nil {
		return false, fmt.Errorf("list publish records: %w", err)
	}

	e.recompute(&doc, records)
	doc.LastRecompute = now
	doc.UpdatedAt = now
	if err := e.repo.Save(ctx, &doc); err != nil {
		return false, fmt.Errorf("save strategy: %w", err)
	}
	e.log.Info().
		Int("records", len(records)).
		Int64("version", doc.Version).
		Msg("strategy weights recomputed")
	return true, nil
}

// optionStats accumulates matured scores for one option.
type optionStats struct {
	sum float64
	n   int
}

func (s optionStats) mean() float64 { return s.sum / float64(s.n) }

// recompute adjusts every dimension's weights in place: options are
// ranked by mean matured score, the top quartile is boosted and the
// bottom quartile cut, blended with the old weight, floored at epsilon
// and renormalized. Options without enough samples keep their weight.
func (e *Engine) recompute(doc *store.StrategyDoc, records []store.PublishRecord) {
	for dim, weights := range doc.Weights {
		stats := make(map[string]optionStats, len(weights))
		for _, rec := range records {
			if rec.Outcome != store.OutcomePublished || rec.Performance == nil {
				continue
			}
			opt, ok := recordOption(rec, dim)
			if !ok {
				continue
			}
			if _, known := weights[opt]; !known {
				continue
			}
			s := stats[opt]
			s.sum += Score(*rec.Performance)
			s.n++
			stats[opt] = s
		}

		var ranked []string
		for opt, s := range stats {
			if s.n >= e.cfg.MinSamples {
				ranked = append(ranked, opt)
			}
		}
		sort.Slice(ranked, func(i, j int) bool {
			if stats[ranked[i]].mean() != stats[ranked[j]].mean() {
				return stats[ranked[i]].mean() > stats[ranked[j]].mean()
			}
			return ranked[i] < ranked[j]
		})

		quart := len(ranked) / 4
		if quart == 0 && len(ranked) >= 2 {
			quart = 1
		}
		for i, opt := range ranked {
			mult := 1.0
			switch {
			case i < quart:
				mult = e.cfg.TopMultiplier
			case i >= len(ranked)-quart:
				mult = e.cfg.BottomMultiplier
			}
			old := weights[opt]
			weights[opt] = e.cfg.Blend*old + (1-e.cfg.Blend)*old*mult
		}

		normalize(weights, e.cfg.EpsilonFloor)
	}
	doc.SchemaVersion = schemaVersion
}

// recordOption extracts the dimension value a record was produced with.
func recordOption(rec store.PublishRecord, dim string) (string, bool) {
	switch dim {
	case DimTemplate:
		return rec.Template, rec.Template != ""
	case DimCategory:
		return rec.Category, rec.Category != ""
	case DimVoice:
		return rec.Voice, rec.Voice != ""
	case DimHour:
		return strconv.Itoa(rec.Hour), true
	}
	return "", false
}

// normalize floors every weight at epsilon and rescales to sum 1.
func normalize(weights map[string]float64, epsilon float64) {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		uniform := 1.0 / float64(len(weights))
		for k := range weights {
			weights[k] = uniform
		}
		return
	}
	for k, w := range weights {
		w /= total
		if w < epsilon {
			w = epsilon
		}
		weights[k] = w
	}
	// Flooring can push the sum above 1; rescale once more.
	total = 0.0
	for _, w := range weights {
		total += w
	}
	for k := range weights {
		weights[k] /= total
	}
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
