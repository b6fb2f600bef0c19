// Package analytics backfills matured performance onto publish records.
// A short's numbers are meaningless in its first hours, so collection
// waits out a maturation age and then attaches one immutable snapshot
// per record for the optimizer and risk engine to consume.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/shortpilot/shortpilot/internal/fallback"
	"github.com/shortpilot/shortpilot/internal/provider"
	"github.com/shortpilot/shortpilot/internal/store"
)

// Config bounds collection.
type Config struct {
	MaturationAge time.Duration // wait before reading numbers, default 48h
	Lookback      time.Duration // how far back to backfill, default 30 days
	MaxPerCycle   int           // fetch cap per run, default 20
}

func (c Config) withDefaults() Config {
	if c.MaturationAge <= 0 {
		c.MaturationAge = 48 * time.Hour
	}
	if c.Lookback <= 0 {
		c.Lookback = 30 * 24 * time.Hour
	}
	if c.MaxPerCycle <= 0 {
		c.MaxPerCycle = 20
	}
	return c
}

// Poller collects matured performance through the provider chain.
type Poller struct {
	pubs      store.PublishRepo
	coord     *fallback.Coordinator
	providers []fallback.Provider[provider.AnalyticsRequest, provider.AnalyticsResult]
	cfg       Config
	log       zerolog.Logger
}

// NewPoller wires a poller over the publish repository and the ordered
// analytics provider chain.
func NewPoller(pubs store.PublishRepo, coord *fallback.Coordinator, providers []fallback.Provider[provider.AnalyticsRequest, provider.AnalyticsResult], cfg Config, log zerolog.Logger) *Poller {
	return &Poller{pubs: pubs, coord: coord, providers: providers, cfg: cfg.withDefaults(), log: log}
}

// Collect attaches performance to every matured, still-bare published
// record, up to the per-cycle cap. Per-record fetch failures are logged
// and skipped so one dead content id cannot stall the backfill.
func (p *Poller) Collect(ctx context.Context, now time.Time) (int, error) {
	records, err := p.pubs.ListSince(ctx, now.Add(-p.cfg.Lookback))
	if err != nil {
		return 0, fmt.Errorf("list publishes for collection: %w", err)
	}

	attached := 0
	for _, rec := range records {
		if attached >= p.cfg.MaxPerCycle {
			break
		}
		if rec.Outcome != store.OutcomePublished || rec.Performance != nil || rec.ContentID == "" {
			continue
		}
		if now.Sub(rec.AttemptedAt) < p.cfg.MaturationAge {
			continue
		}

		result, providerName, err := fallback.Invoke(ctx, p.coord, provider.CapAnalytics, p.providers,
			provider.AnalyticsRequest{ContentID: rec.ContentID})
		if err != nil {
			if errors.Is(err, fallback.ErrAllProvidersExhausted) {
				p.log.Warn().Err(err).Msg("analytics providers exhausted, stopping collection")
				break
			}
			p.log.Warn().Err(err).Str("content_id", rec.ContentID).Msg("performance fetch failed")
			continue
		}

		perf := store.Performance{
			Impressions:    result.Impressions,
			CompletionRate: result.CompletionRate,
			CTR:            result.CTR,
			EngagementRate: result.EngagementRate,
			MaturedAt:      now,
		}
		if err := p.pubs.AttachPerformance(ctx, rec.SlotID, perf); err != nil {
			return attached, fmt.Errorf("attach performance for %s: %w", rec.SlotID, err)
		}
		attached++
		p.log.Debug().
			Str("content_id", rec.ContentID).
			Str("provider", providerName).
			Int64("impressions", result.Impressions).
			Msg("performance attached")
	}

	if attached > 0 {
		p.log.Info().Int("attached", attached).Msg("performance collection complete")
	}
	return attached, nil
}
