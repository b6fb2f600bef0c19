// Package health tracks per-(capability, provider) failure streaks and
// circuit state. Unlike an in-process breaker, state round-trips the
// store so it survives between cron-style cycle invocations.
//
// Transitions: CLOSED -> OPEN after N consecutive failures; OPEN ->
// HALF_OPEN once the cooldown has elapsed, admitting exactly one trial
// call; HALF_OPEN -> CLOSED on trial success, -> OPEN on trial failure.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/shortpilot/shortpilot/internal/store"
)

// Config bounds the circuit behaviour.
type Config struct {
	FailureThreshold int           // consecutive failures to open, default 3
	Cooldown         time.Duration // open duration before a half-open trial, default 10m
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 10 * time.Minute
	}
	return c
}

// Tracker mutates provider health records around every provider call.
type Tracker struct {
	repo store.HealthRepo
	cfg  Config
	log  zerolog.Logger
}

// NewTracker wires a tracker over the health repository.
func NewTracker(repo store.HealthRepo, cfg Config, log zerolog.Logger) *Tracker {
	return &Tracker{repo: repo, cfg: cfg.withDefaults(), log: log}
}

func (t *Tracker) load(ctx context.Context, capability, provider string, now time.Time) (*store.ProviderHealth, error) {
	h, err := t.repo.Get(ctx, capability, provider)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &store.ProviderHealth{
				Capability:     capability,
				Provider:       provider,
				State:          store.CircuitClosed,
				LastTransition: now,
			}, nil
		}
		return nil, fmt.Errorf("load provider health: %w", err)
	}
	return h, nil
}

// Allow reports whether a call to provider may proceed. Crossing the
// cooldown boundary moves an OPEN circuit to HALF_OPEN and admits the
// single trial call; a circuit already HALF_OPEN has its trial in flight
// and admits nothing further until the trial resolves.
func (t *Tracker) Allow(ctx context.Context, capability, provider string, now time.Time) (bool, error) {
	h, err := t.load(ctx, capability, provider, now)
	if err != nil {
		return false, err
	}
	switch h.State {
	case store.CircuitClosed:
		return true, nil
	case store.CircuitHalfOpen:
		return false, nil
	case store.CircuitOpen:
		if now.Sub(h.LastTransition) < t.cfg.Cooldown {
			return false, nil
		}
		h.State = store.CircuitHalfOpen
		h.LastTransition = now
		if err := t.repo.Upsert(ctx, *h); err != nil {
			return false, fmt.Errorf("persist half-open transition: %w", err)
		}
		t.log.Info().
			Str("capability", capability).
			Str("provider", provider).
			Msg("circuit half-open, admitting trial call")
		return true, nil
	default:
		return false, fmt.Errorf("unknown circuit state %q", h.State)
	}
}

// RecordSuccess resets the failure streak and closes the circuit.
func (t *Tracker) RecordSuccess(ctx context.Context, capability, provider string, now time.Time) error {
	h, err := t.load(ctx, capability, provider, now)
	if err != nil {
		return err
	}
	h.TotalCalls++
	h.ConsecutiveFailures = 0
	if h.State != store.CircuitClosed {
		t.log.Info().
			Str("capability", capability).
			Str("provider", provider).
			Str("from", string(h.State)).
			Msg("circuit closed after success")
		h.State = store.CircuitClosed
		h.LastTransition = now
	}
	return t.repo.Upsert(ctx, *h)
}

// RecordFailure increments the streak and opens the circuit at the
// threshold. A failed HALF_OPEN trial reopens immediately.
func (t *Tracker) RecordFailure(ctx context.Context, capability, provider string, now time.Time) error {
	h, err := t.load(ctx, capability, provider, now)
	if err != nil {
		return err
	}
	h.TotalCalls++
	h.TotalFailures++
	h.ConsecutiveFailures++

	opened := false
	switch h.State {
	case store.CircuitHalfOpen:
		opened = true
	case store.CircuitClosed:
		if h.ConsecutiveFailures >= t.cfg.FailureThreshold {
			opened = true
		}
	}
	if opened && h.State != store.CircuitOpen {
		t.log.Warn().
			Str("capability", capability).
			Str("provider", provider).
			Int("consecutive_failures", h.ConsecutiveFailures).
			Msg("circuit opened")
		h.State = store.CircuitOpen
		h.LastTransition = now
	}
	return t.repo.Upsert(ctx, *h)
}

// State returns the current circuit state for a provider.
func (t *Tracker) State(ctx context.Context, capability, provider string, now time.Time) (store.CircuitState, error) {
	h, err := t.load(ctx, capability, provider, now)
	if err != nil {
		return "", err
	}
	return h.State, nil
}

// Snapshot lists all tracked provider records for the status surface.
func (t *Tracker) Snapshot(ctx context.Context) ([]store.ProviderHealth, error) {
	return t.repo.ListAll(ctx)
}
