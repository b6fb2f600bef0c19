// Package fallback routes capability calls across an ordered provider
// chain. It is the single retry/backoff/circuit surface for every
// external capability: callers supply the ordered providers and a typed
// request, and the coordinator walks the chain honoring circuit state,
// per-provider rate limits and bounded timeouts.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/shortpilot/shortpilot/internal/health"
)

// ErrAllProvidersExhausted is returned when every provider in the chain
// is either circuit-open or failed its attempts.
var ErrAllProvidersExhausted = errors.New("fallback: all providers exhausted")

// Provider is one upstream implementation of a capability.
type Provider[Req, Resp any] interface {
	Name() string
	Call(ctx context.Context, req Req) (Resp, error)
}

// Config bounds individual provider calls.
type Config struct {
	CallTimeout time.Duration // per attempt, default 30s
	Retries     int           // extra attempts before a circuit failure, default 1
	RatePerSec  float64       // per-provider sustained rate, default 1
	Burst       int           // per-provider burst, default 3
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.Retries < 0 {
		c.Retries = 0
	} else if c.Retries == 0 {
		c.Retries = 1
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.Burst <= 0 {
		c.Burst = 3
	}
	return c
}

// Coordinator holds the shared circuit tracker and rate limiters.
type Coordinator struct {
	tracker  *health.Tracker
	cfg      Config
	log      zerolog.Logger
	now      func() time.Time
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewCoordinator builds a coordinator over the given circuit tracker.
func NewCoordinator(tracker *health.Tracker, cfg Config, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		tracker:  tracker,
		cfg:      cfg.withDefaults(),
		log:      log,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

// SetClock overrides the time source, for tests.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

func (c *Coordinator) limiter(name string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[name]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(c.cfg.RatePerSec), c.cfg.Burst)
		c.limiters[name] = lim
	}
	return lim
}

// Invoke walks providers in priority order and returns the first
// successful response together with the provider that produced it.
// Providers whose circuit is open (and still cooling down) are skipped
// without an attempt. Each attempted provider contributes exactly one
// circuit failure no matter how many in-call retries were spent.
func Invoke[Req, Resp any](ctx context.Context, c *Coordinator, capability string, providers []Provider[Req, Resp], req Req) (Resp, string, error) {
	var zero Resp
	if len(providers) == 0 {
		return zero, "", fmt.Errorf("%s: no providers configured: %w", capability, ErrAllProvidersExhausted)
	}

	var lastErr error
	for _, p := range providers {
		now := c.now()
		allowed, err := c.tracker.Allow(ctx, capability, p.Name(), now)
		if err != nil {
			return zero, "", fmt.Errorf("%s: circuit check for %s: %w", capability, p.Name(), err)
		}
		if !allowed {
			c.log.Debug().
				Str("capability", capability).
				Str("provider", p.Name()).
				Msg("provider skipped, circuit open")
			continue
		}

		resp, err := attempt(ctx, c, p, req)
		if err == nil {
			if herr := c.tracker.RecordSuccess(ctx, capability, p.Name(), c.now()); herr != nil {
				return zero, "", fmt.Errorf("%s: record success for %s: %w", capability, p.Name(), herr)
			}
			return resp, p.Name(), nil
		}

		lastErr = err
		c.log.Warn().
			Err(err).
			Str("capability", capability).
			Str("provider", p.Name()).
			Msg("provider failed, trying next in chain")
		if herr := c.tracker.RecordFailure(ctx, capability, p.Name(), c.now()); herr != nil {
			return zero, "", fmt.Errorf("%s: record failure for %s: %w", capability, p.Name(), herr)
		}
	}

	if lastErr != nil {
		return zero, "", fmt.Errorf("%s: %w (last error: %v)", capability, ErrAllProvidersExhausted, lastErr)
	}
	return zero, "", fmt.Errorf("%s: %w", capability, ErrAllProvidersExhausted)
}

// attempt runs the rate-limited, timeout-bounded call with in-call
// retries. The retry budget is deliberately small: persistent failure
// should escalate to the next provider, not camp on a broken one.
func attempt[Req, Resp any](ctx context.Context, c *Coordinator, p Provider[Req, Resp], req Req) (Resp, error) {
	var zero Resp
	var lastErr error
	for i := 0; i <= c.cfg.Retries; i++ {
		if err := c.limiter(p.Name()).Wait(ctx); err != nil {
			return zero, fmt.Errorf("rate wait: %w", err)
		}
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		resp, err := p.Call(callCtx, req)
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return zero, lastErr
}
