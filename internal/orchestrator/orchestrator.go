// Package orchestrator runs the publish cycle: evaluate risk, refresh
// strategy, collect matured performance, reconstruct the day's plan and
// work through the due slots end to end (draft, narrate, pick assets,
// render, upload) inside a wall-clock budget.
//
// The cycle is designed for cron-style invocation: all coordination
// state lives in the store, so any number of sequential invocations
// compose into one coherent publishing day.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shortpilot/shortpilot/internal/analytics"
	"github.com/shortpilot/shortpilot/internal/fallback"
	"github.com/shortpilot/shortpilot/internal/fingerprint"
	"github.com/shortpilot/shortpilot/internal/health"
	"github.com/shortpilot/shortpilot/internal/metrics"
	"github.com/shortpilot/shortpilot/internal/provider"
	"github.com/shortpilot/shortpilot/internal/risk"
	"github.com/shortpilot/shortpilot/internal/safety"
	"github.com/shortpilot/shortpilot/internal/schedule"
	"github.com/shortpilot/shortpilot/internal/store"
	"github.com/shortpilot/shortpilot/internal/strategy"
)

// Slot skip/failure reasons recorded on publish records.
const (
	ReasonBudget     = "budget_exhausted"
	ReasonStale      = "slot_stale"
	ReasonDuplicate  = "duplicate_content"
	ReasonUnsafe     = "safety_rejected"
	ReasonContent    = "content_failed"
	ReasonNarration  = "narration_failed"
	ReasonAssets     = "assets_failed"
	ReasonRender     = "render_failed"
	ReasonUpload     = "upload_failed"
)

// Chains holds the ordered provider chain per capability.
type Chains struct {
	Content   []fallback.Provider[provider.ContentRequest, provider.ContentDraft]
	Narration []fallback.Provider[provider.NarrationRequest, provider.NarrationResult]
	Assets    []fallback.Provider[provider.AssetRequest, provider.AssetResult]
	Render    []fallback.Provider[provider.RenderRequest, provider.RenderResult]
	Upload    []fallback.Provider[provider.UploadRequest, provider.UploadResult]
}

// Config bounds one cycle.
type Config struct {
	Budget        time.Duration // wall clock per cycle, default 25m
	SlotEstimate  time.Duration // reserve needed to start a slot, default 5m
	SlotGrace     time.Duration // how late a slot may run, default 3h
	DupRegenLimit int           // draft regenerations on duplicate/unsafe, default 3
	Retention     time.Duration // publish record retention, default 90 days
}

func (c Config) withDefaults() Config {
	if c.Budget <= 0 {
		c.Budget = 25 * time.Minute
	}
	if c.SlotEstimate <= 0 {
		c.SlotEstimate = 5 * time.Minute
	}
	if c.SlotGrace <= 0 {
		c.SlotGrace = 3 * time.Hour
	}
	if c.DupRegenLimit <= 0 {
		c.DupRegenLimit = 3
	}
	if c.Retention <= 0 {
		c.Retention = 90 * 24 * time.Hour
	}
	return c
}

// CycleSummary reports what one cycle did.
type CycleSummary struct {
	CycleID             string         `json:"cycle_id"`
	StartedAt           time.Time      `json:"started_at"`
	Duration            time.Duration  `json:"duration"`
	Mode                store.RiskMode `json:"mode"`
	PlannedSlots        int            `json:"planned_slots"`
	DueSlots            int            `json:"due_slots"`
	Published           int            `json:"published"`
	Failed              int            `json:"failed"`
	Skipped             int            `json:"skipped"`
	Recomputed          bool           `json:"recomputed"`
	PerformanceAttached int            `json:"performance_attached"`
	FingerprintsPruned  int            `json:"fingerprints_pruned"`
}

// Orchestrator wires every engine into the cycle.
type Orchestrator struct {
	st      store.Store
	fps     *fingerprint.Store
	tracker *health.Tracker
	coord   *fallback.Coordinator
	chains  Chains
	strat   *strategy.Engine
	riskEng *risk.Engine
	planner *schedule.Planner
	poller  *analytics.Poller
	filter  *safety.Filter
	met     *metrics.Registry
	options map[string][]string // dimension -> options, seeds the default strategy doc
	cfg     Config
	log     zerolog.Logger
	now     func() time.Time
}

// Deps collects the orchestrator's collaborators.
type Deps struct {
	Store     store.Store
	Prints    *fingerprint.Store
	Tracker   *health.Tracker
	Coord     *fallback.Coordinator
	Chains    Chains
	Strategy  *strategy.Engine
	Risk      *risk.Engine
	Planner   *schedule.Planner
	Analytics *analytics.Poller
	Safety    *safety.Filter
	Metrics   *metrics.Registry
	Options   map[string][]string
}

// New builds an orchestrator.
func New(deps Deps, cfg Config, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		st:      deps.Store,
		fps:     deps.Prints,
		tracker: deps.Tracker,
		coord:   deps.Coord,
		chains:  deps.Chains,
		strat:   deps.Strategy,
		riskEng: deps.Risk,
		planner: deps.Planner,
		poller:  deps.Analytics,
		filter:  deps.Safety,
		met:     deps.Metrics,
		options: deps.Options,
		cfg:     cfg.withDefaults(),
		log:     log,
		now:     time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// RunCycle executes one full cycle. Errors are returned only for state
// persistence failures; provider trouble degrades into failed or
// skipped slots instead.
func (o *Orchestrator) RunCycle(ctx context.Context) (CycleSummary, error) {
	start := o.now()
	summary := CycleSummary{
		CycleID:   uuid.NewString(),
		StartedAt: start,
	}
	log := o.log.With().Str("cycle_id", summary.CycleID).Logger()
	log.Info().Msg("cycle started")

	attached, err := o.poller.Collect(ctx, start)
	if err != nil {
		return summary, fmt.Errorf("collect performance: %w", err)
	}
	summary.PerformanceAttached = attached

	riskDoc, err := o.riskEng.Evaluate(ctx, start)
	if err != nil {
		return summary, fmt.Errorf("evaluate risk: %w", err)
	}
	summary.Mode = riskDoc.Mode
	o.met.ObserveRiskMode(string(riskDoc.Mode))

	recomputed, err := o.strat.MaybeRecompute(ctx, o.options, start)
	if err != nil {
		return summary, fmt.Errorf("recompute strategy: %w", err)
	}
	summary.Recomputed = recomputed

	stratDoc, err := o.strat.Load(ctx, o.options, start)
	if err != nil {
		return summary, err
	}
	o.exportWeights(stratDoc)

	plan, err := o.planner.BuildPlan(stratDoc, riskDoc.Mode, start)
	if err != nil {
		return summary, fmt.Errorf("build plan: %w", err)
	}
	summary.PlannedSlots = len(plan.Slots)
	o.met.PlannedSlots.Set(float64(len(plan.Slots)))

	attempted, err := o.attemptedSlots(ctx, plan.Day)
	if err != nil {
		return summary, err
	}

	if err := o.workSlots(ctx, &summary, plan, attempted, start, log); err != nil {
		return summary, err
	}

	pruned, err := o.fps.Prune(ctx, o.now())
	if err != nil {
		return summary, err
	}
	summary.FingerprintsPruned = pruned
	if _, err := o.st.Publishes.DeleteOlderThan(ctx, o.now().Add(-o.cfg.Retention)); err != nil {
		return summary, fmt.Errorf("prune publish records: %w", err)
	}

	o.exportCircuits(ctx)

	summary.Duration = o.now().Sub(start)
	o.met.CycleDuration.Observe(summary.Duration.Seconds())
	log.Info().
		Str("mode", string(summary.Mode)).
		Int("planned", summary.PlannedSlots).
		Int("published", summary.Published).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Dur("duration", summary.Duration).
		Msg("cycle finished")
	return summary, nil
}

// workSlots walks the plan's unattempted slots: stale ones are recorded
// skipped, due ones run the pipeline while budget remains.
func (o *Orchestrator) workSlots(ctx context.Context, summary *CycleSummary, plan schedule.Plan, attempted map[string]bool, start time.Time, log zerolog.Logger) error {
	for _, slot := range plan.Slots {
		if attempted[slot.ID] || slot.At.After(o.now()) {
			continue
		}
		if o.now().Sub(slot.At) > o.cfg.SlotGrace {
			if err := o.recordOutcome(ctx, slot, store.OutcomeSkipped, ReasonStale, ""); err != nil {
				return err
			}
			summary.Skipped++
			continue
		}
		summary.DueSlots++

		if o.now().Sub(start) > o.cfg.Budget-o.cfg.SlotEstimate {
			if err := o.recordOutcome(ctx, slot, store.OutcomeSkipped, ReasonBudget, ""); err != nil {
				return err
			}
			summary.Skipped++
			continue
		}

		outcome, reason, contentID, err := o.runSlot(ctx, slot, log)
		if err != nil {
			return err
		}
		if err := o.recordOutcome(ctx, slot, outcome, reason, contentID); err != nil {
			return err
		}
		switch outcome {
		case store.OutcomePublished:
			summary.Published++
		case store.OutcomeFailed:
			summary.Failed++
		default:
			summary.Skipped++
		}
	}
	return nil
}

// runSlot produces and publishes one short. The returned error is only
// non-nil for persistence failures; capability failures map to a failed
// outcome with a reason.
func (o *Orchestrator) runSlot(ctx context.Context, slot schedule.Slot, log zerolog.Logger) (store.Outcome, string, string, error) {
	slog := log.With().Str("slot_id", slot.ID).Str("category", slot.Category).Logger()

	draft, questionFP, reason, err := o.generateDraft(ctx, slot, slog)
	if err != nil {
		return "", "", "", err
	}
	if reason != "" {
		return store.OutcomeFailed, reason, "", nil
	}

	narration, _, err := fallback.Invoke(ctx, o.coord, provider.CapNarration, o.chains.Narration,
		provider.NarrationRequest{Text: buildScript(draft), Voice: slot.Voice})
	if failed, err := capabilityFailure(err); failed {
		return store.OutcomeFailed, ReasonNarration, "", err
	}

	background, bgFP, err := o.pickAsset(ctx, store.KindBackground, slot.Category, slog)
	if failed, err := capabilityFailure(err); failed {
		return store.OutcomeFailed, ReasonAssets, "", err
	}
	music, musicFP, err := o.pickAsset(ctx, store.KindMusic, slot.Category, slog)
	if failed, err := capabilityFailure(err); failed {
		return store.OutcomeFailed, ReasonAssets, "", err
	}

	rendered, _, err := fallback.Invoke(ctx, o.coord, provider.CapRender, o.chains.Render,
		provider.RenderRequest{
			Draft:        draft,
			AudioPath:    narration.AudioPath,
			BackgroundID: background.AssetID,
			MusicID:      music.AssetID,
		})
	if failed, err := capabilityFailure(err); failed {
		return store.OutcomeFailed, ReasonRender, "", err
	}

	uploaded, _, err := fallback.Invoke(ctx, o.coord, provider.CapUpload, o.chains.Upload,
		provider.UploadRequest{
			VideoPath:   rendered.VideoPath,
			Title:       safety.SanitizeTitle(draft.Title),
			Description: safety.SanitizeDescription(draft.Description),
			Tags:        safety.SanitizeTags(draft.Tags),
			PublishAt:   slot.At,
		})
	if failed, err := capabilityFailure(err); failed {
		return store.OutcomeFailed, ReasonUpload, "", err
	}

	// Fingerprints are recorded only after the whole package succeeded.
	for _, fp := range []store.Fingerprint{questionFP, bgFP, musicFP} {
		if fp.Hash == "" {
			continue
		}
		if err := o.fps.Record(ctx, fp); err != nil {
			return "", "", "", err
		}
	}

	slog.Info().Str("content_id", uploaded.ContentID).Msg("slot published")
	return store.OutcomePublished, "", uploaded.ContentID, nil
}

// generateDraft runs the draft loop: generate, safety-screen, duplicate
// check, regenerate up to the limit. An empty reason means success.
func (o *Orchestrator) generateDraft(ctx context.Context, slot schedule.Slot, log zerolog.Logger) (provider.ContentDraft, store.Fingerprint, string, error) {
	req := provider.ContentRequest{
		Template: slot.Template,
		Category: slot.Category,
		Voice:    slot.Voice,
	}
	lastReason := ReasonDuplicate
	for attempt := 0; attempt < o.cfg.DupRegenLimit; attempt++ {
		draft, _, err := fallback.Invoke(ctx, o.coord, provider.CapContent, o.chains.Content, req)
		if err != nil {
			if errors.Is(err, fallback.ErrAllProvidersExhausted) {
				return provider.ContentDraft{}, store.Fingerprint{}, ReasonContent, nil
			}
			return provider.ContentDraft{}, store.Fingerprint{}, "", err
		}

		if err := o.filter.Check(draft); err != nil {
			log.Warn().Err(err).Int("attempt", attempt+1).Msg("draft rejected by safety filter")
			lastReason = ReasonUnsafe
			continue
		}

		fp, err := fingerprint.FromText(draft.Question, o.now())
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt+1).Msg("draft fingerprint malformed")
			lastReason = ReasonDuplicate
			continue
		}
		dup, err := o.fps.IsDuplicate(ctx, fp, o.now())
		if err != nil && !errors.Is(err, fingerprint.ErrMalformedCandidate) {
			return provider.ContentDraft{}, store.Fingerprint{}, "", err
		}
		if dup {
			o.met.DuplicateHits.WithLabelValues(string(store.KindQuestion)).Inc()
			log.Info().Int("attempt", attempt+1).Msg("duplicate draft, regenerating")
			req.Avoid = append(req.Avoid, draft.Question)
			lastReason = ReasonDuplicate
			continue
		}
		return draft, fp, "", nil
	}
	return provider.ContentDraft{}, store.Fingerprint{}, lastReason, nil
}

// pickAsset draws an asset, steering around ones still inside their
// no-repeat window. After the retry budget the last candidate is used
// anyway: asset variety is a soft rule, a missed slot is not.
func (o *Orchestrator) pickAsset(ctx context.Context, kind store.FingerprintKind, category string, log zerolog.Logger) (provider.AssetResult, store.Fingerprint, error) {
	req := provider.AssetRequest{Kind: string(kind), Category: category}
	var last provider.AssetResult
	var lastFP store.Fingerprint
	for attempt := 0; attempt < o.cfg.DupRegenLimit; attempt++ {
		asset, _, err := fallback.Invoke(ctx, o.coord, provider.CapAssets, o.chains.Assets, req)
		if err != nil {
			return provider.AssetResult{}, store.Fingerprint{}, err
		}
		fp, err := fingerprint.FromAsset(kind, asset.AssetID, o.now())
		if err != nil {
			return provider.AssetResult{}, store.Fingerprint{}, fmt.Errorf("asset %q: %w", asset.AssetID, err)
		}
		dup, err := o.fps.IsDuplicate(ctx, fp, o.now())
		if err != nil && !errors.Is(err, fingerprint.ErrMalformedCandidate) {
			return provider.AssetResult{}, store.Fingerprint{}, err
		}
		if !dup {
			return asset, fp, nil
		}
		o.met.DuplicateHits.WithLabelValues(string(kind)).Inc()
		req.Exclude = append(req.Exclude, asset.AssetID)
		last, lastFP = asset, fp
	}
	log.Warn().Str("kind", string(kind)).Str("asset_id", last.AssetID).
		Msg("asset pool exhausted inside no-repeat window, reusing")
	return last, lastFP, nil
}

// capabilityFailure separates provider exhaustion (slot fails, cycle
// continues) from persistence errors (cycle aborts).
func capabilityFailure(err error) (bool, error) {
	if err == nil {
		return false, nil
	}
	if errors.Is(err, fallback.ErrAllProvidersExhausted) {
		return true, nil
	}
	return true, err
}

func (o *Orchestrator) recordOutcome(ctx context.Context, slot schedule.Slot, outcome store.Outcome, reason, contentID string) error {
	rec := store.PublishRecord{
		SlotID:      slot.ID,
		ScheduledAt: slot.At,
		AttemptedAt: o.now(),
		Template:    slot.Template,
		Category:    slot.Category,
		Voice:       slot.Voice,
		Hour:        slot.Hour,
		Outcome:     outcome,
		Reason:      reason,
		ContentID:   contentID,
	}
	if err := o.st.Publishes.Insert(ctx, rec); err != nil {
		return fmt.Errorf("record slot %s outcome: %w", slot.ID, err)
	}
	o.met.SlotOutcomes.WithLabelValues(string(outcome), reason).Inc()
	return nil
}

func (o *Orchestrator) attemptedSlots(ctx context.Context, day time.Time) (map[string]bool, error) {
	records, err := o.st.Publishes.ListSince(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("list today's records: %w", err)
	}
	attempted := make(map[string]bool, len(records))
	for _, rec := range records {
		attempted[rec.SlotID] = true
	}
	return attempted, nil
}

func (o *Orchestrator) exportWeights(doc store.StrategyDoc) {
	for dim, opts := range doc.Weights {
		for opt, w := range opts {
			o.met.StrategyWeight.WithLabelValues(dim, opt).Set(w)
		}
	}
}

func (o *Orchestrator) exportCircuits(ctx context.Context) {
	records, err := o.tracker.Snapshot(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("circuit snapshot failed")
		return
	}
	for _, h := range records {
		o.met.ObserveCircuit(h.Capability, h.Provider, string(h.State))
	}
}

// buildScript flattens a draft into the narration text.
func buildScript(d provider.ContentDraft) string {
	var b strings.Builder
	b.WriteString(d.Question)
	for i, opt := range d.Options {
		fmt.Fprintf(&b, "\nOption %c: %s", 'A'+i, opt)
	}
	fmt.Fprintf(&b, "\nThe answer is: %s", d.Answer)
	if d.Explanation != "" {
		b.WriteString("\n")
		b.WriteString(d.Explanation)
	}
	return b.String()
}
