package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/shortpilot/shortpilot/internal/analytics"
	"github.com/shortpilot/shortpilot/internal/config"
	"github.com/shortpilot/shortpilot/internal/fallback"
	"github.com/shortpilot/shortpilot/internal/fingerprint"
	"github.com/shortpilot/shortpilot/internal/health"
	"github.com/shortpilot/shortpilot/internal/httpapi"
	"github.com/shortpilot/shortpilot/internal/metrics"
	"github.com/shortpilot/shortpilot/internal/orchestrator"
	"github.com/shortpilot/shortpilot/internal/provider"
	"github.com/shortpilot/shortpilot/internal/risk"
	"github.com/shortpilot/shortpilot/internal/safety"
	"github.com/shortpilot/shortpilot/internal/schedule"
	"github.com/shortpilot/shortpilot/internal/store"
	"github.com/shortpilot/shortpilot/internal/store/filestore"
	"github.com/shortpilot/shortpilot/internal/store/postgres"
	"github.com/shortpilot/shortpilot/internal/strategy"
)

// app is the fully wired runtime.
type app struct {
	cfg     *config.Config
	st      store.Store
	tracker *health.Tracker
	riskEng *risk.Engine
	orch    *orchestrator.Orchestrator
	log     zerolog.Logger
}

// buildApp wires the whole stack from configuration.
func buildApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	met := metrics.NewRegistry(nil)
	tracker := health.NewTracker(st.Health, cfg.HealthConfig(), log)
	coord := fallback.NewCoordinator(tracker, cfg.FallbackConfig(), log)
	prints := fingerprint.NewStore(st.Fingerprints, cfg.Windows(), cfg.DupThreshold, log)
	strat := strategy.NewEngine(st.Strategy, st.Publishes, cfg.StrategyConfig(), log)
	riskEng := risk.NewEngine(st.Risk, st.Publishes, cfg.RiskConfig(), log)
	planner := schedule.NewPlanner(cfg.ScheduleConfig(), log, cfg.Seed)

	filter, err := safetyFilter(cfg)
	if err != nil {
		return nil, err
	}

	chains, analyticsChain, err := buildChains(cfg)
	if err != nil {
		return nil, err
	}
	poller := analytics.NewPoller(st.Publishes, coord, analyticsChain, cfg.AnalyticsConfig(), log)

	orch := orchestrator.New(orchestrator.Deps{
		Store:     st,
		Prints:    prints,
		Tracker:   tracker,
		Coord:     coord,
		Chains:    chains,
		Strategy:  strat,
		Risk:      riskEng,
		Planner:   planner,
		Analytics: poller,
		Safety:    filter,
		Metrics:   met,
		Options:   cfg.Dimensions,
	}, cfg.OrchestratorConfig(), log)

	return &app{
		cfg:     cfg,
		st:      st,
		tracker: tracker,
		riskEng: riskEng,
		orch:    orch,
		log:     log,
	}, nil
}

func (a *app) server() *httpapi.Server {
	addr := a.cfg.Server.Addr
	if addr == "" {
		addr = ":8090"
	}
	return httpapi.NewServer(addr, a.st, a.tracker, a.riskEng, a.log)
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		db, err := postgres.Connect(ctx, cfg.Storage.DSN)
		if err != nil {
			return store.Store{}, fmt.Errorf("connect postgres: %w", err)
		}
		return postgres.Repos(db, cfg.Storage.QueryTimeout.Std()), nil
	default:
		fs, err := filestore.New(cfg.Storage.Dir)
		if err != nil {
			return store.Store{}, fmt.Errorf("open file store: %w", err)
		}
		return fs.Repos(), nil
	}
}

func safetyFilter(cfg *config.Config) (*safety.Filter, error) {
	return safety.NewFilter(cfg.Safety.ExtraBannedPatterns)
}

// buildChains assembles every capability's provider chain in priority
// order from the configuration.
func buildChains(cfg *config.Config) (orchestrator.Chains, []fallback.Provider[provider.AnalyticsRequest, provider.AnalyticsResult], error) {
	var chains orchestrator.Chains

	chains.Content = append(chains.Content, provider.NewAnthropicContent(cfg.Providers.Anthropic))
	if cfg.Providers.QuestionBank != "" {
		bank, err := provider.LoadQuestionBank(cfg.Providers.QuestionBank, cfg.Seed)
		if err != nil {
			return chains, nil, err
		}
		chains.Content = append(chains.Content, bank)
	}

	for _, e := range cfg.Providers.Narration {
		chains.Narration = append(chains.Narration,
			provider.NewHTTPProvider[provider.NarrationRequest, provider.NarrationResult](e.HTTPConfig()))
	}
	for _, e := range cfg.Providers.Assets {
		chains.Assets = append(chains.Assets,
			provider.NewHTTPProvider[provider.AssetRequest, provider.AssetResult](e.HTTPConfig()))
	}
	if cfg.Providers.AssetDir != "" {
		chains.Assets = append(chains.Assets, provider.NewLocalAssetLibrary(cfg.Providers.AssetDir, cfg.Seed))
	}
	for _, e := range cfg.Providers.Render {
		chains.Render = append(chains.Render,
			provider.NewHTTPProvider[provider.RenderRequest, provider.RenderResult](e.HTTPConfig()))
	}
	for _, e := range cfg.Providers.Upload {
		chains.Upload = append(chains.Upload,
			provider.NewHTTPProvider[provider.UploadRequest, provider.UploadResult](e.HTTPConfig()))
	}

	var analyticsChain []fallback.Provider[provider.AnalyticsRequest, provider.AnalyticsResult]
	for _, e := range cfg.Providers.Analytics {
		analyticsChain = append(analyticsChain,
			provider.NewHTTPProvider[provider.AnalyticsRequest, provider.AnalyticsResult](e.HTTPConfig()))
	}
	return chains, analyticsChain, nil
}
