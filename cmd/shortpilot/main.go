package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/shortpilot/shortpilot/internal/config"
)

const (
	appName = "shortpilot"
	version = "v1.2.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log := newLogger()

	var configPath string

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Autonomous short-form publishing pipeline",
		Version: version,
		Long: `shortpilot runs an unattended short-form quiz channel: it plans the
day's publish slots, generates and screens content, walks provider
fallback chains, and adapts its strategy weights to what performs.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/shortpilot.yaml", "Path to the YAML configuration")

	cycleCmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run one publish cycle and exit",
		Long:  "Evaluates risk, refreshes strategy, collects matured performance and works the due slots inside the cycle budget. Designed for cron.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			budget, _ := cmd.Flags().GetDuration("budget")
			return runCycle(cmd.Context(), configPath, budget, log)
		},
	}
	cycleCmd.Flags().Duration("budget", 0, "Override the cycle wall-clock budget")

	loopCmd := &cobra.Command{
		Use:   "loop",
		Short: "Run cycles continuously",
		Long:  "Runs a cycle, sleeps the interval, repeats until interrupted.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			interval, _ := cmd.Flags().GetDuration("interval")
			return runLoop(cmd.Context(), configPath, interval, log)
		},
	}
	loopCmd.Flags().Duration("interval", 15*time.Minute, "Sleep between cycles")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print the operational snapshot as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), configPath, log)
		},
	}

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Serve the operational HTTP API",
		Long:  "Starts the HTTP server with /health, /status, /metrics and the risk override endpoints.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMonitor(cmd.Context(), configPath, log)
		},
	}

	rootCmd.AddCommand(cycleCmd, loopCmd, statusCmd, monitorCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// newLogger writes console output on a TTY and JSON otherwise.
func newLogger() zerolog.Logger {
	var out = os.Stderr
	if term.IsTerminal(int(out.Fd())) {
		return zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

func loadApp(ctx context.Context, configPath string, log zerolog.Logger) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return buildApp(ctx, cfg, log)
}

func runCycle(ctx context.Context, configPath string, budget time.Duration, log zerolog.Logger) error {
	a, err := loadApp(ctx, configPath, log)
	if err != nil {
		return err
	}
	if budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}
	summary, err := a.orch.RunCycle(ctx)
	if err != nil {
		return err
	}
	return printJSON(summary)
}

func runLoop(ctx context.Context, configPath string, interval time.Duration, log zerolog.Logger) error {
	a, err := loadApp(ctx, configPath, log)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := a.orch.RunCycle(ctx); err != nil {
			log.Error().Err(err).Msg("cycle failed, continuing after interval")
		}
		select {
		case <-ctx.Done():
			log.Info().Msg("loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func runStatus(ctx context.Context, configPath string, log zerolog.Logger) error {
	a, err := loadApp(ctx, configPath, log)
	if err != nil {
		return err
	}
	riskDoc, err := a.riskEng.Load(ctx)
	if err != nil {
		return err
	}
	circuits, err := a.tracker.Snapshot(ctx)
	if err != nil {
		return err
	}
	recent, err := a.st.Publishes.ListRecent(ctx, 10)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"risk":         riskDoc,
		"circuits":     circuits,
		"recent_slots": recent,
	})
}

func runMonitor(ctx context.Context, configPath string, log zerolog.Logger) error {
	a, err := loadApp(ctx, configPath, log)
	if err != nil {
		return err
	}
	srv := a.server()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
