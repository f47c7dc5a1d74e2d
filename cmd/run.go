package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	summaryadapter "github.com/bnema/perfpilot/internal/adapters/render/summary"
	tomlrepo "github.com/bnema/perfpilot/internal/adapters/repo/toml"
	"github.com/bnema/perfpilot/internal/ports"
	"github.com/spf13/cobra"
)

func newRunCmd(app *app) *cobra.Command {
	var (
		scenarioPath string
		asJSON       bool
		noProgress   bool
		sampleRate   float64
		decisions    int
	)

	cmd := &cobra.Command{
		Use:   "run --scenario <file.toml>",
		Short: "Replay a recorded session scenario through the engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			scenario, err := tomlrepo.LoadScenario(scenarioPath)
			if err != nil {
				return err
			}

			cfg := app.cfg
			cfg.Telemetry.SampleRate = sampleRate
			if err := cfg.Validate(); err != nil {
				return err
			}

			store, err := openStore(cfg.Storage, app.logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := store.Close(); err != nil {
					app.logger.Warn().Err(err).Msg("close store")
				}
			}()

			opts := replayOptions{
				Config: cfg,
				Store:  store,
				Start:  app.now(),
				Logger: app.logger,
			}
			if opts.Sink, err = openSink(cmd.Context(), cfg.Sink, ports.SystemClock{}, app.logger); err != nil {
				return err
			}
			repo, err := openProfiles(cfg.Strategy.ProfilesFile)
			if err != nil {
				return err
			}
			if repo != nil {
				opts.Profiles = repo
			}

			var report replayReport
			replay := func(ctx context.Context, progress func(replayStep)) error {
				opts.Progress = progress
				report, err = replayScenario(ctx, scenario, opts)
				return err
			}

			if asJSON || noProgress {
				err = replay(cmd.Context(), nil)
			} else {
				err = runReplayWithProgress(cmd.Context(), cmd.ErrOrStderr(), scenario.Name, len(scenario.Timeline()), scenario.Duration(), replay)
			}
			if err != nil {
				return err
			}

			return writeReport(cmd, app, report, asJSON, decisions)
		},
	}

	cmd.Flags().StringVar(&scenarioPath, "scenario", "", "Scenario TOML file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output the replay report as JSON")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable the progress spinner")
	cmd.Flags().Float64Var(&sampleRate, "sample-rate", 1, "Telemetry sampling probability for the replayed session")
	cmd.Flags().IntVar(&decisions, "decisions", 5, "Number of recent decisions to list")
	_ = cmd.MarkFlagRequired("scenario")

	return cmd
}

func writeReport(cmd *cobra.Command, app *app, report replayReport, asJSON bool, decisions int) error {
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	rendered, err := app.summaryRender(report.Summary, summaryadapter.RenderOptions{
		Now:       report.Summary.GeneratedAt,
		Decisions: decisions,
	})
	if err != nil {
		return fmt.Errorf("render summary: %w", err)
	}

	out := cmd.OutOrStdout()
	if _, err := fmt.Fprintln(out, rendered); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "\nscenario %q: %d events over %s, %d metrics rejected, %d hints, %d fetches, %d beacon records\n",
		report.Scenario, report.Events, report.Duration, report.Rejected, len(report.Hints), len(report.Fetched), report.BeaconRecords)
	return err
}
