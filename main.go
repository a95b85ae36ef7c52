package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"schelling-model/logging"
	"schelling-model/simulation"
	"schelling-model/utils"

	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "schelling",
		Short: "Schelling segregation model on a toroidal grid",
		Long: `schelling runs Schelling's segregation model: two populations on a
toroidal grid, where each agent moves to a random empty cell whenever the
share of same-type neighbors falls below its threshold.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level, _ := cmd.Flags().GetString("log-level")
			slog.SetDefault(logging.NewLogger(level, os.Stderr))
		},
	}

	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("dir", "./run", "Base directory for scenario state")

	rootCmd.AddCommand(
		newRunCmd(),
		newInspectCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a scenario, resuming from its latest snapshot if present",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			metadata, err := resolveRunMetadata(cmd, dir)
			if err != nil {
				return err
			}
			if err := metadata.Validate(); err != nil {
				return err
			}

			scenario := simulation.NewScenario(dir, metadata)
			defer scenario.Close()

			loaded, err := scenario.Load()
			if err != nil {
				return err
			}
			if !loaded {
				if err := scenario.Init(); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = scenario.StepTillEnd(ctx)
			if errors.Is(err, context.Canceled) {
				slog.Warn("run interrupted, state saved", "step", scenario.Model().CurStep)
				return nil
			}
			return err
		},
	}

	cmd.Flags().String("config", "", "Scenario file (.json, .yaml, .yml)")
	cmd.Flags().String("name", "", "Scenario unique name (random if empty)")
	cmd.Flags().Int("width", 0, "Grid width")
	cmd.Flags().Int("height", 0, "Grid height")
	cmd.Flags().Int("agents", 0, "Number of agents")
	cmd.Flags().Float64("threshold", 0, "Required same-type neighbor share in (0,1]")
	cmd.Flags().Int64("seed", 0, "Random seed")
	cmd.Flags().Int("max-steps", 0, "Maximum number of ticks")
	cmd.Flags().Bool("verify", false, "Check occupancy invariants after every tick")
	cmd.Flags().Bool("no-progress", false, "Hide the progress bar")
	return cmd
}

// metadataFromFlags loads the config file, if any, then applies the flags
// that were set explicitly.
func metadataFromFlags(cmd *cobra.Command) (*simulation.ScenarioMetadata, error) {
	flags := cmd.Flags()

	metadata := simulation.DefaultScenarioMetadata()
	if path, _ := flags.GetString("config"); path != "" {
		loaded, err := simulation.ReadMetadataFile(path)
		if err != nil {
			return nil, err
		}
		metadata = loaded
	}
	applyFlags(cmd, metadata)
	return metadata, nil
}

// resolveRunMetadata picks up the metadata saved by an earlier run of the
// named scenario. Without a config file the saved settings are the base for
// the flags; either way the model parameters must match the saved ones.
func resolveRunMetadata(cmd *cobra.Command, dir string) (*simulation.ScenarioMetadata, error) {
	metadata, err := metadataFromFlags(cmd)
	if err != nil || metadata.UniqueName == "" {
		return metadata, err
	}

	stored, err := simulation.NewSimulationSerializer(dir, metadata.UniqueName, 0).LoadMetadata()
	if err != nil {
		return nil, fmt.Errorf("failed to load stored metadata: %w", err)
	}
	if stored == nil {
		return metadata, nil
	}

	if path, _ := cmd.Flags().GetString("config"); path == "" {
		next := *stored
		applyFlags(cmd, &next)
		metadata = &next
	}
	resumed, err := stored.ResumeWith(metadata)
	if err != nil {
		return nil, err
	}
	slog.Info("resuming with stored metadata", "scenario", resumed.UniqueName, "max_steps", resumed.MaxSimulationStep)
	return resumed, nil
}

// applyFlags overwrites metadata with the flags that were set explicitly.
func applyFlags(cmd *cobra.Command, metadata *simulation.ScenarioMetadata) {
	flags := cmd.Flags()
	if flags.Changed("name") {
		metadata.UniqueName, _ = flags.GetString("name")
	}
	if flags.Changed("width") {
		metadata.Width, _ = flags.GetInt("width")
	}
	if flags.Changed("height") {
		metadata.Height, _ = flags.GetInt("height")
	}
	if flags.Changed("agents") {
		metadata.AgentCount, _ = flags.GetInt("agents")
	}
	if flags.Changed("threshold") {
		metadata.Threshold, _ = flags.GetFloat64("threshold")
	}
	if flags.Changed("seed") {
		seed, _ := flags.GetInt64("seed")
		metadata.Seed = &seed
	}
	if flags.Changed("max-steps") {
		metadata.MaxSimulationStep, _ = flags.GetInt("max-steps")
	}
	if flags.Changed("verify") {
		metadata.VerifyInvariants, _ = flags.GetBool("verify")
	}
	if noProgress, _ := flags.GetBool("no-progress"); noProgress {
		metadata.ShowProgress = false
	}
}

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print segregation metrics of a scenario's latest snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			serializer := simulation.NewSimulationSerializer(dir, name, 0)
			dump, err := serializer.GetLatestSnapshot()
			if err != nil {
				return err
			}
			if dump == nil {
				return fmt.Errorf("no snapshot for scenario %q in %s", name, dir)
			}
			finished, err := serializer.IsFinished()
			if err != nil {
				return err
			}

			stats, err := utils.ComputeSegregationStats(dump.Agents, &dump.Params)
			if err != nil {
				return err
			}

			report := map[string]any{
				"name":     name,
				"step":     dump.CurStep,
				"seed":     dump.Seed,
				"finished": finished,
				"params":   dump.Params.ToMap(),
				"metrics":  stats,
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().String("name", "", "Scenario unique name")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "schelling", version)
		},
	}
}
