package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"phaseloop/internal/state"
	"phaseloop/internal/system"
	"phaseloop/internal/types"
)

var (
	runObjective     string
	runPriority      int
	runProfile       []string
	runMaxIterations int
)

// runCmd drives the phase loop
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the phase loop until objectives are done",
	Long: `Boots the coordinator and runs phases until no active objective remains,
max_iterations is reached or the process is interrupted.

The first SIGINT/SIGTERM lets the in-flight phase finish and saves state;
a second one cancels the phase.

Example:
  phaseloop run --objective "add a retry policy to the HTTP client" \
    --profile functional=0.9 --profile error_proneness=0.7`,
	RunE: runLoop,
}

func init() {
	runCmd.Flags().StringVarP(&runObjective, "objective", "o", "", "Add an active objective before running")
	runCmd.Flags().IntVar(&runPriority, "priority", 0, "Priority of the added objective")
	runCmd.Flags().StringSliceVar(&runProfile, "profile", nil, "Objective profile axis as name=value (repeatable)")
	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", -1, "Override coordinator.max_iterations (0 = unlimited)")
}

func runLoop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runMaxIterations >= 0 {
		cfg.Coordinator.MaxIterations = runMaxIterations
	}
	profile, err := parseProfile(runProfile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	app, err := system.Boot(ctx, system.BootConfig{Workspace: cfg.Workspace, ConfigOverride: cfg})
	if err != nil {
		return fmt.Errorf("boot failed: %w", err)
	}
	defer app.Close()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		logger.Info("Interrupt received, finishing current phase (interrupt again to abort)")
		app.Coordinator.Stop()
		select {
		case <-sigCh:
			logger.Warn("Aborting current phase")
			cancel()
		case <-ctx.Done():
		}
	}()

	if runObjective != "" {
		obj := app.State.AddObjective(state.Objective{Title: runObjective, Priority: runPriority, Profile: profile})
		if err := app.State.Save(); err != nil {
			return err
		}
		logger.Info("Objective added", zap.String("id", obj.ID), zap.String("title", obj.Title), zap.Stringer("profile", obj.Profile))
	}
	if app.State.State().CurrentObjective() == nil {
		fmt.Println("No active objective. Use --objective to add one.")
		return nil
	}

	logger.Info("Starting phase loop",
		zap.String("workspace", app.Workspace),
		zap.Strings("phases", app.Phases.Names()),
		zap.Int("max_iterations", cfg.Coordinator.MaxIterations))

	runErr := app.Coordinator.Run(ctx)

	st, err := app.State.Snapshot()
	if err != nil {
		return err
	}
	fmt.Printf("Stopped after iteration %d (current phase: %s)\n", st.Iteration, orDash(st.CurrentPhase))
	fmt.Println(formatTaskCounts(st.TaskCounts()))
	return runErr
}

// parseProfile turns name=value pairs into a profile; unset axes are neutral.
func parseProfile(pairs []string) (types.DimensionalProfile, error) {
	values := make(map[types.Dimension]float64, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return types.DimensionalProfile{}, fmt.Errorf("invalid profile %q: want name=value", pair)
		}
		dim, ok := types.ParseDimension(strings.TrimSpace(name))
		if !ok {
			return types.DimensionalProfile{}, fmt.Errorf("unknown profile axis %q", name)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || v < 0 || v > 1 {
			return types.DimensionalProfile{}, fmt.Errorf("profile value for %s must be in [0,1], got %q", name, raw)
		}
		values[dim] = v
	}
	return types.NewProfile(values), nil
}

func formatTaskCounts(counts map[state.TaskStatus]int) string {
	order := []state.TaskStatus{
		state.TaskNew, state.TaskInProgress, state.TaskQAPending, state.TaskNeedsFixes,
		state.TaskCompleted, state.TaskFailed, state.TaskSkipped,
	}
	parts := make([]string, 0, len(order))
	for _, s := range order {
		parts = append(parts, fmt.Sprintf("%s=%d", s, counts[s]))
	}
	return "Tasks: " + strings.Join(parts, " ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
