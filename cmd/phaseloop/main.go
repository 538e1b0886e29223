package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"phaseloop/internal/config"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string

	// Logger for CLI-level messages. Components log through internal/logging.
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "phaseloop",
	Short: "phaseloop - adaptive phase coordinator for autonomous development",
	Long: `phaseloop drives a development objective through a loop of phases
(planning, coding, review, testing, debugging, refactoring).

Each iteration the coordinator selects exactly one phase by learned affinity,
runs it, records the outcome and watches the recorded tool actions for loops.
State lives in .phaseloop/ inside the workspace.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: <workspace>/"+config.DefaultConfigPath+")")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(ackCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(graphCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveWorkspace returns the absolute workspace directory.
func resolveWorkspace() (string, error) {
	ws := workspace
	if ws == "" {
		var err error
		if ws, err = os.Getwd(); err != nil {
			return "", err
		}
	}
	return filepath.Abs(ws)
}

func resolveConfigPath(ws string) string {
	if configPath != "" {
		return configPath
	}
	return filepath.Join(ws, config.DefaultConfigPath)
}

// loadConfig reads the workspace config, falling back to defaults.
func loadConfig() (*config.Config, error) {
	ws, err := resolveWorkspace()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(resolveConfigPath(ws))
	if err != nil {
		return nil, err
	}
	cfg.Workspace = ws
	return cfg, nil
}
