package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"phaseloop/internal/logging"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the workspace-relative location of the config file.
const DefaultConfigPath = ".phaseloop/config.yaml"

// Config holds all phaseloop configuration.
type Config struct {
	Name      string `yaml:"name"`
	Workspace string `yaml:"workspace"`

	LLM          LLMConfig          `yaml:"llm"`
	Coordinator  CoordinatorConfig  `yaml:"coordinator"`
	State        StateConfig        `yaml:"state"`
	Loop         LoopConfig         `yaml:"loop"`
	Bus          BusConfig          `yaml:"bus"`
	Consultation ConsultationConfig `yaml:"consultation"`
	Logging      logging.Config     `yaml:"logging"`
}

// LLMConfig configures the language-model client.
type LLMConfig struct {
	Provider string `yaml:"provider"` // gemini
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Timeout  string `yaml:"timeout"`
}

// CoordinatorConfig configures phase selection and the main loop.
type CoordinatorConfig struct {
	MaxIterations  int    `yaml:"max_iterations"` // 0 = run until objectives are done or cancelled
	PhaseTimeout   string `yaml:"phase_timeout"`
	IterationDelay string `yaml:"iteration_delay"`
	InitialPhase   string `yaml:"initial_phase"`
	RecoveryPhase  string `yaml:"recovery_phase"`

	// Affinity learning
	LearningRate      float64 `yaml:"learning_rate"`
	DominantThreshold float64 `yaml:"dominant_threshold"`
	RecencyDecay      float64 `yaml:"recency_decay"`

	// Forced transition
	TransitionWindow           int     `yaml:"transition_window"`
	TransitionMinRuns          int     `yaml:"transition_min_runs"`
	TransitionRateThreshold    float64 `yaml:"transition_rate_threshold"`
	UnproductiveRunsThreshold  int     `yaml:"unproductive_runs_threshold"`
	FailureEscalationThreshold int     `yaml:"failure_escalation_threshold"`
}

// StateConfig configures pipeline state persistence.
type StateConfig struct {
	Path            string `yaml:"path"`
	RunHistoryCap   int    `yaml:"run_history_cap"`
	PhaseHistoryCap int    `yaml:"phase_history_cap"`
}

// LoopConfig configures loop detection and intervention.
type LoopConfig struct {
	Window           int      `yaml:"window"`
	MaxInterventions int      `yaml:"max_interventions"`
	AuditLog         string   `yaml:"audit_log"`
	AckFile          string   `yaml:"ack_file"`
	StateFile        string   `yaml:"state_file"` // blocked state and escalation count across restarts
	MutatingTools    []string `yaml:"mutating_tools"`
}

// BusConfig configures the message bus.
type BusConfig struct {
	QueueCap     int    `yaml:"queue_cap"`
	HistoryCap   int    `yaml:"history_cap"`
	DefaultTTL   string `yaml:"default_ttl"`
	PollInterval string `yaml:"poll_interval"`
	ArchivePath  string `yaml:"archive_path"` // empty disables the archive
	// ArchiveRetention bounds archived message age; "0" keeps everything.
	ArchiveRetention string `yaml:"archive_retention"`
}

// ConsultationConfig configures specialist consultation fan-out inside phases.
type ConsultationConfig struct {
	MaxParallel int    `yaml:"max_parallel"`
	Timeout     string `yaml:"timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:      "phaseloop",
		Workspace: ".",

		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-2.5-pro",
			Timeout:  "120s",
		},

		Coordinator: CoordinatorConfig{
			PhaseTimeout:               "30m",
			IterationDelay:             "0s",
			InitialPhase:               "planning",
			RecoveryPhase:              "debugging",
			LearningRate:               0.025,
			DominantThreshold:          0.6,
			RecencyDecay:               0.8,
			TransitionWindow:           5,
			TransitionMinRuns:          3,
			TransitionRateThreshold:    0.3,
			UnproductiveRunsThreshold:  3,
			FailureEscalationThreshold: 3,
		},

		State: StateConfig{
			Path:            ".phaseloop/pipeline_state.json",
			RunHistoryCap:   50,
			PhaseHistoryCap: 500,
		},

		Loop: LoopConfig{
			Window:           200,
			MaxInterventions: 3,
			AuditLog:         ".phaseloop/action_history.jsonl",
			AckFile:          ".phaseloop/loop_ack",
			StateFile:        ".phaseloop/loop_state.json",
			MutatingTools:    []string{"write_file", "edit_file", "delete_file"},
		},

		Bus: BusConfig{
			QueueCap:     1000,
			HistoryCap:   10000,
			DefaultTTL:   "24h",
			PollInterval: "250ms",
			ArchivePath:  ".phaseloop/messages.db",

			ArchiveRetention: "720h",
		},

		Consultation: ConsultationConfig{
			MaxParallel: 4,
			Timeout:     "90s",
		},

		Logging: logging.Config{
			Level:  "info",
			Format: "json",
			File:   "phaseloop.log",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Defaults when the config file doesn't exist
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// GEMINI_API_KEY wins over GOOGLE_API_KEY
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if model := os.Getenv("PHASELOOP_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if timeout := os.Getenv("PHASELOOP_LLM_TIMEOUT"); timeout != "" {
		c.LLM.Timeout = timeout
	}
	if ws := os.Getenv("PHASELOOP_WORKSPACE"); ws != "" {
		c.Workspace = ws
	}
	if path := os.Getenv("PHASELOOP_STATE_FILE"); path != "" {
		c.State.Path = path
	}
	if level := os.Getenv("PHASELOOP_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// ResolvePath makes a workspace-relative path absolute.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Workspace, p)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 120*time.Second)
}

// GetPhaseTimeout returns the per-phase execution timeout.
func (c *Config) GetPhaseTimeout() time.Duration {
	return parseDuration(c.Coordinator.PhaseTimeout, 30*time.Minute)
}

// GetIterationDelay returns the pause between coordinator iterations.
func (c *Config) GetIterationDelay() time.Duration {
	return parseDuration(c.Coordinator.IterationDelay, 0)
}

// GetMessageTTL returns the default message TTL.
func (c *Config) GetMessageTTL() time.Duration {
	return parseDuration(c.Bus.DefaultTTL, 24*time.Hour)
}

// GetPollInterval returns the request/response poll interval.
func (c *Config) GetPollInterval() time.Duration {
	return parseDuration(c.Bus.PollInterval, 250*time.Millisecond)
}

// GetArchiveRetention returns how long archived messages are kept. Zero
// disables pruning.
func (c *Config) GetArchiveRetention() time.Duration {
	return parseDuration(c.Bus.ArchiveRetention, 30*24*time.Hour)
}

// GetConsultationTimeout returns the per-consultation timeout.
func (c *Config) GetConsultationTimeout() time.Duration {
	return parseDuration(c.Consultation.Timeout, 90*time.Second)
}

// ValidProviders lists all supported LLM providers.
var ValidProviders = []string{"gemini"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validProvider := false
	for _, p := range ValidProviders {
		if c.LLM.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid LLM provider: %s (valid: %v)", c.LLM.Provider, ValidProviders)
	}

	co := c.Coordinator
	if co.LearningRate <= 0 || co.LearningRate > 0.5 {
		return fmt.Errorf("coordinator.learning_rate must be in (0, 0.5], got %v", co.LearningRate)
	}
	if co.DominantThreshold < 0 || co.DominantThreshold > 1 {
		return fmt.Errorf("coordinator.dominant_threshold must be in [0, 1], got %v", co.DominantThreshold)
	}
	if co.RecencyDecay <= 0 || co.RecencyDecay > 1 {
		return fmt.Errorf("coordinator.recency_decay must be in (0, 1], got %v", co.RecencyDecay)
	}
	if co.TransitionMinRuns < 1 || co.TransitionWindow < co.TransitionMinRuns {
		return fmt.Errorf("coordinator.transition_window (%d) must be >= transition_min_runs (%d) >= 1",
			co.TransitionWindow, co.TransitionMinRuns)
	}
	if co.FailureEscalationThreshold < 1 {
		return fmt.Errorf("coordinator.failure_escalation_threshold must be >= 1")
	}
	if c.State.RunHistoryCap < co.TransitionWindow {
		return fmt.Errorf("state.run_history_cap (%d) must cover coordinator.transition_window (%d)",
			c.State.RunHistoryCap, co.TransitionWindow)
	}
	if c.Loop.Window < 10 {
		return fmt.Errorf("loop.window must be >= 10, got %d", c.Loop.Window)
	}
	if c.Loop.MaxInterventions < 1 {
		return fmt.Errorf("loop.max_interventions must be >= 1")
	}
	if c.Bus.QueueCap < 1 || c.Bus.HistoryCap < 1 {
		return fmt.Errorf("bus caps must be positive")
	}
	return nil
}

// RequireAPIKey checks that an LLM key is available for commands that call the model.
func (c *Config) RequireAPIKey() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("LLM API key not configured (set GEMINI_API_KEY or GOOGLE_API_KEY)")
	}
	return nil
}
