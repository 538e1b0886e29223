// Package system builds the application context once at process start and
// wires every component together.
package system

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"phaseloop/internal/bus"
	"phaseloop/internal/config"
	"phaseloop/internal/coordinator"
	"phaseloop/internal/llm"
	"phaseloop/internal/logging"
	"phaseloop/internal/loop"
	"phaseloop/internal/phase"
	"phaseloop/internal/state"
	"phaseloop/internal/tools"
	"phaseloop/internal/tools/core"
	"phaseloop/internal/world"
)

// App is a fully wired phaseloop instance.
type App struct {
	Workspace string
	Config    *config.Config
	Logger    *logging.Logger

	State         *state.Manager
	Bus           *bus.MessageBus
	Archive       *bus.Archive // nil when disabled
	Tracker       *loop.ActionTracker
	Audit         *loop.AuditLog // nil when disabled
	Detector      *loop.PatternDetector
	Intervention  *loop.InterventionSystem
	AckWatcher    *loop.AckWatcher // nil when watchers are skipped
	Scanner       *world.Scanner
	Graph         *world.ReferenceGraph
	Files         *core.Workspace
	Tools         *tools.Registry
	LLM           llm.Client
	Consultations *phase.ConsultationPool
	Phases        *phase.Registry
	Coordinator   *coordinator.Coordinator

	ownsLogger bool
}

// BootConfig controls Boot. Overrides replace the component Boot would
// otherwise build.
type BootConfig struct {
	Workspace  string
	ConfigPath string // defaults to <workspace>/.phaseloop/config.yaml

	ConfigOverride    *config.Config
	LoggerOverride    *logging.Logger
	LLMClientOverride llm.Client

	// SkipWatchers disables the ack file watcher and audit log rotation
	// following.
	SkipWatchers bool
	// SkipScan disables the reference graph scan.
	SkipScan bool
}

// Boot initializes the entire stack for a workspace. On error every
// resource opened so far is released.
func Boot(ctx context.Context, bc BootConfig) (app *App, err error) {
	workspace := bc.Workspace
	if workspace == "" {
		if workspace, err = os.Getwd(); err != nil {
			return nil, err
		}
	}
	if workspace, err = filepath.Abs(workspace); err != nil {
		return nil, err
	}

	app = &App{Workspace: workspace}
	defer func() {
		if err != nil {
			_ = app.Close()
			app = nil
		}
	}()

	// 1. Configuration
	cfg := bc.ConfigOverride
	if cfg == nil {
		path := bc.ConfigPath
		if path == "" {
			path = filepath.Join(workspace, config.DefaultConfigPath)
		}
		if cfg, err = config.Load(path); err != nil {
			return app, err
		}
	}
	cfg.Workspace = workspace
	if err = cfg.Validate(); err != nil {
		return app, fmt.Errorf("invalid config: %w", err)
	}
	app.Config = cfg

	// 2. Logging
	if bc.LoggerOverride != nil {
		app.Logger = bc.LoggerOverride
	} else {
		if app.Logger, err = logging.New(cfg.Logging, workspace); err != nil {
			return app, fmt.Errorf("init logging: %w", err)
		}
		app.ownsLogger = true
	}
	log := app.Logger
	bootLog := log.Get(logging.CategoryBoot)
	timer := logging.StartTimer(bootLog, "system.Boot")
	defer timer.Stop()

	// 3. State
	app.State = state.NewManager(cfg.ResolvePath(cfg.State.Path), log,
		state.WithCaps(cfg.State.RunHistoryCap, cfg.State.PhaseHistoryCap))
	if _, err = app.State.Load(); err != nil {
		return app, err
	}

	// 4. Message bus and archive
	app.Bus = bus.New(bus.Config{
		QueueCap:     cfg.Bus.QueueCap,
		HistoryCap:   cfg.Bus.HistoryCap,
		DefaultTTL:   cfg.GetMessageTTL(),
		PollInterval: cfg.GetPollInterval(),
	}, log)
	if cfg.Bus.ArchivePath != "" {
		if app.Archive, err = bus.OpenArchive(cfg.ResolvePath(cfg.Bus.ArchivePath)); err != nil {
			return app, fmt.Errorf("open message archive: %w", err)
		}
		app.Bus.SetArchive(app.Archive)
		if retention := cfg.GetArchiveRetention(); retention > 0 {
			pruned, pruneErr := app.Archive.Prune(ctx, time.Now().Add(-retention))
			if pruneErr != nil {
				bootLog.Warn("Message archive prune failed: %v", pruneErr)
			} else if pruned > 0 {
				bootLog.Info("Pruned %d archived message(s) older than %s", pruned, retention)
			}
		}
	}

	// 5. Loop detection
	app.Tracker = loop.NewActionTracker(cfg.Loop.Window, log)
	if cfg.Loop.AuditLog != "" {
		if app.Audit, err = loop.NewAuditLog(cfg.ResolvePath(cfg.Loop.AuditLog), log); err != nil {
			return app, err
		}
		app.Tracker.SetAudit(app.Audit)
		if !bc.SkipWatchers {
			if err = app.Audit.Follow(ctx); err != nil {
				bootLog.Warn("Audit log rotation watch unavailable: %v", err)
				err = nil
			}
		}
	}
	app.Detector = loop.NewPatternDetector()
	app.Scanner = world.NewScanner(workspace, log)
	if !bc.SkipScan {
		if graph, scanErr := app.Scanner.Scan(ctx); scanErr != nil {
			bootLog.Warn("Reference graph scan failed, circular dependency checks disabled: %v", scanErr)
		} else {
			app.Graph = graph
			app.Detector.SetGraph(graph)
		}
	}
	app.Intervention = loop.NewInterventionSystem(app.Tracker, app.Detector, cfg.Loop.MaxInterventions, log)
	if cfg.Loop.StateFile != "" {
		if err = app.Intervention.AttachStateFile(cfg.ResolvePath(cfg.Loop.StateFile)); err != nil {
			return app, err
		}
	}
	if !bc.SkipWatchers {
		if app.AckWatcher, err = loop.NewAckWatcher(cfg.ResolvePath(cfg.Loop.AckFile), app.Intervention, log); err != nil {
			return app, err
		}
		if err = app.AckWatcher.Start(ctx); err != nil {
			return app, err
		}
	}

	// 6. Tools
	if app.Files, err = core.NewWorkspace(workspace, log); err != nil {
		return app, err
	}
	app.Tools = tools.NewRegistry(log)
	if err = core.RegisterAll(app.Tools, app.Files); err != nil {
		return app, err
	}
	app.Tools.SetGate(app.Intervention)
	app.Tools.SetRecorder(app.Tracker)
	applyMutatingTools(app.Tools, cfg.Loop.MutatingTools)

	// 7. LLM
	client := bc.LLMClientOverride
	if client == nil {
		if err = cfg.RequireAPIKey(); err != nil {
			return app, err
		}
		if client, err = llm.NewGeminiClient(ctx, cfg.LLM.APIKey, cfg.LLM.Model, log); err != nil {
			return app, err
		}
	}
	app.LLM = llm.WithTimeout(client, cfg.GetLLMTimeout())
	app.Consultations = phase.NewConsultationPool(app.LLM, cfg.Consultation.MaxParallel, cfg.GetConsultationTimeout(), log)

	// 8. Phases and coordinator
	app.Phases = phase.NewRegistry()
	deps := phase.Deps{
		Client: app.LLM,
		Tools:  app.Tools,
		Tasks:  app.State,
		Bus:    app.Bus,
		Pool:   app.Consultations,
		Files:  app.Files,
		Log:    log,
	}
	if err = phase.RegisterDefaults(app.Phases, deps, cfg.GetLLMTimeout()); err != nil {
		return app, err
	}
	app.State.EnsurePhases(app.Phases.Names())

	app.Coordinator, err = coordinator.New(coordinator.ConfigFrom(cfg), coordinator.Deps{
		Phases:       app.Phases,
		State:        app.State,
		Intervention: app.Intervention,
		Bus:          app.Bus,
		Log:          log,
	})
	if err != nil {
		return app, err
	}

	bootLog.Info("Booted %s: %d phases, %d tools, workspace=%s", cfg.Name, app.Phases.Len(), app.Tools.Count(), workspace)
	return app, nil
}

// applyMutatingTools makes the configured list authoritative for which
// registered tools the loop gate treats as mutating.
func applyMutatingTools(reg *tools.Registry, mutating []string) {
	if len(mutating) == 0 {
		return
	}
	for _, name := range reg.Names() {
		reg.SetMutating(name, slices.Contains(mutating, name))
	}
}

// Close releases watchers, files and the archive.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	if a.AckWatcher != nil {
		a.AckWatcher.Stop()
		a.AckWatcher = nil
	}
	if a.Audit != nil {
		if err := a.Audit.Close(); err != nil {
			errs = append(errs, err)
		}
		a.Audit = nil
	}
	if a.Archive != nil {
		if err := a.Archive.Close(); err != nil {
			errs = append(errs, err)
		}
		a.Archive = nil
	}
	if a.Scanner != nil {
		a.Scanner.Close()
		a.Scanner = nil
	}
	if a.Logger != nil && a.ownsLogger {
		a.Logger.Sync()
	}
	return errors.Join(errs...)
}
