// Package coordinator runs the main loop: select one phase, execute it,
// record the outcome, learn from it, check for loops, persist, repeat.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"phaseloop/internal/bus"
	"phaseloop/internal/config"
	"phaseloop/internal/logging"
	"phaseloop/internal/loop"
	"phaseloop/internal/phase"
	"phaseloop/internal/state"
	"phaseloop/internal/types"
)

// Sender is the bus identity of the coordinator.
const Sender = "coordinator"

var (
	// ErrNoPhases is returned when the registry is empty.
	ErrNoPhases = errors.New("no phases registered")

	// ErrAlreadyRunning is returned by Run when a loop is active.
	ErrAlreadyRunning = errors.New("coordinator already running")
)

// Config tunes selection, learning and the loop.
type Config struct {
	MaxIterations  int
	PhaseTimeout   time.Duration
	IterationDelay time.Duration
	InitialPhase   string
	RecoveryPhase  string

	LearningRate      float64
	DominantThreshold float64
	Decay             float64

	Window            int
	MinRuns           int
	RateThreshold     float64
	UnproductiveRuns  int
	FailureEscalation int
}

// DefaultConfig mirrors config.DefaultConfig.
func DefaultConfig() Config {
	return ConfigFrom(config.DefaultConfig())
}

// ConfigFrom extracts the coordinator settings.
func ConfigFrom(cfg *config.Config) Config {
	c := cfg.Coordinator
	return Config{
		MaxIterations:     c.MaxIterations,
		PhaseTimeout:      cfg.GetPhaseTimeout(),
		IterationDelay:    cfg.GetIterationDelay(),
		InitialPhase:      c.InitialPhase,
		RecoveryPhase:     c.RecoveryPhase,
		LearningRate:      c.LearningRate,
		DominantThreshold: c.DominantThreshold,
		Decay:             c.RecencyDecay,
		Window:            c.TransitionWindow,
		MinRuns:           c.TransitionMinRuns,
		RateThreshold:     c.TransitionRateThreshold,
		UnproductiveRuns:  c.UnproductiveRunsThreshold,
		FailureEscalation: c.FailureEscalationThreshold,
	}
}

// Deps are the coordinator's collaborators.
type Deps struct {
	Phases       *phase.Registry
	State        *state.Manager
	Intervention *loop.InterventionSystem // optional
	Bus          *bus.MessageBus          // optional
	Log          *logging.Logger
}

// Coordinator is the single writer of pipeline state while running.
type Coordinator struct {
	cfg    Config
	phases *phase.Registry
	state  *state.Manager
	loop   *loop.InterventionSystem
	bus    *bus.MessageBus
	log    *logging.CategoryLogger
	now    func() time.Time

	mu            sync.Mutex
	running       bool
	suggestChange bool // set by a loop intervention, consumed by the next selection
	stopping      atomic.Bool
}

// New creates a coordinator.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Phases == nil || deps.State == nil {
		return nil, errors.New("coordinator requires a phase registry and a state manager")
	}
	if cfg.Decay <= 0 || cfg.Decay > 1 {
		cfg.Decay = 0.8
	}
	log := deps.Log
	if log == nil {
		log = logging.NewNop()
	}
	return &Coordinator{
		cfg:    cfg,
		phases: deps.Phases,
		state:  deps.State,
		loop:   deps.Intervention,
		bus:    deps.Bus,
		log:    log.Get(logging.CategoryCoordinator),
		now:    time.Now,
	}, nil
}

// SetClock overrides time.Now.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// StepResult describes one iteration.
type StepResult struct {
	Iteration    int
	Decision     Decision
	Result       *phase.Result
	Err          error
	Outcome      state.RunOutcome
	Intervention *loop.Intervention
}

// Run loops until ctx ends, MaxIterations is reached or no active objective
// remains. A phase failure never ends the loop. The state manager must
// already be loaded.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		c.stopping.Store(false)
	}()

	if c.phases.Len() == 0 {
		return ErrNoPhases
	}
	c.state.Update(c.prepare)

	c.log.Info("=== Starting phase loop: %d phases, max_iterations=%d ===", c.phases.Len(), c.cfg.MaxIterations)
	steps := 0
	for {
		if err := ctx.Err(); err != nil {
			c.log.Info("Phase loop cancelled after %d iteration(s): %v", steps, err)
			return c.save()
		}
		if c.stopping.Load() {
			c.log.Info("Phase loop stopped after %d iteration(s)", steps)
			return c.save()
		}
		if c.cfg.MaxIterations > 0 && steps >= c.cfg.MaxIterations {
			c.log.Info("Reached max_iterations=%d", c.cfg.MaxIterations)
			return c.save()
		}
		if c.state.State().CurrentObjective() == nil {
			c.log.Info("No active objectives, stopping")
			return c.save()
		}

		if c.loop != nil && c.loop.Blocked() {
			if err := c.waitForAck(ctx); err != nil {
				return c.save()
			}
		}

		if _, err := c.Step(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return err
		}
		steps++

		if c.cfg.IterationDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(c.cfg.IterationDelay):
			}
		}
	}
}

// Stop asks a running loop to return after the in-flight phase finishes.
// Cancelling the context passed to Run interrupts the phase instead.
func (c *Coordinator) Stop() {
	c.stopping.Store(true)
}

func (c *Coordinator) waitForAck(ctx context.Context) error {
	c.log.Warn("Loop escalation active, waiting for acknowledgement (phaseloop ack)")
	if err := c.save(); err != nil {
		c.log.Error("Save before ack wait failed: %v", err)
	}
	return c.loop.WaitForAck(ctx)
}

// prepare seeds registered phases missing from state with their declared
// profiles.
func (c *Coordinator) prepare(st *state.PipelineState) {
	for _, name := range c.phases.Names() {
		ps, ok := st.Phases[name]
		if ok && ps.RunCount > 0 {
			continue
		}
		p, err := c.phases.Get(name)
		if err != nil {
			continue
		}
		if !ok || ps.Profile == types.NeutralProfile() {
			st.Phase(name).Profile = p.DimensionalProfile().Clamp()
		}
	}
}

// Step runs exactly one iteration and saves state. The returned error is
// non-nil only for selection or persistence failures and for cancellation;
// phase failures are reported in StepResult. When ctx ends while the phase
// runs, the iteration is discarded: state returns to what it was before the
// step and nothing is saved.
func (c *Coordinator) Step(ctx context.Context) (*StepResult, error) {
	st := c.state.State()
	checkpoint, err := c.state.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("checkpoint state: %w", err)
	}
	c.mu.Lock()
	suggested := c.suggestChange
	c.mu.Unlock()

	var dec Decision
	c.state.Update(func(st *state.PipelineState) {
		c.prepare(st)
		st.Iteration++
		dec, err = c.SelectPhase(st)
	})
	if err != nil {
		return nil, err
	}
	sr := &StepResult{Iteration: st.Iteration}
	sr.Decision = dec
	c.log.Decision(st.Iteration, dec.Phase, string(dec.Reason), dec.Score, dec.Scored)
	c.publishTransition(st, dec)

	p, err := c.phases.Get(dec.Phase)
	if err != nil {
		return nil, err
	}

	before := st.Fingerprint()
	start := c.now()
	res, execErr := c.Execute(ctx, p, st, phase.Params{
		Iteration: st.Iteration,
		Reason:    string(dec.Reason),
		Objective: st.CurrentObjective(),
	})
	sr.Result, sr.Err = res, execErr

	if ctxErr := ctx.Err(); ctxErr != nil {
		c.state.Restore(checkpoint)
		c.mu.Lock()
		c.suggestChange = suggested
		c.mu.Unlock()
		c.log.Warn("Iteration %d interrupted during %s, discarding partial work: %v", sr.Iteration, dec.Phase, ctxErr)
		return sr, ctxErr
	}

	out := state.RunOutcome{
		Success:      execErr == nil && res != nil && res.Success,
		Artifacts:    res.Artifacts(),
		StateChanged: st.Fingerprint() != before,
		Duration:     c.now().Sub(start),
		Reason:       string(dec.Reason),
		Score:        dec.Score,
	}
	if execErr != nil {
		out.Error = execErr.Error()
	} else if res != nil && len(res.Errors) > 0 {
		out.Error = res.Errors[len(res.Errors)-1]
	}
	sr.Outcome = out

	ps := c.state.RecordRun(dec.Phase, out)
	c.state.Update(func(st *state.PipelineState) {
		c.UpdatePhaseDimensions(ps, out.Success, st.CurrentObjective())
		if res != nil && res.NextPhase != "" {
			if c.phases.Has(res.NextPhase) {
				st.SetNextPhase(res.NextPhase)
			} else {
				c.log.Warn("Ignoring next phase hint %q from %s: not registered", res.NextPhase, dec.Phase)
			}
		}
	})
	c.log.Info("Iteration %d: %s success=%v artifacts=%d state_changed=%v (%v)",
		st.Iteration, dec.Phase, out.Success, out.Artifacts, out.StateChanged, out.Duration.Round(time.Millisecond))

	c.completeObjectiveIfDone(st)

	if c.loop != nil {
		if iv := c.loop.CheckAndIntervene(); iv != nil {
			sr.Intervention = iv
			c.handleIntervention(dec.Phase, iv)
		}
	}

	if err := c.save(); err != nil {
		return sr, err
	}
	return sr, nil
}

// Execute runs p with the phase timeout. Errors and panics become a nil or
// partial result plus an error; they never escape as panics.
func (c *Coordinator) Execute(ctx context.Context, p phase.Phase, st *state.PipelineState, params phase.Params) (res *phase.Result, err error) {
	if c.cfg.PhaseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.PhaseTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Phase %s panicked: %v\n%s", p.Name(), r, debug.Stack())
			res = phase.Failed(p.Name(), "phase panicked", fmt.Sprint(r))
			err = fmt.Errorf("phase %s panicked: %v", p.Name(), r)
		}
	}()

	res, err = p.Execute(ctx, st, params)
	if err != nil {
		c.log.Warn("Phase %s failed: %v", p.Name(), err)
		if res == nil {
			res = phase.Failed(p.Name(), err.Error(), err.Error())
		}
		return res, err
	}
	if res == nil {
		return phase.Failed(p.Name(), "phase returned no result"), fmt.Errorf("phase %s returned no result", p.Name())
	}
	if res.Phase == "" {
		res.Phase = p.Name()
	}
	return res, nil
}

// completeObjectiveIfDone retires the current objective once every task
// has reached a terminal status.
func (c *Coordinator) completeObjectiveIfDone(st *state.PipelineState) {
	obj := st.CurrentObjective()
	if obj == nil || len(st.Tasks) == 0 {
		return
	}
	for _, t := range st.Tasks {
		if !t.Status.IsTerminal() {
			return
		}
	}
	c.state.CompleteObjective(obj.ID)
}

func (c *Coordinator) handleIntervention(current string, iv *loop.Intervention) {
	if iv.SuggestPhaseChange {
		c.mu.Lock()
		c.suggestChange = true
		c.mu.Unlock()
	}
	if c.bus == nil {
		return
	}
	primary := iv.Primary()
	prio := bus.PriorityHigh
	if iv.Stage == loop.StageEscalated {
		prio = bus.PriorityCritical
	}
	payload := map[string]any{
		"text":        iv.Guidance,
		"stage":       string(iv.Stage),
		"finding":     string(primary.Type),
		"severity":    primary.Severity.String(),
		"consecutive": iv.Consecutive,
	}
	if _, err := c.bus.Publish(bus.Message{
		Type:      bus.TypeLoopIntervention,
		Sender:    Sender,
		Recipient: current,
		Priority:  prio,
		Payload:   payload,
		Context:   bus.ContextRef{File: primary.Target},
	}); err != nil {
		c.log.Warn("Intervention publish failed: %v", err)
	}
	if iv.Stage == loop.StageEscalated {
		_, _ = c.bus.Publish(bus.Message{
			Type:     bus.TypeBroadcast,
			Sender:   Sender,
			Priority: bus.PriorityCritical,
			Payload:  payload,
		})
	}
}

func (c *Coordinator) publishTransition(st *state.PipelineState, dec Decision) {
	if c.bus == nil || dec.Phase == st.CurrentPhase {
		return
	}
	_, err := c.bus.Publish(bus.Message{
		Type:   bus.TypePhaseTransition,
		Sender: Sender,
		Payload: map[string]any{
			"text":   fmt.Sprintf("%s -> %s (%s)", st.CurrentPhase, dec.Phase, dec.Reason),
			"from":   st.CurrentPhase,
			"to":     dec.Phase,
			"reason": string(dec.Reason),
			"score":  dec.Score,
		},
	})
	if err != nil {
		c.log.Warn("Transition publish failed: %v", err)
	}
}

func (c *Coordinator) save() error {
	if err := c.state.Save(); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}
