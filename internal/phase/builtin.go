package phase

import (
	"time"

	"phaseloop/internal/types"
)

var readOnlyTools = []string{"read_file", "list_files", "grep"}

// DefaultConfigs returns the built-in phase set. Profiles are starting
// points; the coordinator learns from there.
func DefaultConfigs(llmTimeout time.Duration) []LLMConfig {
	p := func(v map[types.Dimension]float64) types.DimensionalProfile { return types.NewProfile(v) }
	cfgs := []LLMConfig{
		{
			Name: "planning",
			Profile: p(map[types.Dimension]float64{
				types.DimFunctional: 0.7, types.DimContext: 0.7, types.DimIntegration: 0.5,
				types.DimUrgency: 0.4, types.DimComplexity: 0.5, types.DimErrorProneness: 0.3, types.DimData: 0.5,
			}),
			SystemPrompt: "You are the planning phase. Read the workspace, break the objective into small, " +
				"ordered tasks with explicit dependencies, and create them with add_task. Do not edit files.",
			Tools:   readOnlyTools,
			CanPlan: true,
			Specialists: []Specialist{
				{Name: "architect", SystemPrompt: "You are a software architect. Advise on decomposition and ordering."},
			},
		},
		{
			Name: "coding",
			Profile: p(map[types.Dimension]float64{
				types.DimFunctional: 0.9, types.DimData: 0.6, types.DimIntegration: 0.5,
				types.DimContext: 0.5, types.DimComplexity: 0.5, types.DimErrorProneness: 0.3, types.DimUrgency: 0.5,
			}),
			SystemPrompt: "You are the coding phase. Take the highest-priority ready task, move it to " +
				"IN_PROGRESS, implement it with the file tools, then move it to QA_PENDING.",
		},
		{
			Name: "review",
			Profile: p(map[types.Dimension]float64{
				types.DimContext: 0.8, types.DimErrorProneness: 0.6, types.DimComplexity: 0.6,
				types.DimFunctional: 0.4, types.DimIntegration: 0.5, types.DimUrgency: 0.3, types.DimData: 0.4,
			}),
			SystemPrompt: "You are the review phase. Inspect QA_PENDING tasks. Complete the ones that are " +
				"correct; move the others to NEEDS_FIXES with a precise note. Do not edit files.",
			Tools: readOnlyTools,
		},
		{
			Name: "testing",
			Profile: p(map[types.Dimension]float64{
				types.DimErrorProneness: 0.8, types.DimFunctional: 0.6, types.DimIntegration: 0.6,
				types.DimContext: 0.5, types.DimComplexity: 0.4, types.DimUrgency: 0.4, types.DimData: 0.5,
			}),
			SystemPrompt: "You are the testing phase. Write or extend tests covering recently changed code " +
				"and record failures against the responsible tasks.",
		},
		{
			Name: "debugging",
			Profile: p(map[types.Dimension]float64{
				types.DimErrorProneness: 0.9, types.DimUrgency: 0.8, types.DimContext: 0.6,
				types.DimFunctional: 0.4, types.DimIntegration: 0.4, types.DimComplexity: 0.5, types.DimData: 0.4,
			}),
			SystemPrompt: "You are the recovery phase. Previous runs kept failing. Read the recorded task " +
				"errors, find the root cause and fix it with the smallest change, or mark the task FAILED " +
				"with an explanation if it cannot be done.",
		},
		{
			Name: "refactoring",
			Profile: p(map[types.Dimension]float64{
				types.DimComplexity: 0.9, types.DimContext: 0.6, types.DimIntegration: 0.5,
				types.DimFunctional: 0.3, types.DimErrorProneness: 0.4, types.DimUrgency: 0.2, types.DimData: 0.4,
			}),
			SystemPrompt: "You are the refactoring phase. Simplify structure around completed tasks without " +
				"changing behavior.",
		},
	}
	for i := range cfgs {
		cfgs[i].LLMTimeout = llmTimeout
	}
	return cfgs
}

// RegisterDefaults builds and registers the built-in phases.
func RegisterDefaults(reg *Registry, deps Deps, llmTimeout time.Duration) error {
	for _, cfg := range DefaultConfigs(llmTimeout) {
		if err := reg.Register(NewLLMPhase(cfg, deps)); err != nil {
			return err
		}
	}
	return nil
}
