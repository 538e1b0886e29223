package core

import (
	"phaseloop/internal/tools"
)

// RegisterAll registers all core filesystem tools with the given registry.
func RegisterAll(registry *tools.Registry, ws *Workspace) error {
	allTools := []*tools.Tool{
		// File operations
		ws.ReadFileTool(),
		ws.WriteFileTool(),
		ws.EditFileTool(),
		ws.DeleteFileTool(),
		ws.ListFilesTool(),

		// Search operations
		ws.GrepTool(),
	}

	for _, tool := range allTools {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}

	return nil
}
