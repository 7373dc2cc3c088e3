package subagent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/loom/internal/registry"
	"github.com/haasonsaas/loom/pkg/models"
)

// StatusTool reports subagent run state back to the planner.
type StatusTool struct {
	registry *registry.Registry
}

func NewStatusTool(reg *registry.Registry) *StatusTool {
	return &StatusTool{registry: reg}
}

func (t *StatusTool) Name() string { return "subagent_status" }

func (t *StatusTool) Description() string {
	return "Check the status of subagent runs. With run_id, returns that run; " +
		"otherwise lists all active runs."
}

func (t *StatusTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"run_id": {
				"type": "string",
				"description": "Run to look up. Omit to list active runs."
			}
		}
	}`)
}

func (t *StatusTool) Execute(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
	if runID, _ := args["run_id"].(string); runID != "" {
		run, err := t.registry.Get(runID)
		if err != nil {
			return &models.ToolResult{
				Success: false,
				Output:  fmt.Sprintf("run not found: %s", runID),
			}, nil
		}
		return &models.ToolResult{
			Success: true,
			Output:  describe(run),
			Data:    run.View(),
		}, nil
	}

	active := t.registry.ListActive()
	if len(active) == 0 {
		return &models.ToolResult{Success: true, Output: "no active subagent runs"}, nil
	}
	views := make([]map[string]any, 0, len(active))
	out := ""
	for _, run := range active {
		views = append(views, run.View())
		out += describe(run) + "\n"
	}
	return &models.ToolResult{
		Success: true,
		Output:  out,
		Data:    map[string]any{"runs": views},
	}, nil
}

func describe(run *models.SubAgentRun) string {
	s := fmt.Sprintf("%s [%s]", run.RunID, run.Status)
	if run.Label != "" {
		s += " " + run.Label
	}
	switch {
	case run.Status == models.RunCompleted && run.Result != "":
		s += ": " + run.Result
	case run.Error != "":
		s += ": " + run.Error
	}
	return s
}
