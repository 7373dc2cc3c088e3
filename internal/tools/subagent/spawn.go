// Package subagent exposes tools for delegating work to background
// planner runs.
package subagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/internal/lane"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/registry"
	"github.com/haasonsaas/loom/pkg/models"
)

// SpawnTool registers a SubAgentRun and schedules it on the lane. The
// tool returns immediately with the run id; progress is observable
// through agent.registered / agent.updated events.
type SpawnTool struct {
	registry *registry.Registry
	lane     *lane.Lane
	factory  agent.PlannerFactory
	timeout  time.Duration
	logger   *observability.Logger
}

// NewSpawnTool wires the spawn tool. The factory builds the nested
// planner at execution time, which keeps the tool free of any direct
// planner dependency.
func NewSpawnTool(reg *registry.Registry, ln *lane.Lane, factory agent.PlannerFactory, timeout time.Duration, logger *observability.Logger) *SpawnTool {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	return &SpawnTool{
		registry: reg,
		lane:     ln,
		factory:  factory,
		timeout:  timeout,
		logger:   logger,
	}
}

func (t *SpawnTool) Name() string { return agent.SpawnSubagentToolName }

func (t *SpawnTool) Description() string {
	return "Delegate a task to a background subagent. Returns a run_id immediately; " +
		"the subagent works asynchronously and its result is published to the session."
}

func (t *SpawnTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"task": {
				"type": "string",
				"description": "Complete, self-contained description of the work to perform."
			},
			"label": {
				"type": "string",
				"description": "Short human-readable tag for this run."
			},
			"model": {
				"type": "string",
				"description": "Optional model override for the subagent."
			},
			"session_id": {
				"type": "string",
				"description": "Injected by the server. Do not provide."
			}
		},
		"required": ["task"]
	}`)
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
	task, _ := args["task"].(string)
	if task == "" {
		return &models.ToolResult{Success: false, Output: "task is required"}, nil
	}
	sessionID, _ := args["session_id"].(string)
	label, _ := args["label"].(string)
	model, _ := args["model"].(string)

	run := &models.SubAgentRun{
		ParentSessionID: sessionID,
		Task:            task,
		Label:           label,
		Model:           model,
	}
	run, err := t.registry.Register(ctx, run)
	if err != nil {
		return &models.ToolResult{
			Success: false,
			Output:  fmt.Sprintf("failed to register subagent run: %v", err),
		}, nil
	}

	if _, err := t.lane.Enqueue(run.RunID, t.operation(run)); err != nil {
		reason := "backpressure"
		if !errors.Is(err, lane.ErrBackpressure) {
			reason = err.Error()
		}
		t.fail(run.RunID, reason)
		return &models.ToolResult{
			Success: false,
			Output:  fmt.Sprintf("failed to schedule subagent run: %s", reason),
			Data:    map[string]any{"run_id": run.RunID},
		}, nil
	}

	t.logger.Info(ctx, "subagent spawned",
		"run_id", run.RunID, "session_id", sessionID, "label", label)
	return &models.ToolResult{
		Success: true,
		Output:  fmt.Sprintf("spawned subagent %s", run.RunID),
		Data: map[string]any{
			"run_id": run.RunID,
			"status": string(models.RunPending),
		},
	}, nil
}

// CancelSessionRuns aborts every non-terminal run owned by the session
// and returns how many were cancelled. Queued runs leave the lane and are
// marked ERROR "cancelled" here; running ones observe their lane context
// and record the same outcome themselves. The registry's transition
// checks make the two paths converge when a run flips state mid-cancel.
func (t *SpawnTool) CancelSessionRuns(sessionID string) int {
	n := 0
	for _, run := range t.registry.ListBySession(sessionID) {
		if run.Status.Terminal() {
			continue
		}
		t.lane.Cancel(run.RunID)
		if run.Status == models.RunPending {
			t.fail(run.RunID, "cancelled")
		}
		n++
	}
	if n > 0 {
		t.logger.Info(context.Background(), "cancelled session subagent runs",
			"session_id", sessionID, "count", n)
	}
	return n
}

// operation is the deferred body that the lane runs when a slot frees.
func (t *SpawnTool) operation(run *models.SubAgentRun) lane.Operation {
	return func(ctx context.Context) (any, error) {
		if _, err := t.registry.UpdateRun(ctx, run.RunID, registry.Update{Status: models.RunRunning}); err != nil {
			return nil, err
		}

		planner := t.factory(run.RunID, true)
		turnCtx := ctx
		var cancel context.CancelFunc
		if t.timeout > 0 {
			turnCtx, cancel = context.WithTimeout(ctx, t.timeout)
			defer cancel()
		}

		result, err := planner.RunTurn(turnCtx, run.Task)
		switch {
		case err == nil:
			_, uerr := t.registry.UpdateRun(ctx, run.RunID, registry.Update{
				Status: models.RunCompleted,
				Result: result,
			})
			return result, uerr
		case ctx.Err() != nil:
			t.fail(run.RunID, "cancelled")
			return nil, ctx.Err()
		case errors.Is(turnCtx.Err(), context.DeadlineExceeded):
			msg := fmt.Sprintf("timed out after %d seconds", int(t.timeout.Seconds()))
			if _, uerr := t.registry.UpdateRun(context.Background(), run.RunID, registry.Update{
				Status: models.RunTimeout,
				Error:  msg,
			}); uerr != nil {
				t.logger.Error(context.Background(), "failed to record subagent timeout",
					"run_id", run.RunID, "error", uerr)
			}
			return nil, fmt.Errorf("subagent %s %s", run.RunID, msg)
		default:
			t.fail(run.RunID, err.Error())
			return nil, err
		}
	}
}

// fail records a terminal ERROR for the run. Best-effort; a persistence
// failure here is logged only.
func (t *SpawnTool) fail(runID, reason string) {
	ctx := context.Background()
	if _, err := t.registry.UpdateRun(ctx, runID, registry.Update{
		Status: models.RunError,
		Error:  reason,
	}); err != nil {
		t.logger.Error(ctx, "failed to record subagent error",
			"run_id", runID, "reason", reason, "error", err)
	}
}
