// Package cronjobs exposes scheduler management as a planner tool.
package cronjobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/loom/internal/cron"
	"github.com/haasonsaas/loom/pkg/models"
)

// Tool manages scheduled jobs: add, list, remove, enable, disable.
type Tool struct {
	scheduler *cron.Scheduler
}

func New(scheduler *cron.Scheduler) *Tool {
	return &Tool{scheduler: scheduler}
}

func (t *Tool) Name() string { return "cron" }

func (t *Tool) Description() string {
	return "Manage scheduled tasks. Actions: add (expression + task), list, remove, " +
		"enable, disable. Expressions are standard 5-field cron or @hourly, @daily, " +
		"@weekly, @every <duration>."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {
				"type": "string",
				"enum": ["add", "list", "remove", "enable", "disable"]
			},
			"expression": {
				"type": "string",
				"description": "Cron expression, required for add."
			},
			"task": {
				"type": "string",
				"description": "Task text handed to the planner when the job fires. Required for add."
			},
			"job_id": {
				"type": "string",
				"description": "Target job, required for remove/enable/disable."
			},
			"session_id": {
				"type": "string",
				"description": "Session the fired task runs in. Defaults to the calling session."
			}
		},
		"required": ["action"]
	}`)
}

func (t *Tool) Execute(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
	action, _ := args["action"].(string)
	switch action {
	case "add":
		return t.add(args)
	case "list":
		return t.list()
	case "remove":
		return t.mutate(args, func(id string) error { return t.scheduler.RemoveJob(id) }, "removed")
	case "enable":
		return t.mutate(args, func(id string) error { return t.scheduler.SetEnabled(id, true) }, "enabled")
	case "disable":
		return t.mutate(args, func(id string) error { return t.scheduler.SetEnabled(id, false) }, "disabled")
	default:
		return &models.ToolResult{
			Success: false,
			Output:  fmt.Sprintf("unknown action %q", action),
		}, nil
	}
}

func (t *Tool) add(args map[string]any) (*models.ToolResult, error) {
	expression, _ := args["expression"].(string)
	task, _ := args["task"].(string)
	sessionID, _ := args["session_id"].(string)
	if expression == "" || task == "" {
		return &models.ToolResult{
			Success: false,
			Output:  "add requires expression and task",
		}, nil
	}
	job, err := t.scheduler.AddJob(expression, task, sessionID)
	if err != nil {
		return &models.ToolResult{Success: false, Output: err.Error()}, nil
	}
	return &models.ToolResult{
		Success: true,
		Output:  fmt.Sprintf("scheduled job %s, next run %s", job.ID, job.NextRun.Format("2006-01-02 15:04:05 MST")),
		Data:    map[string]any{"job_id": job.ID, "next_run": job.NextRun},
	}, nil
}

func (t *Tool) list() (*models.ToolResult, error) {
	jobs := t.scheduler.Jobs()
	if len(jobs) == 0 {
		return &models.ToolResult{Success: true, Output: "no scheduled jobs"}, nil
	}
	out := ""
	views := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		state := "enabled"
		if !job.Enabled {
			state = "disabled"
		}
		out += fmt.Sprintf("%s [%s] %q %s, next %s, fired %d\n",
			job.ID, state, job.Task, job.Expression,
			job.NextRun.Format("2006-01-02 15:04"), job.RunCount)
		views = append(views, map[string]any{
			"job_id":     job.ID,
			"expression": job.Expression,
			"task":       job.Task,
			"enabled":    job.Enabled,
			"next_run":   job.NextRun,
			"run_count":  job.RunCount,
		})
	}
	return &models.ToolResult{Success: true, Output: out, Data: map[string]any{"jobs": views}}, nil
}

func (t *Tool) mutate(args map[string]any, apply func(id string) error, verb string) (*models.ToolResult, error) {
	jobID, _ := args["job_id"].(string)
	if jobID == "" {
		return &models.ToolResult{Success: false, Output: "job_id is required"}, nil
	}
	if err := apply(jobID); err != nil {
		return &models.ToolResult{Success: false, Output: err.Error()}, nil
	}
	return &models.ToolResult{
		Success: true,
		Output:  fmt.Sprintf("%s job %s", verb, jobID),
		Data:    map[string]any{"job_id": jobID},
	}, nil
}
