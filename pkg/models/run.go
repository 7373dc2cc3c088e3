package models

import "time"

// RunStatus is the lifecycle state of a subagent run.
type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunError     RunStatus = "ERROR"
	RunTimeout   RunStatus = "TIMEOUT"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunError, RunTimeout:
		return true
	}
	return false
}

// ValidTransition reports whether a run may move from one status to another.
// The state machine is PENDING -> RUNNING -> {COMPLETED, ERROR, TIMEOUT};
// PENDING may also fail directly without ever running.
func ValidTransition(from, to RunStatus) bool {
	if from == to {
		return false
	}
	switch from {
	case RunPending:
		return to == RunRunning || to == RunError || to == RunTimeout
	case RunRunning:
		return to.Terminal()
	}
	return false
}

// SubAgentRun is the durable record of one subagent invocation.
type SubAgentRun struct {
	RunID           string     `json:"run_id"`
	ParentSessionID string     `json:"parent_session_id"`
	Task            string     `json:"task"`
	Label           string     `json:"label,omitempty"`
	Status          RunStatus  `json:"status"`
	Result          string     `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	Model           string     `json:"model,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand to callers.
func (r *SubAgentRun) Clone() *SubAgentRun {
	if r == nil {
		return nil
	}
	cp := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// View returns the run as a payload map for events and API responses.
func (r *SubAgentRun) View() map[string]any {
	view := map[string]any{
		"run_id":            r.RunID,
		"parent_session_id": r.ParentSessionID,
		"task":              r.Task,
		"status":            string(r.Status),
		"created_at":        r.CreatedAt.UTC().Format(time.RFC3339),
	}
	if r.Label != "" {
		view["label"] = r.Label
	}
	if r.Model != "" {
		view["model"] = r.Model
	}
	if r.Result != "" {
		view["result"] = r.Result
	}
	if r.Error != "" {
		view["error"] = r.Error
	}
	if r.StartedAt != nil {
		view["started_at"] = r.StartedAt.UTC().Format(time.RFC3339)
	}
	if r.CompletedAt != nil {
		view["completed_at"] = r.CompletedAt.UTC().Format(time.RFC3339)
	}
	return view
}
