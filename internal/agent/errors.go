package agent

import "errors"

// ErrTurnCancelled indicates the planner turn was cancelled before a final
// response was produced.
var ErrTurnCancelled = errors.New("turn cancelled")
