// Package security gates tool invocations by role and records every
// decision to a daily audit journal.
package security

import (
	"context"
	"path"

	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/observability"
)

// AccessControl evaluates glob-patterned allow/deny rules per role.
// Deny overrides allow; an unmatched tool is denied.
type AccessControl struct {
	enabled     bool
	defaultRole string
	roles       map[string]config.RoleConfig
	audit       *AuditLog
	logger      *observability.Logger
}

// NewAccessControl builds the checker from configuration. A nil audit
// log disables auditing.
func NewAccessControl(cfg config.SecurityConfig, audit *AuditLog, logger *observability.Logger) *AccessControl {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	return &AccessControl{
		enabled:     cfg.Enabled,
		defaultRole: cfg.DefaultRole,
		roles:       cfg.Roles,
		audit:       audit,
		logger:      logger,
	}
}

// CheckToolAccess reports whether role may invoke tool. With security
// disabled every invocation is allowed and nothing is audited.
func (a *AccessControl) CheckToolAccess(ctx context.Context, role, tool string) bool {
	if !a.enabled {
		return true
	}
	if role == "" {
		role = a.defaultRole
	}

	allowed := a.evaluate(ctx, role, tool)
	if a.audit != nil {
		a.audit.Record(ctx, Entry{
			Role:      role,
			Tool:      tool,
			Allowed:   allowed,
			SessionID: observability.GetSessionID(ctx),
		})
	}
	return allowed
}

func (a *AccessControl) evaluate(ctx context.Context, role, tool string) bool {
	roleCfg, ok := a.roles[role]
	if !ok {
		a.logger.Warn(ctx, "unknown role denied", "role", role, "tool", tool)
		return false
	}
	if matchAny(roleCfg.Deny, tool) {
		return false
	}
	return matchAny(roleCfg.Allow, tool)
}

// matchAny reports whether name matches any glob pattern. A malformed
// pattern matches nothing.
func matchAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if ok, err := path.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}
