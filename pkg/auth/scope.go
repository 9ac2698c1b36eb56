// Package auth implements the platform's auth core: bcrypt credentials,
// HMAC-signed bearer tokens, roles with transitive inclusion, wildcard
// scopes, API tokens, and match-bound player tokens.
package auth

import "strings"

// Control-plane scope vocabulary. Endpoints declare one of these as their
// required scope; user and token scopes are matched with wildcards.
const (
	ScopeClusterRead      = "control-plane.cluster.read"
	ScopeNodeRegister     = "control-plane.node.register"
	ScopeNodeManage       = "control-plane.node.manage"
	ScopeNodeProxy        = "control-plane.node.proxy"
	ScopeMatchCreate      = "control-plane.match.create"
	ScopeMatchRead        = "control-plane.match.read"
	ScopeMatchUpdate      = "control-plane.match.update"
	ScopeMatchDelete      = "control-plane.match.delete"
	ScopeModuleUpload     = "control-plane.module.upload"
	ScopeModuleRead       = "control-plane.module.read"
	ScopeModuleDelete     = "control-plane.module.delete"
	ScopeModuleDistribute = "control-plane.module.distribute"
	ScopeDeployCreate     = "control-plane.deploy.create"
	ScopeDeployRead       = "control-plane.deploy.read"
	ScopeDeployDelete     = "control-plane.deploy.delete"
	ScopeAutoscalerRead   = "control-plane.autoscaler.read"
	ScopeAutoscalerManage = "control-plane.autoscaler.manage"
	ScopeDashboardRead    = "control-plane.dashboard.read"
)

// Match-scoped token scopes, shared with the container runtime.
const (
	ScopeSubmitCommands = "submit_commands"
	ScopeViewSnapshots  = "view_snapshots"
	ScopeReceiveErrors  = "receive_errors"
)

// DefaultMatchScopes is the scope set granted to a match token when none
// are specified.
func DefaultMatchScopes() []string {
	return []string{ScopeSubmitCommands, ScopeViewSnapshots, ScopeReceiveErrors}
}

// ScopeMatches reports whether one granted scope satisfies the required
// scope. "*" matches everything; a trailing "*" segment matches any
// remainder, including multiple segments; otherwise segments must match
// exactly, with equal segment counts.
func ScopeMatches(granted, required string) bool {
	if granted == "*" {
		return true
	}
	if granted == required {
		return true
	}

	gp := strings.Split(granted, ".")
	rp := strings.Split(required, ".")
	for i, g := range gp {
		if g == "*" && i == len(gp)-1 {
			return true
		}
		if i >= len(rp) || g != rp[i] {
			return false
		}
	}
	return len(gp) == len(rp)
}

// Matches reports whether any granted scope satisfies the required scope.
func Matches(granted []string, required string) bool {
	for _, g := range granted {
		if ScopeMatches(g, required) {
			return true
		}
	}
	return false
}
