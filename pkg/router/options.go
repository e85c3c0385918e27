package router

import (
	"fmt"

	"arbiter/pkg/proto"
	"arbiter/pkg/roles"
	"arbiter/pkg/session"
	"arbiter/pkg/sessionstore"
)

// managerOptions builds the per-turn options for a Manager request. Each turn
// is a fresh request; resume continuity comes solely from the external id.
func (r *Router) managerOptions() *session.Options {
	r.mu.Lock()
	resumeID := r.manager.externalID
	r.mu.Unlock()

	return &session.Options{
		SystemPrompt:   r.defs.Manager.SystemPrompt,
		ResumeID:       resumeID,
		PermittedTools: r.defs.Manager.PermittedTools,
		ApproveTool:    approvalPolicy(r.defs.Manager),
		OutputSchema:   proto.ManagerSchema(),
		Model:          r.cfg.ManagerModel,
	}
}

// workerOptions builds the per-turn options for the live Worker. The
// post-tool-use hook is how the Worker learns about its own context capacity.
func (r *Router) workerOptions() *session.Options {
	r.mu.Lock()
	resumeID := ""
	if r.worker != nil {
		resumeID = r.worker.externalID
	}
	r.mu.Unlock()

	return &session.Options{
		SystemPrompt:   r.defs.Worker.SystemPrompt,
		ResumeID:       resumeID,
		PermittedTools: r.defs.Worker.PermittedTools,
		ApproveTool:    approvalPolicy(r.defs.Worker),
		Hooks:          session.Hooks{PostToolUse: r.workerPostToolUse},
		OutputSchema:   proto.WorkerSchema(),
		Model:          r.cfg.WorkerModel,
	}
}

// approvalPolicy allows exactly the role's permitted tools. The provider
// enforces the same list; the policy is the second gate for providers that
// consult the router per call.
func approvalPolicy(role roles.Role) func(name string, input map[string]any) session.Decision {
	permitted := make(map[string]bool, len(role.PermittedTools))
	for _, t := range role.PermittedTools {
		permitted[t] = true
	}
	return func(name string, _ map[string]any) session.Decision {
		if permitted[name] {
			return session.Allow()
		}
		return session.Deny(fmt.Sprintf("tool %s is not permitted for this role", name))
	}
}

// workerPostToolUse injects a capacity warning into the Worker after a tool
// call once the polled context percentage crosses a threshold. Thresholds are
// policy constants from config; the percentage itself may be stale, which is
// acceptable for an advisory nudge.
func (r *Router) workerPostToolUse(_, _ string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.worker == nil || r.worker.contextPct < 0 {
		return ""
	}
	pct := r.worker.contextPct
	switch {
	case pct >= r.cfg.HandOffThreshold:
		return fmt.Sprintf("Your context usage is at %d%%. Stop working now and hand off: send a message starting with HANDOFF summarizing state, remaining work, and anything your successor needs.", pct)
	case pct >= r.cfg.WrapUpThreshold:
		return fmt.Sprintf("Your context usage is at %d%%. Begin wrapping up your current task; prefer finishing over starting anything new.", pct)
	default:
		return ""
	}
}

// roleForStore maps presenter-facing role names onto session-store keys.
// They happen to coincide; the indirection keeps the coupling explicit.
func roleForStore(role string) string {
	if role == roleWorker {
		return sessionstore.RoleWorker
	}
	return sessionstore.RoleManager
}
