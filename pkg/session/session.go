// Package session defines the agent-session provider abstraction consumed by
// the router. A provider turns one prompt into one "turn": an ordered stream
// of lifecycle events ending with a result that may carry structured output.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// EventType identifies a lifecycle event in a turn's stream.
type EventType string

const (
	// EventInit carries the external session id; it is the first event of a
	// fresh session and the router's cue to persist the id for resume.
	EventInit EventType = "init"
	// EventContent is streamed assistant content. Once structured output is
	// in use the router ignores it beyond activity tracking.
	EventContent EventType = "content"
	// EventToolUse reports a tool invocation inside the session.
	EventToolUse EventType = "tool_use"
	// EventResult terminates the stream.
	EventResult EventType = "result"
)

// Result subtypes.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Result is the terminal payload of a turn.
type Result struct {
	Subtype          string          `json:"subtype"`
	StructuredOutput json.RawMessage `json:"structured_output,omitempty"`
	ErrorText        string          `json:"error_text,omitempty"`
}

// Event is one element of a turn's lifecycle stream.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Text      string    `json:"text,omitempty"`
	ToolName  string    `json:"tool_name,omitempty"`
	Result    *Result   `json:"result,omitempty"`
}

// Decision is a tool-approval verdict.
type Decision struct {
	Allow  bool
	Reason string // populated on deny
}

// Allow approves a tool call.
func Allow() Decision { return Decision{Allow: true} }

// Deny rejects a tool call with a reason surfaced to the session.
func Deny(reason string) Decision { return Decision{Allow: false, Reason: reason} }

// Hooks are lifecycle callbacks a provider invokes during a turn.
type Hooks struct {
	// PostToolUse runs after each tool call. A non-empty return value is
	// injected into the session as additional context (used to feed the
	// Worker its own context-capacity warnings).
	PostToolUse func(sessionID, toolName string) string
}

// Options configures one turn. Every turn is a fresh request scoped by the
// external session id; there is no live stateful connection.
type Options struct {
	SystemPrompt   string
	ResumeID       string // empty means start fresh
	PermittedTools []string
	ApproveTool    func(name string, input map[string]any) Decision
	Hooks          Hooks
	OutputSchema   map[string]any
	Model          string
}

// Provider runs agent sessions. Implementations must close the returned
// channel when the turn's stream is exhausted, cancelled, or failed; a
// cancelled turn surfaces ctx.Err() through the final result event or the
// caller's own ctx check.
type Provider interface {
	// Start begins one turn and streams its lifecycle events.
	Start(ctx context.Context, prompt string, opts *Options) (<-chan Event, error)

	// Probe issues a non-destructive side-channel query against an existing
	// session and returns the free-text answer. The primary transcript must
	// be left untouched.
	Probe(ctx context.Context, sessionID, question string) (string, error)
}

// ErrCancelled marks an intentionally aborted turn. Providers wrap or return
// it (or context errors) when their turn is torn down on purpose.
var ErrCancelled = errors.New("session cancelled")

// IsCancellation distinguishes intentional aborts from genuine crashes.
// Cancellations are never retried and never counted as failures.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Subprocess providers surface cancellation as a killed process.
	return strings.Contains(err.Error(), "signal: killed")
}
