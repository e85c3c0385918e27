// Package proto defines the structured-output contracts exchanged with the
// Manager and Worker sessions, and the trigger-type vocabulary used by the
// queue flush protocol.
package proto

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Intent is the Manager's declared routing decision for a turn.
type Intent string

const (
	// IntentAddressHuman displays the message to the human operator.
	IntentAddressHuman Intent = "address_human"
	// IntentAddressOrchestrator forwards the message to the live Worker session.
	IntentAddressOrchestrator Intent = "address_orchestrator"
	// IntentSummonOrchestrator spawns a new Worker session after the current
	// Manager turn fully completes.
	IntentSummonOrchestrator Intent = "summon_orchestrator"
	// IntentReleaseOrchestrators tears down the Worker session.
	IntentReleaseOrchestrators Intent = "release_orchestrators"
	// IntentMusings displays the message with no routing side effect.
	IntentMusings Intent = "musings"
)

// Valid reports whether the intent is a member of the closed set.
func (i Intent) Valid() bool {
	switch i {
	case IntentAddressHuman, IntentAddressOrchestrator, IntentSummonOrchestrator,
		IntentReleaseOrchestrators, IntentMusings:
		return true
	default:
		return false
	}
}

// ManagerOutput is the structured output contract for Manager turns.
type ManagerOutput struct {
	Intent  Intent `json:"intent"`
	Message string `json:"message"`
}

// WorkerOutput is the structured output contract for Worker turns.
type WorkerOutput struct {
	ExpectsResponse bool   `json:"expects_response"`
	Message         string `json:"message"`
}

// ValidationError indicates structured output that does not match its
// contract. Callers log it and drop the turn's output; the session itself
// is kept alive.
type ValidationError struct {
	Role   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s output: %s", e.Role, e.Reason)
}

// ParseManagerOutput validates and decodes a Manager turn's structured output.
func ParseManagerOutput(raw json.RawMessage) (*ManagerOutput, error) {
	if len(raw) == 0 {
		return nil, &ValidationError{Role: "manager", Reason: "empty structured output"}
	}

	var out ManagerOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &ValidationError{Role: "manager", Reason: err.Error()}
	}
	if out.Intent == "" {
		return nil, &ValidationError{Role: "manager", Reason: "missing intent field"}
	}
	if !out.Intent.Valid() {
		return nil, &ValidationError{Role: "manager", Reason: fmt.Sprintf("unknown intent %q", out.Intent)}
	}
	return &out, nil
}

// ParseWorkerOutput validates and decodes a Worker turn's structured output.
func ParseWorkerOutput(raw json.RawMessage) (*WorkerOutput, error) {
	if len(raw) == 0 {
		return nil, &ValidationError{Role: "worker", Reason: "empty structured output"}
	}

	// expects_response is required, not merely defaulted, so decode through a
	// pointer to distinguish "absent" from "false".
	var probe struct {
		ExpectsResponse *bool  `json:"expects_response"`
		Message         string `json:"message"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, &ValidationError{Role: "worker", Reason: err.Error()}
	}
	if probe.ExpectsResponse == nil {
		return nil, &ValidationError{Role: "worker", Reason: "missing expects_response field"}
	}
	return &WorkerOutput{ExpectsResponse: *probe.ExpectsResponse, Message: probe.Message}, nil
}

// ManagerSchema returns the JSON Schema constraining Manager structured output.
// Passed to the session provider verbatim.
func ManagerSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"intent": map[string]any{
				"type": "string",
				"enum": []string{
					string(IntentAddressHuman),
					string(IntentAddressOrchestrator),
					string(IntentSummonOrchestrator),
					string(IntentReleaseOrchestrators),
					string(IntentMusings),
				},
			},
			"message": map[string]any{"type": "string"},
		},
		"required":             []string{"intent", "message"},
		"additionalProperties": false,
	}
}

// WorkerSchema returns the JSON Schema constraining Worker structured output.
func WorkerSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"expects_response": map[string]any{"type": "boolean"},
			"message":          map[string]any{"type": "string"},
		},
		"required":             []string{"expects_response", "message"},
		"additionalProperties": false,
	}
}

// TriggerType classifies what caused a queue flush, which selects the
// section header the Manager sees.
type TriggerType string

const (
	// TriggerInput is the default: the Worker asked for a response.
	TriggerInput TriggerType = "input"
	// TriggerHandoff is selected when the Worker's message starts with HANDOFF.
	TriggerHandoff TriggerType = "handoff"
	// TriggerHuman marks a human interjection while a Worker is delegated.
	TriggerHuman TriggerType = "human"
	// TriggerTimeout is produced only by the watchdog, never by the Worker.
	TriggerTimeout TriggerType = "timeout"
)

// handoffPrefix is the literal token a Worker message must start with to be
// classified as a handoff. Matching is case-insensitive.
const handoffPrefix = "HANDOFF"

// IsHandoff reports whether a Worker message declares a handoff.
func IsHandoff(message string) bool {
	return len(message) >= len(handoffPrefix) &&
		strings.EqualFold(message[:len(handoffPrefix)], handoffPrefix)
}

// ClassifyWorkerTrigger maps a response-expecting Worker message to its
// trigger type.
func ClassifyWorkerTrigger(message string) TriggerType {
	if IsHandoff(message) {
		return TriggerHandoff
	}
	return TriggerInput
}
