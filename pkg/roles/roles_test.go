package roles

import (
	"strings"
	"testing"
)

func TestLoad(t *testing.T) {
	defs, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if !strings.Contains(defs.Manager.SystemPrompt, "summon_orchestrator") {
		t.Error("manager prompt should name the summon intent")
	}
	if !strings.Contains(defs.Worker.SystemPrompt, "HANDOFF") {
		t.Error("worker prompt should name the HANDOFF token")
	}
	if !strings.Contains(defs.Worker.SystemPrompt, "expects_response") {
		t.Error("worker prompt should describe the structured output contract")
	}
	if len(defs.Manager.PermittedTools) == 0 || len(defs.Worker.PermittedTools) == 0 {
		t.Error("both roles should declare permitted tools")
	}
	if !strings.Contains(defs.ProbeQuestion, "percent") {
		t.Error("probe question should ask for a percentage")
	}
}
