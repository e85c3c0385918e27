// Package roles holds the embedded role definitions: system prompts,
// permitted tools, and the context-probe question. Keeping them in one YAML
// document makes the plain-text conventions the router depends on (flush
// headers, the HANDOFF token) reviewable in a single place.
package roles

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed roles.yaml
var rolesYAML []byte

// Role is one session role's definition.
type Role struct {
	PermittedTools []string `yaml:"permitted_tools"`
	SystemPrompt   string   `yaml:"system_prompt"`
}

// Definitions is the full parsed roles document.
type Definitions struct {
	Manager       Role   `yaml:"manager"`
	Worker        Role   `yaml:"worker"`
	ProbeQuestion string `yaml:"probe_question"`
}

// Load parses the embedded role definitions.
func Load() (*Definitions, error) {
	var defs Definitions
	if err := yaml.Unmarshal(rolesYAML, &defs); err != nil {
		return nil, fmt.Errorf("failed to parse embedded roles: %w", err)
	}
	if defs.Manager.SystemPrompt == "" || defs.Worker.SystemPrompt == "" {
		return nil, fmt.Errorf("embedded roles are missing system prompts")
	}
	if defs.ProbeQuestion == "" {
		return nil, fmt.Errorf("embedded roles are missing the probe question")
	}
	return &defs, nil
}
