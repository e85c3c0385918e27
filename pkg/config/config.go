// Package config provides configuration loading and validation for arbiter.
//
// Config is loaded once at startup from .arbiter/config.json (created with
// defaults if absent), validated, and passed around by value. Routing
// constants the operator should not tune (retry ceiling, backoff schedule)
// live in the router package, not here.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ConfigDirName is the per-project state directory.
const ConfigDirName = ".arbiter"

// ConfigFileName is the config file inside ConfigDirName.
const ConfigFileName = "config.json"

// SessionDBFileName is the sqlite session store inside ConfigDirName.
const SessionDBFileName = "sessions.db"

// Provider names accepted in Config.Provider.
const (
	ProviderClaudeCLI = "claude-cli"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Config is the operator-facing configuration.
type Config struct {
	SchemaVersion int `json:"schema_version"`

	// Provider selects the session backend: claude-cli, anthropic, or openai.
	Provider string `json:"provider"`

	// ClaudeBinary overrides the CLI binary path (claude-cli provider only).
	ClaudeBinary string `json:"claude_binary,omitempty"`

	// ManagerModel / WorkerModel override the provider's default model.
	ManagerModel string `json:"manager_model,omitempty"`
	WorkerModel  string `json:"worker_model,omitempty"`

	// MaxContextTokens bounds local context measurement for API providers.
	MaxContextTokens int `json:"max_context_tokens,omitempty"`

	// ContextPollInterval is how often each live session is probed for
	// context usage.
	ContextPollInterval Duration `json:"context_poll_interval"`

	// WatchdogInterval is how often Worker idleness is checked.
	WatchdogInterval Duration `json:"watchdog_interval"`

	// WorkerIdleTimeout is the idle ceiling after which the watchdog
	// reclaims a silent Worker.
	WorkerIdleTimeout Duration `json:"worker_idle_timeout"`

	// WrapUpThreshold / HandOffThreshold are the context percentages at
	// which the Worker is told to wrap up or stop and hand off.
	WrapUpThreshold  int `json:"wrap_up_threshold"`
	HandOffThreshold int `json:"hand_off_threshold"`

	// EventLogDir holds the JSONL event log. Empty disables it.
	EventLogDir string `json:"event_log_dir,omitempty"`

	// MetricsAddr exposes Prometheus metrics when non-empty (e.g. ":9090").
	MetricsAddr string `json:"metrics_addr,omitempty"`
}

// Duration wraps time.Duration with JSON string encoding ("10m", "30s").
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the default configuration.
func Default() Config {
	return Config{
		SchemaVersion:       1,
		Provider:            ProviderClaudeCLI,
		ContextPollInterval: Duration(1 * time.Minute),
		WatchdogInterval:    Duration(30 * time.Second),
		WorkerIdleTimeout:   Duration(10 * time.Minute),
		WrapUpThreshold:     70,
		HandOffThreshold:    85,
		EventLogDir:         filepath.Join(ConfigDirName, "logs"),
	}
}

// Load reads config from projectDir/.arbiter/config.json, writing the
// defaults there first if the file does not exist.
func Load(projectDir string) (Config, error) {
	path := filepath.Join(projectDir, ConfigDirName, ConfigFileName)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := Default()
		if writeErr := Save(projectDir, cfg); writeErr != nil {
			return Config{}, writeErr
		}
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes the config to projectDir/.arbiter/config.json.
func Save(projectDir string, cfg Config) error {
	dir := filepath.Join(projectDir, ConfigDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate rejects configs the router cannot run with.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderClaudeCLI, ProviderAnthropic, ProviderOpenAI:
	default:
		return fmt.Errorf("unknown provider %q (want %s, %s, or %s)",
			c.Provider, ProviderClaudeCLI, ProviderAnthropic, ProviderOpenAI)
	}

	if c.ContextPollInterval.Std() <= 0 {
		return fmt.Errorf("context_poll_interval must be positive")
	}
	if c.WatchdogInterval.Std() <= 0 {
		return fmt.Errorf("watchdog_interval must be positive")
	}
	if c.WorkerIdleTimeout.Std() <= c.WatchdogInterval.Std() {
		return fmt.Errorf("worker_idle_timeout must exceed watchdog_interval")
	}
	if c.WrapUpThreshold < 0 || c.WrapUpThreshold > 100 {
		return fmt.Errorf("wrap_up_threshold must be in [0,100]")
	}
	if c.HandOffThreshold < c.WrapUpThreshold || c.HandOffThreshold > 100 {
		return fmt.Errorf("hand_off_threshold must be in [wrap_up_threshold,100]")
	}
	return nil
}

// SessionDBPath returns the sqlite store path under projectDir.
func SessionDBPath(projectDir string) string {
	return filepath.Join(projectDir, ConfigDirName, SessionDBFileName)
}
