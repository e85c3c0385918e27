// Package logx provides structured logging for the arbiter process with
// domain-filtered debug output and an in-memory buffer for the presenter's
// debug surface.
package logx

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Logger writes leveled, component-tagged log lines to stderr.
type Logger struct {
	component string
	logger    *log.Logger
}

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Entry is a structured log record kept in the in-memory buffer so the
// presenter can render recent activity without re-reading log files.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Component string `json:"component"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

type ringBuffer struct {
	entries []Entry
	mu      sync.RWMutex
	maxSize int
}

type debugSettings struct {
	enabled bool
	domains map[string]bool // nil = all domains
}

var (
	debugCfg   debugSettings
	debugMu    sync.RWMutex
	recentLogs = &ringBuffer{maxSize: 500}
)

//nolint:gochecknoinits // env var initialization must happen before any logging
func init() {
	debugMu.Lock()
	defer debugMu.Unlock()

	if v := os.Getenv("DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		debugCfg.enabled = true
	}

	// DEBUG_DOMAINS=router,watchdog,session restricts debug output.
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugCfg.domains = make(map[string]bool)
		for _, d := range strings.Split(domains, ",") {
			debugCfg.domains[strings.TrimSpace(d)] = true
		}
	}
}

// NewLogger creates a logger tagged with a component name (e.g. "router",
// "watchdog", "session-claudecli").
func NewLogger(component string) *Logger {
	return &Logger{
		component: component,
		logger:    log.New(os.Stderr, "", 0), // stderr keeps stdout free for the console presenter
	}
}

// SetDebug overrides the env-derived debug configuration.
func SetDebug(enabled bool, domains []string) {
	debugMu.Lock()
	defer debugMu.Unlock()

	debugCfg.enabled = enabled
	if len(domains) == 0 {
		debugCfg.domains = nil
		return
	}
	debugCfg.domains = make(map[string]bool)
	for _, d := range domains {
		debugCfg.domains[strings.TrimSpace(d)] = true
	}
}

// DebugEnabled reports whether debug logging is enabled for the given domain.
func DebugEnabled(domain string) bool {
	debugMu.RLock()
	defer debugMu.RUnlock()

	if !debugCfg.enabled {
		return false
	}
	if debugCfg.domains == nil {
		return true
	}
	return debugCfg.domains[domain]
}

// Recent returns a copy of the most recent log entries, newest last.
func Recent() []Entry {
	recentLogs.mu.RLock()
	defer recentLogs.mu.RUnlock()

	out := make([]Entry, len(recentLogs.entries))
	copy(out, recentLogs.entries)
	return out
}

func (b *ringBuffer) add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, e)
	if len(b.entries) > b.maxSize {
		b.entries = b.entries[len(b.entries)-b.maxSize:]
	}
}

func (l *Logger) log(level Level, format string, args ...any) {
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("[%s] [%s] %s: %s", timestamp, l.component, level, message)

	recentLogs.add(Entry{
		Timestamp: timestamp,
		Component: l.component,
		Level:     string(level),
		Message:   message,
	})
}

// Debug logs only when debug is enabled for this logger's component domain.
func (l *Logger) Debug(format string, args ...any) {
	if !DebugEnabled(l.component) {
		return
	}
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}
