package logx

import (
	"testing"
)

func TestDebugEnabledDomainFiltering(t *testing.T) {
	// Preserve and restore global debug state.
	debugMu.RLock()
	savedEnabled := debugCfg.enabled
	savedDomains := debugCfg.domains
	debugMu.RUnlock()
	defer func() {
		debugMu.Lock()
		debugCfg.enabled = savedEnabled
		debugCfg.domains = savedDomains
		debugMu.Unlock()
	}()

	tests := []struct {
		name    string
		enabled bool
		domains []string
		query   string
		want    bool
	}{
		{"disabled entirely", false, nil, "router", false},
		{"enabled all domains", true, nil, "router", true},
		{"enabled matching domain", true, []string{"router", "watchdog"}, "watchdog", true},
		{"enabled non-matching domain", true, []string{"router"}, "session", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetDebug(tt.enabled, tt.domains)
			if got := DebugEnabled(tt.query); got != tt.want {
				t.Errorf("DebugEnabled(%q) = %v, want %v", tt.query, got, tt.want)
			}
		})
	}
}

func TestRecentBufferKeepsEntries(t *testing.T) {
	logger := NewLogger("logx-test")
	logger.Info("first message")
	logger.Warn("second message")

	entries := Recent()
	if len(entries) < 2 {
		t.Fatalf("expected at least 2 buffered entries, got %d", len(entries))
	}

	last := entries[len(entries)-1]
	if last.Component != "logx-test" {
		t.Errorf("expected component logx-test, got %s", last.Component)
	}
	if last.Level != string(LevelWarn) {
		t.Errorf("expected WARN level, got %s", last.Level)
	}
	if last.Message != "second message" {
		t.Errorf("unexpected message: %s", last.Message)
	}
}

func TestRingBufferCapsSize(t *testing.T) {
	b := &ringBuffer{maxSize: 3}
	for i := 0; i < 10; i++ {
		b.add(Entry{Message: "m"})
	}
	if len(b.entries) != 3 {
		t.Errorf("expected buffer capped at 3, got %d", len(b.entries))
	}
}
