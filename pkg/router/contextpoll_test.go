package router

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestParsePercent(t *testing.T) {
	tests := []struct {
		text   string
		want   int
		wantOK bool
	}{
		{"42%", 42, true},
		{"I'd estimate about 73 % of my context is used.", 73, true},
		{"roughly 7 percent so far", 7, true},
		{"Context usage: 100%", 100, true},
		{"150% (overful)", 100, true},
		{"no idea, sorry", 0, false},
		{"", 0, false},
		{"percent of what?", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParsePercent(tt.text)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("ParsePercent(%q) = %d, %t; want %d, %t", tt.text, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestContextPollUpdatesPercentages(t *testing.T) {
	rig := newTestRig(t)

	rig.router.mu.Lock()
	rig.router.manager.externalID = "m-1"
	rig.router.mu.Unlock()
	rig.provider.mu.Lock()
	rig.provider.probeAnswer = "around 55% used"
	rig.provider.mu.Unlock()

	rig.router.pollContextOnce(context.Background())

	rig.router.mu.Lock()
	got := rig.router.manager.contextPct
	rig.router.mu.Unlock()
	if got != 55 {
		t.Errorf("manager contextPct = %d, want 55", got)
	}
	if len(rig.presenter.ctxUpdates) != 1 || rig.presenter.ctxUpdates[0] != "m=55 w=nil" {
		t.Errorf("context updates = %v", rig.presenter.ctxUpdates)
	}
}

func TestContextNonRegressionOnParseFailure(t *testing.T) {
	rig := newTestRig(t)

	rig.router.mu.Lock()
	rig.router.manager.externalID = "m-1"
	rig.router.manager.contextPct = 62
	rig.router.mu.Unlock()

	// An unparsable answer, then a hard probe failure: neither may regress
	// the previously observed value.
	for _, setup := range []func(){
		func() { rig.provider.probeAnswer, rig.provider.probeErr = "hard to say!", nil },
		func() { rig.provider.probeAnswer, rig.provider.probeErr = "", errors.New("probe exploded") },
	} {
		rig.provider.mu.Lock()
		setup()
		rig.provider.mu.Unlock()

		rig.router.pollContextOnce(context.Background())

		rig.router.mu.Lock()
		got := rig.router.manager.contextPct
		rig.router.mu.Unlock()
		if got != 62 {
			t.Fatalf("contextPct regressed to %d, want 62 retained", got)
		}
	}
}

func TestContextUpdateKeepsUnprobedManagerUnknown(t *testing.T) {
	rig := newTestRig(t)

	// Worker has an observation, manager has never been probed: the update
	// must carry the -1 sentinel, not a fabricated 0%.
	rig.router.spawnWorker()
	rig.router.mu.Lock()
	rig.router.worker.externalID = "w-1"
	rig.router.mu.Unlock()
	rig.provider.mu.Lock()
	rig.provider.probeAnswer = "33% used"
	rig.provider.mu.Unlock()

	rig.router.pollContextOnce(context.Background())

	if got := rig.presenter.ctxUpdates; len(got) != 1 || got[0] != "m=-1 w=33" {
		t.Errorf("context updates = %v, want [m=-1 w=33]", got)
	}
}

func TestStaleWorkerProbeIsDiscarded(t *testing.T) {
	rig := newTestRig(t)

	rig.router.spawnWorker()
	rig.router.mu.Lock()
	rig.router.worker.externalID = "w-old"
	rig.router.mu.Unlock()

	// The worker is replaced while the probe is in flight; the stale answer
	// must not be attributed to the successor.
	rig.provider.mu.Lock()
	rig.provider.probeAnswer = "50% used"
	rig.provider.probeHook = func() {
		rig.router.spawnWorker()
		rig.router.mu.Lock()
		rig.router.worker.externalID = "w-new"
		rig.router.mu.Unlock()
	}
	rig.provider.mu.Unlock()

	rig.router.pollContextOnce(context.Background())

	rig.router.mu.Lock()
	got := rig.router.worker.contextPct
	label := rig.router.worker.label
	rig.router.mu.Unlock()
	if label != "II" {
		t.Fatalf("replacement worker label = %s, want II", label)
	}
	if got != -1 {
		t.Errorf("successor contextPct = %d, want -1 (stale probe discarded)", got)
	}
}

func TestWorkerThresholdInjection(t *testing.T) {
	rig := newTestRig(t)
	rig.router.spawnWorker()

	setPct := func(pct int) {
		rig.router.mu.Lock()
		rig.router.worker.contextPct = pct
		rig.router.mu.Unlock()
	}

	setPct(40)
	if got := rig.router.workerPostToolUse("sid", "Bash"); got != "" {
		t.Errorf("below wrap-up threshold should inject nothing, got %q", got)
	}

	setPct(75)
	if got := rig.router.workerPostToolUse("sid", "Bash"); got == "" {
		t.Error("above wrap-up threshold should inject a warning")
	}

	setPct(90)
	got := rig.router.workerPostToolUse("sid", "Bash")
	if got == "" {
		t.Fatal("above hand-off threshold should inject a warning")
	}
	if !strings.Contains(strings.ToUpper(got), "HANDOFF") {
		t.Errorf("hand-off warning should name the token, got %q", got)
	}
}
