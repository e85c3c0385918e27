package router

import (
	"context"
	"strings"
	"testing"
	"time"

	"arbiter/pkg/proto"
)

func TestWatchdogBelowCeilingDoesNothing(t *testing.T) {
	rig := newTestRig(t)
	rig.router.spawnWorker()

	rig.clock.advance(9 * time.Minute)
	if _, fired := rig.router.checkWorkerIdle(); fired {
		t.Error("watchdog fired below the idle ceiling")
	}
	if !rig.router.Delegated() {
		t.Error("worker should survive a sub-ceiling check")
	}
}

func TestWatchdogNoWorkerDoesNothing(t *testing.T) {
	rig := newTestRig(t)
	rig.clock.advance(time.Hour)
	if _, fired := rig.router.checkWorkerIdle(); fired {
		t.Error("watchdog fired with no worker")
	}
}

func TestWatchdogIdleTimeoutScenario(t *testing.T) {
	rig := newTestRig(t,
		managerSays(proto.IntentSummonOrchestrator, "Summoning."),
		workerSays(true, "Ready."),
		managerSays(proto.IntentAddressOrchestrator, "Start digging."),
		workerSays(false, "digging started"),
		workerSays(false, "still digging"),
		workerSays(true, "Where exactly should I dig?"),
		managerSays(proto.IntentAddressHuman, "It wants a location."),
	)
	if err := rig.router.SubmitHumanMessage(context.Background(), "dig a hole"); err != nil {
		t.Fatalf("setup submit failed: %v", err)
	}
	if !rig.router.Delegated() {
		t.Fatal("setup should leave the router Delegated")
	}

	// The worker goes silent past the ceiling with two queued updates.
	rig.router.mu.Lock()
	rig.router.worker.queue = append(rig.router.worker.queue, "found a rock", "rock is big")
	rig.router.mu.Unlock()
	rig.clock.advance(11 * time.Minute)

	notice, fired := rig.router.checkWorkerIdle()
	if !fired {
		t.Fatal("watchdog should fire past the idle ceiling")
	}
	for _, want := range []string{headerWorkLog, "- found a rock", "- rock is big", headerTimeout, "11m"} {
		if !strings.Contains(notice, want) {
			t.Errorf("timeout notice missing %q:\n%s", want, notice)
		}
	}
	if rig.router.Delegated() {
		t.Error("router should be Direct after the watchdog reclaim")
	}

	// The manager receives the notice verbatim.
	rig.provider.mu.Lock()
	rig.provider.script = append(rig.provider.script,
		managerSays(proto.IntentAddressHuman, "The orchestrator stalled; I have direct control again."))
	rig.provider.mu.Unlock()
	rig.router.reclaimNotice(notice)

	calls := rig.provider.callLog()
	if got := calls[len(calls)-1]; got.role != roleManager || got.prompt != notice {
		t.Errorf("last call = %+v, want the notice sent to the manager", got)
	}

	// A later human message routes straight to the manager, not into any queue.
	rig.provider.mu.Lock()
	rig.provider.script = append(rig.provider.script,
		managerSays(proto.IntentAddressHuman, "Hearing you directly."))
	rig.provider.mu.Unlock()
	if err := rig.router.SubmitHumanMessage(context.Background(), "hello again"); err != nil {
		t.Fatalf("post-timeout submit failed: %v", err)
	}
	calls = rig.provider.callLog()
	if got := calls[len(calls)-1].prompt; got != "hello again" {
		t.Errorf("post-timeout prompt = %q, want raw text", got)
	}
}
