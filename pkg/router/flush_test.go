package router

import (
	"strings"
	"testing"

	"arbiter/pkg/proto"
)

func TestFlushHeaderSelection(t *testing.T) {
	tests := []struct {
		name    string
		trigger proto.TriggerType
		message string
		want    string
	}{
		{"default awaits input", proto.TriggerInput, "what next?", headerAwaitingInput},
		{"handoff", proto.TriggerHandoff, "HANDOFF: done", headerHandoff},
		{"human interjection", proto.TriggerHuman, "are you there?", headerHumanInterjection},
		{"watchdog timeout", proto.TriggerTimeout, "idle for 11m", headerTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := formatFlush(tt.trigger, nil, tt.message)
			if !strings.HasPrefix(out, tt.want+"\n") {
				t.Errorf("flush = %q, want header %q", out, tt.want)
			}
			if !strings.HasSuffix(out, tt.message) {
				t.Errorf("flush should end with the message: %q", out)
			}
		})
	}
}

func TestHandoffClassificationIsCaseInsensitive(t *testing.T) {
	for _, msg := range []string{"HANDOFF: x", "handoff time", "HandOff, please"} {
		if got := proto.ClassifyWorkerTrigger(msg); got != proto.TriggerHandoff {
			t.Errorf("ClassifyWorkerTrigger(%q) = %s, want handoff", msg, got)
		}
	}
	for _, msg := range []string{"the handoff went well", "", "need input"} {
		if got := proto.ClassifyWorkerTrigger(msg); got != proto.TriggerInput {
			t.Errorf("ClassifyWorkerTrigger(%q) = %s, want input", msg, got)
		}
	}
}

func TestFlushLayoutWithQueue(t *testing.T) {
	out := formatFlush(proto.TriggerInput, []string{"first", "second"}, "need a decision")

	want := headerWorkLog + "\n" +
		"- first\n" +
		"- second\n" +
		"\n" +
		headerAwaitingInput + "\n" +
		"need a decision"
	if out != want {
		t.Errorf("flush layout mismatch:\ngot:\n%s\nwant:\n%s", out, want)
	}
}

func TestQueueAtomicity(t *testing.T) {
	rig := newTestRig(t)

	rig.router.spawnWorker()
	for _, msg := range []string{"one", "two", "three"} {
		rig.router.enqueueWorkerStatus(msg)
	}

	rig.router.mu.Lock()
	first := rig.router.flushLocked(proto.TriggerInput, "flush now")
	rig.router.mu.Unlock()

	for _, want := range []string{"- one", "- two", "- three"} {
		if !strings.Contains(first, want) {
			t.Errorf("first flush missing %q:\n%s", want, first)
		}
	}

	// The queue was drained atomically with the flush: a second flush
	// carries no work log at all.
	rig.router.mu.Lock()
	second := rig.router.flushLocked(proto.TriggerInput, "flush again")
	rig.router.mu.Unlock()

	if strings.Contains(second, headerWorkLog) {
		t.Errorf("second flush must not repeat queued items:\n%s", second)
	}
}
