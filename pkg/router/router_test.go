package router

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"arbiter/pkg/config"
	"arbiter/pkg/metrics"
	"arbiter/pkg/proto"
	"arbiter/pkg/roles"
	"arbiter/pkg/session"
	"arbiter/pkg/sessionstore"
)

// scriptedTurn is one provider response. Turns are consumed in FIFO order,
// which mirrors the router's strict Manager/Worker alternation.
type scriptedTurn struct {
	output  string // structured output JSON on success
	errText string // non-empty makes the turn end in a result error
}

type providerCall struct {
	role     string
	prompt   string
	resumeID string
}

type fakeProvider struct {
	mu          sync.Mutex
	script      []scriptedTurn
	calls       []providerCall
	probeAnswer string
	probeErr    error
	probeHook   func() // runs during Probe, before the answer is returned
	nextID      int
}

func (p *fakeProvider) Start(_ context.Context, prompt string, opts *session.Options) (<-chan session.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, providerCall{role: roleOf(opts), prompt: prompt, resumeID: opts.ResumeID})
	if len(p.script) == 0 {
		return nil, fmt.Errorf("unscripted provider call: %q", prompt)
	}
	turn := p.script[0]
	p.script = p.script[1:]

	p.nextID++
	ch := make(chan session.Event, 3)
	ch <- session.Event{Type: session.EventInit, SessionID: fmt.Sprintf("sid-%d", p.nextID)}
	if turn.errText != "" {
		ch <- session.Event{Type: session.EventResult, Result: &session.Result{
			Subtype: session.ResultError, ErrorText: turn.errText,
		}}
	} else {
		ch <- session.Event{Type: session.EventResult, Result: &session.Result{
			Subtype: session.ResultSuccess, StructuredOutput: []byte(turn.output),
		}}
	}
	close(ch)
	return ch, nil
}

func (p *fakeProvider) Probe(context.Context, string, string) (string, error) {
	p.mu.Lock()
	answer, err, hook := p.probeAnswer, p.probeErr, p.probeHook
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	return answer, err
}

func (p *fakeProvider) callLog() []providerCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]providerCall(nil), p.calls...)
}

// roleOf distinguishes Manager from Worker requests by their output schema.
func roleOf(opts *session.Options) string {
	if opts == nil || opts.OutputSchema == nil {
		return "unknown"
	}
	if props, ok := opts.OutputSchema["properties"].(map[string]any); ok {
		if _, ok := props["intent"]; ok {
			return roleManager
		}
	}
	return roleWorker
}

func managerSays(intent proto.Intent, message string) scriptedTurn {
	return scriptedTurn{output: fmt.Sprintf(`{"intent":%q,"message":%q}`, intent, message)}
}

func workerSays(expectsResponse bool, message string) scriptedTurn {
	return scriptedTurn{output: fmt.Sprintf(`{"expects_response":%t,"message":%q}`, expectsResponse, message)}
}

func failedTurn(text string) scriptedTurn {
	return scriptedTurn{errText: text}
}

// spyPresenter records every callback plus a flat ordering trace.
type spyPresenter struct {
	mu          sync.Mutex
	echoes      []string
	managerMsgs []string
	workerMsgs  []string
	spawned     []string
	released    int
	trace       []string
	ctxUpdates  []string
	debugs      []string
}

func (s *spyPresenter) HumanEcho(text string) { s.log("echo", text, &s.echoes) }
func (s *spyPresenter) ManagerMessage(text string) {
	s.log("manager", text, &s.managerMsgs)
}
func (s *spyPresenter) WorkerMessage(label, text string) {
	s.log("worker", label+": "+text, &s.workerMsgs)
}
func (s *spyPresenter) ContextUpdate(managerPct int, workerPct *int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := fmt.Sprintf("m=%d w=nil", managerPct)
	if workerPct != nil {
		entry = fmt.Sprintf("m=%d w=%d", managerPct, *workerPct)
	}
	s.ctxUpdates = append(s.ctxUpdates, entry)
}
func (s *spyPresenter) ToolUse(string, int) {}
func (s *spyPresenter) WorkerSpawned(label string) {
	s.log("spawn", label, &s.spawned)
}
func (s *spyPresenter) WorkerReleased() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
	s.trace = append(s.trace, "release")
}
func (s *spyPresenter) Debug(entry string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debugs = append(s.debugs, entry)
}

func (s *spyPresenter) debugLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.debugs...)
}

func (s *spyPresenter) log(kind, entry string, into *[]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*into = append(*into, entry)
	s.trace = append(s.trace, kind+":"+entry)
}

func (s *spyPresenter) releasedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testRig struct {
	router    *Router
	provider  *fakeProvider
	presenter *spyPresenter
	store     *sessionstore.Store
	clock     *fakeClock
}

func newTestRig(t *testing.T, script ...scriptedTurn) *testRig {
	t.Helper()

	defs, err := roles.Load()
	if err != nil {
		t.Fatalf("failed to load roles: %v", err)
	}
	store, err := sessionstore.Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	provider := &fakeProvider{script: script}
	presenter := &spyPresenter{}
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	r := New(config.Default(), provider, store, defs, presenter, metrics.NewRecorder(), nil)
	r.now = clock.now
	r.sleep = func(context.Context, time.Duration) error { return nil }

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("failed to start router: %v", err)
	}
	t.Cleanup(r.Shutdown)

	return &testRig{router: r, provider: provider, presenter: presenter, store: store, clock: clock}
}

func TestDirectRoutingAndResume(t *testing.T) {
	rig := newTestRig(t,
		managerSays(proto.IntentAddressHuman, "Hello there."),
		managerSays(proto.IntentAddressHuman, "Still here."),
	)

	if err := rig.router.SubmitHumanMessage(context.Background(), "hello"); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if rig.router.Delegated() {
		t.Error("router should be Direct with no worker")
	}
	if got := rig.presenter.managerMsgs; len(got) != 1 || got[0] != "Hello there." {
		t.Errorf("manager messages = %v", got)
	}

	// The init event's session id must be persisted and used to resume.
	id, err := rig.store.Load(sessionstore.RoleManager)
	if err != nil || id != "sid-1" {
		t.Fatalf("persisted manager id = %q, %v; want sid-1", id, err)
	}
	if err := rig.router.SubmitHumanMessage(context.Background(), "again"); err != nil {
		t.Fatalf("second submit failed: %v", err)
	}
	calls := rig.provider.callLog()
	if len(calls) != 2 {
		t.Fatalf("expected 2 provider calls, got %d", len(calls))
	}
	if calls[0].resumeID != "" {
		t.Errorf("first call should be fresh, got resume %q", calls[0].resumeID)
	}
	if calls[1].resumeID != "sid-1" {
		t.Errorf("second call resume = %q, want sid-1", calls[1].resumeID)
	}
	if calls[1].prompt != "again" {
		t.Errorf("direct prompt = %q, want raw text", calls[1].prompt)
	}
}

func TestInvalidManagerOutputIsDropped(t *testing.T) {
	rig := newTestRig(t,
		scriptedTurn{output: `{"intent":"conquer_the_world","message":"no"}`},
		managerSays(proto.IntentAddressHuman, "Recovered."),
	)

	if err := rig.router.SubmitHumanMessage(context.Background(), "hi"); err != nil {
		t.Fatalf("invalid output must be dropped, not fatal: %v", err)
	}
	if len(rig.presenter.managerMsgs) != 0 {
		t.Errorf("dropped output should not be displayed: %v", rig.presenter.managerMsgs)
	}

	// The session survives and handles the next message.
	if err := rig.router.SubmitHumanMessage(context.Background(), "retry"); err != nil {
		t.Fatalf("follow-up submit failed: %v", err)
	}
	if got := rig.presenter.managerMsgs; len(got) != 1 || got[0] != "Recovered." {
		t.Errorf("manager messages = %v", got)
	}
}

func TestSpawnWorkHandoffScenario(t *testing.T) {
	rig := newTestRig(t,
		managerSays(proto.IntentSummonOrchestrator, "Summoning an orchestrator."),
		workerSays(true, "Ready for my assignment."),
		managerSays(proto.IntentAddressOrchestrator, "Refactor the parser."),
		workerSays(false, "reading the code"),
		workerSays(false, "rewriting the tokenizer"),
		workerSays(false, "tests passing"),
		workerSays(true, "HANDOFF: done, parser refactored"),
		managerSays(proto.IntentAddressHuman, "The orchestrator finished."),
	)

	if err := rig.router.SubmitHumanMessage(context.Background(), "please refactor"); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	calls := rig.provider.callLog()
	if len(calls) != 8 {
		t.Fatalf("expected 8 provider calls, got %d: %+v", len(calls), calls)
	}

	// The fresh worker gets the kickoff prompt, then continuation nudges
	// between heads-down updates.
	if calls[1].prompt != workerKickoffPrompt {
		t.Errorf("kickoff prompt = %q", calls[1].prompt)
	}
	for _, i := range []int{4, 5, 6} {
		if calls[i].prompt != workerContinuePrompt {
			t.Errorf("call %d prompt = %q, want continuation", i, calls[i].prompt)
		}
	}

	// The final flush carries the 3-bullet work log then the handoff.
	flush := calls[7].prompt
	wantOrder := []string{
		headerWorkLog,
		"- reading the code",
		"- rewriting the tokenizer",
		"- tests passing",
		headerHandoff,
		"HANDOFF: done, parser refactored",
	}
	pos := 0
	for _, part := range wantOrder {
		idx := strings.Index(flush[pos:], part)
		if idx < 0 {
			t.Fatalf("flush missing %q (in order) in:\n%s", part, flush)
		}
		pos += idx + len(part)
	}
	if !strings.Contains(flush, "- tests passing\n\n"+headerHandoff) {
		t.Errorf("work log and handoff section must be separated by a blank line:\n%s", flush)
	}

	// A handoff alone does not release: the manager decides that.
	if !rig.router.Delegated() {
		t.Fatal("router should remain Delegated until release_orchestrators")
	}

	rig.provider.mu.Lock()
	rig.provider.script = append(rig.provider.script,
		managerSays(proto.IntentReleaseOrchestrators, "Releasing the orchestrator."))
	rig.provider.mu.Unlock()

	if err := rig.router.SubmitHumanMessage(context.Background(), "thanks, wrap up"); err != nil {
		t.Fatalf("release submit failed: %v", err)
	}
	if rig.router.Delegated() {
		t.Error("router should be Direct after release")
	}
	if rig.presenter.releasedCount() != 1 {
		t.Errorf("released %d times, want 1", rig.presenter.releasedCount())
	}
}

func TestSingletonWorkerInvariant(t *testing.T) {
	rig := newTestRig(t,
		managerSays(proto.IntentSummonOrchestrator, "First summon."),
		workerSays(true, "Worker one ready."),
		managerSays(proto.IntentAddressHuman, "One is up."),
		managerSays(proto.IntentSummonOrchestrator, "Second summon."),
		workerSays(true, "Worker two ready."),
		managerSays(proto.IntentAddressHuman, "Two is up."),
	)

	if err := rig.router.SubmitHumanMessage(context.Background(), "summon one"); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	rig.router.mu.Lock()
	firstCtx := rig.router.worker.ctx
	rig.router.mu.Unlock()

	if err := rig.router.SubmitHumanMessage(context.Background(), "summon two"); err != nil {
		t.Fatalf("second submit failed: %v", err)
	}

	// The superseded handle must have been cancelled.
	select {
	case <-firstCtx.Done():
	default:
		t.Error("superseded worker context was not cancelled")
	}
	if got := rig.presenter.spawned; len(got) != 2 || got[0] != "I" || got[1] != "II" {
		t.Errorf("spawn labels = %v, want [I II]", got)
	}

	// Trace order: the release of I strictly precedes the spawn of II.
	releaseIdx, spawnTwoIdx := -1, -1
	for i, ev := range rig.presenter.trace {
		switch ev {
		case "release":
			if releaseIdx < 0 {
				releaseIdx = i
			}
		case "spawn:II":
			spawnTwoIdx = i
		}
	}
	if releaseIdx < 0 || spawnTwoIdx < 0 || releaseIdx > spawnTwoIdx {
		t.Errorf("teardown must precede replacement spawn, trace = %v", rig.presenter.trace)
	}
}

func TestWorkerExhaustionRevertsToDirectSilently(t *testing.T) {
	rig := newTestRig(t,
		managerSays(proto.IntentSummonOrchestrator, "Summoning."),
		workerSays(true, "Ready."),
		managerSays(proto.IntentAddressOrchestrator, "Do something."),
		failedTurn("boom 1"),
		failedTurn("boom 2"),
		failedTurn("boom 3"),
		failedTurn("boom 4"),
	)

	// Worker exhaustion is non-fatal and does not notify the manager.
	if err := rig.router.SubmitHumanMessage(context.Background(), "go"); err != nil {
		t.Fatalf("worker exhaustion must not propagate: %v", err)
	}
	if rig.router.Delegated() {
		t.Error("router should fall back to Direct")
	}
	calls := rig.provider.callLog()
	if len(calls) != 7 {
		t.Fatalf("expected 7 provider calls (no manager notification), got %d", len(calls))
	}
	for i := 3; i < 7; i++ {
		if calls[i].role != roleWorker {
			t.Errorf("call %d role = %s, want worker", i, calls[i].role)
		}
	}
}

func TestManagerExhaustionIsFatal(t *testing.T) {
	rig := newTestRig(t,
		failedTurn("crash 1"),
		failedTurn("crash 2"),
		failedTurn("crash 3"),
		failedTurn("crash 4"),
	)

	err := rig.router.SubmitHumanMessage(context.Background(), "hello")
	if err == nil {
		t.Fatal("manager retry exhaustion must propagate")
	}
	if !strings.Contains(err.Error(), "manager") {
		t.Errorf("error should name the role: %v", err)
	}
	if len(rig.provider.callLog()) != 4 {
		t.Errorf("expected initial attempt plus 3 retries, got %d calls", len(rig.provider.callLog()))
	}
}

func TestHumanInterjectionFlushesQueue(t *testing.T) {
	rig := newTestRig(t,
		managerSays(proto.IntentSummonOrchestrator, "Summoning."),
		workerSays(true, "Ready."),
		managerSays(proto.IntentAddressHuman, "Worker is up."),
		managerSays(proto.IntentAddressHuman, "Understood."),
	)

	if err := rig.router.SubmitHumanMessage(context.Background(), "summon"); err != nil {
		t.Fatalf("setup submit failed: %v", err)
	}

	rig.router.mu.Lock()
	rig.router.worker.queue = append(rig.router.worker.queue, "halfway there", "almost done")
	rig.router.mu.Unlock()

	if err := rig.router.SubmitHumanMessage(context.Background(), "status please?"); err != nil {
		t.Fatalf("interjection submit failed: %v", err)
	}

	calls := rig.provider.callLog()
	prompt := calls[len(calls)-1].prompt
	for _, want := range []string{
		headerWorkLog, "- halfway there", "- almost done",
		headerHumanInterjection, "status please?",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("interjection flush missing %q:\n%s", want, prompt)
		}
	}

	rig.router.mu.Lock()
	queueLen := len(rig.router.worker.queue)
	rig.router.mu.Unlock()
	if queueLen != 0 {
		t.Errorf("queue should be empty after flush, has %d items", queueLen)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	rig := newTestRig(t,
		managerSays(proto.IntentSummonOrchestrator, "Summoning."),
		workerSays(true, "Ready."),
		managerSays(proto.IntentAddressHuman, "Up."),
	)
	if err := rig.router.SubmitHumanMessage(context.Background(), "summon"); err != nil {
		t.Fatalf("setup submit failed: %v", err)
	}

	rig.router.Shutdown()
	rig.router.Shutdown()

	if rig.presenter.releasedCount() != 1 {
		t.Errorf("worker released %d times, want exactly 1", rig.presenter.releasedCount())
	}
	if rig.router.Delegated() {
		t.Error("no worker should survive shutdown")
	}
}

func TestDebugSurfaceReceivesRoutedTurn(t *testing.T) {
	rig := newTestRig(t,
		managerSays(proto.IntentAddressHuman, "Hello."),
	)

	if err := rig.router.SubmitHumanMessage(context.Background(), "hi"); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	// Every recorded router event reaches the presenter's debug surface.
	debugs := strings.Join(rig.presenter.debugLog(), "\n")
	for _, want := range []string{
		"kind=human_message",
		"kind=turn_start role=manager",
		"kind=intent role=manager",
		"address_human",
	} {
		if !strings.Contains(debugs, want) {
			t.Errorf("debug surface missing %q, got:\n%s", want, debugs)
		}
	}
}

func TestRomanLabels(t *testing.T) {
	cases := map[int]string{1: "I", 2: "II", 4: "IV", 9: "IX", 14: "XIV", 40: "XL", 1987: "MCMLXXXVII"}
	for n, want := range cases {
		if got := romanLabel(n); got != want {
			t.Errorf("romanLabel(%d) = %s, want %s", n, got, want)
		}
	}
	if got := romanLabel(0); got != "?" {
		t.Errorf("romanLabel(0) = %s, want ?", got)
	}
}
