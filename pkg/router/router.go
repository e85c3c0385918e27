// Package router implements the Manager/Worker session router: a two-state
// machine (Direct, Delegated) that relays human input to a long-lived Manager
// session, dispatches the Manager's declared intents, delegates work to at
// most one ephemeral Worker session, and mediates the Worker's queue/flush
// protocol back to the Manager.
//
// Turns are strictly sequential: one role's request always streams to
// completion (or cancellation) before the router acts on its result, and the
// two roles alternate, never overlap. The watchdog and the context poller run
// on their own tickers but only mutate shared state under the router's mutex;
// any Manager send they need is serialized behind the same turn lock the
// human-input path uses.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"arbiter/pkg/config"
	"arbiter/pkg/eventlog"
	"arbiter/pkg/logx"
	"arbiter/pkg/metrics"
	"arbiter/pkg/proto"
	"arbiter/pkg/roles"
	"arbiter/pkg/session"
	"arbiter/pkg/sessionstore"
	"arbiter/pkg/tokens"
)

// Role names used in logs, metrics labels, and the session store.
const (
	roleManager = "manager"
	roleWorker  = "worker"
)

// Kickoff and heads-down continuation prompts. The kickoff bootstraps the
// ping-pong: the fresh Worker introduces itself with expects_response=true,
// which flushes to the Manager, which then assigns work.
const (
	workerKickoffPrompt  = "You have just been summoned by the Manager. Introduce yourself briefly and ask for your assignment."
	workerContinuePrompt = "Status noted. Continue."
)

// Router owns all session handles and routing state. One instance per
// process; every timer and callback receives it explicitly.
type Router struct {
	cfg       config.Config
	provider  session.Provider
	store     *sessionstore.Store
	defs      *roles.Definitions
	presenter Presenter
	metrics   *metrics.Recorder
	events    *eventlog.Writer // nil disables the JSONL log
	counter   *tokens.Counter
	logger    *logx.Logger

	// mu guards the handles, the Worker queue, context percentages, and
	// pendingSpawn. It is held only for field reads/updates, never across a
	// session call.
	mu           sync.Mutex
	manager      *managerHandle
	worker       *workerHandle
	nextOrdinal  int
	pendingSpawn bool

	// turnMu serializes turn sequences. The human-input path and the
	// watchdog's reclaim notice both take it, so only one request per role
	// is ever outstanding.
	turnMu sync.Mutex

	rootCtx    context.Context
	rootCancel context.CancelFunc

	// Injection points for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// New assembles a router. events may be nil to disable the JSONL log.
func New(cfg config.Config, provider session.Provider, store *sessionstore.Store,
	defs *roles.Definitions, presenter Presenter, rec *metrics.Recorder,
	events *eventlog.Writer) *Router {
	logger := logx.NewLogger("router")

	// Counter falls back to a length estimate when nil, so a codec failure
	// only degrades the token accounting in logs.
	counter, err := tokens.NewCounter()
	if err != nil {
		logger.Warn("tokenizer unavailable, token counts will be estimated: %v", err)
	}

	return &Router{
		cfg:       cfg,
		provider:  provider,
		store:     store,
		defs:      defs,
		presenter: presenter,
		metrics:   rec,
		events:    events,
		counter:   counter,
		logger:    logger,
		now:       time.Now,
		sleep:     sleepContext,
	}
}

// Start initializes the Manager handle (resuming the persisted session id if
// one exists) and launches the context poller. It does not issue a session
// request; the first turn happens when the human speaks.
func (r *Router) Start(ctx context.Context) error {
	r.rootCtx, r.rootCancel = context.WithCancel(ctx)

	resumeID := ""
	if id, err := r.store.Load(sessionstore.RoleManager); err == nil {
		resumeID = id
		r.logger.Info("resuming manager session %s", id)
	} else if !errors.Is(err, sessionstore.ErrNotFound) {
		return fmt.Errorf("failed to load persisted manager session: %w", err)
	} else {
		r.logger.Info("no persisted manager session, starting fresh")
	}

	r.mu.Lock()
	r.manager = &managerHandle{
		externalID:   resumeID,
		lastActivity: r.now(),
		contextPct:   -1,
	}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pollContextLoop(r.rootCtx)
	}()
	return nil
}

// Delegated reports whether a Worker session currently exists.
func (r *Router) Delegated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.worker != nil
}

// SubmitHumanMessage routes one human utterance. While Delegated the text is
// wrapped in a human-interjection flush of the Worker's queue; while Direct
// it goes to the Manager unmodified. The message is recorded before any
// session call so a mid-call crash never loses it.
//
// A non-nil error means the Manager is unrecoverable and the process should
// exit after persisting continuity state.
func (r *Router) SubmitHumanMessage(ctx context.Context, text string) error {
	r.presenter.HumanEcho(text)
	r.record(eventlog.Event{
		Kind:   eventlog.KindHumanMessage,
		Detail: text,
		Tokens: r.counter.Count(text),
	})

	r.turnMu.Lock()
	defer r.turnMu.Unlock()

	prompt := text
	r.mu.Lock()
	if r.worker != nil {
		prompt = r.flushLocked(proto.TriggerHuman, text)
	}
	r.mu.Unlock()

	return r.converse(ctx, prompt)
}

// converse runs the Manager/Worker ping-pong to quiescence: a Manager turn,
// its intent dispatch, any resulting Worker turns, and any flush those
// produce back to the Manager. Callers must hold turnMu.
func (r *Router) converse(ctx context.Context, managerPrompt string) error {
	next := managerPrompt
	for next != "" {
		out, err := r.managerTurn(ctx, next)
		if err != nil {
			if session.IsCancellation(err) {
				return nil
			}
			return err
		}
		next = ""
		if out == nil {
			break // invalid output dropped; wait for the next human message
		}

		workerMsg := r.dispatchIntent(out)
		if r.resolvePendingSpawn() && workerMsg == "" {
			workerMsg = workerKickoffPrompt
		}

		for workerMsg != "" {
			wout, err := r.workerTurn(ctx, workerMsg)
			workerMsg = ""
			if err != nil {
				r.handleWorkerFailure(err)
				break
			}
			if wout == nil {
				break
			}

			if !wout.ExpectsResponse {
				r.enqueueWorkerStatus(wout.Message)
				workerMsg = workerContinuePrompt
				continue
			}

			r.presentWorkerMessage(wout.Message)
			trigger := proto.ClassifyWorkerTrigger(wout.Message)
			r.mu.Lock()
			next = r.flushLocked(trigger, wout.Message)
			r.mu.Unlock()
		}
	}
	return nil
}

// managerTurn runs one retry-wrapped Manager request and validates its
// structured output. A nil, nil return means the output failed validation
// and was dropped.
func (r *Router) managerTurn(ctx context.Context, prompt string) (*proto.ManagerOutput, error) {
	// Tie the turn to both the caller and the router root, so process
	// shutdown cancels an in-flight Manager request.
	tctx, cancel := context.WithCancel(r.rootCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	raw, err := r.withRetry(tctx, roleManager, prompt, func(ctx context.Context, prompt string) (json.RawMessage, error) {
		return r.consumeTurn(ctx, roleManager, prompt, r.managerOptions())
	})
	if err != nil {
		return nil, err
	}

	out, err := proto.ParseManagerOutput(raw)
	if err != nil {
		r.logger.Error("dropping manager output: %v", err)
		r.record(eventlog.Event{Kind: eventlog.KindTurnEnd, Role: roleManager, Detail: "invalid output dropped"})
		return nil, nil
	}
	return out, nil
}

// workerTurn runs one retry-wrapped Worker request. The request context is
// the Worker's own, so teardown cancels it mid-flight.
func (r *Router) workerTurn(ctx context.Context, prompt string) (*proto.WorkerOutput, error) {
	r.mu.Lock()
	if r.worker == nil {
		r.mu.Unlock()
		return nil, session.ErrCancelled
	}
	wctx := r.worker.ctx
	r.mu.Unlock()

	tctx, cancel := context.WithCancel(wctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	raw, err := r.withRetry(tctx, roleWorker, prompt, func(ctx context.Context, prompt string) (json.RawMessage, error) {
		return r.consumeTurn(ctx, roleWorker, prompt, r.workerOptions())
	})
	if err != nil {
		return nil, err
	}

	out, err := proto.ParseWorkerOutput(raw)
	if err != nil {
		r.logger.Error("dropping worker output: %v", err)
		r.record(eventlog.Event{Kind: eventlog.KindTurnEnd, Role: roleWorker, Detail: "invalid output dropped"})
		return nil, nil
	}
	return out, nil
}

// consumeTurn issues one provider request and drains its event stream to the
// terminal result. Every event refreshes the role's lastActivityTime so
// delegated sub-work without a final message does not look idle.
func (r *Router) consumeTurn(ctx context.Context, role, prompt string, opts *session.Options) (json.RawMessage, error) {
	r.record(eventlog.Event{Kind: eventlog.KindTurnStart, Role: role, Tokens: r.counter.Count(prompt)})
	start := r.now()

	events, err := r.provider.Start(ctx, prompt, opts)
	if err != nil {
		r.metrics.ObserveTurn(role, "error", r.now().Sub(start))
		return nil, err
	}

	var result *session.Result
	for ev := range events {
		r.touch(role)
		switch ev.Type {
		case session.EventInit:
			r.adoptSessionID(role, ev.SessionID)
		case session.EventToolUse:
			count := r.bumpToolCalls(role)
			r.presenter.ToolUse(ev.ToolName, count)
			r.metrics.RecordToolCall(ev.ToolName)
		case session.EventResult:
			result = ev.Result
		case session.EventContent:
			// Activity only; structured output carries the payload.
		}
	}

	if err := ctx.Err(); err != nil {
		r.metrics.ObserveTurn(role, "cancelled", r.now().Sub(start))
		return nil, err
	}
	if result == nil {
		r.metrics.ObserveTurn(role, "error", r.now().Sub(start))
		return nil, fmt.Errorf("%s stream ended without a result", role)
	}
	if result.Subtype != session.ResultSuccess {
		r.metrics.ObserveTurn(role, "error", r.now().Sub(start))
		return nil, fmt.Errorf("%s turn failed: %s", role, result.ErrorText)
	}

	r.metrics.ObserveTurn(role, "success", r.now().Sub(start))
	r.record(eventlog.Event{Kind: eventlog.KindTurnEnd, Role: role, Detail: "success"})
	return result.StructuredOutput, nil
}

// dispatchIntent applies the Manager's declared intent. It returns the
// message to forward to the Worker for address_orchestrator, empty otherwise.
// Spawns are deferred until the turn's dispatch fully completes.
func (r *Router) dispatchIntent(out *proto.ManagerOutput) string {
	r.record(eventlog.Event{Kind: eventlog.KindIntent, Role: roleManager, Detail: string(out.Intent)})

	switch out.Intent {
	case proto.IntentAddressHuman, proto.IntentMusings:
		r.presenter.ManagerMessage(out.Message)

	case proto.IntentSummonOrchestrator:
		r.presenter.ManagerMessage(out.Message)
		r.mu.Lock()
		r.pendingSpawn = true
		r.mu.Unlock()

	case proto.IntentReleaseOrchestrators:
		r.presenter.ManagerMessage(out.Message)
		r.teardownWorker("released by manager")

	case proto.IntentAddressOrchestrator:
		if !r.Delegated() {
			r.logger.Warn("manager addressed a worker but none exists; dropping message")
			return ""
		}
		return out.Message
	}
	return ""
}

// resolvePendingSpawn creates the Worker requested by the last Manager turn,
// if any. Reports whether a spawn happened.
func (r *Router) resolvePendingSpawn() bool {
	r.mu.Lock()
	if !r.pendingSpawn {
		r.mu.Unlock()
		return false
	}
	r.pendingSpawn = false
	r.mu.Unlock()

	r.spawnWorker()
	return true
}

// spawnWorker tears down any live Worker (hard precondition: the old handle
// is cancelled before the new one exists) and creates the next one.
func (r *Router) spawnWorker() {
	r.teardownWorker("superseded by new worker")

	r.mu.Lock()
	r.nextOrdinal++
	w := &workerHandle{
		ordinal:      r.nextOrdinal,
		label:        romanLabel(r.nextOrdinal),
		lastActivity: r.now(),
		contextPct:   -1,
	}
	w.ctx, w.cancel = context.WithCancel(r.rootCtx)
	r.worker = w
	r.mu.Unlock()

	r.logger.Info("spawned worker %s (ordinal %d)", w.label, w.ordinal)
	r.presenter.WorkerSpawned(w.label)
	r.record(eventlog.Event{Kind: eventlog.KindWorkerSpawn, Role: roleWorker, Ordinal: w.ordinal})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.watchdogLoop(w.ctx)
	}()
}

// teardownWorker cancels and clears the live Worker, if any, returning the
// router to Direct state. Safe to call when no Worker exists.
func (r *Router) teardownWorker(reason string) {
	r.mu.Lock()
	w := r.worker
	r.worker = nil
	r.mu.Unlock()
	if w == nil {
		return
	}

	w.cancel()
	r.logger.Info("worker %s torn down: %s", w.label, reason)
	r.presenter.WorkerReleased()
	r.record(eventlog.Event{Kind: eventlog.KindWorkerRelease, Role: roleWorker, Ordinal: w.ordinal, Detail: reason})
	if err := r.store.Clear(sessionstore.RoleWorker); err != nil {
		r.logger.Warn("failed to clear worker session id: %v", err)
	}
}

// handleWorkerFailure reacts to a Worker turn error. Cancellation means the
// Worker was torn down on purpose mid-flight and needs nothing further.
// Retry exhaustion tears the Worker down and falls back to Direct; the
// Manager is not notified and will discover the absence on its next attempt
// to address the Worker.
func (r *Router) handleWorkerFailure(err error) {
	if session.IsCancellation(err) {
		return
	}
	r.logger.Error("worker unrecoverable, reverting to direct control: %v", err)
	r.teardownWorker("retry ceiling exceeded")
}

// enqueueWorkerStatus appends a heads-down status line to the Worker queue.
func (r *Router) enqueueWorkerStatus(message string) {
	r.mu.Lock()
	label := ""
	if r.worker != nil {
		r.worker.queue = append(r.worker.queue, message)
		label = r.worker.label
	}
	r.mu.Unlock()
	if label != "" {
		r.presenter.WorkerMessage(label, message)
	}
}

// flushLocked drains the Worker queue and composes the flush string for the
// Manager. Draining and composing happen under the same lock hold, so no
// queued item can be delivered twice or dropped. Callers must hold mu and
// have verified a Worker exists (a nil Worker flushes an empty queue, which
// only the human-interjection race can produce).
func (r *Router) flushLocked(trigger proto.TriggerType, message string) string {
	var queued []string
	if r.worker != nil {
		queued = r.worker.queue
		r.worker.queue = nil
	}

	composed := formatFlush(trigger, queued, message)
	r.metrics.RecordFlush(string(trigger))
	r.record(eventlog.Event{
		Kind:    eventlog.KindFlush,
		Trigger: string(trigger),
		Detail:  fmt.Sprintf("%d queued", len(queued)),
		Tokens:  r.counter.Count(composed),
	})
	return composed
}

func (r *Router) presentWorkerMessage(message string) {
	r.mu.Lock()
	label := ""
	if r.worker != nil {
		label = r.worker.label
	}
	r.mu.Unlock()
	r.presenter.WorkerMessage(label, message)
}

// adoptSessionID remembers and persists a role's external session id.
func (r *Router) adoptSessionID(role, id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	switch role {
	case roleManager:
		r.manager.externalID = id
	case roleWorker:
		if r.worker != nil {
			r.worker.externalID = id
		}
	}
	r.mu.Unlock()

	if err := r.store.Save(roleForStore(role), id); err != nil {
		r.logger.Warn("failed to persist %s session id: %v", role, err)
	}
}

// touch refreshes a role's lastActivityTime.
func (r *Router) touch(role string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch role {
	case roleManager:
		r.manager.lastActivity = r.now()
	case roleWorker:
		if r.worker != nil {
			r.worker.lastActivity = r.now()
		}
	}
}

func (r *Router) bumpToolCalls(role string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch role {
	case roleManager:
		r.manager.toolCalls++
		return r.manager.toolCalls
	case roleWorker:
		if r.worker != nil {
			r.worker.toolCalls++
			return r.worker.toolCalls
		}
	}
	return 0
}

// record mirrors one router event to the presenter's debug surface and, when
// enabled, the JSONL log.
func (r *Router) record(ev eventlog.Event) {
	r.presenter.Debug(debugEntry(ev))
	if r.events == nil {
		return
	}
	if err := r.events.Write(ev); err != nil {
		r.logger.Warn("failed to write event log entry: %v", err)
	}
}

// debugEntry renders an event as a compact key=value line.
func debugEntry(ev eventlog.Event) string {
	parts := []string{"kind=" + ev.Kind}
	if ev.Role != "" {
		parts = append(parts, "role="+ev.Role)
	}
	if ev.Ordinal != 0 {
		parts = append(parts, fmt.Sprintf("ordinal=%d", ev.Ordinal))
	}
	if ev.Trigger != "" {
		parts = append(parts, "trigger="+ev.Trigger)
	}
	if ev.Tokens != 0 {
		parts = append(parts, fmt.Sprintf("tokens=%d", ev.Tokens))
	}
	if ev.Detail != "" {
		parts = append(parts, fmt.Sprintf("detail=%q", ev.Detail))
	}
	return strings.Join(parts, " ")
}

// Shutdown cancels all in-flight requests, tears down any Worker, and stops
// the timers. Idempotent: later calls are no-ops.
func (r *Router) Shutdown() {
	r.shutdownOnce.Do(func() {
		r.logger.Info("shutting down")
		r.teardownWorker("process shutdown")
		if r.rootCancel != nil {
			r.rootCancel()
		}
		r.wg.Wait()
	})
}
