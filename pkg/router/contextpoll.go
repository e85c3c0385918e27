package router

import (
	"context"
	"regexp"
	"strconv"
	"time"

	"arbiter/pkg/eventlog"
)

// percentPattern extracts the first percentage from a probe's free-text
// answer. Sessions phrase it however they like ("about 42% used", "42 %",
// "42 percent"), so matching is deliberately loose.
var percentPattern = regexp.MustCompile(`(\d{1,3})\s*(?:%|percent)`)

// ParsePercent extracts a context percentage from free text, clamped to
// [0,100]. The second return is false when no percentage is present; callers
// must then retain their previous value rather than regress to zero.
func ParsePercent(text string) (int, bool) {
	m := percentPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	if n > 100 {
		n = 100
	}
	return n, true
}

// pollContextLoop probes each live session for context usage at a fixed
// interval until ctx is cancelled.
func (r *Router) pollContextLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ContextPollInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollContextOnce(ctx)
		}
	}
}

// pollContextOnce probes the Manager and the Worker (if one exists) over the
// provider's side channel, which leaves the primary transcripts untouched.
// Probe or parse failures retain the previous percentage.
func (r *Router) pollContextOnce(ctx context.Context) {
	r.mu.Lock()
	managerID := r.manager.externalID
	workerID := ""
	if r.worker != nil {
		workerID = r.worker.externalID
	}
	r.mu.Unlock()

	if managerID != "" {
		if pct, ok := r.probeSession(ctx, managerID); ok {
			r.mu.Lock()
			r.manager.contextPct = pct
			r.mu.Unlock()
			r.metrics.SetContextPercent(roleManager, pct)
			r.record(eventlog.Event{Kind: eventlog.KindContextPoll, Role: roleManager, Tokens: pct})
		}
	}
	if workerID != "" {
		if pct, ok := r.probeSession(ctx, workerID); ok {
			// The worker may have been replaced while the probe was in
			// flight; a successor must not inherit its predecessor's value.
			r.mu.Lock()
			current := r.worker != nil && r.worker.externalID == workerID
			if current {
				r.worker.contextPct = pct
			}
			r.mu.Unlock()
			if current {
				r.metrics.SetContextPercent(roleWorker, pct)
				r.record(eventlog.Event{Kind: eventlog.KindContextPoll, Role: roleWorker, Tokens: pct})
			}
		}
	}

	r.mu.Lock()
	managerPct := r.manager.contextPct
	var workerPct *int
	if r.worker != nil && r.worker.contextPct >= 0 {
		pct := r.worker.contextPct
		workerPct = &pct
	}
	r.mu.Unlock()

	// managerPct stays -1 until the first successful probe; a fabricated 0%
	// would read as an observation that never happened.
	if managerPct >= 0 || workerPct != nil {
		r.presenter.ContextUpdate(managerPct, workerPct)
	}
}

func (r *Router) probeSession(ctx context.Context, sessionID string) (int, bool) {
	answer, err := r.provider.Probe(ctx, sessionID, r.defs.ProbeQuestion)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("context probe for %s failed: %v", sessionID, err)
		}
		return 0, false
	}
	pct, ok := ParsePercent(answer)
	if !ok {
		r.logger.Debug("context probe answer had no percentage: %q", answer)
		return 0, false
	}
	return pct, true
}
