package router

import (
	"context"
	"fmt"
	"time"

	"arbiter/pkg/eventlog"
	"arbiter/pkg/proto"
)

// watchdogLoop runs while its Worker exists; ctx is the Worker's own context,
// so teardown stops the loop and a replacement Worker gets a fresh one.
func (r *Router) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.WatchdogInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if notice, fired := r.checkWorkerIdle(); fired {
				r.reclaimNotice(notice)
				return
			}
		}
	}
}

// checkWorkerIdle reclaims the Worker if it has been silent past the idle
// ceiling: it composes a timeout flush of the queued status lines, tears the
// Worker down (back to Direct), and returns the notice destined for the
// Manager.
func (r *Router) checkWorkerIdle() (string, bool) {
	r.mu.Lock()
	if r.worker == nil {
		r.mu.Unlock()
		return "", false
	}
	idle := r.now().Sub(r.worker.lastActivity)
	if idle <= r.cfg.WorkerIdleTimeout.Std() {
		r.mu.Unlock()
		return "", false
	}

	label := r.worker.label
	note := fmt.Sprintf(
		"Orchestrator %s produced no activity for %s and its session has been torn down. You are back in direct control.",
		label, idle.Round(time.Second),
	)
	notice := r.flushLocked(proto.TriggerTimeout, note)
	r.mu.Unlock()

	r.logger.Warn("watchdog reclaiming worker %s after %s idle", label, idle.Round(time.Second))
	r.metrics.RecordWatchdogFire()
	r.record(eventlog.Event{Kind: eventlog.KindWatchdog, Role: roleWorker, Detail: idle.Round(time.Second).String()})
	r.teardownWorker("watchdog idle timeout")
	return notice, true
}

// reclaimNotice delivers the watchdog's timeout flush to the Manager. It
// waits behind turnMu, so it never competes with an in-flight turn.
func (r *Router) reclaimNotice(notice string) {
	r.turnMu.Lock()
	defer r.turnMu.Unlock()

	if err := r.converse(r.rootCtx, notice); err != nil {
		r.logger.Error("failed to deliver watchdog notice to manager: %v", err)
	}
}
