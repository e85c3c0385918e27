package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"arbiter/pkg/eventlog"
	"arbiter/pkg/session"
)

// Crash-retry policy. These are routing constants, not operator tunables.
const retryCeiling = 3

var retryDelays = [retryCeiling]time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
}

// resumePrompt is the synthetic continuation sent when a crashed turn is
// re-issued against the last known external session id.
const resumePrompt = "session resumed after error, continue where you left off"

// turnFn issues one session request. The prompt differs between the first
// attempt and resumed retries, so it is a parameter rather than a closure
// capture.
type turnFn func(ctx context.Context, prompt string) (json.RawMessage, error)

// withRetry wraps one turn in the bounded crash-retry policy: up to
// retryCeiling re-issues with exponential backoff. Cancellations short-circuit
// immediately and are never counted as failures. On exhaustion the last error
// is returned; the caller decides whether that is fatal (Manager) or a
// teardown (Worker).
func (r *Router) withRetry(ctx context.Context, role, prompt string, fn turnFn) (json.RawMessage, error) {
	for attempt := 0; ; attempt++ {
		raw, err := fn(ctx, prompt)
		if err == nil {
			return raw, nil
		}
		if session.IsCancellation(err) {
			r.logger.Debug("%s turn cancelled", role)
			return nil, session.ErrCancelled
		}

		if attempt >= retryCeiling {
			return nil, fmt.Errorf("%s session failed after %d retries: %w", role, retryCeiling, err)
		}

		delay := retryDelays[attempt]
		r.logger.Warn("%s turn crashed (retry %d/%d, backing off %s): %v",
			role, attempt+1, retryCeiling, delay, err)
		r.metrics.RecordRetry(role)
		r.record(eventlog.Event{
			Kind:   eventlog.KindRetry,
			Role:   role,
			Detail: err.Error(),
		})

		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return nil, session.ErrCancelled
		}
		prompt = resumePrompt
	}
}

// sleepContext is the default sleep used by withRetry; tests inject a mock.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
