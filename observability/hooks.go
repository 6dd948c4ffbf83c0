// Package observability provides optional callbacks for logging, metrics,
// and tracing without introducing dependencies in the core library.
package observability

import (
	"context"
	"time"
)

// Hooks provides optional callbacks for engine and worker operations.
// All functions are optional no-ops by default.
type Hooks struct {
	// Logf logs a structured message with a severity level and key-value fields.
	Logf func(ctx context.Context, level string, msg string, fields map[string]any)

	// OnWorkflowTurn is called after a workflow task has been processed.
	// suspended reports whether the instance is waiting for more events.
	OnWorkflowTurn func(ctx context.Context, workflowID string, suspended bool, decisions int, latency time.Duration)

	// OnActivityStart is called before an activity attempt is invoked.
	OnActivityStart func(ctx context.Context, workflowID, activityName string, attempt int)
	// OnActivityComplete is called after an activity attempt succeeds.
	OnActivityComplete func(ctx context.Context, workflowID, activityName string, attempt int, latency time.Duration)
	// OnActivityRetry is called when an attempt failed and a retry was scheduled.
	OnActivityRetry func(ctx context.Context, workflowID, activityName string, attempt int, backoff time.Duration, err error)
	// OnActivityFailed is called when an activity fails permanently.
	OnActivityFailed func(ctx context.Context, workflowID, activityName string, attempt int, err error)

	// OnTimerFired is called when a durable timer fires.
	OnTimerFired func(ctx context.Context, workflowID, timerID string)
}

// SafeLog logs if Logf is configured.
func (h *Hooks) SafeLog(ctx context.Context, level string, msg string, fields map[string]any) {
	if h != nil && h.Logf != nil {
		h.Logf(ctx, level, msg, fields)
	}
}

// SafeWorkflowTurn invokes OnWorkflowTurn if configured.
func (h *Hooks) SafeWorkflowTurn(ctx context.Context, workflowID string, suspended bool, decisions int, latency time.Duration) {
	if h != nil && h.OnWorkflowTurn != nil {
		h.OnWorkflowTurn(ctx, workflowID, suspended, decisions, latency)
	}
}

// SafeActivityStart invokes OnActivityStart if configured.
func (h *Hooks) SafeActivityStart(ctx context.Context, workflowID, activityName string, attempt int) {
	if h != nil && h.OnActivityStart != nil {
		h.OnActivityStart(ctx, workflowID, activityName, attempt)
	}
}

// SafeActivityComplete invokes OnActivityComplete if configured.
func (h *Hooks) SafeActivityComplete(ctx context.Context, workflowID, activityName string, attempt int, latency time.Duration) {
	if h != nil && h.OnActivityComplete != nil {
		h.OnActivityComplete(ctx, workflowID, activityName, attempt, latency)
	}
}

// SafeActivityRetry invokes OnActivityRetry if configured.
func (h *Hooks) SafeActivityRetry(ctx context.Context, workflowID, activityName string, attempt int, backoff time.Duration, err error) {
	if h != nil && h.OnActivityRetry != nil {
		h.OnActivityRetry(ctx, workflowID, activityName, attempt, backoff, err)
	}
}

// SafeActivityFailed invokes OnActivityFailed if configured.
func (h *Hooks) SafeActivityFailed(ctx context.Context, workflowID, activityName string, attempt int, err error) {
	if h != nil && h.OnActivityFailed != nil {
		h.OnActivityFailed(ctx, workflowID, activityName, attempt, err)
	}
}

// SafeTimerFired invokes OnTimerFired if configured.
func (h *Hooks) SafeTimerFired(ctx context.Context, workflowID, timerID string) {
	if h != nil && h.OnTimerFired != nil {
		h.OnTimerFired(ctx, workflowID, timerID)
	}
}
