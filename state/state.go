package state

import (
	"context"
	"encoding/json"
	"time"

	"github.com/orderflow/orderflow/activity"
)

// WorkflowStatus represents the current status of a workflow instance.
// Values are wire-stable.
type WorkflowStatus string

const (
	StatusRunning    WorkflowStatus = "RUNNING"
	StatusCompleted  WorkflowStatus = "COMPLETED"
	StatusFailed     WorkflowStatus = "FAILED"
	StatusCancelled  WorkflowStatus = "CANCELLED"
	StatusTerminated WorkflowStatus = "TERMINATED"
)

// WorkflowState is the mutable header of a workflow instance. The event
// log, not this record, is the source of truth for replay; the header is
// what Describe and List return without replaying.
type WorkflowState struct {
	WorkflowID   string          `json:"workflow_id"`
	RunID        string          `json:"run_id"`
	WorkflowName string          `json:"workflow_name"`
	TaskQueue    string          `json:"task_queue"`
	Status       WorkflowStatus  `json:"status"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ClosedAt     *time.Time      `json:"closed_at,omitempty"`
	LastEventSeq int64           `json:"last_event_seq"`
	// LastReplaySeq is the highest sequence number the instance's code has
	// observed across committed turns. Log lines emitted while replaying at
	// or below this watermark are suppressed.
	LastReplaySeq int64 `json:"last_replay_seq"`
}

// ActivityState tracks one activity invocation across retries.
type ActivityState struct {
	ActivityID   string          `json:"activity_id"`
	ActivityName string          `json:"activity_name"`
	WorkflowID   string          `json:"workflow_id"`
	Status       ActivityStatus  `json:"status"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      *time.Time      `json:"end_time,omitempty"`
	Attempt      int             `json:"attempt"`
}

// ActivityStatus is the lifecycle of a single activity invocation.
type ActivityStatus string

const (
	ActivityRunning   ActivityStatus = "RUNNING"
	ActivityRetrying  ActivityStatus = "RETRYING"
	ActivityCompleted ActivityStatus = "COMPLETED"
	ActivityFailed    ActivityStatus = "FAILED"
)

// TimerKind distinguishes durable workflow timers from activity retry
// backoff timers. Both are driven by the same due-timer scan.
type TimerKind string

const (
	TimerKindWorkflow TimerKind = "workflow"
	TimerKindRetry    TimerKind = "retry"
	// TimerKindWake re-enqueues a workflow turn without appending an
	// event; used to retry wakeups rejected by a full queue.
	TimerKindWake TimerKind = "wake"
)

// RetryTask is the payload carried by a retry timer: enough to re-enqueue
// the activity with the next attempt number when the backoff elapses.
type RetryTask struct {
	ActivityID   string                `json:"activity_id"`
	ActivityName string                `json:"activity_name"`
	Input        json.RawMessage       `json:"input,omitempty"`
	TaskQueue    string                `json:"task_queue"`
	Attempt      int                   `json:"attempt"`
	Timeout      time.Duration         `json:"timeout,omitempty"`
	Retry        *activity.RetryPolicy `json:"retry,omitempty"`
}

// TimerRecord is a durable timer owned by a workflow instance.
type TimerRecord struct {
	WorkflowID string     `json:"workflow_id"`
	TimerID    string     `json:"timer_id"`
	Kind       TimerKind  `json:"kind"`
	FireAt     time.Time  `json:"fire_at"`
	Fired      bool       `json:"fired"`
	Retry      *RetryTask `json:"retry,omitempty"`
}

// Store defines the interface for persisting workflow state
type Store interface {
	// CreateWorkflowState registers a new instance. It fails with a
	// conflict if an instance with the same ID exists and is not terminal.
	// A terminal instance is replaced by the new run (fresh log).
	CreateWorkflowState(ctx context.Context, state *WorkflowState) error

	// SaveWorkflowState saves the current header of a workflow
	SaveWorkflowState(ctx context.Context, state *WorkflowState) error

	// GetWorkflowState retrieves the current header of a workflow
	GetWorkflowState(ctx context.Context, workflowID string) (*WorkflowState, error)

	// AppendEvent atomically appends an event to the instance's log and
	// returns its assigned sequence number.
	AppendEvent(ctx context.Context, event *Event) (int64, error)

	// GetEvents retrieves all committed events for a workflow in order
	GetEvents(ctx context.Context, workflowID string) ([]*Event, error)

	// GetEventsSince retrieves events with sequence numbers strictly
	// greater than since
	GetEventsSince(ctx context.Context, workflowID string, since int64) ([]*Event, error)

	// SaveActivityState saves the state of an activity invocation
	SaveActivityState(ctx context.Context, state *ActivityState) error

	// GetActivityState retrieves the state of an activity invocation
	GetActivityState(ctx context.Context, activityID string) (*ActivityState, error)

	// ScheduleTimer persists a durable timer. Idempotent per (workflow, timer).
	ScheduleTimer(ctx context.Context, rec *TimerRecord) error

	// ListDueTimers returns unfired timers with FireAt <= now
	ListDueTimers(ctx context.Context, now time.Time) ([]*TimerRecord, error)

	// MarkTimerFired transitions a timer to fired exactly once. Returns
	// true only for the call that performed the transition.
	MarkTimerFired(ctx context.Context, workflowID, timerID string) (bool, error)

	// ListWorkflows lists all workflows, optionally filtered by status
	ListWorkflows(ctx context.Context, status WorkflowStatus) ([]*WorkflowState, error)

	// DeleteWorkflow removes workflow state and events (for cleanup)
	DeleteWorkflow(ctx context.Context, workflowID string) error
}

// IsTerminal returns true if the status is terminal (the instance is done).
// Terminal states are absorbing.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTerminated:
		return true
	}
	return false
}

// IsComplete returns true if the workflow has finished
func (w *WorkflowState) IsComplete() bool {
	return w.Status.IsTerminal()
}

// Duration returns the workflow execution duration
func (w *WorkflowState) Duration() time.Duration {
	if w.ClosedAt != nil {
		return w.ClosedAt.Sub(w.CreatedAt)
	}
	return time.Since(w.CreatedAt)
}
