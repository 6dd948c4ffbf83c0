// Package workflow provides the core workflow definition and execution
// interfaces for building durable, resumable order-processing workflows.
package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/orderflow/orderflow/activity"
)

// Workflow represents a durable workflow definition that can be executed,
// suspended, and resumed by replaying its event log. Workflow code must be
// deterministic: wall-clock time, randomness, and external state are only
// reachable through the Context APIs and activities.
type Workflow interface {
	// Name returns the unique name of this workflow type
	Name() string

	// Execute runs the workflow with the given context and input
	Execute(ctx Context, input json.RawMessage) (interface{}, error)
}

// SignalHandler is implemented by workflow types that accept signals.
// HandleSignal is invoked for each persisted SignalReceived event, in log
// order, before the main body resumes. It must only mutate in-memory
// workflow state.
type SignalHandler interface {
	HandleSignal(ctx Context, name string, payload json.RawMessage)
}

// QueryHandler is implemented by workflow types that answer queries.
// Queries are synchronous and read-only: they run against the in-memory
// state produced by replay and must not suspend or mutate anything.
type QueryHandler interface {
	HandleQuery(name string, args json.RawMessage) (interface{}, error)
}

// Context provides the deterministic execution surface available to
// workflow code. Every suspension point (awaiting an activity, a timer,
// or a condition) yields control back to the scheduler.
type Context interface {
	context.Context

	// ExecuteActivity schedules an activity using its registered policy
	ExecuteActivity(name string, input interface{}) Future

	// ExecuteActivityWithOptions schedules an activity with overrides
	ExecuteActivityWithOptions(name string, input interface{}, opts ActivityOptions) Future

	// NewTimer starts a durable timer that resolves after d
	NewTimer(d time.Duration) Future

	// Sleep pauses workflow execution for the specified duration
	Sleep(d time.Duration) error

	// Await suspends until pred returns true. pred must be a pure function
	// of in-memory workflow state; it is re-evaluated after every committed
	// event that touches the instance. Returns a Cancelled error if
	// cancellation is observed while waiting.
	Await(pred func() bool) error

	// AwaitWithTimeout is Await bounded by a durable timer. It reports
	// whether pred became true before the timer fired.
	AwaitWithTimeout(d time.Duration, pred func() bool) (bool, error)

	// Now returns the logical workflow time: the timestamp of the event
	// being replayed. Stable across replays.
	Now() time.Time

	// WorkflowID returns the unique identifier for this workflow execution
	WorkflowID() string

	// RunID returns the identifier of the current run
	RunID() string

	// CancelRequested reports whether a cancel request has been observed.
	// Cancellation is cooperative: in-flight activities finish and their
	// results are still recorded.
	CancelRequested() bool

	// Logger returns a workflow-aware logger. Lines emitted while
	// replaying an already-committed prefix are suppressed.
	Logger() Logger
}

// ActivityOptions override the registered activity spec for one invocation.
type ActivityOptions struct {
	// TaskQueue routes the activity to a different worker pool.
	TaskQueue string

	// Timeout is the start-to-close timeout for each attempt.
	Timeout time.Duration

	// RetryPolicy replaces the registered policy.
	RetryPolicy *activity.RetryPolicy
}

// Future represents the result of an asynchronous operation
type Future interface {
	// Get blocks (suspending the workflow if needed) until the result is
	// available and unmarshals it into valuePtr if non-nil.
	Get(valuePtr interface{}) error

	// IsReady returns true if the result is available
	IsReady() bool
}

// Logger provides structured logging for workflows
type Logger interface {
	Debug(msg string, keyvals ...interface{})
	Info(msg string, keyvals ...interface{})
	Warn(msg string, keyvals ...interface{})
	Error(msg string, keyvals ...interface{})
}

// Definition holds metadata about a workflow type
type Definition struct {
	Name        string
	Description string
	Version     string
	// Factory builds a fresh workflow value for each run or replay, so
	// per-run state never leaks between executions.
	Factory func() Workflow
	Options Options
}

// Options configure workflow execution behavior
type Options struct {
	// TaskQueue routes this workflow's turns and activities to the
	// workers polling that queue
	TaskQueue string
}
