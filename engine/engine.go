// Package engine implements the durable workflow engine: it owns the
// event log, drives replay turns, fires durable timers, and records
// activity outcomes reported by workers.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orderflow/orderflow/fault"
	"github.com/orderflow/orderflow/observability"
	"github.com/orderflow/orderflow/queue"
	"github.com/orderflow/orderflow/state"
	"github.com/orderflow/orderflow/workflow"
)

const (
	// DefaultTimerInterval is how often the due-timer scan runs.
	DefaultTimerInterval = 100 * time.Millisecond

	// dispatchRetryDelay is the backoff applied when a bounded queue
	// rejects an internal dispatch. The task is retried via a durable
	// retry timer rather than dropped.
	dispatchRetryDelay = time.Second

	signalSchemaVersion = 1
)

// Config configures an Engine.
type Config struct {
	Store     state.Store
	Queue     queue.Queue
	Workflows *workflow.Registry

	// Clock drives the due-timer scan. Defaults to the system clock.
	Clock Clock

	// TimerInterval is the due-timer scan period.
	TimerInterval time.Duration

	Hooks *observability.Hooks
}

// Engine coordinates workflow execution. It is safe for concurrent use;
// turns, signals, and recorded results for the same instance are
// serialized on a per-instance lock.
type Engine struct {
	store     state.Store
	queue     queue.Queue
	workflows *workflow.Registry
	clock     Clock
	interval  time.Duration
	hooks     *observability.Hooks

	locks  sync.Map // workflowID -> *sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates an engine and starts its timer scanner.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("engine: queue is required")
	}
	if cfg.Workflows == nil {
		return nil, fmt.Errorf("engine: workflow registry is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.TimerInterval <= 0 {
		cfg.TimerInterval = DefaultTimerInterval
	}

	e := &Engine{
		store:     cfg.Store,
		queue:     cfg.Queue,
		workflows: cfg.Workflows,
		clock:     cfg.Clock,
		interval:  cfg.TimerInterval,
		hooks:     cfg.Hooks,
		stopCh:    make(chan struct{}),
	}

	e.wg.Add(1)
	go e.timerLoop()

	return e, nil
}

// Stop halts the timer scanner. In-flight turns finish on their workers.
func (e *Engine) Stop() {
	e.once.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

func (e *Engine) lockInstance(workflowID string) func() {
	v, _ := e.locks.LoadOrStore(workflowID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// StartWorkflow creates a new workflow instance and enqueues its first
// turn. Starting an ID that already has a non-terminal instance is a
// conflict; a terminal instance is replaced by a fresh run.
func (e *Engine) StartWorkflow(ctx context.Context, workflowName, workflowID string, input json.RawMessage) (*state.WorkflowState, error) {
	def, err := e.workflows.Get(workflowName)
	if err != nil {
		return nil, fault.New(fault.KindNotFound, "workflow type %s is not registered", workflowName)
	}
	if len(input) > 0 && !json.Valid(input) {
		return nil, fault.New(fault.KindValidation, "workflow input is not valid JSON")
	}
	if workflowID == "" {
		workflowID = uuid.NewString()
	}

	unlock := e.lockInstance(workflowID)
	defer unlock()

	st := &state.WorkflowState{
		WorkflowID:   workflowID,
		RunID:        uuid.NewString(),
		WorkflowName: workflowName,
		TaskQueue:    def.Options.TaskQueue,
		Status:       state.StatusRunning,
		Input:        input,
		CreatedAt:    e.clock.Now().UTC(),
	}
	if err := e.store.CreateWorkflowState(ctx, st); err != nil {
		return nil, err
	}

	started := state.NewEvent(workflowID, state.EventWorkflowStarted, &state.WorkflowStartedData{
		WorkflowName: workflowName,
		RunID:        st.RunID,
		Input:        input,
		TaskQueue:    st.TaskQueue,
	})
	seq, err := e.store.AppendEvent(ctx, started)
	if err != nil {
		_ = e.store.DeleteWorkflow(ctx, workflowID)
		return nil, err
	}
	st.LastEventSeq = seq
	if err := e.store.SaveWorkflowState(ctx, st); err != nil {
		return nil, err
	}

	if err := e.queue.Enqueue(ctx, st.TaskQueue, queue.NewWorkflowTask(workflowID)); err != nil {
		// Backpressure at start surfaces to the caller; the half-created
		// instance is removed so the ID can be retried.
		_ = e.store.DeleteWorkflow(ctx, workflowID)
		return nil, err
	}

	e.hooks.SafeLog(ctx, "info", "workflow started", map[string]any{
		"workflow_id": workflowID, "workflow_name": workflowName, "task_queue": st.TaskQueue,
	})
	return st, nil
}

// SignalWorkflow appends a signal to a running instance's log and wakes
// it. Signals to terminal instances are rejected with a conflict.
func (e *Engine) SignalWorkflow(ctx context.Context, workflowID, name string, payload json.RawMessage) error {
	if name == "" {
		return fault.New(fault.KindValidation, "signal name is required")
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return fault.New(fault.KindValidation, "signal %s payload is not valid JSON", name)
	}

	unlock := e.lockInstance(workflowID)
	defer unlock()

	st, err := e.store.GetWorkflowState(ctx, workflowID)
	if err != nil {
		return err
	}
	if st.Status.IsTerminal() {
		return fault.New(fault.KindConflict, "workflow %s is %s and no longer accepts signals", workflowID, st.Status)
	}

	ev := state.NewEvent(workflowID, state.EventSignalReceived, &state.SignalReceivedData{
		Name:          name,
		SchemaVersion: signalSchemaVersion,
		Payload:       payload,
	})
	if err := e.commitEvent(ctx, st, ev); err != nil {
		return err
	}
	return e.notifyInstance(ctx, st)
}

// QueryWorkflow answers a read-only query by replaying the instance's
// log into a fresh workflow value and asking its query handler. No
// events are appended and no state is saved.
func (e *Engine) QueryWorkflow(ctx context.Context, workflowID, name string, args json.RawMessage) (interface{}, error) {
	unlock := e.lockInstance(workflowID)
	defer unlock()

	st, err := e.store.GetWorkflowState(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	def, err := e.workflows.Get(st.WorkflowName)
	if err != nil {
		return nil, fault.New(fault.KindNotFound, "workflow type %s is not registered", st.WorkflowName)
	}
	events, err := e.store.GetEvents(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	wf := def.Factory()
	handler, ok := wf.(workflow.QueryHandler)
	if !ok {
		return nil, fault.New(fault.KindValidation, "workflow %s does not support queries", st.WorkflowName)
	}

	rt := newRuntime(wf, st, events)
	rt.muteLogs()
	rt.run(st.Input)

	return handler.HandleQuery(name, args)
}

// CancelWorkflow requests cooperative cancellation. The instance decides
// how to wind down; in-flight activities are not interrupted.
func (e *Engine) CancelWorkflow(ctx context.Context, workflowID string) error {
	unlock := e.lockInstance(workflowID)
	defer unlock()

	st, err := e.store.GetWorkflowState(ctx, workflowID)
	if err != nil {
		return err
	}
	if st.Status.IsTerminal() {
		return fault.New(fault.KindConflict, "workflow %s is already %s", workflowID, st.Status)
	}

	ev := state.NewEvent(workflowID, state.EventWorkflowCancelRequested, nil)
	if err := e.commitEvent(ctx, st, ev); err != nil {
		return err
	}
	return e.notifyInstance(ctx, st)
}

// TerminateWorkflow forcibly closes an instance without running any of
// its code. Unlike cancellation there is no cleanup opportunity.
func (e *Engine) TerminateWorkflow(ctx context.Context, workflowID, reason string) error {
	unlock := e.lockInstance(workflowID)
	defer unlock()

	st, err := e.store.GetWorkflowState(ctx, workflowID)
	if err != nil {
		return err
	}
	if st.Status.IsTerminal() {
		return fault.New(fault.KindConflict, "workflow %s is already %s", workflowID, st.Status)
	}

	if reason == "" {
		reason = "terminated by operator"
	}
	ev := state.NewEvent(workflowID, state.EventWorkflowFailed, &state.WorkflowFailedData{
		ErrKind: string(fault.KindTerminated),
		Error:   reason,
	})
	if err := e.commitEvent(ctx, st, ev); err != nil {
		return err
	}

	now := e.clock.Now().UTC()
	st.Status = state.StatusTerminated
	st.Error = reason
	st.ErrorKind = string(fault.KindTerminated)
	st.ClosedAt = &now
	return e.store.SaveWorkflowState(ctx, st)
}

// DescribeWorkflow returns the instance header without replaying.
func (e *Engine) DescribeWorkflow(ctx context.Context, workflowID string) (*state.WorkflowState, error) {
	return e.store.GetWorkflowState(ctx, workflowID)
}

// GetWorkflowEvents returns the committed event log in order.
func (e *Engine) GetWorkflowEvents(ctx context.Context, workflowID string) ([]*state.Event, error) {
	if _, err := e.store.GetWorkflowState(ctx, workflowID); err != nil {
		return nil, err
	}
	return e.store.GetEvents(ctx, workflowID)
}

// ListWorkflows lists instance headers, optionally filtered by status.
func (e *Engine) ListWorkflows(ctx context.Context, status state.WorkflowStatus) ([]*state.WorkflowState, error) {
	return e.store.ListWorkflows(ctx, status)
}

// ProcessWorkflowTask advances an instance by one turn: replay the log
// from the beginning, commit any new decisions, and dispatch them.
func (e *Engine) ProcessWorkflowTask(ctx context.Context, workflowID string) error {
	started := time.Now()

	unlock := e.lockInstance(workflowID)
	defer unlock()

	st, err := e.store.GetWorkflowState(ctx, workflowID)
	if err != nil {
		return err
	}
	if st.Status.IsTerminal() {
		// Stale wakeup for a closed instance.
		return nil
	}
	def, err := e.workflows.Get(st.WorkflowName)
	if err != nil {
		return fault.New(fault.KindNotFound, "workflow type %s is not registered", st.WorkflowName)
	}
	events, err := e.store.GetEvents(ctx, workflowID)
	if err != nil {
		return err
	}

	rt := newRuntime(def.Factory(), st, events)
	res := rt.run(st.Input)

	for _, d := range rt.decisions {
		seq, err := e.store.AppendEvent(ctx, d.event)
		if err != nil {
			return err
		}
		st.LastEventSeq = seq
		if d.activity != nil {
			if err := e.dispatchActivity(ctx, workflowID, d.activity); err != nil {
				return err
			}
		}
		if d.timer != nil {
			rec := &state.TimerRecord{
				WorkflowID: workflowID,
				TimerID:    d.timer.TimerID,
				Kind:       state.TimerKindWorkflow,
				FireAt:     d.timer.FireAt,
			}
			if err := e.store.ScheduleTimer(ctx, rec); err != nil {
				return err
			}
		}
	}

	if res.suspended {
		st.LastReplaySeq = rt.boundary()
		if err := e.store.SaveWorkflowState(ctx, st); err != nil {
			return err
		}
		e.hooks.SafeWorkflowTurn(ctx, workflowID, true, len(rt.decisions), time.Since(started))
		return nil
	}

	// The body returned: the instance closes. Results arriving after this
	// point are dropped.
	now := e.clock.Now().UTC()
	if res.err != nil {
		kind := fault.KindOf(res.err)
		ev := state.NewEvent(workflowID, state.EventWorkflowFailed, &state.WorkflowFailedData{
			ErrKind: string(kind),
			Error:   res.err.Error(),
		})
		seq, aerr := e.store.AppendEvent(ctx, ev)
		if aerr != nil {
			return aerr
		}
		st.LastEventSeq = seq
		if kind == fault.KindCancelled {
			st.Status = state.StatusCancelled
		} else {
			st.Status = state.StatusFailed
		}
		st.Error = res.err.Error()
		st.ErrorKind = string(kind)
	} else {
		output, merr := marshalInput(res.output)
		if merr != nil {
			return fault.Wrap(fault.KindInternal, merr, "encode workflow output")
		}
		ev := state.NewEvent(workflowID, state.EventWorkflowCompleted, &state.WorkflowCompletedData{Output: output})
		seq, aerr := e.store.AppendEvent(ctx, ev)
		if aerr != nil {
			return aerr
		}
		st.LastEventSeq = seq
		st.Status = state.StatusCompleted
		st.Output = output
	}
	st.ClosedAt = &now
	st.LastReplaySeq = rt.boundary()
	if err := e.store.SaveWorkflowState(ctx, st); err != nil {
		return err
	}

	e.hooks.SafeWorkflowTurn(ctx, workflowID, false, len(rt.decisions), time.Since(started))
	e.hooks.SafeLog(ctx, "info", "workflow closed", map[string]any{
		"workflow_id": workflowID, "status": string(st.Status),
	})
	return nil
}

// RecordActivityCompleted commits an activity result and wakes the
// instance. Results for closed instances are dropped.
func (e *Engine) RecordActivityCompleted(ctx context.Context, workflowID, activityID string, output json.RawMessage) error {
	unlock := e.lockInstance(workflowID)
	defer unlock()

	st, err := e.store.GetWorkflowState(ctx, workflowID)
	if err != nil {
		return err
	}
	if st.Status.IsTerminal() {
		log.Printf("[Engine] dropping result for activity %s: workflow %s is %s", activityID, workflowID, st.Status)
		return nil
	}

	ev := state.NewEvent(workflowID, state.EventActivityCompleted, &state.ActivityCompletedData{
		ActivityID: activityID,
		Output:     output,
	})
	if err := e.commitEvent(ctx, st, ev); err != nil {
		return err
	}
	return e.notifyInstance(ctx, st)
}

// RecordActivityFailed commits a final activity failure and wakes the
// instance. The worker has already exhausted or ruled out retries.
func (e *Engine) RecordActivityFailed(ctx context.Context, workflowID, activityID string, kind fault.Kind, msg string, attempt int) error {
	unlock := e.lockInstance(workflowID)
	defer unlock()

	st, err := e.store.GetWorkflowState(ctx, workflowID)
	if err != nil {
		return err
	}
	if st.Status.IsTerminal() {
		log.Printf("[Engine] dropping failure for activity %s: workflow %s is %s", activityID, workflowID, st.Status)
		return nil
	}

	ev := state.NewEvent(workflowID, state.EventActivityFailed, &state.ActivityFailedData{
		ActivityID: activityID,
		ErrKind:    string(kind),
		Error:      msg,
		Attempt:    attempt,
	})
	if err := e.commitEvent(ctx, st, ev); err != nil {
		return err
	}
	return e.notifyInstance(ctx, st)
}

// ScheduleActivityRetry persists a durable backoff timer that re-enqueues
// the activity when it elapses. Retries survive restarts because they
// live in the timer store, not in a worker goroutine.
func (e *Engine) ScheduleActivityRetry(ctx context.Context, workflowID string, task *state.RetryTask, backoff time.Duration) error {
	rec := &state.TimerRecord{
		WorkflowID: workflowID,
		TimerID:    fmt.Sprintf("retry-%s-%d", task.ActivityID, task.Attempt),
		Kind:       state.TimerKindRetry,
		FireAt:     e.clock.Now().Add(backoff),
		Retry:      task,
	}
	return e.store.ScheduleTimer(ctx, rec)
}

// commitEvent appends ev under the caller-held instance lock and keeps
// the header's LastEventSeq current.
func (e *Engine) commitEvent(ctx context.Context, st *state.WorkflowState, ev *state.Event) error {
	seq, err := e.store.AppendEvent(ctx, ev)
	if err != nil {
		return err
	}
	st.LastEventSeq = seq
	return e.store.SaveWorkflowState(ctx, st)
}

// notifyInstance enqueues a wakeup turn for the instance.
func (e *Engine) notifyInstance(ctx context.Context, st *state.WorkflowState) error {
	err := e.queue.Enqueue(ctx, st.TaskQueue, queue.NewWorkflowTask(st.WorkflowID))
	if err != nil && fault.IsKind(err, fault.KindQueueFull) {
		// The event is committed; retry the wakeup via a durable timer so
		// the instance is not left asleep.
		rec := &state.TimerRecord{
			WorkflowID: st.WorkflowID,
			TimerID:    fmt.Sprintf("wake-%s", uuid.NewString()),
			Kind:       state.TimerKindWake,
			FireAt:     e.clock.Now().Add(dispatchRetryDelay),
		}
		if serr := e.store.ScheduleTimer(ctx, rec); serr == nil {
			return nil
		}
	}
	return err
}

// dispatchActivity records the invocation attempt and enqueues the task.
func (e *Engine) dispatchActivity(ctx context.Context, workflowID string, d *state.ActivityScheduledData) error {
	err := e.store.SaveActivityState(ctx, &state.ActivityState{
		ActivityID:   d.ActivityID,
		ActivityName: d.ActivityName,
		WorkflowID:   workflowID,
		Status:       state.ActivityRunning,
		Input:        d.Input,
		StartTime:    e.clock.Now().UTC(),
		Attempt:      1,
	})
	if err == nil {
		task := queue.NewActivityTask(workflowID, d.ActivityID, d.ActivityName, d.Input, 1)
		task.Timeout = d.Timeout
		task.Retry = d.Retry
		err = e.queue.Enqueue(ctx, d.TaskQueue, task)
	}
	if err != nil {
		// The scheduling decision is already in the log, so replay will
		// never re-issue it; every dispatch failure falls back to a durable
		// retry timer instead of leaving the instance parked.
		return e.ScheduleActivityRetry(ctx, workflowID, &state.RetryTask{
			ActivityID:   d.ActivityID,
			ActivityName: d.ActivityName,
			Input:        d.Input,
			TaskQueue:    d.TaskQueue,
			Attempt:      1,
			Timeout:      d.Timeout,
			Retry:        d.Retry,
		}, dispatchRetryDelay)
	}
	return nil
}

// timerLoop scans for due timers and fires them exactly once each.
func (e *Engine) timerLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.fireDueTimers(context.Background())
		}
	}
}

func (e *Engine) fireDueTimers(ctx context.Context) {
	due, err := e.store.ListDueTimers(ctx, e.clock.Now())
	if err != nil {
		log.Printf("[Engine] timer scan failed: %v", err)
		return
	}
	for _, rec := range due {
		fired, err := e.store.MarkTimerFired(ctx, rec.WorkflowID, rec.TimerID)
		if err != nil {
			log.Printf("[Engine] marking timer %s fired failed: %v", rec.TimerID, err)
			continue
		}
		if !fired {
			continue
		}
		if err := e.fireTimer(ctx, rec); err != nil {
			log.Printf("[Engine] firing timer %s for workflow %s failed: %v", rec.TimerID, rec.WorkflowID, err)
		}
	}
}

func (e *Engine) fireTimer(ctx context.Context, rec *state.TimerRecord) error {
	unlock := e.lockInstance(rec.WorkflowID)
	defer unlock()

	st, err := e.store.GetWorkflowState(ctx, rec.WorkflowID)
	if err != nil {
		return err
	}
	if st.Status.IsTerminal() {
		// Timers owned by closed instances fire into the void.
		return nil
	}

	switch rec.Kind {
	case state.TimerKindRetry:
		rt := rec.Retry
		if rt == nil {
			return fmt.Errorf("retry timer %s has no payload", rec.TimerID)
		}
		task := queue.NewActivityTask(rec.WorkflowID, rt.ActivityID, rt.ActivityName, rt.Input, rt.Attempt)
		task.Timeout = rt.Timeout
		task.Retry = rt.Retry
		if err := e.queue.Enqueue(ctx, rt.TaskQueue, task); err != nil {
			if fault.IsKind(err, fault.KindQueueFull) {
				// The original timer record is already marked fired, so the
				// re-schedule needs a fresh ID to be accepted by the store.
				redo := &state.TimerRecord{
					WorkflowID: rec.WorkflowID,
					TimerID:    fmt.Sprintf("%s-%s", rec.TimerID, uuid.NewString()[:8]),
					Kind:       state.TimerKindRetry,
					FireAt:     e.clock.Now().Add(dispatchRetryDelay),
					Retry:      rt,
				}
				return e.store.ScheduleTimer(ctx, redo)
			}
			return err
		}
		return nil

	case state.TimerKindWake:
		return e.notifyInstance(ctx, st)

	default:
		ev := state.NewEvent(rec.WorkflowID, state.EventTimerFired, &state.TimerFiredData{TimerID: rec.TimerID})
		if err := e.commitEvent(ctx, st, ev); err != nil {
			return err
		}
		e.hooks.SafeTimerFired(ctx, rec.WorkflowID, rec.TimerID)
		return e.notifyInstance(ctx, st)
	}
}
