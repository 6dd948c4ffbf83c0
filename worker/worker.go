// Package worker hosts the poll loops that execute workflow turns and
// activity invocations for a task queue.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/orderflow/orderflow/activity"
	"github.com/orderflow/orderflow/engine"
	"github.com/orderflow/orderflow/fault"
	"github.com/orderflow/orderflow/observability"
	"github.com/orderflow/orderflow/queue"
	"github.com/orderflow/orderflow/state"
)

const (
	// DefaultConcurrency is the number of poll goroutines per worker.
	DefaultConcurrency = 4

	pollTimeout = 250 * time.Millisecond
)

// Config configures a Worker.
type Config struct {
	Engine     *engine.Engine
	Queue      queue.Queue
	Store      state.Store
	Activities *activity.Registry

	// TaskQueue is the queue this worker polls. Activity bindings are
	// per queue: the same activity name may resolve differently on
	// different queues.
	TaskQueue string

	Concurrency int
	Hooks       *observability.Hooks
}

// Worker polls one task queue and dispatches workflow turns to the
// engine and activity invocations to the registered activities.
type Worker struct {
	engine     *engine.Engine
	queue      queue.Queue
	store      state.Store
	activities *activity.Registry
	taskQueue  string
	conc       int
	hooks      *observability.Hooks

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a worker for the given task queue.
func New(cfg Config) (*Worker, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("worker: engine is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("worker: queue is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("worker: store is required")
	}
	if cfg.Activities == nil {
		return nil, fmt.Errorf("worker: activity registry is required")
	}
	if cfg.TaskQueue == "" {
		return nil, fmt.Errorf("worker: task queue is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Worker{
		engine:     cfg.Engine,
		queue:      cfg.Queue,
		store:      cfg.Store,
		activities: cfg.Activities,
		taskQueue:  cfg.TaskQueue,
		conc:       cfg.Concurrency,
		hooks:      cfg.Hooks,
		stopCh:     make(chan struct{}),
	}, nil
}

// Start launches the poll goroutines.
func (w *Worker) Start() {
	for i := 0; i < w.conc; i++ {
		w.wg.Add(1)
		go w.pollLoop()
	}
	log.Printf("[Worker] polling %s with %d goroutines", w.taskQueue, w.conc)
}

// Stop signals the poll loops to exit and waits for in-flight tasks.
func (w *Worker) Stop() {
	w.once.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Worker) pollLoop() {
	defer w.wg.Done()
	ctx := context.Background()

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		task, err := w.queue.DequeueWithTimeout(ctx, w.taskQueue, pollTimeout)
		if err != nil {
			log.Printf("[Worker] dequeue from %s failed: %v", w.taskQueue, err)
			continue
		}
		if task == nil {
			// Empty poll window.
			continue
		}
		w.handleTask(ctx, task)
	}
}

func (w *Worker) handleTask(ctx context.Context, task *queue.Task) {
	switch task.Type {
	case queue.TaskTypeWorkflow:
		if err := w.engine.ProcessWorkflowTask(ctx, task.WorkflowID); err != nil {
			log.Printf("[Worker] workflow turn for %s failed: %v", task.WorkflowID, err)
			// Transient turn failures (store or queue hiccups) are
			// redelivered; the replay itself is idempotent.
			_ = w.queue.Nack(ctx, w.taskQueue, task.ID, fault.KindOf(err) != fault.KindNonDeterministic)
			return
		}
		_ = w.queue.Ack(ctx, w.taskQueue, task.ID)

	case queue.TaskTypeActivity:
		w.executeActivity(ctx, task)
		_ = w.queue.Ack(ctx, w.taskQueue, task.ID)

	default:
		log.Printf("[Worker] dropping task %s with unknown type %q", task.ID, task.Type)
		_ = w.queue.Ack(ctx, w.taskQueue, task.ID)
	}
}

// executeActivity runs one attempt. Failures are either retried through
// a durable backoff timer or recorded as final; either way the outcome
// reaches the log through the engine, never through the queue.
func (w *Worker) executeActivity(ctx context.Context, task *queue.Task) {
	reg, err := w.activities.Get(task.ActivityName)
	if err != nil {
		// Unknown name on this queue: fail without invoking anything so
		// the workflow sees a deterministic error instead of a hang.
		w.recordFailure(ctx, task, fault.KindUnregistered,
			fmt.Sprintf("activity %s is not registered on queue %s", task.ActivityName, w.taskQueue))
		return
	}

	timeout := reg.Info.Timeout
	if task.Timeout > 0 {
		timeout = task.Timeout
	}
	policy := reg.Info.RetryPolicy
	if task.Retry != nil {
		policy = task.Retry
	}

	w.saveActivityState(ctx, task, state.ActivityRunning, nil, nil)
	w.hooks.SafeActivityStart(ctx, task.WorkflowID, task.ActivityName, task.Attempt)
	started := time.Now()

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	result, execErr := reg.Activity.Execute(attemptCtx, task.Input)
	// Err must be read before cancel: cancel makes it non-nil even for
	// attempts that finished well inside the deadline.
	ctxErr := attemptCtx.Err()
	cancel()

	if execErr == nil && errors.Is(ctxErr, context.DeadlineExceeded) {
		execErr = ctxErr
	}

	if execErr != nil {
		kind := fault.KindOf(execErr)
		if errors.Is(execErr, context.DeadlineExceeded) {
			kind = fault.KindTimeout
			execErr = fault.New(fault.KindTimeout, "activity %s exceeded its %s timeout", task.ActivityName, timeout)
		}

		if policy.IsRetryable(execErr) && task.Attempt < policy.MaxAttempts {
			backoff := policy.BackoffForAttempt(task.Attempt)
			w.saveActivityState(ctx, task, state.ActivityRetrying, nil, execErr)
			w.hooks.SafeActivityRetry(ctx, task.WorkflowID, task.ActivityName, task.Attempt, backoff, execErr)
			retry := &state.RetryTask{
				ActivityID:   task.ActivityID,
				ActivityName: task.ActivityName,
				Input:        task.Input,
				TaskQueue:    w.taskQueue,
				Attempt:      task.Attempt + 1,
				Timeout:      task.Timeout,
				Retry:        task.Retry,
			}
			if err := w.engine.ScheduleActivityRetry(ctx, task.WorkflowID, retry, backoff); err != nil {
				log.Printf("[Worker] scheduling retry for activity %s failed: %v", task.ActivityID, err)
				w.recordFailure(ctx, task, kind, execErr.Error())
			}
			return
		}

		w.hooks.SafeActivityFailed(ctx, task.WorkflowID, task.ActivityName, task.Attempt, execErr)
		w.recordFailure(ctx, task, kind, execErr.Error())
		return
	}

	output, merr := marshalResult(result)
	if merr != nil {
		w.recordFailure(ctx, task, fault.KindInternal, fmt.Sprintf("encode activity output: %v", merr))
		return
	}

	w.saveActivityState(ctx, task, state.ActivityCompleted, output, nil)
	w.hooks.SafeActivityComplete(ctx, task.WorkflowID, task.ActivityName, task.Attempt, time.Since(started))
	if err := w.engine.RecordActivityCompleted(ctx, task.WorkflowID, task.ActivityID, output); err != nil {
		log.Printf("[Worker] recording result for activity %s failed: %v", task.ActivityID, err)
	}
}

func (w *Worker) recordFailure(ctx context.Context, task *queue.Task, kind fault.Kind, msg string) {
	w.saveActivityState(ctx, task, state.ActivityFailed, nil, fault.New(kind, "%s", msg))
	if err := w.engine.RecordActivityFailed(ctx, task.WorkflowID, task.ActivityID, kind, msg, task.Attempt); err != nil {
		log.Printf("[Worker] recording failure for activity %s failed: %v", task.ActivityID, err)
	}
}

func (w *Worker) saveActivityState(ctx context.Context, task *queue.Task, status state.ActivityStatus, output json.RawMessage, execErr error) {
	st := &state.ActivityState{
		ActivityID:   task.ActivityID,
		ActivityName: task.ActivityName,
		WorkflowID:   task.WorkflowID,
		Status:       status,
		Input:        task.Input,
		Output:       output,
		StartTime:    time.Now().UTC(),
		Attempt:      task.Attempt,
	}
	if execErr != nil {
		st.Error = execErr.Error()
		st.ErrorKind = string(fault.KindOf(execErr))
	}
	if status == state.ActivityCompleted || status == state.ActivityFailed {
		now := time.Now().UTC()
		st.EndTime = &now
	}
	if err := w.store.SaveActivityState(ctx, st); err != nil {
		log.Printf("[Worker] saving state for activity %s failed: %v", task.ActivityID, err)
	}
}

func marshalResult(result interface{}) (json.RawMessage, error) {
	if result == nil {
		return nil, nil
	}
	if raw, ok := result.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(result)
}
