package worker_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orderflow/orderflow/activity"
	"github.com/orderflow/orderflow/engine"
	"github.com/orderflow/orderflow/fault"
	"github.com/orderflow/orderflow/queue"
	"github.com/orderflow/orderflow/state"
	"github.com/orderflow/orderflow/worker"
	"github.com/orderflow/orderflow/workflow"
)

// callOne is a workflow that runs a single named activity and returns
// its error, so tests can observe how the worker classified the failure.
type callOne struct {
	activityName string
}

func (w callOne) Name() string { return "call-one" }

func (w callOne) Execute(ctx workflow.Context, input json.RawMessage) (interface{}, error) {
	var out interface{}
	if err := ctx.ExecuteActivity(w.activityName, nil).Get(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func newStack(t *testing.T, acts *activity.Registry) *engine.Engine {
	t.Helper()

	store := state.NewInMemoryStore()
	q := queue.NewInMemoryQueueWithOptions(queue.Options{
		VisibilityTimeout: 5 * time.Second,
	})

	reg := workflow.NewRegistry()
	for _, name := range acts.List() {
		activityName := name
		err := reg.Register(&workflow.Definition{
			Name:    "call-" + activityName,
			Factory: func() workflow.Workflow { return callOne{activityName: activityName} },
			Options: workflow.Options{TaskQueue: "default"},
		})
		if err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	eng, err := engine.New(engine.Config{
		Store:         store,
		Queue:         q,
		Workflows:     reg,
		TimerInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	w, err := worker.New(worker.Config{
		Engine:      eng,
		Queue:       q,
		Store:       store,
		Activities:  acts,
		TaskQueue:   "default",
		Concurrency: 2,
	})
	if err != nil {
		t.Fatalf("worker: %v", err)
	}
	w.Start()

	t.Cleanup(func() {
		w.Stop()
		eng.Stop()
		_ = q.Close()
	})
	return eng
}

func awaitClosed(t *testing.T, eng *engine.Engine, workflowID string, within time.Duration) *state.WorkflowState {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		st, err := eng.DescribeWorkflow(context.Background(), workflowID)
		if err == nil && st.Status.IsTerminal() {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("workflow %s never closed", workflowID)
	return nil
}

func TestWorker_SuccessRecordsCompletion(t *testing.T) {
	var invocations int64
	acts := activity.NewRegistry()
	_ = acts.Register("greet", activity.ActivityFunc(func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		atomic.AddInt64(&invocations, 1)
		return "hello", nil
	}), activity.Info{Timeout: time.Second})

	eng := newStack(t, acts)
	if _, err := eng.StartWorkflow(context.Background(), "call-greet", "wf-greet", nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	st := awaitClosed(t, eng, "wf-greet", 3*time.Second)
	if st.Status != state.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (error %q)", st.Status, st.Error)
	}
	var out string
	if err := json.Unmarshal(st.Output, &out); err != nil || out != "hello" {
		t.Fatalf("expected output %q, got %s (err %v)", "hello", st.Output, err)
	}
	if n := atomic.LoadInt64(&invocations); n != 1 {
		t.Fatalf("activity should run exactly once, ran %d times", n)
	}

	// The result lands in the log as a completion, never reclassified as
	// a failure of the attempt.
	evs, err := eng.GetWorkflowEvents(context.Background(), "wf-greet")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var completed bool
	for _, ev := range evs {
		switch ev.Type {
		case state.EventActivityCompleted:
			completed = true
		case state.EventActivityFailed:
			t.Fatalf("successful attempt logged activity_failed: %s", ev.Data)
		}
	}
	if !completed {
		t.Fatalf("expected an activity_completed event, log: %+v", evs)
	}
}

func TestWorker_TimeoutClassified(t *testing.T) {
	acts := activity.NewRegistry()
	_ = acts.Register("slow", activity.ActivityFunc(func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		select {
		case <-time.After(2 * time.Second):
			return "too late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}), activity.Info{
		Timeout:     50 * time.Millisecond,
		RetryPolicy: activity.NoRetry(),
	})

	eng := newStack(t, acts)
	if _, err := eng.StartWorkflow(context.Background(), "call-slow", "wf-slow", nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	st := awaitClosed(t, eng, "wf-slow", 3*time.Second)
	if st.Status != state.StatusFailed {
		t.Fatalf("expected FAILED, got %s", st.Status)
	}
	if st.ErrorKind != string(fault.KindTimeout) {
		t.Fatalf("deadline overruns should classify as Timeout, got %q", st.ErrorKind)
	}
}

func TestWorker_ValidationNeverRetried(t *testing.T) {
	var invocations int64
	acts := activity.NewRegistry()
	_ = acts.Register("reject", activity.ActivityFunc(func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		atomic.AddInt64(&invocations, 1)
		return nil, fault.New(fault.KindValidation, "bad input")
	}), activity.Info{
		Timeout:     time.Second,
		RetryPolicy: activity.DefaultRetryPolicy(),
	})

	eng := newStack(t, acts)
	if _, err := eng.StartWorkflow(context.Background(), "call-reject", "wf-reject", nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	st := awaitClosed(t, eng, "wf-reject", 3*time.Second)
	if st.Status != state.StatusFailed {
		t.Fatalf("expected FAILED, got %s", st.Status)
	}
	if st.ErrorKind != string(fault.KindValidation) {
		t.Fatalf("expected ValidationError, got %q", st.ErrorKind)
	}
	if n := atomic.LoadInt64(&invocations); n != 1 {
		t.Fatalf("validation failures must not retry, ran %d times", n)
	}
}
