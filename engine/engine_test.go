package engine_test

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

const testQueue = "default"

type env struct {
	store *state.InMemoryStore
	queue *queue.InMemoryQueue
	eng   *engine.Engine
}

func newEnv(t *testing.T, defs []*workflow.Definition, acts *activity.Registry, clock engine.Clock) *env {
	t.Helper()

	store := state.NewInMemoryStore()
	q := queue.NewInMemoryQueueWithOptions(queue.Options{
		VisibilityTimeout: 5 * time.Second,
	})

	reg := workflow.NewRegistry()
	for _, d := range defs {
		if err := reg.Register(d); err != nil {
			t.Fatalf("register workflow %s: %v", d.Name, err)
		}
	}
	if acts == nil {
		acts = activity.NewRegistry()
	}

	eng, err := engine.New(engine.Config{
		Store:         store,
		Queue:         q,
		Workflows:     reg,
		Clock:         clock,
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
		TaskQueue:   testQueue,
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
	return &env{store: store, queue: q, eng: eng}
}

func def(name string, factory func() workflow.Workflow) *workflow.Definition {
	return &workflow.Definition{
		Name:    name,
		Factory: factory,
		Options: workflow.Options{TaskQueue: testQueue},
	}
}

func awaitStatus(t *testing.T, eng *engine.Engine, workflowID string, want state.WorkflowStatus, within time.Duration) *state.WorkflowState {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		st, err := eng.DescribeWorkflow(context.Background(), workflowID)
		if err == nil && st.Status == want {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	st, _ := eng.DescribeWorkflow(context.Background(), workflowID)
	t.Fatalf("workflow %s never reached %s, last state: %+v", workflowID, want, st)
	return nil
}

func awaitEvent(t *testing.T, eng *engine.Engine, workflowID string, typ state.EventType, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		evs, err := eng.GetWorkflowEvents(context.Background(), workflowID)
		if err == nil {
			for _, ev := range evs {
				if ev.Type == typ {
					return
				}
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("workflow %s never logged %s", workflowID, typ)
}

// doubleThenGate runs one activity, then waits for a release signal. The
// shape exercises suspension, signal delivery, and replay over both.
type doubleThenGate struct {
	released bool
	value    int
}

func (w *doubleThenGate) Name() string { return "double-then-gate" }

func (w *doubleThenGate) Execute(ctx workflow.Context, input json.RawMessage) (interface{}, error) {
	var n int
	if err := json.Unmarshal(input, &n); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "decode input")
	}
	var doubled int
	if err := ctx.ExecuteActivity("double", n).Get(&doubled); err != nil {
		return nil, err
	}
	w.value = doubled
	if err := ctx.Await(func() bool { return w.released }); err != nil {
		return nil, err
	}
	return w.value, nil
}

func (w *doubleThenGate) HandleSignal(ctx workflow.Context, name string, payload json.RawMessage) {
	if name == "release" {
		w.released = true
	}
}

func (w *doubleThenGate) HandleQuery(name string, args json.RawMessage) (interface{}, error) {
	switch name {
	case "value":
		return w.value, nil
	}
	return nil, fault.New(fault.KindValidation, "unknown query %s", name)
}

// parked waits forever; only cancel or terminate can close it.
type parked struct{}

func (parked) Name() string { return "parked" }

func (parked) Execute(ctx workflow.Context, input json.RawMessage) (interface{}, error) {
	if err := ctx.Await(func() bool { return false }); err != nil {
		return nil, err
	}
	return nil, nil
}

func TestEngine_ActivityThenSignal_Completes(t *testing.T) {
	var invocations int64
	acts := activity.NewRegistry()
	_ = acts.Register("double", activity.Typed(func(ctx context.Context, n int) (interface{}, error) {
		atomic.AddInt64(&invocations, 1)
		return n * 2, nil
	}), activity.Info{Timeout: 5 * time.Second})

	e := newEnv(t, []*workflow.Definition{
		def("double-then-gate", func() workflow.Workflow { return &doubleThenGate{} }),
	}, acts, nil)
	ctx := context.Background()

	st, err := e.eng.StartWorkflow(ctx, "double-then-gate", "wf-1", json.RawMessage(`21`))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if st.Status != state.StatusRunning {
		t.Fatalf("expected RUNNING, got %s", st.Status)
	}

	// The activity result must be in the log before the signal matters.
	awaitEvent(t, e.eng, "wf-1", state.EventActivityCompleted, 3*time.Second)

	if err := e.eng.SignalWorkflow(ctx, "wf-1", "release", nil); err != nil {
		t.Fatalf("signal: %v", err)
	}
	final := awaitStatus(t, e.eng, "wf-1", state.StatusCompleted, 3*time.Second)

	var out int
	if err := json.Unmarshal(final.Output, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out != 42 {
		t.Fatalf("expected output 42, got %d", out)
	}
	// Replay re-executes the body on every turn; the activity itself runs once.
	if n := atomic.LoadInt64(&invocations); n != 1 {
		t.Fatalf("activity should run exactly once, ran %d times", n)
	}

	evs, err := e.eng.GetWorkflowEvents(ctx, "wf-1")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if evs[0].Type != state.EventWorkflowStarted {
		t.Fatalf("first event should be workflow_started, got %s", evs[0].Type)
	}
	if evs[len(evs)-1].Type != state.EventWorkflowCompleted {
		t.Fatalf("last event should be workflow_completed, got %s", evs[len(evs)-1].Type)
	}
	for i, ev := range evs {
		if ev.SequenceNum != int64(i+1) {
			t.Fatalf("sequence numbers must be dense, event %d has seq %d", i, ev.SequenceNum)
		}
	}
}

func TestEngine_StartWorkflow_DuplicateIDConflict(t *testing.T) {
	e := newEnv(t, []*workflow.Definition{
		def("parked", func() workflow.Workflow { return parked{} }),
	}, nil, nil)
	ctx := context.Background()

	if _, err := e.eng.StartWorkflow(ctx, "parked", "wf-dup", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := e.eng.StartWorkflow(ctx, "parked", "wf-dup", nil)
	if !fault.IsKind(err, fault.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestEngine_StartWorkflow_UnknownType(t *testing.T) {
	e := newEnv(t, nil, nil, nil)
	_, err := e.eng.StartWorkflow(context.Background(), "no-such-workflow", "", nil)
	if !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEngine_SignalAfterClose_Conflict(t *testing.T) {
	acts := activity.NewRegistry()
	_ = acts.Register("double", activity.Typed(func(ctx context.Context, n int) (interface{}, error) {
		return n * 2, nil
	}), activity.Info{Timeout: 5 * time.Second})

	e := newEnv(t, []*workflow.Definition{
		def("double-then-gate", func() workflow.Workflow { return &doubleThenGate{} }),
	}, acts, nil)
	ctx := context.Background()

	if _, err := e.eng.StartWorkflow(ctx, "double-then-gate", "wf-closed", json.RawMessage(`1`)); err != nil {
		t.Fatalf("start: %v", err)
	}
	awaitEvent(t, e.eng, "wf-closed", state.EventActivityCompleted, 3*time.Second)
	if err := e.eng.SignalWorkflow(ctx, "wf-closed", "release", nil); err != nil {
		t.Fatalf("signal: %v", err)
	}
	awaitStatus(t, e.eng, "wf-closed", state.StatusCompleted, 3*time.Second)

	err := e.eng.SignalWorkflow(ctx, "wf-closed", "release", nil)
	if !fault.IsKind(err, fault.KindConflict) {
		t.Fatalf("expected conflict for signal after close, got %v", err)
	}
}

func TestEngine_Query_ReadOnly(t *testing.T) {
	acts := activity.NewRegistry()
	_ = acts.Register("double", activity.Typed(func(ctx context.Context, n int) (interface{}, error) {
		return n * 2, nil
	}), activity.Info{Timeout: 5 * time.Second})

	e := newEnv(t, []*workflow.Definition{
		def("double-then-gate", func() workflow.Workflow { return &doubleThenGate{} }),
	}, acts, nil)
	ctx := context.Background()

	if _, err := e.eng.StartWorkflow(ctx, "double-then-gate", "wf-q", json.RawMessage(`5`)); err != nil {
		t.Fatalf("start: %v", err)
	}
	awaitEvent(t, e.eng, "wf-q", state.EventActivityCompleted, 3*time.Second)
	// Let the wakeup turn commit before counting events.
	time.Sleep(100 * time.Millisecond)

	before, _ := e.eng.GetWorkflowEvents(ctx, "wf-q")

	got, err := e.eng.QueryWorkflow(ctx, "wf-q", "value", nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if v, ok := got.(int); !ok || v != 10 {
		t.Fatalf("expected query value 10, got %v", got)
	}

	after, _ := e.eng.GetWorkflowEvents(ctx, "wf-q")
	if len(after) != len(before) {
		t.Fatalf("query must not append events: before=%d after=%d", len(before), len(after))
	}
	st, _ := e.eng.DescribeWorkflow(ctx, "wf-q")
	if st.Status != state.StatusRunning {
		t.Fatalf("query must not change status, got %s", st.Status)
	}
}

func TestEngine_Cancel_CooperativeClose(t *testing.T) {
	e := newEnv(t, []*workflow.Definition{
		def("parked", func() workflow.Workflow { return parked{} }),
	}, nil, nil)
	ctx := context.Background()

	if _, err := e.eng.StartWorkflow(ctx, "parked", "wf-cancel", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.eng.CancelWorkflow(ctx, "wf-cancel"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	st := awaitStatus(t, e.eng, "wf-cancel", state.StatusCancelled, 3*time.Second)
	if st.ErrorKind != string(fault.KindCancelled) {
		t.Fatalf("expected cancelled error kind, got %q", st.ErrorKind)
	}

	err := e.eng.CancelWorkflow(ctx, "wf-cancel")
	if !fault.IsKind(err, fault.KindConflict) {
		t.Fatalf("second cancel should conflict, got %v", err)
	}
}

func TestEngine_Terminate(t *testing.T) {
	e := newEnv(t, []*workflow.Definition{
		def("parked", func() workflow.Workflow { return parked{} }),
	}, nil, nil)
	ctx := context.Background()

	if _, err := e.eng.StartWorkflow(ctx, "parked", "wf-term", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.eng.TerminateWorkflow(ctx, "wf-term", "stuck"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	st, err := e.eng.DescribeWorkflow(ctx, "wf-term")
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if st.Status != state.StatusTerminated {
		t.Fatalf("expected TERMINATED, got %s", st.Status)
	}
	if st.Error != "stuck" {
		t.Fatalf("expected reason recorded, got %q", st.Error)
	}

	err = e.eng.TerminateWorkflow(ctx, "wf-term", "again")
	if !fault.IsKind(err, fault.KindConflict) {
		t.Fatalf("second terminate should conflict, got %v", err)
	}
}

func TestEngine_ActivityRetry_TransientThenSuccess(t *testing.T) {
	var attempts int64
	acts := activity.NewRegistry()
	_ = acts.Register("flaky", activity.Typed(func(ctx context.Context, _ struct{}) (interface{}, error) {
		if atomic.AddInt64(&attempts, 1) < 3 {
			return nil, fault.New(fault.KindTransient, "try again")
		}
		return "ok", nil
	}), activity.Info{
		Timeout: 5 * time.Second,
		RetryPolicy: &activity.RetryPolicy{
			MaxAttempts:        3,
			InitialInterval:    20 * time.Millisecond,
			BackoffCoefficient: 1.0,
			MaxInterval:        20 * time.Millisecond,
		},
	})

	flakyOnce := workflow.Workflow(workflowFunc{
		name: "flaky-once",
		body: func(ctx workflow.Context, input json.RawMessage) (interface{}, error) {
			var out string
			if err := ctx.ExecuteActivity("flaky", struct{}{}).Get(&out); err != nil {
				return nil, err
			}
			return out, nil
		},
	})

	e := newEnv(t, []*workflow.Definition{
		def("flaky-once", func() workflow.Workflow { return flakyOnce }),
	}, acts, nil)
	ctx := context.Background()

	if _, err := e.eng.StartWorkflow(ctx, "flaky-once", "wf-retry", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	awaitStatus(t, e.eng, "wf-retry", state.StatusCompleted, 5*time.Second)
	if n := atomic.LoadInt64(&attempts); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}

	// Final failures per attempt are not in the log; only the eventual
	// completion is.
	evs, _ := e.eng.GetWorkflowEvents(ctx, "wf-retry")
	for _, ev := range evs {
		if ev.Type == state.EventActivityFailed {
			t.Fatalf("retried attempts must not log activity_failed")
		}
	}
}

func TestEngine_UnregisteredActivity_FailsWorkflow(t *testing.T) {
	wantsMissing := workflow.Workflow(workflowFunc{
		name: "wants-missing",
		body: func(ctx workflow.Context, input json.RawMessage) (interface{}, error) {
			if err := ctx.ExecuteActivity("no-such-activity", nil).Get(nil); err != nil {
				return nil, err
			}
			return nil, nil
		},
	})

	e := newEnv(t, []*workflow.Definition{
		def("wants-missing", func() workflow.Workflow { return wantsMissing }),
	}, activity.NewRegistry(), nil)
	ctx := context.Background()

	if _, err := e.eng.StartWorkflow(ctx, "wants-missing", "wf-missing", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	st := awaitStatus(t, e.eng, "wf-missing", state.StatusFailed, 3*time.Second)
	if st.ErrorKind != string(fault.KindUnregistered) {
		t.Fatalf("expected unregistered error kind, got %q", st.ErrorKind)
	}
}

func TestEngine_DurableTimer_FakeClock(t *testing.T) {
	clock := engine.NewFakeClock()

	sleeper := workflow.Workflow(workflowFunc{
		name: "sleeper",
		body: func(ctx workflow.Context, input json.RawMessage) (interface{}, error) {
			if err := ctx.Sleep(time.Hour); err != nil {
				return nil, err
			}
			return "woke", nil
		},
	})

	e := newEnv(t, []*workflow.Definition{
		def("sleeper", func() workflow.Workflow { return sleeper }),
	}, nil, clock)
	ctx := context.Background()

	if _, err := e.eng.StartWorkflow(ctx, "sleeper", "wf-sleep", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	awaitEvent(t, e.eng, "wf-sleep", state.EventTimerStarted, 3*time.Second)

	// Nothing happens at real-time speed.
	time.Sleep(100 * time.Millisecond)
	st, _ := e.eng.DescribeWorkflow(ctx, "wf-sleep")
	if st.Status != state.StatusRunning {
		t.Fatalf("timer should not fire before the clock advances, got %s", st.Status)
	}

	clock.Advance(2 * time.Hour)
	final := awaitStatus(t, e.eng, "wf-sleep", state.StatusCompleted, 3*time.Second)
	awaitEvent(t, e.eng, "wf-sleep", state.EventTimerFired, time.Second)

	// Header timestamps follow the same clock as the timers.
	if final.ClosedAt == nil {
		t.Fatalf("completed workflow has no close time")
	}
	if lived := final.ClosedAt.Sub(final.CreatedAt); lived < time.Hour {
		t.Fatalf("close time should reflect the advanced clock, lived %s", lived)
	}
}

// flakyActivityStateStore fails the first SaveActivityState call and
// behaves normally afterwards.
type flakyActivityStateStore struct {
	state.Store
	tripped int32
}

func (s *flakyActivityStateStore) SaveActivityState(ctx context.Context, st *state.ActivityState) error {
	if atomic.CompareAndSwapInt32(&s.tripped, 0, 1) {
		return fault.New(fault.KindTransient, "store blip")
	}
	return s.Store.SaveActivityState(ctx, st)
}

func TestEngine_DispatchFailureFallsBackToRetryTimer(t *testing.T) {
	store := &flakyActivityStateStore{Store: state.NewInMemoryStore()}
	q := queue.NewInMemoryQueueWithOptions(queue.Options{
		VisibilityTimeout: 5 * time.Second,
	})

	acts := activity.NewRegistry()
	_ = acts.Register("double", activity.Typed(func(ctx context.Context, n int) (interface{}, error) {
		return n * 2, nil
	}), activity.Info{Timeout: 5 * time.Second})

	doubleOnce := workflow.Workflow(workflowFunc{
		name: "double-once",
		body: func(ctx workflow.Context, input json.RawMessage) (interface{}, error) {
			var out int
			if err := ctx.ExecuteActivity("double", 21).Get(&out); err != nil {
				return nil, err
			}
			return out, nil
		},
	})

	reg := workflow.NewRegistry()
	if err := reg.Register(def("double-once", func() workflow.Workflow { return doubleOnce })); err != nil {
		t.Fatalf("register: %v", err)
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
		TaskQueue:   testQueue,
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

	ctx := context.Background()
	if _, err := eng.StartWorkflow(ctx, "double-once", "wf-blip", nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	// The scheduling decision is committed even though the first dispatch
	// hits the store blip; the retry timer re-issues the task and the run
	// still completes.
	final := awaitStatus(t, eng, "wf-blip", state.StatusCompleted, 5*time.Second)
	var out int
	if err := json.Unmarshal(final.Output, &out); err != nil || out != 42 {
		t.Fatalf("expected output 42, got %s (err %v)", final.Output, err)
	}
}

// workflowFunc adapts a closure into a stateless workflow type for tests.
type workflowFunc struct {
	name string
	body func(ctx workflow.Context, input json.RawMessage) (interface{}, error)
}

func (w workflowFunc) Name() string { return w.name }

func (w workflowFunc) Execute(ctx workflow.Context, input json.RawMessage) (interface{}, error) {
	return w.body(ctx, input)
}
