package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/orderflow/orderflow/fault"
	"github.com/orderflow/orderflow/state"
	"github.com/orderflow/orderflow/workflow"
)

// suspendSignal unwinds the workflow call stack when the code awaits
// something that is not yet in the log. The turn ends; the instance is
// resumed by a fresh replay once the awaited event is committed.
type suspendSignal struct{}

// ndSignal unwinds the stack when replay diverges from the recorded
// decisions. Fatal to the instance.
type ndSignal struct{ msg string }

// activityOutcome is a recorded activity result observed during replay.
type activityOutcome struct {
	output  json.RawMessage
	failed  bool
	errKind string
	errMsg  string
}

// runtime implements workflow.Context for one turn. A turn re-executes the
// workflow code from the beginning, feeding it recorded events in log
// order (fold-left over the log); code past the end of the log produces
// new decisions and then suspends.
type runtime struct {
	context.Context
	workflowID string
	runID      string
	taskQueue  string
	wf         workflow.Workflow

	events          []*state.Event
	cursor          int
	logicalNow      time.Time
	lastConsumedSeq int64
	// replayBoundary is the first sequence number this instance's code has
	// never observed. Log lines emitted below it are replay duplicates.
	replayBoundary int64

	cancelRequested bool

	nextActivity int
	nextTimer    int

	scheduledInLog map[string]*state.ActivityScheduledData
	timersInLog    map[string]*state.TimerStartedData
	completions    map[string]*activityOutcome
	firedTimers    map[string]bool

	decisions []*decision
}

// decision is a new event produced by this turn, plus what to do once it
// is committed.
type decision struct {
	event    *state.Event
	activity *state.ActivityScheduledData
	timer    *state.TimerStartedData
}

// turnResult is the outcome of driving one workflow turn.
type turnResult struct {
	suspended bool
	output    interface{}
	err       error
}

func newRuntime(wf workflow.Workflow, st *state.WorkflowState, events []*state.Event) *runtime {
	rt := &runtime{
		Context:        context.Background(),
		workflowID:     st.WorkflowID,
		runID:          st.RunID,
		taskQueue:      st.TaskQueue,
		wf:             wf,
		events:         events,
		replayBoundary: st.LastReplaySeq,
		nextActivity:   1,
		nextTimer:      1,
		scheduledInLog: make(map[string]*state.ActivityScheduledData),
		timersInLog:    make(map[string]*state.TimerStartedData),
		completions:    make(map[string]*activityOutcome),
		firedTimers:    make(map[string]bool),
	}
	if len(events) > 0 {
		rt.logicalNow = events[0].Timestamp
	}
	// Decisions from prior turns are indexed up front; only observations
	// (results, signals, timers, cancellation) are consumed by the forward
	// scan, so they are applied in commit order.
	for _, ev := range events {
		switch ev.Type {
		case state.EventActivityScheduled:
			var d state.ActivityScheduledData
			if err := ev.DecodeData(&d); err == nil {
				rt.scheduledInLog[d.ActivityID] = &d
			}
		case state.EventTimerStarted:
			var d state.TimerStartedData
			if err := ev.DecodeData(&d); err == nil {
				rt.timersInLog[d.TimerID] = &d
			}
		}
	}
	return rt
}

// run drives the workflow body for one turn.
func (rt *runtime) run(input json.RawMessage) (res turnResult) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case suspendSignal:
				res.suspended = true
			case ndSignal:
				res.err = fault.New(fault.KindNonDeterministic, "%s", v.msg)
			default:
				res.err = fault.New(fault.KindInternal, "workflow panicked: %v", v)
			}
		}
	}()

	output, err := rt.wf.Execute(rt, input)
	if err != nil {
		res.err = err
		return res
	}
	res.output = output
	return res
}

// suspend ends the current turn.
func (rt *runtime) suspend() {
	panic(suspendSignal{})
}

// consumeNext applies the next committed event, if any, to in-memory state.
func (rt *runtime) consumeNext() bool {
	if rt.cursor >= len(rt.events) {
		return false
	}
	ev := rt.events[rt.cursor]
	rt.cursor++
	rt.logicalNow = ev.Timestamp
	rt.lastConsumedSeq = ev.SequenceNum

	switch ev.Type {
	case state.EventSignalReceived:
		var d state.SignalReceivedData
		if err := ev.DecodeData(&d); err != nil {
			return true
		}
		if h, ok := rt.wf.(workflow.SignalHandler); ok {
			h.HandleSignal(rt, d.Name, d.Payload)
		}
	case state.EventActivityCompleted:
		var d state.ActivityCompletedData
		if err := ev.DecodeData(&d); err == nil {
			rt.completions[d.ActivityID] = &activityOutcome{output: d.Output}
		}
	case state.EventActivityFailed:
		var d state.ActivityFailedData
		if err := ev.DecodeData(&d); err == nil {
			rt.completions[d.ActivityID] = &activityOutcome{failed: true, errKind: d.ErrKind, errMsg: d.Error}
		}
	case state.EventTimerFired:
		var d state.TimerFiredData
		if err := ev.DecodeData(&d); err == nil {
			rt.firedTimers[d.TimerID] = true
		}
	case state.EventWorkflowCancelRequested:
		rt.cancelRequested = true
	}
	return true
}

// ---------- workflow.Context ----------

// ExecuteActivity implements workflow.Context
func (rt *runtime) ExecuteActivity(name string, input interface{}) workflow.Future {
	return rt.ExecuteActivityWithOptions(name, input, workflow.ActivityOptions{})
}

// ExecuteActivityWithOptions implements workflow.Context
func (rt *runtime) ExecuteActivityWithOptions(name string, input interface{}, opts workflow.ActivityOptions) workflow.Future {
	id := fmt.Sprintf("act-%d", rt.nextActivity)
	rt.nextActivity++

	if prior, ok := rt.scheduledInLog[id]; ok {
		if prior.ActivityName != name {
			panic(ndSignal{msg: fmt.Sprintf(
				"replay scheduled activity %q as %s but log records %q", name, id, prior.ActivityName)})
		}
		return &activityFuture{rt: rt, id: id}
	}

	raw, err := marshalInput(input)
	if err != nil {
		return &failedFuture{err: fault.Wrap(fault.KindValidation, err, "encode input for activity %s", name)}
	}

	taskQueue := opts.TaskQueue
	if taskQueue == "" {
		taskQueue = rt.taskQueue
	}
	data := &state.ActivityScheduledData{
		ActivityID:   id,
		ActivityName: name,
		Input:        raw,
		TaskQueue:    taskQueue,
		Timeout:      opts.Timeout,
		Retry:        opts.RetryPolicy,
	}
	rt.scheduledInLog[id] = data
	rt.decisions = append(rt.decisions, &decision{
		event:    state.NewEvent(rt.workflowID, state.EventActivityScheduled, data),
		activity: data,
	})

	return &activityFuture{rt: rt, id: id}
}

// NewTimer implements workflow.Context
func (rt *runtime) NewTimer(d time.Duration) workflow.Future {
	return &timerFuture{rt: rt, id: rt.startTimer(d)}
}

func (rt *runtime) startTimer(d time.Duration) string {
	id := fmt.Sprintf("tm-%d", rt.nextTimer)
	rt.nextTimer++

	if _, ok := rt.timersInLog[id]; !ok {
		data := &state.TimerStartedData{TimerID: id, FireAt: rt.logicalNow.Add(d)}
		rt.timersInLog[id] = data
		rt.decisions = append(rt.decisions, &decision{
			event: state.NewEvent(rt.workflowID, state.EventTimerStarted, data),
			timer: data,
		})
	}
	return id
}

// Sleep implements workflow.Context
func (rt *runtime) Sleep(d time.Duration) error {
	_, err := rt.AwaitWithTimeout(d, func() bool { return false })
	return err
}

// Await implements workflow.Context
func (rt *runtime) Await(pred func() bool) error {
	for {
		if pred() {
			return nil
		}
		if rt.cancelRequested {
			return fault.New(fault.KindCancelled, "workflow cancel requested")
		}
		if !rt.consumeNext() {
			rt.suspend()
		}
	}
}

// AwaitWithTimeout implements workflow.Context
func (rt *runtime) AwaitWithTimeout(d time.Duration, pred func() bool) (bool, error) {
	timerID := rt.startTimer(d)
	for {
		if pred() {
			return true, nil
		}
		if rt.firedTimers[timerID] {
			return false, nil
		}
		if rt.cancelRequested {
			return false, fault.New(fault.KindCancelled, "workflow cancel requested")
		}
		if !rt.consumeNext() {
			rt.suspend()
		}
	}
}

// Now implements workflow.Context
func (rt *runtime) Now() time.Time {
	return rt.logicalNow
}

// WorkflowID implements workflow.Context
func (rt *runtime) WorkflowID() string {
	return rt.workflowID
}

// RunID implements workflow.Context
func (rt *runtime) RunID() string {
	return rt.runID
}

// CancelRequested implements workflow.Context
func (rt *runtime) CancelRequested() bool {
	return rt.cancelRequested
}

// Logger implements workflow.Context
func (rt *runtime) Logger() workflow.Logger {
	return &replayLogger{rt: rt}
}

// boundary returns the watermark the header should carry after this turn.
func (rt *runtime) boundary() int64 {
	b := rt.lastConsumedSeq + 1
	if b < rt.replayBoundary {
		return rt.replayBoundary
	}
	return b
}

// muteLogs suppresses all workflow log output; used by read-only query replays.
func (rt *runtime) muteLogs() {
	rt.replayBoundary = math.MaxInt64
}

// ---------- futures ----------

type activityFuture struct {
	rt *runtime
	id string
}

// Get implements workflow.Future
func (f *activityFuture) Get(valuePtr interface{}) error {
	rt := f.rt
	for {
		if oc, ok := rt.completions[f.id]; ok {
			return decodeOutcome(oc, valuePtr)
		}
		if !rt.consumeNext() {
			rt.suspend()
		}
	}
}

// IsReady implements workflow.Future
func (f *activityFuture) IsReady() bool {
	_, ok := f.rt.completions[f.id]
	return ok
}

type timerFuture struct {
	rt *runtime
	id string
}

// Get implements workflow.Future
func (f *timerFuture) Get(valuePtr interface{}) error {
	rt := f.rt
	for {
		if rt.firedTimers[f.id] {
			return nil
		}
		if !rt.consumeNext() {
			rt.suspend()
		}
	}
}

// IsReady implements workflow.Future
func (f *timerFuture) IsReady() bool {
	return f.rt.firedTimers[f.id]
}

// failedFuture resolves immediately with an error (e.g. unencodable input).
type failedFuture struct {
	err error
}

func (f *failedFuture) Get(valuePtr interface{}) error { return f.err }
func (f *failedFuture) IsReady() bool                  { return true }

func decodeOutcome(oc *activityOutcome, valuePtr interface{}) error {
	if oc.failed {
		return fault.New(fault.Kind(oc.errKind), "%s", oc.errMsg)
	}
	if valuePtr != nil && len(oc.output) > 0 {
		if err := json.Unmarshal(oc.output, valuePtr); err != nil {
			return fault.Wrap(fault.KindValidation, err, "decode activity output")
		}
	}
	return nil
}

func marshalInput(input interface{}) (json.RawMessage, error) {
	if input == nil {
		return nil, nil
	}
	if raw, ok := input.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(input)
}

// replayLogger suppresses lines emitted while re-executing an
// already-committed prefix, so each workflow log line appears once.
type replayLogger struct {
	rt *runtime
}

func (l *replayLogger) replaying() bool {
	return l.rt.lastConsumedSeq < l.rt.replayBoundary
}

func (l *replayLogger) logf(level, msg string, keyvals ...interface{}) {
	if l.replaying() {
		return
	}
	if len(keyvals) > 0 {
		log.Printf("[%s] [Workflow %s] %s %v", level, l.rt.workflowID, msg, keyvals)
		return
	}
	log.Printf("[%s] [Workflow %s] %s", level, l.rt.workflowID, msg)
}

func (l *replayLogger) Debug(msg string, keyvals ...interface{}) { l.logf("DEBUG", msg, keyvals...) }
func (l *replayLogger) Info(msg string, keyvals ...interface{})  { l.logf("INFO", msg, keyvals...) }
func (l *replayLogger) Warn(msg string, keyvals ...interface{})  { l.logf("WARN", msg, keyvals...) }
func (l *replayLogger) Error(msg string, keyvals ...interface{}) { l.logf("ERROR", msg, keyvals...) }
