// Package state provides workflow state persistence and the append-only
// event log that makes instances replayable.
package state

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/orderflow/orderflow/activity"
)

// EventType represents the type of workflow event
type EventType string

const (
	EventWorkflowStarted         EventType = "workflow_started"
	EventWorkflowCompleted       EventType = "workflow_completed"
	EventWorkflowFailed          EventType = "workflow_failed"
	EventWorkflowCancelRequested EventType = "workflow_cancel_requested"
	EventActivityScheduled       EventType = "activity_scheduled"
	EventActivityCompleted       EventType = "activity_completed"
	EventActivityFailed          EventType = "activity_failed"
	EventTimerStarted            EventType = "timer_started"
	EventTimerFired              EventType = "timer_fired"
	EventSignalReceived          EventType = "signal_received"
)

// Event is one ordered record in an instance's log. Events are never
// mutated or removed; sequence numbers are dense and strictly increasing
// per instance and are assigned by the store on append.
type Event struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id"`
	Type        EventType       `json:"type"`
	Timestamp   time.Time       `json:"timestamp"`
	SequenceNum int64           `json:"sequence_num"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// WorkflowStartedData records the input an instance was started with.
type WorkflowStartedData struct {
	WorkflowName string          `json:"workflow_name"`
	RunID        string          `json:"run_id"`
	Input        json.RawMessage `json:"input"`
	TaskQueue    string          `json:"task_queue"`
}

// WorkflowCompletedData records the terminal output.
type WorkflowCompletedData struct {
	Output json.RawMessage `json:"output,omitempty"`
}

// WorkflowFailedData records a terminal failure with its classified kind.
type WorkflowFailedData struct {
	ErrKind string `json:"err_kind"`
	Error   string `json:"error"`
}

// ActivityScheduledData records a scheduling decision made by a workflow
// turn, including any per-call policy overrides so the invoking worker
// does not depend on the scheduling turn's in-memory state.
type ActivityScheduledData struct {
	ActivityID   string                `json:"activity_id"`
	ActivityName string                `json:"activity_name"`
	Input        json.RawMessage       `json:"input,omitempty"`
	TaskQueue    string                `json:"task_queue,omitempty"`
	Timeout      time.Duration         `json:"timeout,omitempty"`
	Retry        *activity.RetryPolicy `json:"retry,omitempty"`
}

// ActivityCompletedData records the output observed for an activity.
// Recorded exactly once per activity ID.
type ActivityCompletedData struct {
	ActivityID string          `json:"activity_id"`
	Output     json.RawMessage `json:"output,omitempty"`
}

// ActivityFailedData records a final (non-retryable or exhausted) failure.
type ActivityFailedData struct {
	ActivityID string `json:"activity_id"`
	ErrKind    string `json:"err_kind"`
	Error      string `json:"error"`
	Attempt    int    `json:"attempt"`
}

// TimerStartedData records a durable timer decision.
type TimerStartedData struct {
	TimerID string    `json:"timer_id"`
	FireAt  time.Time `json:"fire_at"`
}

// TimerFiredData records a timer firing.
type TimerFiredData struct {
	TimerID string `json:"timer_id"`
}

// SignalReceivedData is the persisted signal envelope. Payload decoding
// problems are rejected before the event is committed, so a persisted
// signal is always well-formed.
type SignalReceivedData struct {
	Name          string          `json:"name"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// NewEvent creates an event with a generated ID and the payload marshaled
// into Data. The sequence number is assigned by the store on append.
func NewEvent(workflowID string, eventType EventType, data interface{}) *Event {
	e := &Event{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
	}
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			e.Data = b
		}
	}
	return e
}

// DecodeData unmarshals the event payload into out.
func (e *Event) DecodeData(out interface{}) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, out)
}

// ToJSON serializes the event to JSON.
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON deserializes an event from JSON.
func FromJSON(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}
