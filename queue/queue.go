// Package queue provides task queue interfaces and implementations for
// distributing workflow and activity work to workers.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/orderflow/orderflow/activity"
)

// TaskType represents the type of task
type TaskType string

const (
	// TaskTypeWorkflow asks a worker to advance a workflow instance by one turn.
	TaskTypeWorkflow TaskType = "workflow"
	// TaskTypeActivity asks a worker to invoke an activity.
	TaskTypeActivity TaskType = "activity"
)

// Task represents a unit of work to be executed
type Task struct {
	ID           string          `json:"id"`
	Type         TaskType        `json:"type"`
	WorkflowID   string          `json:"workflow_id"`
	ActivityID   string          `json:"activity_id,omitempty"`
	ActivityName string          `json:"activity_name,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	// Attempt is the invocation attempt for activity tasks, starting at 1.
	Attempt int `json:"attempt,omitempty"`
	// Timeout and Retry carry per-call overrides from the scheduling
	// decision; nil Retry means the registered policy applies.
	Timeout     time.Duration         `json:"timeout,omitempty"`
	Retry       *activity.RetryPolicy `json:"retry,omitempty"`
	EnqueueTime time.Time             `json:"enqueue_time"`
	Deliveries  int                   `json:"deliveries"`
}

// Queue defines the interface for task distribution. Queues are FIFO and
// bounded; a full queue rejects the enqueue with a retryable error.
type Queue interface {
	// Enqueue adds a task to the named queue
	Enqueue(ctx context.Context, queueName string, task *Task) error

	// Dequeue retrieves a task from the queue (blocking)
	Dequeue(ctx context.Context, queueName string) (*Task, error)

	// DequeueWithTimeout retrieves a task with a timeout
	DequeueWithTimeout(ctx context.Context, queueName string, timeout time.Duration) (*Task, error)

	// Ack acknowledges successful task completion
	Ack(ctx context.Context, queueName string, taskID string) error

	// Nack indicates task failure and potentially requeues
	Nack(ctx context.Context, queueName string, taskID string, requeue bool) error

	// Len returns the number of ready tasks in the queue
	Len(ctx context.Context, queueName string) (int, error)

	// Close closes the queue and releases resources
	Close() error
}

// NewWorkflowTask creates a task that resumes the given instance.
func NewWorkflowTask(workflowID string) *Task {
	return &Task{
		ID:          uuid.NewString(),
		Type:        TaskTypeWorkflow,
		WorkflowID:  workflowID,
		EnqueueTime: time.Now().UTC(),
	}
}

// NewActivityTask creates a task that invokes an activity.
func NewActivityTask(workflowID, activityID, activityName string, input json.RawMessage, attempt int) *Task {
	return &Task{
		ID:           uuid.NewString(),
		Type:         TaskTypeActivity,
		WorkflowID:   workflowID,
		ActivityID:   activityID,
		ActivityName: activityName,
		Input:        input,
		Attempt:      attempt,
		EnqueueTime:  time.Now().UTC(),
	}
}
