package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orderflow/orderflow/fault"
)

func TestInMemoryQueue_Visibility_Redelivery(t *testing.T) {
	q := NewInMemoryQueueWithOptions(Options{
		VisibilityTimeout: 100 * time.Millisecond,
	})
	defer q.Close()

	ctx := context.Background()
	task := NewActivityTask("wf-vis", "act-1", "check_inventory", nil, 1)

	if err := q.Enqueue(ctx, "default", task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, err := q.DequeueWithTimeout(ctx, "default", time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got.ID != task.ID {
		t.Fatalf("expected same task id")
	}
	if got.Deliveries != 1 {
		t.Fatalf("expected deliveries=1 got %d", got.Deliveries)
	}
	if got.Attempt != 1 {
		t.Fatalf("attempt should survive delivery, got %d", got.Attempt)
	}

	// Do not Ack; wait for visibility to expire and task to be redelivered
	time.Sleep(350 * time.Millisecond)

	got2, err := q.DequeueWithTimeout(ctx, "default", time.Second)
	if err != nil {
		t.Fatalf("re-dequeue: %v", err)
	}
	if got2 == nil || got2.ID != task.ID {
		t.Fatalf("expected redelivery of same task")
	}
	if got2.Deliveries != 2 {
		t.Fatalf("expected deliveries=2 on redelivery, got %d", got2.Deliveries)
	}
	if got2.Attempt != 1 {
		t.Fatalf("redelivery must not bump the activity attempt, got %d", got2.Attempt)
	}
	_ = q.Ack(ctx, "default", got2.ID)
}

func TestInMemoryQueue_EmptyPollReturnsNil(t *testing.T) {
	q := NewInMemoryQueue()
	defer q.Close()

	got, err := q.DequeueWithTimeout(context.Background(), "default", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("empty poll should not error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil task on empty poll window, got %+v", got)
	}
}

func TestInMemoryQueue_FullQueueRejects(t *testing.T) {
	q := NewInMemoryQueueWithOptions(Options{
		Capacity:          2,
		VisibilityTimeout: 5 * time.Second,
	})
	defer q.Close()

	ctx := context.Background()
	if err := q.Enqueue(ctx, "default", NewWorkflowTask("wf-1")); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	if err := q.Enqueue(ctx, "default", NewWorkflowTask("wf-2")); err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}
	err := q.Enqueue(ctx, "default", NewWorkflowTask("wf-3"))
	if !fault.IsKind(err, fault.KindQueueFull) {
		t.Fatalf("expected QueueFull, got %v", err)
	}
}

func TestInMemoryQueue_Len_ExcludesInflight(t *testing.T) {
	q := NewInMemoryQueueWithOptions(Options{
		VisibilityTimeout: 5 * time.Second,
	})
	defer q.Close()

	ctx := context.Background()
	t1 := NewWorkflowTask("wf1")
	t2 := NewWorkflowTask("wf1")
	_ = q.Enqueue(ctx, "default", t1)
	_ = q.Enqueue(ctx, "default", t2)

	if l, _ := q.Len(ctx, "default"); l != 2 {
		t.Fatalf("len want 2 got %d", l)
	}
	got, _ := q.DequeueWithTimeout(ctx, "default", time.Second)
	if got == nil {
		t.Fatalf("expected a task")
	}
	if l, _ := q.Len(ctx, "default"); l != 1 {
		t.Fatalf("len want 1 got %d", l)
	}
	_ = q.Ack(ctx, "default", got.ID)
}

func TestInMemoryQueue_ConcurrentProducersConsumers(t *testing.T) {
	q := NewInMemoryQueueWithOptions(Options{
		VisibilityTimeout: 500 * time.Millisecond,
	})
	defer q.Close()

	ctx := context.Background()
	queueName := "default"

	producers := 5
	consumers := 5
	total := 200

	// Start consumers first; coordinate with an atomic counter to avoid deadlock.
	var consumed int64
	doneCons := make(chan struct{}, consumers)
	for c := 0; c < consumers; c++ {
		go func() {
			deadline := time.Now().Add(10 * time.Second)
			for time.Now().Before(deadline) {
				if atomic.LoadInt64(&consumed) >= int64(total) {
					break
				}
				task, _ := q.DequeueWithTimeout(ctx, queueName, 50*time.Millisecond)
				if task == nil {
					continue
				}
				_ = q.Ack(ctx, queueName, task.ID)
				atomic.AddInt64(&consumed, 1)
			}
			doneCons <- struct{}{}
		}()
	}

	doneProd := make(chan struct{}, producers)
	for p := 0; p < producers; p++ {
		go func() {
			for i := 0; i < total/producers; i++ {
				_ = q.Enqueue(ctx, queueName, NewWorkflowTask("wf"))
			}
			doneProd <- struct{}{}
		}()
	}
	for p := 0; p < producers; p++ {
		<-doneProd
	}

	waitDeadline := time.After(12 * time.Second)
	doneCount := 0
	for doneCount < consumers {
		select {
		case <-doneCons:
			doneCount++
		case <-waitDeadline:
			t.Fatalf("timeout waiting for consumers, consumed=%d", atomic.LoadInt64(&consumed))
		}
	}
	if got := atomic.LoadInt64(&consumed); got != int64(total) {
		t.Fatalf("consumed %d, expected %d", got, total)
	}
}

func TestInMemoryQueue_DLQ_NackNoRequeue(t *testing.T) {
	q := NewInMemoryQueueWithOptions(Options{
		VisibilityTimeout: 50 * time.Millisecond,
		EnableDLQ:         true,
	})
	defer q.Close()

	ctx := context.Background()
	queueName := "default"
	task := NewWorkflowTask("wf-dlq")

	if err := q.Enqueue(ctx, queueName, task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, err := q.DequeueWithTimeout(ctx, queueName, time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got.ID != task.ID {
		t.Fatalf("expected same task id")
	}

	// Nack without requeue should drop to DLQ (not redeliver)
	if err := q.Nack(ctx, queueName, got.ID, false); err != nil {
		t.Fatalf("nack: %v", err)
	}

	got2, err := q.DequeueWithTimeout(ctx, queueName, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue after nack: %v", err)
	}
	if got2 != nil {
		t.Fatalf("expected empty queue after DLQ drop, got %+v", got2)
	}

	// The dropped task lands in the DLQ exactly once.
	q.mu.RLock()
	defer q.mu.RUnlock()
	d := q.dlq[queueName]
	if len(d) != 1 || d[0].ID != task.ID {
		t.Fatalf("dlq want 1 with id=%s, got=%d", task.ID, len(d))
	}
}
