package workflows

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/orderflow/orderflow/activities"
	"github.com/orderflow/orderflow/activity"
	"github.com/orderflow/orderflow/engine"
	"github.com/orderflow/orderflow/queue"
	"github.com/orderflow/orderflow/state"
	"github.com/orderflow/orderflow/worker"
	"github.com/orderflow/orderflow/workflow"
)

// testEnv wires the full stack (engine, three worker pools, simulated
// stores) against in-memory infrastructure and a fake clock, so scenario
// tests can drive hour-scale timers without sleeping.
type testEnv struct {
	eng      *engine.Engine
	clock    *engine.FakeClock
	inv      *activities.InventoryStore
	gateway  *activities.SimulatedGateway
	notifier *recordingNotifier
}

// recordingNotifier captures order notifications for assertions.
type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(ctx context.Context, orderID, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, orderID+": "+message)
	return nil
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.messages))
	copy(out, n.messages)
	return out
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := state.NewInMemoryStore()
	q := queue.NewInMemoryQueueWithOptions(queue.Options{
		VisibilityTimeout: 5 * time.Second,
	})
	clock := engine.NewFakeClock()

	reg := workflow.NewRegistry()
	for _, def := range []*workflow.Definition{
		OrderApprovalDefinition(),
		PaymentDefinition(),
		InventoryDefinition(),
	} {
		if err := reg.Register(def); err != nil {
			t.Fatalf("register %s: %v", def.Name, err)
		}
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

	notifier := &recordingNotifier{}
	gateway := activities.NewSimulatedGateway()
	inv := activities.NewSeededInventoryStore()

	orderActs := activity.NewRegistry()
	if err := activities.RegisterOrderActivities(orderActs, notifier); err != nil {
		t.Fatalf("order activities: %v", err)
	}
	paymentActs := activity.NewRegistry()
	if err := activities.RegisterPaymentActivities(paymentActs, gateway); err != nil {
		t.Fatalf("payment activities: %v", err)
	}
	inventoryActs := activity.NewRegistry()
	if err := activities.RegisterInventoryActivities(inventoryActs, inv); err != nil {
		t.Fatalf("inventory activities: %v", err)
	}

	pools := []struct {
		queue string
		acts  *activity.Registry
	}{
		{OrderTaskQueue, orderActs},
		{PaymentTaskQueue, paymentActs},
		{InventoryTaskQueue, inventoryActs},
	}
	var workers []*worker.Worker
	for _, p := range pools {
		w, err := worker.New(worker.Config{
			Engine:      eng,
			Queue:       q,
			Store:       store,
			Activities:  p.acts,
			TaskQueue:   p.queue,
			Concurrency: 2,
		})
		if err != nil {
			t.Fatalf("worker for %s: %v", p.queue, err)
		}
		w.Start()
		workers = append(workers, w)
	}

	t.Cleanup(func() {
		for _, w := range workers {
			w.Stop()
		}
		eng.Stop()
		_ = q.Close()
	})
	return &testEnv{eng: eng, clock: clock, inv: inv, gateway: gateway, notifier: notifier}
}

func (e *testEnv) awaitStatus(t *testing.T, workflowID string, want state.WorkflowStatus, within time.Duration) *state.WorkflowState {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		st, err := e.eng.DescribeWorkflow(context.Background(), workflowID)
		if err == nil && st.Status == want {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	st, _ := e.eng.DescribeWorkflow(context.Background(), workflowID)
	t.Fatalf("workflow %s never reached %s, last state: %+v", workflowID, want, st)
	return nil
}

// awaitQuery polls a query until pred accepts the answer.
func (e *testEnv) awaitQuery(t *testing.T, workflowID, query string, pred func(interface{}) bool, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		got, err := e.eng.QueryWorkflow(context.Background(), workflowID, query, nil)
		if err == nil && pred(got) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, err := e.eng.QueryWorkflow(context.Background(), workflowID, query, nil)
	t.Fatalf("workflow %s query %s never satisfied, last answer: %v (err %v)", workflowID, query, got, err)
}

func (e *testEnv) awaitEvent(t *testing.T, workflowID string, typ state.EventType, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		evs, err := e.eng.GetWorkflowEvents(context.Background(), workflowID)
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
