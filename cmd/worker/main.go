// Package main runs the order-processing service: the workflow engine,
// one worker pool per task queue, and the HTTP API.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	redisstore "github.com/orderflow/orderflow/adapters/redis"
	"github.com/orderflow/orderflow/activities"
	"github.com/orderflow/orderflow/activity"
	"github.com/orderflow/orderflow/engine"
	"github.com/orderflow/orderflow/queue"
	"github.com/orderflow/orderflow/server"
	"github.com/orderflow/orderflow/state"
	"github.com/orderflow/orderflow/worker"
	"github.com/orderflow/orderflow/workflow"
	"github.com/orderflow/orderflow/workflows"
)

func main() {
	port := envOr("ORDERFLOW_PORT", "8080")
	namespace := envOr("ORDERFLOW_NAMESPACE", "default")
	concurrency := envIntOr("ORDERFLOW_WORKER_CONCURRENCY", worker.DefaultConcurrency)

	store, cleanup := buildStore(namespace)
	defer cleanup()

	taskQueue := queue.NewInMemoryQueueWithOptions(queue.Options{
		Capacity:          1024,
		VisibilityTimeout: 30 * time.Second,
	})
	defer taskQueue.Close()

	wfRegistry := workflow.NewRegistry()
	mustRegister(wfRegistry.Register(workflows.OrderApprovalDefinition()))
	mustRegister(wfRegistry.Register(workflows.PaymentDefinition()))
	mustRegister(wfRegistry.Register(workflows.InventoryDefinition()))

	eng, err := engine.New(engine.Config{
		Store:     store,
		Queue:     taskQueue,
		Workflows: wfRegistry,
	})
	if err != nil {
		log.Fatalf("engine: %v", err)
	}
	defer eng.Stop()

	orderActs := activity.NewRegistry()
	mustRegister(activities.RegisterOrderActivities(orderActs, nil))

	paymentActs := activity.NewRegistry()
	mustRegister(activities.RegisterPaymentActivities(paymentActs, activities.NewSimulatedGateway()))

	inventoryActs := activity.NewRegistry()
	mustRegister(activities.RegisterInventoryActivities(inventoryActs, activities.NewSeededInventoryStore()))

	pools := []struct {
		queue string
		acts  *activity.Registry
	}{
		{workflows.OrderTaskQueue, orderActs},
		{workflows.PaymentTaskQueue, paymentActs},
		{workflows.InventoryTaskQueue, inventoryActs},
	}
	var workers []*worker.Worker
	for _, p := range pools {
		w, err := worker.New(worker.Config{
			Engine:      eng,
			Queue:       taskQueue,
			Store:       store,
			Activities:  p.acts,
			TaskQueue:   p.queue,
			Concurrency: concurrency,
		})
		if err != nil {
			log.Fatalf("worker for %s: %v", p.queue, err)
		}
		w.Start()
		workers = append(workers, w)
	}

	srv := server.New(eng)
	go func() {
		if err := srv.ListenAndServe(":" + port); err != nil {
			log.Fatalf("server: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Println("[Main] shutting down")
	for _, w := range workers {
		w.Stop()
	}
}

// buildStore picks Redis when REDIS_ADDR is set, the in-memory store
// otherwise. The namespace becomes the Redis key prefix.
func buildStore(namespace string) (state.Store, func()) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		log.Println("[Main] using in-memory state store")
		return state.NewInMemoryStore(), func() {}
	}
	rs, err := redisstore.New(redisstore.Config{
		Addr:   addr,
		Prefix: "orderflow:" + namespace,
	})
	if err != nil {
		log.Fatalf("redis store at %s: %v", addr, err)
	}
	log.Printf("[Main] using Redis state store at %s", addr)
	return rs, func() { _ = rs.Close() }
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func mustRegister(err error) {
	if err != nil {
		log.Fatalf("register: %v", err)
	}
}
