package workflows

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/orderflow/orderflow/activities"
	"github.com/orderflow/orderflow/fault"
	"github.com/orderflow/orderflow/model"
	"github.com/orderflow/orderflow/workflow"
)

// ReservationWindow is how long reservations are held before an
// undecided saga is treated as cancelled.
const ReservationWindow = time.Hour

// InventoryCheckPrefix marks a read-only run: availability is reported
// and no reservation is ever placed.
const InventoryCheckPrefix = "inventory_check_"

// InventoryInput starts a saga over a set of stock changes.
type InventoryInput struct {
	OrderID string                  `json:"order_id"`
	Updates []model.InventoryUpdate `json:"updates"`
}

// InventoryResult is the terminal output of a saga run.
type InventoryResult struct {
	OrderID string                       `json:"order_id"`
	Status  model.InventoryStatus        `json:"status"`
	Results map[string]string            `json:"results,omitempty"`
	Checks  map[string]model.CheckResult `json:"checks,omitempty"`
}

// InventoryWorkflow reserves stock product by product, waits for a
// commit or cancel decision, and finalizes or compensates. Compensation
// covers exactly the reserved products, in reverse order.
type InventoryWorkflow struct {
	orderID   string
	updates   []model.InventoryUpdate
	status    model.InventoryStatus
	committed bool
	cancelled bool

	reservedOrder []string
	reservations  map[string]model.Reservation
	checks        map[string]model.CheckResult
	results       map[string]string
}

// NewInventoryWorkflow creates a fresh instance for one run.
func NewInventoryWorkflow() workflow.Workflow {
	return &InventoryWorkflow{
		status:       model.SagaPending,
		reservations: make(map[string]model.Reservation),
		checks:       make(map[string]model.CheckResult),
		results:      make(map[string]string),
	}
}

// InventoryDefinition returns the registration for this workflow type.
func InventoryDefinition() *workflow.Definition {
	return &workflow.Definition{
		Name:        InventoryWorkflowName,
		Description: "Inventory reservation saga with compensation",
		Version:     "1.0",
		Factory:     NewInventoryWorkflow,
		Options:     workflow.Options{TaskQueue: InventoryTaskQueue},
	}
}

// Name implements workflow.Workflow
func (w *InventoryWorkflow) Name() string {
	return InventoryWorkflowName
}

// Execute implements workflow.Workflow
func (w *InventoryWorkflow) Execute(ctx workflow.Context, input json.RawMessage) (interface{}, error) {
	logger := ctx.Logger()

	var in InventoryInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "decode inventory input")
	}
	if len(in.Updates) == 0 {
		return nil, fault.New(fault.KindValidation, "no inventory updates given")
	}
	w.orderID = in.OrderID
	w.updates = in.Updates
	readOnly := strings.HasPrefix(ctx.WorkflowID(), InventoryCheckPrefix)

	// Step 1: availability check, short-circuit on the first shortfall.
	for _, u := range w.updates {
		var check model.CheckResult
		err := ctx.ExecuteActivity("check_inventory", activities.CheckInventoryInput{
			ProductID: u.ProductID,
			Quantity:  absQty(u.QuantityChange),
		}).Get(&check)
		if err != nil {
			w.status = model.SagaFailed
			w.results[u.ProductID] = err.Error()
			logger.Warn("availability check failed", "product_id", u.ProductID, "error", err.Error())
			return w.result(), nil
		}
		w.checks[u.ProductID] = check
		if !check.IsAvailable {
			w.status = model.SagaFailed
			w.results[u.ProductID] = "insufficient stock"
			logger.Info("product unavailable", "product_id", u.ProductID, "available", check.Available)
			return w.result(), nil
		}
	}

	if readOnly {
		w.status = model.SagaCompleted
		logger.Info("availability check run complete", "order_id", w.orderID)
		return w.result(), nil
	}

	// Step 2: reserve in order; any failure compensates everything
	// reserved so far, in reverse.
	for _, u := range w.updates {
		var res model.Reservation
		if err := ctx.ExecuteActivity("reserve_inventory", u).Get(&res); err != nil {
			logger.Warn("reservation failed, compensating", "product_id", u.ProductID, "error", err.Error())
			w.results[u.ProductID] = err.Error()
			w.compensate(ctx)
			w.status = model.SagaFailed
			return w.result(), nil
		}
		w.reservedOrder = append(w.reservedOrder, u.ProductID)
		w.reservations[u.ProductID] = res
	}
	w.status = model.SagaReserved
	logger.Info("all products reserved", "order_id", w.orderID, "count", len(w.reservedOrder))

	// Step 3: hold the reservations until a decision or the window ends.
	decided, err := ctx.AwaitWithTimeout(ReservationWindow, func() bool { return w.committed || w.cancelled })
	if err != nil {
		// External cancellation compensates and then surfaces.
		w.compensate(ctx)
		w.status = model.SagaCancelled
		return nil, err
	}
	if !decided {
		logger.Info("reservation window expired", "order_id", w.orderID)
		w.cancelled = true
	}

	// Step 4: commit wins if both flags were raised in the same turn.
	if w.committed {
		for _, u := range w.updates {
			var rec model.UpdatedRecord
			if err := ctx.ExecuteActivity("update_inventory", u).Get(&rec); err != nil {
				// Post-commit failures are surfaced per product, never
				// compensated.
				w.results[u.ProductID] = err.Error()
				logger.Error("post-commit update failed", "product_id", u.ProductID, "error", err.Error())
				continue
			}
			w.results[u.ProductID] = "committed"
		}
		w.status = model.SagaCompleted
		return w.result(), nil
	}

	w.compensate(ctx)
	w.status = model.SagaCancelled
	return w.result(), nil
}

// compensate unreserves every reserved product in reverse order,
// best-effort. The compensation set is exactly reservedOrder.
func (w *InventoryWorkflow) compensate(ctx workflow.Context) {
	logger := ctx.Logger()
	for i := len(w.reservedOrder) - 1; i >= 0; i-- {
		productID := w.reservedOrder[i]
		res := w.reservations[productID]
		u := model.InventoryUpdate{
			ProductID:      productID,
			QuantityChange: -res.Quantity,
			OrderID:        res.OrderID,
		}
		if err := ctx.ExecuteActivity("unreserve_inventory", u).Get(nil); err != nil {
			w.results[productID] = "compensation failed: " + err.Error()
			logger.Error("compensation failed", "product_id", productID, "error", err.Error())
			continue
		}
		w.results[productID] = "compensated"
	}
}

func (w *InventoryWorkflow) result() *InventoryResult {
	return &InventoryResult{
		OrderID: w.orderID,
		Status:  w.status,
		Results: w.results,
		Checks:  w.checks,
	}
}

// HandleSignal implements workflow.SignalHandler
func (w *InventoryWorkflow) HandleSignal(ctx workflow.Context, name string, payload json.RawMessage) {
	switch name {
	case "commit":
		w.committed = true
	case "cancel":
		w.cancelled = true
	default:
		ctx.Logger().Warn("ignoring unknown signal", "name", name)
	}
}

// HandleQuery implements workflow.QueryHandler
func (w *InventoryWorkflow) HandleQuery(name string, args json.RawMessage) (interface{}, error) {
	switch name {
	case "get_status":
		// RESERVED is internal; callers see an undecided saga as PENDING.
		if w.status == model.SagaReserved {
			return string(model.SagaPending), nil
		}
		return string(w.status), nil
	case "get_reservation_details":
		return w.reservations, nil
	default:
		return nil, fault.New(fault.KindValidation, "unknown query %s", name)
	}
}

func absQty(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
