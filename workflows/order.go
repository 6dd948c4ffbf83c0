// Package workflows contains the three order-processing state machines:
// order approval, payment, and the inventory saga. All code here runs
// under replay and must stay deterministic; side effects happen only
// through activities.
package workflows

import (
	"encoding/json"
	"strings"

	"github.com/orderflow/orderflow/activities"
	"github.com/orderflow/orderflow/fault"
	"github.com/orderflow/orderflow/model"
	"github.com/orderflow/orderflow/workflow"
)

// Task queues partition workflow and activity execution per domain.
const (
	OrderTaskQueue     = "order-task-queue"
	PaymentTaskQueue   = "payment-task-queue"
	InventoryTaskQueue = "inventory-task-queue"
)

// Workflow type names used by StartWorkflow.
const (
	OrderApprovalWorkflowName = "order_approval"
	PaymentWorkflowName       = "payment"
	InventoryWorkflowName     = "inventory"
)

// OrderApprovalResult is the terminal output of an approval run.
type OrderApprovalResult struct {
	OrderID  string            `json:"order_id"`
	Status   model.OrderStatus `json:"status"`
	Decision string            `json:"decision,omitempty"`
	Reason   string            `json:"reason,omitempty"`
}

// OrderDetails is the get_details query answer.
type OrderDetails struct {
	Order     model.Order       `json:"order"`
	Status    model.OrderStatus `json:"status"`
	Decision  string            `json:"decision,omitempty"`
	Cancelled bool              `json:"cancelled"`
}

// OrderApprovalWorkflow validates an order, waits for a manager's
// decision, and runs the matching follow-up effect.
type OrderApprovalWorkflow struct {
	order     model.Order
	status    model.OrderStatus
	decision  string
	cancelled bool
	reason    string
}

// NewOrderApprovalWorkflow creates a fresh instance for one run.
func NewOrderApprovalWorkflow() workflow.Workflow {
	return &OrderApprovalWorkflow{status: model.OrderCreated}
}

// OrderApprovalDefinition returns the registration for this workflow type.
func OrderApprovalDefinition() *workflow.Definition {
	return &workflow.Definition{
		Name:        OrderApprovalWorkflowName,
		Description: "Order validation and manager approval",
		Version:     "1.0",
		Factory:     NewOrderApprovalWorkflow,
		Options:     workflow.Options{TaskQueue: OrderTaskQueue},
	}
}

// Name implements workflow.Workflow
func (w *OrderApprovalWorkflow) Name() string {
	return OrderApprovalWorkflowName
}

// Execute implements workflow.Workflow
func (w *OrderApprovalWorkflow) Execute(ctx workflow.Context, input json.RawMessage) (interface{}, error) {
	logger := ctx.Logger()

	if err := json.Unmarshal(input, &w.order); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "decode order input")
	}
	if w.order.OrderID == "" {
		w.order.OrderID = ctx.WorkflowID()
	}
	logger.Info("order received", "order_id", w.order.OrderID, "total", w.order.TotalAmount)

	w.status = model.OrderValidationPending
	var valid bool
	if err := ctx.ExecuteActivity("validate_order", w.order).Get(&valid); err != nil {
		if fault.IsKind(err, fault.KindValidation) {
			w.status = model.OrderValidationFailed
			w.reason = err.Error()
			logger.Warn("order failed validation", "order_id", w.order.OrderID, "reason", w.reason)
		} else {
			// Retries exhausted on a transient failure.
			w.status = model.OrderAutoRejected
			w.reason = err.Error()
			logger.Warn("order auto-rejected", "order_id", w.order.OrderID, "reason", w.reason)
		}
		return w.result(), nil
	}

	w.status = model.OrderPendingApproval
	if err := ctx.ExecuteActivity("notify_manager", activities.OrderRef{OrderID: w.order.OrderID}).Get(nil); err != nil {
		// The order can still be decided through the signal; don't fail
		// the run because a notification bounced.
		logger.Warn("manager notification failed", "order_id", w.order.OrderID, "error", err.Error())
	}

	// The approval wait is unbounded; operators cancel stale orders.
	err := ctx.Await(func() bool { return w.decision != "" || w.cancelled })
	if err != nil || w.cancelled {
		return w.cancel(ctx)
	}

	switch w.decision {
	case "approved":
		w.status = model.OrderApproved
		if err := ctx.ExecuteActivity("process_approved_order", activities.OrderRef{OrderID: w.order.OrderID}).Get(nil); err != nil {
			logger.Error("fulfillment handoff failed", "order_id", w.order.OrderID, "error", err.Error())
			w.reason = err.Error()
		}
	case "rejected":
		w.status = model.OrderRejected
		if err := ctx.ExecuteActivity("notify_rejection", activities.OrderRef{OrderID: w.order.OrderID}).Get(nil); err != nil {
			logger.Error("rejection notification failed", "order_id", w.order.OrderID, "error", err.Error())
		}
	}

	logger.Info("order closed", "order_id", w.order.OrderID, "decision", w.decision)
	return w.result(), nil
}

func (w *OrderApprovalWorkflow) cancel(ctx workflow.Context) (interface{}, error) {
	w.status = model.OrderCancelled
	if err := ctx.ExecuteActivity("handle_cancellation", activities.OrderRef{OrderID: w.order.OrderID}).Get(nil); err != nil {
		ctx.Logger().Error("cancellation handler failed", "order_id", w.order.OrderID, "error", err.Error())
	}
	return w.result(), nil
}

func (w *OrderApprovalWorkflow) result() *OrderApprovalResult {
	return &OrderApprovalResult{
		OrderID:  w.order.OrderID,
		Status:   w.status,
		Decision: w.decision,
		Reason:   w.reason,
	}
}

// HandleSignal implements workflow.SignalHandler
func (w *OrderApprovalWorkflow) HandleSignal(ctx workflow.Context, name string, payload json.RawMessage) {
	logger := ctx.Logger()
	switch name {
	case "provide_decision":
		decision := decodeDecision(payload)
		if decision != "approved" && decision != "rejected" {
			logger.Warn("ignoring malformed decision", "payload", string(payload))
			return
		}
		if w.decision != "" {
			logger.Info("ignoring repeat decision", "existing", w.decision, "new", decision)
			return
		}
		if w.cancelled {
			logger.Info("ignoring decision after cancellation", "decision", decision)
			return
		}
		w.decision = decision
	case "cancel_order":
		if w.decision != "" || w.status.IsTerminal() {
			logger.Info("ignoring cancel_order", "status", string(w.status), "decision", w.decision)
			return
		}
		w.cancelled = true
	default:
		logger.Warn("ignoring unknown signal", "name", name)
	}
}

// HandleQuery implements workflow.QueryHandler
func (w *OrderApprovalWorkflow) HandleQuery(name string, args json.RawMessage) (interface{}, error) {
	switch name {
	case "get_status":
		return string(w.status), nil
	case "get_details":
		return &OrderDetails{
			Order:     w.order,
			Status:    w.status,
			Decision:  w.decision,
			Cancelled: w.cancelled,
		}, nil
	default:
		return nil, fault.New(fault.KindValidation, "unknown query %s", name)
	}
}

// decodeDecision accepts either a bare JSON string or {"decision": "..."}.
func decodeDecision(payload json.RawMessage) string {
	var s string
	if err := json.Unmarshal(payload, &s); err != nil {
		var obj struct {
			Decision string `json:"decision"`
		}
		if err := json.Unmarshal(payload, &obj); err != nil {
			return ""
		}
		s = obj.Decision
	}
	return strings.ToLower(strings.TrimSpace(s))
}
