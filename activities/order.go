package activities

import (
	"context"
	"log"
	"time"

	"github.com/orderflow/orderflow/activity"
	"github.com/orderflow/orderflow/fault"
	"github.com/orderflow/orderflow/model"
)

// Notifier delivers human-facing notifications about orders. The default
// implementation just logs; tests substitute a recorder.
type Notifier interface {
	Notify(ctx context.Context, orderID, message string) error
}

// LogNotifier writes notifications to the process log.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(ctx context.Context, orderID, message string) error {
	log.Printf("[Notify] order %s: %s", orderID, message)
	return nil
}

// OrderRef carries an order ID to the post-decision effects.
type OrderRef struct {
	OrderID string `json:"order_id"`
}

// RegisterOrderActivities binds the approval workflow's effects.
func RegisterOrderActivities(reg *activity.Registry, notifier Notifier) error {
	if notifier == nil {
		notifier = LogNotifier{}
	}

	validateOrder := activity.Typed(func(ctx context.Context, in model.Order) (interface{}, error) {
		if in.OrderID == "" {
			return nil, fault.New(fault.KindValidation, "order id is required")
		}
		if in.CustomerID == "" {
			return nil, fault.New(fault.KindValidation, "customer id is required")
		}
		if len(in.Items) == 0 {
			return nil, fault.New(fault.KindValidation, "order %s has no items", in.OrderID)
		}
		for _, item := range in.Items {
			if item.Quantity <= 0 {
				return nil, fault.New(fault.KindValidation, "order %s item %s has non-positive quantity", in.OrderID, item.ProductID)
			}
			if item.UnitPrice < 0 {
				return nil, fault.New(fault.KindValidation, "order %s item %s has negative price", in.OrderID, item.ProductID)
			}
		}
		if in.TotalAmount <= 0 {
			return nil, fault.New(fault.KindValidation, "order %s total must be positive, got %.2f", in.OrderID, in.TotalAmount)
		}
		return true, nil
	})

	notifyManager := activity.Typed(func(ctx context.Context, in OrderRef) (interface{}, error) {
		return nil, notifier.Notify(ctx, in.OrderID, "order awaits approval")
	})

	processApprovedOrder := activity.Typed(func(ctx context.Context, in OrderRef) (interface{}, error) {
		return nil, notifier.Notify(ctx, in.OrderID, "order approved, fulfillment started")
	})

	notifyRejection := activity.Typed(func(ctx context.Context, in OrderRef) (interface{}, error) {
		return nil, notifier.Notify(ctx, in.OrderID, "order was rejected")
	})

	handleCancellation := activity.Typed(func(ctx context.Context, in OrderRef) (interface{}, error) {
		return nil, notifier.Notify(ctx, in.OrderID, "order was cancelled")
	})

	if err := reg.Register("validate_order", validateOrder, activity.Info{
		Description: "Business-rule validation of a new order",
		Timeout:     30 * time.Second,
		RetryPolicy: &activity.RetryPolicy{
			MaxAttempts:        3,
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2.0,
			MaxInterval:        30 * time.Second,
		},
	}); err != nil {
		return err
	}

	plain := []struct {
		name string
		fn   activity.ActivityFunc
		desc string
	}{
		{"notify_manager", notifyManager, "Ask a manager to decide on the order"},
		{"process_approved_order", processApprovedOrder, "Hand an approved order to fulfillment"},
		{"notify_rejection", notifyRejection, "Tell the customer the order was rejected"},
		{"handle_cancellation", handleCancellation, "Clean up after a cancelled order"},
	}
	for _, b := range plain {
		if err := reg.Register(b.name, b.fn, activity.Info{Description: b.desc}); err != nil {
			return err
		}
	}
	return nil
}
