package activities

import (
	"context"
	"time"

	"github.com/orderflow/orderflow/activity"
	"github.com/orderflow/orderflow/fault"
	"github.com/orderflow/orderflow/model"
)

// CheckInventoryInput asks whether qty units of a product are available.
type CheckInventoryInput struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// RegisterInventoryActivities binds the saga's four effects to a store.
func RegisterInventoryActivities(reg *activity.Registry, store *InventoryStore) error {
	checkInventory := activity.Typed(func(ctx context.Context, in CheckInventoryInput) (interface{}, error) {
		if in.Quantity < 0 {
			return nil, fault.New(fault.KindValidation, "quantity must not be negative")
		}
		item, err := store.Get(in.ProductID)
		if err != nil {
			return nil, err
		}
		return &model.CheckResult{
			ProductID:   in.ProductID,
			Available:   item.Available(),
			IsAvailable: item.Available() >= in.Quantity,
			Status:      item.StockStatus(),
			CheckedAt:   nowUTC(),
		}, nil
	})

	reserveInventory := activity.Typed(func(ctx context.Context, in model.InventoryUpdate) (interface{}, error) {
		qty := abs(in.QuantityChange)
		if _, err := store.Reserve(in.ProductID, qty); err != nil {
			return nil, err
		}
		return &model.Reservation{
			ProductID:  in.ProductID,
			OrderID:    in.OrderID,
			Quantity:   qty,
			ReservedAt: nowUTC(),
		}, nil
	})

	updateInventory := activity.Typed(func(ctx context.Context, in model.InventoryUpdate) (interface{}, error) {
		item, err := store.Apply(in)
		if err != nil {
			return nil, err
		}
		return &model.UpdatedRecord{
			ProductID: in.ProductID,
			Quantity:  item.Quantity,
			Reserved:  item.Reserved,
			Status:    item.StockStatus(),
			UpdatedAt: nowUTC(),
		}, nil
	})

	unreserveInventory := activity.Typed(func(ctx context.Context, in model.InventoryUpdate) (interface{}, error) {
		qty := abs(in.QuantityChange)
		if _, err := store.Unreserve(in.ProductID, qty); err != nil {
			return nil, err
		}
		return &model.UnreservationRecord{
			ProductID:    in.ProductID,
			OrderID:      in.OrderID,
			Quantity:     qty,
			UnreservedAt: nowUTC(),
		}, nil
	})

	bindings := []struct {
		name string
		fn   activity.ActivityFunc
		info activity.Info
	}{
		{"check_inventory", checkInventory, activity.Info{
			Description: "Read-only stock availability check",
			Timeout:     10 * time.Second,
			RetryPolicy: inventoryRetryPolicy(fault.KindProductNotFound),
		}},
		{"reserve_inventory", reserveInventory, activity.Info{
			Description: "Place a conditional hold on stock",
			Timeout:     10 * time.Second,
			RetryPolicy: inventoryRetryPolicy(fault.KindProductNotFound, fault.KindInsufficient),
		}},
		{"update_inventory", updateInventory, activity.Info{
			Description: "Commit a stock change and release its hold",
			Timeout:     10 * time.Second,
			RetryPolicy: inventoryRetryPolicy(fault.KindProductNotFound),
		}},
		{"unreserve_inventory", unreserveInventory, activity.Info{
			Description: "Release a hold without changing stock",
			Timeout:     10 * time.Second,
			RetryPolicy: inventoryRetryPolicy(fault.KindProductNotFound),
		}},
	}
	for _, b := range bindings {
		if err := reg.Register(b.name, b.fn, b.info); err != nil {
			return err
		}
	}
	return nil
}

func inventoryRetryPolicy(nonRetryable ...fault.Kind) *activity.RetryPolicy {
	p := activity.DefaultRetryPolicy()
	p.NonRetryableKinds = nonRetryable
	return p
}
