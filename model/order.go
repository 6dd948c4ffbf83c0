// Package model defines the order, payment, and inventory domain types
// shared by the workflows, the activities, and the HTTP surface.
package model

import "time"

// OrderStatus is the lifecycle of an order through the approval state
// machine. Values are wire-stable.
type OrderStatus string

const (
	OrderCreated           OrderStatus = "CREATED"
	OrderValidationPending OrderStatus = "VALIDATION_PENDING"
	OrderValidationFailed  OrderStatus = "VALIDATION_FAILED"
	OrderAutoRejected      OrderStatus = "AUTO_REJECTED"
	OrderPendingApproval   OrderStatus = "PENDING_APPROVAL"
	OrderApproved          OrderStatus = "APPROVED"
	OrderRejected          OrderStatus = "REJECTED"
	OrderCompleted         OrderStatus = "COMPLETED"
	OrderCancelled         OrderStatus = "CANCELLED"
)

// IsTerminal reports whether the order can no longer change state.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderValidationFailed, OrderAutoRejected, OrderCompleted, OrderCancelled:
		return true
	}
	return false
}

// OrderItem is one line of an order.
type OrderItem struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name,omitempty"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

// Subtotal returns quantity times unit price.
func (i OrderItem) Subtotal() float64 {
	return float64(i.Quantity) * i.UnitPrice
}

// Order is the aggregate the approval workflow operates on.
type Order struct {
	OrderID     string      `json:"order_id"`
	CustomerID  string      `json:"customer_id"`
	Items       []OrderItem `json:"items"`
	TotalAmount float64     `json:"total_amount"`
	Status      OrderStatus `json:"status,omitempty"`
	CreatedAt   time.Time   `json:"created_at,omitempty"`
}

// ItemsTotal sums the line subtotals.
func (o *Order) ItemsTotal() float64 {
	var total float64
	for _, item := range o.Items {
		total += item.Subtotal()
	}
	return total
}
