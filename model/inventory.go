package model

import "time"

// InventoryStatus covers both stock classification and saga run states.
// Values are wire-stable.
type InventoryStatus string

const (
	StockAvailable    InventoryStatus = "IN_STOCK"
	StockLow          InventoryStatus = "LOW_STOCK"
	StockOut          InventoryStatus = "OUT_OF_STOCK"
	StockDiscontinued InventoryStatus = "DISCONTINUED"

	SagaPending   InventoryStatus = "PENDING"
	SagaReserved  InventoryStatus = "RESERVED"
	SagaCompleted InventoryStatus = "COMPLETED"
	SagaFailed    InventoryStatus = "FAILED"
	SagaCancelled InventoryStatus = "CANCELLED"
)

// LowStockThreshold is the available quantity below which a product is
// reported as LOW_STOCK. The classification is derived, never stored.
const LowStockThreshold = 10

// InventoryItem is the stored stock record for one product.
type InventoryItem struct {
	ProductID    string `json:"product_id"`
	Name         string `json:"name,omitempty"`
	Quantity     int    `json:"quantity"`
	Reserved     int    `json:"reserved"`
	Discontinued bool   `json:"discontinued,omitempty"`
}

// Available returns the sellable quantity.
func (i InventoryItem) Available() int {
	return i.Quantity - i.Reserved
}

// StockStatus derives the classification from the available quantity.
func (i InventoryItem) StockStatus() InventoryStatus {
	if i.Discontinued {
		return StockDiscontinued
	}
	avail := i.Available()
	switch {
	case avail <= 0:
		return StockOut
	case avail < LowStockThreshold:
		return StockLow
	default:
		return StockAvailable
	}
}

// InventoryUpdate is one requested stock change. Negative QuantityChange
// consumes stock; positive restocks.
type InventoryUpdate struct {
	ProductID      string `json:"product_id"`
	QuantityChange int    `json:"quantity_change"`
	OrderID        string `json:"order_id,omitempty"`
}

// Reservation is a pending, conditional decrement: created on a
// successful reserve, cleared by a commit or a compensating unreserve.
type Reservation struct {
	ProductID  string    `json:"product_id"`
	OrderID    string    `json:"order_id"`
	Quantity   int       `json:"quantity"`
	ReservedAt time.Time `json:"reserved_at"`
}

// CheckResult is the read-only availability answer for one product.
type CheckResult struct {
	ProductID   string          `json:"product_id"`
	Available   int             `json:"available"`
	IsAvailable bool            `json:"is_available"`
	Status      InventoryStatus `json:"status"`
	CheckedAt   time.Time       `json:"checked_at"`
}

// UpdatedRecord reports the stock levels after a committed update.
type UpdatedRecord struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	Reserved  int             `json:"reserved"`
	Status    InventoryStatus `json:"status"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// UnreservationRecord reports a compensating release of a reservation.
type UnreservationRecord struct {
	ProductID    string    `json:"product_id"`
	OrderID      string    `json:"order_id,omitempty"`
	Quantity     int       `json:"quantity"`
	UnreservedAt time.Time `json:"unreserved_at"`
}
