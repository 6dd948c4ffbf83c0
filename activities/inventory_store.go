// Package activities implements the side-effecting operations invoked
// by the order, payment, and inventory workflows, together with the
// simulated stores and gateways they act on.
package activities

import (
	"sync"
	"time"

	"github.com/orderflow/orderflow/fault"
	"github.com/orderflow/orderflow/model"
)

// InventoryStore holds product stock with reservation accounting.
// Reservations are enforced by an atomic check-and-increment under the
// store lock; the workflow engine never touches this state directly.
type InventoryStore struct {
	mu    sync.Mutex
	items map[string]*model.InventoryItem
}

// NewInventoryStore creates an empty store.
func NewInventoryStore() *InventoryStore {
	return &InventoryStore{items: make(map[string]*model.InventoryItem)}
}

// NewSeededInventoryStore creates a store with the demo catalog.
func NewSeededInventoryStore() *InventoryStore {
	s := NewInventoryStore()
	s.Put(&model.InventoryItem{ProductID: "PROD-001", Name: "Laptop", Quantity: 50})
	s.Put(&model.InventoryItem{ProductID: "PROD-002", Name: "Mouse", Quantity: 200})
	s.Put(&model.InventoryItem{ProductID: "PROD-003", Name: "Keyboard", Quantity: 150})
	s.Put(&model.InventoryItem{ProductID: "PROD-004", Name: "Monitor", Quantity: 8})
	s.Put(&model.InventoryItem{ProductID: "PROD-005", Name: "Headset", Quantity: 0})
	return s
}

// Put inserts or replaces a product record.
func (s *InventoryStore) Put(item *model.InventoryItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *item
	s.items[item.ProductID] = &cp
}

// Get returns a copy of the product record.
func (s *InventoryStore) Get(productID string) (model.InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[productID]
	if !ok {
		return model.InventoryItem{}, fault.New(fault.KindProductNotFound, "product %s not found", productID)
	}
	return *item, nil
}

// Reserve atomically checks availability and increments the reserved
// count. Insufficient stock leaves the record untouched.
func (s *InventoryStore) Reserve(productID string, qty int) (model.InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[productID]
	if !ok {
		return model.InventoryItem{}, fault.New(fault.KindProductNotFound, "product %s not found", productID)
	}
	if item.Available() < qty {
		return model.InventoryItem{}, fault.New(fault.KindInsufficient,
			"product %s has %d available, %d requested", productID, item.Available(), qty)
	}
	item.Reserved += qty
	return *item, nil
}

// Unreserve releases up to qty reserved units. Releasing more than is
// reserved clamps to zero rather than failing, so compensation stays
// best-effort idempotent.
func (s *InventoryStore) Unreserve(productID string, qty int) (model.InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[productID]
	if !ok {
		return model.InventoryItem{}, fault.New(fault.KindProductNotFound, "product %s not found", productID)
	}
	item.Reserved -= qty
	if item.Reserved < 0 {
		item.Reserved = 0
	}
	return *item, nil
}

// Apply commits a stock change. A negative change consumes stock and
// releases the matching reservation; both counters clamp at zero.
func (s *InventoryStore) Apply(update model.InventoryUpdate) (model.InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[update.ProductID]
	if !ok {
		return model.InventoryItem{}, fault.New(fault.KindProductNotFound, "product %s not found", update.ProductID)
	}
	item.Quantity += update.QuantityChange
	if item.Quantity < 0 {
		item.Quantity = 0
	}
	if update.QuantityChange < 0 {
		item.Reserved += update.QuantityChange
		if item.Reserved < 0 {
			item.Reserved = 0
		}
	}
	return *item, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
