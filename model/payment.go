package model

import "time"

// PaymentStatus is the lifecycle of a payment. Values are wire-stable.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentProcessing PaymentStatus = "PROCESSING"
	PaymentCompleted  PaymentStatus = "COMPLETED"
	PaymentFailed     PaymentStatus = "FAILED"
	PaymentRefunded   PaymentStatus = "REFUNDED"
)

// PaymentMethod identifies how a payment is charged.
type PaymentMethod string

const (
	MethodCreditCard   PaymentMethod = "CREDIT_CARD"
	MethodBankTransfer PaymentMethod = "BANK_TRANSFER"
	MethodCash         PaymentMethod = "CASH"
	MethodEWallet      PaymentMethod = "E_WALLET"
)

// Payment tracks a single charge against an order.
type Payment struct {
	PaymentID     string        `json:"payment_id"`
	OrderID       string        `json:"order_id"`
	CustomerID    string        `json:"customer_id,omitempty"`
	Amount        float64       `json:"amount"`
	Method        PaymentMethod `json:"method"`
	Status        PaymentStatus `json:"status"`
	TransactionID string        `json:"transaction_id,omitempty"`
	Error         string        `json:"error,omitempty"`
	CreatedAt     time.Time     `json:"created_at,omitempty"`
	ProcessedAt   *time.Time    `json:"processed_at,omitempty"`
}

// VerificationResult is the answer from a payment status check against
// the gateway.
type VerificationResult struct {
	PaymentID     string        `json:"payment_id"`
	TransactionID string        `json:"transaction_id"`
	Status        PaymentStatus `json:"status"`
	VerifiedAt    time.Time     `json:"verified_at"`
}
