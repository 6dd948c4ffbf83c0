package activities

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orderflow/orderflow/activity"
	"github.com/orderflow/orderflow/fault"
	"github.com/orderflow/orderflow/model"
)

// PaymentGateway is the external charging system the payment activities
// talk to. Implementations own their own consistency; the workflow only
// ever sees recorded results.
type PaymentGateway interface {
	Charge(ctx context.Context, p *model.Payment) (*model.Payment, error)
	Refund(ctx context.Context, p *model.Payment) (*model.Payment, error)
	Verify(ctx context.Context, paymentID, transactionID string) (*model.VerificationResult, error)
}

// SimulatedGateway is an in-memory gateway for demos and tests.
type SimulatedGateway struct {
	mu       sync.Mutex
	payments map[string]*model.Payment // keyed by transaction ID

	// ChargeStatus, when non-empty, overrides the status returned by
	// Charge. Tests use PROCESSING to exercise the verification path.
	ChargeStatus model.PaymentStatus
}

// NewSimulatedGateway creates an empty simulated gateway.
func NewSimulatedGateway() *SimulatedGateway {
	return &SimulatedGateway{payments: make(map[string]*model.Payment)}
}

// Charge implements PaymentGateway.
func (g *SimulatedGateway) Charge(ctx context.Context, p *model.Payment) (*model.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := *p
	out.TransactionID = "TXN-" + strings.ToUpper(uuid.NewString()[:8])
	out.Status = model.PaymentCompleted
	if g.ChargeStatus != "" {
		out.Status = g.ChargeStatus
	}
	now := nowUTC()
	out.ProcessedAt = &now

	cp := out
	g.payments[out.TransactionID] = &cp
	return &out, nil
}

// Refund implements PaymentGateway.
func (g *SimulatedGateway) Refund(ctx context.Context, p *model.Payment) (*model.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	stored, ok := g.payments[p.TransactionID]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "transaction %s not found", p.TransactionID)
	}
	if stored.Status != model.PaymentCompleted {
		return nil, fault.New(fault.KindIllegalState, "transaction %s is %s, only completed payments can be refunded",
			p.TransactionID, stored.Status)
	}
	stored.Status = model.PaymentRefunded

	out := *stored
	return &out, nil
}

// Verify implements PaymentGateway.
func (g *SimulatedGateway) Verify(ctx context.Context, paymentID, transactionID string) (*model.VerificationResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	status := model.PaymentCompleted
	if stored, ok := g.payments[transactionID]; ok {
		status = stored.Status
		// A gateway-side PROCESSING settles on verification.
		if status == model.PaymentProcessing {
			status = model.PaymentCompleted
			stored.Status = status
		}
	}
	return &model.VerificationResult{
		PaymentID:     paymentID,
		TransactionID: transactionID,
		Status:        status,
		VerifiedAt:    nowUTC(),
	}, nil
}

// VerifyPaymentInput identifies the payment to verify at the gateway.
type VerifyPaymentInput struct {
	PaymentID     string `json:"payment_id"`
	TransactionID string `json:"transaction_id"`
}

// RegisterPaymentActivities binds the payment effects to a gateway.
func RegisterPaymentActivities(reg *activity.Registry, gw PaymentGateway) error {
	processPayment := activity.Typed(func(ctx context.Context, in model.Payment) (interface{}, error) {
		if in.Amount <= 0 {
			return nil, fault.New(fault.KindValidation, "payment amount must be positive, got %.2f", in.Amount)
		}
		if in.Method == "" {
			return nil, fault.New(fault.KindValidation, "payment method is required")
		}
		return gw.Charge(ctx, &in)
	})

	refundPayment := activity.Typed(func(ctx context.Context, in model.Payment) (interface{}, error) {
		if in.TransactionID == "" {
			return nil, fault.New(fault.KindIllegalState, "payment %s has no transaction to refund", in.PaymentID)
		}
		return gw.Refund(ctx, &in)
	})

	verifyPayment := activity.Typed(func(ctx context.Context, in VerifyPaymentInput) (interface{}, error) {
		return gw.Verify(ctx, in.PaymentID, in.TransactionID)
	})

	if err := reg.Register("process_payment", processPayment, activity.Info{
		Description: "Charge a payment through the gateway",
		Timeout:     30 * time.Second,
		RetryPolicy: &activity.RetryPolicy{
			MaxAttempts:        3,
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaxInterval:        10 * time.Second,
		},
	}); err != nil {
		return err
	}
	if err := reg.Register("refund_payment", refundPayment, activity.Info{
		Description: "Refund a completed payment",
		Timeout:     30 * time.Second,
		RetryPolicy: &activity.RetryPolicy{
			MaxAttempts:        3,
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaxInterval:        10 * time.Second,
		},
	}); err != nil {
		return err
	}
	// Verification is a single shot: a failed probe is retried by the
	// workflow on its own terms, not by the dispatcher.
	return reg.Register("verify_payment_status", verifyPayment, activity.Info{
		Description: "Check a payment's settled status at the gateway",
		Timeout:     10 * time.Second,
		RetryPolicy: activity.NoRetry(),
	})
}
