package workflows

import (
	"encoding/json"
	"time"

	"github.com/orderflow/orderflow/activities"
	"github.com/orderflow/orderflow/fault"
	"github.com/orderflow/orderflow/model"
	"github.com/orderflow/orderflow/workflow"
)

// RefundWindow is how long a completed payment stays open for refunds.
const RefundWindow = 24 * time.Hour

// PaymentResult is the terminal output of a payment run.
type PaymentResult struct {
	PaymentID     string              `json:"payment_id"`
	OrderID       string              `json:"order_id"`
	Status        model.PaymentStatus `json:"status"`
	TransactionID string              `json:"transaction_id,omitempty"`
	Error         string              `json:"error,omitempty"`
}

// PaymentWorkflow charges a payment, verifies unsettled results, and
// keeps a refund window open after completion.
type PaymentWorkflow struct {
	payment         model.Payment
	refundRequested bool
	cancelled       bool
	refundError     string
}

// NewPaymentWorkflow creates a fresh instance for one run.
func NewPaymentWorkflow() workflow.Workflow {
	return &PaymentWorkflow{}
}

// PaymentDefinition returns the registration for this workflow type.
func PaymentDefinition() *workflow.Definition {
	return &workflow.Definition{
		Name:        PaymentWorkflowName,
		Description: "Payment processing with refund window",
		Version:     "1.0",
		Factory:     NewPaymentWorkflow,
		Options:     workflow.Options{TaskQueue: PaymentTaskQueue},
	}
}

// Name implements workflow.Workflow
func (w *PaymentWorkflow) Name() string {
	return PaymentWorkflowName
}

// Execute implements workflow.Workflow
func (w *PaymentWorkflow) Execute(ctx workflow.Context, input json.RawMessage) (interface{}, error) {
	logger := ctx.Logger()

	if err := json.Unmarshal(input, &w.payment); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "decode payment input")
	}
	if w.payment.PaymentID == "" {
		w.payment.PaymentID = ctx.WorkflowID()
	}
	w.payment.Status = model.PaymentPending
	logger.Info("payment received", "payment_id", w.payment.PaymentID, "amount", w.payment.Amount)

	var charged model.Payment
	if err := ctx.ExecuteActivity("process_payment", w.payment).Get(&charged); err != nil {
		w.payment.Status = model.PaymentFailed
		w.payment.Error = err.Error()
		logger.Warn("payment failed", "payment_id", w.payment.PaymentID, "error", err.Error())
		return w.result(), nil
	}
	w.payment = charged

	if w.payment.Status == model.PaymentProcessing {
		// One verification probe replaces the unsettled status.
		var verified model.VerificationResult
		err := ctx.ExecuteActivity("verify_payment_status", activities.VerifyPaymentInput{
			PaymentID:     w.payment.PaymentID,
			TransactionID: w.payment.TransactionID,
		}).Get(&verified)
		if err != nil {
			logger.Warn("verification failed, keeping reported status",
				"payment_id", w.payment.PaymentID, "error", err.Error())
		} else {
			w.payment.Status = verified.Status
		}
	}

	if w.payment.Status != model.PaymentCompleted {
		logger.Info("payment closed without completing", "payment_id", w.payment.PaymentID, "status", string(w.payment.Status))
		return w.result(), nil
	}

	settled, err := ctx.AwaitWithTimeout(RefundWindow, func() bool { return w.refundRequested || w.cancelled })
	if err != nil {
		// Cancellation after a successful charge closes the run; the
		// charge itself stands.
		logger.Info("payment run cancelled after completion", "payment_id", w.payment.PaymentID)
		return w.result(), nil
	}
	if !settled {
		logger.Info("refund window expired", "payment_id", w.payment.PaymentID)
		return w.result(), nil
	}
	if !w.refundRequested {
		// cancel_payment releases the window early; the charge stands.
		logger.Info("refund window released", "payment_id", w.payment.PaymentID)
		return w.result(), nil
	}

	var refunded model.Payment
	if err := ctx.ExecuteActivity("refund_payment", w.payment).Get(&refunded); err != nil {
		// A failed refund never rolls back the completed charge.
		w.refundError = err.Error()
		logger.Error("refund failed", "payment_id", w.payment.PaymentID, "error", err.Error())
		return w.result(), nil
	}
	w.payment = refunded
	logger.Info("payment refunded", "payment_id", w.payment.PaymentID, "transaction_id", w.payment.TransactionID)
	return w.result(), nil
}

func (w *PaymentWorkflow) result() *PaymentResult {
	errMsg := w.payment.Error
	if errMsg == "" {
		errMsg = w.refundError
	}
	return &PaymentResult{
		PaymentID:     w.payment.PaymentID,
		OrderID:       w.payment.OrderID,
		Status:        w.payment.Status,
		TransactionID: w.payment.TransactionID,
		Error:         errMsg,
	}
}

// HandleSignal implements workflow.SignalHandler
func (w *PaymentWorkflow) HandleSignal(ctx workflow.Context, name string, payload json.RawMessage) {
	logger := ctx.Logger()
	switch name {
	case "request_refund":
		if w.payment.Status != model.PaymentCompleted {
			logger.Info("ignoring refund request", "status", string(w.payment.Status))
			return
		}
		w.refundRequested = true
	case "cancel_payment":
		w.cancelled = true
	default:
		logger.Warn("ignoring unknown signal", "name", name)
	}
}

// HandleQuery implements workflow.QueryHandler
func (w *PaymentWorkflow) HandleQuery(name string, args json.RawMessage) (interface{}, error) {
	switch name {
	case "get_status":
		return string(w.payment.Status), nil
	case "get_details":
		return w.payment, nil
	default:
		return nil, fault.New(fault.KindValidation, "unknown query %s", name)
	}
}
