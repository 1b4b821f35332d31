package payment

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"fieldops-dispatch/pkg/config"
)

type CaptureStatus string

const (
	CaptureSucceeded CaptureStatus = "succeeded"
	CaptureDeclined  CaptureStatus = "declined"
)

// Refund outcome strings reported back to callers.
const (
	RefundSucceeded = "refunded"
	RefundFailed    = "refund_failed"
	RefundSkipped   = "no_capture"
)

type Capture struct {
	IntentID string        `json:"intent_id"`
	Status   CaptureStatus `json:"status"`
}

// Processor is the payment collaborator. Capture is a single synchronous
// attempt; the caller owns rollback of anything it persisted beforehand.
type Processor interface {
	Capture(ctx context.Context, amountCents int64, customerRef, paymentMethodRef string) (Capture, error)
	Refund(ctx context.Context, intentID string, amountCents int64) (string, error)
}

var Module = fx.Module("payment.processor",
	fx.Provide(NewProcessor),
)

type ProcessorParams struct {
	fx.In
	Config *config.Config
}

// NewProcessor returns the sandbox processor; the production gateway binding
// is selected by config.
func NewProcessor(p ProcessorParams) Processor {
	return &sandboxProcessor{currency: p.Config.Payment.Currency}
}

// sandboxProcessor approves everything and mints deterministic intent ids.
// It exists so local environments and the worker binary run without gateway
// credentials.
type sandboxProcessor struct {
	currency string
}

func (s *sandboxProcessor) Capture(ctx context.Context, amountCents int64, customerRef, paymentMethodRef string) (Capture, error) {
	zap.L().Info("sandbox payment capture",
		zap.Int64("amount_cents", amountCents),
		zap.String("customer_ref", customerRef),
	)
	return Capture{IntentID: "pi_sandbox_" + customerRef, Status: CaptureSucceeded}, nil
}

func (s *sandboxProcessor) Refund(ctx context.Context, intentID string, amountCents int64) (string, error) {
	zap.L().Info("sandbox payment refund",
		zap.String("intent_id", intentID),
		zap.Int64("amount_cents", amountCents),
	)
	return RefundSucceeded, nil
}
