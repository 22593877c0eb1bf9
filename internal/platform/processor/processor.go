// Package processor provides the port and HTTP client for the external
// payment processor. Billing services depend on the Gateway interface only;
// the HTTP client and the development stub both satisfy it.
package processor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrTimeout            = errors.New("processor: request timed out")
	ErrDeclined           = errors.New("processor: charge declined")
	ErrRefundRejected     = errors.New("processor: refund rejected")
	ErrUnavailable        = errors.New("processor: gateway unavailable")
	ErrUnexpectedResponse = errors.New("processor: unexpected response")
)

// IntentRequest asks the processor to charge a payment method.
type IntentRequest struct {
	PaymentID uuid.UUID       `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Method    string          `json:"method"`
	Reference string          `json:"reference"`
}

// Intent is the processor's record of an initiated charge.
type Intent struct {
	ProviderRef string    `json:"provider_ref"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// RefundRequest asks the processor to return a settled charge.
type RefundRequest struct {
	ProviderRef string          `json:"provider_ref"`
	Amount      decimal.Decimal `json:"amount"`
	Reason      string          `json:"reason"`
}

// RefundResult is the processor's acknowledgement of a refund.
type RefundResult struct {
	RefundRef   string    `json:"refund_ref"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Gateway is the outbound port to the payment processor.
type Gateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}
