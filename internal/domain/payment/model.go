// Package payment reconciles monetary transactions against a treatment plan:
// it owns the payment state machine, distributes settled amounts across plan
// items, and applies processor webhook events idempotently.
package payment

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// State is the lifecycle state of a Payment. Transitions are monotone
// forward; the only edge leaving a settled state is Approved -> Refunded.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateApproved   State = "approved"
	StateRejected   State = "rejected"
	StateRefunded   State = "refunded"
	StateCancelled  State = "cancelled"
)

var transitions = map[State][]State{
	StatePending:    {StateProcessing, StateApproved, StateRejected, StateCancelled},
	StateProcessing: {StateApproved, StateRejected, StateCancelled},
	StateApproved:   {StateRefunded},
	StateRejected:   {},
	StateRefunded:   {},
	StateCancelled:  {},
}

// CanTransition reports whether the payment state machine allows from -> to.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// Payment methods. Card charges go through the external processor; cash and
// bank transfers are confirmed by staff and settle locally.
const (
	MethodCard     = "card"
	MethodCash     = "cash"
	MethodTransfer = "bank_transfer"
)

// RequiresProcessor reports whether the method needs an external intent.
func RequiresProcessor(method string) bool {
	return method == MethodCard
}

// Payment is a monetary transaction against a plan, optionally restricted to
// a subset of its items.
type Payment struct {
	ID       uuid.UUID       `db:"id" json:"id"`
	PlanID   uuid.UUID       `db:"plan_id" json:"plan_id"`
	Amount   decimal.Decimal `db:"amount" json:"amount"`
	Currency string          `db:"currency" json:"currency"`
	Method   string          `db:"method" json:"method"`
	State    State           `db:"state" json:"state"`
	// ProviderRef is the processor's external reference; webhook events are
	// matched on it.
	ProviderRef  *string    `db:"provider_ref" json:"provider_ref,omitempty"`
	FailReason   *string    `db:"fail_reason" json:"fail_reason,omitempty"`
	CancelReason *string    `db:"cancel_reason" json:"cancel_reason,omitempty"`
	ApprovedAt   *time.Time `db:"approved_at" json:"approved_at,omitempty"`
	RefundedAt   *time.Time `db:"refunded_at" json:"refunded_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// Active reports whether the payment still reserves or holds money against
// the plan's balance.
func (p *Payment) Active() bool {
	return p.State == StatePending || p.State == StateProcessing || p.State == StateApproved
}

// Allocation records how much of one payment landed on one plan item.
type Allocation struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	PaymentID  uuid.UUID       `db:"payment_id" json:"payment_id"`
	PlanItemID uuid.UUID       `db:"plan_item_id" json:"plan_item_id"`
	Amount     decimal.Decimal `db:"amount" json:"amount"`
	// ResultingBalance is the item's outstanding balance after this allocation.
	ResultingBalance decimal.Decimal `db:"resulting_balance" json:"resulting_balance"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
}

// Receipt is the immutable proof artifact of an approved payment. A unique
// constraint on payment_id guarantees at most one per payment.
type Receipt struct {
	ID               uuid.UUID `db:"id" json:"id"`
	PaymentID        uuid.UUID `db:"payment_id" json:"payment_id"`
	VerificationCode string    `db:"verification_code" json:"verification_code"`
	DocumentHash     string    `db:"document_hash" json:"document_hash"`
	DocumentURL      string    `db:"document_url" json:"document_url"`
	IssuedAt         time.Time `db:"issued_at" json:"issued_at"`
}
