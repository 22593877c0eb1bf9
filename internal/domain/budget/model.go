// Package budget freezes an approved plan subset into an immutable, dated
// quote and records the patient's signed decision on it.
package budget

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/carebill/carebill/internal/platform/fault"
)

// State is the lifecycle state of a Budget.
type State string

const (
	StateDraft    State = "draft"
	StateIssued   State = "issued"
	StateAccepted State = "accepted"
	StateRejected State = "rejected"
	StateExpired  State = "expired"
)

var transitions = map[State][]State{
	StateDraft:    {StateIssued},
	StateIssued:   {StateAccepted, StateRejected, StateExpired},
	StateAccepted: {},
	StateRejected: {},
	StateExpired:  {},
}

// CanTransition reports whether the budget state machine allows from -> to.
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

// Budget is a frozen, versioned quote derived from an approved plan, covering
// the whole plan or a tranche of its items.
type Budget struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	PlanID       uuid.UUID       `db:"plan_id" json:"plan_id"`
	State        State           `db:"state" json:"state"`
	Subtotal     decimal.Decimal `db:"subtotal" json:"subtotal"`
	Discount     decimal.Decimal `db:"discount" json:"discount"`
	Total        decimal.Decimal `db:"total" json:"total"`
	Currency     string          `db:"currency" json:"currency"`
	ValidityDays int             `db:"validity_days" json:"validity_days"`
	ValidUntil   *time.Time      `db:"valid_until" json:"valid_until,omitempty"`
	IssuedAt     *time.Time      `db:"issued_at" json:"issued_at,omitempty"`
	DecidedAt    *time.Time      `db:"decided_at" json:"decided_at,omitempty"`
	RejectReason *string         `db:"reject_reason" json:"reject_reason,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// Expired reports whether the validity window has passed at the given time.
func (b *Budget) ExpiredAt(now time.Time) bool {
	return b.ValidUntil != nil && now.After(*b.ValidUntil)
}

// Item is a read-only snapshot of one plan item at generation time. Budget
// items never track execution; they preserve the quoted price even if the
// plan later changes.
type Item struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	BudgetID        uuid.UUID       `db:"budget_id" json:"budget_id"`
	PlanItemID      uuid.UUID       `db:"plan_item_id" json:"plan_item_id"`
	Service         string          `db:"service" json:"service"`
	UnitCost        decimal.Decimal `db:"unit_cost" json:"unit_cost"`
	PartialEligible bool            `db:"partial_eligible" json:"partial_eligible"`
	Position        int             `db:"position" json:"position"`
}

// AcceptanceMode distinguishes full from partial acceptance.
type AcceptanceMode string

const (
	ModeFull    AcceptanceMode = "full"
	ModePartial AcceptanceMode = "partial"
)

// SignaturePayload is the patient-supplied signature envelope. It is stored
// verbatim; validity requires at least a timestamp and an actor identifier.
type SignaturePayload struct {
	Timestamp time.Time `json:"timestamp"`
	ActorID   string    `json:"actor_id"`
	Hash      string    `json:"hash,omitempty"`
}

// Validate checks the minimum required signature fields.
func (s SignaturePayload) Validate() error {
	if s.Timestamp.IsZero() || s.ActorID == "" {
		return fault.Validation("SignatureRequired", "signature must carry a timestamp and an actor identifier")
	}
	return nil
}

// Acceptance is the patient's signed decision on a budget. Exactly one
// active acceptance may exist per budget, enforced by a uniqueness
// constraint.
type Acceptance struct {
	ID               uuid.UUID       `db:"id" json:"id"`
	BudgetID         uuid.UUID       `db:"budget_id" json:"budget_id"`
	Mode             AcceptanceMode  `db:"mode" json:"mode"`
	AcceptedAmount   decimal.Decimal `db:"accepted_amount" json:"accepted_amount"`
	SignaturePayload json.RawMessage `db:"signature_payload" json:"signature_payload"`
	DocumentHash     string          `db:"document_hash" json:"document_hash"`
	DocumentURL      string          `db:"document_url" json:"document_url"`
	VerificationCode string          `db:"verification_code" json:"verification_code"`
	ActorID          uuid.UUID       `db:"actor_id" json:"actor_id"`
	ActorIP          string          `db:"actor_ip" json:"actor_ip"`
	Notes            *string         `db:"notes" json:"notes,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
}
