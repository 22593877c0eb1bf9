// Package plan owns the treatment plan and item state machines: a clinician
// drafts billable items, approves the plan into an immutable structure, and
// tracks per-item execution until the plan completes.
package plan

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/carebill/carebill/internal/platform/fault"
)

// PlanState is the lifecycle state of a Plan.
type PlanState string

const (
	StateDraft      PlanState = "draft"
	StateApproved   PlanState = "approved"
	StateInProgress PlanState = "in_progress"
	StatePaused     PlanState = "paused"
	StateCompleted  PlanState = "completed"
	StateCancelled  PlanState = "cancelled"
)

// planTransitions is the full allowed transition table. Any (from, to) pair
// not listed fails with InvalidTransition.
var planTransitions = map[PlanState][]PlanState{
	StateDraft:      {StateApproved, StateCancelled},
	StateApproved:   {StateInProgress, StateCancelled},
	StateInProgress: {StatePaused, StateCompleted, StateCancelled},
	StatePaused:     {StateInProgress, StateCancelled},
	StateCompleted:  {},
	StateCancelled:  {},
}

// CanTransition reports whether the plan state machine allows from -> to.
func CanTransition(from, to PlanState) bool {
	for _, next := range planTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s PlanState) Terminal() bool {
	return len(planTransitions[s]) == 0
}

// ItemState is the execution state of a single plan item.
type ItemState string

const (
	ItemPending   ItemState = "pending"
	ItemActive    ItemState = "active"
	ItemCompleted ItemState = "completed"
	ItemCancelled ItemState = "cancelled"
)

var itemTransitions = map[ItemState][]ItemState{
	ItemPending:   {ItemActive, ItemCancelled},
	ItemActive:    {ItemCompleted, ItemCancelled},
	ItemCompleted: {},
	ItemCancelled: {},
}

// CanTransitionItem reports whether the item state machine allows from -> to.
func CanTransitionItem(from, to ItemState) bool {
	for _, next := range itemTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the item state admits no further transitions.
func (s ItemState) Terminal() bool {
	return len(itemTransitions[s]) == 0
}

// Plan is a proposed set of billable clinical items for a patient.
type Plan struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	PatientID      uuid.UUID       `db:"patient_id" json:"patient_id"`
	PractitionerID uuid.UUID       `db:"practitioner_id" json:"practitioner_id"`
	State          PlanState       `db:"state" json:"state"`
	Subtotal       decimal.Decimal `db:"subtotal" json:"subtotal"`
	Discount       decimal.Decimal `db:"discount" json:"discount"`
	Total          decimal.Decimal `db:"total" json:"total"`
	Currency       string          `db:"currency" json:"currency"`
	// HasAcceptance marks that some budget derived from this plan carries an
	// active acceptance; later budget generation must not cover the same items.
	HasAcceptance bool       `db:"has_acceptance" json:"has_acceptance"`
	ApprovedAt    *time.Time `db:"approved_at" json:"approved_at,omitempty"`
	ApprovedBy    *uuid.UUID `db:"approved_by" json:"approved_by,omitempty"`
	PauseReason   *string    `db:"pause_reason" json:"pause_reason,omitempty"`
	CancelReason  *string    `db:"cancel_reason" json:"cancel_reason,omitempty"`
	Notes         *string    `db:"notes" json:"notes,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// Item is one billable procedure within a Plan.
type Item struct {
	ID       uuid.UUID       `db:"id" json:"id"`
	PlanID   uuid.UUID       `db:"plan_id" json:"plan_id"`
	Service  string          `db:"service" json:"service"`
	UnitCost decimal.Decimal `db:"unit_cost" json:"unit_cost"`
	State    ItemState       `db:"state" json:"state"`
	// Progress is the last recorded session percentage, monotone 0-100.
	Progress int `db:"progress" json:"progress"`
	Position int `db:"position" json:"position"`
	// PartialEligible marks the item as acceptable on its own in a partial
	// budget acceptance.
	PartialEligible bool `db:"partial_eligible" json:"partial_eligible"`
	// LockedPaid is set once a payment fully covers the item; the discount and
	// cost can no longer be edited even by an administrator.
	LockedPaid bool      `db:"locked_paid" json:"locked_paid"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Active reports whether the item counts toward plan totals.
func (i *Item) Active() bool {
	return i.State != ItemCancelled
}

// Session is one recorded execution session against an item.
type Session struct {
	ID         uuid.UUID `db:"id" json:"id"`
	ItemID     uuid.UUID `db:"item_id" json:"item_id"`
	Progress   int       `db:"progress" json:"progress"`
	Notes      *string   `db:"notes" json:"notes,omitempty"`
	RecordedBy uuid.UUID `db:"recorded_by" json:"recorded_by"`
	RecordedAt time.Time `db:"recorded_at" json:"recorded_at"`
}

// RecomputeTotals sets subtotal, total from the active items and validates
// the discount. Totals hold the invariant total = subtotal - discount after
// every mutating operation.
func (p *Plan) RecomputeTotals(items []*Item) error {
	subtotal := decimal.Zero
	for _, it := range items {
		if it.Active() {
			subtotal = subtotal.Add(it.UnitCost)
		}
	}
	if p.Discount.IsNegative() {
		return fault.Validation("NegativeDiscount", "discount must not be negative")
	}
	if p.Discount.GreaterThan(subtotal) {
		return fault.Validation("DiscountExceedsSubtotal", "discount must not exceed subtotal")
	}
	p.Subtotal = subtotal
	p.Total = subtotal.Sub(p.Discount)
	return nil
}

// Editable reports whether the plan structure (items, costs, discount) may
// still change.
func (p *Plan) Editable() bool {
	return p.State == StateDraft
}

// Executable reports whether item execution may be recorded.
func (p *Plan) Executable() bool {
	return p.State == StateApproved || p.State == StateInProgress
}

// ProgressPercent returns completed-active-items / active-items as a 0-100
// percentage. A plan with no active items reports 0.
func ProgressPercent(items []*Item) int {
	active, completed := 0, 0
	for _, it := range items {
		if !it.Active() {
			continue
		}
		active++
		if it.State == ItemCompleted {
			completed++
		}
	}
	if active == 0 {
		return 0
	}
	return completed * 100 / active
}
