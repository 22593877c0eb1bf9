package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/carebill/carebill/internal/platform/audit"
	"github.com/carebill/carebill/internal/platform/auth"
	"github.com/carebill/carebill/internal/platform/db"
	"github.com/carebill/carebill/internal/platform/fault"
	"github.com/carebill/carebill/internal/platform/notify"
)

// Service implements the plan and item lifecycle operations. It is stateless;
// all state lives in the repositories and every balance-dependent write runs
// inside a single transaction with the plan row locked.
type Service struct {
	plans  Repository
	items  ItemRepository
	audits audit.Sink
	events *notify.Dispatcher
	logger zerolog.Logger

	inTx func(ctx context.Context, fn func(ctx context.Context) error) error
}

func NewService(plans Repository, items ItemRepository, pool *pgxpool.Pool, audits audit.Sink, events *notify.Dispatcher, logger zerolog.Logger) *Service {
	return &Service{
		plans:  plans,
		items:  items,
		audits: audits,
		events: events,
		logger: logger,
		inTx: func(ctx context.Context, fn func(ctx context.Context) error) error {
			return db.RunInTx(ctx, pool, fn)
		},
	}
}

func (s *Service) record(ctx context.Context, action string, entityID uuid.UUID, detail any) {
	if s.audits == nil {
		return
	}
	actor := auth.ActorFromContext(ctx)
	var raw json.RawMessage
	if detail != nil {
		raw, _ = json.Marshal(detail)
	}
	if err := s.audits.Record(ctx, audit.Entry{
		ActorID:    actor.ID,
		ActorName:  actor.Name,
		Action:     action,
		EntityKind: "plan",
		EntityID:   entityID,
		Detail:     raw,
		RecordedAt: time.Now(),
	}); err != nil {
		s.logger.Error().Err(err).Str("action", action).Msg("plan: audit record failed")
	}
}

func (s *Service) publish(ctx context.Context, eventType string, planID uuid.UUID, payload any) {
	if s.events == nil {
		return
	}
	raw, _ := json.Marshal(payload)
	s.events.Publish(ctx, notify.Event{
		ID:         uuid.New(),
		Type:       eventType,
		EntityKind: "plan",
		EntityID:   planID,
		Payload:    raw,
		OccurredAt: time.Now(),
	})
}

// Create validates and persists a new draft plan.
func (s *Service) Create(ctx context.Context, p *Plan) error {
	if p.PatientID == uuid.Nil {
		return fault.Validation("PatientRequired", "patient_id is required")
	}
	if p.PractitionerID == uuid.Nil {
		return fault.Validation("PractitionerRequired", "practitioner_id is required")
	}
	if p.Currency == "" {
		p.Currency = "EUR"
	}
	p.State = StateDraft
	p.Subtotal = decimal.Zero
	p.Discount = decimal.Zero
	p.Total = decimal.Zero

	if err := s.plans.Create(ctx, p); err != nil {
		return err
	}
	s.record(ctx, "plan.create", p.ID, nil)
	return nil
}

// Get returns a plan by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Plan, error) {
	return s.plans.GetByID(ctx, id)
}

// Items returns a plan's items in position order.
func (s *Service) Items(ctx context.Context, planID uuid.UUID) ([]*Item, error) {
	return s.items.ListByPlan(ctx, planID)
}

// ListByPatient returns plans for a patient, newest first.
func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Plan, int, error) {
	return s.plans.ListByPatient(ctx, patientID, limit, offset)
}

// ItemSpec is the caller-supplied shape of a new or edited item.
type ItemSpec struct {
	Service         string          `json:"service"`
	UnitCost        decimal.Decimal `json:"unit_cost"`
	Position        int             `json:"position"`
	PartialEligible bool            `json:"partial_eligible"`
}

func (spec ItemSpec) validate() error {
	if spec.Service == "" {
		return fault.Validation("ServiceRequired", "item service is required")
	}
	if !spec.UnitCost.IsPositive() {
		return fault.Validation("InvalidUnitCost", "unit_cost must be positive")
	}
	return nil
}

// AddItem appends a billable item to a draft plan and recomputes totals.
func (s *Service) AddItem(ctx context.Context, planID uuid.UUID, spec ItemSpec) (*Item, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}

	var created *Item
	err := s.inTx(ctx, func(ctx context.Context) error {
		p, err := s.plans.GetForUpdate(ctx, planID)
		if err != nil {
			return err
		}
		if !p.Editable() {
			return fault.BusinessRule("PlanNotEditable", "items can only change while the plan is draft")
		}

		it := &Item{
			PlanID:          planID,
			Service:         spec.Service,
			UnitCost:        spec.UnitCost,
			State:           ItemPending,
			Position:        spec.Position,
			PartialEligible: spec.PartialEligible,
		}
		if err := s.items.Create(ctx, it); err != nil {
			return err
		}
		created = it

		return s.recomputeAndSave(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, "plan.item.add", planID, map[string]string{"item_id": created.ID.String()})
	return created, nil
}

// EditItem updates an item's billable attributes on a draft plan.
func (s *Service) EditItem(ctx context.Context, planID, itemID uuid.UUID, spec ItemSpec) (*Item, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}

	var edited *Item
	err := s.inTx(ctx, func(ctx context.Context) error {
		p, err := s.plans.GetForUpdate(ctx, planID)
		if err != nil {
			return err
		}
		if !p.Editable() {
			return fault.BusinessRule("PlanNotEditable", "items can only change while the plan is draft")
		}

		it, err := s.items.GetByID(ctx, itemID)
		if err != nil {
			return err
		}
		if it.PlanID != planID {
			return fault.NotFound("ItemNotFound", "item does not belong to this plan")
		}

		it.Service = spec.Service
		it.UnitCost = spec.UnitCost
		it.Position = spec.Position
		it.PartialEligible = spec.PartialEligible
		if err := s.items.Update(ctx, it); err != nil {
			return err
		}
		edited = it

		return s.recomputeAndSave(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, "plan.item.edit", planID, map[string]string{"item_id": itemID.String()})
	return edited, nil
}

// RemoveItem deletes an item from a draft plan.
func (s *Service) RemoveItem(ctx context.Context, planID, itemID uuid.UUID) error {
	err := s.inTx(ctx, func(ctx context.Context) error {
		p, err := s.plans.GetForUpdate(ctx, planID)
		if err != nil {
			return err
		}
		if !p.Editable() {
			return fault.BusinessRule("PlanNotEditable", "items can only change while the plan is draft")
		}

		it, err := s.items.GetByID(ctx, itemID)
		if err != nil {
			return err
		}
		if it.PlanID != planID {
			return fault.NotFound("ItemNotFound", "item does not belong to this plan")
		}

		if err := s.items.Delete(ctx, itemID); err != nil {
			return err
		}
		return s.recomputeAndSave(ctx, p)
	})
	if err != nil {
		return err
	}
	s.record(ctx, "plan.item.remove", planID, map[string]string{"item_id": itemID.String()})
	return nil
}

// SetDiscount changes the plan-level discount on a draft plan.
func (s *Service) SetDiscount(ctx context.Context, planID uuid.UUID, discount decimal.Decimal) (*Plan, error) {
	var updated *Plan
	err := s.inTx(ctx, func(ctx context.Context) error {
		p, err := s.plans.GetForUpdate(ctx, planID)
		if err != nil {
			return err
		}
		if !p.Editable() {
			return fault.BusinessRule("PlanNotEditable", "discount can only change while the plan is draft")
		}
		p.Discount = discount
		if err := s.recomputeAndSave(ctx, p); err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, "plan.discount.set", planID, map[string]string{"discount": discount.String()})
	return updated, nil
}

func (s *Service) recomputeAndSave(ctx context.Context, p *Plan) error {
	items, err := s.items.ListByPlan(ctx, p.ID)
	if err != nil {
		return err
	}
	if err := p.RecomputeTotals(items); err != nil {
		return err
	}
	return s.plans.Update(ctx, p)
}

// Approve freezes the plan structure. From here on items may change execution
// state but never cost or service.
func (s *Service) Approve(ctx context.Context, planID uuid.UUID) (*Plan, error) {
	actor := auth.ActorFromContext(ctx)

	var approved *Plan
	err := s.inTx(ctx, func(ctx context.Context) error {
		p, err := s.plans.GetForUpdate(ctx, planID)
		if err != nil {
			return err
		}
		if p.State != StateDraft {
			return fault.BusinessRule("AlreadyApproved", "plan is not draft")
		}

		items, err := s.items.ListByPlan(ctx, planID)
		if err != nil {
			return err
		}
		hasActive := false
		for _, it := range items {
			if it.Active() {
				hasActive = true
				break
			}
		}
		if !hasActive {
			return fault.BusinessRule("EmptyPlan", "plan has no active items to approve")
		}

		now := time.Now()
		p.State = StateApproved
		p.ApprovedAt = &now
		p.ApprovedBy = &actor.ID
		if err := s.plans.Update(ctx, p); err != nil {
			return err
		}
		approved = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, "plan.approve", planID, nil)
	s.publish(ctx, notify.EventPlanApproved, planID, map[string]string{"total": approved.Total.String()})
	return approved, nil
}

func (s *Service) transition(ctx context.Context, planID uuid.UUID, to PlanState, mutate func(*Plan)) (*Plan, error) {
	var out *Plan
	err := s.inTx(ctx, func(ctx context.Context) error {
		p, err := s.plans.GetForUpdate(ctx, planID)
		if err != nil {
			return err
		}
		if !CanTransition(p.State, to) {
			return fault.BusinessRule("InvalidTransition",
				fmt.Sprintf("cannot transition plan from %s to %s", p.State, to))
		}
		p.State = to
		if mutate != nil {
			mutate(p)
		}
		if err := s.plans.Update(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// StartExecution moves an approved plan into progress.
func (s *Service) StartExecution(ctx context.Context, planID uuid.UUID) (*Plan, error) {
	p, err := s.transition(ctx, planID, StateInProgress, func(p *Plan) { p.PauseReason = nil })
	if err != nil {
		return nil, err
	}
	s.record(ctx, "plan.start", planID, nil)
	return p, nil
}

// Pause suspends execution. The reason is mandatory.
func (s *Service) Pause(ctx context.Context, planID uuid.UUID, reason string) (*Plan, error) {
	if reason == "" {
		return nil, fault.Validation("ReasonRequired", "pause reason is required")
	}
	p, err := s.transition(ctx, planID, StatePaused, func(p *Plan) { p.PauseReason = &reason })
	if err != nil {
		return nil, err
	}
	s.record(ctx, "plan.pause", planID, map[string]string{"reason": reason})
	return p, nil
}

// Resume continues a paused plan.
func (s *Service) Resume(ctx context.Context, planID uuid.UUID) (*Plan, error) {
	p, err := s.transition(ctx, planID, StateInProgress, func(p *Plan) { p.PauseReason = nil })
	if err != nil {
		return nil, err
	}
	s.record(ctx, "plan.resume", planID, nil)
	return p, nil
}

// Complete closes the plan. Every active item must already be in a terminal
// execution state; completion is an explicit, audited call, never automatic.
func (s *Service) Complete(ctx context.Context, planID uuid.UUID) (*Plan, error) {
	var completed *Plan
	err := s.inTx(ctx, func(ctx context.Context) error {
		p, err := s.plans.GetForUpdate(ctx, planID)
		if err != nil {
			return err
		}
		if !CanTransition(p.State, StateCompleted) {
			return fault.BusinessRule("InvalidTransition",
				fmt.Sprintf("cannot complete plan from %s", p.State))
		}

		items, err := s.items.ListByPlan(ctx, planID)
		if err != nil {
			return err
		}
		for _, it := range items {
			if it.Active() && !it.State.Terminal() {
				return fault.BusinessRule("ItemsPending", "all active items must be completed or cancelled")
			}
		}

		p.State = StateCompleted
		if err := s.plans.Update(ctx, p); err != nil {
			return err
		}
		completed = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, "plan.complete", planID, nil)
	s.publish(ctx, notify.EventPlanCompleted, planID, nil)
	return completed, nil
}

// Cancel aborts the plan from any non-terminal state. The reason is mandatory.
func (s *Service) Cancel(ctx context.Context, planID uuid.UUID, reason string) (*Plan, error) {
	if reason == "" {
		return nil, fault.Validation("ReasonRequired", "cancel reason is required")
	}
	p, err := s.transition(ctx, planID, StateCancelled, func(p *Plan) { p.CancelReason = &reason })
	if err != nil {
		return nil, err
	}
	s.record(ctx, "plan.cancel", planID, map[string]string{"reason": reason})
	s.publish(ctx, notify.EventPlanCancelled, planID, map[string]string{"reason": reason})
	return p, nil
}

// Progress returns the plan's completion percentage over active items.
func (s *Service) Progress(ctx context.Context, planID uuid.UUID) (int, error) {
	if _, err := s.plans.GetByID(ctx, planID); err != nil {
		return 0, err
	}
	items, err := s.items.ListByPlan(ctx, planID)
	if err != nil {
		return 0, err
	}
	return ProgressPercent(items), nil
}

// RecordSession records an execution session against an item. The first
// session activates a pending item; a session at 100% completes it. Progress
// is monotone: recording below the last value fails with ProgressRegression.
func (s *Service) RecordSession(ctx context.Context, itemID uuid.UUID, progress int, notes *string) (*Item, error) {
	if progress < 0 || progress > 100 {
		return nil, fault.Validation("InvalidProgress", "progress must be between 0 and 100")
	}
	actor := auth.ActorFromContext(ctx)

	var updated *Item
	err := s.inTx(ctx, func(ctx context.Context) error {
		it, err := s.items.GetByID(ctx, itemID)
		if err != nil {
			return err
		}
		p, err := s.plans.GetForUpdate(ctx, it.PlanID)
		if err != nil {
			return err
		}
		if !p.Executable() {
			return fault.BusinessRule("PlanNotExecutable", "sessions can only be recorded while the plan is approved or in progress")
		}
		if it.State.Terminal() {
			return fault.BusinessRule("InvalidTransition",
				fmt.Sprintf("cannot record a session on a %s item", it.State))
		}
		if progress < it.Progress {
			return fault.BusinessRule("ProgressRegression",
				fmt.Sprintf("progress %d is below the item's recorded %d", progress, it.Progress))
		}

		if it.State == ItemPending {
			it.State = ItemActive
		}
		it.Progress = progress
		if progress == 100 {
			it.State = ItemCompleted
		}

		if err := s.items.AddSession(ctx, &Session{
			ItemID:     itemID,
			Progress:   progress,
			Notes:      notes,
			RecordedBy: actor.ID,
		}); err != nil {
			return err
		}
		if err := s.items.Update(ctx, it); err != nil {
			return err
		}
		updated = it
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, "plan.item.session", updated.PlanID, map[string]any{"item_id": itemID.String(), "progress": progress})
	return updated, nil
}

// CancelItem cancels a single item from pending or active state and
// recomputes plan totals so the cancelled item no longer counts.
func (s *Service) CancelItem(ctx context.Context, planID, itemID uuid.UUID) (*Item, error) {
	var cancelled *Item
	err := s.inTx(ctx, func(ctx context.Context) error {
		p, err := s.plans.GetForUpdate(ctx, planID)
		if err != nil {
			return err
		}
		if p.State.Terminal() {
			return fault.BusinessRule("InvalidTransition", "plan is already terminal")
		}

		it, err := s.items.GetByID(ctx, itemID)
		if err != nil {
			return err
		}
		if it.PlanID != planID {
			return fault.NotFound("ItemNotFound", "item does not belong to this plan")
		}
		if it.LockedPaid {
			// Cancelling a settled item would drop the plan total below the
			// sum of approved payments.
			return fault.BusinessRule("ItemPaid", "fully paid items cannot be cancelled")
		}
		if !CanTransitionItem(it.State, ItemCancelled) {
			return fault.BusinessRule("InvalidTransition",
				fmt.Sprintf("cannot cancel item from %s", it.State))
		}

		it.State = ItemCancelled
		if err := s.items.Update(ctx, it); err != nil {
			return err
		}
		cancelled = it

		// A draft plan recomputes from scratch. Past draft the discount was
		// already validated, so only the subtotal and total shift.
		items, err := s.items.ListByPlan(ctx, planID)
		if err != nil {
			return err
		}
		subtotal := decimal.Zero
		for _, li := range items {
			if li.Active() {
				subtotal = subtotal.Add(li.UnitCost)
			}
		}
		p.Subtotal = subtotal
		if p.Discount.GreaterThan(subtotal) {
			p.Discount = subtotal
		}
		p.Total = p.Subtotal.Sub(p.Discount)
		return s.plans.Update(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, "plan.item.cancel", planID, map[string]string{"item_id": itemID.String()})
	return cancelled, nil
}
