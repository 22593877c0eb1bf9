package budget

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/carebill/carebill/internal/domain/plan"
	"github.com/carebill/carebill/internal/platform/audit"
	"github.com/carebill/carebill/internal/platform/auth"
	"github.com/carebill/carebill/internal/platform/db"
	"github.com/carebill/carebill/internal/platform/fault"
	"github.com/carebill/carebill/internal/platform/notify"
	"github.com/carebill/carebill/internal/platform/render"
)

// Service implements budget generation, issue, expiry, and the patient's
// accept/reject decision.
type Service struct {
	budgets     Repository
	acceptances AcceptanceRepository
	plans       plan.Repository
	planItems   plan.ItemRepository
	renderer    render.Renderer
	audits      audit.Sink
	events      *notify.Dispatcher
	logger      zerolog.Logger

	defaultValidityDays int
	now                 func() time.Time
	inTx                func(ctx context.Context, fn func(ctx context.Context) error) error
}

func NewService(
	budgets Repository,
	acceptances AcceptanceRepository,
	plans plan.Repository,
	planItems plan.ItemRepository,
	pool *pgxpool.Pool,
	renderer render.Renderer,
	audits audit.Sink,
	events *notify.Dispatcher,
	logger zerolog.Logger,
	defaultValidityDays int,
) *Service {
	if defaultValidityDays <= 0 {
		defaultValidityDays = 30
	}
	return &Service{
		budgets:             budgets,
		acceptances:         acceptances,
		plans:               plans,
		planItems:           planItems,
		renderer:            renderer,
		audits:              audits,
		events:              events,
		logger:              logger,
		defaultValidityDays: defaultValidityDays,
		now:                 time.Now,
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
		EntityKind: "budget",
		EntityID:   entityID,
		Detail:     raw,
		RecordedAt: time.Now(),
	}); err != nil {
		s.logger.Error().Err(err).Str("action", action).Msg("budget: audit record failed")
	}
}

func (s *Service) publish(ctx context.Context, eventType string, budgetID uuid.UUID, payload any) {
	if s.events == nil {
		return
	}
	raw, _ := json.Marshal(payload)
	s.events.Publish(ctx, notify.Event{
		ID:         uuid.New(),
		Type:       eventType,
		EntityKind: "budget",
		EntityID:   budgetID,
		Payload:    raw,
		OccurredAt: time.Now(),
	})
}

// Get returns a budget by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Budget, error) {
	return s.budgets.GetByID(ctx, id)
}

// Items returns a budget's item snapshot.
func (s *Service) Items(ctx context.Context, budgetID uuid.UUID) ([]*Item, error) {
	return s.budgets.ListItems(ctx, budgetID)
}

// ListByPlan returns a plan's budgets, newest first.
func (s *Service) ListByPlan(ctx context.Context, planID uuid.UUID) ([]*Budget, error) {
	return s.budgets.ListByPlan(ctx, planID)
}

// AcceptanceByBudget returns a budget's acceptance record, if any.
func (s *Service) AcceptanceByBudget(ctx context.Context, budgetID uuid.UUID) (*Acceptance, error) {
	return s.acceptances.GetByBudget(ctx, budgetID)
}

// Generate snapshots a subset of the plan's items (all active items when
// itemIDs is empty) into a draft budget. Items already consumed by an
// acceptance on another budget of the same plan cannot be covered again.
func (s *Service) Generate(ctx context.Context, planID uuid.UUID, itemIDs []uuid.UUID, validityDays int) (*Budget, error) {
	if validityDays <= 0 {
		validityDays = s.defaultValidityDays
	}

	var created *Budget
	err := s.inTx(ctx, func(ctx context.Context) error {
		p, err := s.plans.GetForUpdate(ctx, planID)
		if err != nil {
			return err
		}
		if p.State != plan.StateApproved && p.State != plan.StateInProgress {
			return fault.BusinessRule("PlanNotApproved", "budgets can only be generated from an approved plan")
		}

		planItems, err := s.planItems.ListByPlan(ctx, planID)
		if err != nil {
			return err
		}
		byID := make(map[uuid.UUID]*plan.Item, len(planItems))
		for _, it := range planItems {
			byID[it.ID] = it
		}

		var selected []*plan.Item
		if len(itemIDs) == 0 {
			for _, it := range planItems {
				if it.Active() {
					selected = append(selected, it)
				}
			}
		} else {
			seen := make(map[uuid.UUID]bool, len(itemIDs))
			for _, id := range itemIDs {
				if seen[id] {
					continue
				}
				seen[id] = true
				it, ok := byID[id]
				if !ok || !it.Active() {
					return fault.BusinessRule("ItemNotInPlan", "requested item does not belong to the plan or is cancelled")
				}
				selected = append(selected, it)
			}
		}
		if len(selected) == 0 {
			return fault.BusinessRule("ItemNotInPlan", "no items to cover")
		}

		// Items consumed by an earlier acceptance are off the table.
		accepted, err := s.acceptances.AcceptedPlanItemIDs(ctx, planID)
		if err != nil {
			return err
		}
		acceptedSet := make(map[uuid.UUID]bool, len(accepted))
		for _, id := range accepted {
			acceptedSet[id] = true
		}
		for _, it := range selected {
			if acceptedSet[it.ID] {
				return fault.BusinessRule("ItemAlreadyAccepted",
					fmt.Sprintf("item %s is already covered by an accepted budget", it.ID))
			}
		}

		subtotal := decimal.Zero
		items := make([]*Item, 0, len(selected))
		for i, it := range selected {
			subtotal = subtotal.Add(it.UnitCost)
			items = append(items, &Item{
				PlanItemID:      it.ID,
				Service:         it.Service,
				UnitCost:        it.UnitCost,
				PartialEligible: it.PartialEligible,
				Position:        i,
			})
		}

		// A budget covering every active item inherits the plan discount;
		// a tranche is quoted at face value.
		discount := decimal.Zero
		activeCount := 0
		for _, it := range planItems {
			if it.Active() {
				activeCount++
			}
		}
		if len(selected) == activeCount {
			discount = p.Discount
		}

		b := &Budget{
			PlanID:       planID,
			State:        StateDraft,
			Subtotal:     subtotal,
			Discount:     discount,
			Total:        subtotal.Sub(discount),
			Currency:     p.Currency,
			ValidityDays: validityDays,
		}
		if err := s.budgets.Create(ctx, b, items); err != nil {
			return err
		}
		created = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, "budget.generate", created.ID, map[string]string{"plan_id": planID.String(), "total": created.Total.String()})
	return created, nil
}

// Issue freezes the draft budget's totals and starts the validity clock.
func (s *Service) Issue(ctx context.Context, budgetID uuid.UUID) (*Budget, error) {
	var issued *Budget
	err := s.inTx(ctx, func(ctx context.Context) error {
		b, err := s.budgets.GetForUpdate(ctx, budgetID)
		if err != nil {
			return err
		}
		if b.State != StateDraft {
			return fault.BusinessRule("NotDraft", "only draft budgets can be issued")
		}

		now := s.now()
		until := now.AddDate(0, 0, b.ValidityDays)
		b.State = StateIssued
		b.IssuedAt = &now
		b.ValidUntil = &until
		if err := s.budgets.Update(ctx, b); err != nil {
			return err
		}
		issued = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, "budget.issue", budgetID, nil)
	s.publish(ctx, notify.EventBudgetIssued, budgetID, map[string]string{"total": issued.Total.String()})
	return issued, nil
}

// Expire transitions an issued budget past its validity date to Expired.
// Idempotent: budgets not yet due, or already terminal, pass through
// unchanged.
func (s *Service) Expire(ctx context.Context, budgetID uuid.UUID) (*Budget, error) {
	var out *Budget
	expired := false
	err := s.inTx(ctx, func(ctx context.Context) error {
		b, err := s.budgets.GetForUpdate(ctx, budgetID)
		if err != nil {
			return err
		}
		if b.State != StateIssued || !b.ExpiredAt(s.now()) {
			out = b
			return nil
		}
		b.State = StateExpired
		if err := s.budgets.Update(ctx, b); err != nil {
			return err
		}
		out = b
		expired = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		s.record(ctx, "budget.expire", budgetID, nil)
		s.publish(ctx, notify.EventBudgetExpired, budgetID, nil)
	}
	return out, nil
}

// ExpireDue sweeps issued budgets whose validity has passed. Returns the
// number of budgets expired. Called from the scheduled sweeper and the CLI.
func (s *Service) ExpireDue(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	due, err := s.budgets.ListDueForExpiry(ctx, s.now(), batchSize)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, b := range due {
		out, err := s.Expire(ctx, b.ID)
		if err != nil {
			s.logger.Error().Err(err).Str("budget_id", b.ID.String()).Msg("budget: sweep expire failed")
			continue
		}
		if out.State == StateExpired {
			count++
		}
	}
	return count, nil
}

// AcceptParams carries the patient's decision input.
type AcceptParams struct {
	Mode            AcceptanceMode
	AcceptedItemIDs []uuid.UUID
	Signature       SignaturePayload
	ActorIP         string
	Notes           *string
}

// Accept records the patient's signed acceptance of the budget, in full or
// for a partial-eligible subset, and locks the covered plan items against
// later budgets.
func (s *Service) Accept(ctx context.Context, budgetID uuid.UUID, params AcceptParams) (*Acceptance, error) {
	if params.Mode != ModeFull && params.Mode != ModePartial {
		return nil, fault.Validation("InvalidMode", "mode must be full or partial")
	}
	if err := params.Signature.Validate(); err != nil {
		return nil, err
	}
	actor := auth.ActorFromContext(ctx)

	var acceptance *Acceptance
	expiredNow := false
	err := s.inTx(ctx, func(ctx context.Context) error {
		b, err := s.budgets.GetForUpdate(ctx, budgetID)
		if err != nil {
			return err
		}
		if b.State == StateAccepted || b.State == StateRejected {
			return fault.BusinessRule("AlreadyDecided", "budget already has a decision")
		}
		if b.State != StateIssued {
			return fault.BusinessRule("NotIssued", "only issued budgets can be accepted")
		}
		if b.ExpiredAt(s.now()) {
			// Commit the expiry; the fault goes to the caller after the
			// transaction, otherwise the rollback would undo the transition.
			b.State = StateExpired
			if err := s.budgets.Update(ctx, b); err != nil {
				return err
			}
			expiredNow = true
			return nil
		}

		items, err := s.budgets.ListItems(ctx, budgetID)
		if err != nil {
			return err
		}

		var covered []*Item
		amount := decimal.Zero
		switch params.Mode {
		case ModeFull:
			covered = items
			amount = b.Total
		case ModePartial:
			if len(params.AcceptedItemIDs) == 0 {
				return fault.Validation("ItemsRequired", "partial acceptance requires at least one item")
			}
			byPlanItem := make(map[uuid.UUID]*Item, len(items))
			for _, it := range items {
				byPlanItem[it.PlanItemID] = it
			}
			seen := make(map[uuid.UUID]bool, len(params.AcceptedItemIDs))
			for _, id := range params.AcceptedItemIDs {
				if seen[id] {
					continue
				}
				seen[id] = true
				it, ok := byPlanItem[id]
				if !ok {
					return fault.BusinessRule("ItemNotInPlan", "accepted item is not part of this budget")
				}
				if !it.PartialEligible {
					return fault.BusinessRule("ItemNotPartialEligible",
						fmt.Sprintf("item %s cannot be accepted on its own", it.PlanItemID))
				}
				covered = append(covered, it)
				amount = amount.Add(it.UnitCost)
			}
		}

		sigRaw, _ := json.Marshal(params.Signature)
		code, err := verificationCode()
		if err != nil {
			return err
		}

		a := &Acceptance{
			BudgetID:         budgetID,
			Mode:             params.Mode,
			AcceptedAmount:   amount,
			SignaturePayload: sigRaw,
			VerificationCode: code,
			ActorID:          actor.ID,
			ActorIP:          params.ActorIP,
			Notes:            params.Notes,
		}

		// The proof document binds the signature, the covered items, and the
		// amount into one tamper-evident artifact.
		if s.renderer != nil {
			doc := map[string]any{
				"budget_id":       budgetID,
				"mode":            params.Mode,
				"accepted_amount": amount.String(),
				"items":           covered,
				"signature":       params.Signature,
			}
			artifact, err := s.renderer.Render(ctx, render.KindAcceptance, budgetID.String(), doc)
			if err != nil {
				return fmt.Errorf("render acceptance document: %w", err)
			}
			a.DocumentHash = artifact.SHA256
			a.DocumentURL = artifact.URL
		}

		coveredIDs := make([]uuid.UUID, 0, len(covered))
		for _, it := range covered {
			coveredIDs = append(coveredIDs, it.PlanItemID)
		}
		// The savepoint keeps the transaction usable when the insert loses a
		// uniqueness race, so the winner can still be read below.
		err = db.RunInSavepoint(ctx, func(ctx context.Context) error {
			return s.acceptances.Create(ctx, a, coveredIDs)
		})
		if err != nil {
			// A concurrent acceptance already won; the caller's intent is
			// satisfied by the winner.
			if db.IsUniqueViolation(err, "") {
				existing, getErr := s.acceptances.GetByBudget(ctx, budgetID)
				if getErr == nil {
					acceptance = existing
					return nil
				}
			}
			return err
		}

		now := s.now()
		b.State = StateAccepted
		b.DecidedAt = &now
		if err := s.budgets.Update(ctx, b); err != nil {
			return err
		}

		p, err := s.plans.GetForUpdate(ctx, b.PlanID)
		if err != nil {
			return err
		}
		p.HasAcceptance = true
		if err := s.plans.Update(ctx, p); err != nil {
			return err
		}

		acceptance = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expiredNow {
		s.record(ctx, "budget.expire", budgetID, nil)
		s.publish(ctx, notify.EventBudgetExpired, budgetID, nil)
		return nil, fault.BusinessRule("Expired", "budget validity has passed")
	}
	s.record(ctx, "budget.accept", budgetID, map[string]string{
		"mode":            string(params.Mode),
		"accepted_amount": acceptance.AcceptedAmount.String(),
	})
	s.publish(ctx, notify.EventBudgetAccepted, budgetID, map[string]string{
		"accepted_amount": acceptance.AcceptedAmount.String(),
	})
	return acceptance, nil
}

// Reject records the patient's refusal. The reason is mandatory.
func (s *Service) Reject(ctx context.Context, budgetID uuid.UUID, reason string) (*Budget, error) {
	if reason == "" {
		return nil, fault.Validation("ReasonRequired", "reject reason is required")
	}

	var rejected *Budget
	expiredNow := false
	err := s.inTx(ctx, func(ctx context.Context) error {
		b, err := s.budgets.GetForUpdate(ctx, budgetID)
		if err != nil {
			return err
		}
		if b.State == StateAccepted || b.State == StateRejected {
			return fault.BusinessRule("AlreadyDecided", "budget already has a decision")
		}
		if b.State != StateIssued {
			return fault.BusinessRule("NotIssued", "only issued budgets can be rejected")
		}
		if b.ExpiredAt(s.now()) {
			b.State = StateExpired
			if err := s.budgets.Update(ctx, b); err != nil {
				return err
			}
			expiredNow = true
			return nil
		}

		now := s.now()
		b.State = StateRejected
		b.DecidedAt = &now
		b.RejectReason = &reason
		if err := s.budgets.Update(ctx, b); err != nil {
			return err
		}
		rejected = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expiredNow {
		s.record(ctx, "budget.expire", budgetID, nil)
		s.publish(ctx, notify.EventBudgetExpired, budgetID, nil)
		return nil, fault.BusinessRule("Expired", "budget validity has passed")
	}
	s.record(ctx, "budget.reject", budgetID, map[string]string{"reason": reason})
	s.publish(ctx, notify.EventBudgetRejected, budgetID, map[string]string{"reason": reason})
	return rejected, nil
}

func verificationCode() (string, error) {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate verification code: %w", err)
	}
	return hex.EncodeToString(b), nil
}
