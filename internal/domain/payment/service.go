package payment

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
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
	"github.com/carebill/carebill/internal/platform/dedup"
	"github.com/carebill/carebill/internal/platform/fault"
	"github.com/carebill/carebill/internal/platform/notify"
	"github.com/carebill/carebill/internal/platform/processor"
	"github.com/carebill/carebill/internal/platform/render"
	"github.com/carebill/carebill/internal/platform/signature"
)

// Config carries the reconciler's tunables.
type Config struct {
	// WebhookSecret verifies inbound processor event signatures.
	WebhookSecret string
	// DedupWindow is how long an identical (plan, amount, method) submission
	// is rejected as a duplicate. Default 5 minutes.
	DedupWindow time.Duration
	// Strategy selects the partial-distribution policy. Default Proportional.
	Strategy Strategy
}

// Service implements the payment state machine and webhook reconciliation.
type Service struct {
	payments  Repository
	receipts  ReceiptRepository
	plans     plan.Repository
	planItems plan.ItemRepository
	gateway   processor.Gateway
	guard     dedup.Guard
	strategy  Strategy
	renderer  render.Renderer
	audits    audit.Sink
	events    *notify.Dispatcher
	logger    zerolog.Logger

	webhookSecret string
	dedupWindow   time.Duration
	now           func() time.Time
	inTx          func(ctx context.Context, fn func(ctx context.Context) error) error
}

func NewService(
	payments Repository,
	receipts ReceiptRepository,
	plans plan.Repository,
	planItems plan.ItemRepository,
	pool *pgxpool.Pool,
	gateway processor.Gateway,
	guard dedup.Guard,
	renderer render.Renderer,
	audits audit.Sink,
	events *notify.Dispatcher,
	logger zerolog.Logger,
	cfg Config,
) *Service {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 5 * time.Minute
	}
	if cfg.Strategy == nil {
		cfg.Strategy = Proportional{}
	}
	return &Service{
		payments:      payments,
		receipts:      receipts,
		plans:         plans,
		planItems:     planItems,
		gateway:       gateway,
		guard:         guard,
		strategy:      cfg.Strategy,
		renderer:      renderer,
		audits:        audits,
		events:        events,
		logger:        logger,
		webhookSecret: cfg.WebhookSecret,
		dedupWindow:   cfg.DedupWindow,
		now:           time.Now,
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
		EntityKind: "payment",
		EntityID:   entityID,
		Detail:     raw,
		RecordedAt: time.Now(),
	}); err != nil {
		s.logger.Error().Err(err).Str("action", action).Msg("payment: audit record failed")
	}
}

func (s *Service) publish(ctx context.Context, eventType string, paymentID uuid.UUID, payload any) {
	if s.events == nil {
		return
	}
	raw, _ := json.Marshal(payload)
	s.events.Publish(ctx, notify.Event{
		ID:         uuid.New(),
		Type:       eventType,
		EntityKind: "payment",
		EntityID:   paymentID,
		Payload:    raw,
		OccurredAt: time.Now(),
	})
}

// Get returns a payment by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return s.payments.GetByID(ctx, id)
}

// ListByPlan returns a plan's payments, newest first.
func (s *Service) ListByPlan(ctx context.Context, planID uuid.UUID) ([]*Payment, error) {
	return s.payments.ListByPlan(ctx, planID)
}

// Allocations returns how a payment was distributed over plan items.
func (s *Service) Allocations(ctx context.Context, paymentID uuid.UUID) ([]*Allocation, error) {
	return s.payments.ListAllocations(ctx, paymentID)
}

// ReceiptByPayment returns the payment's receipt, if issued.
func (s *Service) ReceiptByPayment(ctx context.Context, paymentID uuid.UUID) (*Receipt, error) {
	return s.receipts.GetByPayment(ctx, paymentID)
}

// Outstanding returns the plan's payable balance: plan total minus all
// pending, processing and approved payments.
func (s *Service) Outstanding(ctx context.Context, planID uuid.UUID) (decimal.Decimal, error) {
	p, err := s.plans.GetByID(ctx, planID)
	if err != nil {
		return decimal.Zero, err
	}
	reserved, err := s.payments.SumActiveByPlan(ctx, planID)
	if err != nil {
		return decimal.Zero, err
	}
	return p.Total.Sub(reserved), nil
}

// CreateParams is the payment creation input.
type CreateParams struct {
	PlanID   uuid.UUID
	Amount   decimal.Decimal
	Currency string
	Method   string
	// ItemIDs optionally restricts distribution to a subset of plan items.
	ItemIDs []uuid.UUID
}

func (p CreateParams) validate() error {
	if p.PlanID == uuid.Nil {
		return fault.Validation("PlanRequired", "plan id is required")
	}
	if !p.Amount.IsPositive() {
		return fault.Validation("InvalidAmount", "amount must be positive")
	}
	switch p.Method {
	case MethodCard, MethodCash, MethodTransfer:
		return nil
	default:
		return fault.Validation("InvalidMethod", "method must be card, cash or bank_transfer")
	}
}

// Create validates the plan's outstanding balance under a row lock, reserves
// the amount as a pending payment, and, for processor-backed methods, creates
// the external intent. A processor failure leaves the payment in Rejected
// with the reason attached, never in limbo.
func (s *Service) Create(ctx context.Context, params CreateParams) (*Payment, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	// Absorb client double-submits before touching the database.
	dedupKey := fmt.Sprintf("payment:%s:%s:%s", params.PlanID, params.Amount, params.Method)
	if s.guard != nil {
		claimed, err := s.guard.Claim(ctx, dedupKey, s.dedupWindow)
		if err != nil {
			return nil, fmt.Errorf("claim dedup window: %w", err)
		}
		if !claimed {
			return nil, fault.Conflict("DuplicatePayment",
				"an identical payment was submitted moments ago")
		}
	}

	p := &Payment{
		PlanID:   params.PlanID,
		Amount:   params.Amount,
		Currency: params.Currency,
		Method:   params.Method,
		State:    StatePending,
	}
	err := s.inTx(ctx, func(ctx context.Context) error {
		pl, err := s.plans.GetForUpdate(ctx, params.PlanID)
		if err != nil {
			return err
		}
		if !pl.Executable() {
			return fault.BusinessRule("PlanNotPayable", "payments require an approved or in-progress plan")
		}
		if p.Currency == "" {
			p.Currency = pl.Currency
		}

		if len(params.ItemIDs) > 0 {
			items, err := s.planItems.ListByPlan(ctx, params.PlanID)
			if err != nil {
				return err
			}
			byID := make(map[uuid.UUID]*plan.Item, len(items))
			for _, it := range items {
				byID[it.ID] = it
			}
			for _, id := range params.ItemIDs {
				it, ok := byID[id]
				if !ok || !it.Active() {
					return fault.BusinessRule("ItemNotInPlan", "target item does not belong to the plan or is cancelled")
				}
			}
		}

		// The balance is recomputed under the plan lock so two concurrent
		// submissions cannot both observe the same headroom.
		reserved, err := s.payments.SumActiveByPlan(ctx, params.PlanID)
		if err != nil {
			return err
		}
		outstanding := pl.Total.Sub(reserved)
		if params.Amount.GreaterThan(outstanding) {
			return fault.BusinessRule("InsufficientBalance",
				fmt.Sprintf("amount %s exceeds outstanding balance %s", params.Amount, outstanding))
		}

		return s.payments.Create(ctx, p, params.ItemIDs)
	})
	if err != nil {
		if s.guard != nil {
			if relErr := s.guard.Release(ctx, dedupKey); relErr != nil {
				s.logger.Warn().Err(relErr).Msg("payment: dedup release failed")
			}
		}
		return nil, err
	}

	s.record(ctx, "payment.create", p.ID, map[string]string{
		"plan_id": params.PlanID.String(), "amount": p.Amount.String(), "method": p.Method,
	})

	if !RequiresProcessor(p.Method) {
		return p, nil
	}

	// The processor call happens outside any row lock; only the resulting
	// state write reacquires one.
	intent, err := s.gateway.CreateIntent(ctx, processor.IntentRequest{
		PaymentID: p.ID,
		Amount:    p.Amount,
		Currency:  p.Currency,
		Method:    p.Method,
		Reference: p.PlanID.String(),
	})
	if err != nil {
		reason := "processor error: " + err.Error()
		if errors.Is(err, processor.ErrTimeout) {
			reason = "processor timeout"
		} else if errors.Is(err, processor.ErrDeclined) {
			reason = "charge declined"
		}
		if ferr := s.failPayment(ctx, p, reason); ferr != nil {
			return nil, ferr
		}
		s.record(ctx, "payment.reject", p.ID, map[string]string{"reason": reason})
		return p, nil
	}

	err = s.inTx(ctx, func(ctx context.Context) error {
		locked, err := s.payments.GetForUpdate(ctx, p.ID)
		if err != nil {
			return err
		}
		locked.ProviderRef = &intent.ProviderRef
		if intent.Status == "processing" && CanTransition(locked.State, StateProcessing) {
			locked.State = StateProcessing
		}
		if err := s.payments.Update(ctx, locked); err != nil {
			return err
		}
		*p = *locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) failPayment(ctx context.Context, p *Payment, reason string) error {
	return s.inTx(ctx, func(ctx context.Context) error {
		locked, err := s.payments.GetForUpdate(ctx, p.ID)
		if err != nil {
			return err
		}
		if !CanTransition(locked.State, StateRejected) {
			*p = *locked
			return nil
		}
		locked.State = StateRejected
		locked.FailReason = &reason
		if err := s.payments.Update(ctx, locked); err != nil {
			return err
		}
		*p = *locked
		return nil
	})
}

// ConfirmLocally settles a payment whose method clears without the external
// processor: cash at the desk, a bank transfer verified by staff.
func (s *Service) ConfirmLocally(ctx context.Context, paymentID uuid.UUID) (*Payment, error) {
	var settled *Payment
	err := s.inTx(ctx, func(ctx context.Context) error {
		p, err := s.payments.GetForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if !CanTransition(p.State, StateApproved) {
			return fault.BusinessRule("InvalidTransition",
				fmt.Sprintf("payment in state %s cannot be approved", p.State))
		}
		if err := s.settle(ctx, p); err != nil {
			return err
		}
		settled = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, "payment.approve", paymentID, map[string]string{"via": "local"})
	s.publish(ctx, notify.EventPaymentApproved, paymentID, map[string]string{"amount": settled.Amount.String()})
	return settled, nil
}

// settle runs inside a transaction with the payment row locked. It
// distributes the amount over the target items, locks fully paid items
// against further edits, approves the payment, and issues the receipt.
func (s *Service) settle(ctx context.Context, p *Payment) error {
	// The plan lock serializes settlement with concurrent payment creation
	// reading the same balances.
	pl, err := s.plans.GetForUpdate(ctx, p.PlanID)
	if err != nil {
		return err
	}

	targetIDs, err := s.payments.TargetItemIDs(ctx, p.ID)
	if err != nil {
		return err
	}
	restricted := make(map[uuid.UUID]bool, len(targetIDs))
	for _, id := range targetIDs {
		restricted[id] = true
	}

	items, err := s.planItems.ListByPlan(ctx, p.PlanID)
	if err != nil {
		return err
	}
	settledSoFar, err := s.payments.SumAllocatedByItem(ctx, p.PlanID)
	if err != nil {
		return err
	}

	var targets []Target
	for _, it := range items {
		if !it.Active() {
			continue
		}
		if len(restricted) > 0 && !restricted[it.ID] {
			continue
		}
		targets = append(targets, Target{
			ItemID:      it.ID,
			Outstanding: it.UnitCost.Sub(settledSoFar[it.ID]),
		})
	}

	dist := s.strategy.Distribute(p.Amount, targets)
	if dist.Undistributed.IsPositive() {
		// Balance validation at creation time should prevent this; a surplus
		// here means the plan shrank between creation and settlement.
		s.logger.Warn().
			Str("payment_id", p.ID.String()).
			Str("undistributed", dist.Undistributed.String()).
			Msg("payment: settlement left an undistributed surplus")
	}

	allocs := make([]*Allocation, 0, len(dist.Shares))
	for _, share := range dist.Shares {
		allocs = append(allocs, &Allocation{
			PaymentID:        p.ID,
			PlanItemID:       share.ItemID,
			Amount:           share.Amount,
			ResultingBalance: share.ResultingBalance,
		})
	}
	if err := s.payments.CreateAllocations(ctx, allocs); err != nil {
		return err
	}

	for _, share := range dist.Shares {
		if !share.ResultingBalance.IsZero() {
			continue
		}
		it, err := s.planItems.GetByID(ctx, share.ItemID)
		if err != nil {
			return err
		}
		it.LockedPaid = true
		if err := s.planItems.Update(ctx, it); err != nil {
			return err
		}
	}

	now := s.now()
	p.State = StateApproved
	p.ApprovedAt = &now
	if err := s.payments.Update(ctx, p); err != nil {
		return err
	}

	return s.issueReceipt(ctx, p, pl, allocs)
}

// issueReceipt creates the receipt exactly once. A redelivered settlement
// racing this insert loses on the payment_id unique constraint and is
// treated as success.
func (s *Service) issueReceipt(ctx context.Context, p *Payment, pl *plan.Plan, allocs []*Allocation) error {
	code, err := verificationCode()
	if err != nil {
		return err
	}
	rec := &Receipt{
		PaymentID:        p.ID,
		VerificationCode: code,
	}
	if s.renderer != nil {
		doc := map[string]any{
			"payment_id":  p.ID,
			"plan_id":     pl.ID,
			"amount":      p.Amount.String(),
			"currency":    p.Currency,
			"method":      p.Method,
			"approved_at": p.ApprovedAt,
			"allocations": allocs,
		}
		artifact, err := s.renderer.Render(ctx, render.KindReceipt, p.ID.String(), doc)
		if err != nil {
			return fmt.Errorf("render receipt: %w", err)
		}
		rec.DocumentHash = artifact.SHA256
		rec.DocumentURL = artifact.URL
	}
	// Savepoint so a lost uniqueness race aborts only the insert and the
	// settlement transaction still commits.
	err = db.RunInSavepoint(ctx, func(ctx context.Context) error {
		return s.receipts.Create(ctx, rec)
	})
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			return nil
		}
		return err
	}
	return nil
}

// Result is the outcome of applying one external event.
type Result struct {
	Status    string    `json:"status"`
	PaymentID uuid.UUID `json:"payment_id,omitempty"`
}

// Result statuses.
const (
	ResultApplied          = "applied"
	ResultNoop             = "noop"
	ResultIgnored          = "ignored"
	ResultUnknownReference = "unknown_reference"
)

type eventEnvelope struct {
	Type   string `json:"type"`
	Object struct {
		ProviderRef string `json:"provider_ref"`
		Reason      string `json:"reason"`
	} `json:"object"`
}

// ApplyExternalEvent is the webhook entry point. The signature is verified
// before anything else; an invalid one fails closed with no writes. Events
// are applied idempotently: a redelivery of a state already reached is a
// no-op, a stale event against a terminal state is logged and ignored rather
// than surfaced as an error, so the processor's retries always converge.
func (s *Service) ApplyExternalEvent(ctx context.Context, body []byte, sig string) (*Result, error) {
	if !signature.Verify(body, s.webhookSecret, sig) {
		return nil, fault.Security("InvalidSignature", "event signature verification failed")
	}

	var env eventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fault.Validation("MalformedEvent", "event payload is not valid JSON")
	}

	var target State
	switch env.Type {
	case "payment.succeeded":
		target = StateApproved
	case "payment.failed":
		target = StateRejected
	case "charge.refunded":
		target = StateRefunded
	default:
		return &Result{Status: ResultIgnored}, nil
	}

	found, err := s.payments.GetByProviderRef(ctx, env.Object.ProviderRef)
	if err != nil {
		if fault.IsCode(err, "PaymentNotFound") {
			// The event may belong to a transaction outside this system.
			return &Result{Status: ResultUnknownReference}, nil
		}
		return nil, err
	}

	result := &Result{PaymentID: found.ID}
	err = s.inTx(ctx, func(ctx context.Context) error {
		p, err := s.payments.GetForUpdate(ctx, found.ID)
		if err != nil {
			return err
		}
		if p.State == target {
			result.Status = ResultNoop
			return nil
		}
		if !CanTransition(p.State, target) {
			// Retries of stale events against terminal states are expected;
			// they must not error the whole webhook batch.
			s.logger.Warn().
				Str("payment_id", p.ID.String()).
				Str("event_type", env.Type).
				Str("state", string(p.State)).
				Msg("payment: event does not apply to current state")
			result.Status = ResultIgnored
			return nil
		}

		switch target {
		case StateApproved:
			if err := s.settle(ctx, p); err != nil {
				return err
			}
		case StateRejected:
			reason := env.Object.Reason
			p.State = StateRejected
			p.FailReason = &reason
			if err := s.payments.Update(ctx, p); err != nil {
				return err
			}
		case StateRefunded:
			now := s.now()
			p.State = StateRefunded
			p.RefundedAt = &now
			if err := s.payments.Update(ctx, p); err != nil {
				return err
			}
		}
		result.Status = ResultApplied
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Status == ResultApplied {
		s.record(ctx, "payment."+string(target), found.ID, map[string]string{"event_type": env.Type})
		switch target {
		case StateApproved:
			s.publish(ctx, notify.EventPaymentApproved, found.ID, map[string]string{"amount": found.Amount.String()})
		case StateRejected:
			s.publish(ctx, notify.EventPaymentRejected, found.ID, map[string]string{"reason": env.Object.Reason})
		case StateRefunded:
			s.publish(ctx, notify.EventPaymentRefunded, found.ID, nil)
		}
	}
	return result, nil
}

// Refund asks the processor to return an approved payment. The processor is
// the source of truth for settlement: the local state stays Approved until
// the charge.refunded webhook confirms the money moved. Payments settled
// locally (cash, verified transfer) have no processor leg and flip directly.
func (s *Service) Refund(ctx context.Context, paymentID uuid.UUID, amount *decimal.Decimal, reason string) (*Payment, error) {
	if reason == "" {
		return nil, fault.Validation("ReasonRequired", "refund reason is required")
	}

	p, err := s.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.State != StateApproved {
		return nil, fault.BusinessRule("InvalidTransition", "only approved payments can be refunded")
	}

	refundAmount := p.Amount
	if amount != nil {
		if !amount.IsPositive() || amount.GreaterThan(p.Amount) {
			return nil, fault.Validation("InvalidRefundAmount",
				"refund amount must be positive and not exceed the payment amount")
		}
		refundAmount = *amount
	}

	if RequiresProcessor(p.Method) {
		if p.ProviderRef == nil {
			return nil, fault.BusinessRule("NoProviderRef", "payment has no processor reference")
		}
		if _, err := s.gateway.Refund(ctx, processor.RefundRequest{
			ProviderRef: *p.ProviderRef,
			Amount:      refundAmount,
			Reason:      reason,
		}); err != nil {
			return nil, fault.Processor("RefundFailed", "processor refused the refund", err.Error())
		}
		s.record(ctx, "payment.refund_requested", paymentID, map[string]string{
			"amount": refundAmount.String(), "reason": reason,
		})
		return p, nil
	}

	var refunded *Payment
	err = s.inTx(ctx, func(ctx context.Context) error {
		locked, err := s.payments.GetForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if !CanTransition(locked.State, StateRefunded) {
			return fault.BusinessRule("InvalidTransition", "only approved payments can be refunded")
		}
		now := s.now()
		locked.State = StateRefunded
		locked.RefundedAt = &now
		if err := s.payments.Update(ctx, locked); err != nil {
			return err
		}
		refunded = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, "payment.refund", paymentID, map[string]string{"amount": refundAmount.String(), "reason": reason})
	s.publish(ctx, notify.EventPaymentRefunded, paymentID, map[string]string{"reason": reason})
	return refunded, nil
}

// Cancel aborts a payment stuck before settlement. A cancel racing a late
// "succeeded" webhook is safe: the webhook finds a terminal state and is
// logged as ignored, never reopening the payment.
func (s *Service) Cancel(ctx context.Context, paymentID uuid.UUID, reason string) (*Payment, error) {
	if reason == "" {
		return nil, fault.Validation("ReasonRequired", "cancel reason is required")
	}

	var cancelled *Payment
	err := s.inTx(ctx, func(ctx context.Context) error {
		p, err := s.payments.GetForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if !CanTransition(p.State, StateCancelled) {
			return fault.BusinessRule("InvalidTransition",
				fmt.Sprintf("payment in state %s cannot be cancelled", p.State))
		}
		p.State = StateCancelled
		p.CancelReason = &reason
		if err := s.payments.Update(ctx, p); err != nil {
			return err
		}
		cancelled = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, "payment.cancel", paymentID, map[string]string{"reason": reason})
	return cancelled, nil
}

// VerificationResult is the public receipt-verification answer. Invalid
// codes produce Valid=false with no detail rather than an error, so the
// endpoint leaks nothing about which codes exist.
type VerificationResult struct {
	Valid        bool            `json:"valid"`
	PaymentID    uuid.UUID       `json:"payment_id,omitempty"`
	Amount       decimal.Decimal `json:"amount,omitempty"`
	Currency     string          `json:"currency,omitempty"`
	State        State           `json:"state,omitempty"`
	ApprovedAt   *time.Time      `json:"approved_at,omitempty"`
	DocumentHash string          `json:"document_hash,omitempty"`
}

// VerifyReceipt checks a verification code and returns the payment summary.
func (s *Service) VerifyReceipt(ctx context.Context, code string) (*VerificationResult, error) {
	rec, err := s.receipts.GetByCode(ctx, code)
	if err != nil {
		if fault.IsCode(err, "ReceiptNotFound") {
			return &VerificationResult{Valid: false}, nil
		}
		return nil, err
	}
	p, err := s.payments.GetByID(ctx, rec.PaymentID)
	if err != nil {
		return nil, err
	}
	return &VerificationResult{
		Valid:        true,
		PaymentID:    p.ID,
		Amount:       p.Amount,
		Currency:     p.Currency,
		State:        p.State,
		ApprovedAt:   p.ApprovedAt,
		DocumentHash: rec.DocumentHash,
	}, nil
}

func verificationCode() (string, error) {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate verification code: %w", err)
	}
	return hex.EncodeToString(b), nil
}
