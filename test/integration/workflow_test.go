package integration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/carebill/carebill/internal/domain/budget"
	"github.com/carebill/carebill/internal/domain/payment"
	"github.com/carebill/carebill/internal/domain/plan"
	"github.com/carebill/carebill/internal/platform/audit"
	"github.com/carebill/carebill/internal/platform/auth"
	"github.com/carebill/carebill/internal/platform/dedup"
	"github.com/carebill/carebill/internal/platform/processor"
	"github.com/carebill/carebill/internal/platform/render"
	"github.com/carebill/carebill/internal/platform/signature"
)

const webhookSecret = "integration-secret"

type services struct {
	plans    *plan.Service
	budgets  *budget.Service
	payments *payment.Service
}

func newServices(t *testing.T) *services {
	t.Helper()
	logger := zerolog.Nop()
	pool := globalDB.Pool

	renderer, err := render.NewLocalRenderer(t.TempDir())
	if err != nil {
		t.Fatalf("create renderer: %v", err)
	}
	audits := audit.NewPGSink(pool, logger)

	planRepo := plan.NewRepoPG(pool)
	itemRepo := plan.NewItemRepoPG(pool)

	return &services{
		plans: plan.NewService(planRepo, itemRepo, pool, audits, nil, logger),
		budgets: budget.NewService(
			budget.NewRepoPG(pool), budget.NewAcceptanceRepoPG(pool),
			planRepo, itemRepo, pool, renderer, audits, nil, logger, 30,
		),
		payments: payment.NewService(
			payment.NewRepoPG(pool), payment.NewReceiptRepoPG(pool),
			planRepo, itemRepo, pool, processor.NewStub(), dedup.NewMemoryGuard(),
			renderer, audits, nil, logger,
			payment.Config{WebhookSecret: webhookSecret},
		),
	}
}

func actorCtx() context.Context {
	return auth.WithActor(context.Background(), auth.Actor{
		ID:    uuid.New(),
		Name:  "Integration Biller",
		Roles: []string{"billing"},
	})
}

// buildAcceptedPlan walks a plan from draft to an accepted budget: three
// items, a discount, approval, budget generation, issue and full acceptance.
func buildAcceptedPlan(t *testing.T, ctx context.Context, svcs *services) *plan.Plan {
	t.Helper()

	p := &plan.Plan{PatientID: uuid.New(), PractitionerID: uuid.New()}
	if err := svcs.plans.Create(ctx, p); err != nil {
		t.Fatalf("create plan: %v", err)
	}

	for _, spec := range []plan.ItemSpec{
		{Service: "Initial assessment", UnitCost: decimal.RequireFromString("100"), Position: 1},
		{Service: "Therapy block", UnitCost: decimal.RequireFromString("250"), Position: 2, PartialEligible: true},
		{Service: "Final review", UnitCost: decimal.RequireFromString("150"), Position: 3},
	} {
		if _, err := svcs.plans.AddItem(ctx, p.ID, spec); err != nil {
			t.Fatalf("add item %q: %v", spec.Service, err)
		}
	}
	if _, err := svcs.plans.SetDiscount(ctx, p.ID, decimal.RequireFromString("50")); err != nil {
		t.Fatalf("set discount: %v", err)
	}
	if _, err := svcs.plans.Approve(ctx, p.ID); err != nil {
		t.Fatalf("approve plan: %v", err)
	}

	b, err := svcs.budgets.Generate(ctx, p.ID, nil, 0)
	if err != nil {
		t.Fatalf("generate budget: %v", err)
	}
	if !b.Total.Equal(decimal.RequireFromString("450")) {
		t.Fatalf("expected budget total 450, got %s", b.Total)
	}
	if _, err := svcs.budgets.Issue(ctx, b.ID); err != nil {
		t.Fatalf("issue budget: %v", err)
	}

	acc, err := svcs.budgets.Accept(ctx, b.ID, budget.AcceptParams{
		Mode: budget.ModeFull,
		Signature: budget.SignaturePayload{
			Timestamp: time.Now(),
			ActorID:   uuid.NewString(),
		},
		ActorIP: "127.0.0.1",
	})
	if err != nil {
		t.Fatalf("accept budget: %v", err)
	}
	if acc.VerificationCode == "" || acc.DocumentHash == "" {
		t.Fatal("acceptance must carry proof fields")
	}

	got, err := svcs.plans.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("reload plan: %v", err)
	}
	if !got.HasAcceptance {
		t.Fatal("plan must be marked as accepted")
	}
	return got
}

func TestBillingLifecycle_CashPayment(t *testing.T) {
	ctx := actorCtx()
	truncateAll(t, ctx)
	svcs := newServices(t)

	p := buildAcceptedPlan(t, ctx, svcs)

	pay, err := svcs.payments.Create(ctx, payment.CreateParams{
		PlanID: p.ID,
		Amount: decimal.RequireFromString("300"),
		Method: payment.MethodCash,
	})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	if pay.State != payment.StatePending {
		t.Fatalf("cash payment must start pending, got %s", pay.State)
	}
	if pay.Currency != "EUR" {
		t.Fatalf("currency must follow the plan, got %s", pay.Currency)
	}

	pay, err = svcs.payments.ConfirmLocally(ctx, pay.ID)
	if err != nil {
		t.Fatalf("confirm payment: %v", err)
	}
	if pay.State != payment.StateApproved {
		t.Fatalf("expected approved, got %s", pay.State)
	}

	allocs, err := svcs.payments.Allocations(ctx, pay.ID)
	if err != nil {
		t.Fatalf("list allocations: %v", err)
	}
	allocated := decimal.Zero
	for _, a := range allocs {
		allocated = allocated.Add(a.Amount)
	}
	if !allocated.Equal(decimal.RequireFromString("300")) {
		t.Fatalf("expected 300 allocated, got %s", allocated)
	}

	rec, err := svcs.payments.ReceiptByPayment(ctx, pay.ID)
	if err != nil {
		t.Fatalf("get receipt: %v", err)
	}
	vr, err := svcs.payments.VerifyReceipt(ctx, rec.VerificationCode)
	if err != nil {
		t.Fatalf("verify receipt: %v", err)
	}
	if !vr.Valid || vr.PaymentID != pay.ID {
		t.Fatalf("verification failed: %+v", vr)
	}

	outstanding, err := svcs.payments.Outstanding(ctx, p.ID)
	if err != nil {
		t.Fatalf("outstanding: %v", err)
	}
	if !outstanding.Equal(decimal.RequireFromString("150")) {
		t.Fatalf("expected 150 outstanding, got %s", outstanding)
	}
}

func TestBillingLifecycle_CardPaymentViaWebhook(t *testing.T) {
	ctx := actorCtx()
	truncateAll(t, ctx)
	svcs := newServices(t)

	p := buildAcceptedPlan(t, ctx, svcs)

	pay, err := svcs.payments.Create(ctx, payment.CreateParams{
		PlanID: p.ID,
		Amount: decimal.RequireFromString("450"),
		Method: payment.MethodCard,
	})
	if err != nil {
		t.Fatalf("create card payment: %v", err)
	}
	if pay.ProviderRef == nil {
		t.Fatal("card payment must carry a provider reference")
	}

	body, err := json.Marshal(map[string]any{
		"type": "payment.succeeded",
		"object": map[string]any{
			"provider_ref": *pay.ProviderRef,
		},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	sig := signature.Sign(body, webhookSecret)

	res, err := svcs.payments.ApplyExternalEvent(ctx, body, sig)
	if err != nil {
		t.Fatalf("apply event: %v", err)
	}
	if res.Status != payment.ResultApplied {
		t.Fatalf("expected applied, got %s", res.Status)
	}

	// Redelivery of the same event is a no-op.
	res, err = svcs.payments.ApplyExternalEvent(ctx, body, sig)
	if err != nil {
		t.Fatalf("redeliver event: %v", err)
	}
	if res.Status != payment.ResultNoop {
		t.Fatalf("expected noop on redelivery, got %s", res.Status)
	}

	pay, err = svcs.payments.Get(ctx, pay.ID)
	if err != nil {
		t.Fatalf("reload payment: %v", err)
	}
	if pay.State != payment.StateApproved {
		t.Fatalf("expected approved, got %s", pay.State)
	}

	// The full plan total spreads across all three items. Unit costs sum to
	// 500 against a discounted total of 450, so each item keeps a residual
	// balance equal to its share of the discount.
	allocs, err := svcs.payments.Allocations(ctx, pay.ID)
	if err != nil {
		t.Fatalf("list allocations: %v", err)
	}
	if len(allocs) != 3 {
		t.Fatalf("expected 3 allocations, got %d", len(allocs))
	}
	allocated := decimal.Zero
	for _, a := range allocs {
		allocated = allocated.Add(a.Amount)
		if a.ResultingBalance.IsNegative() {
			t.Errorf("allocation overpays item: balance %s", a.ResultingBalance)
		}
	}
	if !allocated.Equal(decimal.RequireFromString("450")) {
		t.Fatalf("expected 450 allocated, got %s", allocated)
	}

	outstanding, err := svcs.payments.Outstanding(ctx, p.ID)
	if err != nil {
		t.Fatalf("outstanding: %v", err)
	}
	if !outstanding.IsZero() {
		t.Fatalf("expected zero outstanding, got %s", outstanding)
	}
}
