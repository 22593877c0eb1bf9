package budget

import (
	"context"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/carebill/carebill/internal/domain/plan"
	"github.com/carebill/carebill/internal/platform/auth"
	"github.com/carebill/carebill/internal/platform/fault"
	"github.com/carebill/carebill/internal/platform/render"
)

// -- Mock Repositories --

type mockBudgetRepo struct {
	budgets map[uuid.UUID]*Budget
	items   map[uuid.UUID][]*Item
}

func newMockBudgetRepo() *mockBudgetRepo {
	return &mockBudgetRepo{budgets: make(map[uuid.UUID]*Budget), items: make(map[uuid.UUID][]*Item)}
}

func (m *mockBudgetRepo) Create(_ context.Context, b *Budget, items []*Item) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	b.CreatedAt = time.Now()
	b.UpdatedAt = time.Now()
	cp := *b
	m.budgets[b.ID] = &cp
	for _, it := range items {
		if it.ID == uuid.Nil {
			it.ID = uuid.New()
		}
		it.BudgetID = b.ID
		icp := *it
		m.items[b.ID] = append(m.items[b.ID], &icp)
	}
	return nil
}

func (m *mockBudgetRepo) GetByID(_ context.Context, id uuid.UUID) (*Budget, error) {
	b, ok := m.budgets[id]
	if !ok {
		return nil, fault.NotFound("BudgetNotFound", "budget not found")
	}
	cp := *b
	return &cp, nil
}

func (m *mockBudgetRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Budget, error) {
	return m.GetByID(ctx, id)
}

func (m *mockBudgetRepo) Update(_ context.Context, b *Budget) error {
	if _, ok := m.budgets[b.ID]; !ok {
		return fault.NotFound("BudgetNotFound", "budget not found")
	}
	cp := *b
	m.budgets[b.ID] = &cp
	return nil
}

func (m *mockBudgetRepo) ListByPlan(_ context.Context, planID uuid.UUID) ([]*Budget, error) {
	var result []*Budget
	for _, b := range m.budgets {
		if b.PlanID == planID {
			cp := *b
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *mockBudgetRepo) ListItems(_ context.Context, budgetID uuid.UUID) ([]*Item, error) {
	items := m.items[budgetID]
	result := make([]*Item, 0, len(items))
	for _, it := range items {
		cp := *it
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Position < result[j].Position })
	return result, nil
}

func (m *mockBudgetRepo) ListDueForExpiry(_ context.Context, now time.Time, limit int) ([]*Budget, error) {
	var result []*Budget
	for _, b := range m.budgets {
		if b.State == StateIssued && b.ExpiredAt(now) {
			cp := *b
			result = append(result, &cp)
		}
		if len(result) == limit {
			break
		}
	}
	return result, nil
}

type mockAcceptanceRepo struct {
	acceptances map[uuid.UUID]*Acceptance   // keyed by budget id
	covered     map[uuid.UUID][]uuid.UUID   // acceptance id -> plan item ids
	planOf      map[uuid.UUID]uuid.UUID     // budget id -> plan id
}

func newMockAcceptanceRepo() *mockAcceptanceRepo {
	return &mockAcceptanceRepo{
		acceptances: make(map[uuid.UUID]*Acceptance),
		covered:     make(map[uuid.UUID][]uuid.UUID),
		planOf:      make(map[uuid.UUID]uuid.UUID),
	}
}

func (m *mockAcceptanceRepo) Create(_ context.Context, a *Acceptance, planItemIDs []uuid.UUID) error {
	if _, ok := m.acceptances[a.BudgetID]; ok {
		return &pgconn.PgError{Code: "23505", ConstraintName: "acceptances_budget_id_key"}
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = time.Now()
	cp := *a
	m.acceptances[a.BudgetID] = &cp
	m.covered[a.ID] = planItemIDs
	return nil
}

func (m *mockAcceptanceRepo) GetByBudget(_ context.Context, budgetID uuid.UUID) (*Acceptance, error) {
	a, ok := m.acceptances[budgetID]
	if !ok {
		return nil, fault.NotFound("AcceptanceNotFound", "acceptance not found")
	}
	cp := *a
	return &cp, nil
}

func (m *mockAcceptanceRepo) AcceptedPlanItemIDs(_ context.Context, planID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for budgetID, a := range m.acceptances {
		if m.planOf[budgetID] == planID {
			ids = append(ids, m.covered[a.ID]...)
		}
	}
	return ids, nil
}

type mockPlanRepo struct {
	plans map[uuid.UUID]*plan.Plan
}

func newMockPlanRepo() *mockPlanRepo {
	return &mockPlanRepo{plans: make(map[uuid.UUID]*plan.Plan)}
}

func (m *mockPlanRepo) Create(_ context.Context, p *plan.Plan) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	m.plans[p.ID] = p
	return nil
}

func (m *mockPlanRepo) GetByID(_ context.Context, id uuid.UUID) (*plan.Plan, error) {
	p, ok := m.plans[id]
	if !ok {
		return nil, fault.NotFound("PlanNotFound", "plan not found")
	}
	cp := *p
	return &cp, nil
}

func (m *mockPlanRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*plan.Plan, error) {
	return m.GetByID(ctx, id)
}

func (m *mockPlanRepo) Update(_ context.Context, p *plan.Plan) error {
	cp := *p
	m.plans[p.ID] = &cp
	return nil
}

func (m *mockPlanRepo) ListByPatient(_ context.Context, _ uuid.UUID, _, _ int) ([]*plan.Plan, int, error) {
	return nil, 0, nil
}

type mockPlanItemRepo struct {
	items map[uuid.UUID]*plan.Item
}

func newMockPlanItemRepo() *mockPlanItemRepo {
	return &mockPlanItemRepo{items: make(map[uuid.UUID]*plan.Item)}
}

func (m *mockPlanItemRepo) Create(_ context.Context, it *plan.Item) error {
	if it.ID == uuid.Nil {
		it.ID = uuid.New()
	}
	m.items[it.ID] = it
	return nil
}

func (m *mockPlanItemRepo) GetByID(_ context.Context, id uuid.UUID) (*plan.Item, error) {
	it, ok := m.items[id]
	if !ok {
		return nil, fault.NotFound("ItemNotFound", "item not found")
	}
	cp := *it
	return &cp, nil
}

func (m *mockPlanItemRepo) Update(_ context.Context, it *plan.Item) error {
	cp := *it
	m.items[it.ID] = &cp
	return nil
}

func (m *mockPlanItemRepo) Delete(_ context.Context, id uuid.UUID) error {
	delete(m.items, id)
	return nil
}

func (m *mockPlanItemRepo) ListByPlan(_ context.Context, planID uuid.UUID) ([]*plan.Item, error) {
	var result []*plan.Item
	for _, it := range m.items {
		if it.PlanID == planID {
			cp := *it
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Position < result[j].Position })
	return result, nil
}

func (m *mockPlanItemRepo) AddSession(_ context.Context, _ *plan.Session) error { return nil }

func (m *mockPlanItemRepo) ListSessions(_ context.Context, _ uuid.UUID) ([]*plan.Session, error) {
	return nil, nil
}

type stubRenderer struct{ rendered int }

func (r *stubRenderer) Render(_ context.Context, kind, reference string, data any) (*render.Artifact, error) {
	r.rendered++
	_, hash, err := render.HashPayload(data)
	if err != nil {
		return nil, err
	}
	return &render.Artifact{URL: "file:///tmp/" + kind + "-" + reference + ".json", SHA256: hash, RenderedAt: time.Now()}, nil
}

// -- Fixture --

type fixture struct {
	svc         *Service
	budgets     *mockBudgetRepo
	acceptances *mockAcceptanceRepo
	plans       *mockPlanRepo
	planItems   *mockPlanItemRepo
	renderer    *stubRenderer
	now         time.Time
}

func newFixture() *fixture {
	f := &fixture{
		budgets:     newMockBudgetRepo(),
		acceptances: newMockAcceptanceRepo(),
		plans:       newMockPlanRepo(),
		planItems:   newMockPlanItemRepo(),
		renderer:    &stubRenderer{},
		now:         time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = &Service{
		budgets:             f.budgets,
		acceptances:         f.acceptances,
		plans:               f.plans,
		planItems:           f.planItems,
		renderer:            f.renderer,
		logger:              zerolog.New(os.Stderr),
		defaultValidityDays: 30,
		now:                 func() time.Time { return f.now },
		inTx: func(ctx context.Context, fn func(ctx context.Context) error) error {
			// Same contract as db.RunInTx: writes made by fn are discarded
			// when it returns an error.
			restore := f.checkpoint()
			if err := fn(ctx); err != nil {
				restore()
				return err
			}
			return nil
		},
	}
	return f
}

// checkpoint snapshots every mock repository and returns a restore func.
func (f *fixture) checkpoint() func() {
	budgets := make(map[uuid.UUID]*Budget, len(f.budgets.budgets))
	for k, v := range f.budgets.budgets {
		cp := *v
		budgets[k] = &cp
	}
	budgetItems := make(map[uuid.UUID][]*Item, len(f.budgets.items))
	for k, v := range f.budgets.items {
		list := make([]*Item, 0, len(v))
		for _, it := range v {
			icp := *it
			list = append(list, &icp)
		}
		budgetItems[k] = list
	}
	acceptances := make(map[uuid.UUID]*Acceptance, len(f.acceptances.acceptances))
	for k, v := range f.acceptances.acceptances {
		cp := *v
		acceptances[k] = &cp
	}
	covered := make(map[uuid.UUID][]uuid.UUID, len(f.acceptances.covered))
	for k, v := range f.acceptances.covered {
		covered[k] = append([]uuid.UUID(nil), v...)
	}
	planOf := make(map[uuid.UUID]uuid.UUID, len(f.acceptances.planOf))
	for k, v := range f.acceptances.planOf {
		planOf[k] = v
	}
	plans := make(map[uuid.UUID]*plan.Plan, len(f.plans.plans))
	for k, v := range f.plans.plans {
		cp := *v
		plans[k] = &cp
	}
	planItems := make(map[uuid.UUID]*plan.Item, len(f.planItems.items))
	for k, v := range f.planItems.items {
		cp := *v
		planItems[k] = &cp
	}
	return func() {
		f.budgets.budgets = budgets
		f.budgets.items = budgetItems
		f.acceptances.acceptances = acceptances
		f.acceptances.covered = covered
		f.acceptances.planOf = planOf
		f.plans.plans = plans
		f.planItems.items = planItems
	}
}

func testCtx() context.Context {
	return auth.WithActor(context.Background(), auth.Actor{
		ID:    uuid.New(),
		Name:  "test-billing",
		Roles: []string{"billing"},
	})
}

// approvedPlan seeds an approved plan with three items priced 100, 200, 300.
// The middle item is partial-eligible.
func (f *fixture) approvedPlan(t *testing.T) (*plan.Plan, []*plan.Item) {
	t.Helper()
	p := &plan.Plan{
		ID:       uuid.New(),
		State:    plan.StateApproved,
		Subtotal: dec("600"),
		Discount: dec("60"),
		Total:    dec("540"),
		Currency: "EUR",
	}
	if err := f.plans.Create(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	costs := []string{"100", "200", "300"}
	var items []*plan.Item
	for i, cost := range costs {
		it := &plan.Item{
			ID:              uuid.New(),
			PlanID:          p.ID,
			Service:         "svc-" + cost,
			UnitCost:        dec(cost),
			State:           plan.ItemPending,
			Position:        i,
			PartialEligible: i == 1,
		}
		if err := f.planItems.Create(context.Background(), it); err != nil {
			t.Fatal(err)
		}
		items = append(items, it)
	}
	return p, items
}

func (f *fixture) issuedBudget(t *testing.T, planID uuid.UUID, itemIDs []uuid.UUID) *Budget {
	t.Helper()
	b, err := f.svc.Generate(testCtx(), planID, itemIDs, 30)
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	f.acceptances.planOf[b.ID] = planID
	issued, err := f.svc.Issue(testCtx(), b.ID)
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	return issued
}

func signature() SignaturePayload {
	return SignaturePayload{Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), ActorID: "patient-1"}
}

// -- Tests --

func TestGenerate_FullPlanInheritsDiscount(t *testing.T) {
	f := newFixture()
	p, _ := f.approvedPlan(t)

	b, err := f.svc.Generate(testCtx(), p.ID, nil, 0)
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if b.State != StateDraft {
		t.Errorf("expected draft budget, got %s", b.State)
	}
	if !b.Subtotal.Equal(dec("600")) || !b.Discount.Equal(dec("60")) || !b.Total.Equal(dec("540")) {
		t.Errorf("unexpected totals %s/%s/%s", b.Subtotal, b.Discount, b.Total)
	}
	if b.ValidityDays != 30 {
		t.Errorf("expected default validity 30, got %d", b.ValidityDays)
	}

	items, _ := f.budgets.ListItems(context.Background(), b.ID)
	if len(items) != 3 {
		t.Fatalf("expected 3 snapshot items, got %d", len(items))
	}
}

func TestGenerate_TrancheAtFaceValue(t *testing.T) {
	f := newFixture()
	p, items := f.approvedPlan(t)

	b, err := f.svc.Generate(testCtx(), p.ID, []uuid.UUID{items[0].ID, items[1].ID}, 14)
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if !b.Subtotal.Equal(dec("300")) || !b.Discount.IsZero() || !b.Total.Equal(dec("300")) {
		t.Errorf("unexpected tranche totals %s/%s/%s", b.Subtotal, b.Discount, b.Total)
	}
	if b.ValidityDays != 14 {
		t.Errorf("expected validity 14, got %d", b.ValidityDays)
	}
}

func TestGenerate_Guards(t *testing.T) {
	f := newFixture()
	p, items := f.approvedPlan(t)

	// Plan must be approved or in progress.
	draft := &plan.Plan{ID: uuid.New(), State: plan.StateDraft}
	_ = f.plans.Create(context.Background(), draft)
	if _, err := f.svc.Generate(testCtx(), draft.ID, nil, 0); !fault.IsCode(err, "PlanNotApproved") {
		t.Errorf("expected PlanNotApproved, got %v", err)
	}

	// Foreign items are rejected.
	if _, err := f.svc.Generate(testCtx(), p.ID, []uuid.UUID{uuid.New()}, 0); !fault.IsCode(err, "ItemNotInPlan") {
		t.Errorf("expected ItemNotInPlan, got %v", err)
	}

	// Cancelled items are rejected.
	items[0].State = plan.ItemCancelled
	_ = f.planItems.Update(context.Background(), items[0])
	if _, err := f.svc.Generate(testCtx(), p.ID, []uuid.UUID{items[0].ID}, 0); !fault.IsCode(err, "ItemNotInPlan") {
		t.Errorf("expected ItemNotInPlan for cancelled item, got %v", err)
	}
}

func TestGenerate_RejectsAcceptedItems(t *testing.T) {
	f := newFixture()
	p, items := f.approvedPlan(t)

	b := f.issuedBudget(t, p.ID, []uuid.UUID{items[1].ID})
	if _, err := f.svc.Accept(testCtx(), b.ID, AcceptParams{Mode: ModeFull, Signature: signature()}); err != nil {
		t.Fatalf("Accept() error: %v", err)
	}

	if _, err := f.svc.Generate(testCtx(), p.ID, []uuid.UUID{items[1].ID, items[2].ID}, 0); !fault.IsCode(err, "ItemAlreadyAccepted") {
		t.Errorf("expected ItemAlreadyAccepted, got %v", err)
	}

	// Uncovered items remain budgetable.
	if _, err := f.svc.Generate(testCtx(), p.ID, []uuid.UUID{items[2].ID}, 0); err != nil {
		t.Errorf("generating over uncovered items should succeed: %v", err)
	}
}

func TestIssue(t *testing.T) {
	f := newFixture()
	p, _ := f.approvedPlan(t)

	b, err := f.svc.Generate(testCtx(), p.ID, nil, 30)
	if err != nil {
		t.Fatal(err)
	}
	issued, err := f.svc.Issue(testCtx(), b.ID)
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if issued.State != StateIssued {
		t.Errorf("expected issued, got %s", issued.State)
	}
	if issued.IssuedAt == nil || !issued.IssuedAt.Equal(f.now) {
		t.Errorf("unexpected issued_at %v", issued.IssuedAt)
	}
	want := f.now.AddDate(0, 0, 30)
	if issued.ValidUntil == nil || !issued.ValidUntil.Equal(want) {
		t.Errorf("expected valid_until %v, got %v", want, issued.ValidUntil)
	}

	// Issue is draft-only.
	if _, err := f.svc.Issue(testCtx(), b.ID); !fault.IsCode(err, "NotDraft") {
		t.Errorf("expected NotDraft on second issue, got %v", err)
	}
}

func TestExpire_Idempotent(t *testing.T) {
	f := newFixture()
	p, _ := f.approvedPlan(t)
	b := f.issuedBudget(t, p.ID, nil)

	// Not yet due: no change.
	out, err := f.svc.Expire(testCtx(), b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.State != StateIssued {
		t.Errorf("expected issued before due date, got %s", out.State)
	}

	f.now = f.now.AddDate(0, 0, 31)
	out, err = f.svc.Expire(testCtx(), b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.State != StateExpired {
		t.Errorf("expected expired, got %s", out.State)
	}

	// Second call is a no-op.
	out, err = f.svc.Expire(testCtx(), b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.State != StateExpired {
		t.Errorf("expected expired to stick, got %s", out.State)
	}
}

func TestExpireDue_Sweep(t *testing.T) {
	f := newFixture()
	p, items := f.approvedPlan(t)

	due := f.issuedBudget(t, p.ID, []uuid.UUID{items[0].ID})
	fresh := f.issuedBudget(t, p.ID, []uuid.UUID{items[1].ID})

	f.now = f.now.AddDate(0, 0, 31)
	// Reissue the fresh one so its window is still open.
	f.budgets.budgets[fresh.ID].ValidUntil = ptrTime(f.now.AddDate(0, 0, 10))

	count, err := f.svc.ExpireDue(testCtx(), 100)
	if err != nil {
		t.Fatalf("ExpireDue() error: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 expired, got %d", count)
	}
	if f.budgets.budgets[due.ID].State != StateExpired {
		t.Error("due budget not expired")
	}
	if f.budgets.budgets[fresh.ID].State != StateIssued {
		t.Error("fresh budget must stay issued")
	}
}

func ptrTime(t time.Time) *time.Time { return &t }

func TestAccept_Full(t *testing.T) {
	f := newFixture()
	p, _ := f.approvedPlan(t)
	b := f.issuedBudget(t, p.ID, nil)

	a, err := f.svc.Accept(testCtx(), b.ID, AcceptParams{Mode: ModeFull, Signature: signature(), ActorIP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("Accept() error: %v", err)
	}
	if !a.AcceptedAmount.Equal(dec("540")) {
		t.Errorf("expected accepted amount 540, got %s", a.AcceptedAmount)
	}
	if a.VerificationCode == "" || a.DocumentHash == "" || a.DocumentURL == "" {
		t.Errorf("expected proof fields set, got %+v", a)
	}
	if f.renderer.rendered != 1 {
		t.Errorf("expected 1 rendered document, got %d", f.renderer.rendered)
	}
	if f.budgets.budgets[b.ID].State != StateAccepted {
		t.Error("budget must be accepted")
	}
	if !f.plans.plans[p.ID].HasAcceptance {
		t.Error("plan must be marked as having an acceptance")
	}
}

func TestAccept_PartialEligibleOnly(t *testing.T) {
	f := newFixture()
	p, items := f.approvedPlan(t)
	b := f.issuedBudget(t, p.ID, nil)

	// Item 0 is not partial-eligible.
	_, err := f.svc.Accept(testCtx(), b.ID, AcceptParams{
		Mode:            ModePartial,
		AcceptedItemIDs: []uuid.UUID{items[0].ID},
		Signature:       signature(),
	})
	if !fault.IsCode(err, "ItemNotPartialEligible") {
		t.Errorf("expected ItemNotPartialEligible, got %v", err)
	}

	// Item 1 is; accepted amount is its face value.
	a, err := f.svc.Accept(testCtx(), b.ID, AcceptParams{
		Mode:            ModePartial,
		AcceptedItemIDs: []uuid.UUID{items[1].ID},
		Signature:       signature(),
	})
	if err != nil {
		t.Fatalf("Accept() error: %v", err)
	}
	if a.Mode != ModePartial || !a.AcceptedAmount.Equal(dec("200")) {
		t.Errorf("unexpected acceptance %+v", a)
	}
}

func TestAccept_Guards(t *testing.T) {
	f := newFixture()
	p, _ := f.approvedPlan(t)

	// Draft budgets cannot be accepted.
	b, err := f.svc.Generate(testCtx(), p.ID, nil, 30)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Accept(testCtx(), b.ID, AcceptParams{Mode: ModeFull, Signature: signature()}); !fault.IsCode(err, "NotIssued") {
		t.Errorf("expected NotIssued, got %v", err)
	}

	// Signature is mandatory.
	issued := f.issuedBudget(t, p.ID, nil)
	if _, err := f.svc.Accept(testCtx(), issued.ID, AcceptParams{Mode: ModeFull}); !fault.IsCode(err, "SignatureRequired") {
		t.Errorf("expected SignatureRequired, got %v", err)
	}

	// Partial mode needs items.
	if _, err := f.svc.Accept(testCtx(), issued.ID, AcceptParams{Mode: ModePartial, Signature: signature()}); !fault.IsCode(err, "ItemsRequired") {
		t.Errorf("expected ItemsRequired, got %v", err)
	}

	// Bad mode.
	if _, err := f.svc.Accept(testCtx(), issued.ID, AcceptParams{Mode: "half", Signature: signature()}); !fault.IsCode(err, "InvalidMode") {
		t.Errorf("expected InvalidMode, got %v", err)
	}
}

func TestAccept_ExpiresLazily(t *testing.T) {
	f := newFixture()
	p, _ := f.approvedPlan(t)
	b := f.issuedBudget(t, p.ID, nil)

	f.now = f.now.AddDate(0, 0, 31)
	_, err := f.svc.Accept(testCtx(), b.ID, AcceptParams{Mode: ModeFull, Signature: signature()})
	if !fault.IsCode(err, "Expired") {
		t.Errorf("expected Expired, got %v", err)
	}
	// The attempt itself flips the state, and the transition survives the
	// rollback that accompanies the returned fault.
	if f.budgets.budgets[b.ID].State != StateExpired {
		t.Error("expired budget must be persisted as expired")
	}
}

func TestReject_ExpiresLazily(t *testing.T) {
	f := newFixture()
	p, _ := f.approvedPlan(t)
	b := f.issuedBudget(t, p.ID, nil)

	f.now = f.now.AddDate(0, 0, 31)
	_, err := f.svc.Reject(testCtx(), b.ID, "too late anyway")
	if !fault.IsCode(err, "Expired") {
		t.Errorf("expected Expired, got %v", err)
	}
	if f.budgets.budgets[b.ID].State != StateExpired {
		t.Error("expired budget must be persisted as expired")
	}
}

func TestAccept_AlreadyDecided(t *testing.T) {
	f := newFixture()
	p, _ := f.approvedPlan(t)
	b := f.issuedBudget(t, p.ID, nil)

	if _, err := f.svc.Accept(testCtx(), b.ID, AcceptParams{Mode: ModeFull, Signature: signature()}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Accept(testCtx(), b.ID, AcceptParams{Mode: ModeFull, Signature: signature()}); !fault.IsCode(err, "AlreadyDecided") {
		t.Errorf("expected AlreadyDecided, got %v", err)
	}
	if _, err := f.svc.Reject(testCtx(), b.ID, "changed my mind"); !fault.IsCode(err, "AlreadyDecided") {
		t.Errorf("expected AlreadyDecided on reject, got %v", err)
	}
}

func TestAccept_ConcurrentWinnerIsReturned(t *testing.T) {
	f := newFixture()
	p, _ := f.approvedPlan(t)
	b := f.issuedBudget(t, p.ID, nil)

	// Simulate a racing acceptance that landed between the state check and the
	// insert: the repo holds a row while the budget still reads as issued.
	winner := &Acceptance{BudgetID: b.ID, Mode: ModeFull, AcceptedAmount: dec("540"), VerificationCode: "abc123"}
	if err := f.acceptances.Create(context.Background(), winner, nil); err != nil {
		t.Fatal(err)
	}

	a, err := f.svc.Accept(testCtx(), b.ID, AcceptParams{Mode: ModeFull, Signature: signature()})
	if err != nil {
		t.Fatalf("Accept() after race error: %v", err)
	}
	if a.ID != winner.ID || a.VerificationCode != "abc123" {
		t.Errorf("expected the winning acceptance back, got %+v", a)
	}
}

func TestReject(t *testing.T) {
	f := newFixture()
	p, _ := f.approvedPlan(t)
	b := f.issuedBudget(t, p.ID, nil)

	if _, err := f.svc.Reject(testCtx(), b.ID, ""); !fault.IsCode(err, "ReasonRequired") {
		t.Errorf("expected ReasonRequired, got %v", err)
	}

	rejected, err := f.svc.Reject(testCtx(), b.ID, "too expensive")
	if err != nil {
		t.Fatalf("Reject() error: %v", err)
	}
	if rejected.State != StateRejected || rejected.RejectReason == nil || *rejected.RejectReason != "too expensive" {
		t.Errorf("unexpected rejected budget %+v", rejected)
	}
	if rejected.DecidedAt == nil {
		t.Error("expected decided_at stamp")
	}
}
