package budget

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carebill/carebill/internal/platform/db"
	"github.com/carebill/carebill/internal/platform/fault"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const budgetCols = `id, plan_id, state, subtotal, discount, total, currency, validity_days,
	valid_until, issued_at, decided_at, reject_reason, created_at, updated_at`

func scanBudget(row pgx.Row) (*Budget, error) {
	var b Budget
	err := row.Scan(&b.ID, &b.PlanID, &b.State, &b.Subtotal, &b.Discount, &b.Total, &b.Currency,
		&b.ValidityDays, &b.ValidUntil, &b.IssuedAt, &b.DecidedAt, &b.RejectReason,
		&b.CreatedAt, &b.UpdatedAt)
	if db.IsNotFound(err) {
		return nil, fault.NotFound("BudgetNotFound", "budget not found")
	}
	return &b, err
}

func (r *repoPG) Create(ctx context.Context, b *Budget, items []*Item) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	conn := r.conn(ctx)
	_, err := conn.Exec(ctx, `
		INSERT INTO budgets (id, plan_id, state, subtotal, discount, total, currency, validity_days)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		b.ID, b.PlanID, b.State, b.Subtotal, b.Discount, b.Total, b.Currency, b.ValidityDays)
	if err != nil {
		return err
	}
	for _, it := range items {
		if it.ID == uuid.Nil {
			it.ID = uuid.New()
		}
		it.BudgetID = b.ID
		_, err := conn.Exec(ctx, `
			INSERT INTO budget_items (id, budget_id, plan_item_id, service, unit_cost, partial_eligible, position)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			it.ID, it.BudgetID, it.PlanItemID, it.Service, it.UnitCost, it.PartialEligible, it.Position)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Budget, error) {
	return scanBudget(r.conn(ctx).QueryRow(ctx, `SELECT `+budgetCols+` FROM budgets WHERE id = $1`, id))
}

func (r *repoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Budget, error) {
	return scanBudget(r.conn(ctx).QueryRow(ctx, `SELECT `+budgetCols+` FROM budgets WHERE id = $1 FOR UPDATE`, id))
}

func (r *repoPG) Update(ctx context.Context, b *Budget) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE budgets SET state=$2, subtotal=$3, discount=$4, total=$5, valid_until=$6,
			issued_at=$7, decided_at=$8, reject_reason=$9, updated_at=NOW()
		WHERE id=$1`,
		b.ID, b.State, b.Subtotal, b.Discount, b.Total, b.ValidUntil,
		b.IssuedAt, b.DecidedAt, b.RejectReason)
	return err
}

func (r *repoPG) ListByPlan(ctx context.Context, planID uuid.UUID) ([]*Budget, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+budgetCols+` FROM budgets WHERE plan_id = $1 ORDER BY created_at DESC`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var budgets []*Budget
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, err
		}
		budgets = append(budgets, b)
	}
	return budgets, rows.Err()
}

func (r *repoPG) ListItems(ctx context.Context, budgetID uuid.UUID) ([]*Item, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, budget_id, plan_item_id, service, unit_cost, partial_eligible, position
		FROM budget_items WHERE budget_id = $1 ORDER BY position`, budgetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.BudgetID, &it.PlanItemID, &it.Service, &it.UnitCost,
			&it.PartialEligible, &it.Position); err != nil {
			return nil, err
		}
		items = append(items, &it)
	}
	return items, rows.Err()
}

func (r *repoPG) ListDueForExpiry(ctx context.Context, now time.Time, limit int) ([]*Budget, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+budgetCols+` FROM budgets
		WHERE state = $1 AND valid_until < $2
		ORDER BY valid_until LIMIT $3`, StateIssued, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var budgets []*Budget
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, err
		}
		budgets = append(budgets, b)
	}
	return budgets, rows.Err()
}

// =========== Acceptance Repository ===========

type acceptanceRepoPG struct{ pool *pgxpool.Pool }

func NewAcceptanceRepoPG(pool *pgxpool.Pool) AcceptanceRepository {
	return &acceptanceRepoPG{pool: pool}
}

func (r *acceptanceRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *acceptanceRepoPG) Create(ctx context.Context, a *Acceptance, planItemIDs []uuid.UUID) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	conn := r.conn(ctx)
	_, err := conn.Exec(ctx, `
		INSERT INTO acceptances (id, budget_id, mode, accepted_amount, signature_payload,
			document_hash, document_url, verification_code, actor_id, actor_ip, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		a.ID, a.BudgetID, a.Mode, a.AcceptedAmount, a.SignaturePayload,
		a.DocumentHash, a.DocumentURL, a.VerificationCode, a.ActorID, a.ActorIP, a.Notes)
	if err != nil {
		return err
	}
	for _, itemID := range planItemIDs {
		if _, err := conn.Exec(ctx, `
			INSERT INTO acceptance_items (acceptance_id, plan_item_id) VALUES ($1,$2)`,
			a.ID, itemID); err != nil {
			return err
		}
	}
	return nil
}

const acceptanceCols = `id, budget_id, mode, accepted_amount, signature_payload,
	document_hash, document_url, verification_code, actor_id, actor_ip, notes, created_at`

func scanAcceptance(row pgx.Row) (*Acceptance, error) {
	var a Acceptance
	err := row.Scan(&a.ID, &a.BudgetID, &a.Mode, &a.AcceptedAmount, &a.SignaturePayload,
		&a.DocumentHash, &a.DocumentURL, &a.VerificationCode, &a.ActorID, &a.ActorIP,
		&a.Notes, &a.CreatedAt)
	if db.IsNotFound(err) {
		return nil, fault.NotFound("AcceptanceNotFound", "acceptance not found")
	}
	return &a, err
}

func (r *acceptanceRepoPG) GetByBudget(ctx context.Context, budgetID uuid.UUID) (*Acceptance, error) {
	return scanAcceptance(r.conn(ctx).QueryRow(ctx,
		`SELECT `+acceptanceCols+` FROM acceptances WHERE budget_id = $1`, budgetID))
}

func (r *acceptanceRepoPG) AcceptedPlanItemIDs(ctx context.Context, planID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT ai.plan_item_id
		FROM acceptance_items ai
		JOIN acceptances a ON a.id = ai.acceptance_id
		JOIN budgets b ON b.id = a.budget_id
		WHERE b.plan_id = $1`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
