package payment

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

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

const paymentCols = `id, plan_id, amount, currency, method, state, provider_ref,
	fail_reason, cancel_reason, approved_at, refunded_at, created_at, updated_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.PlanID, &p.Amount, &p.Currency, &p.Method, &p.State, &p.ProviderRef,
		&p.FailReason, &p.CancelReason, &p.ApprovedAt, &p.RefundedAt, &p.CreatedAt, &p.UpdatedAt)
	if db.IsNotFound(err) {
		return nil, fault.NotFound("PaymentNotFound", "payment not found")
	}
	return &p, err
}

func (r *repoPG) Create(ctx context.Context, p *Payment, targetItemIDs []uuid.UUID) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	conn := r.conn(ctx)
	_, err := conn.Exec(ctx, `
		INSERT INTO payments (id, plan_id, amount, currency, method, state, provider_ref, fail_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		p.ID, p.PlanID, p.Amount, p.Currency, p.Method, p.State, p.ProviderRef, p.FailReason)
	if err != nil {
		return err
	}
	for _, itemID := range targetItemIDs {
		if _, err := conn.Exec(ctx, `
			INSERT INTO payment_targets (payment_id, plan_item_id) VALUES ($1,$2)`,
			p.ID, itemID); err != nil {
			return err
		}
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return scanPayment(r.conn(ctx).QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE id = $1`, id))
}

func (r *repoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return scanPayment(r.conn(ctx).QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE id = $1 FOR UPDATE`, id))
}

func (r *repoPG) GetByProviderRef(ctx context.Context, ref string) (*Payment, error) {
	return scanPayment(r.conn(ctx).QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE provider_ref = $1`, ref))
}

func (r *repoPG) Update(ctx context.Context, p *Payment) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE payments SET state=$2, provider_ref=$3, fail_reason=$4, cancel_reason=$5,
			approved_at=$6, refunded_at=$7, updated_at=NOW()
		WHERE id=$1`,
		p.ID, p.State, p.ProviderRef, p.FailReason, p.CancelReason, p.ApprovedAt, p.RefundedAt)
	return err
}

func (r *repoPG) ListByPlan(ctx context.Context, planID uuid.UUID) ([]*Payment, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE plan_id = $1 ORDER BY created_at DESC`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (r *repoPG) TargetItemIDs(ctx context.Context, paymentID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT plan_item_id FROM payment_targets WHERE payment_id = $1`, paymentID)
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

func (r *repoPG) SumActiveByPlan(ctx context.Context, planID uuid.UUID) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM payments
		WHERE plan_id = $1 AND state IN ($2, $3, $4)`,
		planID, StatePending, StateProcessing, StateApproved).Scan(&sum)
	return sum, err
}

func (r *repoPG) CreateAllocations(ctx context.Context, allocs []*Allocation) error {
	conn := r.conn(ctx)
	for _, a := range allocs {
		if a.ID == uuid.Nil {
			a.ID = uuid.New()
		}
		if _, err := conn.Exec(ctx, `
			INSERT INTO payment_allocations (id, payment_id, plan_item_id, amount, resulting_balance)
			VALUES ($1,$2,$3,$4,$5)`,
			a.ID, a.PaymentID, a.PlanItemID, a.Amount, a.ResultingBalance); err != nil {
			return err
		}
	}
	return nil
}

func (r *repoPG) ListAllocations(ctx context.Context, paymentID uuid.UUID) ([]*Allocation, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, payment_id, plan_item_id, amount, resulting_balance, created_at
		FROM payment_allocations WHERE payment_id = $1 ORDER BY created_at`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allocs []*Allocation
	for rows.Next() {
		var a Allocation
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.PlanItemID, &a.Amount,
			&a.ResultingBalance, &a.CreatedAt); err != nil {
			return nil, err
		}
		allocs = append(allocs, &a)
	}
	return allocs, rows.Err()
}

func (r *repoPG) SumAllocatedByItem(ctx context.Context, planID uuid.UUID) (map[uuid.UUID]decimal.Decimal, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT pa.plan_item_id, COALESCE(SUM(pa.amount), 0)
		FROM payment_allocations pa
		JOIN payments p ON p.id = pa.payment_id
		WHERE p.plan_id = $1 AND p.state = $2
		GROUP BY pa.plan_item_id`, planID, StateApproved)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sums := make(map[uuid.UUID]decimal.Decimal)
	for rows.Next() {
		var id uuid.UUID
		var sum decimal.Decimal
		if err := rows.Scan(&id, &sum); err != nil {
			return nil, err
		}
		sums[id] = sum
	}
	return sums, rows.Err()
}

// =========== Receipt Repository ===========

type receiptRepoPG struct{ pool *pgxpool.Pool }

func NewReceiptRepoPG(pool *pgxpool.Pool) ReceiptRepository {
	return &receiptRepoPG{pool: pool}
}

func (r *receiptRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *receiptRepoPG) Create(ctx context.Context, rec *Receipt) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO receipts (id, payment_id, verification_code, document_hash, document_url)
		VALUES ($1,$2,$3,$4,$5)`,
		rec.ID, rec.PaymentID, rec.VerificationCode, rec.DocumentHash, rec.DocumentURL)
	return err
}

const receiptCols = `id, payment_id, verification_code, document_hash, document_url, issued_at`

func scanReceipt(row pgx.Row) (*Receipt, error) {
	var rec Receipt
	err := row.Scan(&rec.ID, &rec.PaymentID, &rec.VerificationCode,
		&rec.DocumentHash, &rec.DocumentURL, &rec.IssuedAt)
	if db.IsNotFound(err) {
		return nil, fault.NotFound("ReceiptNotFound", "receipt not found")
	}
	return &rec, err
}

func (r *receiptRepoPG) GetByPayment(ctx context.Context, paymentID uuid.UUID) (*Receipt, error) {
	return scanReceipt(r.conn(ctx).QueryRow(ctx,
		`SELECT `+receiptCols+` FROM receipts WHERE payment_id = $1`, paymentID))
}

func (r *receiptRepoPG) GetByCode(ctx context.Context, code string) (*Receipt, error) {
	return scanReceipt(r.conn(ctx).QueryRow(ctx,
		`SELECT `+receiptCols+` FROM receipts WHERE verification_code = $1`, code))
}
