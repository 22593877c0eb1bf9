package plan

import (
	"context"

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

const planCols = `id, patient_id, practitioner_id, state, subtotal, discount, total, currency,
	has_acceptance, approved_at, approved_by, pause_reason, cancel_reason, notes, created_at, updated_at`

func scanPlan(row pgx.Row) (*Plan, error) {
	var p Plan
	err := row.Scan(&p.ID, &p.PatientID, &p.PractitionerID, &p.State, &p.Subtotal, &p.Discount,
		&p.Total, &p.Currency, &p.HasAcceptance, &p.ApprovedAt, &p.ApprovedBy,
		&p.PauseReason, &p.CancelReason, &p.Notes, &p.CreatedAt, &p.UpdatedAt)
	if db.IsNotFound(err) {
		return nil, fault.NotFound("PlanNotFound", "plan not found")
	}
	return &p, err
}

func (r *repoPG) Create(ctx context.Context, p *Plan) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO plans (id, patient_id, practitioner_id, state, subtotal, discount, total, currency,
			has_acceptance, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		p.ID, p.PatientID, p.PractitionerID, p.State, p.Subtotal, p.Discount, p.Total, p.Currency,
		p.HasAcceptance, p.Notes)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Plan, error) {
	return scanPlan(r.conn(ctx).QueryRow(ctx, `SELECT `+planCols+` FROM plans WHERE id = $1`, id))
}

func (r *repoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Plan, error) {
	return scanPlan(r.conn(ctx).QueryRow(ctx, `SELECT `+planCols+` FROM plans WHERE id = $1 FOR UPDATE`, id))
}

func (r *repoPG) Update(ctx context.Context, p *Plan) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE plans SET state=$2, subtotal=$3, discount=$4, total=$5, has_acceptance=$6,
			approved_at=$7, approved_by=$8, pause_reason=$9, cancel_reason=$10, notes=$11, updated_at=NOW()
		WHERE id=$1`,
		p.ID, p.State, p.Subtotal, p.Discount, p.Total, p.HasAcceptance,
		p.ApprovedAt, p.ApprovedBy, p.PauseReason, p.CancelReason, p.Notes)
	return err
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Plan, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM plans WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+planCols+` FROM plans
		WHERE patient_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var plans []*Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, 0, err
		}
		plans = append(plans, p)
	}
	return plans, total, rows.Err()
}

// =========== Item Repository ===========

type itemRepoPG struct{ pool *pgxpool.Pool }

func NewItemRepoPG(pool *pgxpool.Pool) ItemRepository { return &itemRepoPG{pool: pool} }

func (r *itemRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const itemCols = `id, plan_id, service, unit_cost, state, progress, position,
	partial_eligible, locked_paid, created_at, updated_at`

func scanItem(row pgx.Row) (*Item, error) {
	var it Item
	err := row.Scan(&it.ID, &it.PlanID, &it.Service, &it.UnitCost, &it.State, &it.Progress,
		&it.Position, &it.PartialEligible, &it.LockedPaid, &it.CreatedAt, &it.UpdatedAt)
	if db.IsNotFound(err) {
		return nil, fault.NotFound("ItemNotFound", "item not found")
	}
	return &it, err
}

func (r *itemRepoPG) Create(ctx context.Context, it *Item) error {
	if it.ID == uuid.Nil {
		it.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO plan_items (id, plan_id, service, unit_cost, state, progress, position,
			partial_eligible, locked_paid)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		it.ID, it.PlanID, it.Service, it.UnitCost, it.State, it.Progress, it.Position,
		it.PartialEligible, it.LockedPaid)
	return err
}

func (r *itemRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Item, error) {
	return scanItem(r.conn(ctx).QueryRow(ctx, `SELECT `+itemCols+` FROM plan_items WHERE id = $1`, id))
}

func (r *itemRepoPG) Update(ctx context.Context, it *Item) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE plan_items SET service=$2, unit_cost=$3, state=$4, progress=$5, position=$6,
			partial_eligible=$7, locked_paid=$8, updated_at=NOW()
		WHERE id=$1`,
		it.ID, it.Service, it.UnitCost, it.State, it.Progress, it.Position,
		it.PartialEligible, it.LockedPaid)
	return err
}

func (r *itemRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM plan_items WHERE id = $1`, id)
	return err
}

func (r *itemRepoPG) ListByPlan(ctx context.Context, planID uuid.UUID) ([]*Item, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+itemCols+` FROM plan_items WHERE plan_id = $1 ORDER BY position, created_at`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (r *itemRepoPG) AddSession(ctx context.Context, s *Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO item_sessions (id, item_id, progress, notes, recorded_by)
		VALUES ($1,$2,$3,$4,$5)`,
		s.ID, s.ItemID, s.Progress, s.Notes, s.RecordedBy)
	return err
}

func (r *itemRepoPG) ListSessions(ctx context.Context, itemID uuid.UUID) ([]*Session, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, item_id, progress, notes, recorded_by, recorded_at
		FROM item_sessions WHERE item_id = $1 ORDER BY recorded_at`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.ItemID, &s.Progress, &s.Notes, &s.RecordedBy, &s.RecordedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, &s)
	}
	return sessions, rows.Err()
}
