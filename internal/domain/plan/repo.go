package plan

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, p *Plan) error
	GetByID(ctx context.Context, id uuid.UUID) (*Plan, error)
	// GetForUpdate locks the plan row for the remainder of the enclosing
	// transaction. Balance-dependent writes go through this.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Plan, error)
	Update(ctx context.Context, p *Plan) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Plan, int, error)
}

type ItemRepository interface {
	Create(ctx context.Context, it *Item) error
	GetByID(ctx context.Context, id uuid.UUID) (*Item, error)
	Update(ctx context.Context, it *Item) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByPlan(ctx context.Context, planID uuid.UUID) ([]*Item, error)
	AddSession(ctx context.Context, s *Session) error
	ListSessions(ctx context.Context, itemID uuid.UUID) ([]*Session, error)
}
