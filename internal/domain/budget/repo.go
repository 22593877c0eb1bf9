package budget

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Create persists the budget together with its item snapshot.
	Create(ctx context.Context, b *Budget, items []*Item) error
	GetByID(ctx context.Context, id uuid.UUID) (*Budget, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Budget, error)
	Update(ctx context.Context, b *Budget) error
	ListByPlan(ctx context.Context, planID uuid.UUID) ([]*Budget, error)
	ListItems(ctx context.Context, budgetID uuid.UUID) ([]*Item, error)
	// ListDueForExpiry returns issued budgets whose validity date has passed.
	ListDueForExpiry(ctx context.Context, now time.Time, limit int) ([]*Budget, error)
}

type AcceptanceRepository interface {
	// Create persists the acceptance and the set of plan items it covers.
	Create(ctx context.Context, a *Acceptance, planItemIDs []uuid.UUID) error
	GetByBudget(ctx context.Context, budgetID uuid.UUID) (*Acceptance, error)
	// AcceptedPlanItemIDs returns the plan items consumed by active
	// acceptances across all of the plan's budgets.
	AcceptedPlanItemIDs(ctx context.Context, planID uuid.UUID) ([]uuid.UUID, error)
}
