package payment

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Repository interface {
	// Create persists the payment and its optional target item restriction.
	Create(ctx context.Context, p *Payment, targetItemIDs []uuid.UUID) error
	GetByID(ctx context.Context, id uuid.UUID) (*Payment, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Payment, error)
	// GetByProviderRef resolves the payment a webhook event refers to.
	GetByProviderRef(ctx context.Context, ref string) (*Payment, error)
	Update(ctx context.Context, p *Payment) error
	ListByPlan(ctx context.Context, planID uuid.UUID) ([]*Payment, error)
	TargetItemIDs(ctx context.Context, paymentID uuid.UUID) ([]uuid.UUID, error)

	// SumActiveByPlan returns the total amount of pending, processing and
	// approved payments against the plan. The plan's outstanding balance is
	// plan.total minus this sum.
	SumActiveByPlan(ctx context.Context, planID uuid.UUID) (decimal.Decimal, error)

	CreateAllocations(ctx context.Context, allocs []*Allocation) error
	ListAllocations(ctx context.Context, paymentID uuid.UUID) ([]*Allocation, error)
	// SumAllocatedByItem returns, per plan item, the amount already settled by
	// approved payments.
	SumAllocatedByItem(ctx context.Context, planID uuid.UUID) (map[uuid.UUID]decimal.Decimal, error)
}

type ReceiptRepository interface {
	// Create persists the receipt. A unique constraint on payment_id makes a
	// second insert for the same payment fail with a unique violation.
	Create(ctx context.Context, r *Receipt) error
	GetByPayment(ctx context.Context, paymentID uuid.UUID) (*Receipt, error)
	GetByCode(ctx context.Context, code string) (*Receipt, error)
}
