package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Operation names the domain operations subject to authorization.
type Operation string

const (
	OpPlanWrite     Operation = "plan.write"
	OpPlanApprove   Operation = "plan.approve"
	OpPlanExecute   Operation = "plan.execute"
	OpBudgetManage  Operation = "budget.manage"
	OpBudgetDecide  Operation = "budget.decide"
	OpPaymentCreate Operation = "payment.create"
	OpPaymentRefund Operation = "payment.refund"
	OpPaymentCancel Operation = "payment.cancel"
)

// Policy decides whether an actor may perform an operation. Kept separate from
// the state machines so authorization rules are testable on their own.
type Policy struct {
	rules map[Operation][]string
}

// NewPolicy returns the default role assignments.
func NewPolicy() *Policy {
	return &Policy{rules: map[Operation][]string{
		OpPlanWrite:     {"admin", "practitioner"},
		OpPlanApprove:   {"admin", "practitioner"},
		OpPlanExecute:   {"admin", "practitioner"},
		OpBudgetManage:  {"admin", "practitioner", "billing"},
		OpBudgetDecide:  {"admin", "patient"},
		OpPaymentCreate: {"admin", "billing", "patient"},
		OpPaymentRefund: {"admin", "billing"},
		OpPaymentCancel: {"admin", "billing"},
	}}
}

// Allow reports whether the actor may perform op.
func (p *Policy) Allow(actor Actor, op Operation) bool {
	roles, ok := p.rules[op]
	if !ok {
		return false
	}
	for _, role := range roles {
		if actor.HasRole(role) {
			return true
		}
	}
	return false
}

// Grant adds a role to an operation's allow list.
func (p *Policy) Grant(op Operation, role string) {
	p.rules[op] = append(p.rules[op], role)
}

// Require returns middleware that rejects requests whose actor the policy
// does not allow to perform op.
func (p *Policy) Require(op Operation) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.Allow(ActorFromContext(c.Request().Context()), op) {
				return echo.NewHTTPError(http.StatusForbidden, "operation not permitted")
			}
			return next(c)
		}
	}
}
