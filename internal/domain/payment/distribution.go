package payment

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Target is one plan item eligible to receive part of a payment, with its
// outstanding balance at distribution time.
type Target struct {
	ItemID      uuid.UUID
	Outstanding decimal.Decimal
}

// Share is the amount allocated to one item and the balance it leaves.
type Share struct {
	ItemID           uuid.UUID
	Amount           decimal.Decimal
	ResultingBalance decimal.Decimal
}

// Distribution is the outcome of spreading an amount over targets. When the
// amount exceeds the total outstanding, the surplus is reported as
// Undistributed and the caller decides whether to reject or bank it.
type Distribution struct {
	Shares        []Share
	Undistributed decimal.Decimal
}

// Allocated returns the sum of all shares.
func (d Distribution) Allocated() decimal.Decimal {
	total := decimal.Zero
	for _, s := range d.Shares {
		total = total.Add(s.Amount)
	}
	return total
}

// Strategy computes how an amount is split across targets. Pure: no state, no
// I/O. The partial-split policy is a configuration choice, so the reconciler
// takes a Strategy rather than hard-coding one.
type Strategy interface {
	Distribute(amount decimal.Decimal, targets []Target) Distribution
}

// Proportional splits a partial amount pro rata by outstanding balance,
// rounding each share to 2 decimals. Shares are capped to what is still
// unallocated and to the target's balance, and any rounding residue is
// walked onto targets with headroom, so every share stays within
// [0, outstanding] and the shares sum to the amount exactly.
type Proportional struct{}

func (Proportional) Distribute(amount decimal.Decimal, targets []Target) Distribution {
	eligible := make([]Target, 0, len(targets))
	total := decimal.Zero
	for _, t := range targets {
		if t.Outstanding.IsPositive() {
			eligible = append(eligible, t)
			total = total.Add(t.Outstanding)
		}
	}
	if len(eligible) == 0 {
		return Distribution{Undistributed: amount}
	}

	// Full payoff: every target cleared, surplus reported back.
	if amount.GreaterThanOrEqual(total) {
		shares := make([]Share, 0, len(eligible))
		for _, t := range eligible {
			shares = append(shares, Share{
				ItemID:           t.ItemID,
				Amount:           t.Outstanding,
				ResultingBalance: decimal.Zero,
			})
		}
		return Distribution{Shares: shares, Undistributed: amount.Sub(total)}
	}

	amounts := make([]decimal.Decimal, len(eligible))
	remaining := amount
	for i, t := range eligible {
		var share decimal.Decimal
		if i == len(eligible)-1 {
			// Last target absorbs the rounding residue.
			share = remaining
		} else {
			share = amount.Mul(t.Outstanding).Div(total).Round(2)
			if share.GreaterThan(remaining) {
				// Rounding up on earlier shares can overshoot the amount;
				// never allocate more than is left.
				share = remaining
			}
		}
		if share.GreaterThan(t.Outstanding) {
			share = t.Outstanding
		}
		amounts[i] = share
		remaining = remaining.Sub(share)
	}

	// Rounding down can strand part of the amount when the last target lacks
	// the headroom to absorb it. amount < total, so capacity always exists.
	for i := 0; remaining.IsPositive() && i < len(eligible); i++ {
		headroom := eligible[i].Outstanding.Sub(amounts[i])
		if !headroom.IsPositive() {
			continue
		}
		add := decimal.Min(remaining, headroom)
		amounts[i] = amounts[i].Add(add)
		remaining = remaining.Sub(add)
	}

	shares := make([]Share, 0, len(eligible))
	for i, t := range eligible {
		shares = append(shares, Share{
			ItemID:           t.ItemID,
			Amount:           amounts[i],
			ResultingBalance: t.Outstanding.Sub(amounts[i]),
		})
	}
	return Distribution{Shares: shares, Undistributed: decimal.Zero}
}

// Sequential fills targets in order: each target is paid off completely
// before the next receives anything. Earlier items clear first, so a partial
// payment produces fully-paid leading items instead of a pro-rata spread.
type Sequential struct{}

func (Sequential) Distribute(amount decimal.Decimal, targets []Target) Distribution {
	remaining := amount
	var shares []Share
	for _, t := range targets {
		if !t.Outstanding.IsPositive() || remaining.IsZero() {
			continue
		}
		share := decimal.Min(remaining, t.Outstanding)
		remaining = remaining.Sub(share)
		shares = append(shares, Share{
			ItemID:           t.ItemID,
			Amount:           share,
			ResultingBalance: t.Outstanding.Sub(share),
		})
	}
	return Distribution{Shares: shares, Undistributed: remaining}
}
