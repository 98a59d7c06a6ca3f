/*
rules.go - Fixed, auditable point rules

PURPOSE:
  Every reason code maps to one Rule: a base award plus a scaling term
  proportional to the business amount, capped at a maximum. The table is
  loaded from configuration at startup and never changes at runtime, so a
  past award can always be recomputed from the same inputs.

FORMULA:
  points = min(Base + floor(amount / Step) * PerStep, Max)

  Step or PerStep of zero disables the scaling term. Max of zero means
  uncapped.

EXAMPLE:
  Collection rule {Base: 5, Step: 1000, PerStep: 1, Max: 50}
    amount   500  -> 5
    amount  4200  -> 5 + 4 = 9
    amount 90000  -> 50
*/
package incentive

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/stock-ledger/generic"
)

// Rule computes points for one reason code.
type Rule struct {
	Reason  string          `json:"reason"`
	Base    int64           `json:"base"`
	Step    decimal.Decimal `json:"step"`
	PerStep int64           `json:"per_step"`
	Max     int64           `json:"max"`
}

// Points applies the rule to a business amount. Negative amounts count as zero.
func (r Rule) Points(amount decimal.Decimal) int64 {
	points := r.Base
	if r.PerStep > 0 && r.Step.IsPositive() && amount.IsPositive() {
		steps := amount.Div(r.Step).Floor().IntPart()
		points += steps * r.PerStep
	}
	if r.Max > 0 && points > r.Max {
		points = r.Max
	}
	return points
}

// Rules is the rule table keyed by reason code.
type Rules map[string]Rule

// DefaultRules is used when configuration provides none.
func DefaultRules() Rules {
	return NewRules(
		Rule{Reason: ReasonCollection, Base: 5, Step: decimal.NewFromInt(1000), PerStep: 1, Max: 50},
		Rule{Reason: ReasonOrderSubmit, Base: 2, Step: decimal.NewFromInt(5000), PerStep: 1, Max: 20},
		Rule{Reason: ReasonAuditApproved, Base: 10},
	)
}

func NewRules(rules ...Rule) Rules {
	out := make(Rules, len(rules))
	for _, r := range rules {
		out[r.Reason] = r
	}
	return out
}

// Points looks up the rule for reason and applies it.
func (rs Rules) Points(reason string, amount decimal.Decimal) (int64, error) {
	r, ok := rs[reason]
	if !ok {
		return 0, fmt.Errorf("%w: no incentive rule for %q", generic.ErrInvalidInput, reason)
	}
	return r.Points(amount), nil
}
