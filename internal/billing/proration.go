package billing

import (
	"math"
	"time"

	"leadscout/internal/types"
)

// Period length approximations used for proration. Exact calendar arithmetic
// is deliberately avoided: quotes are previews, settlement happens at the
// provider.
const (
	monthlyPeriod = 30 * 24 * time.Hour
	annualPeriod  = 365 * 24 * time.Hour
)

// ProrationQuote is the preview of the charge for an immediate plan change,
// prorated over the remainder of the current period. USD is rounded to the
// nearest whole unit; BRL is left at full precision.
type ProrationQuote struct {
	CurrentPlan    types.PlanKey      `json:"current_plan"`
	TargetPlan     types.PlanKey      `json:"target_plan"`
	Cycle          types.BillingCycle `json:"cycle"`
	RemainingRatio float64            `json:"remaining_ratio"`
	AmountUSD      int64              `json:"amount_usd"`
	AmountBRL      float64            `json:"amount_brl"`
	PeriodEnd      time.Time          `json:"period_end"`
}

// Prorate computes the proration quote for switching from current to target
// for the remainder of the period ending at periodEnd. Pure and deterministic
// given now.
//
// Returns nil when periodEnd is nil or not strictly in the future: with no
// active future period there is nothing to prorate. Downgrades quote zero;
// credits and refunds are out of scope.
func Prorate(current, target *types.Plan, cycle types.BillingCycle, periodEnd *time.Time, now time.Time) *ProrationQuote {
	if periodEnd == nil || !periodEnd.After(now) {
		return nil
	}

	periodLen := monthlyPeriod
	if cycle == types.CycleAnnual {
		periodLen = annualPeriod
	}
	ratio := clamp01(float64(periodEnd.Sub(now)) / float64(periodLen))

	currentPrice := current.Price(cycle)
	targetPrice := target.Price(cycle)

	var amountUSD int64
	if diff := targetPrice.USD - currentPrice.USD; diff > 0 {
		amountUSD = int64(math.Round(ratio * float64(diff)))
	}
	var amountBRL float64
	if diff := targetPrice.BRL - currentPrice.BRL; diff > 0 {
		amountBRL = ratio * diff
	}

	return &ProrationQuote{
		CurrentPlan:    current.Key,
		TargetPlan:     target.Key,
		Cycle:          cycle,
		RemainingRatio: ratio,
		AmountUSD:      amountUSD,
		AmountBRL:      amountBRL,
		PeriodEnd:      *periodEnd,
	}
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
