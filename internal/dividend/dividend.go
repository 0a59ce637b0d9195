// Package dividend computes proportional payouts to a content's existing
// investors when new money arrives.
//
// The pool is a configured fraction of the new investment (canonically
// 10%). Each payout is floor-truncated to whole coins, so the sum of
// payouts never exceeds the pool; the truncation remainder, like the
// entire pool when a content has no prior investors, is simply not paid.
package dividend

import (
	"github.com/shopspring/decimal"

	"github.com/cointent/dividend-engine/internal/model"
)

// DefaultPoolFraction is the canonical share of a new investment earmarked
// for existing investors.
var DefaultPoolFraction = decimal.NewFromFloat(0.10)

// Pool returns the dividend pool for a new investment, in fractional
// coins. Payouts are floored individually, not the pool itself.
func Pool(newAmount int64, poolFraction decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(newAmount).Mul(poolFraction)
}

// Distribute computes the payout list for a new investment against the
// content's pre-investment share set. It is a pure function: applying the
// payouts to balances exactly once is the caller's responsibility.
//
// Zero-coin payouts are omitted; a content with no prior investors yields
// an empty list.
func Distribute(shares []model.EffectiveShare, newAmount int64, poolFraction decimal.Decimal) []model.DividendPayout {
	pool := Pool(newAmount, poolFraction)
	payouts := make([]model.DividendPayout, 0, len(shares))

	for _, share := range shares {
		amount := pool.Mul(share.Share).Floor().IntPart()
		if amount <= 0 {
			continue
		}
		payouts = append(payouts, model.DividendPayout{
			Username: share.Username,
			Amount:   amount,
		})
	}
	return payouts
}

// Total sums a payout list, in whole coins.
func Total(payouts []model.DividendPayout) int64 {
	var total int64
	for _, p := range payouts {
		total += p.Amount
	}
	return total
}
