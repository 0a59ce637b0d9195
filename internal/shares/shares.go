// Package shares converts a content's raw investments into normalized
// effective shares: each investor's amount scaled by their *current*
// coefficient, as a proportion of the content's total effective capital.
//
// Shares deliberately use present-day coefficients rather than the
// coefficientAtTime stored on each investment: a share reflects the
// investor's credibility now, not at the moment they invested.
package shares

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cointent/dividend-engine/internal/cache"
	"github.com/cointent/dividend-engine/internal/metrics"
	"github.com/cointent/dividend-engine/internal/model"
	"github.com/cointent/dividend-engine/internal/store"
)

// ErrShareComputation is returned when a ledger read behind a share set
// fails. No partial share set is ever returned.
var ErrShareComputation = errors.New("shares: effective share computation failed")

// Ledger is the read surface the calculator needs from the store.
type Ledger interface {
	GetUser(ctx context.Context, username string) (*model.User, error)
	ListInvestmentsByContent(ctx context.Context, contentID string) ([]model.Investment, error)
	LatestCoefficientEpoch(ctx context.Context) (time.Time, error)
}

// Calculator computes effective-share sets, memoizing them in the
// derived-value cache under the global coefficient epoch.
type Calculator struct {
	ledger Ledger
	cache  *cache.Cache
	clock  cache.Clock
}

// NewCalculator creates a calculator over the given ledger and cache.
func NewCalculator(ledger Ledger, c *cache.Cache, clock cache.Clock) *Calculator {
	return &Calculator{ledger: ledger, cache: c, clock: clock}
}

// EffectiveShares returns the share set for a content, oldest investment
// first. Shares sum to 1 within floating epsilon whenever the content has
// any effective capital; a content with no investments yields an empty set.
func (c *Calculator) EffectiveShares(ctx context.Context, contentID string) ([]model.EffectiveShare, error) {
	epoch, err := c.ledger.LatestCoefficientEpoch(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrShareComputation, contentID, err)
	}
	if epoch.IsZero() {
		// No user has ever been re-scored; pin the key to now so the
		// entry is still usable within this instant.
		epoch = c.clock.Now()
	}

	if cached, ok := c.cache.Shares(contentID, epoch); ok {
		metrics.ShareCacheHits.Inc()
		return cached, nil
	}
	metrics.ShareCacheMisses.Inc()

	investments, err := c.ledger.ListInvestmentsByContent(ctx, contentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrShareComputation, contentID, err)
	}

	result := make([]model.EffectiveShare, 0, len(investments))
	totalEffective := decimal.Zero

	for _, inv := range investments {
		coefficient, err := c.CurrentCoefficient(ctx, inv.Username)
		if err != nil {
			return nil, err
		}
		effective := decimal.NewFromInt(inv.Amount).Mul(coefficient)

		result = append(result, model.EffectiveShare{
			Username:        inv.Username,
			OriginalAmount:  inv.Amount,
			Coefficient:     coefficient,
			EffectiveAmount: effective,
			InvestedAt:      inv.CreatedAt,
		})
		totalEffective = totalEffective.Add(effective)
	}

	// Degenerate total (all amounts or coefficients zero) must not divide.
	for i := range result {
		if totalEffective.IsPositive() {
			result[i].Share = result[i].EffectiveAmount.Div(totalEffective)
		} else {
			result[i].Share = decimal.Zero
		}
	}

	c.cache.SetShares(contentID, epoch, result)
	return result, nil
}

// CurrentCoefficient resolves a user's present coefficient through the
// TTL-bounded cache. Unknown users fall back to the neutral 1.0; any other
// read failure propagates.
func (c *Calculator) CurrentCoefficient(ctx context.Context, username string) (decimal.Decimal, error) {
	if coefficient, ok := c.cache.Coefficient(username); ok {
		return coefficient, nil
	}

	user, err := c.ledger.GetUser(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.NewFromInt(1), nil
	}
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: coefficient for %s: %v", ErrShareComputation, username, err)
	}

	c.cache.SetCoefficient(username, user.Coefficient)
	return user.Coefficient, nil
}
