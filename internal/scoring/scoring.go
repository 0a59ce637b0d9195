// Package scoring computes a user's investment credibility coefficient
// from their ledger track record.
//
// The score rewards investments that attracted follow-on money: for each
// investment, attractionRate = coins invested into the same content after
// it / its own amount, decayed exponentially with age. The final
// coefficient blends average attraction, success rate, and an activity
// bonus, clamped to configured bounds.
//
// Coefficients at rest use shopspring/decimal. Internal transcendental
// math (the exp decay) runs in float64, with results converted to decimal
// at the boundary.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cointent/dividend-engine/internal/model"
)

// ErrScoreComputation is returned when the ledger read behind a score
// fails. Callers must not assign a coefficient on this error.
var ErrScoreComputation = errors.New("scoring: performance computation failed")

// CoefficientScale is the number of decimal places coefficients and
// performance scores are rounded to (matches NUMERIC(10,4) storage).
const CoefficientScale int32 = 4

// Params holds the scoring constants. All of them are configuration, not
// invariants; Default returns the canonical set.
type Params struct {
	// WindowDays bounds how far back investments are considered.
	WindowDays int

	// HalfLifeDays controls the exp(-age/halfLife) time decay.
	HalfLifeDays float64

	// GoodInvestmentThreshold is the attraction rate at or above which an
	// investment counts toward the success rate.
	GoodInvestmentThreshold float64

	// ActivityBonusCap caps the min(n/10, cap) activity bonus.
	ActivityBonusCap float64

	// MinCoefficient and MaxCoefficient clamp the final score.
	MinCoefficient float64
	MaxCoefficient float64
}

// Default returns the canonical scoring parameters.
func Default() Params {
	return Params{
		WindowDays:              30,
		HalfLifeDays:            7,
		GoodInvestmentThreshold: 0.3,
		ActivityBonusCap:        0.2,
		MinCoefficient:          0.5,
		MaxCoefficient:          3.0,
	}
}

// Ledger is the read surface the scorer needs from the store.
type Ledger interface {
	InvestmentPerformance(ctx context.Context, username string, since time.Time) ([]model.InvestmentPerformance, error)
}

// Scorer computes performance scores. It is read-only: persisting the
// resulting coefficient and its history entry is the caller's job.
type Scorer struct {
	ledger Ledger
	params Params
	now    func() time.Time
}

// New creates a scorer over the given ledger.
func New(ledger Ledger, params Params) *Scorer {
	return &Scorer{
		ledger: ledger,
		params: params,
		now:    time.Now,
	}
}

// WithClock overrides the scorer's time source, for deterministic tests.
func (s *Scorer) WithClock(now func() time.Time) *Scorer {
	s.now = now
	return s
}

// Result is the outcome of scoring one user.
type Result struct {
	// Coefficient is the new bounded coefficient.
	Coefficient decimal.Decimal

	// PerformanceScore is the time-weighted average attraction rate. It is
	// what history entries record as performance_score.
	PerformanceScore decimal.Decimal

	// SuccessRate is goodInvestments / totalInvestments.
	SuccessRate decimal.Decimal

	// Samples is the number of investments inside the scoring window.
	Samples int
}

// ScorePerformance reads the user's investments within the trailing window
// and maps their attraction history to a coefficient.
//
// Zero investments in the window yield the neutral 1.0; one or two yield
// the flat early-adopter 1.1 (too sparse a sample to score fully).
func (s *Scorer) ScorePerformance(ctx context.Context, username string) (*Result, error) {
	now := s.now()
	since := now.AddDate(0, 0, -s.params.WindowDays)

	rows, err := s.ledger.InvestmentPerformance(ctx, username, since)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrScoreComputation, username, err)
	}

	if len(rows) == 0 {
		return &Result{
			Coefficient:      decimal.NewFromInt(1),
			PerformanceScore: decimal.Zero,
			SuccessRate:      decimal.Zero,
		}, nil
	}

	if len(rows) < 3 {
		return &Result{
			Coefficient:      decimal.NewFromFloat(1.1),
			PerformanceScore: decimal.Zero,
			SuccessRate:      decimal.Zero,
			Samples:          len(rows),
		}, nil
	}

	var totalScore, totalWeight float64
	goodInvestments := 0

	for _, row := range rows {
		attractionRate := float64(row.SubsequentAmount) / float64(row.Amount)
		daysSince := now.Sub(row.CreatedAt).Hours() / 24
		timeWeight := math.Exp(-daysSince / s.params.HalfLifeDays)

		if attractionRate >= s.params.GoodInvestmentThreshold {
			goodInvestments++
		}

		totalScore += attractionRate * timeWeight
		totalWeight += timeWeight
	}

	averagePerformance := 0.0
	if totalWeight > 0 {
		averagePerformance = totalScore / totalWeight
	}
	successRate := float64(goodInvestments) / float64(len(rows))
	activityBonus := math.Min(float64(len(rows))/10, s.params.ActivityBonusCap)

	coefficient := 0.9 + 0.3*averagePerformance + 0.4*successRate + activityBonus
	coefficient = s.clampFloat(coefficient)

	return &Result{
		Coefficient:      decimal.NewFromFloat(coefficient).Round(CoefficientScale),
		PerformanceScore: decimal.NewFromFloat(averagePerformance).Round(CoefficientScale),
		SuccessRate:      decimal.NewFromFloat(successRate).Round(CoefficientScale),
		Samples:          len(rows),
	}, nil
}

// Clamp bounds an externally supplied coefficient (e.g. the batch EMA
// blend) to the configured range.
func (s *Scorer) Clamp(coefficient decimal.Decimal) decimal.Decimal {
	min := decimal.NewFromFloat(s.params.MinCoefficient)
	max := decimal.NewFromFloat(s.params.MaxCoefficient)
	if coefficient.LessThan(min) {
		return min
	}
	if coefficient.GreaterThan(max) {
		return max
	}
	return coefficient
}

func (s *Scorer) clampFloat(v float64) float64 {
	return math.Max(s.params.MinCoefficient, math.Min(s.params.MaxCoefficient, v))
}
