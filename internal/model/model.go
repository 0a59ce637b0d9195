// Package model defines the core domain types shared across the dividend
// engine. Coin amounts are whole integers; derived fractional quantities
// (coefficients, effective amounts, shares) use shopspring/decimal — never
// float64 at rest.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CoefficientReason records why a user's coefficient changed.
type CoefficientReason string

const (
	ReasonInvestmentMade      CoefficientReason = "investment_made"
	ReasonAttractedInvestment CoefficientReason = "attracted_investment"
	ReasonBatchUpdate         CoefficientReason = "batch_update"
	ReasonManual              CoefficientReason = "manual"
)

// User is an investing account. Balance and the running totals are whole
// coins; the coefficient is the bounded credibility multiplier applied to
// the user's raw investment amounts.
type User struct {
	Username             string          `json:"username" db:"username"`
	Balance              int64           `json:"balance" db:"balance"`
	Coefficient          decimal.Decimal `json:"coefficient" db:"coefficient"`
	CoefficientUpdatedAt time.Time       `json:"coefficient_updated_at" db:"coefficient_updated_at"`
	TotalInvested        int64           `json:"total_invested" db:"total_invested"`
	TotalDividends       int64           `json:"total_dividends" db:"total_dividends"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
}

// Content is an investable piece of content. The investment fields are
// aggregates maintained by the ledger writer on every new investment.
type Content struct {
	ID                string          `json:"id" db:"id"`
	Author            string          `json:"author" db:"author"`
	TotalInvestment   int64           `json:"total_investment" db:"total_investment"`
	InvestorCount     int             `json:"investor_count" db:"investor_count"`
	AverageInvestment decimal.Decimal `json:"average_investment" db:"average_investment"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// Investment is an immutable ledger record. EffectiveAmount is the raw
// amount scaled by the investor's coefficient at the moment the record was
// written; neither field is ever mutated afterward.
type Investment struct {
	ID                string          `json:"id" db:"id"`
	Username          string          `json:"username" db:"username"`
	ContentID         string          `json:"content_id" db:"content_id"`
	Amount            int64           `json:"amount" db:"amount"`
	EffectiveAmount   decimal.Decimal `json:"effective_amount" db:"effective_amount"`
	CoefficientAtTime decimal.Decimal `json:"coefficient_at_time" db:"coefficient_at_time"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// InvestmentEvent is one entry of a content's append-only investment
// history, including the content's running total after the event.
type InvestmentEvent struct {
	Username   string    `json:"username" db:"username"`
	Amount     int64     `json:"amount" db:"amount"`
	TotalAfter int64     `json:"total_after" db:"total_after"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// CoefficientHistoryEntry is an append-only audit record of a single
// coefficient change.
type CoefficientHistoryEntry struct {
	ID               string            `json:"id" db:"id"`
	Username         string            `json:"username" db:"username"`
	OldCoefficient   decimal.Decimal   `json:"old_coefficient" db:"old_coefficient"`
	NewCoefficient   decimal.Decimal   `json:"new_coefficient" db:"new_coefficient"`
	Reason           CoefficientReason `json:"reason" db:"reason"`
	PerformanceScore decimal.Decimal   `json:"performance_score" db:"performance_score"`
	CreatedAt        time.Time         `json:"created_at" db:"created_at"`
}

// EffectiveShare is one investor's slice of a content's effective capital.
// Derived, never persisted: Share = EffectiveAmount / Σ EffectiveAmount
// over all investors in the content.
type EffectiveShare struct {
	Username        string          `json:"username"`
	OriginalAmount  int64           `json:"original_amount"`
	Coefficient     decimal.Decimal `json:"coefficient"`
	EffectiveAmount decimal.Decimal `json:"effective_amount"`
	Share           decimal.Decimal `json:"share"`
	InvestedAt      time.Time       `json:"invested_at"`
}

// DividendPayout is one investor's cut of a dividend pool, in whole coins.
type DividendPayout struct {
	Username string `json:"username"`
	Amount   int64  `json:"amount"`
}

// InvestmentPerformance is a scoring input row: one of a user's
// investments together with the total invested into the same content
// strictly after it.
type InvestmentPerformance struct {
	ContentID        string    `json:"content_id"`
	Amount           int64     `json:"amount"`
	CreatedAt        time.Time `json:"created_at"`
	SubsequentAmount int64     `json:"subsequent_amount"`
}
