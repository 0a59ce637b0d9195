// Package store defines the persistence interface for the dividend engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cointent/dividend-engine/internal/model"
)

// ErrNotFound is returned when a requested user or content does not exist.
// Implementations wrap it with the entity's identifier.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer for hot user/content reads.
//
// The engine assumes at most one in-flight distribute-and-append sequence
// per content; serialization is provided above this interface.
type Store interface {
	// --- User accounts ---

	// CreateUser persists a new user. New users start with coefficient 1.0.
	CreateUser(ctx context.Context, user *model.User) error

	// GetUser retrieves a user by username.
	GetUser(ctx context.Context, username string) (*model.User, error)

	// ListUsernames returns every username, for batch re-scoring.
	ListUsernames(ctx context.Context) ([]string, error)

	// UpdateBalance sets a user's balance after an investment debit.
	UpdateBalance(ctx context.Context, username string, newBalance int64) error

	// AddDividend credits a dividend: balance and totalDividends both grow.
	AddDividend(ctx context.Context, username string, amount int64) error

	// AddInvestedTotal bumps a user's running invested total.
	AddInvestedTotal(ctx context.Context, username string, amount int64) error

	// UpdateCoefficient writes a user's new coefficient and its timestamp.
	UpdateCoefficient(ctx context.Context, username string, coefficient decimal.Decimal, updatedAt time.Time) error

	// --- Coefficient audit trail ---

	// InsertCoefficientHistory appends an immutable coefficient change record.
	InsertCoefficientHistory(ctx context.Context, entry *model.CoefficientHistoryEntry) error

	// ListCoefficientHistory returns a user's most recent coefficient
	// changes, newest first, capped at limit.
	ListCoefficientHistory(ctx context.Context, username string, limit int) ([]model.CoefficientHistoryEntry, error)

	// LatestCoefficientEpoch returns the maximum coefficientUpdatedAt across
	// all users — the global epoch keying the effective-share cache. The
	// zero time means no user has ever been re-scored.
	LatestCoefficientEpoch(ctx context.Context) (time.Time, error)

	// --- Contents ---

	// CreateContent persists a new content with zeroed investment stats.
	CreateContent(ctx context.Context, content *model.Content) error

	// GetContent retrieves a content by ID.
	GetContent(ctx context.Context, id string) (*model.Content, error)

	// RecordContentInvestment refreshes a content's aggregate stats from the
	// ledger and appends the event to its investment history.
	RecordContentInvestment(ctx context.Context, contentID, username string, amount int64) error

	// ListContentEvents returns a content's investment history, oldest first.
	ListContentEvents(ctx context.Context, contentID string) ([]model.InvestmentEvent, error)

	// --- Immutable investment ledger ---

	// InsertInvestment appends an immutable investment record.
	InsertInvestment(ctx context.Context, inv *model.Investment) error

	// ListInvestmentsByContent returns a content's investments, oldest first.
	ListInvestmentsByContent(ctx context.Context, contentID string) ([]model.Investment, error)

	// ListInvestmentsByUser returns a user's investments, newest first.
	ListInvestmentsByUser(ctx context.Context, username string) ([]model.Investment, error)

	// InvestmentPerformance returns the user's investments after `since`,
	// each paired with the amount invested into the same content strictly
	// later. Follow-on sums are not window-restricted.
	InvestmentPerformance(ctx context.Context, username string, since time.Time) ([]model.InvestmentPerformance, error)

	// ContentInvestors returns the distinct usernames holding investments
	// in a content.
	ContentInvestors(ctx context.Context, contentID string) ([]string, error)
}
