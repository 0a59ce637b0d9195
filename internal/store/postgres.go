package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/cointent/dividend-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Coefficients and effective amounts are stored as NUMERIC for exact
// decimal precision; coin amounts are BIGINT.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// InitSchema creates the engine's tables if they do not exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			username               TEXT PRIMARY KEY,
			balance                BIGINT NOT NULL DEFAULT 0,
			coefficient            NUMERIC(10,4) NOT NULL DEFAULT 1.0000,
			coefficient_updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			total_invested         BIGINT NOT NULL DEFAULT 0,
			total_dividends        BIGINT NOT NULL DEFAULT 0,
			created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS contents (
			id                 TEXT PRIMARY KEY,
			author             TEXT NOT NULL,
			total_investment   BIGINT NOT NULL DEFAULT 0,
			investor_count     INTEGER NOT NULL DEFAULT 0,
			average_investment NUMERIC(15,4) NOT NULL DEFAULT 0,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS investments (
			id                  TEXT PRIMARY KEY,
			username            TEXT NOT NULL,
			content_id          TEXT NOT NULL REFERENCES contents(id),
			amount              BIGINT NOT NULL,
			effective_amount    NUMERIC(15,4) NOT NULL,
			coefficient_at_time NUMERIC(10,4) NOT NULL DEFAULT 1.0000,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_investments_content ON investments (content_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_investments_user ON investments (username, created_at)`,
		`CREATE TABLE IF NOT EXISTS coefficient_history (
			id                TEXT PRIMARY KEY,
			username          TEXT NOT NULL,
			old_coefficient   NUMERIC(10,4),
			new_coefficient   NUMERIC(10,4),
			reason            TEXT NOT NULL,
			performance_score NUMERIC(10,4),
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS content_events (
			id         BIGSERIAL PRIMARY KEY,
			content_id TEXT NOT NULL REFERENCES contents(id),
			username   TEXT NOT NULL,
			amount     BIGINT NOT NULL,
			total_after BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	coeff := u.Coefficient
	if coeff.IsZero() {
		coeff = decimal.NewFromInt(1)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (username, balance, coefficient, coefficient_updated_at, total_invested, total_dividends, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7)`,
		u.Username, u.Balance, coeff.String(), u.CoefficientUpdatedAt,
		u.TotalInvested, u.TotalDividends, u.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, username string) (*model.User, error) {
	var u model.User
	var coeff string

	err := s.pool.QueryRow(ctx,
		`SELECT username, balance, coefficient::TEXT, coefficient_updated_at,
		        total_invested, total_dividends, created_at
		 FROM users WHERE username = $1`, username).
		Scan(&u.Username, &u.Balance, &coeff, &u.CoefficientUpdatedAt,
			&u.TotalInvested, &u.TotalDividends, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", username, err)
	}

	u.Coefficient, _ = decimal.NewFromString(coeff)
	return &u, nil
}

func (s *PostgresStore) ListUsernames(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT username FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *PostgresStore) UpdateBalance(ctx context.Context, username string, newBalance int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET balance = $2 WHERE username = $1`,
		username, newBalance,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) AddDividend(ctx context.Context, username string, amount int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET balance = balance + $2, total_dividends = total_dividends + $2
		 WHERE username = $1`,
		username, amount,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) AddInvestedTotal(ctx context.Context, username string, amount int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET total_invested = total_invested + $2 WHERE username = $1`,
		username, amount,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) UpdateCoefficient(ctx context.Context, username string, coefficient decimal.Decimal, updatedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET coefficient = $2::NUMERIC, coefficient_updated_at = $3
		 WHERE username = $1`,
		username, coefficient.String(), updatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) InsertCoefficientHistory(ctx context.Context, e *model.CoefficientHistoryEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO coefficient_history (id, username, old_coefficient, new_coefficient, reason, performance_score, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6::NUMERIC, $7)`,
		e.ID, e.Username, e.OldCoefficient.String(), e.NewCoefficient.String(),
		string(e.Reason), e.PerformanceScore.String(), e.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListCoefficientHistory(ctx context.Context, username string, limit int) ([]model.CoefficientHistoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, username, old_coefficient::TEXT, new_coefficient::TEXT,
		        reason, performance_score::TEXT, created_at
		 FROM coefficient_history WHERE username = $1
		 ORDER BY created_at DESC LIMIT $2`, username, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.CoefficientHistoryEntry
	for rows.Next() {
		var e model.CoefficientHistoryEntry
		var oldC, newC, score, reason string
		if err := rows.Scan(&e.ID, &e.Username, &oldC, &newC, &reason, &score, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.OldCoefficient, _ = decimal.NewFromString(oldC)
		e.NewCoefficient, _ = decimal.NewFromString(newC)
		e.PerformanceScore, _ = decimal.NewFromString(score)
		e.Reason = model.CoefficientReason(reason)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) LatestCoefficientEpoch(ctx context.Context) (time.Time, error) {
	var latest *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(coefficient_updated_at) FROM users`).Scan(&latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("latest coefficient epoch: %w", err)
	}
	if latest == nil {
		return time.Time{}, nil
	}
	return *latest, nil
}

func (s *PostgresStore) CreateContent(ctx context.Context, c *model.Content) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO contents (id, author, total_investment, investor_count, average_investment, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)`,
		c.ID, c.Author, c.TotalInvestment, c.InvestorCount,
		c.AverageInvestment.String(), c.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetContent(ctx context.Context, id string) (*model.Content, error) {
	var c model.Content
	var avg string

	err := s.pool.QueryRow(ctx,
		`SELECT id, author, total_investment, investor_count,
		        average_investment::TEXT, created_at
		 FROM contents WHERE id = $1`, id).
		Scan(&c.ID, &c.Author, &c.TotalInvestment, &c.InvestorCount, &avg, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("content %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get content %s: %w", id, err)
	}

	c.AverageInvestment, _ = decimal.NewFromString(avg)
	return &c, nil
}

// RecordContentInvestment refreshes the content aggregates from the ledger
// and appends the history event in one transaction.
func (s *PostgresStore) RecordContentInvestment(ctx context.Context, contentID, username string, amount int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE contents SET
			total_investment = agg.total,
			investor_count = agg.investors,
			average_investment = agg.avg_amount
		 FROM (
			SELECT COALESCE(SUM(amount), 0) AS total,
			       COUNT(DISTINCT username) AS investors,
			       COALESCE(AVG(amount), 0) AS avg_amount
			FROM investments WHERE content_id = $1
		 ) agg
		 WHERE contents.id = $1`, contentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("content %s: %w", contentID, ErrNotFound)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO content_events (content_id, username, amount, total_after, created_at)
		 SELECT $1, $2, $3, total_investment, NOW() FROM contents WHERE id = $1`,
		contentID, username, amount)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ListContentEvents(ctx context.Context, contentID string) ([]model.InvestmentEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT username, amount, total_after, created_at
		 FROM content_events WHERE content_id = $1 ORDER BY created_at, id`, contentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.InvestmentEvent
	for rows.Next() {
		var e model.InvestmentEvent
		if err := rows.Scan(&e.Username, &e.Amount, &e.TotalAfter, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) InsertInvestment(ctx context.Context, inv *model.Investment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO investments (id, username, content_id, amount, effective_amount, coefficient_at_time, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)`,
		inv.ID, inv.Username, inv.ContentID, inv.Amount,
		inv.EffectiveAmount.String(), inv.CoefficientAtTime.String(), inv.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListInvestmentsByContent(ctx context.Context, contentID string) ([]model.Investment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, username, content_id, amount, effective_amount::TEXT,
		        coefficient_at_time::TEXT, created_at
		 FROM investments WHERE content_id = $1 ORDER BY created_at`, contentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanInvestments(rows)
}

func (s *PostgresStore) ListInvestmentsByUser(ctx context.Context, username string) ([]model.Investment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, username, content_id, amount, effective_amount::TEXT,
		        coefficient_at_time::TEXT, created_at
		 FROM investments WHERE username = $1 ORDER BY created_at DESC`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanInvestments(rows)
}

// InvestmentPerformance mirrors the scorer's input query: each in-window
// investment paired with the coins invested into the same content strictly
// after it (the follow-on sum is not window-restricted).
func (s *PostgresStore) InvestmentPerformance(ctx context.Context, username string, since time.Time) ([]model.InvestmentPerformance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT i.content_id, i.amount, i.created_at,
		        (SELECT COALESCE(SUM(i2.amount), 0)
		         FROM investments i2
		         WHERE i2.content_id = i.content_id
		           AND i2.created_at > i.created_at) AS subsequent
		 FROM investments i
		 WHERE i.username = $1 AND i.created_at > $2
		 ORDER BY i.created_at DESC`, username, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.InvestmentPerformance
	for rows.Next() {
		var p model.InvestmentPerformance
		if err := rows.Scan(&p.ContentID, &p.Amount, &p.CreatedAt, &p.SubsequentAmount); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ContentInvestors(ctx context.Context, contentID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT username FROM investments WHERE content_id = $1`, contentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// scanInvestments reads pgx rows into Investment slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanInvestments(rows pgxRows) ([]model.Investment, error) {
	var investments []model.Investment
	for rows.Next() {
		var inv model.Investment
		var effS, coeffS string

		if err := rows.Scan(&inv.ID, &inv.Username, &inv.ContentID, &inv.Amount,
			&effS, &coeffS, &inv.CreatedAt); err != nil {
			return nil, err
		}

		inv.EffectiveAmount, _ = decimal.NewFromString(effS)
		inv.CoefficientAtTime, _ = decimal.NewFromString(coeffS)

		investments = append(investments, inv)
	}
	return investments, rows.Err()
}
