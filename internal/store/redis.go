package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/cointent/dividend-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for hot user and content reads. Writes go to the primary store and
// invalidate the affected keys; reads check Redis first then fall back.
//
// This layer is distinct from the in-process derived-value cache: it caches
// raw rows, not computed shares.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetUser(ctx context.Context, username string) (*model.User, error) {
	data, err := s.rdb.Get(ctx, userKey(username)).Bytes()
	if err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	u, err := s.primary.GetUser(ctx, username)
	if err != nil {
		return nil, err
	}

	s.cacheUser(ctx, u)
	return u, nil
}

func (s *CachedStore) GetContent(ctx context.Context, id string) (*model.Content, error) {
	data, err := s.rdb.Get(ctx, contentKey(id)).Bytes()
	if err == nil {
		var c model.Content
		if json.Unmarshal(data, &c) == nil {
			return &c, nil
		}
	}

	c, err := s.primary.GetContent(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(c); err == nil {
		s.rdb.Set(ctx, contentKey(id), data, s.ttl)
	}
	return c, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := s.primary.CreateUser(ctx, u); err != nil {
		return err
	}
	s.cacheUser(ctx, u)
	return nil
}

func (s *CachedStore) UpdateBalance(ctx context.Context, username string, newBalance int64) error {
	if err := s.primary.UpdateBalance(ctx, username, newBalance); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(username))
	return nil
}

func (s *CachedStore) AddDividend(ctx context.Context, username string, amount int64) error {
	if err := s.primary.AddDividend(ctx, username, amount); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(username))
	return nil
}

func (s *CachedStore) AddInvestedTotal(ctx context.Context, username string, amount int64) error {
	if err := s.primary.AddInvestedTotal(ctx, username, amount); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(username))
	return nil
}

func (s *CachedStore) UpdateCoefficient(ctx context.Context, username string, coefficient decimal.Decimal, updatedAt time.Time) error {
	if err := s.primary.UpdateCoefficient(ctx, username, coefficient, updatedAt); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(username))
	return nil
}

func (s *CachedStore) CreateContent(ctx context.Context, c *model.Content) error {
	if err := s.primary.CreateContent(ctx, c); err != nil {
		return err
	}
	if data, err := json.Marshal(c); err == nil {
		s.rdb.Set(ctx, contentKey(c.ID), data, s.ttl)
	}
	return nil
}

func (s *CachedStore) RecordContentInvestment(ctx context.Context, contentID, username string, amount int64) error {
	if err := s.primary.RecordContentInvestment(ctx, contentID, username, amount); err != nil {
		return err
	}
	s.rdb.Del(ctx, contentKey(contentID))
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListUsernames(ctx context.Context) ([]string, error) {
	return s.primary.ListUsernames(ctx)
}

func (s *CachedStore) InsertCoefficientHistory(ctx context.Context, e *model.CoefficientHistoryEntry) error {
	return s.primary.InsertCoefficientHistory(ctx, e)
}

func (s *CachedStore) ListCoefficientHistory(ctx context.Context, username string, limit int) ([]model.CoefficientHistoryEntry, error) {
	return s.primary.ListCoefficientHistory(ctx, username, limit)
}

func (s *CachedStore) LatestCoefficientEpoch(ctx context.Context) (time.Time, error) {
	return s.primary.LatestCoefficientEpoch(ctx)
}

func (s *CachedStore) ListContentEvents(ctx context.Context, contentID string) ([]model.InvestmentEvent, error) {
	return s.primary.ListContentEvents(ctx, contentID)
}

func (s *CachedStore) InsertInvestment(ctx context.Context, inv *model.Investment) error {
	return s.primary.InsertInvestment(ctx, inv)
}

func (s *CachedStore) ListInvestmentsByContent(ctx context.Context, contentID string) ([]model.Investment, error) {
	return s.primary.ListInvestmentsByContent(ctx, contentID)
}

func (s *CachedStore) ListInvestmentsByUser(ctx context.Context, username string) ([]model.Investment, error) {
	return s.primary.ListInvestmentsByUser(ctx, username)
}

func (s *CachedStore) InvestmentPerformance(ctx context.Context, username string, since time.Time) ([]model.InvestmentPerformance, error) {
	return s.primary.InvestmentPerformance(ctx, username, since)
}

func (s *CachedStore) ContentInvestors(ctx context.Context, contentID string) ([]string, error) {
	return s.primary.ContentInvestors(ctx, contentID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheUser(ctx context.Context, u *model.User) {
	if data, err := json.Marshal(u); err == nil {
		s.rdb.Set(ctx, userKey(u.Username), data, s.ttl)
	}
}

func userKey(username string) string { return fmt.Sprintf("user:%s", username) }
func contentKey(id string) string    { return fmt.Sprintf("content:%s", id) }
