package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cointent/dividend-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]*model.User
	contents    map[string]*model.Content
	investments []model.Investment
	history     []model.CoefficientHistoryEntry
	events      map[string][]model.InvestmentEvent
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]*model.User),
		contents: make(map[string]*model.Content),
		events:   make(map[string][]model.InvestmentEvent),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.Username]; ok {
		return fmt.Errorf("user %s already exists", u.Username)
	}
	copy := *u
	if copy.Coefficient.IsZero() {
		copy.Coefficient = decimal.NewFromInt(1)
	}
	s.users[u.Username] = &copy
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[username]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	copy := *u
	return &copy, nil
}

func (s *MemoryStore) ListUsernames(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.users))
	for name := range s.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) UpdateBalance(_ context.Context, username string, newBalance int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	u.Balance = newBalance
	return nil
}

func (s *MemoryStore) AddDividend(_ context.Context, username string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	u.Balance += amount
	u.TotalDividends += amount
	return nil
}

func (s *MemoryStore) AddInvestedTotal(_ context.Context, username string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	u.TotalInvested += amount
	return nil
}

func (s *MemoryStore) UpdateCoefficient(_ context.Context, username string, coefficient decimal.Decimal, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	u.Coefficient = coefficient
	u.CoefficientUpdatedAt = updatedAt
	return nil
}

func (s *MemoryStore) InsertCoefficientHistory(_ context.Context, entry *model.CoefficientHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, *entry)
	return nil
}

func (s *MemoryStore) ListCoefficientHistory(_ context.Context, username string, limit int) ([]model.CoefficientHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.CoefficientHistoryEntry
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].Username != username {
			continue
		}
		result = append(result, s.history[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) LatestCoefficientEpoch(_ context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest time.Time
	for _, u := range s.users {
		if u.CoefficientUpdatedAt.After(latest) {
			latest = u.CoefficientUpdatedAt
		}
	}
	return latest, nil
}

func (s *MemoryStore) CreateContent(_ context.Context, c *model.Content) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contents[c.ID]; ok {
		return fmt.Errorf("content %s already exists", c.ID)
	}
	copy := *c
	s.contents[c.ID] = &copy
	return nil
}

func (s *MemoryStore) GetContent(_ context.Context, id string) (*model.Content, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contents[id]
	if !ok {
		return nil, fmt.Errorf("content %s: %w", id, ErrNotFound)
	}
	copy := *c
	return &copy, nil
}

// RecordContentInvestment recomputes the content's aggregates from the
// ledger and appends the event with the post-event running total.
func (s *MemoryStore) RecordContentInvestment(_ context.Context, contentID, username string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contents[contentID]
	if !ok {
		return fmt.Errorf("content %s: %w", contentID, ErrNotFound)
	}

	var total int64
	var count int64
	distinct := make(map[string]bool)
	for _, inv := range s.investments {
		if inv.ContentID != contentID {
			continue
		}
		total += inv.Amount
		count++
		distinct[inv.Username] = true
	}

	c.TotalInvestment = total
	c.InvestorCount = len(distinct)
	if count > 0 {
		c.AverageInvestment = decimal.NewFromInt(total).DivRound(decimal.NewFromInt(count), 4)
	} else {
		c.AverageInvestment = decimal.Zero
	}

	s.events[contentID] = append(s.events[contentID], model.InvestmentEvent{
		Username:   username,
		Amount:     amount,
		TotalAfter: total,
		CreatedAt:  time.Now().UTC(),
	})
	return nil
}

func (s *MemoryStore) ListContentEvents(_ context.Context, contentID string) ([]model.InvestmentEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[contentID]
	result := make([]model.InvestmentEvent, len(events))
	copy(result, events)
	return result, nil
}

func (s *MemoryStore) InsertInvestment(_ context.Context, inv *model.Investment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.investments = append(s.investments, *inv)
	return nil
}

func (s *MemoryStore) ListInvestmentsByContent(_ context.Context, contentID string) ([]model.Investment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Investment
	for _, inv := range s.investments {
		if inv.ContentID == contentID {
			result = append(result, inv)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) ListInvestmentsByUser(_ context.Context, username string) ([]model.Investment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Investment
	for _, inv := range s.investments {
		if inv.Username == username {
			result = append(result, inv)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// InvestmentPerformance pairs each of the user's in-window investments with
// the coins invested into the same content strictly after it. Follow-on
// investments outside the window still count toward the sums.
func (s *MemoryStore) InvestmentPerformance(_ context.Context, username string, since time.Time) ([]model.InvestmentPerformance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.InvestmentPerformance
	for _, inv := range s.investments {
		if inv.Username != username || !inv.CreatedAt.After(since) {
			continue
		}
		var subsequent int64
		for _, other := range s.investments {
			if other.ContentID == inv.ContentID && other.CreatedAt.After(inv.CreatedAt) {
				subsequent += other.Amount
			}
		}
		result = append(result, model.InvestmentPerformance{
			ContentID:        inv.ContentID,
			Amount:           inv.Amount,
			CreatedAt:        inv.CreatedAt,
			SubsequentAmount: subsequent,
		})
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) ContentInvestors(_ context.Context, contentID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var result []string
	for _, inv := range s.investments {
		if inv.ContentID == contentID && !seen[inv.Username] {
			seen[inv.Username] = true
			result = append(result, inv.Username)
		}
	}
	return result, nil
}
