package shares_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cointent/dividend-engine/internal/cache"
	"github.com/cointent/dividend-engine/internal/model"
	"github.com/cointent/dividend-engine/internal/shares"
	"github.com/cointent/dividend-engine/internal/store"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

var baseTime = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestCalc(t *testing.T) (*shares.Calculator, *store.MemoryStore, *cache.Cache) {
	t.Helper()
	ms := store.NewMemoryStore()
	clock := &fakeClock{now: baseTime}
	c := cache.New(clock, time.Minute)
	return shares.NewCalculator(ms, c, clock), ms, c
}

func seedUser(t *testing.T, ms *store.MemoryStore, username string, coefficient float64) {
	t.Helper()
	err := ms.CreateUser(context.Background(), &model.User{
		Username:             username,
		Balance:              10000,
		Coefficient:          decimal.NewFromFloat(coefficient),
		CoefficientUpdatedAt: baseTime,
		CreatedAt:            baseTime,
	})
	if err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
}

func seedInvestment(t *testing.T, ms *store.MemoryStore, username, contentID string, amount int64, at time.Time) {
	t.Helper()
	err := ms.InsertInvestment(context.Background(), &model.Investment{
		ID:                username + "-" + contentID,
		Username:          username,
		ContentID:         contentID,
		Amount:            amount,
		EffectiveAmount:   decimal.NewFromInt(amount),
		CoefficientAtTime: decimal.NewFromInt(1),
		CreatedAt:         at,
	})
	if err != nil {
		t.Fatalf("failed to seed investment: %v", err)
	}
}

func TestEffectiveShares_Proportionality(t *testing.T) {
	calc, ms, _ := newTestCalc(t)
	seedUser(t, ms, "alice", 2.0)
	seedUser(t, ms, "bob", 1.0)
	seedInvestment(t, ms, "alice", "content-1", 100, baseTime.Add(-2*time.Hour))
	seedInvestment(t, ms, "bob", "content-1", 100, baseTime.Add(-time.Hour))

	result, err := calc.EffectiveShares(context.Background(), "content-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("expected 2 shares, got %d", len(result))
	}

	// Oldest investment first.
	if result[0].Username != "alice" || result[1].Username != "bob" {
		t.Errorf("expected [alice, bob] ordering, got [%s, %s]", result[0].Username, result[1].Username)
	}

	// Same raw amount, 2x coefficient: alice holds 2/3, bob 1/3.
	if math.Abs(result[0].Share.InexactFloat64()-2.0/3.0) > 1e-9 {
		t.Errorf("expected alice share 2/3, got %s", result[0].Share)
	}
	if math.Abs(result[1].Share.InexactFloat64()-1.0/3.0) > 1e-9 {
		t.Errorf("expected bob share 1/3, got %s", result[1].Share)
	}
	if !result[0].EffectiveAmount.Equal(decimal.NewFromInt(200)) {
		t.Errorf("expected alice effective 200, got %s", result[0].EffectiveAmount)
	}

	sum := decimal.Zero
	for _, sh := range result {
		sum = sum.Add(sh.Share)
	}
	if math.Abs(sum.InexactFloat64()-1.0) > 1e-9 {
		t.Errorf("shares should sum to 1, got %s", sum)
	}
}

func TestEffectiveShares_EmptyContent(t *testing.T) {
	calc, _, _ := newTestCalc(t)

	result, err := calc.EffectiveShares(context.Background(), "content-none")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 0 {
		t.Errorf("expected empty share set, got %d entries", len(result))
	}
}

func TestEffectiveShares_UnknownInvestorDefaultsToNeutral(t *testing.T) {
	calc, ms, _ := newTestCalc(t)
	// Investment from a user record that no longer resolves.
	seedInvestment(t, ms, "ghost", "content-1", 100, baseTime.Add(-time.Hour))

	result, err := calc.EffectiveShares(context.Background(), "content-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("expected 1 share, got %d", len(result))
	}
	if !result[0].Coefficient.Equal(decimal.NewFromInt(1)) {
		t.Errorf("expected neutral coefficient for unknown user, got %s", result[0].Coefficient)
	}
}

func TestEffectiveShares_ServesCachedSetWithinEpoch(t *testing.T) {
	calc, ms, _ := newTestCalc(t)
	seedUser(t, ms, "alice", 1.0)
	seedInvestment(t, ms, "alice", "content-1", 100, baseTime.Add(-time.Hour))

	first, err := calc.EffectiveShares(context.Background(), "content-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Change the coefficient without moving the epoch. Readers are allowed
	// to see the memoized set until the epoch rolls.
	if err := ms.UpdateCoefficient(context.Background(), "alice", decimal.NewFromFloat(2.5), baseTime); err != nil {
		t.Fatalf("failed to update coefficient: %v", err)
	}

	second, err := calc.EffectiveShares(context.Background(), "content-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second[0].Coefficient.Equal(first[0].Coefficient) {
		t.Errorf("expected memoized set within the same epoch, got %s vs %s",
			second[0].Coefficient, first[0].Coefficient)
	}
}

func TestEffectiveShares_EpochRollRecomputes(t *testing.T) {
	calc, ms, c := newTestCalc(t)
	seedUser(t, ms, "alice", 1.0)
	seedInvestment(t, ms, "alice", "content-1", 100, baseTime.Add(-time.Hour))

	if _, err := calc.EffectiveShares(context.Background(), "content-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A coefficient write with a newer timestamp rolls the global epoch.
	// Writers drop the stale coefficient entry alongside the write.
	newEpoch := baseTime.Add(time.Second)
	if err := ms.UpdateCoefficient(context.Background(), "alice", decimal.NewFromFloat(2.5), newEpoch); err != nil {
		t.Fatalf("failed to update coefficient: %v", err)
	}
	c.InvalidateUser("alice")

	result, err := calc.EffectiveShares(context.Background(), "content-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result[0].Coefficient.Equal(decimal.NewFromFloat(2.5)) {
		t.Errorf("expected recomputed coefficient 2.5, got %s", result[0].Coefficient)
	}
}

func TestCurrentCoefficient_CachesReads(t *testing.T) {
	calc, ms, c := newTestCalc(t)
	seedUser(t, ms, "alice", 1.7)

	got, err := calc.CurrentCoefficient(context.Background(), "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(decimal.NewFromFloat(1.7)) {
		t.Errorf("expected 1.7, got %s", got)
	}

	if cached, ok := c.Coefficient("alice"); !ok || !cached.Equal(got) {
		t.Error("expected coefficient to land in the cache after a read")
	}
}
