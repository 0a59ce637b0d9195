package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cointent/dividend-engine/internal/metrics"
	"github.com/cointent/dividend-engine/internal/model"
	"github.com/cointent/dividend-engine/internal/scoring"
)

// BatchFailure records one user whose batch re-score did not apply.
type BatchFailure struct {
	Username string `json:"username"`
	Error    string `json:"error"`
}

// BatchResult reports the outcome of a batch coefficient pass.
type BatchResult struct {
	Succeeded []string       `json:"succeeded"`
	Failed    []BatchFailure `json:"failed"`
}

// BatchUpdateCoefficients re-scores every user, blending the fresh score
// with the stored coefficient so a single run moves values gradually:
// new = w·old + (1-w)·fresh, clamped to the scoring bounds. Per-user
// failures are collected, not fatal. The derived-value cache is cleared
// once after all writes.
func (s *Service) BatchUpdateCoefficients(ctx context.Context) (*BatchResult, error) {
	usernames, err := s.store.ListUsernames(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	result := &BatchResult{
		Succeeded: []string{},
		Failed:    []BatchFailure{},
	}

	var mu sync.Mutex
	freshWeight := decimal.NewFromInt(1).Sub(s.params.EMAWeight)

	pool := pond.NewPool(s.params.RescoreWorkers)
	for _, username := range usernames {
		username := username
		pool.Submit(func() {
			err := s.batchRescore(ctx, username, s.params.EMAWeight, freshWeight)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				metrics.ScoringFailures.Inc()
				result.Failed = append(result.Failed, BatchFailure{Username: username, Error: err.Error()})
				return
			}
			result.Succeeded = append(result.Succeeded, username)
		})
	}
	pool.StopAndWait()

	sort.Strings(result.Succeeded)
	sort.Slice(result.Failed, func(i, j int) bool {
		return result.Failed[i].Username < result.Failed[j].Username
	})

	s.cache.Invalidate()

	slog.Info("batch coefficient update complete",
		"succeeded", len(result.Succeeded),
		"failed", len(result.Failed),
	)

	return result, nil
}

func (s *Service) batchRescore(ctx context.Context, username string, oldWeight, freshWeight decimal.Decimal) error {
	res, err := s.scorer.ScorePerformance(ctx, username)
	if err != nil {
		return fmt.Errorf("score: %w", err)
	}

	user, err := s.store.GetUser(ctx, username)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	old := user.Coefficient

	blended := old.Mul(oldWeight).
		Add(res.Coefficient.Mul(freshWeight)).
		Round(scoring.CoefficientScale)
	blended = s.scorer.Clamp(blended)

	now := s.clock.Now().UTC()
	if err := s.store.UpdateCoefficient(ctx, username, blended, now); err != nil {
		return fmt.Errorf("update coefficient: %w", err)
	}

	entry := &model.CoefficientHistoryEntry{
		ID:               uuid.New().String(),
		Username:         username,
		OldCoefficient:   old,
		NewCoefficient:   blended,
		Reason:           model.ReasonBatchUpdate,
		PerformanceScore: res.PerformanceScore,
		CreatedAt:        now,
	}
	if err := s.store.InsertCoefficientHistory(ctx, entry); err != nil {
		return fmt.Errorf("record history: %w", err)
	}

	metrics.CoefficientUpdates.WithLabelValues(string(model.ReasonBatchUpdate)).Inc()
	return nil
}
