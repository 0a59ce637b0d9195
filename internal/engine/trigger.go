package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/cointent/dividend-engine/internal/metrics"
	"github.com/cointent/dividend-engine/internal/model"
)

// afterInvestment re-scores coefficients after a committed investment:
// the investor (their activity profile changed), then every other
// investor in the same content in parallel (their holdings just
// attracted capital). Returns the investor's fresh coefficient; ok is
// false if their re-score failed.
//
// Other-investor failures are logged and skipped. A failed re-score
// leaves the previous coefficient in place; the next trigger or batch
// run repairs it. The cache is invalidated only after all writes have
// landed so readers never mix old and new epochs.
func (s *Service) afterInvestment(ctx context.Context, contentID, investor string) (decimal.Decimal, bool) {
	fresh, err := s.rescore(ctx, investor, model.ReasonInvestmentMade)
	ok := err == nil
	if err != nil {
		metrics.ScoringFailures.Inc()
		slog.Error("investor re-score failed", "user", investor, "error", err)
	}

	others, err := s.store.ContentInvestors(ctx, contentID)
	if err != nil {
		metrics.ScoringFailures.Inc()
		slog.Error("failed to list content investors for re-score", "content", contentID, "error", err)
	}

	pool := pond.NewPool(s.params.RescoreWorkers)
	for _, username := range others {
		if username == investor {
			continue
		}
		username := username
		pool.Submit(func() {
			if _, err := s.rescore(ctx, username, model.ReasonAttractedInvestment); err != nil {
				metrics.ScoringFailures.Inc()
				slog.Error("co-investor re-score failed", "user", username, "error", err)
			}
		})
	}
	pool.StopAndWait()

	s.cache.Invalidate()

	return fresh, ok
}

// rescore computes a user's coefficient from their recent performance and
// persists it with a history entry.
func (s *Service) rescore(ctx context.Context, username string, reason model.CoefficientReason) (decimal.Decimal, error) {
	timer := prometheus.NewTimer(metrics.ScoringDuration)
	defer timer.ObserveDuration()

	res, err := s.scorer.ScorePerformance(ctx, username)
	if err != nil {
		return decimal.Zero, fmt.Errorf("score %s: %w", username, err)
	}

	user, err := s.store.GetUser(ctx, username)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load %s: %w", username, err)
	}
	old := user.Coefficient

	now := s.clock.Now().UTC()
	if err := s.store.UpdateCoefficient(ctx, username, res.Coefficient, now); err != nil {
		return decimal.Zero, fmt.Errorf("update coefficient for %s: %w", username, err)
	}

	entry := &model.CoefficientHistoryEntry{
		ID:               uuid.New().String(),
		Username:         username,
		OldCoefficient:   old,
		NewCoefficient:   res.Coefficient,
		Reason:           reason,
		PerformanceScore: res.PerformanceScore,
		CreatedAt:        now,
	}
	if err := s.store.InsertCoefficientHistory(ctx, entry); err != nil {
		return decimal.Zero, fmt.Errorf("record coefficient history for %s: %w", username, err)
	}

	s.cache.InvalidateUser(username)
	metrics.CoefficientUpdates.WithLabelValues(string(reason)).Inc()

	slog.Info("coefficient updated",
		"user", username,
		"reason", string(reason),
		"old", old.String(),
		"new", res.Coefficient.String(),
		"performance_score", res.PerformanceScore.String(),
		"samples", res.Samples,
	)

	return res.Coefficient, nil
}
