// Package engine provides the HTTP handlers and orchestration for the
// coefficient-weighted dividend engine: investing into content, paying
// proportional dividends to prior investors, and re-scoring coefficients
// after each investment.
package engine

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cointent/dividend-engine/internal/cache"
	"github.com/cointent/dividend-engine/internal/dividend"
	"github.com/cointent/dividend-engine/internal/metrics"
	"github.com/cointent/dividend-engine/internal/model"
	"github.com/cointent/dividend-engine/internal/scoring"
	"github.com/cointent/dividend-engine/internal/shares"
	"github.com/cointent/dividend-engine/internal/store"
)

// Params holds the engine's orchestration knobs.
type Params struct {
	// PoolFraction is the share of a new investment paid out as dividends.
	PoolFraction decimal.Decimal

	// EMAWeight is the old-coefficient weight in the batch blend:
	// new = w·old + (1-w)·fresh.
	EMAWeight decimal.Decimal

	// RescoreWorkers bounds the parallel re-scoring pool.
	RescoreWorkers int

	// HistoryLimit caps the coefficient history returned by read endpoints.
	HistoryLimit int
}

// DefaultParams returns the canonical engine parameters.
func DefaultParams() Params {
	return Params{
		PoolFraction:   dividend.DefaultPoolFraction,
		EMAWeight:      decimal.NewFromFloat(0.9),
		RescoreWorkers: 4,
		HistoryLimit:   10,
	}
}

// Service handles investment operations. Uses a mutex to serialize the
// read-shares → pay-dividends → append-investment sequence (single
// instance). For horizontal scaling, replace with a per-content advisory
// lock at the storage layer.
type Service struct {
	store  store.Store
	cache  *cache.Cache
	scorer *scoring.Scorer
	calc   *shares.Calculator
	params Params
	clock  cache.Clock
	mu     sync.Mutex
	hub    *EventHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new engine service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, c *cache.Cache, scorer *scoring.Scorer, calc *shares.Calculator, params Params, clock cache.Clock, hub *EventHub) *Service {
	return &Service{
		store:  st,
		cache:  c,
		scorer: scorer,
		calc:   calc,
		params: params,
		clock:  clock,
		hub:    hub,
	}
}

// --- Request/Response types ---

// InvestRequest is the JSON body for POST /invest.
type InvestRequest struct {
	ContentID string `json:"content_id"`
	Username  string `json:"username"`
	Amount    int64  `json:"amount"` // whole coins, positive
}

// InvestResponse is the JSON body returned from POST /invest.
type InvestResponse struct {
	NewBalance           int64                  `json:"new_balance"`
	UserCoefficient      decimal.Decimal        `json:"user_coefficient"`
	EffectiveAmount      decimal.Decimal        `json:"effective_amount"`
	DividendsDistributed []model.DividendPayout `json:"dividends_distributed"`
	Message              string                 `json:"message"`
}

// UserPerformanceResponse summarizes a user's track record.
type UserPerformanceResponse struct {
	Username            string                          `json:"username"`
	CurrentCoefficient  decimal.Decimal                 `json:"current_coefficient"`
	Balance             int64                           `json:"balance"`
	TotalInvested       int64                           `json:"total_invested"`
	TotalDividends      int64                           `json:"total_dividends"`
	TotalEffectiveValue decimal.Decimal                 `json:"total_effective_value"`
	CoefficientHistory  []model.CoefficientHistoryEntry `json:"coefficient_history"`
	LastUpdated         time.Time                       `json:"last_updated"`
}

// UserInvestmentItem is one row of a user's investment listing.
type UserInvestmentItem struct {
	ID                     string          `json:"id"`
	ContentID              string          `json:"content_id"`
	ContentAuthor          string          `json:"content_author,omitempty"`
	Amount                 int64           `json:"amount"`
	EffectiveAmount        decimal.Decimal `json:"effective_amount"`
	CoefficientAtTime      decimal.Decimal `json:"coefficient_at_time"`
	CurrentSharePct        decimal.Decimal `json:"current_share_pct"`
	TotalContentInvestment int64           `json:"total_content_investment"`
	CreatedAt              time.Time       `json:"created_at"`
}

// ContentSharesResponse is the per-content share listing.
type ContentSharesResponse struct {
	ContentID      string                 `json:"content_id"`
	Shares         []model.EffectiveShare `json:"shares"`
	TotalShares    int                    `json:"total_shares"`
	TotalEffective decimal.Decimal        `json:"total_effective"`
	LastUpdated    time.Time              `json:"last_updated"`
}

// --- HTTP Handlers ---

// Invest handles POST /api/v1/invest.
// Pays dividends to existing investors from the pre-investment share set,
// records the investment, then triggers coefficient re-scoring.
func (s *Service) Invest(w http.ResponseWriter, r *http.Request) {
	var req InvestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	// --- Input validation ---
	if req.Username == "" {
		writeError(w, http.StatusBadRequest, "username is required", "")
		return
	}
	if req.ContentID == "" {
		writeError(w, http.StatusBadRequest, "content_id is required", "")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be a positive number of coins", "")
		return
	}

	ctx := r.Context()

	// Serialize distribute-and-append per instance. The dividend base is
	// the pre-investment share set; two concurrent investments must not
	// both read the same pre-state.
	s.mu.Lock()
	defer s.mu.Unlock()

	user, err := s.store.GetUser(ctx, req.Username)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusBadRequest, "unknown user", req.Username)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load user", err.Error())
		return
	}

	content, err := s.store.GetContent(ctx, req.ContentID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusBadRequest, "unknown content", req.ContentID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load content", err.Error())
		return
	}

	if user.Balance < req.Amount {
		writeError(w, http.StatusBadRequest, "insufficient balance", "")
		return
	}

	// Pre-investment share set. A share computation failure rejects the
	// investment outright; nothing has been committed yet.
	preShares, err := s.calc.EffectiveShares(ctx, req.ContentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute effective shares", err.Error())
		return
	}

	payouts := dividend.Distribute(preShares, req.Amount, s.params.PoolFraction)
	for _, p := range payouts {
		if err := s.store.AddDividend(ctx, p.Username, p.Amount); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to credit dividend", err.Error())
			return
		}
	}

	newBalance := user.Balance - req.Amount
	if err := s.store.UpdateBalance(ctx, req.Username, newBalance); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to debit balance", err.Error())
		return
	}

	now := s.clock.Now().UTC()
	effectiveAmount := decimal.NewFromInt(req.Amount).Mul(user.Coefficient)
	inv := &model.Investment{
		ID:                uuid.New().String(),
		Username:          req.Username,
		ContentID:         req.ContentID,
		Amount:            req.Amount,
		EffectiveAmount:   effectiveAmount,
		CoefficientAtTime: user.Coefficient,
		CreatedAt:         now,
	}

	if err := s.store.InsertInvestment(ctx, inv); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record investment", err.Error())
		return
	}
	if err := s.store.AddInvestedTotal(ctx, req.Username, req.Amount); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update invested total", err.Error())
		return
	}
	if err := s.store.RecordContentInvestment(ctx, req.ContentID, req.Username, req.Amount); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update content stats", err.Error())
		return
	}

	// Investment is durable; re-score affected users and roll the epoch.
	newCoefficient, rescored := s.afterInvestment(ctx, req.ContentID, req.Username)
	responseCoefficient := user.Coefficient
	if rescored {
		responseCoefficient = newCoefficient
	}

	paid := dividend.Total(payouts)
	metrics.InvestmentsTotal.Inc()
	metrics.DividendCoinsTotal.Add(float64(paid))

	slog.Info("investment executed",
		"investment_id", inv.ID,
		"user", req.Username,
		"content", req.ContentID,
		"amount", req.Amount,
		"effective_amount", effectiveAmount.String(),
		"dividends_paid", paid,
		"recipients", len(payouts),
	)

	if s.hub != nil {
		s.hub.Broadcast(Event{
			Type:            "investment_executed",
			ContentID:       req.ContentID,
			Username:        req.Username,
			Amount:          req.Amount,
			DividendsPaid:   paid,
			TotalInvestment: content.TotalInvestment + req.Amount,
			Coefficient:     responseCoefficient.String(),
		})
	}

	writeJSON(w, http.StatusOK, InvestResponse{
		NewBalance:           newBalance,
		UserCoefficient:      responseCoefficient,
		EffectiveAmount:      effectiveAmount,
		DividendsDistributed: payouts,
		Message:              "investment recorded",
	})
}

// GetUserPerformance handles GET /api/v1/users/{username}/performance.
func (s *Service) GetUserPerformance(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	ctx := r.Context()

	user, err := s.store.GetUser(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown user", username)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load user", err.Error())
		return
	}

	history, err := s.store.ListCoefficientHistory(ctx, username, s.params.HistoryLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load coefficient history", err.Error())
		return
	}
	if history == nil {
		history = []model.CoefficientHistoryEntry{}
	}

	investments, err := s.store.ListInvestmentsByUser(ctx, username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load investments", err.Error())
		return
	}

	// Total effective value: the user's effective amounts across every
	// content they hold, at current coefficients.
	totalEffective := decimal.Zero
	seen := make(map[string]bool)
	for _, inv := range investments {
		if seen[inv.ContentID] {
			continue
		}
		seen[inv.ContentID] = true

		contentShares, err := s.calc.EffectiveShares(ctx, inv.ContentID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to compute effective shares", err.Error())
			return
		}
		for _, sh := range contentShares {
			if sh.Username == username {
				totalEffective = totalEffective.Add(sh.EffectiveAmount)
			}
		}
	}

	writeJSON(w, http.StatusOK, UserPerformanceResponse{
		Username:            user.Username,
		CurrentCoefficient:  user.Coefficient,
		Balance:             user.Balance,
		TotalInvested:       user.TotalInvested,
		TotalDividends:      user.TotalDividends,
		TotalEffectiveValue: totalEffective,
		CoefficientHistory:  history,
		LastUpdated:         user.CoefficientUpdatedAt,
	})
}

// GetUserInvestments handles GET /api/v1/users/{username}/investments.
func (s *Service) GetUserInvestments(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	ctx := r.Context()

	if _, err := s.store.GetUser(ctx, username); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown user", username)
		} else {
			writeError(w, http.StatusInternalServerError, "failed to load user", err.Error())
		}
		return
	}

	investments, err := s.store.ListInvestmentsByUser(ctx, username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load investments", err.Error())
		return
	}

	items := make([]UserInvestmentItem, 0, len(investments))
	hundred := decimal.NewFromInt(100)
	for _, inv := range investments {
		item := UserInvestmentItem{
			ID:                inv.ID,
			ContentID:         inv.ContentID,
			Amount:            inv.Amount,
			EffectiveAmount:   inv.EffectiveAmount,
			CoefficientAtTime: inv.CoefficientAtTime,
			CurrentSharePct:   decimal.Zero,
			CreatedAt:         inv.CreatedAt,
		}

		content, err := s.store.GetContent(ctx, inv.ContentID)
		if err == nil {
			item.ContentAuthor = content.Author
			item.TotalContentInvestment = content.TotalInvestment
			if content.TotalInvestment > 0 {
				item.CurrentSharePct = decimal.NewFromInt(inv.Amount).
					Mul(hundred).
					DivRound(decimal.NewFromInt(content.TotalInvestment), 2)
			}
		}

		items = append(items, item)
	}

	writeJSON(w, http.StatusOK, items)
}

// GetContentShares handles GET /api/v1/contents/{contentID}/shares.
func (s *Service) GetContentShares(w http.ResponseWriter, r *http.Request) {
	contentID := chi.URLParam(r, "contentID")
	ctx := r.Context()

	if _, err := s.store.GetContent(ctx, contentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown content", contentID)
		} else {
			writeError(w, http.StatusInternalServerError, "failed to load content", err.Error())
		}
		return
	}

	contentShares, err := s.calc.EffectiveShares(ctx, contentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute effective shares", err.Error())
		return
	}

	totalEffective := decimal.Zero
	for _, sh := range contentShares {
		totalEffective = totalEffective.Add(sh.EffectiveAmount)
	}

	epoch, err := s.store.LatestCoefficientEpoch(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resolve coefficient epoch", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ContentSharesResponse{
		ContentID:      contentID,
		Shares:         contentShares,
		TotalShares:    len(contentShares),
		TotalEffective: totalEffective,
		LastUpdated:    epoch,
	})
}

// GetContentHistory handles GET /api/v1/contents/{contentID}/history.
func (s *Service) GetContentHistory(w http.ResponseWriter, r *http.Request) {
	contentID := chi.URLParam(r, "contentID")
	ctx := r.Context()

	if _, err := s.store.GetContent(ctx, contentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown content", contentID)
		} else {
			writeError(w, http.StatusInternalServerError, "failed to load content", err.Error())
		}
		return
	}

	events, err := s.store.ListContentEvents(ctx, contentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load content history", err.Error())
		return
	}
	if events == nil {
		events = []model.InvestmentEvent{}
	}

	writeJSON(w, http.StatusOK, events)
}

// RunBatchUpdate handles POST /api/v1/admin/coefficients/batch.
func (s *Service) RunBatchUpdate(w http.ResponseWriter, r *http.Request) {
	result, err := s.BatchUpdateCoefficients(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "batch update failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response as {error, details}.
func writeError(w http.ResponseWriter, status int, message, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   message,
		"details": details,
	})
}
