package engine_test

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/cointent/dividend-engine/internal/cache"
	"github.com/cointent/dividend-engine/internal/engine"
	"github.com/cointent/dividend-engine/internal/model"
	"github.com/cointent/dividend-engine/internal/scoring"
	"github.com/cointent/dividend-engine/internal/shares"
	"github.com/cointent/dividend-engine/internal/store"
)

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) (*engine.Service, *store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	clock := cache.SystemClock{}
	derived := cache.New(clock, time.Minute)
	scorer := scoring.New(ms, scoring.Default())
	calc := shares.NewCalculator(ms, derived, clock)
	svc := engine.NewService(ms, derived, scorer, calc, engine.DefaultParams(), clock, nil)

	r := chi.NewRouter()
	r.Post("/api/v1/invest", svc.Invest)
	r.Get("/api/v1/users/{username}/performance", svc.GetUserPerformance)
	r.Get("/api/v1/users/{username}/investments", svc.GetUserInvestments)
	r.Get("/api/v1/contents/{contentID}/shares", svc.GetContentShares)
	r.Get("/api/v1/contents/{contentID}/history", svc.GetContentHistory)
	r.Post("/api/v1/admin/coefficients/batch", svc.RunBatchUpdate)

	return svc, ms, r
}

func seedUser(t *testing.T, ms *store.MemoryStore, username string, balance int64) {
	t.Helper()
	err := ms.CreateUser(context.Background(), &model.User{
		Username:  username,
		Balance:   balance,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
}

func seedContent(t *testing.T, ms *store.MemoryStore, contentID, author string) {
	t.Helper()
	err := ms.CreateContent(context.Background(), &model.Content{
		ID:        contentID,
		Author:    author,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to seed content: %v", err)
	}
}

func doInvest(t *testing.T, router chi.Router, req engine.InvestRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(req)
	httpReq := httptest.NewRequest("POST", "/api/v1/invest", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httpReq)
	return w
}

func doGet(t *testing.T, router chi.Router, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	return w
}

// --- Investment execution tests ---

func TestInvest_FirstInvestorGetsNoDividends(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedUser(t, ms, "alice", 10000)
	seedContent(t, ms, "content-1", "author-1")

	w := doInvest(t, router, engine.InvestRequest{
		ContentID: "content-1",
		Username:  "alice",
		Amount:    1000,
	})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp engine.InvestResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.NewBalance != 9000 {
		t.Errorf("expected balance 9000, got %d", resp.NewBalance)
	}
	if len(resp.DividendsDistributed) != 0 {
		t.Errorf("first investor should trigger no dividends, got %d", len(resp.DividendsDistributed))
	}
	// 1000 coins at the neutral coefficient 1.0.
	if !resp.EffectiveAmount.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("expected effective amount 1000, got %s", resp.EffectiveAmount)
	}
	// One investment in the window puts alice on the early-adopter score.
	if !resp.UserCoefficient.Equal(decimal.NewFromFloat(1.1)) {
		t.Errorf("expected re-scored coefficient 1.1, got %s", resp.UserCoefficient)
	}
}

func TestInvest_SecondInvestorPaysDividend(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedUser(t, ms, "alice", 10000)
	seedUser(t, ms, "bob", 10000)
	seedContent(t, ms, "content-1", "author-1")

	doInvest(t, router, engine.InvestRequest{ContentID: "content-1", Username: "alice", Amount: 1000})
	w := doInvest(t, router, engine.InvestRequest{ContentID: "content-1", Username: "bob", Amount: 500})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp engine.InvestResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	// Alice holds the entire pre-investment share set: 10% of 500 = 50.
	if len(resp.DividendsDistributed) != 1 {
		t.Fatalf("expected 1 payout, got %d", len(resp.DividendsDistributed))
	}
	if resp.DividendsDistributed[0].Username != "alice" || resp.DividendsDistributed[0].Amount != 50 {
		t.Errorf("expected alice to receive 50, got %+v", resp.DividendsDistributed[0])
	}

	alice, err := ms.GetUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("failed to load alice: %v", err)
	}
	if alice.Balance != 9050 {
		t.Errorf("expected alice balance 9050 (9000 + 50 dividend), got %d", alice.Balance)
	}
	if alice.TotalDividends != 50 {
		t.Errorf("expected alice total dividends 50, got %d", alice.TotalDividends)
	}

	bob, err := ms.GetUser(context.Background(), "bob")
	if err != nil {
		t.Fatalf("failed to load bob: %v", err)
	}
	if bob.Balance != 9500 {
		t.Errorf("expected bob balance 9500, got %d", bob.Balance)
	}
	if bob.TotalInvested != 500 {
		t.Errorf("expected bob total invested 500, got %d", bob.TotalInvested)
	}
}

func TestInvest_ValidationErrors(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedUser(t, ms, "alice", 10000)
	seedContent(t, ms, "content-1", "author-1")

	cases := []struct {
		name string
		req  engine.InvestRequest
	}{
		{"missing username", engine.InvestRequest{ContentID: "content-1", Amount: 100}},
		{"missing content", engine.InvestRequest{Username: "alice", Amount: 100}},
		{"zero amount", engine.InvestRequest{ContentID: "content-1", Username: "alice", Amount: 0}},
		{"negative amount", engine.InvestRequest{ContentID: "content-1", Username: "alice", Amount: -50}},
		{"unknown user", engine.InvestRequest{ContentID: "content-1", Username: "mallory", Amount: 100}},
		{"unknown content", engine.InvestRequest{ContentID: "content-404", Username: "alice", Amount: 100}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doInvest(t, router, tc.req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
			var body map[string]string
			json.Unmarshal(w.Body.Bytes(), &body)
			if body["error"] == "" {
				t.Error("expected error field in response body")
			}
		})
	}
}

func TestInvest_InsufficientBalance(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedUser(t, ms, "alice", 100)
	seedContent(t, ms, "content-1", "author-1")

	w := doInvest(t, router, engine.InvestRequest{ContentID: "content-1", Username: "alice", Amount: 1000})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}

	// Nothing committed: balance untouched, no investment recorded.
	alice, _ := ms.GetUser(context.Background(), "alice")
	if alice.Balance != 100 {
		t.Errorf("expected untouched balance 100, got %d", alice.Balance)
	}
	investments, _ := ms.ListInvestmentsByUser(context.Background(), "alice")
	if len(investments) != 0 {
		t.Errorf("expected no investments, got %d", len(investments))
	}
}

func TestInvest_TriggerRecordsHistory(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedUser(t, ms, "alice", 10000)
	seedUser(t, ms, "bob", 10000)
	seedContent(t, ms, "content-1", "author-1")

	doInvest(t, router, engine.InvestRequest{ContentID: "content-1", Username: "alice", Amount: 1000})
	doInvest(t, router, engine.InvestRequest{ContentID: "content-1", Username: "bob", Amount: 500})

	bobHistory, err := ms.ListCoefficientHistory(context.Background(), "bob", 10)
	if err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	if len(bobHistory) == 0 {
		t.Fatal("expected history entries for bob")
	}
	if bobHistory[0].Reason != model.ReasonInvestmentMade {
		t.Errorf("expected investment_made for investor, got %s", bobHistory[0].Reason)
	}

	aliceHistory, err := ms.ListCoefficientHistory(context.Background(), "alice", 10)
	if err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	// Newest first: bob's investment re-scored alice as a co-investor.
	if len(aliceHistory) < 2 {
		t.Fatalf("expected at least 2 entries for alice, got %d", len(aliceHistory))
	}
	if aliceHistory[0].Reason != model.ReasonAttractedInvestment {
		t.Errorf("expected attracted_investment for co-investor, got %s", aliceHistory[0].Reason)
	}
}

// --- Read endpoint tests ---

func TestGetUserPerformance(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedUser(t, ms, "alice", 10000)
	seedContent(t, ms, "content-1", "author-1")
	doInvest(t, router, engine.InvestRequest{ContentID: "content-1", Username: "alice", Amount: 1000})

	w := doGet(t, router, "/api/v1/users/alice/performance")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp engine.UserPerformanceResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.Username != "alice" {
		t.Errorf("expected alice, got %s", resp.Username)
	}
	if !resp.CurrentCoefficient.Equal(decimal.NewFromFloat(1.1)) {
		t.Errorf("expected coefficient 1.1, got %s", resp.CurrentCoefficient)
	}
	if resp.TotalInvested != 1000 {
		t.Errorf("expected total invested 1000, got %d", resp.TotalInvested)
	}
	if len(resp.CoefficientHistory) == 0 {
		t.Error("expected coefficient history entries")
	}
	// 1000 coins at the post-rescore coefficient 1.1.
	if !resp.TotalEffectiveValue.Equal(decimal.NewFromInt(1100)) {
		t.Errorf("expected total effective value 1100, got %s", resp.TotalEffectiveValue)
	}
}

func TestGetUserPerformance_UnknownUser(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doGet(t, router, "/api/v1/users/nobody/performance")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestGetUserInvestments(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedUser(t, ms, "alice", 10000)
	seedUser(t, ms, "bob", 10000)
	seedContent(t, ms, "content-1", "author-1")
	doInvest(t, router, engine.InvestRequest{ContentID: "content-1", Username: "alice", Amount: 1000})
	doInvest(t, router, engine.InvestRequest{ContentID: "content-1", Username: "bob", Amount: 500})

	w := doGet(t, router, "/api/v1/users/alice/investments")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var items []engine.UserInvestmentItem
	json.Unmarshal(w.Body.Bytes(), &items)

	if len(items) != 1 {
		t.Fatalf("expected 1 investment, got %d", len(items))
	}
	if items[0].ContentAuthor != "author-1" {
		t.Errorf("expected author-1, got %s", items[0].ContentAuthor)
	}
	if items[0].TotalContentInvestment != 1500 {
		t.Errorf("expected content total 1500, got %d", items[0].TotalContentInvestment)
	}
	// 1000 of 1500 raw coins.
	if !items[0].CurrentSharePct.Equal(decimal.NewFromFloat(66.67)) {
		t.Errorf("expected share pct 66.67, got %s", items[0].CurrentSharePct)
	}
}

func TestGetContentShares(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedUser(t, ms, "alice", 10000)
	seedUser(t, ms, "bob", 10000)
	seedContent(t, ms, "content-1", "author-1")
	doInvest(t, router, engine.InvestRequest{ContentID: "content-1", Username: "alice", Amount: 1000})
	doInvest(t, router, engine.InvestRequest{ContentID: "content-1", Username: "bob", Amount: 500})

	w := doGet(t, router, "/api/v1/contents/content-1/shares")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp engine.ContentSharesResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.TotalShares != 2 {
		t.Fatalf("expected 2 shares, got %d", resp.TotalShares)
	}

	sum := decimal.Zero
	for _, sh := range resp.Shares {
		sum = sum.Add(sh.Share)
	}
	if math.Abs(sum.InexactFloat64()-1.0) > 1e-9 {
		t.Errorf("shares should sum to 1, got %s", sum)
	}

	// Both re-scored to 1.1: effective amounts keep the 2:1 raw ratio.
	if math.Abs(resp.Shares[0].Share.InexactFloat64()-2.0/3.0) > 1e-9 {
		t.Errorf("expected alice share 2/3, got %s", resp.Shares[0].Share)
	}
}

func TestGetContentShares_UnknownContent(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doGet(t, router, "/api/v1/contents/content-404/shares")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestGetContentHistory(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedUser(t, ms, "alice", 10000)
	seedUser(t, ms, "bob", 10000)
	seedContent(t, ms, "content-1", "author-1")
	doInvest(t, router, engine.InvestRequest{ContentID: "content-1", Username: "alice", Amount: 1000})
	doInvest(t, router, engine.InvestRequest{ContentID: "content-1", Username: "bob", Amount: 500})

	w := doGet(t, router, "/api/v1/contents/content-1/history")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var events []model.InvestmentEvent
	json.Unmarshal(w.Body.Bytes(), &events)

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Username != "alice" || events[0].TotalAfter != 1000 {
		t.Errorf("expected alice event with running total 1000, got %+v", events[0])
	}
	if events[1].Username != "bob" || events[1].TotalAfter != 1500 {
		t.Errorf("expected bob event with running total 1500, got %+v", events[1])
	}
}

// --- Batch update tests ---

func TestBatchUpdateEndpoint(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedUser(t, ms, "alice", 10000)
	seedUser(t, ms, "bob", 10000)
	seedContent(t, ms, "content-1", "author-1")
	doInvest(t, router, engine.InvestRequest{ContentID: "content-1", Username: "alice", Amount: 1000})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/admin/coefficients/batch", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var result engine.BatchResult
	json.Unmarshal(w.Body.Bytes(), &result)

	if len(result.Succeeded) != 2 {
		t.Fatalf("expected 2 succeeded, got %d (failed: %+v)", len(result.Succeeded), result.Failed)
	}
	if len(result.Failed) != 0 {
		t.Errorf("expected no failures, got %+v", result.Failed)
	}
}

func TestBatchUpdate_BlendsGradually(t *testing.T) {
	svc, ms, router := newTestEnv(t)
	seedUser(t, ms, "alice", 10000)
	seedContent(t, ms, "content-1", "author-1")
	doInvest(t, router, engine.InvestRequest{ContentID: "content-1", Username: "alice", Amount: 1000})

	before, _ := ms.GetUser(context.Background(), "alice")

	result, err := svc.BatchUpdateCoefficients(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Succeeded) != 1 {
		t.Fatalf("expected 1 succeeded, got %+v", result)
	}

	after, _ := ms.GetUser(context.Background(), "alice")

	// Fresh score equals the stored 1.1, so the blend is a fixed point.
	if !after.Coefficient.Equal(before.Coefficient) {
		t.Errorf("expected unchanged coefficient %s, got %s", before.Coefficient, after.Coefficient)
	}

	history, _ := ms.ListCoefficientHistory(context.Background(), "alice", 10)
	if len(history) == 0 || history[0].Reason != model.ReasonBatchUpdate {
		t.Error("expected a batch_update history entry")
	}
}
