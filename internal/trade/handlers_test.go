package trade_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/berryx/market-engine/internal/model"
	"github.com/berryx/market-engine/internal/trade"
)

// newTestRouter mounts the handlers on a chi router the way main does.
func newTestRouter(t *testing.T) (*testEnv, chi.Router) {
	t.Helper()
	env := newTestEnv(t)
	r := chi.NewRouter()
	r.Route("/api/v1", trade.NewHandler(env.svc, nil).Routes)
	return env, r
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body["error"]
}

func TestHandler_Trade(t *testing.T) {
	_, r := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/api/v1/trade", map[string]any{
		"user_id":      "u1",
		"character":    "luffy",
		"side":         "BUY",
		"amount_in":    "100",
		"client_nonce": "n1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp trade.ExecuteResult
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.TradeID == "" {
		t.Error("expected non-empty trade_id")
	}
	if !resp.NewWalletBalance.Equal(decimal.NewFromInt(900)) {
		t.Errorf("new_wallet_balance = %s, want 900", resp.NewWalletBalance)
	}
	if !resp.AmountOut.IsPositive() {
		t.Errorf("amount_out = %s, want positive", resp.AmountOut)
	}
}

func TestHandler_TradeDuplicate(t *testing.T) {
	_, r := newTestRouter(t)
	body := map[string]any{
		"user_id": "u1", "character": "luffy", "side": "BUY", "amount_in": 10, "client_nonce": "dup",
	}

	if rec := doJSON(t, r, http.MethodPost, "/api/v1/trade", body); rec.Code != http.StatusOK {
		t.Fatalf("first trade: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec := doJSON(t, r, http.MethodPost, "/api/v1/trade", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a reused nonce, got %d", rec.Code)
	}
}

func TestHandler_TradeErrors(t *testing.T) {
	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing user", map[string]any{"character": "luffy", "side": "BUY", "amount_in": 1, "client_nonce": "n"}, http.StatusBadRequest},
		{"missing nonce", map[string]any{"user_id": "u1", "character": "luffy", "side": "BUY", "amount_in": 1}, http.StatusBadRequest},
		{"bad side", map[string]any{"user_id": "u1", "character": "luffy", "side": "YES", "amount_in": 1, "client_nonce": "n"}, http.StatusBadRequest},
		{"insufficient", map[string]any{"user_id": "u1", "character": "luffy", "side": "BUY", "amount_in": 5000, "client_nonce": "n"}, http.StatusBadRequest},
		{"unknown character", map[string]any{"user_id": "u1", "character": "zoro", "side": "BUY", "amount_in": 1, "client_nonce": "n"}, http.StatusNotFound},
		{"no wallet", map[string]any{"user_id": "ghost", "character": "luffy", "side": "BUY", "amount_in": 1, "client_nonce": "n"}, http.StatusNotFound},
		{"not json", "not json", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, r := newTestRouter(t)
			rec := doJSON(t, r, http.MethodPost, "/api/v1/trade", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if msg := errorMessage(t, rec); msg == "" {
				t.Error("expected an error message")
			}
		})
	}
}

func TestHandler_MarketSession(t *testing.T) {
	_, r := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/api/v1/market/close", map[string]string{"event": ""})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("close without event: expected 400, got %d", rec.Code)
	}

	rec = doJSON(t, r, http.MethodPost, "/api/v1/market/close", map[string]string{"event": "finale"})
	if rec.Code != http.StatusOK {
		t.Fatalf("close: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/market/status", nil)
	var cfg model.MarketConfig
	if err := json.NewDecoder(rec.Body).Decode(&cfg); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if cfg.IsOpen || cfg.LastEvent != "finale" {
		t.Errorf("status = %+v, want closed for finale", cfg)
	}

	rec = doJSON(t, r, http.MethodPost, "/api/v1/trade", map[string]any{
		"user_id": "u1", "character": "luffy", "side": "BUY", "amount_in": 10, "client_nonce": "n1",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("trade while closed: expected 403, got %d", rec.Code)
	}

	rec = doJSON(t, r, http.MethodPost, "/api/v1/quote", map[string]any{"character": "luffy", "side": "BUY", "amount": 10})
	if rec.Code != http.StatusOK {
		t.Fatalf("quote while closed: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, r, http.MethodPost, "/api/v1/market/open", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("open: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_ClosePositionAndPortfolio(t *testing.T) {
	_, r := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/api/v1/positions/close", map[string]string{"user_id": "u1", "character": "luffy"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("close without position: expected 400, got %d", rec.Code)
	}

	doJSON(t, r, http.MethodPost, "/api/v1/trade", map[string]any{
		"user_id": "u1", "character": "luffy", "side": "BUY", "amount_in": 100, "client_nonce": "n1",
	})

	rec = doJSON(t, r, http.MethodGet, "/api/v1/portfolio/u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("portfolio: expected 200, got %d", rec.Code)
	}
	var p model.Portfolio
	if err := json.NewDecoder(rec.Body).Decode(&p); err != nil {
		t.Fatalf("decode portfolio: %v", err)
	}
	if len(p.Positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(p.Positions))
	}

	rec = doJSON(t, r, http.MethodPost, "/api/v1/positions/close", map[string]string{"user_id": "u1", "character": "luffy"})
	if rec.Code != http.StatusOK {
		t.Fatalf("close: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/portfolio/u1/closed", nil)
	var closed []model.ClosedPosition
	if err := json.NewDecoder(rec.Body).Decode(&closed); err != nil {
		t.Fatalf("decode closed positions: %v", err)
	}
	if len(closed) != 1 {
		t.Errorf("expected 1 closed position, got %d", len(closed))
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/portfolio/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown user: expected 404, got %d", rec.Code)
	}
}

func TestHandler_Wallets(t *testing.T) {
	_, r := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/api/v1/wallets", map[string]string{"user_id": "u2"})
	if rec.Code != http.StatusOK {
		t.Fatalf("create wallet: expected 200, got %d", rec.Code)
	}
	var w model.Wallet
	json.NewDecoder(rec.Body).Decode(&w)
	if !w.BerriesBalance.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("starting balance = %s, want 1000", w.BerriesBalance)
	}

	rec = doJSON(t, r, http.MethodPost, "/api/v1/wallets/u2/credit", map[string]string{"amount": "50"})
	if rec.Code != http.StatusOK {
		t.Fatalf("credit: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	json.NewDecoder(rec.Body).Decode(&w)
	if !w.BerriesBalance.Equal(decimal.NewFromInt(1050)) {
		t.Errorf("balance after credit = %s, want 1050", w.BerriesBalance)
	}

	rec = doJSON(t, r, http.MethodPost, "/api/v1/wallets/u2/credit", map[string]string{"amount": "-50"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("negative credit: expected 400, got %d", rec.Code)
	}
}

func TestHandler_Characters(t *testing.T) {
	_, r := newTestRouter(t)

	rec := doJSON(t, r, http.MethodGet, "/api/v1/characters", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	var list []trade.CharacterSummary
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].Slug != "luffy" {
		t.Fatalf("unexpected list: %+v", list)
	}
	if !list[0].Price.Equal(decimal.NewFromInt(50)) {
		t.Errorf("price = %s, want 50", list[0].Price)
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/characters/luffy?since=2026-05-10T00:00:00Z", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("detail: expected 200, got %d", rec.Code)
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/characters/luffy?since=yesterday", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad since: expected 400, got %d", rec.Code)
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/characters/nobody", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown character: expected 404, got %d", rec.Code)
	}
}
