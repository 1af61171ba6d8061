package trade

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/berryx/market-engine/internal/model"
)

// Handler exposes a Service over HTTP.
type Handler struct {
	svc *Service
	hub *WSHub
}

// NewHandler creates the HTTP layer. hub may be nil to disable /ws.
func NewHandler(svc *Service, hub *WSHub) *Handler {
	return &Handler{svc: svc, hub: hub}
}

// Routes mounts every endpoint; main serves it under /api/v1.
func (h *Handler) Routes(r chi.Router) {
	if h.hub != nil {
		// WebSocket endpoint for real-time trade and market events.
		r.Get("/ws", h.hub.HandleWS)
	}

	r.Get("/characters", h.ListCharacters)
	r.Get("/characters/{ref}", h.GetCharacter)

	r.Post("/quote", h.Quote)
	r.Post("/trade", h.ExecuteTrade)
	r.Post("/positions/close", h.ClosePosition)

	r.Post("/wallets", h.CreateWallet)
	r.Post("/wallets/{userID}/credit", h.CreditWallet)
	r.Get("/portfolio/{userID}", h.GetPortfolio)
	r.Get("/portfolio/{userID}/closed", h.GetClosedPositions)

	r.Get("/market/status", h.MarketStatus)
	r.Post("/market/close", h.CloseMarket)
	r.Post("/market/open", h.ReopenMarket)
}

// --- Request types ---

// QuoteRequestBody is the JSON body for POST /quote.
type QuoteRequestBody struct {
	Character   string          `json:"character"` // id or slug
	Side        model.Side      `json:"side"`
	Amount      decimal.Decimal `json:"amount"`
	AmountType  AmountType      `json:"amount_type,omitempty"`
	SlippageBps *int            `json:"slippage_bps,omitempty"`
}

// TradeRequestBody is the JSON body for POST /trade.
type TradeRequestBody struct {
	UserID      string              `json:"user_id"`
	Character   string              `json:"character"`
	Side        model.Side          `json:"side"`
	AmountIn    decimal.Decimal     `json:"amount_in"`
	SlippageBps *int                `json:"slippage_bps,omitempty"`
	MinOut      decimal.NullDecimal `json:"min_out"`
	ClientNonce string              `json:"client_nonce"`
}

// ClosePositionBody is the JSON body for POST /positions/close.
type ClosePositionBody struct {
	UserID    string `json:"user_id"`
	Character string `json:"character"`
}

// --- HTTP Handlers ---

// ListCharacters handles GET /api/v1/characters
func (h *Handler) ListCharacters(w http.ResponseWriter, r *http.Request) {
	chars, err := h.svc.ListCharacters(r.Context())
	if err != nil {
		writeServiceError(w, err, "failed to list characters")
		return
	}
	writeJSON(w, http.StatusOK, chars)
}

// GetCharacter handles GET /api/v1/characters/{ref}?since=<RFC3339>
// Returns price, candles since the given time (default 24h) and recent trades.
func (h *Handler) GetCharacter(w http.ResponseWriter, r *http.Request) {
	since := h.svc.opts.Now().UTC().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, "since must be an RFC3339 timestamp", http.StatusBadRequest)
			return
		}
		since = t
	}

	detail, err := h.svc.Character(r.Context(), chi.URLParam(r, "ref"), since)
	if err != nil {
		writeServiceError(w, err, "failed to load character")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// Quote handles POST /api/v1/quote
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	q, err := h.svc.Quote(r.Context(), QuoteRequest{
		Character:   req.Character,
		Side:        req.Side,
		Amount:      req.Amount,
		AmountType:  req.AmountType,
		SlippageBps: req.SlippageBps,
	})
	if err != nil {
		writeServiceError(w, err, "failed to quote")
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// ExecuteTrade handles POST /api/v1/trade
func (h *Handler) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.ClientNonce == "" {
		writeError(w, "client_nonce is required", http.StatusBadRequest)
		return
	}
	if !req.Side.Valid() {
		writeError(w, "side must be BUY or SELL", http.StatusBadRequest)
		return
	}

	res, err := h.svc.ExecuteTrade(r.Context(), ExecuteRequest{
		UserID:      req.UserID,
		Character:   req.Character,
		Side:        req.Side,
		AmountIn:    req.AmountIn,
		SlippageBps: req.SlippageBps,
		MinOut:      req.MinOut,
		ClientNonce: req.ClientNonce,
	})
	if err != nil {
		writeServiceError(w, err, "failed to execute trade")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ClosePosition handles POST /api/v1/positions/close
func (h *Handler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	var req ClosePositionBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	res, err := h.svc.ClosePosition(r.Context(), req.UserID, req.Character)
	if err != nil {
		writeServiceError(w, err, "failed to close position")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CreateWallet handles POST /api/v1/wallets
func (h *Handler) CreateWallet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	wallet, err := h.svc.EnsureWallet(r.Context(), req.UserID)
	if err != nil {
		writeServiceError(w, err, "failed to create wallet")
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// CreditWallet handles POST /api/v1/wallets/{userID}/credit
func (h *Handler) CreditWallet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	wallet, err := h.svc.CreditWallet(r.Context(), chi.URLParam(r, "userID"), req.Amount)
	if err != nil {
		writeServiceError(w, err, "failed to credit wallet")
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}
// Returns market value, cost basis and unrealized P&L per position.
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Portfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err, "failed to load portfolio")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetClosedPositions handles GET /api/v1/portfolio/{userID}/closed
func (h *Handler) GetClosedPositions(w http.ResponseWriter, r *http.Request) {
	closed, err := h.svc.ClosedPositions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err, "failed to load closed positions")
		return
	}
	writeJSON(w, http.StatusOK, closed)
}

// MarketStatus handles GET /api/v1/market/status
func (h *Handler) MarketStatus(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.svc.MarketStatus(r.Context())
	if err != nil {
		writeServiceError(w, err, "failed to load market status")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// CloseMarket handles POST /api/v1/market/close
func (h *Handler) CloseMarket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Event string `json:"event"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	cfg, err := h.svc.CloseMarket(r.Context(), req.Event)
	if err != nil {
		writeServiceError(w, err, "failed to close market")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// ReopenMarket handles POST /api/v1/market/open
// Reopening a closed market gaps every active pool's price.
func (h *Handler) ReopenMarket(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.ReopenMarket(r.Context())
	if err != nil {
		writeServiceError(w, err, "failed to reopen market")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeServiceError maps a service error to a status. Internal errors are
// logged and replaced by fallback so storage details never leak.
func writeServiceError(w http.ResponseWriter, err error, fallback string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error(fallback, "err", err)
		if status == http.StatusServiceUnavailable {
			fallback = "too much contention, try again"
		}
		writeError(w, fallback, status)
		return
	}
	writeError(w, err.Error(), status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
