// Package api exposes the ledger engine, account service and market data
// over HTTP and WebSocket.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/stocksim/portfolio-engine/internal/auth"
	"github.com/stocksim/portfolio-engine/internal/ledger"
	"github.com/stocksim/portfolio-engine/internal/model"
	"github.com/stocksim/portfolio-engine/internal/quote"
)

const maxBody = 1 << 20

// Market serves symbol search and the market overview.
type Market interface {
	Search(query string, limit int) []quote.Match
	Overview() []quote.Quote
}

// Handler holds the dependencies of the HTTP API.
type Handler struct {
	engine   *ledger.Engine
	accounts *auth.Service
	tokens   *auth.Tokens
	quotes   quote.Source
	market   Market
	hub      *Hub

	// exposeResetTokens returns reset tokens in the forgot-password
	// response. Development only: there is no mailer.
	exposeResetTokens bool
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithResetTokensInResponse makes POST /auth/forgot-password return the
// reset token instead of only acknowledging the request.
func WithResetTokensInResponse() HandlerOption {
	return func(h *Handler) { h.exposeResetTokens = true }
}

// NewHandler creates the API handler. hub may be nil to disable /ws.
func NewHandler(engine *ledger.Engine, accounts *auth.Service, tokens *auth.Tokens,
	quotes quote.Source, market Market, hub *Hub, opts ...HandlerOption) *Handler {
	h := &Handler{
		engine:   engine,
		accounts: accounts,
		tokens:   tokens,
		quotes:   quotes,
		market:   market,
		hub:      hub,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Routes registers the API under r, which is normally mounted at /api/v1.
func (h *Handler) Routes(r chi.Router) {
	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}

	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)
	r.Post("/auth/forgot-password", h.ForgotPassword)
	r.Get("/auth/verify-reset-token/{token}", h.VerifyResetToken)
	r.Post("/auth/reset-password", h.ResetPassword)

	// Market data is public.
	r.Get("/market/quote/{symbol}", h.Quote)
	r.Get("/market/search", h.Search)
	r.Get("/market/overview", h.Overview)

	r.Group(func(r chi.Router) {
		r.Use(h.tokens.Middleware)

		r.Get("/auth/profile", h.Profile)
		r.Post("/auth/change-password", h.ChangePassword)
		r.Post("/auth/refresh", h.Refresh)
		r.Get("/auth/verify", h.Profile)
		r.Post("/auth/logout", h.Logout)

		r.Get("/cash", h.GetCash)
		r.Post("/cash/deposit", h.Deposit)

		r.Get("/investments", h.ListInvestments)
		r.Post("/investments", h.Buy)
		r.Get("/investments/{holdingID}", h.GetInvestment)
		r.Post("/investments/{holdingID}/sell", h.Sell)

		r.Get("/transactions", h.Transactions)

		r.Get("/portfolio", h.Portfolio)
		r.Get("/portfolio/net-investment", h.NetInvestment)
		r.Get("/portfolio/cash-flow", h.CashFlow)
	})
}

// --- Request types ---

// LoginRequest is the JSON body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// ChangePasswordRequest is the JSON body for POST /auth/change-password.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// ForgotPasswordRequest is the JSON body for POST /auth/forgot-password.
type ForgotPasswordRequest struct {
	Email string `json:"email"`
}

// ForgotPasswordResponse acknowledges a reset request whether or not the
// email is registered. ResetToken is only set in development.
type ForgotPasswordResponse struct {
	Message    string `json:"message"`
	ResetToken string `json:"reset_token,omitempty"`
}

// ResetPasswordRequest is the JSON body for POST /auth/reset-password.
type ResetPasswordRequest struct {
	Token           string `json:"token"`
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
}

// DepositRequest is the JSON body for POST /cash/deposit.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// BuyRequest is the JSON body for POST /investments.
type BuyRequest struct {
	Symbol   string `json:"symbol"`
	Quantity int64  `json:"quantity"`
}

// SellRequest is the JSON body for POST /investments/{holdingID}/sell.
type SellRequest struct {
	Quantity int64 `json:"quantity"`
}

// --- Accounts ---

// Register handles POST /api/v1/auth/register
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	session, err := h.accounts.Register(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// Login handles POST /api/v1/auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decode(w, r, &req) {
		return
	}
	session, err := h.accounts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// Profile handles GET /api/v1/auth/profile
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	u, err := h.accounts.Profile(r.Context(), userID(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// ChangePassword handles POST /api/v1/auth/change-password
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req ChangePasswordRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.accounts.ChangePassword(r.Context(), userID(r), req.CurrentPassword, req.NewPassword); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "password updated"})
}

// Refresh handles POST /api/v1/auth/refresh
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	session, err := h.accounts.Refresh(r.Context(), userID(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// Logout handles POST /api/v1/auth/logout
// Tokens are stateless; the client discards its copy.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	slog.Info("user logged out", "user", userID(r))
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// ForgotPassword handles POST /api/v1/auth/forgot-password
func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req ForgotPasswordRequest
	if !decode(w, r, &req) {
		return
	}
	token, err := h.accounts.RequestPasswordReset(r.Context(), req.Email)
	if err != nil {
		fail(w, r, err)
		return
	}
	resp := ForgotPasswordResponse{Message: "if the email is registered, reset instructions have been sent"}
	if h.exposeResetTokens {
		resp.ResetToken = token
	}
	writeJSON(w, http.StatusOK, resp)
}

// VerifyResetToken handles GET /api/v1/auth/verify-reset-token/{token}
func (h *Handler) VerifyResetToken(w http.ResponseWriter, r *http.Request) {
	email, err := h.accounts.VerifyResetToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"email": email})
}

// ResetPassword handles POST /api/v1/auth/reset-password
func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.accounts.ResetPassword(r.Context(), req.Token, req.NewPassword, req.ConfirmPassword); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "password reset"})
}

// --- Cash ---

// GetCash handles GET /api/v1/cash
func (h *Handler) GetCash(w http.ResponseWriter, r *http.Request) {
	cash, err := h.engine.CashBalance(r.Context(), userID(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cash_balance": cash,
		"formatted":    model.FormatMoney(cash, model.Currency),
	})
}

// Deposit handles POST /api/v1/cash/deposit
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.engine.DepositCash(r.Context(), userID(r), req.Amount)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*ledger.DepositResult
		Message string `json:"message"`
	}{res, "Deposited " + model.FormatMoney(res.Transaction.TotalAmount, model.Currency)})
}

// --- Investments ---

// ListInvestments handles GET /api/v1/investments
// Returns the user's holdings marked to market.
func (h *Handler) ListInvestments(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.PortfolioSnapshot(r.Context(), userID(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap.Holdings)
}

// GetInvestment handles GET /api/v1/investments/{holdingID}
func (h *Handler) GetInvestment(w http.ResponseWriter, r *http.Request) {
	hv, err := h.engine.Holding(r.Context(), userID(r), chi.URLParam(r, "holdingID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hv)
}

// Buy handles POST /api/v1/investments
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	var req BuyRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.engine.Buy(r.Context(), userID(r), req.Symbol, req.Quantity)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// Sell handles POST /api/v1/investments/{holdingID}/sell
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	var req SellRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.engine.Sell(r.Context(), userID(r), chi.URLParam(r, "holdingID"), req.Quantity)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Transactions handles GET /api/v1/transactions
// Query: type, symbol, from, to (RFC 3339 or YYYY-MM-DD), limit.
func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.TxFilter{
		Type:   model.TxType(q.Get("type")),
		Symbol: q.Get("symbol"),
	}
	var err error
	if f.From, err = parseTime(q.Get("from"), false); err != nil {
		writeError(w, "invalid from: "+err.Error(), http.StatusBadRequest)
		return
	}
	if f.To, err = parseTime(q.Get("to"), true); err != nil {
		writeError(w, "invalid to: "+err.Error(), http.StatusBadRequest)
		return
	}
	if s := q.Get("limit"); s != "" {
		if f.Limit, err = strconv.Atoi(s); err != nil {
			writeError(w, "limit must be an integer", http.StatusBadRequest)
			return
		}
	}

	txs, err := h.engine.TransactionHistory(r.Context(), userID(r), f)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

// --- Portfolio ---

// Portfolio handles GET /api/v1/portfolio
func (h *Handler) Portfolio(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.PortfolioSnapshot(r.Context(), userID(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// NetInvestment handles GET /api/v1/portfolio/net-investment
func (h *Handler) NetInvestment(w http.ResponseWriter, r *http.Request) {
	net, err := h.engine.NetInvestment(r.Context(), userID(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, net)
}

// CashFlow handles GET /api/v1/portfolio/cash-flow
func (h *Handler) CashFlow(w http.ResponseWriter, r *http.Request) {
	flow, err := h.engine.CashFlow(r.Context(), userID(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

// --- Market data ---

// Quote handles GET /api/v1/market/quote/{symbol}
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	symbol, err := quote.NormalizeSymbol(chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	q, err := h.quotes.GetPrice(r.Context(), symbol)
	if err != nil {
		slog.Warn("quote lookup failed", "symbol", symbol, "err", err)
		writeError(w, "quote unavailable for "+symbol, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// Search handles GET /api/v1/market/search?q=<query>&limit=<n>
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, "q is required", http.StatusBadRequest)
		return
	}
	limit := 10
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, 50)
	}
	matches := h.market.Search(query, limit)
	if matches == nil {
		matches = []quote.Match{}
	}
	writeJSON(w, http.StatusOK, matches)
}

// Overview handles GET /api/v1/market/overview
func (h *Handler) Overview(w http.ResponseWriter, r *http.Request) {
	quotes := h.market.Overview()
	if quotes == nil {
		quotes = []quote.Quote{}
	}
	writeJSON(w, http.StatusOK, quotes)
}

// --- Helpers ---

func userID(r *http.Request) string {
	id, _ := auth.UserID(r.Context())
	return id
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func parseTime(s string, endOfDay bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, errors.New("expected RFC 3339 timestamp or YYYY-MM-DD")
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
