// Package api provides the HTTP handlers for creating markets, executing
// trades, resolving markets and querying positions and portfolios, plus the
// WebSocket hub that streams committed market events.
//
// Callers are authenticated upstream; the principal arrives in the
// X-Principal-ID header. All monetary values use shopspring/decimal.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/atmx/outcome-engine/internal/engine"
	"github.com/atmx/outcome-engine/internal/model"
	"github.com/atmx/outcome-engine/internal/settlement"
)

// PrincipalHeader carries the authenticated caller id.
const PrincipalHeader = "X-Principal-ID"

// Handler serves the market API over an Engine.
type Handler struct {
	engine    *engine.Engine
	resolvers map[string]bool
	validate  *validator.Validate
}

// NewHandler creates the API handler. When resolverIDs is empty only a
// market's creator may resolve it; otherwise only the listed principals may.
func NewHandler(eng *engine.Engine, resolverIDs []string) *Handler {
	h := &Handler{
		engine:    eng,
		resolvers: make(map[string]bool, len(resolverIDs)),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, id := range resolverIDs {
		h.resolvers[id] = true
	}
	return h
}

// Routes mounts the market endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/markets", h.ListMarkets)
	r.Post("/markets", h.CreateMarket)
	r.Get("/markets/{marketID}", h.GetMarket)
	r.Get("/markets/{marketID}/price", h.GetPrice)
	r.Get("/markets/{marketID}/quote", h.GetQuote)
	r.Get("/markets/{marketID}/history", h.GetMarketHistory)
	r.Get("/markets/{marketID}/payouts", h.GetPayouts)
	r.Get("/markets/{marketID}/positions/me", h.GetPosition)
	r.Post("/markets/{marketID}/trades", h.ExecuteTrade)
	r.Post("/markets/{marketID}/resolve", h.Resolve)
	r.Get("/portfolio/me", h.GetPortfolio)
	r.Get("/portfolio/me/trades", h.GetOwnerHistory)
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	SubjectID     string          `json:"subject_id" validate:"required"`
	Question      string          `json:"question" validate:"required,max=500"`
	ExpiresAt     time.Time       `json:"expires_at" validate:"required"`
	SeedLiquidity decimal.Decimal `json:"seed_liquidity"`
}

// TradeRequest is the JSON body for POST /markets/{marketID}/trades.
type TradeRequest struct {
	Outcome string          `json:"outcome" validate:"required,oneof=yes no"`
	Side    string          `json:"side" validate:"required,oneof=buy sell"`
	Shares  decimal.Decimal `json:"shares"`
}

// TradeResponse is the receipt plus the caller's updated position.
type TradeResponse struct {
	Receipt  *model.TradeReceipt `json:"receipt"`
	Position *model.PositionPair `json:"position"`
}

// ResolveRequest is the JSON body for POST /markets/{marketID}/resolve.
type ResolveRequest struct {
	Outcome string `json:"outcome" validate:"required,oneof=yes no invalid"`
}

// ResolveResponse reports the settlement of a market.
type ResolveResponse struct {
	MarketID   string               `json:"market_id"`
	Resolution model.Resolution     `json:"resolution"`
	Payouts    []model.PayoutRecord `json:"payouts"`
	Summary    settlement.Summary   `json:"summary"`
}

// --- HTTP Handlers ---

// CreateMarket handles POST /api/v1/markets
func (h *Handler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req CreateMarketRequest
	if !h.decode(w, r, &req) {
		return
	}

	m, err := h.engine.CreateMarket(r.Context(), engine.CreateMarketRequest{
		SubjectID:     req.SubjectID,
		Question:      req.Question,
		ExpiresAt:     req.ExpiresAt,
		SeedLiquidity: req.SeedLiquidity,
		CreatorID:     principal,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// ListMarkets handles GET /api/v1/markets
// Optionally filtered by ?subject_id=<id>.
func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	var (
		markets []model.Market
		err     error
	)
	if subject := r.URL.Query().Get("subject_id"); subject != "" {
		markets, err = h.engine.ListMarketsBySubject(r.Context(), subject)
	} else {
		markets, err = h.engine.ListMarkets(r.Context())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.engine.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetPrice handles GET /api/v1/markets/{marketID}/price
func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	m, err := h.engine.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m.Price)
}

// GetQuote handles GET /api/v1/markets/{marketID}/quote?outcome=yes&side=buy&shares=10
// The side defaults to buy.
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	outcome, err := model.ParseOutcome(q.Get("outcome"))
	if err != nil {
		writeError(w, err)
		return
	}
	sideParam := q.Get("side")
	if sideParam == "" {
		sideParam = string(model.SideBuy)
	}
	side, err := model.ParseSide(sideParam)
	if err != nil {
		writeError(w, err)
		return
	}
	shares, err := decimal.NewFromString(q.Get("shares"))
	if err != nil {
		writeError(w, fmt.Errorf("%w: shares must be a decimal number", model.ErrInvalidArgument))
		return
	}

	quote, err := h.engine.Quote(r.Context(), chi.URLParam(r, "marketID"), outcome, side, shares)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// GetMarketHistory handles GET /api/v1/markets/{marketID}/history
// Returns trade receipts to reconstruct price history.
func (h *Handler) GetMarketHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.engine.MarketHistory(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetPayouts handles GET /api/v1/markets/{marketID}/payouts
func (h *Handler) GetPayouts(w http.ResponseWriter, r *http.Request) {
	payouts, err := h.engine.Payouts(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payouts)
}

// GetPosition handles GET /api/v1/markets/{marketID}/positions/me
func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	pair, err := h.engine.GetPosition(r.Context(), chi.URLParam(r, "marketID"), principal)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// ExecuteTrade handles POST /api/v1/markets/{marketID}/trades
func (h *Handler) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req TradeRequest
	if !h.decode(w, r, &req) {
		return
	}

	marketID := chi.URLParam(r, "marketID")
	receipt, err := h.engine.ExecuteTrade(r.Context(), engine.TradeRequest{
		MarketID: marketID,
		OwnerID:  principal,
		Outcome:  model.Outcome(req.Outcome),
		Side:     model.Side(req.Side),
		Shares:   req.Shares,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	resp := TradeResponse{Receipt: receipt}
	// The trade is committed; a failed position read only trims the response.
	if pair, err := h.engine.GetPosition(r.Context(), marketID, principal); err == nil {
		resp.Position = pair
	}
	writeJSON(w, http.StatusOK, resp)
}

// Resolve handles POST /api/v1/markets/{marketID}/resolve
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req ResolveRequest
	if !h.decode(w, r, &req) {
		return
	}

	marketID := chi.URLParam(r, "marketID")
	allowed, err := h.mayResolve(r.Context(), marketID, principal)
	if err != nil {
		writeError(w, err)
		return
	}
	if !allowed {
		writeMessage(w, http.StatusForbidden, "forbidden", principal+" may not resolve this market")
		return
	}

	resolution := model.Resolution(req.Outcome)
	payouts, err := h.engine.Resolve(r.Context(), marketID, resolution, principal)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ResolveResponse{
		MarketID:   marketID,
		Resolution: resolution,
		Payouts:    payouts,
		Summary:    settlement.Summarize(payouts),
	})
}

// mayResolve applies the resolver policy: the configured allow-list, or the
// market's creator when no list is configured.
func (h *Handler) mayResolve(ctx context.Context, marketID, principal string) (bool, error) {
	if len(h.resolvers) > 0 {
		return h.resolvers[principal], nil
	}
	m, err := h.engine.GetMarket(ctx, marketID)
	if err != nil {
		return false, err
	}
	return m.CreatedBy == principal, nil
}

// GetPortfolio handles GET /api/v1/portfolio/me
// Returns live positions marked to market with unrealized P&L.
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	pf, err := h.engine.Portfolio(r.Context(), principal)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pf)
}

// GetOwnerHistory handles GET /api/v1/portfolio/me/trades
func (h *Handler) GetOwnerHistory(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	entries, err := h.engine.OwnerHistory(r.Context(), principal)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- helpers ---

func requirePrincipal(w http.ResponseWriter, r *http.Request) (string, bool) {
	p := strings.TrimSpace(r.Header.Get(PrincipalHeader))
	if p == "" {
		writeMessage(w, http.StatusUnauthorized, "unauthenticated", PrincipalHeader+" header is required")
		return "", false
	}
	return p, true
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeMessage(w, http.StatusBadRequest, string(model.KindInvalidArgument), "invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, fmt.Errorf("%w: %s", model.ErrInvalidArgument, describe(err)))
		return false
	}
	return true
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

// statusFor maps an engine error to its HTTP status code.
func statusFor(err error) int {
	switch model.KindOf(err) {
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindInvalidArgument:
		return http.StatusBadRequest
	case model.KindMarketClosed, model.KindAlreadyResolved:
		return http.StatusConflict
	case model.KindInsufficientShares:
		return http.StatusUnprocessableEntity
	case model.KindConflict:
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// writeError writes a JSON error response for err.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	kind := model.KindOf(err)
	msg := err.Error()
	if kind == model.KindInternal {
		slog.Error("request failed", "status", status, "err", err)
		msg = "internal error"
	}
	if kind == model.KindConflict {
		w.Header().Set("Retry-After", "1")
	}
	writeMessage(w, status, string(kind), msg)
}

func writeMessage(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]string{"error": message, "kind": kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
