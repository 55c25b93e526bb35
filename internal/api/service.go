// Package api provides the HTTP handlers for account registration, market
// management, trade execution, and resolution. Handlers validate request
// shape; business preconditions live in the engine, whose error taxonomy
// maps onto HTTP status codes here.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/pmx/market-engine/internal/cpmm"
	"github.com/pmx/market-engine/internal/engine"
	"github.com/pmx/market-engine/internal/model"
)

// Service handles market engine HTTP requests.
type Service struct {
	engine          *engine.Engine
	startingBalance decimal.Decimal
	initialPool     decimal.Decimal
	wsHub           *WSHub // optional, nil disables broadcasting
}

// NewService creates an HTTP service around the engine. startingBalance
// is granted to new accounts; initialPool seeds markets created without
// an explicit pool. Pass nil for hub if broadcasting is not needed.
func NewService(eng *engine.Engine, startingBalance, initialPool decimal.Decimal, hub *WSHub) *Service {
	return &Service{
		engine:          eng,
		startingBalance: startingBalance,
		initialPool:     initialPool,
		wsHub:           hub,
	}
}

// Routes mounts all handlers on r under their canonical paths.
func (s *Service) Routes(r chi.Router) {
	r.Post("/accounts", s.CreateAccount)
	r.Get("/accounts/{accountID}", s.GetAccount)
	r.Get("/accounts/{accountID}/ledger", s.GetLedger)

	r.Get("/markets", s.ListMarkets)
	r.Post("/markets", s.CreateMarket)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Post("/markets/{marketID}/buy", s.Buy)
	r.Post("/markets/{marketID}/resolve", s.Resolve)
	r.Get("/markets/{marketID}/positions/{accountID}", s.GetPosition)

	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	Question    string          `json:"question"`
	Description string          `json:"description"`
	CloseTime   time.Time       `json:"close_time"`
	InitialPool decimal.Decimal `json:"initial_pool"` // 0 → configured default
}

// MarketResponse is a market plus its computed probabilities.
type MarketResponse struct {
	model.Market
	ProbYes decimal.Decimal `json:"prob_yes"`
	ProbNo  decimal.Decimal `json:"prob_no"`
}

// MarketListResponse is the JSON body for market listings.
type MarketListResponse struct {
	Markets []MarketResponse `json:"markets"`
	Total   int              `json:"total"`
}

// BuyRequest is the JSON body for POST /markets/{marketID}/buy.
type BuyRequest struct {
	AccountID string          `json:"account_id"`
	Outcome   model.Outcome   `json:"outcome"`
	Amount    decimal.Decimal `json:"amount"`
}

// ResolveRequest is the JSON body for POST /markets/{marketID}/resolve.
type ResolveRequest struct {
	Outcome          model.Outcome `json:"outcome"`
	ResolutionSource string        `json:"resolution_source,omitempty"`
}

// LedgerResponse is the JSON body for ledger queries.
type LedgerResponse struct {
	AccountID string              `json:"account_id"`
	Entries   []model.LedgerEntry `json:"entries"`
	Total     int                 `json:"total"`
}

func marketResponse(m *model.Market) MarketResponse {
	probYes, probNo := cpmm.Probabilities(m.PoolYes, m.PoolNo)
	return MarketResponse{Market: *m, ProbYes: probYes, ProbNo: probNo}
}

// --- HTTP Handlers ---

// CreateAccount handles POST /api/v1/accounts.
// New accounts receive the configured starting balance.
func (s *Service) CreateAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.engine.CreateAccount(r.Context(), s.startingBalance)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// GetAccount handles GET /api/v1/accounts/{accountID}.
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.engine.GetAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// GetLedger handles GET /api/v1/accounts/{accountID}/ledger.
func (s *Service) GetLedger(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	if _, err := s.engine.GetAccount(r.Context(), accountID); err != nil {
		writeEngineError(w, err)
		return
	}
	entries, err := s.engine.ListLedgerByAccount(r.Context(), accountID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, LedgerResponse{
		AccountID: accountID,
		Entries:   entries,
		Total:     len(entries),
	})
}

// CreateMarket handles POST /api/v1/markets.
// The market is seeded with equal liquidity in both pools.
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	pool := req.InitialPool
	if pool.IsZero() {
		pool = s.initialPool
	}

	market, err := s.engine.CreateMarket(r.Context(), req.Question, req.Description, req.CloseTime, pool)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, marketResponse(market))
}

// ListMarkets handles GET /api/v1/markets.
// Returns unresolved markets by default; ?all=true includes resolved ones.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	var (
		markets []model.Market
		err     error
	)
	if r.URL.Query().Get("all") == "true" {
		markets, err = s.engine.ListMarkets(r.Context())
	} else {
		markets, err = s.engine.ListOpenMarkets(r.Context())
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}

	responses := make([]MarketResponse, 0, len(markets))
	for i := range markets {
		responses = append(responses, marketResponse(&markets[i]))
	}
	writeJSON(w, http.StatusOK, MarketListResponse{Markets: responses, Total: len(responses)})
}

// GetMarket handles GET /api/v1/markets/{marketID}.
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	market, err := s.engine.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, marketResponse(market))
}

// Buy handles POST /api/v1/markets/{marketID}/buy.
func (s *Service) Buy(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	var req BuyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" {
		writeError(w, "account_id is required", http.StatusBadRequest)
		return
	}
	if !req.Outcome.Valid() {
		writeError(w, "outcome must be YES or NO", http.StatusBadRequest)
		return
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	result, err := s.engine.Buy(r.Context(), req.AccountID, marketID, req.Outcome, req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "trade_executed",
			MarketID: marketID,
			Outcome:  string(result.Outcome),
			Amount:   result.AmountSpent.String(),
			ProbYes:  result.ProbYes.String(),
			ProbNo:   result.ProbNo.String(),
		})
	}

	writeJSON(w, http.StatusOK, result)
}

// Resolve handles POST /api/v1/markets/{marketID}/resolve.
func (s *Service) Resolve(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Outcome.Valid() {
		writeError(w, "outcome must be YES or NO", http.StatusBadRequest)
		return
	}

	market, err := s.engine.Resolve(r.Context(), marketID, req.Outcome, req.ResolutionSource)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "market_resolved",
			MarketID: marketID,
			Outcome:  string(req.Outcome),
		})
	}

	writeJSON(w, http.StatusOK, marketResponse(market))
}

// GetPosition handles GET /api/v1/markets/{marketID}/positions/{accountID}.
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	accountID := chi.URLParam(r, "accountID")

	if _, err := s.engine.GetMarket(r.Context(), marketID); err != nil {
		writeEngineError(w, err)
		return
	}

	position, err := s.engine.GetPosition(r.Context(), accountID, marketID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, position)
}

// --- Error mapping ---

// writeEngineError maps the engine's error taxonomy to HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrAccountNotFound),
		errors.Is(err, model.ErrMarketNotFound),
		errors.Is(err, model.ErrPositionNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, model.ErrInsufficientFunds):
		writeError(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, model.ErrMarketClosed),
		errors.Is(err, model.ErrAlreadyResolved),
		errors.Is(err, model.ErrAccountExists):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, model.ErrInvalidArgument):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, model.ErrContention):
		writeError(w, "engine busy, retry", http.StatusServiceUnavailable)
	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
