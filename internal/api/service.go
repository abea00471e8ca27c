// Package api provides the HTTP handlers for the synthetic engine: position
// operations, liquidation, account queries, and development-only tooling for
// feeds and token balances.
//
// Amounts cross the wire as decimal strings in token units (18 decimals);
// never float64 for money.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/synth-engine/internal/engine"
	"github.com/atmx/synth-engine/internal/fixed"
	"github.com/atmx/synth-engine/internal/oracle"
	"github.com/atmx/synth-engine/internal/store"
	"github.com/atmx/synth-engine/internal/token"
)

// DevTools exposes the in-process collaborators behind the dev-only routes.
type DevTools struct {
	Feed   *oracle.Feed
	Tokens map[string]*token.Ledger
}

// Service handles engine operations. The engine is single-threaded, so every
// call into it, reads included, holds the mutex.
type Service struct {
	engine *engine.Engine
	store  store.Store
	dev    *DevTools // optional; nil disables dev routes
	mu     sync.Mutex
}

// NewService creates a new API service.
// Pass nil for dev to reject the development routes.
func NewService(eng *engine.Engine, st store.Store, dev *DevTools) *Service {
	return &Service{
		engine: eng,
		store:  st,
		dev:    dev,
	}
}

// --- Request/Response types ---

// DepositRequest is the JSON body for POST /collateral/deposit.
type DepositRequest struct {
	UserID     string          `json:"user_id"`
	Token      string          `json:"token"`
	Amount     decimal.Decimal `json:"amount"`
	MintAmount decimal.Decimal `json:"mint_amount"` // optional; mints in the same operation
}

// RedeemRequest is the JSON body for POST /collateral/redeem.
type RedeemRequest struct {
	UserID     string          `json:"user_id"`
	Token      string          `json:"token"`
	Amount     decimal.Decimal `json:"amount"`
	BurnAmount decimal.Decimal `json:"burn_amount"` // optional; burns first in the same operation
}

// DebtRequest is the JSON body for POST /debt/mint and /debt/burn.
type DebtRequest struct {
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
}

// LiquidationRequest is the JSON body for POST /liquidations.
type LiquidationRequest struct {
	LiquidatorID string          `json:"liquidator_id"`
	UserID       string          `json:"user_id"`
	Token        string          `json:"token"`
	DebtToCover  decimal.Decimal `json:"debt_to_cover"`
}

// PositionResponse is a user's raw ledger rows, returned after mutations.
type PositionResponse struct {
	UserID     string                     `json:"user_id"`
	Debt       decimal.Decimal            `json:"debt"`
	Collateral map[string]decimal.Decimal `json:"collateral"`
}

// AccountResponse is a priced view of a user's position.
type AccountResponse struct {
	PositionResponse
	CollateralValueUsd decimal.Decimal `json:"collateral_value_usd"`
	HealthFactor       string          `json:"health_factor"` // "max" when debt-free
	Liquidatable       bool            `json:"liquidatable"`
}

// LiquidationResponse describes a committed liquidation.
type LiquidationResponse struct {
	UserID       string          `json:"user_id"`
	LiquidatorID string          `json:"liquidator_id"`
	Token        string          `json:"token"`
	DebtCovered  decimal.Decimal `json:"debt_covered"`
	Seized       decimal.Decimal `json:"seized"`
	Bonus        decimal.Decimal `json:"bonus"`
	HealthBefore decimal.Decimal `json:"health_before"`
	HealthAfter  string          `json:"health_after"`
}

// SolvencyResponse is the system-wide collateral check.
type SolvencyResponse struct {
	TotalCollateralUsd decimal.Decimal `json:"total_collateral_usd"`
	TotalDebt          decimal.Decimal `json:"total_debt"`
	Solvent            bool            `json:"solvent"`
	Liquidatable       []string        `json:"liquidatable"`
}

// --- Position operations ---

// Deposit handles POST /api/v1/collateral/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, ok := parseAmount(w, "amount", req.Amount)
	if !ok {
		return
	}
	mintAmount, ok := parseAmount(w, "mint_amount", req.MintAmount)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if mintAmount.IsZero() {
		err = s.engine.DepositCollateral(r.Context(), req.UserID, req.Token, amount)
	} else {
		err = s.engine.DepositCollateralAndMint(r.Context(), req.UserID, req.Token, amount, mintAmount)
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.position(req.UserID))
}

// Redeem handles POST /api/v1/collateral/redeem
func (s *Service) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, ok := parseAmount(w, "amount", req.Amount)
	if !ok {
		return
	}
	burnAmount, ok := parseAmount(w, "burn_amount", req.BurnAmount)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if burnAmount.IsZero() {
		err = s.engine.RedeemCollateral(r.Context(), req.UserID, req.Token, amount)
	} else {
		err = s.engine.RedeemCollateralForDebt(r.Context(), req.UserID, req.Token, amount, burnAmount)
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.position(req.UserID))
}

// Mint handles POST /api/v1/debt/mint
func (s *Service) Mint(w http.ResponseWriter, r *http.Request) {
	s.debt(w, r, s.engine.Mint)
}

// Burn handles POST /api/v1/debt/burn
func (s *Service) Burn(w http.ResponseWriter, r *http.Request) {
	s.debt(w, r, s.engine.Burn)
}

func (s *Service) debt(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, user string, amount *uint256.Int) error) {
	var req DebtRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, ok := parseAmount(w, "amount", req.Amount)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := op(r.Context(), req.UserID, amount); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.position(req.UserID))
}

// Liquidate handles POST /api/v1/liquidations
func (s *Service) Liquidate(w http.ResponseWriter, r *http.Request) {
	var req LiquidationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	debt, ok := parseAmount(w, "debt_to_cover", req.DebtToCover)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.engine.Liquidate(r.Context(), req.LiquidatorID, req.Token, req.UserID, debt)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LiquidationResponse{
		UserID:       res.Target,
		LiquidatorID: res.Liquidator,
		Token:        res.Token,
		DebtCovered:  fixed.ToUnits(res.DebtCovered),
		Seized:       fixed.ToUnits(res.TotalSeized()),
		Bonus:        fixed.ToUnits(res.Bonus),
		HealthBefore: fixed.ToUnits(res.HealthBefore),
		HealthAfter:  formatHealth(res.HealthAfter),
	})
}

// --- Queries ---

// GetAccount handles GET /api/v1/accounts/{userID}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	s.mu.Lock()
	defer s.mu.Unlock()

	debt, collateralUsd, err := s.engine.AccountInfo(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	hf, err := engine.CalculateHealthFactor(debt, collateralUsd)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AccountResponse{
		PositionResponse:   s.position(userID),
		CollateralValueUsd: fixed.ToUnits(collateralUsd),
		HealthFactor:       formatHealth(hf),
		Liquidatable:       hf.Lt(engine.MinHealthFactor),
	})
}

// GetHistory handles GET /api/v1/accounts/{userID}/history
// Returns the persisted events whose subject is the user.
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	events, err := s.store.GetEventsByUser(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	out := make([]WSMessage, 0, len(events))
	for _, ev := range events {
		out = append(out, NewWSMessage(ev))
	}
	writeJSON(w, http.StatusOK, out)
}

// ListCollateralTokens handles GET /api/v1/collateral-tokens
func (s *Service) ListCollateralTokens(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.CollateralTokens())
}

// GetUsdValue handles GET /api/v1/tokens/{token}/usd-value?amount=
func (s *Service) GetUsdValue(w http.ResponseWriter, r *http.Request) {
	tokenID := chi.URLParam(r, "token")
	amount, ok := parseQuery(w, r, "amount")
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	usd, err := s.engine.UsdValue(r.Context(), tokenID, amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     tokenID,
		"amount":    fixed.ToUnits(amount),
		"usd_value": fixed.ToUnits(usd),
	})
}

// GetAmountFromUsd handles GET /api/v1/tokens/{token}/amount-from-usd?usd=
func (s *Service) GetAmountFromUsd(w http.ResponseWriter, r *http.Request) {
	tokenID := chi.URLParam(r, "token")
	usd, ok := parseQuery(w, r, "usd")
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	amount, err := s.engine.TokenAmountFromUsd(r.Context(), tokenID, usd)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":  tokenID,
		"usd":    fixed.ToUnits(usd),
		"amount": fixed.ToUnits(amount),
	})
}

// GetSolvency handles GET /api/v1/solvency
func (s *Service) GetSolvency(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sol, err := s.engine.CheckSolvency(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if !sol.Solvent {
		slog.Error("system undercollateralized",
			"collateral_usd", fixed.ToUnits(sol.TotalCollateralUsd).String(),
			"debt", fixed.ToUnits(sol.TotalDebt).String(),
		)
	}
	writeJSON(w, http.StatusOK, SolvencyResponse{
		TotalCollateralUsd: fixed.ToUnits(sol.TotalCollateralUsd),
		TotalDebt:          fixed.ToUnits(sol.TotalDebt),
		Solvent:            sol.Solvent,
		Liquidatable:       sol.Liquidatable,
	})
}

// --- Helpers ---

func (s *Service) position(user string) PositionResponse {
	p := PositionResponse{
		UserID:     user,
		Debt:       fixed.ToUnits(s.engine.Debt(user)),
		Collateral: make(map[string]decimal.Decimal),
	}
	for _, ct := range s.engine.CollateralTokens() {
		p.Collateral[ct.Token] = fixed.ToUnits(s.engine.CollateralBalance(user, ct.Token))
	}
	return p
}

// parseAmount converts a token-unit decimal to fixed point, writing a 400 on
// failure. Zero is passed through; the engine owns that rule.
func parseAmount(w http.ResponseWriter, field string, d decimal.Decimal) (*uint256.Int, bool) {
	v, err := fixed.FromUnits(d)
	if err != nil {
		writeError(w, field+": "+err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return v, true
}

func parseQuery(w http.ResponseWriter, r *http.Request, key string) (*uint256.Int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		writeError(w, key+" is required", http.StatusBadRequest)
		return nil, false
	}
	v, err := fixed.ParseUnits(raw)
	if err != nil {
		writeError(w, key+": "+err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return v, true
}

func formatHealth(hf *uint256.Int) string {
	if hf.Eq(engine.MaxHealthFactor) {
		return "max"
	}
	return fixed.ToUnits(hf).String()
}

// errorResponse is the JSON error body. HealthFactor is set for solvency and
// liquidation rejections.
type errorResponse struct {
	Error        string `json:"error"`
	Class        string `json:"class,omitempty"`
	HealthFactor string `json:"health_factor,omitempty"`
	HealthAfter  string `json:"health_after,omitempty"`
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	class := engine.Classify(err)
	resp := errorResponse{Error: err.Error(), Class: class}

	status := http.StatusInternalServerError
	switch class {
	case engine.ClassValidation:
		status = http.StatusBadRequest
	case engine.ClassSolvency, engine.ClassLiquidation, engine.ClassReentrant:
		status = http.StatusConflict
	case engine.ClassOracle:
		status = http.StatusServiceUnavailable
	case engine.ClassExternal:
		status = http.StatusUnprocessableEntity
		if errors.Is(err, engine.ErrRecordFailed) {
			status = http.StatusInternalServerError
		}
	}

	var hfErr *engine.BreaksHealthFactorError
	var nerr *engine.HealthFactorNotImprovedError
	switch {
	case errors.As(err, &hfErr):
		resp.HealthFactor = formatHealth(hfErr.HealthFactor)
	case errors.As(err, &nerr):
		resp.HealthFactor = formatHealth(nerr.Before)
		resp.HealthAfter = formatHealth(nerr.After)
	}

	if status >= http.StatusInternalServerError {
		slog.Error("engine operation failed", "err", err)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, errorResponse{Error: message})
}
