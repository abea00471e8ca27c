package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/synth-engine/internal/fixed"
)

// SetPriceRequest is the JSON body for PUT /feeds/{feedID}.
type SetPriceRequest struct {
	Price decimal.Decimal `json:"price"` // USD per unit
}

// TokenRequest is the JSON body for the faucet and approve routes.
type TokenRequest struct {
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
}

var feedScale = decimal.New(1, fixed.FeedDecimals)

// SetPrice handles PUT /api/v1/feeds/{feedID}
// Publishes a new round on the in-process feed. Development only.
func (s *Service) SetPrice(w http.ResponseWriter, r *http.Request) {
	if s.dev == nil || s.dev.Feed == nil {
		writeError(w, "dev routes disabled", http.StatusNotFound)
		return
	}
	feedID := chi.URLParam(r, "feedID")

	var req SetPriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	answer := req.Price.Mul(feedScale)
	if !answer.IsInteger() || !answer.IsPositive() || answer.BigInt().BitLen() > 63 {
		writeError(w, "price must be positive with at most 8 decimals", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.dev.Feed.SetPrice(feedID, answer.IntPart())
	slog.Info("feed price set", "feed", feedID, "price", req.Price.String())
	writeJSON(w, http.StatusOK, map[string]any{"feed": feedID, "price": req.Price})
}

// Faucet handles POST /api/v1/tokens/{token}/faucet
// Credits a wallet balance out of thin air. Development only.
func (s *Service) Faucet(w http.ResponseWriter, r *http.Request) {
	s.tokenOp(w, r, "faucet")
}

// Approve handles POST /api/v1/tokens/{token}/approve
// Lets the engine pull amount from the user's wallet. Development only.
func (s *Service) Approve(w http.ResponseWriter, r *http.Request) {
	s.tokenOp(w, r, "approve")
}

func (s *Service) tokenOp(w http.ResponseWriter, r *http.Request, op string) {
	if s.dev == nil {
		writeError(w, "dev routes disabled", http.StatusNotFound)
		return
	}
	tokenID := chi.URLParam(r, "token")
	tok, ok := s.dev.Tokens[tokenID]
	if !ok {
		writeError(w, "unknown token: "+tokenID, http.StatusNotFound)
		return
	}

	var req TokenRequest
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

	var err error
	switch op {
	case "faucet":
		err = tok.Faucet(req.UserID, amount)
	case "approve":
		err = tok.Approve(req.UserID, s.engine.Address(), amount)
	}
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":     tokenID,
		"user_id":   req.UserID,
		"balance":   fixed.ToUnits(tok.BalanceOf(req.UserID)),
		"allowance": fixed.ToUnits(tok.Allowance(req.UserID, s.engine.Address())),
	})
}
