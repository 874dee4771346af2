package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/trenchbank/settlement/internal/models"
	"github.com/trenchbank/settlement/internal/service"
)

// BalanceHandler handles HTTP requests for the custodial balance ledger.
type BalanceHandler struct {
	balanceSvc *service.BalanceService
}

func NewBalanceHandler(balanceSvc *service.BalanceService) *BalanceHandler {
	return &BalanceHandler{balanceSvc: balanceSvc}
}

// GetBalance handles GET /v1/balance. The account defaults to the
// authenticated account; partner tokens may query another with ?account=.
func (h *BalanceHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account")
	if accountID == "" {
		var err error
		if accountID, err = requestAccount(r); err != nil {
			RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
			return
		}
	}

	balance, err := h.balanceSvc.Get(r.Context(), accountID)
	if err != nil {
		zap.L().Error("get balance failed", zap.Error(err))
		RespondError(w, r, http.StatusInternalServerError, "balance/get-failed", "Failed to load balance")
		return
	}
	RespondJSON(w, http.StatusOK, balance)
}

// MutateBalanceRequest represents the request body for a ledger mutation.
type MutateBalanceRequest struct {
	AccountID string `json:"account_id"`
	Action    string `json:"action"` // credit | debit
	AmountUSD string `json:"amount_usd"`
}

// MutateBalance handles POST /v1/balance: the surface spending partners use
// to consume (debit) and refund (credit) the custodial balance.
func (h *BalanceHandler) MutateBalance(w http.ResponseWriter, r *http.Request) {
	var req MutateBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}
	if req.AccountID == "" {
		var err error
		if req.AccountID, err = requestAccount(r); err != nil {
			RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
			return
		}
	}
	amount, err := decimal.NewFromString(req.AmountUSD)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-amount", "amount_usd must be a decimal USD value")
		return
	}

	var balance models.Balance
	switch req.Action {
	case "credit":
		balance, err = h.balanceSvc.Credit(r.Context(), req.AccountID, amount)
	case "debit":
		balance, err = h.balanceSvc.Debit(r.Context(), req.AccountID, amount)
	default:
		RespondError(w, r, http.StatusBadRequest, "request/invalid-action", "action must be credit or debit")
		return
	}
	if err != nil {
		switch {
		case errors.Is(err, models.ErrInsufficientFunds):
			RespondError(w, r, http.StatusBadRequest, "balance/insufficient-funds", "Insufficient available balance")
		case errors.Is(err, service.ErrInvalidAmount), errors.Is(err, service.ErrAccountRequired):
			RespondError(w, r, http.StatusBadRequest, "request/invalid-params", err.Error())
		default:
			if status, problemType, message, ok := mapDBError(err); ok {
				RespondError(w, r, status, problemType, message)
				return
			}
			zap.L().Error("balance mutation failed", zap.Error(err))
			RespondError(w, r, http.StatusInternalServerError, "balance/mutation-failed", "Failed to update balance")
		}
		return
	}
	RespondJSON(w, http.StatusOK, balance)
}
