package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/trenchbank/settlement/internal/chain"
	"github.com/trenchbank/settlement/internal/models"
	"github.com/trenchbank/settlement/internal/service"
)

// DepositHandler handles HTTP requests for deposit intents and their
// on-chain verification.
type DepositHandler struct {
	depositSvc *service.DepositService
}

func NewDepositHandler(depositSvc *service.DepositService) *DepositHandler {
	return &DepositHandler{depositSvc: depositSvc}
}

// CreateDepositRequest represents the request body for a new deposit intent.
type CreateDepositRequest struct {
	AmountUSD string `json:"amount_usd"` // net amount the account wants credited
	Currency  string `json:"currency"`
	Network   string `json:"network"`
}

// Create handles POST /v1/deposits.
func (h *DepositHandler) Create(w http.ResponseWriter, r *http.Request) {
	accountID, err := requestAccount(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}

	var req CreateDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}
	amount, err := decimal.NewFromString(req.AmountUSD)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-amount", "amount_usd must be a decimal USD value")
		return
	}

	deposit, err := h.depositSvc.Create(r.Context(), service.CreateDepositRequest{
		AccountID: accountID,
		NetUSD:    amount,
		Currency:  strings.ToUpper(strings.TrimSpace(req.Currency)),
		Network:   strings.ToLower(strings.TrimSpace(req.Network)),
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrDepositTooSmall):
			RespondError(w, r, http.StatusBadRequest, "deposit/below-minimum", err.Error())
		case errors.Is(err, service.ErrUnsupportedPair):
			RespondError(w, r, http.StatusBadRequest, "deposit/unsupported-pair", err.Error())
		case errors.Is(err, service.ErrDepositsDisabled):
			RespondError(w, r, http.StatusServiceUnavailable, "deposit/unavailable", "Deposits are temporarily unavailable for this network")
		default:
			if status, problemType, message, ok := mapDBError(err); ok {
				RespondError(w, r, status, problemType, message)
				return
			}
			zap.L().Error("create deposit failed", zap.Error(err))
			RespondError(w, r, http.StatusInternalServerError, "deposit/create-failed", "Failed to create deposit request")
		}
		return
	}
	RespondJSON(w, http.StatusCreated, deposit)
}

// VerifyDepositRequest carries the transaction id the payer claims settles
// the deposit.
type VerifyDepositRequest struct {
	TxID string `json:"tx_id"`
}

// VerifyDepositResponse reports the verification verdict. ActualAmount is
// set only when the transfer was found on chain.
type VerifyDepositResponse struct {
	Verified     bool                   `json:"verified"`
	TxID         string                 `json:"tx_id"`
	Message      string                 `json:"message"`
	ActualAmount *decimal.Decimal       `json:"actual_amount,omitempty"`
	Deposit      *models.DepositRequest `json:"deposit,omitempty"`
}

// Verify handles POST /v1/deposits/{id}/verify.
func (h *DepositHandler) Verify(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-id", "Deposit id must be a UUID")
		return
	}
	var req VerifyDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}
	txID := strings.TrimSpace(req.TxID)

	deposit, actual, err := h.depositSvc.Verify(r.Context(), id, txID)
	if err != nil {
		var verr *service.VerificationError
		switch {
		case errors.As(err, &verr):
			status := http.StatusUnprocessableEntity
			if verr.Retryable {
				status = http.StatusAccepted
			}
			RespondJSON(w, status, VerifyDepositResponse{
				Verified: false,
				TxID:     txID,
				Message:  verr.Reason,
			})
		case errors.Is(err, models.ErrDuplicateTransaction):
			RespondError(w, r, http.StatusBadRequest, "deposit/duplicate-transaction", "This transaction has already been used for another deposit")
		case errors.Is(err, service.ErrTxIDRequired):
			RespondError(w, r, http.StatusBadRequest, "request/invalid-params", err.Error())
		case errors.Is(err, service.ErrDepositExpired):
			RespondError(w, r, http.StatusBadRequest, "deposit/expired", "Deposit request has expired")
		case errors.Is(err, service.ErrDepositNotVerifiable):
			RespondError(w, r, http.StatusConflict, "deposit/not-verifiable", "Deposit request is not in a verifiable state")
		case errors.Is(err, models.ErrNotFound):
			RespondError(w, r, http.StatusNotFound, "deposit/not-found", "Deposit request not found")
		case chain.IsUnavailable(err):
			RespondError(w, r, http.StatusServiceUnavailable, "chain/unavailable", "Chain verification is temporarily unavailable; please retry")
		default:
			zap.L().Error("verify deposit failed", zap.Error(err))
			RespondError(w, r, http.StatusInternalServerError, "deposit/verify-failed", "Failed to verify deposit")
		}
		return
	}

	RespondJSON(w, http.StatusOK, VerifyDepositResponse{
		Verified:     true,
		TxID:         txID,
		Message:      "deposit verified and credited",
		ActualAmount: &actual,
		Deposit:      &deposit,
	})
}

// Cancel handles POST /v1/deposits/{id}/cancel.
func (h *DepositHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-id", "Deposit id must be a UUID")
		return
	}
	deposit, err := h.depositSvc.Cancel(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrDepositNotVerifiable):
			RespondError(w, r, http.StatusConflict, "deposit/not-cancellable", "Only pending deposit requests can be cancelled")
		case errors.Is(err, models.ErrNotFound):
			RespondError(w, r, http.StatusNotFound, "deposit/not-found", "Deposit request not found")
		default:
			zap.L().Error("cancel deposit failed", zap.Error(err))
			RespondError(w, r, http.StatusInternalServerError, "deposit/cancel-failed", "Failed to cancel deposit request")
		}
		return
	}
	RespondJSON(w, http.StatusOK, deposit)
}

// Get handles GET /v1/deposits/{id}.
func (h *DepositHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-id", "Deposit id must be a UUID")
		return
	}
	deposit, err := h.depositSvc.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			RespondError(w, r, http.StatusNotFound, "deposit/not-found", "Deposit request not found")
			return
		}
		zap.L().Error("get deposit failed", zap.Error(err))
		RespondError(w, r, http.StatusInternalServerError, "deposit/get-failed", "Failed to load deposit request")
		return
	}
	RespondJSON(w, http.StatusOK, deposit)
}

// List handles GET /v1/deposits for the authenticated account.
func (h *DepositHandler) List(w http.ResponseWriter, r *http.Request) {
	accountID, err := requestAccount(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}
	limit, offset := pagination(r)
	deposits, err := h.depositSvc.List(r.Context(), accountID, limit, offset)
	if err != nil {
		zap.L().Error("list deposits failed", zap.Error(err))
		RespondError(w, r, http.StatusInternalServerError, "deposit/list-failed", "Failed to list deposit requests")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"deposits": deposits})
}
