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

// WithdrawalHandler handles HTTP requests for withdrawal requests and
// treasury disbursement.
type WithdrawalHandler struct {
	withdrawalSvc *service.WithdrawalService
}

func NewWithdrawalHandler(withdrawalSvc *service.WithdrawalService) *WithdrawalHandler {
	return &WithdrawalHandler{withdrawalSvc: withdrawalSvc}
}

// CreateWithdrawalRequest represents the request body for a new withdrawal.
type CreateWithdrawalRequest struct {
	DestinationAddress string `json:"destination_address"`
	AmountUSD          string `json:"amount_usd"` // gross amount debited from the balance
	Currency           string `json:"currency"`
	Network            string `json:"network"`
}

// Create handles POST /v1/withdrawals. Funds are reserved atomically with
// the insert, so a 201 means the ledger already holds the gross amount.
func (h *WithdrawalHandler) Create(w http.ResponseWriter, r *http.Request) {
	accountID, err := requestAccount(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}

	var req CreateWithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}
	amount, err := decimal.NewFromString(req.AmountUSD)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-amount", "amount_usd must be a decimal USD value")
		return
	}

	withdrawal, err := h.withdrawalSvc.Create(r.Context(), service.CreateWithdrawalRequest{
		AccountID:          accountID,
		DestinationAddress: strings.TrimSpace(req.DestinationAddress),
		AmountUSD:          amount,
		Currency:           strings.ToUpper(strings.TrimSpace(req.Currency)),
		Network:            strings.ToLower(strings.TrimSpace(req.Network)),
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrWithdrawalTooSmall):
			RespondError(w, r, http.StatusBadRequest, "withdrawal/below-minimum", err.Error())
		case errors.Is(err, service.ErrInvalidDestination):
			RespondError(w, r, http.StatusBadRequest, "withdrawal/invalid-destination", err.Error())
		case errors.Is(err, service.ErrUnsupportedPair):
			RespondError(w, r, http.StatusBadRequest, "withdrawal/unsupported-pair", err.Error())
		case errors.Is(err, models.ErrInsufficientFunds):
			RespondError(w, r, http.StatusBadRequest, "balance/insufficient-funds", "Insufficient available balance")
		default:
			if status, problemType, message, ok := mapDBError(err); ok {
				RespondError(w, r, status, problemType, message)
				return
			}
			zap.L().Error("create withdrawal failed", zap.Error(err))
			RespondError(w, r, http.StatusInternalServerError, "withdrawal/create-failed", "Failed to create withdrawal request")
		}
		return
	}
	RespondJSON(w, http.StatusCreated, withdrawal)
}

// ProcessWithdrawalResponse reports the disbursement outcome. Refunded is
// true when the request failed terminally and the reserved funds were
// already returned to the balance.
type ProcessWithdrawalResponse struct {
	TxID     *string                   `json:"tx_id,omitempty"`
	Status   string                    `json:"status"`
	Refunded bool                      `json:"refunded"`
	Message  string                    `json:"message,omitempty"`
	Request  *models.WithdrawalRequest `json:"request,omitempty"`
}

// Process handles POST /v1/withdrawals/{id}/process.
func (h *WithdrawalHandler) Process(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-id", "Withdrawal id must be a UUID")
		return
	}

	withdrawal, err := h.withdrawalSvc.Process(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrDisbursementFailed):
			RespondJSON(w, http.StatusUnprocessableEntity, ProcessWithdrawalResponse{
				Status:   withdrawal.Status,
				Refunded: true,
				Message:  err.Error(),
				Request:  &withdrawal,
			})
		case errors.Is(err, service.ErrWithdrawalNotPending):
			RespondError(w, r, http.StatusConflict, "withdrawal/not-pending", "Withdrawal request is not pending")
		case errors.Is(err, models.ErrNotFound):
			RespondError(w, r, http.StatusNotFound, "withdrawal/not-found", "Withdrawal request not found")
		case chain.IsUnavailable(err):
			// The broadcast outcome is unknown; the request stays in
			// PROCESSING and the reconciliation sweep settles it.
			RespondError(w, r, http.StatusServiceUnavailable, "chain/unavailable", "Disbursement outcome is pending; the request will be reconciled")
		default:
			zap.L().Error("process withdrawal failed", zap.Error(err))
			RespondError(w, r, http.StatusInternalServerError, "withdrawal/process-failed", "Failed to process withdrawal")
		}
		return
	}

	RespondJSON(w, http.StatusOK, ProcessWithdrawalResponse{
		TxID:    withdrawal.TxID,
		Status:  withdrawal.Status,
		Request: &withdrawal,
	})
}

// Get handles GET /v1/withdrawals/{id}.
func (h *WithdrawalHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-id", "Withdrawal id must be a UUID")
		return
	}
	withdrawal, err := h.withdrawalSvc.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			RespondError(w, r, http.StatusNotFound, "withdrawal/not-found", "Withdrawal request not found")
			return
		}
		zap.L().Error("get withdrawal failed", zap.Error(err))
		RespondError(w, r, http.StatusInternalServerError, "withdrawal/get-failed", "Failed to load withdrawal request")
		return
	}
	RespondJSON(w, http.StatusOK, withdrawal)
}

// List handles GET /v1/withdrawals for the authenticated account.
func (h *WithdrawalHandler) List(w http.ResponseWriter, r *http.Request) {
	accountID, err := requestAccount(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}
	limit, offset := pagination(r)
	withdrawals, err := h.withdrawalSvc.List(r.Context(), accountID, limit, offset)
	if err != nil {
		zap.L().Error("list withdrawals failed", zap.Error(err))
		RespondError(w, r, http.StatusInternalServerError, "withdrawal/list-failed", "Failed to list withdrawal requests")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"withdrawals": withdrawals})
}
