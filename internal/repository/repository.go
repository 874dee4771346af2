package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/trenchbank/settlement/internal/models"
)

// DBTX is the common interface satisfied by pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries bundles all settlement data access against a connection or transaction.
type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns a query set scoped to the given transaction.
func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

// ---- Balance ledger ----

const balanceColumns = `account_id, available_micros, total_deposited_micros, total_spent_micros, updated_at`

func scanBalance(row pgx.Row) (models.Balance, error) {
	var b models.Balance
	err := row.Scan(&b.AccountID, &b.AvailableUSD, &b.TotalDeposited, &b.TotalSpent, &b.UpdatedAt)
	return b, err
}

// CreditBalance atomically increases available and total_deposited, creating
// the account row on first reference.
func (q *Queries) CreditBalance(ctx context.Context, accountID string, micros int64) (models.Balance, error) {
	if micros <= 0 {
		return models.Balance{}, fmt.Errorf("credit amount must be positive, got %d", micros)
	}
	row := q.db.QueryRow(ctx, `
		INSERT INTO balances (account_id, available_micros, total_deposited_micros, total_spent_micros, updated_at)
		VALUES ($1, $2, $2, 0, NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			available_micros = balances.available_micros + EXCLUDED.available_micros,
			total_deposited_micros = balances.total_deposited_micros + EXCLUDED.available_micros,
			updated_at = NOW()
		RETURNING `+balanceColumns, accountID, micros)
	b, err := scanBalance(row)
	if err != nil {
		return models.Balance{}, fmt.Errorf("credit balance: %w", err)
	}
	return b, nil
}

// DebitBalance performs the conditional decrement. The availability check and
// the mutation are a single statement, so two concurrent debits can never
// both pass a stale read.
func (q *Queries) DebitBalance(ctx context.Context, accountID string, micros int64) (models.Balance, error) {
	if micros <= 0 {
		return models.Balance{}, fmt.Errorf("debit amount must be positive, got %d", micros)
	}
	row := q.db.QueryRow(ctx, `
		UPDATE balances SET
			available_micros = available_micros - $2,
			total_spent_micros = total_spent_micros + $2,
			updated_at = NOW()
		WHERE account_id = $1 AND available_micros >= $2
		RETURNING `+balanceColumns, accountID, micros)
	b, err := scanBalance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Balance{}, models.ErrInsufficientFunds
		}
		return models.Balance{}, fmt.Errorf("debit balance: %w", err)
	}
	return b, nil
}

// RefundBalance is the compensating credit for a failed withdrawal: it
// restores available and rolls back total_spent, leaving total_deposited
// untouched.
func (q *Queries) RefundBalance(ctx context.Context, accountID string, micros int64) (models.Balance, error) {
	if micros <= 0 {
		return models.Balance{}, fmt.Errorf("refund amount must be positive, got %d", micros)
	}
	row := q.db.QueryRow(ctx, `
		UPDATE balances SET
			available_micros = available_micros + $2,
			total_spent_micros = total_spent_micros - $2,
			updated_at = NOW()
		WHERE account_id = $1
		RETURNING `+balanceColumns, accountID, micros)
	b, err := scanBalance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Balance{}, models.ErrNotFound
		}
		return models.Balance{}, fmt.Errorf("refund balance: %w", err)
	}
	return b, nil
}

// GetBalance returns the current snapshot, zero-valued for unknown accounts.
func (q *Queries) GetBalance(ctx context.Context, accountID string) (models.Balance, error) {
	row := q.db.QueryRow(ctx, `SELECT `+balanceColumns+` FROM balances WHERE account_id = $1`, accountID)
	b, err := scanBalance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Balance{AccountID: accountID, UpdatedAt: time.Now().UTC()}, nil
		}
		return models.Balance{}, fmt.Errorf("get balance: %w", err)
	}
	return b, nil
}

// ---- Replay guard ----

// ConsumeTransaction inserts the (network, txID) key if and only if it is
// absent. It returns true on first insertion. This is the only primitive
// that may gate a deposit credit; a read followed by a separate write races.
func (q *Queries) ConsumeTransaction(ctx context.Context, network, txID string, depositID uuid.UUID) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		INSERT INTO used_transactions (network, tx_id, deposit_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (network, tx_id) DO NOTHING`, network, txID, depositID)
	if err != nil {
		return false, fmt.Errorf("consume transaction: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetTransactionConsumer returns the deposit that consumed the key.
func (q *Queries) GetTransactionConsumer(ctx context.Context, network, txID string) (uuid.UUID, error) {
	var depositID uuid.UUID
	err := q.db.QueryRow(ctx, `
		SELECT deposit_id FROM used_transactions WHERE network = $1 AND tx_id = $2`,
		network, txID).Scan(&depositID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, models.ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("get transaction consumer: %w", err)
	}
	return depositID, nil
}

// IsTransactionConsumed reports set membership. Diagnostic only; crediting
// must go through ConsumeTransaction.
func (q *Queries) IsTransactionConsumed(ctx context.Context, network, txID string) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM used_transactions WHERE network = $1 AND tx_id = $2)`,
		network, txID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check used transaction: %w", err)
	}
	return exists, nil
}

// ---- Deposit requests ----

const depositColumns = `id, account_id, currency, network, deposit_address, reference,
	gross_amount_micros, net_amount_micros, expected_crypto_amount, status,
	tx_id, failure_reason, created_at, expires_at, completed_at`

func scanDeposit(row pgx.Row) (models.DepositRequest, error) {
	var d models.DepositRequest
	var expected string
	err := row.Scan(&d.ID, &d.AccountID, &d.Currency, &d.Network, &d.DepositAddress, &d.Reference,
		&d.GrossAmountUSD, &d.NetAmountUSD, &expected, &d.Status,
		&d.TxID, &d.FailureReason, &d.CreatedAt, &d.ExpiresAt, &d.CompletedAt)
	if err != nil {
		return d, err
	}
	d.ExpectedCrypto, err = decimal.NewFromString(expected)
	if err != nil {
		return d, fmt.Errorf("parse expected crypto amount %q: %w", expected, err)
	}
	return d, nil
}

func (q *Queries) CreateDepositRequest(ctx context.Context, d *models.DepositRequest) error {
	err := q.db.QueryRow(ctx, `
		INSERT INTO deposit_requests (id, account_id, currency, network, deposit_address, reference,
			gross_amount_micros, net_amount_micros, expected_crypto_amount, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), $11)
		RETURNING created_at`,
		d.ID, d.AccountID, d.Currency, d.Network, d.DepositAddress, d.Reference,
		d.GrossAmountUSD, d.NetAmountUSD, d.ExpectedCrypto.String(), d.Status, d.ExpiresAt,
	).Scan(&d.CreatedAt)
	if err != nil {
		return fmt.Errorf("create deposit request: %w", err)
	}
	return nil
}

func (q *Queries) GetDepositRequest(ctx context.Context, id uuid.UUID) (models.DepositRequest, error) {
	row := q.db.QueryRow(ctx, `SELECT `+depositColumns+` FROM deposit_requests WHERE id = $1`, id)
	d, err := scanDeposit(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.DepositRequest{}, models.ErrNotFound
		}
		return models.DepositRequest{}, fmt.Errorf("get deposit request: %w", err)
	}
	return d, nil
}

// GetDepositRequestForUpdate locks the row for the duration of the enclosing
// transaction.
func (q *Queries) GetDepositRequestForUpdate(ctx context.Context, id uuid.UUID) (models.DepositRequest, error) {
	row := q.db.QueryRow(ctx, `SELECT `+depositColumns+` FROM deposit_requests WHERE id = $1 FOR UPDATE`, id)
	d, err := scanDeposit(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.DepositRequest{}, models.ErrNotFound
		}
		return models.DepositRequest{}, fmt.Errorf("get deposit request for update: %w", err)
	}
	return d, nil
}

// CompleteDepositRequest finalizes a verified deposit. Only a request that is
// still verifiable (pending, or failed-and-retryable) can complete.
func (q *Queries) CompleteDepositRequest(ctx context.Context, id uuid.UUID, txID string) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE deposit_requests SET status = 'COMPLETED', tx_id = $2, failure_reason = NULL, completed_at = NOW()
		WHERE id = $1 AND status IN ('PENDING', 'FAILED')`, id, txID)
	if err != nil {
		return 0, fmt.Errorf("complete deposit request: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) MarkDepositFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE deposit_requests SET status = 'FAILED', failure_reason = $2
		WHERE id = $1 AND status IN ('PENDING', 'FAILED')`, id, reason)
	if err != nil {
		return fmt.Errorf("mark deposit failed: %w", err)
	}
	return nil
}

// CancelDepositRequest cancels a pending request. Nothing was credited, so
// there is nothing to refund.
func (q *Queries) CancelDepositRequest(ctx context.Context, id uuid.UUID) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE deposit_requests SET status = 'CANCELLED' WHERE id = $1 AND status = 'PENDING'`, id)
	if err != nil {
		return 0, fmt.Errorf("cancel deposit request: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ExpireDepositRequests transitions overdue verifiable requests to EXPIRED.
func (q *Queries) ExpireDepositRequests(ctx context.Context, now time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE deposit_requests SET status = 'EXPIRED'
		WHERE status IN ('PENDING', 'FAILED') AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("expire deposit requests: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) ListDepositRequestsByAccount(ctx context.Context, accountID string, limit, offset int32) ([]models.DepositRequest, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+depositColumns+` FROM deposit_requests
		WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list deposit requests: %w", err)
	}
	defer rows.Close()

	var out []models.DepositRequest
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deposit request: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ---- Withdrawal requests ----

const withdrawalColumns = `id, account_id, destination_address, currency, network,
	gross_amount_micros, fee_percent, fee_micros, network_fee_micros, net_amount_micros,
	crypto_amount, status, tx_id, failure_reason, created_at, processed_at, updated_at`

func scanWithdrawal(row pgx.Row) (models.WithdrawalRequest, error) {
	var w models.WithdrawalRequest
	var feePercent, cryptoAmount string
	err := row.Scan(&w.ID, &w.AccountID, &w.DestinationAddress, &w.Currency, &w.Network,
		&w.GrossAmountUSD, &feePercent, &w.FeeUSD, &w.NetworkFeeUSD, &w.NetAmountUSD,
		&cryptoAmount, &w.Status, &w.TxID, &w.FailureReason, &w.CreatedAt, &w.ProcessedAt, &w.UpdatedAt)
	if err != nil {
		return w, err
	}
	if w.FeePercent, err = decimal.NewFromString(feePercent); err != nil {
		return w, fmt.Errorf("parse fee percent %q: %w", feePercent, err)
	}
	if w.CryptoAmount, err = decimal.NewFromString(cryptoAmount); err != nil {
		return w, fmt.Errorf("parse crypto amount %q: %w", cryptoAmount, err)
	}
	return w, nil
}

func (q *Queries) CreateWithdrawalRequest(ctx context.Context, w *models.WithdrawalRequest) error {
	err := q.db.QueryRow(ctx, `
		INSERT INTO withdrawal_requests (id, account_id, destination_address, currency, network,
			gross_amount_micros, fee_percent, fee_micros, network_fee_micros, net_amount_micros,
			crypto_amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		RETURNING created_at, updated_at`,
		w.ID, w.AccountID, w.DestinationAddress, w.Currency, w.Network,
		w.GrossAmountUSD, w.FeePercent.String(), w.FeeUSD, w.NetworkFeeUSD, w.NetAmountUSD,
		w.CryptoAmount.String(), w.Status,
	).Scan(&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create withdrawal request: %w", err)
	}
	return nil
}

func (q *Queries) GetWithdrawalRequest(ctx context.Context, id uuid.UUID) (models.WithdrawalRequest, error) {
	row := q.db.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = $1`, id)
	w, err := scanWithdrawal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.WithdrawalRequest{}, models.ErrNotFound
		}
		return models.WithdrawalRequest{}, fmt.Errorf("get withdrawal request: %w", err)
	}
	return w, nil
}

// ClaimWithdrawalProcessing atomically moves a pending request to PROCESSING.
// Zero rows means the request already left PENDING and must not be
// reprocessed.
func (q *Queries) ClaimWithdrawalProcessing(ctx context.Context, id uuid.UUID) (models.WithdrawalRequest, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE withdrawal_requests SET status = 'PROCESSING', updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'
		RETURNING `+withdrawalColumns, id)
	w, err := scanWithdrawal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.WithdrawalRequest{}, models.ErrInvalidStatus
		}
		return models.WithdrawalRequest{}, fmt.Errorf("claim withdrawal: %w", err)
	}
	return w, nil
}

// RecordWithdrawalBroadcast persists the broadcast transaction id before the
// confirmation wait, so a crash between broadcast and finalization leaves a
// recoverable trail for the reconciliation sweep.
func (q *Queries) RecordWithdrawalBroadcast(ctx context.Context, id uuid.UUID, txID string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE withdrawal_requests SET tx_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'PROCESSING'`, id, txID)
	if err != nil {
		return fmt.Errorf("record withdrawal broadcast: %w", err)
	}
	return nil
}

func (q *Queries) CompleteWithdrawal(ctx context.Context, id uuid.UUID, txID string) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE withdrawal_requests SET status = 'COMPLETED', tx_id = $2, processed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'PROCESSING'`, id, txID)
	if err != nil {
		return 0, fmt.Errorf("complete withdrawal: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) FailWithdrawal(ctx context.Context, id uuid.UUID, reason string) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE withdrawal_requests SET status = 'FAILED', failure_reason = $2, processed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'PROCESSING'`, id, reason)
	if err != nil {
		return 0, fmt.Errorf("fail withdrawal: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetStaleProcessingWithdrawals returns PROCESSING requests untouched since
// the cutoff, locked with SKIP LOCKED so concurrent sweeps do not collide.
func (q *Queries) GetStaleProcessingWithdrawals(ctx context.Context, cutoff time.Time, limit int32) ([]models.WithdrawalRequest, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawal_requests
		WHERE status = 'PROCESSING' AND updated_at <= $1
		ORDER BY updated_at ASC LIMIT $2
		FOR UPDATE SKIP LOCKED`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("get stale processing withdrawals: %w", err)
	}
	defer rows.Close()

	var out []models.WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale withdrawal: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (q *Queries) ListWithdrawalRequestsByAccount(ctx context.Context, accountID string, limit, offset int32) ([]models.WithdrawalRequest, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawal_requests
		WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list withdrawal requests: %w", err)
	}
	defer rows.Close()

	var out []models.WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan withdrawal request: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ---- Idempotency keys ----

// IdempotencyRow mirrors one row of the idempotency_keys table.
type IdempotencyRow struct {
	IdempotencyKey string
	RequestHash    string
	Method         string
	Path           string
	ResponseStatus int32
	ResponseBody   []byte
	ContentType    string
	InProgress     bool
}

func (q *Queries) GetIdempotencyKey(ctx context.Context, key string) (IdempotencyRow, error) {
	var r IdempotencyRow
	var status *int32
	var contentType *string
	err := q.db.QueryRow(ctx, `
		SELECT idempotency_key, request_hash, method, path, response_status, response_body, content_type, in_progress
		FROM idempotency_keys WHERE idempotency_key = $1`, key).
		Scan(&r.IdempotencyKey, &r.RequestHash, &r.Method, &r.Path, &status, &r.ResponseBody, &contentType, &r.InProgress)
	if err != nil {
		return r, err
	}
	if status != nil {
		r.ResponseStatus = *status
	}
	if contentType != nil {
		r.ContentType = *contentType
	}
	return r, nil
}

// ReserveIdempotencyKey inserts the in-progress marker; pgx.ErrNoRows means
// another request already holds the key.
func (q *Queries) ReserveIdempotencyKey(ctx context.Context, key, requestHash, method, path string) (string, error) {
	var got string
	err := q.db.QueryRow(ctx, `
		INSERT INTO idempotency_keys (idempotency_key, request_hash, method, path, in_progress)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING idempotency_key`, key, requestHash, method, path).Scan(&got)
	if err != nil {
		return "", err
	}
	return got, nil
}

func (q *Queries) FinalizeIdempotencyKey(ctx context.Context, key, requestHash string, status int32, body []byte, contentType string) (IdempotencyRow, error) {
	var r IdempotencyRow
	err := q.db.QueryRow(ctx, `
		UPDATE idempotency_keys SET response_status = $3, response_body = $4, content_type = $5,
			in_progress = FALSE, completed_at = NOW()
		WHERE idempotency_key = $1 AND request_hash = $2
		RETURNING idempotency_key, request_hash, response_status, response_body, content_type`,
		key, requestHash, status, body, contentType).
		Scan(&r.IdempotencyKey, &r.RequestHash, &r.ResponseStatus, &r.ResponseBody, &r.ContentType)
	if err != nil {
		return r, err
	}
	return r, nil
}
