package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the settlement tables if they do not exist. The
// constraints here back the ledger invariants: the balance CHECK makes a
// negative available amount unrepresentable, and the used_transactions
// primary key is the replay guard's atomic insert-if-absent target.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS balances (
			account_id TEXT PRIMARY KEY,
			available_micros BIGINT NOT NULL DEFAULT 0 CHECK (available_micros >= 0),
			total_deposited_micros BIGINT NOT NULL DEFAULT 0,
			total_spent_micros BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS deposit_requests (
			id UUID PRIMARY KEY,
			account_id TEXT NOT NULL,
			currency TEXT NOT NULL,
			network TEXT NOT NULL,
			deposit_address TEXT NOT NULL,
			reference TEXT NOT NULL UNIQUE,
			gross_amount_micros BIGINT NOT NULL,
			net_amount_micros BIGINT NOT NULL,
			expected_crypto_amount TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			tx_id TEXT,
			failure_reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deposit_requests_account ON deposit_requests (account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_deposit_requests_pending ON deposit_requests (expires_at) WHERE status = 'PENDING'`,
		`CREATE TABLE IF NOT EXISTS withdrawal_requests (
			id UUID PRIMARY KEY,
			account_id TEXT NOT NULL,
			destination_address TEXT NOT NULL,
			currency TEXT NOT NULL,
			network TEXT NOT NULL,
			gross_amount_micros BIGINT NOT NULL,
			fee_percent TEXT NOT NULL,
			fee_micros BIGINT NOT NULL,
			network_fee_micros BIGINT NOT NULL,
			net_amount_micros BIGINT NOT NULL,
			crypto_amount TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			tx_id TEXT,
			failure_reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processed_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_withdrawal_requests_account ON withdrawal_requests (account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_withdrawal_requests_stale ON withdrawal_requests (updated_at) WHERE status = 'PROCESSING'`,
		`CREATE TABLE IF NOT EXISTS used_transactions (
			network TEXT NOT NULL,
			tx_id TEXT NOT NULL,
			deposit_id UUID,
			consumed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (network, tx_id)
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			idempotency_key TEXT PRIMARY KEY,
			request_hash TEXT NOT NULL,
			method TEXT NOT NULL,
			path TEXT NOT NULL,
			response_status INT,
			response_body BYTEA,
			content_type TEXT,
			in_progress BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ
		)`,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
