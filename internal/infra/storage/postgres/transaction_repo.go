package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/vietddude/escrowd/internal/core/apperr"
	"github.com/vietddude/escrowd/internal/core/domain"
)

// TxRepo implements storage.TransactionRepository using PostgreSQL.
type TxRepo struct {
	q sqlx.ExtContext
}

// NewTxRepo creates a transaction repository on a DB or an open sqlx.Tx.
func NewTxRepo(q sqlx.ExtContext) *TxRepo {
	return &TxRepo{q: q}
}

// Create inserts a new transaction at version 1.
func (r *TxRepo) Create(ctx context.Context, tx *domain.Transaction) error {
	defer observe("tx_create", time.Now())

	row := toTxRow(tx)
	row.Version = 1
	row.UpdatedAt = time.Now().UTC()

	query := `INSERT INTO transactions (` + txColumns + `) VALUES (
		:id, :sender_id, :recipient_id, :amount, :currency, :sender_method_id, :recipient_method_id,
		:sender_method_type, :recipient_method_type, :status, :processing_fee, :escrow_fee, :total_fees,
		:failure_reason, :created_at, :escrowed_at, :completed_at, :failed_at, :cancelled_at, :refunded_at,
		:hold_expires_at, :updated_at, :version)`

	if _, err := sqlx.NamedExecContext(ctx, r.q, query, row); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("transaction %s: %w", tx.ID, apperr.ErrConflict)
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	tx.Version = row.Version
	tx.UpdatedAt = row.UpdatedAt
	return nil
}

// Get retrieves a transaction by id.
func (r *TxRepo) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	defer observe("tx_get", time.Now())

	var row txRow
	err := sqlx.GetContext(ctx, r.q, &row, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return row.toDomain(), nil
}

// Update writes the mutable columns if the stored version still matches.
func (r *TxRepo) Update(ctx context.Context, tx *domain.Transaction) error {
	defer observe("tx_update", time.Now())

	row := toTxRow(tx)
	row.UpdatedAt = time.Now().UTC()

	query := `UPDATE transactions SET
			status = :status,
			failure_reason = :failure_reason,
			escrowed_at = :escrowed_at,
			completed_at = :completed_at,
			failed_at = :failed_at,
			cancelled_at = :cancelled_at,
			refunded_at = :refunded_at,
			hold_expires_at = :hold_expires_at,
			updated_at = :updated_at,
			version = version + 1
		WHERE id = :id AND version = :version`

	res, err := sqlx.NamedExecContext(ctx, r.q, query, row)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if n == 0 {
		var stored int64
		err := sqlx.GetContext(ctx, r.q, &stored, `SELECT version FROM transactions WHERE id = $1`, tx.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("transaction %s: %w", tx.ID, apperr.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read transaction version: %w", err)
		}
		return fmt.Errorf("transaction %s version %d (stored %d): %w", tx.ID, tx.Version, stored, apperr.ErrConflict)
	}

	tx.Version++
	tx.UpdatedAt = row.UpdatedAt
	return nil
}

// ListByStatus returns transactions in any of statuses, oldest first.
func (r *TxRepo) ListByStatus(ctx context.Context, statuses ...domain.TransactionStatus) ([]*domain.Transaction, error) {
	defer observe("tx_list_status", time.Now())

	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	var rows []txRow
	err := sqlx.SelectContext(ctx, r.q, &rows,
		`SELECT `+txColumns+` FROM transactions WHERE status = ANY($1) ORDER BY created_at`,
		pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txsFromRows(rows), nil
}

// ListHoldExpired returns escrowed transactions whose hold expired at or before now.
func (r *TxRepo) ListHoldExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Transaction, error) {
	defer observe("tx_list_hold_expired", time.Now())

	var rows []txRow
	err := sqlx.SelectContext(ctx, r.q, &rows,
		`SELECT `+txColumns+` FROM transactions
		WHERE status = $1 AND hold_expires_at IS NOT NULL AND hold_expires_at <= $2
		ORDER BY created_at
		LIMIT NULLIF($3::int, 0)`,
		string(domain.TransactionStatusEscrowed), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired holds: %w", err)
	}
	return txsFromRows(rows), nil
}

func txsFromRows(rows []txRow) []*domain.Transaction {
	out := make([]*domain.Transaction, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out
}
