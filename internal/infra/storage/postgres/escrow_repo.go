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

// EscrowRepo implements storage.EscrowRepository using PostgreSQL.
type EscrowRepo struct {
	q sqlx.ExtContext
}

// NewEscrowRepo creates an escrow repository on a DB or an open sqlx.Tx.
func NewEscrowRepo(q sqlx.ExtContext) *EscrowRepo {
	return &EscrowRepo{q: q}
}

// Create inserts the custody record of a transaction.
func (r *EscrowRepo) Create(ctx context.Context, rec *domain.EscrowRecord) error {
	defer observe("escrow_create", time.Now())

	row := toEscrowRow(rec)
	row.UpdatedAt = time.Now().UTC()

	query := `INSERT INTO escrow_records (` + escrowColumns + `) VALUES (
		:transaction_id, :amount, :currency, :method_type, :external_transaction_id,
		:release_transaction_id, :return_transaction_id, :released_amount, :pending_leg, :status,
		:last_error, :held_at, :resolved_at, :updated_at)`

	if _, err := sqlx.NamedExecContext(ctx, r.q, query, row); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("escrow %s: %w", rec.TransactionID, apperr.ErrConflict)
		}
		return fmt.Errorf("failed to create escrow record: %w", err)
	}
	rec.UpdatedAt = row.UpdatedAt
	return nil
}

// Get retrieves the escrow record of a transaction.
func (r *EscrowRepo) Get(ctx context.Context, txID string) (*domain.EscrowRecord, error) {
	defer observe("escrow_get", time.Now())

	var row escrowRow
	err := sqlx.GetContext(ctx, r.q, &row,
		`SELECT `+escrowColumns+` FROM escrow_records WHERE transaction_id = $1`, txID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("escrow %s: %w", txID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get escrow record: %w", err)
	}
	return row.toDomain(), nil
}

// Update overwrites the mutable columns of an escrow record. Callers hold the
// transaction lock and update the owning transaction in the same unit of work.
func (r *EscrowRepo) Update(ctx context.Context, rec *domain.EscrowRecord) error {
	defer observe("escrow_update", time.Now())

	row := toEscrowRow(rec)
	row.UpdatedAt = time.Now().UTC()

	query := `UPDATE escrow_records SET
			release_transaction_id = :release_transaction_id,
			return_transaction_id = :return_transaction_id,
			released_amount = :released_amount,
			pending_leg = :pending_leg,
			status = :status,
			last_error = :last_error,
			resolved_at = :resolved_at,
			updated_at = :updated_at
		WHERE transaction_id = :transaction_id`

	res, err := sqlx.NamedExecContext(ctx, r.q, query, row)
	if err != nil {
		return fmt.Errorf("failed to update escrow record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("escrow %s: %w", rec.TransactionID, apperr.ErrNotFound)
	}
	rec.UpdatedAt = row.UpdatedAt
	return nil
}

// ListByStatus returns escrow records in any of statuses, oldest hold first.
func (r *EscrowRepo) ListByStatus(ctx context.Context, statuses ...domain.EscrowStatus) ([]*domain.EscrowRecord, error) {
	defer observe("escrow_list_status", time.Now())

	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	var rows []escrowRow
	err := sqlx.SelectContext(ctx, r.q, &rows,
		`SELECT `+escrowColumns+` FROM escrow_records WHERE status = ANY($1) ORDER BY held_at`,
		pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("failed to list escrow records: %w", err)
	}

	out := make([]*domain.EscrowRecord, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

// CountByStatus counts escrow records in status.
func (r *EscrowRepo) CountByStatus(ctx context.Context, status domain.EscrowStatus) (int, error) {
	defer observe("escrow_count_status", time.Now())

	var n int
	err := sqlx.GetContext(ctx, r.q, &n, `SELECT COUNT(*) FROM escrow_records WHERE status = $1`, string(status))
	if err != nil {
		return 0, fmt.Errorf("failed to count escrow records: %w", err)
	}
	return n, nil
}
