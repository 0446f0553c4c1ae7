package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/vietddude/escrowd/internal/core/domain"
)

// TransactionRepository persists Transactions.
type TransactionRepository interface {
	// Create inserts a new transaction. Version is set to 1.
	Create(ctx context.Context, tx *domain.Transaction) error

	// Get returns the transaction or an error matching apperr.ErrNotFound.
	Get(ctx context.Context, id string) (*domain.Transaction, error)

	// Update writes tx if its Version matches the stored one, then bumps
	// tx.Version. A mismatch returns an error matching apperr.ErrConflict.
	Update(ctx context.Context, tx *domain.Transaction) error

	// ListByStatus returns transactions in any of statuses, oldest first.
	ListByStatus(ctx context.Context, statuses ...domain.TransactionStatus) ([]*domain.Transaction, error)

	// ListHoldExpired returns escrowed transactions whose hold expired at or before now.
	ListHoldExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Transaction, error)
}

// EscrowRepository persists EscrowRecords keyed by transaction id.
type EscrowRepository interface {
	Create(ctx context.Context, rec *domain.EscrowRecord) error
	Get(ctx context.Context, txID string) (*domain.EscrowRecord, error)
	Update(ctx context.Context, rec *domain.EscrowRecord) error
	ListByStatus(ctx context.Context, statuses ...domain.EscrowStatus) ([]*domain.EscrowRecord, error)
	CountByStatus(ctx context.Context, status domain.EscrowStatus) (int, error)
}

// PaymentMethodRepository is a read-only lookup of decrypted payment methods.
type PaymentMethodRepository interface {
	Get(ctx context.Context, id string) (*domain.PaymentMethod, error)
}

// UnitOfWork groups writes that commit atomically.
type UnitOfWork interface {
	Transactions() TransactionRepository
	Escrows() EscrowRepository
	Commit() error
	// Rollback is safe to call after Commit.
	Rollback() error
}

// Store is the persistence boundary of the orchestrator.
type Store interface {
	Transactions() TransactionRepository
	Escrows() EscrowRepository
	Methods() PaymentMethodRepository
	Begin(ctx context.Context) (UnitOfWork, error)
	Ping(ctx context.Context) error
	Close() error
}

// WithTx runs fn in a unit of work, committing on success.
func WithTx(ctx context.Context, s Store, fn func(uow UnitOfWork) error) error {
	uow, err := s.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = uow.Rollback() }()

	if err := fn(uow); err != nil {
		return err
	}
	if err := uow.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
