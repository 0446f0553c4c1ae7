package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/escrowd/internal/infra/storage"
)

// Store implements storage.Store on PostgreSQL.
type Store struct {
	db *DB
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a store on an open connection.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

func (s *Store) Transactions() storage.TransactionRepository { return NewTxRepo(s.db.DB) }
func (s *Store) Escrows() storage.EscrowRepository           { return NewEscrowRepo(s.db.DB) }
func (s *Store) Methods() storage.PaymentMethodRepository    { return NewMethodRepo(s.db.DB) }

func (s *Store) Ping(ctx context.Context) error { return s.db.Health(ctx) }
func (s *Store) Close() error                   { return s.db.Close() }

// Begin opens a unit of work.
func (s *Store) Begin(ctx context.Context) (storage.UnitOfWork, error) {
	uow, err := s.db.NewUnitOfWork(ctx)
	if err != nil {
		return nil, err
	}
	return uow, nil
}

// UnitOfWork bundles all persistence operations into a single database transaction,
// ensuring atomicity (all succeed or all fail).
type UnitOfWork struct {
	tx *sqlx.Tx
}

// NewUnitOfWork creates a new unit of work with an active transaction.
func (db *DB) NewUnitOfWork(ctx context.Context) (*UnitOfWork, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &UnitOfWork{tx: tx}, nil
}

func (u *UnitOfWork) Transactions() storage.TransactionRepository { return NewTxRepo(u.tx) }
func (u *UnitOfWork) Escrows() storage.EscrowRepository           { return NewEscrowRepo(u.tx) }

// Commit commits the transaction.
func (u *UnitOfWork) Commit() error {
	if u.tx == nil {
		return fmt.Errorf("transaction already completed")
	}
	err := u.tx.Commit()
	u.tx = nil
	return err
}

// Rollback rolls back the transaction. Safe to call multiple times.
func (u *UnitOfWork) Rollback() error {
	if u.tx == nil {
		return nil // Already committed or rolled back
	}
	err := u.tx.Rollback()
	u.tx = nil
	return err
}
