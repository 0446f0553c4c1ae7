package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/escrowd/internal/core/apperr"
	"github.com/vietddude/escrowd/internal/core/domain"
	"github.com/vietddude/escrowd/internal/infra/storage"
)

// openTestStore connects to ESCROWD_TEST_DATABASE_URL and migrates it.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("ESCROWD_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("ESCROWD_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := NewDB(ctx, Config{URL: url})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func sampleTx() *domain.Transaction {
	return &domain.Transaction{
		ID:                  uuid.NewString(),
		SenderID:            "alice",
		RecipientID:         "bob",
		Amount:              decimal.RequireFromString("50.00"),
		Currency:            "USD",
		SenderMethodID:      "pm-a",
		RecipientMethodID:   "pm-b",
		SenderMethodType:    domain.MethodTypeCrypto,
		RecipientMethodType: domain.MethodTypeBankTransfer,
		Status:              domain.TransactionStatusPending,
		Fees: domain.Fees{
			ProcessingFee: decimal.RequireFromString("2.00"),
			EscrowFee:     decimal.RequireFromString("0.50"),
			Total:         decimal.RequireFromString("2.50"),
		},
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestStore_TransactionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tx := sampleTx()
	require.NoError(t, s.Transactions().Create(ctx, tx))
	assert.Equal(t, int64(1), tx.Version)

	got, err := s.Transactions().Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, tx.Amount.Equal(got.Amount))
	assert.True(t, tx.Fees.Total.Equal(got.Fees.Total))
	assert.Equal(t, domain.MethodTypeCrypto, got.SenderMethodType)

	now := time.Now().UTC()
	expires := now.Add(time.Hour)
	err = storage.WithTx(ctx, s, func(uow storage.UnitOfWork) error {
		got.Status = domain.TransactionStatusEscrowed
		got.EscrowedAt = &now
		got.HoldExpiresAt = &expires
		if err := uow.Transactions().Update(ctx, got); err != nil {
			return err
		}
		return uow.Escrows().Create(ctx, &domain.EscrowRecord{
			TransactionID:         got.ID,
			Amount:                got.Amount,
			Currency:              got.Currency,
			MethodType:            got.SenderMethodType,
			ExternalTransactionID: "crypto_tx_1",
			ReleasedAmount:        decimal.Zero,
			Status:                domain.EscrowStatusHolding,
			HeldAt:                now,
		})
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)

	// A writer holding version 1 loses.
	tx.Status = domain.TransactionStatusFailed
	assert.ErrorIs(t, s.Transactions().Update(ctx, tx), apperr.ErrConflict)

	rec, err := s.Escrows().Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, "crypto_tx_1", rec.ExternalTransactionID)
	assert.Equal(t, domain.EscrowStatusHolding, rec.Status)

	escrowed, err := s.Transactions().ListByStatus(ctx, domain.TransactionStatusEscrowed)
	require.NoError(t, err)
	assert.Contains(t, ids(escrowed), tx.ID)

	expired, err := s.Transactions().ListHoldExpired(ctx, expires.Add(time.Second), 0)
	require.NoError(t, err)
	assert.Contains(t, ids(expired), tx.ID)
}

func TestStore_RollbackDiscards(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tx := sampleTx()
	uow, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, uow.Transactions().Create(ctx, tx))
	require.NoError(t, uow.Rollback())
	require.NoError(t, uow.Rollback())

	_, err = s.Transactions().Get(ctx, tx.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestStore_MethodNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Methods().Get(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func ids(txs []*domain.Transaction) []string {
	out := make([]string, len(txs))
	for i, t := range txs {
		out[i] = t.ID
	}
	return out
}
