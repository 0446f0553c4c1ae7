package postgres

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/vietddude/escrowd/internal/core/domain"
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

type txRow struct {
	ID                  string          `db:"id"`
	SenderID            string          `db:"sender_id"`
	RecipientID         string          `db:"recipient_id"`
	Amount              decimal.Decimal `db:"amount"`
	Currency            string          `db:"currency"`
	SenderMethodID      string          `db:"sender_method_id"`
	RecipientMethodID   string          `db:"recipient_method_id"`
	SenderMethodType    string          `db:"sender_method_type"`
	RecipientMethodType string          `db:"recipient_method_type"`
	Status              string          `db:"status"`
	ProcessingFee       decimal.Decimal `db:"processing_fee"`
	EscrowFee           decimal.Decimal `db:"escrow_fee"`
	TotalFees           decimal.Decimal `db:"total_fees"`
	FailureReason       string          `db:"failure_reason"`
	CreatedAt           time.Time       `db:"created_at"`
	EscrowedAt          sql.NullTime    `db:"escrowed_at"`
	CompletedAt         sql.NullTime    `db:"completed_at"`
	FailedAt            sql.NullTime    `db:"failed_at"`
	CancelledAt         sql.NullTime    `db:"cancelled_at"`
	RefundedAt          sql.NullTime    `db:"refunded_at"`
	HoldExpiresAt       sql.NullTime    `db:"hold_expires_at"`
	UpdatedAt           time.Time       `db:"updated_at"`
	Version             int64           `db:"version"`
}

const txColumns = `id, sender_id, recipient_id, amount, currency, sender_method_id, recipient_method_id,
	sender_method_type, recipient_method_type, status, processing_fee, escrow_fee, total_fees,
	failure_reason, created_at, escrowed_at, completed_at, failed_at, cancelled_at, refunded_at,
	hold_expires_at, updated_at, version`

func toTxRow(t *domain.Transaction) txRow {
	return txRow{
		ID:                  t.ID,
		SenderID:            t.SenderID,
		RecipientID:         t.RecipientID,
		Amount:              t.Amount,
		Currency:            string(t.Currency),
		SenderMethodID:      t.SenderMethodID,
		RecipientMethodID:   t.RecipientMethodID,
		SenderMethodType:    string(t.SenderMethodType),
		RecipientMethodType: string(t.RecipientMethodType),
		Status:              string(t.Status),
		ProcessingFee:       t.Fees.ProcessingFee,
		EscrowFee:           t.Fees.EscrowFee,
		TotalFees:           t.Fees.Total,
		FailureReason:       t.FailureReason,
		CreatedAt:           t.CreatedAt,
		EscrowedAt:          nullTime(t.EscrowedAt),
		CompletedAt:         nullTime(t.CompletedAt),
		FailedAt:            nullTime(t.FailedAt),
		CancelledAt:         nullTime(t.CancelledAt),
		RefundedAt:          nullTime(t.RefundedAt),
		HoldExpiresAt:       nullTime(t.HoldExpiresAt),
		UpdatedAt:           t.UpdatedAt,
		Version:             t.Version,
	}
}

func (r txRow) toDomain() *domain.Transaction {
	return &domain.Transaction{
		ID:                  r.ID,
		SenderID:            r.SenderID,
		RecipientID:         r.RecipientID,
		Amount:              r.Amount,
		Currency:            domain.Currency(r.Currency),
		SenderMethodID:      r.SenderMethodID,
		RecipientMethodID:   r.RecipientMethodID,
		SenderMethodType:    domain.MethodType(r.SenderMethodType),
		RecipientMethodType: domain.MethodType(r.RecipientMethodType),
		Status:              domain.TransactionStatus(r.Status),
		Fees: domain.Fees{
			ProcessingFee: r.ProcessingFee,
			EscrowFee:     r.EscrowFee,
			Total:         r.TotalFees,
		},
		FailureReason: r.FailureReason,
		CreatedAt:     r.CreatedAt,
		EscrowedAt:    timePtr(r.EscrowedAt),
		CompletedAt:   timePtr(r.CompletedAt),
		FailedAt:      timePtr(r.FailedAt),
		CancelledAt:   timePtr(r.CancelledAt),
		RefundedAt:    timePtr(r.RefundedAt),
		HoldExpiresAt: timePtr(r.HoldExpiresAt),
		UpdatedAt:     r.UpdatedAt,
		Version:       r.Version,
	}
}

type escrowRow struct {
	TransactionID         string          `db:"transaction_id"`
	Amount                decimal.Decimal `db:"amount"`
	Currency              string          `db:"currency"`
	MethodType            string          `db:"method_type"`
	ExternalTransactionID string          `db:"external_transaction_id"`
	ReleaseTransactionID  string          `db:"release_transaction_id"`
	ReturnTransactionID   string          `db:"return_transaction_id"`
	ReleasedAmount        decimal.Decimal `db:"released_amount"`
	PendingLeg            string          `db:"pending_leg"`
	Status                string          `db:"status"`
	LastError             string          `db:"last_error"`
	HeldAt                time.Time       `db:"held_at"`
	ResolvedAt            sql.NullTime    `db:"resolved_at"`
	UpdatedAt             time.Time       `db:"updated_at"`
}

const escrowColumns = `transaction_id, amount, currency, method_type, external_transaction_id,
	release_transaction_id, return_transaction_id, released_amount, pending_leg, status,
	last_error, held_at, resolved_at, updated_at`

func toEscrowRow(e *domain.EscrowRecord) escrowRow {
	return escrowRow{
		TransactionID:         e.TransactionID,
		Amount:                e.Amount,
		Currency:              string(e.Currency),
		MethodType:            string(e.MethodType),
		ExternalTransactionID: e.ExternalTransactionID,
		ReleaseTransactionID:  e.ReleaseTransactionID,
		ReturnTransactionID:   e.ReturnTransactionID,
		ReleasedAmount:        e.ReleasedAmount,
		PendingLeg:            string(e.PendingLeg),
		Status:                string(e.Status),
		LastError:             e.LastError,
		HeldAt:                e.HeldAt,
		ResolvedAt:            nullTime(e.ResolvedAt),
		UpdatedAt:             e.UpdatedAt,
	}
}

func (r escrowRow) toDomain() *domain.EscrowRecord {
	return &domain.EscrowRecord{
		TransactionID:         r.TransactionID,
		Amount:                r.Amount,
		Currency:              domain.Currency(r.Currency),
		MethodType:            domain.MethodType(r.MethodType),
		ExternalTransactionID: r.ExternalTransactionID,
		ReleaseTransactionID:  r.ReleaseTransactionID,
		ReturnTransactionID:   r.ReturnTransactionID,
		ReleasedAmount:        r.ReleasedAmount,
		PendingLeg:            domain.Leg(r.PendingLeg),
		Status:                domain.EscrowStatus(r.Status),
		LastError:             r.LastError,
		HeldAt:                r.HeldAt,
		ResolvedAt:            timePtr(r.ResolvedAt),
		UpdatedAt:             r.UpdatedAt,
	}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
