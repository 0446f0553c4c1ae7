package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/escrowd/internal/core/apperr"
	"github.com/vietddude/escrowd/internal/core/domain"
)

// MethodRepo reads payment methods written by the account service. The
// details column holds the already-decrypted descriptor.
type MethodRepo struct {
	q sqlx.QueryerContext
}

func NewMethodRepo(q sqlx.QueryerContext) *MethodRepo {
	return &MethodRepo{q: q}
}

type methodRow struct {
	ID      string `db:"id"`
	OwnerID string `db:"owner_id"`
	Type    string `db:"type"`
	Active  bool   `db:"active"`
	Details []byte `db:"details"`
}

type methodDetails struct {
	Bank   *domain.BankDetails   `json:"bank,omitempty"`
	Crypto *domain.CryptoDetails `json:"crypto,omitempty"`
	Other  *domain.OtherDetails  `json:"other,omitempty"`
}

// Get retrieves a payment method by id.
func (r *MethodRepo) Get(ctx context.Context, id string) (*domain.PaymentMethod, error) {
	defer observe("method_get", time.Now())

	var row methodRow
	err := sqlx.GetContext(ctx, r.q, &row,
		`SELECT id, owner_id, type, active, details FROM payment_methods WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment method %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment method: %w", err)
	}

	var d methodDetails
	if len(row.Details) > 0 {
		if err := json.Unmarshal(row.Details, &d); err != nil {
			return nil, fmt.Errorf("payment method %s: malformed details: %w", id, apperr.ErrInvalidMethod)
		}
	}

	return &domain.PaymentMethod{
		ID:      row.ID,
		OwnerID: row.OwnerID,
		Type:    domain.MethodType(row.Type),
		Active:  row.Active,
		Bank:    d.Bank,
		Crypto:  d.Crypto,
		Other:   d.Other,
	}, nil
}
