package processor_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/escrowd/internal/core/apperr"
	"github.com/vietddude/escrowd/internal/core/domain"
	"github.com/vietddude/escrowd/internal/infra/processor"
	"github.com/vietddude/escrowd/internal/infra/processor/processortest"
)

func TestFeeSchedule_Quote(t *testing.T) {
	s := processor.FeeSchedule{
		Fixed:   decimal.RequireFromString("0.25"),
		Percent: decimal.RequireFromString("0.8"),
	}

	q := s.Quote(decimal.RequireFromString("100.00"))
	assert.True(t, q.ProcessingFee.Equal(decimal.RequireFromString("0.25")))
	assert.True(t, q.PercentageFee.Equal(decimal.RequireFromString("0.8")))
	assert.True(t, q.Total.Equal(decimal.RequireFromString("1.05")), "total %s", q.Total)
}

func TestCheckLimit(t *testing.T) {
	limit := decimal.NewFromInt(25000)

	assert.NoError(t, processor.CheckLimit(domain.MethodTypeBankTransfer, domain.OperationWithdraw, decimal.NewFromInt(25000), limit))
	assert.NoError(t, processor.CheckLimit(domain.MethodTypeBankTransfer, domain.OperationWithdraw, decimal.NewFromInt(1e9), decimal.Zero))

	err := processor.CheckLimit(domain.MethodTypeBankTransfer, domain.OperationWithdraw, decimal.RequireFromString("25000.01"), limit)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrLimitExceeded))
	assert.True(t, apperr.IsPermanent(err))
}

func TestRegistry(t *testing.T) {
	crypto := processortest.New(domain.MethodTypeCrypto)
	bank := processortest.New(domain.MethodTypeBankTransfer)
	r := processor.NewRegistry(crypto, bank)

	p, err := r.Get(domain.MethodTypeCrypto)
	require.NoError(t, err)
	assert.Same(t, crypto, p)

	_, err = r.Get(domain.MethodTypeOther)
	assert.True(t, errors.Is(err, apperr.ErrInvalidMethod))

	assert.Equal(t, []domain.MethodType{domain.MethodTypeBankTransfer, domain.MethodTypeCrypto}, r.Types())
}
