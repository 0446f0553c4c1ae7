// Package generic implements the catch-all rail for providers reached through
// the gRPC provider gateway.
package generic

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/escrowd/internal/core/apperr"
	"github.com/vietddude/escrowd/internal/core/domain"
	"github.com/vietddude/escrowd/internal/infra/processor"
)

// Gateway is the subset of Client the processor needs.
type Gateway interface {
	ValidateAccount(ctx context.Context, provider, reference string) (bool, error)
	Transfer(ctx context.Context, op domain.Operation, req TransferRequest) (string, string, error)
}

type Config struct {
	PerTransactionLimit decimal.Decimal
	Fees                processor.FeeSchedule
	Window              processor.ProcessingWindow
}

func DefaultConfig() Config {
	return Config{
		PerTransactionLimit: decimal.NewFromInt(50_000),
		Fees: processor.FeeSchedule{
			Fixed:   decimal.RequireFromString("0.50"),
			Percent: decimal.RequireFromString("1.5"),
		},
		Window: processor.ProcessingWindow{Min: time.Hour, Max: 5 * 24 * time.Hour},
	}
}

type Processor struct {
	gw  Gateway
	cfg Config
}

var _ processor.Processor = (*Processor)(nil)

func NewProcessor(gw Gateway, cfg Config) *Processor {
	return &Processor{gw: gw, cfg: cfg}
}

func (p *Processor) Type() domain.MethodType { return domain.MethodTypeOther }

func (p *Processor) Validate(ctx context.Context, method *domain.PaymentMethod) (bool, error) {
	if method == nil || method.Type != domain.MethodTypeOther || method.Other == nil {
		return false, nil
	}
	if method.Other.Provider == "" || method.Other.Reference == "" {
		return false, nil
	}
	ok, err := p.gw.ValidateAccount(ctx, method.Other.Provider, method.Other.Reference)
	if err != nil {
		return false, fmt.Errorf("account check: %w", err)
	}
	return ok, nil
}

func (p *Processor) Withdraw(ctx context.Context, req processor.LegRequest) (processor.Receipt, error) {
	return p.transfer(ctx, domain.OperationWithdraw, "debit", req)
}

func (p *Processor) Deposit(ctx context.Context, req processor.LegRequest) (processor.Receipt, error) {
	return p.transfer(ctx, domain.OperationDeposit, "credit", req)
}

func (p *Processor) EstimateProcessingTime() processor.ProcessingWindow { return p.cfg.Window }

func (p *Processor) CalculateFees(amount decimal.Decimal) processor.FeeQuote {
	return p.cfg.Fees.Quote(amount)
}

func (p *Processor) transfer(ctx context.Context, op domain.Operation, dir string, req processor.LegRequest) (processor.Receipt, error) {
	if req.Method == nil || req.Method.Other == nil {
		return processor.Receipt{}, apperr.Permanent(p.Type(), op, "method",
			fmt.Errorf("%w: provider details missing", apperr.ErrInvalidMethod))
	}
	if err := processor.CheckLimit(p.Type(), op, req.Amount, p.cfg.PerTransactionLimit); err != nil {
		return processor.Receipt{}, err
	}

	id, st, err := p.gw.Transfer(ctx, op, TransferRequest{
		Direction:      dir,
		Provider:       req.Method.Other.Provider,
		Reference:      req.Method.Other.Reference,
		Amount:         req.Amount.String(),
		Currency:       string(req.Currency),
		IdempotencyKey: req.Reference,
	})
	if err != nil {
		return processor.Receipt{}, fmt.Errorf("%s transfer: %w", dir, err)
	}
	return processor.Receipt{ExternalID: id, Status: st, SubmittedAt: time.Now()}, nil
}
