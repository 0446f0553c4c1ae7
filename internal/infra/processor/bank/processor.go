// Package bank implements the bank-transfer (ACH-style) rail.
package bank

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/escrowd/internal/core/apperr"
	"github.com/vietddude/escrowd/internal/core/domain"
	"github.com/vietddude/escrowd/internal/infra/processor"
)

// Config holds the rail's limits and rate table.
type Config struct {
	PerTransactionLimit decimal.Decimal
	Fees                processor.FeeSchedule
	Window              processor.ProcessingWindow
}

// DefaultConfig returns the standard ACH limits and fees.
func DefaultConfig() Config {
	return Config{
		PerTransactionLimit: decimal.NewFromInt(25_000),
		Fees: processor.FeeSchedule{
			Fixed:   decimal.RequireFromString("0.25"),
			Percent: decimal.RequireFromString("0.8"),
		},
		Window: processor.ProcessingWindow{Min: 24 * time.Hour, Max: 72 * time.Hour},
	}
}

// Processor is the bank-transfer processor.
type Processor struct {
	client Client
	cfg    Config
}

var _ processor.Processor = (*Processor)(nil)

// NewProcessor creates a bank-transfer processor over client.
func NewProcessor(client Client, cfg Config) *Processor {
	return &Processor{client: client, cfg: cfg}
}

func (p *Processor) Type() domain.MethodType { return domain.MethodTypeBankTransfer }

// Validate checks the routing checksum, account format and participant status.
func (p *Processor) Validate(ctx context.Context, method *domain.PaymentMethod) (bool, error) {
	if method == nil || method.Type != domain.MethodTypeBankTransfer || method.Bank == nil {
		return false, nil
	}
	if !ValidRoutingNumber(method.Bank.RoutingNumber) || !ValidAccountNumber(method.Bank.AccountNumber) {
		return false, nil
	}
	ok, err := p.client.LookupParticipant(ctx, method.Bank.RoutingNumber)
	if err != nil {
		return false, fmt.Errorf("participant lookup: %w", err)
	}
	return ok, nil
}

func (p *Processor) Withdraw(ctx context.Context, req processor.LegRequest) (processor.Receipt, error) {
	return p.transfer(ctx, domain.OperationWithdraw, DirectionDebit, req)
}

func (p *Processor) Deposit(ctx context.Context, req processor.LegRequest) (processor.Receipt, error) {
	return p.transfer(ctx, domain.OperationDeposit, DirectionCredit, req)
}

func (p *Processor) EstimateProcessingTime() processor.ProcessingWindow {
	return p.cfg.Window
}

func (p *Processor) CalculateFees(amount decimal.Decimal) processor.FeeQuote {
	return p.cfg.Fees.Quote(amount)
}

func (p *Processor) transfer(ctx context.Context, op domain.Operation, dir Direction, req processor.LegRequest) (processor.Receipt, error) {
	if req.Method == nil || req.Method.Bank == nil {
		return processor.Receipt{}, apperr.Permanent(p.Type(), op, "method",
			fmt.Errorf("%w: bank details missing", apperr.ErrInvalidMethod))
	}
	if err := processor.CheckLimit(p.Type(), op, req.Amount, p.cfg.PerTransactionLimit); err != nil {
		return processor.Receipt{}, err
	}

	bank := req.Method.Bank
	screen, err := p.client.Screen(ctx, ScreenRequest{
		AccountHolder: bank.AccountHolder,
		AccountNumber: bank.AccountNumber,
		Direction:     dir,
		Amount:        req.Amount,
		Currency:      req.Currency,
	})
	if err != nil {
		return processor.Receipt{}, fmt.Errorf("compliance screen: %w", err)
	}
	if !screen.Approved {
		return processor.Receipt{}, apperr.Permanent(p.Type(), op, "compliance",
			fmt.Errorf("%w: %s", apperr.ErrCompliance, screen.Reason))
	}

	res, err := p.client.Transfer(ctx, TransferRequest{
		Direction:      dir,
		AccountHolder:  bank.AccountHolder,
		AccountNumber:  bank.AccountNumber,
		RoutingNumber:  bank.RoutingNumber,
		AccountType:    bank.AccountType,
		Amount:         req.Amount,
		Currency:       req.Currency,
		IdempotencyKey: req.Reference,
	})
	if err != nil {
		return processor.Receipt{}, fmt.Errorf("%s transfer: %w", dir, err)
	}
	return processor.Receipt{ExternalID: res.ID, Status: res.Status, SubmittedAt: time.Now()}, nil
}

// ValidRoutingNumber checks the 9-digit ABA routing checksum.
func ValidRoutingNumber(rn string) bool {
	if len(rn) != 9 {
		return false
	}
	var d [9]int
	for i := 0; i < 9; i++ {
		if rn[i] < '0' || rn[i] > '9' {
			return false
		}
		d[i] = int(rn[i] - '0')
	}
	sum := 3*(d[0]+d[3]+d[6]) + 7*(d[1]+d[4]+d[7]) + (d[2] + d[5] + d[8])
	return sum%10 == 0
}

// ValidAccountNumber accepts 4 to 17 digits.
func ValidAccountNumber(an string) bool {
	if len(an) < 4 || len(an) > 17 {
		return false
	}
	for i := 0; i < len(an); i++ {
		if an[i] < '0' || an[i] > '9' {
			return false
		}
	}
	return true
}
