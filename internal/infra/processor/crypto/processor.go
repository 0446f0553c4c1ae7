// Package crypto implements the cryptocurrency rail.
package crypto

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/escrowd/internal/core/apperr"
	"github.com/vietddude/escrowd/internal/core/domain"
	"github.com/vietddude/escrowd/internal/infra/processor"
)

// JSON-RPC methods for the two leg directions.
const (
	MethodWithdraw = "rail_withdraw"
	MethodDeposit  = "rail_deposit"
)

// Supported networks.
const (
	NetworkBitcoin  = "bitcoin"
	NetworkEthereum = "ethereum"
	NetworkUSDC     = "usdc"
)

var (
	base58Address = regexp.MustCompile(`^[13][1-9A-HJ-NP-Za-km-z]{25,34}$`)
	bech32Address = regexp.MustCompile(`^bc1[qpzry9x8gf2tvdw0s3jn54khce6mua7l]{11,71}$`)
	hexAddress    = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

// NetworkFees maps a network to its flat fee per transaction currency.
// A currency with no entry pays only the percentage fee.
type NetworkFees map[string]map[domain.Currency]decimal.Decimal

// Fee returns the flat fee for a transfer on network denominated in currency.
func (f NetworkFees) Fee(network string, currency domain.Currency) decimal.Decimal {
	fee, ok := f[strings.ToLower(network)][currency]
	if !ok {
		return decimal.Zero
	}
	return fee
}

// Set records the flat fee for network in currency.
func (f NetworkFees) Set(network string, currency domain.Currency, fee decimal.Decimal) {
	network = strings.ToLower(network)
	if f[network] == nil {
		f[network] = make(map[domain.Currency]decimal.Decimal)
	}
	f[network][currency] = fee
}

// Config holds the rail's limits and rate table.
type Config struct {
	PerTransactionLimit decimal.Decimal
	NetworkFees         NetworkFees
	DefaultNetwork      string
	// BaseCurrency denominates quotes that carry no currency.
	BaseCurrency domain.Currency
	FeePercent   decimal.Decimal
	Window       processor.ProcessingWindow
}

// DefaultConfig returns the standard crypto limits and fees.
func DefaultConfig() Config {
	return Config{
		PerTransactionLimit: decimal.NewFromInt(100_000),
		NetworkFees: NetworkFees{
			NetworkBitcoin: {
				"USD": decimal.RequireFromString("2.50"),
				"BTC": decimal.RequireFromString("0.00004"),
			},
			NetworkEthereum: {
				"USD": decimal.RequireFromString("1.50"),
				"ETH": decimal.RequireFromString("0.0005"),
			},
			NetworkUSDC: {
				"USD":  decimal.RequireFromString("0.50"),
				"USDC": decimal.RequireFromString("0.50"),
			},
		},
		DefaultNetwork: NetworkEthereum,
		BaseCurrency:   "USD",
		FeePercent:     decimal.NewFromInt(1),
		Window:         processor.ProcessingWindow{Min: 10 * time.Minute, Max: 60 * time.Minute},
	}
}

// Processor is the cryptocurrency processor.
type Processor struct {
	client Client
	cfg    Config
}

var (
	_ processor.Processor   = (*Processor)(nil)
	_ processor.MethodQuoter = (*Processor)(nil)
)

// NewProcessor creates a crypto processor over client.
func NewProcessor(client Client, cfg Config) *Processor {
	return &Processor{client: client, cfg: cfg}
}

func (p *Processor) Type() domain.MethodType { return domain.MethodTypeCrypto }

// Validate checks the address format for the network, then asks the node.
func (p *Processor) Validate(ctx context.Context, method *domain.PaymentMethod) (bool, error) {
	if method == nil || method.Type != domain.MethodTypeCrypto || method.Crypto == nil {
		return false, nil
	}
	network := strings.ToLower(method.Crypto.Network)
	if !ValidAddress(network, method.Crypto.Address) {
		return false, nil
	}
	ok, err := p.client.ValidateAddress(ctx, network, method.Crypto.Address)
	if err != nil {
		return false, fmt.Errorf("network check: %w", err)
	}
	return ok, nil
}

func (p *Processor) Withdraw(ctx context.Context, req processor.LegRequest) (processor.Receipt, error) {
	return p.transfer(ctx, domain.OperationWithdraw, MethodWithdraw, req)
}

func (p *Processor) Deposit(ctx context.Context, req processor.LegRequest) (processor.Receipt, error) {
	return p.transfer(ctx, domain.OperationDeposit, MethodDeposit, req)
}

func (p *Processor) EstimateProcessingTime() processor.ProcessingWindow {
	return p.cfg.Window
}

// CalculateFees quotes the default network in the base currency.
func (p *Processor) CalculateFees(amount decimal.Decimal) processor.FeeQuote {
	return p.QuoteForNetwork(p.cfg.DefaultNetwork, amount, p.cfg.BaseCurrency)
}

// QuoteFor quotes fees on the method's own network.
func (p *Processor) QuoteFor(method *domain.PaymentMethod, amount decimal.Decimal, currency domain.Currency) processor.FeeQuote {
	network := p.cfg.DefaultNetwork
	if method != nil && method.Crypto != nil && method.Crypto.Network != "" {
		network = method.Crypto.Network
	}
	return p.QuoteForNetwork(network, amount, currency)
}

// QuoteForNetwork quotes fees for a transfer on network denominated in currency.
func (p *Processor) QuoteForNetwork(network string, amount decimal.Decimal, currency domain.Currency) processor.FeeQuote {
	fee := p.cfg.NetworkFees.Fee(network, currency)
	return processor.FeeSchedule{Fixed: fee, Percent: p.cfg.FeePercent}.Quote(amount)
}

func (p *Processor) transfer(ctx context.Context, op domain.Operation, rpcMethod string, req processor.LegRequest) (processor.Receipt, error) {
	if req.Method == nil || req.Method.Crypto == nil {
		return processor.Receipt{}, apperr.Permanent(p.Type(), op, "method",
			fmt.Errorf("%w: wallet details missing", apperr.ErrInvalidMethod))
	}
	if err := processor.CheckLimit(p.Type(), op, req.Amount, p.cfg.PerTransactionLimit); err != nil {
		return processor.Receipt{}, err
	}

	res, err := p.client.Transfer(ctx, TransferRequest{
		Method:    rpcMethod,
		Network:   strings.ToLower(req.Method.Crypto.Network),
		Address:   req.Method.Crypto.Address,
		Amount:    req.Amount,
		Asset:     req.Currency,
		Reference: req.Reference,
	})
	if err != nil {
		return processor.Receipt{}, fmt.Errorf("%s: %w", rpcMethod, err)
	}
	return processor.Receipt{ExternalID: res.TxHash, Status: res.Status, SubmittedAt: time.Now()}, nil
}

// ValidAddress checks address syntax for network.
func ValidAddress(network, address string) bool {
	switch network {
	case NetworkBitcoin:
		return base58Address.MatchString(address) || bech32Address.MatchString(address)
	case NetworkEthereum, NetworkUSDC:
		return hexAddress.MatchString(address)
	default:
		return false
	}
}
