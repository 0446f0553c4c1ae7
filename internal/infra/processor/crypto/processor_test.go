package crypto

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/escrowd/internal/core/apperr"
	"github.com/vietddude/escrowd/internal/core/domain"
	"github.com/vietddude/escrowd/internal/infra/processor"
)

const ethAddr = "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"

// ============================================================================
// Address validation
// ============================================================================

func TestValidAddress(t *testing.T) {
	tests := []struct {
		network string
		addr    string
		want    bool
	}{
		{NetworkBitcoin, "1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2", true},
		{NetworkBitcoin, "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq", true},
		{NetworkBitcoin, "0OIl-not-base58", false},
		{NetworkEthereum, ethAddr, true},
		{NetworkUSDC, ethAddr, true},
		{NetworkEthereum, "0x742d35", false},
		{"dogecoin", ethAddr, false},
	}
	for _, tt := range tests {
		if got := ValidAddress(tt.network, tt.addr); got != tt.want {
			t.Errorf("ValidAddress(%s, %s) = %v, want %v", tt.network, tt.addr, got, tt.want)
		}
	}
}

// ============================================================================
// JSON-RPC rail
// ============================================================================

func newNode(t *testing.T, handle func(method string, params []json.RawMessage) (any, *RPCError)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JSONRPC string            `json:"jsonrpc"`
			Method  string            `json:"method"`
			Params  []json.RawMessage `json:"params"`
			ID      int64             `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		result, rpcErr := handle(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func cryptoMethod() *domain.PaymentMethod {
	return &domain.PaymentMethod{
		ID:     "pm-a",
		Type:   domain.MethodTypeCrypto,
		Crypto: &domain.CryptoDetails{Network: "Ethereum", Address: ethAddr},
	}
}

func TestProcessor_WithdrawSendsReference(t *testing.T) {
	server := newNode(t, func(method string, params []json.RawMessage) (any, *RPCError) {
		if method != MethodWithdraw {
			t.Errorf("expected %s, got %s", MethodWithdraw, method)
		}
		var p TransferRequest
		if err := json.Unmarshal(params[0], &p); err != nil {
			t.Errorf("decode params: %v", err)
		}
		if p.Reference != "tx-1:withdraw" {
			t.Errorf("expected reference tx-1:withdraw, got %q", p.Reference)
		}
		if p.Network != NetworkEthereum {
			t.Errorf("expected lower-cased network, got %q", p.Network)
		}
		return map[string]any{"tx_hash": "crypto_tx_1", "status": "broadcast"}, nil
	})
	defer server.Close()

	p := NewProcessor(NewRPCClient(server.URL, "", 5*time.Second), DefaultConfig())
	r, err := p.Withdraw(context.Background(), processor.LegRequest{
		Method:    cryptoMethod(),
		Amount:    decimal.RequireFromString("50.00"),
		Currency:  "USDC",
		Reference: "tx-1:withdraw",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.ExternalID != "crypto_tx_1" {
		t.Errorf("expected crypto_tx_1, got %s", r.ExternalID)
	}
}

func TestProcessor_ErrorCodes(t *testing.T) {
	tests := []struct {
		name      string
		rpcErr    *RPCError
		permanent bool
		sentinel  error
	}{
		{"congestion", &RPCError{Code: CodeNetworkCongestion, Message: "network congestion"}, false, nil},
		{"rate_limit", &RPCError{Code: CodeRateLimited, Message: "slow down"}, false, nil},
		{"insufficient", &RPCError{Code: CodeInsufficientFunds, Message: "balance too low"}, true, apperr.ErrInsufficientFunds},
		{"invalid_params", &RPCError{Code: CodeInvalidParams, Message: "bad amount"}, true, apperr.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newNode(t, func(string, []json.RawMessage) (any, *RPCError) { return nil, tt.rpcErr })
			defer server.Close()

			p := NewProcessor(NewRPCClient(server.URL, "", time.Second), DefaultConfig())
			_, err := p.Deposit(context.Background(), processor.LegRequest{
				Method: cryptoMethod(), Amount: decimal.NewFromInt(10), Currency: "ETH",
			})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := apperr.IsPermanent(err); got != tt.permanent {
				t.Errorf("IsPermanent = %v, want %v (%v)", got, tt.permanent, err)
			}
			if tt.sentinel != nil && !errors.Is(err, tt.sentinel) {
				t.Errorf("expected %v in chain, got %v", tt.sentinel, err)
			}
			var rpcErr *RPCError
			if !errors.As(err, &rpcErr) || rpcErr.Code != tt.rpcErr.Code {
				t.Errorf("expected RPCError code %d in chain, got %v", tt.rpcErr.Code, err)
			}
		})
	}
}

func TestProcessor_Validate(t *testing.T) {
	calls := 0
	server := newNode(t, func(method string, _ []json.RawMessage) (any, *RPCError) {
		calls++
		return map[string]bool{"valid": true}, nil
	})
	defer server.Close()

	p := NewProcessor(NewRPCClient(server.URL, "", time.Second), DefaultConfig())

	ok, err := p.Validate(context.Background(), cryptoMethod())
	if err != nil || !ok {
		t.Fatalf("expected valid, got %v %v", ok, err)
	}

	bad := cryptoMethod()
	bad.Crypto.Address = "0xnothex"
	ok, err = p.Validate(context.Background(), bad)
	if err != nil || ok {
		t.Fatalf("expected invalid without error, got %v %v", ok, err)
	}
	if calls != 1 {
		t.Errorf("malformed address reached the node: %d calls", calls)
	}
}

func TestProcessor_LimitAndFees(t *testing.T) {
	p := NewProcessor(nil, DefaultConfig())

	_, err := p.Withdraw(context.Background(), processor.LegRequest{
		Method: cryptoMethod(), Amount: decimal.NewFromInt(100_001), Currency: "USDC",
	})
	if !errors.Is(err, apperr.ErrLimitExceeded) {
		t.Fatalf("expected limit error, got %v", err)
	}

	q := p.CalculateFees(decimal.NewFromInt(200))
	if !q.Total.Equal(decimal.RequireFromString("3.50")) {
		t.Errorf("expected 3.50 (1.50 network + 2.00), got %s", q.Total)
	}
	if w := p.EstimateProcessingTime(); w.Min != 10*time.Minute || w.Max != time.Hour {
		t.Errorf("unexpected window %v", w)
	}
}

func TestProcessor_QuoteForUsesMethodNetworkAndCurrency(t *testing.T) {
	p := NewProcessor(nil, DefaultConfig())
	btc := &domain.PaymentMethod{
		Type:   domain.MethodTypeCrypto,
		Crypto: &domain.CryptoDetails{Network: "Bitcoin", Address: "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq"},
	}

	tests := []struct {
		name     string
		method   *domain.PaymentMethod
		amount   string
		currency domain.Currency
		want     string
	}{
		{"bitcoin in BTC", btc, "0.5", "BTC", "0.00504"},
		{"bitcoin in USD", btc, "200", "USD", "4.5"},
		{"ethereum in USD", cryptoMethod(), "200", "USD", "3.5"},
		{"no flat fee for the currency", btc, "200", "EUR", "2"},
		{"no method falls back to default network", nil, "1", "ETH", "0.0105"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := processor.Quote(p, tt.method, decimal.RequireFromString(tt.amount), tt.currency)
			if !q.Total.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("Total = %s, want %s", q.Total, tt.want)
			}
		})
	}
}
