package crypto

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/escrowd/internal/core/apperr"
	"github.com/vietddude/escrowd/internal/core/domain"
)

// JSON-RPC error codes returned by the custody node.
const (
	CodeInvalidParams     = -32602
	CodeRateLimited       = -32005
	CodeNetworkCongestion = -32010
	CodeInsufficientFunds = -32011
	CodeAddressRejected   = -32012
)

// Client is the custody node API.
type Client interface {
	// ValidateAddress asks the node whether address is valid and reachable on network.
	ValidateAddress(ctx context.Context, network, address string) (bool, error)

	// Transfer moves funds between the custody wallet and address.
	Transfer(ctx context.Context, req TransferRequest) (TransferResult, error)
}

type TransferRequest struct {
	Method    string          `json:"-"` // rail_withdraw or rail_deposit
	Network   string          `json:"network"`
	Address   string          `json:"address"`
	Amount    decimal.Decimal `json:"amount"`
	Asset     domain.Currency `json:"asset"`
	Reference string          `json:"reference"`
}

type TransferResult struct {
	TxHash        string `json:"tx_hash"`
	Status        string `json:"status"`
	Confirmations int    `json:"confirmations"`
}

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// RPCClient implements Client over JSON-RPC 2.0 on HTTP.
type RPCClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	nextID     atomic.Int64
}

// NewRPCClient creates a JSON-RPC client for endpoint.
func NewRPCClient(endpoint, apiKey string, timeout time.Duration) *RPCClient {
	return &RPCClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (c *RPCClient) ValidateAddress(ctx context.Context, network, address string) (bool, error) {
	var out struct {
		Valid bool `json:"valid"`
	}
	params := map[string]string{"network": network, "address": address}
	if err := c.call(ctx, domain.OperationValidate, "rail_validateAddress", params, &out); err != nil {
		return false, err
	}
	return out.Valid, nil
}

func (c *RPCClient) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	op := domain.OperationDeposit
	if req.Method == MethodWithdraw {
		op = domain.OperationWithdraw
	}
	var out TransferResult
	if err := c.call(ctx, op, req.Method, req, &out); err != nil {
		return TransferResult{}, err
	}
	if out.TxHash == "" {
		return TransferResult{}, apperr.Transient(domain.MethodTypeCrypto, op, "empty_hash",
			errors.New("transfer accepted without tx hash"))
	}
	return out, nil
}

// Close releases idle connections.
func (c *RPCClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int64  `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func (c *RPCClient) call(ctx context.Context, op domain.Operation, method string, params any, out any) error {
	data, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  []any{params},
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperr.Transient(domain.MethodTypeCrypto, op, "network", fmt.Errorf("rpc call: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Transient(domain.MethodTypeCrypto, op, "read", fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return apperr.Transient(domain.MethodTypeCrypto, op, fmt.Sprintf("http_%d", resp.StatusCode),
			fmt.Errorf("http %d: %s", resp.StatusCode, string(body)))
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return apperr.Permanent(domain.MethodTypeCrypto, op, fmt.Sprintf("http_%d", resp.StatusCode),
			fmt.Errorf("%w: http %d", apperr.ErrAuthentication, resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return apperr.Permanent(domain.MethodTypeCrypto, op, fmt.Sprintf("http_%d", resp.StatusCode),
			fmt.Errorf("http %d: %s", resp.StatusCode, string(body)))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcFailure(op, rpcResp.Error)
	}
	if out != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("parse result: %w", err)
		}
	}
	return nil
}

// rpcFailure maps node error codes to the error taxonomy. Unknown codes are
// left to the recovery classifier.
func rpcFailure(op domain.Operation, e *RPCError) error {
	t := domain.MethodTypeCrypto
	code := fmt.Sprintf("rpc_%d", e.Code)

	switch e.Code {
	case CodeNetworkCongestion, CodeRateLimited:
		return apperr.Transient(t, op, code, e)
	case CodeInsufficientFunds:
		return apperr.Permanent(t, op, code, fmt.Errorf("%w: %w", apperr.ErrInsufficientFunds, e))
	case CodeAddressRejected:
		return apperr.Permanent(t, op, code, fmt.Errorf("%w: %w", apperr.ErrCompliance, e))
	case CodeInvalidParams, -32600, -32601, -32700:
		return apperr.Permanent(t, op, code, fmt.Errorf("%w: %w", apperr.ErrValidation, e))
	default:
		return e
	}
}
