package bank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/escrowd/internal/core/apperr"
	"github.com/vietddude/escrowd/internal/core/domain"
)

//go:generate mockgen -destination=mocks/mock_client.go -source=client.go Client

// Client is the bank-transfer network API.
type Client interface {
	// LookupParticipant reports whether routingNumber belongs to an active participant.
	LookupParticipant(ctx context.Context, routingNumber string) (bool, error)

	// Screen runs the network's compliance and risk check on a transfer.
	Screen(ctx context.Context, req ScreenRequest) (ScreenResult, error)

	// Transfer submits a debit or credit. IdempotencyKey deduplicates resubmits.
	Transfer(ctx context.Context, req TransferRequest) (TransferResult, error)
}

// Direction of a transfer relative to the account.
type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

type ScreenRequest struct {
	AccountHolder string          `json:"account_holder"`
	AccountNumber string          `json:"account_number"`
	Direction     Direction       `json:"direction"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      domain.Currency `json:"currency"`
}

type ScreenResult struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

type TransferRequest struct {
	Direction      Direction       `json:"direction"`
	AccountHolder  string          `json:"account_holder"`
	AccountNumber  string          `json:"account_number"`
	RoutingNumber  string          `json:"routing_number"`
	AccountType    string          `json:"account_type"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       domain.Currency `json:"currency"`
	IdempotencyKey string          `json:"-"`
}

type TransferResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// HTTPClient implements Client over the network's REST API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient creates a REST client for baseURL.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
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

func (c *HTTPClient) LookupParticipant(ctx context.Context, routingNumber string) (bool, error) {
	var out struct {
		Active bool `json:"active"`
	}
	err := c.do(ctx, domain.OperationValidate, http.MethodGet, "/v1/participants/"+url.PathEscape(routingNumber), nil, "", &out)
	if errors.Is(err, errNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return out.Active, nil
}

func (c *HTTPClient) Screen(ctx context.Context, req ScreenRequest) (ScreenResult, error) {
	var out ScreenResult
	op := domain.OperationDeposit
	if req.Direction == DirectionDebit {
		op = domain.OperationWithdraw
	}
	if err := c.do(ctx, op, http.MethodPost, "/v1/compliance/screen", req, "", &out); err != nil {
		return ScreenResult{}, err
	}
	return out, nil
}

func (c *HTTPClient) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	var out TransferResult
	op := domain.OperationDeposit
	if req.Direction == DirectionDebit {
		op = domain.OperationWithdraw
	}
	if err := c.do(ctx, op, http.MethodPost, "/v1/transfers", req, req.IdempotencyKey, &out); err != nil {
		return TransferResult{}, err
	}
	if out.ID == "" {
		return TransferResult{}, apperr.Transient(domain.MethodTypeBankTransfer, op, "empty_id",
			errors.New("transfer accepted without id"))
	}
	return out, nil
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

var errNotFound = errors.New("resource not found")

type railError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *HTTPClient) do(ctx context.Context, op domain.Operation, method, path string, in any, idemKey string, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperr.Transient(domain.MethodTypeBankTransfer, op, "network", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Transient(domain.MethodTypeBankTransfer, op, "read", fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
		return nil
	}

	return statusError(op, resp.StatusCode, data)
}

// statusError maps an HTTP failure to the error taxonomy.
func statusError(op domain.Operation, status int, body []byte) error {
	var re railError
	_ = json.Unmarshal(body, &re)
	msg := re.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	code := re.Code
	if code == "" {
		code = fmt.Sprintf("http_%d", status)
	}
	cause := fmt.Errorf("http %d: %s", status, msg)
	t := domain.MethodTypeBankTransfer

	switch {
	case status == http.StatusNotFound:
		// LookupParticipant reads errNotFound as an unknown participant.
		return apperr.Permanent(t, op, code, fmt.Errorf("%w: %w: %w", apperr.ErrInvalidMethod, errNotFound, cause))
	case status == http.StatusTooManyRequests, status >= 500:
		return apperr.Transient(t, op, code, cause)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return apperr.Permanent(t, op, code, fmt.Errorf("%w: %w", apperr.ErrAuthentication, cause))
	case status == http.StatusPaymentRequired:
		return apperr.Permanent(t, op, code, fmt.Errorf("%w: %w", apperr.ErrInsufficientFunds, cause))
	case status == http.StatusUnprocessableEntity:
		return apperr.Permanent(t, op, code, fmt.Errorf("%w: %w", apperr.ErrCompliance, cause))
	default:
		return apperr.Permanent(t, op, code, cause)
	}
}
