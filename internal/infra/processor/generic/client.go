package generic

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vietddude/escrowd/internal/core/apperr"
	"github.com/vietddude/escrowd/internal/core/domain"
)

// Full method names of the provider gateway service.
const (
	methodValidate = "/escrowd.rail.v1.RailGateway/ValidateAccount"
	methodTransfer = "/escrowd.rail.v1.RailGateway/Transfer"
)

// Client calls the provider gateway with structpb payloads, so no generated
// stubs are needed.
type Client struct {
	conn   grpc.ClientConnInterface
	apiKey string
}

// NewClient wraps an existing connection.
func NewClient(conn grpc.ClientConnInterface, apiKey string) *Client {
	return &Client{conn: conn, apiKey: apiKey}
}

// Dial connects to endpoint. TLS is used for https:// or :443 targets.
func Dial(endpoint, apiKey string) (*Client, *grpc.ClientConn, error) {
	target := endpoint
	var opts []grpc.DialOption

	if strings.HasPrefix(endpoint, "https://") || strings.HasSuffix(endpoint, ":443") {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
		target = strings.TrimPrefix(target, "https://")
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		target = strings.TrimPrefix(target, "http://")
	}

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create grpc client for %s: %w", target, err)
	}
	return NewClient(conn, apiKey), conn, nil
}

// ValidateAccount asks the gateway whether reference is an open account at provider.
func (c *Client) ValidateAccount(ctx context.Context, provider, reference string) (bool, error) {
	req, err := structpb.NewStruct(map[string]any{
		"provider":  provider,
		"reference": reference,
	})
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}

	reply := &structpb.Struct{}
	if err := c.invoke(ctx, domain.OperationValidate, methodValidate, req, reply); err != nil {
		return false, err
	}
	return reply.GetFields()["valid"].GetBoolValue(), nil
}

// TransferRequest is one debit or credit at a provider.
type TransferRequest struct {
	Direction      string // "debit" or "credit"
	Provider       string
	Reference      string
	Amount         string
	Currency       string
	IdempotencyKey string
}

// Transfer submits req and returns the gateway's transfer id and status.
func (c *Client) Transfer(ctx context.Context, op domain.Operation, tr TransferRequest) (string, string, error) {
	req, err := structpb.NewStruct(map[string]any{
		"direction":       tr.Direction,
		"provider":        tr.Provider,
		"reference":       tr.Reference,
		"amount":          tr.Amount,
		"currency":        tr.Currency,
		"idempotency_key": tr.IdempotencyKey,
	})
	if err != nil {
		return "", "", fmt.Errorf("build request: %w", err)
	}

	reply := &structpb.Struct{}
	if err := c.invoke(ctx, op, methodTransfer, req, reply); err != nil {
		return "", "", err
	}

	fields := reply.GetFields()
	id := fields["transfer_id"].GetStringValue()
	if id == "" {
		return "", "", apperr.Transient(domain.MethodTypeOther, op, "empty_id", fmt.Errorf("transfer accepted without id"))
	}
	return id, fields["status"].GetStringValue(), nil
}

func (c *Client) invoke(ctx context.Context, op domain.Operation, method string, req, reply *structpb.Struct) error {
	if c.apiKey != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.apiKey)
	}
	if err := c.conn.Invoke(ctx, method, req, reply); err != nil {
		return classify(ctx, op, err)
	}
	return nil
}

// classify maps a gRPC status to the error taxonomy. The ErrorInfo reason,
// when present, becomes the rail error code.
func classify(ctx context.Context, op domain.Operation, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	code := strings.ToLower(st.Code().String())
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.GetReason() != "" {
			code = info.GetReason()
		}
	}
	t := domain.MethodTypeOther

	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return apperr.Transient(t, op, code, err)
	case codes.Unauthenticated, codes.PermissionDenied:
		return apperr.Permanent(t, op, code, fmt.Errorf("%w: %w", apperr.ErrAuthentication, err))
	case codes.InvalidArgument, codes.NotFound:
		return apperr.Permanent(t, op, code, fmt.Errorf("%w: %w", apperr.ErrValidation, err))
	case codes.FailedPrecondition, codes.OutOfRange:
		return apperr.Permanent(t, op, code, err)
	default:
		return err
	}
}
