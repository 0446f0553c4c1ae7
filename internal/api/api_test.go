package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/escrowd/internal/core/apperr"
	"github.com/vietddude/escrowd/internal/core/domain"
	"github.com/vietddude/escrowd/internal/core/escrow"
	"github.com/vietddude/escrowd/internal/health"
	"github.com/vietddude/escrowd/internal/infra/breaker"
)

type mockEscrow struct {
	initiate       func(ctx context.Context, req escrow.InitiateRequest) (*domain.Transaction, error)
	confirmRelease func(ctx context.Context, txID, actorID string) (*domain.Transaction, error)
	cancel         func(ctx context.Context, txID, actorID, reason string) (*domain.Transaction, error)
	getStatus      func(ctx context.Context, txID string) (*escrow.Snapshot, error)
	resume         func(ctx context.Context, txID string) (*domain.Transaction, error)
	retryReturn    func(ctx context.Context, txID string) (*domain.Transaction, error)
	listUnresolved func(ctx context.Context) ([]*escrow.Snapshot, error)
}

func (m *mockEscrow) Initiate(ctx context.Context, req escrow.InitiateRequest) (*domain.Transaction, error) {
	return m.initiate(ctx, req)
}

func (m *mockEscrow) ConfirmRelease(ctx context.Context, txID, actorID string) (*domain.Transaction, error) {
	return m.confirmRelease(ctx, txID, actorID)
}

func (m *mockEscrow) Cancel(ctx context.Context, txID, actorID, reason string) (*domain.Transaction, error) {
	return m.cancel(ctx, txID, actorID, reason)
}

func (m *mockEscrow) GetStatus(ctx context.Context, txID string) (*escrow.Snapshot, error) {
	return m.getStatus(ctx, txID)
}

func (m *mockEscrow) Resume(ctx context.Context, txID string) (*domain.Transaction, error) {
	return m.resume(ctx, txID)
}

func (m *mockEscrow) RetryReturn(ctx context.Context, txID string) (*domain.Transaction, error) {
	return m.retryReturn(ctx, txID)
}

func (m *mockEscrow) ListUnresolved(ctx context.Context) ([]*escrow.Snapshot, error) {
	return m.listUnresolved(ctx)
}

type mockBreakers struct {
	snapshots []breaker.Snapshot
	reset     []domain.MethodType
}

func (m *mockBreakers) Snapshot() []breaker.Snapshot { return m.snapshots }

func (m *mockBreakers) Reset(t domain.MethodType) bool {
	for _, s := range m.snapshots {
		if s.Name == string(t) {
			m.reset = append(m.reset, t)
			return true
		}
	}
	return false
}

type mockHealth struct{ report health.HealthReport }

func (m *mockHealth) CheckHealth(context.Context) health.HealthReport { return m.report }

const token = "s3cret"

func newTestServer(esc *mockEscrow, br *mockBreakers, hc *mockHealth) *Server {
	if br == nil {
		br = &mockBreakers{}
	}
	if hc == nil {
		hc = &mockHealth{report: health.HealthReport{SystemStatus: health.StatusHealthy}}
	}
	return NewServer(Config{AdminToken: token}, esc, br, hc, nil)
}

func do(t *testing.T, s *Server, method, path, actor, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if actor != "" {
		req.Header.Set(ActorHeader, actor)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func doAdmin(t *testing.T, s *Server, method, path, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func escrowedTx() *domain.Transaction {
	return &domain.Transaction{
		ID:          "tx-1",
		SenderID:    "alice",
		RecipientID: "bob",
		Amount:      decimal.NewFromInt(50),
		Currency:    "USD",
		Status:      domain.TransactionStatusEscrowed,
	}
}

func TestInitiate_Created(t *testing.T) {
	var got escrow.InitiateRequest
	esc := &mockEscrow{initiate: func(_ context.Context, req escrow.InitiateRequest) (*domain.Transaction, error) {
		got = req
		return escrowedTx(), nil
	}}
	s := newTestServer(esc, nil, nil)

	w := do(t, s, http.MethodPost, "/v1/transactions", "alice",
		`{"recipient_id":"bob","amount":"50.00","currency":"USD","sender_method_id":"pm-a","recipient_method_id":"pm-b"}`)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "alice", got.SenderID)
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(50)))
	body := decode(t, w)
	assert.Equal(t, escrow.StatusDescription(domain.TransactionStatusEscrowed), body["description"])
}

func TestInitiate_OnBehalfOfAnotherSenderForbidden(t *testing.T) {
	s := newTestServer(&mockEscrow{}, nil, nil)
	w := do(t, s, http.MethodPost, "/v1/transactions", "mallory",
		`{"sender_id":"alice","recipient_id":"bob","amount":"5","currency":"USD"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestInitiate_MalformedBody(t *testing.T) {
	s := newTestServer(&mockEscrow{}, nil, nil)
	w := do(t, s, http.MethodPost, "/v1/transactions", "alice", `{"amount":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInitiate_FailedTransactionReturnedWithError(t *testing.T) {
	esc := &mockEscrow{initiate: func(context.Context, escrow.InitiateRequest) (*domain.Transaction, error) {
		tx := escrowedTx()
		tx.Status = domain.TransactionStatusFailed
		return tx, fmt.Errorf("withdraw: %w", apperr.ErrRetriesExhausted)
	}}
	s := newTestServer(esc, nil, nil)

	w := do(t, s, http.MethodPost, "/v1/transactions", "alice",
		`{"recipient_id":"bob","amount":"5","currency":"USD"}`)

	assert.Equal(t, apperr.HTTPStatus(apperr.ErrRetriesExhausted), w.Code)
	body := decode(t, w)
	assert.Equal(t, apperr.Kind(apperr.ErrRetriesExhausted), body["error"])
	require.Contains(t, body, "transaction")
	assert.Equal(t, "failed", body["transaction"].(map[string]any)["status"])
}

func TestMissingActorRejected(t *testing.T) {
	s := newTestServer(&mockEscrow{}, nil, nil)
	w := do(t, s, http.MethodGet, "/v1/transactions/tx-1", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRelease_PassesActor(t *testing.T) {
	var actor string
	esc := &mockEscrow{confirmRelease: func(_ context.Context, txID, actorID string) (*domain.Transaction, error) {
		actor = actorID
		tx := escrowedTx()
		tx.Status = domain.TransactionStatusCompleted
		return tx, nil
	}}
	s := newTestServer(esc, nil, nil)

	w := do(t, s, http.MethodPost, "/v1/transactions/tx-1/release", "bob", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bob", actor)
}

func TestRelease_ForbiddenMapsTo403(t *testing.T) {
	esc := &mockEscrow{confirmRelease: func(context.Context, string, string) (*domain.Transaction, error) {
		return nil, apperr.ErrForbidden
	}}
	s := newTestServer(esc, nil, nil)

	w := do(t, s, http.MethodPost, "/v1/transactions/tx-1/release", "alice", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.NotContains(t, decode(t, w), "transaction")
}

func TestCancel_ReasonForwarded(t *testing.T) {
	var reason string
	esc := &mockEscrow{cancel: func(_ context.Context, _, _, r string) (*domain.Transaction, error) {
		reason = r
		tx := escrowedTx()
		tx.Status = domain.TransactionStatusRefunded
		return tx, nil
	}}
	s := newTestServer(esc, nil, nil)

	w := do(t, s, http.MethodPost, "/v1/transactions/tx-1/cancel", "alice", `{"reason":"changed my mind"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "changed my mind", reason)
}

func TestStatus_HiddenFromNonParties(t *testing.T) {
	esc := &mockEscrow{getStatus: func(context.Context, string) (*escrow.Snapshot, error) {
		return &escrow.Snapshot{Transaction: escrowedTx()}, nil
	}}
	s := newTestServer(esc, nil, nil)

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/v1/transactions/tx-1", "bob", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/v1/transactions/tx-1", "eve", "").Code)
}

func TestHealth_CriticalIs503(t *testing.T) {
	hc := &mockHealth{report: health.HealthReport{SystemStatus: health.StatusCritical, UnresolvedEscrows: 2}}
	s := newTestServer(&mockEscrow{}, nil, hc)

	w := do(t, s, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = do(t, s, http.MethodGet, "/health/detailed", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decode(t, w)["unresolved_escrows"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(&mockEscrow{}, nil, nil)
	w := do(t, s, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdmin_RequiresToken(t *testing.T) {
	s := newTestServer(&mockEscrow{}, nil, nil)

	assert.Equal(t, http.StatusUnauthorized, doAdmin(t, s, http.MethodGet, "/admin/breakers", "").Code)
	assert.Equal(t, http.StatusUnauthorized, doAdmin(t, s, http.MethodGet, "/admin/breakers", "Bearer wrong").Code)
	assert.Equal(t, http.StatusOK, doAdmin(t, s, http.MethodGet, "/admin/breakers", "Bearer "+token).Code)
}

func TestAdmin_DisabledWithoutToken(t *testing.T) {
	s := NewServer(Config{}, &mockEscrow{}, &mockBreakers{}, &mockHealth{}, nil)
	assert.Equal(t, http.StatusNotFound, doAdmin(t, s, http.MethodGet, "/admin/breakers", "Bearer ").Code)
}

func TestAdmin_BreakerReset(t *testing.T) {
	br := &mockBreakers{snapshots: []breaker.Snapshot{{Name: "crypto", State: "open"}}}
	s := newTestServer(&mockEscrow{}, br, nil)

	w := doAdmin(t, s, http.MethodPost, "/admin/breakers/crypto/reset", "Bearer "+token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []domain.MethodType{domain.MethodTypeCrypto}, br.reset)

	w = doAdmin(t, s, http.MethodPost, "/admin/breakers/bank_transfer/reset", "Bearer "+token)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doAdmin(t, s, http.MethodPost, "/admin/breakers/paypal/reset", "Bearer "+token)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdmin_UnresolvedAndRetryReturn(t *testing.T) {
	esc := &mockEscrow{
		listUnresolved: func(context.Context) ([]*escrow.Snapshot, error) {
			return []*escrow.Snapshot{{Transaction: escrowedTx()}}, nil
		},
		retryReturn: func(_ context.Context, txID string) (*domain.Transaction, error) {
			tx := escrowedTx()
			tx.ID = txID
			return tx, fmt.Errorf("transaction %s: %w: %w", txID, apperr.ErrSagaUnresolved, apperr.ErrCompliance)
		},
	}
	s := newTestServer(esc, nil, nil)

	w := doAdmin(t, s, http.MethodGet, "/admin/unresolved", "Bearer "+token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = doAdmin(t, s, http.MethodPost, "/admin/transactions/tx-9/retry-return", "Bearer "+token)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decode(t, w)
	assert.Equal(t, "escrow_unresolved", body["error"])
	assert.Equal(t, "tx-9", body["transaction"].(map[string]any)["id"])
}

func TestServer_ListenThenServe(t *testing.T) {
	s := NewServer(Config{}, &mockEscrow{}, &mockBreakers{}, &mockHealth{report: health.HealthReport{SystemStatus: health.StatusHealthy}}, nil)
	require.NoError(t, s.Listen())
	_, port, err := net.SplitHostPort(s.Addr())
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- s.Serve() }()

	resp, err := http.Get("http://127.0.0.1:" + port + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.NoError(t, <-served)
}

func TestServer_ListenReportsTakenPort(t *testing.T) {
	taken, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer taken.Close()

	s := NewServer(Config{Port: taken.Addr().(*net.TCPAddr).Port}, &mockEscrow{}, &mockBreakers{}, &mockHealth{}, nil)
	assert.Error(t, s.Listen())
	assert.Error(t, s.Serve())
}
