package audit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/escrowd/internal/core/domain"
)

type recordingSink struct {
	name   string
	err    error
	events []domain.Event
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Publish(_ context.Context, ev domain.Event) error {
	s.events = append(s.events, ev)
	return s.err
}

type fakeWriter struct {
	cypher string
	params map[string]any
	err    error
}

func (w *fakeWriter) ExecuteWrite(_ context.Context, cypher string, params map[string]any) error {
	w.cypher, w.params = cypher, params
	return w.err
}

func (w *fakeWriter) Close(context.Context) error { return nil }

func event() domain.Event {
	return domain.Event{
		ID:            "ev-1",
		Type:          domain.EventFundsReleased,
		TransactionID: "tx-1",
		SenderID:      "alice",
		RecipientID:   "bob",
		Amount:        decimal.RequireFromString("47.50"),
		Currency:      "USD",
		ProcessorType: domain.MethodTypeBankTransfer,
		ExternalID:    "ach_tx_1",
		OccurredAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestMultiSink_FailingSinkDoesNotBlockOthers(t *testing.T) {
	bad := &recordingSink{name: "bad", err: errors.New("down")}
	good := &recordingSink{name: "good"}
	m := NewMultiSink(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), bad, good)

	require.NoError(t, m.Publish(context.Background(), event()))
	assert.Len(t, bad.events, 1)
	assert.Len(t, good.events, 1)
}

func TestLogSink_WritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSink(slog.New(slog.NewTextHandler(&buf, nil)))

	require.NoError(t, s.Publish(context.Background(), event()))
	out := buf.String()
	assert.Contains(t, out, "funds_released")
	assert.Contains(t, out, "tx=tx-1")
	assert.Contains(t, out, "external_id=ach_tx_1")
}

func TestLogSink_UnresolvedIsError(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSink(slog.New(slog.NewTextHandler(&buf, nil)))

	ev := event()
	ev.Type = domain.EventEscrowUnresolved
	require.NoError(t, s.Publish(context.Background(), ev))
	assert.Contains(t, buf.String(), "level=ERROR")
}

func TestGraphSink_Params(t *testing.T) {
	w := &fakeWriter{}
	s := NewGraphSink(w)

	require.NoError(t, s.Publish(context.Background(), event()))
	assert.Contains(t, w.cypher, "MERGE (t:Transaction {id: $tx})")
	assert.Equal(t, "tx-1", w.params["tx"])
	assert.Equal(t, "funds_released", w.params["event"])
	assert.Equal(t, "47.5", w.params["amount"])
	assert.Equal(t, "bank_transfer", w.params["processor"])
	assert.Equal(t, "2026-01-02T03:04:05.000Z", w.params["occurred_at"])
}

func TestGraphSink_WrapsWriterError(t *testing.T) {
	boom := errors.New("bolt: connection closed")
	s := NewGraphSink(&fakeWriter{err: boom})
	err := s.Publish(context.Background(), event())
	assert.ErrorIs(t, err, boom)
}

func TestNewNeo4jWriter_RequiresURI(t *testing.T) {
	_, err := NewNeo4jWriter(context.Background(), GraphConfig{})
	assert.ErrorIs(t, err, ErrMissingURI)
}
