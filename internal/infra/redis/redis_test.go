package redis

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/escrowd/internal/core/domain"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	url := os.Getenv("ESCROWD_TEST_REDIS_URL")
	if url == "" {
		t.Skip("ESCROWD_TEST_REDIS_URL not set")
	}
	c, err := NewClient(Config{URL: url})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLocker_SerializesHolders(t *testing.T) {
	c := testClient(t)
	l := NewLocker(c, 3*time.Second, nil)
	txID := uuid.NewString()
	ctx := context.Background()

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, txID)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(20 * time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestLocker_ContextCancelled(t *testing.T) {
	c := testClient(t)
	l := NewLocker(c, 3*time.Second, nil)
	txID := uuid.NewString()

	unlock, err := l.Lock(context.Background(), txID)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, txID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocker_UnlockIsIdempotent(t *testing.T) {
	c := testClient(t)
	l := NewLocker(c, 3*time.Second, nil)
	txID := uuid.NewString()

	unlock, err := l.Lock(context.Background(), txID)
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		unlock()
		unlock()
	})

	next, err := l.Lock(context.Background(), txID)
	require.NoError(t, err)
	defer next()

	// A stale release must leave the new holder's lock in place.
	unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, txID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStreamSink_Publish(t *testing.T) {
	c := testClient(t)
	stream := "escrow:events:test:" + uuid.NewString()
	s := NewStreamSink(c, stream, 100)
	ctx := context.Background()
	t.Cleanup(func() { c.rdb.Del(context.Background(), stream) })

	require.NoError(t, s.Publish(ctx, domain.Event{
		ID:            uuid.NewString(),
		Type:          domain.EventEscrowHeld,
		TransactionID: "tx-1",
		Amount:        decimal.RequireFromString("50"),
		Currency:      "USD",
	}))

	msgs, err := c.rdb.XRange(ctx, stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "escrow_held", msgs[0].Values["type"])
	assert.Equal(t, "tx-1", msgs[0].Values["transaction_id"])
}
