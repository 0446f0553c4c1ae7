package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/escrowd/internal/core/domain"
)

// DefaultStream is the stream saga events are appended to.
const DefaultStream = "escrow:events"

// StreamSink appends saga events to a capped Redis stream.
type StreamSink struct {
	rdb    *redis.Client
	stream string
	maxLen int64
}

// NewStreamSink creates a sink writing to stream, trimmed to roughly maxLen entries.
func NewStreamSink(c *Client, stream string, maxLen int64) *StreamSink {
	if stream == "" {
		stream = DefaultStream
	}
	return &StreamSink{rdb: c.rdb, stream: stream, maxLen: maxLen}
}

func (s *StreamSink) Name() string { return "redis" }

// Publish appends ev to the stream.
func (s *StreamSink) Publish(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"type":           string(ev.Type),
			"transaction_id": ev.TransactionID,
			"payload":        payload,
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if err := s.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd failed: %w", err)
	}
	return nil
}
