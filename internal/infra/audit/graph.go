package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/vietddude/escrowd/internal/core/domain"
)

// GraphConfig configures the money-flow graph.
type GraphConfig struct {
	URI            string `yaml:"uri"`
	Database       string `yaml:"database"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxConnections int    `yaml:"max_connections"`
}

// ErrMissingURI indicates the graph URI is not provided.
var ErrMissingURI = errors.New("graph URI is required")

// GraphWriter runs one write query.
type GraphWriter interface {
	ExecuteWrite(ctx context.Context, cypher string, params map[string]any) error
	Close(ctx context.Context) error
}

// Parties are merged on every event; each event hangs off its transaction
// node so the graph replays the saga in order.
const recordEventCypher = `
MERGE (t:Transaction {id: $tx})
SET t.status = $event, t.amount = $amount, t.currency = $currency, t.updated_at = $occurred_at
WITH t
CALL {
	WITH t
	WITH t WHERE $sender <> ''
	MERGE (s:Party {id: $sender})
	MERGE (s)-[:SENT]->(t)
}
CALL {
	WITH t
	WITH t WHERE $recipient <> ''
	MERGE (r:Party {id: $recipient})
	MERGE (t)-[:TO]->(r)
}
CREATE (e:Event {id: $id, type: $event, processor: $processor, external_id: $external_id,
	reason: $reason, occurred_at: $occurred_at})
CREATE (t)-[:HAD]->(e)
`

// GraphSink records the money flow of each saga in a graph database.
type GraphSink struct {
	w GraphWriter
}

// NewGraphSink wraps an existing writer.
func NewGraphSink(w GraphWriter) *GraphSink {
	return &GraphSink{w: w}
}

func (s *GraphSink) Name() string { return "graph" }

func (s *GraphSink) Publish(ctx context.Context, ev domain.Event) error {
	params := map[string]any{
		"id":          ev.ID,
		"tx":          ev.TransactionID,
		"event":       string(ev.Type),
		"sender":      ev.SenderID,
		"recipient":   ev.RecipientID,
		"amount":      ev.Amount.String(),
		"currency":    string(ev.Currency),
		"processor":   string(ev.ProcessorType),
		"external_id": ev.ExternalID,
		"reason":      ev.Reason,
		"occurred_at": ev.OccurredAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
	if err := s.w.ExecuteWrite(ctx, recordEventCypher, params); err != nil {
		return fmt.Errorf("record event %s: %w", ev.Type, err)
	}
	return nil
}

// Close releases the underlying driver.
func (s *GraphSink) Close(ctx context.Context) error {
	return s.w.Close(ctx)
}

// NewNeo4jWriter establishes a Bolt connection using the official Neo4j driver.
func NewNeo4jWriter(ctx context.Context, cfg GraphConfig) (GraphWriter, error) {
	if cfg.URI == "" {
		return nil, ErrMissingURI
	}

	auth := neo4j.NoAuth()
	if cfg.Username != "" {
		auth = neo4j.BasicAuth(cfg.Username, cfg.Password, "")
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI, auth, func(c *neo4j.Config) {
		if cfg.MaxConnections > 0 {
			c.MaxConnectionPoolSize = cfg.MaxConnections
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify graph connectivity: %w", err)
	}

	return &neo4jWriter{driver: driver, database: cfg.Database}, nil
}

type neo4jWriter struct {
	driver   neo4j.DriverWithContext
	database string
}

func (w *neo4jWriter) ExecuteWrite(ctx context.Context, cypher string, params map[string]any) error {
	session := w.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: w.database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	return err
}

func (w *neo4jWriter) Close(ctx context.Context) error {
	return w.driver.Close(ctx)
}
