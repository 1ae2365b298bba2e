package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/remlock/remlock/libs/db"
	"github.com/remlock/remlock/libs/kafkax"
	otelx "github.com/remlock/remlock/libs/otel"
	"github.com/segmentio/kafka-go"
)

// Publisher drains unpublished platform events to Kafka. The events table
// doubles as the outbox: every event is written in the same transaction as
// the state change it describes, then shipped here after commit. Topic name
// equals the event type, one topic per event kind.
type Publisher struct {
	pool      *db.Pool
	logger    *slog.Logger
	brokers   []string
	pollEvery time.Duration
	batchSize int
}

type Config struct {
	Brokers   string
	PollEvery time.Duration
	BatchSize int
}

func NewPublisher(pool *db.Pool, logger *slog.Logger, cfg Config) *Publisher {
	brokers := kafkax.SplitBrokers(cfg.Brokers)
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Publisher{
		pool:      pool,
		logger:    logger,
		brokers:   brokers,
		pollEvery: cfg.PollEvery,
		batchSize: cfg.BatchSize,
	}
}

func (p *Publisher) Run(ctx context.Context) {
	if len(p.brokers) == 0 {
		p.logger.Warn("event publisher disabled (no kafka brokers configured)")
		return
	}

	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  p.brokers,
		Balancer: &kafka.Hash{},
	})
	defer writer.Close()

	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.publishBatch(ctx, writer); err != nil {
				p.logger.Error("event publish failed", "err", err)
			}
		}
	}
}

type record struct {
	ID          int64
	EventUID    string
	EventType   string
	EntityType  string
	EntityID    int64
	Payload     []byte
	Traceparent string
	Tracestate  string
	CreatedAt   time.Time
}

func (p *Publisher) publishBatch(ctx context.Context, writer *kafka.Writer) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	records, err := fetchUnpublished(ctx, tx, p.batchSize)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return tx.Commit(ctx)
	}

	for _, r := range records {
		msgCtx := otelx.ContextWithTraceContext(ctx, r.Traceparent, r.Tracestate)
		envelope, err := json.Marshal(map[string]any{
			"event_uid":   r.EventUID,
			"event_type":  r.EventType,
			"entity_type": r.EntityType,
			"entity_id":   r.EntityID,
			"payload":     json.RawMessage(orEmptyJSON(r.Payload)),
			"created_at":  r.CreatedAt,
		})
		if err != nil {
			return err
		}
		msg := kafka.Message{
			Topic: r.EventType,
			Key:   []byte(fmt.Sprintf("%s:%d", r.EntityType, r.EntityID)),
			Value: envelope,
			Headers: []kafka.Header{
				{Key: "event_id", Value: []byte(r.EventUID)},
				{Key: "event_type", Value: []byte(r.EventType)},
			},
		}
		msg.Headers = kafkax.InjectTraceHeaders(msgCtx, msg.Headers)
		if err := writer.WriteMessages(ctx, msg); err != nil {
			return err
		}
	}

	var ids []int64
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	if err := markPublished(ctx, tx, ids); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func fetchUnpublished(ctx context.Context, tx pgx.Tx, limit int) ([]record, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, event_uid, event_type, entity_type, entity_id, payload, traceparent, tracestate, created_at
		FROM platform_events
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []record
	for rows.Next() {
		var r record
		if err := rows.Scan(&r.ID, &r.EventUID, &r.EventType, &r.EntityType, &r.EntityID, &r.Payload, &r.Traceparent, &r.Tracestate, &r.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func markPublished(ctx context.Context, tx pgx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE platform_events
		SET published_at = now()
		WHERE id = ANY($1)
	`, ids)
	return err
}

func orEmptyJSON(b []byte) []byte {
	if len(b) == 0 {
		return []byte("{}")
	}
	return b
}
