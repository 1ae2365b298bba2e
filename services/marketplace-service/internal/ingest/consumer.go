package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/remlock/remlock/libs/kafkax"
	"github.com/remlock/remlock/services/marketplace-service/internal/events"
	"github.com/remlock/remlock/services/marketplace-service/internal/model"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Store persists inbound events exactly once, keyed by event uid.
type Store interface {
	InsertPlatformEventOnce(ctx context.Context, evt *model.PlatformEvent) (bool, error)
}

// Consumer ingests facts produced by collaborating services (bot, chat,
// auth) from Kafka into the platform event log, so rules react to them the
// same way they react to lifecycle events.
type Consumer struct {
	reader     *kafka.Reader
	store      Store
	dispatcher *events.Dispatcher
	logger     *slog.Logger
}

type Config struct {
	Brokers string
	GroupID string
	Topic   string
}

func New(logger *slog.Logger, store Store, dispatcher *events.Dispatcher, cfg Config) *Consumer {
	brokers := kafkax.SplitBrokers(cfg.Brokers)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &Consumer{reader: reader, store: store, dispatcher: dispatcher, logger: logger}
}

func (c *Consumer) Run(ctx context.Context) {
	defer c.reader.Close()

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka read error", "err", err)
			time.Sleep(1 * time.Second)
			continue
		}

		ctxMsg := kafkax.ExtractTraceContext(ctx, msg)
		ctxSpan, span := otel.Tracer("kafka").Start(ctxMsg, "kafka.consume",
			trace.WithAttributes(
				attribute.String("messaging.system", "kafka"),
				attribute.String("messaging.destination", msg.Topic),
			),
		)
		if err := c.process(ctxSpan, msg); err != nil {
			c.logger.Error("inbound event rejected", "err", err)
			span.RecordError(err)
		}
		span.End()
	}
}

type inboundEvent struct {
	EventUID   string         `json:"event_uid"`
	EventType  string         `json:"event_type"`
	EntityType string         `json:"entity_type"`
	EntityID   int64          `json:"entity_id"`
	ActorID    *int64         `json:"actor_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// process validates one inbound message, stores it exactly once and
// dispatches it to subscribers. A duplicate uid is dropped without a
// second dispatch.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	var in inboundEvent
	if err := json.Unmarshal(msg.Value, &in); err != nil {
		return fmt.Errorf("decode inbound event: %w", err)
	}
	meta := kafkax.ExtractEventMeta(msg)
	if in.EventUID == "" {
		in.EventUID = meta.EventID
	}
	if in.EventType == "" {
		in.EventType = meta.EventType
	}
	in.EventType = strings.TrimSpace(in.EventType)
	in.EntityType = strings.TrimSpace(in.EntityType)
	if in.EventUID == "" || in.EventType == "" || in.EntityType == "" || in.EntityID <= 0 {
		return fmt.Errorf("inbound event missing uid, type or entity reference")
	}

	evt := model.PlatformEvent{
		EventUID:   in.EventUID,
		EventType:  in.EventType,
		EntityType: in.EntityType,
		EntityID:   in.EntityID,
		ActorID:    in.ActorID,
		Payload:    in.Payload,
	}
	inserted, err := c.store.InsertPlatformEventOnce(ctx, &evt)
	if err != nil {
		return err
	}
	if !inserted {
		c.logger.Info("duplicate event ignored", "event_id", in.EventUID, "event_type", in.EventType)
		return nil
	}
	c.dispatcher.Dispatch(ctx, evt)
	return nil
}
