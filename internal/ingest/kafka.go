// Package ingest consumes storefront events from a Kafka topic and feeds
// them into the event service. It is an optional ingestion path next to the
// HTTP pixel endpoint; merchants with high-traffic storefronts batch events
// through their own pipeline and deliver them on a topic instead of hitting
// the API per event.
//
// Message format: one JSON document per Kafka message, matching the HTTP
// event payload. Malformed messages and domain rejections are logged and
// committed; only infrastructure errors stop the consumer.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	kafka "github.com/segmentio/kafka-go"

	"github.com/splitpix/go-splitpix-backend/internal/domain"
	"github.com/splitpix/go-splitpix-backend/internal/services"
)

var consumedMessages = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "splitpix",
		Subsystem: "ingest",
		Name:      "kafka_messages_total",
		Help:      "Kafka messages consumed, labeled by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(consumedMessages)
}

// Recorder is the slice of the event service the consumer needs.
type Recorder interface {
	Record(ctx context.Context, in services.EventInput) (*domain.ABTestEvent, bool, error)
}

// MessageReader abstracts the Kafka reader so tests can inject a fake.
// *kafka.Reader satisfies it.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// streamEvent is the wire form of one storefront event on the topic.
type streamEvent struct {
	TestID     string     `json:"test_id"`
	SessionID  string     `json:"session_id"`
	EventType  string     `json:"event_type"`
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
	ProductID  string     `json:"product_id,omitempty"`
	VariantID  *string    `json:"variant_id,omitempty"`
	ActiveCase string     `json:"active_case,omitempty"`
	Revenue    float64    `json:"revenue,omitempty"`
	Quantity   int        `json:"quantity,omitempty"`
	OrderID    *string    `json:"order_id,omitempty"`
}

// Consumer pulls storefront events off a Kafka topic and records them.
type Consumer struct {
	Reader MessageReader
	Events Recorder
}

// NewConsumer builds a Consumer with a kafka-go reader for the given brokers,
// topic, and consumer group.
func NewConsumer(brokers []string, topic, groupID string, events Recorder) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		CommitInterval: 0, // explicit commits after each processed message
	})
	return &Consumer{Reader: r, Events: events}
}

// Run consumes until the context is canceled or the reader fails. Messages
// that cannot be parsed or that the domain rejects are counted, logged, and
// committed so the group does not wedge on poison messages. Infrastructure
// failures (DB down etc) are NOT committed; the message redelivers and the
// domain dedup rules absorb the replay.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.Reader.Close(); err != nil {
			log.Warn().Err(err).Msg("kafka reader close")
		}
	}()

	for {
		msg, err := c.Reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}

		if err := c.process(ctx, msg); err != nil {
			return err
		}

		if err := c.Reader.CommitMessages(ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

// process handles one message. A non-nil return is an infrastructure failure
// that must block the commit; poison messages return nil.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	var se streamEvent
	if err := json.Unmarshal(msg.Value, &se); err != nil {
		consumedMessages.WithLabelValues("malformed").Inc()
		log.Warn().
			Err(err).
			Str("topic", msg.Topic).
			Int64("offset", msg.Offset).
			Msg("malformed stream event")
		return nil
	}

	in := services.EventInput{
		TestID:     se.TestID,
		SessionID:  se.SessionID,
		EventType:  se.EventType,
		ProductID:  se.ProductID,
		VariantID:  se.VariantID,
		ActiveCase: se.ActiveCase,
		Revenue:    se.Revenue,
		Quantity:   se.Quantity,
		OrderID:    se.OrderID,
	}
	if se.OccurredAt != nil {
		in.OccurredAt = *se.OccurredAt
	}

	_, deduped, err := c.Events.Record(ctx, in)
	switch {
	case err != nil && (errors.Is(err, services.ErrInvalidEvent) ||
		errors.Is(err, services.ErrInvalidProductID) ||
		errors.Is(err, services.ErrTestNotFound)):
		consumedMessages.WithLabelValues("rejected").Inc()
		log.Warn().
			Err(err).
			Str("test_id", se.TestID).
			Int64("offset", msg.Offset).
			Msg("stream event rejected")
	case err != nil:
		consumedMessages.WithLabelValues("failed").Inc()
		log.Error().
			Err(err).
			Str("test_id", se.TestID).
			Int64("offset", msg.Offset).
			Msg("stream event ingest failed")
		return err
	case deduped:
		consumedMessages.WithLabelValues("deduplicated").Inc()
	default:
		consumedMessages.WithLabelValues("recorded").Inc()
	}
	return nil
}
