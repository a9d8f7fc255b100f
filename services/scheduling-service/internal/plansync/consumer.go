// Package plansync mirrors subscription terms published by the plan catalog into local
// storage, where booking debits and refunds them.
package plansync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/md-rashed-zaman/tutorbook/libs/kafkax"
	"github.com/md-rashed-zaman/tutorbook/services/scheduling-service/internal/model"
)

const (
	EventActivated = "subscription.activated"
	EventRenewed   = "subscription.renewed"
	EventResumed   = "subscription.resumed"
	EventPaused    = "subscription.paused"
	EventExpired   = "subscription.expired"
)

// Event is the plan catalog envelope.
type Event struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	UserID     string    `json:"user_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    struct {
		SubscriptionID       string `json:"subscription_id"`
		PlanSessionsIncluded int    `json:"plan_sessions_included"`
	} `json:"payload"`
}

type Store interface {
	UpsertSubscription(ctx context.Context, sub model.Subscription, resetQuota bool) error
}

// Reader is the subset of *kafka.Reader the consumer needs.
type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type Config struct {
	Brokers string
	GroupID string
	Topic   string
}

func NewReader(cfg Config) (*kafka.Reader, error) {
	brokers := kafkax.SplitBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers not configured")
	}
	if cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New("plan events topic and group id are required")
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	}), nil
}

type Consumer struct {
	reader     Reader
	store      Store
	logger     *slog.Logger
	tracer     trace.Tracer
	retryDelay time.Duration
}

func NewConsumer(reader Reader, store Store, logger *slog.Logger) *Consumer {
	return &Consumer{
		reader:     reader,
		store:      store,
		logger:     logger,
		tracer:     otel.Tracer("scheduling-service/plansync"),
		retryDelay: time.Second,
	}
}

// Run consumes until ctx is done, then closes the reader. Malformed or failing events are
// logged and skipped.
func (c *Consumer) Run(ctx context.Context) {
	defer func() { _ = c.reader.Close() }()

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka read error", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.retryDelay):
			}
			continue
		}
		c.consume(ctx, msg)
	}
}

func (c *Consumer) consume(ctx context.Context, msg kafka.Message) {
	ctx = kafkax.ExtractTraceContext(ctx, msg.Headers)
	ctx, span := c.tracer.Start(ctx, "kafka.consume", trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
		))
	defer span.End()

	if err := c.Handle(ctx, msg.Value); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.ErrorContext(ctx, "plan event rejected", "err", err,
			"event_id", kafkax.HeaderValue(msg.Headers, "event_id"),
			"offset", msg.Offset, "partition", msg.Partition)
	}
}

// Handle applies one encoded event. Event types this service does not track are ignored.
func (c *Consumer) Handle(ctx context.Context, body []byte) error {
	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return fmt.Errorf("decode plan event: %w", err)
	}

	var (
		status model.SubscriptionStatus
		reset  bool
	)
	switch evt.EventType {
	case EventActivated, EventRenewed:
		status, reset = model.SubscriptionActive, true
	case EventResumed:
		status = model.SubscriptionActive
	case EventPaused:
		status = model.SubscriptionPaused
	case EventExpired:
		status = model.SubscriptionExpired
	default:
		c.logger.DebugContext(ctx, "plan event ignored", "event_type", evt.EventType, "event_id", evt.EventID)
		return nil
	}

	sub := model.Subscription{
		ID:                   evt.Payload.SubscriptionID,
		UserID:               evt.UserID,
		Status:               status,
		PlanSessionsIncluded: evt.Payload.PlanSessionsIncluded,
	}
	if sub.ID == "" || sub.UserID == "" {
		return fmt.Errorf("%s %s: subscription_id and user_id are required", evt.EventType, evt.EventID)
	}
	if sub.PlanSessionsIncluded < 0 {
		return fmt.Errorf("%s %s: negative plan_sessions_included", evt.EventType, evt.EventID)
	}

	if err := c.store.UpsertSubscription(ctx, sub, reset); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "subscription synced", "subscription_id", sub.ID, "event_type", evt.EventType, "status", sub.Status)
	return nil
}
