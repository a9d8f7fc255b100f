package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/md-rashed-zaman/tutorbook/libs/kafkax"
)

// Event is the envelope published for every notification.
type Event struct {
	EventID    string         `json:"event_id"`
	EventType  string         `json:"event_type"`
	UserID     string         `json:"user_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload"`
}

// Writer is the subset of *kafka.Writer the notifier needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka hands notifications to the delivery service over a topic keyed by recipient.
type Kafka struct {
	w       Writer
	topic   string
	timeout time.Duration
	now     func() time.Time
}

// NewKafkaWriter returns an async writer: WriteMessages only enqueues, and delivery
// failures are logged from the completion callback instead of reaching the caller.
func NewKafkaWriter(brokers, topic string, logger *slog.Logger) (*kafka.Writer, error) {
	list := kafkax.SplitBrokers(brokers)
	if len(list) == 0 {
		return nil, errors.New("kafka brokers not configured")
	}
	if topic == "" {
		return nil, errors.New("notification topic not configured")
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(list...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		Async:                  true,
		Completion:             completionLogger(logger, topic),
	}, nil
}

func completionLogger(logger *slog.Logger, topic string) func([]kafka.Message, error) {
	return func(msgs []kafka.Message, err error) {
		if err == nil {
			return
		}
		for _, msg := range msgs {
			logger.Error("notification delivery failed", "topic", topic, "err", err,
				"event_id", kafkax.HeaderValue(msg.Headers, "event_id"),
				"event_type", kafkax.HeaderValue(msg.Headers, "event_type"))
		}
	}
}

func NewKafka(w Writer, topic string) *Kafka {
	return &Kafka{w: w, topic: topic, timeout: 3 * time.Second, now: time.Now}
}

func (k *Kafka) Notify(ctx context.Context, userID, eventType string, payload map[string]any) error {
	evt := Event{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		UserID:     userID,
		OccurredAt: k.now().UTC(),
		Payload:    payload,
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}

	var headers kafkax.Headers
	headers.Set("event_id", evt.EventID)
	headers.Set("event_type", eventType)
	headers.InjectTraceHeaders(ctx)
	msg := kafka.Message{Key: []byte(userID), Value: body, Headers: headers}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.timeout)
	defer cancel()
	if err := k.w.WriteMessages(writeCtx, msg); err != nil {
		return fmt.Errorf("publish %s to %s: %w", eventType, k.topic, err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.w.Close()
}

// Log writes notifications to the service log. Used when no broker is configured.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Notify(ctx context.Context, userID, eventType string, payload map[string]any) error {
	l.logger.InfoContext(ctx, "notification", "user_id", userID, "event_type", eventType, "payload", payload)
	return nil
}
