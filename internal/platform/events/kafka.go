package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/karigai/settlement/internal/domain"
	"github.com/karigai/settlement/internal/platform/observability"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic keyed by order id so that one order's
// events stay on one partition.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher constructs a publisher for topic on brokers.
func NewKafkaPublisher(topic string, brokers ...string) (*KafkaPublisher, error) {
	if topic == "" || len(brokers) == 0 {
		return nil, errors.New("kafka publisher: topic and brokers are required")
	}
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}}, nil
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, event domain.WebhookEvent) error {
	data, err := Encode(event)
	if err != nil {
		return err
	}
	key := event.ID
	if orderID, ok := event.Data["order_id"].(string); ok && orderID != "" {
		key = orderID
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
			{Key: "event-id", Value: []byte(event.ID)},
		},
		Time: event.Timestamp,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish %s: %w", event.Type, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer feeds events from a consumer group into a Handler. A failing handler is
// retried on the same message up to maxAttempts times before the offset is committed anyway,
// so one poisoned event cannot stall the partition.
type KafkaConsumer struct {
	reader      messageReader
	logger      *zap.Logger
	backoff     time.Duration
	maxAttempts int
}

// NewKafkaConsumer constructs a consumer in groupID reading topic.
func NewKafkaConsumer(topic, groupID string, logger *zap.Logger, brokers ...string) (*KafkaConsumer, error) {
	if topic == "" || groupID == "" || len(brokers) == 0 {
		return nil, errors.New("kafka consumer: topic, group and brokers are required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		MaxBytes:    10e6,
		ErrorLogger: observability.NewPrintfAdapter(logger),
	})
	return newKafkaConsumer(reader, logger), nil
}

func newKafkaConsumer(reader messageReader, logger *zap.Logger) *KafkaConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaConsumer{reader: reader, logger: logger, backoff: time.Second, maxAttempts: 3}
}

// Run blocks until ctx is cancelled.
func (c *KafkaConsumer) Run(ctx context.Context, handle Handler) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("kafka fetch failed", zap.Error(err))
			if !sleep(ctx, c.backoff) {
				return nil
			}
			continue
		}

		if !c.process(ctx, msg, handle) {
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Warn("kafka commit failed", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

// process reports false when ctx ended before the message was settled.
func (c *KafkaConsumer) process(ctx context.Context, msg kafka.Message, handle Handler) bool {
	event, err := Decode(msg.Value)
	if err != nil {
		c.logger.Error("dropping malformed event", zap.Int64("offset", msg.Offset), zap.Error(err))
		return true
	}
	for attempt := 1; ; attempt++ {
		err := handle(ctx, event)
		if err == nil {
			return true
		}
		fields := []zap.Field{
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
			zap.Int("attempt", attempt),
			zap.Error(err),
		}
		if attempt >= c.maxAttempts {
			c.logger.Error("event handler gave up", fields...)
			return true
		}
		c.logger.Warn("event handler failed", fields...)
		if !sleep(ctx, c.backoff) {
			return false
		}
	}
}

// Close closes the underlying reader.
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
