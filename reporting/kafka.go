package reporting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nftguard/logging"
	"nftguard/types"
	"nftguard/verdict"

	"github.com/segmentio/kafka-go"
)

// MessageWriter abstracts kafka.Writer for testing
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the Kafka publisher
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// KafkaPublisher publishes one message per verdict keyed by asset id, so all
// verdicts of an asset land on the same partition
type KafkaPublisher struct {
	writer MessageWriter
	topic  string
}

// NewKafkaPublisher creates a publisher writing to cfg.Topic
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: topic is required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		MaxAttempts:            1,
		RequiredAcks:           kafka.RequireAll,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: false,
	}
	return NewKafkaPublisherWithWriter(writer, cfg.Topic), nil
}

// NewKafkaPublisherWithWriter wraps an existing writer
func NewKafkaPublisherWithWriter(w MessageWriter, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic}
}

// Report publishes the formatted verdict
func (p *KafkaPublisher) Report(ctx context.Context, v *types.Verdict) error {
	data, err := verdict.FormatJSON(v)
	if err != nil {
		return fmt.Errorf("format verdict %s: %w", v.ID, err)
	}

	msg := kafka.Message{
		Key:   []byte(v.AssetID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "verdict_id", Value: []byte(v.ID)},
			{Key: "flagged", Value: []byte(fmt.Sprintf("%t", v.Flagged))},
		},
		Time: v.EvaluatedAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish verdict %s to %s: %w", v.ID, p.topic, err)
	}
	logging.DebugLog("Published verdict %s for %s to %s", v.ID, v.AssetID, p.topic)
	return nil
}

// Close flushes and closes the writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
