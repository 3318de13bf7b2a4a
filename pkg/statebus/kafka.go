package statebus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConsumer reads the decision topic as one member of a consumer group.
// Offsets are committed explicitly once a decision has been handled, so a
// crash mid-pipeline redelivers the message instead of losing it.
type KafkaConsumer struct {
	reader kafkaReader
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var errConsumerClosed = errors.New("kafka consumer not initialized")

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	// StartAtNewest skips the backlog when the group has no committed offset.
	StartAtNewest bool
}

func NewKafkaConsumer(cfg KafkaConfig) (*KafkaConsumer, error) {
	var brokers []string
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	switch {
	case len(brokers) == 0:
		return nil, fmt.Errorf("kafka brokers required")
	case strings.TrimSpace(cfg.Topic) == "":
		return nil, fmt.Errorf("kafka topic required")
	case strings.TrimSpace(cfg.GroupID) == "":
		return nil, fmt.Errorf("kafka group id required")
	}
	start := kafka.FirstOffset
	if cfg.StartAtNewest {
		start = kafka.LastOffset
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    1,
		MaxBytes:    1 << 20,
		MaxWait:     500 * time.Millisecond,
		StartOffset: start,
	})
	return &KafkaConsumer{reader: r}, nil
}

func (c *KafkaConsumer) ReadMessage(ctx context.Context) (Message, error) {
	if c == nil || c.reader == nil {
		return Message{}, errConsumerClosed
	}
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset, Key: msg.Key, Value: msg.Value}, nil
}

// Commit marks msg, and everything before it on its partition, as consumed.
func (c *KafkaConsumer) Commit(ctx context.Context, msg Message) error {
	if c == nil || c.reader == nil {
		return errConsumerClosed
	}
	return c.reader.CommitMessages(ctx, kafka.Message{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset})
}

func (c *KafkaConsumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
