package queue

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"payment-service/internal/config"
	"payment-service/internal/message"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultBatchSize    = 100
	DefaultBatchTimeout = 100
)

func NewWriter(cfg config.Kafka, topic string) *kafka.Writer {
	batchSize := cfg.Writer.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	batchTimeout := cfg.Writer.BatchTimeoutMs
	if batchTimeout <= 0 {
		batchTimeout = DefaultBatchTimeout
	}

	return &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(cfg.Broker.URL, ",")...),
		Topic:                  topic,
		Balancer:               &kafka.ReferenceHash{},
		BatchSize:              batchSize,
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           time.Duration(batchTimeout) * time.Millisecond,
		Async:                  false,
		AllowAutoTopicCreation: false,
	}
}

func NewReader(kafkaURL, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: strings.Split(kafkaURL, ","),
		GroupID: groupID,
		Topic:   topic,
	})
}

// Publisher sends queue messages to a single topic.
type Publisher struct {
	writer *kafka.Writer
}

func NewPublisher(writer *kafka.Writer) *Publisher {
	return &Publisher{writer: writer}
}

// Send publishes msg keyed by key, so messages sharing a key land on the same
// partition. The receiver keys by external payment id to keep events for one
// payment together.
func (p *Publisher) Send(ctx context.Context, key string, msg message.QueueMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshalling queue message")
	}

	kafkaMsg := kafka.Message{Value: value}
	if key != "" {
		kafkaMsg.Key = []byte(key)
	}

	return errors.Wrap(p.writer.WriteMessages(ctx, kafkaMsg), "writing queue message")
}
