package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

// TopicCreator creates queue topics, tolerating topics that already exist.
type TopicCreator interface {
	CreateTopics(ctx context.Context, topics ...string) error
}

type kafkaTopicCreator struct {
	client            *kafka.Client
	partitions        int
	replicationFactor int
}

func NewTopicCreator(brokerURL string) TopicCreator {
	return &kafkaTopicCreator{
		client:            &kafka.Client{Addr: kafka.TCP(brokerURL)},
		partitions:        4,
		replicationFactor: 1,
	}
}

func (c *kafkaTopicCreator) CreateTopics(ctx context.Context, topics ...string) error {
	configs := make([]kafka.TopicConfig, 0, len(topics))
	for _, topic := range topics {
		configs = append(configs, kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     c.partitions,
			ReplicationFactor: c.replicationFactor,
		})
	}

	resp, err := c.client.CreateTopics(ctx, &kafka.CreateTopicsRequest{Topics: configs})
	if err != nil {
		return errors.Wrap(err, "creating topics")
	}

	for topic, topicErr := range resp.Errors {
		if topicErr != nil && !errors.Is(topicErr, kafka.TopicAlreadyExists) {
			return errors.Wrapf(topicErr, "creating topic %s", topic)
		}
	}
	return nil
}

// Provisioner ensures the queue topology exists before receivers and
// consumers run. EnsureReady is safe under concurrent invocation: the first
// caller provisions, later callers observe the recorded result.
type Provisioner struct {
	creator TopicCreator
	topics  []string
	logger  *slog.Logger

	mu    sync.Mutex
	ready bool
}

func NewProvisioner(creator TopicCreator, logger *slog.Logger, topics ...string) *Provisioner {
	return &Provisioner{
		creator: creator,
		topics:  topics,
		logger:  logger,
	}
}

// EnsureReady provisions the topics once. A failed attempt is not latched, so
// a caller may retry, but startup treats any error as fatal.
func (p *Provisioner) EnsureReady(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ready {
		return nil
	}

	p.logger.InfoContext(ctx, "Provisioning queue topics", "topics", p.topics)
	if err := p.creator.CreateTopics(ctx, p.topics...); err != nil {
		return errors.Wrap(err, "provisioning queue topics")
	}

	p.ready = true
	return nil
}
