package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"payment-service/internal/logcontext"
	"payment-service/internal/message"

	"github.com/VictoriaMetrics/metrics"
	"github.com/segmentio/kafka-go"
)

// Result is the consumer's verdict on one delivery.
type Result int

const (
	// Ack marks the message as done; it will not be redelivered.
	Ack Result = iota
	// Nack requests redelivery. After the configured max delivery attempts
	// the message is routed to the dead-letter topic instead.
	Nack
)

// Handler processes one dequeued message.
type Handler func(ctx context.Context, msg message.QueueMessage) Result

// MessageReader is the broker surface the consumer fetches from and commits
// to. *kafka.Reader implements it.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// MessageWriter publishes raw broker messages. *kafka.Writer implements it.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

var (
	consumerReadErrorCounter      = metrics.GetOrCreateCounter(`queue_consumer_total{result="read_error"}`)
	consumerUnmarshalErrorCounter = metrics.GetOrCreateCounter(`queue_consumer_total{result="unmarshal_error"}`)
	consumerAckCounter            = metrics.GetOrCreateCounter(`queue_consumer_total{result="ack"}`)
	consumerRetryCounter          = metrics.GetOrCreateCounter(`queue_consumer_total{result="retried"}`)
	consumerDeadLetterCounter     = metrics.GetOrCreateCounter(`queue_consumer_total{result="dead_lettered"}`)
)

const defaultRetryDelay = 10 * time.Second

// Consumer pulls queue messages from Kafka and applies at-least-once delivery
// semantics on top of it: an acked message is committed, a nacked message is
// republished with an incremented delivery attempt and an attempt-scaled
// reschedule time, and a message that exhausted its attempts goes to the
// dead-letter topic.
type Consumer struct {
	reader      MessageReader
	retry       MessageWriter
	dead        MessageWriter
	maxAttempts int
	retryDelay  time.Duration
	logger      *slog.Logger
}

func NewConsumer(reader MessageReader, retryWriter, deadLetterWriter MessageWriter, maxAttempts int, retryDelay time.Duration, logger *slog.Logger) *Consumer {
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	return &Consumer{
		reader:      reader,
		retry:       retryWriter,
		dead:        deadLetterWriter,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		logger:      logger,
	}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, handle Handler) {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.InfoContext(ctx, "Context done, stopping consumer")
				return
			}
			c.logger.ErrorContext(ctx, fmt.Sprintf("Error fetching message: %v", err))
			consumerReadErrorCounter.Inc()
			continue
		}

		var msg message.QueueMessage
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			c.logger.ErrorContext(ctx, fmt.Sprintf("Error unmarshalling message, dead-lettering: %v", err))
			consumerUnmarshalErrorCounter.Inc()
			if !c.deadLetter(ctx, m.Key, m.Value) {
				continue
			}
			c.commit(ctx, m)
			continue
		}

		msgCtx := logcontext.AppendCtx(ctx, slog.String("messageId", msg.MessageID.String()))

		if !c.waitUntil(msgCtx, msg.NotBefore) {
			// context ended while waiting; not committed, the broker
			// redelivers the message
			return
		}

		switch handle(msgCtx, msg) {
		case Ack:
			consumerAckCounter.Inc()
		case Nack:
			if !c.redeliver(msgCtx, m, msg) {
				continue
			}
		}

		c.commit(ctx, m)
	}
}

// redeliver reschedules a nacked message with an attempt-scaled delay, or
// dead-letters it once its attempts are exhausted. It reports whether the
// original delivery may be committed.
func (c *Consumer) redeliver(ctx context.Context, m kafka.Message, msg message.QueueMessage) bool {
	msg.DeliveryAttempt++

	if msg.DeliveryAttempt >= c.maxAttempts {
		c.logger.ErrorContext(ctx, "Max delivery attempts reached, dead-lettering message",
			"attempts", msg.DeliveryAttempt)
		value, err := json.Marshal(msg)
		if err != nil {
			c.logger.ErrorContext(ctx, "Error marshalling message for dead-lettering, keeping original payload", "error", err)
			value = m.Value
		}
		if !c.deadLetter(ctx, m.Key, value) {
			return false
		}
		consumerDeadLetterCounter.Inc()
		return true
	}

	msg.NotBefore = time.Now().Add(time.Duration(msg.DeliveryAttempt) * c.retryDelay)
	value, err := json.Marshal(msg)
	if err != nil {
		c.logger.ErrorContext(ctx, "Error marshalling message for retry", "error", err)
		// not committed, the broker redelivers the original
		return false
	}
	if err := c.retry.WriteMessages(ctx, kafka.Message{Key: m.Key, Value: value}); err != nil {
		c.logger.ErrorContext(ctx, "Error republishing message for retry", "error", err)
		// not committed, the broker redelivers the original
		return false
	}
	consumerRetryCounter.Inc()
	return true
}

// waitUntil blocks until the reschedule time of a redelivered message has
// passed. It reports false when ctx ended first.
func (c *Consumer) waitUntil(ctx context.Context, notBefore time.Time) bool {
	wait := time.Until(notBefore)
	if wait <= 0 {
		return true
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		c.logger.InfoContext(ctx, "Context done, stopping consumer")
		return false
	}
}

func (c *Consumer) deadLetter(ctx context.Context, key, value []byte) bool {
	if err := c.dead.WriteMessages(ctx, kafka.Message{Key: key, Value: value}); err != nil {
		c.logger.ErrorContext(ctx, "Error writing to dead-letter topic", "error", err)
		return false
	}
	return true
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) {
	if err := c.reader.CommitMessages(ctx, m); err != nil {
		c.logger.ErrorContext(ctx, "Error committing message", "error", err)
	}
}
