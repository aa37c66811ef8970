package processor

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"payment-service/internal/db"
	"payment-service/internal/hub"
	"payment-service/internal/logcontext"
	"payment-service/internal/message"
	"payment-service/internal/payment"
	"payment-service/internal/queue"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	processorAppliedCounter   = metrics.GetOrCreateCounter(`payment_processor_total{result="applied"}`)
	processorNoChangeCounter  = metrics.GetOrCreateCounter(`payment_processor_total{result="no_change"}`)
	processorStaleCounter     = metrics.GetOrCreateCounter(`payment_processor_total{result="stale_discarded"}`)
	processorIllegalCounter   = metrics.GetOrCreateCounter(`payment_processor_total{result="illegal_transition"}`)
	processorMissingCounter   = metrics.GetOrCreateCounter(`payment_processor_total{result="record_missing"}`)
	processorConflictCounter  = metrics.GetOrCreateCounter(`payment_processor_total{result="write_conflict"}`)
	processorErrorCounter     = metrics.GetOrCreateCounter(`payment_processor_total{result="error"}`)
	processorMalformedCounter = metrics.GetOrCreateCounter(`payment_processor_total{result="malformed_payload"}`)

	processorDurationHistogram = metrics.GetOrCreateHistogram(`payment_processor_duration_milliseconds`)
)

// PaymentStore is the repository surface the processor mutates payments through.
type PaymentStore interface {
	GetByExternalPaymentID(ctx context.Context, externalPaymentID string) (*db.PaymentEntity, error)
	GetByExternalReference(ctx context.Context, externalReference uuid.UUID) (*db.PaymentEntity, error)
	ApplyStatus(ctx context.Context, change db.StatusChange) (bool, error)
}

// Publisher pushes a status event to live subscribers. Failures here never
// affect the queue message outcome.
type Publisher interface {
	Publish(externalReference string, event hub.StatusEvent)
}

// Processor owns the idempotent payment status state machine. It consumes
// webhook events from the queue, applies legal transitions with a conditional
// write and notifies the hub on success.
type Processor struct {
	payments PaymentStore
	hub      Publisher
	timeout  time.Duration
	logger   *slog.Logger
}

func New(payments PaymentStore, notifications Publisher, timeout time.Duration, logger *slog.Logger) *Processor {
	return &Processor{
		payments: payments,
		hub:      notifications,
		timeout:  timeout,
		logger:   logger,
	}
}

// Handle processes one dequeued message and reports whether it should be
// acked or redelivered. Business rejections (stale, duplicate-effect, illegal
// transition) ack so the message does not loop as poison; only transient
// infrastructure failures nack.
func (p *Processor) Handle(ctx context.Context, msg message.QueueMessage) queue.Result {
	startTime := time.Now()
	defer func() {
		processorDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
	}()

	var event message.WebhookEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		p.logger.ErrorContext(ctx, "Dropping message with malformed payload", "error", err)
		processorMalformedCounter.Inc()
		return queue.Ack
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ctx = logcontext.AppendCtx(ctx, slog.String("externalEventId", event.ExternalEventID))

	record, err := p.lookup(ctx, event)
	if errors.Is(err, db.ErrNotFound) {
		// the preference-creation write may not be visible yet
		p.logger.WarnContext(ctx, "Payment record not found, requesting redelivery",
			"externalPaymentId", event.ExternalPaymentID, "attempt", msg.DeliveryAttempt)
		processorMissingCounter.Inc()
		return queue.Nack
	}
	if err != nil {
		p.logger.ErrorContext(ctx, "Error looking up payment record", "error", err)
		processorErrorCounter.Inc()
		return queue.Nack
	}

	ctx = logcontext.AppendCtx(ctx, slog.String("externalReference", record.ExternalReference.String()))

	if event.ProviderTimestamp.Before(record.LastUpdatedAt) {
		p.logger.InfoContext(ctx, "Discarding stale event",
			"eventTimestamp", event.ProviderTimestamp, "recordTimestamp", record.LastUpdatedAt)
		processorStaleCounter.Inc()
		return queue.Ack
	}

	if event.Status == "" {
		// creation-only notification, no status to apply
		p.logger.InfoContext(ctx, "Event carries no status, nothing to apply", "action", event.Action)
		processorNoChangeCounter.Inc()
		return queue.Ack
	}

	target := payment.FromGateway(event.Status)
	if target == payment.StatusUnknown {
		p.logger.WarnContext(ctx, "Anomaly: unrecognized gateway status", "status", event.Status)
		processorIllegalCounter.Inc()
		return queue.Ack
	}

	current := payment.Status(record.Status)
	if target == current {
		p.logger.InfoContext(ctx, "Status already applied", "status", current)
		processorNoChangeCounter.Inc()
		return queue.Ack
	}

	if !current.CanTransitionTo(target) {
		p.logger.WarnContext(ctx, "Anomaly: illegal status transition rejected",
			"from", current, "to", target, "externalPaymentId", event.ExternalPaymentID)
		processorIllegalCounter.Inc()
		return queue.Ack
	}

	applied, err := p.payments.ApplyStatus(ctx, db.StatusChange{
		PaymentID:         record.ID,
		FromStatus:        record.Status,
		FromLastUpdatedAt: record.LastUpdatedAt,
		ToStatus:          string(target),
		StatusDetail:      event.StatusDetail,
		ExternalPaymentID: event.ExternalPaymentID,
		UpdatedAt:         event.ProviderTimestamp,
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "Error persisting status change", "error", err)
		processorErrorCounter.Inc()
		return queue.Nack
	}
	if !applied {
		// a competing consumer changed the row, redeliver and re-evaluate
		p.logger.WarnContext(ctx, "Conditional status write lost the race, requesting redelivery")
		processorConflictCounter.Inc()
		return queue.Nack
	}

	p.logger.InfoContext(ctx, "Applied status transition", "from", current, "to", target)
	processorAppliedCounter.Inc()

	p.hub.Publish(record.ExternalReference.String(), hub.StatusEvent{
		ExternalReference: record.ExternalReference.String(),
		Status:            target,
		StatusDetail:      event.StatusDetail,
		Timestamp:         event.ProviderTimestamp,
	})

	return queue.Ack
}

func (p *Processor) lookup(ctx context.Context, event message.WebhookEvent) (*db.PaymentEntity, error) {
	if event.ExternalPaymentID != "" {
		record, err := p.payments.GetByExternalPaymentID(ctx, event.ExternalPaymentID)
		if err == nil || !errors.Is(err, db.ErrNotFound) {
			return record, err
		}
	}

	// fall back to the reference set at preference creation; the gateway's
	// payment id is only attached to our record on the first applied update
	if event.ExternalReference != "" {
		ref, err := uuid.Parse(event.ExternalReference)
		if err != nil {
			return nil, db.ErrNotFound
		}
		return p.payments.GetByExternalReference(ctx, ref)
	}

	return nil, db.ErrNotFound
}
