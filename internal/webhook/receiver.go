package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"payment-service/internal/message"

	"github.com/VictoriaMetrics/metrics"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const maxBodyBytes = 64 * 1024

var (
	receiverInvalidCounter      = metrics.GetOrCreateCounter(`webhook_receiver_total{result="invalid_payload"}`)
	receiverDuplicateCounter    = metrics.GetOrCreateCounter(`webhook_receiver_total{result="duplicate"}`)
	receiverStoreErrorCounter   = metrics.GetOrCreateCounter(`webhook_receiver_total{result="store_error"}`)
	receiverEnqueueErrorCounter = metrics.GetOrCreateCounter(`webhook_receiver_total{result="enqueue_error"}`)
	receiverAcceptedCounter     = metrics.GetOrCreateCounter(`webhook_receiver_total{result="accepted"}`)
)

// IdempotencyStore tracks processed external event ids. MarkProcessed must be
// an atomic insert-if-absent; it is the receiver's only synchronization point.
type IdempotencyStore interface {
	MarkProcessed(ctx context.Context, externalEventID string, receivedAt time.Time) (bool, error)
	Remove(ctx context.Context, externalEventID string) error
}

// Enqueuer places a queue message on the broker.
type Enqueuer interface {
	Send(ctx context.Context, key string, msg message.QueueMessage) error
}

type notificationPayload struct {
	ID          string              `json:"id" validate:"required"`
	Type        string              `json:"type" validate:"required"`
	Action      string              `json:"action"`
	Data        notificationPayment `json:"data"`
	DateCreated time.Time           `json:"date_created" validate:"required"`

	Status            string `json:"status"`
	StatusDetail      string `json:"status_detail"`
	ExternalReference string `json:"external_reference"`
}

type notificationPayment struct {
	ID string `json:"id" validate:"required"`
}

// Receiver is the webhook admission endpoint. It validates, deduplicates and
// enqueues; the state machine runs in the queue consumer so the gateway gets
// its response well inside its timeout.
type Receiver struct {
	store    IdempotencyStore
	queue    Enqueuer
	validate *validator.Validate
	logger   *slog.Logger
}

func NewReceiver(store IdempotencyStore, queue Enqueuer, logger *slog.Logger) *Receiver {
	return &Receiver{
		store:    store,
		queue:    queue,
		validate: validator.New(),
		logger:   logger,
	}
}

// Handle implements POST /webhooks/payment. It answers 400 for structurally
// invalid payloads, 200 for duplicates, 202 on accept, and 5xx only when the
// store or the broker is genuinely unavailable.
func (rcv *Receiver) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		receiverInvalidCounter.Inc()
		return
	}

	var payload notificationPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		rcv.logger.WarnContext(ctx, "Rejecting malformed webhook payload", "error", err, "raw", string(body))
		http.Error(w, "malformed payload", http.StatusBadRequest)
		receiverInvalidCounter.Inc()
		return
	}

	if err := rcv.validate.Struct(payload); err != nil {
		rcv.logger.WarnContext(ctx, "Rejecting invalid webhook payload", "error", err, "raw", string(body))
		http.Error(w, "invalid payload", http.StatusBadRequest)
		receiverInvalidCounter.Inc()
		return
	}

	receivedAt := time.Now().UTC()

	inserted, err := rcv.store.MarkProcessed(ctx, payload.ID, receivedAt)
	if err != nil {
		rcv.logger.ErrorContext(ctx, "Idempotency store unavailable", "error", err)
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		receiverStoreErrorCounter.Inc()
		return
	}
	if !inserted {
		// already delivered, the gateway must still see success
		rcv.logger.InfoContext(ctx, "Duplicate webhook delivery", "externalEventId", payload.ID)
		receiverDuplicateCounter.Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	event := message.WebhookEvent{
		ExternalEventID:   payload.ID,
		Type:              payload.Type,
		Action:            payload.Action,
		ExternalPaymentID: payload.Data.ID,
		ExternalReference: payload.ExternalReference,
		Status:            payload.Status,
		StatusDetail:      payload.StatusDetail,
		ProviderTimestamp: payload.DateCreated,
		ReceivedAt:        receivedAt,
		RawPayload:        body,
	}

	eventBytes, err := json.Marshal(event)
	if err != nil {
		rcv.logger.ErrorContext(ctx, "Error marshalling webhook event", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	msg := message.QueueMessage{
		MessageID:  uuid.New(),
		EnqueuedAt: receivedAt,
		Payload:    eventBytes,
	}

	if err := rcv.queue.Send(ctx, event.ExternalPaymentID, msg); err != nil {
		rcv.logger.ErrorContext(ctx, "Error enqueueing webhook event", "error", err)
		// roll the admission mark back so the gateway's retry is not deduped away
		if removeErr := rcv.store.Remove(ctx, payload.ID); removeErr != nil {
			rcv.logger.ErrorContext(ctx, "Error removing admission mark", "error", removeErr)
		}
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		receiverEnqueueErrorCounter.Inc()
		return
	}

	rcv.logger.InfoContext(ctx, "Accepted webhook event",
		"externalEventId", payload.ID, "externalPaymentId", payload.Data.ID, "action", payload.Action)
	receiverAcceptedCounter.Inc()
	w.WriteHeader(http.StatusAccepted)
}
