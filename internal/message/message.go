package message

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WebhookEvent is the normalized form of one inbound gateway notification.
// ExternalEventID is the gateway-assigned id used for deduplication.
type WebhookEvent struct {
	ExternalEventID   string          `json:"externalEventId"`
	Type              string          `json:"type"`
	Action            string          `json:"action"`
	ExternalPaymentID string          `json:"externalPaymentId"`
	ExternalReference string          `json:"externalReference,omitempty"`
	Status            string          `json:"status,omitempty"`
	StatusDetail      string          `json:"statusDetail,omitempty"`
	ProviderTimestamp time.Time       `json:"providerTimestamp"`
	ReceivedAt        time.Time       `json:"receivedAt"`
	RawPayload        json.RawMessage `json:"rawPayload,omitempty"`
}

// QueueMessage is the envelope placed on the broker. DeliveryAttempt is
// incremented each time the message is redelivered after a nack; NotBefore is
// set on rescheduled messages and the consumer does not hand the message to
// its handler before that time.
type QueueMessage struct {
	MessageID       uuid.UUID       `json:"messageId"`
	EnqueuedAt      time.Time       `json:"enqueuedAt"`
	DeliveryAttempt int             `json:"deliveryAttempt"`
	NotBefore       time.Time       `json:"notBefore,omitempty"`
	Payload         json.RawMessage `json:"payload"`
}
