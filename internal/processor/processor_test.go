package processor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"payment-service/internal/db"
	"payment-service/internal/hub"
	"payment-service/internal/message"
	"payment-service/internal/payment"
	"payment-service/internal/queue"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

type fakeStore struct {
	mu       sync.Mutex
	records  map[uuid.UUID]*db.PaymentEntity
	failWith error
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[uuid.UUID]*db.PaymentEntity)}
}

func (s *fakeStore) add(entity *db.PaymentEntity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *entity
	s.records[entity.ID] = &copied
}

func (s *fakeStore) get(id uuid.UUID) db.PaymentEntity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.records[id]
}

func (s *fakeStore) GetByExternalPaymentID(_ context.Context, externalPaymentID string) (*db.PaymentEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	for _, r := range s.records {
		if r.ExternalPaymentID != nil && *r.ExternalPaymentID == externalPaymentID {
			copied := *r
			return &copied, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *fakeStore) GetByExternalReference(_ context.Context, externalReference uuid.UUID) (*db.PaymentEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	for _, r := range s.records {
		if r.ExternalReference == externalReference {
			copied := *r
			return &copied, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *fakeStore) ApplyStatus(_ context.Context, change db.StatusChange) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return false, s.failWith
	}
	record, ok := s.records[change.PaymentID]
	if !ok {
		return false, nil
	}
	if record.Status != change.FromStatus || !record.LastUpdatedAt.Equal(change.FromLastUpdatedAt) {
		return false, nil
	}
	record.Status = change.ToStatus
	if change.StatusDetail != "" {
		record.StatusDetail = &change.StatusDetail
	}
	if change.ExternalPaymentID != "" {
		record.ExternalPaymentID = &change.ExternalPaymentID
	}
	record.LastUpdatedAt = change.UpdatedAt
	return true, nil
}

type fakeHub struct {
	mu     sync.Mutex
	events []hub.StatusEvent
}

func (h *fakeHub) Publish(_ string, event hub.StatusEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *fakeHub) published() []hub.StatusEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]hub.StatusEvent(nil), h.events...)
}

func pendingRecord(createdAt time.Time) *db.PaymentEntity {
	return &db.PaymentEntity{
		ID:                uuid.New(),
		ExternalReference: uuid.New(),
		Amount:            10000,
		Currency:          "USD",
		Status:            string(payment.StatusPending),
		PayerEmail:        "a@x.com",
		CreatedAt:         createdAt,
		LastUpdatedAt:     createdAt,
	}
}

func queueMessage(t *testing.T, event message.WebhookEvent) message.QueueMessage {
	t.Helper()
	payloadBytes, err := json.Marshal(event)
	assert.NoError(t, err)
	return message.QueueMessage{
		MessageID:  uuid.New(),
		EnqueuedAt: time.Now(),
		Payload:    payloadBytes,
	}
}

func newProcessor(store *fakeStore, notifications *fakeHub) *Processor {
	return New(store, notifications, 5*time.Second, slog.Default())
}

func TestHandle_AppliesApprovedTransition(t *testing.T) {
	createdAt := time.Now().UTC().Add(-time.Minute)
	record := pendingRecord(createdAt)
	store := newFakeStore()
	store.add(record)
	notifications := &fakeHub{}
	sut := newProcessor(store, notifications)

	event := message.WebhookEvent{
		ExternalEventID:   "evt-1",
		Type:              "payment",
		Action:            "payment.updated",
		ExternalPaymentID: "P1",
		ExternalReference: record.ExternalReference.String(),
		Status:            "approved",
		ProviderTimestamp: createdAt.Add(30 * time.Second),
	}

	result := sut.Handle(context.Background(), queueMessage(t, event))

	assert.Equal(t, queue.Ack, result)

	updated := store.get(record.ID)
	assert.Equal(t, string(payment.StatusApproved), updated.Status)
	assert.NotNil(t, updated.ExternalPaymentID)
	assert.Equal(t, "P1", *updated.ExternalPaymentID)
	assert.True(t, updated.LastUpdatedAt.Equal(event.ProviderTimestamp))

	published := notifications.published()
	assert.Len(t, published, 1)
	assert.Equal(t, record.ExternalReference.String(), published[0].ExternalReference)
	assert.Equal(t, payment.StatusApproved, published[0].Status)
}

func TestHandle_StaleEventDiscarded(t *testing.T) {
	createdAt := time.Now().UTC().Add(-time.Minute)
	record := pendingRecord(createdAt)
	store := newFakeStore()
	store.add(record)
	notifications := &fakeHub{}
	sut := newProcessor(store, notifications)

	approve := message.WebhookEvent{
		ExternalEventID:   "evt-1",
		ExternalPaymentID: "P1",
		ExternalReference: record.ExternalReference.String(),
		Status:            "approved",
		ProviderTimestamp: createdAt.Add(30 * time.Second),
	}
	assert.Equal(t, queue.Ack, sut.Handle(context.Background(), queueMessage(t, approve)))

	// out-of-order duplicate with an older provider timestamp
	stale := message.WebhookEvent{
		ExternalEventID:   "evt-2",
		ExternalPaymentID: "P1",
		Status:            "approved",
		ProviderTimestamp: createdAt.Add(10 * time.Second),
	}
	assert.Equal(t, queue.Ack, sut.Handle(context.Background(), queueMessage(t, stale)))

	updated := store.get(record.ID)
	assert.Equal(t, string(payment.StatusApproved), updated.Status)
	assert.True(t, updated.LastUpdatedAt.Equal(approve.ProviderTimestamp))
	assert.Len(t, notifications.published(), 1)
}

func TestHandle_IllegalTransitionAckedWithoutMutation(t *testing.T) {
	createdAt := time.Now().UTC().Add(-time.Minute)
	record := pendingRecord(createdAt)
	store := newFakeStore()
	store.add(record)
	notifications := &fakeHub{}
	sut := newProcessor(store, notifications)

	// refund claimed while the record is still pending
	event := message.WebhookEvent{
		ExternalEventID:   "evt-1",
		ExternalPaymentID: "P1",
		ExternalReference: record.ExternalReference.String(),
		Status:            "refunded",
		ProviderTimestamp: createdAt.Add(30 * time.Second),
	}

	result := sut.Handle(context.Background(), queueMessage(t, event))

	assert.Equal(t, queue.Ack, result)
	assert.Equal(t, string(payment.StatusPending), store.get(record.ID).Status)
	assert.Empty(t, notifications.published())
}

func TestHandle_MissingRecordNacksForRedelivery(t *testing.T) {
	store := newFakeStore()
	notifications := &fakeHub{}
	sut := newProcessor(store, notifications)

	event := message.WebhookEvent{
		ExternalEventID:   "evt-1",
		ExternalPaymentID: "P1",
		Status:            "approved",
		ProviderTimestamp: time.Now(),
	}

	assert.Equal(t, queue.Nack, sut.Handle(context.Background(), queueMessage(t, event)))
	assert.Empty(t, notifications.published())
}

func TestHandle_StoreFailureNacks(t *testing.T) {
	store := newFakeStore()
	store.failWith = errors.New("connection reset")
	notifications := &fakeHub{}
	sut := newProcessor(store, notifications)

	event := message.WebhookEvent{
		ExternalEventID:   "evt-1",
		ExternalPaymentID: "P1",
		Status:            "approved",
		ProviderTimestamp: time.Now(),
	}

	assert.Equal(t, queue.Nack, sut.Handle(context.Background(), queueMessage(t, event)))
}

func TestHandle_CreationEventWithoutStatusIsNoop(t *testing.T) {
	createdAt := time.Now().UTC().Add(-time.Minute)
	record := pendingRecord(createdAt)
	store := newFakeStore()
	store.add(record)
	notifications := &fakeHub{}
	sut := newProcessor(store, notifications)

	event := message.WebhookEvent{
		ExternalEventID:   "evt-1",
		Type:              "payment",
		Action:            "payment.created",
		ExternalPaymentID: "P1",
		ExternalReference: record.ExternalReference.String(),
		ProviderTimestamp: createdAt.Add(time.Second),
	}

	assert.Equal(t, queue.Ack, sut.Handle(context.Background(), queueMessage(t, event)))
	assert.Equal(t, string(payment.StatusPending), store.get(record.ID).Status)
	assert.Empty(t, notifications.published())
}

func TestHandle_RedeliveryAfterCrashIsIdempotent(t *testing.T) {
	createdAt := time.Now().UTC().Add(-time.Minute)
	record := pendingRecord(createdAt)
	store := newFakeStore()
	store.add(record)
	notifications := &fakeHub{}
	sut := newProcessor(store, notifications)

	event := message.WebhookEvent{
		ExternalEventID:   "evt-1",
		ExternalPaymentID: "P1",
		ExternalReference: record.ExternalReference.String(),
		Status:            "approved",
		ProviderTimestamp: createdAt.Add(30 * time.Second),
	}
	msg := queueMessage(t, event)

	assert.Equal(t, queue.Ack, sut.Handle(context.Background(), msg))

	// broker redelivers the same message after a simulated consumer crash
	redelivered := msg
	redelivered.DeliveryAttempt = 1
	assert.Equal(t, queue.Ack, sut.Handle(context.Background(), redelivered))

	updated := store.get(record.ID)
	assert.Equal(t, string(payment.StatusApproved), updated.Status)
	assert.True(t, updated.LastUpdatedAt.Equal(event.ProviderTimestamp))
	assert.Len(t, notifications.published(), 1)
}

func TestHandle_LookupFallsBackToExternalReference(t *testing.T) {
	createdAt := time.Now().UTC().Add(-time.Minute)
	record := pendingRecord(createdAt)
	store := newFakeStore()
	store.add(record)
	notifications := &fakeHub{}
	sut := newProcessor(store, notifications)

	// no record carries the payment id yet; the reference is the only handle
	event := message.WebhookEvent{
		ExternalEventID:   "evt-1",
		ExternalPaymentID: "P-new",
		ExternalReference: record.ExternalReference.String(),
		Status:            "rejected",
		ProviderTimestamp: createdAt.Add(time.Second),
	}

	assert.Equal(t, queue.Ack, sut.Handle(context.Background(), queueMessage(t, event)))
	assert.Equal(t, string(payment.StatusRejected), store.get(record.ID).Status)
}

func TestHandle_MalformedPayloadAcked(t *testing.T) {
	store := newFakeStore()
	notifications := &fakeHub{}
	sut := newProcessor(store, notifications)

	msg := message.QueueMessage{
		MessageID:  uuid.New(),
		EnqueuedAt: time.Now(),
		Payload:    []byte(`{not json`),
	}

	assert.Equal(t, queue.Ack, sut.Handle(context.Background(), msg))
}
