package hub

import (
	"log/slog"
	"sync"
	"time"

	"payment-service/internal/payment"

	"github.com/VictoriaMetrics/metrics"
)

const sendBuffer = 16

var (
	hubDeliveredCounter     = metrics.GetOrCreateCounter(`hub_publish_total{result="delivered"}`)
	hubDroppedCounter       = metrics.GetOrCreateCounter(`hub_publish_total{result="dropped"}`)
	hubNoSubscribersCounter = metrics.GetOrCreateCounter(`hub_publish_total{result="no_subscribers"}`)
)

// StatusEvent is the live push message delivered to subscribed connections.
type StatusEvent struct {
	ExternalReference string         `json:"externalReference"`
	Status            payment.Status `json:"status"`
	StatusDetail      string         `json:"statusDetail,omitempty"`
	Timestamp         time.Time      `json:"timestamp"`
}

type connection struct {
	ch   chan StatusEvent
	refs map[string]struct{}
}

// Hub is the per-reference publish/subscribe channel. Delivery is best-effort
// and at-most-once per connection; a disconnected or slow subscriber simply
// misses the push and falls back to polling.
type Hub struct {
	mu          sync.Mutex
	byReference map[string]map[string]*connection
	byConn      map[string]*connection
	logger      *slog.Logger
}

func New(logger *slog.Logger) *Hub {
	return &Hub{
		byReference: make(map[string]map[string]*connection),
		byConn:      make(map[string]*connection),
		logger:      logger,
	}
}

// Subscribe registers connID for events on externalReference and returns the
// connection's receive channel. Repeated calls with the same connID reuse the
// channel and add the reference.
func (h *Hub) Subscribe(connID, externalReference string) <-chan StatusEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.byConn[connID]
	if !ok {
		conn = &connection{
			ch:   make(chan StatusEvent, sendBuffer),
			refs: make(map[string]struct{}),
		}
		h.byConn[connID] = conn
	}
	conn.refs[externalReference] = struct{}{}

	subs, ok := h.byReference[externalReference]
	if !ok {
		subs = make(map[string]*connection)
		h.byReference[externalReference] = subs
	}
	subs[connID] = conn

	return conn.ch
}

// Unsubscribe drops connID from every reference it was registered for and
// closes its channel.
func (h *Hub) Unsubscribe(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.byConn[connID]
	if !ok {
		return
	}

	for ref := range conn.refs {
		h.dropLocked(ref, connID)
	}
	delete(h.byConn, connID)
	close(conn.ch)
}

// Publish fans event out to every connection subscribed to externalReference.
// A full channel drops the event rather than blocking. A terminal status
// removes the reference's subscriptions, and the channel of a connection left
// with no subscriptions is closed so its handler ends promptly even when the
// terminal event itself was dropped.
func (h *Hub) Publish(externalReference string, event StatusEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.byReference[externalReference]
	if len(subs) == 0 {
		hubNoSubscribersCounter.Inc()
		return
	}

	for connID, conn := range subs {
		select {
		case conn.ch <- event:
			hubDeliveredCounter.Inc()
		default:
			h.logger.Warn("Dropping status event for slow subscriber",
				"externalReference", externalReference, "connectionId", connID)
			hubDroppedCounter.Inc()
		}
	}

	if event.Status.Terminal() {
		for connID, conn := range subs {
			h.dropLocked(externalReference, connID)
			if len(conn.refs) == 0 {
				delete(h.byConn, connID)
				close(conn.ch)
			}
		}
	}
}

func (h *Hub) dropLocked(externalReference, connID string) {
	if conn, ok := h.byConn[connID]; ok {
		delete(conn.refs, externalReference)
	}
	subs := h.byReference[externalReference]
	delete(subs, connID)
	if len(subs) == 0 {
		delete(h.byReference, externalReference)
	}
}
