package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades the connection and streams status events for the external
// reference given in the query string. The connection closes itself after a
// terminal status has been written.
func Handler(h *Hub, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := r.URL.Query().Get("externalReference")
		if ref == "" {
			http.Error(w, "externalReference is required", http.StatusBadRequest)
			return
		}
		if _, err := uuid.Parse(ref); err != nil {
			http.Error(w, "externalReference is not a UUID", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		connID := uuid.New().String()
		events := h.Subscribe(connID, ref)
		defer h.Unsubscribe(connID)

		logger.Info("Subscriber connected", "connectionId", connID, "externalReference", ref)

		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case event, ok := <-events:
				if !ok {
					conn.WriteMessage(websocket.CloseMessage, nil)
					return
				}
				data, err := json.Marshal(event)
				if err != nil {
					logger.Error(fmt.Sprintf("Error marshalling status event: %v", err))
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
				if event.Status.Terminal() {
					conn.WriteMessage(websocket.CloseMessage, nil)
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}
}
