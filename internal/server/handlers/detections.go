package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	detectionsBuffer = 32
	writeWait        = 5 * time.Second
	pingPeriod       = 30 * time.Second
)

var detectionsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Viewer page may be served from another origin
	},
}

// DetectionHandlers pushes detection events to WebSocket clients.
type DetectionHandlers struct {
	serverService ServerService
}

func NewDetectionHandlers(service ServerService) *DetectionHandlers {
	return &DetectionHandlers{serverService: service}
}

// HandleDetectionsWebSocket sends every detection event as a JSON text
// message. Clients are not expected to send anything; reads only serve to
// notice when they go away.
func (h *DetectionHandlers) HandleDetectionsWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := detectionsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnf("Failed to upgrade detections WebSocket: %v", err)
		return
	}
	defer conn.Close()

	id := uuid.New().String()
	events := h.serverService.SubscribeDetections(id, detectionsBuffer)
	defer h.serverService.UnsubscribeDetections(id)
	logger.Infof("Detections WebSocket connected: %s (%s)", id, r.RemoteAddr)

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Warnf("Detections WebSocket read error: %v", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			logger.Debugf("Detections WebSocket closed: %s", id)
			return
		case ev, ok := <-events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Warnf("Detections WebSocket write failed: %v", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
