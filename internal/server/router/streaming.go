package router

import (
	"net/http"

	"github.com/babelcloud/livedetect/internal/server/handlers"
)

// StreamingRouter handles the video feed, snapshots and detection events
type StreamingRouter struct {
	handlers   *handlers.StreamingHandlers
	detections *handlers.DetectionHandlers
}

// RegisterRoutes registers all streaming routes
func (r *StreamingRouter) RegisterRoutes(mux *http.ServeMux, server interface{}) {
	serverService, ok := server.(handlers.ServerService)
	if !ok {
		return
	}
	r.handlers = handlers.NewStreamingHandlers(serverService)
	r.detections = handlers.NewDetectionHandlers(serverService)

	mux.HandleFunc("/video_feed", r.handlers.HandleVideoFeed)
	mux.HandleFunc("/snapshot", r.handlers.HandleSnapshot)
	mux.HandleFunc("/ws/detections", r.detections.HandleDetectionsWebSocket)
}

// GetPathPrefix returns the path prefix for this router
func (r *StreamingRouter) GetPathPrefix() string {
	return "/"
}
