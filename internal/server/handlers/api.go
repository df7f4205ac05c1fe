package handlers

import (
	"net/http"
	"time"

	"github.com/babelcloud/livedetect/internal/vision/emitter"
	"github.com/babelcloud/livedetect/internal/vision/registry"
	"github.com/babelcloud/livedetect/internal/vision/stream"
)

// APIHandlers contains handlers for /status, /health and /api/*
type APIHandlers struct {
	serverService ServerService
}

// NewAPIHandlers creates a new API handlers instance
func NewAPIHandlers(serverSvc ServerService) *APIHandlers {
	return &APIHandlers{serverService: serverSvc}
}

// ServerStatus is the body of /api/status.
type ServerStatus struct {
	Running         bool                    `json:"running"`
	Port            int                     `json:"port"`
	Uptime          string                  `json:"uptime"`
	Version         string                  `json:"version"`
	BuildID         string                  `json:"build_id"`
	ModelLoaded     bool                    `json:"model_loaded"`
	CameraAvailable bool                    `json:"camera_available"`
	Backend         string                  `json:"backend,omitempty"`
	ActiveSessions  int                     `json:"active_sessions"`
	TotalSessions   uint64                  `json:"total_sessions"`
	Resources       []registry.ResourceInfo `json:"resources"`
	MQTT            *emitter.Stats          `json:"mqtt,omitempty"`
}

// HandleStatus serves /status and /health. It never blocks on resource
// construction.
func (h *APIHandlers) HandleStatus(w http.ResponseWriter, req *http.Request) {
	if !allowGet(w, req) {
		return
	}
	RespondJSON(w, http.StatusOK, h.serverService.ResourceStatus())
}

func (h *APIHandlers) HandleServerStatus(w http.ResponseWriter, req *http.Request) {
	if !allowGet(w, req) {
		return
	}

	st := h.serverService.ResourceStatus()
	status := ServerStatus{
		Running:         h.serverService.IsRunning(),
		Port:            h.serverService.GetPort(),
		Uptime:          h.serverService.GetUptime().Round(time.Second).String(),
		Version:         h.serverService.GetVersion(),
		BuildID:         h.serverService.GetBuildID(),
		ModelLoaded:     st.ModelLoaded,
		CameraAvailable: st.CameraAvailable,
		Backend:         h.serverService.BackendName(),
		ActiveSessions:  len(h.serverService.ActiveSessions()),
		TotalSessions:   h.serverService.TotalSessions(),
		Resources:       h.serverService.Resources(),
		MQTT:            h.serverService.MQTTStats(),
	}
	RespondJSON(w, http.StatusOK, status)
}

// HandleSessions lists the running stream sessions.
func (h *APIHandlers) HandleSessions(w http.ResponseWriter, req *http.Request) {
	if !allowGet(w, req) {
		return
	}
	sessions := h.serverService.ActiveSessions()
	if sessions == nil {
		sessions = []stream.SessionInfo{}
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}
