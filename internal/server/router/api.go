package router

import (
	"net/http"

	"github.com/babelcloud/livedetect/internal/server/handlers"
)

// APIRouter handles /status, /health and /api/* routes
type APIRouter struct {
	handlers *handlers.APIHandlers
}

// RegisterRoutes registers all API routes
func (r *APIRouter) RegisterRoutes(mux *http.ServeMux, server interface{}) {
	serverService, ok := server.(handlers.ServerService)
	if !ok {
		return
	}
	r.handlers = handlers.NewAPIHandlers(serverService)

	// Resource probes
	mux.HandleFunc("/status", r.handlers.HandleStatus)
	mux.HandleFunc("/health", r.handlers.HandleStatus)

	api := NewRouteGroup(r.GetPathPrefix(), mux)
	api.HandleFunc("/status", r.handlers.HandleServerStatus)
	api.HandleFunc("/sessions", r.handlers.HandleSessions)
}

// GetPathPrefix returns the path prefix for this router
func (r *APIRouter) GetPathPrefix() string {
	return "/api"
}
