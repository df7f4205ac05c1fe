package router

import (
	"io/fs"
	"net/http"

	"github.com/babelcloud/livedetect/internal/server/handlers"
)

// PagesRouter serves the viewer page at /
type PagesRouter struct {
	handlers *handlers.PagesHandlers
}

// RegisterRoutes registers all page routes
func (r *PagesRouter) RegisterRoutes(mux *http.ServeMux, server interface{}) {
	var staticFS fs.FS
	if serverService, ok := server.(handlers.ServerService); ok {
		staticFS = serverService.GetStaticFS()
	}
	r.handlers = handlers.NewPagesHandlers(staticFS)

	// Root handler (catches all unmatched routes)
	mux.HandleFunc("/", r.handlers.HandleRoot)
}

// GetPathPrefix returns the path prefix for this router
func (r *PagesRouter) GetPathPrefix() string {
	return "/"
}
