package handlers

import (
	"io"
	"io/fs"
	"net/http"
	"time"
)

// PagesHandlers serves the embedded viewer page.
type PagesHandlers struct {
	staticFS fs.FS // Static files filesystem
}

// NewPagesHandlers creates a new pages handlers instance
func NewPagesHandlers(staticFS fs.FS) *PagesHandlers {
	return &PagesHandlers{
		staticFS: staticFS,
	}
}

// HandleRoot handles / (root path)
func (h *PagesHandlers) HandleRoot(w http.ResponseWriter, req *http.Request) {
	// Only handle exact root path
	if req.URL.Path != "/" {
		http.NotFound(w, req)
		return
	}

	if h.staticFS != nil {
		file, err := h.staticFS.Open("static/index.html")
		if err == nil {
			defer file.Close()
			if rs, ok := file.(io.ReadSeeker); ok {
				w.Header().Set("Content-Type", "text/html; charset=utf-8")
				http.ServeContent(w, req, "index.html", time.Time{}, rs)
				return
			}
		}
	}

	http.Error(w, "Viewer page not available", http.StatusNotFound)
}
