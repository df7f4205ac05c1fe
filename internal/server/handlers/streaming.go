package handlers

import (
	"bytes"
	"image"
	"net/http"
	"strconv"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/babelcloud/livedetect/internal/vision/core"
	"github.com/babelcloud/livedetect/internal/vision/stream"
)

const maxSnapshotWidth = 4096

// StreamingHandlers contains handlers for /video_feed and /snapshot
type StreamingHandlers struct {
	serverService ServerService
	contentType   string
}

// NewStreamingHandlers creates a new streaming handlers instance
func NewStreamingHandlers(service ServerService) *StreamingHandlers {
	return &StreamingHandlers{serverService: service, contentType: "image/jpeg"}
}

// HandleVideoFeed streams annotated frames as multipart/x-mixed-replace until
// the viewer goes away or the camera stops. The header is sent before the
// camera is acquired, so an unavailable camera shows up as an empty stream.
func (h *StreamingHandlers) HandleVideoFeed(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	header := w.Header()
	header.Set("Content-Type", stream.ContentType)
	header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	header.Set("Pragma", "no-cache")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	out := stream.NewChunkWriter(w, h.contentType)
	session, err := h.serverService.ServeStream(r.Context(), out)
	switch {
	case err == nil:
	case errors.Is(err, stream.ErrPeerGone):
		logger.Infof("Viewer %s left session %s after %d frames", r.RemoteAddr, session.ID(), out.Chunks())
	case errors.Is(err, core.ErrCameraBusy):
		logger.Warnf("Video feed for %s ended: camera busy", r.RemoteAddr)
	default:
		logger.Errorf("Video feed for %s ended: %v", r.RemoteAddr, err)
	}
}

// HandleSnapshot returns the most recently streamed frame, optionally
// scaled down to ?width=N keeping the aspect ratio.
func (h *StreamingHandlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	frame, ok := h.serverService.LatestFrame()
	if !ok {
		RespondError(w, http.StatusNotFound, "no frame has been streamed yet")
		return
	}

	data := frame.Data
	if ws := r.URL.Query().Get("width"); ws != "" {
		width, err := strconv.Atoi(ws)
		if err != nil || width <= 0 || width > maxSnapshotWidth {
			RespondError(w, http.StatusBadRequest, "width must be between 1 and 4096")
			return
		}
		resized, err := resizeJPEG(data, width)
		if err != nil {
			logger.Errorf("Failed to resize snapshot: %v", err)
			RespondError(w, http.StatusInternalServerError, "failed to resize snapshot")
			return
		}
		data = resized
	}

	w.Header().Set("Content-Type", frame.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Session-Id", frame.SessionID)
	w.Header().Set("X-Frame-Sequence", strconv.FormatUint(frame.Sequence, 10))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write(data)
	}
}

func resizeJPEG(data []byte, width int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "decode snapshot")
	}
	var out image.Image = img
	if width < img.Bounds().Dx() {
		out = imaging.Resize(img, width, 0, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, errors.Wrap(err, "encode snapshot")
	}
	return buf.Bytes(), nil
}
