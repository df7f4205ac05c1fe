package server

import (
	"bufio"
	"context"
	"embed"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/babelcloud/livedetect/config"
	"github.com/babelcloud/livedetect/internal/server/handlers"
	"github.com/babelcloud/livedetect/internal/server/router"
	"github.com/babelcloud/livedetect/internal/util"
	"github.com/babelcloud/livedetect/internal/vision/core"
	"github.com/babelcloud/livedetect/internal/vision/emitter"
	"github.com/babelcloud/livedetect/internal/vision/encode"
	"github.com/babelcloud/livedetect/internal/vision/pipeline"
	"github.com/babelcloud/livedetect/internal/vision/registry"
	"github.com/babelcloud/livedetect/internal/vision/stream"
)

//go:embed all:static
var staticFiles embed.FS

var logger = util.GetComponentCompatLogger("server")

// Resources is the part of the registry the server depends on.
type Resources interface {
	stream.Resources
	Status() registry.Status
	Resources() []registry.ResourceInfo
	BackendName() string
	Close() error
}

// Options configures a LiveDetectServer.
type Options struct {
	Port      int
	Resources Resources
	// Stream holds per-session settings. Events and Frames are filled in by
	// the server.
	Stream  stream.Options
	Emitter *emitter.MQTTEmitter
}

// LiveDetectServer serves the video feed, status probes and detection
// events for one camera and one model.
type LiveDetectServer struct {
	port       int
	httpServer *http.Server
	mux        *http.ServeMux
	routesOnce sync.Once

	// Services
	resources Resources
	sessions  *stream.Manager
	events    *pipeline.EventHub
	frames    *pipeline.FrameHub
	emitter   *emitter.MQTTEmitter

	// State
	mu        sync.RWMutex
	running   bool
	startTime time.Time
	buildID   string
	ctx       context.Context
	cancel    context.CancelFunc
	stopOnce  sync.Once
}

// NewLiveDetectServer creates a server around already constructed
// resources. Nothing is started until Start.
func NewLiveDetectServer(opts Options) *LiveDetectServer {
	ctx, cancel := context.WithCancel(context.Background())

	events := pipeline.NewEventHub()
	frames := pipeline.NewFrameHub()
	streamOpts := opts.Stream
	streamOpts.Events = events
	streamOpts.Frames = frames

	return &LiveDetectServer{
		port:      opts.Port,
		mux:       http.NewServeMux(),
		resources: opts.Resources,
		sessions:  stream.NewManager(opts.Resources, streamOpts),
		events:    events,
		frames:    frames,
		emitter:   opts.Emitter,
		startTime: time.Now(),
		buildID:   GetBuildID(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// NewFromConfig wires the server from the config package: the lazy
// registry, the JPEG encoder and, when enabled, the MQTT emitter.
func NewFromConfig() (*LiveDetectServer, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	cameraCfg := config.Camera()
	opts := Options{
		Port:      config.Server().Port,
		Resources: registry.NewFromConfig(),
		Stream: stream.Options{
			Width:           cameraCfg.Width,
			Height:          cameraCfg.Height,
			MaxReadFailures: cameraCfg.MaxReadFailures,
			Encoder:         encode.NewJPEGEncoder(config.Stream().JPEGQuality),
		},
	}
	if mq := config.MQTT(); mq.Enabled {
		opts.Emitter = emitter.NewMQTTEmitter(mq)
	}
	return NewLiveDetectServer(opts), nil
}

// Start listens on the configured port and serves until Stop. It returns
// http.ErrServerClosed after a clean stop.
func (s *LiveDetectServer) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return errors.Wrapf(err, "failed to listen on port %d", s.port)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop.
func (s *LiveDetectServer) Serve(ln net.Listener) error {
	s.mu.Lock()
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = addr.Port
	}
	s.startTime = time.Now()
	s.running = true
	s.httpServer = &http.Server{
		Handler:     s.Handler(),
		BaseContext: func(net.Listener) context.Context { return s.ctx },
		ErrorLog:    util.NewStdLogger("http"),
		// No read/write/idle timeouts: /video_feed responses never end on
		// their own.
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpServer := s.httpServer
	s.mu.Unlock()

	s.startEmitter()

	// Start loading the model and opening the camera so the first viewer
	// does not pay for it.
	st := s.resources.Status()
	logger.Infof("LiveDetect server listening on :%d (model_loaded=%t camera_available=%t)",
		s.GetPort(), st.ModelLoaded, st.CameraAvailable)

	return httpServer.Serve(ln)
}

func (s *LiveDetectServer) startEmitter() {
	if s.emitter == nil {
		return
	}
	go func() {
		if err := s.emitter.Connect(s.ctx); err != nil {
			// paho keeps retrying in the background.
			logger.Warnf("MQTT emitter not connected yet: %v", err)
		}
		s.emitter.Run(s.ctx, s.events)
	}()
}

// Stop cancels every session, shuts the HTTP server down and releases the
// camera and the model. Safe to call more than once.
func (s *LiveDetectServer) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		// Request contexts derive from s.ctx, so this drains every session
		// and returns the camera lease before Shutdown waits on handlers.
		s.cancel()

		s.mu.Lock()
		httpServer := s.httpServer
		s.running = false
		s.mu.Unlock()

		if httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if serr := httpServer.Shutdown(ctx); serr != nil {
				logger.Warnf("HTTP server shutdown error: %v", serr)
				// Force close if graceful shutdown fails
				if cerr := httpServer.Close(); cerr != nil {
					logger.Errorf("HTTP server force close error: %v", cerr)
				}
			}
		}

		// Closing the hubs ends WebSocket handlers, which Shutdown does
		// not track.
		s.events.Close()
		s.frames.Close()
		if s.emitter != nil {
			s.emitter.Disconnect()
		}
		if s.resources != nil {
			err = s.resources.Close()
		}

		logger.Infof("LiveDetect server stopped")
	})
	return err
}

// Handler returns the routed HTTP handler wrapped in the logging
// middleware.
func (s *LiveDetectServer) Handler() http.Handler {
	s.routesOnce.Do(s.setupRoutes)
	return loggingMiddleware(s.mux)
}

// setupRoutes sets up all HTTP routes using the router system
func (s *LiveDetectServer) setupRoutes() {
	routers := []router.Router{
		&router.StreamingRouter{},
		&router.APIRouter{},
		&router.PagesRouter{}, // Must be last as it includes root handler
	}

	for _, r := range routers {
		r.RegisterRoutes(s.mux, s)
	}
}

var _ handlers.ServerService = (*LiveDetectServer)(nil)

// IsRunning returns whether the server is running
func (s *LiveDetectServer) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// GetPort returns the server port
func (s *LiveDetectServer) GetPort() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port
}

// GetUptime returns server uptime
func (s *LiveDetectServer) GetUptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.startTime)
}

// GetBuildID returns build ID
func (s *LiveDetectServer) GetBuildID() string {
	return s.buildID
}

// GetVersion returns version info
func (s *LiveDetectServer) GetVersion() string {
	return BuildInfo.Version
}

func (s *LiveDetectServer) ResourceStatus() registry.Status {
	return s.resources.Status()
}

func (s *LiveDetectServer) Resources() []registry.ResourceInfo {
	return s.resources.Resources()
}

func (s *LiveDetectServer) BackendName() string {
	return s.resources.BackendName()
}

func (s *LiveDetectServer) ServeStream(ctx context.Context, out *stream.ChunkWriter) (*stream.Session, error) {
	return s.sessions.Serve(ctx, out)
}

func (s *LiveDetectServer) ActiveSessions() []stream.SessionInfo {
	return s.sessions.List()
}

func (s *LiveDetectServer) TotalSessions() uint64 {
	return s.sessions.Total()
}

func (s *LiveDetectServer) LatestFrame() (pipeline.Frame, bool) {
	return s.frames.Latest()
}

func (s *LiveDetectServer) SubscribeDetections(id string, bufferSize int) <-chan core.DetectionEvent {
	return s.events.Subscribe(id, bufferSize)
}

func (s *LiveDetectServer) UnsubscribeDetections(id string) {
	s.events.Unsubscribe(id)
}

// MQTTStats returns nil when no emitter is configured.
func (s *LiveDetectServer) MQTTStats() *emitter.Stats {
	if s.emitter == nil {
		return nil
	}
	st := s.emitter.Stats()
	return &st
}

// GetStaticFS returns static file system
func (s *LiveDetectServer) GetStaticFS() fs.FS {
	return staticFiles
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	length int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.status = code
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lw.status == 0 {
		lw.status = http.StatusOK
	}
	n, err := lw.ResponseWriter.Write(b)
	lw.length += n
	return n, err
}

// Flush lets /video_feed push every chunk through the middleware.
func (lw *loggingResponseWriter) Flush() {
	if f, ok := lw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (lw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("http.Hijacker interface is not supported")
	}
	return hj.Hijack()
}

func (lw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lw.ResponseWriter
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		duration := time.Since(start)
		logger.Printf("%s %s %d %d %s %s", r.Method, r.URL.Path, lw.status, lw.length, duration, r.RemoteAddr)
	})
}
