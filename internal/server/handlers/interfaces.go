package handlers

import (
	"context"
	"io/fs"
	"time"

	"github.com/babelcloud/livedetect/internal/vision/core"
	"github.com/babelcloud/livedetect/internal/vision/emitter"
	"github.com/babelcloud/livedetect/internal/vision/pipeline"
	"github.com/babelcloud/livedetect/internal/vision/registry"
	"github.com/babelcloud/livedetect/internal/vision/stream"
)

// ServerService defines the interface for server operations that handlers need
type ServerService interface {
	// Status and info
	IsRunning() bool
	GetPort() int
	GetUptime() time.Duration
	GetBuildID() string
	GetVersion() string

	// Resources
	ResourceStatus() registry.Status
	Resources() []registry.ResourceInfo
	BackendName() string

	// Streaming
	ServeStream(ctx context.Context, out *stream.ChunkWriter) (*stream.Session, error)
	ActiveSessions() []stream.SessionInfo
	TotalSessions() uint64
	LatestFrame() (pipeline.Frame, bool)

	// Detection events
	SubscribeDetections(id string, bufferSize int) <-chan core.DetectionEvent
	UnsubscribeDetections(id string)
	MQTTStats() *emitter.Stats

	// Static file serving
	GetStaticFS() fs.FS
}
