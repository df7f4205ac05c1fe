// Package registry owns the process-wide model and camera. Both are built
// lazily on first use, shared by every session, and rebuilt after a failed
// attempt once the retry backoff has passed.
package registry

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/babelcloud/livedetect/config"
	"github.com/babelcloud/livedetect/internal/vision/camera"
	"github.com/babelcloud/livedetect/internal/vision/core"
	"github.com/babelcloud/livedetect/internal/vision/detect"
	"github.com/babelcloud/livedetect/internal/vision/lazy"
)

const (
	ResourceModel  = "model"
	ResourceCamera = "camera"
)

type (
	ModelFactory  func(ctx context.Context) (core.Detector, error)
	CameraFactory func(ctx context.Context) (core.CameraSource, error)
)

// Options wires a Registry. Zero timeouts mean no construction deadline.
type Options struct {
	Model         ModelFactory
	Camera        CameraFactory
	ModelTimeout  time.Duration
	CameraTimeout time.Duration
	RetryBackoff  time.Duration
	Clock         clock.PassiveClock
}

// Registry hands out the shared detector and camera.
type Registry struct {
	model  *lazy.Cell[core.Detector]
	camera *lazy.Cell[core.CameraSource]
}

// Status is what /status reports.
type Status struct {
	ModelLoaded     bool `json:"model_loaded"`
	CameraAvailable bool `json:"camera_available"`
}

// ResourceInfo describes one resource for diagnostics.
type ResourceInfo struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

func New(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Registry{
		model: lazy.New(ResourceModel, lazy.Factory[core.Detector](opts.Model),
			lazy.WithTimeout(opts.ModelTimeout),
			lazy.WithRetryBackoff(opts.RetryBackoff),
			lazy.WithClock(opts.Clock)),
		camera: lazy.New(ResourceCamera, lazy.Factory[core.CameraSource](opts.Camera),
			lazy.WithTimeout(opts.CameraTimeout),
			lazy.WithRetryBackoff(opts.RetryBackoff),
			lazy.WithClock(opts.Clock)),
	}
}

// NewFromConfig builds a registry backed by the real inference engine and
// OpenCV camera, configured from the config package.
func NewFromConfig() *Registry {
	modelCfg := config.Model()
	cameraCfg := config.Camera()

	return New(Options{
		Model: func(ctx context.Context) (core.Detector, error) {
			engine, err := detect.NewEngine(ctx, modelCfg)
			if err != nil {
				return nil, err
			}
			return engine, nil
		},
		Camera: func(ctx context.Context) (core.CameraSource, error) {
			src, err := camera.NewSource(ctx, cameraCfg, nil)
			if err != nil {
				return nil, err
			}
			return src, nil
		},
		ModelTimeout:  modelCfg.LoadTimeout,
		CameraTimeout: cameraCfg.OpenTimeout,
		RetryBackoff:  config.RetryBackoff(),
	})
}

// Model blocks until the detector is built or ctx is done.
func (r *Registry) Model(ctx context.Context) (core.Detector, error) {
	return r.model.Get(ctx)
}

// TryModel returns the detector only if it is already built. Otherwise it
// makes sure a load is under way and returns an error; frames are then
// streamed without annotation.
func (r *Registry) TryModel() (core.Detector, error) {
	return r.model.TryGet()
}

// Camera blocks until the camera source is built or ctx is done.
func (r *Registry) Camera(ctx context.Context) (core.CameraSource, error) {
	return r.camera.Get(ctx)
}

// Status never blocks. Resources that are not built yet report false and
// start building in the background.
func (r *Registry) Status() Status {
	_, modelErr := r.model.TryGet()
	src, cameraErr := r.camera.TryGet()
	return Status{
		ModelLoaded:     modelErr == nil,
		CameraAvailable: cameraErr == nil && src.Available(),
	}
}

// Resources returns the state of every resource without triggering
// construction.
func (r *Registry) Resources() []ResourceInfo {
	return []ResourceInfo{info(r.model), info(r.camera)}
}

type cellInfo interface {
	Name() string
	State() lazy.State
	Attempts() int
	Err() error
}

func info(c cellInfo) ResourceInfo {
	ri := ResourceInfo{Name: c.Name(), State: c.State().String(), Attempts: c.Attempts()}
	if err := c.Err(); err != nil {
		ri.Error = err.Error()
	}
	return ri
}

// BackendName returns the inference backend of a loaded model, or "".
func (r *Registry) BackendName() string {
	m, ok := r.model.Peek()
	if !ok {
		return ""
	}
	if named, ok := m.(interface{ BackendName() string }); ok {
		return named.BackendName()
	}
	return ""
}

// Close releases the camera and the model if they were built.
func (r *Registry) Close() error {
	cameraErr := r.camera.Close()
	modelErr := r.model.Close()
	if cameraErr != nil {
		return cameraErr
	}
	return errors.WithStack(modelErr)
}
