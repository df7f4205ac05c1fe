// Package detect runs a YOLO model over frames and draws the results.
package detect

import (
	"context"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/babelcloud/livedetect/config"
	"github.com/babelcloud/livedetect/internal/util"
	"github.com/babelcloud/livedetect/internal/vision/core"
)

// ErrEngineClosed is returned by Detect after Close.
var ErrEngineClosed = errors.New("inference engine closed")

// Engine is a core.Detector backed by a pool of model instances. The model
// is read-only after load, so frames from several sessions can be
// processed at once, one per pooled backend.
type Engine struct {
	cfg    config.ModelConfig
	labels []string
	logger *slog.Logger

	pool     chan Backend
	backends []Backend

	closeOnce sync.Once
	closed    atomic.Bool
	frames    atomic.Uint64
	failures  atomic.Uint64
}

// NewEngine loads labels and cfg.Workers backends. It honours ctx between
// backend loads; a single native load cannot be interrupted.
func NewEngine(ctx context.Context, cfg config.ModelConfig) (*Engine, error) {
	labelsPath := cfg.Labels
	if labelsPath == "" {
		labelsPath = defaultLabelsPath(cfg.Path)
	}
	var labels []string
	if labelsPath != "" {
		var err error
		if labels, err = LoadLabels(labelsPath); err != nil {
			return nil, err
		}
	}

	workers := max(cfg.Workers, 1)
	backends := make([]Backend, 0, workers)
	closeAll := func() {
		for _, b := range backends {
			b.Close()
		}
	}
	for i := 0; i < workers; i++ {
		if err := ctx.Err(); err != nil {
			closeAll()
			return nil, errors.Wrap(err, "load model")
		}
		b, err := newBackend(cfg, len(labels))
		if err != nil {
			closeAll()
			return nil, errors.Wrapf(err, "load model %s", cfg.Path)
		}
		backends = append(backends, b)
	}

	e := NewEngineWithBackends(cfg, labels, backends...)
	e.logger.Info("Model loaded", "path", cfg.Path, "labels", len(labels), "workers", workers)
	return e, nil
}

func newBackend(cfg config.ModelConfig, numClasses int) (Backend, error) {
	switch cfg.Backend {
	case config.BackendONNXRuntime:
		return newONNXBackend(cfg, numClasses)
	case config.BackendOpenCV, "":
		return newOpenCVBackend(cfg)
	default:
		return nil, errors.Errorf("unknown backend %q", cfg.Backend)
	}
}

// NewEngineWithBackends wraps already loaded backends.
func NewEngineWithBackends(cfg config.ModelConfig, labels []string, backends ...Backend) *Engine {
	e := &Engine{
		cfg:      cfg,
		labels:   labels,
		pool:     make(chan Backend, len(backends)),
		backends: backends,
	}
	name := cfg.Backend
	if len(backends) > 0 {
		name = backends[0].Name()
	}
	e.logger = util.ComponentLogger("detect").With("backend", name)
	for _, b := range backends {
		e.pool <- b
	}
	return e
}

// Labels returns the class names the engine reports.
func (e *Engine) Labels() []string {
	return e.labels
}

// BackendName returns the name of the inference backend.
func (e *Engine) BackendName() string {
	if len(e.backends) == 0 {
		return e.cfg.Backend
	}
	return e.backends[0].Name()
}

// Stats returns the number of frames processed and failed.
func (e *Engine) Stats() (frames, failures uint64) {
	return e.frames.Load(), e.failures.Load()
}

// Detect runs the model on frame and returns a new annotated frame. frame
// itself is never modified.
func (e *Engine) Detect(frame gocv.Mat) (core.Result, error) {
	if e.closed.Load() {
		return core.Result{}, ErrEngineClosed
	}
	if frame.Empty() || frame.Channels() != 3 {
		return core.Result{}, errors.Wrapf(core.ErrInvalidFrame, "detect on %dx%dx%d frame", frame.Cols(), frame.Rows(), frame.Channels())
	}

	detections, err := e.infer(frame)
	if err != nil {
		e.failures.Add(1)
		return core.Result{}, err
	}
	e.frames.Add(1)

	annotated := frame.Clone()
	DrawDetections(&annotated, detections)
	return core.Result{Frame: annotated, Detections: detections}, nil
}

func (e *Engine) infer(frame gocv.Mat) ([]core.Detection, error) {
	size := e.cfg.InputSize
	blob := gocv.BlobFromImage(frame, 1.0/255.0, image.Pt(size, size), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	backend, ok := <-e.pool
	if !ok {
		return nil, ErrEngineClosed
	}
	start := time.Now()
	out, err := backend.Infer(blob)
	e.pool <- backend
	if err != nil {
		return nil, errors.Wrap(err, "inference")
	}
	e.logger.Debug("Forward pass", "duration", time.Since(start), "dims", out.Dims)

	return Decode(out, DecodeOptions{
		InputSize:     size,
		FrameWidth:    frame.Cols(),
		FrameHeight:   frame.Rows(),
		IoUThreshold:  float32(e.cfg.IoUThreshold),
		MaxDetections: e.cfg.MaxDetections,
		Labels:        e.labels,
	})
}

// Close waits for in-flight inferences and frees every backend.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		for range e.backends {
			b := <-e.pool
			if cerr := b.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		close(e.pool)
		e.logger.Info("Model unloaded")
	})
	return err
}
