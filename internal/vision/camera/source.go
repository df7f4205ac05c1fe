// Package camera owns the capture device and hands out one exclusive lease
// at a time.
package camera

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/babelcloud/livedetect/config"
	"github.com/babelcloud/livedetect/internal/util"
	"github.com/babelcloud/livedetect/internal/vision/core"
)

// ErrSourceClosed is returned by Open after Close.
var ErrSourceClosed = errors.New("camera source closed")

// Source is the process-wide camera. Only one Handle is live at a time.
type Source struct {
	cfg    config.CameraConfig
	open   Opener
	logger *slog.Logger

	lease     chan struct{}
	available atomic.Bool
	shutdown  atomic.Bool
	leases    atomic.Int64

	mu     sync.Mutex
	dev    Device
	broken bool
	closed bool

	// readMu is held for reading across a native read; Close takes it for
	// writing so the device is never released under a reader.
	readMu sync.RWMutex
}

// NewSource claims the device once so that a missing camera is reported at
// construction time. opener may be nil to use OpenCV.
func NewSource(ctx context.Context, cfg config.CameraConfig, opener Opener) (*Source, error) {
	if opener == nil {
		opener = OpenVideoCapture
	}
	s := &Source{
		cfg:    cfg,
		open:   opener,
		logger: util.ComponentLogger("camera").With("device", cfg.Device),
		lease:  make(chan struct{}, 1),
	}

	dev, err := s.openDevice(ctx)
	if err != nil {
		return nil, err
	}
	s.dev = dev
	s.available.Store(true)
	s.logger.Info("Camera opened", "width", cfg.Width, "height", cfg.Height)
	return s, nil
}

// Available reports whether the last open succeeded and the device has not
// stopped producing frames since.
func (s *Source) Available() bool {
	return s.available.Load()
}

// Leases returns how many handles have been granted so far.
func (s *Source) Leases() int64 {
	return s.leases.Load()
}

// Open waits up to the lease timeout for exclusive access and returns a
// handle. The device is reopened if a previous session closed it or it
// stopped producing frames.
func (s *Source) Open(ctx context.Context) (core.CameraHandle, error) {
	waitCtx := ctx
	if s.cfg.LeaseTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.cfg.LeaseTimeout)
		defer cancel()
	}

	select {
	case s.lease <- struct{}{}:
	case <-waitCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "waiting for camera")
		}
		return nil, core.ErrCameraBusy
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		<-s.lease
		return nil, ErrSourceClosed
	}

	if s.dev == nil || s.broken {
		if s.dev != nil {
			s.dev.Close()
			s.dev = nil
		}
		dev, err := s.openDevice(ctx)
		if err != nil {
			s.available.Store(false)
			<-s.lease
			return nil, err
		}
		s.dev = dev
		s.broken = false
		s.available.Store(true)
		s.logger.Info("Camera reopened")
	}

	n := s.leases.Add(1)
	s.logger.Debug("Camera lease granted", "lease", n)
	return &Handle{source: s, dev: s.dev, id: n}, nil
}

// Close shuts the device down for good. It waits for a read in progress to
// return; handles still out fail on the next read.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.shutdown.Store(true)
	s.available.Store(false)

	s.readMu.Lock()
	defer s.readMu.Unlock()
	if s.dev == nil {
		return nil
	}
	err := s.dev.Close()
	s.dev = nil
	s.logger.Info("Camera closed")
	return errors.Wrap(err, "close camera")
}

func (s *Source) openDevice(ctx context.Context) (Device, error) {
	if s.cfg.OpenTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.OpenTimeout)
		defer cancel()
	}
	return s.open(ctx, s.cfg)
}

func (s *Source) markBroken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broken = true
	s.available.Store(false)
}

func (s *Source) release(h *Handle) error {
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		<-s.lease
	}()

	if s.closed || s.dev != h.dev {
		return nil
	}
	if s.cfg.KeepOpen && !s.broken {
		return nil
	}
	err := s.dev.Close()
	s.dev = nil
	s.logger.Debug("Camera device closed after release", "lease", h.id)
	return errors.Wrap(err, "close camera")
}

// Handle is one session's exclusive lease on the camera.
type Handle struct {
	source *Source
	dev    Device
	id     int64

	mu       sync.Mutex
	released bool
	once     sync.Once
	err      error
}

// Read grabs the next frame. On error the returned Mat is not valid and
// must not be used or closed.
func (h *Handle) Read(ctx context.Context) (gocv.Mat, error) {
	if err := ctx.Err(); err != nil {
		return gocv.Mat{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return gocv.Mat{}, core.ErrReleased
	}

	frame, ok, err := h.read()
	if err != nil {
		return gocv.Mat{}, err
	}
	if !ok {
		frame.Close()
		h.source.markBroken()
		return gocv.Mat{}, core.ErrEndOfStream
	}
	if frame.Empty() {
		frame.Close()
		return gocv.Mat{}, core.ErrEmptyFrame
	}
	return frame, nil
}

func (h *Handle) read() (gocv.Mat, bool, error) {
	h.source.readMu.RLock()
	defer h.source.readMu.RUnlock()
	if h.source.shutdown.Load() {
		return gocv.Mat{}, false, core.ErrEndOfStream
	}
	frame := gocv.NewMat()
	return frame, h.dev.Read(&frame), nil
}

// Release returns the lease. Only the first call has any effect.
func (h *Handle) Release() error {
	h.once.Do(func() {
		h.mu.Lock()
		h.released = true
		h.mu.Unlock()
		h.err = h.source.release(h)
	})
	return h.err
}
