// Package stream runs the per-viewer capture, inference, encode and write
// loop behind /video_feed.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/babelcloud/livedetect/internal/util"
	"github.com/babelcloud/livedetect/internal/vision/core"
	"github.com/babelcloud/livedetect/internal/vision/pipeline"
)

// State is the lifecycle state of a Session.
type State int32

const (
	Starting State = iota
	Streaming
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Streaming:
		return "streaming"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Resources is what a session needs from the registry.
type Resources interface {
	Camera(ctx context.Context) (core.CameraSource, error)
	TryModel() (core.Detector, error)
}

// FrameSink receives every frame that was written to the viewer.
type FrameSink interface {
	Store(f pipeline.Frame)
}

// Options configures a Session.
type Options struct {
	// Width and Height fix the frame size for the whole session.
	Width  int
	Height int
	// MaxReadFailures consecutive transient read errors end the session.
	MaxReadFailures int
	Encoder         core.FrameEncoder
	Events          core.EventPublisher
	Frames          FrameSink
}

// Stats counts what happened to the frames of one session.
type Stats struct {
	Read            uint64 `json:"read"`
	Emitted         uint64 `json:"emitted"`
	Annotated       uint64 `json:"annotated"`
	ReadFailures    uint64 `json:"read_failures"`
	InferenceErrors uint64 `json:"inference_errors"`
	EncodeErrors    uint64 `json:"encode_errors"`
}

// Session serves one viewer. It holds the camera lease from Starting until
// Closed and releases it on every exit path.
type Session struct {
	id        string
	res       Resources
	opts      Options
	logger    *slog.Logger
	startedAt time.Time

	state atomic.Int32

	historyMu sync.Mutex
	history   []State

	read, emitted, annotated            atomic.Uint64
	readFailures, inferErrs, encodeErrs atomic.Uint64

	modelReady bool
	modelSeen  bool
}

// NewSession creates a session in the Starting state.
func NewSession(res Resources, opts Options) *Session {
	if opts.MaxReadFailures < 1 {
		opts.MaxReadFailures = 1
	}
	id := uuid.New().String()
	s := &Session{
		id:        id,
		res:       res,
		opts:      opts,
		logger:    util.ComponentLogger("stream").With("session", id),
		startedAt: time.Now(),
		history:   []State{Starting},
	}
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) StartedAt() time.Time { return s.startedAt }

func (s *Session) State() State {
	return State(s.state.Load())
}

// History returns every state the session has been in, in order.
func (s *Session) History() []State {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	return append([]State(nil), s.history...)
}

func (s *Session) Stats() Stats {
	return Stats{
		Read:            s.read.Load(),
		Emitted:         s.emitted.Load(),
		Annotated:       s.annotated.Load(),
		ReadFailures:    s.readFailures.Load(),
		InferenceErrors: s.inferErrs.Load(),
		EncodeErrors:    s.encodeErrs.Load(),
	}
}

func (s *Session) setState(st State) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	if State(s.state.Load()) == st {
		return
	}
	s.state.Store(int32(st))
	s.history = append(s.history, st)
	s.logger.Debug("Session state changed", "state", st)
}

// Run streams frames into out until the camera ends, the viewer goes away
// or ctx is cancelled. A nil error means a normal end of stream. If the
// camera cannot be acquired nothing is written.
func (s *Session) Run(ctx context.Context, out *ChunkWriter) (err error) {
	defer func() {
		s.setState(Closed)
		st := s.Stats()
		s.logger.Info("Session closed",
			"emitted", st.Emitted, "annotated", st.Annotated,
			"read_failures", st.ReadFailures, "inference_errors", st.InferenceErrors,
			"encode_errors", st.EncodeErrors, "duration", time.Since(s.startedAt).Round(time.Millisecond),
			"error", err)
	}()

	src, err := s.res.Camera(ctx)
	if err != nil {
		s.logger.Warn("Camera unavailable, ending stream", "error", err)
		return errors.Wrap(err, "acquire camera")
	}
	handle, err := src.Open(ctx)
	if err != nil {
		if errors.Is(err, core.ErrCameraBusy) {
			s.logger.Warn("Camera is in use by another viewer")
		} else {
			s.logger.Warn("Camera could not be opened", "error", err)
		}
		return errors.Wrap(err, "open camera")
	}
	defer func() {
		if rerr := handle.Release(); rerr != nil {
			s.logger.Warn("Camera release failed", "error", rerr)
		}
	}()

	s.setState(Streaming)
	s.logger.Info("Streaming started", "width", s.opts.Width, "height", s.opts.Height)
	err = s.loop(ctx, handle, out)
	s.setState(Draining)
	return err
}

func (s *Session) loop(ctx context.Context, handle core.CameraHandle, out *ChunkWriter) error {
	consecutive := 0
	var seq uint64
	for {
		if ctx.Err() != nil {
			s.logger.Debug("Session cancelled")
			return nil
		}

		frame, err := handle.Read(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case core.IsTransient(err):
				consecutive++
				s.readFailures.Add(1)
				s.logger.Warn("Frame read failed", "error", err, "consecutive", consecutive)
				if consecutive >= s.opts.MaxReadFailures {
					s.logger.Warn("Too many consecutive read failures, ending stream")
					return nil
				}
				continue
			case errors.Is(err, core.ErrEndOfStream):
				s.logger.Info("Camera stopped producing frames")
				return nil
			default:
				return errors.Wrap(err, "read frame")
			}
		}

		consecutive = 0
		seq++
		s.read.Add(1)
		if err := s.process(seq, frame, out); err != nil {
			return err
		}
	}
}

// process takes ownership of frame. Only a failed write is returned as an
// error; per-frame failures are logged and counted.
func (s *Session) process(seq uint64, frame gocv.Mat, out *ChunkWriter) error {
	defer frame.Close()

	img, owned, err := normalize(frame, s.opts.Width, s.opts.Height)
	if err != nil {
		s.readFailures.Add(1)
		s.logger.Warn("Dropping unusable frame", "seq", seq, "error", err)
		return nil
	}
	if owned {
		defer img.Close()
	}

	send := img
	if detector := s.detector(); detector != nil {
		res, err := detector.Detect(img)
		if err != nil {
			s.inferErrs.Add(1)
			s.logger.Warn("Inference failed, sending raw frame", "seq", seq, "error", err)
		} else {
			defer res.Close()
			send = res.Frame
			s.annotated.Add(1)
			s.publish(seq, img, res.Detections)
		}
	}

	data, err := s.opts.Encoder.Encode(send)
	if err != nil {
		s.encodeErrs.Add(1)
		s.logger.Warn("Encode failed, skipping frame", "seq", seq, "error", err)
		return nil
	}

	if err := out.WriteChunk(data); err != nil {
		s.logger.Info("Viewer disconnected", "seq", seq)
		return err
	}
	s.emitted.Add(1)

	if s.opts.Frames != nil {
		s.opts.Frames.Store(pipeline.Frame{
			SessionID:   s.id,
			Sequence:    seq,
			ContentType: s.opts.Encoder.ContentType(),
			Data:        data,
			CapturedAt:  time.Now(),
		})
	}
	return nil
}

// detector returns the model if it is loaded. Availability changes are
// logged once per transition.
func (s *Session) detector() core.Detector {
	d, err := s.res.TryModel()
	ready := err == nil && d != nil
	if !s.modelSeen || ready != s.modelReady {
		if ready {
			s.logger.Info("Model available, annotating frames")
		} else {
			s.logger.Info("Model not available, streaming raw frames", "reason", err)
		}
	}
	s.modelSeen = true
	s.modelReady = ready
	if !ready {
		return nil
	}
	return d
}

func (s *Session) publish(seq uint64, frame gocv.Mat, detections []core.Detection) {
	if s.opts.Events == nil {
		return
	}
	s.opts.Events.Publish(core.DetectionEvent{
		SessionID:  s.id,
		Sequence:   seq,
		Timestamp:  time.Now(),
		Width:      frame.Cols(),
		Height:     frame.Rows(),
		Detections: detections,
	})
}
