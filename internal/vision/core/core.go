// Package core holds the types shared by the capture, inference, encoding
// and streaming stages.
package core

import (
	"context"
	"errors"
	"image"
	"time"

	"gocv.io/x/gocv"
)

// ConfidenceThreshold is the minimum score a detection needs to be kept.
const ConfidenceThreshold float32 = 0.25

var (
	// ErrNotReady is returned by non-blocking accessors while a resource is
	// still being constructed.
	ErrNotReady = errors.New("resource not ready")
	// ErrEndOfStream means the capture device stopped producing frames.
	ErrEndOfStream = errors.New("end of stream")
	// ErrEmptyFrame is a transient read failure; the next read may succeed.
	ErrEmptyFrame = errors.New("empty frame")
	// ErrCameraBusy means another session holds the camera lease.
	ErrCameraBusy = errors.New("camera busy")
	// ErrReleased is returned when reading through a released handle.
	ErrReleased = errors.New("camera handle released")
	// ErrInvalidFrame is returned for frames no stage can work with.
	ErrInvalidFrame = errors.New("invalid frame")
)

// IsTransient reports whether a read error should be retried on the next
// iteration instead of ending the stream.
func IsTransient(err error) bool {
	return errors.Is(err, ErrEmptyFrame)
}

// Box is a bounding box in frame pixel coordinates.
type Box struct {
	X      int `json:"x" msgpack:"x"`
	Y      int `json:"y" msgpack:"y"`
	Width  int `json:"width" msgpack:"width"`
	Height int `json:"height" msgpack:"height"`
}

// Rect converts the box to an image.Rectangle for drawing.
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

// Area returns the box area in pixels.
func (b Box) Area() int {
	if b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	return b.Width * b.Height
}

// Detection is one object found in a frame.
type Detection struct {
	ClassID    int     `json:"class_id" msgpack:"class_id"`
	Label      string  `json:"label" msgpack:"label"`
	Confidence float32 `json:"confidence" msgpack:"confidence"`
	Box        Box     `json:"box" msgpack:"box"`
}

// Result is the output of one inference pass. Frame is a new Mat owned by
// the caller, with the overlay already drawn.
type Result struct {
	Frame      gocv.Mat
	Detections []Detection
}

// Close releases the annotated frame.
func (r *Result) Close() error {
	return r.Frame.Close()
}

// DetectionEvent is published for every annotated frame.
type DetectionEvent struct {
	SessionID  string      `json:"session_id" msgpack:"session_id"`
	Sequence   uint64      `json:"seq" msgpack:"seq"`
	Timestamp  time.Time   `json:"timestamp" msgpack:"timestamp"`
	Width      int         `json:"width" msgpack:"width"`
	Height     int         `json:"height" msgpack:"height"`
	Detections []Detection `json:"detections" msgpack:"detections"`
}

// Detector runs object detection on a frame. Implementations must be safe
// for concurrent use and must not modify the input frame.
type Detector interface {
	Detect(frame gocv.Mat) (Result, error)
}

// FrameEncoder turns a frame into a self-contained image payload.
type FrameEncoder interface {
	Encode(frame gocv.Mat) ([]byte, error)
	ContentType() string
}

// CameraSource hands out exclusive read access to a capture device.
type CameraSource interface {
	Open(ctx context.Context) (CameraHandle, error)
	Available() bool
	Close() error
}

// CameraHandle is one session's lease on the camera. Release is idempotent.
type CameraHandle interface {
	Read(ctx context.Context) (gocv.Mat, error)
	Release() error
}

// EventPublisher receives detection events, e.g. the in-process hub.
type EventPublisher interface {
	Publish(event DetectionEvent)
}
