// Package visiontest provides in-memory cameras, detectors and encoders for
// tests of the streaming pipeline.
package visiontest

import (
	"context"
	"image"
	"image/color"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/babelcloud/livedetect/internal/vision/core"
	"github.com/babelcloud/livedetect/internal/vision/encode"
)

// FrameLevel is the gray level of the n-th (1-based) synthetic frame, so a
// decoded frame tells which capture it came from.
func FrameLevel(n int) uint8 {
	return uint8(20 + (n*20)%220)
}

// SolidFrame returns a BGR frame filled with one gray level.
func SolidFrame(width, height int, level uint8) gocv.Mat {
	v := float64(level)
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(v, v, v, 0), height, width, gocv.MatTypeCV8UC3)
}

// Camera is a core.CameraSource producing Frames solid frames, then end of
// stream.
type Camera struct {
	Width  int
	Height int
	Frames int
	// ReadErrors injects an error at the given 1-based read.
	ReadErrors map[int]error
	OpenErr    error
	Down       atomic.Bool

	mu       sync.Mutex
	reads    int
	opens    int
	releases atomic.Int32
	leased   bool
	closed   bool
}

func NewCamera(width, height, frames int) *Camera {
	return &Camera{Width: width, Height: height, Frames: frames}
}

func (c *Camera) Open(ctx context.Context) (core.CameraHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.OpenErr != nil {
		return nil, c.OpenErr
	}
	if c.leased {
		return nil, core.ErrCameraBusy
	}
	c.leased = true
	c.opens++
	return &handle{camera: c}, nil
}

func (c *Camera) Available() bool {
	return !c.Down.Load()
}

func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Releases returns how many times a lease was actually released.
func (c *Camera) Releases() int {
	return int(c.releases.Load())
}

// Opens returns how many leases were granted.
func (c *Camera) Opens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

// Closed reports whether Close was called.
func (c *Camera) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type handle struct {
	camera *Camera
	once   sync.Once
	done   atomic.Bool
}

func (h *handle) Read(ctx context.Context) (gocv.Mat, error) {
	if err := ctx.Err(); err != nil {
		return gocv.Mat{}, err
	}
	if h.done.Load() {
		return gocv.Mat{}, core.ErrReleased
	}
	c := h.camera
	c.mu.Lock()
	c.reads++
	n := c.reads
	c.mu.Unlock()

	if err, ok := c.ReadErrors[n]; ok {
		return gocv.Mat{}, err
	}
	if c.Frames > 0 && n > c.Frames {
		return gocv.Mat{}, core.ErrEndOfStream
	}
	return SolidFrame(c.Width, c.Height, FrameLevel(n)), nil
}

func (h *handle) Release() error {
	h.once.Do(func() {
		h.done.Store(true)
		c := h.camera
		c.mu.Lock()
		c.leased = false
		c.mu.Unlock()
		c.releases.Add(1)
	})
	return nil
}

// MarkerColor is painted by Detector into the top-left corner of every
// annotated frame.
var MarkerColor = color.RGBA{R: 0, G: 0, B: 255, A: 255}

// MarkerSize is the side of the marker square in pixels, one JPEG MCU.
const MarkerSize = 16

// Detector is a core.Detector that marks frames instead of running a model.
type Detector struct {
	// FailOn makes the n-th (1-based) call fail.
	FailOn map[int]bool

	calls atomic.Int32
}

func (d *Detector) Detect(frame gocv.Mat) (core.Result, error) {
	n := int(d.calls.Add(1))
	if d.FailOn[n] {
		return core.Result{}, errors.Errorf("inference failed on call %d", n)
	}
	out := frame.Clone()
	gocv.Rectangle(&out, image.Rect(0, 0, MarkerSize, MarkerSize), MarkerColor, -1)
	return core.Result{
		Frame: out,
		Detections: []core.Detection{{
			ClassID:    0,
			Label:      "marker",
			Confidence: 0.9,
			Box:        core.Box{Width: MarkerSize, Height: MarkerSize},
		}},
	}, nil
}

// Calls returns how many frames were submitted.
func (d *Detector) Calls() int {
	return int(d.calls.Load())
}

func (d *Detector) Close() error { return nil }

// Encoder wraps the JPEG encoder and fails on chosen calls.
type Encoder struct {
	FailOn map[int]bool

	inner *encode.JPEGEncoder
	calls atomic.Int32
}

func NewEncoder(failOn ...int) *Encoder {
	e := &Encoder{FailOn: map[int]bool{}, inner: encode.NewJPEGEncoder(95)}
	for _, n := range failOn {
		e.FailOn[n] = true
	}
	return e
}

func (e *Encoder) Encode(frame gocv.Mat) ([]byte, error) {
	n := int(e.calls.Add(1))
	if e.FailOn[n] {
		return nil, errors.Errorf("encode failed on call %d", n)
	}
	return e.inner.Encode(frame)
}

func (e *Encoder) ContentType() string {
	return e.inner.ContentType()
}

// DecodeLevel decodes a JPEG payload and returns the gray level at (x, y)
// along with the frame size.
func DecodeLevel(data []byte, x, y int) (level uint8, width, height int, err error) {
	m, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return 0, 0, 0, err
	}
	defer m.Close()
	if m.Empty() {
		return 0, 0, 0, errors.New("payload is not an image")
	}
	px := m.GetVecbAt(y, x)
	return px[1], m.Cols(), m.Rows(), nil
}

// DecodeBGR returns the pixel at (x, y) of a JPEG payload.
func DecodeBGR(data []byte, x, y int) (b, g, r uint8, err error) {
	m, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return 0, 0, 0, err
	}
	defer m.Close()
	if m.Empty() {
		return 0, 0, 0, errors.New("payload is not an image")
	}
	px := m.GetVecbAt(y, x)
	return px[0], px[1], px[2], nil
}
