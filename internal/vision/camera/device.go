package camera

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/babelcloud/livedetect/config"
)

// Device is the part of *gocv.VideoCapture a Source uses.
type Device interface {
	Read(m *gocv.Mat) bool
	Close() error
}

// Opener claims a capture device. It must give up when ctx is done.
type Opener func(ctx context.Context, cfg config.CameraConfig) (Device, error)

// ParseDevice turns "0" into a device index and leaves paths and URLs alone.
func ParseDevice(device string) interface{} {
	device = strings.TrimSpace(device)
	if id, err := strconv.Atoi(device); err == nil {
		return id
	}
	return device
}

// OpenVideoCapture opens the configured device with OpenCV. The native open
// call cannot be interrupted, so on timeout it is left to finish in the
// background and the late device is closed.
func OpenVideoCapture(ctx context.Context, cfg config.CameraConfig) (Device, error) {
	type result struct {
		vc  *gocv.VideoCapture
		err error
	}
	ch := make(chan result, 1)
	go func() {
		vc, err := gocv.OpenVideoCapture(ParseDevice(cfg.Device))
		if err == nil && !vc.IsOpened() {
			vc.Close()
			vc, err = nil, errors.New("device did not open")
		}
		ch <- result{vc: vc, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, errors.Wrapf(r.err, "open camera %q", cfg.Device)
		}
		if cfg.Width > 0 && cfg.Height > 0 {
			r.vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
			r.vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
		}
		// Keep the driver queue short so viewers see current frames.
		r.vc.Set(gocv.VideoCaptureBufferSize, 1)
		return r.vc, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.vc != nil {
				r.vc.Close()
			}
		}()
		return nil, errors.Wrapf(ctx.Err(), "open camera %q", cfg.Device)
	}
}
