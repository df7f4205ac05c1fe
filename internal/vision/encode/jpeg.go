// Package encode turns frames into image payloads for the wire.
package encode

import (
	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/babelcloud/livedetect/internal/vision/core"
)

// DefaultJPEGQuality matches OpenCV's own default.
const DefaultJPEGQuality = 95

// JPEGEncoder is a core.FrameEncoder producing baseline JPEG.
type JPEGEncoder struct {
	params []int
}

// NewJPEGEncoder returns an encoder at the given quality (1-100); out of
// range values fall back to DefaultJPEGQuality.
func NewJPEGEncoder(quality int) *JPEGEncoder {
	if quality < 1 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &JPEGEncoder{params: []int{int(gocv.IMWriteJpegQuality), quality}}
}

// Quality returns the configured JPEG quality.
func (e *JPEGEncoder) Quality() int {
	return e.params[1]
}

func (e *JPEGEncoder) ContentType() string {
	return "image/jpeg"
}

// Encode compresses frame. The returned bytes are owned by the caller.
func (e *JPEGEncoder) Encode(frame gocv.Mat) ([]byte, error) {
	if frame.Empty() {
		return nil, errors.Wrap(core.ErrInvalidFrame, "encode empty frame")
	}
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, frame, e.params)
	if err != nil {
		return nil, errors.Wrap(err, "jpeg encode")
	}
	defer buf.Close()

	data := buf.GetBytes()
	if len(data) == 0 {
		return nil, errors.New("jpeg encode produced no data")
	}
	return append([]byte(nil), data...), nil
}
