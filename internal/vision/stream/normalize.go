package stream

import (
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/babelcloud/livedetect/internal/vision/core"
)

// normalize converts frame to 3-channel BGR at width x height. When frame
// already matches, it is returned as is and owned is false; otherwise the
// result is a new Mat the caller must close.
func normalize(frame gocv.Mat, width, height int) (out gocv.Mat, owned bool, err error) {
	if frame.Empty() {
		return frame, false, core.ErrInvalidFrame
	}

	out = frame
	switch frame.Channels() {
	case 3:
	case 1:
		bgr := gocv.NewMat()
		gocv.CvtColor(frame, &bgr, gocv.ColorGrayToBGR)
		out, owned = bgr, true
	case 4:
		bgr := gocv.NewMat()
		gocv.CvtColor(frame, &bgr, gocv.ColorBGRAToBGR)
		out, owned = bgr, true
	default:
		return frame, false, errors.Wrapf(core.ErrInvalidFrame, "%d channels", frame.Channels())
	}

	if width <= 0 || height <= 0 || (out.Cols() == width && out.Rows() == height) {
		return out, owned, nil
	}

	resized := gocv.NewMat()
	gocv.Resize(out, &resized, image.Pt(width, height), 0, 0, gocv.InterpolationLinear)
	if owned {
		out.Close()
	}
	return resized, true, nil
}
