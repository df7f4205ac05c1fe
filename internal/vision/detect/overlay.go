package detect

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/babelcloud/livedetect/internal/vision/core"
)

// Ultralytics-style palette, indexed by class id.
var palette = []color.RGBA{
	{R: 255, G: 56, B: 56, A: 255},
	{R: 255, G: 157, B: 151, A: 255},
	{R: 255, G: 112, B: 31, A: 255},
	{R: 255, G: 178, B: 29, A: 255},
	{R: 207, G: 210, B: 49, A: 255},
	{R: 72, G: 249, B: 10, A: 255},
	{R: 146, G: 204, B: 23, A: 255},
	{R: 61, G: 219, B: 134, A: 255},
	{R: 26, G: 147, B: 52, A: 255},
	{R: 0, G: 212, B: 187, A: 255},
	{R: 44, G: 153, B: 168, A: 255},
	{R: 0, G: 194, B: 255, A: 255},
	{R: 52, G: 69, B: 147, A: 255},
	{R: 100, G: 115, B: 255, A: 255},
	{R: 0, G: 24, B: 236, A: 255},
	{R: 132, G: 56, B: 255, A: 255},
	{R: 82, G: 0, B: 133, A: 255},
	{R: 203, G: 56, B: 255, A: 255},
	{R: 255, G: 149, B: 200, A: 255},
	{R: 255, G: 55, B: 199, A: 255},
}

var textColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}

const (
	boxThickness = 2
	fontFace     = gocv.FontHersheySimplex
	fontScale    = 0.5
	fontWeight   = 1
)

func classColor(classID int) color.RGBA {
	if classID < 0 {
		classID = -classID
	}
	return palette[classID%len(palette)]
}

// DrawDetections burns boxes and "<label> <score>" captions into img.
func DrawDetections(img *gocv.Mat, detections []core.Detection) {
	for _, d := range detections {
		c := classColor(d.ClassID)
		rect := d.Box.Rect()
		gocv.Rectangle(img, rect, c, boxThickness)

		caption := fmt.Sprintf("%s %.2f", d.Label, d.Confidence)
		size := gocv.GetTextSize(caption, fontFace, fontScale, fontWeight)
		top := rect.Min.Y - size.Y - 6
		if top < 0 {
			top = rect.Min.Y
		}
		bg := image.Rect(rect.Min.X, top, rect.Min.X+size.X+6, top+size.Y+6)
		gocv.Rectangle(img, bg, c, -1)
		gocv.PutText(img, caption, image.Pt(bg.Min.X+3, bg.Max.Y-4), fontFace, fontScale, textColor, fontWeight)
	}
}
