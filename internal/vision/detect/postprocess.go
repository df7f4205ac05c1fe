package detect

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/babelcloud/livedetect/internal/vision/core"
)

// DecodeOptions maps raw model output back onto a frame.
type DecodeOptions struct {
	InputSize     int
	FrameWidth    int
	FrameHeight   int
	IoUThreshold  float32
	MaxDetections int
	Labels        []string
}

type candidate struct {
	classID int
	score   float32
	x1, y1  float32
	x2, y2  float32
}

// Decode turns YOLO output into detections at or above
// core.ConfidenceThreshold, after per-class non-maximum suppression.
//
// Two layouts are accepted: [1, anchors, 5+classes] with an objectness
// column (YOLOv5) and [1, 4+classes, anchors] without one (YOLOv8 and
// later).
func Decode(out Output, opts DecodeOptions) ([]core.Detection, error) {
	if len(out.Dims) != 3 || out.Dims[0] != 1 {
		return nil, errors.Errorf("unexpected output shape %v", out.Dims)
	}
	if out.Dims[1]*out.Dims[2] != len(out.Data) {
		return nil, errors.Errorf("output shape %v does not match %d values", out.Dims, len(out.Data))
	}
	if opts.InputSize <= 0 || opts.FrameWidth <= 0 || opts.FrameHeight <= 0 {
		return nil, errors.Wrap(core.ErrInvalidFrame, "decode sizes")
	}

	var candidates []candidate
	if anchorMajor(out.Dims, len(opts.Labels)) {
		if out.Dims[2] < 6 {
			return nil, errors.Errorf("output shape %v has no class scores", out.Dims)
		}
		candidates = decodeAnchorMajor(out.Data, out.Dims[1], out.Dims[2])
	} else {
		if out.Dims[1] < 5 {
			return nil, errors.Errorf("output shape %v has no class scores", out.Dims)
		}
		candidates = decodeAttributeMajor(out.Data, out.Dims[1], out.Dims[2])
	}

	kept := suppress(candidates, opts.IoUThreshold, opts.MaxDetections)

	sx := float32(opts.FrameWidth) / float32(opts.InputSize)
	sy := float32(opts.FrameHeight) / float32(opts.InputSize)
	detections := make([]core.Detection, 0, len(kept))
	for _, c := range kept {
		x1 := clamp(int(c.x1*sx), 0, opts.FrameWidth)
		y1 := clamp(int(c.y1*sy), 0, opts.FrameHeight)
		x2 := clamp(int(c.x2*sx), 0, opts.FrameWidth)
		y2 := clamp(int(c.y2*sy), 0, opts.FrameHeight)
		if x2 <= x1 || y2 <= y1 {
			continue
		}
		detections = append(detections, core.Detection{
			ClassID:    c.classID,
			Label:      labelFor(opts.Labels, c.classID),
			Confidence: c.score,
			Box:        core.Box{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1},
		})
	}
	return detections, nil
}

// anchorMajor decides the layout from the label count when it is known and
// from the tensor proportions otherwise.
func anchorMajor(dims []int, numLabels int) bool {
	if numLabels > 0 {
		if dims[2] == 5+numLabels {
			return true
		}
		if dims[1] == 4+numLabels {
			return false
		}
	}
	return dims[1] > dims[2]
}

func decodeAnchorMajor(data []float32, anchors, attrs int) []candidate {
	var out []candidate
	for i := 0; i < anchors; i++ {
		row := data[i*attrs : (i+1)*attrs]
		obj := row[4]
		if obj < core.ConfidenceThreshold {
			continue
		}
		classID, best := 0, float32(0)
		for j, s := range row[5:] {
			if s > best {
				classID, best = j, s
			}
		}
		score := obj * best
		if score < core.ConfidenceThreshold {
			continue
		}
		out = append(out, newCandidate(classID, score, row[0], row[1], row[2], row[3]))
	}
	return out
}

func decodeAttributeMajor(data []float32, attrs, anchors int) []candidate {
	var out []candidate
	at := func(attr, i int) float32 { return data[attr*anchors+i] }
	for i := 0; i < anchors; i++ {
		classID, best := 0, float32(0)
		for j := 4; j < attrs; j++ {
			if s := at(j, i); s > best {
				classID, best = j-4, s
			}
		}
		if best < core.ConfidenceThreshold {
			continue
		}
		out = append(out, newCandidate(classID, best, at(0, i), at(1, i), at(2, i), at(3, i)))
	}
	return out
}

func newCandidate(classID int, score, cx, cy, w, h float32) candidate {
	return candidate{
		classID: classID,
		score:   score,
		x1:      cx - w/2,
		y1:      cy - h/2,
		x2:      cx + w/2,
		y2:      cy + h/2,
	}
}

// suppress is greedy NMS applied within each class, highest score first.
func suppress(cs []candidate, iouThreshold float32, limit int) []candidate {
	sort.SliceStable(cs, func(i, j int) bool {
		return cs[i].score > cs[j].score
	})

	suppressed := make([]bool, len(cs))
	var kept []candidate
	for i := range cs {
		if suppressed[i] {
			continue
		}
		kept = append(kept, cs[i])
		if limit > 0 && len(kept) == limit {
			break
		}
		for j := i + 1; j < len(cs); j++ {
			if !suppressed[j] && cs[j].classID == cs[i].classID && iou(cs[i], cs[j]) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func iou(a, b candidate) float32 {
	ix1, iy1 := max(a.x1, b.x1), max(a.y1, b.y1)
	ix2, iy2 := min(a.x2, b.x2), min(a.y2, b.y2)
	inter := max(0, ix2-ix1) * max(0, iy2-iy1)
	union := (a.x2-a.x1)*(a.y2-a.y1) + (b.x2-b.x1)*(b.y2-b.y1) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
