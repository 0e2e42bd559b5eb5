package network

import (
	"image"

	"github.com/pkg/errors"

	"go.tkdetect.dev/tkdetect/ml"
	"go.tkdetect.dev/tkdetect/rimage"
)

// Rescale maps records in place from network input pixels to the pixels of f, clipping boxes to
// the frame.
func Rescale(records []Record, input image.Point, f rimage.Frame) {
	sx := float32(f.Width()) / float32(input.X)
	sy := float32(f.Height()) / float32(input.Y)
	w, h := float32(f.Width()), float32(f.Height())
	for i := range records {
		r := &records[i]
		x0, y0 := clamp(r.X*sx, 0, w), clamp(r.Y*sy, 0, h)
		x1, y1 := clamp((r.X+r.W)*sx, 0, w), clamp((r.Y+r.H)*sy, 0, h)
		r.X, r.Y, r.W, r.H = x0, y0, x1-x0, y1-y0
	}
}

func clamp(v, lo, hi float32) float32 {
	return min(max(v, lo), hi)
}

// CheckBatch verifies that t carries at least one row per frame along its first dimension.
func CheckBatch(name string, t *ml.Tensor, frames int) error {
	if t.Dim(0) < frames {
		return errors.Errorf("output %q has shape %v, need %d batch rows", name, t.Shape, frames)
	}
	return nil
}
