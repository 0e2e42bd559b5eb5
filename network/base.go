package network

import (
	"image/color"
	"strconv"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.tkdetect.dev/tkdetect/rimage"
	"go.tkdetect.dev/tkdetect/vision/objectdetection"
)

// Base holds the state every variant shares: the class table, the detections of the last batch
// and a drawing color per class. It implements BatchDetected, ClassNames and Draw.
type Base struct {
	names   []string
	palette []color.Color
	batch   [][]Record
}

// NewBase returns a Base for the given class table.
func NewBase(names []string) *Base {
	palette := make([]color.Color, len(names))
	for i := range names {
		// spread hues evenly so neighbouring classes stay distinguishable.
		palette[i] = colorful.Hsv(float64(i)*360/float64(len(names)), 0.85, 0.95).Clamped()
	}
	return &Base{names: names, palette: palette}
}

// SetBatch replaces the detections of the last batch.
func (b *Base) SetBatch(batch [][]Record) {
	b.batch = batch
}

// BatchSize is the number of frames in the last batch.
func (b *Base) BatchSize() int {
	return len(b.batch)
}

// BatchDetected returns the detections of frame i of the last batch, or nil past its end.
func (b *Base) BatchDetected(i int) []Record {
	if i < 0 || i >= len(b.batch) {
		return nil
	}
	return b.batch[i]
}

// ClassNames returns the class table.
func (b *Base) ClassNames() []string {
	return b.names
}

// ClassName returns the name of class id, or the id itself when it is outside the table.
func (b *Base) ClassName(id int) string {
	if id < 0 || id >= len(b.names) {
		return strconv.Itoa(id)
	}
	return b.names[id]
}

// Palette colors detections by class.
func (b *Base) Palette() objectdetection.Palette {
	return func(id int) color.Color {
		if id < 0 || id >= len(b.palette) {
			return color.White
		}
		return b.palette[id]
	}
}

// Detections converts the records of frame i into caller facing detections.
func (b *Base) Detections(i int) []objectdetection.Detection {
	return lo.Map(b.BatchDetected(i), func(r Record, _ int) objectdetection.Detection {
		return objectdetection.Detection{
			ClassID:      r.Class,
			ClassName:    b.ClassName(r.Class),
			Box:          objectdetection.BoundingBox{X: r.X, Y: r.Y, Width: r.W, Height: r.H},
			Probability:  r.Prob,
			Distribution: r.Probs,
		}
	})
}

// Draw overlays the last batch's detections onto frames, frame i receiving the detections of
// batch entry i.
func (b *Base) Draw(frames []rimage.Frame) error {
	if len(frames) > len(b.batch) {
		return errors.Errorf("cannot draw %d frames, last batch had %d", len(frames), len(b.batch))
	}
	palette := b.Palette()
	for i, f := range frames {
		if f.Empty() {
			continue
		}
		img := f.ToRGBA()
		objectdetection.Overlay(img, b.Detections(i), palette)
		if err := f.WriteRGBA(img); err != nil {
			return errors.Wrapf(err, "frame %d", i)
		}
	}
	return nil
}
