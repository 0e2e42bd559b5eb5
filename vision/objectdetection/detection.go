// Package objectdetection defines the detections returned to callers of the detection service,
// together with filters and overlay drawing that operate on them.
package objectdetection

import (
	"fmt"
	"image"
	"math"
)

// BoundingBox is a box in the coordinate convention of the network that produced it. All shipped
// networks report absolute pixels of the input image with a top-left origin.
type BoundingBox struct {
	X      float32
	Y      float32
	Width  float32
	Height float32
}

// Rect rounds the box to an integer rectangle.
func (b BoundingBox) Rect() image.Rectangle {
	x0 := int(math.Round(float64(b.X)))
	y0 := int(math.Round(float64(b.Y)))
	x1 := int(math.Round(float64(b.X + b.Width)))
	y1 := int(math.Round(float64(b.Y + b.Height)))
	return image.Rect(x0, y0, x1, y1)
}

// Area returns Width*Height.
func (b BoundingBox) Area() float32 {
	return b.Width * b.Height
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("(%f, %f, %f, %f)", b.X, b.Y, b.Width, b.Height)
}

// Detection is one predicted object. A Detection is a plain value owned by whoever received it;
// Distribution, when set, is never shared with the network that produced it.
type Detection struct {
	ClassID     int
	ClassName   string
	Box         BoundingBox
	Probability float32
	// Distribution is the full per-class probability vector, or nil if the network has none.
	Distribution []float32
}

func (d Detection) String() string {
	return fmt.Sprintf("%s [%d] %.3f %s", d.ClassName, d.ClassID, d.Probability, d.Box)
}
