package objectdetection

import (
	"image"
	"image/color"

	"github.com/fogleman/gg"

	"go.tkdetect.dev/tkdetect/rimage"
)

const (
	overlayLineWidth = 2
	overlayFontSize  = 14
	// labels sit up and to the left of the box corner.
	labelOffset = 10
)

// Palette picks a drawing color for a class id.
type Palette func(classID int) color.Color

// SolidPalette colors every class the same.
func SolidPalette(c color.Color) Palette {
	return func(int) color.Color { return c }
}

// Overlay draws the outline and class name of every detection onto img, in place.
func Overlay(img *image.RGBA, dets []Detection, palette Palette) {
	if len(dets) == 0 {
		return
	}
	if palette == nil {
		palette = SolidPalette(color.RGBA{R: 0xff, A: 0xff})
	}
	dc := gg.NewContextForRGBA(img)
	for _, d := range dets {
		c := palette(d.ClassID)
		rect := d.Box.Rect()
		rimage.DrawRectangleEmpty(dc, rect, c, overlayLineWidth)
		rimage.DrawString(dc, d.ClassName, image.Pt(rect.Min.X-labelOffset, rect.Min.Y-labelOffset), c, overlayFontSize)
	}
}
