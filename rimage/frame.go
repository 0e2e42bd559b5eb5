// Package rimage holds the pixel buffer types fed to detection networks, plus the file and drawing
// helpers built around them.
package rimage

import (
	"image"
	"image/color"

	"github.com/pkg/errors"
)

// Channels is the number of interleaved 8-bit channels in every Frame.
const Channels = 3

// ChannelOrder describes how the three channels of a pixel are laid out in memory.
type ChannelOrder int

const (
	// BGR is the OpenCV ordering and the one the shipped networks are trained on.
	BGR ChannelOrder = iota
	// RGB is the ordering produced by the standard image decoders.
	RGB
)

func (o ChannelOrder) String() string {
	if o == RGB {
		return "rgb"
	}
	return "bgr"
}

// ErrFrameSize is returned when a pixel buffer does not match the dimensions it is described with.
var ErrFrameSize = errors.New("pixel buffer does not match frame dimensions")

// Frame is a borrowed, read-only view over a row-major height x width x 3 uint8 buffer. Building a
// Frame never copies pixels, so the view is only valid while the caller keeps the underlying slice
// alive and unmodified; callers that hand a Frame to a detection call must not retain it after the
// call returns.
//
// Frame implements image.Image so it can feed resizers and encoders directly.
type Frame struct {
	height, width int
	order         ChannelOrder
	pix           []uint8
}

// NewFrame wraps a BGR buffer.
func NewFrame(height, width int, pix []uint8) (Frame, error) {
	return NewFrameWithOrder(height, width, BGR, pix)
}

// NewFrameWithOrder wraps a buffer with the given channel order.
func NewFrameWithOrder(height, width int, order ChannelOrder, pix []uint8) (Frame, error) {
	if height <= 0 || width <= 0 {
		return Frame{}, errors.Errorf("invalid frame dimensions %dx%d", width, height)
	}
	if len(pix) != height*width*Channels {
		return Frame{}, errors.Wrapf(ErrFrameSize, "have %d bytes, need %d for %dx%dx%d",
			len(pix), height*width*Channels, width, height, Channels)
	}
	return Frame{height: height, width: width, order: order, pix: pix}, nil
}

// FrameFromImage converts any decoded image into a freshly allocated Frame with the given order.
func FrameFromImage(img image.Image, order ChannelOrder) Frame {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	pix := make([]uint8, w*h*Channels)
	switch src := img.(type) {
	case *image.RGBA:
		for y := 0; y < h; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+w*4]
			for x := 0; x < w; x++ {
				putPixel(pix[(y*w+x)*Channels:], order, row[x*4], row[x*4+1], row[x*4+2])
			}
		}
	case *image.NRGBA:
		for y := 0; y < h; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+w*4]
			for x := 0; x < w; x++ {
				putPixel(pix[(y*w+x)*Channels:], order, row[x*4], row[x*4+1], row[x*4+2])
			}
		}
	default:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
				putPixel(pix[(y*w+x)*Channels:], order, uint8(r>>8), uint8(g>>8), uint8(b>>8))
			}
		}
	}
	return Frame{height: h, width: w, order: order, pix: pix}
}

func putPixel(dst []uint8, order ChannelOrder, r, g, b uint8) {
	if order == RGB {
		dst[0], dst[1], dst[2] = r, g, b
		return
	}
	dst[0], dst[1], dst[2] = b, g, r
}

// Height returns the number of rows.
func (f Frame) Height() int { return f.height }

// Width returns the number of columns.
func (f Frame) Width() int { return f.width }

// Order returns the channel order of the buffer.
func (f Frame) Order() ChannelOrder { return f.order }

// Pix returns the borrowed buffer itself, not a copy.
func (f Frame) Pix() []uint8 { return f.pix }

// Empty reports whether the frame wraps no buffer.
func (f Frame) Empty() bool { return f.pix == nil }

// ColorModel returns the RGBA model.
func (f Frame) ColorModel() color.Model { return color.RGBAModel }

// Bounds returns the frame rectangle anchored at the origin.
func (f Frame) Bounds() image.Rectangle { return image.Rect(0, 0, f.width, f.height) }

// At reads a pixel in place.
func (f Frame) At(x, y int) color.Color {
	if x < 0 || y < 0 || x >= f.width || y >= f.height {
		return color.RGBA{}
	}
	r, g, b := f.RGBAt(x, y)
	return color.RGBA{R: r, G: g, B: b, A: 0xff}
}

// RGBAt returns the red, green and blue values at (x, y) regardless of the storage order.
func (f Frame) RGBAt(x, y int) (uint8, uint8, uint8) {
	i := (y*f.width + x) * Channels
	if f.order == RGB {
		return f.pix[i], f.pix[i+1], f.pix[i+2]
	}
	return f.pix[i+2], f.pix[i+1], f.pix[i]
}

// ToRGBA copies the frame into a new RGBA image.
func (f Frame) ToRGBA() *image.RGBA {
	img := image.NewRGBA(f.Bounds())
	for y := 0; y < f.height; y++ {
		for x := 0; x < f.width; x++ {
			r, g, b := f.RGBAt(x, y)
			o := img.PixOffset(x, y)
			img.Pix[o], img.Pix[o+1], img.Pix[o+2], img.Pix[o+3] = r, g, b, 0xff
		}
	}
	return img
}

// WriteRGBA copies img back into the frame's buffer. This is the only Frame method that mutates
// the borrowed buffer and it requires img to have the frame's dimensions.
func (f Frame) WriteRGBA(img *image.RGBA) error {
	b := img.Bounds()
	if b.Dx() != f.width || b.Dy() != f.height {
		return errors.Wrapf(ErrFrameSize, "image is %dx%d, frame is %dx%d", b.Dx(), b.Dy(), f.width, f.height)
	}
	for y := 0; y < f.height; y++ {
		for x := 0; x < f.width; x++ {
			o := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			putPixel(f.pix[(y*f.width+x)*Channels:], f.order, img.Pix[o], img.Pix[o+1], img.Pix[o+2])
		}
	}
	return nil
}
