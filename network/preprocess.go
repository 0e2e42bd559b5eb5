package network

import (
	"context"
	"image"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"golang.org/x/sync/errgroup"

	"go.tkdetect.dev/tkdetect/ml"
	"go.tkdetect.dev/tkdetect/rimage"
)

// Normalization maps a pixel value v of channel c to (v - Mean[c]) * Scale[c]. Channels are
// written to the tensor in Order.
type Normalization struct {
	Order rimage.ChannelOrder
	Mean  [rimage.Channels]float32
	Scale [rimage.Channels]float32
}

// UnitRGB scales RGB values into [0, 1].
var UnitRGB = Normalization{
	Order: rimage.RGB,
	Scale: [3]float32{1.0 / 255, 1.0 / 255, 1.0 / 255},
}

// Preprocess resizes every frame to size and packs the batch into an NCHW tensor with batch rows.
// Rows past len(frames) are zero. Once started it runs to completion; ctx only carries the span.
func Preprocess(ctx context.Context, frames []rimage.Frame, batch int, size image.Point, norm Normalization) (*ml.Tensor, error) {
	if len(frames) > batch {
		return nil, errors.Errorf("%d frames do not fit a batch of %d", len(frames), batch)
	}
	if size.X <= 0 || size.Y <= 0 {
		return nil, errors.Errorf("invalid network input size %v", size)
	}
	plane := size.X * size.Y
	data := make([]float32, batch*rimage.Channels*plane)

	_, span := trace.StartSpan(ctx, "network::Preprocess")
	defer span.End()

	var g errgroup.Group
	for i, f := range frames {
		i, f := i, f
		g.Go(func() error {
			if f.Empty() {
				return errors.Errorf("frame %d is empty", i)
			}
			fill(data[i*rimage.Channels*plane:(i+1)*rimage.Channels*plane], f, size, norm)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ml.NewTensor([]int64{int64(batch), rimage.Channels, int64(size.Y), int64(size.X)}, data)
}

func fill(dst []float32, f rimage.Frame, size image.Point, norm Normalization) {
	var img *image.RGBA
	if f.Width() == size.X && f.Height() == size.Y {
		img = f.ToRGBA()
	} else {
		resized := resize.Resize(uint(size.X), uint(size.Y), f.ToRGBA(), resize.Bilinear)
		var ok bool
		if img, ok = resized.(*image.RGBA); !ok {
			img = image.NewRGBA(resized.Bounds())
			for y := 0; y < size.Y; y++ {
				for x := 0; x < size.X; x++ {
					img.Set(x, y, resized.At(resized.Bounds().Min.X+x, resized.Bounds().Min.Y+y))
				}
			}
		}
	}

	plane := size.X * size.Y
	b := img.Bounds()
	for y := 0; y < size.Y; y++ {
		for x := 0; x < size.X; x++ {
			o := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			rgb := [3]float32{float32(img.Pix[o]), float32(img.Pix[o+1]), float32(img.Pix[o+2])}
			if norm.Order == rimage.BGR {
				rgb[0], rgb[2] = rgb[2], rgb[0]
			}
			p := y*size.X + x
			for c := 0; c < rimage.Channels; c++ {
				dst[c*plane+p] = (rgb[c] - norm.Mean[c]) * norm.Scale[c]
			}
		}
	}
}
