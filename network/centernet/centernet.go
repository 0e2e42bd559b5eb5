// Package centernet implements CenterNet detection networks.
package centernet

import (
	"context"
	"image"
	"sort"

	"github.com/pkg/errors"

	"go.tkdetect.dev/tkdetect/logging"
	"go.tkdetect.dev/tkdetect/ml"
	"go.tkdetect.dev/tkdetect/ml/inference"
	"go.tkdetect.dev/tkdetect/network"
	"go.tkdetect.dev/tkdetect/rimage"
)

// Output tensor names.
const (
	HeatmapOutput = "hm"
	SizeOutput    = "wh"
	OffsetOutput  = "reg"
)

// TopK bounds the number of peaks kept per frame.
const TopK = 100

// DefaultInputSize is used for models with a dynamic input size.
var DefaultInputSize = image.Pt(512, 512)

// Normalization matches the mean and deviation CenterNet models are trained with.
var Normalization = network.Normalization{
	Order: rimage.BGR,
	Mean:  [3]float32{0.408 * 255, 0.447 * 255, 0.470 * 255},
	Scale: [3]float32{1 / (0.289 * 255), 1 / (0.274 * 255), 1 / (0.278 * 255)},
}

func init() {
	network.Register(network.CenterNet, func(ctx context.Context, cfg network.Config, logger logging.Logger) (network.Network, error) {
		m, err := New(ctx, cfg, inference.NewDefaultLoader(), logger)
		if err != nil {
			return nil, err
		}
		return m, nil
	})
}

// New loads a CenterNet model.
func New(ctx context.Context, cfg network.Config, loader *inference.Loader, logger logging.Logger) (*network.Model, error) {
	names, err := network.ClassNames(cfg)
	if err != nil {
		return nil, err
	}
	session, err := network.OpenModel(ctx, cfg, loader)
	if err != nil {
		return nil, err
	}
	m, err := NewWithRunner(cfg, names, session, logger)
	if err != nil {
		//nolint:errcheck
		session.Close()
		return nil, err
	}
	return m, nil
}

// NewWithRunner builds a CenterNet network over an already loaded model.
func NewWithRunner(cfg network.Config, names []string, runner network.Runner, logger logging.Logger) (*network.Model, error) {
	d := &decoder{classes: cfg.ClassCount, threshold: cfg.ConfidenceThreshold}
	return network.NewModel(cfg, names, runner, network.ModelSpec{
		Normalization: Normalization,
		DefaultInput:  DefaultInputSize,
		Decode:        d.decode,
	}, logger)
}

type decoder struct {
	classes   int
	threshold float32
}

type peak struct {
	class, x, y int
	score       float32
}

func (d *decoder) decode(outputs ml.Tensors, frames []rimage.Frame, input image.Point) ([][]network.Record, error) {
	hm, err := outputs.Lookup(HeatmapOutput, 4)
	if err != nil {
		return nil, err
	}
	wh, err := outputs.Lookup(SizeOutput, 4)
	if err != nil {
		return nil, err
	}
	reg, err := outputs.Lookup(OffsetOutput, 4)
	if err != nil {
		return nil, err
	}
	if hm.Dim(1) != d.classes {
		return nil, errors.Errorf("heatmap has shape %v, expected %d classes", hm.Shape, d.classes)
	}
	h, w := hm.Dim(2), hm.Dim(3)
	for _, t := range []struct {
		name   string
		tensor *ml.Tensor
	}{{HeatmapOutput, hm}, {SizeOutput, wh}, {OffsetOutput, reg}} {
		if err := network.CheckBatch(t.name, t.tensor, len(frames)); err != nil {
			return nil, err
		}
		if t.tensor != hm && (t.tensor.Dim(1) != 2 || t.tensor.Dim(2) != h || t.tensor.Dim(3) != w) {
			return nil, errors.Errorf("output %q has shape %v, expected [N 2 %d %d]", t.name, t.tensor.Shape, h, w)
		}
	}

	plane := h * w
	strideX := float32(input.X) / float32(w)
	strideY := float32(input.Y) / float32(h)
	results := make([][]network.Record, len(frames))
	for i, f := range frames {
		heat := sigmoid(hm.Data[i*d.classes*plane : (i+1)*d.classes*plane])
		size := wh.Data[i*2*plane : (i+1)*2*plane]
		offset := reg.Data[i*2*plane : (i+1)*2*plane]

		peaks := findPeaks(heat, d.classes, w, h, d.threshold)
		records := make([]network.Record, 0, len(peaks))
		for _, p := range peaks {
			at := p.y*w + p.x
			cx := (float32(p.x) + offset[at]) * strideX
			cy := (float32(p.y) + offset[plane+at]) * strideY
			bw, bh := size[at]*strideX, size[plane+at]*strideY
			probs := make([]float32, d.classes)
			for c := range probs {
				probs[c] = heat[c*plane+at]
			}
			records = append(records, network.Record{
				Class: p.class,
				X:     cx - bw/2,
				Y:     cy - bh/2,
				W:     bw,
				H:     bh,
				Prob:  p.score,
				Probs: probs,
			})
		}
		network.Rescale(records, input, f)
		results[i] = records
	}
	return results, nil
}

func sigmoid(in []float32) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = ml.Sigmoid(v)
	}
	return out
}

// findPeaks returns the TopK heatmap cells that are the maximum of their 3x3 neighbourhood and
// score at least threshold, best first.
func findPeaks(heat []float32, classes, w, h int, threshold float32) []peak {
	plane := w * h
	var peaks []peak
	for c := 0; c < classes; c++ {
		m := heat[c*plane : (c+1)*plane]
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v := m[y*w+x]
				if v < threshold || !isLocalMax(m, w, h, x, y) {
					continue
				}
				peaks = append(peaks, peak{class: c, x: x, y: y, score: v})
			}
		}
	}
	sort.SliceStable(peaks, func(i, j int) bool { return peaks[i].score > peaks[j].score })
	if len(peaks) > TopK {
		peaks = peaks[:TopK]
	}
	return peaks
}

func isLocalMax(m []float32, w, h, x, y int) bool {
	v := m[y*w+x]
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			nx, ny := x+dx, y+dy
			if (dx == 0 && dy == 0) || nx < 0 || ny < 0 || nx >= w || ny >= h {
				continue
			}
			if m[ny*w+nx] > v {
				return false
			}
		}
	}
	return true
}
