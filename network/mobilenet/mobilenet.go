// Package mobilenet implements MobileNet SSD detection networks.
//
// The class dimension of these models carries an extra background class at index 0, so the
// configured class count includes it and the class table starts with "background".
package mobilenet

import (
	"context"
	"image"

	"github.com/pkg/errors"

	"go.tkdetect.dev/tkdetect/logging"
	"go.tkdetect.dev/tkdetect/ml"
	"go.tkdetect.dev/tkdetect/ml/inference"
	"go.tkdetect.dev/tkdetect/network"
	"go.tkdetect.dev/tkdetect/rimage"
)

// Output tensor names.
const (
	ScoresOutput = "scores"
	BoxesOutput  = "boxes"
)

// DefaultInputSize is used for models with a dynamic input size.
var DefaultInputSize = image.Pt(300, 300)

// Normalization maps pixels into [-1, 1].
var Normalization = network.Normalization{
	Order: rimage.RGB,
	Mean:  [3]float32{127.5, 127.5, 127.5},
	Scale: [3]float32{1 / 127.5, 1 / 127.5, 1 / 127.5},
}

func init() {
	network.Register(network.MobileNet, func(ctx context.Context, cfg network.Config, logger logging.Logger) (network.Network, error) {
		m, err := New(ctx, cfg, inference.NewDefaultLoader(), logger)
		if err != nil {
			return nil, err
		}
		return m, nil
	})
}

// ClassNames builds the class table for cfg, background first.
func ClassNames(cfg network.Config) ([]string, error) {
	if cfg.ClassCount < 2 {
		return nil, errors.Errorf("class count %d leaves no class besides background", cfg.ClassCount)
	}
	fg := cfg
	fg.ClassCount--
	names, err := network.ClassNames(fg)
	if err != nil {
		return nil, err
	}
	return network.WithBackground(names), nil
}

// New loads a MobileNet SSD model.
func New(ctx context.Context, cfg network.Config, loader *inference.Loader, logger logging.Logger) (*network.Model, error) {
	names, err := ClassNames(cfg)
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

// NewWithRunner builds a MobileNet SSD network over an already loaded model.
func NewWithRunner(cfg network.Config, names []string, runner network.Runner, logger logging.Logger) (*network.Model, error) {
	d := &decoder{classes: cfg.ClassCount, threshold: cfg.ConfidenceThreshold, nms: cfg.NMSThreshold}
	if d.nms <= 0 {
		d.nms = network.DefaultNMSThreshold
	}
	return network.NewModel(cfg, names, runner, network.ModelSpec{
		Normalization: Normalization,
		DefaultInput:  DefaultInputSize,
		Decode:        d.decode,
	}, logger)
}

type decoder struct {
	// classes includes the background class.
	classes   int
	threshold float32
	nms       float32
}

func (d *decoder) decode(outputs ml.Tensors, frames []rimage.Frame, input image.Point) ([][]network.Record, error) {
	scores, err := outputs.Lookup(ScoresOutput, 3)
	if err != nil {
		return nil, err
	}
	boxes, err := outputs.Lookup(BoxesOutput, 3)
	if err != nil {
		return nil, err
	}
	if scores.Dim(2) != d.classes {
		return nil, errors.Errorf("scores have shape %v, expected %d classes including background", scores.Shape, d.classes)
	}
	n := scores.Dim(1)
	if boxes.Dim(1) != n || boxes.Dim(2) != 4 {
		return nil, errors.Errorf("boxes have shape %v, expected [N %d 4]", boxes.Shape, n)
	}
	for name, t := range map[string]*ml.Tensor{ScoresOutput: scores, BoxesOutput: boxes} {
		if err := network.CheckBatch(name, t, len(frames)); err != nil {
			return nil, err
		}
	}

	inW, inH := float32(input.X), float32(input.Y)
	results := make([][]network.Record, len(frames))
	for i, f := range frames {
		frameScores := scores.Data[i*n*d.classes : (i+1)*n*d.classes]
		frameBoxes := boxes.Data[i*n*4 : (i+1)*n*4]
		var records, candidates []network.Record
		for b := 0; b < n; b++ {
			probs := ml.EnsureProbabilities(frameScores[b*d.classes : (b+1)*d.classes])
			corners := frameBoxes[b*4 : (b+1)*4]
			x0, y0 := corners[0]*inW, corners[1]*inH
			x1, y1 := corners[2]*inW, corners[3]*inH
			candidates = candidates[:0]
			// class 0 is background.
			for c := 1; c < d.classes; c++ {
				candidates = append(candidates, network.Record{
					Class: c,
					X:     x0,
					Y:     y0,
					W:     x1 - x0,
					H:     y1 - y0,
					Prob:  probs[c],
					Probs: probs,
				})
			}
			records = append(records, network.AboveThreshold(candidates, d.threshold)...)
		}
		records = network.SuppressPerClass(records, d.nms)
		network.Rescale(records, input, f)
		results[i] = records
	}
	return results, nil
}
