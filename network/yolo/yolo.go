// Package yolo implements YOLO detection networks.
//
// Two output layouts are understood: [N, boxes, 5+C] rows of (cx, cy, w, h, objectness, class
// scores), and the anchor free [N, 4+C, boxes] layout without objectness. Box coordinates are in
// network input pixels.
package yolo

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

// DefaultInputSize is used for models with a dynamic input size.
var DefaultInputSize = image.Pt(640, 640)

func init() {
	network.Register(network.Yolo, func(ctx context.Context, cfg network.Config, logger logging.Logger) (network.Network, error) {
		m, err := New(ctx, cfg, inference.NewDefaultLoader(), logger)
		if err != nil {
			return nil, err
		}
		return m, nil
	})
}

// New loads a YOLO model.
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

// NewWithRunner builds a YOLO network over an already loaded model.
func NewWithRunner(cfg network.Config, names []string, runner network.Runner, logger logging.Logger) (*network.Model, error) {
	d := &decoder{classes: cfg.ClassCount, threshold: cfg.ConfidenceThreshold, nms: cfg.NMSThreshold}
	if d.nms <= 0 {
		d.nms = network.DefaultNMSThreshold
	}
	return network.NewModel(cfg, names, runner, network.ModelSpec{
		Normalization: network.UnitRGB,
		DefaultInput:  DefaultInputSize,
		Decode:        d.decode,
	}, logger)
}

type decoder struct {
	classes   int
	threshold float32
	nms       float32
}

func outputTensor(outputs ml.Tensors) (string, *ml.Tensor, error) {
	for _, name := range []string{"output0", "output"} {
		if t, ok := outputs[name]; ok {
			return name, t, nil
		}
	}
	names := outputs.Names()
	if len(names) == 0 {
		return "", nil, errors.New("model produced no outputs")
	}
	return names[0], outputs[names[0]], nil
}

func (d *decoder) decode(outputs ml.Tensors, frames []rimage.Frame, input image.Point) ([][]network.Record, error) {
	name, out, err := outputTensor(outputs)
	if err != nil {
		return nil, err
	}
	if out.Rank() != 3 {
		return nil, errors.Errorf("output %q has shape %v, expected rank 3", name, out.Shape)
	}
	if err := network.CheckBatch(name, out, len(frames)); err != nil {
		return nil, err
	}

	var rowsOf func(batch []float32) []network.Record
	switch {
	case out.Dim(2) == 5+d.classes:
		boxes := out.Dim(1)
		rowsOf = func(batch []float32) []network.Record { return d.decodeRows(batch, boxes) }
	case out.Dim(1) == 4+d.classes:
		boxes := out.Dim(2)
		rowsOf = func(batch []float32) []network.Record { return d.decodeColumns(batch, boxes) }
	default:
		return nil, errors.Errorf("output %q has shape %v, incompatible with %d classes", name, out.Shape, d.classes)
	}

	stride := out.Dim(1) * out.Dim(2)
	results := make([][]network.Record, len(frames))
	for i, f := range frames {
		candidates := network.AboveThreshold(rowsOf(out.Data[i*stride:(i+1)*stride]), d.threshold)
		records := network.SuppressPerClass(candidates, d.nms)
		network.Rescale(records, input, f)
		results[i] = records
	}
	return results, nil
}

// decodeRows reads boxes laid out as rows of cx, cy, w, h, objectness, scores.
func (d *decoder) decodeRows(data []float32, boxes int) []network.Record {
	width := 5 + d.classes
	var records []network.Record
	for b := 0; b < boxes; b++ {
		row := data[b*width : (b+1)*width]
		obj := row[4]
		if obj < d.threshold {
			continue
		}
		probs := make([]float32, d.classes)
		for c := range probs {
			probs[c] = obj * row[5+c]
		}
		class, prob := ml.ArgMax(probs)
		records = append(records, box(row[0], row[1], row[2], row[3], class, prob, probs))
	}
	return records
}

// decodeColumns reads boxes laid out as columns of cx, cy, w, h, scores. Boxes whose best score
// is under the threshold are skipped before their distribution is copied out.
func (d *decoder) decodeColumns(data []float32, boxes int) []network.Record {
	var records []network.Record
	for b := 0; b < boxes; b++ {
		at := func(row int) float32 { return data[row*boxes+b] }
		best := float32(0)
		for c := 0; c < d.classes; c++ {
			best = max(best, at(4+c))
		}
		if best < d.threshold {
			continue
		}
		probs := make([]float32, d.classes)
		for c := range probs {
			probs[c] = at(4 + c)
		}
		class, prob := ml.ArgMax(probs)
		records = append(records, box(at(0), at(1), at(2), at(3), class, prob, probs))
	}
	return records
}

func box(cx, cy, w, h float32, class int, prob float32, probs []float32) network.Record {
	return network.Record{
		Class: class,
		X:     cx - w/2,
		Y:     cy - h/2,
		W:     w,
		H:     h,
		Prob:  prob,
		Probs: probs,
	}
}
