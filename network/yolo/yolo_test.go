package yolo

import (
	"context"
	"testing"

	"go.viam.com/test"

	"go.tkdetect.dev/tkdetect/logging"
	"go.tkdetect.dev/tkdetect/ml"
	"go.tkdetect.dev/tkdetect/ml/inference"
	"go.tkdetect.dev/tkdetect/network"
	"go.tkdetect.dev/tkdetect/rimage"
	"go.tkdetect.dev/tkdetect/testutils/inject"
)

func newFrame(t *testing.T, h, w int) rimage.Frame {
	t.Helper()
	f, err := rimage.NewFrame(h, w, make([]uint8, h*w*rimage.Channels))
	test.That(t, err, test.ShouldBeNil)
	return f
}

func newNetwork(t *testing.T, out ml.Tensors) *network.Model {
	t.Helper()
	runner := &inject.Runner{
		InputsFunc: func() []inference.IOInfo {
			return []inference.IOInfo{{Name: "images", Dimensions: []int64{1, 3, 10, 10}}}
		},
		RunFunc: func(ctx context.Context, inputs ml.Tensors) (ml.Tensors, error) {
			test.That(t, inputs["images"].Shape, test.ShouldResemble, []int64{1, 3, 10, 10})
			return out, nil
		},
	}
	cfg := network.Config{ClassCount: 2, ConfidenceThreshold: 0.3, MaxBatchSize: 1}
	m, err := NewWithRunner(cfg, []string{"cat", "dog"}, runner, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return m
}

func TestDecodeRows(t *testing.T) {
	out := ml.Tensors{"output0": {
		Shape: []int64{1, 3, 7},
		Data: []float32{
			5, 5, 4, 2, 0.9, 0.1, 0.8,
			5.2, 5, 4, 2, 0.8, 0.1, 0.8,
			1, 1, 2, 2, 0.2, 0.9, 0.9,
		},
	}}
	m := newNetwork(t, out)
	test.That(t, m.Update(context.Background(), []rimage.Frame{newFrame(t, 100, 200)}), test.ShouldBeNil)

	records := m.BatchDetected(0)
	test.That(t, len(records), test.ShouldEqual, 1)
	r := records[0]
	test.That(t, r.Class, test.ShouldEqual, 1)
	test.That(t, r.Prob, test.ShouldAlmostEqual, 0.72, 1e-6)
	test.That(t, r.X, test.ShouldAlmostEqual, 60, 1e-4)
	test.That(t, r.Y, test.ShouldAlmostEqual, 40, 1e-4)
	test.That(t, r.W, test.ShouldAlmostEqual, 80, 1e-4)
	test.That(t, r.H, test.ShouldAlmostEqual, 20, 1e-4)
	test.That(t, len(r.Probs), test.ShouldEqual, 2)
	test.That(t, r.Probs[0], test.ShouldAlmostEqual, 0.09, 1e-6)
}

func TestDecodeRowsThresholdsCombinedScore(t *testing.T) {
	// objectness clears the threshold but objectness*score does not.
	out := ml.Tensors{"output0": {
		Shape: []int64{1, 2, 7},
		Data: []float32{
			5, 5, 4, 2, 0.5, 0.4, 0.1,
			2, 2, 2, 2, 0.6, 0.1, 0.6,
		},
	}}
	m := newNetwork(t, out)
	test.That(t, m.Update(context.Background(), []rimage.Frame{newFrame(t, 10, 10)}), test.ShouldBeNil)

	records := m.BatchDetected(0)
	test.That(t, len(records), test.ShouldEqual, 1)
	test.That(t, records[0].Class, test.ShouldEqual, 1)
	test.That(t, records[0].Prob, test.ShouldAlmostEqual, 0.36, 1e-6)
}

func TestDecodeColumns(t *testing.T) {
	// two boxes laid out as columns: cx, cy, w, h, score cat, score dog.
	out := ml.Tensors{"output0": {
		Shape: []int64{1, 6, 2},
		Data: []float32{
			2, 8,
			2, 8,
			2, 2,
			2, 2,
			0.9, 0.1,
			0.05, 0.2,
		},
	}}
	m := newNetwork(t, out)
	test.That(t, m.Update(context.Background(), []rimage.Frame{newFrame(t, 10, 10)}), test.ShouldBeNil)

	records := m.BatchDetected(0)
	test.That(t, len(records), test.ShouldEqual, 1)
	test.That(t, records[0].Class, test.ShouldEqual, 0)
	test.That(t, records[0].Prob, test.ShouldAlmostEqual, 0.9, 1e-6)
	test.That(t, records[0].X, test.ShouldAlmostEqual, 1, 1e-6)
	test.That(t, records[0].W, test.ShouldAlmostEqual, 2, 1e-6)
}

func TestDecodeErrors(t *testing.T) {
	for name, out := range map[string]ml.Tensors{
		"no outputs": {},
		"rank":       {"output0": {Shape: []int64{1, 7}, Data: make([]float32, 7)}},
		"classes":    {"output0": {Shape: []int64{1, 3, 9}, Data: make([]float32, 27)}},
	} {
		t.Run(name, func(t *testing.T) {
			m := newNetwork(t, out)
			test.That(t, m.Update(context.Background(), []rimage.Frame{newFrame(t, 10, 10)}), test.ShouldNotBeNil)
		})
	}
}

func TestRegistered(t *testing.T) {
	test.That(t, network.Registered(), test.ShouldContain, network.Yolo)
}
