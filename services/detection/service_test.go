package detection

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.viam.com/test"

	"go.tkdetect.dev/tkdetect/logging"
	"go.tkdetect.dev/tkdetect/network"
	"go.tkdetect.dev/tkdetect/rimage"
	"go.tkdetect.dev/tkdetect/testutils/inject"
	"go.tkdetect.dev/tkdetect/vision/objectdetection"
)

var classNames = []string{"person", "bicycle", "car"}

func writeModel(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.onnx")
	test.That(t, os.WriteFile(path, []byte("onnx"), 0o600), test.ShouldBeNil)
	return path
}

func newFrames(t *testing.T, n int) []rimage.Frame {
	t.Helper()
	frames := make([]rimage.Frame, n)
	for i := range frames {
		pix := make([]uint8, 4*6*rimage.Channels)
		for j := range pix {
			pix[j] = uint8(i + 1)
		}
		f, err := rimage.NewFrame(4, 6, pix)
		test.That(t, err, test.ShouldBeNil)
		frames[i] = f
	}
	return frames
}

// detectByBrightness yields one detection per frame whose class follows the frame's first byte.
func detectByBrightness(i int, f rimage.Frame) []network.Record {
	v := f.Pix()[0]
	return []network.Record{{
		Class: int(v) % len(classNames),
		X:     float32(i),
		Y:     1,
		W:     2,
		H:     3,
		Prob:  0.5,
		Probs: []float32{0.5, 0.25, 0.25},
	}}
}

func factoryFor(net network.Network, got *network.Config) NetworkFactory {
	return func(ctx context.Context, v network.Variant, cfg network.Config, logger logging.Logger) (network.Network, error) {
		if got != nil {
			*got = cfg
		}
		return net, nil
	}
}

func newService(t *testing.T, cfg Config, net network.Network, opts ...Option) *Service {
	t.Helper()
	if cfg.ModelPath == "" {
		cfg.ModelPath = writeModel(t)
	}
	opts = append([]Option{WithLogger(logging.NewTestLogger(t)), WithNetworkFactory(factoryFor(net, nil))}, opts...)
	svc, err := NewService(context.Background(), cfg, opts...)
	test.That(t, err, test.ShouldBeNil)
	return svc
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{ModelPath: "m.onnx"}.withDefaults()
	test.That(t, cfg.ClassCount, test.ShouldEqual, DefaultClassCount)
	test.That(t, *cfg.ConfidenceThreshold, test.ShouldEqual, float32(DefaultConfidenceThreshold))
	test.That(t, cfg.MaxBatchSize, test.ShouldEqual, DefaultMaxBatchSize)
	test.That(t, cfg.Variant, test.ShouldEqual, network.Yolo)
	test.That(t, cfg.Validate(), test.ShouldBeNil)

	for name, bad := range map[string]Config{
		"model":     {},
		"variant":   {ModelPath: "m", Variant: network.Variant(9)},
		"classes":   {ModelPath: "m", ClassCount: -1},
		"batch":     {ModelPath: "m", MaxBatchSize: -2},
		"threshold": {ModelPath: "m", ConfidenceThreshold: lo.ToPtr[float32](1.5)},
		"nms":       {ModelPath: "m", NMSThreshold: -0.1},
		"threads":   {ModelPath: "m", NumThreads: -1},
		"input":     {ModelPath: "m", InputWidth: -1},
	} {
		t.Run(name, func(t *testing.T) {
			test.That(t, errors.Is(bad.Validate(), ErrInvalidConfig), test.ShouldBeTrue)
		})
	}
}

func TestConfigZeroThreshold(t *testing.T) {
	var got network.Config
	cfg := Config{ModelPath: writeModel(t), ConfidenceThreshold: lo.ToPtr[float32](0)}
	svc, err := NewService(context.Background(), cfg,
		WithLogger(logging.NewTestLogger(t)),
		WithNetworkFactory(factoryFor(&inject.FakeNetwork{Names: classNames}, &got)))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.ConfidenceThreshold, test.ShouldEqual, float32(0))
	test.That(t, *svc.Config().ConfidenceThreshold, test.ShouldEqual, float32(0))
}

func TestModelNotFound(t *testing.T) {
	called := false
	factory := func(context.Context, network.Variant, network.Config, logging.Logger) (network.Network, error) {
		called = true
		return &inject.FakeNetwork{}, nil
	}
	svc, err := NewService(context.Background(),
		Config{ModelPath: filepath.Join(t.TempDir(), "missing.onnx")},
		WithLogger(logging.NewTestLogger(t)), WithNetworkFactory(factory))
	test.That(t, errors.Is(err, ErrModelNotFound), test.ShouldBeTrue)
	test.That(t, svc, test.ShouldBeNil)
	test.That(t, called, test.ShouldBeFalse)
}

func TestNetworkConfig(t *testing.T) {
	for _, tc := range []struct {
		variant network.Variant
		classes int
	}{
		{network.Yolo, 5},
		{network.CenterNet, 5},
		{network.MobileNet, 6},
	} {
		t.Run(tc.variant.String(), func(t *testing.T) {
			var got network.Config
			cfg := Config{
				ModelPath:           writeModel(t),
				ClassCount:          5,
				ConfidenceThreshold: lo.ToPtr[float32](0.4),
				MaxBatchSize:        3,
				Variant:             tc.variant,
				NumThreads:          2,
			}
			_, err := NewService(context.Background(), cfg,
				WithLogger(logging.NewTestLogger(t)),
				WithNetworkFactory(factoryFor(&inject.FakeNetwork{Names: classNames}, &got)))
			test.That(t, err, test.ShouldBeNil)
			test.That(t, got.ClassCount, test.ShouldEqual, tc.classes)
			test.That(t, got.ConfidenceThreshold, test.ShouldEqual, float32(0.4))
			test.That(t, got.MaxBatchSize, test.ShouldEqual, 3)
			test.That(t, got.NumThreads, test.ShouldEqual, 2)
			test.That(t, got.ModelPath, test.ShouldEqual, cfg.ModelPath)
		})
	}
}

func TestFactoryError(t *testing.T) {
	factory := func(context.Context, network.Variant, network.Config, logging.Logger) (network.Network, error) {
		return nil, errors.New("no runtime")
	}
	_, err := NewService(context.Background(), Config{ModelPath: writeModel(t)},
		WithLogger(logging.NewTestLogger(t)), WithNetworkFactory(factory))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no runtime")
}

func TestInferLength(t *testing.T) {
	fake := &inject.FakeNetwork{Names: classNames, Detect: detectByBrightness}
	svc := newService(t, Config{MaxBatchSize: 4}, fake)

	for n := 1; n <= 4; n++ {
		result, err := svc.Infer(context.Background(), newFrames(t, n))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, len(result), test.ShouldEqual, n)
		for i, dets := range result {
			test.That(t, len(dets), test.ShouldEqual, 1)
			d := dets[0]
			test.That(t, d.ClassID, test.ShouldEqual, (i+1)%len(classNames))
			test.That(t, d.ClassName, test.ShouldEqual, classNames[d.ClassID])
			test.That(t, d.Box.X, test.ShouldEqual, float32(i))
			test.That(t, d.Box.Height, test.ShouldEqual, float32(3))
			test.That(t, d.Distribution, test.ShouldResemble, []float32{0.5, 0.25, 0.25})
		}
	}
	test.That(t, fake.BatchSizes(), test.ShouldResemble, []int{1, 2, 3, 4})
}

func TestInferNoDetections(t *testing.T) {
	fake := &inject.FakeNetwork{Names: classNames}
	svc := newService(t, Config{MaxBatchSize: 2}, fake)
	result, err := svc.Infer(context.Background(), newFrames(t, 2))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(result), test.ShouldEqual, 2)
	for _, dets := range result {
		test.That(t, dets, test.ShouldNotBeNil)
		test.That(t, dets, test.ShouldBeEmpty)
	}
}

func TestInferEmptyBatch(t *testing.T) {
	fake := &inject.FakeNetwork{Names: classNames, Detect: detectByBrightness}
	svc := newService(t, Config{MaxBatchSize: 2}, fake)
	result, err := svc.Infer(context.Background(), nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result, test.ShouldNotBeNil)
	test.That(t, result, test.ShouldBeEmpty)
	test.That(t, fake.Updates(), test.ShouldEqual, 0)
}

func TestInferBatchTooLarge(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	fake := &inject.FakeNetwork{Names: classNames, Detect: detectByBrightness}
	svc := newService(t, Config{MaxBatchSize: 2}, fake, WithLogger(logger))

	result, err := svc.Infer(context.Background(), newFrames(t, 3))
	test.That(t, errors.Is(err, ErrBatchTooLarge), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "got 3 images, max 2")
	test.That(t, result, test.ShouldBeNil)
	test.That(t, fake.Updates(), test.ShouldEqual, 0)
	test.That(t, logs.FilterMessage("rejecting batch").Len(), test.ShouldEqual, 1)
}

func TestInferClassOutOfRange(t *testing.T) {
	fake := &inject.FakeNetwork{Names: classNames, Detect: func(i int, f rimage.Frame) []network.Record {
		if i == 1 {
			return []network.Record{{Class: 0}, {Class: len(classNames)}}
		}
		return []network.Record{{Class: 2}}
	}}
	svc := newService(t, Config{MaxBatchSize: 2}, fake)

	result, err := svc.Infer(context.Background(), newFrames(t, 2))
	test.That(t, result, test.ShouldBeNil)
	test.That(t, errors.Is(err, ErrClassIndexOutOfRange), test.ShouldBeTrue)
	var rangeErr *ClassIndexOutOfRangeError
	test.That(t, errors.As(err, &rangeErr), test.ShouldBeTrue)
	test.That(t, *rangeErr, test.ShouldResemble, ClassIndexOutOfRangeError{Image: 1, Detection: 1, Class: 3, ClassCount: 3})

	fake.Detect = func(int, rimage.Frame) []network.Record { return []network.Record{{Class: -1}} }
	_, err = svc.Infer(context.Background(), newFrames(t, 1))
	test.That(t, errors.Is(err, ErrClassIndexOutOfRange), test.ShouldBeTrue)
}

func TestInferFailed(t *testing.T) {
	fake := &inject.FakeNetwork{Names: classNames, Detect: detectByBrightness}
	svc := newService(t, Config{MaxBatchSize: 2}, fake)
	fake.SetFailOnUpdate(true)

	result, err := svc.Infer(context.Background(), newFrames(t, 2))
	test.That(t, result, test.ShouldBeNil)
	test.That(t, errors.Is(err, ErrInferenceFailed), test.ShouldBeTrue)
	test.That(t, errors.Is(err, inject.ErrFakeUpdate), test.ShouldBeTrue)
	var failed *InferenceFailedError
	test.That(t, errors.As(err, &failed), test.ShouldBeTrue)
	test.That(t, failed.Unwrap(), test.ShouldEqual, inject.ErrFakeUpdate)
	test.That(t, svc.Stats().Failures, test.ShouldEqual, 1)
	test.That(t, fake.Updates(), test.ShouldEqual, 1)

	fake.SetFailOnUpdate(false)
	_, err = svc.Infer(context.Background(), newFrames(t, 2))
	test.That(t, err, test.ShouldBeNil)
}

func TestInferIdempotent(t *testing.T) {
	fake := &inject.FakeNetwork{Names: classNames, Detect: detectByBrightness}
	svc := newService(t, Config{MaxBatchSize: 3}, fake)
	frames := newFrames(t, 3)

	first, err := svc.Infer(context.Background(), frames)
	test.That(t, err, test.ShouldBeNil)
	second, err := svc.Infer(context.Background(), frames)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, second, test.ShouldResemble, first)
}

func TestInferCopiesDistribution(t *testing.T) {
	probs := []float32{0.2, 0.3, 0.5}
	fake := &inject.FakeNetwork{Names: classNames, Detect: func(int, rimage.Frame) []network.Record {
		return []network.Record{{Class: 2, Prob: 0.5, Probs: probs}}
	}}
	svc := newService(t, Config{}, fake)
	result, err := svc.Infer(context.Background(), newFrames(t, 1))
	test.That(t, err, test.ShouldBeNil)
	probs[0] = 1
	test.That(t, result[0][0].Distribution, test.ShouldResemble, []float32{0.2, 0.3, 0.5})
}

func TestInferInjectedNetwork(t *testing.T) {
	var seen []rimage.Frame
	net := &inject.Network{
		UpdateFunc: func(ctx context.Context, frames []rimage.Frame) error {
			seen = frames
			return nil
		},
		BatchDetectedFunc: func(i int) []network.Record { return nil },
		ClassNamesFunc:    func() []string { return classNames },
	}
	svc := newService(t, Config{MaxBatchSize: 2}, net)
	frames := newFrames(t, 2)
	result, err := svc.Infer(context.Background(), frames)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(result), test.ShouldEqual, 2)
	// frames reach the network as views of the caller's buffers.
	test.That(t, &seen[1].Pix()[0] == &frames[1].Pix()[0], test.ShouldBeTrue)
}

func TestInferSerializes(t *testing.T) {
	fake := &inject.FakeNetwork{
		Names:   classNames,
		Detect:  detectByBrightness,
		Hold:    make(chan struct{}),
		Entered: make(chan struct{}, 2),
	}
	svc := newService(t, Config{MaxBatchSize: 2}, fake)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Infer(context.Background(), newFrames(t, 1))
		}(i)
	}
	<-fake.Entered
	select {
	case <-fake.Entered:
		t.Fatal("second call entered the network while the first was running")
	case <-time.After(50 * time.Millisecond):
	}
	fake.Hold <- struct{}{}
	<-fake.Entered
	fake.Hold <- struct{}{}
	wg.Wait()

	test.That(t, errs[0], test.ShouldBeNil)
	test.That(t, errs[1], test.ShouldBeNil)
	test.That(t, fake.Updates(), test.ShouldEqual, 2)
	test.That(t, fake.Overlapped(), test.ShouldBeFalse)
}

func TestInferBusy(t *testing.T) {
	fake := &inject.FakeNetwork{
		Names:   classNames,
		Hold:    make(chan struct{}),
		Entered: make(chan struct{}, 1),
	}

	t.Run("reject", func(t *testing.T) {
		svc := newService(t, Config{}, fake, WithRejectWhenBusy())
		done := make(chan error)
		go func() {
			_, err := svc.Infer(context.Background(), newFrames(t, 1))
			done <- err
		}()
		<-fake.Entered

		_, err := svc.Infer(context.Background(), newFrames(t, 1))
		test.That(t, err, test.ShouldBeError, ErrServiceBusy)
		test.That(t, svc.Draw(context.Background(), nil), test.ShouldBeError, ErrServiceBusy)

		fake.Hold <- struct{}{}
		test.That(t, <-done, test.ShouldBeNil)
	})

	t.Run("cancelled wait", func(t *testing.T) {
		svc := newService(t, Config{}, fake)
		done := make(chan error)
		go func() {
			_, err := svc.Infer(context.Background(), newFrames(t, 1))
			done <- err
		}()
		<-fake.Entered

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := svc.Infer(ctx, newFrames(t, 1))
		test.That(t, errors.Is(err, ErrServiceBusy), test.ShouldBeTrue)
		test.That(t, errors.Is(err, context.DeadlineExceeded), test.ShouldBeTrue)

		fake.Hold <- struct{}{}
		test.That(t, <-done, test.ShouldBeNil)
	})
	test.That(t, fake.Overlapped(), test.ShouldBeFalse)
}

func TestInferCancelledWhileIdle(t *testing.T) {
	fake := &inject.FakeNetwork{Names: classNames}
	svc := newService(t, Config{}, fake)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Infer(ctx, newFrames(t, 1))
	test.That(t, err, test.ShouldBeError, context.Canceled)
	test.That(t, errors.Is(err, ErrServiceBusy), test.ShouldBeFalse)
	test.That(t, svc.Draw(ctx, nil), test.ShouldBeError, context.Canceled)
	test.That(t, fake.Updates(), test.ShouldEqual, 0)

	_, err = svc.Infer(context.Background(), newFrames(t, 1))
	test.That(t, err, test.ShouldBeNil)
}

func TestInferPostprocessor(t *testing.T) {
	fake := &inject.FakeNetwork{Names: classNames, Detect: detectByBrightness}
	svc := newService(t, Config{MaxBatchSize: 2}, fake, WithPostprocessor(objectdetection.NewClassFilter("car")))

	result, err := svc.Infer(context.Background(), newFrames(t, 2))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(result), test.ShouldEqual, 2)
	test.That(t, result[0], test.ShouldNotBeNil)
	test.That(t, len(result[0]), test.ShouldEqual, 0)
	test.That(t, len(result[1]), test.ShouldEqual, 1)
	test.That(t, result[1][0].ClassName, test.ShouldEqual, "car")

	dropAll := func([]objectdetection.Detection) []objectdetection.Detection { return nil }
	svc = newService(t, Config{}, fake, WithPostprocessor(dropAll))
	result, err = svc.Infer(context.Background(), newFrames(t, 1))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result[0], test.ShouldNotBeNil)
	test.That(t, len(result[0]), test.ShouldEqual, 0)
}

func TestDraw(t *testing.T) {
	fake := &inject.FakeNetwork{Names: classNames, Detect: detectByBrightness}
	svc := newService(t, Config{MaxBatchSize: 3}, fake)
	frames := newFrames(t, 2)

	err := svc.Draw(context.Background(), frames)
	test.That(t, errors.Is(err, ErrBatchTooLarge), test.ShouldBeTrue)
	test.That(t, fake.Draws(), test.ShouldEqual, 0)

	_, err = svc.Infer(context.Background(), frames)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, svc.Draw(context.Background(), frames[:1]), test.ShouldBeNil)
	test.That(t, frames[0].Pix()[0], test.ShouldEqual, uint8(0xff))
	test.That(t, frames[1].Pix()[0], test.ShouldEqual, uint8(2))

	err = svc.Draw(context.Background(), newFrames(t, 3))
	test.That(t, errors.Is(err, ErrBatchTooLarge), test.ShouldBeTrue)

	_, err = svc.Infer(context.Background(), nil)
	test.That(t, err, test.ShouldBeNil)
	err = svc.Draw(context.Background(), frames[:1])
	test.That(t, errors.Is(err, ErrBatchTooLarge), test.ShouldBeTrue)
	test.That(t, fake.Draws(), test.ShouldEqual, 1)
}

func TestClose(t *testing.T) {
	fake := &inject.FakeNetwork{Names: classNames, Detect: detectByBrightness}
	svc := newService(t, Config{}, fake)
	test.That(t, svc.Close(), test.ShouldBeNil)
	test.That(t, svc.Close(), test.ShouldBeNil)
	test.That(t, fake.Closed(), test.ShouldEqual, 1)

	_, err := svc.Infer(context.Background(), newFrames(t, 1))
	test.That(t, err, test.ShouldBeError, ErrServiceClosed)
	test.That(t, svc.Draw(context.Background(), nil), test.ShouldBeError, ErrServiceClosed)
	test.That(t, fake.Updates(), test.ShouldEqual, 0)
}

func TestStats(t *testing.T) {
	mock := clock.NewMock()
	fake := &inject.FakeNetwork{Names: classNames, Detect: func(i int, f rimage.Frame) []network.Record {
		mock.Add(time.Duration(f.Pix()[0]) * time.Millisecond)
		return nil
	}}
	svc := newService(t, Config{MaxBatchSize: 1}, fake, WithClock(mock))
	test.That(t, svc.Stats(), test.ShouldResemble, Stats{})

	for _, v := range []uint8{10, 20, 30} {
		pix := make([]uint8, 3)
		pix[0] = v
		f, err := rimage.NewFrame(1, 1, pix)
		test.That(t, err, test.ShouldBeNil)
		_, err = svc.Infer(context.Background(), []rimage.Frame{f})
		test.That(t, err, test.ShouldBeNil)
	}
	stats := svc.Stats()
	test.That(t, stats.Inferences, test.ShouldEqual, 3)
	test.That(t, stats.Last, test.ShouldEqual, 30*time.Millisecond)
	test.That(t, stats.Mean, test.ShouldEqual, 20*time.Millisecond)
	test.That(t, stats.P50, test.ShouldEqual, 20*time.Millisecond)
	test.That(t, stats.Max, test.ShouldEqual, 30*time.Millisecond)
}

func TestLatencyWindow(t *testing.T) {
	w := newLatencyWindow(2)
	for _, d := range []time.Duration{1, 2, 3} {
		w.add(d * time.Second)
	}
	s := w.summary()
	test.That(t, s.Inferences, test.ShouldEqual, 3)
	test.That(t, s.Max, test.ShouldEqual, 3*time.Second)
	test.That(t, s.Mean, test.ShouldEqual, 2500*time.Millisecond)
}
