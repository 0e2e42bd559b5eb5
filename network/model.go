package network

import (
	"context"
	"image"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"go.tkdetect.dev/tkdetect/logging"
	"go.tkdetect.dev/tkdetect/ml"
	"go.tkdetect.dev/tkdetect/ml/inference"
	"go.tkdetect.dev/tkdetect/rimage"
)

// Runner executes a loaded model. *inference.Session implements it.
type Runner interface {
	Inputs() []inference.IOInfo
	Run(ctx context.Context, inputs ml.Tensors) (ml.Tensors, error)
	Close() error
}

// Decoder turns the raw outputs of one batch into per-frame records in frame pixel coordinates.
// input is the size the frames were resized to before inference.
type Decoder func(outputs ml.Tensors, frames []rimage.Frame, input image.Point) ([][]Record, error)

// ModelSpec describes what a variant adds on top of a Model.
type ModelSpec struct {
	Normalization Normalization
	// DefaultInput is used when the model input size is dynamic and Config does not set one.
	DefaultInput image.Point
	Decode       Decoder
}

// OpenModel loads cfg.ModelPath with loader.
func OpenModel(ctx context.Context, cfg Config, loader *inference.Loader) (*inference.Session, error) {
	return loader.Load(ctx, cfg.ModelPath, inference.SessionOptions{
		NumThreads: cfg.NumThreads,
		UseCUDA:    cfg.UseCUDA,
	})
}

// Model is a Network running a single image input model through a Runner.
type Model struct {
	*Base
	cfg    Config
	spec   ModelSpec
	runner Runner
	logger logging.Logger

	input string
	size  image.Point
	// fixedBatch is the batch dimension of the model input, 0 when dynamic.
	fixedBatch int
}

// NewModel wraps runner. The model must take one NCHW float input.
func NewModel(cfg Config, names []string, runner Runner, spec ModelSpec, logger logging.Logger) (*Model, error) {
	if spec.Decode == nil {
		return nil, errors.New("model needs a decoder")
	}
	inputs := runner.Inputs()
	if len(inputs) != 1 {
		return nil, errors.Errorf("expected a single image input, model has %d inputs", len(inputs))
	}
	dims := inputs[0].Dimensions
	if len(dims) != 4 {
		return nil, errors.Errorf("expected an NCHW input, %q has shape %v", inputs[0].Name, dims)
	}
	if dims[1] > 0 && dims[1] != rimage.Channels {
		return nil, errors.Errorf("expected %d input channels, %q has shape %v", rimage.Channels, inputs[0].Name, dims)
	}

	m := &Model{
		Base:   NewBase(names),
		cfg:    cfg,
		spec:   spec,
		runner: runner,
		logger: logger,
		input:  inputs[0].Name,
	}
	if dims[0] > 0 {
		m.fixedBatch = int(dims[0])
		if cfg.MaxBatchSize > m.fixedBatch {
			return nil, errors.Errorf("max batch size %d exceeds the model batch of %d", cfg.MaxBatchSize, m.fixedBatch)
		}
	}
	m.size = image.Pt(int(dims[3]), int(dims[2]))
	if m.size.X <= 0 || m.size.Y <= 0 {
		m.size = spec.DefaultInput
		if cfg.InputWidth > 0 && cfg.InputHeight > 0 {
			m.size = image.Pt(cfg.InputWidth, cfg.InputHeight)
		}
	} else if cfg.InputWidth > 0 && cfg.InputHeight > 0 && image.Pt(cfg.InputWidth, cfg.InputHeight) != m.size {
		logger.Warnw("ignoring input size override, model input is fixed",
			"model", cfg.ModelPath, "fixed", m.size, "override", image.Pt(cfg.InputWidth, cfg.InputHeight))
	}
	logger.Debugw("model ready", "model", cfg.ModelPath, "input", m.input, "size", m.size, "batch", m.fixedBatch)
	return m, nil
}

// InputSize is the size frames are resized to.
func (m *Model) InputSize() image.Point {
	return m.size
}

// Update implements Network.
func (m *Model) Update(ctx context.Context, frames []rimage.Frame) error {
	ctx, span := trace.StartSpan(ctx, "network::Model::Update")
	defer span.End()

	if len(frames) > m.cfg.MaxBatchSize {
		return errors.Errorf("batch of %d exceeds max batch size %d", len(frames), m.cfg.MaxBatchSize)
	}
	m.SetBatch(nil)
	if len(frames) == 0 {
		return nil
	}
	batch := len(frames)
	if m.fixedBatch > 0 {
		batch = m.fixedBatch
	}
	tensor, err := Preprocess(ctx, frames, batch, m.size, m.spec.Normalization)
	if err != nil {
		return err
	}
	outputs, err := m.runner.Run(ctx, ml.Tensors{m.input: tensor})
	if err != nil {
		return err
	}
	records, err := m.spec.Decode(outputs, frames, m.size)
	if err != nil {
		return errors.Wrap(err, "could not decode network output")
	}
	if len(records) < len(frames) {
		return errors.Errorf("decoder returned %d results for %d frames", len(records), len(frames))
	}
	m.SetBatch(records[:len(frames)])
	return nil
}

// Close releases the runner.
func (m *Model) Close() error {
	return m.runner.Close()
}
