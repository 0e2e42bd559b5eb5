// Package inference loads model artifacts into ONNX Runtime sessions and runs them on float32
// tensors. The runtime is an external shared library; everything that touches it sits behind the
// loader functions so that callers can be tested without it.
package inference

import (
	"context"
	"os"
	"sync"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"go.tkdetect.dev/tkdetect/ml"
)

// ErrSessionClosed is returned by Run after Close.
var ErrSessionClosed = errors.New("inference session is closed")

// IOInfo describes one named input or output of a model. Dynamic dimensions are negative.
type IOInfo struct {
	Name       string
	Dimensions []int64
}

// SessionOptions tunes a session.
type SessionOptions struct {
	// NumThreads bounds intra-op parallelism; 0 lets the runtime decide.
	NumThreads int
	// UseCUDA appends the CUDA execution provider.
	UseCUDA bool
}

// runner is the part of a runtime session the rest of the package relies on.
type runner interface {
	run(inputs []*ml.Tensor) ([]*ml.Tensor, error)
	destroy() error
}

// Loader creates sessions. The zero value is not usable; see NewDefaultLoader.
type Loader struct {
	initEnv    func() error
	ioInfo     func(path string) ([]IOInfo, []IOInfo, error)
	newSession func(path string, inputs, outputs []string, opts SessionOptions) (runner, error)
}

// NewDefaultLoader returns a loader backed by ONNX Runtime.
func NewDefaultLoader() *Loader {
	return &Loader{
		initEnv:    InitializeEnvironment,
		ioInfo:     onnxIOInfo,
		newSession: newOnnxRunner,
	}
}

// Load opens the model at path. It fails if the file does not exist before the runtime is touched.
func (l *Loader) Load(ctx context.Context, path string, opts SessionOptions) (*Session, error) {
	_, span := trace.StartSpan(ctx, "ml::inference::Load")
	defer span.End()

	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, "model file not found at %s", path)
	}
	if err := l.initEnv(); err != nil {
		return nil, errors.Wrap(err, "could not initialize inference runtime")
	}
	inputs, outputs, err := l.ioInfo(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read inputs and outputs of %s", path)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, errors.Errorf("model %s has %d inputs and %d outputs", path, len(inputs), len(outputs))
	}
	r, err := l.newSession(path, ioNames(inputs), ioNames(outputs), opts)
	if err != nil {
		return nil, errors.Wrapf(err, "could not create session for %s", path)
	}
	return &Session{path: path, inputs: inputs, outputs: outputs, runner: r}, nil
}

func ioNames(infos []IOInfo) []string {
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	return names
}

// Session is a loaded model. Run is not safe for concurrent use; callers serialize access.
type Session struct {
	path    string
	inputs  []IOInfo
	outputs []IOInfo

	mu     sync.Mutex
	runner runner
}

// Inputs describes the model inputs in declaration order.
func (s *Session) Inputs() []IOInfo {
	return s.inputs
}

// Outputs describes the model outputs in declaration order.
func (s *Session) Outputs() []IOInfo {
	return s.outputs
}

// Run feeds one tensor per declared input and returns every declared output by name.
func (s *Session) Run(ctx context.Context, inputs ml.Tensors) (ml.Tensors, error) {
	_, span := trace.StartSpan(ctx, "ml::inference::Run")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runner == nil {
		return nil, ErrSessionClosed
	}
	ordered := make([]*ml.Tensor, 0, len(s.inputs))
	for _, info := range s.inputs {
		t, ok := inputs[info.Name]
		if !ok {
			return nil, errors.Errorf("missing input tensor %q", info.Name)
		}
		ordered = append(ordered, t)
	}
	outs, err := s.runner.run(ordered)
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't infer from model %s", s.path)
	}
	if len(outs) != len(s.outputs) {
		return nil, errors.Errorf("model %s produced %d outputs, expected %d", s.path, len(outs), len(s.outputs))
	}
	results := make(ml.Tensors, len(outs))
	for i, info := range s.outputs {
		results[info.Name] = outs[i]
	}
	return results, nil
}

// Close releases the runtime session. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runner == nil {
		return nil
	}
	err := s.runner.destroy()
	s.runner = nil
	return err
}
