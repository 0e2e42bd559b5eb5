package inference

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"

	"go.tkdetect.dev/tkdetect/ml"
)

// SharedLibraryPathEnv names the environment variable holding the onnxruntime shared library path.
const SharedLibraryPathEnv = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

var (
	envOnce sync.Once
	envErr  error
)

// InitializeEnvironment loads the runtime library once per process.
func InitializeEnvironment() error {
	envOnce.Do(func() {
		if p := os.Getenv(SharedLibraryPathEnv); p != "" {
			ort.SetSharedLibraryPath(p)
		}
		if !ort.IsInitialized() {
			envErr = ort.InitializeEnvironment()
		}
	})
	return envErr
}

func onnxIOInfo(path string) ([]IOInfo, []IOInfo, error) {
	ins, outs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, nil, err
	}
	convert := func(infos []ort.InputOutputInfo) []IOInfo {
		res := make([]IOInfo, 0, len(infos))
		for _, info := range infos {
			res = append(res, IOInfo{Name: info.Name, Dimensions: []int64(info.Dimensions.Clone())})
		}
		return res
	}
	return convert(ins), convert(outs), nil
}

type onnxRunner struct {
	session *ort.DynamicAdvancedSession
	outputs int
}

func newOnnxRunner(path string, inputs, outputs []string, opts SessionOptions) (runner, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "error creating session options")
	}
	defer func() {
		//nolint:errcheck
		options.Destroy()
	}()

	if opts.NumThreads > 0 {
		if err := options.SetIntraOpNumThreads(opts.NumThreads); err != nil {
			return nil, err
		}
	}
	if opts.UseCUDA {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, errors.Wrap(err, "error creating CUDA provider options")
		}
		defer func() {
			//nolint:errcheck
			cudaOptions.Destroy()
		}()
		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return nil, errors.Wrap(err, "error enabling CUDA")
		}
	}

	session, err := ort.NewDynamicAdvancedSession(path, inputs, outputs, options)
	if err != nil {
		return nil, err
	}
	return &onnxRunner{session: session, outputs: len(outputs)}, nil
}

func (r *onnxRunner) run(inputs []*ml.Tensor) (res []*ml.Tensor, err error) {
	values := make([]ort.Value, 0, len(inputs))
	defer func() {
		for _, v := range values {
			err = multierr.Combine(err, v.Destroy())
		}
	}()
	for _, in := range inputs {
		t, err := ort.NewTensor(ort.NewShape(in.Shape...), in.Data)
		if err != nil {
			return nil, errors.Wrap(err, "error creating input tensor")
		}
		values = append(values, t)
	}

	// nil outputs are allocated by the runtime.
	outputs := make([]ort.Value, r.outputs)
	if err := r.session.Run(values, outputs); err != nil {
		return nil, err
	}
	defer func() {
		for _, v := range outputs {
			if v != nil {
				err = multierr.Combine(err, v.Destroy())
			}
		}
	}()

	res = make([]*ml.Tensor, 0, len(outputs))
	for i, v := range outputs {
		t, ok := v.(*ort.Tensor[float32])
		if !ok {
			return nil, errors.Errorf("output %d is %T, only float32 tensors are supported", i, v)
		}
		data := make([]float32, len(t.GetData()))
		copy(data, t.GetData())
		res = append(res, &ml.Tensor{Shape: []int64(t.GetShape()), Data: data})
	}
	return res, nil
}

func (r *onnxRunner) destroy() error {
	return r.session.Destroy()
}
