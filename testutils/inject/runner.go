package inject

import (
	"context"

	"go.tkdetect.dev/tkdetect/ml"
	"go.tkdetect.dev/tkdetect/ml/inference"
	"go.tkdetect.dev/tkdetect/network"
)

// Runner is an injected model runner.
type Runner struct {
	network.Runner
	InputsFunc func() []inference.IOInfo
	RunFunc    func(ctx context.Context, inputs ml.Tensors) (ml.Tensors, error)
	CloseFunc  func() error
}

// Inputs calls the injected Inputs or the real variant.
func (r *Runner) Inputs() []inference.IOInfo {
	if r.InputsFunc == nil {
		return r.Runner.Inputs()
	}
	return r.InputsFunc()
}

// Run calls the injected Run or the real variant.
func (r *Runner) Run(ctx context.Context, inputs ml.Tensors) (ml.Tensors, error) {
	if r.RunFunc == nil {
		return r.Runner.Run(ctx, inputs)
	}
	return r.RunFunc(ctx, inputs)
}

// Close calls the injected Close or the real variant.
func (r *Runner) Close() error {
	if r.CloseFunc == nil {
		if r.Runner == nil {
			return nil
		}
		return r.Runner.Close()
	}
	return r.CloseFunc()
}
