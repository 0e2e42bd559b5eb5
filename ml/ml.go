// Package ml provides the tensor primitives exchanged with inference sessions.
package ml

import (
	"math"
	"sort"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
)

// Tensor is a dense float32 tensor in row-major order.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// NewTensor checks that data fills shape exactly.
func NewTensor(shape []int64, data []float32) (*Tensor, error) {
	if n := NumElements(shape); n != len(data) {
		return nil, errors.Errorf("shape %v needs %d elements, got %d", shape, n, len(data))
	}
	return &Tensor{Shape: shape, Data: data}, nil
}

// Dim returns the size of dimension i, or 0 past the rank.
func (t *Tensor) Dim(i int) int {
	if i < 0 || i >= len(t.Shape) {
		return 0
	}
	return int(t.Shape[i])
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// Tensors maps tensor names to tensors.
type Tensors map[string]*Tensor

// Names returns the tensor names in sorted order.
func (t Tensors) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the tensor with the given name and the expected rank.
func (t Tensors) Lookup(name string, rank int) (*Tensor, error) {
	tensor, ok := t[name]
	if !ok {
		return nil, errors.Errorf("no output tensor named %q, have %v", name, t.Names())
	}
	if tensor.Rank() != rank {
		return nil, errors.Errorf("tensor %q has shape %v, expected rank %d", name, tensor.Shape, rank)
	}
	return tensor, nil
}

// NumElements returns the product of the dimensions.
func NumElements(shape []int64) int {
	if len(shape) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return int(n)
}

// Softmax applies the softmax function to in.
func Softmax(in []float32) []float32 {
	out := make([]float32, 0, len(in))
	if len(in) == 0 {
		return out
	}
	maxV := in[0]
	for _, x := range in {
		if x > maxV {
			maxV = x
		}
	}
	bigSum := 0.0
	for _, x := range in {
		bigSum += math.Exp(float64(x - maxV))
	}
	for _, x := range in {
		out = append(out, float32(math.Exp(float64(x-maxV))/bigSum))
	}
	return out
}

// EnsureProbabilities turns scores into confidence values in [0, 1]. Multi-class vectors holding
// anything outside [0, 1] are treated as logits and softmaxed; a single score outside [-1, 1] is
// passed through a sigmoid.
func EnsureProbabilities(in []float32) []float32 {
	if len(in) > 1 {
		for _, p := range in {
			if p < 0 || p > 1 {
				return Softmax(in)
			}
		}
		return in
	}
	if len(in) == 1 && (in[0] < -1 || in[0] > 1) {
		out, err := stats.Sigmoid([]float64{float64(in[0])})
		if err != nil {
			return in
		}
		return []float32{float32(out[0])}
	}
	return in
}

// Sigmoid is the logistic function.
func Sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// ArgMax returns the index and value of the largest element, or -1 for an empty slice.
func ArgMax(in []float32) (int, float32) {
	best, bestV := -1, float32(0)
	for i, v := range in {
		if best < 0 || v > bestV {
			best, bestV = i, v
		}
	}
	return best, bestV
}
