// Package network defines the detection network capability and the registry of network variants.
package network

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"go.tkdetect.dev/tkdetect/logging"
	"go.tkdetect.dev/tkdetect/rimage"
)

// Variant names one of the supported network families.
type Variant int

// The closed set of network variants.
const (
	Yolo Variant = iota
	CenterNet
	MobileNet
)

var variantNames = map[Variant]string{
	Yolo:      "yolo",
	CenterNet: "centernet",
	MobileNet: "mobilenet",
}

// demo configs select the variant with a single letter.
var variantTags = map[string]Variant{
	"y": Yolo,
	"c": CenterNet,
	"m": MobileNet,
}

func (v Variant) String() string {
	if name, ok := variantNames[v]; ok {
		return name
	}
	return fmt.Sprintf("Variant(%d)", int(v))
}

// Valid reports whether v is one of the known variants.
func (v Variant) Valid() bool {
	_, ok := variantNames[v]
	return ok
}

// ParseVariant accepts a variant name or its single-letter tag, case insensitively.
func ParseVariant(s string) (Variant, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if v, ok := variantTags[s]; ok {
		return v, nil
	}
	for v, name := range variantNames {
		if name == s {
			return v, nil
		}
	}
	return 0, errors.Errorf("unknown network variant %q, expected one of yolo (y), centernet (c), mobilenet (m)", s)
}

// MarshalText encodes the variant by name.
func (v Variant) MarshalText() ([]byte, error) {
	if !v.Valid() {
		return nil, errors.Errorf("cannot marshal %s", v)
	}
	return []byte(v.String()), nil
}

// UnmarshalText decodes a variant name or tag.
func (v *Variant) UnmarshalText(text []byte) error {
	parsed, err := ParseVariant(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Record is one raw detection as produced by a network. Coordinates are absolute pixels of the
// frame it was detected in, with the origin at the top-left corner.
type Record struct {
	Class      int
	X, Y, W, H float32
	Prob       float32
	// Probs is the full per-class distribution, nil when the variant does not produce one.
	Probs []float32
}

// Config is everything a variant needs to build a network.
type Config struct {
	ModelPath           string
	ClassCount          int
	ConfidenceThreshold float32
	MaxBatchSize        int
	LabelPath           string
	NMSThreshold        float32
	NumThreads          int
	UseCUDA             bool
	// InputWidth and InputHeight override the model input size when it is dynamic.
	InputWidth  int
	InputHeight int
}

// DefaultNMSThreshold is the IoU above which overlapping boxes of one class are suppressed.
const DefaultNMSThreshold = 0.45

// Network runs batched detection. Implementations are not safe for concurrent use.
type Network interface {
	// Update runs the network over frames. The frames are only read during the call.
	Update(ctx context.Context, frames []rimage.Frame) error
	// BatchDetected returns the detections for frame i of the last Update.
	BatchDetected(i int) []Record
	// ClassNames returns the class table indexed by Record.Class.
	ClassNames() []string
	// Draw overlays the last Update's detections onto the given frames in place.
	Draw(frames []rimage.Frame) error
	Close() error
}

// Constructor builds a network of one variant.
type Constructor func(ctx context.Context, cfg Config, logger logging.Logger) (Network, error)

var (
	registryMu sync.RWMutex
	registry   = map[Variant]Constructor{}
)

// Register makes a variant constructor available to New. It panics on a duplicate or invalid
// registration.
func Register(v Variant, c Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if !v.Valid() {
		panic(errors.Errorf("cannot register %s", v))
	}
	if c == nil {
		panic(errors.Errorf("cannot register nil constructor for %s", v))
	}
	if _, ok := registry[v]; ok {
		panic(errors.Errorf("%s already registered", v))
	}
	registry[v] = c
}

// Registered lists the variants with a constructor.
func Registered() []Variant {
	registryMu.RLock()
	defer registryMu.RUnlock()
	vs := make([]Variant, 0, len(registry))
	for v := range registry {
		vs = append(vs, v)
	}
	sort.Slice(vs, func(i, j int) bool { return vs[i] < vs[j] })
	return vs
}

// New builds a network with the constructor registered for v.
func New(ctx context.Context, v Variant, cfg Config, logger logging.Logger) (Network, error) {
	registryMu.RLock()
	c, ok := registry[v]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("no constructor registered for %s", v)
	}
	return c(ctx, cfg, logger)
}
