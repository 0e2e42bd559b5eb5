package detection

import (
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.tkdetect.dev/tkdetect/network"
)

// Defaults applied to unset Config fields.
const (
	DefaultClassCount          = 80
	DefaultConfidenceThreshold = 0.3
	DefaultMaxBatchSize        = 1
)

// MobileNetBackgroundClasses is added to the class count handed to MobileNet networks, whose
// class dimension carries the background class.
const MobileNetBackgroundClasses = 1

// Config describes a detection service. Zero ClassCount and MaxBatchSize and a nil
// ConfidenceThreshold take the package defaults; a threshold of 0 keeps every detection.
type Config struct {
	ModelPath           string          `json:"model_path" yaml:"model_path"`
	ClassCount          int             `json:"class_count,omitempty" yaml:"class_count,omitempty"`
	ConfidenceThreshold *float32        `json:"confidence_threshold,omitempty" yaml:"confidence_threshold,omitempty"`
	MaxBatchSize        int             `json:"max_batch_size,omitempty" yaml:"max_batch_size,omitempty"`
	Variant             network.Variant `json:"variant" yaml:"variant"`

	LabelPath    string  `json:"label_path,omitempty" yaml:"label_path,omitempty"`
	NMSThreshold float32 `json:"nms_threshold,omitempty" yaml:"nms_threshold,omitempty"`
	NumThreads   int     `json:"num_threads,omitempty" yaml:"num_threads,omitempty"`
	UseCUDA      bool    `json:"use_cuda,omitempty" yaml:"use_cuda,omitempty"`
	InputWidth   int     `json:"input_width,omitempty" yaml:"input_width,omitempty"`
	InputHeight  int     `json:"input_height,omitempty" yaml:"input_height,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.ClassCount == 0 {
		c.ClassCount = DefaultClassCount
	}
	if c.ConfidenceThreshold == nil {
		c.ConfidenceThreshold = lo.ToPtr[float32](DefaultConfidenceThreshold)
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	return c
}

// Validate checks the configuration after defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	switch {
	case c.ModelPath == "":
		return errors.Wrap(ErrInvalidConfig, "model path is required")
	case !c.Variant.Valid():
		return errors.Wrapf(ErrInvalidConfig, "unknown variant %s", c.Variant)
	case c.ClassCount < 0:
		return errors.Wrapf(ErrInvalidConfig, "class count must be positive, got %d", c.ClassCount)
	case c.MaxBatchSize < 0:
		return errors.Wrapf(ErrInvalidConfig, "max batch size must be positive, got %d", c.MaxBatchSize)
	case *c.ConfidenceThreshold < 0 || *c.ConfidenceThreshold > 1:
		return errors.Wrapf(ErrInvalidConfig, "confidence threshold must be in [0, 1], got %v", *c.ConfidenceThreshold)
	case c.NMSThreshold < 0 || c.NMSThreshold > 1:
		return errors.Wrapf(ErrInvalidConfig, "nms threshold must be in [0, 1], got %v", c.NMSThreshold)
	case c.NumThreads < 0:
		return errors.Wrapf(ErrInvalidConfig, "num threads must not be negative, got %d", c.NumThreads)
	case c.InputWidth < 0 || c.InputHeight < 0:
		return errors.Wrapf(ErrInvalidConfig, "input size must not be negative, got %dx%d", c.InputWidth, c.InputHeight)
	}
	return nil
}

// networkConfig is the configuration handed to the network factory. c must have defaults applied.
func (c Config) networkConfig() network.Config {
	classes := c.ClassCount
	if c.Variant == network.MobileNet {
		classes += MobileNetBackgroundClasses
	}
	return network.Config{
		ModelPath:           c.ModelPath,
		ClassCount:          classes,
		ConfidenceThreshold: *c.ConfidenceThreshold,
		MaxBatchSize:        c.MaxBatchSize,
		LabelPath:           c.LabelPath,
		NMSThreshold:        c.NMSThreshold,
		NumThreads:          c.NumThreads,
		UseCUDA:             c.UseCUDA,
		InputWidth:          c.InputWidth,
		InputHeight:         c.InputHeight,
	}
}
