package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"go.tkdetect.dev/tkdetect/network"
	"go.tkdetect.dev/tkdetect/services/detection"
	"go.tkdetect.dev/tkdetect/vision/objectdetection"
)

// demoConfig is the YAML file the demo reads.
type demoConfig struct {
	NetworkFile    string  `yaml:"network_rt_file"`
	InputFilename  string  `yaml:"input_filename"`
	OutputFilename string  `yaml:"output_filename"`
	NetworkType    string  `yaml:"ntype"`
	ClassCount     int     `yaml:"class_count"`
	BatchSize      int     `yaml:"n_batch"`
	ConfThreshold  float32 `yaml:"conf_thresh"`
	LabelFile      string  `yaml:"label_file"`
	NumThreads     int     `yaml:"num_threads"`
	UseCUDA        bool    `yaml:"use_cuda"`
	Repeat         int     `yaml:"repeat"`

	// Filters applied to the printed detections.
	Classes  []string `yaml:"classes"`
	MinArea  float32  `yaml:"min_area"`
	MinScore float32  `yaml:"min_score"`
}

func defaultDemoConfig() demoConfig {
	return demoConfig{
		NetworkFile:   "yolo4tiny_fp32.onnx",
		NetworkType:   "y",
		ClassCount:    detection.DefaultClassCount,
		BatchSize:     detection.DefaultMaxBatchSize,
		ConfThreshold: detection.DefaultConfidenceThreshold,
		Repeat:        1,
	}
}

// loadDemoConfig reads path over the defaults.
func loadDemoConfig(path string) (demoConfig, error) {
	cfg := defaultDemoConfig()
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "could not parse %s", path)
	}
	return cfg, nil
}

// serviceConfig maps the demo keys onto the service configuration.
func (c demoConfig) serviceConfig() (detection.Config, error) {
	variant, err := network.ParseVariant(c.NetworkType)
	if err != nil {
		return detection.Config{}, err
	}
	cfg := detection.Config{
		ModelPath:           c.NetworkFile,
		ClassCount:          c.ClassCount,
		ConfidenceThreshold: lo.ToPtr(c.ConfThreshold),
		MaxBatchSize:        c.BatchSize,
		Variant:             variant,
		LabelPath:           c.LabelFile,
		NumThreads:          c.NumThreads,
		UseCUDA:             c.UseCUDA,
	}
	return cfg, cfg.Validate()
}

// postprocessor chains the configured filters, nil when none is set.
func (c demoConfig) postprocessor() objectdetection.Postprocessor {
	var pp []objectdetection.Postprocessor
	if len(c.Classes) > 0 {
		pp = append(pp, objectdetection.NewClassFilter(c.Classes...))
	}
	if c.MinArea > 0 {
		pp = append(pp, objectdetection.NewAreaFilter(c.MinArea))
	}
	if c.MinScore > 0 {
		pp = append(pp, objectdetection.NewScoreFilter(c.MinScore))
	}
	if len(pp) == 0 {
		return nil
	}
	return objectdetection.Chain(pp...)
}
