package network

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// COCO80 is the class table of networks trained on the 80 COCO detection categories.
var COCO80 = []string{
	"person", "bicycle", "car", "motorbike", "aeroplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat", "dog",
	"horse", "sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack", "umbrella",
	"handbag", "tie", "suitcase", "frisbee", "skis", "snowboard", "sports ball", "kite",
	"baseball bat", "baseball glove", "skateboard", "surfboard", "tennis racket", "bottle",
	"wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple", "sandwich", "orange",
	"broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair", "sofa", "pottedplant",
	"bed", "diningtable", "toilet", "tvmonitor", "laptop", "mouse", "remote", "keyboard",
	"cell phone", "microwave", "oven", "toaster", "sink", "refrigerator", "book", "clock", "vase",
	"scissors", "teddy bear", "hair drier", "toothbrush",
}

// BackgroundClassName labels the implicit class 0 of SSD style networks.
const BackgroundClassName = "background"

// LabelPathFor returns the labels file used for a model when none is configured.
func LabelPathFor(modelPath string) string {
	return modelPath + ".names"
}

// ReadLabels reads one class name per line, skipping blank lines.
func ReadLabels(path string) ([]string, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		//nolint:errcheck
		f.Close()
	}()
	var labels []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			labels = append(labels, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "could not read labels from %s", path)
	}
	return labels, nil
}

// ClassNames builds the class table for cfg. An explicit LabelPath must exist; otherwise the
// labels file next to the model is used when present, then the COCO names for 80 classes, then
// the class indices.
func ClassNames(cfg Config) ([]string, error) {
	path := cfg.LabelPath
	if path == "" {
		path = LabelPathFor(cfg.ModelPath)
	}
	labels, err := ReadLabels(path)
	switch {
	case err == nil:
		if len(labels) < cfg.ClassCount {
			return nil, errors.Errorf("labels file %s has %d names for %d classes", path, len(labels), cfg.ClassCount)
		}
		return labels[:cfg.ClassCount], nil
	case cfg.LabelPath != "" || !os.IsNotExist(err):
		return nil, errors.Wrap(err, "could not load class names")
	case cfg.ClassCount == len(COCO80):
		return append([]string(nil), COCO80...), nil
	default:
		return lo.Times(cfg.ClassCount, strconv.Itoa), nil
	}
}

// WithBackground prefixes names with the background class.
func WithBackground(names []string) []string {
	return append([]string{BackgroundClassName}, names...)
}
