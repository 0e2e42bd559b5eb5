package rimage

import (
	"image"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// NewImageFromFile decodes the image at path.
func NewImageFromFile(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "could not decode image %q", path)
	}
	return img, nil
}

// NewFrameFromFile decodes the image at path into a BGR frame that owns its buffer.
func NewFrameFromFile(path string) (Frame, error) {
	img, err := NewImageFromFile(path)
	if err != nil {
		return Frame{}, err
	}
	return FrameFromImage(img, BGR), nil
}

// WriteImageToFile encodes img to path, picking the format from the file extension.
func WriteImageToFile(path string, img image.Image) error {
	if err := imaging.Save(img, path); err != nil {
		return errors.Wrapf(err, "could not write image %q", path)
	}
	return nil
}
