package detection

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrModelNotFound means the configured model artifact does not exist.
	ErrModelNotFound = errors.New("model artifact not found")
	// ErrBatchTooLarge means a call carried more images than the service's max batch size.
	ErrBatchTooLarge = errors.New("batch exceeds max batch size")
	// ErrClassIndexOutOfRange means the network reported a class id outside its class table.
	ErrClassIndexOutOfRange = errors.New("class index out of range")
	// ErrServiceBusy means another call holds the network.
	ErrServiceBusy = errors.New("detection service is busy")
	// ErrInferenceFailed means the network failed to process a batch.
	ErrInferenceFailed = errors.New("inference failed")
	// ErrServiceClosed is returned by calls made after Close.
	ErrServiceClosed = errors.New("detection service is closed")
	// ErrInvalidConfig means Config.Validate rejected the configuration.
	ErrInvalidConfig = errors.New("invalid detection config")
)

// ClassIndexOutOfRangeError identifies the detection whose class id has no name.
type ClassIndexOutOfRangeError struct {
	Image      int
	Detection  int
	Class      int
	ClassCount int
}

func (e *ClassIndexOutOfRangeError) Error() string {
	return fmt.Sprintf("%s: image %d detection %d has class %d, network has %d classes",
		ErrClassIndexOutOfRange, e.Image, e.Detection, e.Class, e.ClassCount)
}

// Is matches ErrClassIndexOutOfRange.
func (e *ClassIndexOutOfRangeError) Is(target error) bool {
	return target == ErrClassIndexOutOfRange
}

// InferenceFailedError carries the network's error.
type InferenceFailedError struct {
	Err error
}

func (e *InferenceFailedError) Error() string {
	return fmt.Sprintf("%s: %v", ErrInferenceFailed, e.Err)
}

// Unwrap returns the network's error.
func (e *InferenceFailedError) Unwrap() error {
	return e.Err
}

// Is matches ErrInferenceFailed.
func (e *InferenceFailedError) Is(target error) bool {
	return target == ErrInferenceFailed
}

// busyError is ErrServiceBusy caused by an abandoned wait.
type busyError struct {
	cause error
}

func (e *busyError) Error() string {
	return fmt.Sprintf("%s: %v", ErrServiceBusy, e.cause)
}

func (e *busyError) Unwrap() error {
	return e.cause
}

func (e *busyError) Is(target error) bool {
	return target == ErrServiceBusy
}
