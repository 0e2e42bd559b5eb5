// Package detection implements the batched object detection service. A Service owns one
// detection network, checks every batch against its max batch size and reshapes the network's
// raw records into per-image detections.
package detection

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"golang.org/x/sync/semaphore"

	"go.tkdetect.dev/tkdetect/logging"
	"go.tkdetect.dev/tkdetect/network"
	"go.tkdetect.dev/tkdetect/rimage"
	"go.tkdetect.dev/tkdetect/vision/objectdetection"

	// register the network variants.
	_ "go.tkdetect.dev/tkdetect/network/centernet"
	_ "go.tkdetect.dev/tkdetect/network/mobilenet"
	_ "go.tkdetect.dev/tkdetect/network/yolo"
)

// BatchResult holds the detections of each image of a batch, in input order.
type BatchResult [][]objectdetection.Detection

// NetworkFactory builds the network a Service owns.
type NetworkFactory func(ctx context.Context, v network.Variant, cfg network.Config, logger logging.Logger) (network.Network, error)

type options struct {
	logger         logging.Logger
	factory        NetworkFactory
	rejectWhenBusy bool
	clock          clock.Clock
	postprocess    objectdetection.Postprocessor
}

// Option configures NewService.
type Option func(*options)

// WithLogger sets the service logger.
func WithLogger(logger logging.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithNetworkFactory replaces the registered network constructors.
func WithNetworkFactory(factory NetworkFactory) Option {
	return func(o *options) {
		o.factory = factory
	}
}

// WithRejectWhenBusy makes calls fail with ErrServiceBusy instead of waiting for the call in
// progress.
func WithRejectWhenBusy() Option {
	return func(o *options) {
		o.rejectWhenBusy = true
	}
}

// WithPostprocessor filters the detections of every image before Infer returns them. Draw still
// overlays everything the network detected.
func WithPostprocessor(pp objectdetection.Postprocessor) Option {
	return func(o *options) {
		o.postprocess = pp
	}
}

// WithClock sets the clock used for latency accounting.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// Service runs batches through a detection network. One Infer or Draw runs at a time.
type Service struct {
	cfg            Config
	net            network.Network
	names          []string
	logger         logging.Logger
	clock          clock.Clock
	rejectWhenBusy bool
	postprocess    objectdetection.Postprocessor

	// sem guards net, closed and lastBatch.
	sem       *semaphore.Weighted
	closed    bool
	lastBatch int

	statsMu sync.Mutex
	stats   latencyWindow
}

// NewService validates cfg, checks that the model artifact exists and builds the network. The
// network is not built when the model is missing.
func NewService(ctx context.Context, cfg Config, opts ...Option) (*Service, error) {
	ctx, span := trace.StartSpan(ctx, "detection::NewService")
	defer span.End()

	o := options{factory: network.New, clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.Global().Sublogger("detection")
	}

	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, errors.Wrapf(ErrModelNotFound, "%s: %v", cfg.ModelPath, err)
	}

	net, err := o.factory(ctx, cfg.Variant, cfg.networkConfig(), o.logger.Sublogger("network"))
	if err != nil {
		return nil, errors.Wrapf(err, "could not build %s network", cfg.Variant)
	}
	names := append([]string(nil), net.ClassNames()...)
	o.logger.Infow("detection service ready",
		"variant", cfg.Variant.String(), "model", cfg.ModelPath, "classes", len(names), "max_batch", cfg.MaxBatchSize)

	return &Service{
		cfg:            cfg,
		net:            net,
		names:          names,
		logger:         o.logger,
		clock:          o.clock,
		rejectWhenBusy: o.rejectWhenBusy,
		postprocess:    o.postprocess,
		sem:            semaphore.NewWeighted(1),
		stats:          newLatencyWindow(statsWindow),
	}, nil
}

// Config returns the configuration with defaults applied.
func (s *Service) Config() Config {
	return s.cfg
}

// ClassNames returns the network's class table.
func (s *Service) ClassNames() []string {
	return s.names
}

func (s *Service) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.rejectWhenBusy {
		if !s.sem.TryAcquire(1) {
			return ErrServiceBusy
		}
		return nil
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return &busyError{cause: err}
	}
	return nil
}

// Infer runs images through the network as one batch. The frames are only read while Infer
// runs. The result has one entry per image; nothing is returned on error.
func (s *Service) Infer(ctx context.Context, images []rimage.Frame) (BatchResult, error) {
	ctx, span := trace.StartSpan(ctx, "detection::Infer")
	defer span.End()

	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)
	if s.closed {
		return nil, ErrServiceClosed
	}

	if len(images) > s.cfg.MaxBatchSize {
		s.logger.Debugw("rejecting batch", "images", len(images), "max_batch", s.cfg.MaxBatchSize)
		return nil, errors.Wrapf(ErrBatchTooLarge, "got %d images, max %d", len(images), s.cfg.MaxBatchSize)
	}
	s.lastBatch = 0
	if len(images) == 0 {
		return BatchResult{}, nil
	}

	id := uuid.New()
	start := s.clock.Now()
	if err := s.net.Update(ctx, images); err != nil {
		s.recordFailure()
		s.logger.Debugw("inference failed", "request", id, "images", len(images), "error", err)
		return nil, &InferenceFailedError{Err: err}
	}

	result := make(BatchResult, len(images))
	for i := range images {
		records := s.net.BatchDetected(i)
		dets := make([]objectdetection.Detection, 0, len(records))
		for j, r := range records {
			if r.Class < 0 || r.Class >= len(s.names) {
				return nil, &ClassIndexOutOfRangeError{Image: i, Detection: j, Class: r.Class, ClassCount: len(s.names)}
			}
			var dist []float32
			if r.Probs != nil {
				dist = append(make([]float32, 0, len(r.Probs)), r.Probs...)
			}
			dets = append(dets, objectdetection.Detection{
				ClassID:      r.Class,
				ClassName:    s.names[r.Class],
				Box:          objectdetection.BoundingBox{X: r.X, Y: r.Y, Width: r.W, Height: r.H},
				Probability:  r.Prob,
				Distribution: dist,
			})
		}
		if s.postprocess != nil {
			if dets = s.postprocess(dets); dets == nil {
				dets = []objectdetection.Detection{}
			}
		}
		result[i] = dets
	}
	s.lastBatch = len(images)

	elapsed := s.clock.Since(start)
	s.recordLatency(elapsed)
	s.logger.Debugw("inference done", "request", id, "images", len(images), "latency", elapsed)
	return result, nil
}

// Draw overlays the detections of the last Infer onto images in place, image i receiving the
// detections of input i. It fails with ErrBatchTooLarge for more images than that batch held.
func (s *Service) Draw(ctx context.Context, images []rimage.Frame) error {
	ctx, span := trace.StartSpan(ctx, "detection::Draw")
	defer span.End()

	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.sem.Release(1)
	if s.closed {
		return ErrServiceClosed
	}
	if len(images) > s.lastBatch {
		return errors.Wrapf(ErrBatchTooLarge, "got %d images to draw, last batch had %d", len(images), s.lastBatch)
	}
	if err := s.net.Draw(images); err != nil {
		return errors.Wrap(err, "could not draw detections")
	}
	return nil
}

// Close waits for the call in progress and releases the network. Calling Close again is a no-op.
func (s *Service) Close() error {
	if err := s.sem.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer s.sem.Release(1)
	if s.closed {
		return nil
	}
	s.closed = true
	return s.net.Close()
}

// Stats summarises the calls made so far.
func (s *Service) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats.summary()
}

func (s *Service) recordLatency(d time.Duration) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats.add(d)
}

func (s *Service) recordFailure() {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats.failures++
}
