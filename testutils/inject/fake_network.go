package inject

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"go.tkdetect.dev/tkdetect/network"
	"go.tkdetect.dev/tkdetect/rimage"
)

// ErrFakeUpdate is returned by FakeNetwork.Update once SetFailOnUpdate is enabled.
var ErrFakeUpdate = errors.New("fake network update failure")

// FakeNetwork is a deterministic network: frame i of every batch yields the records returned by
// Detect for that frame. It records every call and notices overlapping calls.
type FakeNetwork struct {
	// Detect computes the records of one frame. Nil yields no records.
	Detect func(i int, f rimage.Frame) []network.Record
	Names  []string
	// Hold, when set, blocks Update after it has been entered until it is closed or receives.
	Hold chan struct{}
	// Entered receives once per Update after the call has started.
	Entered chan struct{}

	mu           sync.Mutex
	batch        [][]network.Record
	updates      int
	draws        int
	closed       int
	active       int
	overlapped   bool
	failOnUpdate bool
	batchSizes   []int
}

// SetFailOnUpdate makes Update fail.
func (f *FakeNetwork) SetFailOnUpdate(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOnUpdate = fail
}

func (f *FakeNetwork) enter() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active++
	if f.active > 1 {
		f.overlapped = true
	}
}

func (f *FakeNetwork) leave() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active--
}

// Update implements network.Network.
func (f *FakeNetwork) Update(ctx context.Context, frames []rimage.Frame) error {
	f.enter()
	defer f.leave()
	if f.Entered != nil {
		f.Entered <- struct{}{}
	}
	if f.Hold != nil {
		<-f.Hold
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	f.batchSizes = append(f.batchSizes, len(frames))
	if f.failOnUpdate {
		f.batch = nil
		return ErrFakeUpdate
	}
	f.batch = make([][]network.Record, len(frames))
	for i, frame := range frames {
		if f.Detect != nil {
			f.batch[i] = f.Detect(i, frame)
		}
	}
	return nil
}

// BatchDetected implements network.Network.
func (f *FakeNetwork) BatchDetected(i int) []network.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 || i >= len(f.batch) {
		return nil
	}
	return f.batch[i]
}

// ClassNames implements network.Network.
func (f *FakeNetwork) ClassNames() []string {
	return f.Names
}

// Draw implements network.Network. It marks the first byte of each frame it draws.
func (f *FakeNetwork) Draw(frames []rimage.Frame) error {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.draws++
	if len(frames) > len(f.batch) {
		return errors.Errorf("cannot draw %d frames, last batch had %d", len(frames), len(f.batch))
	}
	for _, frame := range frames {
		if pix := frame.Pix(); len(pix) > 0 {
			pix[0] = 0xff
		}
	}
	return nil
}

// Close implements network.Network.
func (f *FakeNetwork) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

// Updates returns the number of Update calls.
func (f *FakeNetwork) Updates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates
}

// BatchSizes returns the frame count of every Update call in order.
func (f *FakeNetwork) BatchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.batchSizes...)
}

// Draws returns the number of Draw calls.
func (f *FakeNetwork) Draws() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.draws
}

// Closed returns the number of Close calls.
func (f *FakeNetwork) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Overlapped reports whether two calls were ever in flight at once.
func (f *FakeNetwork) Overlapped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overlapped
}
