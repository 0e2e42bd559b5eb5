package inject

import (
	"context"

	"go.tkdetect.dev/tkdetect/network"
	"go.tkdetect.dev/tkdetect/rimage"
)

// Network is an injected detection network.
type Network struct {
	network.Network
	UpdateFunc        func(ctx context.Context, frames []rimage.Frame) error
	BatchDetectedFunc func(i int) []network.Record
	ClassNamesFunc    func() []string
	DrawFunc          func(frames []rimage.Frame) error
	CloseFunc         func() error
}

// Update calls the injected Update or the real variant.
func (n *Network) Update(ctx context.Context, frames []rimage.Frame) error {
	if n.UpdateFunc == nil {
		return n.Network.Update(ctx, frames)
	}
	return n.UpdateFunc(ctx, frames)
}

// BatchDetected calls the injected BatchDetected or the real variant.
func (n *Network) BatchDetected(i int) []network.Record {
	if n.BatchDetectedFunc == nil {
		return n.Network.BatchDetected(i)
	}
	return n.BatchDetectedFunc(i)
}

// ClassNames calls the injected ClassNames or the real variant.
func (n *Network) ClassNames() []string {
	if n.ClassNamesFunc == nil {
		return n.Network.ClassNames()
	}
	return n.ClassNamesFunc()
}

// Draw calls the injected Draw or the real variant.
func (n *Network) Draw(frames []rimage.Frame) error {
	if n.DrawFunc == nil {
		return n.Network.Draw(frames)
	}
	return n.DrawFunc(frames)
}

// Close calls the injected Close or the real variant.
func (n *Network) Close() error {
	if n.CloseFunc == nil {
		if n.Network == nil {
			return nil
		}
		return n.Network.Close()
	}
	return n.CloseFunc()
}
