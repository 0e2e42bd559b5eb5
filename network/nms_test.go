package network

import (
	"testing"

	"go.viam.com/test"
)

func TestIoU(t *testing.T) {
	a := Record{X: 0, Y: 0, W: 10, H: 10}
	test.That(t, IoU(a, a), test.ShouldAlmostEqual, 1)
	test.That(t, IoU(a, Record{X: 5, Y: 0, W: 10, H: 10}), test.ShouldAlmostEqual, 50.0/150.0, 1e-6)
	test.That(t, IoU(a, Record{X: 10, Y: 10, W: 5, H: 5}), test.ShouldEqual, 0)
	test.That(t, IoU(Record{}, Record{}), test.ShouldEqual, 0)
}

func TestSuppressPerClass(t *testing.T) {
	records := []Record{
		{Class: 0, X: 1, Y: 0, W: 10, H: 10, Prob: 0.6},
		{Class: 0, X: 0, Y: 0, W: 10, H: 10, Prob: 0.9},
		{Class: 1, X: 0, Y: 0, W: 10, H: 10, Prob: 0.7},
		{Class: 0, X: 50, Y: 50, W: 10, H: 10, Prob: 0.5},
	}
	kept := SuppressPerClass(records, 0.45)
	test.That(t, kept, test.ShouldResemble, []Record{records[1], records[2], records[3]})
	test.That(t, records[0].Prob, test.ShouldEqual, float32(0.6))

	test.That(t, SuppressPerClass(nil, 0.5), test.ShouldBeEmpty)
}

func TestAboveThreshold(t *testing.T) {
	records := []Record{{Prob: 0.2}, {Prob: 0.3}, {Prob: 0.9}}
	test.That(t, AboveThreshold(records, 0.3), test.ShouldResemble, records[1:])
}
