package detection

import (
	"time"

	"github.com/montanaflynn/stats"
)

// statsWindow is how many recent latencies Stats summarises.
const statsWindow = 1024

// Stats summarises a service's inference calls. Latency figures cover the most recent calls.
type Stats struct {
	Inferences int
	Failures   int
	Last       time.Duration
	Mean       time.Duration
	P50        time.Duration
	P95        time.Duration
	Max        time.Duration
}

type latencyWindow struct {
	samples  stats.Float64Data
	next     int
	size     int
	count    int
	failures int
	last     time.Duration
}

func newLatencyWindow(size int) latencyWindow {
	return latencyWindow{samples: make(stats.Float64Data, 0, size), size: size}
}

func (w *latencyWindow) add(d time.Duration) {
	w.count++
	w.last = d
	if len(w.samples) < w.size {
		w.samples = append(w.samples, float64(d))
		return
	}
	w.samples[w.next] = float64(d)
	w.next = (w.next + 1) % w.size
}

func (w *latencyWindow) summary() Stats {
	s := Stats{Inferences: w.count, Failures: w.failures, Last: w.last}
	if len(w.samples) == 0 {
		return s
	}
	// the stats functions only fail on empty input.
	mean, _ := stats.Mean(w.samples)
	p50, _ := stats.PercentileNearestRank(w.samples, 50)
	p95, _ := stats.PercentileNearestRank(w.samples, 95)
	maxLatency, _ := stats.Max(w.samples)
	s.Mean = time.Duration(mean)
	s.P50 = time.Duration(p50)
	s.P95 = time.Duration(p95)
	s.Max = time.Duration(maxLatency)
	return s
}
