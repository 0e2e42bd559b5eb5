package network

import (
	"sort"

	"github.com/samber/lo"
)

// IoU returns the intersection over union of two records' boxes.
func IoU(a, b Record) float32 {
	xMin := max(a.X, b.X)
	yMin := max(a.Y, b.Y)
	xMax := min(a.X+a.W, b.X+b.W)
	yMax := min(a.Y+a.H, b.Y+b.H)
	if xMax <= xMin || yMax <= yMin {
		return 0
	}
	inter := (xMax - xMin) * (yMax - yMin)
	union := a.W*a.H + b.W*b.H - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// SuppressPerClass keeps, for every class, the highest scoring records whose boxes overlap a kept
// box by no more than iouThreshold. The result is sorted by descending probability.
func SuppressPerClass(records []Record, iouThreshold float32) []Record {
	sorted := append([]Record(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Prob > sorted[j].Prob })

	kept := make([]Record, 0, len(sorted))
	suppressed := make([]bool, len(sorted))
	for i, r := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, r)
		for j := i + 1; j < len(sorted); j++ {
			if suppressed[j] || sorted[j].Class != r.Class {
				continue
			}
			if IoU(r, sorted[j]) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

// AboveThreshold keeps records with a probability of at least threshold.
func AboveThreshold(records []Record, threshold float32) []Record {
	return lo.Filter(records, func(r Record, _ int) bool { return r.Prob >= threshold })
}
