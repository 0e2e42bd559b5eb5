package objectdetection

// Postprocessor defines a function that filters/modifies on an incoming array of Detections.
type Postprocessor func([]Detection) []Detection

// NewAreaFilter returns a function that filters out detections below a certain area.
func NewAreaFilter(area float32) Postprocessor {
	return func(in []Detection) []Detection {
		out := make([]Detection, 0, len(in))
		for _, d := range in {
			if d.Box.Area() >= area {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewScoreFilter returns a function that filters out detections below a certain confidence.
func NewScoreFilter(conf float32) Postprocessor {
	return func(in []Detection) []Detection {
		out := make([]Detection, 0, len(in))
		for _, d := range in {
			if d.Probability >= conf {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewClassFilter returns a function that keeps only detections whose class name is listed.
func NewClassFilter(names ...string) Postprocessor {
	keep := make(map[string]struct{}, len(names))
	for _, n := range names {
		keep[n] = struct{}{}
	}
	return func(in []Detection) []Detection {
		out := make([]Detection, 0, len(in))
		for _, d := range in {
			if _, ok := keep[d.ClassName]; ok {
				out = append(out, d)
			}
		}
		return out
	}
}

// Chain applies the postprocessors in order.
func Chain(pp ...Postprocessor) Postprocessor {
	return func(in []Detection) []Detection {
		for _, p := range pp {
			in = p(in)
		}
		return in
	}
}
