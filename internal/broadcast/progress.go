package broadcast

import "math"

// Stride is the distance between progress checkpoints for n recipients:
// max(1, round(n/5)).
func Stride(n int) int {
	s := int(math.Round(float64(n) / 5))
	if s < 1 {
		return 1
	}
	return s
}

// Percent is the progress value reported at checkpoint index i.
//
// The raw value round(i/stride*20) can reach or pass 100 for small or
// awkward counts; it is clamped to 99 so 100 is only ever implied by the
// final report.
func Percent(i, stride int) int {
	if stride < 1 {
		stride = 1
	}
	p := int(math.Round(float64(i) / float64(stride) * 20))
	switch {
	case p < 0:
		return 0
	case p > 99:
		return 99
	default:
		return p
	}
}

// Checkpoints lists the percentages a job of n recipients reports, in order.
func Checkpoints(n int) []int {
	stride := Stride(n)
	out := make([]int, 0, n/stride+1)
	for i := 0; i < n; i += stride {
		out = append(out, Percent(i, stride))
	}
	return out
}
