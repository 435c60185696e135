package stats

import (
	"math"

	"golang.org/x/exp/slices"
)

// Summary describes a series of per-interval counts.
type Summary struct {
	Min    uint64  `json:"min"`
	Max    uint64  `json:"max"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	StdDev float64 `json:"stddev"`
}

// Summarize computes min, max, mean, median and population standard
// deviation. It sorts a copy, data is left untouched.
func Summarize(data []uint64) Summary {
	if len(data) == 0 {
		return Summary{}
	}

	sorted := slices.Clone(data)
	slices.Sort(sorted)

	var sum float64
	for _, v := range sorted {
		sum += float64(v)
	}
	mean := sum / float64(len(sorted))

	var median float64
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		median = (float64(sorted[mid-1]) + float64(sorted[mid])) / 2.0
	} else {
		median = float64(sorted[mid])
	}

	var sumOfSquares float64
	for _, v := range sorted {
		sumOfSquares += (float64(v) - mean) * (float64(v) - mean)
	}

	return Summary{
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Mean:   mean,
		Median: median,
		StdDev: math.Sqrt(sumOfSquares / float64(len(sorted))),
	}
}
