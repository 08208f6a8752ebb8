package aggregate

import (
	"math"
	"slices"
)

// nearestRank returns the p-th percentile of sorted using the nearest-rank
// method. sorted must be ascending and non-empty.
func nearestRank(sorted []float64, p float64) float64 {
	n := len(sorted)
	rank := int(math.Ceil(p / 100 * float64(n)))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}

func percentiles(samples []float64) LatencyStats {
	if len(samples) == 0 {
		return LatencyStats{}
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	return LatencyStats{
		P50:     nearestRank(sorted, 50),
		P95:     nearestRank(sorted, 95),
		P99:     nearestRank(sorted, 99),
		Mean:    mean(sorted),
		Max:     sorted[len(sorted)-1],
		Samples: len(sorted),
	}
}
