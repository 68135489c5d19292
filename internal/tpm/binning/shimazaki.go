package binning

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// shifts is the number of grid offsets the bin cost is averaged over.
const shifts = 30

// OptimalCount returns the bin count in cands that minimises the
// Shimazaki–Shinomoto cost (2k̄ − v)/Δ², averaged over shifted bin grids.
// Ties resolve to the smallest count.
func OptimalCount(samples []float64, cands Candidates) int {
	lo, hi := floats.Min(samples), floats.Max(samples)
	if lo == hi || cands.Max < cands.Min {
		return max(cands.Min, 1)
	}

	best, bestCost := cands.Min, math.Inf(1)
	for n := cands.Min; n <= cands.Max; n++ {
		if c := binCost(samples, lo, hi, n); c < bestCost {
			best, bestCost = n, c
		}
	}
	return best
}

func binCost(samples []float64, lo, hi float64, n int) float64 {
	d := (hi - lo) / float64(n)
	offsets := floats.Span(make([]float64, shifts), 0, d)
	edges := make([]float64, n+1)

	var total float64
	for _, s := range offsets {
		floats.Span(edges, lo+s-d/2, hi+s-d/2)
		counts := Counts(samples, edges)
		k := floats.Sum(counts) / float64(n)
		var v float64
		for _, c := range counts {
			v += (c - k) * (c - k)
		}
		v /= float64(n)
		total += (2*k - v) / (d * d)
	}
	return total / shifts
}
