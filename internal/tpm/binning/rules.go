package binning

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// rules maps numpy bin rule names to a bin width estimator. A zero width
// means the rule cannot decide and a single bin is used.
var rules = map[string]func([]float64) float64{
	"auto":    autoWidth,
	"fd":      fdWidth,
	"doane":   doaneWidth,
	"scott":   scottWidth,
	"stone":   stoneWidth,
	"rice":    riceWidth,
	"sturges": sturgesWidth,
	"sqrt":    sqrtWidth,
}

func ptp(x []float64) float64 {
	return floats.Max(x) - floats.Min(x)
}

func sqrtWidth(x []float64) float64 {
	return ptp(x) / math.Sqrt(float64(len(x)))
}

func sturgesWidth(x []float64) float64 {
	return ptp(x) / (math.Log2(float64(len(x))) + 1)
}

func riceWidth(x []float64) float64 {
	return ptp(x) / (2 * math.Cbrt(float64(len(x))))
}

func scottWidth(x []float64) float64 {
	return math.Cbrt(24*math.Sqrt(math.Pi)/float64(len(x))) * stat.PopStdDev(x, nil)
}

func fdWidth(x []float64) float64 {
	sorted := append([]float64(nil), x...)
	sort.Float64s(sorted)
	iqr := percentile(sorted, 75) - percentile(sorted, 25)
	return 2 * iqr / math.Cbrt(float64(len(x)))
}

func autoWidth(x []float64) float64 {
	fd := fdWidth(x)
	sturges := sturgesWidth(x)
	if fd > 0 {
		return math.Min(fd, sturges)
	}
	return sturges
}

func doaneWidth(x []float64) float64 {
	n := float64(len(x))
	if len(x) <= 2 {
		return 0
	}
	sg1 := math.Sqrt(6 * (n - 2) / ((n + 1) * (n + 3)))
	mean, variance := stat.PopMeanVariance(x, nil)
	sigma := math.Sqrt(variance)
	if !(sigma > 0) {
		return 0
	}
	var g1 float64
	for _, v := range x {
		z := (v - mean) / sigma
		g1 += z * z * z
	}
	g1 /= n
	return ptp(x) / (1 + math.Log2(n) + math.Log2(1+math.Abs(g1)/sg1))
}

// stoneWidth minimises Stone's leave-one-out cross-validation estimate over
// 1..max(100, sqrt(n)) equal bins.
func stoneWidth(x []float64) float64 {
	n := len(x)
	width := ptp(x)
	if n <= 1 || width == 0 {
		return 0
	}
	lo, hi := outerEdges(x)
	upper := max(100, int(math.Sqrt(float64(n))))

	best, bestCost := 1, math.Inf(1)
	for bins := 1; bins <= upper; bins++ {
		h := width / float64(bins)
		var sumSq float64
		for _, c := range Counts(x, linspace(lo, hi, bins)) {
			p := c / float64(n)
			sumSq += p * p
		}
		cost := (2 - float64(n+1)*sumSq) / h
		if cost < bestCost {
			best, bestCost = bins, cost
		}
	}
	return width / float64(best)
}

// percentile interpolates linearly between closest ranks of sorted data,
// matching numpy's default method.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q / 100 * float64(len(sorted)-1)
	i := int(math.Floor(pos))
	if i >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(i)
	return sorted[i] + frac*(sorted[i+1]-sorted[i])
}
