// Package modes finds peaks in a KDE curve and turns them into a fit intent.
//
// The peak search follows scipy.signal.find_peaks: local maxima (plateaus
// report their middle sample), then a height filter, then a minimum distance
// filter that favours taller peaks, then a prominence filter.
package modes

import (
	"math"
	"sort"

	"github.com/banshee-data/tpm.report/internal/tpm/gauss"
)

// Thresholds configure the peak search. DistanceRMS is in RMS units and is
// converted to grid samples with DistanceIndex.
type Thresholds struct {
	Height      float64
	Prominence  float64
	DistanceRMS float64
}

// Peak is a detected local maximum of the density curve.
type Peak struct {
	Index  int
	X      float64
	Height float64
}

// Intent is what the fit should attempt: the model and, when known, the
// centre seed of each component.
type Intent struct {
	Mode    gauss.Mode
	Centres []float64
}

// DistanceIndex converts a distance in RMS units to a distance in samples of
// an n-point curve spanning [lo, hi].
func DistanceIndex(d, lo, hi float64, n int) float64 {
	return d / (hi - lo) * float64(n)
}

// Detect returns the peaks of y that pass th, sorted by position. x and y
// must have equal length; [lo, hi] is the domain the curve spans.
func Detect(x, y []float64, lo, hi float64, th Thresholds) []Peak {
	idx := localMaxima(y)

	kept := idx[:0]
	for _, i := range idx {
		if y[i] >= th.Height {
			kept = append(kept, i)
		}
	}
	idx = kept

	if d := DistanceIndex(th.DistanceRMS, lo, hi, len(y)); d > 1 {
		idx = selectByDistance(idx, y, int(math.Ceil(d)))
	}

	peaks := make([]Peak, 0, len(idx))
	for _, i := range idx {
		if prominence(y, i) >= th.Prominence {
			peaks = append(peaks, Peak{Index: i, X: x[i], Height: y[i]})
		}
	}
	return peaks
}

// Select maps detected peaks to a fit intent. No peak gives a unimodal intent
// without a centre seed, one peak a unimodal intent seeded at it and two
// peaks a bimodal intent. With more than two, the two tallest are used,
// tallest first.
func Select(peaks []Peak) Intent {
	switch len(peaks) {
	case 0:
		return Intent{Mode: gauss.Unimodal}
	case 1:
		return Intent{Mode: gauss.Unimodal, Centres: []float64{peaks[0].X}}
	case 2:
		return Intent{Mode: gauss.Bimodal, Centres: []float64{peaks[0].X, peaks[1].X}}
	}
	byHeight := append([]Peak(nil), peaks...)
	sort.SliceStable(byHeight, func(i, j int) bool { return byHeight[i].Height > byHeight[j].Height })
	return Intent{Mode: gauss.Bimodal, Centres: []float64{byHeight[0].X, byHeight[1].X}}
}

// localMaxima returns the indices of strict local maxima of y. A flat top
// counts once, at its middle sample (rounded down). Endpoints never qualify.
func localMaxima(y []float64) []int {
	var out []int
	last := len(y) - 1
	for i := 1; i < last; i++ {
		if !(y[i-1] < y[i]) {
			continue
		}
		ahead := i + 1
		for ahead < last && y[ahead] == y[i] {
			ahead++
		}
		if y[ahead] < y[i] {
			out = append(out, (i+ahead-1)/2)
			i = ahead
		}
	}
	return out
}

// selectByDistance drops peaks closer than distance samples to a taller
// peak. Peaks are visited tallest first; equal heights favour the later
// position.
func selectByDistance(idx []int, y []float64, distance int) []int {
	order := make([]int, len(idx))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return y[idx[order[a]]] < y[idx[order[b]]] })

	keep := make([]bool, len(idx))
	for i := range keep {
		keep[i] = true
	}
	for p := len(order) - 1; p >= 0; p-- {
		j := order[p]
		if !keep[j] {
			continue
		}
		for k := j - 1; k >= 0 && idx[j]-idx[k] < distance; k-- {
			keep[k] = false
		}
		for k := j + 1; k < len(idx) && idx[k]-idx[j] < distance; k++ {
			keep[k] = false
		}
	}

	out := idx[:0:0]
	for i, ok := range keep {
		if ok {
			out = append(out, idx[i])
		}
	}
	return out
}

// prominence is the height of peak above the higher of the two lowest points
// reachable on either side without climbing above the peak.
func prominence(y []float64, peak int) float64 {
	top := y[peak]

	leftMin := top
	for i := peak; i >= 0 && y[i] <= top; i-- {
		leftMin = math.Min(leftMin, y[i])
	}
	rightMin := top
	for i := peak; i < len(y) && y[i] <= top; i++ {
		rightMin = math.Min(rightMin, y[i])
	}
	return top - math.Max(leftMin, rightMin)
}
