// Package binning derives histogram bin edges for RMS samples and counts
// samples into them.
//
// Named rules reproduce numpy's histogram_bin_edges; "ss" runs the
// Shimazaki–Shinomoto search for the bin count.
package binning

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/tpm.report/internal/config"
)

// ErrNoSamples is returned when edges are requested for an empty sample set.
var ErrNoSamples = errors.New("binning: no samples")

// ErrTooManyBins is returned when a named rule's width would need more than
// MaxBins bins over the sample range.
var ErrTooManyBins = errors.New("binning: too many bins")

// MaxBins caps the bin count a named rule may produce.
const MaxBins = 100000

// Candidates is an inclusive range of bin counts searched by the "ss" rule.
type Candidates struct {
	Min, Max int
}

var (
	// TraceCandidates is used for per-trace histograms.
	TraceCandidates = Candidates{Min: 20, Max: 99}
	// CrossTraceCandidates is used for the concentration-by-RMS histogram.
	CrossTraceCandidates = Candidates{Min: 20, Max: 200}
)

// Resolve returns the override for key when present, otherwise def.
func Resolve(def config.BinSpec, overrides map[string]config.BinSpec, key string) config.BinSpec {
	if spec, ok := overrides[key]; ok {
		return spec
	}
	return def
}

// Edges computes bin edges for samples under spec, using TraceCandidates for
// the "ss" rule.
func Edges(samples []float64, spec config.BinSpec) ([]float64, error) {
	return EdgesWithin(samples, spec, TraceCandidates)
}

// EdgesWithin is Edges with an explicit candidate range for the "ss" rule.
func EdgesWithin(samples []float64, spec config.BinSpec, cands Candidates) ([]float64, error) {
	if len(spec.Edges) > 0 {
		for i := 1; i < len(spec.Edges); i++ {
			if !(spec.Edges[i] > spec.Edges[i-1]) {
				return nil, fmt.Errorf("binning: explicit edges must be strictly increasing")
			}
		}
		if len(spec.Edges) < 2 {
			return nil, fmt.Errorf("binning: explicit edges need at least 2 entries")
		}
		return append([]float64(nil), spec.Edges...), nil
	}
	if len(samples) == 0 {
		return nil, ErrNoSamples
	}

	lo, hi := outerEdges(samples)
	if spec.Count != 0 {
		if spec.Count < 1 {
			return nil, fmt.Errorf("binning: bin count must be at least 1, got %d", spec.Count)
		}
		return linspace(lo, hi, spec.Count), nil
	}

	var n int
	switch spec.Method {
	case config.BinAdaptive:
		n = OptimalCount(samples, cands)
	default:
		rule, ok := rules[spec.Method]
		if !ok {
			return nil, fmt.Errorf("binning: unknown method %q", spec.Method)
		}
		n = 1
		if width := rule(samples); width > 0 {
			bins := math.Ceil((hi - lo) / width)
			if bins > MaxBins {
				return nil, fmt.Errorf("%w: %q asks for %.3g bins", ErrTooManyBins, spec.Method, bins)
			}
			n = int(bins)
		}
	}
	return linspace(lo, hi, n), nil
}

// outerEdges returns the sample range, widened to one unit around the value
// when every sample is equal.
func outerEdges(samples []float64) (lo, hi float64) {
	lo, hi = floats.Min(samples), floats.Max(samples)
	if lo == hi {
		lo -= 0.5
		hi += 0.5
	}
	return lo, hi
}

func linspace(lo, hi float64, bins int) []float64 {
	edges := floats.Span(make([]float64, bins+1), lo, hi)
	edges[bins] = hi
	return edges
}

// Counts bins samples into edges. Every bin is half-open except the last,
// which also holds samples equal to the final edge. Samples outside the
// edges are ignored.
func Counts(samples, edges []float64) []float64 {
	if len(edges) < 2 {
		return nil
	}
	counts := make([]float64, len(edges)-1)
	last := edges[len(edges)-1]
	for _, v := range samples {
		if v < edges[0] || v > last || math.IsNaN(v) {
			continue
		}
		if v == last {
			counts[len(counts)-1]++
			continue
		}
		i := sort.Search(len(edges), func(i int) bool { return edges[i] > v }) - 1
		counts[i]++
	}
	return counts
}

// Centres returns the midpoint of each bin.
func Centres(edges []float64) []float64 {
	if len(edges) < 2 {
		return nil
	}
	out := make([]float64, len(edges)-1)
	for i := range out {
		out[i] = (edges[i] + edges[i+1]) / 2
	}
	return out
}

// Histogram is a binned sample set.
type Histogram struct {
	Edges   []float64
	Centres []float64
	Counts  []float64
}

// NewHistogram bins samples into edges.
func NewHistogram(samples, edges []float64) Histogram {
	return Histogram{
		Edges:   append([]float64(nil), edges...),
		Centres: Centres(edges),
		Counts:  Counts(samples, edges),
	}
}

// MaxBinCentre returns the centre of the first bin holding the largest count.
func (h Histogram) MaxBinCentre() float64 {
	if len(h.Counts) == 0 {
		return math.NaN()
	}
	return h.Centres[floats.MaxIdx(h.Counts)]
}
