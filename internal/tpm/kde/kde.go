// Package kde computes Gaussian kernel density estimates of RMS samples on a
// fixed grid spanning the run's RMS bounds.
package kde

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/tpm.report/internal/config"
)

// GridSize is the number of points every density curve is sampled on.
const GridSize = 1000

// ErrNoSamples is returned when there is nothing to estimate from.
var ErrNoSamples = errors.New("kde: no samples")

var invSqrt2Pi = 1 / math.Sqrt(2*math.Pi)

// Estimate returns the density of samples on GridSize evenly spaced points of
// [lo, hi], endpoints included. The samples are expected to be filtered to
// the same window already.
func Estimate(samples []float64, lo, hi float64, spec config.KDESpec) (x, y []float64, err error) {
	if len(samples) == 0 {
		return nil, nil, ErrNoSamples
	}
	if !(lo < hi) {
		return nil, nil, fmt.Errorf("kde: empty domain [%g, %g]", lo, hi)
	}
	x = Grid(lo, hi)

	h, err := Bandwidth(samples, lo, hi, spec)
	if err != nil {
		return nil, nil, err
	}
	if spec.Method == config.KDEAdaptiveVariable && !degenerate(samples) {
		return x, adaptiveDensity(samples, x, h), nil
	}
	return x, density(samples, x, h), nil
}

// Grid returns the evaluation points for the domain [lo, hi].
func Grid(lo, hi float64) []float64 {
	x := floats.Span(make([]float64, GridSize), lo, hi)
	x[GridSize-1] = hi
	return x
}

// Bandwidth returns the global kernel bandwidth that spec selects for
// samples. For the adaptive variable method this is the pilot bandwidth.
func Bandwidth(samples []float64, lo, hi float64, spec config.KDESpec) (float64, error) {
	if len(samples) == 0 {
		return 0, ErrNoSamples
	}
	if degenerate(samples) {
		return fallbackBandwidth(lo, hi), nil
	}

	n := float64(len(samples))
	std := stat.StdDev(samples, nil)
	switch spec.Method {
	case config.KDEAdaptiveGlobal, config.KDEAdaptiveVariable:
		h, ok := shimazakiBandwidth(samples, lo, hi)
		if !ok {
			return fallbackBandwidth(lo, hi), nil
		}
		return h, nil
	case config.KDEScott:
		return math.Pow(n, -1.0/5) * std, nil
	case config.KDESilverman:
		return math.Pow(n*3/4, -1.0/5) * std, nil
	case "":
		if !(spec.Factor > 0) {
			return 0, fmt.Errorf("kde: bandwidth factor must be positive, got %g", spec.Factor)
		}
		return spec.Factor * std, nil
	}
	return 0, fmt.Errorf("kde: unknown method %q", spec.Method)
}

// degenerate reports whether the samples have no spread to estimate a
// bandwidth from.
func degenerate(samples []float64) bool {
	if len(samples) < 2 {
		return true
	}
	return floats.Max(samples) == floats.Min(samples)
}

func fallbackBandwidth(lo, hi float64) float64 {
	return (hi - lo) / GridSize
}

// density evaluates the fixed-bandwidth Gaussian KDE at each grid point.
func density(samples, grid []float64, h float64) []float64 {
	out := make([]float64, len(grid))
	norm := invSqrt2Pi / (h * float64(len(samples)))
	for i, t := range grid {
		var sum float64
		for _, s := range samples {
			d := (t - s) / h
			sum += math.Exp(-0.5 * d * d)
		}
		out[i] = sum * norm
	}
	return out
}
