package kde

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// adaptiveDensity evaluates a variable-bandwidth Gaussian KDE. Each sample's
// kernel width follows Abramson's square-root law: the pilot bandwidth h is
// scaled by sqrt(g/f(x_i)), where f is the fixed-bandwidth pilot density and
// g its geometric mean over the samples.
func adaptiveDensity(samples, grid []float64, h float64) []float64 {
	pilot := density(samples, samples, h)
	g := stat.GeometricMean(pilot, nil)

	widths := make([]float64, len(samples))
	for i, f := range pilot {
		widths[i] = h * math.Sqrt(g/f)
	}

	out := make([]float64, len(grid))
	n := float64(len(samples))
	for i, t := range grid {
		var sum float64
		for j, s := range samples {
			d := (t - s) / widths[j]
			sum += math.Exp(-0.5*d*d) / widths[j]
		}
		out[i] = sum * invSqrt2Pi / n
	}
	return out
}
