package kde

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// Golden-section search settings for the Shimazaki–Shinomoto cost.
const (
	searchTol      = 1e-5
	searchMaxSteps = 20
)

// shimazakiBandwidth picks the kernel bandwidth that minimises the
// Shimazaki–Shinomoto estimate of the integrated squared error. The search
// runs on a fine histogram of the samples over [lo, hi], smoothed in the
// frequency domain, with the bandwidth parameterised as log(1+exp(c)).
func shimazakiBandwidth(samples []float64, lo, hi float64) (float64, bool) {
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	spread := sorted[len(sorted)-1] - sorted[0]
	if spread <= 0 {
		return 0, false
	}

	m := GridSize
	dt := (hi - lo) / float64(m-1)
	if gap := minPositiveGap(sorted); gap > dt {
		m = int(math.Min(math.Ceil((hi-lo)/gap), GridSize))
		if m < 2 {
			m = 2
		}
		dt = (hi - lo) / float64(m-1)
	}

	yHist := make([]float64, m)
	var n float64
	for _, s := range sorted {
		if s < lo || s > hi {
			continue
		}
		i := int(math.Floor((s-lo)/dt + 0.5))
		if i >= m {
			i = m - 1
		}
		yHist[i]++
		n++
	}
	if n == 0 {
		return 0, false
	}
	floats.Scale(1/(n*dt), yHist)

	cost := func(c float64) float64 {
		return shimazakiCost(yHist, n, logexp(c), dt)
	}

	phi := (math.Sqrt(5) + 1) / 2
	a := ilogexp(2 * dt)
	b := ilogexp(spread)
	c1 := (phi-1)*a + (2-phi)*b
	c2 := (2-phi)*a + (phi-1)*b
	f1, f2 := cost(c1), cost(c2)

	best := c1
	if f2 < f1 {
		best = c2
	}
	for k := 0; math.Abs(b-a) > searchTol*(math.Abs(c1)+math.Abs(c2)) && k < searchMaxSteps; k++ {
		if f1 < f2 {
			b, c2 = c2, c1
			c1 = (phi-1)*a + (2-phi)*b
			f2 = f1
			f1 = cost(c1)
			best = c1
		} else {
			a, c1 = c1, c2
			c2 = (2-phi)*a + (phi-1)*b
			f1 = f2
			f2 = cost(c2)
			best = c2
		}
	}

	w := logexp(best)
	if math.IsNaN(w) || math.IsInf(w, 0) || w <= 0 {
		return 0, false
	}
	return w, true
}

// shimazakiCost is the cost of bandwidth w for the normalised histogram
// yHist of n samples with bin width dt.
func shimazakiCost(yHist []float64, n, w, dt float64) float64 {
	yh := smooth(yHist, w/dt)
	var sq, cross float64
	for i, v := range yh {
		sq += v * v
		cross += v * yHist[i]
	}
	c := sq*dt - 2*cross*dt + 2/math.Sqrt(2*math.Pi)/w/n
	return c * n * n
}

// smooth convolves y with a Gaussian of standard deviation w samples using a
// zero-padded real FFT.
func smooth(y []float64, w float64) []float64 {
	size := 1
	for float64(size) < float64(len(y))+3*w {
		size <<= 1
	}
	buf := make([]float64, size)
	copy(buf, y)

	fft := fourier.NewFFT(size)
	coeff := fft.Coefficients(nil, buf)
	for k := range coeff {
		f := w * 2 * math.Pi * float64(k) / float64(size)
		coeff[k] *= complex(math.Exp(-0.5*f*f), 0)
	}
	out := fft.Sequence(nil, coeff)[:len(y)]
	floats.Scale(1/float64(size), out)
	return out
}

func minPositiveGap(sorted []float64) float64 {
	gap := math.Inf(1)
	for i := 1; i < len(sorted); i++ {
		if d := sorted[i] - sorted[i-1]; d > 0 && d < gap {
			gap = d
		}
	}
	return gap
}

func logexp(x float64) float64 {
	if x < 1e2 {
		return math.Log1p(math.Exp(x))
	}
	return x
}

func ilogexp(x float64) float64 {
	if x < 1e2 {
		return math.Log(math.Expm1(x))
	}
	return x
}
