package fit

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tpm.report/internal/config"
	"github.com/banshee-data/tpm.report/internal/testutil"
	"github.com/banshee-data/tpm.report/internal/tpm/binning"
	"github.com/banshee-data/tpm.report/internal/tpm/gauss"
	"github.com/banshee-data/tpm.report/internal/tpm/modes"
)

var defaultSeeds = Seeds{P0a: config.DefaultP0a, P0c: config.DefaultP0c, MaxIterations: config.DefaultMaxIterations}

func histogram(t *testing.T, samples []float64, bins int) binning.Histogram {
	t.Helper()
	edges, err := binning.Edges(samples, config.BinSpec{Count: bins})
	require.NoError(t, err)
	return binning.NewHistogram(samples, edges)
}

func TestLeastSquares_ExactData(t *testing.T) {
	want := []float64{12, 40, 4}
	x, y := gauss.Curve(want, 20, 60, 41)

	r, err := LeastSquares(x, y, []float64{10, 38, 6}, 200)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, r.Params, 1e-6)
	require.Len(t, r.Variances, 3)
	for _, v := range r.Variances {
		assert.InDelta(t, 0, v, 1e-9)
	}
}

func TestLeastSquares_NegativeWidthReportedPositive(t *testing.T) {
	x, y := gauss.Curve([]float64{5, 0, 2}, -8, 8, 33)
	r, err := LeastSquares(x, y, []float64{4, 0.5, -3}, 200)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, r.Params[2], 1e-6)
}

func TestLeastSquares_Errors(t *testing.T) {
	t.Run("underdetermined", func(t *testing.T) {
		_, err := LeastSquares([]float64{1, 2, 3}, []float64{1, 2, 1}, []float64{2, 2, 1}, 200)
		assert.True(t, errors.Is(err, ErrUnderdetermined))
	})
	t.Run("bad layout", func(t *testing.T) {
		_, err := LeastSquares([]float64{1, 2, 3}, []float64{1, 2, 1}, []float64{2, 2}, 200)
		assert.Error(t, err)
	})
	t.Run("iteration cap", func(t *testing.T) {
		x, y := gauss.Curve([]float64{30, 50, 5}, 0, 100, 101)
		_, err := LeastSquares(x, y, []float64{30, 30, 6}, 1)
		assert.True(t, errors.Is(err, ErrNotConverged))
	})
	t.Run("singular", func(t *testing.T) {
		x := []float64{50, 50, 50, 50, 50}
		y := []float64{1, 1, 1, 1, 1}
		_, err := LeastSquares(x, y, []float64{30, 50, 6}, 200)
		assert.True(t, errors.Is(err, ErrSingular), "got %v", err)
	})
	t.Run("non-finite seed", func(t *testing.T) {
		x, y := gauss.Curve([]float64{30, 50, 5}, 0, 100, 11)
		_, err := LeastSquares(x, y, []float64{30, math.NaN(), 6}, 200)
		assert.True(t, errors.Is(err, ErrNonFinite))
	})
}

func TestFit_UnimodalDefaultSeed(t *testing.T) {
	h := histogram(t, testutil.GaussianSamples(31, 200, 50, 5), 30)

	out := Fit(h, modes.Intent{Mode: gauss.Unimodal}, defaultSeeds)
	require.False(t, out.Failed(), "reason: %v", out.Reason)
	assert.Equal(t, gauss.Unimodal, out.Mode)
	require.Len(t, out.Params, 3)
	require.Len(t, out.Variances, 3)
	assert.InDelta(t, 50.0, out.Params[1], 2)
	assert.InDelta(t, 5.0, out.Params[2], 1.5)
	for _, v := range out.Variances {
		assert.Greater(t, v, 0.0)
	}
}

func TestFit_Bimodal(t *testing.T) {
	samples := testutil.MixtureSamples(32,
		testutil.Component{N: 100, Mean: 20, Std: 3},
		testutil.Component{N: 100, Mean: 80, Std: 3},
	)
	h := histogram(t, samples, 50)

	out := Fit(h, modes.Intent{Mode: gauss.Bimodal, Centres: []float64{21, 79}}, defaultSeeds)
	require.False(t, out.Failed(), "reason: %v", out.Reason)
	assert.Equal(t, gauss.Bimodal, out.Mode)
	require.Len(t, out.Params, 6)
	require.Len(t, out.Variances, 6)
	assert.InDelta(t, 20.0, out.Params[1], 2)
	assert.InDelta(t, 80.0, out.Params[4], 2)
	assert.NoError(t, out.FallbackReason)
}

func TestFit_BimodalFallsBackWithTooFewBins(t *testing.T) {
	h := histogram(t, testutil.GaussianSamples(33, 200, 50, 5), 5)

	out := Fit(h, modes.Intent{Mode: gauss.Bimodal, Centres: []float64{45, 55}}, defaultSeeds)
	require.False(t, out.Failed(), "reason: %v", out.Reason)
	assert.Equal(t, gauss.Unimodal, out.Mode)
	assert.Len(t, out.Params, 3)
	assert.Len(t, out.Variances, 3)
	assert.True(t, errors.Is(out.FallbackReason, ErrUnderdetermined))
}

func TestFit_PeakHintRetriesFromFullestBin(t *testing.T) {
	h := histogram(t, testutil.GaussianSamples(34, 200, 50, 5), 25)

	out := Fit(h, modes.Intent{Mode: gauss.Unimodal, Centres: []float64{math.NaN()}}, defaultSeeds)
	require.False(t, out.Failed(), "reason: %v", out.Reason)
	assert.Equal(t, gauss.Unimodal, out.Mode)
	assert.InDelta(t, 50.0, out.Params[1], 2)
}

func TestFit_Failed(t *testing.T) {
	t.Run("too few bins for any model", func(t *testing.T) {
		h := histogram(t, []float64{1, 2, 2, 3}, 3)
		out := Fit(h, modes.Intent{Mode: gauss.Unimodal}, defaultSeeds)
		require.True(t, out.Failed())
		assert.True(t, errors.Is(out.Reason, ErrUnderdetermined))
		assert.Nil(t, out.Params)
		assert.Nil(t, out.Variances)
	})
	t.Run("empty histogram", func(t *testing.T) {
		out := Fit(binning.Histogram{}, modes.Intent{Mode: gauss.Unimodal}, defaultSeeds)
		assert.True(t, out.Failed())
	})
	t.Run("bimodal fallback also fails", func(t *testing.T) {
		h := histogram(t, []float64{1, 2, 2, 3}, 2)
		out := Fit(h, modes.Intent{Mode: gauss.Bimodal, Centres: []float64{1, 3}}, defaultSeeds)
		assert.True(t, out.Failed())
		assert.NoError(t, out.FallbackReason)
	})
}
