package kde

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/tpm.report/internal/config"
	"github.com/banshee-data/tpm.report/internal/testutil"
)

var allSpecs = []config.KDESpec{
	{Method: config.KDEAdaptiveVariable},
	{Method: config.KDEAdaptiveGlobal},
	{Method: config.KDEScott},
	{Method: config.KDESilverman},
	{Factor: 0.25},
}

func TestEstimate_GridShape(t *testing.T) {
	t.Parallel()

	inputs := map[string][]float64{
		"gaussian":  testutil.GaussianSamples(1, 200, 50, 5),
		"single":    {42},
		"identical": {30, 30, 30},
		"two":       {10, 90},
	}
	for _, spec := range allSpecs {
		for name, samples := range inputs {
			t.Run(spec.String()+"/"+name, func(t *testing.T) {
				x, y, err := Estimate(samples, 0, 100, spec)
				require.NoError(t, err)
				require.Len(t, x, GridSize)
				require.Len(t, y, GridSize)
				assert.Equal(t, 0.0, x[0])
				assert.Equal(t, 100.0, x[GridSize-1])
				for i := 1; i < len(x); i++ {
					require.Greater(t, x[i], x[i-1])
				}
				for _, v := range y {
					require.False(t, math.IsNaN(v) || math.IsInf(v, 0))
					require.GreaterOrEqual(t, v, 0.0)
				}
			})
		}
	}
}

func TestEstimate_IntegratesToOne(t *testing.T) {
	samples := testutil.GaussianSamples(2, 300, 50, 5)
	for _, spec := range allSpecs {
		t.Run(spec.String(), func(t *testing.T) {
			x, y, err := Estimate(samples, 0, 100, spec)
			require.NoError(t, err)
			assert.InDelta(t, 1.0, integrate.Trapezoidal(x, y), 0.02)
		})
	}
}

func TestEstimate_PeakNearMean(t *testing.T) {
	samples := testutil.GaussianSamples(3, 1000, 50, 5)
	for _, spec := range allSpecs {
		t.Run(spec.String(), func(t *testing.T) {
			x, y, err := Estimate(samples, 0, 100, spec)
			require.NoError(t, err)
			assert.InDelta(t, 50.0, x[floats.MaxIdx(y)], 3)
		})
	}
}

func TestEstimate_BimodalKeepsBothModes(t *testing.T) {
	samples := testutil.MixtureSamples(4,
		testutil.Component{N: 100, Mean: 20, Std: 3},
		testutil.Component{N: 100, Mean: 80, Std: 3},
	)
	for _, method := range []string{config.KDEAdaptiveVariable, config.KDEAdaptiveGlobal} {
		t.Run(method, func(t *testing.T) {
			x, y, err := Estimate(samples, 0, 100, config.KDESpec{Method: method})
			require.NoError(t, err)

			mid := len(x) / 2
			left := floats.MaxIdx(y[:mid])
			right := mid + floats.MaxIdx(y[mid:])
			assert.InDelta(t, 20.0, x[left], 2)
			assert.InDelta(t, 80.0, x[right], 2)
			assert.Less(t, y[mid], y[left]/10)
		})
	}
}

func TestEstimate_Errors(t *testing.T) {
	_, _, err := Estimate(nil, 0, 100, config.KDESpec{Method: config.KDEScott})
	assert.True(t, errors.Is(err, ErrNoSamples))

	_, _, err = Estimate([]float64{1, 2}, 5, 5, config.KDESpec{Method: config.KDEScott})
	assert.Error(t, err)

	_, _, err = Estimate([]float64{1, 2}, 0, 5, config.KDESpec{Method: "tophat"})
	assert.Error(t, err)

	_, _, err = Estimate([]float64{1, 2}, 0, 5, config.KDESpec{Factor: -1})
	assert.Error(t, err)
}

func TestBandwidth_Rules(t *testing.T) {
	samples := testutil.GaussianSamples(5, 400, 50, 5)
	n := float64(len(samples))
	std := stat.StdDev(samples, nil)

	tests := []struct {
		spec config.KDESpec
		want float64
	}{
		{config.KDESpec{Method: config.KDEScott}, math.Pow(n, -0.2) * std},
		{config.KDESpec{Method: config.KDESilverman}, math.Pow(n*0.75, -0.2) * std},
		{config.KDESpec{Factor: 0.5}, 0.5 * std},
	}
	for _, tt := range tests {
		t.Run(tt.spec.String(), func(t *testing.T) {
			h, err := Bandwidth(samples, 0, 100, tt.spec)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, h, 1e-12)
		})
	}
}

func TestBandwidth_Shimazaki(t *testing.T) {
	samples := testutil.GaussianSamples(6, 500, 50, 5)
	h, err := Bandwidth(samples, 0, 100, config.KDESpec{Method: config.KDEAdaptiveGlobal})
	require.NoError(t, err)
	assert.Greater(t, h, 0.5)
	assert.Less(t, h, 5.0)
}

func TestBandwidth_DegenerateFallsBack(t *testing.T) {
	h, err := Bandwidth([]float64{7, 7, 7}, 0, 100, config.KDESpec{Method: config.KDEAdaptiveGlobal})
	require.NoError(t, err)
	assert.InDelta(t, 0.1, h, 1e-12)
}

func TestSmooth_PreservesMass(t *testing.T) {
	y := make([]float64, 200)
	y[100] = 1
	out := smooth(y, 5)
	require.Len(t, out, 200)
	assert.InDelta(t, 1.0, floats.Sum(out), 1e-9)
	assert.Equal(t, 100, floats.MaxIdx(out))
	assert.InDelta(t, out[95], out[105], 1e-12)
}

func TestLogexpInverse(t *testing.T) {
	for _, w := range []float64{0.01, 0.5, 3, 40, 150} {
		assert.InDelta(t, w, logexp(ilogexp(w)), 1e-9*math.Max(1, w))
	}
}
