// Package fit fits one- or two-component Gaussian models to RMS histograms.
//
// Fit returns an Outcome that is exactly one of unimodal, bimodal or failed.
// A bimodal attempt that fails falls back to a unimodal fit seeded at the
// most populated bin.
package fit

import (
	"fmt"

	"github.com/banshee-data/tpm.report/internal/monitoring"
	"github.com/banshee-data/tpm.report/internal/tpm/binning"
	"github.com/banshee-data/tpm.report/internal/tpm/gauss"
	"github.com/banshee-data/tpm.report/internal/tpm/modes"
)

// Seeds are the initial amplitude and width shared by every component, plus
// the iteration cap for the optimiser.
type Seeds struct {
	P0a           float64
	P0c           float64
	MaxIterations int
}

// Outcome is the result of fitting one histogram. When Reason is non-nil the
// fit failed and Mode, Params and Variances are unset.
type Outcome struct {
	Mode      gauss.Mode
	Params    []float64
	Variances []float64

	// FallbackReason records why a bimodal intent ended unimodal.
	FallbackReason error
	Reason         error
}

// Unimodal builds a successful three-parameter outcome.
func Unimodal(params, variances []float64) Outcome {
	return Outcome{Mode: gauss.Unimodal, Params: params, Variances: variances}
}

// Bimodal builds a successful six-parameter outcome.
func Bimodal(params, variances []float64) Outcome {
	return Outcome{Mode: gauss.Bimodal, Params: params, Variances: variances}
}

// Failed builds a failed outcome.
func Failed(reason error) Outcome {
	return Outcome{Reason: reason}
}

// Failed reports whether no model could be fitted.
func (o Outcome) Failed() bool {
	return o.Reason != nil
}

// Fit fits h according to intent. A bimodal intent needs two centres; a
// unimodal intent may carry one centre hint.
func Fit(h binning.Histogram, intent modes.Intent, seeds Seeds) Outcome {
	if len(h.Counts) == 0 {
		return Failed(fmt.Errorf("%w: empty histogram", ErrUnderdetermined))
	}

	switch {
	case intent.Mode == gauss.Bimodal && len(intent.Centres) == 2:
		p0 := []float64{
			seeds.P0a, intent.Centres[0], seeds.P0c,
			seeds.P0a, intent.Centres[1], seeds.P0c,
		}
		r, err := LeastSquares(h.Centres, h.Counts, p0, seeds.MaxIterations)
		if err == nil {
			return Bimodal(r.Params, r.Variances)
		}
		monitoring.Logf("bimodal fit from centres %v failed, falling back to unimodal: %v", intent.Centres, err)
		out := defaultUnimodal(h, seeds)
		if !out.Failed() {
			out.FallbackReason = err
		}
		return out

	case len(intent.Centres) == 1:
		r, err := LeastSquares(h.Centres, h.Counts, unimodalSeed(seeds, intent.Centres[0]), seeds.MaxIterations)
		if err == nil {
			return Unimodal(r.Params, r.Variances)
		}
		monitoring.Logf("unimodal fit from peak %.4g failed, retrying from the fullest bin: %v", intent.Centres[0], err)
	}
	return defaultUnimodal(h, seeds)
}

// defaultUnimodal fits a single Gaussian seeded at the centre of the first
// bin holding the largest count.
func defaultUnimodal(h binning.Histogram, seeds Seeds) Outcome {
	r, err := LeastSquares(h.Centres, h.Counts, unimodalSeed(seeds, h.MaxBinCentre()), seeds.MaxIterations)
	if err != nil {
		return Failed(err)
	}
	return Unimodal(r.Params, r.Variances)
}

func unimodalSeed(seeds Seeds, centre float64) []float64 {
	return []float64{seeds.P0a, centre, seeds.P0c}
}
