// Package summary aggregates fitted records across traces: per-concentration
// mean centres with error bars, and a concentration × RMS 2D histogram.
package summary

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/montanaflynn/stats"

	"github.com/banshee-data/tpm.report/internal/config"
	"github.com/banshee-data/tpm.report/internal/tpm/binning"
	"github.com/banshee-data/tpm.report/internal/tpm/gauss"
	"github.com/banshee-data/tpm.report/internal/tpm/record"
)

// ErrNoRecords is returned when there is nothing to aggregate.
var ErrNoRecords = errors.New("summary: no fitted records")

// singleWidth is the x bin width used when only one concentration exists.
const singleWidth = 50.0

// Point is the aggregated centre of all unimodal fits at one concentration.
type Point struct {
	Concentration float64 `json:"concentration"`
	Mean          float64 `json:"mean"`
	Error         float64 `json:"error"`
	Traces        int     `json:"traces"`
}

// ErrorBars returns one point per concentration, ordered by concentration.
// The error combines each trace's distribution variance (variance of the
// fitted centre times its sample count) as sqrt(Σvar)/n. Concentrations with
// any bimodal fit are skipped.
func ErrorBars(records []record.Record) []Point {
	groups := byConcentration(records)
	out := make([]Point, 0, len(groups))
	for _, conc := range sortedKeys(groups) {
		recs := groups[conc]
		centres := make([]float64, 0, len(recs))
		variances := make([]float64, 0, len(recs))
		bimodal := false
		for _, r := range recs {
			if r.Mode() != gauss.Unimodal {
				bimodal = true
				break
			}
			centres = append(centres, r.Params()[1])
			variances = append(variances, r.Variances()[1]*float64(len(r.Filtered())))
		}
		if bimodal {
			continue
		}
		mean, err := stats.Mean(centres)
		if err != nil {
			continue
		}
		sum, _ := stats.Sum(variances)
		n := float64(len(recs))
		out = append(out, Point{
			Concentration: conc,
			Mean:          mean,
			Error:         math.Sqrt(sum / (n * n)),
			Traces:        len(recs),
		})
	}
	return out
}

// Normalisation selects how 2D histogram columns are scaled.
type Normalisation string

const (
	// Area scales each trace to unit area, then averages traces per
	// concentration.
	Area Normalisation = "area"
	// Amplitude scales each trace to a peak of 1, sums traces per
	// concentration, then rescales the column to a peak of 1.
	Amplitude Normalisation = "amplitude"
)

// Column is the histogram of all traces at one concentration. Empty bins
// are NaN.
type Column struct {
	Concentration float64
	XLo, XHi      float64
	Values        []float64
	Traces        int
}

// Histogram2D is a set of columns sharing the same RMS bin edges.
type Histogram2D struct {
	YEdges  []float64
	Columns []Column
	Max     float64
}

// NewHistogram2D bins every record's filtered samples on shared RMS edges
// derived from all samples together.
func NewHistogram2D(records []record.Record, bin config.BinSpec, norm Normalisation) (Histogram2D, error) {
	if len(records) == 0 {
		return Histogram2D{}, ErrNoRecords
	}
	if norm != Area && norm != Amplitude {
		return Histogram2D{}, fmt.Errorf("unknown normalisation %q", norm)
	}

	var all []float64
	for _, r := range records {
		all = append(all, r.Filtered()...)
	}
	yEdges, err := binning.EdgesWithin(all, bin, binning.CrossTraceCandidates)
	if err != nil {
		return Histogram2D{}, err
	}

	groups := byConcentration(records)
	concs := sortedKeys(groups)
	width := XBinWidth(concs) / 2

	h := Histogram2D{YEdges: yEdges}
	for _, conc := range concs {
		recs := groups[conc]
		col := Column{
			Concentration: conc,
			XLo:           conc - width/2,
			XHi:           conc + width/2,
			Values:        make([]float64, len(yEdges)-1),
			Traces:        len(recs),
		}
		for _, r := range recs {
			counts := binning.Counts(r.Filtered(), yEdges)
			scaled := normalise(counts, yEdges, width, norm)
			for i, v := range scaled {
				if norm == Area {
					v /= float64(len(recs))
				}
				col.Values[i] += v
			}
		}
		if norm == Amplitude {
			if peak := floatsMax(col.Values); peak > 0 {
				for i := range col.Values {
					col.Values[i] /= peak
				}
			}
		}
		for i, v := range col.Values {
			if v == 0 {
				col.Values[i] = math.NaN()
			}
		}
		if m := nanMax(col.Values); m > h.Max {
			h.Max = m
		}
		h.Columns = append(h.Columns, col)
	}
	return h, nil
}

// XBinWidth returns the smallest gap between distinct concentrations, or
// 50 when there is at most one. Columns are drawn half this wide so that
// neighbours never touch.
func XBinWidth(concentrations []float64) float64 {
	sorted := append([]float64(nil), concentrations...)
	sort.Float64s(sorted)
	width := math.Inf(1)
	for i := 1; i < len(sorted); i++ {
		if gap := sorted[i] - sorted[i-1]; gap > 0 && gap < width {
			width = gap
		}
	}
	if math.IsInf(width, 1) {
		return singleWidth
	}
	return width
}

func normalise(counts, edges []float64, xWidth float64, norm Normalisation) []float64 {
	out := make([]float64, len(counts))
	switch norm {
	case Area:
		total, _ := stats.Sum(counts)
		if total == 0 {
			return out
		}
		for i, c := range counts {
			out[i] = c / (total * xWidth * (edges[i+1] - edges[i]))
		}
	case Amplitude:
		peak := floatsMax(counts)
		if peak == 0 {
			return out
		}
		for i, c := range counts {
			out[i] = c / peak
		}
	}
	return out
}

func floatsMax(xs []float64) float64 {
	m, err := stats.Max(xs)
	if err != nil {
		return 0
	}
	return m
}

func nanMax(xs []float64) float64 {
	m := 0.0
	for _, v := range xs {
		if !math.IsNaN(v) && v > m {
			m = v
		}
	}
	return m
}

func byConcentration(records []record.Record) map[float64][]record.Record {
	out := make(map[float64][]record.Record)
	for _, r := range records {
		if r.State() != record.Fitted {
			continue
		}
		out[r.Concentration()] = append(out[r.Concentration()], r)
	}
	return out
}

func sortedKeys(m map[float64][]record.Record) []float64 {
	keys := make([]float64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Float64s(keys)
	return keys
}
