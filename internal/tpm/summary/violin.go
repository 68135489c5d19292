package summary

import (
	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/tpm.report/internal/tpm/record"
)

// Violin is the mean KDE of every fitted trace at one concentration.
type Violin struct {
	Concentration float64
	Y             []float64
	Density       []float64
	// Width is the full horizontal extent of the violin at its peak.
	Width  float64
	Traces int
}

// Violins merges the KDEs of each concentration into one averaged curve.
// Every violin is XBinWidth wide; with scaled set, widths shrink in
// proportion to each violin's peak density relative to the tallest one.
func Violins(records []record.Record, scaled bool) ([]Violin, error) {
	groups := byConcentration(records)
	if len(groups) == 0 {
		return nil, ErrNoRecords
	}
	concs := sortedKeys(groups)
	width := XBinWidth(concs)

	out := make([]Violin, 0, len(concs))
	peak := 0.0
	for _, conc := range concs {
		recs := groups[conc]
		grid, first := recs[0].KDE()
		density := append([]float64(nil), first...)
		n := 1
		for _, r := range recs[1:] {
			_, y := r.KDE()
			if len(y) != len(density) {
				continue
			}
			floats.Add(density, y)
			n++
		}
		floats.Scale(1/float64(n), density)
		if m := floats.Max(density); m > peak {
			peak = m
		}
		out = append(out, Violin{
			Concentration: conc,
			Y:             append([]float64(nil), grid...),
			Density:       density,
			Width:         width,
			Traces:        n,
		})
	}
	if scaled && peak > 0 {
		for i := range out {
			out[i].Width = width * floats.Max(out[i].Density) / peak
		}
	}
	return out, nil
}
