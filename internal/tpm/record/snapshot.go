package record

import (
	"fmt"

	"github.com/banshee-data/tpm.report/internal/tpm/gauss"
	"github.com/banshee-data/tpm.report/internal/tpm/kde"
)

// Snapshot is the persisted form of a fitted record.
type Snapshot struct {
	Identity      Identity   `json:"identity" yaml:"identity"`
	Concentration float64    `json:"concentration" yaml:"concentration"`
	MinRMS        float64    `json:"min_rms" yaml:"min_rms"`
	MaxRMS        float64    `json:"max_rms" yaml:"max_rms"`
	Samples       []float64  `json:"samples" yaml:"samples"`
	KDEX          []float64  `json:"kde_x" yaml:"kde_x"`
	KDEY          []float64  `json:"kde_y" yaml:"kde_y"`
	BinEdges      []float64  `json:"bin_edges" yaml:"bin_edges"`
	Mode          gauss.Mode `json:"mode" yaml:"mode"`
	Params        []float64  `json:"params" yaml:"params"`
	Variances     []float64  `json:"variances" yaml:"variances"`
}

// Snapshot exports a fitted record. It fails for any other state.
func (r Record) Snapshot() (Snapshot, error) {
	if r.state != Fitted {
		return Snapshot{}, fmt.Errorf("%w: snapshot of %s record %s", ErrBadTransition, r.state, r.id)
	}
	return Snapshot{
		Identity:      r.id,
		Concentration: r.concentration,
		MinRMS:        r.minRMS,
		MaxRMS:        r.maxRMS,
		Samples:       append([]float64(nil), r.raw...),
		KDEX:          append([]float64(nil), r.kdeX...),
		KDEY:          append([]float64(nil), r.kdeY...),
		BinEdges:      append([]float64(nil), r.edges...),
		Mode:          r.mode,
		Params:        append([]float64(nil), r.params...),
		Variances:     append([]float64(nil), r.variances...),
	}, nil
}

// Restore rebuilds a fitted record from a snapshot after checking that its
// fields are consistent.
func Restore(s Snapshot) (Record, error) {
	if !(s.MinRMS < s.MaxRMS) {
		return Record{}, fmt.Errorf("restore %s: min_rms %g not below max_rms %g", s.Identity, s.MinRMS, s.MaxRMS)
	}
	if len(s.KDEX) != kde.GridSize || len(s.KDEY) != kde.GridSize {
		return Record{}, fmt.Errorf("restore %s: kde has %d/%d points, want %d", s.Identity, len(s.KDEX), len(s.KDEY), kde.GridSize)
	}
	if len(s.BinEdges) < 2 {
		return Record{}, fmt.Errorf("restore %s: need at least 2 bin edges", s.Identity)
	}
	if s.Mode != gauss.Unimodal && s.Mode != gauss.Bimodal {
		return Record{}, fmt.Errorf("restore %s: invalid mode %d", s.Identity, int(s.Mode))
	}
	if len(s.Params) != s.Mode.NumParams() || len(s.Variances) != len(s.Params) {
		return Record{}, fmt.Errorf("restore %s: %s fit with %d params and %d variances", s.Identity, s.Mode, len(s.Params), len(s.Variances))
	}
	return Record{
		id:            s.Identity,
		raw:           append([]float64(nil), s.Samples...),
		concentration: s.Concentration,
		minRMS:        s.MinRMS,
		maxRMS:        s.MaxRMS,
		state:         Fitted,
		kdeX:          append([]float64(nil), s.KDEX...),
		kdeY:          append([]float64(nil), s.KDEY...),
		edges:         append([]float64(nil), s.BinEdges...),
		mode:          s.Mode,
		params:        append([]float64(nil), s.Params...),
		variances:     append([]float64(nil), s.Variances...),
	}, nil
}
