// Package record holds one trace's samples and everything derived from them.
//
// A Record moves through Created → KDEComputed → BinEdgesComputed and ends
// in Fitted or FitFailed. Transitions return a new Record; the receiver is
// never modified, and terminal records accept no further transitions.
package record

import (
	"errors"
	"fmt"

	"github.com/banshee-data/tpm.report/internal/config"
	"github.com/banshee-data/tpm.report/internal/tpm/binning"
	"github.com/banshee-data/tpm.report/internal/tpm/fit"
	"github.com/banshee-data/tpm.report/internal/tpm/gauss"
	"github.com/banshee-data/tpm.report/internal/tpm/kde"
	"github.com/banshee-data/tpm.report/internal/tpm/modes"
)

// ErrBadTransition is returned when a transition is applied out of order.
var ErrBadTransition = errors.New("record: transition not allowed in current state")

// ErrNoSamples is the failure reason when no sample survives the RMS window.
var ErrNoSamples = errors.New("no samples within RMS bounds")

// State is a Record's position in its lifecycle.
type State int

const (
	Created State = iota
	KDEComputed
	BinEdgesComputed
	Fitted
	FitFailed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case KDEComputed:
		return "kde_computed"
	case BinEdgesComputed:
		return "bin_edges_computed"
	case Fitted:
		return "fitted"
	case FitFailed:
		return "fit_failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Fitted || s == FitFailed
}

// FailureKind classifies why a record ended in FitFailed.
type FailureKind string

const (
	InputMalformed FailureKind = "input_malformed"
	FitError    FailureKind = "fit_failed"
)

// Identity locates a trace: the batch root, the group path below it and the
// trace name.
type Identity struct {
	Root  string `json:"root" yaml:"root"`
	Group string `json:"group" yaml:"group"`
	Trace string `json:"trace" yaml:"trace"`
}

// Key is the "group/trace" form used for per-trace overrides and naming.
func (id Identity) Key() string {
	return id.Group + "/" + id.Trace
}

func (id Identity) String() string {
	return id.Root + ":" + id.Key()
}

// Record is one trace under analysis. The zero value is not usable; start
// from New.
type Record struct {
	id            Identity
	raw           []float64
	concentration float64
	minRMS        float64
	maxRMS        float64

	state     State
	kdeX      []float64
	kdeY      []float64
	edges     []float64
	intent    modes.Intent
	mode      gauss.Mode
	params    []float64
	variances []float64

	fallback    error
	failureKind FailureKind
	failure     error
}

// New creates a record in the Created state. The RMS window is taken from
// run and the samples are copied.
func New(id Identity, raw []float64, concentration float64, run config.Run) Record {
	return Record{
		id:            id,
		raw:           append([]float64(nil), raw...),
		concentration: concentration,
		minRMS:        run.MinRMS,
		maxRMS:        run.MaxRMS,
		state:         Created,
	}
}

// Filter returns the values of samples within [lo, hi], in order.
func Filter(samples []float64, lo, hi float64) []float64 {
	out := make([]float64, 0, len(samples))
	for _, v := range samples {
		if v >= lo && v <= hi {
			out = append(out, v)
		}
	}
	return out
}

// Filtered recomputes the samples inside the record's RMS window.
func (r Record) Filtered() []float64 {
	return Filter(r.raw, r.minRMS, r.maxRMS)
}

func (r Record) expect(s State, op string) error {
	if r.state != s {
		return fmt.Errorf("%w: %s requires %s, record %s is %s", ErrBadTransition, op, s, r.id, r.state)
	}
	return nil
}

func (r Record) fail(kind FailureKind, reason error) Record {
	r.state = FitFailed
	r.failureKind = kind
	r.failure = reason
	return r
}

// ComputeKDE estimates the density of the filtered samples over the RMS
// window. With no samples in the window the record fails as malformed input.
func (r Record) ComputeKDE(run config.Run) (Record, error) {
	if err := r.expect(Created, "ComputeKDE"); err != nil {
		return r, err
	}
	samples := r.Filtered()
	if len(samples) == 0 {
		return r.fail(InputMalformed, ErrNoSamples), nil
	}
	x, y, err := kde.Estimate(samples, r.minRMS, r.maxRMS, run.KDE)
	if err != nil {
		return r.fail(InputMalformed, err), nil
	}
	r.kdeX, r.kdeY = x, y
	r.state = KDEComputed
	return r, nil
}

// ComputeBinEdges derives the histogram edges, honouring a per-trace bin
// override for the record's key.
func (r Record) ComputeBinEdges(run config.Run) (Record, error) {
	if err := r.expect(KDEComputed, "ComputeBinEdges"); err != nil {
		return r, err
	}
	spec := binning.Resolve(run.Bin, run.BinOverrides, r.id.Key())
	edges, err := binning.Edges(r.Filtered(), spec)
	if err != nil {
		return r.fail(InputMalformed, err), nil
	}
	r.edges = edges
	r.state = BinEdgesComputed
	return r, nil
}

// Fit fits the Gaussian model to the histogram. Fixed centres configured for
// the record's key take precedence over mode detection.
func (r Record) Fit(run config.Run) (Record, error) {
	if err := r.expect(BinEdgesComputed, "Fit"); err != nil {
		return r, err
	}
	r.intent = r.fitIntent(run)
	hist := binning.NewHistogram(r.Filtered(), r.edges)
	out := fit.Fit(hist, r.intent, fit.Seeds{P0a: run.P0a, P0c: run.P0c, MaxIterations: run.MaxIterations})
	if out.Failed() {
		return r.fail(FitError, out.Reason), nil
	}
	r.mode = out.Mode
	r.params = out.Params
	r.variances = out.Variances
	r.fallback = out.FallbackReason
	r.state = Fitted
	return r, nil
}

func (r Record) fitIntent(run config.Run) modes.Intent {
	if centres, ok := run.CentresFor(r.id.Key()); ok {
		mode := gauss.Unimodal
		if len(centres) == 2 {
			mode = gauss.Bimodal
		}
		return modes.Intent{Mode: mode, Centres: centres}
	}
	if !run.ModeDetection {
		return modes.Intent{Mode: gauss.Unimodal}
	}
	peaks := modes.Detect(r.kdeX, r.kdeY, r.minRMS, r.maxRMS, modes.Thresholds{
		Height:      run.Height,
		Prominence:  run.Prominence,
		DistanceRMS: run.DistanceRMS,
	})
	return modes.Select(peaks)
}

// Process runs every remaining transition until the record is terminal.
func (r Record) Process(run config.Run) (Record, error) {
	steps := map[State]func(Record, config.Run) (Record, error){
		Created:          Record.ComputeKDE,
		KDEComputed:      Record.ComputeBinEdges,
		BinEdgesComputed: Record.Fit,
	}
	for !r.state.Terminal() {
		next, err := steps[r.state](r, run)
		if err != nil {
			return r, err
		}
		r = next
	}
	return r, nil
}

func (r Record) Identity() Identity     { return r.id }
func (r Record) Concentration() float64 { return r.concentration }
func (r Record) Bounds() (lo, hi float64) {
	return r.minRMS, r.maxRMS
}
func (r Record) State() State { return r.state }

// Raw returns a copy of the unfiltered samples.
func (r Record) Raw() []float64 { return append([]float64(nil), r.raw...) }

// KDE returns the density grid and values, nil before KDEComputed.
func (r Record) KDE() (x, y []float64) { return r.kdeX, r.kdeY }

// BinEdges returns the histogram edges, nil before BinEdgesComputed.
func (r Record) BinEdges() []float64 { return r.edges }

// Intent returns what the fit attempted.
func (r Record) Intent() modes.Intent { return r.intent }

// Mode returns the fitted model; zero unless Fitted. Check it before
// indexing Params.
func (r Record) Mode() gauss.Mode { return r.mode }

// Params returns the fitted parameters in (amplitude, centre, width) triples.
func (r Record) Params() []float64 { return r.params }

// Variances returns the per-parameter variances, aligned with Params.
func (r Record) Variances() []float64 { return r.variances }

// Fallback returns why a bimodal intent was fitted as unimodal, if it was.
func (r Record) Fallback() error { return r.fallback }

// Failure describes a record that ended in FitFailed.
type Failure struct {
	Identity      Identity    `json:"identity" yaml:"identity"`
	Concentration float64     `json:"concentration" yaml:"concentration"`
	Kind          FailureKind `json:"kind" yaml:"kind"`
	Reason        string      `json:"reason" yaml:"reason"`
}

// Failure returns the failure description and true when the record failed.
func (r Record) Failure() (Failure, bool) {
	if r.state != FitFailed {
		return Failure{}, false
	}
	return Failure{
		Identity:      r.id,
		Concentration: r.concentration,
		Kind:          r.failureKind,
		Reason:        r.failure.Error(),
	}, true
}

// Err returns the underlying failure reason, nil unless FitFailed.
func (r Record) Err() error { return r.failure }
