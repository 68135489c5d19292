// Package gauss implements the one- and two-component Gaussian models that
// are fitted to RMS histograms and drawn over them.
//
// Parameters are laid out as (amplitude, centre, width) triples: three values
// for a unimodal model and six for a bimodal one.
package gauss

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Mode identifies which parameter layout is valid for a fit.
type Mode int

const (
	Unimodal Mode = iota + 1
	Bimodal
)

// String returns the persisted name of the mode.
func (m Mode) String() string {
	switch m {
	case Unimodal:
		return "unimodal"
	case Bimodal:
		return "bimodal"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// NumParams returns the parameter vector length for m.
func (m Mode) NumParams() int {
	return 3 * int(m)
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	if m != Unimodal && m != Bimodal {
		return nil, fmt.Errorf("invalid mode %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	mode, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// ParseMode converts a persisted mode name back to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "unimodal":
		return Unimodal, nil
	case "bimodal":
		return Bimodal, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// ModeOf returns the mode whose layout matches a parameter vector.
func ModeOf(p []float64) (Mode, error) {
	switch len(p) {
	case 3:
		return Unimodal, nil
	case 6:
		return Bimodal, nil
	}
	return 0, fmt.Errorf("parameter vector of length %d is neither unimodal nor bimodal", len(p))
}

// One evaluates a·exp(−(x−b)²/(2c²)).
func One(x, a, b, c float64) float64 {
	d := (x - b) / c
	return a * math.Exp(-0.5*d*d)
}

// Eval evaluates the model selected by len(p) at x. It panics if p is not a
// valid layout.
func Eval(x float64, p []float64) float64 {
	switch len(p) {
	case 3:
		return One(x, p[0], p[1], p[2])
	case 6:
		return One(x, p[0], p[1], p[2]) + One(x, p[3], p[4], p[5])
	}
	panic(fmt.Sprintf("gauss: bad parameter length %d", len(p)))
}

// Gradient writes ∂Eval/∂p at x into dst, which must have len(p) entries.
func Gradient(dst []float64, x float64, p []float64) {
	if len(dst) != len(p) {
		panic("gauss: gradient length mismatch")
	}
	for k := 0; k+2 < len(p); k += 3 {
		a, b, c := p[k], p[k+1], p[k+2]
		d := (x - b) / c
		e := math.Exp(-0.5 * d * d)
		dst[k] = e
		dst[k+1] = a * e * d / c
		dst[k+2] = a * e * d * d / c
	}
}

// Curve samples the model on n evenly spaced points of [lo, hi].
func Curve(p []float64, lo, hi float64, n int) (xs, ys []float64) {
	xs = floats.Span(make([]float64, n), lo, hi)
	ys = make([]float64, n)
	for i, x := range xs {
		ys[i] = Eval(x, p)
	}
	return xs, ys
}

// Centres returns the centre of each component in p.
func Centres(p []float64) []float64 {
	out := make([]float64, 0, len(p)/3)
	for k := 1; k < len(p); k += 3 {
		out = append(out, p[k])
	}
	return out
}
