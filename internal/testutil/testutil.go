// Package testutil provides shared test utilities and fixtures.
//
// This package centralises the synthetic trace generators used across the
// analysis packages so that every test draws from the same reproducible
// distributions.
package testutil

import (
	"math/rand/v2"
	"testing"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// NewRand returns a deterministic generator for the given seed.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// GaussianSamples draws n samples from N(mean, std²).
func GaussianSamples(seed uint64, n int, mean, std float64) []float64 {
	r := NewRand(seed)
	out := make([]float64, n)
	for i := range out {
		out[i] = mean + std*r.NormFloat64()
	}
	return out
}

// Component describes one Gaussian population of a synthetic trace.
type Component struct {
	N    int
	Mean float64
	Std  float64
}

// MixtureSamples concatenates the samples of each component, drawn from a
// single generator so that the result depends only on seed and components.
func MixtureSamples(seed uint64, comps ...Component) []float64 {
	r := NewRand(seed)
	var out []float64
	for _, c := range comps {
		for i := 0; i < c.N; i++ {
			out = append(out, c.Mean+c.Std*r.NormFloat64())
		}
	}
	return out
}
