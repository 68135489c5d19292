package security

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinWithin(t *testing.T) {
	tests := []struct {
		name    string
		elems   []string
		want    string
		wantErr bool
	}{
		{"nested", []string{"5nM", "trace_01.png"}, filepath.Join("run", "5nM", "trace_01.png"), false},
		{"group with slash", []string{"exp/2mM", "bead3.png"}, filepath.Join("run", "exp", "2mM", "bead3.png"), false},
		{"dot dot inside", []string{"a/../b.png"}, filepath.Join("run", "b.png"), false},
		{"escapes", []string{"..", "secret"}, "", true},
		{"escapes deep", []string{"a", "..", "..", "x"}, "", true},
		{"base itself", []string{"."}, "run", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := JoinWithin("run", tt.elems...)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSanitizeName(t *testing.T) {
	tests := map[string]string{
		"trace_01":         "trace_01",
		"trace 01 (good)":  "trace_01_good",
		"":                 "unknown",
		"...":              "unknown",
		"5nM/trace-2":      "5nM_trace-2",
		"µbead":            "bead",
		"__hidden__":       "hidden",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeName(in), "input %q", in)
	}
}
