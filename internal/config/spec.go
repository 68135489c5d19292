package config

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"gopkg.in/yaml.v3"
)

// KDE method names accepted by data_param.kde. A numeric value is also
// accepted and is used as a bandwidth factor on the sample standard deviation.
const (
	KDEAdaptiveVariable = "ssv"
	KDEAdaptiveGlobal   = "ss"
	KDEScott            = "scott"
	KDESilverman        = "silverman"
)

// BinAdaptive selects the Shimazaki–Shinomoto bin-count search. All other
// accepted names are the numpy histogram_bin_edges rules.
const BinAdaptive = "ss"

// KDEMethods lists the named KDE methods.
var KDEMethods = []string{KDEAdaptiveVariable, KDEAdaptiveGlobal, KDEScott, KDESilverman}

// BinMethods lists the named binning rules.
var BinMethods = []string{BinAdaptive, "auto", "fd", "doane", "scott", "stone", "rice", "sturges", "sqrt"}

// KDESpec selects the kernel density method: a named rule or, when Method is
// empty, a fixed bandwidth factor.
type KDESpec struct {
	Method string
	Factor float64
}

// String renders the spec the way it appears in configuration files.
func (k KDESpec) String() string {
	if k.Method != "" {
		return k.Method
	}
	return strconv.FormatFloat(k.Factor, 'g', -1, 64)
}

// UnmarshalJSON accepts a method name or a number.
func (k *KDESpec) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*k = KDESpec{Method: s}
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("kde must be a method name or a bandwidth factor: %s", data)
	}
	*k = KDESpec{Factor: f}
	return nil
}

// MarshalJSON writes the method name or the factor.
func (k KDESpec) MarshalJSON() ([]byte, error) {
	if k.Method != "" {
		return json.Marshal(k.Method)
	}
	return json.Marshal(k.Factor)
}

// UnmarshalYAML accepts a method name or a number.
func (k *KDESpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: kde must be a scalar", node.Line)
	}
	switch node.ShortTag() {
	case "!!int", "!!float":
		var f float64
		if err := node.Decode(&f); err != nil {
			return err
		}
		*k = KDESpec{Factor: f}
	default:
		*k = KDESpec{Method: node.Value}
	}
	return nil
}

// MarshalYAML writes the method name or the factor.
func (k KDESpec) MarshalYAML() (interface{}, error) {
	if k.Method != "" {
		return k.Method, nil
	}
	return k.Factor, nil
}

// BinSpec selects how histogram bin edges are computed. Exactly one form is
// active: a rule name, a fixed bin count, or explicit edges.
type BinSpec struct {
	Method string
	Count  int
	Edges  []float64
}

// IsZero reports whether no form is set.
func (b BinSpec) IsZero() bool {
	return b.Method == "" && b.Count == 0 && len(b.Edges) == 0
}

// String renders the spec for logs.
func (b BinSpec) String() string {
	switch {
	case b.Method != "":
		return b.Method
	case len(b.Edges) > 0:
		return fmt.Sprintf("%d explicit edges", len(b.Edges))
	default:
		return strconv.Itoa(b.Count) + " bins"
	}
}

func binCount(f float64) (int, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("bin count must be an integer, got %v", f)
	}
	return int(f), nil
}

// UnmarshalJSON accepts a rule name, an integer count or an array of edges.
func (b *BinSpec) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*b = BinSpec{Method: s}
		return nil
	}
	var edges []float64
	if err := json.Unmarshal(data, &edges); err == nil {
		*b = BinSpec{Edges: edges}
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("bin must be a method name, a bin count or a list of edges: %s", data)
	}
	n, err := binCount(f)
	if err != nil {
		return err
	}
	*b = BinSpec{Count: n}
	return nil
}

// MarshalJSON writes whichever form is active.
func (b BinSpec) MarshalJSON() ([]byte, error) {
	switch {
	case b.Method != "":
		return json.Marshal(b.Method)
	case len(b.Edges) > 0:
		return json.Marshal(b.Edges)
	default:
		return json.Marshal(b.Count)
	}
}

// UnmarshalYAML accepts a rule name, an integer count or a sequence of edges.
func (b *BinSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var edges []float64
		if err := node.Decode(&edges); err != nil {
			return err
		}
		*b = BinSpec{Edges: edges}
	case yaml.ScalarNode:
		switch node.ShortTag() {
		case "!!int", "!!float":
			var f float64
			if err := node.Decode(&f); err != nil {
				return err
			}
			n, err := binCount(f)
			if err != nil {
				return fmt.Errorf("line %d: %w", node.Line, err)
			}
			*b = BinSpec{Count: n}
		default:
			*b = BinSpec{Method: node.Value}
		}
	default:
		return fmt.Errorf("line %d: bin must be a method name, a bin count or a list of edges", node.Line)
	}
	return nil
}

// MarshalYAML writes whichever form is active.
func (b BinSpec) MarshalYAML() (interface{}, error) {
	switch {
	case b.Method != "":
		return b.Method, nil
	case len(b.Edges) > 0:
		return b.Edges, nil
	default:
		return b.Count, nil
	}
}

func (b BinSpec) validate(field string) error {
	set := 0
	if b.Method != "" {
		set++
		if !contains(BinMethods, b.Method) {
			return fmt.Errorf("%w: %s: unknown bin method %q", ErrInvalid, field, b.Method)
		}
	}
	if b.Count != 0 {
		set++
		if b.Count < 1 {
			return fmt.Errorf("%w: %s: bin count must be at least 1, got %d", ErrInvalid, field, b.Count)
		}
	}
	if len(b.Edges) > 0 {
		set++
		if len(b.Edges) < 2 {
			return fmt.Errorf("%w: %s: explicit edges need at least 2 entries", ErrInvalid, field)
		}
		for i := 1; i < len(b.Edges); i++ {
			if !(b.Edges[i] > b.Edges[i-1]) {
				return fmt.Errorf("%w: %s: explicit edges must be strictly increasing", ErrInvalid, field)
			}
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: %s: exactly one of method, count or edges must be set", ErrInvalid, field)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
