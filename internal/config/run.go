package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the path to the canonical run defaults file.
const DefaultConfigPath = "config/tpm.defaults.yaml"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid run configuration")

// Defaults applied when a key is absent.
const (
	DefaultP0a                     = 30.0
	DefaultP0c                     = 6.0
	DefaultModeDetectionHeight     = 0.01
	DefaultModeDetectionProminence = 0.01
	DefaultModeDetectionDistance   = 20.0
	DefaultMaxIterations           = 200
	DefaultOutputDir               = "output"
	DefaultPlotFormat              = "png"
)

var plotFormats = []string{"png", "svg", "pdf"}

// RunConfig is the on-disk schema of a run. The section layout mirrors the
// YAML files written by the acquisition tooling; the same document may also
// be supplied as JSON. Every field is optional at parse time and the Get*
// methods supply defaults.
type RunConfig struct {
	FileParam    *FileParam    `json:"file_param,omitempty" yaml:"file_param,omitempty"`
	DataParam    *DataParam    `json:"data_param,omitempty" yaml:"data_param,omitempty"`
	FittingParam *FittingParam `json:"fitting_param,omitempty" yaml:"fitting_param,omitempty"`
	OutputParam  *OutputParam  `json:"output_param,omitempty" yaml:"output_param,omitempty"`
}

// FileParam selects which traces a run reads.
type FileParam struct {
	RootDir       *string   `json:"root_dir,omitempty" yaml:"root_dir,omitempty"`
	Blacklist     []string  `json:"blacklist,omitempty" yaml:"blacklist,omitempty"`
	BlacklistConc []float64 `json:"blacklist_conc,omitempty" yaml:"blacklist_conc,omitempty"`
}

// DataParam controls filtering, density estimation and binning.
type DataParam struct {
	MinRMS       *float64           `json:"min_rms,omitempty" yaml:"min_rms,omitempty"`
	MaxRMS       *float64           `json:"max_rms,omitempty" yaml:"max_rms,omitempty"`
	KDE          *KDESpec           `json:"kde,omitempty" yaml:"kde,omitempty"`
	Bin          *BinSpec           `json:"bin,omitempty" yaml:"bin,omitempty"`
	BinOverrides map[string]BinSpec `json:"bin_overrides,omitempty" yaml:"bin_overrides,omitempty"`
}

// FittingParam controls mode detection and the Gaussian fit.
type FittingParam struct {
	P0a                     *float64             `json:"p0a,omitempty" yaml:"p0a,omitempty"`
	P0c                     *float64             `json:"p0c,omitempty" yaml:"p0c,omitempty"`
	P0bOverrides            map[string][]float64 `json:"p0b_overrides,omitempty" yaml:"p0b_overrides,omitempty"`
	ModeDetection           *bool                `json:"mode_detection,omitempty" yaml:"mode_detection,omitempty"`
	ModeDetectionHeight     *float64             `json:"mode_detection_height,omitempty" yaml:"mode_detection_height,omitempty"`
	ModeDetectionProminence *float64             `json:"mode_detection_prominence,omitempty" yaml:"mode_detection_prominence,omitempty"`
	ModeDetectionDistance   *float64             `json:"mode_detection_distance,omitempty" yaml:"mode_detection_distance,omitempty"`
	MaxIterations           *int                 `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
}

// OutputParam controls where and how a run is persisted.
type OutputParam struct {
	Dir        *string `json:"dir,omitempty" yaml:"dir,omitempty"`
	Database   *string `json:"database,omitempty" yaml:"database,omitempty"`
	Plots      *bool   `json:"plots,omitempty" yaml:"plots,omitempty"`
	PlotFormat *string `json:"plot_format,omitempty" yaml:"plot_format,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// NewRunConfig returns a configuration with only the RMS bounds set.
func NewRunConfig(minRMS, maxRMS float64) *RunConfig {
	return &RunConfig{
		DataParam: &DataParam{MinRMS: ptrFloat64(minRMS), MaxRMS: ptrFloat64(maxRMS)},
	}
}

// LoadRunConfig reads a run configuration from a .yaml, .yml or .json file
// and validates it.
func LoadRunConfig(path string) (*RunConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .yaml, .yml or .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := ParseRunConfig(data, ext == ".json")
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ParseRunConfig decodes a configuration document without validating it.
func ParseRunConfig(data []byte, isJSON bool) (*RunConfig, error) {
	cfg := &RunConfig{}
	if isJSON {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath.
// It searches the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *RunConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadRunConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the configuration. Every error wraps ErrInvalid.
func (c *RunConfig) Validate() error {
	if c.DataParam == nil || c.DataParam.MinRMS == nil || c.DataParam.MaxRMS == nil {
		return fmt.Errorf("%w: data_param.min_rms and data_param.max_rms are required", ErrInvalid)
	}
	lo, hi := *c.DataParam.MinRMS, *c.DataParam.MaxRMS
	if math.IsNaN(lo) || math.IsNaN(hi) || math.IsInf(lo, 0) || math.IsInf(hi, 0) {
		return fmt.Errorf("%w: rms bounds must be finite", ErrInvalid)
	}
	if lo < 0 {
		return fmt.Errorf("%w: min_rms must be non-negative, got %g", ErrInvalid, lo)
	}
	if lo >= hi {
		return fmt.Errorf("%w: min_rms (%g) must be less than max_rms (%g)", ErrInvalid, lo, hi)
	}

	kde := c.GetKDE()
	if kde.Method != "" {
		if !contains(KDEMethods, kde.Method) {
			return fmt.Errorf("%w: data_param.kde: unknown method %q", ErrInvalid, kde.Method)
		}
	} else if !(kde.Factor > 0) || math.IsInf(kde.Factor, 0) {
		return fmt.Errorf("%w: data_param.kde: bandwidth factor must be positive, got %g", ErrInvalid, kde.Factor)
	}

	if err := c.GetBin().validate("data_param.bin"); err != nil {
		return err
	}
	for key, spec := range c.DataParam.BinOverrides {
		if err := spec.validate("data_param.bin_overrides[" + key + "]"); err != nil {
			return err
		}
	}

	if c.GetP0c() == 0 {
		return fmt.Errorf("%w: fitting_param.p0c must be non-zero", ErrInvalid)
	}
	if v := c.GetModeDetectionHeight(); v < 0 {
		return fmt.Errorf("%w: mode_detection_height must be non-negative, got %g", ErrInvalid, v)
	}
	if v := c.GetModeDetectionProminence(); v < 0 {
		return fmt.Errorf("%w: mode_detection_prominence must be non-negative, got %g", ErrInvalid, v)
	}
	if v := c.GetModeDetectionDistance(); v < 0 {
		return fmt.Errorf("%w: mode_detection_distance must be non-negative, got %g", ErrInvalid, v)
	}
	if v := c.GetMaxIterations(); v < 1 {
		return fmt.Errorf("%w: max_iterations must be at least 1, got %d", ErrInvalid, v)
	}
	if c.FittingParam != nil {
		for key, centres := range c.FittingParam.P0bOverrides {
			if len(centres) != 1 && len(centres) != 2 {
				return fmt.Errorf("%w: p0b_overrides[%s]: want 1 or 2 centres, got %d", ErrInvalid, key, len(centres))
			}
		}
	}
	if f := c.GetPlotFormat(); !contains(plotFormats, f) {
		return fmt.Errorf("%w: output_param.plot_format must be one of %v, got %q", ErrInvalid, plotFormats, f)
	}
	return nil
}

// GetRootDir returns file_param.root_dir or "".
func (c *RunConfig) GetRootDir() string {
	if c.FileParam == nil || c.FileParam.RootDir == nil {
		return ""
	}
	return *c.FileParam.RootDir
}

// GetKDE returns data_param.kde or the adaptive variable-bandwidth default.
func (c *RunConfig) GetKDE() KDESpec {
	if c.DataParam == nil || c.DataParam.KDE == nil {
		return KDESpec{Method: KDEAdaptiveVariable}
	}
	return *c.DataParam.KDE
}

// GetBin returns data_param.bin or the adaptive bin-count default.
func (c *RunConfig) GetBin() BinSpec {
	if c.DataParam == nil || c.DataParam.Bin == nil {
		return BinSpec{Method: BinAdaptive}
	}
	return *c.DataParam.Bin
}

// GetP0a returns the amplitude seed.
func (c *RunConfig) GetP0a() float64 {
	if c.FittingParam == nil || c.FittingParam.P0a == nil {
		return DefaultP0a
	}
	return *c.FittingParam.P0a
}

// GetP0c returns the width seed.
func (c *RunConfig) GetP0c() float64 {
	if c.FittingParam == nil || c.FittingParam.P0c == nil {
		return DefaultP0c
	}
	return *c.FittingParam.P0c
}

// GetModeDetection reports whether peak search drives the fit intent.
func (c *RunConfig) GetModeDetection() bool {
	if c.FittingParam == nil || c.FittingParam.ModeDetection == nil {
		return false
	}
	return *c.FittingParam.ModeDetection
}

// GetModeDetectionHeight returns the minimum KDE peak height.
func (c *RunConfig) GetModeDetectionHeight() float64 {
	if c.FittingParam == nil || c.FittingParam.ModeDetectionHeight == nil {
		return DefaultModeDetectionHeight
	}
	return *c.FittingParam.ModeDetectionHeight
}

// GetModeDetectionProminence returns the minimum KDE peak prominence.
func (c *RunConfig) GetModeDetectionProminence() float64 {
	if c.FittingParam == nil || c.FittingParam.ModeDetectionProminence == nil {
		return DefaultModeDetectionProminence
	}
	return *c.FittingParam.ModeDetectionProminence
}

// GetModeDetectionDistance returns the minimum peak separation in RMS units.
func (c *RunConfig) GetModeDetectionDistance() float64 {
	if c.FittingParam == nil || c.FittingParam.ModeDetectionDistance == nil {
		return DefaultModeDetectionDistance
	}
	return *c.FittingParam.ModeDetectionDistance
}

// GetMaxIterations returns the fit iteration cap.
func (c *RunConfig) GetMaxIterations() int {
	if c.FittingParam == nil || c.FittingParam.MaxIterations == nil {
		return DefaultMaxIterations
	}
	return *c.FittingParam.MaxIterations
}

// GetOutputDir returns output_param.dir or the default.
func (c *RunConfig) GetOutputDir() string {
	if c.OutputParam == nil || c.OutputParam.Dir == nil || *c.OutputParam.Dir == "" {
		return DefaultOutputDir
	}
	return *c.OutputParam.Dir
}

// GetDatabase returns the SQLite path or "" when the store is disabled.
func (c *RunConfig) GetDatabase() string {
	if c.OutputParam == nil || c.OutputParam.Database == nil {
		return ""
	}
	return *c.OutputParam.Database
}

// GetPlots reports whether diagnostic plots are rendered.
func (c *RunConfig) GetPlots() bool {
	if c.OutputParam == nil || c.OutputParam.Plots == nil {
		return false
	}
	return *c.OutputParam.Plots
}

// GetPlotFormat returns the image format for plots.
func (c *RunConfig) GetPlotFormat() string {
	if c.OutputParam == nil || c.OutputParam.PlotFormat == nil || *c.OutputParam.PlotFormat == "" {
		return DefaultPlotFormat
	}
	return *c.OutputParam.PlotFormat
}

// Run is the resolved, immutable configuration handed to every stage of a
// run. It is a value type; maps and slices are private copies.
type Run struct {
	RootDir       string
	Blacklist     []string
	BlacklistConc []float64

	MinRMS       float64
	MaxRMS       float64
	KDE          KDESpec
	Bin          BinSpec
	BinOverrides map[string]BinSpec

	P0a           float64
	P0c           float64
	P0bOverrides  map[string][]float64
	ModeDetection bool
	Height        float64
	Prominence    float64
	DistanceRMS   float64
	MaxIterations int

	OutputDir  string
	Database   string
	Plots      bool
	PlotFormat string
}

// Resolve validates the configuration and applies defaults.
func (c *RunConfig) Resolve() (Run, error) {
	if err := c.Validate(); err != nil {
		return Run{}, err
	}
	r := Run{
		RootDir:       c.GetRootDir(),
		MinRMS:        *c.DataParam.MinRMS,
		MaxRMS:        *c.DataParam.MaxRMS,
		KDE:           c.GetKDE(),
		Bin:           copyBin(c.GetBin()),
		P0a:           c.GetP0a(),
		P0c:           c.GetP0c(),
		ModeDetection: c.GetModeDetection(),
		Height:        c.GetModeDetectionHeight(),
		Prominence:    c.GetModeDetectionProminence(),
		DistanceRMS:   c.GetModeDetectionDistance(),
		MaxIterations: c.GetMaxIterations(),
		OutputDir:     c.GetOutputDir(),
		Database:      c.GetDatabase(),
		Plots:         c.GetPlots(),
		PlotFormat:    c.GetPlotFormat(),
	}
	if c.FileParam != nil {
		r.Blacklist = append([]string(nil), c.FileParam.Blacklist...)
		r.BlacklistConc = append([]float64(nil), c.FileParam.BlacklistConc...)
	}
	if len(c.DataParam.BinOverrides) > 0 {
		r.BinOverrides = make(map[string]BinSpec, len(c.DataParam.BinOverrides))
		for k, v := range c.DataParam.BinOverrides {
			r.BinOverrides[k] = copyBin(v)
		}
	}
	if c.FittingParam != nil && len(c.FittingParam.P0bOverrides) > 0 {
		r.P0bOverrides = make(map[string][]float64, len(c.FittingParam.P0bOverrides))
		for k, v := range c.FittingParam.P0bOverrides {
			r.P0bOverrides[k] = append([]float64(nil), v...)
		}
	}
	return r, nil
}

// Config returns the fully populated file schema for r, used to echo the
// effective configuration next to a run's results.
func (r Run) Config() *RunConfig {
	kde := r.KDE
	bin := copyBin(r.Bin)
	c := &RunConfig{
		FileParam: &FileParam{
			RootDir:       ptrString(r.RootDir),
			Blacklist:     append([]string(nil), r.Blacklist...),
			BlacklistConc: append([]float64(nil), r.BlacklistConc...),
		},
		DataParam: &DataParam{
			MinRMS: ptrFloat64(r.MinRMS),
			MaxRMS: ptrFloat64(r.MaxRMS),
			KDE:    &kde,
			Bin:    &bin,
		},
		FittingParam: &FittingParam{
			P0a:                     ptrFloat64(r.P0a),
			P0c:                     ptrFloat64(r.P0c),
			ModeDetection:           ptrBool(r.ModeDetection),
			ModeDetectionHeight:     ptrFloat64(r.Height),
			ModeDetectionProminence: ptrFloat64(r.Prominence),
			ModeDetectionDistance:   ptrFloat64(r.DistanceRMS),
			MaxIterations:           ptrInt(r.MaxIterations),
		},
		OutputParam: &OutputParam{
			Dir:        ptrString(r.OutputDir),
			Database:   ptrString(r.Database),
			Plots:      ptrBool(r.Plots),
			PlotFormat: ptrString(r.PlotFormat),
		},
	}
	if len(r.BinOverrides) > 0 {
		c.DataParam.BinOverrides = make(map[string]BinSpec, len(r.BinOverrides))
		for k, v := range r.BinOverrides {
			c.DataParam.BinOverrides[k] = copyBin(v)
		}
	}
	if len(r.P0bOverrides) > 0 {
		c.FittingParam.P0bOverrides = make(map[string][]float64, len(r.P0bOverrides))
		for k, v := range r.P0bOverrides {
			c.FittingParam.P0bOverrides[k] = append([]float64(nil), v...)
		}
	}
	return c
}

// CentresFor returns the fixed peak centres for the trace key, if any.
func (r Run) CentresFor(key string) ([]float64, bool) {
	c, ok := r.P0bOverrides[key]
	if !ok || len(c) == 0 {
		return nil, false
	}
	return append([]float64(nil), c...), true
}

// Blacklisted reports whether a concentration is excluded by blacklist_conc.
func (r Run) Blacklisted(concentration float64) bool {
	for _, c := range r.BlacklistConc {
		if c == concentration {
			return true
		}
	}
	return false
}

func copyBin(b BinSpec) BinSpec {
	b.Edges = append([]float64(nil), b.Edges...)
	if len(b.Edges) == 0 {
		b.Edges = nil
	}
	return b
}
