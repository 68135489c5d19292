// Package output persists a finished run to a fresh directory and reads it
// back.
//
// A run directory holds:
//
//	results.json        fitted records, floats written in shortest exact form
//	failures.json       the failure manifest
//	manifest.json       run id, version, timestamps and counts
//	config.yaml         the resolved run configuration
//	config_export.yaml  the configuration plus every record keyed by group/trace
//	summary.csv         one row per fitted record
package output

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/tpm.report/internal/config"
	"github.com/banshee-data/tpm.report/internal/fsutil"
	"github.com/banshee-data/tpm.report/internal/timeutil"
	"github.com/banshee-data/tpm.report/internal/tpm/record"
)

const (
	ResultsFile  = "results.json"
	FailuresFile = "failures.json"
	ManifestFile = "manifest.json"
	ConfigFile   = "config.yaml"
	ExportFile   = "config_export.yaml"
	SummaryFile  = "summary.csv"
)

// ErrIncomplete reports a run directory whose save did not finish.
var ErrIncomplete = errors.New("output: incomplete run")

// maxSuffix bounds the search for a free run directory name.
const maxSuffix = 1000

// Manifest describes a persisted run.
type Manifest struct {
	RunID      string    `json:"run_id"`
	Version    string    `json:"version"`
	Root       string    `json:"root"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Traces     int       `json:"traces"`
	Fitted     int       `json:"fitted"`
	Failed     int       `json:"failed"`
}

// Run is everything persisted for one analysis run.
type Run struct {
	Manifest Manifest
	Config   *config.RunConfig
	Records  []record.Record
	Failures []record.Failure
}

type export struct {
	Config *config.RunConfig          `yaml:"config"`
	Data   map[string]record.Snapshot `yaml:"data"`
}

// CreateRunDir claims a new directory base/root/<timestamp>. When that name
// is taken, "-1", "-2", … are appended until an exclusive Mkdir succeeds, so
// an existing run is never reused or overwritten.
func CreateRunDir(fsys fsutil.FileSystem, base, root string, now time.Time) (string, error) {
	parent := filepath.Join(base, root)
	if err := fsys.MkdirAll(parent, 0755); err != nil {
		return "", fmt.Errorf("create output parent: %w", err)
	}
	stamp := now.Format(timeutil.OutputLayout)
	for i := 0; i <= maxSuffix; i++ {
		name := stamp
		if i > 0 {
			name = fmt.Sprintf("%s-%d", stamp, i)
		}
		dir := filepath.Join(parent, name)
		err := fsys.Mkdir(dir, 0755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("create output dir: %w", err)
		}
	}
	return "", fmt.Errorf("no free output directory for %s after %d attempts", stamp, maxSuffix)
}

// Save writes run into dir, which must already exist.
func Save(fsys fsutil.FileSystem, dir string, run Run) error {
	snaps := make([]record.Snapshot, 0, len(run.Records))
	data := make(map[string]record.Snapshot, len(run.Records))
	for _, r := range run.Records {
		s, err := r.Snapshot()
		if err != nil {
			return err
		}
		snaps = append(snaps, s)
		data[r.Identity().Key()] = s
	}
	failures := run.Failures
	if failures == nil {
		failures = []record.Failure{}
	}

	if err := writeJSON(fsys, filepath.Join(dir, ResultsFile), snaps); err != nil {
		return err
	}
	if err := writeJSON(fsys, filepath.Join(dir, FailuresFile), failures); err != nil {
		return err
	}
	if err := writeYAML(fsys, filepath.Join(dir, ConfigFile), run.Config); err != nil {
		return err
	}
	if err := writeYAML(fsys, filepath.Join(dir, ExportFile), export{Config: run.Config, Data: data}); err != nil {
		return err
	}
	if err := writeSummary(fsys, filepath.Join(dir, SummaryFile), run.Records); err != nil {
		return err
	}
	// The manifest goes last; its presence marks the run as complete.
	return writeJSON(fsys, filepath.Join(dir, ManifestFile), run.Manifest)
}

// Load reads a run saved by Save. A directory without a manifest was never
// finished and is rejected with ErrIncomplete.
func Load(fsys fsutil.FileSystem, dir string) (Run, error) {
	var run Run
	if !fsys.Exists(filepath.Join(dir, ManifestFile)) {
		return Run{}, fmt.Errorf("%w: %s has no %s", ErrIncomplete, dir, ManifestFile)
	}
	if err := readJSON(fsys, filepath.Join(dir, ManifestFile), &run.Manifest); err != nil {
		return Run{}, err
	}

	var snaps []record.Snapshot
	if err := readJSON(fsys, filepath.Join(dir, ResultsFile), &snaps); err != nil {
		return Run{}, err
	}
	for _, s := range snaps {
		r, err := record.Restore(s)
		if err != nil {
			return Run{}, err
		}
		run.Records = append(run.Records, r)
	}
	if err := readJSON(fsys, filepath.Join(dir, FailuresFile), &run.Failures); err != nil {
		return Run{}, err
	}

	raw, err := fsys.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return Run{}, fmt.Errorf("read %s: %w", ConfigFile, err)
	}
	if run.Config, err = config.ParseRunConfig(raw, false); err != nil {
		return Run{}, err
	}
	return run, nil
}

func writeJSON(fsys fsutil.FileSystem, path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := fsys.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON(fsys fsutil.FileSystem, path string, v interface{}) error {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeYAML(fsys fsutil.FileSystem, path string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := fsys.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
