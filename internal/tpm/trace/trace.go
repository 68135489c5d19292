// Package trace discovers TPM traces on disk. Each directory holding a
// data_good.txt file is one trace; its concentration is read from the
// directory names.
package trace

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/banshee-data/tpm.report/internal/monitoring"
	"github.com/banshee-data/tpm.report/internal/tpm/record"
)

// DataFile is the per-trace sample file name.
const DataFile = "data_good.txt"

var (
	nanoMolar  = regexp.MustCompile(`(?i)(\d+[.,]?\d*)[\s_-]*nM`)
	milliMolar = regexp.MustCompile(`(?i)(\d+[.,]?\d*)[\s_-]*mM`)
)

// Input is one discovered trace.
type Input struct {
	Identity      record.Identity
	Samples       []float64
	Concentration float64
	Path          string
}

// ParseConcentration extracts a concentration in nM from a directory name.
// Nanomolar labels win over millimolar ones; a decimal comma is accepted.
func ParseConcentration(name string) (float64, bool) {
	if m := nanoMolar.FindStringSubmatch(name); m != nil {
		if v, err := parseNumber(m[1]); err == nil {
			return v, true
		}
	}
	if m := milliMolar.FindStringSubmatch(name); m != nil {
		if v, err := parseNumber(m[1]); err == nil {
			return v * 1000, true
		}
	}
	return 0, false
}

func parseNumber(s string) (float64, error) {
	return strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
}

// Discover walks root in lexical order and loads every trace not excluded
// by blacklist or blacklistConc. Blacklist entries are doublestar patterns
// or directory prefixes, matched against paths relative to root and against
// the full path. Traces whose concentration cannot be determined are
// skipped with a warning.
func Discover(root string, blacklist []string, blacklistConc []float64) ([]Input, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("trace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("trace root %s is not a directory", root)
	}
	rootName := filepath.Base(filepath.Clean(root))

	var inputs []Input
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != DataFile {
			return nil
		}
		dir := filepath.Dir(path)
		rel, err := filepath.Rel(root, dir)
		if err != nil {
			return err
		}
		if blacklisted(blacklist, dir, rel) {
			monitoring.Logf("  %s ignored because it is blacklisted", dir)
			return nil
		}

		conc, ok := concentrationFor(rel, rootName)
		if !ok {
			monitoring.Logf("couldn't find a concentration for %s, skipping", dir)
			return nil
		}
		for _, c := range blacklistConc {
			if c == conc {
				monitoring.Logf("  %s ignored because %gnM is blacklisted", dir, conc)
				return nil
			}
		}

		samples, err := ReadSamples(path)
		if err != nil {
			return err
		}

		group := filepath.ToSlash(filepath.Dir(rel))
		if group == "." {
			group = ""
		}
		inputs = append(inputs, Input{
			Identity: record.Identity{
				Root:  rootName,
				Group: group,
				Trace: filepath.Base(dir),
			},
			Samples:       samples,
			Concentration: conc,
			Path:          path,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inputs, nil
}

// concentrationFor looks for a label in the trace directory name first and
// then in each parent up to the root.
func concentrationFor(rel, rootName string) (float64, bool) {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if rel == "." {
		parts = []string{rootName}
	}
	for i := len(parts) - 1; i >= 0; i-- {
		if v, ok := ParseConcentration(parts[i]); ok {
			return v, true
		}
	}
	return 0, false
}

func blacklisted(patterns []string, dir, rel string) bool {
	rel = filepath.ToSlash(rel)
	full := filepath.ToSlash(filepath.Clean(dir))
	for _, p := range patterns {
		p = filepath.ToSlash(filepath.Clean(p))
		for _, candidate := range []string{rel, full} {
			if candidate == p || strings.HasPrefix(candidate, p+"/") {
				return true
			}
			if ok, err := doublestar.Match(p, candidate); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// ReadSamples parses the first whitespace-separated column of each line.
// Blank lines are ignored; lines whose first field is not a number are
// skipped and reported once per file.
func ReadSamples(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open samples: %w", err)
	}
	defer f.Close()

	var samples []float64
	skipped := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			skipped++
			continue
		}
		samples = append(samples, v)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read samples %s: %w", path, err)
	}
	if skipped > 0 {
		monitoring.Logf("%s: skipped %d unparseable lines", path, skipped)
	}
	return samples, nil
}
