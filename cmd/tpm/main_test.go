package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tpm.report/internal/config"
	"github.com/banshee-data/tpm.report/internal/monitoring"
	"github.com/banshee-data/tpm.report/internal/testutil"
	"github.com/banshee-data/tpm.report/internal/tpm/trace"
)

func TestParseFlags(t *testing.T) {
	fs := flag.NewFlagSet("tpm", flag.ContinueOnError)
	o, showVersion, err := parseFlags(fs, []string{"-root", "/data", "-plots", "-format", "svg", "-version"})
	require.NoError(t, err)
	assert.True(t, showVersion)
	assert.Equal(t, "/data", o.root)
	assert.True(t, o.plots)
	assert.Equal(t, "svg", o.format)
	assert.Equal(t, config.DefaultConfigPath, o.configPath)
}

func TestOptionsApply(t *testing.T) {
	cfg := config.NewRunConfig(0, 100)
	options{root: "/data", out: "res", db: "runs.db", plots: true, format: "pdf"}.apply(cfg)

	assert.Equal(t, "/data", cfg.GetRootDir())
	assert.Equal(t, "res", cfg.GetOutputDir())
	assert.Equal(t, "runs.db", cfg.GetDatabase())
	assert.True(t, cfg.GetPlots())
	assert.Equal(t, "pdf", cfg.GetPlotFormat())

	untouched := config.NewRunConfig(0, 100)
	options{}.apply(untouched)
	assert.Equal(t, config.DefaultOutputDir, untouched.GetOutputDir())
}

func TestRun_EndToEnd(t *testing.T) {
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(log.Printf) })
	log.SetOutput(&bytes.Buffer{})
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	dir := t.TempDir()
	root := filepath.Join(dir, "batch_0417")
	for i := 0; i < 2; i++ {
		traceDir := filepath.Join(root, "5nM", fmt.Sprintf("trace_%02d", i+1))
		require.NoError(t, os.MkdirAll(traceDir, 0755))
		var b strings.Builder
		for _, v := range testutil.GaussianSamples(uint64(600+i), 300, 70, 6) {
			b.WriteString(strconv.FormatFloat(v, 'f', -1, 64) + "\n")
		}
		require.NoError(t, os.WriteFile(filepath.Join(traceDir, trace.DataFile), []byte(b.String()), 0644))
	}
	cfgPath := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("data_param:\n  min_rms: 0\n  max_rms: 200\n"), 0644))

	o := options{
		configPath: cfgPath,
		root:       root,
		out:        filepath.Join(dir, "out"),
		db:         filepath.Join(dir, "runs.db"),
	}
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), o, &out))
	assert.Contains(t, out.String(), "2 fitted, 0 failed")
	assert.Contains(t, out.String(), "Saved to "+filepath.Join(dir, "out", "batch_0417"))

	out.Reset()
	o.listRuns = true
	require.NoError(t, run(context.Background(), o, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "RUN"))
	assert.Contains(t, lines[1], "batch_0417")
}

func TestRun_InvalidConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("data_param:\n  min_rms: 10\n  max_rms: 5\n"), 0644))
	err := run(context.Background(), options{configPath: cfgPath}, &bytes.Buffer{})
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestListRuns_RequiresDatabase(t *testing.T) {
	err := listRuns(context.Background(), "", &bytes.Buffer{})
	assert.Error(t, err)
}
