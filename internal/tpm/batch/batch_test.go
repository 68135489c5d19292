package batch

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tpm.report/internal/config"
	"github.com/banshee-data/tpm.report/internal/fsutil"
	"github.com/banshee-data/tpm.report/internal/monitoring"
	"github.com/banshee-data/tpm.report/internal/testutil"
	"github.com/banshee-data/tpm.report/internal/timeutil"
	"github.com/banshee-data/tpm.report/internal/tpm/gauss"
	"github.com/banshee-data/tpm.report/internal/tpm/output"
	"github.com/banshee-data/tpm.report/internal/tpm/record"
	"github.com/banshee-data/tpm.report/internal/tpm/store"
	"github.com/banshee-data/tpm.report/internal/tpm/trace"
)

var stamp = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func quiet(t *testing.T) {
	t.Helper()
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(log.Printf) })
}

func resolve(t *testing.T, mutate func(*config.RunConfig)) config.Run {
	t.Helper()
	cfg := config.NewRunConfig(0, 100)
	if mutate != nil {
		mutate(cfg)
	}
	run, err := cfg.Resolve()
	require.NoError(t, err)
	return run
}

func withOutput(dir string) func(*config.RunConfig) {
	return func(c *config.RunConfig) {
		c.OutputParam = &config.OutputParam{Dir: &dir}
	}
}

func unimodalInputs(n int) []trace.Input {
	inputs := make([]trace.Input, n)
	for i := range inputs {
		inputs[i] = trace.Input{
			Identity:      record.Identity{Root: "batch", Group: "5nM", Trace: fmt.Sprintf("trace_%02d", i+1)},
			Samples:       testutil.GaussianSamples(uint64(300+i), 400, 50, 5),
			Concentration: 5,
		}
	}
	return inputs
}

func newDriver() (*Driver, *fsutil.MemoryFileSystem) {
	fsys := fsutil.NewMemoryFileSystem()
	return New(WithFileSystem(fsys), WithClock(timeutil.NewMockClock(stamp))), fsys
}

func TestRun_UnimodalTraces(t *testing.T) {
	quiet(t)
	d, fsys := newDriver()
	run := resolve(t, withOutput("out"))

	res, err := d.Run(context.Background(), unimodalInputs(5), run, nil)
	require.NoError(t, err)
	require.Len(t, res.Records, 5)
	assert.Empty(t, res.Failures)

	for _, rec := range res.Records {
		assert.Equal(t, gauss.Unimodal, rec.Mode())
		assert.InDelta(t, 50, rec.Params()[1], 2, rec.Identity().Key())
	}

	assert.Equal(t, filepath.Join("out", "batch", "2026-10-16--12-00-00"), res.Dir)
	assert.Equal(t, 5, res.Manifest.Traces)
	assert.Equal(t, 5, res.Manifest.Fitted)
	assert.Len(t, res.Manifest.RunID, 36)

	saved, err := output.Load(fsys, res.Dir)
	require.NoError(t, err)
	assert.Len(t, saved.Records, 5)
	assert.Equal(t, res.Manifest.RunID, saved.Manifest.RunID)
}

func TestRun_BimodalTraces(t *testing.T) {
	quiet(t)
	d, _ := newDriver()
	run := resolve(t, func(c *config.RunConfig) {
		detect := true
		c.FittingParam = &config.FittingParam{ModeDetection: &detect}
	})

	var inputs []trace.Input
	for i := 0; i < 3; i++ {
		inputs = append(inputs, trace.Input{
			Identity: record.Identity{Root: "batch", Group: "10nM", Trace: fmt.Sprintf("trace_%02d", i+1)},
			Samples: testutil.MixtureSamples(uint64(400+i),
				testutil.Component{N: 300, Mean: 20, Std: 3},
				testutil.Component{N: 300, Mean: 80, Std: 3},
			),
			Concentration: 10,
		})
	}

	res, err := d.Run(context.Background(), inputs, run, nil)
	require.NoError(t, err)
	require.Len(t, res.Records, 3)
	assert.Equal(t, filepath.Join(config.DefaultOutputDir, "batch", "2026-10-16--12-00-00"), res.Dir)

	for _, rec := range res.Records {
		require.Equal(t, gauss.Bimodal, rec.Mode(), rec.Identity().Key())
		centres := gauss.Centres(rec.Params())
		lo, hi := centres[0], centres[1]
		if lo > hi {
			lo, hi = hi, lo
		}
		assert.InDelta(t, 20, lo, 2)
		assert.InDelta(t, 80, hi, 2)
	}
}

func TestRun_ProgressIsMonotonic(t *testing.T) {
	quiet(t)
	d, _ := newDriver()
	run := resolve(t, nil)

	progress := make(chan float64, 10)
	_, err := d.Run(context.Background(), unimodalInputs(4), run, progress)
	require.NoError(t, err)
	close(progress)

	var got []float64
	for v := range progress {
		got = append(got, v)
	}
	assert.Equal(t, []float64{0.25, 0.5, 0.75, 1}, got)
}

func TestRun_ProgressNeverBlocks(t *testing.T) {
	quiet(t)
	d, _ := newDriver()
	run := resolve(t, nil)

	progress := make(chan float64) // nobody is receiving
	res, err := d.Run(context.Background(), unimodalInputs(2), run, progress)
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)
}

func TestRun_PartialFailure(t *testing.T) {
	quiet(t)
	d, fsys := newDriver()
	run := resolve(t, withOutput("out"))

	inputs := unimodalInputs(2)
	inputs = append(inputs, trace.Input{
		Identity:      record.Identity{Root: "batch", Group: "5nM", Trace: "empty"},
		Samples:       []float64{150, 180, 260},
		Concentration: 5,
	})

	res, err := d.Run(context.Background(), inputs, run, nil)
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, record.InputMalformed, res.Failures[0].Kind)
	assert.Equal(t, "empty", res.Failures[0].Identity.Trace)

	saved, err := output.Load(fsys, res.Dir)
	require.NoError(t, err)
	assert.Equal(t, res.Failures, saved.Failures)
	assert.Equal(t, 1, saved.Manifest.Failed)
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	quiet(t)
	d, fsys := newDriver()
	run := resolve(t, withOutput("out"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := d.Run(ctx, unimodalInputs(3), run, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsCancelled(err))
	assert.Empty(t, res.Records)
	assert.Empty(t, fsys.Files("out"))
}

func TestRun_CancelledBetweenTraces(t *testing.T) {
	quiet(t)
	d, fsys := newDriver()
	run := resolve(t, withOutput("out"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seen := 0
	_, err := d.run(ctx, unimodalInputs(4), run, nil, func(done, total int, rec record.Record) {
		seen = done
		if done == 2 {
			cancel()
		}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, seen, "no trace is processed after cancellation")
	assert.False(t, fsys.Exists(filepath.Join("out", "batch")), "nothing is persisted")
}

func TestRun_SameSecondRunsGetDistinctDirs(t *testing.T) {
	quiet(t)
	d, _ := newDriver()
	run := resolve(t, withOutput("out"))

	first, err := d.Run(context.Background(), unimodalInputs(1), run, nil)
	require.NoError(t, err)
	second, err := d.Run(context.Background(), unimodalInputs(1), run, nil)
	require.NoError(t, err)
	assert.Equal(t, first.Dir+"-1", second.Dir)
}

func TestRun_EmptyInput(t *testing.T) {
	quiet(t)
	d, _ := newDriver()
	run := resolve(t, func(c *config.RunConfig) {
		root := "/data/batch_0417"
		c.FileParam = &config.FileParam{RootDir: &root}
		withOutput("out")(c)
	})

	progress := make(chan float64, 1)
	res, err := d.Run(context.Background(), nil, run, progress)
	require.NoError(t, err)
	assert.Equal(t, 1.0, <-progress)
	assert.Equal(t, "batch_0417", res.Manifest.Root)
	assert.Equal(t, filepath.Join("out", "batch_0417", "2026-10-16--12-00-00"), res.Dir)
}

func TestRun_IndexesInStore(t *testing.T) {
	quiet(t)
	s, err := store.Open(filepath.Join(t.TempDir(), "tpm.db"))
	require.NoError(t, err)
	defer s.Close()

	fsys := fsutil.NewMemoryFileSystem()
	d := New(WithFileSystem(fsys), WithClock(timeutil.NewMockClock(stamp)), WithRecorder(s))
	res, err := d.Run(context.Background(), unimodalInputs(2), resolve(t, withOutput("out")), nil)
	require.NoError(t, err)

	runs, err := s.Runs(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, res.Manifest.RunID, runs[0].Manifest.RunID)
	assert.Equal(t, res.Dir, runs[0].OutputDir)
}

func TestRun_DatabaseFromConfig(t *testing.T) {
	quiet(t)
	dbPath := filepath.Join(t.TempDir(), "runs.db")
	d, _ := newDriver()
	run := resolve(t, func(c *config.RunConfig) {
		dir := "out"
		c.OutputParam = &config.OutputParam{Dir: &dir, Database: &dbPath}
	})
	_, err := d.Run(context.Background(), unimodalInputs(1), run, nil)
	require.NoError(t, err)

	s, err := store.Open(dbPath)
	require.NoError(t, err)
	defer s.Close()
	runs, err := s.Runs(context.Background())
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRun_Plots(t *testing.T) {
	quiet(t)
	d, fsys := newDriver()
	run := resolve(t, func(c *config.RunConfig) {
		dir, plots, format := "out", true, "png"
		c.OutputParam = &config.OutputParam{Dir: &dir, Plots: &plots, PlotFormat: &format}
	})

	res, err := d.Run(context.Background(), unimodalInputs(2), run, nil)
	require.NoError(t, err)

	for _, name := range []string{
		filepath.Join("5nM", "trace_01.png"),
		filepath.Join("5nM", "trace_01-ECDF.png"),
		"simpleplot.png",
		"histogram2D.png",
		"violinplot.png",
		"summary.html",
	} {
		assert.True(t, fsys.Exists(filepath.Join(res.Dir, name)), name)
	}
}

// The full path from trace files on disk to a persisted run.
func TestRun_FromDisk(t *testing.T) {
	quiet(t)
	root := filepath.Join(t.TempDir(), "batch_0417")
	for i, conc := range []string{"2nM", "2nM", "10nM"} {
		dir := filepath.Join(root, conc, fmt.Sprintf("trace_%02d", i+1))
		require.NoError(t, os.MkdirAll(dir, 0755))
		var b strings.Builder
		for _, v := range testutil.GaussianSamples(uint64(500+i), 300, 60, 6) {
			b.WriteString(strconv.FormatFloat(v, 'f', -1, 64) + "\t0\n")
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, trace.DataFile), []byte(b.String()), 0644))
	}

	out := t.TempDir()
	run := resolve(t, func(c *config.RunConfig) {
		c.FileParam = &config.FileParam{RootDir: &root}
		withOutput(out)(c)
	})
	inputs, err := trace.Discover(run.RootDir, run.Blacklist, run.BlacklistConc)
	require.NoError(t, err)
	require.Len(t, inputs, 3)

	res, err := New(WithClock(timeutil.NewMockClock(stamp))).Run(context.Background(), inputs, run, nil)
	require.NoError(t, err)
	assert.Len(t, res.Records, 3)
	assert.Equal(t, filepath.Join(out, "batch_0417", "2026-10-16--12-00-00"), res.Dir)

	saved, err := output.Load(fsutil.OSFileSystem{}, res.Dir)
	require.NoError(t, err)
	assert.Len(t, saved.Records, 3)
}
