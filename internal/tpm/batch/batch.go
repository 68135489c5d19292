// Package batch drives a full analysis run: every trace is taken through the
// record pipeline in turn, progress is reported after each trace, and the
// finished run is persisted to a fresh output directory, optionally indexed
// in the run store and rendered as plots.
package batch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/banshee-data/tpm.report/internal/config"
	"github.com/banshee-data/tpm.report/internal/fsutil"
	"github.com/banshee-data/tpm.report/internal/monitoring"
	"github.com/banshee-data/tpm.report/internal/timeutil"
	"github.com/banshee-data/tpm.report/internal/tpm/gauss"
	"github.com/banshee-data/tpm.report/internal/tpm/output"
	"github.com/banshee-data/tpm.report/internal/tpm/plots"
	"github.com/banshee-data/tpm.report/internal/tpm/record"
	"github.com/banshee-data/tpm.report/internal/tpm/store"
	"github.com/banshee-data/tpm.report/internal/tpm/summary"
	"github.com/banshee-data/tpm.report/internal/tpm/trace"
	"github.com/banshee-data/tpm.report/internal/version"
)

// defaultRoot names the run directory when neither the traces nor the
// configuration provide a root.
const defaultRoot = "batch"

// Recorder indexes a persisted run. *store.Store satisfies it.
type Recorder interface {
	SaveRun(ctx context.Context, run output.Run, dir string) (string, error)
}

// Result is the outcome of a completed run. Failed traces are listed in
// Failures; partial success is normal.
type Result struct {
	Records  []record.Record
	Failures []record.Failure
	Manifest output.Manifest
	Dir      string
}

// Driver runs batches. The zero value is not usable; construct with New.
type Driver struct {
	fs       fsutil.FileSystem
	clock    timeutil.Clock
	recorder Recorder
}

// Option configures a Driver.
type Option func(*Driver)

// WithFileSystem sets the filesystem used for persisted output and plots.
func WithFileSystem(fsys fsutil.FileSystem) Option {
	return func(d *Driver) { d.fs = fsys }
}

// WithClock sets the clock used for timestamps and run directory names.
func WithClock(c timeutil.Clock) Option {
	return func(d *Driver) { d.clock = c }
}

// WithRecorder indexes every persisted run in r. Without it, a store is
// opened from the run configuration's database path when one is set.
func WithRecorder(r Recorder) Option {
	return func(d *Driver) { d.recorder = r }
}

// New returns a Driver writing to the OS filesystem with the real clock.
func New(opts ...Option) *Driver {
	d := &Driver{fs: fsutil.OSFileSystem{}, clock: timeutil.RealClock{}}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run processes traces with the default Driver.
func Run(ctx context.Context, traces []trace.Input, run config.Run, progress chan<- float64) (Result, error) {
	return New().Run(ctx, traces, run, progress)
}

// Run processes every trace in order and persists the result. After each
// trace the completed fraction is offered on progress without blocking;
// values the receiver is not ready for are dropped. ctx is checked between
// traces: a cancelled run persists nothing and returns ctx.Err().
func (d *Driver) Run(ctx context.Context, traces []trace.Input, run config.Run, progress chan<- float64) (Result, error) {
	return d.run(ctx, traces, run, progress, nil)
}

// observer is told about every terminal record as it is produced.
type observer func(done, total int, rec record.Record)

func (d *Driver) run(ctx context.Context, traces []trace.Input, run config.Run, progress chan<- float64, observe observer) (Result, error) {
	started := d.clock.Now()
	res := Result{}
	total := len(traces)

	for i, in := range traces {
		if err := ctx.Err(); err != nil {
			monitoring.Logf("batch: cancelled after %d/%d traces", i, total)
			return Result{}, err
		}

		rec, err := record.New(in.Identity, in.Samples, in.Concentration, run).Process(run)
		if err != nil {
			return Result{}, fmt.Errorf("process %s: %w", in.Identity, err)
		}
		if f, failed := rec.Failure(); failed {
			monitoring.Tracef(in.Identity.Key(), "failed (%s): %s", f.Kind, f.Reason)
			res.Failures = append(res.Failures, f)
		} else {
			if fb := rec.Fallback(); fb != nil {
				monitoring.Tracef(in.Identity.Key(), "bimodal fit fell back to unimodal: %v", fb)
			}
			monitoring.Tracef(in.Identity.Key(), "%s fit, centres %v", rec.Mode(), gauss.Centres(rec.Params()))
			res.Records = append(res.Records, rec)
		}

		if observe != nil {
			observe(i+1, total, rec)
		}
		sendProgress(progress, float64(i+1)/float64(total))
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	res.Manifest = output.Manifest{
		RunID:      uuid.New().String(),
		Version:    version.String(),
		Root:       rootName(traces, run),
		StartedAt:  started,
		FinishedAt: d.clock.Now(),
		Traces:     total,
		Fitted:     len(res.Records),
		Failed:     len(res.Failures),
	}
	if total == 0 {
		sendProgress(progress, 1)
	}

	dir, err := d.persist(ctx, run, res)
	if err != nil {
		return res, err
	}
	res.Dir = dir
	monitoring.Logf("batch: %d fitted, %d failed, saved to %s", res.Manifest.Fitted, res.Manifest.Failed, dir)
	return res, nil
}

func (d *Driver) persist(ctx context.Context, run config.Run, res Result) (string, error) {
	dir, err := output.CreateRunDir(d.fs, run.OutputDir, res.Manifest.Root, res.Manifest.FinishedAt)
	if err != nil {
		return "", err
	}
	saved := output.Run{
		Manifest: res.Manifest,
		Config:   run.Config(),
		Records:  res.Records,
		Failures: res.Failures,
	}
	if err := output.Save(d.fs, dir, saved); err != nil {
		return dir, err
	}

	if run.Plots {
		renderPlots(plots.NewRenderer(d.fs, dir, run.PlotFormat), run, res)
	}

	recorder := d.recorder
	if recorder == nil && run.Database != "" {
		s, err := store.Open(run.Database)
		if err != nil {
			return dir, fmt.Errorf("open run store: %w", err)
		}
		defer s.Close()
		recorder = s
	}
	if recorder != nil {
		if _, err := recorder.SaveRun(ctx, saved, dir); err != nil {
			return dir, fmt.Errorf("index run: %w", err)
		}
	}
	return dir, nil
}

// renderPlots draws every figure it can. Plot failures are logged and never
// fail the run.
func renderPlots(r plots.Renderer, run config.Run, res Result) {
	logErr := func(what string, err error) {
		if err != nil {
			monitoring.Logf("batch: plot %s: %v", what, err)
		}
	}
	for _, rec := range res.Records {
		_, err := r.Histogram(rec)
		logErr(rec.Identity().Key(), err)
		_, err = r.ECDF(rec)
		logErr(rec.Identity().Key()+" ECDF", err)
	}
	if len(res.Records) == 0 {
		return
	}

	points := summary.ErrorBars(res.Records)
	if len(points) > 0 {
		_, err := r.Concentration(points, run.MinRMS, run.MaxRMS)
		logErr("concentration summary", err)
	}
	h, err := summary.NewHistogram2D(res.Records, run.Bin, summary.Area)
	if err == nil {
		_, err = r.Histogram2D(h, res.Records)
	}
	logErr("2D histogram", err)
	violins, err := summary.Violins(res.Records, true)
	if err == nil {
		_, err = r.Violin(violins, res.Records)
	}
	logErr("violin", err)
	_, err = r.SummaryHTML(res.Manifest.Root, points, res.Records)
	logErr("summary page", err)
}

func sendProgress(ch chan<- float64, v float64) {
	if ch == nil {
		return
	}
	select {
	case ch <- v:
	default:
	}
}

func rootName(traces []trace.Input, run config.Run) string {
	if len(traces) > 0 && traces[0].Identity.Root != "" {
		return traces[0].Identity.Root
	}
	if run.RootDir != "" {
		if base := filepath.Base(filepath.Clean(run.RootDir)); base != "." && base != string(filepath.Separator) {
			return base
		}
	}
	return defaultRoot
}

// IsCancelled reports whether err ended a run through its context.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
