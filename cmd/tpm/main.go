// Command tpm analyses tethered particle motion RMS traces: it discovers
// traces below a root directory, fits each one and saves the run.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/tpm.report/internal/config"
	"github.com/banshee-data/tpm.report/internal/monitoring"
	"github.com/banshee-data/tpm.report/internal/tpm/batch"
	"github.com/banshee-data/tpm.report/internal/tpm/store"
	"github.com/banshee-data/tpm.report/internal/tpm/trace"
	"github.com/banshee-data/tpm.report/internal/version"
)

type options struct {
	configPath string
	root       string
	out        string
	db         string
	plots      bool
	format     string
	listRuns   bool
	quiet      bool
}

func parseFlags(fs *flag.FlagSet, args []string) (options, bool, error) {
	var o options
	fs.StringVar(&o.configPath, "config", config.DefaultConfigPath, "Run configuration file (.yaml, .yml or .json)")
	fs.StringVar(&o.root, "root", "", "Trace root directory (overrides file_param.root_dir)")
	fs.StringVar(&o.out, "out", "", "Output directory (overrides output_param.dir)")
	fs.StringVar(&o.db, "db", "", "SQLite run store (overrides output_param.database)")
	fs.BoolVar(&o.plots, "plots", false, "Render plots into the run directory")
	fs.StringVar(&o.format, "format", "", "Plot format: png, svg or pdf (overrides output_param.plot_format)")
	fs.BoolVar(&o.listRuns, "runs", false, "List runs recorded in the store and exit")
	fs.BoolVar(&o.quiet, "quiet", false, "Only log errors")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return o, false, err
	}
	return o, *showVersion, nil
}

// apply folds command-line overrides into cfg.
func (o options) apply(cfg *config.RunConfig) {
	if cfg.FileParam == nil {
		cfg.FileParam = &config.FileParam{}
	}
	if cfg.OutputParam == nil {
		cfg.OutputParam = &config.OutputParam{}
	}
	if o.root != "" {
		cfg.FileParam.RootDir = &o.root
	}
	if o.out != "" {
		cfg.OutputParam.Dir = &o.out
	}
	if o.db != "" {
		cfg.OutputParam.Database = &o.db
	}
	if o.plots {
		plots := true
		cfg.OutputParam.Plots = &plots
	}
	if o.format != "" {
		cfg.OutputParam.PlotFormat = &o.format
	}
}

func main() {
	o, showVersion, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if showVersion {
		fmt.Println(version.String())
		return
	}
	if o.quiet {
		monitoring.SetLogger(nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, o, os.Stdout); err != nil {
		log.Fatalf("tpm: %v", err)
	}
}

func run(ctx context.Context, o options, w io.Writer) error {
	cfg, err := config.LoadRunConfig(o.configPath)
	if err != nil {
		return err
	}
	o.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	rc, err := cfg.Resolve()
	if err != nil {
		return err
	}

	if o.listRuns {
		return listRuns(ctx, rc.Database, w)
	}

	inputs, err := trace.Discover(rc.RootDir, rc.Blacklist, rc.BlacklistConc)
	if err != nil {
		return err
	}
	log.Printf("Found %d traces below %s", len(inputs), rc.RootDir)

	progress := make(chan float64, 1)
	runner := batch.NewRunner(batch.New())
	if err := runner.Start(ctx, inputs, rc, progress); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		printProgress(ctx, w, progress, runner)
	}()
	res, err := runner.Wait()
	close(progress)
	<-done
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "\n%d fitted, %d failed\n", res.Manifest.Fitted, res.Manifest.Failed)
	for _, f := range res.Failures {
		fmt.Fprintf(w, "  %s: %s (%s)\n", f.Identity, f.Reason, f.Kind)
	}
	if res.Dir != "" {
		fmt.Fprintf(w, "Saved to %s\n", res.Dir)
	}
	return nil
}

func printProgress(ctx context.Context, w io.Writer, progress <-chan float64, runner *batch.Runner) {
	for {
		select {
		case v, ok := <-progress:
			if !ok {
				return
			}
			state := runner.State()
			fmt.Fprintf(w, "\r%5.1f%% (%d/%d) %-40s", 100*v, state.Completed, state.Total, state.Current)
		case <-ctx.Done():
			return
		}
	}
}

func listRuns(ctx context.Context, dbPath string, w io.Writer) error {
	if dbPath == "" {
		return fmt.Errorf("no run store configured; pass -db")
	}
	s, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer s.Close()

	runs, err := s.Runs(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tROOT\tSTARTED\tTRACES\tFITTED\tFAILED\tDIR")
	for _, r := range runs {
		m := r.Manifest
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			m.RunID, m.Root, m.StartedAt.Local().Format(time.DateTime), m.Traces, m.Fitted, m.Failed, r.OutputDir)
	}
	return tw.Flush()
}
