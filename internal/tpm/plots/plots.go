// Package plots renders diagnostic figures for a run: per-trace histograms
// with KDE and fit overlays, empirical CDFs, the concentration summary with
// error bars, the concentration × RMS 2D histogram, per-concentration KDE
// violins, and an interactive HTML summary.
package plots

import (
	"fmt"
	"image/color"
	"math"
	"path/filepath"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/tpm.report/internal/fsutil"
	"github.com/banshee-data/tpm.report/internal/security"
	"github.com/banshee-data/tpm.report/internal/tpm/binning"
	"github.com/banshee-data/tpm.report/internal/tpm/gauss"
	"github.com/banshee-data/tpm.report/internal/tpm/record"
	"github.com/banshee-data/tpm.report/internal/tpm/summary"
)

// File names written into the run directory.
const (
	Histogram2DName   = "histogram2D"
	ConcentrationName = "simpleplot"
	ECDFSuffix        = "-ECDF"
	ViolinName        = "violinplot"
)

var (
	colorHistogram = color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0x80}
	colorKDE       = color.RGBA{R: 0x2c, G: 0xa0, B: 0x2c, A: 0xff}
	colorFit       = color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 0xff}
	colorScatter   = color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff}
	colorBimodal   = color.RGBA{R: 0xff, G: 0x7f, B: 0x0e, A: 0xff}
	colorError     = color.Gray{Y: 0x40}
	colorViolin    = color.RGBA{R: 0xc8, G: 0xc8, B: 0xc8, A: 0xff}
)

// Renderer writes figures below Dir in Format (png, svg or pdf).
type Renderer struct {
	FS     fsutil.FileSystem
	Dir    string
	Format string
	Width  vg.Length
	Height vg.Length
}

// NewRenderer returns a Renderer with the default 6×4 inch figure size.
func NewRenderer(fsys fsutil.FileSystem, dir, format string) Renderer {
	return Renderer{FS: fsys, Dir: dir, Format: format, Width: 6 * vg.Inch, Height: 4 * vg.Inch}
}

// save encodes p and writes it to Dir/name.<Format>.
func (r Renderer) save(p *plot.Plot, name string) (string, error) {
	path, err := security.JoinWithin(r.Dir, name+"."+r.Format)
	if err != nil {
		return "", err
	}
	if err := r.FS.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create plot dir: %w", err)
	}
	wt, err := p.WriterTo(r.Width, r.Height, r.Format)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", name, err)
	}
	f, err := r.FS.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := wt.WriteTo(f); err != nil {
		f.Close()
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, f.Close()
}

// Histogram draws the binned samples as a density histogram together with
// the KDE and the fitted curve. The file is <group>/<trace>.
func (r Renderer) Histogram(rec record.Record) (string, error) {
	samples := rec.Filtered()
	edges := rec.BinEdges()
	if len(samples) == 0 || len(edges) < 2 {
		return "", fmt.Errorf("histogram %s: nothing to draw", rec.Identity())
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s (%g nM)", rec.Identity().Key(), rec.Concentration())
	p.X.Label.Text = "RMS (nm)"
	p.Y.Label.Text = "Density"

	hist := &plotter.Histogram{
		Bins:      densityBins(samples, edges),
		Width:     edges[1] - edges[0],
		FillColor: colorHistogram,
		LineStyle: plotter.DefaultLineStyle,
	}
	hist.LineStyle.Width = vg.Length(0)
	p.Add(hist)
	p.Legend.Add("Histogram", hist)

	x, y := rec.KDE()
	kdeLine, err := plotter.NewLine(xys(x, y))
	if err != nil {
		return "", err
	}
	kdeLine.Color = colorKDE
	kdeLine.Width = vg.Points(2)
	p.Add(kdeLine)
	p.Legend.Add("KDE", kdeLine)

	if params := rec.Params(); len(params) > 0 {
		lo, hi := rec.Bounds()
		fx, fy := FitCurve(params, lo, hi)
		fitLine, err := plotter.NewLine(xys(fx, fy))
		if err != nil {
			return "", err
		}
		fitLine.Color = colorFit
		fitLine.Width = vg.Points(2)
		fitLine.Dashes = []vg.Length{vg.Points(6), vg.Points(3)}
		p.Add(fitLine)
		p.Legend.Add("Fit", fitLine)
	}

	p.Legend.Top = true
	p.Legend.Left = true
	p.Y.Min = 0
	return r.save(p, traceName(rec.Identity(), ""))
}

// ECDF draws the empirical CDF of the filtered samples against the normal
// CDF of the first fitted component. The file is <group>/<trace>-ECDF.
func (r Renderer) ECDF(rec record.Record) (string, error) {
	params := rec.Params()
	if len(params) < 3 {
		return "", fmt.Errorf("ecdf %s: record is not fitted", rec.Identity())
	}
	ex, ey := EmpiricalCDF(rec.Filtered())
	if len(ex) == 0 {
		return "", fmt.Errorf("ecdf %s: no samples", rec.Identity())
	}
	lo, hi := rec.Bounds()

	p := plot.New()
	p.Title.Text = rec.Identity().Key()
	p.X.Label.Text = "RMS (nm)"
	p.Y.Label.Text = "Cumulative probability"

	step, err := plotter.NewLine(xys(ex, ey))
	if err != nil {
		return "", err
	}
	step.StepStyle = plotter.PostStep
	step.Color = colorScatter
	step.Width = vg.Points(1)
	p.Add(step)

	dots, err := plotter.NewScatter(xys(ex, ey))
	if err != nil {
		return "", err
	}
	dots.GlyphStyle.Color = colorScatter
	dots.GlyphStyle.Radius = vg.Points(1.5)
	dots.GlyphStyle.Shape = draw.CircleGlyph{}
	p.Add(dots)
	p.Legend.Add("Empirical CDF", dots)

	tx, ty := TheoreticalCDF(params[1], params[2], lo, hi)
	theory, err := plotter.NewLine(xys(tx, ty))
	if err != nil {
		return "", err
	}
	theory.Color = colorFit
	theory.Width = vg.Points(1.5)
	theory.Dashes = []vg.Length{vg.Points(6), vg.Points(3)}
	p.Add(theory)
	p.Legend.Add("Theoretical CDF", theory)

	p.Legend.Top = true
	p.Legend.Left = true
	p.X.Min, p.X.Max = lo, hi
	return r.save(p, traceName(rec.Identity(), ECDFSuffix))
}

// Concentration draws the per-concentration mean centres with error bars.
func (r Renderer) Concentration(points []summary.Point, minRMS, maxRMS float64) (string, error) {
	if len(points) == 0 {
		return "", summary.ErrNoRecords
	}
	pts := make(errorPoints, len(points))
	for i, pt := range points {
		pts[i] = pt
	}

	p := plot.New()
	p.X.Label.Text = "Concentration (nM)"
	p.Y.Label.Text = "RMS (nm)"

	bars, err := plotter.NewYErrorBars(pts)
	if err != nil {
		return "", err
	}
	bars.Color = colorError
	p.Add(bars)

	dots, err := plotter.NewScatter(pts)
	if err != nil {
		return "", err
	}
	dots.GlyphStyle.Color = colorScatter
	dots.GlyphStyle.Radius = vg.Points(3)
	dots.GlyphStyle.Shape = draw.CircleGlyph{}
	p.Add(dots)

	p.Y.Min, p.Y.Max = minRMS, maxRMS
	return r.save(p, ConcentrationName)
}

// Histogram2D draws each concentration column as grey cells shaded by value
// and overlays the fitted centres of every record.
func (r Renderer) Histogram2D(h summary.Histogram2D, records []record.Record) (string, error) {
	if len(h.Columns) == 0 {
		return "", summary.ErrNoRecords
	}
	p := plot.New()
	p.X.Label.Text = "Concentration (nM)"
	p.Y.Label.Text = "RMS (nm)"

	for _, col := range h.Columns {
		for i, v := range col.Values {
			if math.IsNaN(v) || h.Max == 0 {
				continue
			}
			cell, err := plotter.NewPolygon(plotter.XYs{
				{X: col.XLo, Y: h.YEdges[i]},
				{X: col.XHi, Y: h.YEdges[i]},
				{X: col.XHi, Y: h.YEdges[i+1]},
				{X: col.XLo, Y: h.YEdges[i+1]},
			})
			if err != nil {
				return "", err
			}
			cell.Color = shade(v / h.Max)
			cell.LineStyle.Width = 0
			p.Add(cell)
		}
	}

	var uni, bi plotter.XYs
	for _, rec := range records {
		for _, c := range gauss.Centres(rec.Params()) {
			pt := plotter.XY{X: rec.Concentration(), Y: c}
			if rec.Mode() == gauss.Bimodal {
				bi = append(bi, pt)
			} else {
				uni = append(uni, pt)
			}
		}
	}
	for _, set := range []struct {
		pts   plotter.XYs
		color color.Color
		label string
	}{{uni, colorScatter, "Unimodal"}, {bi, colorBimodal, "Bimodal"}} {
		if len(set.pts) == 0 {
			continue
		}
		s, err := plotter.NewScatter(set.pts)
		if err != nil {
			return "", err
		}
		s.GlyphStyle.Color = set.color
		s.GlyphStyle.Radius = vg.Points(2)
		s.GlyphStyle.Shape = draw.CircleGlyph{}
		p.Add(s)
		p.Legend.Add(set.label, s)
	}

	width := h.Columns[0].XHi - h.Columns[0].XLo
	p.X.Min = h.Columns[0].Concentration - width
	p.X.Max = h.Columns[len(h.Columns)-1].Concentration + width
	return r.save(p, Histogram2DName)
}

// Violin draws each merged KDE as a mirrored shape around its
// concentration, with every fitted centre on top. Unimodal centres carry an
// error bar of sqrt(var(centre)·n).
func (r Renderer) Violin(violins []summary.Violin, records []record.Record) (string, error) {
	if len(violins) == 0 {
		return "", summary.ErrNoRecords
	}
	p := plot.New()
	p.X.Label.Text = "Concentration (nM)"
	p.Y.Label.Text = "RMS (nm)"

	widest := 0.0
	for _, v := range violins {
		peak := floats.Max(v.Density)
		if peak <= 0 {
			continue
		}
		half := v.Width / 2 / peak
		outline := make(plotter.XYs, 0, 2*len(v.Y))
		for i, y := range v.Y {
			outline = append(outline, plotter.XY{X: v.Concentration + half*v.Density[i], Y: y})
		}
		for i := len(v.Y) - 1; i >= 0; i-- {
			outline = append(outline, plotter.XY{X: v.Concentration - half*v.Density[i], Y: v.Y[i]})
		}
		body, err := plotter.NewPolygon(outline)
		if err != nil {
			return "", err
		}
		body.Color = colorViolin
		body.LineStyle.Width = 0
		p.Add(body)
		widest = math.Max(widest, v.Width)
	}

	var uni centreErrors
	var bi plotter.XYs
	for _, rec := range records {
		if rec.State() != record.Fitted {
			continue
		}
		if rec.Mode() == gauss.Bimodal {
			for _, c := range gauss.Centres(rec.Params()) {
				bi = append(bi, plotter.XY{X: rec.Concentration(), Y: c})
			}
			continue
		}
		n := float64(len(rec.Filtered()))
		uni = append(uni, centreError{
			x:   rec.Concentration(),
			y:   rec.Params()[1],
			err: math.Sqrt(rec.Variances()[1] * n),
		})
	}
	if len(uni) > 0 {
		bars, err := plotter.NewYErrorBars(uni)
		if err != nil {
			return "", err
		}
		bars.Color = colorError
		p.Add(bars)
	}
	for _, set := range []struct {
		pts   plotter.XYer
		color color.Color
		label string
	}{{uni, colorScatter, "Unimodal"}, {bi, colorBimodal, "Bimodal"}} {
		if set.pts.Len() == 0 {
			continue
		}
		s, err := plotter.NewScatter(set.pts)
		if err != nil {
			return "", err
		}
		s.GlyphStyle.Color = set.color
		s.GlyphStyle.Radius = vg.Points(2)
		s.GlyphStyle.Shape = draw.CircleGlyph{}
		p.Add(s)
		p.Legend.Add(set.label, s)
	}

	p.X.Min = violins[0].Concentration - widest
	p.X.Max = violins[len(violins)-1].Concentration + widest
	return r.save(p, ViolinName)
}

// FitCurve evaluates the fitted model on a unit-step grid over [lo, hi) and
// normalises it to unit sum, so it overlays a density histogram.
func FitCurve(params []float64, lo, hi float64) (x, y []float64) {
	for v := lo; v < hi; v++ {
		x = append(x, v)
		y = append(y, gauss.Eval(v, params))
	}
	if total := floats.Sum(y); total > 0 {
		floats.Scale(1/total, y)
	}
	return x, y
}

// EmpiricalCDF returns the sorted samples and their cumulative fractions
// i/n for i = 1..n.
func EmpiricalCDF(samples []float64) (x, y []float64) {
	x = append([]float64(nil), samples...)
	sort.Float64s(x)
	y = make([]float64, len(x))
	n := float64(len(x))
	for i := range y {
		y[i] = float64(i+1) / n
	}
	return x, y
}

// TheoreticalCDF samples the normal CDF with the given centre and width on a
// 0.5 step grid over [lo, hi).
func TheoreticalCDF(mu, sigma, lo, hi float64) (x, y []float64) {
	dist := distuv.Normal{Mu: mu, Sigma: sigma}
	for v := lo; v < hi; v += 0.5 {
		x = append(x, v)
		y = append(y, dist.CDF(v))
	}
	return x, y
}

func densityBins(samples, edges []float64) []plotter.HistogramBin {
	counts := binning.Counts(samples, edges)
	n := float64(len(samples))
	bins := make([]plotter.HistogramBin, len(counts))
	for i, c := range counts {
		bins[i] = plotter.HistogramBin{Min: edges[i], Max: edges[i+1], Weight: c / (n * (edges[i+1] - edges[i]))}
	}
	return bins
}

// traceName places a trace's figure under its group directory, with every
// path component sanitised.
func traceName(id record.Identity, suffix string) string {
	var parts []string
	for _, g := range strings.Split(id.Group, "/") {
		if g != "" {
			parts = append(parts, security.SanitizeName(g))
		}
	}
	parts = append(parts, security.SanitizeName(id.Trace)+suffix)
	return filepath.Join(parts...)
}

func shade(frac float64) color.Color {
	if frac > 1 {
		frac = 1
	}
	return color.Gray{Y: uint8(255 - 255*frac)}
}

func xys(x, y []float64) plotter.XYs {
	out := make(plotter.XYs, len(x))
	for i := range x {
		out[i] = plotter.XY{X: x[i], Y: y[i]}
	}
	return out
}

// errorPoints adapts summary points to plotter.XYer and plotter.YErrorer.
type errorPoints []summary.Point

func (e errorPoints) Len() int { return len(e) }

func (e errorPoints) XY(i int) (float64, float64) { return e[i].Concentration, e[i].Mean }

func (e errorPoints) YError(i int) (float64, float64) { return e[i].Error, e[i].Error }

type centreError struct{ x, y, err float64 }

// centreErrors adapts per-trace centres to plotter.XYer and plotter.YErrorer.
type centreErrors []centreError

func (c centreErrors) Len() int { return len(c) }

func (c centreErrors) XY(i int) (float64, float64) { return c[i].x, c[i].y }

func (c centreErrors) YError(i int) (float64, float64) { return c[i].err, c[i].err }
