package plots

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/tpm.report/internal/tpm/gauss"
	"github.com/banshee-data/tpm.report/internal/tpm/record"
	"github.com/banshee-data/tpm.report/internal/tpm/summary"
)

// SummaryHTMLName is the interactive summary page written into the run
// directory.
const SummaryHTMLName = "summary.html"

// SummaryHTML renders the interactive summary page into Dir.
func (r Renderer) SummaryHTML(title string, points []summary.Point, records []record.Record) (string, error) {
	var buf bytes.Buffer
	if err := WriteSummaryHTML(&buf, title, points, records); err != nil {
		return "", err
	}
	path := filepath.Join(r.Dir, SummaryHTMLName)
	if err := r.FS.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", SummaryHTMLName, err)
	}
	return path, nil
}

// WriteSummaryHTML renders a page with every fitted centre against
// concentration, the per-concentration means, and the trace count per
// concentration.
func WriteSummaryHTML(w io.Writer, title string, points []summary.Point, records []record.Record) error {
	var uni, bi []opts.ScatterData
	for _, rec := range records {
		for _, c := range gauss.Centres(rec.Params()) {
			pt := opts.ScatterData{
				Value: []interface{}{rec.Concentration(), c},
				Name:  rec.Identity().Key(),
			}
			if rec.Mode() == gauss.Bimodal {
				bi = append(bi, pt)
			} else {
				uni = append(uni, pt)
			}
		}
	}
	means := make([]opts.ScatterData, 0, len(points))
	labels := make([]string, 0, len(points))
	counts := make([]opts.BarData, 0, len(points))
	for _, pt := range points {
		means = append(means, opts.ScatterData{
			Value: []interface{}{pt.Concentration, pt.Mean, pt.Error},
			Name:  fmt.Sprintf("%g nM ± %.3g", pt.Concentration, pt.Error),
		})
		labels = append(labels, strconv.FormatFloat(pt.Concentration, 'g', -1, 64))
		counts = append(counts, opts.BarData{Value: pt.Traces})
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "900px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Fitted RMS centres", Subtitle: fmt.Sprintf("%s traces=%d", title, len(records))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "Concentration (nM)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: "RMS (nm)", NameLocation: "middle", NameGap: 35}),
	)
	scatter.AddSeries("unimodal", uni, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))
	if len(bi) > 0 {
		scatter.AddSeries("bimodal", bi, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))
	}
	if len(means) > 0 {
		scatter.AddSeries("mean", means, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 14}))
	}

	page := components.NewPage()
	page.PageTitle = title
	page.AddCharts(scatter)

	if len(counts) > 0 {
		bar := charts.NewBar()
		bar.SetGlobalOptions(
			charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "300px"}),
			charts.WithTitleOpts(opts.Title{Title: "Traces per concentration"}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		)
		bar.SetXAxis(labels).
			AddSeries("traces", counts,
				charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
			)
		page.AddCharts(bar)
	}

	return page.Render(w)
}
