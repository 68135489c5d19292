package output

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/banshee-data/tpm.report/internal/fsutil"
	"github.com/banshee-data/tpm.report/internal/tpm/record"
)

var summaryHeader = []string{
	"root", "group", "trace", "concentration_nm", "mode", "samples",
	"a1", "b1", "c1", "a2", "b2", "c2",
	"var_a1", "var_b1", "var_c1", "var_a2", "var_b2", "var_c2",
}

func writeSummary(fsys fsutil.FileSystem, path string, records []record.Record) error {
	f, err := fsys.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", SummaryFile, err)
	}
	if err := WriteSummary(f, records); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteSummary writes one CSV row per record. Columns for the second
// component are empty for unimodal fits.
func WriteSummary(w io.Writer, records []record.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(summaryHeader); err != nil {
		return err
	}
	for _, r := range records {
		id := r.Identity()
		row := []string{
			id.Root, id.Group, id.Trace,
			formatFloat(r.Concentration()),
			r.Mode().String(),
			strconv.Itoa(len(r.Filtered())),
		}
		row = append(row, padded(r.Params())...)
		row = append(row, padded(r.Variances())...)
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func padded(values []float64) []string {
	out := make([]string, 6)
	for i, v := range values {
		if i < len(out) {
			out[i] = formatFloat(v)
		}
	}
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
