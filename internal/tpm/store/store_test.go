package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tpm.report/internal/config"
	"github.com/banshee-data/tpm.report/internal/testutil"
	"github.com/banshee-data/tpm.report/internal/tpm/output"
	"github.com/banshee-data/tpm.report/internal/tpm/record"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tpm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRun(t *testing.T, runID string, started time.Time) output.Run {
	t.Helper()
	run, err := config.NewRunConfig(0, 100).Resolve()
	require.NoError(t, err)

	var recs []record.Record
	for i, trace := range []string{"trace_02", "trace_01"} {
		id := record.Identity{Root: "batch", Group: "5nM", Trace: trace}
		r, err := record.New(id, testutil.GaussianSamples(uint64(90+i), 300, 50, 5), 5, run).Process(run)
		require.NoError(t, err)
		require.Equal(t, record.Fitted, r.State())
		recs = append(recs, r)
	}
	return output.Run{
		Manifest: output.Manifest{
			RunID: runID, Version: "test", Root: "batch",
			StartedAt: started, FinishedAt: started.Add(time.Second),
			Traces: 3, Fitted: 2, Failed: 1,
		},
		Config:  run.Config(),
		Records: recs,
		Failures: []record.Failure{{
			Identity:      record.Identity{Root: "batch", Group: "5nM", Trace: "trace_03"},
			Concentration: 5,
			Kind:          record.InputMalformed,
			Reason:        "no samples within [0, 100]",
		}},
	}
}

func TestOpen_MigratesToLatest(t *testing.T) {
	s := openTestStore(t)
	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	// A second migration pass is a no-op.
	require.NoError(t, s.MigrateUp())
}

func TestOpen_InMemory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	runs, err := s.Runs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestSaveRun_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	in := sampleRun(t, "run-a", started)

	id, err := s.SaveRun(ctx, in, "out/batch/2026-10-16--09-00-01")
	require.NoError(t, err)
	assert.Equal(t, "run-a", id)

	runs, err := s.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "out/batch/2026-10-16--09-00-01", runs[0].OutputDir)
	assert.True(t, started.Equal(runs[0].Manifest.StartedAt))
	assert.Equal(t, 2, runs[0].Manifest.Fitted)

	recs, err := s.Records(ctx, id)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "trace_01", recs[0].Identity().Trace, "records come back ordered by trace")

	want, err := in.Records[1].Snapshot()
	require.NoError(t, err)
	got, err := recs[0].Snapshot()
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("record changed in store (-want +got):\n%s", diff)
	}

	failures, err := s.Failures(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, in.Failures, failures)
}

func TestSaveRun_GeneratesID(t *testing.T) {
	s := openTestStore(t)
	id, err := s.SaveRun(context.Background(), sampleRun(t, "", time.Unix(0, 0)), "dir")
	require.NoError(t, err)
	assert.Len(t, id, 36)
}

func TestSaveRun_DuplicateIDIsRejectedAtomically(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.SaveRun(ctx, sampleRun(t, "dup", time.Unix(10, 0)), "a")
	require.NoError(t, err)
	_, err = s.SaveRun(ctx, sampleRun(t, "dup", time.Unix(20, 0)), "b")
	require.Error(t, err)

	runs, err := s.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "a", runs[0].OutputDir)
}

func TestRuns_MostRecentFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.SaveRun(ctx, sampleRun(t, "old", time.Unix(100, 0)), "old")
	require.NoError(t, err)
	_, err = s.SaveRun(ctx, sampleRun(t, "new", time.Unix(200, 0)), "new")
	require.NoError(t, err)

	runs, err := s.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].Manifest.RunID)

	centres, err := s.Centres(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, centres, 4)
	for _, c := range centres {
		assert.InDelta(t, 50, c, 2)
	}
}

func TestRetryOnBusy(t *testing.T) {
	calls := 0
	err := retryOnBusy(func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	boom := errors.New("boom")
	err = retryOnBusy(func() error {
		calls++
		return boom
	})
	assert.Equal(t, boom, err)
	assert.Equal(t, 1, calls)

	calls = 0
	err = retryOnBusy(func() error {
		calls++
		return errors.New("SQLITE_BUSY")
	})
	require.Error(t, err)
	assert.Equal(t, maxBusyRetries, calls)
}
