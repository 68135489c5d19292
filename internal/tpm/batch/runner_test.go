package batch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunner_CompletesAndReportsState(t *testing.T) {
	quiet(t)
	d, _ := newDriver()
	r := NewRunner(d)
	assert.Equal(t, StatusIdle, r.State().Status)

	inputs := unimodalInputs(3)
	inputs[2].Samples = []float64{500}
	require.NoError(t, r.Start(context.Background(), inputs, resolve(t, withOutput("out")), nil))

	res, err := r.Wait()
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)

	state := r.State()
	assert.Equal(t, StatusComplete, state.Status)
	assert.Equal(t, 3, state.Total)
	assert.Equal(t, 3, state.Completed)
	require.Len(t, state.Failures, 1)
	assert.Equal(t, res.Dir, state.Dir)
	assert.NotNil(t, state.StartedAt)
	assert.NotNil(t, state.CompletedAt)
	assert.Empty(t, state.Error)
}

func TestRunner_CancelledContext(t *testing.T) {
	quiet(t)
	d, _ := newDriver()
	r := NewRunner(d)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Start(ctx, unimodalInputs(2), resolve(t, nil), nil))

	_, err := r.Wait()
	assert.ErrorIs(t, err, context.Canceled)
	state := r.State()
	assert.Equal(t, StatusError, state.Status)
	assert.Contains(t, state.Error, "canceled")
}

func TestRunner_RestartAfterCompletion(t *testing.T) {
	quiet(t)
	d, _ := newDriver()
	r := NewRunner(d)
	run := resolve(t, nil)

	require.NoError(t, r.Start(context.Background(), unimodalInputs(1), run, nil))
	_, err := r.Wait()
	require.NoError(t, err)

	require.NoError(t, r.Start(context.Background(), unimodalInputs(2), run, nil))
	res, err := r.Wait()
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)
	r.Stop()
}

func TestRunner_WaitWithoutStart(t *testing.T) {
	_, err := NewRunner(New()).Wait()
	assert.Error(t, err)
}
