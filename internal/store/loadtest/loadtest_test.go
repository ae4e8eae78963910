package loadtest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/structura-bim/structura/internal/store/db"
	"github.com/structura-bim/structura/internal/store/engine"
)

func TestCreateTestStore(t *testing.T) {
	dir := t.TempDir()

	ts, err := CreateTestStore(dir, 2, 10, 5)
	require.NoError(t, err)
	defer ts.Close()

	assert.Len(t, ts.ProjectIDs, 2)
	assert.Len(t, ts.ElementGUIDs, 20)
	assert.Len(t, ts.ActIDs, 5)

	stats, err := ts.Repo.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Projects)
	assert.Equal(t, 20, stats.Elements)
	assert.Equal(t, 20, stats.Pending)
	assert.Equal(t, 5, stats.Acts)
}

func TestRunConcurrentWindows(t *testing.T) {
	ts, err := CreateTestStore(t.TempDir(), 2, 10, 5)
	require.NoError(t, err)
	defer ts.Close()

	stats, err := ts.RunConcurrentWindows(4, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Errors)
	assert.Equal(t, 40, stats.TotalCalls)
	assert.LessOrEqual(t, stats.Min, stats.P50)
	assert.LessOrEqual(t, stats.P50, stats.Max)

	var buf bytes.Buffer
	stats.PrintStats(&buf)
	assert.Contains(t, buf.String(), "Total Calls:   40")
}

func TestRunConcurrentWindows_StatePersisted(t *testing.T) {
	dir := t.TempDir()
	ts, err := CreateTestStore(dir, 1, 10, 3)
	require.NoError(t, err)

	_, err = ts.RunConcurrentWindows(3, 10)
	require.NoError(t, err)

	before, err := ts.Repo.GetAllElements(context.Background())
	require.NoError(t, err)
	require.NoError(t, ts.Close())

	eng, err := engine.Open(ts.Engine.Path())
	require.NoError(t, err)
	defer eng.Close()

	after, err := db.New(eng).GetAllElements(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestVerifyConsistency(t *testing.T) {
	ts, err := CreateTestStore(t.TempDir(), 2, 5, 2)
	require.NoError(t, err)
	defer ts.Close()

	assert.NoError(t, ts.VerifyConsistency(3, 200*time.Millisecond))
}

func TestComputeLatencyStats(t *testing.T) {
	durations := make([]time.Duration, 100)
	for i := range durations {
		durations[i] = time.Duration(100-i) * time.Millisecond
	}

	stats := computeLatencyStats(durations)
	assert.Equal(t, time.Millisecond, stats.Min)
	assert.Equal(t, 100*time.Millisecond, stats.Max)
	assert.Equal(t, 51*time.Millisecond, stats.P50)
	assert.Equal(t, 96*time.Millisecond, stats.P95)
	assert.Equal(t, 100, stats.TotalCalls)

	assert.Equal(t, &LatencyStats{}, computeLatencyStats(nil))
}
