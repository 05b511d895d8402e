package jobstore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/cube-builder/internal/jobstore"
	"github.com/ChuLiYu/cube-builder/internal/jobstore/jobstoretest"
	"github.com/ChuLiYu/cube-builder/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func durableOptions(dir string) jobstore.Options {
	return jobstore.Options{
		WALPath:      filepath.Join(dir, "wal.log"),
		SnapshotPath: filepath.Join(dir, "snapshot.json"),
	}
}

func openDurable(t *testing.T, dir string) *jobstore.Memory {
	t.Helper()
	m, err := jobstore.OpenMemory(durableOptions(dir))
	require.NoError(t, err)
	return m
}

// ============================================================================
// Contract
// ============================================================================

func TestMemoryContract(t *testing.T) {
	jobstoretest.Run(t, func(t *testing.T) jobstore.Store {
		return jobstore.NewMemory()
	})
}

func TestDurableMemoryContract(t *testing.T) {
	jobstoretest.Run(t, func(t *testing.T) jobstore.Store {
		m := openDurable(t, t.TempDir())
		t.Cleanup(func() { m.Close() })
		return m
	})
}

// ============================================================================
// Recovery Tests
// ============================================================================

func TestRecoveryFromWAL(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f := jobstoretest.NewFixture("b1")

	m := openDurable(t, dir)
	f.Create(t, m)
	_, err := m.Dispatch(ctx, f.Merge1, time.Now().Add(time.Minute))
	require.NoError(t, err)
	_, err = m.Complete(ctx, f.Merge1, 1, jobstore.Outcome{Status: types.StatusSucceeded})
	require.NoError(t, err)
	_, _, err = m.Decrement(ctx, f.MergeCounter, f.Merge1)
	require.NoError(t, err)
	_, err = m.Dispatch(ctx, f.Merge2, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, m.Close())

	_, err = m.Cancel(ctx, "b1")
	assert.ErrorIs(t, err, jobstore.ErrClosed)

	recovered := openDurable(t, dir)
	defer recovered.Close()

	j, err := recovered.GetJob(ctx, f.Merge1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSucceeded, j.Status)

	j, err = recovered.GetJob(ctx, f.Merge2)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDispatched, j.Status)
	assert.Equal(t, 1, j.Attempt)

	c, err := recovered.GetCounter(ctx, f.MergeCounter)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Remaining)

	// 重放後的遞減仍然對成員冪等
	_, fired, err := recovered.Decrement(ctx, f.MergeCounter, f.Merge1)
	require.NoError(t, err)
	assert.False(t, fired)

	jobs, err := recovered.ListJobs(ctx, "b1")
	require.NoError(t, err)
	assert.Len(t, jobs, 4)
}

func TestRecoveryFromSnapshotAndWAL(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f := jobstoretest.NewFixture("b1")

	m := openDurable(t, dir)
	f.Create(t, m)
	_, err := m.Dispatch(ctx, f.Merge1, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, m.Checkpoint())

	// 快照之後的變更只存在於新的 WAL
	_, err = m.Complete(ctx, f.Merge1, 1, jobstore.Outcome{Status: types.StatusExhausted, Error: "corrupt"})
	require.NoError(t, err)
	_, fired, err := m.Decrement(ctx, f.MergeCounter, f.Merge1)
	require.NoError(t, err)
	assert.False(t, fired)
	_, err = m.Cancel(ctx, "b1")
	require.NoError(t, err)
	require.NoError(t, m.Close())

	recovered := openDurable(t, dir)
	defer recovered.Close()

	j, err := recovered.GetJob(ctx, f.Merge1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExhausted, j.Status)
	assert.Equal(t, "corrupt", j.LastError)

	b, err := recovered.GetBuild(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, b.Cancelled)

	j, err = recovered.GetJob(ctx, f.Blend)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, j.Status)

	c, err := recovered.GetCounter(ctx, f.MergeCounter)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Remaining)
	assert.Equal(t, []types.JobID{f.Merge1}, c.Applied)
}

func TestCheckpointWithoutPersistenceIsNoop(t *testing.T) {
	m := jobstore.NewMemory()
	assert.NoError(t, m.Checkpoint())
	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close(), "close is idempotent")
}

func TestRepeatedCheckpoints(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	m := openDurable(t, dir)
	for i, id := range []types.BuildID{"b1", "b2", "b3"} {
		jobstoretest.NewFixture(id).Create(t, m)
		if i < 2 {
			require.NoError(t, m.Checkpoint())
		}
	}
	require.NoError(t, m.Close())

	recovered := openDurable(t, dir)
	defer recovered.Close()
	builds, err := recovered.ListBuilds(ctx)
	require.NoError(t, err)
	assert.Len(t, builds, 3)
}
