// Package jobstoretest holds the behavioural contract every jobstore.Store
// implementation must satisfy. Backend test files call Run with a factory.
package jobstoretest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/cube-builder/internal/jobstore"
	"github.com/ChuLiYu/cube-builder/pkg/types"
)

// Fixture is a one-tile, two-period build with its four jobs and two counters.
type Fixture struct {
	Build    *types.Build
	Jobs     []*types.Job
	Counters []*types.FanInCounter

	Merge1, Merge2, Blend, Publish types.JobID
	MergeCounter, BlendCounter     types.CounterKey
}

// NewFixture builds the fixture for the given build id.
func NewFixture(id types.BuildID) *Fixture {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p1 := types.Period{Index: 0, Start: start, End: start.AddDate(0, 0, 16)}
	p2 := types.Period{Index: 1, Start: p1.End, End: p1.End.AddDate(0, 0, 16)}
	tile := types.Tile{ID: "000000", Width: 2, Height: 2}

	f := &Fixture{
		Build: &types.Build{ID: id, Request: types.BuildRequest{
			Cube: "S2-16D", Version: 1, Start: p1.Start, End: p2.End,
			Composite: types.CompositeFirstValid, Bands: []string{"B04"},
		}},
		Merge1:       types.MergeJobID(id, tile.ID, p1),
		Merge2:       types.MergeJobID(id, tile.ID, p2),
		Blend:        types.BlendJobID(id, tile.ID),
		Publish:      types.PublishJobID(id, tile.ID),
		MergeCounter: types.MergeCounterKey(id, tile.ID),
		BlendCounter: types.BlendCounterKey(id),
	}
	f.Jobs = []*types.Job{
		{ID: f.Merge1, Build: id, Stage: types.StageMerge, Tile: tile.ID, Period: 0, Parent: f.MergeCounter,
			Merge: &types.MergeTask{Unit: types.WorkUnit{Tile: tile, Period: p1}}},
		{ID: f.Merge2, Build: id, Stage: types.StageMerge, Tile: tile.ID, Period: 1, Parent: f.MergeCounter,
			Merge: &types.MergeTask{Unit: types.WorkUnit{Tile: tile, Period: p2}}},
		{ID: f.Blend, Build: id, Stage: types.StageBlend, Tile: tile.ID, Period: -1, Guard: f.MergeCounter, Parent: f.BlendCounter,
			Blend: &types.BlendTask{Tile: tile, Periods: []types.Period{p1, p2}}},
		{ID: f.Publish, Build: id, Stage: types.StagePublish, Tile: tile.ID, Period: -1, Guard: f.BlendCounter,
			Publish: &types.PublishTask{Tile: tile}},
	}
	f.Counters = []*types.FanInCounter{
		{Key: f.MergeCounter, Build: id, Initial: 2, Downstream: []types.JobID{f.Blend}},
		{Key: f.BlendCounter, Build: id, Initial: 1, Downstream: []types.JobID{f.Publish}},
	}
	return f
}

// Create persists the fixture.
func (f *Fixture) Create(t *testing.T, s jobstore.Store) {
	t.Helper()
	require.NoError(t, s.CreateBuild(context.Background(), f.Build, f.Jobs, f.Counters))
}

// Run executes the contract against stores produced by open. Each subtest
// gets a fresh store.
func Run(t *testing.T, open func(t *testing.T) jobstore.Store) {
	ctx := context.Background()
	deadline := func() time.Time { return time.Now().Add(time.Minute) }

	t.Run("CreateBuild", func(t *testing.T) {
		s := open(t)
		f := NewFixture("b1")
		f.Create(t, s)

		b, err := s.GetBuild(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, "S2-16D", b.Request.Cube)
		assert.NotZero(t, b.CreatedAt)

		jobs, err := s.ListJobs(ctx, "b1")
		require.NoError(t, err)
		require.Len(t, jobs, 4)
		for i := 1; i < len(jobs); i++ {
			assert.Less(t, jobs[i-1].ID, jobs[i].ID, "jobs are ordered by id")
		}
		for _, j := range jobs {
			assert.Equal(t, types.StatusPending, j.Status)
			assert.Zero(t, j.Attempt)
		}

		c, err := s.GetCounter(ctx, f.MergeCounter)
		require.NoError(t, err)
		assert.Equal(t, 2, c.Remaining)
		assert.Equal(t, []types.JobID{f.Blend}, c.Downstream)

		builds, err := s.ListBuilds(ctx)
		require.NoError(t, err)
		assert.Len(t, builds, 1)

		err = s.CreateBuild(ctx, f.Build, f.Jobs, f.Counters)
		assert.ErrorIs(t, err, jobstore.ErrDuplicateBuild)

		_, err = s.GetBuild(ctx, "missing")
		assert.ErrorIs(t, err, jobstore.ErrNotFound)
		_, err = s.GetJob(ctx, "missing")
		assert.ErrorIs(t, err, jobstore.ErrNotFound)
		_, err = s.GetCounter(ctx, "missing")
		assert.ErrorIs(t, err, jobstore.ErrNotFound)
	})

	t.Run("DispatchIsCompareAndSwap", func(t *testing.T) {
		s := open(t)
		f := NewFixture("b1")
		f.Create(t, s)

		j, err := s.Dispatch(ctx, f.Merge1, deadline())
		require.NoError(t, err)
		assert.Equal(t, types.StatusDispatched, j.Status)
		assert.Equal(t, 1, j.Attempt)
		require.NotNil(t, j.Deadline)

		_, err = s.Dispatch(ctx, f.Merge1, deadline())
		assert.ErrorIs(t, err, jobstore.ErrStale)

		_, err = s.Dispatch(ctx, f.Blend, deadline())
		assert.ErrorIs(t, err, jobstore.ErrBlocked)

		_, err = s.Dispatch(ctx, "missing", deadline())
		assert.ErrorIs(t, err, jobstore.ErrNotFound)
	})

	t.Run("CompleteIsCompareAndSwap", func(t *testing.T) {
		s := open(t)
		f := NewFixture("b1")
		f.Create(t, s)

		_, err := s.Complete(ctx, f.Merge1, 1, jobstore.Outcome{Status: types.StatusSucceeded})
		assert.ErrorIs(t, err, jobstore.ErrStale, "not dispatched yet")

		_, err = s.Dispatch(ctx, f.Merge1, deadline())
		require.NoError(t, err)

		_, err = s.Complete(ctx, f.Merge1, 2, jobstore.Outcome{Status: types.StatusSucceeded})
		assert.ErrorIs(t, err, jobstore.ErrStale, "wrong attempt")

		_, err = s.Complete(ctx, f.Merge1, 1, jobstore.Outcome{Status: types.StatusPending})
		assert.ErrorIs(t, err, jobstore.ErrInvalidOutcome)

		out := &types.AssetRef{Key: types.AssetKey{Cube: "S2-16D", Version: 1, Tile: "000000", Stage: types.StageMerge}, Efficacy: 50}
		j, err := s.Complete(ctx, f.Merge1, 1, jobstore.Outcome{Status: types.StatusSucceeded, Output: out})
		require.NoError(t, err)
		assert.Equal(t, types.StatusSucceeded, j.Status)
		assert.Nil(t, j.Deadline)
		require.NotNil(t, j.Output)
		assert.Equal(t, 50.0, j.Output.Efficacy)

		_, err = s.Complete(ctx, f.Merge1, 1, jobstore.Outcome{Status: types.StatusFailed, Error: "late"})
		assert.ErrorIs(t, err, jobstore.ErrStale, "duplicate completion")

		stored, err := s.GetJob(ctx, f.Merge1)
		require.NoError(t, err)
		assert.Equal(t, types.StatusSucceeded, stored.Status)
		assert.Empty(t, stored.LastError)
	})

	t.Run("FailedJobsBecomeDue", func(t *testing.T) {
		s := open(t)
		f := NewFixture("b1")
		f.Create(t, s)

		_, err := s.Dispatch(ctx, f.Merge1, deadline())
		require.NoError(t, err)
		retryAt := time.Now().Add(time.Hour)
		j, err := s.Complete(ctx, f.Merge1, 1, jobstore.Outcome{Status: types.StatusFailed, Error: "boom", NotBefore: retryAt})
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailed, j.Status)
		assert.Equal(t, "boom", j.LastError)

		due, err := s.DueJobs(ctx, time.Now())
		require.NoError(t, err)
		assert.Empty(t, due)

		due, err = s.DueJobs(ctx, retryAt.Add(time.Second))
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, f.Merge1, due[0].ID)

		j, err = s.Dispatch(ctx, f.Merge1, deadline())
		require.NoError(t, err)
		assert.Equal(t, 2, j.Attempt)
	})

	t.Run("ExpiredJobs", func(t *testing.T) {
		s := open(t)
		f := NewFixture("b1")
		f.Create(t, s)

		_, err := s.Dispatch(ctx, f.Merge1, time.Now().Add(-time.Second))
		require.NoError(t, err)
		_, err = s.Dispatch(ctx, f.Merge2, deadline())
		require.NoError(t, err)

		expired, err := s.ExpiredJobs(ctx, time.Now())
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, f.Merge1, expired[0].ID)
	})

	t.Run("DecrementIsIdempotentPerMember", func(t *testing.T) {
		s := open(t)
		f := NewFixture("b1")
		f.Create(t, s)

		remaining, fired, err := s.Decrement(ctx, f.MergeCounter, f.Merge1)
		require.NoError(t, err)
		assert.Equal(t, 1, remaining)
		assert.False(t, fired)

		remaining, fired, err = s.Decrement(ctx, f.MergeCounter, f.Merge1)
		require.NoError(t, err)
		assert.Equal(t, 1, remaining, "duplicate member is a no-op")
		assert.False(t, fired)

		remaining, fired, err = s.Decrement(ctx, f.MergeCounter, f.Merge2)
		require.NoError(t, err)
		assert.Equal(t, 0, remaining)
		assert.True(t, fired)

		_, fired, err = s.Decrement(ctx, f.MergeCounter, f.Merge2)
		require.NoError(t, err)
		assert.False(t, fired, "zero crossing is reported once")

		c, err := s.GetCounter(ctx, f.MergeCounter)
		require.NoError(t, err)
		assert.ElementsMatch(t, []types.JobID{f.Merge1, f.Merge2}, c.Applied)

		j, err := s.Dispatch(ctx, f.Blend, deadline())
		require.NoError(t, err, "guard reached zero")
		assert.Equal(t, types.StatusDispatched, j.Status)

		_, _, err = s.Decrement(ctx, "missing", f.Merge1)
		assert.ErrorIs(t, err, jobstore.ErrNotFound)
	})

	t.Run("ConcurrentDecrementFiresOnce", func(t *testing.T) {
		s := open(t)
		f := NewFixture("b1")
		f.Create(t, s)

		var fires atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			member := f.Merge1
			if i%2 == 1 {
				member = f.Merge2
			}
			wg.Add(1)
			go func(member types.JobID) {
				defer wg.Done()
				_, fired, err := s.Decrement(ctx, f.MergeCounter, member)
				assert.NoError(t, err)
				if fired {
					fires.Add(1)
				}
			}(member)
		}
		wg.Wait()

		assert.Equal(t, int32(1), fires.Load())
		c, err := s.GetCounter(ctx, f.MergeCounter)
		require.NoError(t, err)
		assert.Equal(t, 0, c.Remaining)
	})

	t.Run("ConcurrentCompleteWinsOnce", func(t *testing.T) {
		s := open(t)
		f := NewFixture("b1")
		f.Create(t, s)
		_, err := s.Dispatch(ctx, f.Merge1, deadline())
		require.NoError(t, err)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Complete(ctx, f.Merge1, 1, jobstore.Outcome{Status: types.StatusSucceeded})
				if err == nil {
					wins.Add(1)
					return
				}
				assert.ErrorIs(t, err, jobstore.ErrStale)
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("CancelStopsNonTerminalJobs", func(t *testing.T) {
		s := open(t)
		f := NewFixture("b1")
		f.Create(t, s)

		_, err := s.Dispatch(ctx, f.Merge1, deadline())
		require.NoError(t, err)
		_, err = s.Dispatch(ctx, f.Merge2, deadline())
		require.NoError(t, err)
		_, err = s.Complete(ctx, f.Merge2, 1, jobstore.Outcome{Status: types.StatusSucceeded})
		require.NoError(t, err)

		cancelled, err := s.Cancel(ctx, "b1")
		require.NoError(t, err)
		assert.ElementsMatch(t, []types.JobID{f.Merge1, f.Blend, f.Publish}, cancelled)

		b, err := s.GetBuild(ctx, "b1")
		require.NoError(t, err)
		assert.True(t, b.Cancelled)

		_, err = s.Complete(ctx, f.Merge1, 1, jobstore.Outcome{Status: types.StatusSucceeded})
		assert.ErrorIs(t, err, jobstore.ErrStale, "late completion after cancel")

		j, err := s.GetJob(ctx, f.Merge2)
		require.NoError(t, err)
		assert.Equal(t, types.StatusSucceeded, j.Status, "terminal jobs keep their status")

		_, err = s.Cancel(ctx, "missing")
		assert.ErrorIs(t, err, jobstore.ErrNotFound)
	})

	t.Run("MarkSkippedOnlyTouchesPending", func(t *testing.T) {
		s := open(t)
		f := NewFixture("b1")
		f.Create(t, s)

		_, err := s.Dispatch(ctx, f.Merge1, deadline())
		require.NoError(t, err)

		skipped, err := s.MarkSkipped(ctx, []types.JobID{f.Merge1, f.Publish})
		require.NoError(t, err)
		assert.Equal(t, []types.JobID{f.Publish}, skipped)

		j, err := s.GetJob(ctx, f.Publish)
		require.NoError(t, err)
		assert.Equal(t, types.StatusSkipped, j.Status)

		skipped, err = s.MarkSkipped(ctx, []types.JobID{f.Publish})
		require.NoError(t, err)
		assert.Empty(t, skipped)
	})
}
