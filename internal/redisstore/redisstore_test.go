package redisstore

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/cube-builder/internal/jobstore"
	"github.com/ChuLiYu/cube-builder/internal/jobstore/jobstoretest"
	"github.com/ChuLiYu/cube-builder/pkg/types"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := WithCounters(jobstore.NewMemory(), NewPool(mr.Addr()), "test:")
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestContract(t *testing.T) {
	jobstoretest.Run(t, func(t *testing.T) jobstore.Store {
		s, _ := newTestStore(t)
		return s
	})
}

func TestCountersLiveInRedis(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	f := jobstoretest.NewFixture("b1")
	f.Create(t, s)

	got, err := mr.Get("test:counter:{b1/merge/000000}:remaining")
	require.NoError(t, err)
	assert.Equal(t, "2", got)

	_, _, err = s.Decrement(ctx, f.MergeCounter, f.Merge1)
	require.NoError(t, err)

	got, err = mr.Get("test:counter:{b1/merge/000000}:remaining")
	require.NoError(t, err)
	assert.Equal(t, "1", got)

	members, err := mr.Members("test:counter:{b1/merge/000000}:members")
	require.NoError(t, err)
	assert.Equal(t, []string{string(f.Merge1)}, members)
}

func TestZeroCrossingWaitsForMirror(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	f := jobstoretest.NewFixture("b1")
	f.Create(t, s)

	// 另一個排程器行程已在 redis 套用 Merge2，但本行程的基礎儲存尚未鏡像
	_, err := mr.SAdd("test:counter:{b1/merge/000000}:members", string(f.Merge2))
	require.NoError(t, err)
	mr.Set("test:counter:{b1/merge/000000}:remaining", "1")

	remaining, fired, err := s.Decrement(ctx, f.MergeCounter, f.Merge1)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
	assert.False(t, fired, "base store still has Merge2 outstanding")
	assert.True(t, mr.Exists("test:counter:{b1/merge/000000}:fired"))

	c, err := s.GetCounter(ctx, f.MergeCounter)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Remaining)
	assert.Equal(t, []types.JobID{f.Merge1}, c.Applied, "only mirrored members count as applied")

	_, fired, err = s.Decrement(ctx, f.MergeCounter, f.Merge2)
	require.NoError(t, err)
	assert.True(t, fired, "the call that completes the mirror claims the zero crossing")
	assert.False(t, mr.Exists("test:counter:{b1/merge/000000}:fired"))

	_, fired, err = s.Decrement(ctx, f.MergeCounter, f.Merge2)
	require.NoError(t, err)
	assert.False(t, fired, "zero crossing is claimed once")

	_, err = s.Dispatch(ctx, f.Blend, time.Now().Add(time.Minute))
	require.NoError(t, err, "mirrored counter unblocks the base store")
}

// flakyBase fails the next n base Decrement calls
type flakyBase struct {
	jobstore.Store
	fails atomic.Int32
}

var errTransient = errors.New("transient")

func (f *flakyBase) Decrement(ctx context.Context, key types.CounterKey, member types.JobID) (int, bool, error) {
	if f.fails.Add(-1) >= 0 {
		return 0, false, errTransient
	}
	return f.Store.Decrement(ctx, key, member)
}

func TestMirrorFailureKeepsZeroCrossing(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	base := &flakyBase{Store: jobstore.NewMemory()}
	s := WithCounters(base, NewPool(mr.Addr()), "test:")
	t.Cleanup(func() { s.Close() })
	f := jobstoretest.NewFixture("b1")
	f.Create(t, s)

	_, fired, err := s.Decrement(ctx, f.MergeCounter, f.Merge1)
	require.NoError(t, err)
	assert.False(t, fired)

	base.fails.Store(1)
	_, fired, err = s.Decrement(ctx, f.MergeCounter, f.Merge2)
	require.ErrorIs(t, err, errTransient)
	assert.False(t, fired)

	c, err := s.GetCounter(ctx, f.MergeCounter)
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{f.Merge1}, c.Applied, "unmirrored member is not applied yet")

	_, fired, err = s.Decrement(ctx, f.MergeCounter, f.Merge2)
	require.NoError(t, err)
	assert.True(t, fired, "retrying the member reports the zero crossing")

	_, fired, err = s.Decrement(ctx, f.MergeCounter, f.Merge2)
	require.NoError(t, err)
	assert.False(t, fired)
}

func TestRecreateKeepsExistingCounters(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	f := jobstoretest.NewFixture("b1")
	f.Create(t, s)

	_, _, err := s.Decrement(ctx, f.MergeCounter, f.Merge1)
	require.NoError(t, err)

	err = s.CreateBuild(ctx, f.Build, f.Jobs, f.Counters)
	assert.ErrorIs(t, err, jobstore.ErrDuplicateBuild)

	got, err := mr.Get("test:counter:{b1/merge/000000}:remaining")
	require.NoError(t, err)
	assert.Equal(t, "1", got, "SET NX does not reset a live counter")
}

func TestRedisUnavailable(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	f := jobstoretest.NewFixture("b1")
	f.Create(t, s)

	mr.Close()
	_, _, err := s.Decrement(ctx, f.MergeCounter, f.Merge1)
	assert.Error(t, err)

	c, err := s.Store.GetCounter(ctx, f.MergeCounter)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Remaining, "base store is not touched when redis fails")
}
