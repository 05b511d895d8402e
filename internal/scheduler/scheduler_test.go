package scheduler

// ============================================================================
// Scheduler Test File
// Purpose: Verify fan-in barriers, retry ceiling, degraded completion,
// idempotent completions, cancellation and recovery on every store backend
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/cube-builder/internal/assetstore"
	"github.com/ChuLiYu/cube-builder/internal/catalog"
	"github.com/ChuLiYu/cube-builder/internal/executor"
	"github.com/ChuLiYu/cube-builder/internal/jobstore"
	"github.com/ChuLiYu/cube-builder/internal/metrics"
	"github.com/ChuLiYu/cube-builder/internal/planner"
	"github.com/ChuLiYu/cube-builder/internal/raster"
	"github.com/ChuLiYu/cube-builder/internal/redisstore"
	"github.com/ChuLiYu/cube-builder/internal/retry"
	"github.com/ChuLiYu/cube-builder/internal/sqlstore"
	"github.com/ChuLiYu/cube-builder/internal/worker"
	"github.com/ChuLiYu/cube-builder/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

var errInjected = errors.New("injected worker failure")

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

// testRequest one 2x2-pixel tile, two 15-day periods
func testRequest() types.BuildRequest {
	return types.BuildRequest{
		Cube:    "S2-16D",
		Version: 1,
		Grid: types.GridDef{
			Name: "test", CRS: "EPSG:32723",
			OriginX: 0, OriginY: 20,
			TileSize: 20, PixelSize: 10,
			Rows: 1, Cols: 1,
		},
		Start:       date("2024-01-01"),
		End:         date("2024-01-31"),
		Period:      types.PeriodSpec{Unit: types.PeriodDay, Step: 15},
		Composite:   types.CompositeMedianOfValid,
		Collections: []string{"S2_L2A"},
		Bands:       []string{"red", "nir"},
		NoData:      -9999,
	}
}

func testScenes() StaticScenes {
	footprint := types.BBox{MinX: 0, MinY: 0, MaxX: 20, MaxY: 20}
	return StaticScenes{
		{ID: "s-jan03", Collection: "S2_L2A", Acquired: date("2024-01-03"), Footprint: footprint, CloudCover: 10},
		{ID: "s-jan20", Collection: "S2_L2A", Acquired: date("2024-01-20"), Footprint: footprint, CloudCover: 15},
	}
}

func testConfig() Config {
	return Config{
		WorkerCount:      2,
		TaskTimeout:      5 * time.Second,
		ScanInterval:     5 * time.Millisecond,
		SnapshotInterval: 20 * time.Millisecond,
		Retry:            retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}
}

func period(i int) types.Period {
	start := date("2024-01-01").AddDate(0, 0, 15*i)
	return types.Period{Index: i, Start: start, End: start.AddDate(0, 0, 15)}
}

// openStores returns a constructor per store backend
func openStores() map[string]func(t *testing.T) jobstore.Store {
	return map[string]func(t *testing.T) jobstore.Store{
		"memory": func(t *testing.T) jobstore.Store {
			return jobstore.NewMemory()
		},
		"durable": func(t *testing.T) jobstore.Store {
			dir := t.TempDir()
			s, err := jobstore.OpenMemory(jobstore.Options{
				WALPath:      filepath.Join(dir, "wal.log"),
				SnapshotPath: filepath.Join(dir, "snapshot.json"),
			})
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) jobstore.Store {
			s, err := sqlstore.Open(filepath.Join(t.TempDir(), "cube.db"))
			require.NoError(t, err)
			return s
		},
		"redis": func(t *testing.T) jobstore.Store {
			mr := miniredis.RunT(t)
			return redisstore.WithCounters(jobstore.NewMemory(), redisstore.NewPool(mr.Addr()), "test:")
		},
	}
}

// call one invocation seen by the harness, with the build's job states at that moment
type call struct {
	job    types.Job
	states map[types.JobID]types.JobStatus
}

// harness wraps the real executor with failure injection and call recording
type harness struct {
	t       *testing.T
	store   jobstore.Store
	catalog *catalog.Memory
	assets  assetstore.Store
	exec    *executor.Executor
	sched   *Scheduler

	mu    sync.Mutex
	calls []call
	fail  func(job types.Job) error
	gate  func(job types.Job)
}

func newHarness(t *testing.T, store jobstore.Store, cfg Config) *harness {
	t.Helper()
	assets, err := assetstore.NewFileStore(t.TempDir())
	require.NoError(t, err)
	h := &harness{t: t, store: store, catalog: catalog.NewMemory(), assets: assets}
	h.exec = executor.New(raster.Synthetic{NoData: -9999}, assets, h.catalog, store, executor.Config{})
	h.sched = New(store, testScenes(), worker.InvokerFunc(h.invoke), h.catalog, nil, cfg)
	t.Cleanup(func() {
		h.sched.Stop()
		store.Close()
	})
	return h
}

func (h *harness) invoke(ctx context.Context, job types.Job) (*types.AssetRef, error) {
	jobs, err := h.store.ListJobs(ctx, job.Build)
	if err != nil {
		return nil, err
	}
	states := make(map[types.JobID]types.JobStatus, len(jobs))
	for _, j := range jobs {
		states[j.ID] = j.Status
	}

	h.mu.Lock()
	h.calls = append(h.calls, call{job: job, states: states})
	fail, gate := h.fail, h.gate
	h.mu.Unlock()

	if gate != nil {
		gate(job)
	}
	if fail != nil {
		if err := fail(job); err != nil {
			return nil, err
		}
	}
	return h.exec.Invoke(ctx, job)
}

func (h *harness) callsFor(id types.JobID) []call {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []call
	for _, c := range h.calls {
		if c.job.ID == id {
			out = append(out, c)
		}
	}
	return out
}

func (h *harness) callsOf(stage types.Stage) []call {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []call
	for _, c := range h.calls {
		if c.job.Stage == stage {
			out = append(out, c)
		}
	}
	return out
}

func (h *harness) waitFinished(id types.BuildID) *types.BuildStatus {
	h.t.Helper()
	var st *types.BuildStatus
	require.Eventually(h.t, func() bool {
		var err error
		st, err = h.sched.Status(context.Background(), id)
		require.NoError(h.t, err)
		return st.Overall != types.OverallInProgress
	}, 10*time.Second, 10*time.Millisecond)
	return st
}

func (h *harness) job(id types.JobID) *types.Job {
	h.t.Helper()
	j, err := h.store.GetJob(context.Background(), id)
	require.NoError(h.t, err)
	return j
}

// ============================================================================
// Scenarios
// ============================================================================

// All merges succeed: one blend after both merges, publish after blend
func TestScenarioAllMergesSucceed(t *testing.T) {
	for name, open := range openStores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, open(t), testConfig())
			require.NoError(t, h.sched.Start(ctx))

			id, err := h.sched.Submit(ctx, testRequest())
			require.NoError(t, err)

			st := h.waitFinished(id)
			assert.Equal(t, types.OverallCompleted, st.Overall)
			require.Len(t, st.Tiles, 1)
			assert.Equal(t, types.StagePublish, st.Tiles[0].Stage)
			assert.Equal(t, types.StatusSucceeded, st.Tiles[0].Status)
			assert.False(t, st.Tiles[0].Degraded)

			merge0 := types.MergeJobID(id, "000000", period(0))
			merge1 := types.MergeJobID(id, "000000", period(1))
			blends := h.callsOf(types.StageBlend)
			require.Len(t, blends, 1, "exactly one blend dispatch")
			assert.Equal(t, types.StatusSucceeded, blends[0].states[merge0])
			assert.Equal(t, types.StatusSucceeded, blends[0].states[merge1])

			publishes := h.callsOf(types.StagePublish)
			require.Len(t, publishes, 1)
			assert.Equal(t, types.StatusSucceeded, publishes[0].states[types.BlendJobID(id, "000000")])

			_, err = h.catalog.Lookup(ctx, "S2-16D", "000000")
			assert.NoError(t, err, "publish registered the tile")
		})
	}
}

// A merge fails twice then succeeds: blend waits for the third attempt
func TestScenarioMergeRetriesThenSucceeds(t *testing.T) {
	for name, open := range openStores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, open(t), testConfig())
			h.fail = func(job types.Job) error {
				if job.Stage == types.StageMerge && job.Period == 0 && job.Attempt < 3 {
					return errInjected
				}
				return nil
			}
			require.NoError(t, h.sched.Start(ctx))

			id, err := h.sched.Submit(ctx, testRequest())
			require.NoError(t, err)

			st := h.waitFinished(id)
			assert.Equal(t, types.OverallCompleted, st.Overall)

			merge0 := types.MergeJobID(id, "000000", period(0))
			assert.Len(t, h.callsFor(merge0), 3)
			assert.Equal(t, 3, h.job(merge0).Attempt)
			assert.Equal(t, types.StatusSucceeded, h.job(merge0).Status)

			blends := h.callsOf(types.StageBlend)
			require.Len(t, blends, 1)
			assert.Equal(t, types.StatusSucceeded, blends[0].states[merge0], "blend never runs before the third success")
		})
	}
}

// A merge exhausts its retries: blend still runs, the build is degraded
func TestScenarioMergeExhausts(t *testing.T) {
	for name, open := range openStores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, open(t), testConfig())
			h.fail = func(job types.Job) error {
				if job.Stage == types.StageMerge && job.Period == 0 {
					return errInjected
				}
				return nil
			}
			require.NoError(t, h.sched.Start(ctx))

			id, err := h.sched.Submit(ctx, testRequest())
			require.NoError(t, err)

			st := h.waitFinished(id)
			assert.Equal(t, types.OverallCompletedDegraded, st.Overall)
			require.Len(t, st.Tiles, 1)
			assert.True(t, st.Tiles[0].Degraded)
			assert.Equal(t, []string{period(0).Key()}, st.Tiles[0].ExhaustedPeriods)
			assert.Equal(t, types.StatusSucceeded, st.Tiles[0].Status, "degraded tile still publishes")

			merge0 := types.MergeJobID(id, "000000", period(0))
			assert.Len(t, h.callsFor(merge0), 3, "attempts never exceed the ceiling")
			j := h.job(merge0)
			assert.Equal(t, types.StatusExhausted, j.Status)
			assert.Contains(t, j.LastError, errInjected.Error())

			blends := h.callsOf(types.StageBlend)
			require.Len(t, blends, 1)
			assert.Equal(t, types.StatusExhausted, blends[0].states[merge0])
		})
	}
}

// Two merge completions of one tile arrive together: two decrements, one blend
func TestScenarioSimultaneousMergeCompletions(t *testing.T) {
	for name, open := range openStores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, open(t), testConfig())

			var arrived sync.WaitGroup
			arrived.Add(2)
			release := make(chan struct{})
			var once sync.Once
			h.gate = func(job types.Job) {
				if job.Stage != types.StageMerge {
					return
				}
				arrived.Done()
				once.Do(func() {
					go func() {
						arrived.Wait()
						close(release)
					}()
				})
				<-release
			}
			require.NoError(t, h.sched.Start(ctx))

			id, err := h.sched.Submit(ctx, testRequest())
			require.NoError(t, err)

			st := h.waitFinished(id)
			assert.Equal(t, types.OverallCompleted, st.Overall)
			assert.Len(t, h.callsOf(types.StageBlend), 1, "exactly one blend dispatch")

			c, err := h.store.GetCounter(ctx, types.MergeCounterKey(id, "000000"))
			require.NoError(t, err)
			assert.Equal(t, 0, c.Remaining)
			assert.Len(t, c.Applied, 2, "the counter decremented exactly twice")
		})
	}
}

// ============================================================================
// Completion Handling
// ============================================================================

func barriersFired(t *testing.T, reg *prometheus.Registry) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, f := range families {
		if f.GetName() != "cube_barriers_fired_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestDuplicateCompletionsAreIdempotent(t *testing.T) {
	for name, open := range openStores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := prometheus.NewRegistry()
			prev := prometheus.DefaultRegisterer
			prometheus.DefaultRegisterer = reg
			t.Cleanup(func() { prometheus.DefaultRegisterer = prev })

			store := open(t)
			t.Cleanup(func() { store.Close() })
			s := New(store, testScenes(), worker.InvokerFunc(nil), nil, metrics.NewCollector(), testConfig())

			id, err := s.Submit(ctx, testRequest())
			require.NoError(t, err)

			merges := []types.JobID{
				types.MergeJobID(id, "000000", period(0)),
				types.MergeJobID(id, "000000", period(1)),
			}
			for _, m := range merges {
				_, err := store.Dispatch(ctx, m, time.Now().Add(time.Minute))
				require.NoError(t, err)
			}
			for s.queue.Len() > 0 {
				s.queue.Pop()
			}

			var wg sync.WaitGroup
			var mu sync.Mutex
			applied, stale := 0, 0
			for i := 0; i < 10; i++ {
				for _, m := range merges {
					wg.Add(1)
					go func(m types.JobID) {
						defer wg.Done()
						out := &types.AssetRef{Stage: types.StageMerge, Tile: "000000"}
						err := s.HandleResult(ctx, worker.Result{JobID: m, Attempt: 1, Output: out})
						mu.Lock()
						defer mu.Unlock()
						switch {
						case err == nil:
							applied++
						case errors.Is(err, jobstore.ErrStale):
							stale++
						default:
							t.Errorf("unexpected error: %v", err)
						}
					}(m)
				}
			}
			wg.Wait()

			assert.Equal(t, 2, applied, "one completion per merge wins")
			assert.Equal(t, 18, stale)
			assert.Equal(t, 1.0, barriersFired(t, reg), "the blend is released once")

			c, err := store.GetCounter(ctx, types.MergeCounterKey(id, "000000"))
			require.NoError(t, err)
			assert.Equal(t, 0, c.Remaining)
			assert.ElementsMatch(t, merges, c.Applied)

			queued, ok := s.queue.Pop()
			require.True(t, ok)
			assert.Equal(t, types.BlendJobID(id, "000000"), queued)
			assert.Equal(t, 0, s.queue.Len())
		})
	}
}

func TestFailedAttemptSchedulesBackoff(t *testing.T) {
	ctx := context.Background()
	now := date("2024-03-01")
	cfg := testConfig()
	cfg.Retry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}
	cfg.Now = func() time.Time { return now }

	store := jobstore.NewMemory()
	s := New(store, testScenes(), worker.InvokerFunc(nil), nil, nil, cfg)
	id, err := s.Submit(ctx, testRequest())
	require.NoError(t, err)

	merge0 := types.MergeJobID(id, "000000", period(0))
	_, err = store.Dispatch(ctx, merge0, now.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.HandleResult(ctx, worker.Result{JobID: merge0, Attempt: 1, Err: errInjected}))

	j, err := store.GetJob(ctx, merge0)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, j.Status)
	// first retry waits Base plus a jitter below Base
	assert.GreaterOrEqual(t, j.NotBefore, now.Add(time.Second).UnixMilli())
	assert.Less(t, j.NotBefore, now.Add(2*time.Second).UnixMilli())

	due, err := store.DueJobs(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due, "not due before its backoff")
	due, err = store.DueJobs(ctx, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestExpiredDispatchIsRetriedThenExhausted(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 2
	store := jobstore.NewMemory()
	s := New(store, testScenes(), worker.InvokerFunc(nil), nil, nil, cfg)

	id, err := s.Submit(ctx, testRequest())
	require.NoError(t, err)
	merge0 := types.MergeJobID(id, "000000", period(0))

	for attempt := 1; attempt <= 2; attempt++ {
		require.Eventually(t, func() bool {
			_, err := store.Dispatch(ctx, merge0, time.Now().Add(-time.Second))
			return err == nil
		}, time.Second, time.Millisecond)
		s.scan(ctx)
	}

	j, err := store.GetJob(ctx, merge0)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExhausted, j.Status)
	assert.Equal(t, 2, j.Attempt)
	assert.Contains(t, j.LastError, ErrLeaseExpired.Error())

	c, err := store.GetCounter(ctx, types.MergeCounterKey(id, "000000"))
	require.NoError(t, err)
	assert.Equal(t, 1, c.Remaining, "exhausted merge still decrements its tile counter")
}

// ============================================================================
// Submit / Cancel / Status
// ============================================================================

func TestSubmitRejectsConfigurationErrors(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemory()
	s := New(store, testScenes(), worker.InvokerFunc(nil), nil, nil, testConfig())

	req := testRequest()
	req.End = req.Start

	_, err := s.Submit(ctx, req)
	var cfgErr *planner.ConfigurationError
	require.True(t, errors.As(err, &cfgErr), "got %v", err)

	builds, err := store.ListBuilds(ctx)
	require.NoError(t, err)
	assert.Empty(t, builds, "nothing is persisted")
	assert.Equal(t, 0, s.queue.Len())
}

func TestSubmitSkipsPublishedTiles(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemory()
	cat := catalog.NewMemory()
	require.NoError(t, cat.RegisterAsset(ctx, "S2-16D", "000000", catalog.Metadata{Cube: "S2-16D", Version: 1, Tile: "000000"}))
	s := New(store, testScenes(), worker.InvokerFunc(nil), cat, nil, testConfig())

	id, err := s.Submit(ctx, testRequest())
	require.NoError(t, err)

	jobs, err := store.ListJobs(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	st, err := s.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.OverallCompleted, st.Overall)
	require.Len(t, st.Tiles, 1)
	assert.True(t, st.Tiles[0].Skipped)

	req := testRequest()
	req.Force = true
	id, err = s.Submit(ctx, req)
	require.NoError(t, err)
	jobs, err = store.ListJobs(ctx, id)
	require.NoError(t, err)
	assert.Len(t, jobs, 4, "two merges, one blend, one publish")

	req = testRequest()
	req.Version = 2
	id, err = s.Submit(ctx, req)
	require.NoError(t, err)
	jobs, err = store.ListJobs(ctx, id)
	require.NoError(t, err)
	assert.Len(t, jobs, 4, "a new version is not skipped")
}

func TestCancelIgnoresLateCompletions(t *testing.T) {
	for name, open := range openStores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, open(t), testConfig())
			unblock := make(chan struct{})
			h.gate = func(job types.Job) {
				if job.Stage == types.StageMerge {
					<-unblock
				}
			}
			require.NoError(t, h.sched.Start(ctx))

			id, err := h.sched.Submit(ctx, testRequest())
			require.NoError(t, err)
			require.Eventually(t, func() bool {
				return len(h.callsOf(types.StageMerge)) == 2
			}, 5*time.Second, 5*time.Millisecond)

			require.NoError(t, h.sched.Cancel(ctx, id))
			close(unblock)

			st := h.waitFinished(id)
			assert.Equal(t, types.OverallFailed, st.Overall)
			assert.True(t, st.Cancelled)

			// late results are rejected by the CAS
			time.Sleep(50 * time.Millisecond)
			jobs, err := h.store.ListJobs(ctx, id)
			require.NoError(t, err)
			for _, j := range jobs {
				assert.Equal(t, types.StatusCancelled, j.Status, j.ID)
			}
			assert.Empty(t, h.callsOf(types.StageBlend))
		})
	}
}

// failingDecrements fails the next n Decrement calls
type failingDecrements struct {
	jobstore.Store
	remaining atomic.Int32
}

func (f *failingDecrements) Decrement(ctx context.Context, key types.CounterKey, member types.JobID) (int, bool, error) {
	if f.remaining.Add(-1) >= 0 {
		return 0, false, errors.New("counter backend unavailable")
	}
	return f.Store.Decrement(ctx, key, member)
}

func TestFailedDecrementIsRepairedByScan(t *testing.T) {
	for name, open := range openStores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			cfg := testConfig()
			store := &failingDecrements{Store: open(t)}
			// results are handled one at a time, so the first terminal merge
			// uses up every retry of its decrement
			store.remaining.Store(int32(cfg.Retry.MaxAttempts))
			h := newHarness(t, store, cfg)
			require.NoError(t, h.sched.Start(ctx))

			id, err := h.sched.Submit(ctx, testRequest())
			require.NoError(t, err)

			st := h.waitFinished(id)
			assert.Equal(t, types.OverallCompleted, st.Overall)
			assert.LessOrEqual(t, store.remaining.Load(), int32(0), "the decrement failures were hit")
			assert.Len(t, h.callsOf(types.StageBlend), 1)
			assert.Len(t, h.callsOf(types.StagePublish), 1)

			c, err := store.GetCounter(ctx, types.MergeCounterKey(id, "000000"))
			require.NoError(t, err)
			assert.Equal(t, 0, c.Remaining)
			assert.ElementsMatch(t, []types.JobID{
				types.MergeJobID(id, "000000", period(0)),
				types.MergeJobID(id, "000000", period(1)),
			}, c.Applied)
		})
	}
}

func TestStatusUnknownBuild(t *testing.T) {
	s := New(jobstore.NewMemory(), testScenes(), worker.InvokerFunc(nil), nil, nil, testConfig())
	_, err := s.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, jobstore.ErrNotFound)
}

// ============================================================================
// Recovery
// ============================================================================

func TestRecoveryResumesBuild(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	opts := jobstore.Options{
		WALPath:      filepath.Join(dir, "wal.log"),
		SnapshotPath: filepath.Join(dir, "snapshot.json"),
	}

	// First process: merge1 finishes, merge0 is in flight when it dies
	store, err := jobstore.OpenMemory(opts)
	require.NoError(t, err)
	assets, err := assetstore.NewFileStore(t.TempDir())
	require.NoError(t, err)
	cat := catalog.NewMemory()
	exec := executor.New(raster.Synthetic{NoData: -9999}, assets, cat, store, executor.Config{})
	first := New(store, testScenes(), exec, cat, nil, testConfig())

	id, err := first.Submit(ctx, testRequest())
	require.NoError(t, err)
	merge0 := types.MergeJobID(id, "000000", period(0))
	merge1 := types.MergeJobID(id, "000000", period(1))

	_, err = store.Dispatch(ctx, merge0, time.Now().Add(time.Hour))
	require.NoError(t, err)
	j1, err := store.Dispatch(ctx, merge1, time.Now().Add(time.Hour))
	require.NoError(t, err)
	out, err := exec.Invoke(ctx, *j1)
	require.NoError(t, err)
	require.NoError(t, first.HandleResult(ctx, worker.Result{JobID: merge1, Attempt: 1, Output: out}))
	require.NoError(t, store.Close())

	// Second process recovers from the WAL and finishes the build
	store, err = jobstore.OpenMemory(opts)
	require.NoError(t, err)
	exec = executor.New(raster.Synthetic{NoData: -9999}, assets, cat, store, executor.Config{})
	second := New(store, testScenes(), exec, cat, nil, testConfig())
	require.NoError(t, second.Start(ctx))
	t.Cleanup(func() {
		second.Stop()
		store.Close()
	})

	require.Eventually(t, func() bool {
		st, err := second.Status(ctx, id)
		require.NoError(t, err)
		return st.Overall == types.OverallCompleted
	}, 10*time.Second, 10*time.Millisecond)

	j0, err := store.GetJob(ctx, merge0)
	require.NoError(t, err)
	assert.Equal(t, 2, j0.Attempt, "the lost dispatch counts as a failed attempt")

	j1, err = store.GetJob(ctx, merge1)
	require.NoError(t, err)
	assert.Equal(t, 1, j1.Attempt, "finished work is not redone")
}

func TestRecoveryReleasesFiredBarrier(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemory()
	s := New(store, testScenes(), worker.InvokerFunc(nil), nil, nil, testConfig())

	id, err := s.Submit(ctx, testRequest())
	require.NoError(t, err)

	// Both merges finished and decremented, but the blend release was lost
	for i := 0; i < 2; i++ {
		m := types.MergeJobID(id, "000000", period(i))
		_, err := store.Dispatch(ctx, m, time.Now().Add(time.Minute))
		require.NoError(t, err)
		_, err = store.Complete(ctx, m, 1, jobstore.Outcome{Status: types.StatusSucceeded, Output: &types.AssetRef{}})
		require.NoError(t, err)
		_, _, err = store.Decrement(ctx, types.MergeCounterKey(id, "000000"), m)
		require.NoError(t, err)
	}
	for s.queue.Len() > 0 {
		s.queue.Pop()
	}

	require.NoError(t, s.recoverBuilds(ctx))

	var queued []types.JobID
	for {
		id, ok := s.queue.Pop()
		if !ok {
			break
		}
		queued = append(queued, id)
	}
	assert.Equal(t, []types.JobID{types.BlendJobID(id, "000000")}, queued)
}

// ============================================================================
// Queue
// ============================================================================

func TestDispatchQueueDeduplicates(t *testing.T) {
	q := newDispatchQueue()
	q.Push("a", "b", "a")
	q.Push("b", "c")
	assert.Equal(t, 3, q.Len())

	var got []types.JobID
	for {
		id, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, id)
	}
	assert.Equal(t, []types.JobID{"a", "b", "c"}, got)

	q.Push("a")
	assert.Equal(t, 1, q.Len(), "an ID can be queued again once popped")

	select {
	case <-q.Ready():
	default:
		t.Fatal("push did not signal")
	}
}

func TestStaticScenesFiltersCollections(t *testing.T) {
	scenes := StaticScenes{
		{ID: "a", Collection: "S2_L2A"},
		{ID: "b", Collection: "LC08"},
	}
	got, err := scenes.Scenes(context.Background(), []string{"LC08"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)
}

func TestGraphShape(t *testing.T) {
	req := testRequest()
	req.Grid.Cols = 2
	plan, err := planner.Plan(req, testScenes())
	require.NoError(t, err)

	jobs, counters := buildGraph("b1", plan, []types.TileID{"000001"}, date("2024-03-01"))
	assert.Len(t, jobs, 4, "the skipped tile has no jobs")

	byKey := make(map[types.CounterKey]*types.FanInCounter)
	for _, c := range counters {
		byKey[c.Key] = c
	}
	require.Len(t, byKey, 2)
	assert.Equal(t, 2, byKey["b1/merge/000000"].Initial, "one per period")
	assert.Equal(t, []types.JobID{"b1/blend/000000"}, byKey["b1/merge/000000"].Downstream)
	assert.Equal(t, 1, byKey["b1/blend"].Initial, "one per non-skipped tile")
	assert.Equal(t, []types.JobID{"b1/publish/000000"}, byKey["b1/blend"].Downstream)

	for _, j := range jobs {
		switch j.Stage {
		case types.StageMerge:
			assert.Empty(t, j.Guard)
			assert.Equal(t, types.CounterKey("b1/merge/000000"), j.Parent)
		case types.StageBlend:
			assert.Equal(t, types.CounterKey("b1/merge/000000"), j.Guard)
			assert.Equal(t, types.CounterKey("b1/blend"), j.Parent)
		case types.StagePublish:
			assert.Equal(t, types.CounterKey("b1/blend"), j.Guard)
			assert.Empty(t, j.Parent)
		}
	}
}

func ExampleStaticScenes() {
	scenes := StaticScenes{{ID: "a", Collection: "S2_L2A"}}
	got, _ := scenes.Scenes(context.Background(), []string{"S2_L2A"})
	fmt.Println(len(got))
	// Output: 1
}
