// ============================================================================
// cube-builder Dependency Scheduler - 建置協調器
// ============================================================================
//
// Package: internal/scheduler
// 文件: scheduler.go
// 功能: 接收建置請求、分派任務、處理結果、同步扇入屏障、重試與恢復
//
// 架構設計:
//   - Planner: 將請求分解為 (tile, period) 工作單元
//   - jobstore.Store: 任務與計數器的唯一真實來源（所有轉換都是 CAS）
//   - worker.Pool: 執行 merge / blend / publish 的工作池
//   - dispatchQueue: 待分派任務 ID 的 FIFO 佇列
//
// 核心循環 (4 個並發 Goroutine):
//   1. Dispatch Loop - 從佇列取任務，經過限速後以 CAS 分派給 worker
//   2. Result Loop - 接收 worker 執行結果，交給 HandleResult
//   3. Scan Loop - 定期處理逾時的分派並重新排入到期的失敗任務
//   4. Snapshot Loop - 儲存層支援時定期建立檢查點
//
// 扇入屏障:
//   merge / blend 進入終止狀態後，同步呼叫 Decrement(parent, jobID)。
//   只有讓計數器歸零的那次呼叫得到 fired=true，由它釋放下游任務，
//   因此重複或同時到達的完成回報最多只會釋放一次下游。
//
// 崩潰恢復流程 (Start):
//   1. 儲存層自行載入（記憶體儲存：快照 + WAL 重放）
//   2. 仍為 Dispatched 的任務以「重啟遺失」失敗處理
//   3. 重新套用終止任務的遞減（每個成員冪等）
//   4. 已歸零的計數器重新釋放下游，Pending 的 merge 與到期的 Failed 任務重新入列
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/cube-builder/internal/catalog"
	"github.com/ChuLiYu/cube-builder/internal/jobstore"
	"github.com/ChuLiYu/cube-builder/internal/metrics"
	"github.com/ChuLiYu/cube-builder/internal/planner"
	"github.com/ChuLiYu/cube-builder/internal/retry"
	"github.com/ChuLiYu/cube-builder/internal/worker"
	"github.com/ChuLiYu/cube-builder/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrLeaseExpired 分派超過截止時間仍未回報
	ErrLeaseExpired = errors.New("dispatch deadline exceeded")
	// ErrLostOnRestart 排程器重啟時任務仍在執行中
	ErrLostOnRestart = errors.New("dispatch lost on restart")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Scheduler 配置
type Config struct {
	WorkerCount      int           `yaml:"worker_count"`      // Worker 數量
	TaskTimeout      time.Duration `yaml:"task_timeout"`      // 單次執行超時
	LeaseTimeout     time.Duration `yaml:"lease_timeout"`     // 分派截止時間，預設 2 × TaskTimeout
	ScanInterval     time.Duration `yaml:"scan_interval"`     // 逾時與重試掃描間隔
	SnapshotInterval time.Duration `yaml:"snapshot_interval"` // 檢查點間隔
	QueueSize        int           `yaml:"queue_size"`        // worker 通道緩衝
	DispatchRate     float64       `yaml:"dispatch_rate"`     // 每秒分派數，0 表示不限速
	DispatchBurst    int           `yaml:"dispatch_burst"`
	Retry            retry.Policy  `yaml:"retry"`

	Now func() time.Time `yaml:"-"` // 測試可注入
}

// withDefaults 補齊未設定的欄位
func (c Config) withDefaults() Config {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 5 * time.Minute
	}
	if c.LeaseTimeout < c.TaskTimeout {
		c.LeaseTimeout = 2 * c.TaskTimeout
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = time.Second
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 30 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.DispatchBurst <= 0 {
		c.DispatchBurst = 1
	}
	c.Retry = c.Retry.WithDefaults()
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Checkpointer 由需要定期建立檢查點的儲存層實作（jobstore.Memory）
type Checkpointer interface {
	Checkpoint() error
}

// Scheduler 依賴排程器
type Scheduler struct {
	store   jobstore.Store
	scenes  SceneIndex
	catalog catalog.Catalog // 用於略過已發佈的 tile，可為 nil
	pool    *worker.Pool
	metrics *metrics.Collector
	limiter *rate.Limiter
	queue   *dispatchQueue
	config  Config

	ctx      context.Context // 分派使用，Stop 時取消
	cancel   context.CancelFunc
	inFlight atomic.Int64

	// 已終止但父計數器尚未確認遞減的任務，以及歸零後釋放失敗的計數器；
	// 由 scan 重新推進
	pendingMu        sync.Mutex
	pendingDecrement map[types.JobID]struct{}
	pendingRelease   map[types.CounterKey]struct{}

	mu        sync.Mutex
	started   bool
	stopped   bool
	stopCh    chan struct{}
	loopWg    sync.WaitGroup
	startTime time.Time
}

// New 建立新的 Scheduler 實例
//
// 參數：
//   - store: 任務狀態儲存
//   - scenes: 影像來源
//   - invoker: 執行任務的階段執行器
//   - cat: 已發佈 tile 的目錄，可為 nil
//   - m: 指標收集器，可為 nil
//   - config: 排程器配置
//
// 返回值：
//   - *Scheduler: Scheduler 實例
func New(store jobstore.Store, scenes SceneIndex, invoker worker.Invoker, cat catalog.Catalog, m *metrics.Collector, config Config) *Scheduler {
	config = config.withDefaults()

	limit := rate.Inf
	if config.DispatchRate > 0 {
		limit = rate.Limit(config.DispatchRate)
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		store:   store,
		scenes:  scenes,
		catalog: cat,
		pool:    worker.NewPool(invoker, config.QueueSize),
		metrics: m,
		limiter: rate.NewLimiter(limit, config.DispatchBurst),
		queue:   newDispatchQueue(),
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),

		pendingDecrement: make(map[types.JobID]struct{}),
		pendingRelease:   make(map[types.CounterKey]struct{}),
	}
}

// ============================================================================
// 公開方法
// ============================================================================

// Submit 規劃並建立建置，所有 merge 任務立即排入分派
//
// 參數：
//   - ctx: 上下文
//   - req: 建置請求
//
// 返回值：
//   - types.BuildID: 新建置的 ID
//   - error: *planner.ConfigurationError 時不會寫入任何狀態
func (s *Scheduler) Submit(ctx context.Context, req types.BuildRequest) (types.BuildID, error) {
	scenes, err := s.scenes.Scenes(ctx, req.Collections)
	if err != nil {
		return "", fmt.Errorf("failed to load scenes: %w", err)
	}

	plan, err := planner.Plan(req, scenes)
	if err != nil {
		return "", err
	}

	skipped, err := s.publishedTiles(ctx, req, plan.Tiles)
	if err != nil {
		return "", err
	}

	now := s.config.Now()
	id := types.BuildID(uuid.NewString())
	jobs, counters := buildGraph(id, plan, skipped, now)
	build := &types.Build{
		ID:           id,
		Request:      req,
		CreatedAt:    now.UnixMilli(),
		SkippedTiles: skipped,
	}

	if err := s.store.CreateBuild(ctx, build, jobs, counters); err != nil {
		return "", fmt.Errorf("failed to create build: %w", err)
	}

	s.queue.Push(mergeJobs(jobs)...)
	s.metrics.RecordSubmit()

	log.Info("Build submitted",
		"build", id,
		"cube", req.Cube,
		"tiles", len(plan.Tiles)-len(skipped),
		"skipped", len(skipped),
		"periods", len(plan.Periods),
		"jobs", len(jobs))
	return id, nil
}

// publishedTiles 回傳目錄中已發佈相同版本的 tile（Force 時為空）
func (s *Scheduler) publishedTiles(ctx context.Context, req types.BuildRequest, tiles []types.Tile) ([]types.TileID, error) {
	if req.Force || s.catalog == nil {
		return nil, nil
	}
	var skipped []types.TileID
	for _, tile := range tiles {
		md, err := s.catalog.Lookup(ctx, req.Cube, tile.ID)
		if errors.Is(err, catalog.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to look up tile %s: %w", tile.ID, err)
		}
		if md.Version == req.Version {
			skipped = append(skipped, tile.ID)
		}
	}
	return skipped, nil
}

// HandleResult 記錄一次嘗試的結果並推進依賴圖
//
// 流程：
//  1. Complete(id, attempt) CAS：重複、過期或已取消的回報回傳 jobstore.ErrStale，不做任何事
//  2. 成功 → Succeeded；失敗且仍有嘗試次數 → Failed（NotBefore = now + backoff）；否則 → Exhausted
//  3. 終止的 merge / blend 同步遞減父計數器，歸零時釋放下游
//
// 參數：
//   - ctx: 上下文
//   - result: worker 或遠端回報的結果
//
// 返回值：
//   - error: jobstore.ErrStale 或儲存層錯誤
func (s *Scheduler) HandleResult(ctx context.Context, result worker.Result) error {
	now := s.config.Now()
	outcome := jobstore.Outcome{Status: types.StatusSucceeded, Output: result.Output}
	if !result.Success() {
		outcome = jobstore.Outcome{Status: types.StatusExhausted, Error: result.Err.Error()}
		if !s.config.Retry.Exhausted(result.Attempt) {
			outcome.Status = types.StatusFailed
			outcome.NotBefore = now.Add(s.config.Retry.Delay(result.Attempt))
		}
	}

	job, err := s.store.Complete(ctx, result.JobID, result.Attempt, outcome)
	if errors.Is(err, jobstore.ErrStale) {
		s.metrics.RecordStale()
		log.Debug("Ignoring stale completion", "jobID", result.JobID, "attempt", result.Attempt)
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to complete %s: %w", result.JobID, err)
	}
	s.metrics.RecordOutcome(job.Stage, job.Status, result.Duration.Seconds())

	switch job.Status {
	case types.StatusSucceeded:
		log.Debug("Job succeeded", "jobID", job.ID, "attempt", job.Attempt, "duration", result.Duration)
	case types.StatusFailed:
		log.Warn("Job failed, will retry",
			"jobID", job.ID, "attempt", job.Attempt,
			"not_before", outcome.NotBefore, "error", result.Err)
		return nil
	case types.StatusExhausted:
		log.Warn("Job exhausted its retries",
			"jobID", job.ID, "attempts", job.Attempt, "error", result.Err)
	}

	return s.propagate(ctx, job)
}

// propagate 對終止任務的父計數器套用遞減，歸零時釋放下游
//
// 遞減或釋放失敗時記錄下來，由 scan 重試；兩者都可重複執行。
func (s *Scheduler) propagate(ctx context.Context, job *types.Job) error {
	if job.Parent == "" {
		return nil
	}

	var fired bool
	err := retry.Do(ctx, s.config.Retry, storeRetryable, func(ctx context.Context) error {
		var err error
		_, fired, err = s.store.Decrement(ctx, job.Parent, job.ID)
		return err
	})
	if err != nil {
		s.markPending(job.ID, "")
		return fmt.Errorf("failed to decrement %s for %s: %w", job.Parent, job.ID, err)
	}
	s.clearPending(job.ID, "")
	if !fired {
		return nil
	}
	if err := s.release(ctx, job.Parent); err != nil {
		s.markPending("", job.Parent)
		return err
	}
	return nil
}

func (s *Scheduler) markPending(job types.JobID, key types.CounterKey) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if job != "" {
		s.pendingDecrement[job] = struct{}{}
	}
	if key != "" {
		s.pendingRelease[key] = struct{}{}
	}
}

func (s *Scheduler) clearPending(job types.JobID, key types.CounterKey) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	delete(s.pendingDecrement, job)
	delete(s.pendingRelease, key)
}

// repairPending 重新推進先前遞減或釋放失敗的任務
func (s *Scheduler) repairPending(ctx context.Context) {
	s.pendingMu.Lock()
	jobs := make([]types.JobID, 0, len(s.pendingDecrement))
	for id := range s.pendingDecrement {
		jobs = append(jobs, id)
	}
	keys := make([]types.CounterKey, 0, len(s.pendingRelease))
	for key := range s.pendingRelease {
		keys = append(keys, key)
	}
	s.pendingMu.Unlock()

	for _, id := range jobs {
		job, err := s.store.GetJob(ctx, id)
		if err != nil {
			log.Error("Failed to reload job for propagation", "jobID", id, "error", err)
			continue
		}
		if err := s.propagate(ctx, job); err != nil {
			log.Error("Propagation still failing", "jobID", id, "error", err)
			continue
		}
		log.Info("Propagation repaired", "jobID", id, "counter", job.Parent)
	}
	for _, key := range keys {
		if err := s.release(ctx, key); err != nil {
			log.Error("Release still failing", "counter", key, "error", err)
			continue
		}
		s.clearPending("", key)
		log.Info("Release repaired", "counter", key)
	}
}

// release 釋放已歸零計數器的下游任務
//
// blend 計數器的下游是每個 tile 的 publish：blend 沒有成功的 tile 標記為 Skipped，
// 其餘排入分派。
func (s *Scheduler) release(ctx context.Context, key types.CounterKey) error {
	counter, err := s.store.GetCounter(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read counter %s: %w", key, err)
	}

	if key != types.BlendCounterKey(counter.Build) {
		s.queue.Push(counter.Downstream...)
		s.metrics.RecordBarrier(types.StageBlend)
		log.Info("Merges complete, blend released", "counter", key, "downstream", counter.Downstream)
		return nil
	}

	jobs, err := s.store.ListJobs(ctx, counter.Build)
	if err != nil {
		return fmt.Errorf("failed to list jobs of %s: %w", counter.Build, err)
	}
	blended := make(map[types.TileID]bool)
	for _, j := range jobs {
		if j.Stage == types.StageBlend && j.Status == types.StatusSucceeded {
			blended[j.Tile] = true
		}
	}

	var ready, skip []types.JobID
	for _, j := range jobs {
		if j.Stage != types.StagePublish {
			continue
		}
		if blended[j.Tile] {
			ready = append(ready, j.ID)
		} else {
			skip = append(skip, j.ID)
		}
	}
	if len(skip) > 0 {
		skippedIDs, err := s.store.MarkSkipped(ctx, skip)
		if err != nil {
			return fmt.Errorf("failed to skip publish jobs: %w", err)
		}
		if len(skippedIDs) > 0 {
			log.Warn("Publish skipped for tiles without blend output", "build", counter.Build, "jobs", skippedIDs)
		}
	}

	s.queue.Push(ready...)
	s.metrics.RecordBarrier(types.StagePublish)
	log.Info("Blends complete, publish released", "build", counter.Build, "publish", len(ready), "skipped", len(skip))
	return nil
}

// Cancel 取消建置：所有非終止任務標記為 Cancelled，之後的回報都會被忽略
func (s *Scheduler) Cancel(ctx context.Context, id types.BuildID) error {
	cancelled, err := s.store.Cancel(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to cancel build %s: %w", id, err)
	}
	log.Info("Build cancelled", "build", id, "jobs", len(cancelled))
	return nil
}

// Status 回傳建置的目前狀態
func (s *Scheduler) Status(ctx context.Context, id types.BuildID) (*types.BuildStatus, error) {
	build, err := s.store.GetBuild(ctx, id)
	if err != nil {
		return nil, err
	}
	jobs, err := s.store.ListJobs(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs of %s: %w", id, err)
	}
	return reduceStatus(build, jobs), nil
}

// ============================================================================
// 生命週期
// ============================================================================

// Start 執行恢復並啟動工作池與四個核心循環
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.startTime = time.Now()

	log.Info("Starting recovery...")
	if err := s.recoverBuilds(ctx); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}
	recoveryTime := time.Since(s.startTime)
	s.metrics.SetRecoveryTime(recoveryTime.Seconds())
	log.Info("Recovery completed", "duration", recoveryTime, "queued", s.queue.Len())

	if err := s.pool.Start(s.config.WorkerCount); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	s.loopWg.Add(4)
	go s.dispatchLoop()
	go s.resultLoop()
	go s.scanLoop()
	go s.snapshotLoop()

	s.started = true
	log.Info("Scheduler started", "workers", s.config.WorkerCount)
	return nil
}

// recoverBuilds 將儲存層中未完成的建置恢復到可繼續執行的狀態
func (s *Scheduler) recoverBuilds(ctx context.Context) error {
	builds, err := s.store.ListBuilds(ctx)
	if err != nil {
		return fmt.Errorf("failed to list builds: %w", err)
	}

	now := s.config.Now()
	for _, build := range builds {
		if build.Cancelled {
			continue
		}
		jobs, err := s.store.ListJobs(ctx, build.ID)
		if err != nil {
			return fmt.Errorf("failed to list jobs of %s: %w", build.ID, err)
		}

		parents := make(map[types.CounterKey]struct{})
		for _, job := range jobs {
			if job.Parent != "" {
				parents[job.Parent] = struct{}{}
			}

			switch {
			case job.Status == types.StatusDispatched:
				lost := worker.Result{JobID: job.ID, Attempt: job.Attempt, Err: ErrLostOnRestart}
				if err := s.HandleResult(ctx, lost); err != nil && !errors.Is(err, jobstore.ErrStale) {
					return err
				}
			case job.Status == types.StatusSucceeded || job.Status == types.StatusExhausted:
				if err := s.propagate(ctx, job); err != nil {
					return err
				}
			case job.Status == types.StatusPending && job.Guard == "":
				s.queue.Push(job.ID)
			case jobstore.IsDue(job, now):
				s.queue.Push(job.ID)
			}
		}

		for key := range parents {
			counter, err := s.store.GetCounter(ctx, key)
			if err != nil {
				return fmt.Errorf("failed to read counter %s: %w", key, err)
			}
			if counter.Remaining == 0 {
				if err := s.release(ctx, key); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Stop 優雅關閉 Scheduler
//
// 關閉順序：
//  1. close(stopCh) 並取消分派上下文，通知所有循環
//  2. pool.Stop()，Worker 完成手上的任務後退出並關閉 resultCh
//  3. loopWg.Wait()，resultLoop 處理完剩餘結果後退出
//  4. 最後一次檢查點
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	log.Info("Stopping scheduler...", "busy", s.pool.Busy())

	close(s.stopCh)
	s.cancel()
	s.pool.Stop()
	s.loopWg.Wait()

	if err := s.checkpoint(); err != nil {
		log.Error("Failed to take final checkpoint", "error", err)
	}

	log.Info("Scheduler stopped", "uptime", time.Since(s.startTime))
}

// ============================================================================
// 四個核心循環
// ============================================================================

// dispatchLoop 從佇列取出任務，以 CAS 分派後交給工作池
func (s *Scheduler) dispatchLoop() {
	defer s.loopWg.Done()

	for {
		select {
		case <-s.stopCh:
			log.Info("Dispatch loop stopped")
			return
		case <-s.queue.Ready():
		}

		for {
			id, ok := s.queue.Pop()
			if !ok {
				break
			}
			if err := s.limiter.Wait(s.ctx); err != nil {
				log.Info("Dispatch loop stopped")
				return
			}
			s.dispatch(id)
		}
	}
}

// dispatch 分派單一任務
func (s *Scheduler) dispatch(id types.JobID) {
	deadline := s.config.Now().Add(s.config.LeaseTimeout)
	job, err := s.store.Dispatch(s.ctx, id, deadline)
	switch {
	case errors.Is(err, jobstore.ErrStale), errors.Is(err, jobstore.ErrBlocked):
		log.Debug("Skipping dispatch", "jobID", id, "reason", err)
		return
	case err != nil:
		log.Error("Failed to dispatch job, requeueing", "jobID", id, "error", err)
		time.AfterFunc(s.config.ScanInterval, func() { s.queue.Push(id) })
		return
	}

	s.metrics.RecordDispatch(job.Stage)
	task := worker.Task{Job: *job, Timeout: s.config.TaskTimeout}
	if err := s.pool.Submit(task); err != nil {
		// 任務保持 Dispatched，由逾時掃描或重啟恢復處理
		if !errors.Is(err, worker.ErrPoolClosed) {
			log.Error("Failed to submit task", "jobID", id, "error", err)
		}
		return
	}
	s.inFlight.Add(1)
	log.Debug("Job dispatched", "jobID", id, "attempt", job.Attempt)
}

// resultLoop 處理 Worker 執行結果
// 注意：此循環會一直運行到 Pool 關閉為止
func (s *Scheduler) resultLoop() {
	defer s.loopWg.Done()
	for {
		result, err := s.pool.ReceiveResult()
		if err != nil {
			log.Info("Result loop stopped")
			return
		}
		s.inFlight.Add(-1)

		if err := s.HandleResult(context.Background(), result); err != nil && !errors.Is(err, jobstore.ErrStale) {
			log.Error("Failed to handle result", "jobID", result.JobID, "error", err)
		}
	}
}

// scanLoop 處理逾時分派並重新排入到期的失敗任務
func (s *Scheduler) scanLoop() {
	defer s.loopWg.Done()
	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			log.Info("Scan loop stopped")
			return
		case <-ticker.C:
			s.scan(s.ctx)
		}
	}
}

// scan 執行一次補推進、逾時與重試掃描
func (s *Scheduler) scan(ctx context.Context) {
	now := s.config.Now()
	s.repairPending(ctx)

	expired, err := s.store.ExpiredJobs(ctx, now)
	if err != nil {
		log.Error("Failed to list expired jobs", "error", err)
	}
	for _, job := range expired {
		lost := worker.Result{JobID: job.ID, Attempt: job.Attempt, Err: ErrLeaseExpired}
		if err := s.HandleResult(ctx, lost); err != nil && !errors.Is(err, jobstore.ErrStale) {
			log.Error("Failed to expire job", "jobID", job.ID, "error", err)
			continue
		}
		log.Warn("Job dispatch expired", "jobID", job.ID, "attempt", job.Attempt)
	}

	due, err := s.store.DueJobs(ctx, now)
	if err != nil {
		log.Error("Failed to list due jobs", "error", err)
	}
	for _, job := range due {
		s.queue.Push(job.ID)
	}

	s.metrics.UpdateQueueStats(s.queue.Len(), int(s.inFlight.Load()))
}

// snapshotLoop 定期建立檢查點
func (s *Scheduler) snapshotLoop() {
	defer s.loopWg.Done()
	if _, ok := s.store.(Checkpointer); !ok {
		return
	}
	ticker := time.NewTicker(s.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			log.Info("Snapshot loop stopped")
			return
		case <-ticker.C:
			if err := s.checkpoint(); err != nil {
				log.Error("Failed to take checkpoint", "error", err)
			}
		}
	}
}

// checkpoint 儲存層支援時建立檢查點
func (s *Scheduler) checkpoint() error {
	cp, ok := s.store.(Checkpointer)
	if !ok {
		return nil
	}
	start := time.Now()
	if err := cp.Checkpoint(); err != nil {
		return err
	}
	log.Debug("Checkpoint taken", "duration", time.Since(start))
	return nil
}

// storeRetryable 計數器遞減只重試暫時性錯誤
func storeRetryable(err error) bool {
	return !errors.Is(err, jobstore.ErrNotFound) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}
