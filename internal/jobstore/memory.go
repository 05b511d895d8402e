// ============================================================================
// cube-builder 記憶體任務儲存 - WAL + 快照持久化
// ============================================================================
//
// Package: internal/jobstore
// 文件: memory.go
// 功能: 以互斥鎖保護的 map 實作 Store，所有變更先寫 WAL 再套用
//
// 數據結構設計:
//   builds   map[BuildID]*Build         - 建置
//   jobs     map[JobID]*Job             - 所有任務（單一真實來源）
//   counters map[CounterKey]*FanInCounter
//   byBuild  map[BuildID][]JobID        - 建置索引
//
// 持久化:
//   - 每個變更在鎖內先計算新記錄，寫入 WAL 後才放入 map
//   - WAL 事件攜帶完整記錄，重放時直接覆寫，重複套用不會出錯
//   - Checkpoint() 寫入快照後旋轉 WAL
//   - OpenMemory() 載入快照並重放快照之後的事件
//
// 並發安全:
//   - 讀操作使用 RLock，寫操作使用 Lock
//   - 回傳給呼叫者的都是拷貝
//
// ============================================================================

package jobstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/cube-builder/internal/snapshot"
	"github.com/ChuLiYu/cube-builder/internal/storage/wal"
	"github.com/ChuLiYu/cube-builder/pkg/types"
)

var log = slog.Default()

// ErrClosed 儲存已關閉
var ErrClosed = errors.New("store is closed")

// Options 記憶體儲存的持久化設定，路徑留空則不持久化
type Options struct {
	WALPath      string
	SnapshotPath string
	SyncOnAppend bool
	Now          func() time.Time
}

// Memory 記憶體任務儲存
type Memory struct {
	mu       sync.RWMutex
	builds   map[types.BuildID]*types.Build
	jobs     map[types.JobID]*types.Job
	counters map[types.CounterKey]*types.FanInCounter
	byBuild  map[types.BuildID][]types.JobID

	wal      *wal.WAL          // nil 表示不持久化
	snapshot *snapshot.Manager // nil 表示不寫快照
	now      func() time.Time
	closed   bool
}

var _ Store = (*Memory)(nil)

// ============================================================================
// 建立與恢復
// ============================================================================

// NewMemory 建立不持久化的記憶體儲存（測試與單次執行用）
func NewMemory() *Memory {
	return &Memory{
		builds:   make(map[types.BuildID]*types.Build),
		jobs:     make(map[types.JobID]*types.Job),
		counters: make(map[types.CounterKey]*types.FanInCounter),
		byBuild:  make(map[types.BuildID][]types.JobID),
		now:      time.Now,
	}
}

// OpenMemory 開啟持久化的記憶體儲存
//
// 恢復流程：
//  1. 載入快照（不存在時為空狀態）
//  2. 開啟 WAL，重放 seq > 快照 LastSeq 的事件
//
// 參數：
//   - opts: WAL 與快照路徑
//
// 返回值：
//   - *Memory: 已恢復的儲存
//   - error: 快照或 WAL 損壞時的錯誤
func OpenMemory(opts Options) (*Memory, error) {
	start := time.Now()
	m := NewMemory()
	if opts.Now != nil {
		m.now = opts.Now
	}

	var lastSeq uint64
	if opts.SnapshotPath != "" {
		m.snapshot = snapshot.NewManager(opts.SnapshotPath)
		data, err := m.snapshot.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load snapshot: %w", err)
		}
		m.restore(data)
		lastSeq = data.LastSeq
	}

	if opts.WALPath != "" {
		w, err := wal.NewWAL(opts.WALPath, opts.SyncOnAppend)
		if err != nil {
			return nil, fmt.Errorf("failed to open WAL: %w", err)
		}
		replayed := 0
		err = w.Replay(lastSeq, func(event wal.Event) error {
			replayed++
			m.apply(event)
			return nil
		})
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("failed to replay WAL: %w", err)
		}
		m.wal = w
		log.Info("WAL replayed", "events", replayed, "after_seq", lastSeq)
	}

	recoveryTime := time.Since(start)
	if recoveryTime > 3*time.Second {
		log.Warn("Recovery time exceeds 3s", "duration", recoveryTime)
	}
	log.Info("Job store recovered",
		"duration", recoveryTime,
		"builds", len(m.builds),
		"jobs", len(m.jobs),
		"counters", len(m.counters))
	return m, nil
}

// restore 以快照內容取代目前狀態
func (m *Memory) restore(data types.SnapshotData) {
	m.builds = data.Builds
	m.jobs = data.Jobs
	m.counters = data.Counters
	m.byBuild = make(map[types.BuildID][]types.JobID)
	for id, job := range m.jobs {
		m.byBuild[job.Build] = append(m.byBuild[job.Build], id)
	}
}

// apply 重放單一事件：覆寫事件攜帶的記錄
func (m *Memory) apply(event wal.Event) {
	if event.Build != nil {
		m.builds[event.Build.ID] = event.Build
	}
	for _, job := range event.Jobs {
		if _, exists := m.jobs[job.ID]; !exists {
			m.byBuild[job.Build] = append(m.byBuild[job.Build], job.ID)
		}
		m.jobs[job.ID] = job
	}
	for _, c := range event.Counters {
		m.counters[c.Key] = c
	}
}

// journal 寫入 WAL（Write-Ahead），呼叫者必須持有寫鎖
func (m *Memory) journal(event wal.Event) error {
	if m.closed {
		return ErrClosed
	}
	if m.wal == nil {
		return nil
	}
	if _, err := m.wal.Append(event); err != nil {
		return fmt.Errorf("failed to append %s event: %w", event.Type, err)
	}
	return nil
}

// Checkpoint 寫入快照並旋轉 WAL
//
// 整個過程持有寫鎖，快照的 LastSeq 與旋轉前最後一筆事件一致。
func (m *Memory) Checkpoint() error {
	if m.snapshot == nil || m.wal == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	start := time.Now()
	data := snapshot.Empty()
	for id, b := range m.builds {
		c := *b
		data.Builds[id] = &c
	}
	for id, j := range m.jobs {
		data.Jobs[id] = j.Clone()
	}
	for key, c := range m.counters {
		data.Counters[key] = CloneCounter(c)
	}
	data.LastSeq = m.wal.GetLastSeq()

	if err := m.snapshot.Write(data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	archive, err := m.wal.Rotate()
	if err != nil {
		return fmt.Errorf("failed to rotate WAL: %w", err)
	}

	log.Info("Snapshot taken",
		"duration", time.Since(start),
		"jobs", len(data.Jobs),
		"last_seq", data.LastSeq,
		"archive", archive)
	return nil
}

// Close 關閉 WAL，之後的寫入回傳 ErrClosed
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.wal != nil {
		return m.wal.Close()
	}
	return nil
}

// ============================================================================
// 建置
// ============================================================================

// CreateBuild 在單一 WAL 事件中建立建置、任務與計數器
func (m *Memory) CreateBuild(ctx context.Context, build *types.Build, jobs []*types.Job, counters []*types.FanInCounter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.builds[build.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateBuild, build.ID)
	}

	now := m.now().UnixMilli()
	b := *build
	if b.CreatedAt == 0 {
		b.CreatedAt = now
	}
	newJobs := make([]*types.Job, len(jobs))
	for i, j := range jobs {
		if _, exists := m.jobs[j.ID]; exists {
			return fmt.Errorf("%w: job %s", ErrDuplicateBuild, j.ID)
		}
		c := j.Clone()
		c.Status = types.StatusPending
		c.CreatedAt = now
		c.UpdatedAt = now
		newJobs[i] = c
	}
	newCounters := make([]*types.FanInCounter, len(counters))
	for i, c := range counters {
		nc := CloneCounter(c)
		nc.Remaining = nc.Initial
		nc.Applied = nil
		newCounters[i] = nc
	}

	event := wal.Event{Type: wal.EventBuildCreated, Build: &b, Jobs: newJobs, Counters: newCounters}
	if err := m.journal(event); err != nil {
		return err
	}
	m.apply(event)
	return nil
}

// GetBuild 取得建置
func (m *Memory) GetBuild(ctx context.Context, id types.BuildID) (*types.Build, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.builds[id]
	if !ok {
		return nil, fmt.Errorf("%w: build %s", ErrNotFound, id)
	}
	c := *b
	return &c, nil
}

// ListBuilds 依建立時間回傳所有建置
func (m *Memory) ListBuilds(ctx context.Context) ([]*types.Build, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Build, 0, len(m.builds))
	for _, b := range m.builds {
		c := *b
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Cancel 取消建置
func (m *Memory) Cancel(ctx context.Context, id types.BuildID) ([]types.JobID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.builds[id]
	if !ok {
		return nil, fmt.Errorf("%w: build %s", ErrNotFound, id)
	}
	nb := *b
	nb.Cancelled = true

	now := m.now()
	var changed []*types.Job
	var ids []types.JobID
	for _, jobID := range m.sortedJobIDs(id) {
		c := m.jobs[jobID].Clone()
		if ApplyCancel(c, now) {
			changed = append(changed, c)
			ids = append(ids, jobID)
		}
	}

	event := wal.Event{Type: wal.EventBuildCancelled, Build: &nb, Jobs: changed}
	if err := m.journal(event); err != nil {
		return nil, err
	}
	m.apply(event)
	return ids, nil
}

// ============================================================================
// 任務
// ============================================================================

// GetJob 取得任務拷貝
func (m *Memory) GetJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	return j.Clone(), nil
}

// ListJobs 依 ID 排序回傳建置的所有任務
func (m *Memory) ListJobs(ctx context.Context, build types.BuildID) ([]*types.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.builds[build]; !ok {
		return nil, fmt.Errorf("%w: build %s", ErrNotFound, build)
	}
	ids := m.sortedJobIDs(build)
	out := make([]*types.Job, len(ids))
	for i, id := range ids {
		out[i] = m.jobs[id].Clone()
	}
	return out, nil
}

func (m *Memory) sortedJobIDs(build types.BuildID) []types.JobID {
	ids := slices.Clone(m.byBuild[build])
	slices.Sort(ids)
	return ids
}

// Dispatch 分派任務（CAS + guard 檢查）
//
// 參數：
//   - id: 任務 ID
//   - deadline: 本次分派的截止時間
//
// 返回值：
//   - *types.Job: 分派後的任務（Attempt 已遞增）
//   - error: ErrNotFound / ErrStale / ErrBlocked
func (m *Memory) Dispatch(ctx context.Context, id types.JobID, deadline time.Time) (*types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	c := j.Clone()
	if err := ApplyDispatch(c, m.counters[j.Guard], deadline, m.now()); err != nil {
		return nil, err
	}

	event := wal.Event{Type: wal.EventJobDispatched, Jobs: []*types.Job{c}}
	if err := m.journal(event); err != nil {
		return nil, err
	}
	m.apply(event)
	return c.Clone(), nil
}

// Complete 記錄一次嘗試的結果（CAS on Dispatched + attempt）
func (m *Memory) Complete(ctx context.Context, id types.JobID, attempt int, outcome Outcome) (*types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	c := j.Clone()
	if err := ApplyComplete(c, attempt, outcome, m.now()); err != nil {
		return nil, err
	}

	event := wal.Event{Type: wal.EventJobCompleted, Jobs: []*types.Job{c}}
	if err := m.journal(event); err != nil {
		return nil, err
	}
	m.apply(event)
	return c.Clone(), nil
}

// MarkSkipped 將 Pending 任務標記為 Skipped
func (m *Memory) MarkSkipped(ctx context.Context, ids []types.JobID) ([]types.JobID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var changed []*types.Job
	var out []types.JobID
	for _, id := range ids {
		j, ok := m.jobs[id]
		if !ok {
			return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
		}
		c := j.Clone()
		if ApplySkip(c, now) {
			changed = append(changed, c)
			out = append(out, id)
		}
	}
	if len(changed) == 0 {
		return nil, nil
	}

	event := wal.Event{Type: wal.EventJobsSkipped, Jobs: changed}
	if err := m.journal(event); err != nil {
		return nil, err
	}
	m.apply(event)
	return out, nil
}

// DueJobs 回傳可重試的 Failed 任務
func (m *Memory) DueJobs(ctx context.Context, now time.Time) ([]*types.Job, error) {
	return m.filter(func(j *types.Job) bool { return IsDue(j, now) }), nil
}

// ExpiredJobs 回傳逾時的 Dispatched 任務
func (m *Memory) ExpiredJobs(ctx context.Context, now time.Time) ([]*types.Job, error) {
	return m.filter(func(j *types.Job) bool { return IsExpired(j, now) }), nil
}

func (m *Memory) filter(match func(*types.Job) bool) []*types.Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Job
	for _, j := range m.jobs {
		if match(j) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// ============================================================================
// 扇入計數器
// ============================================================================

// Decrement 原子遞減，對同一成員冪等
//
// 參數：
//   - key: 計數器
//   - member: 終止的上游任務
//
// 返回值：
//   - remaining: 遞減後的剩餘數
//   - fired: 只有讓剩餘數歸零的那次呼叫為 true
//   - error: ErrNotFound 或 WAL 寫入失敗
func (m *Memory) Decrement(ctx context.Context, key types.CounterKey, member types.JobID) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[key]
	if !ok {
		return 0, false, fmt.Errorf("%w: counter %s", ErrNotFound, key)
	}
	nc := CloneCounter(c)
	remaining, fired, applied := ApplyDecrement(nc, member)
	if !applied {
		return remaining, false, nil
	}

	event := wal.Event{Type: wal.EventCounterDecremented, Counters: []*types.FanInCounter{nc}}
	if err := m.journal(event); err != nil {
		return 0, false, err
	}
	m.apply(event)
	return remaining, fired, nil
}

// GetCounter 取得計數器拷貝
func (m *Memory) GetCounter(ctx context.Context, key types.CounterKey) (*types.FanInCounter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.counters[key]
	if !ok {
		return nil, fmt.Errorf("%w: counter %s", ErrNotFound, key)
	}
	return CloneCounter(c), nil
}
