// ============================================================================
// cube-builder Job State Store - 任務狀態機與扇入計數器
// ============================================================================
//
// Package: internal/jobstore
// 文件: store.go
// 功能: 定義任務狀態儲存介面，以及所有實作共用的狀態轉換規則
//
// 任務狀態轉換 (State Machine):
//   Pending ──Dispatch──▶ Dispatched ──Complete──▶ Succeeded
//      ▲                      │                  ├▶ Failed ──Dispatch──▶ Dispatched
//      │                      │                  └▶ Exhausted
//   (guard 歸零後才可分派)     └──Cancel──▶ Cancelled
//   Pending publish ──MarkSkipped──▶ Skipped
//
// 並發語義:
//   - Dispatch 是 CAS：只接受 Pending/Failed，並在同一個臨界區內重新檢查 guard
//   - Complete 是 CAS：只接受 (Dispatched, attempt) 相符的回報，其餘回傳 ErrStale
//   - Decrement 對每個成員冪等，只有讓 Remaining 從 1 變成 0 的呼叫者得到 fired=true
//
// 實作:
//   - Memory (本套件): 互斥鎖 + WAL + 快照
//   - sqlstore: SQLite 交易
//   - redisstore: 計數器放在 Redis，以 Lua 腳本原子遞減
//
// ============================================================================

package jobstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ChuLiYu/cube-builder/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrNotFound 建置、任務或計數器不存在
	ErrNotFound = errors.New("not found")
	// ErrStale 回報或分派不符合目前狀態（重複、過期或已取消）
	ErrStale = errors.New("stale job transition")
	// ErrBlocked guard 計數器尚未歸零
	ErrBlocked = errors.New("job is blocked by its guard counter")
	// ErrDuplicateBuild 建置 ID 已存在
	ErrDuplicateBuild = errors.New("build already exists")
	// ErrInvalidOutcome Complete 只接受 Succeeded / Failed / Exhausted
	ErrInvalidOutcome = errors.New("invalid completion outcome")
)

// ============================================================================
// 介面定義
// ============================================================================

// Outcome 一次嘗試的結果
type Outcome struct {
	Status    types.JobStatus // Succeeded / Failed / Exhausted
	Output    *types.AssetRef
	Error     string
	NotBefore time.Time // Failed 時最早可重新分派的時間
}

// Store 任務狀態儲存，是系統中唯一共享的可變資源
type Store interface {
	// CreateBuild 在單一呼叫中建立建置、所有任務與計數器
	CreateBuild(ctx context.Context, build *types.Build, jobs []*types.Job, counters []*types.FanInCounter) error
	GetBuild(ctx context.Context, id types.BuildID) (*types.Build, error)
	ListBuilds(ctx context.Context) ([]*types.Build, error)

	GetJob(ctx context.Context, id types.JobID) (*types.Job, error)
	// ListJobs 依任務 ID 排序回傳建置的所有任務
	ListJobs(ctx context.Context, build types.BuildID) ([]*types.Job, error)

	// Dispatch 將任務轉為 Dispatched 並遞增 Attempt
	Dispatch(ctx context.Context, id types.JobID, deadline time.Time) (*types.Job, error)
	// Complete 記錄 (id, attempt) 的結果；不符合時回傳 ErrStale
	Complete(ctx context.Context, id types.JobID, attempt int, outcome Outcome) (*types.Job, error)
	// MarkSkipped 將仍為 Pending 的任務標記為 Skipped，回傳實際變更的任務
	MarkSkipped(ctx context.Context, ids []types.JobID) ([]types.JobID, error)
	// Cancel 取消建置的所有非終止任務，回傳被取消的任務
	Cancel(ctx context.Context, build types.BuildID) ([]types.JobID, error)

	// Decrement 對 key 套用 member 的遞減
	Decrement(ctx context.Context, key types.CounterKey, member types.JobID) (remaining int, fired bool, err error)
	GetCounter(ctx context.Context, key types.CounterKey) (*types.FanInCounter, error)

	// DueJobs 回傳 NotBefore 已到的 Failed 任務
	DueJobs(ctx context.Context, now time.Time) ([]*types.Job, error)
	// ExpiredJobs 回傳超過截止時間的 Dispatched 任務
	ExpiredJobs(ctx context.Context, now time.Time) ([]*types.Job, error)

	Close() error
}

// ============================================================================
// 共用狀態轉換規則
// ============================================================================

// ApplyDispatch 檢查並套用分派轉換。guard 為 nil 表示任務沒有 guard
func ApplyDispatch(job *types.Job, guard *types.FanInCounter, deadline, now time.Time) error {
	if job.Status != types.StatusPending && job.Status != types.StatusFailed {
		return fmt.Errorf("%w: %s is %s", ErrStale, job.ID, job.Status)
	}
	if job.Guard != "" {
		if guard == nil {
			return fmt.Errorf("%w: guard %s of %s", ErrNotFound, job.Guard, job.ID)
		}
		if guard.Remaining > 0 {
			return fmt.Errorf("%w: %s waits on %s (%d remaining)", ErrBlocked, job.ID, guard.Key, guard.Remaining)
		}
	}

	d := deadline.UnixMilli()
	job.Status = types.StatusDispatched
	job.Attempt++
	job.Deadline = &d
	job.NotBefore = 0
	job.UpdatedAt = now.UnixMilli()
	return nil
}

// ApplyComplete 檢查並套用完成轉換
func ApplyComplete(job *types.Job, attempt int, outcome Outcome, now time.Time) error {
	switch outcome.Status {
	case types.StatusSucceeded, types.StatusFailed, types.StatusExhausted:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome.Status)
	}
	if job.Status != types.StatusDispatched || job.Attempt != attempt {
		return fmt.Errorf("%w: %s attempt %d is %s at attempt %d", ErrStale, job.ID, attempt, job.Status, job.Attempt)
	}

	job.Status = outcome.Status
	job.Deadline = nil
	job.LastError = outcome.Error
	job.NotBefore = 0
	if outcome.Status == types.StatusSucceeded {
		job.Output = outcome.Output
		job.LastError = ""
	}
	if outcome.Status == types.StatusFailed && !outcome.NotBefore.IsZero() {
		job.NotBefore = outcome.NotBefore.UnixMilli()
	}
	job.UpdatedAt = now.UnixMilli()
	return nil
}

// ApplyDecrement 對計數器套用一個成員的遞減，成員重複時不變
func ApplyDecrement(c *types.FanInCounter, member types.JobID) (remaining int, fired, applied bool) {
	if slices.Contains(c.Applied, member) {
		return c.Remaining, false, false
	}
	c.Applied = append(c.Applied, member)
	c.Remaining--
	return c.Remaining, c.Remaining == 0, true
}

// ApplyCancel 取消單一任務，已終止的任務回傳 false
func ApplyCancel(job *types.Job, now time.Time) bool {
	if job.Status.Terminal() {
		return false
	}
	job.Status = types.StatusCancelled
	job.Deadline = nil
	job.NotBefore = 0
	job.UpdatedAt = now.UnixMilli()
	return true
}

// ApplySkip 將 Pending 任務標記為 Skipped
func ApplySkip(job *types.Job, now time.Time) bool {
	if job.Status != types.StatusPending {
		return false
	}
	job.Status = types.StatusSkipped
	job.UpdatedAt = now.UnixMilli()
	return true
}

// IsDue 判斷 Failed 任務是否已可重新分派
func IsDue(job *types.Job, now time.Time) bool {
	return job.Status == types.StatusFailed && job.NotBefore <= now.UnixMilli()
}

// IsExpired 判斷 Dispatched 任務是否超過截止時間
func IsExpired(job *types.Job, now time.Time) bool {
	return job.Status == types.StatusDispatched && job.Deadline != nil && *job.Deadline < now.UnixMilli()
}

// CloneCounter 深拷貝計數器
func CloneCounter(c *types.FanInCounter) *types.FanInCounter {
	out := *c
	out.Downstream = slices.Clone(c.Downstream)
	out.Applied = slices.Clone(c.Applied)
	return &out
}
