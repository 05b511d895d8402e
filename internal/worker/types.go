package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/cube-builder/pkg/types"
)

// Invoker 執行單一任務的階段邏輯（由 executor.Executor 實作）
type Invoker interface {
	Invoke(ctx context.Context, job types.Job) (*types.AssetRef, error)
}

// InvokerFunc 讓普通函式滿足 Invoker
type InvokerFunc func(ctx context.Context, job types.Job) (*types.AssetRef, error)

func (f InvokerFunc) Invoke(ctx context.Context, job types.Job) (*types.AssetRef, error) {
	return f(ctx, job)
}

// Task 代表一次分派
type Task struct {
	Job     types.Job     // 已分派的任務（Attempt 已遞增）
	Timeout time.Duration // 執行超時時間
}

// Result 代表一次嘗試的執行結果
type Result struct {
	JobID    types.JobID     // 任務 ID
	Attempt  int             // 回報對應的嘗試次數
	Output   *types.AssetRef // 成功時的輸出
	Err      error           // 錯誤（如果有）
	Duration time.Duration   // 實際執行時間
}

// Success 回傳本次嘗試是否成功
func (r Result) Success() bool {
	return r.Err == nil
}
