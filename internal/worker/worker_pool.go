// ============================================================================
// Worker Pool
// ============================================================================
//
// 排程器把已分派（Attempt 已遞增）的任務送進 taskCh，固定數量的 Worker
// 取出後呼叫階段執行器，結果經 resultCh 回到排程器的 resultLoop。
//
//   scheduler.dispatch ──Submit──▶ taskCh ──▶ Worker×N ──▶ resultCh ──▶ scheduler.resultLoop
//
// taskCh 從不關閉，Worker 只看 stopCh 退出。停止時仍留在 taskCh 的任務
// 直接丟棄，它們在儲存層中保持 Dispatched，由逾時掃描或重啟恢復回收。
// resultCh 在所有 Worker 退出後才關閉。
//
// ============================================================================

package worker

import (
	"errors"
	"sync"

	"github.com/ChuLiYu/cube-builder/pkg/types"
)

var (
	ErrPoolClosed     = errors.New("worker pool is closed")
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	invoker  Invoker        // 所有 Worker 共用的執行器
	workers  []*Worker      // Worker 列表
	taskCh   chan Task      // 任務通道
	resultCh chan Result    // 結果通道
	stopCh   chan struct{}  // 停止訊號
	wg       sync.WaitGroup // 等待所有 Worker 完成
	busy     *busyTracker
	started  bool
	stopped  bool
	mu       sync.Mutex // 保護 started 和 stopped 狀態
}

// busyTracker 各階段正在執行的任務數
type busyTracker struct {
	mu    sync.Mutex
	count map[types.Stage]int
}

func (b *busyTracker) enter(stage types.Stage) {
	b.mu.Lock()
	b.count[stage]++
	b.mu.Unlock()
}

func (b *busyTracker) leave(stage types.Stage) {
	b.mu.Lock()
	if b.count[stage]--; b.count[stage] <= 0 {
		delete(b.count, stage)
	}
	b.mu.Unlock()
}

// NewPool 建立新的 Worker Pool
//
// 參數：
//   - invoker: 執行任務的階段執行器
//   - bufferSize: 任務和結果通道的緩衝大小
//
// 返回值：
//   - *Pool: Worker Pool 實例
func NewPool(invoker Invoker, bufferSize int) *Pool {
	return &Pool{
		invoker:  invoker,
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
		busy:     &busyTracker{count: make(map[types.Stage]int)},
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount < 1 {
		return errors.New("pool needs at least one worker")
	}

	for i := 0; i < workerCount; i++ {
		worker := newWorker(i, p.invoker, p.taskCh, p.resultCh, p.stopCh, p.busy)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(worker)
	}

	p.started = true
	return nil
}

// Submit 提交任務到 Worker Pool，緩衝區滿時阻塞直到有空位或 Pool 停止
//
// 參數：
//   - task: 要執行的任務
//
// 返回值：
//   - error: 如果 Pool 未啟動或已關閉則返回錯誤
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult 從結果通道接收執行結果
//
// 返回值：
//   - Result: 任務執行結果
//   - error: 如果 Pool 已關閉且結果已讀完則返回 ErrPoolClosed
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Results 回傳結果通道，Stop 之後會被關閉
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// Stop 優雅地關閉 Worker Pool
//
// 關閉流程：
//  1. 設定 stopped 標誌
//  2. 關閉 stopCh，Worker 完成手上的任務後退出
//  3. 等待所有 Worker 退出
//  4. 關閉 resultCh
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
	close(p.resultCh)
}

// Size 已啟動的 Worker 數量
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Running 回傳 Pool 是否已啟動且尚未停止
func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.stopped
}

// Busy 回傳各階段正在執行的任務數（不含閒置階段）
func (p *Pool) Busy() map[types.Stage]int {
	p.busy.mu.Lock()
	defer p.busy.mu.Unlock()
	out := make(map[types.Stage]int, len(p.busy.count))
	for stage, n := range p.busy.count {
		out[stage] = n
	}
	return out
}
