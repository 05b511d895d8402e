// ============================================================================
// cube-builder Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that executes dispatched jobs, each Worker runs in an independent goroutine
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive task from taskCh (blocking wait) or exit on stopCh
//   2. Invoke the stage executor under a per-task timeout
//   3. Send result to resultCh
//
// Timeout Control:
//   Each task runs under its own context.WithTimeout. An executor that
//   honours ctx returns context.DeadlineExceeded, which the scheduler treats
//   as a transient failure of that attempt.
//
// Error Handling:
//   - Executor errors and panics are reported in Result.Err
//   - A result produced after the pool stopped is dropped; the job stays
//     Dispatched and is recovered by the scheduler's timeout scan or restart
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

var log = slog.Default()

// Worker represents a work execution unit
type Worker struct {
	id       int           // Worker unique identifier, used for logging and debugging
	invoker  Invoker       // Stage executor
	taskCh   <-chan Task   // Task channel (read-only)
	resultCh chan<- Result // Result channel (write-only)
	stopCh   <-chan struct{}
	busy     *busyTracker
}

// newWorker creates a new Worker instance
func newWorker(id int, invoker Invoker, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}, busy *busyTracker) *Worker {
	return &Worker{
		id:       id,
		invoker:  invoker,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
		busy:     busy,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for {
		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			result := w.execute(task)

			select {
			case w.resultCh <- result:
			case <-w.stopCh:
				log.Warn("Dropping result after pool stop", "worker", w.id, "jobID", result.JobID, "attempt", result.Attempt)
				return
			}
		}
	}
}

// execute invokes the executor with a timeout and converts panics to errors
func (w *Worker) execute(task Task) (result Result) {
	start := time.Now()
	result = Result{JobID: task.Job.ID, Attempt: task.Job.Attempt}
	w.busy.enter(task.Job.Stage)
	defer w.busy.leave(task.Job.Stage)

	ctx, cancel := context.WithTimeout(context.Background(), task.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Error("Executor panic", "worker", w.id, "jobID", task.Job.ID, "panic", r, "stack", string(debug.Stack()))
			result.Output = nil
			result.Err = fmt.Errorf("executor panic: %v", r)
		}
		result.Duration = time.Since(start)
	}()

	out, err := w.invoker.Invoke(ctx, task.Job)
	if err == nil && ctx.Err() != nil {
		// 超過截止時間才回傳的成功結果一律視為逾時
		err = ctx.Err()
	}
	if err != nil {
		result.Err = err
		return result
	}
	result.Output = out
	return result
}
