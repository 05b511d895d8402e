package scheduler

import (
	"sync"

	"github.com/ChuLiYu/cube-builder/pkg/types"
)

// dispatchQueue 待分派任務的 FIFO 佇列
//
// 佇列只存放任務 ID，真實狀態在 jobstore 中：出列後的 Dispatch CAS 會拒絕
// 已分派、已終止或仍被 guard 擋住的任務，因此重複入列是安全的。同一個 ID
// 在出列前只會保留一份。
type dispatchQueue struct {
	mu     sync.Mutex
	queue  []types.JobID
	queued map[types.JobID]struct{}
	ready  chan struct{} // 有新任務時發出訊號（容量 1，不阻塞）
}

func newDispatchQueue() *dispatchQueue {
	return &dispatchQueue{
		queue:  make([]types.JobID, 0),
		queued: make(map[types.JobID]struct{}),
		ready:  make(chan struct{}, 1),
	}
}

// Push 將任務加入佇列尾端，已在佇列中的 ID 會被忽略
func (q *dispatchQueue) Push(ids ...types.JobID) {
	q.mu.Lock()
	added := false
	for _, id := range ids {
		if _, ok := q.queued[id]; ok {
			continue
		}
		q.queued[id] = struct{}{}
		q.queue = append(q.queue, id)
		added = true
	}
	q.mu.Unlock()

	if added {
		select {
		case q.ready <- struct{}{}:
		default:
		}
	}
}

// Pop 取出佇列首個任務
func (q *dispatchQueue) Pop() (types.JobID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.queue) == 0 {
		return "", false
	}
	id := q.queue[0]
	q.queue = q.queue[1:]
	delete(q.queued, id)
	return id, true
}

// Len 回傳佇列長度
func (q *dispatchQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Ready 在佇列可能非空時收到訊號
func (q *dispatchQueue) Ready() <-chan struct{} {
	return q.ready
}
