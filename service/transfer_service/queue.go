package transfer_service

import "sync"

// taskQueue is the FIFO admission queue. It holds task ids only; the task
// records themselves live in the TaskStore.
type taskQueue struct {
	mu  sync.Mutex
	ids []string
}

func newTaskQueue() *taskQueue {
	return &taskQueue{}
}

// Enqueue appends a task id to the tail of the queue.
func (q *taskQueue) Enqueue(taskId string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, taskId)
}

// Dequeue pops the head of the queue. The second return value is false when
// the queue is empty.
func (q *taskQueue) Dequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ids) == 0 {
		return "", false
	}
	id := q.ids[0]
	q.ids = q.ids[1:]
	return id, true
}

// Remove deletes a task id from anywhere in the queue. It reports whether
// the id was present.
func (q *taskQueue) Remove(taskId string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, id := range q.ids {
		if id == taskId {
			q.ids = append(q.ids[:i], q.ids[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of queued task ids.
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}
