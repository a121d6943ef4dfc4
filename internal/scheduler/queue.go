package scheduler

import (
	"container/heap"
	"time"
)

// entry is the scheduler's record of one task.
type entry struct {
	task    Task
	nextRun time.Time

	// index is the position in the queue, -1 when not queued.
	index int

	running   bool
	rerun     bool
	rerunOpts []string
	abandoned bool
	cancel    func()

	runs         uint64
	failures     uint64
	lastRunID    string
	lastRun      time.Time
	lastDuration time.Duration
	lastErr      error
}

// taskQueue is a min-heap of entries by next fire time.
type taskQueue []*entry

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].nextRun.Equal(q[j].nextRun) {
		return q[i].task.Name < q[j].task.Name
	}
	return q[i].nextRun.Before(q[j].nextRun)
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

func (q *taskQueue) push(e *entry) {
	heap.Push(q, e)
}

func (q *taskQueue) remove(e *entry) {
	if e.index >= 0 {
		heap.Remove(q, e.index)
	}
}

// peek returns the entry due first, or nil.
func (q taskQueue) peek() *entry {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

func (q *taskQueue) pop() *entry {
	return heap.Pop(q).(*entry)
}

// mergeOptions adds the options of b missing from a.
func mergeOptions(a, b []string) []string {
	for _, o := range b {
		found := false
		for _, x := range a {
			if x == o {
				found = true
				break
			}
		}
		if !found {
			a = append(a, o)
		}
	}
	return a
}
