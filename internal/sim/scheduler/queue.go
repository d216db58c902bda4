package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/CSneko/nya-folia-sub021/internal/sim/section"
)

// readyQueue orders handles by the time their next tick is due.
type readyQueue[P any] []*handle[P]

func (q readyQueue[P]) Len() int { return len(q) }

func (q readyQueue[P]) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].id < q[j].id
	}
	return q[i].at.Before(q[j].at)
}

func (q readyQueue[P]) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *readyQueue[P]) Push(x any) {
	h := x.(*handle[P])
	h.index = len(*q)
	*q = append(*q, h)
}

func (q *readyQueue[P]) Pop() any {
	old := *q
	n := len(old)
	h := old[n-1]
	old[n-1] = nil
	h.index = -1
	*q = old[:n-1]
	return h
}

var _ heap.Interface = (*readyQueue[int])(nil)

type regionTask[P any] struct {
	pos section.Pos
	fn  Task[P]
	at  time.Time
}

// taskQueue buffers work for one region until its next tick.
type taskQueue[P any] struct {
	mu    sync.Mutex
	items []regionTask[P]
}

func (q *taskQueue[P]) push(t regionTask[P]) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
}

func (q *taskQueue[P]) drain() []regionTask[P] {
	q.mu.Lock()
	out := q.items
	q.items = nil
	q.mu.Unlock()
	return out
}

// take removes and returns the tasks keep accepts, preserving order.
func (q *taskQueue[P]) take(keep func(section.Pos) bool) []regionTask[P] {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []regionTask[P]
	rest := q.items[:0]
	for _, t := range q.items {
		if keep(t.pos) {
			out = append(out, t)
		} else {
			rest = append(rest, t)
		}
	}
	for i := len(rest); i < len(q.items); i++ {
		q.items[i] = regionTask[P]{}
	}
	q.items = rest
	return out
}

func (q *taskQueue[P]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type globalQueue struct {
	mu    sync.Mutex
	items []GlobalTask
}

func (q *globalQueue) push(t GlobalTask) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
}

func (q *globalQueue) drain() []GlobalTask {
	q.mu.Lock()
	out := q.items
	q.items = nil
	q.mu.Unlock()
	return out
}
