package queue

import (
	"container/heap"
	"sort"
	"time"

	"github.com/forgefab/conductor/internal/execution"
)

// Item is one queued execution awaiting admission.
type Item struct {
	ExecutionID string             `json:"execution_id"`
	Priority    execution.Priority `json:"priority"`
	EnqueuedAt  time.Time          `json:"enqueued_at"`

	index int
}

// priorityQueue is a max-heap keyed by (priority weight, submission
// time): higher priority first, FIFO within a priority.
type priorityQueue []*Item

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	wi, wj := pq[i].Priority.Weight(), pq[j].Priority.Weight()
	if wi != wj {
		return wi > wj
	}
	return pq[i].EnqueuedAt.Before(pq[j].EnqueuedAt)
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x any) {
	item := x.(*Item)
	item.index = len(*pq)
	*pq = append(*pq, item)
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[:n-1]
	return item
}

func (pq *priorityQueue) push(item *Item) {
	heap.Push(pq, item)
}

func (pq *priorityQueue) remove(item *Item) {
	if item.index >= 0 && item.index < pq.Len() {
		heap.Remove(pq, item.index)
	}
}

// ordered returns the items in admission order without mutating the heap.
func (pq priorityQueue) ordered() []*Item {
	items := make([]*Item, len(pq))
	copy(items, pq)
	sort.Slice(items, func(i, j int) bool {
		wi, wj := items[i].Priority.Weight(), items[j].Priority.Weight()
		if wi != wj {
			return wi > wj
		}
		return items[i].EnqueuedAt.Before(items[j].EnqueuedAt)
	})
	return items
}
