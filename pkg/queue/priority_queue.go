package queue

import (
	"container/heap"
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// --- Priority Queue Implementation ---

// PQItem represents an item in the priority queue
type PQItem[T any] struct {
	value    T
	priority int    // Lower value means higher priority (e.g. lineage depth)
	seq      uint64 // Insertion order; breaks ties so equal priorities come out first-in first-out
	index    int    // The index of the item in the heap (required by heap interface)
}

// PriorityQueue implements heap.Interface
type PriorityQueue[T any] []*PQItem[T]

func (pq PriorityQueue[T]) Len() int { return len(pq) }

func (pq PriorityQueue[T]) Less(i, j int) bool {
	if pq[i].priority != pq[j].priority {
		return pq[i].priority < pq[j].priority
	}
	return pq[i].seq < pq[j].seq
}

func (pq PriorityQueue[T]) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

// Push adds an element to the heap
func (pq *PriorityQueue[T]) Push(x any) {
	item := x.(*PQItem[T])
	item.index = len(*pq)
	*pq = append(*pq, item)
}

// Pop removes and returns the minimum element from the heap
func (pq *PriorityQueue[T]) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*pq = old[0 : n-1]
	return item
}

// ThreadSafePriorityQueue wraps PriorityQueue with concurrency controls.
// A paused queue still accepts items but hands none out until resumed.
type ThreadSafePriorityQueue[T any] struct {
	pq     PriorityQueue[T]
	mu     sync.Mutex
	cond   *sync.Cond // Signalled when items arrive or pause/close state changes
	closed bool
	paused bool
	seq    uint64
	log    *logrus.Entry
}

// NewThreadSafePriorityQueue creates a new thread-safe priority queue
func NewThreadSafePriorityQueue[T any](log *logrus.Entry) *ThreadSafePriorityQueue[T] {
	tspq := &ThreadSafePriorityQueue[T]{log: log}
	tspq.cond = sync.NewCond(&tspq.mu)
	heap.Init(&tspq.pq)
	return tspq
}

// Add pushes an item with the given priority. Returns false if the queue is closed.
func (tspq *ThreadSafePriorityQueue[T]) Add(value T, priority int) bool {
	tspq.mu.Lock()
	defer tspq.mu.Unlock()

	if tspq.closed {
		tspq.log.Warn("Attempted to add item to closed queue")
		return false
	}

	tspq.seq++
	heap.Push(&tspq.pq, &PQItem[T]{value: value, priority: priority, seq: tspq.seq})
	tspq.cond.Broadcast()
	return true
}

// available must be called with mu held
func (tspq *ThreadSafePriorityQueue[T]) available() bool {
	return len(tspq.pq) > 0 && !tspq.paused
}

// wake makes blocked waiters re-check ctx once it is done
func (tspq *ThreadSafePriorityQueue[T]) wake(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		tspq.mu.Lock()
		tspq.cond.Broadcast()
		tspq.mu.Unlock()
	})
}

// WaitAvailable blocks until an item could be popped, without removing it.
// Another consumer may still take the item first, so callers follow up with TryPop.
func (tspq *ThreadSafePriorityQueue[T]) WaitAvailable(ctx context.Context) bool {
	stop := tspq.wake(ctx)
	defer stop()

	tspq.mu.Lock()
	defer tspq.mu.Unlock()

	for !tspq.available() {
		if ctx.Err() != nil || (tspq.closed && len(tspq.pq) == 0) {
			return false
		}
		tspq.cond.Wait()
	}
	return true
}

// TryPop removes and returns the highest priority item without blocking
func (tspq *ThreadSafePriorityQueue[T]) TryPop() (T, bool) {
	tspq.mu.Lock()
	defer tspq.mu.Unlock()

	if !tspq.available() {
		var zero T
		return zero, false
	}
	return heap.Pop(&tspq.pq).(*PQItem[T]).value, true
}

// Remove deletes every queued item matching the predicate and returns how many were removed
func (tspq *ThreadSafePriorityQueue[T]) Remove(match func(T) bool) int {
	tspq.mu.Lock()
	defer tspq.mu.Unlock()

	kept := tspq.pq[:0]
	removed := 0
	for _, item := range tspq.pq {
		if match(item.value) {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	for i := len(kept); i < len(tspq.pq); i++ {
		tspq.pq[i] = nil
	}
	tspq.pq = kept
	for i, item := range tspq.pq {
		item.index = i
	}
	heap.Init(&tspq.pq)
	return removed
}

// Items returns a snapshot of the queued values in no particular order
func (tspq *ThreadSafePriorityQueue[T]) Items() []T {
	tspq.mu.Lock()
	defer tspq.mu.Unlock()

	out := make([]T, 0, len(tspq.pq))
	for _, item := range tspq.pq {
		out = append(out, item.value)
	}
	return out
}

// Pause stops handing out items; Add keeps working
func (tspq *ThreadSafePriorityQueue[T]) Pause() {
	tspq.mu.Lock()
	defer tspq.mu.Unlock()
	tspq.paused = true
}

// Resume lets waiting consumers proceed again
func (tspq *ThreadSafePriorityQueue[T]) Resume() {
	tspq.mu.Lock()
	defer tspq.mu.Unlock()
	if tspq.paused {
		tspq.paused = false
		tspq.cond.Broadcast()
	}
}

// Paused reports whether the queue is paused
func (tspq *ThreadSafePriorityQueue[T]) Paused() bool {
	tspq.mu.Lock()
	defer tspq.mu.Unlock()
	return tspq.paused
}

// Close signals that no more items will be added to the queue
func (tspq *ThreadSafePriorityQueue[T]) Close() {
	tspq.mu.Lock()
	defer tspq.mu.Unlock()
	if !tspq.closed {
		tspq.closed = true
		tspq.cond.Broadcast() // Wake up ALL waiting consumers so they can check the closed status
	}
}

// Len returns the current number of items in the queue (thread-safe)
func (tspq *ThreadSafePriorityQueue[T]) Len() int {
	tspq.mu.Lock()
	defer tspq.mu.Unlock()
	return len(tspq.pq)
}
