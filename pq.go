package chaski

import (
	"container/heap"
	"fmt"
	"sync"
	"time"
)

// pendingRequest is the unit of work the timeout queue orders by
// deadline: one outstanding request/response correlation slot created by
// the dispatcher for every RPC-style envelope sent out on an edge.
type pendingRequest struct {
	id      string
	when    time.Time
	timeout func(id string)
}

// pqTimeItem is a single slot in the heap.
type pqTimeItem struct {
	value    *pendingRequest
	priority time.Time
	index    int
}

// pqTime implements heap.Interface over pqTimeItems, ordered so the
// earliest deadline pops first.
type pqTime []*pqTimeItem

// timeoutQueue is a priority queue of pendingRequests ordered by
// deadline, used by the dispatcher to fire ErrRequestTimeout without
// scanning every outstanding request on every tick. Safe for concurrent
// use; every public method takes the internal mutex.
type timeoutQueue struct {
	mut sync.Mutex
	hea pqTime
}

func newTimeoutQueue() *timeoutQueue {
	return &timeoutQueue{}
}

func (p *timeoutQueue) size() (sz int) {
	p.mut.Lock()
	sz = len(p.hea)
	p.mut.Unlock()
	return
}

// peek returns the pendingRequest with the earliest deadline, without
// removing it, or nil if the queue is empty.
func (p *timeoutQueue) peek() (op *pendingRequest) {
	p.mut.Lock()
	op = p.hea.peek()
	p.mut.Unlock()
	return
}

// pop removes and returns the earliest-deadline item.
func (p *timeoutQueue) pop() *pqTimeItem {
	p.mut.Lock()
	defer p.mut.Unlock()
	return p.hea.pop()
}

// add enqueues a new pendingRequest, returning the heap slot so the
// caller can later delOneItem it on early completion.
func (p *timeoutQueue) add(op *pendingRequest) *pqTimeItem {
	p.mut.Lock()
	defer p.mut.Unlock()
	return p.hea.add(op)
}

// delOneItem removes item from the queue before it fires, used when the
// corresponding response arrives before the deadline.
func (p *timeoutQueue) delOneItem(item *pqTimeItem) {
	p.mut.Lock()
	defer p.mut.Unlock()
	p.hea.delOneItem(item)
}

// drainExpired pops and returns every item whose deadline is <= now,
// for the dispatcher's timeout-sweep ticker to fire ErrRequestTimeout on.
func (p *timeoutQueue) drainExpired(now time.Time) (expired []*pendingRequest) {
	p.mut.Lock()
	defer p.mut.Unlock()
	for {
		op := p.hea.peek()
		if op == nil || op.when.After(now) {
			return
		}
		item := p.hea.pop()
		expired = append(expired, item.value)
	}
}

// heap.Interface, lowest (earliest) time at index 0, the heap root, where
// pop()/peek() read it.

func (pq pqTime) Len() int { return len(pq) }

func (pq pqTime) Less(i, j int) bool {
	return pq[i].priority.Before(pq[j].priority)
}

func (pq pqTime) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *pqTime) Push(x any) {
	n := len(*pq)
	item := x.(*pqTimeItem)
	item.index = n
	*pq = append(*pq, item)
}

func (pq *pqTime) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[0 : n-1]
	return item
}

func (pq *pqTime) pop() *pqTimeItem {
	return heap.Pop(pq).(*pqTimeItem)
}

func (pq *pqTime) peek() (op *pendingRequest) {
	n := len(*pq)
	if n == 0 {
		return
	}
	return (*pq)[0].value
}

func (pq *pqTime) add(op *pendingRequest) *pqTimeItem {
	n := len(*pq)
	item := &pqTimeItem{
		priority: op.when,
		value:    op,
		index:    n,
	}
	*pq = append(*pq, item)
	heap.Fix(pq, n)
	return item
}

func (pq *pqTime) delOneItem(item *pqTimeItem) {
	old := *pq
	n := len(old)
	if n == 0 {
		panic("cannot delete from empty timeoutQueue")
	}
	i := item.index
	if i < 0 || i >= n {
		panic(fmt.Sprintf("bad index %v on item to delete: %q", item.index, item.value.id))
	}
	if i < n-1 {
		old.Swap(i, n-1)
	}
	item.index = -1
	old[n-1] = nil
	*pq = old[0 : n-1]
	if i < n-1 {
		heap.Fix(pq, i)
	}
}
