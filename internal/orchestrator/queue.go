package orchestrator

import "sync"

// eventQueue is an unbounded FIFO with a single consumer. Producers are pion
// callbacks, timers and API calls; none of them may block, so Push never
// waits.
type eventQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool
	events   []event
}

func newEventQueue() *eventQueue {
	q := &eventQueue{}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Push appends ev. It reports false once the queue is closed.
func (q *eventQueue) Push(ev event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.events = append(q.events, ev)
	q.notEmpty.Signal()
	return true
}

// Pop blocks until an event is available or the queue is closed and empty.
func (q *eventQueue) Pop() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.events) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.events) == 0 {
		return nil, false
	}
	ev := q.events[0]
	q.events[0] = nil
	q.events = q.events[1:]
	return ev, true
}

func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close wakes the consumer. Events already queued are still delivered.
func (q *eventQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
