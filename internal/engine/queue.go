package engine

import "sync"

// EventType says why an invocation is being dispatched.
type EventType int

const (
	// EventTypeSubmitted is a new or re-admitted invocation.
	EventTypeSubmitted EventType = iota + 1
	// EventTypeWake is a completed promise, fired timer or finished child.
	EventTypeWake
	// EventTypeRecovered is an invocation found by the recovery sweep.
	EventTypeRecovered
)

func (t EventType) String() string {
	switch t {
	case EventTypeSubmitted:
		return "submitted"
	case EventTypeWake:
		return "wake"
	case EventTypeRecovered:
		return "recovered"
	}
	return "unknown"
}

// Event asks the dispatcher to run (or re-run) an invocation.
type Event struct {
	Type         EventType
	InvocationID string
	// Cause names what triggered a wake (e.g. "promise:prom_...").
	Cause string
}

// eventQueue is a thread-safe FIFO queue for dispatch events.
//
// The queue is unbounded: submissions, timer deliveries and promise
// completions enqueue from any goroutine without blocking, and the
// dispatcher drains it.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the dispatch loop.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{} // Signals event availability (buffered, size 1)
}

// newEventQueue creates an empty event queue.
func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	// Signal availability (non-blocking - buffer of 1 coalesces multiple signals)
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (Event{}, false) if queue is empty.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}

	e := q.events[0]
	q.events[0] = Event{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available.
// Use with select for context-aware waiting:
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-q.Wait():
//	    // Try TryDequeue
//	}
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close signals that no more events will be enqueued.
// Wakes any blocked waiters by closing the signal channel.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
