// Package queue provides the single-flight FIFO that serializes management
// requests to one device.
//
// The queue has two states. While Idle, Enqueue starts the new item at once by
// invoking the execute callback. While Executing, Enqueue only appends; the
// next item starts when the owner calls Advance after the head completes,
// fails or times out.
//
// Queue is not safe for concurrent use. The owner serializes all calls, which
// in this module is the protocol engine holding its mutex. The execute
// callback runs inside Enqueue or Advance and may itself call Advance.
package queue

// State is the execution state of a queue.
type State uint8

const (
	// StateIdle means no item is executing.
	StateIdle State = iota

	// StateExecuting means the head item is in flight.
	StateExecuting
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateExecuting:
		return "EXECUTING"
	default:
		return "UNKNOWN"
	}
}

// Queue is a FIFO with at most one executing item.
type Queue[T any] struct {
	items   []T
	state   State
	execute func(T)
}

// New creates an idle queue that calls execute whenever an item becomes the
// executing head.
func New[T any](execute func(T)) *Queue[T] {
	return &Queue[T]{execute: execute}
}

// State returns the current state.
func (q *Queue[T]) State() State {
	return q.state
}

// Idle reports whether no item is executing.
func (q *Queue[T]) Idle() bool {
	return q.state == StateIdle
}

// Len returns the number of items including the executing head.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Head returns the executing item.
func (q *Queue[T]) Head() (T, bool) {
	if q.state != StateExecuting || len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[0], true
}

// Enqueue appends item. If the queue is idle the item starts immediately.
func (q *Queue[T]) Enqueue(item T) {
	q.items = append(q.items, item)
	if q.state == StateIdle {
		q.start()
	}
}

// Advance removes the executing head and starts the next item, if any.
// Calling Advance on an idle queue does nothing.
func (q *Queue[T]) Advance() {
	if q.state != StateExecuting {
		return
	}

	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	q.state = StateIdle

	if len(q.items) > 0 {
		q.start()
	} else {
		q.items = nil
	}
}

// Remove deletes the first waiting item for which match returns true. The
// executing head is never removed; it has to finish through Advance.
func (q *Queue[T]) Remove(match func(T) bool) (T, bool) {
	first := 0
	if q.state == StateExecuting {
		first = 1
	}
	for i := first; i < len(q.items); i++ {
		if match(q.items[i]) {
			item := q.items[i]
			q.items = append(q.items[:i], q.items[i+1:]...)
			return item, true
		}
	}
	var zero T
	return zero, false
}

// RemoveAll drains the queue, including the executing head, and returns the
// removed items in FIFO order. The queue is idle afterwards.
func (q *Queue[T]) RemoveAll() []T {
	items := q.items
	q.items = nil
	q.state = StateIdle
	return items
}

func (q *Queue[T]) start() {
	q.state = StateExecuting
	q.execute(q.items[0])
}
