package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleFlight(t *testing.T) {
	var executed []string
	q := New(func(s string) { executed = append(executed, s) })

	q.Enqueue("first")
	q.Enqueue("second")
	q.Enqueue("third")

	assert.Equal(t, []string{"first"}, executed, "only the head may execute")
	assert.Equal(t, StateExecuting, q.State())
	assert.Equal(t, 3, q.Len())

	head, ok := q.Head()
	require.True(t, ok)
	assert.Equal(t, "first", head)

	q.Advance()
	assert.Equal(t, []string{"first", "second"}, executed)
	q.Advance()
	assert.Equal(t, []string{"first", "second", "third"}, executed)
	q.Advance()

	assert.True(t, q.Idle())
	assert.Equal(t, 0, q.Len())
	_, ok = q.Head()
	assert.False(t, ok)
}

func TestAdvanceWhenIdleIsNoop(t *testing.T) {
	calls := 0
	q := New(func(int) { calls++ })

	q.Advance()
	assert.True(t, q.Idle())

	q.Enqueue(1)
	q.Advance()
	q.Advance()
	assert.Equal(t, 1, calls)
	assert.True(t, q.Idle())
}

func TestEnqueueAfterDrainStartsImmediately(t *testing.T) {
	var executed []int
	q := New(func(i int) { executed = append(executed, i) })

	q.Enqueue(1)
	q.Advance()
	q.Enqueue(2)

	assert.Equal(t, []int{1, 2}, executed)
	assert.Equal(t, StateExecuting, q.State())
}

func TestExecuteMayAdvance(t *testing.T) {
	// Items below zero fail during execute and complete synchronously.
	var q *Queue[int]
	var executed []int
	q = New(func(i int) {
		executed = append(executed, i)
		if i < 0 {
			q.Advance()
		}
	})

	q.Enqueue(1)
	q.Enqueue(-1)
	q.Enqueue(-2)
	q.Enqueue(3)

	q.Advance()

	assert.Equal(t, []int{1, -1, -2, 3}, executed)
	head, ok := q.Head()
	require.True(t, ok)
	assert.Equal(t, 3, head)
	assert.Equal(t, 1, q.Len())
}

func TestRemoveAll(t *testing.T) {
	q := New(func(string) {})
	q.Enqueue("a")
	q.Enqueue("b")
	q.Enqueue("c")

	removed := q.RemoveAll()
	assert.Equal(t, []string{"a", "b", "c"}, removed)
	assert.True(t, q.Idle())
	assert.Equal(t, 0, q.Len())

	// A late Advance from the drained head must not start anything.
	q.Advance()
	assert.True(t, q.Idle())
}

func TestRemoveWaiting(t *testing.T) {
	var executed []string
	q := New(func(s string) { executed = append(executed, s) })
	q.Enqueue("a")
	q.Enqueue("b")
	q.Enqueue("c")

	_, ok := q.Remove(func(s string) bool { return s == "a" })
	assert.False(t, ok, "executing head must not be removable")

	item, ok := q.Remove(func(s string) bool { return s == "b" })
	require.True(t, ok)
	assert.Equal(t, "b", item)
	assert.Equal(t, 2, q.Len())

	q.Advance()
	assert.Equal(t, []string{"a", "c"}, executed)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "IDLE", StateIdle.String())
	assert.Equal(t, "EXECUTING", StateExecuting.String())
}
