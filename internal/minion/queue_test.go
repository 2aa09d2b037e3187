package minion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtzanidakis/minions/internal/protocol"
)

func ids(ts []QueuedTask) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.TaskID
	}
	return out
}

func TestQueuePriorityThenFIFO(t *testing.T) {
	q := NewTaskQueue()
	q.Push(QueuedTask{TaskID: "n1", Priority: protocol.PriorityNormal})
	q.Push(QueuedTask{TaskID: "l1", Priority: protocol.PriorityLow})
	q.Push(QueuedTask{TaskID: "h1", Priority: protocol.PriorityHigh})
	q.Push(QueuedTask{TaskID: "n2"})
	q.Push(QueuedTask{TaskID: "c1", Priority: protocol.PriorityCritical})
	q.Push(QueuedTask{TaskID: "h2", Priority: protocol.PriorityHigh})

	assert.Equal(t, []string{"c1", "h1", "h2", "n1", "n2", "l1"}, ids(q.Tasks()))
	assert.Equal(t, protocol.PriorityNormal, q.Tasks()[4].Priority)
}

func TestStartNextSingleTask(t *testing.T) {
	q := NewTaskQueue()
	none, err := q.StartNext()
	require.NoError(t, err)
	assert.Nil(t, none)

	q.Push(QueuedTask{TaskID: "a"})
	q.Push(QueuedTask{TaskID: "b"})

	cur, err := q.StartNext()
	require.NoError(t, err)
	assert.Equal(t, "a", cur.TaskID)
	assert.Same(t, cur, q.Current())

	_, err = q.StartNext()
	assert.ErrorIs(t, err, ErrTaskRunning)

	q.Finish()
	assert.Nil(t, q.Current())
	cur, err = q.StartNext()
	require.NoError(t, err)
	assert.Equal(t, "b", cur.TaskID)
	assert.Equal(t, 0, q.Len())
}

func TestQueueHasAndRemove(t *testing.T) {
	q := NewTaskQueue()
	q.Push(QueuedTask{TaskID: "a"})
	q.Push(QueuedTask{TaskID: "b"})
	_, _ = q.StartNext()

	assert.True(t, q.Has("a"), "current task counts")
	assert.True(t, q.Has("b"))
	assert.False(t, q.Has("c"))

	assert.True(t, q.Remove("b"))
	assert.False(t, q.Remove("b"))
	assert.Equal(t, 0, q.Len())
}

func TestQueueRestoreKeepsOrderAndSequence(t *testing.T) {
	q := NewTaskQueue()
	q.restore([]QueuedTask{
		{TaskID: "x", Priority: protocol.PriorityNormal, Seq: 7},
		{TaskID: "y", Priority: protocol.PriorityNormal, Seq: 9},
	}, &ActiveTask{QueuedTask: QueuedTask{TaskID: "w", Seq: 5}})

	q.Push(QueuedTask{TaskID: "z"})
	tasks := q.Tasks()
	assert.Equal(t, []string{"x", "y", "z"}, ids(tasks))
	assert.Equal(t, uint64(10), tasks[2].Seq)
	assert.Equal(t, "w", q.Current().TaskID)
}
